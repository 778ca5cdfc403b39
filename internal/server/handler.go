// Package server ties the codec, lease engine and security validator
// into the DHCP state machine and runs it over UDP port 67.
package server

import (
	"errors"
	"net"

	"grimm.is/dhcpd/internal/clock"
	"grimm.is/dhcpd/internal/ddns"
	"grimm.is/dhcpd/internal/lease"
	"grimm.is/dhcpd/internal/logging"
	"grimm.is/dhcpd/internal/metrics"
	"grimm.is/dhcpd/internal/security"
	"grimm.is/dhcpd/internal/wire"
)

// Reply is a message the transport must put on the wire.
type Reply struct {
	Msg *wire.Message
	// Dest is the destination endpoint; when Broadcast is set it is
	// the limited broadcast address.
	Dest      *net.UDPAddr
	Broadcast bool
	// MinSize is the datagram floor the client advertised (option 57),
	// handed to the encoder for padding.
	MinSize int
}

// HandlerConfig wires a Handler together.
type HandlerConfig struct {
	Engine    *lease.Engine
	Validator *security.Validator // nil disables security checks
	Updater   ddns.Updater        // nil disables DNS integration
	Clock     clock.Clock
	Log       *logging.Logger
	Stats     *Stats

	// ServerIPs maps an ingress interface to the server identifier
	// (option 54) used for replies arriving on it. DefaultIP covers
	// interfaces not in the map.
	ServerIPs map[string]net.IP
	DefaultIP net.IP
}

// Handler implements the RFC 2131 server state machine, one message
// at a time. It keeps no per-client state; everything lives in the
// lease store.
type Handler struct {
	engine    *lease.Engine
	validator *security.Validator
	updater   ddns.Updater
	clock     clock.Clock
	log       *logging.Logger
	stats     *Stats
	serverIPs map[string]net.IP
	defaultIP net.IP
}

// NewHandler builds a handler. Zero config fields get defaults.
func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		engine:    cfg.Engine,
		validator: cfg.Validator,
		updater:   cfg.Updater,
		clock:     cfg.Clock,
		log:       cfg.Log,
		stats:     cfg.Stats,
		serverIPs: cfg.ServerIPs,
		defaultIP: cfg.DefaultIP,
	}
	if h.clock == nil {
		h.clock = &clock.RealClock{}
	}
	if h.log == nil {
		h.log = logging.WithComponent("dhcp")
	}
	if h.stats == nil {
		h.stats = &Stats{}
	}
	if h.updater == nil {
		h.updater = ddns.Noop{}
	}
	return h
}

// Handle processes one received datagram. A nil return means no
// reply; errors never escape, they end a single message's lifecycle.
func (h *Handler) Handle(data []byte, src *net.UDPAddr, iface string) *Reply {
	m, err := wire.Parse(data)
	if err != nil {
		h.stats.IncMalformed()
		metrics.Get().MalformedPackets.WithLabelValues(iface).Inc()
		h.log.Info("Dropping malformed packet", "src", src.String(), "interface", iface, "error", err)
		return nil
	}

	t := m.Type()
	h.stats.IncReceived(t)
	metrics.Get().MessagesReceived.WithLabelValues(t.String(), iface).Inc()

	switch t {
	case wire.Discover, wire.Request, wire.Decline, wire.Release, wire.Inform:
	case wire.Offer, wire.Ack, wire.Nak:
		// Server-side messages arriving at a server; not ours to consume.
		h.stats.IncDropped()
		return nil
	default:
		h.stats.IncDropped()
		h.log.Warn("Dropping unsupported message type", "type", t.String(), "src", src.String())
		return nil
	}

	mac := m.ClientMAC()
	if h.validator != nil {
		claim := m.RequestedIP()
		if claim == nil && !m.CIAddr.IsUnspecified() {
			claim = m.CIAddr
		}
		if err := h.validator.Validate(security.Request{
			Msg:       m,
			MAC:       mac,
			IP:        claim,
			Interface: iface,
		}); err != nil {
			h.stats.IncDenied()
			return nil
		}
	}

	var reply *Reply
	switch t {
	case wire.Discover:
		reply = h.handleDiscover(m, iface)
	case wire.Request:
		reply = h.handleRequest(m, iface)
	case wire.Decline:
		h.handleDecline(m)
	case wire.Release:
		h.handleRelease(m)
	case wire.Inform:
		reply = h.handleInform(m, iface)
	}

	if reply != nil {
		rt := reply.Msg.Type()
		h.stats.IncSent(rt)
		metrics.Get().RepliesSent.WithLabelValues(rt.String(), iface).Inc()
	}
	return reply
}

func (h *Handler) handleDiscover(m *wire.Message, iface string) *Reply {
	mac := m.ClientMAC()
	sub := h.subnetFor(m, iface)
	if sub == nil {
		h.stats.IncDropped()
		h.log.Warn("No subnet serves this message", "mac", lease.MacKey(mac), "interface", iface)
		return nil
	}

	l, err := h.engine.Allocate(mac, m.RequestedIP(), sub.Name, string(m.ClientID()))
	if err != nil {
		// No OFFER on DISCOVER failure; the client retries elsewhere.
		h.stats.IncDropped()
		h.log.Warn("Allocation failed", "mac", lease.MacKey(mac), "subnet", sub.Name, "error", err)
		return nil
	}
	h.captureClientInfo(m, mac)

	h.log.Info("Offering address", "mac", lease.MacKey(mac), "ip", l.IP.String(), "xid", m.XID)
	return h.route(m, h.buildReply(m, wire.Offer, l, sub, iface))
}

func (h *Handler) handleRequest(m *wire.Message, iface string) *Reply {
	mac := m.ClientMAC()
	sip := h.serverIP(iface)

	// Selecting state carries option 54. A different server's
	// identifier means the client chose someone else.
	if sid := m.ServerID(); sid != nil && sip != nil && !sid.Equal(sip) {
		h.stats.IncDropped()
		return nil
	}

	target := m.RequestedIP()
	if target == nil && !m.CIAddr.IsUnspecified() {
		target = m.CIAddr
	}
	if target == nil {
		return h.nak(m, iface, "request names no address")
	}

	sub := h.engine.SubnetFor(target)
	if sub == nil {
		return h.nak(m, iface, "requested address out of scope")
	}

	l, err := h.engine.Renew(mac, target)
	if errors.Is(err, lease.ErrUnknownLease) {
		// REQUEST without a preceding OFFER (reboot, takeover):
		// synthesize the allocation.
		l, err = h.engine.Allocate(mac, target, sub.Name, string(m.ClientID()))
	}
	if err != nil {
		return h.nak(m, iface, "allocation failed")
	}
	if !l.IP.Equal(target.To4()) {
		// The pool had a different answer than the client insists on.
		h.engine.Release(mac)
		return h.nak(m, iface, "requested address unavailable")
	}

	h.captureClientInfo(m, mac)
	h.notifyDNS(m, l, sub)

	h.log.Info("Acknowledging address", "mac", lease.MacKey(mac), "ip", l.IP.String(), "xid", m.XID)
	return h.route(m, h.buildReply(m, wire.Ack, l, sub, iface))
}

func (h *Handler) handleDecline(m *wire.Message) {
	mac := m.ClientMAC()
	ip := m.RequestedIP()
	if ip == nil {
		h.log.Warn("DECLINE without requested address", "mac", lease.MacKey(mac))
		return
	}
	h.engine.Decline(mac, ip)
	metrics.Get().Declines.Inc()
}

func (h *Handler) handleRelease(m *wire.Message) {
	mac := m.ClientMAC()
	l, err := h.engine.Release(mac)
	if err != nil || l == nil {
		return
	}
	if l.Hostname != "" {
		go func() {
			if err := h.updater.RemoveRecord(l.Hostname, l.IP); err != nil {
				h.log.Warn("DNS record removal failed", "hostname", l.Hostname, "error", err)
			}
		}()
	}
}

// handleInform answers configuration-only queries. The ACK carries no
// address and no lease timers.
func (h *Handler) handleInform(m *wire.Message, iface string) *Reply {
	sub := h.subnetFor(m, iface)
	if sub == nil && !m.CIAddr.IsUnspecified() {
		sub = h.engine.SubnetFor(m.CIAddr)
	}
	if sub == nil {
		h.stats.IncDropped()
		return nil
	}

	r := wire.NewReply(m, wire.Ack)
	r.CIAddr = m.CIAddr
	h.addNetworkOptions(r, sub, iface)
	return h.route(m, r)
}

func (h *Handler) nak(m *wire.Message, iface, reason string) *Reply {
	h.log.Warn("NAK", "mac", lease.MacKey(m.ClientMAC()), "xid", m.XID, "reason", reason)
	metrics.Get().Naks.WithLabelValues(reason).Inc()

	r := wire.NewReply(m, wire.Nak)
	if sip := h.serverIP(iface); sip != nil {
		r.Options.SetIP(wire.OptServerID, sip)
	}
	rep := h.route(m, r)
	if rep != nil && m.GIAddr.IsUnspecified() {
		// A NAKed client has no usable address to receive unicast on.
		rep.Dest = &net.UDPAddr{IP: net.IPv4bcast, Port: 68}
		rep.Broadcast = true
	}
	return rep
}

// buildReply assembles an OFFER or ACK for a granted lease.
func (h *Handler) buildReply(m *wire.Message, t wire.MessageType, l *lease.Lease, sub *lease.Subnet, iface string) *wire.Message {
	r := wire.NewReply(m, t)
	r.YIAddr = l.IP

	secs := uint32(l.Duration().Seconds())
	if l.Static {
		secs = lease.InfiniteLease
	}
	r.Options.SetU32(wire.OptLeaseTime, secs)
	if secs != lease.InfiniteLease {
		r.Options.SetU32(wire.OptRenewalTime, secs/2)
		r.Options.SetU32(wire.OptRebindingTime, secs*7/8)
	}

	h.addNetworkOptions(r, sub, iface)
	for _, o := range l.Options {
		r.Options.InsertOrReplace(o.Code, o.Data)
	}
	return r
}

// addNetworkOptions writes the subnet echo set: server identifier,
// mask, router, DNS, domain, broadcast, then configured extras.
func (h *Handler) addNetworkOptions(r *wire.Message, sub *lease.Subnet, iface string) {
	if sip := h.serverIP(iface); sip != nil {
		r.Options.SetIP(wire.OptServerID, sip)
		r.SIAddr = sip
	}
	r.Options.InsertOrReplace(wire.OptSubnetMask, sub.Mask())
	if sub.Gateway != nil {
		r.Options.SetIP(wire.OptRouter, sub.Gateway)
	}
	if len(sub.DNS) > 0 {
		data := make([]byte, 0, 4*len(sub.DNS))
		for _, ip := range sub.DNS {
			data = append(data, ip.To4()...)
		}
		r.Options.InsertOrReplace(wire.OptDNSServer, data)
	}
	if sub.Domain != "" {
		r.Options.SetString(wire.OptDomainName, sub.Domain)
	}
	r.Options.SetIP(wire.OptBroadcastAddress, sub.Broadcast())
	for _, o := range sub.Options {
		r.Options.InsertOrReplace(o.Code, o.Data)
	}
}

// route decides where the reply goes (RFC 2131 §4.1).
func (h *Handler) route(req *wire.Message, r *wire.Message) *Reply {
	rep := &Reply{Msg: r, MinSize: req.MaxMessageSize()}
	switch {
	case !req.GIAddr.IsUnspecified():
		rep.Dest = &net.UDPAddr{IP: req.GIAddr, Port: 67}
	case req.Broadcast() || req.CIAddr.IsUnspecified():
		rep.Dest = &net.UDPAddr{IP: net.IPv4bcast, Port: 68}
		rep.Broadcast = true
	default:
		rep.Dest = &net.UDPAddr{IP: req.CIAddr, Port: 68}
	}
	return rep
}

func (h *Handler) serverIP(iface string) net.IP {
	if ip, ok := h.serverIPs[iface]; ok {
		return ip
	}
	return h.defaultIP
}

// subnetFor picks the subnet serving a message: the relay's network
// when relayed, else the network of the ingress interface's address,
// else the first configured subnet.
func (h *Handler) subnetFor(m *wire.Message, iface string) *lease.Subnet {
	if !m.GIAddr.IsUnspecified() {
		return h.engine.SubnetFor(m.GIAddr)
	}
	if sip := h.serverIP(iface); sip != nil {
		if sub := h.engine.SubnetFor(sip); sub != nil {
			return sub
		}
	}
	subs := h.engine.Subnets()
	if len(subs) > 0 {
		return subs[0]
	}
	return nil
}

func (h *Handler) captureClientInfo(m *wire.Message, mac net.HardwareAddr) {
	h.engine.UpdateClientInfo(mac, m.Hostname(), m.VendorClass())
}

func (h *Handler) notifyDNS(m *wire.Message, l *lease.Lease, sub *lease.Subnet) {
	hostname := m.Hostname()
	if hostname == "" {
		hostname = l.Hostname
	}
	if hostname == "" {
		return
	}
	ip := l.IP
	go func() {
		if err := h.updater.AddRecord(hostname, ip); err != nil {
			h.log.Warn("DNS record update failed", "hostname", hostname, "error", err)
		}
	}()
}
