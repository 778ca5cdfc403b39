package server

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4/server4"
	"golang.org/x/net/ipv4"

	"grimm.is/dhcpd/internal/logging"
	"grimm.is/dhcpd/internal/wire"
)

const (
	// DefaultReadTimeout bounds a blocking receive so shutdown is
	// timely.
	DefaultReadTimeout = 1 * time.Second
	// DefaultWorkers is the handler pool size.
	DefaultWorkers = 4

	recvBufferSize = 4096
	queueDepth     = 256
)

// packet is one received datagram queued for a worker.
type packet struct {
	data  []byte
	src   *net.UDPAddr
	iface string
	conn  *net.UDPConn
}

type listener struct {
	conn  *net.UDPConn
	iface string
	addr  *net.UDPAddr

	// pc is set for wildcard binds so the ingress interface can be
	// read per packet from the control message.
	pc *ipv4.PacketConn
}

// TransportConfig wires a Transport together.
type TransportConfig struct {
	// ListenAddrs are local IPv4 addresses to bind on port 67.
	ListenAddrs []net.IP
	Handler     *Handler
	Log         *logging.Logger
	ReadTimeout time.Duration
	Workers     int
}

// Transport owns the UDP sockets: one receive loop per bound address
// feeding a bounded queue drained by a worker pool. It never
// interprets payload bytes; that is the handler's job.
type Transport struct {
	handler     *Handler
	log         *logging.Logger
	readTimeout time.Duration
	workers     int

	listeners []*listener
	queue     chan packet
	stop      chan struct{}
	recvWG    sync.WaitGroup
	workWG    sync.WaitGroup
}

// NewTransport builds a transport. Zero config fields get defaults.
func NewTransport(cfg TransportConfig) (*Transport, error) {
	if len(cfg.ListenAddrs) == 0 {
		return nil, fmt.Errorf("transport: no listen addresses")
	}
	t := &Transport{
		handler:     cfg.Handler,
		log:         cfg.Log,
		readTimeout: cfg.ReadTimeout,
		workers:     cfg.Workers,
		queue:       make(chan packet, queueDepth),
		stop:        make(chan struct{}),
	}
	if t.log == nil {
		t.log = logging.WithComponent("transport")
	}
	if t.readTimeout <= 0 {
		t.readTimeout = DefaultReadTimeout
	}
	if t.workers <= 0 {
		t.workers = DefaultWorkers
	}

	for _, ip := range cfg.ListenAddrs {
		iface := interfaceFor(ip)
		addr := &net.UDPAddr{IP: ip, Port: 67}
		conn, err := server4.NewIPv4UDPConn(iface, addr)
		if err != nil {
			t.closeAll()
			return nil, fmt.Errorf("transport: bind %s: %w", addr, err)
		}
		l := &listener{conn: conn, iface: iface, addr: addr}
		if iface == "" {
			pc := ipv4.NewPacketConn(conn)
			if err := pc.SetControlMessage(ipv4.FlagInterface, true); err != nil {
				t.log.Warn("Interface control messages unavailable", "addr", addr.String(), "error", err)
			} else {
				l.pc = pc
			}
		}
		t.listeners = append(t.listeners, l)
		t.log.Info("Listening", "addr", addr.String(), "interface", iface)
	}
	return t, nil
}

// Start launches the receive loops and worker pool.
func (t *Transport) Start() {
	for _, l := range t.listeners {
		t.recvWG.Add(1)
		go t.receiveLoop(l)
	}
	for i := 0; i < t.workers; i++ {
		t.workWG.Add(1)
		go t.worker()
	}
}

// Stop closes the sockets, drains the loops and joins every thread.
func (t *Transport) Stop() {
	close(t.stop)
	t.closeAll()
	t.recvWG.Wait()
	close(t.queue)
	t.workWG.Wait()
}

func (t *Transport) closeAll() {
	for _, l := range t.listeners {
		l.conn.Close()
	}
}

func (t *Transport) receiveLoop(l *listener) {
	defer t.recvWG.Done()
	buf := make([]byte, recvBufferSize)
	for {
		select {
		case <-t.stop:
			return
		default:
		}

		l.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
		n, src, iface, err := l.read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-t.stop:
				return
			default:
			}
			// A transient receive error must not tear down the socket.
			t.log.Warn("Receive error", "addr", l.addr.String(), "error", err)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case t.queue <- packet{data: data, src: src, iface: iface, conn: l.conn}:
		default:
			t.log.Warn("Receive queue full, dropping packet", "src", src.String())
		}
	}
}

func (t *Transport) worker() {
	defer t.workWG.Done()
	for pkt := range t.queue {
		reply := t.handler.Handle(pkt.data, pkt.src, pkt.iface)
		if reply == nil {
			continue
		}
		out, err := wire.Encode(reply.Msg, reply.MinSize)
		if err != nil {
			t.log.Error("Reply encode failed", "xid", reply.Msg.XID, "error", err)
			continue
		}
		if _, err := pkt.conn.WriteToUDP(out, reply.Dest); err != nil {
			t.log.Warn("Send failed", "dest", reply.Dest.String(), "error", err)
		}
	}
}

// read receives one datagram and resolves its ingress interface. On a
// dedicated bind the interface is fixed; a wildcard bind reads it from
// the per-packet control message.
func (l *listener) read(buf []byte) (int, *net.UDPAddr, string, error) {
	if l.pc == nil {
		n, src, err := l.conn.ReadFromUDP(buf)
		return n, src, l.iface, err
	}
	n, cm, src, err := l.pc.ReadFrom(buf)
	if err != nil {
		return 0, nil, "", err
	}
	udp, _ := src.(*net.UDPAddr)
	return n, udp, ifaceName(cm), nil
}

// ifaceName maps a control message's interface index to its name.
func ifaceName(cm *ipv4.ControlMessage) string {
	if cm == nil || cm.IfIndex == 0 {
		return ""
	}
	ifc, err := net.InterfaceByIndex(cm.IfIndex)
	if err != nil {
		return ""
	}
	return ifc.Name
}

// interfaceFor resolves the name of the interface carrying ip, or ""
// for wildcard and unmatched addresses.
func interfaceFor(ip net.IP) string {
	if ip == nil || ip.IsUnspecified() {
		return ""
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, ifc := range ifaces {
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok && ipn.IP.Equal(ip) {
				return ifc.Name
			}
		}
	}
	return ""
}
