package lease

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/dhcpd/internal/clock"
	"grimm.is/dhcpd/internal/events"
	"grimm.is/dhcpd/internal/logging"
)

// ConflictStrategy selects what happens when an allocation hits an IP
// already bound to a different MAC.
type ConflictStrategy string

const (
	StrategyReject    ConflictStrategy = "reject"
	StrategyReplace   ConflictStrategy = "replace"
	StrategyExtend    ConflictStrategy = "extend"
	StrategyNegotiate ConflictStrategy = "negotiate"
)

// ParseConflictStrategy validates a strategy name from configuration.
func ParseConflictStrategy(s string) (ConflictStrategy, error) {
	switch ConflictStrategy(s) {
	case StrategyReject, StrategyReplace, StrategyExtend, StrategyNegotiate:
		return ConflictStrategy(s), nil
	case "":
		return StrategyReject, nil
	}
	return "", fmt.Errorf("lease: unknown conflict strategy %q", s)
}

// ConflictRecord is one resolved or pending address conflict.
type ConflictRecord struct {
	ID        string
	IP        net.IP
	HolderMAC net.HardwareAddr
	ClaimMAC  net.HardwareAddr
	Strategy  ConflictStrategy
	Resolved  bool
	At        time.Time
}

// HistoryEntry is one past occupancy of an IP.
type HistoryEntry struct {
	MAC         net.HardwareAddr
	Hostname    string
	AllocatedAt time.Time
	EndedAt     time.Time
	Reason      string // "released", "expired", "declined", "replaced"
}

const (
	// DefaultDeclineCooldown keeps a DECLINEd IP out of allocation.
	DefaultDeclineCooldown = 300 * time.Second
	// DefaultReapInterval is the expiry sweep period.
	DefaultReapInterval = 60 * time.Second

	conflictRetention = 24 * time.Hour
	historyDepth      = 10
)

// Prober reports whether an address already answers on the wire.
// Consulted before offering an IP on subnets that opt in.
type Prober interface {
	InUse(ip net.IP) bool
}

// EngineConfig wires an Engine together.
type EngineConfig struct {
	Store           *Store
	Subnets         []*Subnet
	Strategy        ConflictStrategy
	DeclineCooldown time.Duration
	ReapInterval    time.Duration
	Clock           clock.Clock
	Log             *logging.Logger
	Hub             *events.Hub
	Probe           Prober
	OnExpire        func(*Lease)
}

// Engine owns allocation policy: which IP a client gets, conflict
// handling, DECLINE cooldowns and expiry reaping. All mutating
// operations are serialized by a single engine lock.
type Engine struct {
	mu sync.Mutex

	store    *Store
	subnets  map[string]*Subnet
	ordered  []*Subnet
	strategy ConflictStrategy

	declineCooldown time.Duration
	cooldown        map[uint32]time.Time

	conflicts []ConflictRecord
	history   map[uint32][]HistoryEntry

	clock    clock.Clock
	log      *logging.Logger
	hub      *events.Hub
	probe    Prober
	onExpire func(*Lease)

	reapInterval time.Duration
	stop         chan struct{}
	wg           sync.WaitGroup
}

// NewEngine builds an engine. Zero config fields get defaults.
func NewEngine(cfg EngineConfig) *Engine {
	e := &Engine{
		store:           cfg.Store,
		subnets:         make(map[string]*Subnet),
		strategy:        cfg.Strategy,
		declineCooldown: cfg.DeclineCooldown,
		cooldown:        make(map[uint32]time.Time),
		history:         make(map[uint32][]HistoryEntry),
		clock:           cfg.Clock,
		log:             cfg.Log,
		hub:             cfg.Hub,
		probe:           cfg.Probe,
		onExpire:        cfg.OnExpire,
		reapInterval:    cfg.ReapInterval,
		stop:            make(chan struct{}),
	}
	if e.store == nil {
		e.store = NewStore()
	}
	if e.strategy == "" {
		e.strategy = StrategyReject
	}
	if e.declineCooldown <= 0 {
		e.declineCooldown = DefaultDeclineCooldown
	}
	if e.reapInterval <= 0 {
		e.reapInterval = DefaultReapInterval
	}
	if e.clock == nil {
		e.clock = &clock.RealClock{}
	}
	if e.log == nil {
		e.log = logging.WithComponent("lease")
	}
	for _, s := range cfg.Subnets {
		e.subnets[s.Name] = s
		e.ordered = append(e.ordered, s)
	}
	return e
}

// Store exposes the underlying lease store.
func (e *Engine) Store() *Store { return e.store }

// SubnetByName returns the named subnet, or nil.
func (e *Engine) SubnetByName(name string) *Subnet { return e.subnets[name] }

// SubnetFor returns the first subnet containing ip, or nil.
func (e *Engine) SubnetFor(ip net.IP) *Subnet {
	for _, s := range e.ordered {
		if s.Contains(ip) {
			return s
		}
	}
	return nil
}

// Subnets returns the configured subnets in declaration order.
func (e *Engine) Subnets() []*Subnet { return e.ordered }

// Allocate picks an IP for mac in the named subnet.
//
// Order: static reservation, existing lease, requested IP if viable,
// then the first free address scanning the range ascending. The scan
// skips exclusions, foreign reservations and DECLINE cooldowns.
func (e *Engine) Allocate(mac net.HardwareAddr, requested net.IP, subnetName, clientID string) (*Lease, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sub := e.subnets[subnetName]
	if sub == nil {
		return nil, fmt.Errorf("lease: unknown subnet %q", subnetName)
	}
	now := e.clock.Now()

	if r := e.store.StaticByMAC(mac); r != nil {
		if holder := e.store.GetByIP(r.IP); holder != nil && MacKey(holder.MAC) != MacKey(mac) {
			if err := e.resolveConflict(r.IP, holder, mac, now); err != nil {
				return nil, err
			}
		}
		dur := r.LeaseTime
		if dur <= 0 {
			dur = sub.DefaultLeaseTime
		}
		return e.bind(mac, r.IP, sub, clientID, r.Hostname, true, dur, now)
	}

	if existing := e.store.GetByMAC(mac); existing != nil {
		if requested == nil || requested.IsUnspecified() || requested.Equal(existing.IP) {
			return existing, nil
		}
	}

	if requested != nil && !requested.IsUnspecified() {
		if l, ok, err := e.tryRequested(mac, requested, sub, clientID, now); err != nil {
			return nil, err
		} else if ok {
			return l, nil
		}
	}

	for v := IPToU32(sub.RangeStart); v <= IPToU32(sub.RangeEnd); v++ {
		ip := U32ToIP(v)
		if sub.Excluded(ip) {
			continue
		}
		if r := e.store.StaticByIP(ip); r != nil && MacKey(r.MAC) != MacKey(mac) {
			continue
		}
		if e.inCooldown(ip, now) {
			continue
		}
		if e.store.GetByIP(ip) != nil {
			continue
		}
		if e.addressAnswers(ip, sub, now) {
			continue
		}
		return e.bind(mac, ip, sub, clientID, "", false, sub.DefaultLeaseTime, now)
	}
	return nil, fmt.Errorf("%w: subnet %s", ErrPoolExhausted, sub.Name)
}

// tryRequested honors a client's requested IP when it is viable.
func (e *Engine) tryRequested(mac net.HardwareAddr, requested net.IP, sub *Subnet, clientID string, now time.Time) (*Lease, bool, error) {
	if !sub.InRange(requested) || sub.Excluded(requested) || e.inCooldown(requested, now) {
		return nil, false, nil
	}
	if r := e.store.StaticByIP(requested); r != nil && MacKey(r.MAC) != MacKey(mac) {
		return nil, false, nil
	}
	if holder := e.store.GetByIP(requested); holder != nil {
		if MacKey(holder.MAC) == MacKey(mac) {
			l, err := e.bind(mac, requested, sub, clientID, "", false, sub.DefaultLeaseTime, now)
			return l, err == nil, err
		}
		if err := e.resolveConflict(requested, holder, mac, now); err != nil {
			// The strategy refused; fall through to a fresh scan.
			return nil, false, nil
		}
	}
	if e.addressAnswers(requested, sub, now) {
		return nil, false, nil
	}
	l, err := e.bind(mac, requested, sub, clientID, "", false, sub.DefaultLeaseTime, now)
	return l, err == nil, err
}

// addressAnswers probes a candidate on opted-in subnets. A live host
// puts the address in cooldown exactly like a DECLINE would.
func (e *Engine) addressAnswers(ip net.IP, sub *Subnet, now time.Time) bool {
	if !sub.ProbeBeforeOffer || e.probe == nil {
		return false
	}
	if !e.probe.InUse(ip) {
		return false
	}
	e.cooldown[IPToU32(ip)] = now.Add(e.declineCooldown)
	e.log.Warn("candidate address answers probe", "ip", ip.String(), "subnet", sub.Name)
	return true
}

// bind writes the lease through the store and records history.
func (e *Engine) bind(mac net.HardwareAddr, ip net.IP, sub *Subnet, clientID, hostname string, static bool, dur time.Duration, now time.Time) (*Lease, error) {
	l := &Lease{
		MAC:      append(net.HardwareAddr(nil), mac...),
		IP:       append(net.IP(nil), ip.To4()...),
		Hostname: hostname,
		ClientID: clientID,
		Subnet:   sub.Name,
		Static:   static,
		Active:   true,
	}
	l.SetTimers(now, dur)
	if err := e.store.Replace(mac, l); err != nil {
		return nil, err
	}
	e.log.Info("lease allocated", "mac", MacKey(mac), "ip", ip.String(), "subnet", sub.Name, "static", static)
	if e.hub != nil {
		e.hub.EmitLease(events.EventLeaseAllocated, MacKey(mac), ip.String(), l.Hostname, sub.Name, static)
	}
	return l.Clone(), nil
}

// resolveConflict applies the configured strategy when ip is held by
// a different MAC. A nil return means the caller may proceed to bind.
func (e *Engine) resolveConflict(ip net.IP, holder *Lease, claim net.HardwareAddr, now time.Time) error {
	rec := ConflictRecord{
		ID:        uuid.NewString(),
		IP:        append(net.IP(nil), ip.To4()...),
		HolderMAC: append(net.HardwareAddr(nil), holder.MAC...),
		ClaimMAC:  append(net.HardwareAddr(nil), claim...),
		Strategy:  e.strategy,
		At:        now,
	}

	var err error
	switch e.strategy {
	case StrategyReplace:
		e.store.Remove(holder.MAC)
		e.recordHistory(ip, HistoryEntry{
			MAC: holder.MAC, Hostname: holder.Hostname,
			AllocatedAt: holder.AllocatedAt, EndedAt: now, Reason: "replaced",
		})
		rec.Resolved = true
	case StrategyExtend:
		ext := holder.Clone()
		ext.SetTimers(now, holder.Duration())
		if rerr := e.store.Replace(holder.MAC, ext); rerr != nil {
			e.log.Error("conflict extend failed", "ip", ip.String(), "error", rerr)
		}
		rec.Resolved = true
		err = fmt.Errorf("%w: %s held by %s, extended", ErrConflict, ip, MacKey(holder.MAC))
	case StrategyNegotiate:
		err = fmt.Errorf("%w: %s held by %s, queued for operator", ErrConflict, ip, MacKey(holder.MAC))
	default: // StrategyReject
		err = fmt.Errorf("%w: %s held by %s", ErrConflict, ip, MacKey(holder.MAC))
	}

	e.conflicts = append(e.conflicts, rec)
	e.pruneConflicts(now)
	e.log.Warn("address conflict",
		"ip", ip.String(), "holder", MacKey(holder.MAC), "claim", MacKey(claim),
		"strategy", string(e.strategy), "resolved", rec.Resolved)
	if e.hub != nil {
		e.hub.EmitConflict(rec.ID, ip.String(), MacKey(holder.MAC), MacKey(claim), string(e.strategy), rec.Resolved)
	}
	return err
}

// UpdateClientInfo records identifying details the client sent with
// its message. No-op when mac holds no lease.
func (e *Engine) UpdateClientInfo(mac net.HardwareAddr, hostname, vendorClass string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	l := e.store.GetByMAC(mac)
	if l == nil {
		return
	}
	if hostname == "" && vendorClass == "" {
		return
	}
	updated := l.Clone()
	if hostname != "" {
		updated.Hostname = hostname
	}
	if vendorClass != "" {
		updated.VendorClass = vendorClass
	}
	if err := e.store.Replace(mac, updated); err != nil {
		e.log.Error("client info update failed", "mac", MacKey(mac), "error", err)
	}
}

// Renew extends the lease for mac at ip from now.
func (e *Engine) Renew(mac net.HardwareAddr, ip net.IP) (*Lease, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	existing := e.store.GetByMAC(mac)
	if existing == nil || !existing.IP.Equal(ip.To4()) {
		return nil, fmt.Errorf("%w: %s at %s", ErrUnknownLease, MacKey(mac), ip)
	}
	sub := e.subnets[existing.Subnet]
	dur := existing.Duration()
	if sub != nil && !existing.Static {
		dur = sub.DefaultLeaseTime
	}

	renewed := existing.Clone()
	renewed.SetTimers(e.clock.Now(), dur)
	if err := e.store.Replace(mac, renewed); err != nil {
		return nil, err
	}
	e.log.Info("lease renewed", "mac", MacKey(mac), "ip", ip.String(), "expires", renewed.ExpiresAt)
	if e.hub != nil {
		e.hub.EmitLease(events.EventLeaseRenewed, MacKey(mac), ip.String(), renewed.Hostname, renewed.Subnet, renewed.Static)
	}
	return renewed.Clone(), nil
}

// Release removes the lease for mac. A MAC with no lease is a no-op:
// the nil lease tells the caller nothing was held.
func (e *Engine) Release(mac net.HardwareAddr) (*Lease, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	l := e.store.Remove(mac)
	if l == nil {
		return nil, nil
	}
	now := e.clock.Now()
	e.recordHistory(l.IP, HistoryEntry{
		MAC: l.MAC, Hostname: l.Hostname,
		AllocatedAt: l.AllocatedAt, EndedAt: now, Reason: "released",
	})
	e.log.Info("lease released", "mac", MacKey(mac), "ip", l.IP.String())
	if e.hub != nil {
		e.hub.EmitLease(events.EventLeaseReleased, MacKey(mac), l.IP.String(), l.Hostname, l.Subnet, l.Static)
	}
	return l, nil
}

// Decline marks ip unusable for the cooldown window and drops the
// declining client's lease.
func (e *Engine) Decline(mac net.HardwareAddr, ip net.IP) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	e.cooldown[IPToU32(ip)] = now.Add(e.declineCooldown)

	if l := e.store.Remove(mac); l != nil {
		e.recordHistory(l.IP, HistoryEntry{
			MAC: l.MAC, Hostname: l.Hostname,
			AllocatedAt: l.AllocatedAt, EndedAt: now, Reason: "declined",
		})
	}
	e.log.Warn("lease declined", "mac", MacKey(mac), "ip", ip.String(), "cooldown", e.declineCooldown)
	if e.hub != nil {
		e.hub.EmitLease(events.EventLeaseDeclined, MacKey(mac), ip.String(), "", "", false)
	}
}

func (e *Engine) inCooldown(ip net.IP, now time.Time) bool {
	until, ok := e.cooldown[IPToU32(ip)]
	if !ok {
		return false
	}
	if now.After(until) {
		delete(e.cooldown, IPToU32(ip))
		return false
	}
	return true
}

// StartReaper launches the background expiry sweep.
func (e *Engine) StartReaper() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.reapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.ReapOnce()
			case <-e.stop:
				return
			}
		}
	}()
}

// Stop halts the reaper and waits for it.
func (e *Engine) Stop() {
	close(e.stop)
	e.wg.Wait()
}

// ReapOnce removes every expired dynamic lease. The scan works on a
// snapshot; the store lock is held only per removal.
func (e *Engine) ReapOnce() int {
	now := e.clock.Now()
	expired := e.store.Expired(now)
	for _, l := range expired {
		e.mu.Lock()
		// Re-check under the engine lock: the client may have renewed
		// between snapshot and removal.
		cur := e.store.GetByMAC(l.MAC)
		if cur == nil || !cur.Expired(now) {
			e.mu.Unlock()
			continue
		}
		e.store.Remove(l.MAC)
		e.recordHistory(l.IP, HistoryEntry{
			MAC: l.MAC, Hostname: l.Hostname,
			AllocatedAt: l.AllocatedAt, EndedAt: now, Reason: "expired",
		})
		e.mu.Unlock()

		e.log.Info("lease expired", "mac", MacKey(l.MAC), "ip", l.IP.String())
		if e.hub != nil {
			e.hub.EmitLease(events.EventLeaseExpired, MacKey(l.MAC), l.IP.String(), l.Hostname, l.Subnet, l.Static)
		}
		if e.onExpire != nil {
			e.onExpire(l)
		}
	}
	return len(expired)
}

// Utilization returns active dynamic leases over pool size for the
// named subnet, in [0,1].
func (e *Engine) Utilization(subnetName string) float64 {
	sub := e.subnets[subnetName]
	if sub == nil {
		return 0
	}
	size := sub.PoolSize()
	if size == 0 {
		return 0
	}
	n := 0
	for _, l := range e.store.IterSubnet(subnetName) {
		if !l.Static {
			n++
		}
	}
	return float64(n) / float64(size)
}

// ExpiringWithin returns active dynamic leases that expire inside the
// window from now.
func (e *Engine) ExpiringWithin(window time.Duration) []*Lease {
	deadline := e.clock.Now().Add(window)
	var out []*Lease
	for _, l := range e.store.IterActive() {
		if !l.Static && !l.ExpiresAt.After(deadline) {
			out = append(out, l)
		}
	}
	return out
}

// HistoryForIP returns the bounded occupancy history of ip, newest
// last.
func (e *Engine) HistoryForIP(ip net.IP) []HistoryEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := e.history[IPToU32(ip)]
	return append([]HistoryEntry(nil), h...)
}

// Conflicts returns the retained conflict records, oldest first.
func (e *Engine) Conflicts() []ConflictRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pruneConflicts(e.clock.Now())
	return append([]ConflictRecord(nil), e.conflicts...)
}

func (e *Engine) recordHistory(ip net.IP, entry HistoryEntry) {
	k := IPToU32(ip)
	h := append(e.history[k], entry)
	if len(h) > historyDepth {
		h = h[len(h)-historyDepth:]
	}
	e.history[k] = h
}

func (e *Engine) pruneConflicts(now time.Time) {
	cutoff := now.Add(-conflictRetention)
	i := 0
	for i < len(e.conflicts) && e.conflicts[i].At.Before(cutoff) {
		i++
	}
	if i > 0 {
		e.conflicts = append([]ConflictRecord(nil), e.conflicts[i:]...)
	}
}
