package server

import (
	"fmt"
	"net"
	"sync"
	"time"

	"grimm.is/dhcpd/internal/clock"
	"grimm.is/dhcpd/internal/config"
	"grimm.is/dhcpd/internal/ddns"
	"grimm.is/dhcpd/internal/events"
	"grimm.is/dhcpd/internal/history"
	"grimm.is/dhcpd/internal/lease"
	"grimm.is/dhcpd/internal/logging"
	"grimm.is/dhcpd/internal/metrics"
	"grimm.is/dhcpd/internal/probe"
	"grimm.is/dhcpd/internal/security"
)

// MetricsInterval is the gauge refresh period.
const MetricsInterval = 15 * time.Second

// Options carries the server's injectable collaborators. Zero fields
// get production defaults.
type Options struct {
	Clock clock.Clock
	Log   *logging.Logger
	Hub   *events.Hub

	// Transport tuning, mainly for tests.
	ReadTimeout time.Duration
	Workers     int
}

// Server assembles the daemon: lease engine, security validator,
// protocol handler, UDP transport, metrics and persistence. One
// Server per process.
type Server struct {
	mu  sync.Mutex
	cfg *config.Config

	log   *logging.Logger
	hub   *events.Hub
	clock clock.Clock

	store     *lease.Store
	engine    *lease.Engine
	validator *security.Validator
	updater   ddns.Updater
	handler   *Handler
	transport *Transport
	collector *metrics.Collector
	hist      *history.Store
	stats     *Stats

	leaseFile    string
	saveInterval time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a server from a validated configuration.
func New(cfg *config.Config, opt Options) (*Server, error) {
	if opt.Clock == nil {
		opt.Clock = &clock.RealClock{}
	}
	if opt.Log == nil {
		opt.Log = logging.WithComponent("server")
	}
	if opt.Hub == nil {
		opt.Hub = events.NewHub()
	}

	s := &Server{
		cfg:          cfg,
		log:          opt.Log,
		hub:          opt.Hub,
		clock:        opt.Clock,
		store:        lease.NewStore(),
		stats:        &Stats{},
		leaseFile:    cfg.Server.LeaseFile,
		saveInterval: cfg.Server.AutoSaveInterval(),
		stop:         make(chan struct{}),
	}

	subnets, err := cfg.BuildSubnets()
	if err != nil {
		return nil, err
	}
	statics, err := cfg.BuildReservations()
	if err != nil {
		return nil, err
	}

	s.recoverLeases()
	for _, r := range statics {
		s.store.AddStatic(r)
	}

	strategy, err := lease.ParseConflictStrategy(cfg.Server.ConflictStrategy)
	if err != nil {
		return nil, err
	}

	var prober lease.Prober
	for _, sub := range subnets {
		if sub.ProbeBeforeOffer {
			prober = probe.NewICMP()
			break
		}
	}

	s.engine = lease.NewEngine(lease.EngineConfig{
		Store:    s.store,
		Subnets:  subnets,
		Strategy: strategy,
		Clock:    s.clock,
		Log:      s.log.WithComponent("lease"),
		Hub:      s.hub,
		Probe:    prober,
		OnExpire: func(l *lease.Lease) {
			metrics.Get().Expirations.Inc()
			if l.Hostname != "" && s.updater != nil {
				go func() {
					if err := s.updater.RemoveRecord(l.Hostname, l.IP); err != nil {
						s.log.Warn("DNS record removal failed", "hostname", l.Hostname, "error", err)
					}
				}()
			}
		},
	})

	if cfg.Server.SecurityEnabled() {
		secCfg, err := cfg.BuildSecurity(s.clock.Now())
		if err != nil {
			return nil, err
		}
		s.validator = security.NewValidator(secCfg, security.Options{
			Clock: s.clock,
			Log:   s.log.WithComponent("security"),
			Hub:   s.hub,
		})
		s.validator.OnEvent(s.onSecurityEvent)
	}

	s.updater, err = ddns.New(ddnsConfig(cfg), s.log.WithComponent("ddns"))
	if err != nil {
		return nil, err
	}

	if cfg.Server.HistoryFile != "" {
		s.hist, err = history.Open(cfg.Server.HistoryFile, 0)
		if err != nil {
			return nil, err
		}
	}

	listen := cfg.ListenIPs()
	s.handler = NewHandler(HandlerConfig{
		Engine:    s.engine,
		Validator: s.validator,
		Updater:   s.updater,
		Clock:     s.clock,
		Log:       s.log.WithComponent("dhcp"),
		Stats:     s.stats,
		ServerIPs: serverIPsByInterface(listen),
		DefaultIP: listen[0],
	})

	s.transport, err = NewTransport(TransportConfig{
		ListenAddrs: listen,
		Handler:     s.handler,
		Log:         s.log.WithComponent("transport"),
		ReadTimeout: opt.ReadTimeout,
		Workers:     opt.Workers,
	})
	if err != nil {
		s.closePartial()
		return nil, err
	}

	s.collector = metrics.NewCollector(s.log.WithComponent("metrics"), s, MetricsInterval)
	return s, nil
}

// Start launches every background loop and begins serving.
func (s *Server) Start() {
	s.engine.StartReaper()
	if s.validator != nil {
		s.validator.StartCleanup()
	}
	s.collector.Start()
	s.transport.Start()

	if s.saveInterval > 0 {
		s.wg.Add(1)
		go s.autoSaveLoop()
	}
	if s.hist != nil {
		s.wg.Add(1)
		go s.historyLoop()
	}
	s.log.Info("Server started", "listeners", len(s.cfg.Server.ListenAddresses))
}

// Stop shuts the daemon down: sockets close first so no new work
// arrives, then background loops join, then the lease file flushes.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.transport.Stop()
		s.engine.Stop()
		if s.validator != nil {
			s.validator.Stop()
		}
		s.collector.Stop()
		s.wg.Wait()

		if err := lease.SaveFile(s.leaseFile, s.store.Snapshot()); err != nil {
			s.log.Error("Final lease save failed", "path", s.leaseFile, "error", err)
		}
		if s.hist != nil {
			s.hist.Close()
		}
		s.log.Info("Server stopped")
	})
}

// Reload applies a new configuration. Rule tables and reservations
// swap in place; invalid files leave the running config untouched.
// Listener and subnet topology changes need a restart.
func (s *Server) Reload(path string) error {
	cfg, err := config.LoadFile(path)
	if err != nil {
		s.collector.IncrementConfigReload(false)
		return fmt.Errorf("server: reload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.validator != nil && cfg.Server.SecurityEnabled() {
		secCfg, err := cfg.BuildSecurity(s.clock.Now())
		if err != nil {
			s.collector.IncrementConfigReload(false)
			return fmt.Errorf("server: reload: %w", err)
		}
		s.validator.SetConfig(secCfg)
	}

	statics, err := cfg.BuildReservations()
	if err != nil {
		s.collector.IncrementConfigReload(false)
		return fmt.Errorf("server: reload: %w", err)
	}
	wanted := make(map[string]bool, len(statics))
	for _, r := range statics {
		wanted[lease.MacKey(r.MAC)] = true
		s.store.AddStatic(r)
	}
	for _, r := range s.store.Statics() {
		if !wanted[lease.MacKey(r.MAC)] {
			s.store.RemoveStatic(r.MAC)
		}
	}

	if topologyChanged(s.cfg, cfg) {
		s.log.Warn("Listener or subnet topology changed, restart required to apply")
	}

	s.cfg = cfg
	s.collector.IncrementConfigReload(true)
	s.log.Info("Configuration reloaded", "path", path)
	return nil
}

// Stats returns the protocol counters.
func (s *Server) Stats() StatsSnapshot {
	return s.stats.Snapshot()
}

// SecurityEvents returns the validator's buffered events, newest
// last, or nil when security is disabled.
func (s *Server) SecurityEvents() []security.Event {
	if s.validator == nil {
		return nil
	}
	return s.validator.Events()
}

// Engine exposes the lease engine for inspection commands.
func (s *Server) Engine() *lease.Engine { return s.engine }

// ActiveLeases implements the metrics lease source.
func (s *Server) ActiveLeases() int { return s.store.Count() }

// Utilization implements the metrics lease source.
func (s *Server) Utilization() map[string]float64 {
	out := make(map[string]float64)
	for _, sub := range s.engine.Subnets() {
		out[sub.Name] = s.engine.Utilization(sub.Name)
	}
	return out
}

// recoverLeases loads the lease file if present. A missing file is a
// fresh start, not an error.
func (s *Server) recoverLeases() {
	v, err := lease.LoadFile(s.leaseFile, s.clock.Now(), s.log)
	if err != nil {
		s.log.Warn("Lease recovery skipped", "path", s.leaseFile, "error", err)
		return
	}
	s.store.Load(v)
	if n := s.store.Count(); n > 0 {
		s.log.Info("Recovered leases", "count", n, "path", s.leaseFile)
	}
}

func (s *Server) autoSaveLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.saveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := lease.SaveFile(s.leaseFile, s.store.Snapshot()); err != nil {
				s.log.Error("Periodic lease save failed", "path", s.leaseFile, "error", err)
			}
		}
	}
}

// historyLoop drains lease lifecycle events from the hub into the
// history database.
func (s *Server) historyLoop() {
	defer s.wg.Done()
	ch := s.hub.Subscribe(256,
		events.EventLeaseAllocated, events.EventLeaseRenewed,
		events.EventLeaseReleased, events.EventLeaseExpired,
		events.EventLeaseDeclined, events.EventConflict)
	defer s.hub.Unsubscribe(ch)
	for {
		select {
		case <-s.stop:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.recordHistory(ev)
		}
	}
}

func (s *Server) recordHistory(ev events.Event) {
	var rec history.LeaseRecord
	rec.Timestamp = ev.Timestamp
	switch d := ev.Data.(type) {
	case events.LeaseData:
		rec.MAC, rec.IP, rec.Hostname = d.MAC, d.IP, d.Hostname
		rec.Subnet, rec.Static = d.Subnet, d.Static
		rec.Action = leaseAction(ev.Type)
	case events.ConflictData:
		rec.IP = d.IP
		rec.MAC = d.ClaimMAC
		rec.Action = "conflict"
	default:
		return
	}
	if err := s.hist.RecordLease(rec); err != nil {
		s.log.Warn("History write failed", "error", err)
	}
}

func leaseAction(t events.EventType) string {
	switch t {
	case events.EventLeaseAllocated:
		return "allocated"
	case events.EventLeaseRenewed:
		return "renewed"
	case events.EventLeaseReleased:
		return "released"
	case events.EventLeaseExpired:
		return "expired"
	case events.EventLeaseDeclined:
		return "declined"
	}
	return string(t)
}

// onSecurityEvent streams validator denials into metrics and the
// history database.
func (s *Server) onSecurityEvent(ev security.Event) {
	metrics.Get().SecurityDenies.WithLabelValues(ev.Kind, ev.Level.String()).Inc()
	if s.hist != nil {
		if err := s.hist.RecordSecurity(history.SecurityRecord{
			Timestamp: ev.Timestamp,
			Kind:      ev.Kind,
			Severity:  ev.Level.String(),
			MAC:       ev.MAC,
			IP:        ev.IP,
			Interface: ev.Interface,
			Detail:    ev.Description,
		}); err != nil {
			s.log.Warn("Security history write failed", "error", err)
		}
	}
}

func (s *Server) closePartial() {
	if s.hist != nil {
		s.hist.Close()
	}
}

// serverIPsByInterface maps each bound interface name to its listen
// address so replies carry the server identifier of the ingress
// interface.
func serverIPsByInterface(listen []net.IP) map[string]net.IP {
	out := make(map[string]net.IP, len(listen))
	for _, ip := range listen {
		if name := interfaceFor(ip); name != "" {
			out[name] = ip
		}
	}
	return out
}

func ddnsConfig(cfg *config.Config) ddns.Config {
	if cfg.Server.DDNS == nil {
		return ddns.Config{}
	}
	return *cfg.Server.DDNS
}

func topologyChanged(old, next *config.Config) bool {
	if len(old.Server.ListenAddresses) != len(next.Server.ListenAddresses) {
		return true
	}
	for i := range old.Server.ListenAddresses {
		if old.Server.ListenAddresses[i] != next.Server.ListenAddresses[i] {
			return true
		}
	}
	if len(old.Subnets) != len(next.Subnets) {
		return true
	}
	for i := range old.Subnets {
		if old.Subnets[i].Name != next.Subnets[i].Name ||
			old.Subnets[i].Network != next.Subnets[i].Network ||
			old.Subnets[i].RangeStart != next.Subnets[i].RangeStart ||
			old.Subnets[i].RangeEnd != next.Subnets[i].RangeEnd {
			return true
		}
	}
	return false
}
