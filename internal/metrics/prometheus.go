package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all dhcpd metrics.
type Registry struct {
	// Protocol metrics
	MessagesReceived *prometheus.CounterVec
	RepliesSent      *prometheus.CounterVec
	MalformedPackets *prometheus.CounterVec
	Naks             *prometheus.CounterVec

	// Lease metrics
	ActiveLeases    prometheus.Gauge
	PoolUtilization *prometheus.GaugeVec
	Allocations     *prometheus.CounterVec
	Expirations     prometheus.Counter
	Declines        prometheus.Counter
	Conflicts       *prometheus.CounterVec

	// Security metrics
	SecurityDenies *prometheus.CounterVec

	// System metrics
	Uptime       prometheus.Gauge
	ConfigReload *prometheus.CounterVec
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dhcpd_messages_received_total",
		Help: "Total DHCP messages received by type",
	}, []string{"type", "interface"})

	r.RepliesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dhcpd_replies_sent_total",
		Help: "Total DHCP replies sent by type",
	}, []string{"type", "interface"})

	r.MalformedPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dhcpd_malformed_packets_total",
		Help: "Total packets dropped as malformed",
	}, []string{"interface"})

	r.Naks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dhcpd_naks_total",
		Help: "Total DHCPNAK replies by reason",
	}, []string{"reason"})

	r.ActiveLeases = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dhcpd_active_leases",
		Help: "Current number of active leases",
	})

	r.PoolUtilization = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dhcpd_pool_utilization",
		Help: "Fraction of each subnet pool currently leased",
	}, []string{"subnet"})

	r.Allocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dhcpd_allocations_total",
		Help: "Total lease allocations by flavor",
	}, []string{"flavor"})

	r.Expirations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dhcpd_expirations_total",
		Help: "Total leases reclaimed by the expiry reaper",
	})

	r.Declines = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dhcpd_declines_total",
		Help: "Total DHCPDECLINE messages honored",
	})

	r.Conflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dhcpd_conflicts_total",
		Help: "Total address conflicts by resolution strategy",
	}, []string{"strategy"})

	r.SecurityDenies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dhcpd_security_denies_total",
		Help: "Total requests denied by the security validator",
	}, []string{"kind", "level"})

	r.Uptime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dhcpd_uptime_seconds",
		Help: "Server uptime in seconds",
	})

	r.ConfigReload = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dhcpd_config_reloads_total",
		Help: "Total configuration reloads",
	}, []string{"status"})

	return r
}
