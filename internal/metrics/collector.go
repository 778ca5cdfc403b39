package metrics

import (
	"sync"
	"time"

	"grimm.is/dhcpd/internal/logging"
)

// LeaseSource is the view of the lease engine the collector polls.
// Implemented by the server; kept as an interface so the collector
// never holds a reference into lease internals.
type LeaseSource interface {
	ActiveLeases() int
	Utilization() map[string]float64
}

// Collector periodically publishes lease-pool gauges and keeps a
// cached snapshot for the stats surface.
type Collector struct {
	registry *Registry
	logger   *logging.Logger
	source   LeaseSource
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu         sync.RWMutex
	started    time.Time
	lastUpdate time.Time

	reloadSuccess int64
	reloadFailure int64
}

// NewCollector creates a collector polling source every interval.
func NewCollector(logger *logging.Logger, source LeaseSource, interval time.Duration) *Collector {
	return &Collector{
		registry: Get(),
		logger:   logger,
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the collection loop in a background goroutine.
func (c *Collector) Start() {
	c.mu.Lock()
	c.started = time.Now()
	c.mu.Unlock()

	c.logger.Info("Starting metrics collector", "interval", c.interval.String())
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop stops the collection loop and waits for it to exit.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Collector) collect() {
	active := c.source.ActiveLeases()
	util := c.source.Utilization()

	c.registry.ActiveLeases.Set(float64(active))
	for subnet, frac := range util {
		c.registry.PoolUtilization.WithLabelValues(subnet).Set(frac)
	}

	c.mu.Lock()
	c.registry.Uptime.Set(time.Since(c.started).Seconds())
	c.lastUpdate = time.Now()
	c.mu.Unlock()
}

// IncrementConfigReload records a reload attempt outcome.
func (c *Collector) IncrementConfigReload(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if success {
		c.reloadSuccess++
		c.registry.ConfigReload.WithLabelValues("success").Inc()
	} else {
		c.reloadFailure++
		c.registry.ConfigReload.WithLabelValues("failure").Inc()
	}
}

// GetReloadCounts returns the cached reload counters.
func (c *Collector) GetReloadCounts() (success, failure int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reloadSuccess, c.reloadFailure
}

// GetLastUpdate returns the time of the most recent collection pass.
func (c *Collector) GetLastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdate
}
