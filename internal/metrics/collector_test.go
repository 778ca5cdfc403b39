package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/dhcpd/internal/logging"
)

type fakeSource struct {
	active int
	util   map[string]float64
}

func (f *fakeSource) ActiveLeases() int { return f.active }

func (f *fakeSource) Utilization() map[string]float64 { return f.util }

func TestCollectorLifecycle(t *testing.T) {
	logger := logging.New(logging.DefaultConfig())
	src := &fakeSource{active: 3, util: map[string]float64{"lan": 0.25}}
	c := NewCollector(logger, src, 10*time.Millisecond)

	require.True(t, c.GetLastUpdate().IsZero())

	c.Start()
	assert.Eventually(t, func() bool {
		return !c.GetLastUpdate().IsZero()
	}, time.Second, 5*time.Millisecond)
	c.Stop()

	first := c.GetLastUpdate()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, first, c.GetLastUpdate(), "no collection after Stop")
}

func TestCollectorStopIdempotent(t *testing.T) {
	logger := logging.New(logging.DefaultConfig())
	c := NewCollector(logger, &fakeSource{}, time.Minute)
	c.Start()
	c.Stop()
	c.Stop()
}

func TestIncrementConfigReload(t *testing.T) {
	logger := logging.New(logging.DefaultConfig())
	c := NewCollector(logger, &fakeSource{}, time.Minute)

	success, failure := c.GetReloadCounts()
	require.Zero(t, success)
	require.Zero(t, failure)

	c.IncrementConfigReload(true)
	c.IncrementConfigReload(true)
	c.IncrementConfigReload(false)

	success, failure = c.GetReloadCounts()
	assert.Equal(t, int64(2), success)
	assert.Equal(t, int64(1), failure)
}
