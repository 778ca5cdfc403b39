package lease

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/dhcpd/internal/clock"
	"grimm.is/dhcpd/internal/events"
)

func testSubnet() *Subnet {
	return &Subnet{
		Name:             "lan",
		Network:          ip("192.168.1.0"),
		Prefix:           24,
		RangeStart:       ip("192.168.1.10"),
		RangeEnd:         ip("192.168.1.20"),
		Gateway:          ip("192.168.1.1"),
		DefaultLeaseTime: time.Hour,
		MaxLeaseTime:     4 * time.Hour,
	}
}

func testEngine(t *testing.T, strategy ConflictStrategy) (*Engine, *clock.MockClock) {
	t.Helper()
	mc := clock.NewMockClock(time.Unix(1700000000, 0))
	e := NewEngine(EngineConfig{
		Subnets:  []*Subnet{testSubnet()},
		Strategy: strategy,
		Clock:    mc,
		Log:      testLog(),
	})
	return e, mc
}

func TestAllocateScansAscending(t *testing.T) {
	e, _ := testEngine(t, StrategyReject)

	l1, err := e.Allocate(mac(t, "aa:bb:cc:00:00:01"), nil, "lan", "")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.10", l1.IP.String())

	l2, err := e.Allocate(mac(t, "aa:bb:cc:00:00:02"), nil, "lan", "")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.11", l2.IP.String())
}

func TestAllocateIdempotentForSameMAC(t *testing.T) {
	e, _ := testEngine(t, StrategyReject)
	m := mac(t, "aa:bb:cc:00:00:01")

	l1, err := e.Allocate(m, nil, "lan", "")
	require.NoError(t, err)
	l2, err := e.Allocate(m, nil, "lan", "")
	require.NoError(t, err)
	assert.Equal(t, l1.IP.String(), l2.IP.String())
	assert.Equal(t, 1, e.Store().Count())
}

func TestAllocateHonorsRequestedIP(t *testing.T) {
	e, _ := testEngine(t, StrategyReject)

	l, err := e.Allocate(mac(t, "aa:bb:cc:00:00:01"), ip("192.168.1.15"), "lan", "")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.15", l.IP.String())
}

func TestAllocateIgnoresUnusableRequestedIP(t *testing.T) {
	e, _ := testEngine(t, StrategyReject)

	// Outside the range: falls back to the scan.
	l, err := e.Allocate(mac(t, "aa:bb:cc:00:00:01"), ip("192.168.1.200"), "lan", "")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.10", l.IP.String())
}

func TestAllocateSkipsExclusions(t *testing.T) {
	sub := testSubnet()
	sub.Exclusions = []Exclusion{{Start: ip("192.168.1.10"), End: ip("192.168.1.12")}}
	mc := clock.NewMockClock(time.Unix(1700000000, 0))
	e := NewEngine(EngineConfig{Subnets: []*Subnet{sub}, Clock: mc, Log: testLog()})

	l, err := e.Allocate(mac(t, "aa:bb:cc:00:00:01"), nil, "lan", "")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.13", l.IP.String())
}

func TestAllocateStaticShortCircuit(t *testing.T) {
	e, _ := testEngine(t, StrategyReject)
	m := mac(t, "aa:bb:cc:00:00:01")
	e.Store().AddStatic(&StaticReservation{
		MAC: m, IP: ip("192.168.1.50"), Hostname: "printer", Enabled: true,
	})

	// Requested IP is ignored in favor of the reservation.
	l, err := e.Allocate(m, ip("192.168.1.15"), "lan", "")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.50", l.IP.String())
	assert.True(t, l.Static)
	assert.Equal(t, "printer", l.Hostname)
}

func TestAllocateSkipsForeignReservations(t *testing.T) {
	e, _ := testEngine(t, StrategyReject)
	e.Store().AddStatic(&StaticReservation{
		MAC: mac(t, "aa:bb:cc:00:00:09"), IP: ip("192.168.1.10"), Enabled: true,
	})

	l, err := e.Allocate(mac(t, "aa:bb:cc:00:00:01"), nil, "lan", "")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.11", l.IP.String())

	// Requesting a foreign reservation falls back to the scan too.
	l2, err := e.Allocate(mac(t, "aa:bb:cc:00:00:02"), ip("192.168.1.10"), "lan", "")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.12", l2.IP.String())
}

func TestAllocatePoolExhausted(t *testing.T) {
	sub := testSubnet()
	sub.RangeEnd = ip("192.168.1.11") // two addresses
	mc := clock.NewMockClock(time.Unix(1700000000, 0))
	e := NewEngine(EngineConfig{Subnets: []*Subnet{sub}, Clock: mc, Log: testLog()})

	_, err := e.Allocate(mac(t, "aa:bb:cc:00:00:01"), nil, "lan", "")
	require.NoError(t, err)
	_, err = e.Allocate(mac(t, "aa:bb:cc:00:00:02"), nil, "lan", "")
	require.NoError(t, err)
	_, err = e.Allocate(mac(t, "aa:bb:cc:00:00:03"), nil, "lan", "")
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

type fakeProber struct {
	live map[string]bool
}

func (p *fakeProber) InUse(ip net.IP) bool { return p.live[ip.String()] }

func TestProbeSkipsLiveAddress(t *testing.T) {
	sub := testSubnet()
	sub.ProbeBeforeOffer = true
	mc := clock.NewMockClock(time.Unix(1700000000, 0))
	e := NewEngine(EngineConfig{
		Subnets: []*Subnet{sub},
		Clock:   mc,
		Log:     testLog(),
		Probe:   &fakeProber{live: map[string]bool{"192.168.1.10": true}},
	})

	l, err := e.Allocate(mac(t, "aa:bb:cc:00:00:01"), nil, "lan", "")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.11", l.IP.String())

	// The live address stays in cooldown, so an explicit request for it
	// also lands elsewhere.
	l2, err := e.Allocate(mac(t, "aa:bb:cc:00:00:02"), ip("192.168.1.10"), "lan", "")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.12", l2.IP.String())
}

func TestConflictReject(t *testing.T) {
	e, _ := testEngine(t, StrategyReject)
	_, err := e.Allocate(mac(t, "aa:bb:cc:00:00:01"), ip("192.168.1.10"), "lan", "")
	require.NoError(t, err)

	// Requested IP held by someone else: scan gives the next address.
	l, err := e.Allocate(mac(t, "aa:bb:cc:00:00:02"), ip("192.168.1.10"), "lan", "")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.11", l.IP.String())

	recs := e.Conflicts()
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Resolved)
	assert.Equal(t, StrategyReject, recs[0].Strategy)
}

func TestConflictReplace(t *testing.T) {
	e, _ := testEngine(t, StrategyReplace)
	holder := mac(t, "aa:bb:cc:00:00:01")
	_, err := e.Allocate(holder, ip("192.168.1.10"), "lan", "")
	require.NoError(t, err)

	l, err := e.Allocate(mac(t, "aa:bb:cc:00:00:02"), ip("192.168.1.10"), "lan", "")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.10", l.IP.String())
	assert.Nil(t, e.Store().GetByMAC(holder))

	recs := e.Conflicts()
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Resolved)
}

func TestConflictExtend(t *testing.T) {
	e, mc := testEngine(t, StrategyExtend)
	holder := mac(t, "aa:bb:cc:00:00:01")
	orig, err := e.Allocate(holder, ip("192.168.1.10"), "lan", "")
	require.NoError(t, err)

	mc.Advance(30 * time.Minute)
	l, err := e.Allocate(mac(t, "aa:bb:cc:00:00:02"), ip("192.168.1.10"), "lan", "")
	require.NoError(t, err)
	// The claimant falls through to a fresh scan.
	assert.Equal(t, "192.168.1.11", l.IP.String())

	// The holder's lease was extended from now.
	cur := e.Store().GetByMAC(holder)
	require.NotNil(t, cur)
	assert.True(t, cur.ExpiresAt.After(orig.ExpiresAt))
}

func TestDeclineCooldown(t *testing.T) {
	e, mc := testEngine(t, StrategyReject)
	m := mac(t, "aa:bb:cc:00:00:01")
	l, err := e.Allocate(m, nil, "lan", "")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.10", l.IP.String())

	e.Decline(m, l.IP)
	assert.Nil(t, e.Store().GetByMAC(m))

	// The declined IP is skipped while cooling down.
	l2, err := e.Allocate(m, nil, "lan", "")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.11", l2.IP.String())

	// After the cooldown the IP is allocatable again.
	mc.Advance(DefaultDeclineCooldown + time.Second)
	l3, err := e.Allocate(mac(t, "aa:bb:cc:00:00:02"), nil, "lan", "")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.10", l3.IP.String())
}

func TestRenewResetsTimers(t *testing.T) {
	e, mc := testEngine(t, StrategyReject)
	m := mac(t, "aa:bb:cc:00:00:01")
	l, err := e.Allocate(m, nil, "lan", "")
	require.NoError(t, err)

	mc.Advance(30 * time.Minute)
	renewed, err := e.Renew(m, l.IP)
	require.NoError(t, err)

	now := mc.Now()
	assert.Equal(t, now, renewed.AllocatedAt)
	assert.Equal(t, now.Add(time.Hour), renewed.ExpiresAt)
	assert.Equal(t, now.Add(30*time.Minute), renewed.RenewalAt)
	assert.Equal(t, now.Add(time.Hour*7/8), renewed.RebindingAt)
}

func TestRenewUnknownLease(t *testing.T) {
	e, _ := testEngine(t, StrategyReject)
	_, err := e.Renew(mac(t, "aa:bb:cc:00:00:01"), ip("192.168.1.10"))
	assert.ErrorIs(t, err, ErrUnknownLease)

	// Wrong IP for a known MAC is also unknown.
	m := mac(t, "aa:bb:cc:00:00:02")
	_, err = e.Allocate(m, nil, "lan", "")
	require.NoError(t, err)
	_, err = e.Renew(m, ip("192.168.1.19"))
	assert.ErrorIs(t, err, ErrUnknownLease)
}

func TestReleaseRemovesAndRecordsHistory(t *testing.T) {
	e, _ := testEngine(t, StrategyReject)
	m := mac(t, "aa:bb:cc:00:00:01")
	l, err := e.Allocate(m, nil, "lan", "")
	require.NoError(t, err)

	_, err = e.Release(m)
	require.NoError(t, err)
	assert.Nil(t, e.Store().GetByMAC(m))

	h := e.HistoryForIP(l.IP)
	require.Len(t, h, 1)
	assert.Equal(t, "released", h[0].Reason)

	// Releasing again is a no-op.
	l, err = e.Release(m)
	require.NoError(t, err)
	assert.Nil(t, l)
}

func TestReaperRemovesExpired(t *testing.T) {
	e, mc := testEngine(t, StrategyReject)
	var expired []*Lease
	e.onExpire = func(l *Lease) { expired = append(expired, l) }

	m := mac(t, "aa:bb:cc:00:00:01")
	_, err := e.Allocate(m, nil, "lan", "")
	require.NoError(t, err)

	// Statics never expire.
	sm := mac(t, "aa:bb:cc:00:00:09")
	e.Store().AddStatic(&StaticReservation{MAC: sm, IP: ip("192.168.1.15"), Enabled: true})
	_, err = e.Allocate(sm, nil, "lan", "")
	require.NoError(t, err)

	mc.Advance(2 * time.Hour)
	e.ReapOnce()

	assert.Nil(t, e.Store().GetByMAC(m))
	assert.NotNil(t, e.Store().GetByMAC(sm))
	require.Len(t, expired, 1)
	assert.Equal(t, MacKey(m), MacKey(expired[0].MAC))

	h := e.HistoryForIP(ip("192.168.1.10"))
	require.Len(t, h, 1)
	assert.Equal(t, "expired", h[0].Reason)
}

func TestUtilization(t *testing.T) {
	sub := testSubnet() // 11 addresses
	sub.Exclusions = []Exclusion{{Start: ip("192.168.1.20"), End: ip("192.168.1.20")}}
	mc := clock.NewMockClock(time.Unix(1700000000, 0))
	e := NewEngine(EngineConfig{Subnets: []*Subnet{sub}, Clock: mc, Log: testLog()})

	assert.Equal(t, 0.0, e.Utilization("lan"))

	_, err := e.Allocate(mac(t, "aa:bb:cc:00:00:01"), nil, "lan", "")
	require.NoError(t, err)
	assert.InDelta(t, 0.1, e.Utilization("lan"), 1e-9)
}

func TestExpiringWithin(t *testing.T) {
	e, mc := testEngine(t, StrategyReject)
	_, err := e.Allocate(mac(t, "aa:bb:cc:00:00:01"), nil, "lan", "")
	require.NoError(t, err)

	assert.Empty(t, e.ExpiringWithin(30*time.Minute))
	assert.Len(t, e.ExpiringWithin(time.Hour), 1)

	mc.Advance(45 * time.Minute)
	assert.Len(t, e.ExpiringWithin(30*time.Minute), 1)
}

func TestEngineEmitsLeaseEvents(t *testing.T) {
	hub := events.NewHub()
	ch := hub.Subscribe(16, events.EventLeaseAllocated, events.EventLeaseReleased)

	mc := clock.NewMockClock(time.Unix(1700000000, 0))
	e := NewEngine(EngineConfig{
		Subnets: []*Subnet{testSubnet()}, Clock: mc, Log: testLog(), Hub: hub,
	})

	m := mac(t, "aa:bb:cc:00:00:01")
	_, err := e.Allocate(m, nil, "lan", "")
	require.NoError(t, err)
	_, err = e.Release(m)
	require.NoError(t, err)

	ev := <-ch
	assert.Equal(t, events.EventLeaseAllocated, ev.Type)
	data := ev.Data.(events.LeaseData)
	assert.Equal(t, "aa:bb:cc:00:00:01", data.MAC)
	assert.Equal(t, "192.168.1.10", data.IP)

	ev = <-ch
	assert.Equal(t, events.EventLeaseReleased, ev.Type)
}

func TestHistoryRingBounded(t *testing.T) {
	e, _ := testEngine(t, StrategyReject)
	target := ip("192.168.1.10")

	for i := 0; i < 15; i++ {
		m := mac(t, "aa:bb:cc:00:00:01")
		_, err := e.Allocate(m, target, "lan", "")
		require.NoError(t, err)
		_, err = e.Release(m)
		require.NoError(t, err)
	}
	assert.Len(t, e.HistoryForIP(target), historyDepth)
}
