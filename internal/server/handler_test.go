package server

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/dhcpd/internal/clock"
	"grimm.is/dhcpd/internal/lease"
	"grimm.is/dhcpd/internal/logging"
	"grimm.is/dhcpd/internal/security"
	"grimm.is/dhcpd/internal/wire"
)

func testLog() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelError})
}

func ip4(s string) net.IP { return net.ParseIP(s).To4() }

func mustMAC(t *testing.T, s string) net.HardwareAddr {
	t.Helper()
	m, err := lease.ParseMAC(s)
	require.NoError(t, err)
	return m
}

func poolSubnet() *lease.Subnet {
	return &lease.Subnet{
		Name:             "lan",
		Network:          ip4("10.0.0.0"),
		Prefix:           24,
		RangeStart:       ip4("10.0.0.100"),
		RangeEnd:         ip4("10.0.0.200"),
		Gateway:          ip4("10.0.0.1"),
		Domain:           "lan.example",
		DNS:              []net.IP{ip4("10.0.0.53")},
		DefaultLeaseTime: time.Hour,
		MaxLeaseTime:     4 * time.Hour,
	}
}

type handlerFixture struct {
	handler *Handler
	engine  *lease.Engine
	stats   *Stats
	clock   *clock.MockClock
}

func newFixture(t *testing.T, strategy lease.ConflictStrategy, validator *security.Validator) *handlerFixture {
	t.Helper()
	mc := clock.NewMockClock(time.Unix(1700000000, 0))
	engine := lease.NewEngine(lease.EngineConfig{
		Subnets:  []*lease.Subnet{poolSubnet()},
		Strategy: strategy,
		Clock:    mc,
		Log:      testLog(),
	})
	stats := &Stats{}
	h := NewHandler(HandlerConfig{
		Engine:    engine,
		Validator: validator,
		Clock:     mc,
		Log:       testLog(),
		Stats:     stats,
		ServerIPs: map[string]net.IP{"eth0": ip4("10.0.0.1")},
		DefaultIP: ip4("10.0.0.1"),
	})
	return &handlerFixture{handler: h, engine: engine, stats: stats, clock: mc}
}

type msgOpt func(*wire.Message)

func withRequested(ip string) msgOpt {
	return func(m *wire.Message) { m.Options.SetIP(wire.OptRequestedIP, ip4(ip)) }
}

func withServerID(ip string) msgOpt {
	return func(m *wire.Message) { m.Options.SetIP(wire.OptServerID, ip4(ip)) }
}

func withCIAddr(ip string) msgOpt {
	return func(m *wire.Message) { m.CIAddr = ip4(ip) }
}

func withHostname(name string) msgOpt {
	return func(m *wire.Message) { m.Options.SetString(wire.OptHostname, name) }
}

func buildMsg(t *testing.T, mt wire.MessageType, mac net.HardwareAddr, opts ...msgOpt) []byte {
	t.Helper()
	m := &wire.Message{
		Op:     wire.BootRequest,
		HType:  1,
		HLen:   6,
		XID:    0x1234,
		CIAddr: net.IPv4zero.To4(),
		YIAddr: net.IPv4zero.To4(),
		SIAddr: net.IPv4zero.To4(),
		GIAddr: net.IPv4zero.To4(),
	}
	copy(m.CHAddr[:], mac)
	m.Options = append(m.Options, wire.Option{Code: wire.OptMessageType, Data: []byte{byte(mt)}})
	for _, o := range opts {
		o(m)
	}
	data, err := wire.Encode(m, 0)
	require.NoError(t, err)
	return data
}

var testSrc = &net.UDPAddr{IP: net.IPv4zero, Port: 68}

func handle(t *testing.T, f *handlerFixture, mt wire.MessageType, mac string, opts ...msgOpt) *Reply {
	t.Helper()
	return f.handler.Handle(buildMsg(t, mt, mustMAC(t, mac), opts...), testSrc, "eth0")
}

func TestDiscoverOfferHappyPath(t *testing.T) {
	f := newFixture(t, lease.StrategyReject, nil)

	rep := handle(t, f, wire.Discover, "aa:bb:cc:dd:ee:01")
	require.NotNil(t, rep)

	msg := rep.Msg
	assert.Equal(t, wire.Offer, msg.Type())
	assert.Equal(t, wire.BootReply, msg.Op)
	assert.Equal(t, uint32(0x1234), msg.XID)
	assert.Equal(t, "10.0.0.100", msg.YIAddr.String(), "first free address in the range")

	secs, ok := msg.Options.GetU32(wire.OptLeaseTime)
	require.True(t, ok)
	assert.Equal(t, uint32(3600), secs)
	t1, _ := msg.Options.GetU32(wire.OptRenewalTime)
	assert.Equal(t, uint32(1800), t1)
	t2, _ := msg.Options.GetU32(wire.OptRebindingTime)
	assert.Equal(t, uint32(3150), t2)

	assert.Equal(t, "10.0.0.1", msg.Options.GetIP(wire.OptServerID).String())
	mask := msg.Options.Find(wire.OptSubnetMask)
	require.NotNil(t, mask)
	assert.Equal(t, []byte{255, 255, 255, 0}, mask.Data)
	assert.Equal(t, "10.0.0.1", msg.Options.GetIP(wire.OptRouter).String())
	assert.Equal(t, "10.0.0.255", msg.Options.GetIP(wire.OptBroadcastAddress).String())

	assert.True(t, rep.Broadcast, "client with no address gets broadcast")
	assert.Equal(t, 68, rep.Dest.Port)

	snap := f.stats.Snapshot()
	assert.Equal(t, uint64(1), snap.Discovers)
	assert.Equal(t, uint64(1), snap.Offers)
}

func TestRequestAfterOfferAcks(t *testing.T) {
	f := newFixture(t, lease.StrategyReject, nil)

	require.NotNil(t, handle(t, f, wire.Discover, "aa:bb:cc:dd:ee:01"))
	rep := handle(t, f, wire.Request, "aa:bb:cc:dd:ee:01",
		withRequested("10.0.0.100"), withServerID("10.0.0.1"))
	require.NotNil(t, rep)
	assert.Equal(t, wire.Ack, rep.Msg.Type())
	assert.Equal(t, "10.0.0.100", rep.Msg.YIAddr.String())

	snap := f.stats.Snapshot()
	assert.Equal(t, uint64(1), snap.Acks)
	assert.Equal(t, uint64(0), snap.Naks)
}

func TestRequestForForeignServerDropped(t *testing.T) {
	f := newFixture(t, lease.StrategyReject, nil)

	rep := handle(t, f, wire.Request, "aa:bb:cc:dd:ee:01",
		withRequested("10.0.0.100"), withServerID("192.168.1.1"))
	assert.Nil(t, rep, "client selected another server")
	assert.Equal(t, uint64(1), f.stats.Snapshot().Dropped)
}

func TestRequestOutOfScopeNaks(t *testing.T) {
	f := newFixture(t, lease.StrategyReject, nil)

	rep := handle(t, f, wire.Request, "aa:bb:cc:dd:ee:02",
		withRequested("192.168.99.99"), withServerID("10.0.0.1"))
	require.NotNil(t, rep)
	assert.Equal(t, wire.Nak, rep.Msg.Type())
	assert.True(t, rep.Broadcast, "NAK goes to limited broadcast")
	assert.Nil(t, f.engine.Store().GetByMAC(mustMAC(t, "aa:bb:cc:dd:ee:02")), "no lease created")
	assert.Equal(t, uint64(1), f.stats.Snapshot().Naks)
}

func TestRequestConflictReplaceEvictsHolder(t *testing.T) {
	f := newFixture(t, lease.StrategyReplace, nil)

	macA := "aa:bb:cc:dd:ee:0a"
	macB := "aa:bb:cc:dd:ee:0b"
	require.NotNil(t, handle(t, f, wire.Discover, macA, withRequested("10.0.0.100")))

	rep := handle(t, f, wire.Request, macB,
		withRequested("10.0.0.100"), withServerID("10.0.0.1"))
	require.NotNil(t, rep)
	assert.Equal(t, wire.Ack, rep.Msg.Type())
	assert.Equal(t, "10.0.0.100", rep.Msg.YIAddr.String())

	assert.Nil(t, f.engine.Store().GetByMAC(mustMAC(t, macA)), "holder evicted")
	require.Len(t, f.engine.Conflicts(), 1)
}

func TestRequestConflictRejectNaks(t *testing.T) {
	f := newFixture(t, lease.StrategyReject, nil)

	require.NotNil(t, handle(t, f, wire.Discover, "aa:bb:cc:dd:ee:0a", withRequested("10.0.0.100")))

	rep := handle(t, f, wire.Request, "aa:bb:cc:dd:ee:0b",
		withRequested("10.0.0.100"), withServerID("10.0.0.1"))
	require.NotNil(t, rep)
	assert.Equal(t, wire.Nak, rep.Msg.Type())
}

func TestStaticReservationOverridesRequest(t *testing.T) {
	f := newFixture(t, lease.StrategyReject, nil)
	mac := mustMAC(t, "aa:bb:cc:dd:ee:10")
	f.engine.Store().AddStatic(&lease.StaticReservation{
		MAC: mac, IP: ip4("10.0.0.50"), Hostname: "printer", Enabled: true,
	})

	rep := handle(t, f, wire.Discover, "aa:bb:cc:dd:ee:10", withRequested("10.0.0.120"))
	require.NotNil(t, rep)
	assert.Equal(t, "10.0.0.50", rep.Msg.YIAddr.String(), "reservation wins over the requested address")

	secs, ok := rep.Msg.Options.GetU32(wire.OptLeaseTime)
	require.True(t, ok)
	assert.Equal(t, uint32(lease.InfiniteLease), secs)
	assert.False(t, rep.Msg.Options.Has(wire.OptRenewalTime), "no timers on an infinite lease")
	assert.False(t, rep.Msg.Options.Has(wire.OptRebindingTime))
}

func TestDeclineCooldownSkipsAddress(t *testing.T) {
	f := newFixture(t, lease.StrategyReject, nil)

	require.NotNil(t, handle(t, f, wire.Discover, "aa:bb:cc:dd:ee:01"))
	rep := handle(t, f, wire.Decline, "aa:bb:cc:dd:ee:01", withRequested("10.0.0.100"))
	assert.Nil(t, rep, "DECLINE gets no reply")

	rep = handle(t, f, wire.Discover, "aa:bb:cc:dd:ee:02")
	require.NotNil(t, rep)
	assert.Equal(t, "10.0.0.101", rep.Msg.YIAddr.String(), "declined address sits in cooldown")
	assert.Equal(t, uint64(1), f.stats.Snapshot().Declines)
}

func TestReleaseRemovesLease(t *testing.T) {
	f := newFixture(t, lease.StrategyReject, nil)

	require.NotNil(t, handle(t, f, wire.Discover, "aa:bb:cc:dd:ee:01"))
	rep := handle(t, f, wire.Release, "aa:bb:cc:dd:ee:01", withCIAddr("10.0.0.100"))
	assert.Nil(t, rep, "RELEASE gets no reply")
	assert.Nil(t, f.engine.Store().GetByMAC(mustMAC(t, "aa:bb:cc:dd:ee:01")))

	rep = handle(t, f, wire.Discover, "aa:bb:cc:dd:ee:02")
	require.NotNil(t, rep)
	assert.Equal(t, "10.0.0.100", rep.Msg.YIAddr.String(), "released address is reusable")
}

func TestInformAnswersOptionsOnly(t *testing.T) {
	f := newFixture(t, lease.StrategyReject, nil)

	rep := handle(t, f, wire.Inform, "aa:bb:cc:dd:ee:01", withCIAddr("10.0.0.42"))
	require.NotNil(t, rep)

	msg := rep.Msg
	assert.Equal(t, wire.Ack, msg.Type())
	assert.True(t, msg.YIAddr.IsUnspecified(), "INFORM never assigns an address")
	assert.False(t, msg.Options.Has(wire.OptLeaseTime), "no lease time on INFORM")
	assert.Equal(t, "lan.example", string(msg.Options.Find(wire.OptDomainName).Data))
	assert.Equal(t, "10.0.0.42", rep.Dest.IP.String(), "unicast back to the client address")
}

func TestServerSideMessagesDropped(t *testing.T) {
	f := newFixture(t, lease.StrategyReject, nil)

	for _, mt := range []wire.MessageType{wire.Offer, wire.Ack, wire.Nak} {
		assert.Nil(t, handle(t, f, mt, "aa:bb:cc:dd:ee:01"))
	}
	assert.Equal(t, uint64(3), f.stats.Snapshot().Dropped)
}

func TestMalformedPacketCounted(t *testing.T) {
	f := newFixture(t, lease.StrategyReject, nil)

	assert.Nil(t, f.handler.Handle([]byte{1, 2, 3}, testSrc, "eth0"))
	assert.Equal(t, uint64(1), f.stats.Snapshot().Malformed)
}

func TestRelayedRequestUnicastsToGateway(t *testing.T) {
	f := newFixture(t, lease.StrategyReject, nil)

	data := buildMsg(t, wire.Discover, mustMAC(t, "aa:bb:cc:dd:ee:01"), func(m *wire.Message) {
		m.GIAddr = ip4("10.0.0.2")
	})
	rep := f.handler.Handle(data, testSrc, "eth0")
	require.NotNil(t, rep)
	assert.Equal(t, "10.0.0.2", rep.Dest.IP.String())
	assert.Equal(t, 67, rep.Dest.Port, "relay replies go to the agent on the server port")
	assert.False(t, rep.Broadcast)
}

func TestOption82RequiredDeniesBareDiscover(t *testing.T) {
	mc := clock.NewMockClock(time.Unix(1700000000, 0))
	validator := security.NewValidator(security.Config{
		Option82: security.Option82Config{
			Enabled:   true,
			RequireOn: []string{"eth1"},
		},
	}, security.Options{Clock: mc, Log: testLog()})

	f := newFixture(t, lease.StrategyReject, validator)

	data := buildMsg(t, wire.Discover, mustMAC(t, "aa:bb:cc:dd:ee:01"))
	rep := f.handler.Handle(data, testSrc, "eth1")
	assert.Nil(t, rep, "relay information missing on a guarded interface")
	assert.Equal(t, uint64(1), f.stats.Snapshot().Denied)

	events := validator.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, security.KindOption82Missing, events[len(events)-1].Kind)

	// Same message on an unguarded interface passes.
	rep = f.handler.Handle(data, testSrc, "eth0")
	assert.NotNil(t, rep)
}

func TestRequestRenewExtendsLease(t *testing.T) {
	f := newFixture(t, lease.StrategyReject, nil)

	require.NotNil(t, handle(t, f, wire.Discover, "aa:bb:cc:dd:ee:01"))
	require.NotNil(t, handle(t, f, wire.Request, "aa:bb:cc:dd:ee:01",
		withRequested("10.0.0.100"), withServerID("10.0.0.1")))

	first := f.engine.Store().GetByMAC(mustMAC(t, "aa:bb:cc:dd:ee:01")).ExpiresAt
	f.clock.Advance(30 * time.Minute)

	// Renewing state: unicast REQUEST with ciaddr, no option 50/54.
	rep := handle(t, f, wire.Request, "aa:bb:cc:dd:ee:01", withCIAddr("10.0.0.100"))
	require.NotNil(t, rep)
	assert.Equal(t, wire.Ack, rep.Msg.Type())

	second := f.engine.Store().GetByMAC(mustMAC(t, "aa:bb:cc:dd:ee:01")).ExpiresAt
	assert.True(t, second.After(first), "renewal pushes expiry forward")
}

func TestRequestWithoutOfferBootsLease(t *testing.T) {
	f := newFixture(t, lease.StrategyReject, nil)

	// Init-reboot: the client remembers its address across restart.
	rep := handle(t, f, wire.Request, "aa:bb:cc:dd:ee:01", withRequested("10.0.0.150"))
	require.NotNil(t, rep)
	assert.Equal(t, wire.Ack, rep.Msg.Type())
	assert.Equal(t, "10.0.0.150", rep.Msg.YIAddr.String())
}

func TestHostnameCapturedOnRequest(t *testing.T) {
	f := newFixture(t, lease.StrategyReject, nil)

	require.NotNil(t, handle(t, f, wire.Discover, "aa:bb:cc:dd:ee:01"))
	require.NotNil(t, handle(t, f, wire.Request, "aa:bb:cc:dd:ee:01",
		withRequested("10.0.0.100"), withServerID("10.0.0.1"), withHostname("laptop")))

	l := f.engine.Store().GetByMAC(mustMAC(t, "aa:bb:cc:dd:ee:01"))
	require.NotNil(t, l)
	assert.Equal(t, "laptop", l.Hostname)
}
