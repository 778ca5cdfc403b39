package server

import (
	"sync/atomic"

	"grimm.is/dhcpd/internal/wire"
)

// Stats counts protocol activity. All fields are updated with atomics
// so the handler never serializes on bookkeeping.
type Stats struct {
	discovers atomic.Uint64
	requests  atomic.Uint64
	declines  atomic.Uint64
	releases  atomic.Uint64
	informs   atomic.Uint64
	offers    atomic.Uint64
	acks      atomic.Uint64
	naks      atomic.Uint64
	malformed atomic.Uint64
	dropped   atomic.Uint64
	denied    atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Discovers uint64 `json:"discovers"`
	Requests  uint64 `json:"requests"`
	Declines  uint64 `json:"declines"`
	Releases  uint64 `json:"releases"`
	Informs   uint64 `json:"informs"`
	Offers    uint64 `json:"offers"`
	Acks      uint64 `json:"acks"`
	Naks      uint64 `json:"naks"`
	Malformed uint64 `json:"malformed"`
	Dropped   uint64 `json:"dropped"`
	Denied    uint64 `json:"denied"`
}

// IncReceived counts an inbound message by type. Unhandled types fall
// into the dropped bucket when the handler discards them.
func (s *Stats) IncReceived(t wire.MessageType) {
	switch t {
	case wire.Discover:
		s.discovers.Add(1)
	case wire.Request:
		s.requests.Add(1)
	case wire.Decline:
		s.declines.Add(1)
	case wire.Release:
		s.releases.Add(1)
	case wire.Inform:
		s.informs.Add(1)
	}
}

// IncSent counts an outbound reply by type.
func (s *Stats) IncSent(t wire.MessageType) {
	switch t {
	case wire.Offer:
		s.offers.Add(1)
	case wire.Ack:
		s.acks.Add(1)
	case wire.Nak:
		s.naks.Add(1)
	}
}

func (s *Stats) IncMalformed() { s.malformed.Add(1) }
func (s *Stats) IncDropped()   { s.dropped.Add(1) }
func (s *Stats) IncDenied()    { s.denied.Add(1) }

// Snapshot returns a copy of the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Discovers: s.discovers.Load(),
		Requests:  s.requests.Load(),
		Declines:  s.declines.Load(),
		Releases:  s.releases.Load(),
		Informs:   s.informs.Load(),
		Offers:    s.offers.Load(),
		Acks:      s.acks.Load(),
		Naks:      s.naks.Load(),
		Malformed: s.malformed.Load(),
		Dropped:   s.dropped.Load(),
		Denied:    s.denied.Load(),
	}
}
