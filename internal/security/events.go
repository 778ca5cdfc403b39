package security

import (
	"time"

	"github.com/google/uuid"

	"grimm.is/dhcpd/internal/events"
	"grimm.is/dhcpd/internal/lease"
)

// Level orders threat severity. Purely informational; the validator
// never escalates across events.
type Level int

const (
	LevelLow Level = iota
	LevelMedium
	LevelHigh
	LevelCritical
)

// String renders the level for logs and event payloads.
func (l Level) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	}
	return "unknown"
}

// Event kinds.
const (
	KindInterfaceMismatch  = "InterfaceMismatch"
	KindBindingMissing     = "BindingMissing"
	KindUnauthorizedServer = "UnauthorizedServer"
	KindFilterDeny         = "FilterDeny"
	KindRateLimitExceeded  = "RateLimitExceeded"
	KindOption82Missing    = "Option82Missing"
	KindOption82Mismatch   = "Option82Mismatch"
	KindAuthFailed         = "AuthFailed"
	KindTrustedPass        = "TrustedPass"
)

// Event is one security decision worth recording.
type Event struct {
	ID          string
	Kind        string
	Level       Level
	Description string
	MAC         string
	IP          string
	Interface   string
	Timestamp   time.Time
	Details     map[string]string
}

// eventBufferSize bounds the retained event history.
const eventBufferSize = 1000

// record fills in request context, stores the event, and streams it
// to the callback and the event hub.
func (v *Validator) record(req Request, ev Event, denied bool) {
	ev.ID = uuid.NewString()
	ev.Timestamp = v.clock.Now()
	if req.MAC != nil {
		ev.MAC = lease.MacKey(req.MAC)
	}
	if req.IP != nil {
		ev.IP = req.IP.String()
	}
	ev.Interface = req.Interface

	v.evMu.Lock()
	v.events = append(v.events, ev)
	if len(v.events) > eventBufferSize {
		v.events = v.events[len(v.events)-eventBufferSize:]
	}
	cb := v.callback
	v.evMu.Unlock()

	if denied {
		v.log.Warn("message denied",
			"kind", ev.Kind, "level", ev.Level.String(),
			"mac", ev.MAC, "ip", ev.IP, "iface", ev.Interface,
			"reason", ev.Description)
	} else {
		v.log.Debug("message passed", "kind", ev.Kind, "mac", ev.MAC, "iface", ev.Interface)
	}

	if cb != nil {
		cb(ev)
	}
	if v.hub != nil {
		t := events.EventSecurityPass
		if denied {
			t = events.EventSecurityDeny
		}
		v.hub.Publish(events.Event{
			Type:   t,
			Source: "security",
			Data: events.SecurityData{
				ID:          ev.ID,
				Kind:        ev.Kind,
				Level:       ev.Level.String(),
				Description: ev.Description,
				MAC:         ev.MAC,
				IP:          ev.IP,
				Interface:   ev.Interface,
				Details:     ev.Details,
			},
		})
	}
}

// Events returns the retained history, oldest first.
func (v *Validator) Events() []Event {
	v.evMu.Lock()
	defer v.evMu.Unlock()
	return append([]Event(nil), v.events...)
}

// OnEvent registers a streaming consumer. One callback at a time.
func (v *Validator) OnEvent(fn func(Event)) {
	v.evMu.Lock()
	v.callback = fn
	v.evMu.Unlock()
}
