package security

import (
	"fmt"

	"grimm.is/dhcpd/internal/lease"
	"grimm.is/dhcpd/internal/wire"
)

// checkSnooping enforces trusted interfaces and snooping bindings.
func (v *Validator) checkSnooping(cfg Config, req Request) *Event {
	sn := cfg.Snooping
	if !sn.Enabled {
		return nil
	}
	if contains(sn.TrustedInterfaces, req.Interface) {
		return nil
	}

	// Server-class traffic has no business on an untrusted port.
	if req.Msg != nil {
		switch req.Msg.Type() {
		case wire.Offer, wire.Ack, wire.Nak:
			return &Event{
				Kind:        KindUnauthorizedServer,
				Level:       LevelHigh,
				Description: fmt.Sprintf("server message %s on untrusted interface %s", req.Msg.Type(), req.Interface),
			}
		}
	}

	macKey := lease.MacKey(req.MAC)
	pairSeen := false
	for _, b := range sn.Bindings {
		if lease.MacKey(b.MAC) != macKey {
			continue
		}
		if req.IP != nil && !b.IP.Equal(req.IP.To4()) {
			continue
		}
		pairSeen = true
		if b.Interface == req.Interface {
			return nil
		}
	}
	if pairSeen {
		return &Event{
			Kind:        KindInterfaceMismatch,
			Level:       LevelMedium,
			Description: fmt.Sprintf("binding for %s exists on a different interface than %s", macKey, req.Interface),
		}
	}
	return &Event{
		Kind:        KindBindingMissing,
		Level:       LevelMedium,
		Description: fmt.Sprintf("no snooping binding for %s on untrusted interface %s", macKey, req.Interface),
	}
}
