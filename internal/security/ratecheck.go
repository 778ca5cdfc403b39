package security

import (
	"fmt"

	"grimm.is/dhcpd/internal/lease"
)

// checkRate applies every matching rate rule. Trackers are keyed by
// the concrete identifier even for wildcard rules, so one noisy
// client never exhausts another's budget.
func (v *Validator) checkRate(cfg Config, req Request) *Event {
	for _, r := range cfg.RateRules {
		value := identifierValue(r.IdentifierType, req)
		if value == "" {
			continue
		}
		if r.Identifier != "*" && r.Identifier != value {
			continue
		}
		key := r.IdentifierType + "|" + value
		if !v.limiter.Allow(key, r.MaxRequests, r.Window, r.BlockDuration) {
			return &Event{
				Kind:  KindRateLimitExceeded,
				Level: LevelHigh,
				Description: fmt.Sprintf("%s %s exceeded %d requests per %s",
					r.IdentifierType, value, r.MaxRequests, r.Window),
				Details: map[string]string{
					"identifier_type": r.IdentifierType,
					"identifier":      value,
				},
			}
		}
	}
	return nil
}

func identifierValue(typ string, req Request) string {
	switch typ {
	case "mac":
		if req.MAC != nil {
			return lease.MacKey(req.MAC)
		}
	case "ip":
		if req.IP != nil {
			return req.IP.String()
		}
	case "interface":
		return req.Interface
	}
	return ""
}
