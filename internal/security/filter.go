package security

import (
	"fmt"
	"strings"

	"grimm.is/dhcpd/internal/lease"
)

// checkFilters walks the rule list in insertion order. The first
// enabled, unexpired, matching rule decides; no match means allow.
func (v *Validator) checkFilters(cfg Config, req Request) *Event {
	now := v.clock.Now()
	for i := range cfg.Filters {
		r := &cfg.Filters[i]
		if !r.Enabled {
			continue
		}
		if !r.ExpiresAt.IsZero() && !r.ExpiresAt.After(now) {
			continue
		}
		if !filterMatches(r, req) {
			continue
		}
		if r.Action == ActionDeny {
			return &Event{
				Kind:        KindFilterDeny,
				Level:       LevelMedium,
				Description: fmt.Sprintf("denied by filter rule %q", r.Name),
				Details:     map[string]string{"rule": r.Name},
			}
		}
		return nil
	}
	return nil
}

func filterMatches(r *FilterRule, req Request) bool {
	matched := false
	if r.MACPattern != "" {
		if !matchMAC(r.MACPattern, lease.MacKey(req.MAC)) {
			return false
		}
		matched = true
	}
	if r.IP != nil {
		if req.IP == nil {
			return false
		}
		mask := r.Mask
		if mask == 0 {
			mask = ^uint32(0)
		}
		if lease.IPToU32(req.IP)&mask != lease.IPToU32(r.IP)&mask {
			return false
		}
		matched = true
	}
	return matched
}

// matchMAC compares after normalization: lowercase with separators
// stripped. The pattern supports * and ? wildcards.
func matchMAC(pattern, mac string) bool {
	return matchWildcard(normalizeMAC(pattern), normalizeMAC(mac))
}

func normalizeMAC(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, ":", "")
	s = strings.ReplaceAll(s, "-", "")
	return s
}

// matchWildcard is a backtracking glob over * and ?.
func matchWildcard(pattern, s string) bool {
	p, si := 0, 0
	star, mark := -1, 0
	for si < len(s) {
		switch {
		case p < len(pattern) && (pattern[p] == '?' || pattern[p] == s[si]):
			p++
			si++
		case p < len(pattern) && pattern[p] == '*':
			star = p
			mark = si
			p++
		case star >= 0:
			p = star + 1
			mark++
			si = mark
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}
