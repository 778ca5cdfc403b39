package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"grimm.is/dhcpd/internal/lease"
	"grimm.is/dhcpd/internal/security"
	"grimm.is/dhcpd/internal/wire"
)

// ListenIPs returns the parsed listen addresses. Call after Validate.
func (c *Config) ListenIPs() []net.IP {
	out := make([]net.IP, 0, len(c.Server.ListenAddresses))
	for _, a := range c.Server.ListenAddresses {
		out = append(out, net.ParseIP(a).To4())
	}
	return out
}

// BuildSubnets converts the subnet declarations into the engine's
// runtime form. Global options are folded into every subnet, with
// per-subnet options taking precedence.
func (c *Config) BuildSubnets() ([]*lease.Subnet, error) {
	global, err := encodeOptions(c.GlobalOptions)
	if err != nil {
		return nil, err
	}

	out := make([]*lease.Subnet, 0, len(c.Subnets))
	for i := range c.Subnets {
		s := &c.Subnets[i]
		local, err := encodeOptions(s.Options)
		if err != nil {
			return nil, fmt.Errorf("config: subnet %s: %w", s.Name, err)
		}
		opts := append(wire.Options(nil), global...)
		for _, o := range local {
			opts.InsertOrReplace(o.Code, o.Data)
		}

		sub := &lease.Subnet{
			Name:             s.Name,
			Network:          parse4(s.Network),
			Prefix:           s.PrefixLength,
			RangeStart:       parse4(s.RangeStart),
			RangeEnd:         parse4(s.RangeEnd),
			Domain:           s.DomainName,
			DefaultLeaseTime: time.Duration(s.LeaseSeconds) * time.Second,
			MaxLeaseTime:     time.Duration(s.MaxLeaseSeconds) * time.Second,
			ProbeBeforeOffer: s.ProbeBeforeOffer,
			Options:          opts,
		}
		if s.Gateway != "" {
			sub.Gateway = parse4(s.Gateway)
		}
		for _, d := range s.DNSServers {
			sub.DNS = append(sub.DNS, parse4(d))
		}
		for _, e := range s.Exclusions {
			sub.Exclusions = append(sub.Exclusions, lease.Exclusion{
				Start: parse4(e.From),
				End:   parse4(e.To),
			})
		}
		if err := sub.Validate(); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}

// BuildReservations converts every subnet's reservation blocks.
func (c *Config) BuildReservations() ([]*lease.StaticReservation, error) {
	var out []*lease.StaticReservation
	for i := range c.Subnets {
		s := &c.Subnets[i]
		for _, r := range s.Reservations {
			mac, err := lease.ParseMAC(r.MAC)
			if err != nil {
				return nil, fmt.Errorf("config: subnet %s: %w", s.Name, err)
			}
			out = append(out, &lease.StaticReservation{
				MAC:       mac,
				IP:        parse4(r.IP),
				Hostname:  r.Hostname,
				LeaseTime: time.Duration(r.LeaseSeconds) * time.Second,
				Enabled:   !r.Disabled,
			})
		}
	}
	return out, nil
}

// ReservationOptions returns the pinned options for a reserved MAC,
// or nil. The engine echoes these on every ACK for that client.
func (c *Config) ReservationOptions(mac net.HardwareAddr) (wire.Options, error) {
	key := lease.MacKey(mac)
	for i := range c.Subnets {
		for _, r := range c.Subnets[i].Reservations {
			m, err := lease.ParseMAC(r.MAC)
			if err != nil {
				continue
			}
			if lease.MacKey(m) == key {
				return encodeOptions(r.Options)
			}
		}
	}
	return nil, nil
}

// BuildSecurity converts the security block into the validator rule
// set. Expired authentication clients are dropped relative to now.
// A nil security block yields a config that permits everything.
func (c *Config) BuildSecurity(now time.Time) (security.Config, error) {
	var out security.Config
	s := c.Security
	if s == nil {
		return out, nil
	}

	if s.Snooping != nil {
		out.Snooping.Enabled = s.Snooping.Enabled
		out.Snooping.TrustedInterfaces = s.Snooping.TrustedInterfaces
		for _, b := range s.Snooping.Bindings {
			mac, err := lease.ParseMAC(b.MAC)
			if err != nil {
				return out, fmt.Errorf("config: snooping binding: %w", err)
			}
			out.Snooping.Bindings = append(out.Snooping.Bindings, security.SnoopBinding{
				MAC:       mac,
				IP:        parse4(b.IP),
				Interface: b.Interface,
			})
		}
	}

	for _, f := range s.MACFilters {
		rule, err := buildFilter(f, true)
		if err != nil {
			return out, err
		}
		out.Filters = append(out.Filters, rule)
	}
	for _, f := range s.IPFilters {
		rule, err := buildFilter(f, false)
		if err != nil {
			return out, err
		}
		out.Filters = append(out.Filters, rule)
	}

	for _, r := range s.RateLimits {
		window := time.Duration(r.WindowSeconds) * time.Second
		if window <= 0 {
			window = time.Minute
		}
		out.RateRules = append(out.RateRules, security.RateRule{
			IdentifierType: r.IdentifierType,
			Identifier:     r.Identifier,
			MaxRequests:    r.MaxRequests,
			Window:         window,
			BlockDuration:  time.Duration(r.BlockSeconds) * time.Second,
		})
	}

	if s.Option82 != nil {
		out.Option82.Enabled = s.Option82.Enabled
		out.Option82.RequireOn = s.Option82.RequiredOn
		for _, r := range s.Option82.TrustedRelays {
			out.Option82.TrustedRelays = append(out.Option82.TrustedRelays, security.RelayID{
				CircuitID: r.CircuitID,
				RemoteID:  r.RemoteID,
			})
		}
	}

	if s.Authentication != nil && s.Authentication.Enabled {
		out.Auth.Enabled = true
		out.Auth.Secrets = make(map[string]string)
		for _, cl := range s.Authentication.Clients {
			if cl.Disabled {
				continue
			}
			if cl.ExpiresAt != "" {
				exp, err := time.Parse(time.RFC3339, cl.ExpiresAt)
				if err != nil {
					return out, fmt.Errorf("config: authentication client %s: %w", cl.MAC, err)
				}
				if !exp.After(now) {
					continue
				}
			}
			mac, err := lease.ParseMAC(cl.MAC)
			if err != nil {
				return out, fmt.Errorf("config: authentication client: %w", err)
			}
			key := cl.Key
			if key == "" {
				key = s.Authentication.Key
			}
			out.Auth.Secrets[lease.MacKey(mac)] = key
		}
	}
	return out, nil
}

func buildFilter(f FilterConfig, isMAC bool) (security.FilterRule, error) {
	rule := security.FilterRule{
		Name:    f.Name,
		Action:  security.ActionDeny,
		Enabled: !f.Disabled,
	}
	if f.Allow {
		rule.Action = security.ActionAllow
	}
	if isMAC {
		rule.MACPattern = f.Value
	} else {
		rule.IP = parse4(f.Value)
		rule.Mask = f.Mask
		if rule.Mask == 0 {
			rule.Mask = ^uint32(0)
		}
	}
	if f.ExpiresAt != "" {
		exp, err := time.Parse(time.RFC3339, f.ExpiresAt)
		if err != nil {
			return rule, fmt.Errorf("config: filter %s: %w", f.Name, err)
		}
		rule.ExpiresAt = exp
	}
	return rule, nil
}

// encodeOptions converts declarative options to wire form. Data that
// parses as a comma-separated IPv4 list becomes concatenated 4-byte
// addresses; anything else is carried as literal bytes.
func encodeOptions(opts []OptionConfig) (wire.Options, error) {
	out := make(wire.Options, 0, len(opts))
	for _, o := range opts {
		data, err := encodeOptionData(o.Data)
		if err != nil {
			return nil, fmt.Errorf("option %d: %w", o.Code, err)
		}
		out = append(out, wire.Option{Code: byte(o.Code), Data: data})
	}
	return out, nil
}

func encodeOptionData(s string) ([]byte, error) {
	parts := strings.Split(s, ",")
	ips := make([]net.IP, 0, len(parts))
	for _, p := range parts {
		ip := parse4(strings.TrimSpace(p))
		if ip == nil {
			ips = nil
			break
		}
		ips = append(ips, ip)
	}
	if len(ips) > 0 {
		data := make([]byte, 0, 4*len(ips))
		for _, ip := range ips {
			data = append(data, ip...)
		}
		return data, nil
	}
	if len(s) > 255 {
		return nil, fmt.Errorf("data exceeds 255 bytes")
	}
	return []byte(s), nil
}
