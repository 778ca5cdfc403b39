package config

import (
	"fmt"
	"net"
	"time"

	"grimm.is/dhcpd/internal/lease"
)

// Validate checks the configuration for structural errors. It runs
// after Normalize, so defaults are already in place.
func (c *Config) Validate() error {
	if len(c.Server.ListenAddresses) == 0 {
		return fmt.Errorf("config: server.listen_addresses must not be empty")
	}
	for _, a := range c.Server.ListenAddresses {
		if ip := net.ParseIP(a); ip == nil || ip.To4() == nil {
			return fmt.Errorf("config: bad listen address %q", a)
		}
	}
	if c.Server.MaxLeases <= 0 {
		return fmt.Errorf("config: server.max_leases must be positive")
	}
	if _, err := lease.ParseConflictStrategy(c.Server.ConflictStrategy); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if len(c.Subnets) == 0 {
		return fmt.Errorf("config: at least one subnet is required")
	}
	seen := make(map[string]bool, len(c.Subnets))
	for i := range c.Subnets {
		s := &c.Subnets[i]
		if err := s.validate(); err != nil {
			return err
		}
		if seen[s.Name] {
			return fmt.Errorf("config: duplicate subnet name %q", s.Name)
		}
		seen[s.Name] = true
	}

	for _, o := range c.GlobalOptions {
		if err := validateOption(o, "global"); err != nil {
			return err
		}
	}

	if c.Security != nil {
		if err := c.Security.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (s *SubnetConfig) validate() error {
	if s.Name == "" {
		return fmt.Errorf("config: subnet without a name")
	}
	network := parse4(s.Network)
	if network == nil {
		return fmt.Errorf("config: subnet %s: bad network %q", s.Name, s.Network)
	}
	if s.PrefixLength < 1 || s.PrefixLength > 32 {
		return fmt.Errorf("config: subnet %s: bad prefix length %d", s.Name, s.PrefixLength)
	}
	start, end := parse4(s.RangeStart), parse4(s.RangeEnd)
	if start == nil || end == nil {
		return fmt.Errorf("config: subnet %s: bad range %q..%q", s.Name, s.RangeStart, s.RangeEnd)
	}
	if lease.IPToU32(start) > lease.IPToU32(end) {
		return fmt.Errorf("config: subnet %s: range_start %s after range_end %s", s.Name, start, end)
	}
	mask := net.CIDRMask(s.PrefixLength, 32)
	if !network.Mask(mask).Equal(start.Mask(mask)) || !network.Mask(mask).Equal(end.Mask(mask)) {
		return fmt.Errorf("config: subnet %s: range outside network %s/%d", s.Name, network, s.PrefixLength)
	}
	if s.Gateway != "" && parse4(s.Gateway) == nil {
		return fmt.Errorf("config: subnet %s: bad gateway %q", s.Name, s.Gateway)
	}
	for _, d := range s.DNSServers {
		if parse4(d) == nil {
			return fmt.Errorf("config: subnet %s: bad dns server %q", s.Name, d)
		}
	}
	if s.LeaseSeconds <= 0 {
		return fmt.Errorf("config: subnet %s: lease_time must be positive", s.Name)
	}
	if s.MaxLeaseSeconds < s.LeaseSeconds {
		return fmt.Errorf("config: subnet %s: max_lease_time %d below lease_time %d", s.Name, s.MaxLeaseSeconds, s.LeaseSeconds)
	}
	for _, o := range s.Options {
		if err := validateOption(o, s.Name); err != nil {
			return err
		}
	}
	for _, r := range s.Reservations {
		if _, err := lease.ParseMAC(r.MAC); err != nil {
			return fmt.Errorf("config: subnet %s: reservation: %w", s.Name, err)
		}
		if parse4(r.IP) == nil {
			return fmt.Errorf("config: subnet %s: reservation %s: bad ip %q", s.Name, r.MAC, r.IP)
		}
		if r.LeaseSeconds < 0 {
			return fmt.Errorf("config: subnet %s: reservation %s: negative lease_time", s.Name, r.MAC)
		}
		for _, o := range r.Options {
			if err := validateOption(o, s.Name); err != nil {
				return err
			}
		}
	}
	for _, e := range s.Exclusions {
		from, to := parse4(e.From), parse4(e.To)
		if from == nil || to == nil {
			return fmt.Errorf("config: subnet %s: bad exclusion %q..%q", s.Name, e.From, e.To)
		}
		if lease.IPToU32(from) > lease.IPToU32(to) {
			return fmt.Errorf("config: subnet %s: exclusion from %s after to %s", s.Name, from, to)
		}
	}
	return nil
}

func (s *SecurityConfig) validate() error {
	if s.Snooping != nil {
		for _, b := range s.Snooping.Bindings {
			if _, err := lease.ParseMAC(b.MAC); err != nil {
				return fmt.Errorf("config: snooping binding: %w", err)
			}
			if parse4(b.IP) == nil {
				return fmt.Errorf("config: snooping binding %s: bad ip %q", b.MAC, b.IP)
			}
		}
	}
	for _, f := range s.IPFilters {
		if parse4(f.Value) == nil {
			return fmt.Errorf("config: ip filter %s: bad ip %q", f.Name, f.Value)
		}
	}
	for _, f := range append(append([]FilterConfig(nil), s.MACFilters...), s.IPFilters...) {
		if f.ExpiresAt != "" {
			if _, err := time.Parse(time.RFC3339, f.ExpiresAt); err != nil {
				return fmt.Errorf("config: filter %s: bad expires %q: %w", f.Name, f.ExpiresAt, err)
			}
		}
	}
	for _, r := range s.RateLimits {
		switch r.IdentifierType {
		case "mac", "ip", "interface":
		default:
			return fmt.Errorf("config: rate limit %s: bad identifier_type %q", r.Identifier, r.IdentifierType)
		}
		if r.MaxRequests <= 0 {
			return fmt.Errorf("config: rate limit %s: max_requests must be positive", r.Identifier)
		}
	}
	if s.Authentication != nil && s.Authentication.Enabled {
		if s.Authentication.Key == "" && len(s.Authentication.Clients) == 0 {
			return fmt.Errorf("config: authentication enabled with no key and no clients")
		}
		for _, cl := range s.Authentication.Clients {
			if _, err := lease.ParseMAC(cl.MAC); err != nil {
				return fmt.Errorf("config: authentication client: %w", err)
			}
			if cl.ExpiresAt != "" {
				if _, err := time.Parse(time.RFC3339, cl.ExpiresAt); err != nil {
					return fmt.Errorf("config: authentication client %s: bad expires %q: %w", cl.MAC, cl.ExpiresAt, err)
				}
			}
		}
	}
	return nil
}

func validateOption(o OptionConfig, scope string) error {
	if o.Code < 1 || o.Code > 254 {
		return fmt.Errorf("config: %s: option code %d out of range", scope, o.Code)
	}
	return nil
}

// parse4 returns a 4-byte IPv4 address, or nil.
func parse4(s string) net.IP {
	ip := net.ParseIP(s)
	if ip == nil {
		return nil
	}
	return ip.To4()
}
