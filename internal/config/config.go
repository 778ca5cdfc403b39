// Package config defines the daemon configuration schema and loads it
// from HCL, JSON or YAML files. The on-disk schema is declarative;
// Build converts it into the runtime structures the lease engine and
// security validator consume.
package config

import (
	"time"

	"grimm.is/dhcpd/internal/ddns"
)

// Defaults applied by Normalize when the file leaves a field unset.
const (
	DefaultMaxLeases        = 10000
	DefaultLeaseFile        = "/var/lib/dhcpd/leases.json"
	DefaultAutoSaveInterval = 300 * time.Second
	DefaultConflictStrategy = "reject"
)

// Config is the root of the configuration file.
type Config struct {
	Server        ServerConfig    `hcl:"server,block" json:"server" yaml:"server"`
	Subnets       []SubnetConfig  `hcl:"subnet,block" json:"subnets" yaml:"subnets"`
	GlobalOptions []OptionConfig  `hcl:"option,block" json:"global_options,omitempty" yaml:"global_options,omitempty"`
	Security      *SecurityConfig `hcl:"security,block" json:"security,omitempty" yaml:"security,omitempty"`
}

// ServerConfig holds daemon-wide settings.
type ServerConfig struct {
	ListenAddresses []string `hcl:"listen_addresses" json:"listen_addresses" yaml:"listen_addresses"`
	MaxLeases       int      `hcl:"max_leases,optional" json:"max_leases,omitempty" yaml:"max_leases,omitempty"`
	EnableLogging   *bool    `hcl:"enable_logging,optional" json:"enable_logging,omitempty" yaml:"enable_logging,omitempty"`
	EnableSecurity  *bool    `hcl:"enable_security,optional" json:"enable_security,omitempty" yaml:"enable_security,omitempty"`
	LeaseFile       string   `hcl:"lease_file,optional" json:"lease_file,omitempty" yaml:"lease_file,omitempty"`
	LogFile         string   `hcl:"log_file,optional" json:"log_file,omitempty" yaml:"log_file,omitempty"`

	// ConflictStrategy selects behavior when an allocation hits an IP
	// already bound to another client: reject, replace, extend or
	// negotiate.
	ConflictStrategy string `hcl:"conflict_strategy,optional" json:"conflict_strategy,omitempty" yaml:"conflict_strategy,omitempty"`

	// AutoSaveSeconds is the lease file flush period. 0 means default,
	// negative disables periodic saves.
	AutoSaveSeconds int `hcl:"auto_save_seconds,optional" json:"auto_save_seconds,omitempty" yaml:"auto_save_seconds,omitempty"`

	// HistoryFile enables the on-disk lease history database when set.
	HistoryFile string `hcl:"history_file,optional" json:"history_file,omitempty" yaml:"history_file,omitempty"`

	DDNS *ddns.Config `hcl:"ddns,block" json:"ddns,omitempty" yaml:"ddns,omitempty"`
}

// LoggingEnabled resolves the enable_logging tristate, default true.
func (s *ServerConfig) LoggingEnabled() bool {
	return s.EnableLogging == nil || *s.EnableLogging
}

// SecurityEnabled resolves the enable_security tristate, default true.
func (s *ServerConfig) SecurityEnabled() bool {
	return s.EnableSecurity == nil || *s.EnableSecurity
}

// AutoSaveInterval resolves the flush period. Zero disables.
func (s *ServerConfig) AutoSaveInterval() time.Duration {
	switch {
	case s.AutoSaveSeconds < 0:
		return 0
	case s.AutoSaveSeconds == 0:
		return DefaultAutoSaveInterval
	}
	return time.Duration(s.AutoSaveSeconds) * time.Second
}

// SubnetConfig declares one allocatable network.
type SubnetConfig struct {
	Name         string `hcl:"name,label" json:"name" yaml:"name"`
	Network      string `hcl:"network" json:"network" yaml:"network"`
	PrefixLength int    `hcl:"prefix_length" json:"prefix_length" yaml:"prefix_length"`
	RangeStart   string `hcl:"range_start" json:"range_start" yaml:"range_start"`
	RangeEnd     string `hcl:"range_end" json:"range_end" yaml:"range_end"`

	Gateway    string   `hcl:"gateway,optional" json:"gateway,omitempty" yaml:"gateway,omitempty"`
	DomainName string   `hcl:"domain_name,optional" json:"domain_name,omitempty" yaml:"domain_name,omitempty"`
	DNSServers []string `hcl:"dns_servers,optional" json:"dns_servers,omitempty" yaml:"dns_servers,omitempty"`

	// Lease times are in seconds. MaxLeaseSeconds defaults to
	// LeaseSeconds when unset.
	LeaseSeconds    int `hcl:"lease_time,optional" json:"lease_time,omitempty" yaml:"lease_time,omitempty"`
	MaxLeaseSeconds int `hcl:"max_lease_time,optional" json:"max_lease_time,omitempty" yaml:"max_lease_time,omitempty"`

	ProbeBeforeOffer bool `hcl:"probe_before_offer,optional" json:"probe_before_offer,omitempty" yaml:"probe_before_offer,omitempty"`

	Options      []OptionConfig      `hcl:"option,block" json:"options,omitempty" yaml:"options,omitempty"`
	Reservations []ReservationConfig `hcl:"reservation,block" json:"reservations,omitempty" yaml:"reservations,omitempty"`
	Exclusions   []ExclusionConfig   `hcl:"exclusion,block" json:"exclusions,omitempty" yaml:"exclusions,omitempty"`
}

// OptionConfig is one raw DHCP option. Data is either a dotted-quad
// list (encoded as concatenated 4-byte addresses) or a literal string.
type OptionConfig struct {
	Code int    `hcl:"code" json:"code" yaml:"code"`
	Data string `hcl:"data" json:"data" yaml:"data"`
}

// ReservationConfig pins a MAC to a fixed address.
type ReservationConfig struct {
	MAC          string         `hcl:"mac,label" json:"mac" yaml:"mac"`
	IP           string         `hcl:"ip" json:"ip" yaml:"ip"`
	Hostname     string         `hcl:"hostname,optional" json:"hostname,omitempty" yaml:"hostname,omitempty"`
	LeaseSeconds int            `hcl:"lease_time,optional" json:"lease_time,omitempty" yaml:"lease_time,omitempty"`
	Disabled     bool           `hcl:"disabled,optional" json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Options      []OptionConfig `hcl:"option,block" json:"options,omitempty" yaml:"options,omitempty"`
}

// ExclusionConfig removes a closed address interval from allocation.
type ExclusionConfig struct {
	From string `hcl:"from" json:"from" yaml:"from"`
	To   string `hcl:"to" json:"to" yaml:"to"`
}

// SecurityConfig mirrors the validator rule set.
type SecurityConfig struct {
	Snooping       *SnoopingConfig   `hcl:"snooping,block" json:"dhcp_snooping,omitempty" yaml:"dhcp_snooping,omitempty"`
	MACFilters     []FilterConfig    `hcl:"mac_filter,block" json:"mac_filters,omitempty" yaml:"mac_filters,omitempty"`
	IPFilters      []FilterConfig    `hcl:"ip_filter,block" json:"ip_filters,omitempty" yaml:"ip_filters,omitempty"`
	RateLimits     []RateLimitConfig `hcl:"rate_limit,block" json:"rate_limits,omitempty" yaml:"rate_limits,omitempty"`
	Option82       *Option82Config   `hcl:"option_82,block" json:"option_82,omitempty" yaml:"option_82,omitempty"`
	Authentication *AuthConfig       `hcl:"authentication,block" json:"authentication,omitempty" yaml:"authentication,omitempty"`
}

// SnoopingConfig enables binding checks on untrusted interfaces.
type SnoopingConfig struct {
	Enabled           bool            `hcl:"enabled,optional" json:"enabled" yaml:"enabled"`
	TrustedInterfaces []string        `hcl:"trusted_interfaces,optional" json:"trusted_interfaces,omitempty" yaml:"trusted_interfaces,omitempty"`
	Bindings          []BindingConfig `hcl:"binding,block" json:"bindings,omitempty" yaml:"bindings,omitempty"`
}

// BindingConfig is one pre-installed snooping triple.
type BindingConfig struct {
	MAC       string `hcl:"mac" json:"mac" yaml:"mac"`
	IP        string `hcl:"ip" json:"ip" yaml:"ip"`
	Interface string `hcl:"interface,optional" json:"interface,omitempty" yaml:"interface,omitempty"`
}

// FilterConfig is one MAC or IP filter rule. For MAC filters Value is
// a wildcard pattern; for IP filters it is a dotted quad with Mask
// applied to both sides.
type FilterConfig struct {
	Name      string `hcl:"name,label" json:"name" yaml:"name"`
	Value     string `hcl:"value" json:"value" yaml:"value"`
	Mask      uint32 `hcl:"mask,optional" json:"mask,omitempty" yaml:"mask,omitempty"`
	Allow     bool   `hcl:"allow,optional" json:"allow" yaml:"allow"`
	Disabled  bool   `hcl:"disabled,optional" json:"disabled,omitempty" yaml:"disabled,omitempty"`
	ExpiresAt string `hcl:"expires,optional" json:"expires,omitempty" yaml:"expires,omitempty"` // RFC 3339, empty means never
}

// RateLimitConfig bounds request volume for one identifier class.
type RateLimitConfig struct {
	Identifier     string `hcl:"identifier,label" json:"identifier" yaml:"identifier"`
	IdentifierType string `hcl:"identifier_type" json:"identifier_type" yaml:"identifier_type"`
	MaxRequests    int    `hcl:"max_requests" json:"max_requests" yaml:"max_requests"`
	WindowSeconds  int    `hcl:"time_window,optional" json:"time_window,omitempty" yaml:"time_window,omitempty"`
	BlockSeconds   int    `hcl:"block_duration,optional" json:"block_duration,omitempty" yaml:"block_duration,omitempty"`
}

// Option82Config controls relay agent information validation.
type Option82Config struct {
	Enabled       bool          `hcl:"enabled,optional" json:"enabled" yaml:"enabled"`
	RequiredOn    []string      `hcl:"required_interfaces,optional" json:"required_interfaces,omitempty" yaml:"required_interfaces,omitempty"`
	TrustedRelays []RelayConfig `hcl:"trusted_relay,block" json:"trusted_relays,omitempty" yaml:"trusted_relays,omitempty"`
}

// RelayConfig identifies one trusted relay agent.
type RelayConfig struct {
	CircuitID string `hcl:"circuit_id,optional" json:"circuit_id,omitempty" yaml:"circuit_id,omitempty"`
	RemoteID  string `hcl:"remote_id,optional" json:"remote_id,omitempty" yaml:"remote_id,omitempty"`
}

// AuthConfig enables HMAC client authentication.
type AuthConfig struct {
	Enabled bool               `hcl:"enabled,optional" json:"enabled" yaml:"enabled"`
	Key     string             `hcl:"key,optional" json:"key,omitempty" yaml:"key,omitempty"`
	Clients []AuthClientConfig `hcl:"client,block" json:"clients,omitempty" yaml:"clients,omitempty"`
}

// AuthClientConfig enrolls one client MAC. Key overrides the shared
// key when set.
type AuthClientConfig struct {
	MAC       string `hcl:"mac,label" json:"mac" yaml:"mac"`
	Key       string `hcl:"key,optional" json:"key,omitempty" yaml:"key,omitempty"`
	Disabled  bool   `hcl:"disabled,optional" json:"disabled,omitempty" yaml:"disabled,omitempty"`
	ExpiresAt string `hcl:"expires,optional" json:"expires,omitempty" yaml:"expires,omitempty"`
}

// Normalize fills defaults in place. Called by the loaders before
// validation.
func (c *Config) Normalize() {
	if c.Server.MaxLeases == 0 {
		c.Server.MaxLeases = DefaultMaxLeases
	}
	if c.Server.LeaseFile == "" {
		c.Server.LeaseFile = DefaultLeaseFile
	}
	if c.Server.ConflictStrategy == "" {
		c.Server.ConflictStrategy = DefaultConflictStrategy
	}
	for i := range c.Subnets {
		s := &c.Subnets[i]
		if s.LeaseSeconds == 0 {
			s.LeaseSeconds = 3600
		}
		if s.MaxLeaseSeconds == 0 {
			s.MaxLeaseSeconds = s.LeaseSeconds
		}
	}
}
