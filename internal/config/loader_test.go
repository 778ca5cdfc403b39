package config

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/dhcpd/internal/security"
	"grimm.is/dhcpd/internal/wire"
)

const hclConfig = `
server {
  listen_addresses = ["10.0.0.1"]
  lease_file       = "/tmp/leases.json"
  conflict_strategy = "replace"
}

subnet "lan" {
  network       = "10.0.0.0"
  prefix_length = 24
  range_start   = "10.0.0.100"
  range_end     = "10.0.0.200"
  gateway       = "10.0.0.1"
  domain_name   = "lan.example"
  dns_servers   = ["10.0.0.53", "10.0.0.54"]
  lease_time    = 3600

  option {
    code = 42
    data = "10.0.0.123"
  }

  reservation "aa:bb:cc:dd:ee:ff" {
    ip       = "10.0.0.10"
    hostname = "printer"
  }

  exclusion {
    from = "10.0.0.150"
    to   = "10.0.0.160"
  }
}

option {
  code = 15
  data = "example.org"
}

security {
  option_82 {
    enabled             = true
    required_interfaces = ["eth1"]
  }

  rate_limit "*" {
    identifier_type = "mac"
    max_requests    = 10
    time_window     = 60
    block_duration  = 300
  }
}
`

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadHCL(t *testing.T) {
	cfg, err := LoadFile(writeTemp(t, "dhcpd.hcl", hclConfig))
	require.NoError(t, err)

	assert.Equal(t, []string{"10.0.0.1"}, cfg.Server.ListenAddresses)
	assert.Equal(t, "replace", cfg.Server.ConflictStrategy)
	assert.Equal(t, DefaultMaxLeases, cfg.Server.MaxLeases, "default applied")
	assert.True(t, cfg.Server.LoggingEnabled())
	assert.True(t, cfg.Server.SecurityEnabled())
	assert.Equal(t, DefaultAutoSaveInterval, cfg.Server.AutoSaveInterval())

	require.Len(t, cfg.Subnets, 1)
	sub := cfg.Subnets[0]
	assert.Equal(t, "lan", sub.Name)
	assert.Equal(t, 3600, sub.LeaseSeconds)
	assert.Equal(t, 3600, sub.MaxLeaseSeconds, "max defaults to lease_time")
	require.Len(t, sub.Reservations, 1)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", sub.Reservations[0].MAC)

	require.NotNil(t, cfg.Security)
	require.NotNil(t, cfg.Security.Option82)
	assert.True(t, cfg.Security.Option82.Enabled)
}

func TestLoadJSON(t *testing.T) {
	const doc = `{
	  "server": {"listen_addresses": ["192.168.1.1"], "enable_security": false},
	  "subnets": [{
	    "name": "office",
	    "network": "192.168.1.0",
	    "prefix_length": 24,
	    "range_start": "192.168.1.50",
	    "range_end": "192.168.1.99",
	    "lease_time": 600
	  }]
	}`
	cfg, err := LoadFile(writeTemp(t, "dhcpd.json", doc))
	require.NoError(t, err)
	assert.False(t, cfg.Server.SecurityEnabled())
	assert.Equal(t, "office", cfg.Subnets[0].Name)
}

func TestLoadJSONUnknownKey(t *testing.T) {
	const doc = `{
	  "server": {"listen_addresses": ["192.168.1.1"], "listen_adresses": []},
	  "subnets": []
	}`
	_, err := LoadFile(writeTemp(t, "dhcpd.json", doc))
	require.Error(t, err)
}

func TestLoadYAML(t *testing.T) {
	const doc = `
server:
  listen_addresses: ["172.16.0.1"]
  auto_save_seconds: -1
subnets:
  - name: guest
    network: 172.16.0.0
    prefix_length: 16
    range_start: 172.16.1.1
    range_end: 172.16.1.254
    lease_time: 1800
    max_lease_time: 7200
`
	cfg, err := LoadFile(writeTemp(t, "dhcpd.yaml", doc))
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), cfg.Server.AutoSaveInterval(), "negative disables auto save")
	assert.Equal(t, 7200, cfg.Subnets[0].MaxLeaseSeconds)
}

func TestLoadUnsupportedExtension(t *testing.T) {
	_, err := LoadFile(writeTemp(t, "dhcpd.toml", "x = 1"))
	require.Error(t, err)
}

func TestValidateErrors(t *testing.T) {
	base := func() *Config {
		return &Config{
			Server: ServerConfig{ListenAddresses: []string{"10.0.0.1"}},
			Subnets: []SubnetConfig{{
				Name: "lan", Network: "10.0.0.0", PrefixLength: 24,
				RangeStart: "10.0.0.100", RangeEnd: "10.0.0.200",
				LeaseSeconds: 3600,
			}},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no listen addresses", func(c *Config) { c.Server.ListenAddresses = nil }},
		{"bad listen address", func(c *Config) { c.Server.ListenAddresses = []string{"nope"} }},
		{"no subnets", func(c *Config) { c.Subnets = nil }},
		{"range start after end", func(c *Config) { c.Subnets[0].RangeStart = "10.0.0.201" }},
		{"range outside network", func(c *Config) { c.Subnets[0].RangeEnd = "10.0.1.5" }},
		{"zero prefix", func(c *Config) { c.Subnets[0].PrefixLength = 0 }},
		{"prefix too wide", func(c *Config) { c.Subnets[0].PrefixLength = 33 }},
		{"negative lease time", func(c *Config) { c.Subnets[0].LeaseSeconds = -1 }},
		{"max below default", func(c *Config) { c.Subnets[0].MaxLeaseSeconds = 60 }},
		{"bad gateway", func(c *Config) { c.Subnets[0].Gateway = "not-an-ip" }},
		{"bad reservation mac", func(c *Config) {
			c.Subnets[0].Reservations = []ReservationConfig{{MAC: "zz:zz", IP: "10.0.0.5"}}
		}},
		{"duplicate subnet", func(c *Config) { c.Subnets = append(c.Subnets, c.Subnets[0]) }},
		{"bad conflict strategy", func(c *Config) { c.Server.ConflictStrategy = "coinflip" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			cfg.Normalize()
			require.Error(t, cfg.Validate())
		})
	}

	ok := base()
	ok.Normalize()
	require.NoError(t, ok.Validate())
}

func TestBuildSubnets(t *testing.T) {
	cfg, err := LoadFile(writeTemp(t, "dhcpd.hcl", hclConfig))
	require.NoError(t, err)

	subs, err := cfg.BuildSubnets()
	require.NoError(t, err)
	require.Len(t, subs, 1)

	sub := subs[0]
	assert.Equal(t, "lan", sub.Name)
	assert.Equal(t, net.IPv4(10, 0, 0, 100).To4(), sub.RangeStart)
	assert.Equal(t, time.Hour, sub.DefaultLeaseTime)
	require.Len(t, sub.Exclusions, 1)

	// Global option 15 folded in alongside the subnet's NTP option.
	assert.Equal(t, []byte("example.org"), sub.Options.Find(wire.OptDomainName).Data)
	ntp := sub.Options.Find(wire.OptNTPServers)
	require.NotNil(t, ntp)
	assert.Equal(t, []byte{10, 0, 0, 123}, ntp.Data)
}

func TestBuildReservations(t *testing.T) {
	cfg, err := LoadFile(writeTemp(t, "dhcpd.hcl", hclConfig))
	require.NoError(t, err)

	res, err := cfg.BuildReservations()
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "printer", res[0].Hostname)
	assert.True(t, res[0].Enabled)
	assert.Equal(t, net.IPv4(10, 0, 0, 10).To4(), res[0].IP)
}

func TestBuildSecurity(t *testing.T) {
	cfg, err := LoadFile(writeTemp(t, "dhcpd.hcl", hclConfig))
	require.NoError(t, err)

	sec, err := cfg.BuildSecurity(time.Now())
	require.NoError(t, err)
	assert.True(t, sec.Option82.Enabled)
	assert.Equal(t, []string{"eth1"}, sec.Option82.RequireOn)
	require.Len(t, sec.RateRules, 1)
	assert.Equal(t, time.Minute, sec.RateRules[0].Window)
}

func TestBuildSecurityAuthClients(t *testing.T) {
	cfg := &Config{
		Security: &SecurityConfig{
			Authentication: &AuthConfig{
				Enabled: true,
				Key:     "shared",
				Clients: []AuthClientConfig{
					{MAC: "aa:bb:cc:00:00:01"},
					{MAC: "aa:bb:cc:00:00:02", Key: "own"},
					{MAC: "aa:bb:cc:00:00:03", Disabled: true},
					{MAC: "aa:bb:cc:00:00:04", ExpiresAt: "2020-01-01T00:00:00Z"},
				},
			},
		},
	}
	sec, err := cfg.BuildSecurity(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, sec.Auth.Enabled)
	assert.Equal(t, map[string]string{
		"aa:bb:cc:00:00:01": "shared",
		"aa:bb:cc:00:00:02": "own",
	}, sec.Auth.Secrets)
}

func TestBuildFilterDefaults(t *testing.T) {
	cfg := &Config{
		Security: &SecurityConfig{
			MACFilters: []FilterConfig{{Name: "blocklist", Value: "aa:bb:*"}},
			IPFilters:  []FilterConfig{{Name: "subnet10", Value: "10.0.0.0", Allow: true}},
		},
	}
	sec, err := cfg.BuildSecurity(time.Now())
	require.NoError(t, err)
	require.Len(t, sec.Filters, 2)
	assert.Equal(t, security.ActionDeny, sec.Filters[0].Action)
	assert.Equal(t, "aa:bb:*", sec.Filters[0].MACPattern)
	assert.Equal(t, security.ActionAllow, sec.Filters[1].Action)
	assert.Equal(t, ^uint32(0), sec.Filters[1].Mask, "zero mask means exact match")
}

func TestOptionDataEncoding(t *testing.T) {
	data, err := encodeOptionData("10.0.0.1, 10.0.0.2")
	require.NoError(t, err)
	assert.Equal(t, []byte{10, 0, 0, 1, 10, 0, 0, 2}, data)

	data, err = encodeOptionData("hello.lan")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello.lan"), data)
}
