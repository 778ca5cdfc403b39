// Package ddns pushes forward DNS records for leased clients. The
// server reports grants, releases and expiries; the updater translates
// them into RFC 2136 dynamic updates against the configured zone.
package ddns

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"grimm.is/dhcpd/internal/logging"
)

// Updater receives lease lifecycle notifications.
type Updater interface {
	AddRecord(hostname string, ip net.IP) error
	RemoveRecord(hostname string, ip net.IP) error
}

// Config holds dynamic DNS settings.
type Config struct {
	Enabled  bool   `hcl:"enabled,optional" json:"enabled" yaml:"enabled"`
	Server   string `hcl:"server,optional" json:"server,omitempty" yaml:"server,omitempty"`
	Zone     string `hcl:"zone,optional" json:"zone,omitempty" yaml:"zone,omitempty"`
	TTL      int    `hcl:"ttl,optional" json:"ttl,omitempty" yaml:"ttl,omitempty"`
	TSIGName string `hcl:"tsig_name,optional" json:"tsig_name,omitempty" yaml:"tsig_name,omitempty"`
	TSIGKey  string `hcl:"tsig_key,optional" json:"tsig_key,omitempty" yaml:"tsig_key,omitempty"`
}

const defaultTTL = 300

// Exchanger sends a DNS message and returns the response. *dns.Client
// satisfies it; tests substitute a recorder.
type Exchanger interface {
	Exchange(m *dns.Msg, addr string) (*dns.Msg, time.Duration, error)
}

// RFC2136 sends dynamic updates to a primary nameserver.
type RFC2136 struct {
	cfg    Config
	client Exchanger
	log    *logging.Logger
}

// NewRFC2136 builds an updater for cfg. The server address gets port
// 53 appended when none is present.
func NewRFC2136(cfg Config, log *logging.Logger) (*RFC2136, error) {
	if cfg.Server == "" {
		return nil, fmt.Errorf("ddns: server address required")
	}
	if cfg.Zone == "" {
		return nil, fmt.Errorf("ddns: zone required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if !strings.Contains(cfg.Server, ":") {
		cfg.Server += ":53"
	}
	c := &dns.Client{Timeout: 5 * time.Second}
	if cfg.TSIGName != "" {
		c.TsigSecret = map[string]string{dns.Fqdn(cfg.TSIGName): cfg.TSIGKey}
	}
	return &RFC2136{cfg: cfg, client: c, log: log.WithComponent("ddns")}, nil
}

// AddRecord inserts an A record for hostname pointing at ip.
func (u *RFC2136) AddRecord(hostname string, ip net.IP) error {
	fqdn := u.fqdn(hostname)
	rr := &dns.A{
		Hdr: dns.RR_Header{Name: fqdn, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: uint32(u.cfg.TTL)},
		A:   ip.To4(),
	}
	m := u.newUpdate()
	m.RemoveRRset([]dns.RR{rr})
	m.Insert([]dns.RR{rr})
	if err := u.send(m); err != nil {
		return fmt.Errorf("ddns add %s: %w", fqdn, err)
	}
	u.log.Info("Record added", "fqdn", fqdn, "ip", ip.String())
	return nil
}

// RemoveRecord deletes the A record for hostname.
func (u *RFC2136) RemoveRecord(hostname string, ip net.IP) error {
	fqdn := u.fqdn(hostname)
	rr := &dns.A{
		Hdr: dns.RR_Header{Name: fqdn, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 0},
		A:   ip.To4(),
	}
	m := u.newUpdate()
	m.Remove([]dns.RR{rr})
	if err := u.send(m); err != nil {
		return fmt.Errorf("ddns remove %s: %w", fqdn, err)
	}
	u.log.Info("Record removed", "fqdn", fqdn, "ip", ip.String())
	return nil
}

func (u *RFC2136) newUpdate() *dns.Msg {
	m := new(dns.Msg)
	m.SetUpdate(dns.Fqdn(u.cfg.Zone))
	return m
}

func (u *RFC2136) send(m *dns.Msg) error {
	if u.cfg.TSIGName != "" {
		m.SetTsig(dns.Fqdn(u.cfg.TSIGName), dns.HmacSHA256, 300, time.Now().Unix())
	}
	resp, _, err := u.client.Exchange(m, u.cfg.Server)
	if err != nil {
		return err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return fmt.Errorf("server returned %s", dns.RcodeToString[resp.Rcode])
	}
	return nil
}

func (u *RFC2136) fqdn(hostname string) string {
	if strings.HasSuffix(hostname, ".") {
		return hostname
	}
	zone := strings.TrimSuffix(dns.Fqdn(u.cfg.Zone), ".")
	if strings.HasSuffix(hostname, "."+zone) || hostname == zone {
		return dns.Fqdn(hostname)
	}
	return dns.Fqdn(hostname + "." + zone)
}

// Noop satisfies Updater without touching the network. Used when
// dynamic DNS is disabled.
type Noop struct{}

func (Noop) AddRecord(string, net.IP) error    { return nil }
func (Noop) RemoveRecord(string, net.IP) error { return nil }

// New returns the updater selected by cfg.
func New(cfg Config, log *logging.Logger) (Updater, error) {
	if !cfg.Enabled {
		return Noop{}, nil
	}
	return NewRFC2136(cfg, log)
}
