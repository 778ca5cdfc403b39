// Package probe answers one question: does anything respond at a
// candidate address right now. The allocator consults it before
// offering an IP when the subnet opts in.
package probe

import (
	"fmt"
	"net"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// DefaultTimeout bounds the probe so a DISCOVER never stalls behind
// a quiet network.
const DefaultTimeout = 100 * time.Millisecond

// Prober reports whether an address is already in use.
type Prober interface {
	InUse(ip net.IP) bool
}

// ICMP probes with a single echo request.
type ICMP struct {
	Timeout    time.Duration
	Privileged bool

	// pingFunc is swapped in tests.
	pingFunc func(ip string, timeout time.Duration, privileged bool) (bool, error)
}

// NewICMP returns a prober with the default timeout.
func NewICMP() *ICMP {
	return &ICMP{Timeout: DefaultTimeout, pingFunc: ping}
}

// InUse sends one echo request and reports whether a reply arrived.
// Probe errors count as not-in-use; the address scan must not fail
// on hosts where raw sockets are unavailable.
func (p *ICMP) InUse(ip net.IP) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	fn := p.pingFunc
	if fn == nil {
		fn = ping
	}
	alive, err := fn(ip.String(), timeout, p.Privileged)
	if err != nil {
		return false
	}
	return alive
}

func ping(ip string, timeout time.Duration, privileged bool) (bool, error) {
	pinger, err := probing.NewPinger(ip)
	if err != nil {
		return false, fmt.Errorf("failed to create pinger: %w", err)
	}
	pinger.Count = 1
	pinger.Timeout = timeout
	pinger.SetPrivileged(privileged)

	if err := pinger.Run(); err != nil {
		return false, err
	}
	return pinger.Statistics().PacketsRecv > 0, nil
}

// Never reports every address free. Used when probing is disabled.
type Never struct{}

func (Never) InUse(net.IP) bool { return false }
