// Package security classifies incoming DHCP messages as permitted or
// denied before any lease decision is made. Checks short-circuit in a
// fixed order: snooping, filters, rate limits, option 82, then
// client authentication. Every denial emits a SecurityEvent.
package security

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"grimm.is/dhcpd/internal/clock"
	"grimm.is/dhcpd/internal/events"
	"grimm.is/dhcpd/internal/logging"
	"grimm.is/dhcpd/internal/ratelimit"
	"grimm.is/dhcpd/internal/wire"
)

// ErrDenied is the base error for every security rejection.
var ErrDenied = errors.New("security: denied")

// SnoopBinding is a pre-installed (mac, ip, interface) triple that
// legitimizes traffic on untrusted interfaces.
type SnoopBinding struct {
	MAC       net.HardwareAddr
	IP        net.IP
	Interface string
}

// SnoopingConfig controls DHCP snooping.
type SnoopingConfig struct {
	Enabled           bool
	TrustedInterfaces []string
	Bindings          []SnoopBinding
}

// FilterAction is the verdict of a matching filter rule.
type FilterAction string

const (
	ActionAllow FilterAction = "allow"
	ActionDeny  FilterAction = "deny"
)

// FilterRule is one MAC/IP filter entry. Rules evaluate in insertion
// order; the first enabled, unexpired, matching rule decides.
type FilterRule struct {
	Name       string
	Action     FilterAction
	MACPattern string // wildcard pattern, normalized before matching
	IP         net.IP
	Mask       uint32 // applied to both sides of the IP comparison
	Enabled    bool
	ExpiresAt  time.Time // zero means never
}

// RateRule limits request volume for one identifier class.
type RateRule struct {
	IdentifierType string // "mac", "ip" or "interface"
	Identifier     string // concrete value, or "*" for all
	MaxRequests    int
	Window         time.Duration
	BlockDuration  time.Duration
}

// RelayID identifies a trusted relay agent.
type RelayID struct {
	CircuitID string
	RemoteID  string
}

// Option82Config controls relay agent information validation.
type Option82Config struct {
	Enabled       bool
	RequireOn     []string // interfaces where option 82 is mandatory
	TrustedRelays []RelayID
}

// AuthConfig controls HMAC client authentication.
type AuthConfig struct {
	Enabled bool
	Secrets map[string]string // normalized MAC -> pre-shared secret
	Skew    time.Duration     // accepted clock skew, default 60s
}

// Config is the full validator rule set.
type Config struct {
	Snooping  SnoopingConfig
	Filters   []FilterRule
	RateRules []RateRule
	Option82  Option82Config
	Auth      AuthConfig
}

// Request is one message under validation.
type Request struct {
	Msg       *wire.Message
	MAC       net.HardwareAddr
	IP        net.IP // the IP the client claims or requests, may be nil
	Interface string
}

// Options carries the validator's collaborators.
type Options struct {
	Clock clock.Clock
	Log   *logging.Logger
	Hub   *events.Hub
}

// Validator applies the configured checks. Rule tables swap wholesale
// on reload; trackers and the event buffer live across reloads.
type Validator struct {
	mu  sync.RWMutex
	cfg Config

	limiter *ratelimit.Limiter

	evMu     sync.Mutex
	events   []Event
	callback func(Event)

	clock clock.Clock
	log   *logging.Logger
	hub   *events.Hub
}

// NewValidator builds a validator with the given rule set.
func NewValidator(cfg Config, opt Options) *Validator {
	if opt.Clock == nil {
		opt.Clock = &clock.RealClock{}
	}
	if opt.Log == nil {
		opt.Log = logging.WithComponent("security")
	}
	if cfg.Auth.Skew <= 0 {
		cfg.Auth.Skew = 60 * time.Second
	}
	return &Validator{
		cfg:     cfg,
		limiter: ratelimit.NewLimiter(opt.Clock),
		clock:   opt.Clock,
		log:     opt.Log,
		hub:     opt.Hub,
	}
}

// SetConfig replaces the rule tables. Used on configuration reload.
func (v *Validator) SetConfig(cfg Config) {
	if cfg.Auth.Skew <= 0 {
		cfg.Auth.Skew = 60 * time.Second
	}
	v.mu.Lock()
	v.cfg = cfg
	v.mu.Unlock()
}

// StartCleanup bounds tracker memory: entries idle for an hour are
// dropped.
func (v *Validator) StartCleanup() {
	v.limiter.StartCleanup(time.Hour, time.Hour)
}

// Stop halts background work.
func (v *Validator) Stop() {
	v.limiter.Stop()
}

// Validate runs all checks. A nil return permits the message.
func (v *Validator) Validate(req Request) error {
	v.mu.RLock()
	cfg := v.cfg
	v.mu.RUnlock()

	if ev := v.checkSnooping(cfg, req); ev != nil {
		return v.deny(req, *ev)
	}
	if ev := v.checkFilters(cfg, req); ev != nil {
		return v.deny(req, *ev)
	}
	if ev := v.checkRate(cfg, req); ev != nil {
		return v.deny(req, *ev)
	}
	if ev := v.checkOption82(cfg, req); ev != nil {
		return v.deny(req, *ev)
	}
	if ev := v.checkAuth(cfg, req); ev != nil {
		return v.deny(req, *ev)
	}

	if cfg.Snooping.Enabled && contains(cfg.Snooping.TrustedInterfaces, req.Interface) {
		v.record(req, Event{
			Kind:        KindTrustedPass,
			Level:       LevelLow,
			Description: "message accepted on trusted interface",
		}, false)
	}
	return nil
}

func (v *Validator) deny(req Request, ev Event) error {
	v.record(req, ev, true)
	return fmt.Errorf("%w: %s: %s", ErrDenied, ev.Kind, ev.Description)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
