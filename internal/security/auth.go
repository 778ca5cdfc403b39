package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"grimm.is/dhcpd/internal/lease"
	"grimm.is/dhcpd/internal/wire"
)

// checkAuth verifies the client's HMAC when credentials are
// registered for its MAC. The digest covers "mac|epoch-seconds" and
// any of {now-skew, now, now+skew} is accepted. The option payload
// may be 32 raw digest bytes or 64 hex characters.
func (v *Validator) checkAuth(cfg Config, req Request) *Event {
	au := cfg.Auth
	if !au.Enabled || req.MAC == nil {
		return nil
	}
	macKey := lease.MacKey(req.MAC)
	secret, ok := au.Secrets[macKey]
	if !ok {
		return nil
	}

	fail := func(desc string) *Event {
		return &Event{Kind: KindAuthFailed, Level: LevelCritical, Description: desc}
	}

	if req.Msg == nil {
		return fail("no message to authenticate")
	}
	opt := req.Msg.Options.Find(wire.OptAuthentication)
	if opt == nil {
		return fail("authentication option missing")
	}

	digest, err := decodeDigest(opt.Data)
	if err != nil {
		return fail(err.Error())
	}

	now := v.clock.Now()
	for _, t := range []time.Time{now.Add(-au.Skew), now, now.Add(au.Skew)} {
		if hmac.Equal(digest, computeHMAC(secret, macKey, t)) {
			return nil
		}
	}
	return fail("authentication digest mismatch")
}

// ComputeHMAC derives the expected digest for mac at t: the value
// checkAuth compares against the client's authentication option.
func ComputeHMAC(secret string, mac string, t time.Time) []byte {
	return computeHMAC(secret, mac, t)
}

func computeHMAC(secret, macKey string, t time.Time) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(h, "%s|%d", macKey, t.Unix())
	return h.Sum(nil)
}

func decodeDigest(data []byte) ([]byte, error) {
	switch len(data) {
	case sha256.Size:
		return data, nil
	case sha256.Size * 2:
		out, err := hex.DecodeString(string(data))
		if err != nil {
			return nil, fmt.Errorf("authentication option is not valid hex")
		}
		return out, nil
	}
	return nil, fmt.Errorf("authentication option has bad length %d", len(data))
}
