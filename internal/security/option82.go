package security

import (
	"fmt"

	"grimm.is/dhcpd/internal/wire"
)

// checkOption82 validates relay agent information on interfaces that
// require it: sub-options 1 (circuit-id) and 2 (remote-id) must be
// present, and when a trusted-relay registry is configured the pair
// must match a registered relay exactly.
func (v *Validator) checkOption82(cfg Config, req Request) *Event {
	o82 := cfg.Option82
	if !o82.Enabled || !contains(o82.RequireOn, req.Interface) {
		return nil
	}
	if req.Msg == nil {
		return nil
	}

	opt := req.Msg.Options.Find(wire.OptRelayAgentInfo)
	if opt == nil {
		return &Event{
			Kind:        KindOption82Missing,
			Level:       LevelHigh,
			Description: fmt.Sprintf("option 82 required on interface %s", req.Interface),
		}
	}

	subs := parseSubOptions(opt.Data)
	circuit, hasCircuit := subs[wire.RelaySubCircuitID]
	remote, hasRemote := subs[wire.RelaySubRemoteID]
	if !hasCircuit || !hasRemote {
		return &Event{
			Kind:        KindOption82Missing,
			Level:       LevelHigh,
			Description: "option 82 lacks circuit-id or remote-id",
		}
	}

	if len(o82.TrustedRelays) > 0 {
		for _, r := range o82.TrustedRelays {
			if r.CircuitID == string(circuit) && r.RemoteID == string(remote) {
				return nil
			}
		}
		return &Event{
			Kind:        KindOption82Mismatch,
			Level:       LevelHigh,
			Description: "relay identity not in trusted registry",
			Details: map[string]string{
				"circuit_id": string(circuit),
				"remote_id":  string(remote),
			},
		}
	}
	return nil
}

// parseSubOptions walks an option 82 payload as a nested TLV stream.
// Malformed tails are ignored; the presence checks above catch what
// matters.
func parseSubOptions(data []byte) map[byte][]byte {
	out := make(map[byte][]byte)
	i := 0
	for i+1 < len(data) {
		code := data[i]
		length := int(data[i+1])
		i += 2
		if i+length > len(data) {
			break
		}
		out[code] = data[i : i+length]
		i += length
	}
	return out
}
