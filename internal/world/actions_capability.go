package world

import (
	"agent-world/internal/modhost"
	"agent-world/internal/world/types"
)

func init() {
	registerHandler("GrantModuleCapability", applyGrantModuleCapability)
	registerHandler("RevokeModuleCapability", applyRevokeModuleCapability)
}

// GrantModuleCapabilityPayload records a time-bounded capability grant a
// module manifest's required_caps may reference at install/upgrade time.
type GrantModuleCapabilityPayload struct {
	CapID       string `cbor:"cap_id"`
	Kind        string `cbor:"kind"`
	ExpiresAtMs int64  `cbor:"expires_at_ms,omitempty"`
}

func applyGrantModuleCapability(w *World, s *State, a *types.Action, nowMs int64) ([]types.Event, *types.RejectReason) {
	var p GrantModuleCapabilityPayload
	if err := a.DecodePayload(&p); err != nil {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: err.Error()}
	}
	if p.CapID == "" || p.Kind == "" {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: "cap_id and kind are required"}
	}
	if p.ExpiresAtMs != 0 && p.ExpiresAtMs <= nowMs {
		return nil, &types.RejectReason{Kind: types.RuleDenied, Notes: "grant would already be expired"}
	}
	if _, exists := s.Caps[p.CapID]; exists {
		return nil, &types.RejectReason{Kind: types.RuleDenied, Notes: "cap_id is already granted"}
	}
	if s.Caps == nil {
		s.Caps = make(map[string]modhost.CapabilityGrant)
	}
	s.Caps[p.CapID] = modhost.CapabilityGrant{CapRef: p.CapID, Kind: p.Kind, ExpiresAt: p.ExpiresAtMs}
	return []types.Event{event(s, a.ActionID, "ModuleCapabilityGranted", p)}, nil
}

// RevokeModuleCapabilityPayload withdraws a previously granted capability.
// Already-installed modules keep running; the next install/upgrade that
// still requires it fails validation.
type RevokeModuleCapabilityPayload struct {
	CapID string `cbor:"cap_id"`
}

func applyRevokeModuleCapability(w *World, s *State, a *types.Action, nowMs int64) ([]types.Event, *types.RejectReason) {
	var p RevokeModuleCapabilityPayload
	if err := a.DecodePayload(&p); err != nil {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: err.Error()}
	}
	if _, exists := s.Caps[p.CapID]; !exists {
		return nil, &types.RejectReason{Kind: types.RuleDenied, Notes: "cap_id is not granted"}
	}
	delete(s.Caps, p.CapID)
	return []types.Event{event(s, a.ActionID, "ModuleCapabilityRevoked", p)}, nil
}
