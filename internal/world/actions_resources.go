package world

import (
	"agent-world/internal/world/types"
)

func init() {
	registerHandler("RegisterAgent", applyRegisterAgent)
	registerHandler("RegisterLocation", applyRegisterLocation)
	registerHandler("TransferResource", applyTransferResource)
	registerHandler("TransferMaterial", applyTransferMaterial)
}

// RegisterAgentPayload registers a new Agent entity.
type RegisterAgentPayload struct {
	AgentID    string          `cbor:"agent_id"`
	LocationID string          `cbor:"location_id"`
	Position   types.Position  `cbor:"position"`
}

func applyRegisterAgent(w *World, s *State, a *types.Action, nowMs int64) ([]types.Event, *types.RejectReason) {
	var p RegisterAgentPayload
	if err := a.DecodePayload(&p); err != nil {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: err.Error()}
	}
	if p.AgentID == "" {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: "agent_id is required"}
	}
	if _, exists := s.Agents[p.AgentID]; exists {
		return nil, &types.RejectReason{Kind: types.RuleDenied, Notes: "agent already registered"}
	}
	if p.LocationID != "" {
		if _, ok := s.Locations[p.LocationID]; !ok {
			return nil, &types.RejectReason{Kind: types.AgentNotFound, Notes: "location_id does not reference a known location"}
		}
	}
	s.Agents[p.AgentID] = &types.Agent{
		ID: p.AgentID, LocationID: p.LocationID, Position: p.Position,
		Resources: make(types.ResourceStock),
	}
	return []types.Event{event(s, a.ActionID, "AgentRegistered", p)}, nil
}

// RegisterLocationPayload registers a new Location entity.
type RegisterLocationPayload struct {
	LocationID string         `cbor:"location_id"`
	Name       string         `cbor:"name"`
	Position   types.Position `cbor:"position"`
	RadiusCm   int64          `cbor:"radius_cm"`
	Profile    string         `cbor:"profile,omitempty"`
}

func applyRegisterLocation(w *World, s *State, a *types.Action, nowMs int64) ([]types.Event, *types.RejectReason) {
	var p RegisterLocationPayload
	if err := a.DecodePayload(&p); err != nil {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: err.Error()}
	}
	if p.LocationID == "" {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: "location_id is required"}
	}
	if _, exists := s.Locations[p.LocationID]; exists {
		return nil, &types.RejectReason{Kind: types.RuleDenied, Notes: "location already registered"}
	}
	s.Locations[p.LocationID] = &types.Location{
		ID: p.LocationID, Name: p.Name, Position: p.Position, RadiusCm: p.RadiusCm,
		Profile: p.Profile, Resources: make(types.ResourceStock),
	}
	return []types.Event{event(s, a.ActionID, "LocationRegistered", p)}, nil
}

// EndpointKind distinguishes the two resource-stock owners a transfer may
// move between.
type EndpointKind string

const (
	EndpointAgent    EndpointKind = "agent"
	EndpointLocation EndpointKind = "location"
)

// TransferResourcePayload moves ResourceKind stock between two endpoints.
type TransferResourcePayload struct {
	FromKind EndpointKind        `cbor:"from_kind"`
	FromID   string              `cbor:"from_id"`
	ToKind   EndpointKind        `cbor:"to_kind"`
	ToID     string              `cbor:"to_id"`
	Resource types.ResourceKind  `cbor:"resource"`
	Amount   int64               `cbor:"amount"`
}

func stockOf(s *State, kind EndpointKind, id string) (*types.ResourceStock, bool) {
	switch kind {
	case EndpointAgent:
		a, ok := s.Agents[id]
		if !ok {
			return nil, false
		}
		return &a.Resources, true
	case EndpointLocation:
		l, ok := s.Locations[id]
		if !ok {
			return nil, false
		}
		return &l.Resources, true
	default:
		return nil, false
	}
}

func applyTransferResource(w *World, s *State, a *types.Action, nowMs int64) ([]types.Event, *types.RejectReason) {
	var p TransferResourcePayload
	if err := a.DecodePayload(&p); err != nil {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: err.Error()}
	}
	if p.Amount <= 0 {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: "amount must be positive"}
	}
	from, ok := stockOf(s, p.FromKind, p.FromID)
	if !ok {
		return nil, &types.RejectReason{Kind: types.AgentNotFound, Notes: "from endpoint not found"}
	}
	to, ok := stockOf(s, p.ToKind, p.ToID)
	if !ok {
		return nil, &types.RejectReason{Kind: types.AgentNotFound, Notes: "to endpoint not found"}
	}
	if (*from)[p.Resource] < p.Amount {
		return nil, &types.RejectReason{Kind: types.ResourceBalanceInvalid, Notes: "insufficient balance"}
	}
	// Overflow guard on the destination before mutating anything.
	if (*to)[p.Resource]+p.Amount < (*to)[p.Resource] {
		return nil, &types.RejectReason{Kind: types.ResourceBalanceInvalid, Notes: "destination balance would overflow"}
	}
	(*from)[p.Resource] -= p.Amount
	(*to)[p.Resource] += p.Amount
	return []types.Event{event(s, a.ActionID, "ResourceTransferred", p)}, nil
}

// TransferMaterialPayload moves a material balance between two ledgers
// (the reserved "world" ledger, or an agent/location ledger id) atomically.
type TransferMaterialPayload struct {
	FromLedgerID string `cbor:"from_ledger_id"`
	ToLedgerID   string `cbor:"to_ledger_id"`
	MaterialKind string `cbor:"material_kind"`
	Amount       uint64 `cbor:"amount"`
}

// adjustLedgerBalance mutates ledger[kind] by delta (which may be negative),
// rejecting any mutation that would drive the balance below zero — the
// two-sided, atomic guarantee §3/§4.1 require of material ledger transfers.
func adjustLedgerBalance(m types.MaterialLedger, ledgerID, kind string, delta int64) bool {
	bal := m.Balance(ledgerID, kind)
	next := int64(bal) + delta
	if next < 0 {
		return false
	}
	if _, ok := m[ledgerID]; !ok {
		m[ledgerID] = make(map[string]uint64)
	}
	m[ledgerID][kind] = uint64(next)
	return true
}

func applyTransferMaterial(w *World, s *State, a *types.Action, nowMs int64) ([]types.Event, *types.RejectReason) {
	var p TransferMaterialPayload
	if err := a.DecodePayload(&p); err != nil {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: err.Error()}
	}
	if p.Amount == 0 {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: "amount must be positive"}
	}
	// Check the source balance first; if crediting the destination fails
	// after the debit, the debit is reverted so neither side changes.
	before := s.Materials.Balance(p.FromLedgerID, p.MaterialKind)
	if before < p.Amount {
		return nil, &types.RejectReason{Kind: types.ResourceBalanceInvalid, Notes: "insufficient material balance"}
	}
	if !adjustLedgerBalance(s.Materials, p.FromLedgerID, p.MaterialKind, -int64(p.Amount)) {
		return nil, &types.RejectReason{Kind: types.ResourceBalanceInvalid, Notes: "from ledger would go negative"}
	}
	if !adjustLedgerBalance(s.Materials, p.ToLedgerID, p.MaterialKind, int64(p.Amount)) {
		// Revert the first half; this branch should be unreachable since
		// amounts are non-negative and additive, but kept for defense
		// against a future overflow guard change.
		adjustLedgerBalance(s.Materials, p.FromLedgerID, p.MaterialKind, int64(p.Amount))
		return nil, &types.RejectReason{Kind: types.ResourceBalanceInvalid, Notes: "to ledger adjustment failed"}
	}
	return []types.Event{event(s, a.ActionID, "MaterialTransferred", p)}, nil
}
