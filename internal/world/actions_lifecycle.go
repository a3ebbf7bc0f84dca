package world

import (
	"agent-world/internal/world/types"
)

func init() {
	registerHandler("MoveAgent", applyMoveAgent)
	registerHandler("SetAgentOwner", applySetAgentOwner)
	registerHandler("DestroyAgent", applyDestroyAgent)
	registerHandler("DestroyLocation", applyDestroyLocation)
	registerHandler("DepositMaterial", applyDepositMaterial)
	registerHandler("WithdrawMaterial", applyWithdrawMaterial)
}

// MoveAgentPayload relocates an agent to a new position and, optionally, a
// new location.
type MoveAgentPayload struct {
	AgentID    string         `cbor:"agent_id"`
	LocationID string         `cbor:"location_id,omitempty"`
	Position   types.Position `cbor:"position"`
}

func applyMoveAgent(w *World, s *State, a *types.Action, nowMs int64) ([]types.Event, *types.RejectReason) {
	var p MoveAgentPayload
	if err := a.DecodePayload(&p); err != nil {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: err.Error()}
	}
	agent, ok := s.Agents[p.AgentID]
	if !ok {
		return nil, &types.RejectReason{Kind: types.AgentNotFound, Notes: "agent not found"}
	}
	if p.LocationID != "" {
		if _, ok := s.Locations[p.LocationID]; !ok {
			return nil, &types.RejectReason{Kind: types.AgentNotFound, Notes: "location_id does not reference a known location"}
		}
		agent.LocationID = p.LocationID
	}
	agent.Position = p.Position
	return []types.Event{event(s, a.ActionID, "AgentMoved", p)}, nil
}

// SetAgentOwnerPayload claims or transfers an agent's ownership flag. A
// claimed agent can only be re-assigned by its current owner.
type SetAgentOwnerPayload struct {
	AgentID        string `cbor:"agent_id"`
	OwnerAccountID string `cbor:"owner_account_id"`
}

func applySetAgentOwner(w *World, s *State, a *types.Action, nowMs int64) ([]types.Event, *types.RejectReason) {
	var p SetAgentOwnerPayload
	if err := a.DecodePayload(&p); err != nil {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: err.Error()}
	}
	if p.OwnerAccountID == "" {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: "owner_account_id is required"}
	}
	agent, ok := s.Agents[p.AgentID]
	if !ok {
		return nil, &types.RejectReason{Kind: types.AgentNotFound, Notes: "agent not found"}
	}
	if agent.OwnerAccountID != "" && agent.OwnerAccountID != a.ActorID {
		return nil, &types.RejectReason{Kind: types.RuleDenied, Notes: "agent is owned by another account"}
	}
	agent.OwnerAccountID = p.OwnerAccountID
	return []types.Event{event(s, a.ActionID, "AgentOwnerSet", p)}, nil
}

// DestroyAgentPayload removes an agent. Its resource stock folds into its
// current location, or is dropped when that location does not exist; its
// material ledger balances fold into the shared world ledger.
type DestroyAgentPayload struct {
	AgentID string `cbor:"agent_id"`
}

func applyDestroyAgent(w *World, s *State, a *types.Action, nowMs int64) ([]types.Event, *types.RejectReason) {
	var p DestroyAgentPayload
	if err := a.DecodePayload(&p); err != nil {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: err.Error()}
	}
	agent, ok := s.Agents[p.AgentID]
	if !ok {
		return nil, &types.RejectReason{Kind: types.AgentNotFound, Notes: "agent not found"}
	}
	for _, c := range s.Contracts {
		if c.Status != types.ContractOpen && c.Status != types.ContractAccepted {
			continue
		}
		if c.CreatorAgentID == p.AgentID || c.CounterpartyID == p.AgentID {
			return nil, &types.RejectReason{Kind: types.RuleDenied, Notes: "agent is party to an unsettled contract"}
		}
	}
	if loc, ok := s.Locations[agent.LocationID]; ok {
		for kind, amount := range agent.Resources {
			if loc.Resources[kind]+amount < loc.Resources[kind] {
				return nil, &types.RejectReason{Kind: types.ResourceBalanceInvalid, Notes: "location stock would overflow absorbing agent resources"}
			}
		}
		for kind, amount := range agent.Resources {
			loc.Resources[kind] += amount
		}
	}
	if balances, ok := s.Materials[p.AgentID]; ok {
		for kind, amount := range balances {
			if !adjustLedgerBalance(s.Materials, types.WorldLedgerID, kind, int64(amount)) {
				return nil, &types.RejectReason{Kind: types.ResourceBalanceInvalid, Notes: "world ledger would overflow absorbing agent materials"}
			}
		}
		delete(s.Materials, p.AgentID)
	}
	delete(s.Agents, p.AgentID)
	return []types.Event{event(s, a.ActionID, "AgentDestroyed", p)}, nil
}

// DestroyLocationPayload removes a location no agent currently references.
type DestroyLocationPayload struct {
	LocationID string `cbor:"location_id"`
}

func applyDestroyLocation(w *World, s *State, a *types.Action, nowMs int64) ([]types.Event, *types.RejectReason) {
	var p DestroyLocationPayload
	if err := a.DecodePayload(&p); err != nil {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: err.Error()}
	}
	if _, ok := s.Locations[p.LocationID]; !ok {
		return nil, &types.RejectReason{Kind: types.AgentNotFound, Notes: "location not found"}
	}
	for _, agent := range s.Agents {
		if agent.LocationID == p.LocationID {
			return nil, &types.RejectReason{Kind: types.RuleDenied, Notes: "location still hosts agents"}
		}
	}
	if balances, ok := s.Materials[p.LocationID]; ok {
		for kind, amount := range balances {
			if !adjustLedgerBalance(s.Materials, types.WorldLedgerID, kind, int64(amount)) {
				return nil, &types.RejectReason{Kind: types.ResourceBalanceInvalid, Notes: "world ledger would overflow absorbing location materials"}
			}
		}
		delete(s.Materials, p.LocationID)
	}
	delete(s.Locations, p.LocationID)
	return []types.Event{event(s, a.ActionID, "LocationDestroyed", p)}, nil
}

// DepositMaterialPayload moves a material balance from a per-agent or
// per-location ledger into the shared world pool.
type DepositMaterialPayload struct {
	FromLedgerID string `cbor:"from_ledger_id"`
	MaterialKind string `cbor:"material_kind"`
	Amount       uint64 `cbor:"amount"`
}

func applyDepositMaterial(w *World, s *State, a *types.Action, nowMs int64) ([]types.Event, *types.RejectReason) {
	var p DepositMaterialPayload
	if err := a.DecodePayload(&p); err != nil {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: err.Error()}
	}
	if p.Amount == 0 {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: "amount must be positive"}
	}
	if p.FromLedgerID == types.WorldLedgerID {
		return nil, &types.RejectReason{Kind: types.RuleDenied, Notes: "cannot deposit from the world ledger into itself"}
	}
	if s.Materials.Balance(p.FromLedgerID, p.MaterialKind) < p.Amount {
		return nil, &types.RejectReason{Kind: types.ResourceBalanceInvalid, Notes: "insufficient material balance"}
	}
	if !adjustLedgerBalance(s.Materials, p.FromLedgerID, p.MaterialKind, -int64(p.Amount)) {
		return nil, &types.RejectReason{Kind: types.ResourceBalanceInvalid, Notes: "from ledger would go negative"}
	}
	if !adjustLedgerBalance(s.Materials, types.WorldLedgerID, p.MaterialKind, int64(p.Amount)) {
		adjustLedgerBalance(s.Materials, p.FromLedgerID, p.MaterialKind, int64(p.Amount))
		return nil, &types.RejectReason{Kind: types.ResourceBalanceInvalid, Notes: "world ledger adjustment failed"}
	}
	return []types.Event{event(s, a.ActionID, "MaterialDeposited", p)}, nil
}

// WithdrawMaterialPayload moves a material balance from the shared world
// pool into a per-agent or per-location ledger.
type WithdrawMaterialPayload struct {
	ToLedgerID   string `cbor:"to_ledger_id"`
	MaterialKind string `cbor:"material_kind"`
	Amount       uint64 `cbor:"amount"`
}

func applyWithdrawMaterial(w *World, s *State, a *types.Action, nowMs int64) ([]types.Event, *types.RejectReason) {
	var p WithdrawMaterialPayload
	if err := a.DecodePayload(&p); err != nil {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: err.Error()}
	}
	if p.Amount == 0 {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: "amount must be positive"}
	}
	if p.ToLedgerID == types.WorldLedgerID {
		return nil, &types.RejectReason{Kind: types.RuleDenied, Notes: "cannot withdraw from the world ledger into itself"}
	}
	if s.Materials.Balance(types.WorldLedgerID, p.MaterialKind) < p.Amount {
		return nil, &types.RejectReason{Kind: types.ResourceBalanceInvalid, Notes: "insufficient world ledger balance"}
	}
	if !adjustLedgerBalance(s.Materials, types.WorldLedgerID, p.MaterialKind, -int64(p.Amount)) {
		return nil, &types.RejectReason{Kind: types.ResourceBalanceInvalid, Notes: "world ledger would go negative"}
	}
	if !adjustLedgerBalance(s.Materials, p.ToLedgerID, p.MaterialKind, int64(p.Amount)) {
		adjustLedgerBalance(s.Materials, types.WorldLedgerID, p.MaterialKind, int64(p.Amount))
		return nil, &types.RejectReason{Kind: types.ResourceBalanceInvalid, Notes: "to ledger adjustment failed"}
	}
	return []types.Event{event(s, a.ActionID, "MaterialWithdrawn", p)}, nil
}
