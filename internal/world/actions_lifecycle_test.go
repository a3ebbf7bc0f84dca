package world

import (
	"testing"

	"agent-world/internal/world/types"
)

func registerLocation(t *testing.T, w *World, id string) {
	t.Helper()
	events := w.Apply(mustAction(t, "regloc-"+id, "system", "RegisterLocation", RegisterLocationPayload{
		LocationID: id, Name: id,
	}), 1)
	if len(events) != 1 || events[0].Kind != "LocationRegistered" {
		t.Fatalf("expected location %s to register cleanly, got %+v", id, events)
	}
}

func TestMoveAgentUpdatesPositionAndLocation(t *testing.T) {
	w := newTestWorld(t)
	registerAgent(t, w, "agent-1")
	registerLocation(t, w, "market")

	events := w.Apply(mustAction(t, "move-1", "agent-1", "MoveAgent", MoveAgentPayload{
		AgentID: "agent-1", LocationID: "market", Position: types.Position{XCm: 100, YCm: 200},
	}), 1)
	if len(events) != 1 || events[0].Kind != "AgentMoved" {
		t.Fatalf("expected AgentMoved, got %+v", events)
	}
	agent := w.State.Agents["agent-1"]
	if agent.LocationID != "market" || agent.Position.XCm != 100 {
		t.Fatalf("move not applied: %+v", agent)
	}

	events = w.Apply(mustAction(t, "move-2", "agent-1", "MoveAgent", MoveAgentPayload{
		AgentID: "agent-1", LocationID: "nowhere",
	}), 1)
	if len(events) != 1 || events[0].Kind != "ActionRejected" {
		t.Fatalf("expected move to unknown location to be rejected, got %+v", events)
	}
}

func TestSetAgentOwnerRequiresCurrentOwner(t *testing.T) {
	w := newTestWorld(t)
	registerAgent(t, w, "agent-1")

	events := w.Apply(mustAction(t, "own-1", "player:alice", "SetAgentOwner", SetAgentOwnerPayload{
		AgentID: "agent-1", OwnerAccountID: "player:alice",
	}), 1)
	if len(events) != 1 || events[0].Kind != "AgentOwnerSet" {
		t.Fatalf("expected AgentOwnerSet, got %+v", events)
	}

	events = w.Apply(mustAction(t, "own-2", "player:mallory", "SetAgentOwner", SetAgentOwnerPayload{
		AgentID: "agent-1", OwnerAccountID: "player:mallory",
	}), 1)
	if len(events) != 1 || events[0].Kind != "ActionRejected" {
		t.Fatalf("expected takeover by non-owner to be rejected, got %+v", events)
	}
	if w.State.Agents["agent-1"].OwnerAccountID != "player:alice" {
		t.Fatalf("ownership must be unchanged after rejection")
	}
}

func TestDestroyAgentFoldsBalancesAndGuardsContracts(t *testing.T) {
	w := newTestWorld(t)
	registerAgent(t, w, "agent-1")
	registerAgent(t, w, "agent-2")
	registerLocation(t, w, "home")
	w.Apply(mustAction(t, "move-1", "agent-1", "MoveAgent", MoveAgentPayload{AgentID: "agent-1", LocationID: "home"}), 1)
	w.State.Agents["agent-1"].Resources[types.Data] = 7
	w.State.Materials["agent-1"] = map[string]uint64{"steel": 3}

	w.Apply(mustAction(t, "open-1", "agent-1", "OpenContract", OpenContractPayload{
		ContractID: "c1", CreatorAgentID: "agent-1", CounterpartyID: "agent-2",
		SettlementKind: types.Data, SettlementAmount: 1,
	}), 1)
	events := w.Apply(mustAction(t, "destroy-1", "agent-1", "DestroyAgent", DestroyAgentPayload{AgentID: "agent-1"}), 1)
	if len(events) != 1 || events[0].Kind != "ActionRejected" {
		t.Fatalf("expected destroy with open contract to be rejected, got %+v", events)
	}

	w.Apply(mustAction(t, "cancel-1", "agent-1", "CancelContract", CancelContractPayload{ContractID: "c1"}), 1)
	events = w.Apply(mustAction(t, "destroy-2", "agent-1", "DestroyAgent", DestroyAgentPayload{AgentID: "agent-1"}), 1)
	if len(events) != 1 || events[0].Kind != "AgentDestroyed" {
		t.Fatalf("expected AgentDestroyed, got %+v", events)
	}
	if _, exists := w.State.Agents["agent-1"]; exists {
		t.Fatalf("agent must be removed")
	}
	if w.State.Locations["home"].Resources[types.Data] != 7 {
		t.Fatalf("agent resources must fold into its location")
	}
	if w.State.Materials.Balance(types.WorldLedgerID, "steel") != 3 {
		t.Fatalf("agent materials must fold into the world ledger")
	}
}

func TestDestroyLocationRejectsWhileHostingAgents(t *testing.T) {
	w := newTestWorld(t)
	registerLocation(t, w, "home")
	registerAgent(t, w, "agent-1")
	w.Apply(mustAction(t, "move-1", "agent-1", "MoveAgent", MoveAgentPayload{AgentID: "agent-1", LocationID: "home"}), 1)

	events := w.Apply(mustAction(t, "dloc-1", "system", "DestroyLocation", DestroyLocationPayload{LocationID: "home"}), 1)
	if len(events) != 1 || events[0].Kind != "ActionRejected" {
		t.Fatalf("expected destroy of occupied location to be rejected, got %+v", events)
	}

	w.Apply(mustAction(t, "destroy-agent", "agent-1", "DestroyAgent", DestroyAgentPayload{AgentID: "agent-1"}), 1)
	events = w.Apply(mustAction(t, "dloc-2", "system", "DestroyLocation", DestroyLocationPayload{LocationID: "home"}), 1)
	if len(events) != 1 || events[0].Kind != "LocationDestroyed" {
		t.Fatalf("expected LocationDestroyed, got %+v", events)
	}
}

func TestDepositAndWithdrawMaterialRoundTrip(t *testing.T) {
	w := newTestWorld(t)
	w.State.Materials["agent-1"] = map[string]uint64{"silicon": 10}

	events := w.Apply(mustAction(t, "dep-1", "agent-1", "DepositMaterial", DepositMaterialPayload{
		FromLedgerID: "agent-1", MaterialKind: "silicon", Amount: 4,
	}), 1)
	if len(events) != 1 || events[0].Kind != "MaterialDeposited" {
		t.Fatalf("expected MaterialDeposited, got %+v", events)
	}
	if w.State.Materials.Balance(types.WorldLedgerID, "silicon") != 4 || w.State.Materials.Balance("agent-1", "silicon") != 6 {
		t.Fatalf("deposit balances wrong: %+v", w.State.Materials)
	}

	events = w.Apply(mustAction(t, "wd-1", "agent-2", "WithdrawMaterial", WithdrawMaterialPayload{
		ToLedgerID: "agent-2", MaterialKind: "silicon", Amount: 3,
	}), 1)
	if len(events) != 1 || events[0].Kind != "MaterialWithdrawn" {
		t.Fatalf("expected MaterialWithdrawn, got %+v", events)
	}
	if w.State.Materials.Balance(types.WorldLedgerID, "silicon") != 1 || w.State.Materials.Balance("agent-2", "silicon") != 3 {
		t.Fatalf("withdraw balances wrong: %+v", w.State.Materials)
	}

	events = w.Apply(mustAction(t, "wd-2", "agent-2", "WithdrawMaterial", WithdrawMaterialPayload{
		ToLedgerID: "agent-2", MaterialKind: "silicon", Amount: 100,
	}), 1)
	if len(events) != 1 || events[0].Kind != "ActionRejected" {
		t.Fatalf("expected over-withdrawal to be rejected, got %+v", events)
	}
}

func TestExpireContractRespectsExpiryTick(t *testing.T) {
	w := newTestWorld(t)
	registerAgent(t, w, "agent-1")
	registerAgent(t, w, "agent-2")
	w.Apply(mustAction(t, "open-1", "agent-1", "OpenContract", OpenContractPayload{
		ContractID: "c1", CreatorAgentID: "agent-1", CounterpartyID: "agent-2",
		SettlementKind: types.Data, SettlementAmount: 1, ExpiryTick: 10,
	}), 1)

	events := w.Apply(mustAction(t, "exp-1", "agent-2", "ExpireContract", ExpireContractPayload{ContractID: "c1"}), 1)
	if len(events) != 1 || events[0].Kind != "ActionRejected" {
		t.Fatalf("expected pre-expiry expire to be rejected, got %+v", events)
	}

	w.State.Tick = 10
	events = w.Apply(mustAction(t, "exp-2", "agent-2", "ExpireContract", ExpireContractPayload{ContractID: "c1"}), 1)
	if len(events) != 1 || events[0].Kind != "ContractExpired" {
		t.Fatalf("expected ContractExpired, got %+v", events)
	}
	if w.State.Contracts["c1"].Status != types.ContractExpired {
		t.Fatalf("contract status must be Expired")
	}
}
