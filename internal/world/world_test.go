package world

import (
	"testing"

	"agent-world/internal/modhost"
	"agent-world/internal/nodeid"
	"agent-world/internal/world/types"
)

func newTestWorld(t *testing.T) *World {
	t.Helper()
	sandbox := modhost.NewLocalSandbox()
	host := modhost.NewHost(sandbox, 8, modhost.ResourceLimits{
		MemoryBytes: 1 << 20, Gas: 1000, CallRate: 10, OutputBytes: 1 << 16, Effects: 8, Emits: 8,
	})
	nodes := nodeid.NewDirectory()
	return New("test-world", host, nodes)
}

func mustAction(t *testing.T, id, actor, kind string, payload interface{}) *types.Action {
	t.Helper()
	a := &types.Action{ActionID: id, ActorID: actor, Kind: kind, SubmittedAtMs: 1}
	if err := a.EncodePayload(payload); err != nil {
		t.Fatalf("encode payload for %s: %v", id, err)
	}
	return a
}

func registerAgent(t *testing.T, w *World, id string) {
	t.Helper()
	events := w.Apply(mustAction(t, "reg-"+id, id, "RegisterAgent", RegisterAgentPayload{AgentID: id}), 1)
	if len(events) != 1 || events[0].Kind != "AgentRegistered" {
		t.Fatalf("expected agent %s to register cleanly, got %+v", id, events)
	}
}

func TestApplyUnknownActionKindRejects(t *testing.T) {
	w := newTestWorld(t)
	before := w.State
	events := w.Apply(&types.Action{ActionID: "a1", Kind: "NoSuchKind"}, 1)
	if len(events) != 1 || events[0].Kind != "ActionRejected" {
		t.Fatalf("expected a single ActionRejected event, got %+v", events)
	}
	if w.State != before {
		t.Fatalf("state pointer should be unchanged on rejection")
	}
}

func TestRegisterAgentAndDuplicateRejected(t *testing.T) {
	w := newTestWorld(t)
	registerAgent(t, w, "agent-1")
	if _, ok := w.State.Agents["agent-1"]; !ok {
		t.Fatalf("expected agent-1 to be registered")
	}
	events := w.Apply(mustAction(t, "reg-dup", "agent-1", "RegisterAgent", RegisterAgentPayload{AgentID: "agent-1"}), 1)
	if len(events) != 1 || events[0].Kind != "ActionRejected" {
		t.Fatalf("expected duplicate registration to be rejected, got %+v", events)
	}
}

func TestTransferResourceAtomicRollbackOnInsufficientBalance(t *testing.T) {
	w := newTestWorld(t)
	registerAgent(t, w, "agent-1")
	registerAgent(t, w, "agent-2")

	stateBefore := w.State.Clone()
	events := w.Apply(mustAction(t, "xfer-1", "agent-1", "TransferResource", TransferResourcePayload{
		FromKind: EndpointAgent, FromID: "agent-1", ToKind: EndpointAgent, ToID: "agent-2",
		Resource: types.Electricity, Amount: 10,
	}), 1)
	if len(events) != 1 || events[0].Kind != "ActionRejected" {
		t.Fatalf("expected insufficient-balance transfer to be rejected, got %+v", events)
	}
	if w.State.Agents["agent-1"].Resources[types.Electricity] != stateBefore.Agents["agent-1"].Resources[types.Electricity] {
		t.Fatalf("state must be unchanged after a rejected action")
	}
}

func TestTransferResourceSuccess(t *testing.T) {
	w := newTestWorld(t)
	registerAgent(t, w, "agent-1")
	registerAgent(t, w, "agent-2")
	w.State.Agents["agent-1"].Resources[types.Electricity] = 100

	events := w.Apply(mustAction(t, "xfer-1", "agent-1", "TransferResource", TransferResourcePayload{
		FromKind: EndpointAgent, FromID: "agent-1", ToKind: EndpointAgent, ToID: "agent-2",
		Resource: types.Electricity, Amount: 40,
	}), 1)
	if len(events) != 1 || events[0].Kind != "ResourceTransferred" {
		t.Fatalf("expected ResourceTransferred event, got %+v", events)
	}
	if w.State.Agents["agent-1"].Resources[types.Electricity] != 60 {
		t.Fatalf("expected sender balance 60, got %d", w.State.Agents["agent-1"].Resources[types.Electricity])
	}
	if w.State.Agents["agent-2"].Resources[types.Electricity] != 40 {
		t.Fatalf("expected receiver balance 40, got %d", w.State.Agents["agent-2"].Resources[types.Electricity])
	}
}

func TestEconomicContractFullLifecycle(t *testing.T) {
	w := newTestWorld(t)
	registerAgent(t, w, "creator")
	registerAgent(t, w, "counterparty")
	w.State.Agents["counterparty"].Resources[types.Data] = 1000

	open := mustAction(t, "open-1", "creator", "OpenContract", OpenContractPayload{
		ContractID: "c1", CreatorAgentID: "creator", CounterpartyID: "counterparty",
		SettlementKind: types.Data, SettlementAmount: 500, ReputationStake: 20,
	})
	events := w.Apply(open, 1)
	if len(events) != 1 || events[0].Kind != "ContractOpened" {
		t.Fatalf("expected ContractOpened, got %+v", events)
	}

	accept := mustAction(t, "accept-1", "counterparty", "AcceptContract", AcceptContractPayload{ContractID: "c1"})
	events = w.Apply(accept, 1)
	if len(events) != 1 || events[0].Kind != "ContractAccepted" {
		t.Fatalf("expected ContractAccepted, got %+v", events)
	}

	settle := mustAction(t, "settle-1", "creator", "SettleContract", SettleContractPayload{ContractID: "c1"})
	events = w.Apply(settle, 1)
	if len(events) != 1 || events[0].Kind != "ContractSettled" {
		t.Fatalf("expected ContractSettled, got %+v", events)
	}

	if w.State.Agents["counterparty"].Resources[types.Data] != 500 {
		t.Fatalf("expected counterparty to have paid out 500, got %d", w.State.Agents["counterparty"].Resources[types.Data])
	}
	if w.State.Agents["creator"].Resources[types.Data] != 500 {
		t.Fatalf("expected creator to receive the full 500 (no tax configured), got %d", w.State.Agents["creator"].Resources[types.Data])
	}
	if w.State.Agents["creator"].ReputationScore != 20 {
		t.Fatalf("expected creator reputation reward of 20, got %d", w.State.Agents["creator"].ReputationScore)
	}
	if w.State.Contracts["c1"].Status != types.ContractSettled {
		t.Fatalf("expected contract status Settled, got %s", w.State.Contracts["c1"].Status)
	}
}

func TestSettleContractAppliesTax(t *testing.T) {
	w := newTestWorld(t)
	registerAgent(t, w, "creator")
	registerAgent(t, w, "counterparty")
	w.State.Agents["counterparty"].Resources[types.Data] = 1000
	w.State.Manifest.Params = map[string]string{"contract.tax_bps": "1000"} // 10%

	w.Apply(mustAction(t, "open-1", "creator", "OpenContract", OpenContractPayload{
		ContractID: "c1", CreatorAgentID: "creator", CounterpartyID: "counterparty",
		SettlementKind: types.Data, SettlementAmount: 500,
	}), 1)
	w.Apply(mustAction(t, "accept-1", "counterparty", "AcceptContract", AcceptContractPayload{ContractID: "c1"}), 1)
	events := w.Apply(mustAction(t, "settle-1", "creator", "SettleContract", SettleContractPayload{ContractID: "c1"}), 1)
	if len(events) != 1 || events[0].Kind != "ContractSettled" {
		t.Fatalf("expected ContractSettled, got %+v", events)
	}
	if w.State.Agents["creator"].Resources[types.Data] != 450 {
		t.Fatalf("expected creator to net 450 after 10%% tax, got %d", w.State.Agents["creator"].Resources[types.Data])
	}
	if w.State.MainToken.Treasury[types.BucketGasFee] != 50 {
		t.Fatalf("expected 50 to land in the gas-fee treasury bucket, got %d", w.State.MainToken.Treasury[types.BucketGasFee])
	}
}

func TestReputationRewardRespectsWindowCap(t *testing.T) {
	agent := &types.Agent{ID: "a", ReputationWindow: []int64{90}}
	reward := reputationReward(agent, 50)
	if reward != 10 {
		t.Fatalf("expected reward capped to remaining window (100-90=10), got %d", reward)
	}
}

func TestReputationRewardRespectsStakeBelowCap(t *testing.T) {
	agent := &types.Agent{ID: "a"}
	reward := reputationReward(agent, 5)
	if reward != 5 {
		t.Fatalf("expected reward to equal the (uncapped) stake of 5, got %d", reward)
	}
}

func TestStateCloneIsIndependent(t *testing.T) {
	w := newTestWorld(t)
	registerAgent(t, w, "agent-1")
	clone := w.State.Clone()
	clone.Agents["agent-1"].Resources[types.Electricity] = 999
	if w.State.Agents["agent-1"].Resources[types.Electricity] == 999 {
		t.Fatalf("mutating a clone must not affect the original state")
	}
}

func TestSettleContractPairCooldownExpiresWithTicks(t *testing.T) {
	w := newTestWorld(t)
	registerAgent(t, w, "creator")
	registerAgent(t, w, "counterparty")
	w.State.Agents["counterparty"].Resources[types.Data] = 1000
	w.State.Manifest.Params = map[string]string{"contract.pair_cooldown_ticks": "5"}

	openAndAccept := func(contractID string) {
		t.Helper()
		events := w.Apply(mustAction(t, "open-"+contractID, "creator", "OpenContract", OpenContractPayload{
			ContractID: contractID, CreatorAgentID: "creator", CounterpartyID: "counterparty",
			SettlementKind: types.Data, SettlementAmount: 100,
		}), 1)
		if len(events) != 1 || events[0].Kind != "ContractOpened" {
			t.Fatalf("expected ContractOpened for %s, got %+v", contractID, events)
		}
		events = w.Apply(mustAction(t, "accept-"+contractID, "counterparty", "AcceptContract", AcceptContractPayload{ContractID: contractID}), 1)
		if len(events) != 1 || events[0].Kind != "ContractAccepted" {
			t.Fatalf("expected ContractAccepted for %s, got %+v", contractID, events)
		}
	}

	w.State.Tick = 10
	openAndAccept("c1")
	events := w.Apply(mustAction(t, "settle-c1", "creator", "SettleContract", SettleContractPayload{ContractID: "c1"}), 1)
	if len(events) != 1 || events[0].Kind != "ContractSettled" {
		t.Fatalf("expected first settlement to succeed, got %+v", events)
	}

	// Same pair inside the cooldown window rejects without mutating.
	openAndAccept("c2")
	w.State.Tick = 14
	events = w.Apply(mustAction(t, "settle-c2-early", "creator", "SettleContract", SettleContractPayload{ContractID: "c2"}), 1)
	if len(events) != 1 || events[0].Kind != "ActionRejected" {
		t.Fatalf("expected in-cooldown settlement to be rejected, got %+v", events)
	}
	if w.State.Contracts["c2"].Status != types.ContractAccepted {
		t.Fatalf("rejected settlement must not change contract status, got %s", w.State.Contracts["c2"].Status)
	}

	// Once the cooldown's ticks have elapsed, the same pair settles again.
	w.State.Tick = 15
	events = w.Apply(mustAction(t, "settle-c2", "creator", "SettleContract", SettleContractPayload{ContractID: "c2"}), 1)
	if len(events) != 1 || events[0].Kind != "ContractSettled" {
		t.Fatalf("expected post-cooldown settlement to succeed, got %+v", events)
	}
}
