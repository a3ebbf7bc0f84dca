package runtime

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"agent-world/internal/cas"
	"agent-world/internal/codec"
	"agent-world/internal/crypto"
	"agent-world/internal/gossip"
	"agent-world/internal/mempool"
	"agent-world/internal/modhost"
	"agent-world/internal/nodeid"
	"agent-world/internal/replication"
	"agent-world/internal/world"
	"agent-world/internal/world/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRuntime(t *testing.T, sb *modhost.LocalSandbox) *Runtime {
	t.Helper()
	host := modhost.NewHost(sb, 8, modhost.ResourceLimits{MemoryBytes: 1 << 20, Gas: 1000, CallRate: 100, OutputBytes: 1 << 16, Effects: 8, Emits: 8})
	w := world.New("world-1", host, nodeid.NewDirectory())
	mp := mempool.New(mempool.Limits{MaxSize: 100, MaxPerActor: 10})
	return New(w, mp, gossip.NewLocalBus(), nil, discardLogger(), 0, 10)
}

func registerAgentAction(t *testing.T, actionID, agentID string) *types.Action {
	t.Helper()
	a := &types.Action{ActionID: actionID, ActorID: "tester", Kind: "RegisterAgent"}
	payload, err := codec.MarshalCanonical(map[string]interface{}{"agent_id": agentID})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	a.Payload = payload
	return a
}

func TestRunTickAppliesActionWithPostActionEmittingModule(t *testing.T) {
	sb := modhost.NewLocalSandbox()
	sb.Register("watcher", "wasm-1", "on_register", func(ctx context.Context, input []byte) (*modhost.ModuleOutput, *modhost.ModuleCallFailure) {
		return &modhost.ModuleOutput{Emits: []modhost.Emit{{Kind: "AgentWatched", Payload: []byte("watched")}}}, nil
	})
	rt := newTestRuntime(t, sb)

	cs := modhost.ChangeSet{Changes: []modhost.Change{
		{Kind: modhost.ChangeInstall, Manifest: &modhost.Manifest{
			ModuleID: "watcher", Version: "v1", WasmHash: "wasm-1",
			Subscriptions: []modhost.Subscription{{Stage: modhost.StagePostAction, Patterns: []string{"RegisterAgent"}, Entrypoint: "on_register"}},
		}},
		{Kind: modhost.ChangeActivate, ModuleID: "watcher", Version: "v1"},
	}}
	if err := rt.World.ModHost.InstallFromChangeSet(cs); err != nil {
		t.Fatalf("install module: %v", err)
	}

	if err := rt.Submit(registerAgentAction(t, "a1", "agent-1")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	rt.runTick(context.Background(), 1000)

	if _, ok := rt.World.State.Agents["agent-1"]; !ok {
		t.Fatalf("expected agent-1 to be registered after the tick")
	}
}

func TestRunTickResubmitsModuleEffectForNextTick(t *testing.T) {
	sb := modhost.NewLocalSandbox()
	sb.Register("spawner", "wasm-1", "on_register", func(ctx context.Context, input []byte) (*modhost.ModuleOutput, *modhost.ModuleCallFailure) {
		payload, _ := codec.MarshalCanonical(map[string]interface{}{"agent_id": "agent-2"})
		return &modhost.ModuleOutput{Effects: []modhost.Effect{{ActionKind: "RegisterAgent", Payload: payload}}}, nil
	})
	rt := newTestRuntime(t, sb)

	cs := modhost.ChangeSet{Changes: []modhost.Change{
		{Kind: modhost.ChangeInstall, Manifest: &modhost.Manifest{
			ModuleID: "spawner", Version: "v1", WasmHash: "wasm-1",
			Subscriptions: []modhost.Subscription{{Stage: modhost.StagePostAction, Patterns: []string{"RegisterAgent"}, Entrypoint: "on_register"}},
		}},
		{Kind: modhost.ChangeActivate, ModuleID: "spawner", Version: "v1"},
	}}
	if err := rt.World.ModHost.InstallFromChangeSet(cs); err != nil {
		t.Fatalf("install module: %v", err)
	}

	if err := rt.Submit(registerAgentAction(t, "a1", "agent-1")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	rt.runTick(context.Background(), 1000)
	if _, ok := rt.World.State.Agents["agent-2"]; ok {
		t.Fatalf("expected the module's effect to be queued for the next tick, not applied within the same tick")
	}
	if rt.Mempool.Len() != 1 {
		t.Fatalf("expected the module effect to be resubmitted into the mempool, got %d pending", rt.Mempool.Len())
	}

	rt.runTick(context.Background(), 1001)
	if _, ok := rt.World.State.Agents["agent-2"]; !ok {
		t.Fatalf("expected agent-2 to be registered once the queued effect's tick runs")
	}
}

func TestRunTickCommitsHeightAsSoleValidator(t *testing.T) {
	rt := newTestRuntime(t, modhost.NewLocalSandbox())

	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	identity := nodeid.New("validator-1", keys)
	rt.World.Nodes.Bind(identity.NodeID, identity.PublicKeyHex())
	commits := replication.NewCommitStore()

	rt.ConfigureConsensus(identity, map[string]uint64{identity.NodeID: 1}, 1, 1, commits, nil, nil)

	if err := rt.Submit(registerAgentAction(t, "a1", "agent-1")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	rt.runTick(context.Background(), 1000)

	if rt.World.State.Height != 1 {
		t.Fatalf("expected height 1 after the sole validator's tick, got %d", rt.World.State.Height)
	}
	env, ok := commits.Get(1)
	if !ok {
		t.Fatalf("expected a commit envelope stored at height 1")
	}
	if len(env.Attestations) != 1 || env.Attestations[0].SignerNodeID != identity.NodeID {
		t.Fatalf("expected exactly one self-attestation from %s, got %+v", identity.NodeID, env.Attestations)
	}

	rt.runTick(context.Background(), 1001)
	if rt.World.State.Height != 2 {
		t.Fatalf("expected height 2 after a second tick, got %d", rt.World.State.Height)
	}
	if env2, ok := commits.Get(2); !ok || env2.Block.PrevStateRoot != env.Block.StateRoot {
		t.Fatalf("expected height 2's block to chain from height 1's state root")
	}
}

func TestRunTickSettlesRewardEpochAfterBudgetedTreasury(t *testing.T) {
	rt := newTestRuntime(t, modhost.NewLocalSandbox())

	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	identity := nodeid.New("validator-1", keys)
	rt.World.Nodes.Bind(identity.NodeID, identity.PublicKeyHex())
	rt.ConfigureConsensus(identity, map[string]uint64{identity.NodeID: 1}, 1, 1, replication.NewCommitStore(), nil, nil)
	rt.ConfigureRewardRuntime(1, 100, 0)

	rt.World.State.MainToken.Treasury[types.BucketNodeServiceReward] = 100

	rt.runTick(context.Background(), 1000)
	if rt.Mempool.Len() != 1 {
		t.Fatalf("expected the reward settlement action to be queued for the next tick, got %d pending", rt.Mempool.Len())
	}

	rt.runTick(context.Background(), 1001)
	acct, ok := rt.World.State.MainToken.Accounts[identity.NodeID]
	if !ok || acct.Liquid != 100 {
		t.Fatalf("expected validator-1 to be credited the full 100-unit epoch budget, got %+v (ok=%v)", acct, ok)
	}
}

func TestRunTickSegmentsSnapshotIntoBlobStore(t *testing.T) {
	rt := newTestRuntime(t, modhost.NewLocalSandbox())
	blobs, err := cas.NewStore(cas.NewMemDB(), t.TempDir()+"/pins.json")
	if err != nil {
		t.Fatalf("new blob store: %v", err)
	}
	rt.ConfigureConsensus(nil, nil, 0, 0, nil, blobs, nil)
	rt.ConfigureRewardRuntime(0, 0, 1)

	rt.runTick(context.Background(), 1000)

	snap, err := world.MakeSnapshot(rt.World.State)
	if err != nil {
		t.Fatalf("make snapshot: %v", err)
	}
	if _, err := blobs.Get(snap.StateRoot); err != nil {
		t.Fatalf("expected the snapshot's own content hash to be stored as a (single-segment) blob: %v", err)
	}
}
