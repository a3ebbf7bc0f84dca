// Package runtime wires a single world's subsystems together: the mempool,
// the world state machine, the module host, the gossip bus, and the tick
// loop that periodically drains the mempool into a proposed batch.
package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"agent-world/internal/cas"
	"agent-world/internal/codec"
	"agent-world/internal/consensus"
	"agent-world/internal/distfs"
	"agent-world/internal/gossip"
	"agent-world/internal/membership"
	"agent-world/internal/mempool"
	"agent-world/internal/metrics"
	"agent-world/internal/modhost"
	"agent-world/internal/nodeid"
	"agent-world/internal/replication"
	"agent-world/internal/reward"
	"agent-world/internal/viewerproto"
	"agent-world/internal/world"
	"agent-world/internal/world/types"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// tracer instruments the tick loop's cross-boundary work (batch apply,
// module dispatch, commit); a no-op unless observability.Init installed a
// provider.
var tracer = otel.Tracer("agent-world/runtime")

func encodeEvent(ev types.Event) ([]byte, error) {
	return json.Marshal(ev)
}

// Runtime owns the goroutines and channels that drive one world forward:
// a tick scheduler that periodically asks the mempool for a batch and
// applies it to the world, publishing the resulting events over gossip.
type Runtime struct {
	World   *world.World
	Mempool *mempool.Mempool
	Bus     *gossip.LocalBus
	Metrics *metrics.Registry
	Logger  *slog.Logger

	tickMillis uint64
	maxBatch   int

	cron   *cron.Cron
	cancel context.CancelFunc

	// Consensus/replication wiring (optional: nil Identity disables block
	// proposal, leaving the world machine runnable standalone as it is in
	// the unit tests in runtime_test.go).
	Identity          *nodeid.Identity
	Validators        map[string]uint64
	QuorumNumerator   uint64
	QuorumDenominator uint64
	Commits           *replication.CommitStore
	Blobs             *cas.Store
	Members           *membership.Directory

	// Periodic epoch settlement and snapshot segmenting (optional: zero
	// ticks disables the respective cadence).
	RewardEpochTicks   uint64
	RewardBudget       int64
	SnapshotEveryTicks uint64

	// Optional distfs storage prober; when configured, runTick runs a
	// storage challenge each tick (subject to the prober's own backoff)
	// and the epoch observation trace reports its cumulative counters.
	Prober *distfs.Prober

	// Optional membership revocation coordinator; when configured, runTick
	// runs the lease-guarded reconcile+replay pipeline each tick.
	Coordinator *membership.Coordinator
}

// New constructs a Runtime over an already-assembled World/Mempool/Bus.
func New(w *world.World, mp *mempool.Mempool, bus *gossip.LocalBus, reg *metrics.Registry, logger *slog.Logger, tickMillis uint64, maxBatch int) *Runtime {
	return &Runtime{
		World: w, Mempool: mp, Bus: bus, Metrics: reg, Logger: logger,
		tickMillis: tickMillis, maxBatch: maxBatch,
		cron: cron.New(cron.WithSeconds()),
	}
}

// ConfigureConsensus wires the node's identity, validator stake table, and
// supporting stores into the runtime so runTick can propose, attest, and
// commit blocks (component G) and serve replication/segmenting off the
// results (components H and K). Called once during node startup; a Runtime
// with no identity configured just applies batches without ever advancing
// World.State.Height, which is what the unit tests in runtime_test.go exercise.
func (r *Runtime) ConfigureConsensus(identity *nodeid.Identity, validators map[string]uint64, quorumNumerator, quorumDenominator uint64, commits *replication.CommitStore, blobs *cas.Store, members *membership.Directory) {
	r.Identity = identity
	r.Validators = validators
	r.QuorumNumerator = quorumNumerator
	r.QuorumDenominator = quorumDenominator
	r.Commits = commits
	r.Blobs = blobs
	r.Members = members
}

// ConfigureRewardRuntime sets the periodic epoch-settlement and
// snapshot-segmenting cadence runTick drives.
func (r *Runtime) ConfigureRewardRuntime(epochTicks uint64, budget int64, snapshotEveryTicks uint64) {
	r.RewardEpochTicks = epochTicks
	r.RewardBudget = budget
	r.SnapshotEveryTicks = snapshotEveryTicks
}

// ConfigureProbe wires the distfs storage prober driven each tick.
func (r *Runtime) ConfigureProbe(p *distfs.Prober) {
	r.Prober = p
}

// ConfigureCoordinator wires the membership revocation coordinator driven
// each tick.
func (r *Runtime) ConfigureCoordinator(c *membership.Coordinator) {
	r.Coordinator = c
}

// Submit validates and admits a new action into the mempool ahead of the
// next tick's batch assembly.
func (r *Runtime) Submit(a *types.Action) error {
	if err := r.Mempool.Add(a); err != nil {
		if r.Metrics != nil {
			r.Metrics.MempoolRejected.Inc()
		}
		return err
	}
	if r.Metrics != nil {
		r.Metrics.MempoolSize.Set(float64(r.Mempool.Len()))
	}
	return nil
}

// Start launches the background tick loop, scheduled through a
// robfig/cron constant-delay job so the same scheduler the rest of the
// pack uses for periodic work also drives the world tick.
func (r *Runtime) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	interval := time.Duration(r.tickMillis) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	r.cron.Schedule(cron.ConstantDelaySchedule{Delay: interval}, cron.FuncJob(func() {
		select {
		case <-runCtx.Done():
			return
		default:
			r.runTick(runCtx, time.Now().UnixMilli())
		}
	}))
	r.cron.Start()
}

// Stop halts the tick loop.
func (r *Runtime) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.cron.Stop()
}

// decodeDispatchValue best-effort decodes canonical-CBOR payload bytes into
// a map for subscription filter evaluation (§4.2's JSON-pointer predicates
// over "the action/event value"). An empty or undecodable payload yields an
// empty map rather than aborting dispatch — a module with no filter still
// matches on pattern alone.
func decodeDispatchValue(payload []byte) map[string]interface{} {
	if len(payload) == 0 {
		return map[string]interface{}{}
	}
	var v map[string]interface{}
	if err := codec.UnmarshalCanonical(payload, &v); err != nil {
		return map[string]interface{}{}
	}
	return v
}

// runTick drains one batch from the mempool, applies it, and runs the
// module host between action-application steps per §2's data flow ("E
// runs between D's action-application steps, and its outputs re-enter D as
// effects") and §5's suspension-point model: sandbox calls happen here, on
// the async orchestration layer, never inside World.Apply itself.
func (r *Runtime) runTick(ctx context.Context, nowMs int64) {
	ctx, span := tracer.Start(ctx, "world.tick")
	defer span.End()

	batch, err := r.Mempool.TakeBatchWithRules(mempool.BatchRules{MaxActions: r.maxBatch})
	if err != nil {
		r.Logger.Error("tick batch assembly failed", "error", err)
		return
	}
	r.World.State.Tick++
	span.SetAttributes(
		attribute.Int64("world.tick", int64(r.World.State.Tick)),
		attribute.String("batch.id", batch.BatchID),
		attribute.Int("batch.actions", len(batch.Actions)),
	)

	var events []types.Event
	var effects []modhost.Effect

	fold := func(stage modhost.Stage, kind string, value map[string]interface{}, actionID string) {
		res, err := r.World.ModHost.RunStage(ctx, stage, kind, value, nowMs)
		if err != nil {
			r.Logger.Error("module stage dispatch failed", "stage", stage, "kind", kind, "error", err)
			return
		}
		r.absorbStageResult(actionID, res, &events, &effects)
	}

	for _, a := range batch.Actions {
		actionValue := decodeDispatchValue(a.Payload)
		fold(modhost.StagePreAction, a.Kind, actionValue, a.ActionID)

		applied := r.World.Apply(a, nowMs)
		events = append(events, applied...)

		fold(modhost.StagePostAction, a.Kind, actionValue, a.ActionID)
		for _, ev := range applied {
			fold(modhost.StagePostEvent, ev.Kind, decodeDispatchValue(ev.Payload), a.ActionID)
		}
	}

	tickResult := r.World.ModHost.RunTick(ctx, r.World.State.Tick, nowMs)
	r.absorbStageResult("", tickResult, &events, &effects)

	for _, eff := range effects {
		effectAction := &types.Action{
			ActionID:      uuid.NewString(),
			ActorID:       "module-effect",
			Kind:          eff.ActionKind,
			SubmittedAtMs: nowMs,
			Payload:       eff.Payload,
		}
		if err := r.Submit(effectAction); err != nil {
			r.Logger.Warn("module effect rejected by mempool", "action_kind", eff.ActionKind, "error", err)
		}
	}

	r.tryCommitHeight(ctx, nowMs, batch.Actions)
	r.tryRunStorageProbe(nowMs)
	r.tryMaybeSettleRewardEpoch(nowMs)
	r.tryMaybeSegmentSnapshot(ctx)
	r.tryRunCoordinator(nowMs)

	if r.Metrics != nil {
		r.Metrics.MempoolSize.Set(float64(r.Mempool.Len()))
		r.Metrics.CommittedHeight.Set(float64(r.World.State.Height))
	}
	if r.Bus != nil {
		topic := gossip.Topic(r.World.WorldID, "events")
		for _, ev := range events {
			body, err := encodeEvent(ev)
			if err != nil {
				r.Logger.Error("encode event for gossip", "error", err)
				continue
			}
			_ = r.Bus.Publish(ctx, gossip.Envelope{Topic: topic, Body: body})
		}
	}
	r.Logger.Info("tick applied", "tick", r.World.State.Tick, "batch_id", batch.BatchID, "actions", len(batch.Actions), "events", len(events), "module_effects", len(effects))
}

// tryCommitHeight runs the consensus engine's proposer/attest/quorum path
// for the height this tick's batch would become, per §4.4's model: every
// validator independently proposes a block when the stake-weighted rotation
// selects it, self-attests, and only advances World.State.Height once the
// resulting CommitEnvelope clears quorum. A node with no consensus identity
// configured (Identity == nil) never advances Height — it is running the
// state machine standalone, the shape the tests in runtime_test.go exercise.
func (r *Runtime) tryCommitHeight(ctx context.Context, nowMs int64, actions []*types.Action) {
	if r.Identity == nil || len(r.Validators) == 0 {
		return
	}
	height := r.World.State.Height + 1
	proposer, err := consensus.SelectProposer(r.Validators, height)
	if err != nil {
		r.Logger.Error("select proposer", "height", height, "error", err)
		return
	}
	if r.Members != nil && r.Members.IsRevokedAt(proposer, height) {
		r.Logger.Warn("selected proposer is revoked, skipping commit this tick", "proposer", proposer, "height", height)
		return
	}
	if proposer != r.Identity.NodeID {
		// Another validator proposes this height; this node waits for the
		// commit to arrive over gossip/replication rather than proposing.
		return
	}

	prevStateRoot := ""
	if height > 1 && r.Commits != nil {
		if prev, ok := r.Commits.Get(height - 1); ok {
			prevStateRoot = prev.Block.StateRoot
		}
	}
	stateRoot, err := world.StateRoot(r.World.State)
	if err != nil {
		r.Logger.Error("compute state root", "error", err)
		return
	}
	block, err := consensus.AssembleBlock(height, proposer, prevStateRoot, actions, stateRoot, nowMs)
	if err != nil {
		r.Logger.Error("assemble block", "height", height, "error", err)
		return
	}
	att, err := consensus.SignBlock(r.Identity, block)
	if err != nil {
		r.Logger.Error("sign block", "height", height, "error", err)
		return
	}
	env := consensus.CommitEnvelope{Block: block, Attestations: []consensus.Attestation{att}}

	quorumNum, quorumDenom := r.QuorumNumerator, r.QuorumDenominator
	if quorumDenom == 0 {
		quorumNum, quorumDenom = 1, 1
	}
	ok, err := consensus.HasQuorum(r.World.Nodes, block, env.Attestations, r.Validators, quorumNum, quorumDenom)
	if err != nil {
		r.Logger.Error("evaluate quorum", "height", height, "error", err)
		return
	}
	if !ok {
		r.Logger.Info("block pending further attestations", "height", height, "proposer", proposer)
		return
	}

	r.World.State.Height = height
	if r.Commits != nil {
		r.Commits.Put(env)
	}
	if r.Blobs != nil {
		if blob, err := codec.MarshalCanonical(actions); err == nil {
			if err := r.Blobs.Put(block.ActionsRoot, blob); err != nil {
				r.Logger.Error("persist committed batch blob", "height", height, "error", err)
			}
		}
	}
	if r.Bus != nil {
		if body, err := json.Marshal(env); err == nil {
			_ = r.Bus.Publish(ctx, gossip.Envelope{Topic: gossip.Topic(r.World.WorldID, "commits"), Body: body})
		}
	}
	r.Logger.Info("committed height", "height", height, "proposer", proposer, "state_root", stateRoot)
}

// tryRunStorageProbe runs one distfs storage challenge (§4.8's probe),
// honoring the prober's own adaptive backoff between runs. Failures are
// logged and counted, never fatal.
func (r *Runtime) tryRunStorageProbe(nowMs int64) {
	if r.Prober == nil {
		return
	}
	report, err := r.Prober.CollectChallengeReport(nowMs)
	if err != nil {
		r.Logger.Error("storage probe failed", "error", err)
		return
	}
	if report.TotalChecks > 0 && report.Passed < report.TotalChecks {
		r.Logger.Warn("storage probe found failing samples",
			"total_checks", report.TotalChecks, "passed", report.Passed, "failure_reasons", report.FailureReasons)
	}
}

// tryRunCoordinator runs the lease-guarded membership revocation pipeline
// (component I): only the lease holder replays dead letters and evaluates
// the guarded rollback.
func (r *Runtime) tryRunCoordinator(nowMs int64) {
	if r.Coordinator == nil {
		return
	}
	result, err := r.Coordinator.RunScheduled(nowMs)
	if err != nil {
		r.Logger.Error("revocation coordinator run failed", "error", err)
		return
	}
	if result.LeaseHeld && (result.Replayed > 0 || result.RolledBack) {
		r.Logger.Info("revocation coordinator run",
			"replayed", result.Replayed, "rolled_back", result.RolledBack, "level", result.Level)
	}
}

// tryMaybeSettleRewardEpoch settles a reward epoch (component J) once every
// RewardEpochTicks ticks: it records this node's own observation trace,
// computes the budget-capped per-node split, and submits the resulting
// SettleNodeRewardMint action into the mempool for the next tick to apply.
// A zero RewardEpochTicks disables the cadence entirely.
func (r *Runtime) tryMaybeSettleRewardEpoch(nowMs int64) {
	if r.RewardEpochTicks == 0 || r.Identity == nil || r.World.State.Tick%r.RewardEpochTicks != 0 {
		return
	}
	epochIndex := r.World.State.Tick / r.RewardEpochTicks
	payload := reward.ObservationPayload{
		NodeID: r.Identity.NodeID, Role: "validator", TickCount: r.RewardEpochTicks, Running: true,
		UptimeChecksTotal: r.RewardEpochTicks, UptimeChecksPassed: r.RewardEpochTicks,
	}
	if r.Prober != nil {
		cursor := r.Prober.Cursor()
		payload.StorageChecksTotal = cursor.TotalChecks
		payload.StorageChecksPassed = cursor.TotalPassed
		payload.HasError = cursor.TotalPassed < cursor.TotalChecks
	}
	trace, err := reward.Sign(reward.ObservationTrace{
		WorldID: r.World.WorldID, ObserverNodeID: r.Identity.NodeID, EmittedAtUnixMs: nowMs,
		Payload: payload,
	}, r.Identity.Keys)
	if err != nil {
		r.Logger.Error("sign reward observation trace", "epoch", epochIndex, "error", err)
		return
	}
	report := reward.Settle(epochIndex, r.RewardBudget, []reward.ObservationTrace{trace})
	if len(report.Shares) == 0 {
		return
	}
	decisions := make([]world.MintDecision, len(report.Shares))
	for i, share := range report.Shares {
		decisions[i] = world.MintDecision{AccountID: share.NodeID, Amount: share.Amount}
	}
	actionPayload, err := codec.MarshalCanonical(world.SettleNodeRewardMintPayload{
		EpochIndex: epochIndex, SignerNodeID: r.Identity.NodeID, Decisions: decisions,
	})
	if err != nil {
		r.Logger.Error("marshal reward settlement payload", "epoch", epochIndex, "error", err)
		return
	}
	action := &types.Action{
		ActionID: uuid.NewString(), ActorID: "reward-runtime", Kind: "SettleNodeRewardMint",
		SubmittedAtMs: nowMs, Payload: actionPayload,
	}
	if err := r.Submit(action); err != nil {
		r.Logger.Warn("reward settlement action rejected by mempool", "epoch", epochIndex, "error", err)
	}
}

// tryMaybeSegmentSnapshot segments the current world snapshot into
// content-addressed chunks (component K) once every SnapshotEveryTicks
// ticks, storing the segments in the blob store and publishing the manifest
// plus a full viewer-facing snapshot (component L's outward face) over
// gossip. A zero SnapshotEveryTicks disables the cadence.
func (r *Runtime) tryMaybeSegmentSnapshot(ctx context.Context) {
	if r.SnapshotEveryTicks == 0 || r.Blobs == nil || r.World.State.Tick%r.SnapshotEveryTicks != 0 {
		return
	}
	snap, err := world.MakeSnapshot(r.World.State)
	if err != nil {
		r.Logger.Error("build snapshot", "error", err)
		return
	}
	manifest, err := distfs.SegmentSnapshot(r.Blobs, snap.Bytes, distfs.DefaultSegmentBytes)
	if err != nil {
		r.Logger.Error("segment snapshot", "height", snap.Height, "error", err)
		return
	}
	if r.Bus == nil {
		return
	}
	if body, err := json.Marshal(manifest); err == nil {
		_ = r.Bus.Publish(ctx, gossip.Envelope{Topic: gossip.Topic(r.World.WorldID, "snapshot-manifests"), Body: body})
	}
	viewerSnap := viewerproto.Snapshot{WorldID: r.World.WorldID, Height: snap.Height, StateRoot: snap.StateRoot, Body: snap.Bytes}
	if body, err := json.Marshal(viewerSnap); err == nil {
		_ = r.Bus.Publish(ctx, gossip.Envelope{Topic: gossip.Topic(r.World.WorldID, "viewer-snapshots"), Body: body})
	}
	r.Logger.Info("segmented snapshot", "height", snap.Height, "segments", len(manifest.Segments))
}

// absorbStageResult mints a ModuleEmit event for every tagged emit in res
// and appends res's effects for later resubmission, logging (not halting
// on) any per-module dispatch failure.
func (r *Runtime) absorbStageResult(actionID string, res modhost.StageResult, events *[]types.Event, effects *[]modhost.Effect) {
	for _, failure := range res.Failures {
		r.Logger.Warn("module call failed", "module_id", failure.ModuleID, "code", failure.Code, "message", failure.Message)
		if r.Metrics != nil {
			r.Metrics.ModuleCallFailures.WithLabelValues(string(failure.Code)).Inc()
		}
	}
	for _, emit := range res.Emits {
		ev, err := r.World.EmitModuleEvent(actionID, emit.ModuleID, emit.Kind, emit.Payload)
		if err != nil {
			r.Logger.Error("mint ModuleEmit event", "module_id", emit.ModuleID, "error", err)
			continue
		}
		*events = append(*events, ev)
	}
	*effects = append(*effects, res.Effects...)
}

// RegisterModule is a convenience wrapper validating and installing m
// against the runtime's module host.
func (r *Runtime) RegisterModule(m modhost.Manifest, heldCaps map[string]modhost.CapabilityGrant, nowMs int64, dir *nodeid.Directory) error {
	return r.World.ModHost.Register(m, heldCaps, nowMs, dir.PublicKeyHex)
}
