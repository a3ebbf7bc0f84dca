package modhost

import (
	"context"

	"agent-world/internal/codec"

	"github.com/google/uuid"
)

// DispatchFailure records one module invocation failure encountered while
// running a stage, so the caller can log/meter it without the rest of the
// matches being skipped.
type DispatchFailure struct {
	ModuleID string
	Version  string
	Code     FailureCode
	Message  string
}

// TaggedEmit attributes one module emit to the module_id that produced it,
// the attribution the ModuleEmit event's payload carries downstream so
// observers can deterministically assign blame/credit per §7.
type TaggedEmit struct {
	ModuleID string
	Emit
}

// StageResult aggregates every effect, emit, and tick-lifecycle directive
// produced by running one stage's matching subscriptions. Effects re-enter
// the state machine as subsequent Actions (§4.2); Emits become ModuleEmit
// events; TickLifecycle entries park or resume a module's Tick
// subscription for later ticks.
type StageResult struct {
	Effects       []Effect
	Emits         []TaggedEmit
	TickLifecycle map[string]TickLifecycle
	Failures      []DispatchFailure
}

func (s *StageResult) merge(moduleID, version string, out *ModuleOutput, failure *ModuleCallFailure) {
	if failure != nil {
		s.Failures = append(s.Failures, DispatchFailure{ModuleID: moduleID, Version: version, Code: failure.Code, Message: failure.Message})
		return
	}
	s.Effects = append(s.Effects, out.Effects...)
	for _, e := range out.Emits {
		s.Emits = append(s.Emits, TaggedEmit{ModuleID: moduleID, Emit: e})
	}
	if out.TickLifecycle != nil {
		if s.TickLifecycle == nil {
			s.TickLifecycle = make(map[string]TickLifecycle)
		}
		s.TickLifecycle[moduleID] = *out.TickLifecycle
	}
}

// RunStage resolves every active subscription matching stage/kind/value,
// invokes each through the sandbox using that module's own registered
// wasm_hash and limits, and folds the results into one StageResult. One
// module failing its call is recorded in Failures rather than aborting the
// remaining matches — the same "never halt the node" propagation rule §7
// applies to cross-node validation failures.
func (h *Host) RunStage(ctx context.Context, stage Stage, kind string, value map[string]interface{}, nowMs int64) (StageResult, error) {
	matches, err := h.Dispatcher.dispatch(stage, kind, value)
	if err != nil {
		return StageResult{}, err
	}
	input, err := codec.MarshalCanonical(value)
	if err != nil {
		return StageResult{}, err
	}
	return h.invokeMatches(ctx, matches, input, nowMs), nil
}

// RunTick resolves every active Tick subscription not currently suspended
// by an earlier TickLifecycle directive, invokes each with an empty input
// payload (Tick dispatch carries no action/event value), and applies any
// new suspend/resume directives the calls return before returning.
func (h *Host) RunTick(ctx context.Context, currentTick uint64, nowMs int64) StageResult {
	all := h.Dispatcher.DispatchTick()

	h.mu.Lock()
	matches := make([]Match, 0, len(all))
	for _, m := range all {
		if resumeAt, suspended := h.tickSuspend[m.ModuleID]; suspended && currentTick < resumeAt {
			continue
		}
		matches = append(matches, m)
	}
	h.mu.Unlock()

	res := h.invokeMatches(ctx, matches, nil, nowMs)

	h.mu.Lock()
	for moduleID, tl := range res.TickLifecycle {
		if tl.Suspend {
			h.tickSuspend[moduleID] = tl.ResumeAtTick
		} else {
			delete(h.tickSuspend, moduleID)
		}
	}
	h.mu.Unlock()
	return res
}

func (h *Host) invokeMatches(ctx context.Context, matches []Match, input []byte, nowMs int64) StageResult {
	var res StageResult
	for _, m := range matches {
		rec, ok := h.Registry.Get(m.ModuleID, m.Version)
		if !ok {
			continue
		}
		wasmBytes, _ := h.Cache.Get(rec.Manifest.WasmHash)
		req := ModuleCallRequest{
			ModuleID:   m.ModuleID,
			WasmHash:   rec.Manifest.WasmHash,
			TraceID:    uuid.NewString(),
			Entrypoint: m.Entrypoint,
			InputCBOR:  input,
			Limits:     rec.Manifest.Limits,
			WasmBytes:  wasmBytes,
		}
		out, failure := h.Invoke(ctx, req, nowMs)
		res.merge(m.ModuleID, m.Version, out, failure)
	}
	return res
}
