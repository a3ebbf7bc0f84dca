package modhost

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

// tracer instruments sandbox call-outs, the async boundary between the
// reducer and guest code; a no-op unless a provider is installed.
var tracer = otel.Tracer("agent-world/modhost")

// Host wires manifest validation, the module registry, the artifact
// marketplace, staged dispatch, the compiled-artifact cache, and a
// pluggable Sandbox into the single entry point the world state machine's
// reducer calls between action-application steps (§5's suspension point).
type Host struct {
	Registry    *Registry
	Marketplace *Marketplace
	Dispatcher  *Dispatcher
	Cache       *ArtifactCache
	Sandbox     Sandbox
	Maxima      ResourceLimits

	mu          sync.Mutex
	limiters    map[string]*moduleLimiter // module_id -> declared call_rate limiter
	tickSuspend map[string]uint64         // module_id -> tick at which its Tick subscription may resume
}

// moduleLimiter pairs a token-bucket limiter with the call_rate it was
// built for, so a re-registration that changes the declared rate rebuilds
// the bucket instead of silently enforcing the old one.
type moduleLimiter struct {
	limiter  *rate.Limiter
	declared uint32
}

// NewHost constructs a Host over a fresh registry/marketplace and the
// given sandbox implementation and cache capacity.
func NewHost(sandbox Sandbox, cacheCapacity int, maxima ResourceLimits) *Host {
	reg := NewRegistry()
	return &Host{
		Registry:    reg,
		Marketplace: NewMarketplace(),
		Dispatcher:  NewDispatcher(reg),
		Cache:       NewArtifactCache(cacheCapacity),
		Sandbox:     sandbox,
		Maxima:      maxima,
		limiters:    make(map[string]*moduleLimiter),
		tickSuspend: make(map[string]uint64),
	}
}

// Register validates m against the host's current caps/maxima and, if
// valid, installs it via a single-change ChangeSet.
func (h *Host) Register(m Manifest, heldCaps map[string]CapabilityGrant, nowMs int64, publicKeyOf func(string) (string, bool)) error {
	ctx := ValidationContext{HeldCaps: heldCaps, Maxima: h.Maxima, NowMs: nowMs, PublicKeyOf: publicKeyOf}
	if err := ValidateManifest(m, ctx); err != nil {
		return err
	}
	cs := ChangeSet{Changes: []Change{{Kind: ChangeInstall, Manifest: &m}}}
	if err := h.Registry.ValidateChangeSet(cs); err != nil {
		return err
	}
	return h.Registry.Apply(cs)
}

// callRateOK enforces the module's declared call_rate (calls per second,
// burst capped at the same figure) regardless of anything the guest itself
// reports, through a per-module token-bucket limiter fed the caller's
// clock so dispatch stays deterministic under test.
func (h *Host) callRateOK(moduleID string, limits ResourceLimits, nowMs int64) bool {
	if limits.CallRate == 0 {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ml, ok := h.limiters[moduleID]
	if !ok || ml.declared != limits.CallRate {
		ml = &moduleLimiter{
			limiter:  rate.NewLimiter(rate.Limit(limits.CallRate), int(limits.CallRate)),
			declared: limits.CallRate,
		}
		h.limiters[moduleID] = ml
	}
	return ml.limiter.AllowN(time.UnixMilli(nowMs), 1)
}

// Invoke runs one sandboxed call through the configured Sandbox, enforcing
// the configured maxima and call_rate itself before dispatch, and checking
// the returned output against the request's output_bytes, effects and emits
// limits itself after the call, whatever the sandbox already checked. A nil
// output becomes FailInvalidOutput.
func (h *Host) Invoke(ctx context.Context, req ModuleCallRequest, nowMs int64) (*ModuleOutput, *ModuleCallFailure) {
	ctx, span := tracer.Start(ctx, "modhost.invoke")
	defer span.End()
	span.SetAttributes(
		attribute.String("module.id", req.ModuleID),
		attribute.String("module.entrypoint", req.Entrypoint),
		attribute.String("module.trace_id", req.TraceID),
	)
	if req.Limits.ExceedsMaxima(h.Maxima) {
		return nil, &ModuleCallFailure{Code: FailPolicyDenied, Message: "requested limits exceed configured maxima"}
	}
	if !h.callRateOK(req.ModuleID, req.Limits, nowMs) {
		return nil, &ModuleCallFailure{Code: FailEffectLimitExceeded, Message: "call_rate exceeded"}
	}
	if req.Limits.Gas > 0 {
		deadline := time.Duration(req.Limits.Gas) * time.Microsecond
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}
	out, failure := h.Sandbox.Call(ctx, req)
	if failure != nil {
		if ctx.Err() != nil {
			return nil, &ModuleCallFailure{Code: FailTimeout, Message: "deadline exceeded"}
		}
		return nil, failure
	}
	if out == nil {
		return nil, &ModuleCallFailure{Code: FailInvalidOutput, Message: "nil output"}
	}
	if req.Limits.OutputBytes > 0 && out.OutputBytes > req.Limits.OutputBytes {
		return nil, &ModuleCallFailure{Code: FailOutputTooLarge, Message: "output exceeds limit"}
	}
	if req.Limits.Effects > 0 && uint32(len(out.Effects)) > req.Limits.Effects {
		return nil, &ModuleCallFailure{Code: FailEffectLimitExceeded, Message: "effects exceed limit"}
	}
	if req.Limits.Emits > 0 && uint32(len(out.Emits)) > req.Limits.Emits {
		return nil, &ModuleCallFailure{Code: FailEmitLimitExceeded, Message: "emits exceed limit"}
	}
	h.Cache.Put(req.WasmHash, req.WasmBytes)
	return out, nil
}

// InstallFromChangeSet validates and applies a full ChangeSet (used by
// governance Manifest application, which may bundle Install/Activate/
// Deactivate/Upgrade changes in one step).
func (h *Host) InstallFromChangeSet(cs ChangeSet) error {
	if err := h.Registry.ValidateChangeSet(cs); err != nil {
		return fmt.Errorf("modhost: %w", err)
	}
	return h.Registry.Apply(cs)
}
