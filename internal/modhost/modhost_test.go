package modhost

import (
	"context"
	"fmt"
	"testing"

	"agent-world/internal/crypto"
)

func signedManifest(t *testing.T, kp *crypto.KeyPair, nodeID string) Manifest {
	t.Helper()
	m := Manifest{
		ModuleID: "econ-rules", Version: "1.0.0", WasmHash: "deadbeef",
		InterfaceVersion: "wasm-1",
		Identity: ArtifactIdentity{
			SignerNodeID: nodeID, SignatureScheme: SchemeEd25519,
			SourceHash: "src-hash", BuildManifestHash: "build-hash",
		},
		Exports: []Export{{Kind: ExportReduce, Entrypoint: "reduce"}},
		Limits:  ResourceLimits{MemoryBytes: 1024, Gas: 100, CallRate: 10, OutputBytes: 256, Effects: 4, Emits: 4},
	}
	sig := kp.Sign([]byte(m.SigningPayload()))
	m.Identity.Signature = fmt.Sprintf("modsig:ed25519:v1:%x", sig)
	return m
}

func TestValidateManifestAcceptsProperlySignedEd25519Manifest(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	m := signedManifest(t, kp, "node-a")
	ctx := ValidationContext{
		Maxima: ResourceLimits{MemoryBytes: 4096, Gas: 1000, CallRate: 100, OutputBytes: 4096, Effects: 16, Emits: 16},
		PublicKeyOf: func(nodeID string) (string, bool) {
			if nodeID == "node-a" {
				return kp.PublicHex(), true
			}
			return "", false
		},
	}
	if err := ValidateManifest(m, ctx); err != nil {
		t.Fatalf("expected a properly signed manifest to validate, got: %v", err)
	}
}

func TestValidateManifestRejectsTamperedSignature(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	m := signedManifest(t, kp, "node-a")
	m.WasmHash = "tampered-hash"
	ctx := ValidationContext{
		Maxima:      ResourceLimits{MemoryBytes: 4096, Gas: 1000, CallRate: 100, OutputBytes: 4096, Effects: 16, Emits: 16},
		PublicKeyOf: func(nodeID string) (string, bool) { return kp.PublicHex(), true },
	}
	if err := ValidateManifest(m, ctx); err == nil {
		t.Fatalf("expected signature verification to fail once wasm_hash is tampered with")
	}
}

func TestValidateManifestRejectsLimitsOverMaxima(t *testing.T) {
	kp, _ := crypto.GenerateKeyPair()
	m := signedManifest(t, kp, "node-a")
	ctx := ValidationContext{
		Maxima:      ResourceLimits{MemoryBytes: 512, Gas: 1000, CallRate: 100, OutputBytes: 4096, Effects: 16, Emits: 16},
		PublicKeyOf: func(nodeID string) (string, bool) { return kp.PublicHex(), true },
	}
	if err := ValidateManifest(m, ctx); err == nil {
		t.Fatalf("expected declared memory_bytes exceeding maxima to be rejected")
	}
}

func TestValidateManifestIdentityHashScheme(t *testing.T) {
	m := Manifest{
		ModuleID: "m1", Version: "1.0.0", WasmHash: "wasm-hash", InterfaceVersion: "wasm-1",
		Identity: ArtifactIdentity{
			SignerNodeID: "node-a", SignatureScheme: SchemeIdentityHash,
			SourceHash: "src", BuildManifestHash: "build",
		},
		Exports: []Export{{Kind: ExportCall, Entrypoint: "call"}},
	}
	expected := "idhash:" + crypto.SHA256Hex([]byte(m.IdentityHashV1Payload()))
	m.Identity.Signature = expected
	ctx := ValidationContext{Maxima: ResourceLimits{}}
	if err := ValidateManifest(m, ctx); err != nil {
		t.Fatalf("expected identity_hash_v1 manifest to validate, got: %v", err)
	}

	m.Identity.Signature = "idhash:wrong"
	if err := ValidateManifest(m, ctx); err == nil {
		t.Fatalf("expected a mismatched identity hash to be rejected")
	}
}

func TestRegistryValidateChangeSetSequencesInstallThenActivate(t *testing.T) {
	r := NewRegistry()
	cs := ChangeSet{Changes: []Change{
		{Kind: ChangeInstall, Manifest: &Manifest{ModuleID: "m1", Version: "v1"}},
		{Kind: ChangeActivate, ModuleID: "m1", Version: "v1"},
	}}
	if err := r.ValidateChangeSet(cs); err != nil {
		t.Fatalf("expected install-then-activate in one change-set to validate, got: %v", err)
	}
	// ValidateChangeSet must not mutate the real registry.
	if _, ok := r.ActiveVersion("m1"); ok {
		t.Fatalf("expected ValidateChangeSet to leave the registry untouched")
	}
	if err := r.Apply(cs); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if v, ok := r.ActiveVersion("m1"); !ok || v != "v1" {
		t.Fatalf("expected m1@v1 active after apply, got %s/%v", v, ok)
	}
}

func TestRegistryRejectsActivatingUnknownVersion(t *testing.T) {
	r := NewRegistry()
	cs := ChangeSet{Changes: []Change{{Kind: ChangeActivate, ModuleID: "m1", Version: "v1"}}}
	if err := r.ValidateChangeSet(cs); err == nil {
		t.Fatalf("expected activating a never-installed version to be rejected")
	}
}

func TestArtifactCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewArtifactCache(2)
	c.Put("a", []byte("a"))
	c.Put("b", []byte("b"))
	c.Get("a") // touch a, making b the LRU entry
	c.Put("c", []byte("c"))

	if _, ok := c.Get("b"); ok {
		t.Fatalf("expected b to have been evicted as least-recently-used")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("expected a to survive eviction")
	}
	if _, ok := c.Get("c"); !ok {
		t.Fatalf("expected c to be present")
	}
	if c.Len() != 2 {
		t.Fatalf("expected cache len 2, got %d", c.Len())
	}
}

func TestArtifactCacheZeroCapacityStaysEmpty(t *testing.T) {
	c := NewArtifactCache(0)
	c.Put("a", []byte("a"))
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected a zero-capacity cache to reject all entries")
	}
}

func TestLocalSandboxEnforcesEffectLimit(t *testing.T) {
	sb := NewLocalSandbox()
	sb.Register("m1", "wasm-1", "reduce", func(ctx context.Context, input []byte) (*ModuleOutput, *ModuleCallFailure) {
		return &ModuleOutput{Effects: []Effect{{ActionKind: "a"}, {ActionKind: "b"}, {ActionKind: "c"}}}, nil
	})
	_, failure := sb.Call(context.Background(), ModuleCallRequest{
		ModuleID: "m1", WasmHash: "wasm-1", Entrypoint: "reduce",
		Limits: ResourceLimits{Effects: 2},
	})
	if failure == nil || failure.Code != FailEffectLimitExceeded {
		t.Fatalf("expected FailEffectLimitExceeded, got %+v", failure)
	}
}

func TestLocalSandboxReturnsSandboxUnavailableForUnregisteredEntrypoint(t *testing.T) {
	sb := NewLocalSandbox()
	_, failure := sb.Call(context.Background(), ModuleCallRequest{ModuleID: "m1", WasmHash: "wasm-1", Entrypoint: "missing"})
	if failure == nil || failure.Code != FailSandboxUnavailable {
		t.Fatalf("expected FailSandboxUnavailable, got %+v", failure)
	}
}

func TestDispatcherMatchesActivePatternAndFilter(t *testing.T) {
	r := NewRegistry()
	m := Manifest{
		ModuleID: "m1", Version: "v1",
		Subscriptions: []Subscription{{
			Stage: StagePostAction, Patterns: []string{"Transfer*"}, Entrypoint: "on_transfer",
			Filter: &Filter{Rules: []FilterRule{{Path: "/amount", Op: OpGte, Value: float64(100)}}},
		}},
	}
	r.Apply(ChangeSet{Changes: []Change{
		{Kind: ChangeInstall, Manifest: &m},
		{Kind: ChangeActivate, ModuleID: "m1", Version: "v1"},
	}})
	d := NewDispatcher(r)

	matches, err := d.DispatchAction(StagePostAction, "TransferResource", map[string]interface{}{"amount": float64(150)})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(matches) != 1 || matches[0].Entrypoint != "on_transfer" {
		t.Fatalf("expected one match for a high-amount transfer, got %+v", matches)
	}

	matches, err = d.DispatchAction(StagePostAction, "TransferResource", map[string]interface{}{"amount": float64(10)})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected no match for a low-amount transfer, got %+v", matches)
	}
}

func TestHostInstallFromChangeSetAndInvoke(t *testing.T) {
	sb := NewLocalSandbox()
	sb.Register("m1", "wasm-1", "reduce", func(ctx context.Context, input []byte) (*ModuleOutput, *ModuleCallFailure) {
		return &ModuleOutput{NewState: []byte("ok")}, nil
	})
	h := NewHost(sb, 4, ResourceLimits{MemoryBytes: 4096, Gas: 1000, CallRate: 10, OutputBytes: 4096, Effects: 16, Emits: 16})

	cs := ChangeSet{Changes: []Change{
		{Kind: ChangeInstall, Manifest: &Manifest{ModuleID: "m1", Version: "v1", WasmHash: "wasm-1"}},
		{Kind: ChangeActivate, ModuleID: "m1", Version: "v1"},
	}}
	if err := h.InstallFromChangeSet(cs); err != nil {
		t.Fatalf("install from change set: %v", err)
	}

	out, failure := h.Invoke(context.Background(), ModuleCallRequest{
		ModuleID: "m1", WasmHash: "wasm-1", Entrypoint: "reduce",
	}, 1000)
	if failure != nil {
		t.Fatalf("expected invoke to succeed, got failure %+v", failure)
	}
	if string(out.NewState) != "ok" {
		t.Fatalf("expected new_state 'ok', got %q", out.NewState)
	}
}

func TestHostInvokeEnforcesCallRate(t *testing.T) {
	sb := NewLocalSandbox()
	sb.Register("m1", "wasm-1", "reduce", func(ctx context.Context, input []byte) (*ModuleOutput, *ModuleCallFailure) {
		return &ModuleOutput{}, nil
	})
	h := NewHost(sb, 4, ResourceLimits{CallRate: 100})
	req := ModuleCallRequest{ModuleID: "m1", WasmHash: "wasm-1", Entrypoint: "reduce", Limits: ResourceLimits{CallRate: 1}}

	if _, failure := h.Invoke(context.Background(), req, 1000); failure != nil {
		t.Fatalf("expected first call within call_rate to succeed, got %+v", failure)
	}
	_, failure := h.Invoke(context.Background(), req, 1000)
	if failure == nil || failure.Code != FailEffectLimitExceeded {
		t.Fatalf("expected second call in the same window to be rate-limited, got %+v", failure)
	}
}

func TestMarketplaceDeployIsIdempotentByWasmHash(t *testing.T) {
	m := NewMarketplace()
	a1 := m.Deploy([]byte("same-bytes"), "publisher-1")
	a2 := m.Deploy([]byte("same-bytes"), "publisher-2")
	if a1.PublisherAgentID != a2.PublisherAgentID {
		t.Fatalf("expected deploying the same bytes twice to be idempotent and keep the original publisher")
	}
}

func TestRunStageInvokesMatchingSubscriptionAndFoldsEffectsAndEmits(t *testing.T) {
	sb := NewLocalSandbox()
	sb.Register("m1", "wasm-1", "on_transfer", func(ctx context.Context, input []byte) (*ModuleOutput, *ModuleCallFailure) {
		return &ModuleOutput{
			Effects: []Effect{{ActionKind: "TransferResource", Payload: []byte("effect")}},
			Emits:   []Emit{{Kind: "TransferObserved", Payload: []byte("emit")}},
		}, nil
	})
	h := NewHost(sb, 4, ResourceLimits{Effects: 16, Emits: 16})
	cs := ChangeSet{Changes: []Change{
		{Kind: ChangeInstall, Manifest: &Manifest{
			ModuleID: "m1", Version: "v1", WasmHash: "wasm-1",
			Subscriptions: []Subscription{{Stage: StagePostAction, Patterns: []string{"Transfer*"}, Entrypoint: "on_transfer"}},
		}},
		{Kind: ChangeActivate, ModuleID: "m1", Version: "v1"},
	}}
	if err := h.InstallFromChangeSet(cs); err != nil {
		t.Fatalf("install from change set: %v", err)
	}

	res, err := h.RunStage(context.Background(), StagePostAction, "TransferResource", map[string]interface{}{"amount": float64(10)}, 1000)
	if err != nil {
		t.Fatalf("run stage: %v", err)
	}
	if len(res.Effects) != 1 || res.Effects[0].ActionKind != "TransferResource" {
		t.Fatalf("expected one folded effect, got %+v", res.Effects)
	}
	if len(res.Emits) != 1 || res.Emits[0].ModuleID != "m1" || res.Emits[0].Kind != "TransferObserved" {
		t.Fatalf("expected one emit tagged with module_id m1, got %+v", res.Emits)
	}
}

func TestRunTickHonorsSuspendAndResume(t *testing.T) {
	calls := 0
	sb := NewLocalSandbox()
	sb.Register("m1", "wasm-1", "on_tick", func(ctx context.Context, input []byte) (*ModuleOutput, *ModuleCallFailure) {
		calls++
		return &ModuleOutput{TickLifecycle: &TickLifecycle{Suspend: true, ResumeAtTick: 3}}, nil
	})
	h := NewHost(sb, 4, ResourceLimits{})
	cs := ChangeSet{Changes: []Change{
		{Kind: ChangeInstall, Manifest: &Manifest{
			ModuleID: "m1", Version: "v1", WasmHash: "wasm-1",
			Subscriptions: []Subscription{{Stage: StageTick, Entrypoint: "on_tick"}},
		}},
		{Kind: ChangeActivate, ModuleID: "m1", Version: "v1"},
	}}
	if err := h.InstallFromChangeSet(cs); err != nil {
		t.Fatalf("install from change set: %v", err)
	}

	h.RunTick(context.Background(), 1, 1000)
	if calls != 1 {
		t.Fatalf("expected tick 1 to invoke the module once, got %d calls", calls)
	}
	h.RunTick(context.Background(), 2, 1000)
	if calls != 1 {
		t.Fatalf("expected tick 2 to be suppressed by the suspend directive, got %d calls", calls)
	}
	h.RunTick(context.Background(), 3, 1000)
	if calls != 2 {
		t.Fatalf("expected tick 3 to resume the module, got %d calls", calls)
	}
}
