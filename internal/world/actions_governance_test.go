package world

import (
	"encoding/hex"
	"testing"

	"agent-world/internal/crypto"
	"agent-world/internal/nodeid"
	"agent-world/internal/world/types"
)

func TestGovernancePipelineFullCycle(t *testing.T) {
	w := newTestWorld(t)
	registerAgent(t, w, "author")

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	identity := nodeid.New("node-a", kp)
	w.Nodes.Bind(identity.NodeID, identity.PublicKeyHex())

	baseHash := manifestHash(w.State.Manifest)
	proposed := types.Manifest{WorldName: "updated-world", TickMillis: 500}

	events := w.Apply(mustAction(t, "prop-1", "author", "ProposeManifest", ProposeManifestPayload{
		ProposalID: "p1", AuthorAgentID: "author", BaseManifestHash: baseHash, Proposed: proposed,
	}), 1)
	if len(events) != 1 || events[0].Kind != "ManifestProposed" {
		t.Fatalf("expected ManifestProposed, got %+v", events)
	}

	events = w.Apply(mustAction(t, "shadow-1", "author", "ShadowValidateManifest", ShadowValidateManifestPayload{ProposalID: "p1"}), 1)
	if len(events) != 1 || events[0].Kind != "ManifestShadowValidated" {
		t.Fatalf("expected ManifestShadowValidated, got %+v", events)
	}

	events = w.Apply(mustAction(t, "approve-1", "author", "ApproveManifest", ApproveManifestPayload{ProposalID: "p1", ApproverAgentID: "author"}), 1)
	if len(events) != 1 || events[0].Kind != "ManifestApproved" {
		t.Fatalf("expected ManifestApproved, got %+v", events)
	}

	approvedHash := w.State.Proposals["p1"].Status.ApprovedHash
	cert := types.FinalityCertificate{ManifestHash: approvedHash, Threshold: 1}
	sig := identity.Sign([]byte(cert.SigningPayload()))
	cert.Signatures = []types.FinalitySignature{{SignerNodeID: identity.NodeID, Signature: hex.EncodeToString(sig)}}

	events = w.Apply(mustAction(t, "apply-1", "author", "ApplyManifest", ApplyManifestPayload{ProposalID: "p1", Certificate: cert}), 1)
	if len(events) != 1 || events[0].Kind != "ManifestApplied" {
		t.Fatalf("expected ManifestApplied, got %+v", events)
	}
	if w.State.Manifest.WorldName != "updated-world" {
		t.Fatalf("expected the new manifest to be live, got %+v", w.State.Manifest)
	}
	if w.State.Proposals["p1"].Status.Kind != types.ProposalApplied {
		t.Fatalf("expected proposal status Applied, got %s", w.State.Proposals["p1"].Status.Kind)
	}
}

func TestApplyManifestRejectsUnmetThreshold(t *testing.T) {
	w := newTestWorld(t)
	registerAgent(t, w, "author")

	baseHash := manifestHash(w.State.Manifest)
	w.Apply(mustAction(t, "prop-1", "author", "ProposeManifest", ProposeManifestPayload{
		ProposalID: "p1", AuthorAgentID: "author", BaseManifestHash: baseHash,
		Proposed: types.Manifest{WorldName: "x"},
	}), 1)
	w.Apply(mustAction(t, "shadow-1", "author", "ShadowValidateManifest", ShadowValidateManifestPayload{ProposalID: "p1"}), 1)
	w.Apply(mustAction(t, "approve-1", "author", "ApproveManifest", ApproveManifestPayload{ProposalID: "p1", ApproverAgentID: "author"}), 1)

	approvedHash := w.State.Proposals["p1"].Status.ApprovedHash
	// No signatures at all: threshold of 1 cannot be met.
	cert := types.FinalityCertificate{ManifestHash: approvedHash, Threshold: 1}
	events := w.Apply(mustAction(t, "apply-1", "author", "ApplyManifest", ApplyManifestPayload{ProposalID: "p1", Certificate: cert}), 1)
	if len(events) != 1 || events[0].Kind != "ActionRejected" {
		t.Fatalf("expected ApplyManifest to be rejected for unmet threshold, got %+v", events)
	}
	if w.State.Proposals["p1"].Status.Kind != types.ProposalApproved {
		t.Fatalf("expected proposal to remain Approved after a rejected apply, got %s", w.State.Proposals["p1"].Status.Kind)
	}
}

func TestUpdateGameplayPolicySetsAndClearsParams(t *testing.T) {
	w := newTestWorld(t)
	registerAgent(t, w, "author")

	events := w.Apply(mustAction(t, "policy-1", "author", "UpdateGameplayPolicy", UpdateGameplayPolicyPayload{
		AuthorAgentID: "author", Updates: map[string]string{"pvp_enabled": "true"},
	}), 1)
	if len(events) != 1 || events[0].Kind != "GameplayPolicyUpdated" {
		t.Fatalf("expected GameplayPolicyUpdated, got %+v", events)
	}
	if got := w.State.Manifest.Params["pvp_enabled"]; got != "true" {
		t.Fatalf("expected pvp_enabled=true, got %q", got)
	}

	w.Apply(mustAction(t, "policy-2", "author", "UpdateGameplayPolicy", UpdateGameplayPolicyPayload{
		AuthorAgentID: "author", Updates: map[string]string{"pvp_enabled": ""},
	}), 1)
	if _, ok := w.State.Manifest.Params["pvp_enabled"]; ok {
		t.Fatalf("expected pvp_enabled to be cleared, got %+v", w.State.Manifest.Params)
	}
}

func TestUpdateGameplayPolicyRejectsUnknownAuthor(t *testing.T) {
	w := newTestWorld(t)
	events := w.Apply(mustAction(t, "policy-1", "ghost", "UpdateGameplayPolicy", UpdateGameplayPolicyPayload{
		AuthorAgentID: "ghost", Updates: map[string]string{"k": "v"},
	}), 1)
	if len(events) != 1 || events[0].Kind != "ActionRejected" {
		t.Fatalf("expected rejection for unknown author, got %+v", events)
	}
}

func TestProposeManifestRejectsBaseMismatch(t *testing.T) {
	w := newTestWorld(t)
	registerAgent(t, w, "author")
	events := w.Apply(mustAction(t, "prop-1", "author", "ProposeManifest", ProposeManifestPayload{
		ProposalID: "p1", AuthorAgentID: "author", BaseManifestHash: "wrong-hash",
		Proposed: types.Manifest{WorldName: "x"},
	}), 1)
	if len(events) != 1 || events[0].Kind != "ActionRejected" {
		t.Fatalf("expected base_manifest_hash mismatch to be rejected, got %+v", events)
	}
}
