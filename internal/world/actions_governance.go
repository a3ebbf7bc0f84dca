package world

import (
	"encoding/hex"

	"agent-world/internal/crypto"
	"agent-world/internal/world/types"
)

func init() {
	registerHandler("ProposeManifest", applyProposeManifest)
	registerHandler("ShadowValidateManifest", applyShadowValidateManifest)
	registerHandler("ApproveManifest", applyApproveManifest)
	registerHandler("ApplyManifest", applyApplyManifest)
	registerHandler("RejectManifest", applyRejectManifest)
	registerHandler("UpdateGameplayPolicy", applyUpdateGameplayPolicy)
}

// RejectManifestPayload terminally rejects a proposal that has not yet
// been approved or applied.
type RejectManifestPayload struct {
	ProposalID string `cbor:"proposal_id"`
	Reason     string `cbor:"reason"`
}

func applyRejectManifest(w *World, s *State, a *types.Action, nowMs int64) ([]types.Event, *types.RejectReason) {
	var p RejectManifestPayload
	if err := a.DecodePayload(&p); err != nil {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: err.Error()}
	}
	prop, ok := s.Proposals[p.ProposalID]
	if !ok {
		return nil, &types.RejectReason{Kind: types.RuleDenied, Notes: "proposal not found"}
	}
	if prop.Status.Kind != types.ProposalProposed && prop.Status.Kind != types.ProposalShadowed {
		return nil, &types.RejectReason{Kind: types.ProposalInvalidState, Notes: "proposal can only be rejected before approval"}
	}
	prop.Status = types.ProposalStatus{Kind: types.ProposalRejected, Reason: p.Reason}
	return []types.Event{event(s, a.ActionID, "ManifestRejected", p)}, nil
}

func manifestHash(m types.Manifest) string {
	b, err := cborMarshal(m)
	if err != nil {
		panic("world: marshal manifest for hashing: " + err.Error())
	}
	return crypto.BLAKE3Hex(b)
}

// ProposeManifestPayload opens a new GovernanceProposal against the
// currently-applied manifest.
type ProposeManifestPayload struct {
	ProposalID       string            `cbor:"proposal_id"`
	AuthorAgentID    string            `cbor:"author_agent_id"`
	BaseManifestHash string            `cbor:"base_manifest_hash"`
	Proposed         types.Manifest    `cbor:"proposed_manifest"`
	Patch            map[string]string `cbor:"patch,omitempty"`
}

func applyProposeManifest(w *World, s *State, a *types.Action, nowMs int64) ([]types.Event, *types.RejectReason) {
	var p ProposeManifestPayload
	if err := a.DecodePayload(&p); err != nil {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: err.Error()}
	}
	if _, ok := s.Agents[p.AuthorAgentID]; !ok {
		return nil, &types.RejectReason{Kind: types.AgentNotFound, Notes: "author not found"}
	}
	if _, exists := s.Proposals[p.ProposalID]; exists {
		return nil, &types.RejectReason{Kind: types.RuleDenied, Notes: "proposal_id already in use"}
	}
	current := manifestHash(s.Manifest)
	if p.BaseManifestHash != current {
		return nil, &types.RejectReason{
			Kind: types.PatchBaseMismatch, Expected: current, Found: p.BaseManifestHash,
			Notes: "base_manifest_hash does not match the currently applied manifest",
		}
	}
	s.Proposals[p.ProposalID] = &types.GovernanceProposal{
		ID: p.ProposalID, AuthorAgentID: p.AuthorAgentID, BaseManifestHash: p.BaseManifestHash,
		Proposed: p.Proposed, Patch: p.Patch,
		Status: types.ProposalStatus{Kind: types.ProposalProposed},
	}
	return []types.Event{event(s, a.ActionID, "ManifestProposed", p)}, nil
}

// ShadowValidateManifestPayload dry-runs the proposal's module change-set
// against the live module registry without installing anything.
type ShadowValidateManifestPayload struct {
	ProposalID string `cbor:"proposal_id"`
}

func applyShadowValidateManifest(w *World, s *State, a *types.Action, nowMs int64) ([]types.Event, *types.RejectReason) {
	var p ShadowValidateManifestPayload
	if err := a.DecodePayload(&p); err != nil {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: err.Error()}
	}
	prop, ok := s.Proposals[p.ProposalID]
	if !ok {
		return nil, &types.RejectReason{Kind: types.RuleDenied, Notes: "proposal not found"}
	}
	if prop.Status.Kind != types.ProposalProposed {
		return nil, &types.RejectReason{Kind: types.ProposalInvalidState, Notes: "proposal is not in Proposed state"}
	}
	if w.ModHost != nil {
		if err := w.ModHost.Registry.ValidateChangeSet(prop.Proposed.ModuleChange); err != nil {
			return nil, &types.RejectReason{Kind: types.ModuleChangeInvalid, Notes: err.Error()}
		}
	}
	prop.Status = types.ProposalStatus{Kind: types.ProposalShadowed}
	return []types.Event{event(s, a.ActionID, "ManifestShadowValidated", p)}, nil
}

// ApproveManifestPayload records a single approver's sign-off, freezing the
// proposal's manifest hash as approved_hash.
type ApproveManifestPayload struct {
	ProposalID     string `cbor:"proposal_id"`
	ApproverAgentID string `cbor:"approver_agent_id"`
}

func applyApproveManifest(w *World, s *State, a *types.Action, nowMs int64) ([]types.Event, *types.RejectReason) {
	var p ApproveManifestPayload
	if err := a.DecodePayload(&p); err != nil {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: err.Error()}
	}
	prop, ok := s.Proposals[p.ProposalID]
	if !ok {
		return nil, &types.RejectReason{Kind: types.RuleDenied, Notes: "proposal not found"}
	}
	if prop.Status.Kind != types.ProposalShadowed {
		return nil, &types.RejectReason{Kind: types.ProposalInvalidState, Notes: "proposal is not in Shadowed state"}
	}
	approvedHash := manifestHash(prop.Proposed)
	prop.Status = types.ProposalStatus{Kind: types.ProposalApproved, ApprovedHash: approvedHash, Approver: p.ApproverAgentID}
	return []types.Event{event(s, a.ActionID, "ManifestApproved", p)}, nil
}

// ApplyManifestPayload carries the FinalityCertificate authorizing an
// Approved proposal's manifest (and embedded module change-set) to become
// the world's live manifest.
type ApplyManifestPayload struct {
	ProposalID  string                    `cbor:"proposal_id"`
	Certificate types.FinalityCertificate `cbor:"certificate"`
}

func applyApplyManifest(w *World, s *State, a *types.Action, nowMs int64) ([]types.Event, *types.RejectReason) {
	var p ApplyManifestPayload
	if err := a.DecodePayload(&p); err != nil {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: err.Error()}
	}
	prop, ok := s.Proposals[p.ProposalID]
	if !ok {
		return nil, &types.RejectReason{Kind: types.RuleDenied, Notes: "proposal not found"}
	}
	if prop.Status.Kind != types.ProposalApproved {
		return nil, &types.RejectReason{Kind: types.ProposalInvalidState, Notes: "proposal is not in Approved state"}
	}
	if p.Certificate.ManifestHash != prop.Status.ApprovedHash {
		return nil, &types.RejectReason{
			Kind: types.GovernanceFinalityInvalid, Expected: prop.Status.ApprovedHash, Found: p.Certificate.ManifestHash,
			Notes: "certificate manifest_hash does not match approved_hash",
		}
	}
	valid := 0
	payload := []byte(p.Certificate.SigningPayload())
	for _, sig := range p.Certificate.Signatures {
		raw, err := hex.DecodeString(sig.Signature)
		if err != nil {
			continue
		}
		if w.Nodes != nil && w.Nodes.Verify(sig.SignerNodeID, payload, raw) {
			valid++
		}
	}
	if valid < p.Certificate.Threshold {
		return nil, &types.RejectReason{
			Kind: types.GovernanceFinalityInvalid,
			Notes: "insufficient verified signatures to meet the finality threshold",
		}
	}

	if w.ModHost != nil {
		if err := w.ModHost.InstallFromChangeSet(prop.Proposed.ModuleChange); err != nil {
			return nil, &types.RejectReason{Kind: types.ModuleChangeInvalid, Notes: err.Error()}
		}
	}

	stripped := prop.Proposed.StripModuleChanges()
	s.Manifest = stripped
	appliedHash := manifestHash(stripped)
	prop.Status = types.ProposalStatus{
		Kind: types.ProposalApplied, ApprovedHash: prop.Status.ApprovedHash, AppliedHash: appliedHash,
	}
	return []types.Event{event(s, a.ActionID, "ManifestApplied", struct {
		ProposalID   string `cbor:"proposal_id"`
		ApprovedHash string `cbor:"approved_hash"`
		AppliedHash  string `cbor:"applied_hash"`
	}{p.ProposalID, prop.Status.ApprovedHash, appliedHash})}, nil
}

// UpdateGameplayPolicyPayload directly edits the live manifest's tunable
// Params map — a lighter-weight path than the full Propose/Shadow/Approve/
// Apply pipeline, for operator-facing knobs (tick cadence strings, rule
// toggles) that don't carry a module change-set and don't need a finality
// certificate. Setting a value to "" deletes the key.
type UpdateGameplayPolicyPayload struct {
	AuthorAgentID string            `cbor:"author_agent_id"`
	Updates       map[string]string `cbor:"updates"`
}

func applyUpdateGameplayPolicy(w *World, s *State, a *types.Action, nowMs int64) ([]types.Event, *types.RejectReason) {
	var p UpdateGameplayPolicyPayload
	if err := a.DecodePayload(&p); err != nil {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: err.Error()}
	}
	if _, ok := s.Agents[p.AuthorAgentID]; !ok {
		return nil, &types.RejectReason{Kind: types.AgentNotFound, Notes: "author not found"}
	}
	if len(p.Updates) == 0 {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: "updates must be non-empty"}
	}
	if s.Manifest.Params == nil {
		s.Manifest.Params = make(map[string]string)
	}
	for k, v := range p.Updates {
		if k == "" {
			return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: "policy key must not be empty"}
		}
		if v == "" {
			delete(s.Manifest.Params, k)
			continue
		}
		s.Manifest.Params[k] = v
	}
	return []types.Event{event(s, a.ActionID, "GameplayPolicyUpdated", p)}, nil
}
