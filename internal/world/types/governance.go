package types

import "agent-world/internal/modhost"

// ProposalStatusKind enumerates GovernanceProposal lifecycle states.
type ProposalStatusKind string

const (
	ProposalProposed ProposalStatusKind = "Proposed"
	ProposalShadowed ProposalStatusKind = "Shadowed"
	ProposalApproved ProposalStatusKind = "Approved"
	ProposalRejected ProposalStatusKind = "Rejected"
	ProposalApplied  ProposalStatusKind = "Applied"
)

// ProposalStatus is the tagged status of a GovernanceProposal, carrying the
// payload each variant needs (manifest hashes, approver, reject reason).
type ProposalStatus struct {
	Kind         ProposalStatusKind `cbor:"kind" json:"kind"`
	ManifestHash string             `cbor:"manifest_hash,omitempty" json:"manifest_hash,omitempty"`
	ApprovedHash string             `cbor:"approved_hash,omitempty" json:"approved_hash,omitempty"`
	AppliedHash  string             `cbor:"applied_hash,omitempty" json:"applied_hash,omitempty"`
	Approver     string             `cbor:"approver,omitempty" json:"approver,omitempty"`
	Reason       string             `cbor:"reason,omitempty" json:"reason,omitempty"`
}

// Manifest is the world configuration document a GovernanceProposal
// proposes, with an embedded module change-set that is extracted and
// processed by the module host before the module-stripped remainder is
// stored.
type Manifest struct {
	WorldName    string            `cbor:"world_name" json:"world_name"`
	TickMillis   uint64            `cbor:"tick_millis" json:"tick_millis"`
	Params       map[string]string `cbor:"params,omitempty" json:"params,omitempty"`
	ModuleChange modhost.ChangeSet `cbor:"module_change" json:"module_change"`
}

// StripModuleChanges returns a copy of m with ModuleChange cleared, the
// "module-stripped Manifest" stored after module changes are processed.
func (m Manifest) StripModuleChanges() Manifest {
	stripped := m
	stripped.ModuleChange = modhost.ChangeSet{}
	return stripped
}

// GovernanceProposal is a proposed world-configuration change moving
// through the Proposed -> Shadowed -> Approved -> Applied pipeline.
type GovernanceProposal struct {
	ID               string         `cbor:"id" json:"id"`
	AuthorAgentID    string         `cbor:"author_agent_id" json:"author_agent_id"`
	BaseManifestHash string         `cbor:"base_manifest_hash" json:"base_manifest_hash"`
	Proposed         Manifest       `cbor:"proposed_manifest" json:"proposed_manifest"`
	Patch            map[string]string `cbor:"patch,omitempty" json:"patch,omitempty"`
	Status           ProposalStatus `cbor:"status" json:"status"`
}

// FinalitySignature is one signer's Ed25519 signature over a finality
// binding.
type FinalitySignature struct {
	SignerNodeID string `cbor:"signer_node_id" json:"signer_node_id"`
	Signature    string `cbor:"signature" json:"signature"` // hex
}

// FinalityCertificate binds a manifest_hash to >= Threshold verified
// Ed25519 signatures from bound node identities (§9 Glossary).
type FinalityCertificate struct {
	ManifestHash string               `cbor:"manifest_hash" json:"manifest_hash"`
	Threshold    int                  `cbor:"threshold" json:"threshold"`
	Signatures   []FinalitySignature  `cbor:"signatures" json:"signatures"`
}

// SigningPayload returns the canonical payload a finality signature is
// computed over.
func (c FinalityCertificate) SigningPayload() string {
	return "aw-finality:v1|" + c.ManifestHash
}
