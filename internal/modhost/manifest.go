// Package modhost implements the module lifecycle and sandboxed call-out
// subsystem (component E): manifest validation, the module registry,
// staged subscription dispatch, and the sandbox contract whose outputs
// fold back into the world state machine as new actions.
package modhost

import (
	"fmt"
	"strings"
)

// SignatureScheme enumerates the module artifact signing schemes §4.2
// defines.
type SignatureScheme string

const (
	SchemeEd25519      SignatureScheme = "ed25519"
	SchemeIdentityHash  SignatureScheme = "identity_hash_v1"
)

// ArtifactIdentity binds a module artifact to its signer and signature.
type ArtifactIdentity struct {
	SignerNodeID      string          `cbor:"signer_node_id" json:"signer_node_id"`
	SignatureScheme   SignatureScheme `cbor:"signature_scheme" json:"signature_scheme"`
	SourceHash        string          `cbor:"source_hash" json:"source_hash"`
	BuildManifestHash string          `cbor:"build_manifest_hash" json:"build_manifest_hash"`
	Signature         string          `cbor:"signature" json:"signature"`
}

// ExportKind enumerates the export entrypoint kinds a module may declare.
type ExportKind string

const (
	ExportReduce ExportKind = "reduce"
	ExportCall   ExportKind = "call"
)

// Export declares one callable entrypoint exposed by a module.
type Export struct {
	Kind       ExportKind `cbor:"kind" json:"kind"`
	Entrypoint string     `cbor:"entrypoint" json:"entrypoint"`
}

// Stage enumerates the subscription dispatch stages §4.2 defines.
type Stage string

const (
	StagePreAction  Stage = "PreAction"
	StagePostAction Stage = "PostAction"
	StagePostEvent  Stage = "PostEvent"
	StageTick       Stage = "Tick"
)

// FilterOp enumerates the comparison operators the filter grammar supports.
type FilterOp string

const (
	OpEq  FilterOp = "eq"
	OpNe  FilterOp = "ne"
	OpGt  FilterOp = "gt"
	OpGte FilterOp = "gte"
	OpLt  FilterOp = "lt"
	OpLte FilterOp = "lte"
	OpRe  FilterOp = "re"
)

// FilterRule is one leaf predicate in the filter grammar.
type FilterRule struct {
	Path  string      `cbor:"path" json:"path"`
	Op    FilterOp    `cbor:"op" json:"op"`
	Value interface{} `cbor:"value" json:"value"`
}

// Filter is the `{event|action: [rule…] | {all:[…], any:[…]}}` grammar.
// Exactly one of Rules, All, or Any should be set.
type Filter struct {
	Rules []FilterRule `cbor:"rules,omitempty" json:"rules,omitempty"`
	All   []Filter     `cbor:"all,omitempty" json:"all,omitempty"`
	Any   []Filter     `cbor:"any,omitempty" json:"any,omitempty"`
}

// Subscription registers a module callback for one dispatch stage.
type Subscription struct {
	Stage      Stage    `cbor:"stage" json:"stage"`
	Patterns   []string `cbor:"patterns,omitempty" json:"patterns,omitempty"`
	Filter     *Filter  `cbor:"filter,omitempty" json:"filter,omitempty"`
	Entrypoint string   `cbor:"entrypoint" json:"entrypoint"`
}

// Validate checks the stage/pattern/filter shape rules from §4.2.
func (s Subscription) Validate() error {
	switch s.Stage {
	case StagePreAction, StagePostAction, StagePostEvent:
		if len(s.Patterns) == 0 {
			return fmt.Errorf("modhost: stage %s requires at least one pattern", s.Stage)
		}
	case StageTick:
		if len(s.Patterns) != 0 || s.Filter != nil {
			return fmt.Errorf("modhost: Tick subscriptions permit no patterns or filter")
		}
	default:
		return fmt.Errorf("modhost: unknown subscription stage %q", s.Stage)
	}
	if s.Filter != nil {
		if err := validateFilter(*s.Filter); err != nil {
			return err
		}
	}
	return nil
}

func validateFilter(f Filter) error {
	groups := 0
	if len(f.Rules) > 0 {
		groups++
	}
	if len(f.All) > 0 {
		groups++
	}
	if len(f.Any) > 0 {
		groups++
	}
	if groups > 1 {
		return fmt.Errorf("modhost: filter must use exactly one of rules/all/any")
	}
	for _, r := range f.Rules {
		if !strings.HasPrefix(r.Path, "/") {
			return fmt.Errorf("modhost: filter path %q must start with /", r.Path)
		}
		switch r.Op {
		case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpRe:
		default:
			return fmt.Errorf("modhost: unknown filter operator %q", r.Op)
		}
		if f, ok := r.Value.(float64); ok {
			if f != f || f > maxFinite || f < -maxFinite {
				return fmt.Errorf("modhost: filter value for %q must be finite", r.Path)
			}
		}
	}
	for _, sub := range f.All {
		if err := validateFilter(sub); err != nil {
			return err
		}
	}
	for _, sub := range f.Any {
		if err := validateFilter(sub); err != nil {
			return err
		}
	}
	return nil
}

const maxFinite = 1e308

// MatchesPattern reports whether kind matches pattern, where pattern is an
// exact string, "*" (match anything), or "prefix*" (prefix match).
func MatchesPattern(pattern, kind string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(kind, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == kind
}

// ResourceLimits bounds what a sandboxed call may consume.
type ResourceLimits struct {
	MemoryBytes uint64 `cbor:"memory_bytes" json:"memory_bytes"`
	Gas         uint64 `cbor:"gas" json:"gas"`
	CallRate    uint32 `cbor:"call_rate" json:"call_rate"`
	OutputBytes uint64 `cbor:"output_bytes" json:"output_bytes"`
	Effects     uint32 `cbor:"effects" json:"effects"`
	Emits       uint32 `cbor:"emits" json:"emits"`
}

// ExceedsMaxima reports whether any field of l exceeds the corresponding
// field of maxima.
func (l ResourceLimits) ExceedsMaxima(maxima ResourceLimits) bool {
	return l.MemoryBytes > maxima.MemoryBytes ||
		l.Gas > maxima.Gas ||
		uint64(l.CallRate) > uint64(maxima.CallRate) ||
		l.OutputBytes > maxima.OutputBytes ||
		uint64(l.Effects) > uint64(maxima.Effects) ||
		uint64(l.Emits) > uint64(maxima.Emits)
}

// CapSlotRef binds a capability slot name to a held capability reference.
type CapSlotRef struct {
	Slot   string `cbor:"slot" json:"slot"`
	CapRef string `cbor:"cap_ref" json:"cap_ref"`
}

// ABIContract declares the module's schema and capability wiring.
type ABIContract struct {
	InputSchema  string       `cbor:"input_schema,omitempty" json:"input_schema,omitempty"`
	OutputSchema string       `cbor:"output_schema,omitempty" json:"output_schema,omitempty"`
	CapSlots     []CapSlotRef `cbor:"cap_slots,omitempty" json:"cap_slots,omitempty"`
	PolicyHooks  []string     `cbor:"policy_hooks,omitempty" json:"policy_hooks,omitempty"`
}

// Manifest is a module's registered (or proposed-for-upgrade) declaration.
type Manifest struct {
	ModuleID         string           `cbor:"module_id" json:"module_id"`
	Version          string           `cbor:"version" json:"version"`
	WasmHash         string           `cbor:"wasm_hash" json:"wasm_hash"`
	InterfaceVersion string           `cbor:"interface_version" json:"interface_version"`
	Identity         ArtifactIdentity `cbor:"artifact_identity" json:"artifact_identity"`
	Exports          []Export         `cbor:"exports" json:"exports"`
	Subscriptions    []Subscription   `cbor:"subscriptions,omitempty" json:"subscriptions,omitempty"`
	RequiredCaps     []string         `cbor:"required_caps,omitempty" json:"required_caps,omitempty"`
	Limits           ResourceLimits   `cbor:"limits" json:"limits"`
	ABI              ABIContract      `cbor:"abi_contract" json:"abi_contract"`
}

// Key returns the registry key "module_id@version".
func (m Manifest) Key() string {
	return m.ModuleID + "@" + m.Version
}

// SigningPayload returns the tagged payload that must be signed per §4.2.
func (m Manifest) SigningPayload() string {
	return "modsig:ed25519:v1|" + m.WasmHash + "|" + m.Identity.SourceHash + "|" +
		m.Identity.BuildManifestHash + "|" + m.Identity.SignerNodeID
}

// IdentityHashV1Payload returns the preimage hashed for identity_hash_v1
// signatures: module_id + ":" + source_hash + ":" + build_manifest_hash.
func (m Manifest) IdentityHashV1Payload() string {
	return m.ModuleID + ":" + m.Identity.SourceHash + ":" + m.Identity.BuildManifestHash
}
