package modhost

import (
	"errors"
	"fmt"
	"strings"

	"agent-world/internal/crypto"
)

// ErrUnsignedPrefix is returned when a signature is missing its required
// scheme prefix — unsigned artifacts are forbidden outright.
var ErrUnsignedPrefix = errors.New("modhost: signature missing required scheme prefix")

// CapabilityGrant is a time-bounded grant allowing a module to request a
// class of effects.
type CapabilityGrant struct {
	CapRef    string `json:"cap_ref"`
	Kind      string `json:"kind"`
	ExpiresAt int64  `json:"expires_at_ms"`
}

// ValidationContext supplies the external facts manifest validation needs:
// currently held capability grants, configured resource maxima, and a
// resolver from signer node_id to public key.
type ValidationContext struct {
	HeldCaps    map[string]CapabilityGrant
	Maxima      ResourceLimits
	NowMs       int64
	PublicKeyOf func(nodeID string) (string, bool)
}

// ValidateManifest runs every check §4.2 requires for a register/upgrade.
func ValidateManifest(m Manifest, ctx ValidationContext) error {
	if m.ModuleID == "" || m.Version == "" || m.WasmHash == "" {
		return fmt.Errorf("modhost: module_id, version, and wasm_hash are required")
	}
	if m.InterfaceVersion != "wasm-1" {
		return fmt.Errorf("modhost: interface_version must be %q, got %q", "wasm-1", m.InterfaceVersion)
	}
	if err := validateIdentity(m, ctx); err != nil {
		return err
	}
	if len(m.Exports) == 0 {
		return fmt.Errorf("modhost: manifest must declare at least one export")
	}
	for _, sub := range m.Subscriptions {
		if err := sub.Validate(); err != nil {
			return err
		}
	}
	for _, capID := range m.RequiredCaps {
		grant, ok := ctx.HeldCaps[capID]
		if !ok {
			return fmt.Errorf("modhost: required capability %q is not held", capID)
		}
		if ctx.NowMs > 0 && grant.ExpiresAt > 0 && grant.ExpiresAt <= ctx.NowMs {
			return fmt.Errorf("modhost: required capability %q has expired", capID)
		}
	}
	if m.Limits.ExceedsMaxima(ctx.Maxima) {
		return fmt.Errorf("modhost: declared limits exceed configured maxima")
	}
	return validateABI(m)
}

func validateIdentity(m Manifest, ctx ValidationContext) error {
	id := m.Identity
	if id.SignerNodeID == "" || id.SourceHash == "" || id.BuildManifestHash == "" || id.Signature == "" {
		return fmt.Errorf("modhost: artifact_identity must be complete")
	}
	switch id.SignatureScheme {
	case SchemeEd25519:
		const prefix = "modsig:ed25519:v1:"
		if !strings.HasPrefix(id.Signature, prefix) {
			return ErrUnsignedPrefix
		}
		sigHex := strings.TrimPrefix(id.Signature, prefix)
		var sigBytes []byte
		if _, err := fmt.Sscanf(sigHex, "%x", &sigBytes); err != nil {
			return fmt.Errorf("modhost: decode ed25519 signature hex: %w", err)
		}
		if ctx.PublicKeyOf == nil {
			return fmt.Errorf("modhost: no public key resolver configured")
		}
		pubHex, ok := ctx.PublicKeyOf(id.SignerNodeID)
		if !ok {
			return fmt.Errorf("modhost: signer %q is not bound to a public key", id.SignerNodeID)
		}
		if !crypto.VerifyEd25519Hex(pubHex, []byte(m.SigningPayload()), sigBytes) {
			return fmt.Errorf("modhost: ed25519 signature verification failed")
		}
	case SchemeIdentityHash:
		const prefix = "idhash:"
		if !strings.HasPrefix(id.Signature, prefix) {
			return ErrUnsignedPrefix
		}
		expected := prefix + crypto.SHA256Hex([]byte(m.IdentityHashV1Payload()))
		if id.Signature != expected {
			return fmt.Errorf("modhost: identity_hash_v1 signature mismatch")
		}
	default:
		return fmt.Errorf("modhost: unknown signature scheme %q", id.SignatureScheme)
	}

	hasEntrypoint := func(kind ExportKind) bool {
		for _, e := range m.Exports {
			if e.Kind == kind && e.Entrypoint != "" {
				return true
			}
		}
		return false
	}
	if !hasEntrypoint(ExportReduce) && !hasEntrypoint(ExportCall) {
		return fmt.Errorf("modhost: exports must include a reduce or call entrypoint")
	}
	return nil
}

func validateABI(m Manifest) error {
	abi := m.ABI
	if abi.InputSchema != "" && abi.OutputSchema == "" {
		return fmt.Errorf("modhost: output_schema must be set when input_schema is set")
	}
	declared := make(map[string]struct{}, len(m.RequiredCaps))
	for _, c := range m.RequiredCaps {
		declared[c] = struct{}{}
	}
	for _, slot := range abi.CapSlots {
		if _, ok := declared[slot.CapRef]; !ok {
			return fmt.Errorf("modhost: cap_slot %q references undeclared cap_ref %q", slot.Slot, slot.CapRef)
		}
	}
	for _, hook := range abi.PolicyHooks {
		for _, other := range abi.PolicyHooks {
			if hook == other && hook == m.ModuleID {
				return fmt.Errorf("modhost: policy_hooks cannot self-reference the module")
			}
		}
	}
	return nil
}
