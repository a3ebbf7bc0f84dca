// Package types defines the wire-level Action envelope shared by the
// mempool, consensus engine, and world state machine. The envelope itself
// is content-agnostic (mempool/consensus only need id/size/zone/ordering);
// the world package decodes Payload into a concrete action kind using Kind
// as the discriminator.
package types

import (
	"agent-world/internal/codec"
	"agent-world/internal/crypto"
)

// Action is one externally submitted command, addressed by ActionID and
// carrying a canonical-CBOR encoded Payload whose shape is determined by
// Kind.
type Action struct {
	ActionID       string `cbor:"action_id" json:"action_id"`
	ActorID        string `cbor:"actor_id" json:"actor_id"`
	Kind           string `cbor:"kind" json:"kind"`
	IdempotencyKey string `cbor:"idempotency_key,omitempty" json:"idempotency_key,omitempty"`
	ZoneID         string `cbor:"zone_id,omitempty" json:"zone_id,omitempty"`
	SubmittedAtMs  int64  `cbor:"submitted_at_ms" json:"submitted_at_ms"`
	Payload        []byte `cbor:"payload" json:"payload"`
}

// CanonicalBytes returns the canonical CBOR encoding of the action, the
// input to action_root and batch_id hashing.
func (a *Action) CanonicalBytes() ([]byte, error) {
	return codec.MarshalCanonical(a)
}

// SerializedSize returns the canonical-CBOR encoded size of the action,
// used by the mempool to enforce max_payload_bytes.
func (a *Action) SerializedSize() (int, error) {
	b, err := a.CanonicalBytes()
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// DecodePayload decodes the action's Payload into dst, which must be a
// pointer to the concrete struct matching Kind.
func (a *Action) DecodePayload(dst interface{}) error {
	return codec.UnmarshalCanonical(a.Payload, dst)
}

// EncodePayload canonically encodes payload and sets it on the action.
func (a *Action) EncodePayload(payload interface{}) error {
	b, err := codec.MarshalCanonical(payload)
	if err != nil {
		return err
	}
	a.Payload = b
	return nil
}

// ActionRoot computes BLAKE3(CBOR(actions)), the action_root binding used
// by block assembly and peer commit verification.
func ActionRoot(actions []*Action) (string, error) {
	b, err := codec.MarshalCanonical(actions)
	if err != nil {
		return "", err
	}
	return crypto.BLAKE3Hex(b), nil
}
