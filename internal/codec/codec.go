// Package codec implements the canonical encodings used for hashing,
// signing, and wire transport throughout agent-world.
//
// Canonical CBOR (RFC 8949 core deterministic profile) is used wherever a
// value must be hashed or signed: map keys are sorted, encodings are
// shortest-form, and there is exactly one valid byte representation of any
// given value. JSON is used for transport envelopes where human-readable
// wire formats and easy versioning matter more than canonicality.
package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// canonicalEncMode is shared by every caller so that the same Go value
// always serializes to the same bytes, which is the property hashing and
// signing depend on.
var canonicalEncMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("codec: building canonical encode mode: %v", err))
	}
	return mode
}

var decMode = mustDecMode()

func mustDecMode() cbor.DecMode {
	mode, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("codec: building decode mode: %v", err))
	}
	return mode
}

// MarshalCanonical encodes v as canonical CBOR, the sole representation used
// for hashing and signing payloads throughout the system.
func MarshalCanonical(v interface{}) ([]byte, error) {
	b, err := canonicalEncMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal canonical cbor: %w", err)
	}
	return b, nil
}

// UnmarshalCanonical decodes canonical CBOR bytes into v.
func UnmarshalCanonical(b []byte, v interface{}) error {
	if err := decMode.Unmarshal(b, v); err != nil {
		return fmt.Errorf("codec: unmarshal canonical cbor: %w", err)
	}
	return nil
}
