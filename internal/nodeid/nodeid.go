// Package nodeid binds a node's Ed25519 keypair to its advertised node_id,
// the identity consensus, replication, and membership all sign and verify
// against.
package nodeid

import (
	"fmt"

	"agent-world/internal/crypto"
)

// Identity is a node's signing keypair plus its advertised node_id.
type Identity struct {
	NodeID string
	Keys   *crypto.KeyPair
}

// New constructs an Identity, defaulting NodeID to the hex public key when
// nodeID is empty.
func New(nodeID string, keys *crypto.KeyPair) *Identity {
	if nodeID == "" {
		nodeID = keys.PublicHex()
	}
	return &Identity{NodeID: nodeID, Keys: keys}
}

// Sign signs payload with the node's private key.
func (id *Identity) Sign(payload []byte) []byte {
	return id.Keys.Sign(payload)
}

// PublicKeyHex returns the node's hex-encoded public key.
func (id *Identity) PublicKeyHex() string {
	return id.Keys.PublicHex()
}

// Directory resolves node_id -> public key bindings, the binding every
// signature-carrying message in the spec must be checked against before
// being accepted (§4.4 commit ingestion, §4.7 membership, §4.8 settlement).
type Directory struct {
	bindings map[string]string // node_id -> public_key_hex
}

// NewDirectory constructs an empty binding directory.
func NewDirectory() *Directory {
	return &Directory{bindings: make(map[string]string)}
}

// Bind records that nodeID signs with publicKeyHex. Re-binding a node_id to
// a different key overwrites the previous binding; callers that need
// rotation auditing should consult membership's key-revocation records
// first.
func (d *Directory) Bind(nodeID, publicKeyHex string) {
	d.bindings[nodeID] = publicKeyHex
}

// PublicKeyHex returns the bound public key for nodeID, if any.
func (d *Directory) PublicKeyHex(nodeID string) (string, bool) {
	k, ok := d.bindings[nodeID]
	return k, ok
}

// Verify reports whether sig over payload is valid for nodeID's bound
// public key. It fails closed: an unbound node_id never verifies.
func (d *Directory) Verify(nodeID string, payload, sig []byte) bool {
	pub, ok := d.bindings[nodeID]
	if !ok {
		return false
	}
	return crypto.VerifyEd25519Hex(pub, payload, sig)
}

// VerifyBinding reports whether nodeID is bound to exactly publicKeyHex,
// the check commit ingestion performs before trusting a signer's key.
func (d *Directory) VerifyBinding(nodeID, publicKeyHex string) error {
	bound, ok := d.bindings[nodeID]
	if !ok {
		return fmt.Errorf("nodeid: %s is not bound to any public key", nodeID)
	}
	if bound != publicKeyHex {
		return fmt.Errorf("nodeid: %s is bound to a different public key", nodeID)
	}
	return nil
}
