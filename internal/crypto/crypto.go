// Package crypto collects the primitives used for hashing and signing
// throughout agent-world: Ed25519 signatures over canonical-CBOR payloads,
// HMAC-SHA-256 for keyring-based signing, BLAKE3 for content hashing, and
// SHA-256 where the wire format specifically calls for it (module wasm
// hashes, identity_hash_v1 signatures).
package crypto

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

// KeyPair is an Ed25519 signing identity.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh Ed25519 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate ed25519 key: %w", err)
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// KeyPairFromSeedHex reconstructs a keypair from a hex-encoded 32-byte seed,
// the form persisted in agent-world.toml's [node] section.
func KeyPairFromSeedHex(seedHex string) (*KeyPair, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode seed hex: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("crypto: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &KeyPair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

// SeedHex returns the hex-encoded 32-byte seed backing the private key.
func (k *KeyPair) SeedHex() string {
	return hex.EncodeToString(k.Private.Seed())
}

// PublicHex returns the hex-encoded public key.
func (k *KeyPair) PublicHex() string {
	return hex.EncodeToString(k.Public)
}

// Sign signs payload with the keypair's private key.
func (k *KeyPair) Sign(payload []byte) []byte {
	return ed25519.Sign(k.Private, payload)
}

// VerifyEd25519Hex verifies sig against payload using the hex-encoded public
// key. It returns false (never an error) for malformed hex or key lengths,
// matching the "verification either succeeds or the message is dropped"
// propagation rule in §7.
func VerifyEd25519Hex(publicKeyHex string, payload, sig []byte) bool {
	pub, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, payload, sig)
}

// VerifyEd25519 verifies sig against payload using a raw public key.
func VerifyEd25519(pub ed25519.PublicKey, payload, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, payload, sig)
}

// HMACSHA256 computes an HMAC-SHA-256 tag over payload under key.
func HMACSHA256(key, payload []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return mac.Sum(nil)
}

// VerifyHMACSHA256 reports whether tag is the correct HMAC-SHA-256 of
// payload under key, using a constant-time comparison.
func VerifyHMACSHA256(key, payload, tag []byte) bool {
	expected := HMACSHA256(key, payload)
	return subtle.ConstantTimeCompare(expected, tag) == 1
}

// BLAKE3Hex returns the lowercase hex BLAKE3-256 digest of b, the "Hash"
// form used throughout the spec for content and action hashing.
func BLAKE3Hex(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// SHA256Hex returns the lowercase hex SHA-256 digest of b, used for module
// wasm_hash and identity_hash_v1 signatures.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
