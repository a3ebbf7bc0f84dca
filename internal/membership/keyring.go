package membership

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"agent-world/internal/codec"
	"agent-world/internal/crypto"
)

// Signature-scheme prefixes carried on keyring-produced signatures, so a
// verifier can tell how a signature was made without out-of-band context.
const (
	ed25519SigPrefix = "ed25519:v1:"
	hmacSigPrefix    = "hmac:v1:"
)

// Key is one keyring entry: an Ed25519 keypair or an HMAC shared secret,
// plus its revocation flag. A revoked key can neither sign nor verify.
type Key struct {
	KeyID   string
	Scheme  SignatureScheme
	Revoked bool

	keys   *crypto.KeyPair // ed25519
	secret []byte          // hmac
}

// PublicKeyHex returns the ed25519 public key, empty for HMAC keys.
func (k *Key) PublicKeyHex() string {
	if k.keys == nil {
		return ""
	}
	return k.keys.PublicHex()
}

// Keyring holds the node's signing keys by key_id. Rotation installs a new
// key and revokes the old one atomically; revocation announcements drained
// from pub-sub mark keys revoked through SyncKeyRevocationsWithPolicy.
type Keyring struct {
	mu   sync.Mutex
	keys map[string]*Key
}

// NewKeyring constructs an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string]*Key)}
}

// AddEd25519 installs an Ed25519 key under keyID.
func (r *Keyring) AddEd25519(keyID string, keys *crypto.KeyPair) error {
	return r.add(&Key{KeyID: keyID, Scheme: SchemeEd25519, keys: keys})
}

// AddHMAC installs a shared-secret key under keyID.
func (r *Keyring) AddHMAC(keyID string, secret []byte) error {
	return r.add(&Key{KeyID: keyID, Scheme: SchemeHMAC, secret: append([]byte(nil), secret...)})
}

func (r *Keyring) add(k *Key) error {
	if k.KeyID == "" {
		return fmt.Errorf("membership: key_id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.keys[k.KeyID]; exists {
		return fmt.Errorf("membership: key %q already exists", k.KeyID)
	}
	r.keys[k.KeyID] = k
	return nil
}

// Rotate installs newKeys under newKeyID and revokes oldKeyID in one step,
// the signing-key rotation §4.7 requires. The old key must exist and not
// already be revoked.
func (r *Keyring) Rotate(oldKeyID, newKeyID string, newKeys *crypto.KeyPair) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.keys[oldKeyID]
	if !ok {
		return fmt.Errorf("membership: rotate: key %q not found", oldKeyID)
	}
	if old.Revoked {
		return fmt.Errorf("membership: rotate: key %q is already revoked", oldKeyID)
	}
	if _, exists := r.keys[newKeyID]; exists {
		return fmt.Errorf("membership: rotate: key %q already exists", newKeyID)
	}
	r.keys[newKeyID] = &Key{KeyID: newKeyID, Scheme: SchemeEd25519, keys: newKeys}
	old.Revoked = true
	return nil
}

// RevokeKey marks keyID revoked. Revoking an unknown key is a no-op so a
// revocation announcement can arrive before the key itself ever did.
func (r *Keyring) RevokeKey(keyID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if k, ok := r.keys[keyID]; ok {
		k.Revoked = true
	}
}

// IsRevoked reports whether keyID is known and revoked.
func (r *Keyring) IsRevoked(keyID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[keyID]
	return ok && k.Revoked
}

// Lookup returns the key for keyID.
func (r *Keyring) Lookup(keyID string) (*Key, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[keyID]
	return k, ok
}

// Sign signs payload with keyID, returning a scheme-prefixed signature.
// Revoked keys refuse to sign.
func (r *Keyring) Sign(keyID string, payload []byte) (string, error) {
	r.mu.Lock()
	k, ok := r.keys[keyID]
	r.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("membership: sign: key %q not found", keyID)
	}
	if k.Revoked {
		return "", fmt.Errorf("membership: sign: key %q is revoked", keyID)
	}
	switch k.Scheme {
	case SchemeEd25519:
		return ed25519SigPrefix + hex.EncodeToString(k.keys.Sign(payload)), nil
	case SchemeHMAC:
		return hmacSigPrefix + hex.EncodeToString(crypto.HMACSHA256(k.secret, payload)), nil
	default:
		return "", fmt.Errorf("membership: sign: key %q has unknown scheme %q", keyID, k.Scheme)
	}
}

// Verify checks a scheme-prefixed signature made by keyID over payload.
// Revoked keys fail verification outright.
func (r *Keyring) Verify(keyID string, payload []byte, signature string) (bool, error) {
	r.mu.Lock()
	k, ok := r.keys[keyID]
	r.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("membership: verify: key %q not found", keyID)
	}
	if k.Revoked {
		return false, fmt.Errorf("membership: verify: key %q is revoked", keyID)
	}
	switch k.Scheme {
	case SchemeEd25519:
		if !strings.HasPrefix(signature, ed25519SigPrefix) {
			return false, fmt.Errorf("membership: verify: signature missing %q prefix", ed25519SigPrefix)
		}
		sig, err := hex.DecodeString(strings.TrimPrefix(signature, ed25519SigPrefix))
		if err != nil {
			return false, err
		}
		return crypto.VerifyEd25519Hex(k.keys.PublicHex(), payload, sig), nil
	case SchemeHMAC:
		if !strings.HasPrefix(signature, hmacSigPrefix) {
			return false, fmt.Errorf("membership: verify: signature missing %q prefix", hmacSigPrefix)
		}
		tag, err := hex.DecodeString(strings.TrimPrefix(signature, hmacSigPrefix))
		if err != nil {
			return false, err
		}
		return crypto.VerifyHMACSHA256(k.secret, payload, tag), nil
	default:
		return false, fmt.Errorf("membership: verify: key %q has unknown scheme %q", keyID, k.Scheme)
	}
}

// KeyRevocationAnnounce is §4.7's MembershipKeyRevocationAnnounce: a signed
// request that key_id stop being trusted, propagated over the revocation
// pub-sub topics.
type KeyRevocationAnnounce struct {
	WorldID        string `cbor:"world_id" json:"world_id"`
	RequesterID    string `cbor:"requester_id" json:"requester_id"`
	RequestedAtMs  int64  `cbor:"requested_at_ms" json:"requested_at_ms"`
	KeyID          string `cbor:"key_id" json:"key_id"`
	Reason         string `cbor:"reason,omitempty" json:"reason,omitempty"`
	SignatureKeyID string `cbor:"signature_key_id,omitempty" json:"signature_key_id,omitempty"`
	Signature      string `cbor:"signature,omitempty" json:"signature,omitempty"`
}

func (a KeyRevocationAnnounce) signingPayload() ([]byte, error) {
	unsigned := a
	unsigned.Signature = ""
	return codec.MarshalCanonical(unsigned)
}

// SignKeyRevocation signs announce with the keyring key named by
// signatureKeyID and returns the completed announce.
func SignKeyRevocation(announce KeyRevocationAnnounce, ring *Keyring, signatureKeyID string) (KeyRevocationAnnounce, error) {
	announce.SignatureKeyID = signatureKeyID
	payload, err := announce.signingPayload()
	if err != nil {
		return KeyRevocationAnnounce{}, err
	}
	sig, err := ring.Sign(signatureKeyID, payload)
	if err != nil {
		return KeyRevocationAnnounce{}, err
	}
	announce.Signature = sig
	return announce, nil
}

// KeyRevocationPolicy filters drained revocation announcements before they
// touch the local keyring: only trusted requesters, and (when signatures
// are required) only announcements whose signature verifies against an
// accepted signer key.
type KeyRevocationPolicy struct {
	TrustedRequesters       []string
	RequireSignature        bool
	AcceptedSignatureKeyIDs []string
}

// SyncKeyRevocationsWithPolicy applies announces against the keyring,
// filtered by policy, and returns the key_ids actually revoked. An
// announcement that fails any condition is skipped, never fatal.
func (r *Keyring) SyncKeyRevocationsWithPolicy(announces []KeyRevocationAnnounce, policy KeyRevocationPolicy) []string {
	var revoked []string
	for _, a := range announces {
		if a.KeyID == "" {
			continue
		}
		if len(policy.TrustedRequesters) > 0 && !containsString(policy.TrustedRequesters, a.RequesterID) {
			continue
		}
		if policy.RequireSignature {
			if a.SignatureKeyID == "" || a.Signature == "" {
				continue
			}
			if len(policy.AcceptedSignatureKeyIDs) > 0 && !containsString(policy.AcceptedSignatureKeyIDs, a.SignatureKeyID) {
				continue
			}
			payload, err := a.signingPayload()
			if err != nil {
				continue
			}
			ok, err := r.Verify(a.SignatureKeyID, payload, a.Signature)
			if err != nil || !ok {
				continue
			}
		}
		if r.IsRevoked(a.KeyID) {
			continue
		}
		r.RevokeKey(a.KeyID)
		if r.IsRevoked(a.KeyID) {
			revoked = append(revoked, a.KeyID)
		}
	}
	return revoked
}
