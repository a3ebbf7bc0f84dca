// Package membership implements membership and revocation governance
// (component I): a signed directory snapshot with restore conditions, key
// revocation propagation, a bounded dead-letter queue with a guarded,
// metric-driven replay-policy rollback, and a TTL-based coordinator lease.
package membership

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"agent-world/internal/codec"
	"agent-world/internal/crypto"
)

// Binding is one node's advertised identity within a directory snapshot.
type Binding struct {
	NodeID       string `cbor:"node_id" json:"node_id"`
	PublicKeyHex string `cbor:"public_key_hex" json:"public_key_hex"`
	Role         string `cbor:"role" json:"role"`
}

// SignatureScheme selects how a DirectorySnapshot is authenticated: a
// full Ed25519 signature from the snapshot's own author, or a shared-secret
// HMAC used by smaller deployments that haven't bootstrapped node keys yet.
type SignatureScheme string

const (
	SchemeEd25519 SignatureScheme = "ed25519"
	SchemeHMAC    SignatureScheme = "hmac"
)

// DirectorySnapshot is a signed, versioned membership roster (§4.7's
// MembershipDirectorySnapshot).
type DirectorySnapshot struct {
	WorldID         string          `cbor:"world_id" json:"world_id"`
	RequesterID     string          `cbor:"requester_id" json:"requester_id"`
	RequestedAtMs   int64           `cbor:"requested_at_ms" json:"requested_at_ms"`
	Reason          string          `cbor:"reason,omitempty" json:"reason,omitempty"`
	Version         uint64          `cbor:"version" json:"version"`
	Validators      []Binding       `cbor:"validators" json:"validators"`
	QuorumThreshold uint64          `cbor:"quorum_threshold" json:"quorum_threshold"`
	Scheme          SignatureScheme `cbor:"scheme" json:"scheme"`
	Signer          string          `cbor:"signer" json:"signer"`
	SignatureKeyID  string          `cbor:"signature_key_id,omitempty" json:"signature_key_id,omitempty"`
	Signature       string          `cbor:"signature" json:"signature"` // hex
}

func (d DirectorySnapshot) signingPayload() ([]byte, error) {
	unsigned := d
	unsigned.Signature = ""
	return codec.MarshalCanonical(unsigned)
}

// SignEd25519 signs snap with an Ed25519 keypair, setting Scheme/Signer/
// Signature.
func SignEd25519(snap DirectorySnapshot, signerNodeID string, keys *crypto.KeyPair) (DirectorySnapshot, error) {
	snap.Scheme, snap.Signer = SchemeEd25519, signerNodeID
	payload, err := snap.signingPayload()
	if err != nil {
		return DirectorySnapshot{}, err
	}
	snap.Signature = hex.EncodeToString(keys.Sign(payload))
	return snap, nil
}

// SignHMAC signs snap with a pre-shared key.
func SignHMAC(snap DirectorySnapshot, signerID string, key []byte) (DirectorySnapshot, error) {
	snap.Scheme, snap.Signer = SchemeHMAC, signerID
	payload, err := snap.signingPayload()
	if err != nil {
		return DirectorySnapshot{}, err
	}
	snap.Signature = hex.EncodeToString(crypto.HMACSHA256(key, payload))
	return snap, nil
}

// VerifyEd25519 verifies snap's signature against signerPublicKeyHex.
func VerifyEd25519(snap DirectorySnapshot, signerPublicKeyHex string) (bool, error) {
	if snap.Scheme != SchemeEd25519 {
		return false, fmt.Errorf("membership: snapshot is not ed25519-signed")
	}
	payload, err := snap.signingPayload()
	if err != nil {
		return false, err
	}
	sig, err := hex.DecodeString(snap.Signature)
	if err != nil {
		return false, err
	}
	return crypto.VerifyEd25519Hex(signerPublicKeyHex, payload, sig), nil
}

// VerifyHMAC verifies snap's signature against a pre-shared key.
func VerifyHMAC(snap DirectorySnapshot, key []byte) (bool, error) {
	if snap.Scheme != SchemeHMAC {
		return false, fmt.Errorf("membership: snapshot is not hmac-signed")
	}
	payload, err := snap.signingPayload()
	if err != nil {
		return false, err
	}
	sig, err := hex.DecodeString(snap.Signature)
	if err != nil {
		return false, err
	}
	return crypto.VerifyHMACSHA256(key, payload, sig), nil
}

// RestorePolicy enumerates the conditions a DirectorySnapshot restore must
// satisfy before EvaluateRestore allows ApplySnapshot to install it (§4.7:
// "a restore is accepted only if all conditions hold").
type RestorePolicy struct {
	RequireSignature         bool
	RequireSignatureKeyID    bool
	AcceptedKeyIDs           []string
	AcceptedSignerPublicKeys []string // hex, lower-cased
}

// NewRestorePolicy normalizes AcceptedSignerPublicKeys to lowercase hex and
// rejects a policy whose entries collide case-insensitively, per §4.7's
// "dedup-checked" requirement.
func NewRestorePolicy(requireSignature, requireSignatureKeyID bool, acceptedKeyIDs, acceptedSignerPublicKeys []string) (RestorePolicy, error) {
	seen := make(map[string]struct{}, len(acceptedSignerPublicKeys))
	normalized := make([]string, 0, len(acceptedSignerPublicKeys))
	for _, k := range acceptedSignerPublicKeys {
		lower := strings.ToLower(k)
		if _, dup := seen[lower]; dup {
			return RestorePolicy{}, fmt.Errorf("membership: duplicate accepted_signer_public_keys entry %q", k)
		}
		seen[lower] = struct{}{}
		normalized = append(normalized, lower)
	}
	return RestorePolicy{
		RequireSignature:         requireSignature,
		RequireSignatureKeyID:    requireSignatureKeyID,
		AcceptedKeyIDs:           append([]string(nil), acceptedKeyIDs...),
		AcceptedSignerPublicKeys: normalized,
	}, nil
}

// EvaluateRestore reports whether snap satisfies every condition policy
// requires, given the already-verified signer public key hex. A restore
// is accepted only if all configured conditions hold.
func EvaluateRestore(snap DirectorySnapshot, policy RestorePolicy, signerPublicKeyHex string) error {
	if policy.RequireSignature && snap.Signature == "" {
		return fmt.Errorf("membership: restore requires a signature")
	}
	if policy.RequireSignatureKeyID && snap.SignatureKeyID == "" {
		return fmt.Errorf("membership: restore requires a signature_key_id")
	}
	if len(policy.AcceptedKeyIDs) > 0 && !containsString(policy.AcceptedKeyIDs, snap.SignatureKeyID) {
		return fmt.Errorf("membership: signature_key_id %q is not an accepted key id", snap.SignatureKeyID)
	}
	if len(policy.AcceptedSignerPublicKeys) > 0 && !containsString(policy.AcceptedSignerPublicKeys, strings.ToLower(signerPublicKeyHex)) {
		return fmt.Errorf("membership: signer public key is not accepted")
	}
	return nil
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// RevocationAnnounce is a signed announcement that node_id's key is no
// longer trusted as of at_version.
type RevocationAnnounce struct {
	NodeID    string `cbor:"node_id" json:"node_id"`
	AtVersion uint64 `cbor:"at_version" json:"at_version"`
	Reason    string `cbor:"reason,omitempty" json:"reason,omitempty"`
}

// DeadLetterReason tags why a dead letter was retained rather than
// delivered (§4.7's MembershipRevocationAlertDeadLetterRecord.reason).
type DeadLetterReason string

const (
	ReasonRetryLimitExceeded DeadLetterReason = "RetryLimitExceeded"
	ReasonCapacity           DeadLetterReason = "Capacity"
)

// DeadLetter is an undeliverable membership message retained for bounded
// replay once connectivity to the intended recipient resumes.
type DeadLetter struct {
	TargetNodeID string
	Payload      []byte
	Attempts     int
	Reason       DeadLetterReason
}

// EscalationLevel is the guarded-rollback governance escalation tier, from
// §4.7's "rollback ... audited and escalated to governance levels".
type EscalationLevel string

const (
	EscalationStable    EscalationLevel = "Stable"
	EscalationWarn      EscalationLevel = "Warn"
	EscalationEmergency EscalationLevel = "Emergency"
)

// ReplayPolicy bounds how aggressively the coordinator replays dead
// letters per scheduled run and how many failed redelivery attempts a dead
// letter may accumulate before ReplayDeadLetters tags it RetryLimitExceeded.
// Grounded on consensus/potso/penalty.Config's cooldown-gated rule catalog.
type ReplayPolicy struct {
	MaxReplayPerRun             int `cbor:"max_replay_per_run" json:"max_replay_per_run"`
	MaxRetryLimitExceededStreak int `cbor:"max_retry_limit_exceeded_streak" json:"max_retry_limit_exceeded_streak"`
}

// DeliveryMetrics summarizes one measurement window's alert-delivery
// health. Both ratios are expressed in permille (parts per 1000), matching
// the literal test scenario's "failure_ratio=800‰, dead_letter_ratio=200‰".
type DeliveryMetrics struct {
	FailureRatioPermille    int64
	DeadLetterRatioPermille int64
}

func (m DeliveryMetrics) unhealthy(t RollbackThresholds) bool {
	return m.FailureRatioPermille > t.FailureRatioPermille || m.DeadLetterRatioPermille > t.DeadLetterRatioPermille
}

// RollbackThresholds configures when delivery metrics are judged unhealthy
// enough to roll the active replay policy back to the last stable one, and
// the minimum spacing the guard must honor between consecutive rollbacks.
type RollbackThresholds struct {
	FailureRatioPermille    int64
	DeadLetterRatioPermille int64
	CooldownMs              int64
}

// Directory tracks the live membership snapshot, pending revocations, a
// bounded dead-letter queue, the guarded replay-policy rollback state, and
// the coordinator lease.
type Directory struct {
	mu sync.Mutex

	snapshot      DirectorySnapshot
	revoked       map[string]uint64 // node_id -> at_version
	deadLetterCap int
	deadLetters   []DeadLetter

	activePolicy ReplayPolicy
	stablePolicy ReplayPolicy
	thresholds   RollbackThresholds

	rollbackStreak   int
	lastRollbackAtMs int64
	escalation       EscalationLevel

	lease Lease
}

// NewDirectory constructs an empty membership directory.
func NewDirectory(deadLetterCap int) *Directory {
	return &Directory{
		revoked: make(map[string]uint64), deadLetterCap: deadLetterCap,
		escalation: EscalationStable,
	}
}

// ApplySnapshot replaces the live snapshot if version is newer than the
// one currently held (snapshots only ever move forward).
func (d *Directory) ApplySnapshot(snap DirectorySnapshot) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if snap.Version <= d.snapshot.Version && d.snapshot.Version != 0 {
		return fmt.Errorf("membership: snapshot version %d is not newer than current %d", snap.Version, d.snapshot.Version)
	}
	d.snapshot = snap
	return nil
}

// RestoreSnapshot applies snap only if it satisfies every condition of
// policy, given the already-verified signer public key hex (§4.7: "a
// restore is accepted only if all conditions hold").
func (d *Directory) RestoreSnapshot(snap DirectorySnapshot, policy RestorePolicy, signerPublicKeyHex string) error {
	if err := EvaluateRestore(snap, policy, signerPublicKeyHex); err != nil {
		return err
	}
	return d.ApplySnapshot(snap)
}

// Current returns the live snapshot.
func (d *Directory) Current() DirectorySnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshot
}

// SortedValidatorIDs returns the live snapshot's validator node ids in
// deterministic sorted order, for directory dumps and membership listings.
func (d *Directory) SortedValidatorIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return sortedNodeIDs(d.snapshot.Validators)
}

func sortedNodeIDs(bindings []Binding) []string {
	ids := make([]string, 0, len(bindings))
	for _, b := range bindings {
		ids = append(ids, b.NodeID)
	}
	sort.Strings(ids)
	return ids
}

// Revoke records that node_id's key is untrusted from at_version onward.
// Re-revoking with a lower at_version than already recorded is a no-op.
func (d *Directory) Revoke(announce RevocationAnnounce) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.revoked[announce.NodeID]; ok && existing >= announce.AtVersion {
		return
	}
	d.revoked[announce.NodeID] = announce.AtVersion
}

// IsRevokedAt reports whether node_id was revoked at or before version.
func (d *Directory) IsRevokedAt(nodeID string, version uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	at, ok := d.revoked[nodeID]
	return ok && version >= at
}

// QueueDeadLetter appends a dead letter, evicting the oldest entry if the
// queue is at capacity (bounded retention, not unbounded replay history).
func (d *Directory) QueueDeadLetter(dl DeadLetter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deadLetterCap > 0 && len(d.deadLetters) >= d.deadLetterCap {
		d.deadLetters = d.deadLetters[1:]
	}
	d.deadLetters = append(d.deadLetters, dl)
}

// DeadLetterTargets returns the distinct target node ids with queued dead
// letters, in sorted order, the worklist a coordinator replay run walks.
func (d *Directory) DeadLetterTargets() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	seen := make(map[string]struct{})
	for _, dl := range d.deadLetters {
		seen[dl.TargetNodeID] = struct{}{}
	}
	targets := make([]string, 0, len(seen))
	for t := range seen {
		targets = append(targets, t)
	}
	sort.Strings(targets)
	return targets
}

// DeadLettersSnapshot returns a copy of the queued dead letters, for
// persistence.
func (d *Directory) DeadLettersSnapshot() []DeadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DeadLetter(nil), d.deadLetters...)
}

// DrainDeadLetters returns and clears all dead letters addressed to
// targetNodeID, for replay once the node is reachable again.
func (d *Directory) DrainDeadLetters(targetNodeID string) []DeadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()
	var matched, remaining []DeadLetter
	for _, dl := range d.deadLetters {
		if dl.TargetNodeID == targetNodeID {
			matched = append(matched, dl)
		} else {
			remaining = append(remaining, dl)
		}
	}
	d.deadLetters = remaining
	return matched
}

// SeedReplayPolicy installs the active and last-stable dead-letter replay
// policies plus the thresholds the guard evaluates delivery metrics
// against.
func (d *Directory) SeedReplayPolicy(active, lastStable ReplayPolicy, thresholds RollbackThresholds) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.activePolicy, d.stablePolicy, d.thresholds = active, lastStable, thresholds
}

// ActiveReplayPolicy returns the policy currently governing dead-letter
// replay runs.
func (d *Directory) ActiveReplayPolicy() ReplayPolicy {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activePolicy
}

// LastStableReplayPolicy returns the policy a rollback would revert to.
func (d *Directory) LastStableReplayPolicy() ReplayPolicy {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stablePolicy
}

// RollbackStreak returns the number of consecutive guard-triggered
// rollbacks since the last healthy evaluation.
func (d *Directory) RollbackStreak() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rollbackStreak
}

// EscalationLevel returns the current guard escalation tier.
func (d *Directory) EscalationLevel() EscalationLevel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.escalation
}

// ReplayDeadLetters drains up to the active policy's MaxReplayPerRun dead
// letters addressed to targetNodeID and hands each to deliver; entries
// deliver fails to redeliver are re-queued with Attempts incremented and
// marked RetryLimitExceeded once Attempts exceeds MaxRetryLimitExceededStreak.
func (d *Directory) ReplayDeadLetters(targetNodeID string, deliver func(DeadLetter) error) (replayed int, err error) {
	max := d.ActiveReplayPolicy().MaxReplayPerRun
	streakLimit := d.ActiveReplayPolicy().MaxRetryLimitExceededStreak
	all := d.DrainDeadLetters(targetNodeID)
	if max > 0 && len(all) > max {
		for _, overflow := range all[max:] {
			d.QueueDeadLetter(overflow)
		}
		all = all[:max]
	}
	for _, dl := range all {
		if deliverErr := deliver(dl); deliverErr != nil {
			dl.Attempts++
			if streakLimit > 0 && dl.Attempts > streakLimit {
				dl.Reason = ReasonRetryLimitExceeded
			}
			d.QueueDeadLetter(dl)
			continue
		}
		replayed++
	}
	return replayed, nil
}

// EvaluateDeliveryMetrics judges one measurement window's alert-delivery
// health against the configured thresholds (§4.7 / scenario 5). Unhealthy
// metrics roll the active replay policy back to the last stable one,
// honoring the cooldown between rollbacks, and escalate the governance
// level to Emergency once the rollback streak reaches two (Warn on the
// first). Healthy metrics promote the active policy to the new last-stable
// one and clear the streak.
func (d *Directory) EvaluateDeliveryMetrics(metrics DeliveryMetrics, nowMs int64) (rolledBack bool, level EscalationLevel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !metrics.unhealthy(d.thresholds) {
		d.stablePolicy = d.activePolicy
		d.rollbackStreak = 0
		d.escalation = EscalationStable
		return false, d.escalation
	}
	if (d.rollbackStreak > 0 || d.lastRollbackAtMs != 0) && nowMs-d.lastRollbackAtMs < d.thresholds.CooldownMs {
		return false, d.escalation
	}
	d.activePolicy = d.stablePolicy
	d.rollbackStreak++
	d.lastRollbackAtMs = nowMs
	if d.rollbackStreak >= 2 {
		d.escalation = EscalationEmergency
	} else {
		d.escalation = EscalationWarn
	}
	return true, d.escalation
}

// Lease is a TTL-bound coordinator assignment: whichever node holds the
// lease past ExpiresAtMs is no longer the coordinator, and any node may
// claim a new one.
type Lease struct {
	HolderNodeID string
	ExpiresAtMs  int64
}

// AcquireLease grants candidateNodeID the coordinator lease through
// nowMs+ttlMs, but only if no other lease is currently live (now <
// ExpiresAtMs), preventing a second coordinator from forming while one is
// still valid.
func (d *Directory) AcquireLease(candidateNodeID string, nowMs, ttlMs int64) (Lease, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lease.HolderNodeID != "" && nowMs < d.lease.ExpiresAtMs && d.lease.HolderNodeID != candidateNodeID {
		return Lease{}, fmt.Errorf("membership: lease is held by %s until %d", d.lease.HolderNodeID, d.lease.ExpiresAtMs)
	}
	d.lease = Lease{HolderNodeID: candidateNodeID, ExpiresAtMs: nowMs + ttlMs}
	return d.lease, nil
}

// CurrentLease returns the live lease, if any.
func (d *Directory) CurrentLease() Lease {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lease
}
