// Package reward implements the reward runtime (component J): signed
// observation traces carrying a node's full service-delivery payload, epoch
// settlement reports with a capped system pool budget, and the signed
// envelope that carries a settlement decision to the world reducer's
// SettleNodeRewardMint action.
package reward

import (
	"encoding/hex"
	"fmt"
	"sort"

	"agent-world/internal/codec"
	"agent-world/internal/crypto"
)

// ObservationPayload is the full service-delivery claim an observer makes
// about a subject node during an epoch (§4.8): whether it was running and
// for how long, how many uptime/storage checks it passed, how much storage
// it has staked and is actually serving, and a hint at the storage
// challenge proof backing that claim.
type ObservationPayload struct {
	NodeID                    string `cbor:"node_id" json:"node_id"`
	Role                      string `cbor:"role" json:"role"`
	TickCount                 uint64 `cbor:"tick_count" json:"tick_count"`
	Running                   bool   `cbor:"running" json:"running"`
	UptimeChecksPassed        uint64 `cbor:"uptime_checks_passed" json:"uptime_checks_passed"`
	UptimeChecksTotal         uint64 `cbor:"uptime_checks_total" json:"uptime_checks_total"`
	StorageChecksPassed       uint64 `cbor:"storage_checks_passed" json:"storage_checks_passed"`
	StorageChecksTotal        uint64 `cbor:"storage_checks_total" json:"storage_checks_total"`
	StakedStorageBytes        uint64 `cbor:"staked_storage_bytes" json:"staked_storage_bytes"`
	HasError                  bool   `cbor:"has_error" json:"has_error"`
	EffectiveStorageBytes     uint64 `cbor:"effective_storage_bytes" json:"effective_storage_bytes"`
	StorageChallengeProofHint string `cbor:"storage_challenge_proof_hint,omitempty" json:"storage_challenge_proof_hint,omitempty"`
}

// NodeScores is the composite score derived from an ObservationPayload,
// the per-dimension breakdown the epoch settlement budget is split by.
type NodeScores struct {
	Compute     int64
	Storage     int64
	Uptime      int64
	Reliability int64
	Penalty     int64
}

// Total sums the composite score's dimensions, net of its penalty.
func (s NodeScores) Total() int64 {
	total := s.Compute + s.Storage + s.Uptime + s.Reliability - s.Penalty
	if total < 0 {
		return 0
	}
	return total
}

// ratioBps returns a check pass-rate in basis
// points, 0 when there were no checks to take (an unobserved dimension
// scores zero rather than dividing by zero).
func ratioBps(passed, total uint64) int64 {
	if total == 0 {
		return 0
	}
	return int64(passed) * 10_000 / int64(total)
}

// Score derives NodeScores from the payload: compute credit for ticks
// actually run, storage credit proportional to effective bytes served and
// the storage-check pass rate, uptime credit from the uptime-check pass
// rate, a flat reliability bonus for an error-free epoch, and a penalty
// that zeroes everything if the node reports an error while not running.
func (p ObservationPayload) Score() NodeScores {
	var scores NodeScores
	if p.Running {
		scores.Compute = int64(p.TickCount)
	}
	scores.Storage = int64(p.EffectiveStorageBytes/(1<<20)) * ratioBps(p.StorageChecksPassed, p.StorageChecksTotal) / 10_000
	scores.Uptime = ratioBps(p.UptimeChecksPassed, p.UptimeChecksTotal)
	if !p.HasError {
		scores.Reliability = 1
	}
	if p.HasError && !p.Running {
		scores.Penalty = scores.Compute + scores.Storage + scores.Uptime + scores.Reliability
	}
	return scores
}

// ObservationTrace is one node's signed claim about a subject node's
// service delivery during an epoch, the raw input the epoch settlement
// report aggregates. Only the identity subset described in signingPayload
// is signed, not the payload fields directly: the signature covers
// {version, world_id, observer_node_id, observer_public_key_hex,
// payload_hash, emitted_at_unix_ms}, with payload_hash binding the full
// payload by its canonical CBOR hash.
type ObservationTrace struct {
	Version               int                 `cbor:"version" json:"version"`
	WorldID               string              `cbor:"world_id" json:"world_id"`
	ObserverNodeID        string              `cbor:"observer_node_id" json:"observer_node_id"`
	ObserverPublicKeyHex  string              `cbor:"observer_public_key_hex" json:"observer_public_key_hex"`
	Payload               ObservationPayload  `cbor:"payload" json:"payload"`
	EmittedAtUnixMs       int64               `cbor:"emitted_at_unix_ms" json:"emitted_at_unix_ms"`
	Signature             string              `cbor:"signature,omitempty" json:"signature,omitempty"` // hex
}

// signingPrefix namespaces observation-trace signatures so they can never
// be replayed as a signature over some other message type.
const signingPrefix = "rewardobs:v1:"

// signingIdentity is the exact subset of a trace that gets signed: the
// payload itself is bound in by its hash rather than signed inline, so a
// verifier never needs the payload's full shape to check the signature.
type signingIdentity struct {
	Version              int    `cbor:"version"`
	WorldID              string `cbor:"world_id"`
	ObserverNodeID       string `cbor:"observer_node_id"`
	ObserverPublicKeyHex string `cbor:"observer_public_key_hex"`
	PayloadHash          string `cbor:"payload_hash"`
	EmittedAtUnixMs      int64  `cbor:"emitted_at_unix_ms"`
}

func (t ObservationTrace) signingPayload() ([]byte, error) {
	payloadBytes, err := codec.MarshalCanonical(t.Payload)
	if err != nil {
		return nil, fmt.Errorf("reward: marshal observation payload: %w", err)
	}
	id := signingIdentity{
		Version: t.Version, WorldID: t.WorldID, ObserverNodeID: t.ObserverNodeID,
		ObserverPublicKeyHex: t.ObserverPublicKeyHex, PayloadHash: crypto.BLAKE3Hex(payloadBytes),
		EmittedAtUnixMs: t.EmittedAtUnixMs,
	}
	b, err := codec.MarshalCanonical(id)
	if err != nil {
		return nil, err
	}
	return append([]byte(signingPrefix), b...), nil
}

// Sign stamps version=1 and the observer's public key and signs t's
// identity subset with the observer's keypair.
func Sign(t ObservationTrace, keys *crypto.KeyPair) (ObservationTrace, error) {
	t.Version = 1
	t.ObserverPublicKeyHex = keys.PublicHex()
	payload, err := t.signingPayload()
	if err != nil {
		return ObservationTrace{}, err
	}
	t.Signature = hex.EncodeToString(keys.Sign(payload))
	return t, nil
}

// Verify checks t's signature against observerPublicKeyHex, the key the
// caller trusts for t.ObserverNodeID (typically from the node-identity
// directory). It also rejects a trace whose claimed
// observer_public_key_hex doesn't match that trusted key, so a signer
// can't sign over one key while asserting another in the signed subset.
func Verify(t ObservationTrace, observerPublicKeyHex string) (bool, error) {
	if t.ObserverPublicKeyHex != observerPublicKeyHex {
		return false, nil
	}
	payload, err := t.signingPayload()
	if err != nil {
		return false, err
	}
	sig, err := hex.DecodeString(t.Signature)
	if err != nil {
		return false, err
	}
	return crypto.VerifyEd25519Hex(observerPublicKeyHex, payload, sig), nil
}

// Share is one subject node's computed slice of an epoch's reward budget.
type Share struct {
	NodeID string `cbor:"node_id" json:"node_id"`
	Amount int64  `cbor:"amount" json:"amount"`
}

// EpochSettlementReport is the computed, budget-capped per-node payout for
// one epoch, derived from a batch of verified ObservationTraces.
type EpochSettlementReport struct {
	EpochIndex uint64  `cbor:"epoch_index" json:"epoch_index"`
	Budget     int64   `cbor:"budget" json:"budget"`
	Shares     []Share `cbor:"shares" json:"shares"`
}

// Settle aggregates verified traces into a proportional, budget-capped
// EpochSettlementReport: each subject's raw share is proportional to its
// total derived composite score (see ObservationPayload.Score), scaled down
// to fit budget, with any remainder from integer division distributed
// deterministically (one unit at a time, ranked by awarded points and then
// node_id, per §4.8) so the shares always sum to exactly budget.
func Settle(epochIndex uint64, budget int64, traces []ObservationTrace) EpochSettlementReport {
	totals := make(map[string]int64)
	for _, t := range traces {
		if score := t.Payload.Score().Total(); score > 0 {
			totals[t.Payload.NodeID] += score
		}
	}
	var totalScore int64
	nodeIDs := make([]string, 0, len(totals))
	for id, score := range totals {
		totalScore += score
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)

	if totalScore == 0 || budget <= 0 {
		return EpochSettlementReport{EpochIndex: epochIndex, Budget: budget}
	}

	type alloc struct {
		nodeID string
		points int64
		base   int64
	}
	allocs := make([]alloc, 0, len(nodeIDs))
	var distributed int64
	for _, id := range nodeIDs {
		score := totals[id]
		base := budget * score / totalScore
		allocs = append(allocs, alloc{nodeID: id, points: score, base: base})
		distributed += base
	}
	leftover := budget - distributed

	sort.SliceStable(allocs, func(i, j int) bool {
		if allocs[i].points != allocs[j].points {
			return allocs[i].points > allocs[j].points
		}
		return allocs[i].nodeID < allocs[j].nodeID
	})
	for i := int64(0); i < leftover; i++ {
		allocs[i].base++
	}

	shares := make([]Share, len(allocs))
	for i, a := range allocs {
		shares[i] = Share{NodeID: a.nodeID, Amount: a.base}
	}
	sort.Slice(shares, func(i, j int) bool { return shares[i].NodeID < shares[j].NodeID })
	return EpochSettlementReport{EpochIndex: epochIndex, Budget: budget, Shares: shares}
}

// SettlementEnvelope wraps a report with its deterministic envelope_id and
// a signature from the node that computed it, ready to be submitted as a
// SettleNodeRewardMint action.
type SettlementEnvelope struct {
	EnvelopeID   string                `cbor:"envelope_id" json:"envelope_id"`
	Report       EpochSettlementReport `cbor:"report" json:"report"`
	SignerNodeID string                `cbor:"signer_node_id" json:"signer_node_id"`
	Signature    string                `cbor:"signature" json:"signature"` // hex
}

// BuildEnvelope computes envelope_id = BLAKE3(CBOR(report)) and signs it.
func BuildEnvelope(report EpochSettlementReport, signerNodeID string, keys *crypto.KeyPair) (SettlementEnvelope, error) {
	b, err := codec.MarshalCanonical(report)
	if err != nil {
		return SettlementEnvelope{}, fmt.Errorf("reward: marshal report: %w", err)
	}
	id := crypto.BLAKE3Hex(b)
	sig := keys.Sign([]byte(id))
	return SettlementEnvelope{
		EnvelopeID: id, Report: report, SignerNodeID: signerNodeID, Signature: hex.EncodeToString(sig),
	}, nil
}

// VerifyEnvelope checks that env's envelope_id matches its report and its
// signature verifies against signerPublicKeyHex.
func VerifyEnvelope(env SettlementEnvelope, signerPublicKeyHex string) (bool, error) {
	b, err := codec.MarshalCanonical(env.Report)
	if err != nil {
		return false, err
	}
	if crypto.BLAKE3Hex(b) != env.EnvelopeID {
		return false, fmt.Errorf("reward: envelope_id does not match report")
	}
	sig, err := hex.DecodeString(env.Signature)
	if err != nil {
		return false, err
	}
	return crypto.VerifyEd25519Hex(signerPublicKeyHex, []byte(env.EnvelopeID), sig), nil
}

// ProbeBackoff tracks the adaptive backoff schedule for a distfs storage
// probe: doubling delay on consecutive failures, reset on success, capped
// at maxDelayMs.
type ProbeBackoff struct {
	currentMs   int64
	maxMs       int64
	baseMs      int64
	consecutive int
}

// NewProbeBackoff constructs a backoff starting at baseMs, capped at
// maxMs.
func NewProbeBackoff(baseMs, maxMs int64) *ProbeBackoff {
	return &ProbeBackoff{currentMs: baseMs, baseMs: baseMs, maxMs: maxMs}
}

// Failure doubles the delay (capped at maxMs) and returns it.
func (b *ProbeBackoff) Failure() int64 {
	b.consecutive++
	b.currentMs *= 2
	if b.currentMs > b.maxMs {
		b.currentMs = b.maxMs
	}
	return b.currentMs
}

// Success resets the backoff to its base delay.
func (b *ProbeBackoff) Success() int64 {
	b.consecutive = 0
	b.currentMs = b.baseMs
	return b.currentMs
}

// Consecutive reports the current consecutive-failure count.
func (b *ProbeBackoff) Consecutive() int { return b.consecutive }
