// Package consensus implements the consensus engine (component G):
// stake-weighted proposer rotation, block assembly, and Ed25519
// attestation aggregation against a quorum threshold.
package consensus

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"

	"agent-world/internal/codec"
	"agent-world/internal/crypto"
	"agent-world/internal/nodeid"
	"agent-world/internal/world/types"
)

// Role is a node's participation role in the consensus committee.
type Role string

const (
	RoleSequencer Role = "Sequencer"
	RoleStorage   Role = "Storage"
	RoleObserver  Role = "Observer"
)

// Block is one proposed height's committed content: the batch of actions
// applied and the resulting state root, chained to the previous root.
type Block struct {
	Height         uint64 `cbor:"height" json:"height"`
	ProposerNodeID string `cbor:"proposer_node_id" json:"proposer_node_id"`
	PrevStateRoot  string `cbor:"prev_state_root" json:"prev_state_root"`
	ActionsRoot    string `cbor:"actions_root" json:"actions_root"`
	StateRoot      string `cbor:"state_root" json:"state_root"`
	TimestampMs    int64  `cbor:"timestamp_ms" json:"timestamp_ms"`
}

// Hash returns the BLAKE3 content hash of the block's canonical encoding,
// the payload every attestation signs over.
func (b Block) Hash() (string, error) {
	enc, err := codec.MarshalCanonical(b)
	if err != nil {
		return "", fmt.Errorf("consensus: marshal block: %w", err)
	}
	return crypto.BLAKE3Hex(enc), nil
}

// SelectProposer deterministically picks a stake-weighted proposer for
// height: nodes are ordered lexicographically by node_id, assigned
// contiguous ranges of [0, total_stake) in that order, and a height-derived
// seed selects the range. Lexicographic ordering also resolves the
// zero-stake-gap edge case deterministically (no node can ever be skipped
// ambiguously).
func SelectProposer(stakes map[string]uint64, height uint64) (string, error) {
	if len(stakes) == 0 {
		return "", fmt.Errorf("consensus: empty stake table")
	}
	nodeIDs := make([]string, 0, len(stakes))
	var total uint64
	for id, stake := range stakes {
		nodeIDs = append(nodeIDs, id)
		total += stake
	}
	sort.Strings(nodeIDs)
	if total == 0 {
		return "", fmt.Errorf("consensus: total stake is zero")
	}

	var heightBuf [8]byte
	binary.BigEndian.PutUint64(heightBuf[:], height)
	seedHex := crypto.BLAKE3Hex(heightBuf[:])
	seedBytes, err := hex.DecodeString(seedHex[:16])
	if err != nil {
		return "", fmt.Errorf("consensus: decode proposer seed: %w", err)
	}
	seed := binary.BigEndian.Uint64(seedBytes) % total

	var cumulative uint64
	for _, id := range nodeIDs {
		cumulative += stakes[id]
		if seed < cumulative {
			return id, nil
		}
	}
	return nodeIDs[len(nodeIDs)-1], nil
}

// AssembleBlock computes the actions_root over actions and builds the
// unsigned Block for height.
func AssembleBlock(height uint64, proposerNodeID, prevStateRoot string, actions []*types.Action, newStateRoot string, timestampMs int64) (Block, error) {
	actionsRoot, err := types.ActionRoot(actions)
	if err != nil {
		return Block{}, fmt.Errorf("consensus: compute actions_root: %w", err)
	}
	return Block{
		Height: height, ProposerNodeID: proposerNodeID, PrevStateRoot: prevStateRoot,
		ActionsRoot: actionsRoot, StateRoot: newStateRoot, TimestampMs: timestampMs,
	}, nil
}

// Attestation is one committee member's signature over a block's hash.
type Attestation struct {
	SignerNodeID string `cbor:"signer_node_id" json:"signer_node_id"`
	Signature    string `cbor:"signature" json:"signature"` // hex
}

// SignBlock produces identity's attestation over block.
func SignBlock(identity *nodeid.Identity, block Block) (Attestation, error) {
	hash, err := block.Hash()
	if err != nil {
		return Attestation{}, err
	}
	sig := identity.Sign([]byte(hash))
	return Attestation{SignerNodeID: identity.NodeID, Signature: hex.EncodeToString(sig)}, nil
}

// CommitEnvelope bundles a Block with the attestations gathered for it.
type CommitEnvelope struct {
	Block        Block         `cbor:"block" json:"block"`
	Attestations []Attestation `cbor:"attestations" json:"attestations"`
}

// VerifiedStake sums the stake of attestations that verify against dir,
// deduplicating repeated signers by node_id (a byzantine proposer re-using
// one signer's attestation twice must not inflate quorum).
func VerifiedStake(dir *nodeid.Directory, block Block, atts []Attestation, stakes map[string]uint64) (uint64, error) {
	hash, err := block.Hash()
	if err != nil {
		return 0, err
	}
	seen := make(map[string]bool, len(atts))
	var total uint64
	for _, att := range atts {
		if seen[att.SignerNodeID] {
			continue
		}
		sig, err := hex.DecodeString(att.Signature)
		if err != nil {
			continue
		}
		if dir.Verify(att.SignerNodeID, []byte(hash), sig) {
			seen[att.SignerNodeID] = true
			total += stakes[att.SignerNodeID]
		}
	}
	return total, nil
}

// HasQuorum reports whether verified stake meets or exceeds
// numerator/denominator of total stake (e.g. 2/3).
func HasQuorum(dir *nodeid.Directory, block Block, atts []Attestation, stakes map[string]uint64, numerator, denominator uint64) (bool, error) {
	verified, err := VerifiedStake(dir, block, atts, stakes)
	if err != nil {
		return false, err
	}
	var total uint64
	for _, s := range stakes {
		total += s
	}
	if total == 0 || denominator == 0 {
		return false, fmt.Errorf("consensus: degenerate stake table or quorum fraction")
	}
	return verified*denominator >= total*numerator, nil
}

// ErrCommitRejected explains why IngestPeerCommit refused an incoming
// envelope.
type ErrCommitRejected struct{ Reason string }

func (e *ErrCommitRejected) Error() string { return "consensus: commit rejected: " + e.Reason }

// IngestPeerCommit validates a peer-supplied CommitEnvelope against the
// locally expected height/prev_state_root and the quorum rule, the gate
// the replication runtime's gap-sync procedure relies on before persisting
// and advancing (§4.4 step 2 "verify bindings").
func IngestPeerCommit(env CommitEnvelope, expectedHeight uint64, expectedPrevRoot string, dir *nodeid.Directory, stakes map[string]uint64, numerator, denominator uint64) error {
	if env.Block.Height != expectedHeight {
		return &ErrCommitRejected{Reason: fmt.Sprintf("expected height %d, got %d", expectedHeight, env.Block.Height)}
	}
	if expectedPrevRoot != "" && env.Block.PrevStateRoot != expectedPrevRoot {
		return &ErrCommitRejected{Reason: "prev_state_root does not chain from the locally known root"}
	}
	ok, err := HasQuorum(dir, env.Block, env.Attestations, stakes, numerator, denominator)
	if err != nil {
		return &ErrCommitRejected{Reason: err.Error()}
	}
	if !ok {
		return &ErrCommitRejected{Reason: "attestations do not meet the quorum threshold"}
	}
	return nil
}
