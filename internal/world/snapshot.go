package world

import (
	"fmt"

	"agent-world/internal/codec"
	"agent-world/internal/crypto"
	"agent-world/internal/world/types"
)

// Snapshot is the canonical, content-addressed serialization of a State,
// suitable for replication's blob store (component H) and the distributed
// filesystem segmenter (component K).
type Snapshot struct {
	Height    uint64
	StateRoot string
	Bytes     []byte
}

// StateRoot returns the BLAKE3 hash of s's canonical CBOR encoding — the
// value every peer's replicated state must agree on at a given height.
func StateRoot(s *State) (string, error) {
	b, err := codec.MarshalCanonical(s)
	if err != nil {
		return "", fmt.Errorf("world: marshal state for root: %w", err)
	}
	return crypto.BLAKE3Hex(b), nil
}

// MakeSnapshot serializes s into a content-addressed Snapshot.
func MakeSnapshot(s *State) (*Snapshot, error) {
	b, err := codec.MarshalCanonical(s)
	if err != nil {
		return nil, fmt.Errorf("world: marshal snapshot: %w", err)
	}
	root := crypto.BLAKE3Hex(b)
	return &Snapshot{Height: s.Height, StateRoot: root, Bytes: b}, nil
}

// LoadSnapshot decodes and verifies a Snapshot's bytes against its declared
// root, refusing to hand back a State that doesn't hash to what it claims.
func LoadSnapshot(snap *Snapshot) (*State, error) {
	actual := crypto.BLAKE3Hex(snap.Bytes)
	if actual != snap.StateRoot {
		return nil, fmt.Errorf("world: snapshot state_root mismatch: expected %s, got %s", snap.StateRoot, actual)
	}
	var s State
	if err := codec.UnmarshalCanonical(snap.Bytes, &s); err != nil {
		return nil, fmt.Errorf("world: unmarshal snapshot: %w", err)
	}
	return &s, nil
}

// ErrReplayDivergence is returned by Replay when the locally computed
// state_root after applying a batch of actions does not match the
// expected_root carried in the replicated commit — the abort signal gap
// sync and the replication runtime escalate on (§4.4, §4.8).
type ErrReplayDivergence struct {
	Height       uint64
	ExpectedRoot string
	ActualRoot   string
}

func (e *ErrReplayDivergence) Error() string {
	return fmt.Sprintf("world: replay diverged at height %d: expected %s, got %s", e.Height, e.ExpectedRoot, e.ActualRoot)
}

// Replay re-applies actions against w in order, emitting the same events a
// live apply would, and verifies the resulting state_root against
// expectedRoot if it is non-empty. A non-nil error always means w.State has
// been rolled back to its pre-Replay value — replay is all-or-nothing, the
// same atomicity guarantee a single Apply gives per action.
func Replay(w *World, actions []*types.Action, nowMs int64, expectedRoot string) ([]types.Event, error) {
	before := w.State
	var events []types.Event
	for _, a := range actions {
		events = append(events, w.Apply(a, nowMs)...)
	}
	if expectedRoot == "" {
		return events, nil
	}
	root, err := StateRoot(w.State)
	if err != nil {
		w.State = before
		return nil, err
	}
	if root != expectedRoot {
		w.State = before
		return nil, &ErrReplayDivergence{Height: w.State.Height, ExpectedRoot: expectedRoot, ActualRoot: root}
	}
	return events, nil
}
