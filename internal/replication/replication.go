// Package replication implements the replication runtime (component H): a
// per-height commit store, blob fetch/persist, and the gap-sync procedure a
// lagging node runs to catch up to the network head.
package replication

import (
	"context"
	"fmt"
	"sync"

	"agent-world/internal/cas"
	"agent-world/internal/codec"
	"agent-world/internal/consensus"
	"agent-world/internal/nodeid"
	"agent-world/internal/world"
	"agent-world/internal/world/types"
)

func decodeActionBlob(blob []byte, dst *[]*types.Action) error {
	return codec.UnmarshalCanonical(blob, dst)
}

// CommitStore holds committed envelopes keyed by height, the local record
// of "what has this node already finalized".
type CommitStore struct {
	mu      sync.RWMutex
	commits map[uint64]consensus.CommitEnvelope
	head    uint64
}

// NewCommitStore constructs an empty store.
func NewCommitStore() *CommitStore {
	return &CommitStore{commits: make(map[uint64]consensus.CommitEnvelope)}
}

// Put records env at its height, advancing Head if env extends the chain.
func (c *CommitStore) Put(env consensus.CommitEnvelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commits[env.Block.Height] = env
	if env.Block.Height > c.head {
		c.head = env.Block.Height
	}
}

// Get returns the commit at height, if known.
func (c *CommitStore) Get(height uint64) (consensus.CommitEnvelope, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	env, ok := c.commits[height]
	return env, ok
}

// Head returns the highest height this store has recorded.
func (c *CommitStore) Head() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.head
}

// Peer is the RPC surface a remote node exposes for gap sync: fetching a
// commit envelope and the action-blob for a given height.
type Peer interface {
	FetchCommit(ctx context.Context, height uint64) (consensus.CommitEnvelope, error)
	FetchBlob(ctx context.Context, hash string) ([]byte, error)
}

// ErrNoProgress is returned by GapSync when peer has nothing beyond the
// local head.
var ErrNoProgress = fmt.Errorf("replication: peer has no heights beyond local head")

// GapSync runs the five-step catch-up procedure for one height: fetch the
// commit envelope, verify its node-identity bindings and quorum, fetch the
// referenced action blob, reconstruct events by replaying it against w,
// and persist+advance only if the replayed state_root matches the
// commit's declared root. Any failure leaves both store and w untouched at
// the caller's prior height.
func GapSync(ctx context.Context, w *world.World, store *CommitStore, peer Peer, dir *nodeid.Directory, stakes map[string]uint64, quorumNum, quorumDen uint64, actions *cas.Store) error {
	target := store.Head() + 1

	// Step 1: fetch_commit.
	env, err := peer.FetchCommit(ctx, target)
	if err != nil {
		return fmt.Errorf("replication: fetch_commit(%d): %w", target, err)
	}

	// Step 2: verify bindings (quorum + chain continuity).
	var expectedPrevRoot string
	if prev, ok := store.Get(target - 1); ok {
		expectedPrevRoot = prev.Block.StateRoot
	}
	if err := consensus.IngestPeerCommit(env, target, expectedPrevRoot, dir, stakes, quorumNum, quorumDen); err != nil {
		return fmt.Errorf("replication: verify bindings at height %d: %w", target, err)
	}

	// Step 3: fetch_blob (the CBOR-encoded action batch for this height).
	blob, err := peer.FetchBlob(ctx, env.Block.ActionsRoot)
	if err != nil {
		return fmt.Errorf("replication: fetch_blob(%s): %w", env.Block.ActionsRoot, err)
	}
	var batchActions []*types.Action
	if err := decodeActionBlob(blob, &batchActions); err != nil {
		return fmt.Errorf("replication: decode action blob: %w", err)
	}
	if actions != nil {
		if err := actions.Put(env.Block.ActionsRoot, blob); err != nil {
			return fmt.Errorf("replication: persist action blob: %w", err)
		}
	}

	// Step 4: reconstruct events by replaying the batch against w, checking
	// the result against the commit's declared state_root.
	if _, err := world.Replay(w, batchActions, env.Block.TimestampMs, env.Block.StateRoot); err != nil {
		return fmt.Errorf("replication: replay at height %d: %w", target, err)
	}

	// Step 5: persist + advance.
	w.State.Height = target
	store.Put(env)
	return nil
}
