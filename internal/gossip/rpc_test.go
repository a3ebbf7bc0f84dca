package gossip

import (
	"context"
	"net/http/httptest"
	"testing"

	"agent-world/internal/cas"
	"agent-world/internal/consensus"
	"agent-world/internal/crypto"
	"agent-world/internal/replication"
)

func TestHTTPPeerRoundTripsCommitAndBlob(t *testing.T) {
	store := replication.NewCommitStore()
	env := consensus.CommitEnvelope{Block: consensus.Block{Height: 1, ActionsRoot: "deadbeef", StateRoot: "root-1"}}
	store.Put(env)

	blobDB := cas.NewMemDB()
	blobStore, err := cas.NewStore(blobDB, t.TempDir()+"/pins.json")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	blobHash := crypto.BLAKE3Hex([]byte("batch-bytes"))
	if err := blobStore.Put(blobHash, []byte("batch-bytes")); err != nil {
		t.Fatalf("put blob: %v", err)
	}

	srv := httptest.NewServer(NewReplicationRouter(store, blobStore))
	defer srv.Close()

	peer := NewHTTPPeer(srv.URL)
	got, err := peer.FetchCommit(context.Background(), 1)
	if err != nil {
		t.Fatalf("fetch_commit: %v", err)
	}
	if got.Block.StateRoot != "root-1" {
		t.Fatalf("expected state_root root-1, got %q", got.Block.StateRoot)
	}

	blob, err := peer.FetchBlob(context.Background(), blobHash)
	if err != nil {
		t.Fatalf("fetch_blob: %v", err)
	}
	if string(blob) != "batch-bytes" {
		t.Fatalf("expected batch-bytes, got %q", blob)
	}

	if _, err := peer.FetchCommit(context.Background(), 99); err == nil {
		t.Fatalf("expected fetch_commit for an unknown height to error")
	}
	if _, err := peer.FetchBlob(context.Background(), "unknown-hash"); err == nil {
		t.Fatalf("expected fetch_blob for an unknown hash to error")
	}
}
