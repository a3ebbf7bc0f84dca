package gossip

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"agent-world/internal/cas"
	"agent-world/internal/consensus"
	"agent-world/internal/replication"

	"github.com/go-chi/chi/v5"
)

// ReplicationRouter is a reference request/response implementation of the
// two protocol identifiers §6 names ("replication/fetch_commit",
// "replication/fetch_blob") over plain HTTP, routed with chi the way the
// rest of the pack's services mount their RPC surfaces. It is one concrete
// binding of the abstract unicast-request transport §6 requires, not a
// replacement for it: replication.Peer remains the interface callers
// depend on.
type ReplicationRouter struct {
	Store *replication.CommitStore
	Blobs *cas.Store
}

// NewReplicationRouter mounts fetch_commit/fetch_blob handlers over store
// and blobs onto a fresh chi.Router.
func NewReplicationRouter(store *replication.CommitStore, blobs *cas.Store) chi.Router {
	rr := &ReplicationRouter{Store: store, Blobs: blobs}
	r := chi.NewRouter()
	r.Get("/replication/fetch_commit/{height}", rr.fetchCommit)
	r.Get("/replication/fetch_blob/{hash}", rr.fetchBlob)
	return r
}

type fetchCommitResponse struct {
	Found   bool                      `json:"found"`
	Message *consensus.CommitEnvelope `json:"message,omitempty"`
}

func (rr *ReplicationRouter) fetchCommit(w http.ResponseWriter, req *http.Request) {
	var height uint64
	if _, err := fmt.Sscanf(chi.URLParam(req, "height"), "%d", &height); err != nil {
		http.Error(w, "invalid height", http.StatusBadRequest)
		return
	}
	env, ok := rr.Store.Get(height)
	resp := fetchCommitResponse{Found: ok}
	if ok {
		resp.Message = &env
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (rr *ReplicationRouter) fetchBlob(w http.ResponseWriter, req *http.Request) {
	hash := chi.URLParam(req, "hash")
	blob, err := rr.Blobs.Get(hash)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(blob)
}

// HTTPPeer implements replication.Peer by issuing unicast requests against
// a peer's ReplicationRouter over plain HTTP, the reference realization of
// §6's "unicast request(peer, protocol_id, request_bytes) -> response_bytes"
// for the two replication protocol ids.
type HTTPPeer struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPPeer constructs an HTTPPeer against baseURL (e.g.
// "http://peer-host:8090"), defaulting to http.DefaultClient.
func NewHTTPPeer(baseURL string) *HTTPPeer {
	return &HTTPPeer{BaseURL: baseURL, Client: http.DefaultClient}
}

func (p *HTTPPeer) FetchCommit(ctx context.Context, height uint64) (consensus.CommitEnvelope, error) {
	url := fmt.Sprintf("%s/replication/fetch_commit/%d", p.BaseURL, height)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return consensus.CommitEnvelope{}, err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return consensus.CommitEnvelope{}, fmt.Errorf("gossip: fetch_commit request: %w", err)
	}
	defer resp.Body.Close()
	var out fetchCommitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return consensus.CommitEnvelope{}, fmt.Errorf("gossip: decode fetch_commit response: %w", err)
	}
	if !out.Found || out.Message == nil {
		return consensus.CommitEnvelope{}, fmt.Errorf("gossip: peer has no commit at height %d", height)
	}
	return *out.Message, nil
}

func (p *HTTPPeer) FetchBlob(ctx context.Context, hash string) ([]byte, error) {
	url := fmt.Sprintf("%s/replication/fetch_blob/%s", p.BaseURL, hash)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gossip: fetch_blob request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("gossip: peer has no blob %s", hash)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, fmt.Errorf("gossip: read fetch_blob response: %w", err)
	}
	return buf.Bytes(), nil
}

var _ replication.Peer = (*HTTPPeer)(nil)
