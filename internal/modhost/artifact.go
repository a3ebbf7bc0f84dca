package modhost

import (
	"fmt"
	"sync"

	"agent-world/internal/crypto"
)

// Artifact is a deployed module binary awaiting install, tracked by the
// host's marketplace alongside its owner and any active sale listing.
type Artifact struct {
	WasmHash        string
	WasmBytes       []byte
	PublisherAgentID string
	SourceHash      string
	Listing         *Listing
}

// Listing is an open sale offer for an artifact, denominated in one
// resource kind.
type Listing struct {
	PriceKind   string
	PriceAmount int64
}

// Marketplace tracks deployed module artifacts and their ownership/listing
// state, independent of which versions are installed/active in the
// Registry (an artifact can be deployed and traded before ever being
// installed).
type Marketplace struct {
	mu        sync.Mutex
	artifacts map[string]*Artifact // wasm_hash -> artifact
}

// NewMarketplace constructs an empty artifact marketplace.
func NewMarketplace() *Marketplace {
	return &Marketplace{artifacts: make(map[string]*Artifact)}
}

// Deploy computes wasm_hash = SHA-256(wasmBytes) and registers a new
// artifact owned by publisherAgentID. Deploying an already-known wasm_hash
// is idempotent and returns the existing artifact.
func (m *Marketplace) Deploy(wasmBytes []byte, publisherAgentID string) *Artifact {
	m.mu.Lock()
	defer m.mu.Unlock()
	hash := crypto.SHA256Hex(wasmBytes)
	if existing, ok := m.artifacts[hash]; ok {
		return existing
	}
	art := &Artifact{WasmHash: hash, WasmBytes: wasmBytes, PublisherAgentID: publisherAgentID}
	m.artifacts[hash] = art
	return art
}

// Get returns the artifact for wasmHash, if deployed.
func (m *Marketplace) Get(wasmHash string) (*Artifact, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[wasmHash]
	return a, ok
}

// RequireOwner returns an error unless agentID owns the artifact at
// wasmHash, the check §8 scenario 2 names explicitly ("not artifact
// owner").
func (m *Marketplace) RequireOwner(wasmHash, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	art, ok := m.artifacts[wasmHash]
	if !ok {
		return fmt.Errorf("modhost: unknown artifact %s", wasmHash)
	}
	if art.PublisherAgentID != agentID {
		return fmt.Errorf("modhost: not artifact owner")
	}
	return nil
}

// List opens a sale listing for wasmHash at the given price. The caller
// must already have verified ownership.
func (m *Marketplace) List(wasmHash, priceKind string, priceAmount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	art, ok := m.artifacts[wasmHash]
	if !ok {
		return fmt.Errorf("modhost: unknown artifact %s", wasmHash)
	}
	art.Listing = &Listing{PriceKind: priceKind, PriceAmount: priceAmount}
	return nil
}

// Buy transfers ownership of wasmHash to buyerAgentID and clears the
// listing. It returns the listing that was filled so the caller (the world
// reducer) can perform the matching resource transfer atomically. Buy does
// not itself move resources: the host has no concept of agent balances.
func (m *Marketplace) Buy(wasmHash, buyerAgentID string) (*Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	art, ok := m.artifacts[wasmHash]
	if !ok {
		return nil, fmt.Errorf("modhost: unknown artifact %s", wasmHash)
	}
	if art.Listing == nil {
		return nil, fmt.Errorf("modhost: artifact %s is not listed", wasmHash)
	}
	listing := art.Listing
	art.PublisherAgentID = buyerAgentID
	art.Listing = nil
	return listing, nil
}

// Destroy removes an artifact from the marketplace entirely. The caller
// must already have verified ownership and that no active registry record
// references it.
func (m *Marketplace) Destroy(wasmHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.artifacts[wasmHash]; !ok {
		return fmt.Errorf("modhost: unknown artifact %s", wasmHash)
	}
	delete(m.artifacts, wasmHash)
	return nil
}
