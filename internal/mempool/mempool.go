// Package mempool implements the action mempool (component F): a bounded,
// deduplicating holding area for submitted actions awaiting batch assembly
// by the consensus engine's proposer.
package mempool

import (
	"fmt"
	"sort"
	"sync"

	"agent-world/internal/codec"
	"agent-world/internal/crypto"
	"agent-world/internal/world/types"
)

// Limits bounds the mempool's admission policy.
type Limits struct {
	MaxSize          int
	MaxPerActor       int
	MaxPerIdempotency int
}

// ErrDuplicateAction is returned by Add when action_id is already present.
type ErrDuplicateAction struct{ ActionID string }

func (e *ErrDuplicateAction) Error() string {
	return fmt.Sprintf("mempool: action %s already present", e.ActionID)
}

// ErrDuplicateIdempotency is returned by Add when (actor_id, idempotency_key)
// has already been admitted and not yet evicted.
type ErrDuplicateIdempotency struct{ ActorID, IdempotencyKey string }

func (e *ErrDuplicateIdempotency) Error() string {
	return fmt.Sprintf("mempool: actor %s already has a pending action with idempotency_key %s", e.ActorID, e.IdempotencyKey)
}

// ErrActorOverCap is returned by Add when actor_id already has MaxPerActor
// pending actions.
type ErrActorOverCap struct{ ActorID string }

func (e *ErrActorOverCap) Error() string {
	return fmt.Sprintf("mempool: actor %s has reached its pending action cap", e.ActorID)
}

// Mempool holds admitted actions in FIFO order, keyed by action_id, with
// per-actor and per-idempotency-key admission caps. When full, Add evicts
// the oldest entry (by insertion order) to make room, per §4.3's
// "bounded, FIFO-evicting" mempool.
type Mempool struct {
	mu     sync.Mutex
	limits Limits

	order []string // action_id, oldest first
	items map[string]*types.Action

	byActor map[string][]string       // actor_id -> action_ids (insertion order)
	idemSet map[string]string         // actor_id|idempotency_key -> action_id
}

// New constructs an empty Mempool bounded by limits.
func New(limits Limits) *Mempool {
	return &Mempool{
		limits:  limits,
		items:   make(map[string]*types.Action),
		byActor: make(map[string][]string),
		idemSet: make(map[string]string),
	}
}

func idemKey(actorID, idempotencyKey string) string {
	return actorID + "|" + idempotencyKey
}

// Add admits a into the mempool, evicting the oldest entry if the mempool
// is at MaxSize. It rejects outright (without evicting) a duplicate
// action_id, a duplicate (actor_id, idempotency_key) pair still pending, or
// an actor already at MaxPerActor.
func (m *Mempool) Add(a *types.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.items[a.ActionID]; exists {
		return &ErrDuplicateAction{ActionID: a.ActionID}
	}
	if a.IdempotencyKey != "" {
		key := idemKey(a.ActorID, a.IdempotencyKey)
		if _, exists := m.idemSet[key]; exists {
			return &ErrDuplicateIdempotency{ActorID: a.ActorID, IdempotencyKey: a.IdempotencyKey}
		}
	}
	if m.limits.MaxPerActor > 0 && len(m.byActor[a.ActorID]) >= m.limits.MaxPerActor {
		return &ErrActorOverCap{ActorID: a.ActorID}
	}

	if m.limits.MaxSize > 0 && len(m.order) >= m.limits.MaxSize {
		m.evictOldestLocked()
	}

	m.items[a.ActionID] = a
	m.order = append(m.order, a.ActionID)
	m.byActor[a.ActorID] = append(m.byActor[a.ActorID], a.ActionID)
	if a.IdempotencyKey != "" {
		m.idemSet[idemKey(a.ActorID, a.IdempotencyKey)] = a.ActionID
	}
	return nil
}

func (m *Mempool) evictOldestLocked() {
	if len(m.order) == 0 {
		return
	}
	oldestID := m.order[0]
	m.order = m.order[1:]
	m.removeIndexesLocked(oldestID)
}

func (m *Mempool) removeIndexesLocked(actionID string) {
	a, ok := m.items[actionID]
	if !ok {
		return
	}
	delete(m.items, actionID)
	m.byActor[a.ActorID] = removeString(m.byActor[a.ActorID], actionID)
	if len(m.byActor[a.ActorID]) == 0 {
		delete(m.byActor, a.ActorID)
	}
	if a.IdempotencyKey != "" {
		delete(m.idemSet, idemKey(a.ActorID, a.IdempotencyKey))
	}
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

// Remove drops actionID from the mempool, e.g. after a committed batch
// includes it.
func (m *Mempool) Remove(actionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.order = removeString(m.order, actionID)
	m.removeIndexesLocked(actionID)
}

// Len reports the number of pending actions.
func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

// Batch is a deterministically identified group of actions ready for
// consensus proposal.
type Batch struct {
	BatchID string
	Actions []*types.Action
}

// batchID computes a deterministic identifier for actions independent of
// their mempool insertion order: BLAKE3 over the canonical CBOR encoding of
// the actions' (action_id, idempotency_key) pairs, sorted by action_id.
func batchID(actions []*types.Action) (string, error) {
	type tuple struct {
		ActionID       string `cbor:"action_id"`
		IdempotencyKey string `cbor:"idempotency_key"`
	}
	tuples := make([]tuple, len(actions))
	for i, a := range actions {
		tuples[i] = tuple{ActionID: a.ActionID, IdempotencyKey: a.IdempotencyKey}
	}
	sort.Slice(tuples, func(i, j int) bool { return tuples[i].ActionID < tuples[j].ActionID })
	b, err := codec.MarshalCanonical(tuples)
	if err != nil {
		return "", err
	}
	return crypto.BLAKE3Hex(b), nil
}

// BatchRules caps one batch's size in both action count and serialized
// payload bytes.
type BatchRules struct {
	MaxActions      int
	MaxPayloadBytes int
}

// selectBatch walks candidates ordered by (submitted_at_ms, action_id) and
// picks the prefix fitting both caps. Any single action whose own
// serialized size exceeds MaxPayloadBytes is poison: it can never fit a
// batch, so it is dropped outright. Returns the picked actions and every
// action id consumed from the pool (picked or poison).
func selectBatch(candidates []*types.Action, rules BatchRules) (picked []*types.Action, consumed []string, err error) {
	sorted := append([]*types.Action(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].SubmittedAtMs != sorted[j].SubmittedAtMs {
			return sorted[i].SubmittedAtMs < sorted[j].SubmittedAtMs
		}
		return sorted[i].ActionID < sorted[j].ActionID
	})
	var totalBytes int
	for _, a := range sorted {
		if rules.MaxActions > 0 && len(picked) >= rules.MaxActions {
			break
		}
		size := 0
		if rules.MaxPayloadBytes > 0 {
			size, err = a.SerializedSize()
			if err != nil {
				return nil, nil, fmt.Errorf("mempool: size action %s: %w", a.ActionID, err)
			}
			if size > rules.MaxPayloadBytes {
				consumed = append(consumed, a.ActionID)
				continue
			}
			if totalBytes+size > rules.MaxPayloadBytes {
				break
			}
		}
		totalBytes += size
		picked = append(picked, a)
		consumed = append(consumed, a.ActionID)
	}
	return picked, consumed, nil
}

// TakeBatchWithRules removes the pending actions fitting rules, ordered by
// (submitted_at_ms, action_id), and returns them as a Batch with a
// deterministic batch_id. Actions too large to ever fit are removed from
// the pool without being batched.
func (m *Mempool) TakeBatchWithRules(rules BatchRules) (*Batch, error) {
	m.mu.Lock()
	candidates := make([]*types.Action, 0, len(m.order))
	for _, id := range m.order {
		candidates = append(candidates, m.items[id])
	}
	m.mu.Unlock()

	picked, consumed, err := selectBatch(candidates, rules)
	if err != nil {
		return nil, err
	}
	id, err := batchID(picked)
	if err != nil {
		return nil, fmt.Errorf("mempool: compute batch_id: %w", err)
	}
	for _, actionID := range consumed {
		m.Remove(actionID)
	}
	return &Batch{BatchID: id, Actions: picked}, nil
}

// normalizeZone maps the empty zone id to the reserved "global" zone.
func normalizeZone(zoneID string) string {
	if zoneID == "" {
		return "global"
	}
	return zoneID
}

// TakeZoneBatchesWithRules partitions pending actions by normalized
// zone_id and returns one deterministically identified Batch per
// non-empty zone, each constrained by the same rules, so independent
// zones can be proposed/applied in parallel without cross-zone ordering
// dependencies (§4.3, §5).
func (m *Mempool) TakeZoneBatchesWithRules(rules BatchRules) (map[string]*Batch, error) {
	m.mu.Lock()
	byZone := make(map[string][]*types.Action)
	for _, id := range m.order {
		a := m.items[id]
		zone := normalizeZone(a.ZoneID)
		byZone[zone] = append(byZone[zone], a)
	}
	m.mu.Unlock()

	zones := make([]string, 0, len(byZone))
	for z := range byZone {
		zones = append(zones, z)
	}
	sort.Strings(zones)

	out := make(map[string]*Batch, len(zones))
	for _, zone := range zones {
		picked, consumed, err := selectBatch(byZone[zone], rules)
		if err != nil {
			return nil, err
		}
		id, err := batchID(picked)
		if err != nil {
			return nil, fmt.Errorf("mempool: compute batch_id for zone %s: %w", zone, err)
		}
		for _, actionID := range consumed {
			m.Remove(actionID)
		}
		if len(picked) == 0 {
			continue
		}
		out[zone] = &Batch{BatchID: id, Actions: picked}
	}
	return out, nil
}
