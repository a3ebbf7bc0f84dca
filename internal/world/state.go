// Package world implements the deterministic world state machine
// (component D): entities, invariant-preserving ledgers, and the pure
// apply(state, action, now) -> (state', events) reducer.
package world

import (
	"fmt"
	"math/rand"

	"agent-world/internal/modhost"
	"agent-world/internal/nodeid"
	"agent-world/internal/world/types"
)

// ReputationWindowCap bounds how many recent successful settlement amounts
// each agent's reputation window retains.
const ReputationWindowCap = 16

// State is the full, value-copyable world state snapshot (§5: "snapshots
// are produced by value").
type State struct {
	Height   uint64
	Epoch    uint64
	Tick     uint64
	PRNGSeed uint64

	Agents    map[string]*types.Agent
	Locations map[string]*types.Location
	Materials types.MaterialLedger
	Contracts map[string]*types.EconomicContract
	Proposals map[string]*types.GovernanceProposal
	Manifest  types.Manifest
	MainToken *types.MainTokenLedger
	Reward    *types.RewardLedger
	Caps      map[string]modhost.CapabilityGrant

	NextEventID uint64
}

// NewState constructs an empty genesis state.
func NewState() *State {
	return &State{
		Agents:    make(map[string]*types.Agent),
		Locations: make(map[string]*types.Location),
		Materials: make(types.MaterialLedger),
		Contracts: make(map[string]*types.EconomicContract),
		Proposals: make(map[string]*types.GovernanceProposal),
		MainToken: types.NewMainTokenLedger(),
		Reward:    types.NewRewardLedger(),
		Caps:      make(map[string]modhost.CapabilityGrant),
	}
}

// Clone produces a deep, independent copy of the state, the value-copy
// semantics §5 requires for snapshotting.
func (s *State) Clone() *State {
	cp := &State{
		Height: s.Height, Epoch: s.Epoch, Tick: s.Tick, PRNGSeed: s.PRNGSeed,
		Manifest: s.Manifest, NextEventID: s.NextEventID,
	}
	if s.Manifest.Params != nil {
		cp.Manifest.Params = make(map[string]string, len(s.Manifest.Params))
		for k, v := range s.Manifest.Params {
			cp.Manifest.Params[k] = v
		}
	}
	cp.Agents = make(map[string]*types.Agent, len(s.Agents))
	for k, v := range s.Agents {
		agentCopy := *v
		agentCopy.Resources = cloneStock(v.Resources)
		agentCopy.RecentContracts = append([]types.RecentContract(nil), v.RecentContracts...)
		agentCopy.ReputationWindow = append([]int64(nil), v.ReputationWindow...)
		cp.Agents[k] = &agentCopy
	}
	cp.Locations = make(map[string]*types.Location, len(s.Locations))
	for k, v := range s.Locations {
		locCopy := *v
		locCopy.Resources = cloneStock(v.Resources)
		cp.Locations[k] = &locCopy
	}
	cp.Materials = make(types.MaterialLedger, len(s.Materials))
	for ledgerID, balances := range s.Materials {
		b := make(map[string]uint64, len(balances))
		for k, v := range balances {
			b[k] = v
		}
		cp.Materials[ledgerID] = b
	}
	cp.Contracts = make(map[string]*types.EconomicContract, len(s.Contracts))
	for k, v := range s.Contracts {
		c := *v
		cp.Contracts[k] = &c
	}
	cp.Proposals = make(map[string]*types.GovernanceProposal, len(s.Proposals))
	for k, v := range s.Proposals {
		p := *v
		cp.Proposals[k] = &p
	}
	mt := *s.MainToken
	mt.Accounts = make(map[string]types.Account, len(s.MainToken.Accounts))
	for k, v := range s.MainToken.Accounts {
		mt.Accounts[k] = v
	}
	mt.Treasury = make(map[types.TreasuryBucket]int64, len(s.MainToken.Treasury))
	for k, v := range s.MainToken.Treasury {
		mt.Treasury[k] = v
	}
	mt.IssuanceLog = make(map[uint64]types.IssuanceRecord, len(s.MainToken.IssuanceLog))
	for k, v := range s.MainToken.IssuanceLog {
		mt.IssuanceLog[k] = v
	}
	mt.Genesis = append([]types.GenesisBucket(nil), s.MainToken.Genesis...)
	cp.MainToken = &mt

	rw := *s.Reward
	rw.Accounts = make(map[string]types.NodeRewardAccount, len(s.Reward.Accounts))
	for k, v := range s.Reward.Accounts {
		rw.Accounts[k] = v
	}
	rw.EpochBudget = make(map[uint64]types.SystemOrderPoolBudget, len(s.Reward.EpochBudget))
	for k, v := range s.Reward.EpochBudget {
		rw.EpochBudget[k] = v
	}
	rw.MintRecords = append([]types.NodeRewardMintRecord(nil), s.Reward.MintRecords...)
	rw.RedeemLog = append([]types.NodeRewardRedeemRecord(nil), s.Reward.RedeemLog...)
	cp.Reward = &rw

	cp.Caps = make(map[string]modhost.CapabilityGrant, len(s.Caps))
	for k, v := range s.Caps {
		cp.Caps[k] = v
	}
	return cp
}

func cloneStock(s types.ResourceStock) types.ResourceStock {
	cp := make(types.ResourceStock, len(s))
	for k, v := range s {
		cp[k] = v
	}
	return cp
}

// World wraps a State with the injected collaborators the reducer needs to
// validate module-related and governance-finality actions: the module
// host and the node-identity directory used to verify bound signatures.
// Only the module actions and the governance step that applies an approved
// proposal's module change mutate ModHost, and only BindNodeIdentity
// mutates Nodes (message passing per §9: the reducer never shares a
// mutable graph with the host beyond this explicit call).
type World struct {
	WorldID string
	State   *State
	ModHost *modhost.Host
	Nodes   *nodeid.Directory
}

// New constructs a World over a fresh genesis State.
func New(worldID string, host *modhost.Host, nodes *nodeid.Directory) *World {
	return &World{WorldID: worldID, State: NewState(), ModHost: host, Nodes: nodes}
}

// nextEventID issues a monotonically increasing event id within the
// current reducer invocation.
func (s *State) nextEventID() uint64 {
	s.NextEventID++
	return s.NextEventID
}

// prng returns a deterministic per-tick random source seeded from state,
// per §4.1's "seeded per-tick PRNG whose seed is part of state".
func (s *State) prng() *rand.Rand {
	return rand.New(rand.NewSource(int64(s.PRNGSeed)))
}

// rejected builds the single ActionRejected event for a failed action.
func rejected(s *State, actionID string, reason types.RejectReason) []types.Event {
	payload := types.ActionRejectedPayload{ActionID: actionID, Reason: reason}
	b, err := marshalPayload(payload)
	if err != nil {
		panic(fmt.Sprintf("world: marshal ActionRejected payload: %v", err))
	}
	return []types.Event{{
		EventID:  s.nextEventID(),
		Kind:     "ActionRejected",
		ActionID: actionID,
		Height:   s.Height,
		Payload:  b,
	}}
}

func event(s *State, actionID, kind string, payload interface{}) types.Event {
	b, err := marshalPayload(payload)
	if err != nil {
		panic(fmt.Sprintf("world: marshal %s payload: %v", kind, err))
	}
	return types.Event{EventID: s.nextEventID(), Kind: kind, ActionID: actionID, Height: s.Height, Payload: b}
}

// Apply is the pure reducer entry point: apply(state, action, now) ->
// (state', events). On any validation failure the returned events are
// exactly one ActionRejected and State is left as it was before the call,
// except that NextEventID advances by one to number that ActionRejected
// event — the atomicity contract in §4.1.
func (w *World) Apply(a *types.Action, nowMs int64) []types.Event {
	handler, ok := handlers[a.Kind]
	if !ok {
		return rejected(w.State, a.ActionID, types.RejectReason{
			Kind:  types.RuleDenied,
			Notes: fmt.Sprintf("unknown action kind %q", a.Kind),
		})
	}
	working := w.State.Clone()
	events, reason := handler(w, working, a, nowMs)
	if reason != nil {
		return rejected(w.State, a.ActionID, *reason)
	}
	w.State = working
	return events
}

type actionHandler func(w *World, s *State, a *types.Action, nowMs int64) ([]types.Event, *types.RejectReason)

var handlers = map[string]actionHandler{}

func registerHandler(kind string, h actionHandler) {
	handlers[kind] = h
}

func marshalPayload(v interface{}) ([]byte, error) {
	return cborMarshal(v)
}

// EmitModuleEvent mints a ModuleEmit event wrapping one sandboxed module
// call's emit, the mechanism by which the module host's outputs fold back
// into the journal (§4.2: "emits become ModuleEmit events"). This is the
// one World mutation the runtime orchestration layer performs directly,
// since minting an event id must stay centralized in State.
func (w *World) EmitModuleEvent(actionID, moduleID, kind string, payload []byte) (types.Event, error) {
	b, err := marshalPayload(types.ModuleEmitPayload{ModuleID: moduleID, Kind: kind, Payload: payload})
	if err != nil {
		return types.Event{}, fmt.Errorf("world: marshal ModuleEmit payload: %w", err)
	}
	return types.Event{
		EventID:  w.State.nextEventID(),
		Kind:     "ModuleEmit",
		ActionID: actionID,
		Height:   w.State.Height,
		Payload:  b,
	}, nil
}
