package world

import (
	"strconv"

	"agent-world/internal/world/types"
)

func init() {
	registerHandler("OpenContract", applyOpenContract)
	registerHandler("AcceptContract", applyAcceptContract)
	registerHandler("SettleContract", applySettleContract)
	registerHandler("CancelContract", applyCancelContract)
	registerHandler("ExpireContract", applyExpireContract)
}

// ExpireContractPayload expires an Open or Accepted contract whose expiry
// tick has passed. Anyone may submit it; the tick check is what authorizes
// the transition.
type ExpireContractPayload struct {
	ContractID string `cbor:"contract_id"`
}

func applyExpireContract(w *World, s *State, a *types.Action, nowMs int64) ([]types.Event, *types.RejectReason) {
	var p ExpireContractPayload
	if err := a.DecodePayload(&p); err != nil {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: err.Error()}
	}
	c, ok := s.Contracts[p.ContractID]
	if !ok {
		return nil, &types.RejectReason{Kind: types.RuleDenied, Notes: "contract not found"}
	}
	if c.Status != types.ContractOpen && c.Status != types.ContractAccepted {
		return nil, &types.RejectReason{Kind: types.ProposalInvalidState, Notes: "contract is not expirable in its current status"}
	}
	if c.ExpiryTick == 0 || s.Tick < c.ExpiryTick {
		return nil, &types.RejectReason{Kind: types.RuleDenied, Notes: "contract has not reached its expiry tick"}
	}
	c.Status = types.ContractExpired
	return []types.Event{event(s, a.ActionID, "ContractExpired", p)}, nil
}

// OpenContractPayload opens a new EconomicContract offer.
type OpenContractPayload struct {
	ContractID      string             `cbor:"contract_id"`
	CreatorAgentID  string             `cbor:"creator_agent_id"`
	CounterpartyID  string             `cbor:"counterparty_agent_id"`
	SettlementKind  types.ResourceKind `cbor:"settlement_kind"`
	SettlementAmount int64             `cbor:"settlement_amount"`
	ReputationStake int64              `cbor:"reputation_stake"`
	ExpiryTick      uint64             `cbor:"expiry_tick"`
	Notes           string             `cbor:"notes,omitempty"`
}

func applyOpenContract(w *World, s *State, a *types.Action, nowMs int64) ([]types.Event, *types.RejectReason) {
	var p OpenContractPayload
	if err := a.DecodePayload(&p); err != nil {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: err.Error()}
	}
	if p.SettlementAmount <= 0 {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: "settlement_amount must be positive"}
	}
	if _, ok := s.Agents[p.CreatorAgentID]; !ok {
		return nil, &types.RejectReason{Kind: types.AgentNotFound, Notes: "creator not found"}
	}
	if _, ok := s.Agents[p.CounterpartyID]; !ok {
		return nil, &types.RejectReason{Kind: types.AgentNotFound, Notes: "counterparty not found"}
	}
	if _, exists := s.Contracts[p.ContractID]; exists {
		return nil, &types.RejectReason{Kind: types.RuleDenied, Notes: "contract_id already in use"}
	}
	if isBlocked(s, p.CreatorAgentID) || isBlocked(s, p.CounterpartyID) {
		return nil, &types.RejectReason{Kind: types.RuleDenied, Notes: "participant is block-listed"}
	}
	if reason := checkQuota(s, p.CreatorAgentID); reason != nil {
		return nil, reason
	}
	s.Contracts[p.ContractID] = &types.EconomicContract{
		ID: p.ContractID, CreatorAgentID: p.CreatorAgentID, CounterpartyID: p.CounterpartyID,
		SettlementKind: p.SettlementKind, SettlementAmount: p.SettlementAmount,
		ReputationStake: p.ReputationStake, ExpiryTick: p.ExpiryTick,
		Status: types.ContractOpen, Notes: p.Notes,
	}
	return []types.Event{event(s, a.ActionID, "ContractOpened", p)}, nil
}

func isBlocked(s *State, agentID string) bool {
	return s.Manifest.Params["contract.blocklist."+agentID] == "1"
}

func checkQuota(s *State, agentID string) *types.RejectReason {
	raw, ok := s.Manifest.Params["contract.quota_per_agent"]
	if !ok {
		return nil
	}
	quota, err := strconv.Atoi(raw)
	if err != nil || quota <= 0 {
		return nil
	}
	open := 0
	for _, c := range s.Contracts {
		if c.CreatorAgentID == agentID && c.Status == types.ContractOpen {
			open++
		}
	}
	if open >= quota {
		return &types.RejectReason{Kind: types.RuleDenied, Notes: "creator has exceeded contract.quota_per_agent"}
	}
	return nil
}

// AcceptContractPayload transitions a contract from Open to Accepted.
type AcceptContractPayload struct {
	ContractID string `cbor:"contract_id"`
}

func applyAcceptContract(w *World, s *State, a *types.Action, nowMs int64) ([]types.Event, *types.RejectReason) {
	var p AcceptContractPayload
	if err := a.DecodePayload(&p); err != nil {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: err.Error()}
	}
	c, ok := s.Contracts[p.ContractID]
	if !ok {
		return nil, &types.RejectReason{Kind: types.RuleDenied, Notes: "contract not found"}
	}
	if c.Status != types.ContractOpen {
		return nil, &types.RejectReason{Kind: types.ProposalInvalidState, Notes: "contract is not Open"}
	}
	c.Status = types.ContractAccepted
	return []types.Event{event(s, a.ActionID, "ContractAccepted", p)}, nil
}

// CancelContractPayload cancels a still-open or accepted contract.
type CancelContractPayload struct {
	ContractID string `cbor:"contract_id"`
}

func applyCancelContract(w *World, s *State, a *types.Action, nowMs int64) ([]types.Event, *types.RejectReason) {
	var p CancelContractPayload
	if err := a.DecodePayload(&p); err != nil {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: err.Error()}
	}
	c, ok := s.Contracts[p.ContractID]
	if !ok {
		return nil, &types.RejectReason{Kind: types.RuleDenied, Notes: "contract not found"}
	}
	if c.Status != types.ContractOpen && c.Status != types.ContractAccepted {
		return nil, &types.RejectReason{Kind: types.ProposalInvalidState, Notes: "contract cannot be cancelled from its current status"}
	}
	c.Status = types.ContractCancelled
	return []types.Event{event(s, a.ActionID, "ContractCancelled", p)}, nil
}

// SettleContractPayload settles an Accepted contract, moving
// settlement_amount from counterparty to creator net of tax, and crediting
// bounded reputation to both sides.
type SettleContractPayload struct {
	ContractID string `cbor:"contract_id"`
	Results    string `cbor:"results,omitempty"`
}

func pairCooldownTicks(s *State) uint64 {
	raw, ok := s.Manifest.Params["contract.pair_cooldown_ticks"]
	if !ok {
		return 0
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func taxBps(s *State) int64 {
	raw, ok := s.Manifest.Params["contract.tax_bps"]
	if !ok {
		return 0
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 || v > 10_000 {
		return 0
	}
	return v
}

func pairKey(a, b string) string {
	if a < b {
		return a + "|" + b
	}
	return b + "|" + a
}

func applySettleContract(w *World, s *State, a *types.Action, nowMs int64) ([]types.Event, *types.RejectReason) {
	var p SettleContractPayload
	if err := a.DecodePayload(&p); err != nil {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: err.Error()}
	}
	c, ok := s.Contracts[p.ContractID]
	if !ok {
		return nil, &types.RejectReason{Kind: types.RuleDenied, Notes: "contract not found"}
	}
	if c.Status != types.ContractAccepted {
		return nil, &types.RejectReason{Kind: types.ProposalInvalidState, Notes: "contract is not Accepted"}
	}
	creator, ok := s.Agents[c.CreatorAgentID]
	if !ok {
		return nil, &types.RejectReason{Kind: types.AgentNotFound, Notes: "creator not found"}
	}
	counterparty, ok := s.Agents[c.CounterpartyID]
	if !ok {
		return nil, &types.RejectReason{Kind: types.AgentNotFound, Notes: "counterparty not found"}
	}

	pk := pairKey(c.CreatorAgentID, c.CounterpartyID)
	cooldown := pairCooldownTicks(s)
	if cooldown > 0 {
		if last, ok := lastPairSettlement(creator.RecentContracts, pk); ok && s.Tick-last < cooldown {
			return nil, &types.RejectReason{Kind: types.RuleDenied, Notes: "pair cooldown is still active"}
		}
	}

	tax := c.SettlementAmount * taxBps(s) / 10_000
	netToCreator := c.SettlementAmount - tax
	if netToCreator < 0 {
		return nil, &types.RejectReason{Kind: types.ResourceBalanceInvalid, Notes: "tax exceeds settlement amount"}
	}

	counterpartyBal := counterparty.Resources[c.SettlementKind]
	if counterpartyBal < c.SettlementAmount {
		return nil, &types.RejectReason{Kind: types.ResourceBalanceInvalid, Notes: "counterparty balance insufficient"}
	}
	creatorBal := creator.Resources[c.SettlementKind]
	// Overflow guard: reject atomically without mutating anything.
	if creatorBal+netToCreator < creatorBal {
		return nil, &types.RejectReason{Kind: types.ResourceBalanceInvalid, Notes: "creator balance would overflow"}
	}
	taxBucketBefore := s.MainToken.Treasury[types.BucketGasFee]
	if taxBucketBefore+tax < taxBucketBefore {
		return nil, &types.RejectReason{Kind: types.ResourceBalanceInvalid, Notes: "tax bucket would overflow"}
	}

	counterparty.Resources[c.SettlementKind] = counterpartyBal - c.SettlementAmount
	creator.Resources[c.SettlementKind] = creatorBal + netToCreator
	s.MainToken.Treasury[types.BucketGasFee] = taxBucketBefore + tax

	reward := reputationReward(creator, c.ReputationStake)
	creator.ReputationScore += reward
	counterparty.ReputationScore += reward
	pushReputationWindow(creator, reward)
	pushReputationWindow(counterparty, reward)

	settled := types.RecentContract{PairKey: pk, SettledTick: s.Tick}
	creator.RecentContracts = pushBounded(creator.RecentContracts, settled, 64)
	counterparty.RecentContracts = pushBounded(counterparty.RecentContracts, settled, 64)

	c.Status = types.ContractSettled
	c.Results = p.Results

	return []types.Event{event(s, a.ActionID, "ContractSettled", struct {
		ContractID string `cbor:"contract_id"`
		Tax        int64  `cbor:"tax"`
		NetAmount  int64  `cbor:"net_amount"`
	}{p.ContractID, tax, netToCreator})}, nil
}

// reputationReward caps the reward by both the contract's reputation_stake
// and a decaying window of recent successful settlements, per §4.1/§8.
func reputationReward(creator *types.Agent, stake int64) int64 {
	if stake <= 0 {
		return 0
	}
	windowCap := windowCapFor(creator)
	reward := stake
	if reward > windowCap {
		reward = windowCap
	}
	if reward < 0 {
		reward = 0
	}
	return reward
}

// windowCapFor derives the remaining cap from a fixed-size ring buffer of
// recent successful settlement rewards: the cap shrinks as the window
// fills with larger recent rewards, matching the
// "respects_stake_and_cap" behaviour exercised in original_source.
func windowCapFor(a *types.Agent) int64 {
	const baseCap = 100
	var sum int64
	for _, v := range a.ReputationWindow {
		sum += v
	}
	remaining := baseCap - sum
	if remaining < 0 {
		return 0
	}
	return remaining
}

func pushReputationWindow(a *types.Agent, reward int64) {
	if reward <= 0 {
		return
	}
	a.ReputationWindow = append(a.ReputationWindow, reward)
	if len(a.ReputationWindow) > ReputationWindowCap {
		a.ReputationWindow = a.ReputationWindow[len(a.ReputationWindow)-ReputationWindowCap:]
	}
}

func pushBounded(list []types.RecentContract, item types.RecentContract, cap int) []types.RecentContract {
	list = append(list, item)
	if len(list) > cap {
		list = list[len(list)-cap:]
	}
	return list
}

// lastPairSettlement returns the most recent settlement tick recorded for
// pk. Entries are appended in tick order, so the last match wins.
func lastPairSettlement(recent []types.RecentContract, pk string) (uint64, bool) {
	for i := len(recent) - 1; i >= 0; i-- {
		if recent[i].PairKey == pk {
			return recent[i].SettledTick, true
		}
	}
	return 0, false
}
