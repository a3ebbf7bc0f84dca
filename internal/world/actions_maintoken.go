package world

import (
	"agent-world/internal/world/types"
)

func init() {
	registerHandler("InitializeMainToken", applyInitializeMainToken)
	registerHandler("ClaimMainToken", applyClaimMainToken)
	registerHandler("IssueMainToken", applyIssueMainToken)
	registerHandler("SettleMainTokenFees", applySettleMainTokenFees)
	registerHandler("TransferMainToken", applyTransferMainToken)
	registerHandler("BurnMainToken", applyBurnMainToken)
}

// TransferMainTokenPayload moves liquid balance between two accounts. Only
// the sending account's actor may submit it.
type TransferMainTokenPayload struct {
	FromAccountID string `cbor:"from_account_id"`
	ToAccountID   string `cbor:"to_account_id"`
	Amount        int64  `cbor:"amount"`
}

func applyTransferMainToken(w *World, s *State, a *types.Action, nowMs int64) ([]types.Event, *types.RejectReason) {
	var p TransferMainTokenPayload
	if err := a.DecodePayload(&p); err != nil {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: err.Error()}
	}
	if p.Amount <= 0 {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: "amount must be positive"}
	}
	if a.ActorID != p.FromAccountID {
		return nil, &types.RejectReason{Kind: types.RuleDenied, Notes: "only the sending account may transfer"}
	}
	if p.FromAccountID == p.ToAccountID {
		return nil, &types.RejectReason{Kind: types.RuleDenied, Notes: "from and to accounts must differ"}
	}
	from := s.MainToken.Accounts[p.FromAccountID]
	if from.Liquid < p.Amount {
		return nil, &types.RejectReason{Kind: types.ResourceBalanceInvalid, Notes: "sender liquid balance insufficient"}
	}
	to := s.MainToken.Accounts[p.ToAccountID]
	if to.Liquid+p.Amount < to.Liquid {
		return nil, &types.RejectReason{Kind: types.ResourceBalanceInvalid, Notes: "recipient liquid balance would overflow"}
	}
	from.Liquid -= p.Amount
	to.Liquid += p.Amount
	s.MainToken.Accounts[p.FromAccountID] = from
	s.MainToken.Accounts[p.ToAccountID] = to
	return []types.Event{event(s, a.ActionID, "MainTokenTransferred", p)}, nil
}

// BurnMainTokenPayload permanently destroys liquid balance, shrinking
// total and circulating supply and growing the burned counter.
type BurnMainTokenPayload struct {
	AccountID string `cbor:"account_id"`
	Amount    int64  `cbor:"amount"`
}

func applyBurnMainToken(w *World, s *State, a *types.Action, nowMs int64) ([]types.Event, *types.RejectReason) {
	var p BurnMainTokenPayload
	if err := a.DecodePayload(&p); err != nil {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: err.Error()}
	}
	if p.Amount <= 0 {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: "amount must be positive"}
	}
	acct := s.MainToken.Accounts[p.AccountID]
	if acct.Liquid < p.Amount {
		return nil, &types.RejectReason{Kind: types.ResourceBalanceInvalid, Notes: "account liquid balance insufficient"}
	}
	acct.Liquid -= p.Amount
	s.MainToken.Accounts[p.AccountID] = acct
	s.MainToken.Supply.Total -= p.Amount
	s.MainToken.Supply.Circulating -= p.Amount
	s.MainToken.Supply.Burned += p.Amount
	return []types.Event{event(s, a.ActionID, "MainTokenBurned", p)}, nil
}

const bpsDenominator = 10_000

// InitializeMainTokenPayload seeds the genesis supply and its vesting
// buckets. The bucket ratios must sum to exactly 10000 bps.
type InitializeMainTokenPayload struct {
	TotalSupply int64                  `cbor:"total_supply"`
	Genesis     []types.GenesisBucket  `cbor:"genesis"`
}

func applyInitializeMainToken(w *World, s *State, a *types.Action, nowMs int64) ([]types.Event, *types.RejectReason) {
	var p InitializeMainTokenPayload
	if err := a.DecodePayload(&p); err != nil {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: err.Error()}
	}
	if s.MainToken.Supply.Total != 0 {
		return nil, &types.RejectReason{Kind: types.RuleDenied, Notes: "main token already initialized"}
	}
	if p.TotalSupply <= 0 {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: "total_supply must be positive"}
	}
	var ratioSum uint32
	var allocSum int64
	for _, b := range p.Genesis {
		ratioSum += b.RatioBps
		allocSum += b.Allocated
	}
	if ratioSum != bpsDenominator {
		return nil, &types.RejectReason{Kind: types.ResourceBalanceInvalid, Notes: "genesis bucket ratios must sum to exactly 10000 bps"}
	}
	if allocSum > p.TotalSupply {
		return nil, &types.RejectReason{Kind: types.ResourceBalanceInvalid, Notes: "genesis allocations exceed total_supply"}
	}
	s.MainToken.Supply = types.Supply{Total: p.TotalSupply, GenesisTotal: p.TotalSupply, Issued: p.TotalSupply}
	s.MainToken.Genesis = append([]types.GenesisBucket(nil), p.Genesis...)
	// Every genesis bucket's allocation starts out vested on its account,
	// moving to Liquid only as ClaimMainToken releases it: together with the
	// leftover below, this keeps treasury+liquid+vested == total_supply true
	// immediately at genesis, not just once claims start landing.
	for _, b := range p.Genesis {
		acct := s.MainToken.Accounts[b.AccountID]
		acct.Vested += b.Allocated
		s.MainToken.Accounts[b.AccountID] = acct
	}
	if leftover := p.TotalSupply - allocSum; leftover > 0 {
		s.MainToken.Treasury[types.BucketEcosystemPool] += leftover
	}
	return []types.Event{event(s, a.ActionID, "MainTokenInitialized", p)}, nil
}

// ClaimMainTokenPayload claims the vested-but-unclaimed balance of a
// genesis bucket on behalf of its account.
type ClaimMainTokenPayload struct {
	AccountID   string `cbor:"account_id"`
	ClaimNonce  uint64 `cbor:"claim_nonce"`
	CurrentEpoch uint64 `cbor:"current_epoch"`
}

func applyClaimMainToken(w *World, s *State, a *types.Action, nowMs int64) ([]types.Event, *types.RejectReason) {
	var p ClaimMainTokenPayload
	if err := a.DecodePayload(&p); err != nil {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: err.Error()}
	}
	idx := -1
	for i, b := range s.MainToken.Genesis {
		if b.AccountID == p.AccountID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, &types.RejectReason{Kind: types.AgentNotFound, Notes: "no genesis bucket for account_id"}
	}
	acct := s.MainToken.Accounts[p.AccountID]
	if p.ClaimNonce != acct.ClaimNonce+1 {
		return nil, &types.RejectReason{Kind: types.RuleDenied, Notes: "nonce replay: claim_nonce must be strictly increasing"}
	}
	bucket := s.MainToken.Genesis[idx]
	unlocked := bucket.Unlocked(p.CurrentEpoch)
	releasable := unlocked - bucket.Claimed
	if releasable <= 0 {
		return nil, &types.RejectReason{Kind: types.ResourceBalanceInvalid, Notes: "nothing releasable at current_epoch"}
	}
	bucket.Claimed += releasable
	s.MainToken.Genesis[idx] = bucket
	acct.Vested -= releasable
	acct.Liquid += releasable
	acct.ClaimNonce = p.ClaimNonce
	s.MainToken.Accounts[p.AccountID] = acct
	s.MainToken.Supply.Circulating += releasable
	return []types.Event{event(s, a.ActionID, "MainTokenClaimed", struct {
		AccountID string `cbor:"account_id"`
		Released  int64  `cbor:"released"`
	}{p.AccountID, releasable})}, nil
}

// IssueMainTokenPayload issues one epoch's inflation, split across the
// treasury buckets, per a stake-ratio-driven rate clamped to [min,max] bps.
type IssueMainTokenPayload struct {
	EpochIndex       uint64 `cbor:"epoch_index"`
	MinRateBps       int64  `cbor:"min_rate_bps"`
	MaxRateBps       int64  `cbor:"max_rate_bps"`
	TargetStakeRatio int64  `cbor:"target_stake_ratio_bps"`
	ActualStakeRatio int64  `cbor:"actual_stake_ratio_bps"`
}

// issuanceRate derives this epoch's inflation rate: the midpoint of the
// configured range, nudged toward the minimum when actual stake exceeds the
// target (less inflation needed to attract stake) and toward the maximum
// when actual trails target, then clamped to [min,max].
func issuanceRate(p IssueMainTokenPayload) int64 {
	mid := (p.MinRateBps + p.MaxRateBps) / 2
	deviation := p.TargetStakeRatio - p.ActualStakeRatio
	rate := mid + deviation/10
	if rate < p.MinRateBps {
		rate = p.MinRateBps
	}
	if rate > p.MaxRateBps {
		rate = p.MaxRateBps
	}
	return rate
}

func applyIssueMainToken(w *World, s *State, a *types.Action, nowMs int64) ([]types.Event, *types.RejectReason) {
	var p IssueMainTokenPayload
	if err := a.DecodePayload(&p); err != nil {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: err.Error()}
	}
	if _, exists := s.MainToken.IssuanceLog[p.EpochIndex]; exists {
		return nil, &types.RejectReason{Kind: types.RuleDenied, Notes: "epoch_index already issued"}
	}
	if p.MinRateBps < 0 || p.MaxRateBps < p.MinRateBps {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: "invalid rate bounds"}
	}
	rate := issuanceRate(p)
	amount := s.MainToken.Supply.GenesisTotal * rate / bpsDenominator
	if s.MainToken.Supply.Issued+amount > s.MainToken.Supply.GenesisTotal*2 {
		return nil, &types.RejectReason{Kind: types.ResourceBalanceInvalid, Notes: "issuance would exceed the maximum total supply"}
	}

	// Four-way bucket split: half to staking/node-service rewards evenly,
	// a quarter to the ecosystem pool, a quarter to the security reserve.
	buckets := map[types.TreasuryBucket]int64{
		types.BucketStakingReward:     amount / 4,
		types.BucketNodeServiceReward: amount / 4,
		types.BucketEcosystemPool:     amount / 4,
		types.BucketSecurityReserve:   amount - 3*(amount/4),
	}
	for bucket, share := range buckets {
		s.MainToken.Treasury[bucket] += share
	}
	// Newly-issued tokens are minted straight into the treasury: Total grows
	// to match (treasury+liquid+vested == total_supply stays true), but
	// Circulating only grows once a bucket is actually paid out to an
	// account (SettleMainTokenFees, SettleNodeRewardMint).
	s.MainToken.Supply.Total += amount
	s.MainToken.Supply.Issued += amount

	record := types.IssuanceRecord{
		EpochIndex: p.EpochIndex, InflationRateBps: rate,
		ActualStakeRatio: p.ActualStakeRatio, TargetStakeRatio: p.TargetStakeRatio,
		IssuedAmount: amount, BucketAmounts: buckets,
	}
	s.MainToken.IssuanceLog[p.EpochIndex] = record
	return []types.Event{event(s, a.ActionID, "MainTokenIssued", record)}, nil
}

// SettleMainTokenFeesPayload moves an accumulated fee bucket into an
// account's liquid balance (e.g. node reward settlement draws down
// node_service_reward).
type SettleMainTokenFeesPayload struct {
	Bucket    types.TreasuryBucket `cbor:"bucket"`
	AccountID string               `cbor:"account_id"`
	Amount    int64                `cbor:"amount"`
}

func applySettleMainTokenFees(w *World, s *State, a *types.Action, nowMs int64) ([]types.Event, *types.RejectReason) {
	var p SettleMainTokenFeesPayload
	if err := a.DecodePayload(&p); err != nil {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: err.Error()}
	}
	if p.Amount <= 0 {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: "amount must be positive"}
	}
	if s.MainToken.Treasury[p.Bucket] < p.Amount {
		return nil, &types.RejectReason{Kind: types.ResourceBalanceInvalid, Notes: "bucket balance insufficient"}
	}
	acct := s.MainToken.Accounts[p.AccountID]
	if acct.Liquid+p.Amount < acct.Liquid {
		return nil, &types.RejectReason{Kind: types.ResourceBalanceInvalid, Notes: "account liquid balance would overflow"}
	}
	s.MainToken.Treasury[p.Bucket] -= p.Amount
	acct.Liquid += p.Amount
	s.MainToken.Accounts[p.AccountID] = acct
	s.MainToken.Supply.Circulating += p.Amount
	return []types.Event{event(s, a.ActionID, "MainTokenFeesSettled", p)}, nil
}
