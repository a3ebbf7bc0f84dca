package world

import (
	"encoding/hex"

	"agent-world/internal/crypto"
	"agent-world/internal/world/types"
)

func init() {
	registerHandler("BindNodeIdentity", applyBindNodeIdentity)
	registerHandler("ConfigureRewardRuntime", applyConfigureRewardRuntime)
	registerHandler("SettleNodeRewardMint", applySettleNodeRewardMint)
	registerHandler("RedeemPowerCredits", applyRedeemPowerCredits)
}

// BindNodeIdentityPayload binds node_id to a public key, proven by a
// signature over the node_id itself (proof of private-key possession).
type BindNodeIdentityPayload struct {
	NodeID       string `cbor:"node_id"`
	PublicKeyHex string `cbor:"public_key_hex"`
	ProofHex     string `cbor:"proof_hex"`
}

func applyBindNodeIdentity(w *World, s *State, a *types.Action, nowMs int64) ([]types.Event, *types.RejectReason) {
	var p BindNodeIdentityPayload
	if err := a.DecodePayload(&p); err != nil {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: err.Error()}
	}
	if p.NodeID == "" || p.PublicKeyHex == "" {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: "node_id and public_key_hex are required"}
	}
	proof, err := hex.DecodeString(p.ProofHex)
	if err != nil {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: "proof_hex is not valid hex"}
	}
	if !crypto.VerifyEd25519Hex(p.PublicKeyHex, []byte(p.NodeID), proof) {
		return nil, &types.RejectReason{Kind: types.RuleDenied, Notes: "proof does not verify against public_key_hex"}
	}
	if w.Nodes != nil {
		w.Nodes.Bind(p.NodeID, p.PublicKeyHex)
	}
	return []types.Event{event(s, a.ActionID, "NodeIdentityBound", struct {
		NodeID       string `cbor:"node_id"`
		PublicKeyHex string `cbor:"public_key_hex"`
	}{p.NodeID, p.PublicKeyHex})}, nil
}

// ConfigureRewardRuntimePayload writes reward-runtime tunables into the live
// manifest's param map (epoch length, pool budget, etc.), read back by the
// reward settlement pipeline outside the reducer. Setting EpochBudget (with
// a positive value) additionally seeds the in-ledger SystemOrderPoolBudget
// cap that SettleNodeRewardMint enforces for EpochIndex.
type ConfigureRewardRuntimePayload struct {
	Params          map[string]string        `cbor:"params,omitempty"`
	EpochIndex      uint64                   `cbor:"epoch_index,omitempty"`
	EpochBudget     int64                    `cbor:"epoch_budget,omitempty"`
	Asset           *types.RewardAssetConfig `cbor:"asset,omitempty"`
	AddReservePower int64                    `cbor:"add_reserve_power,omitempty"`
}

func applyConfigureRewardRuntime(w *World, s *State, a *types.Action, nowMs int64) ([]types.Event, *types.RejectReason) {
	var p ConfigureRewardRuntimePayload
	if err := a.DecodePayload(&p); err != nil {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: err.Error()}
	}
	if s.Manifest.Params == nil {
		s.Manifest.Params = make(map[string]string)
	}
	for k, v := range p.Params {
		s.Manifest.Params["reward."+k] = v
	}
	if p.EpochBudget > 0 {
		s.Reward.EpochBudget[p.EpochIndex] = types.SystemOrderPoolBudget{TotalCreditBudget: p.EpochBudget}
	}
	if p.Asset != nil {
		if p.Asset.PointsPerCredit < 0 || p.Asset.CreditsPerPowerUnit < 0 || p.Asset.MaxRedeemPowerPerEpoch < 0 || p.Asset.MinRedeemPowerUnit < 0 {
			return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: "reward asset config values must be non-negative"}
		}
		s.Reward.Config = *p.Asset
	}
	if p.AddReservePower != 0 {
		next := s.Reward.Reserve + p.AddReservePower
		if next < 0 {
			return nil, &types.RejectReason{Kind: types.ResourceBalanceInvalid, Notes: "protocol power reserve would go negative"}
		}
		s.Reward.Reserve = next
	}
	return []types.Event{event(s, a.ActionID, "RewardRuntimeConfigured", p)}, nil
}

// RedeemPowerCreditsPayload burns a node's power credits in exchange for
// power units drawn from the protocol power reserve (§3's reward ledger:
// credits_per_power_unit, min_redeem_power_unit, max_redeem_power_per_epoch,
// per-node redeem nonce).
type RedeemPowerCreditsPayload struct {
	EpochIndex  uint64 `cbor:"epoch_index"`
	NodeID      string `cbor:"node_id"`
	PowerUnits  int64  `cbor:"power_units"`
	RedeemNonce uint64 `cbor:"redeem_nonce"`
}

func applyRedeemPowerCredits(w *World, s *State, a *types.Action, nowMs int64) ([]types.Event, *types.RejectReason) {
	var p RedeemPowerCreditsPayload
	if err := a.DecodePayload(&p); err != nil {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: err.Error()}
	}
	if w.Nodes == nil {
		return nil, &types.RejectReason{Kind: types.DistributedValidationFailed, Notes: "no node-identity directory configured"}
	}
	if _, bound := w.Nodes.PublicKeyHex(p.NodeID); !bound {
		return nil, &types.RejectReason{Kind: types.DistributedValidationFailed, Notes: "node_id is not a bound node identity"}
	}
	cfg := s.Reward.Config
	if cfg.CreditsPerPowerUnit <= 0 {
		return nil, &types.RejectReason{Kind: types.RuleDenied, Notes: "credits_per_power_unit is not configured"}
	}
	if p.PowerUnits <= 0 {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: "power_units must be positive"}
	}
	if cfg.MinRedeemPowerUnit > 0 && p.PowerUnits < cfg.MinRedeemPowerUnit {
		return nil, &types.RejectReason{Kind: types.RuleDenied, Notes: "power_units below min_redeem_power_unit"}
	}
	acct := s.Reward.Accounts[p.NodeID]
	if p.RedeemNonce != acct.RedeemNonce+1 {
		return nil, &types.RejectReason{Kind: types.RuleDenied, Notes: "redeem_nonce must be strictly increasing"}
	}
	if cfg.MaxRedeemPowerPerEpoch > 0 && s.Reward.RedeemedPowerForEpoch(p.EpochIndex)+p.PowerUnits > cfg.MaxRedeemPowerPerEpoch {
		return nil, &types.RejectReason{Kind: types.ResourceBalanceInvalid, Notes: "redemption exceeds max_redeem_power_per_epoch"}
	}
	credits := p.PowerUnits * cfg.CreditsPerPowerUnit
	if credits/cfg.CreditsPerPowerUnit != p.PowerUnits {
		return nil, &types.RejectReason{Kind: types.ResourceBalanceInvalid, Notes: "credit cost would overflow"}
	}
	if acct.PowerCreditBalance < credits {
		return nil, &types.RejectReason{Kind: types.ResourceBalanceInvalid, Notes: "power credit balance insufficient"}
	}
	if s.Reward.Reserve < p.PowerUnits {
		return nil, &types.RejectReason{Kind: types.ResourceBalanceInvalid, Notes: "protocol power reserve insufficient"}
	}
	acct.PowerCreditBalance -= credits
	acct.TotalBurned += credits
	acct.RedeemNonce = p.RedeemNonce
	s.Reward.Accounts[p.NodeID] = acct
	s.Reward.Reserve -= p.PowerUnits
	s.Reward.RedeemLog = append(s.Reward.RedeemLog, types.NodeRewardRedeemRecord{
		EpochIndex: p.EpochIndex, NodeID: p.NodeID, PowerUnits: p.PowerUnits,
		CreditsBurned: credits, RedeemNonce: p.RedeemNonce,
	})
	return []types.Event{event(s, a.ActionID, "PowerCreditsRedeemed", p)}, nil
}

// MintDecision is one node's share of a settled reward epoch, computed
// upstream by the node-reward runtime's settlement report and applied here
// as a single atomic ledger mutation. AccountID must name a node_id bound
// via BindNodeIdentity: SettleNodeRewardMint only ever pays bound nodes.
type MintDecision struct {
	AccountID string `cbor:"account_id"`
	Amount    int64  `cbor:"amount"`
}

// SettleNodeRewardMintPayload applies a batch of pre-computed mint decisions
// for one epoch against the node_service_reward treasury bucket and the
// reward ledger (§3, §4.8's apply_node_points_settlement_mint). SignerNodeID
// must be a node bound via BindNodeIdentity: an unbound signer can't settle
// a mint for anyone. The whole batch is atomic: if any decision would
// double-mint, overflow, exceed the epoch's SystemOrderPoolBudget, or
// exceed the bucket balance, none of it is applied.
type SettleNodeRewardMintPayload struct {
	EpochIndex   uint64         `cbor:"epoch_index"`
	SignerNodeID string         `cbor:"signer_node_id"`
	Decisions    []MintDecision `cbor:"decisions"`
}

func applySettleNodeRewardMint(w *World, s *State, a *types.Action, nowMs int64) ([]types.Event, *types.RejectReason) {
	var p SettleNodeRewardMintPayload
	if err := a.DecodePayload(&p); err != nil {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: err.Error()}
	}
	if w.Nodes == nil {
		return nil, &types.RejectReason{Kind: types.DistributedValidationFailed, Notes: "no node-identity directory configured"}
	}
	if p.SignerNodeID == "" {
		return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: "signer_node_id is required"}
	}
	if _, bound := w.Nodes.PublicKeyHex(p.SignerNodeID); !bound {
		return nil, &types.RejectReason{Kind: types.DistributedValidationFailed, Notes: "signer_node_id is not a bound node identity"}
	}

	var total int64
	seen := make(map[string]bool, len(p.Decisions))
	for _, d := range p.Decisions {
		if d.Amount < 0 {
			return nil, &types.RejectReason{Kind: types.InvalidAmount, Notes: "mint decision amount must be non-negative"}
		}
		if seen[d.AccountID] {
			return nil, &types.RejectReason{Kind: types.RuleDenied, Notes: "duplicate account_id within one settlement batch"}
		}
		seen[d.AccountID] = true
		if _, bound := w.Nodes.PublicKeyHex(d.AccountID); !bound {
			return nil, &types.RejectReason{Kind: types.DistributedValidationFailed, Notes: "settled node " + d.AccountID + " is not a bound node identity"}
		}
		if s.Reward.HasMinted(p.EpochIndex, d.AccountID) {
			return nil, &types.RejectReason{Kind: types.RuleDenied, Notes: "node already has a settled mint for this epoch_index"}
		}
		if total+d.Amount < total {
			return nil, &types.RejectReason{Kind: types.ResourceBalanceInvalid, Notes: "mint decision batch total would overflow"}
		}
		total += d.Amount
	}
	if budget, ok := s.Reward.EpochBudget[p.EpochIndex]; ok {
		if already := s.Reward.MintedForEpoch(p.EpochIndex); already+total > budget.TotalCreditBudget {
			return nil, &types.RejectReason{Kind: types.ResourceBalanceInvalid, Notes: "mint total exceeds the epoch's system_order_pool_budget"}
		}
	}
	if s.MainToken.Treasury[types.BucketNodeServiceReward] < total {
		return nil, &types.RejectReason{Kind: types.ResourceBalanceInvalid, Notes: "node_service_reward bucket balance insufficient"}
	}
	for _, d := range p.Decisions {
		acct := s.MainToken.Accounts[d.AccountID]
		if acct.Liquid+d.Amount < acct.Liquid {
			return nil, &types.RejectReason{Kind: types.ResourceBalanceInvalid, Notes: "account liquid balance would overflow"}
		}
	}

	s.MainToken.Treasury[types.BucketNodeServiceReward] -= total
	s.MainToken.Supply.Circulating += total
	for _, d := range p.Decisions {
		acct := s.MainToken.Accounts[d.AccountID]
		acct.Liquid += d.Amount
		s.MainToken.Accounts[d.AccountID] = acct

		rewardAcct := s.Reward.Accounts[d.AccountID]
		rewardAcct.TotalMinted += d.Amount
		rewardAcct.PowerCreditBalance += d.Amount
		s.Reward.Accounts[d.AccountID] = rewardAcct

		s.Reward.MintRecords = append(s.Reward.MintRecords, types.NodeRewardMintRecord{
			EpochIndex: p.EpochIndex, NodeID: d.AccountID, Amount: d.Amount,
		})
	}
	return []types.Event{event(s, a.ActionID, "NodeRewardMintSettled", p)}, nil
}
