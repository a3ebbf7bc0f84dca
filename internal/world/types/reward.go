package types

// RewardAssetConfig tunes how a node's settled service-delivery score turns
// into power credits (§3's reward-ledger data model, §4.8).
type RewardAssetConfig struct {
	PointsPerCredit        int64 `cbor:"points_per_credit" json:"points_per_credit"`
	CreditsPerPowerUnit    int64 `cbor:"credits_per_power_unit" json:"credits_per_power_unit"`
	MaxRedeemPowerPerEpoch int64 `cbor:"max_redeem_power_per_epoch" json:"max_redeem_power_per_epoch"`
	MinRedeemPowerUnit     int64 `cbor:"min_redeem_power_unit" json:"min_redeem_power_unit"`
}

// NodeRewardAccount is one node's power-credit balance plus its lifetime
// mint/burn totals and redeem nonce.
type NodeRewardAccount struct {
	PowerCreditBalance int64  `cbor:"power_credit_balance" json:"power_credit_balance"`
	TotalMinted        int64  `cbor:"total_minted" json:"total_minted"`
	TotalBurned        int64  `cbor:"total_burned" json:"total_burned"`
	RedeemNonce        uint64 `cbor:"redeem_nonce" json:"redeem_nonce"`
}

// SystemOrderPoolBudget bounds the total power credits that may be minted
// across every node for a given epoch.
type SystemOrderPoolBudget struct {
	TotalCreditBudget int64 `cbor:"total_credit_budget" json:"total_credit_budget"`
}

// NodeRewardMintRecord is one settled, non-reversible mint for
// (epoch_index, node_id), retained so a later SettleNodeRewardMint cannot
// mint twice for the same epoch and node (§4.8).
type NodeRewardMintRecord struct {
	EpochIndex uint64 `cbor:"epoch_index" json:"epoch_index"`
	NodeID     string `cbor:"node_id" json:"node_id"`
	Amount     int64  `cbor:"amount" json:"amount"`
}

// NodeRewardRedeemRecord is one settled power-credit redemption: PowerUnits
// drawn from the protocol power reserve in exchange for burned credits.
type NodeRewardRedeemRecord struct {
	EpochIndex    uint64 `cbor:"epoch_index" json:"epoch_index"`
	NodeID        string `cbor:"node_id" json:"node_id"`
	PowerUnits    int64  `cbor:"power_units" json:"power_units"`
	CreditsBurned int64  `cbor:"credits_burned" json:"credits_burned"`
	RedeemNonce   uint64 `cbor:"redeem_nonce" json:"redeem_nonce"`
}

// RewardLedger is the protocol-power-reserve-backed reward runtime ledger
// from §3: a node's settled score becomes power credits here before
// ever touching MainToken's liquid balances.
type RewardLedger struct {
	Config      RewardAssetConfig                `cbor:"config" json:"config"`
	Reserve     int64                            `cbor:"protocol_power_reserve" json:"protocol_power_reserve"`
	Accounts    map[string]NodeRewardAccount      `cbor:"accounts" json:"accounts"`
	EpochBudget map[uint64]SystemOrderPoolBudget  `cbor:"epoch_budget" json:"epoch_budget"`
	MintRecords []NodeRewardMintRecord            `cbor:"mint_records" json:"mint_records"`
	RedeemLog   []NodeRewardRedeemRecord          `cbor:"redeem_log,omitempty" json:"redeem_log,omitempty"`
}

// NewRewardLedger constructs an empty reward ledger.
func NewRewardLedger() *RewardLedger {
	return &RewardLedger{
		Accounts:    make(map[string]NodeRewardAccount),
		EpochBudget: make(map[uint64]SystemOrderPoolBudget),
	}
}

// HasMinted reports whether a mint was already settled for (epochIndex,
// nodeID), the dedup guard §4.8 requires of apply_node_points_settlement_mint.
func (l *RewardLedger) HasMinted(epochIndex uint64, nodeID string) bool {
	for _, r := range l.MintRecords {
		if r.EpochIndex == epochIndex && r.NodeID == nodeID {
			return true
		}
	}
	return false
}

// MintedForEpoch sums the credits already minted across every node for
// epochIndex, the running total a SystemOrderPoolBudget cap is checked
// against.
func (l *RewardLedger) MintedForEpoch(epochIndex uint64) int64 {
	var total int64
	for _, r := range l.MintRecords {
		if r.EpochIndex == epochIndex {
			total += r.Amount
		}
	}
	return total
}

// RedeemedPowerForEpoch sums the power units already redeemed across every
// node for epochIndex, checked against MaxRedeemPowerPerEpoch.
func (l *RewardLedger) RedeemedPowerForEpoch(epochIndex uint64) int64 {
	var total int64
	for _, r := range l.RedeemLog {
		if r.EpochIndex == epochIndex {
			total += r.PowerUnits
		}
	}
	return total
}
