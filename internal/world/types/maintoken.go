package types

// TreasuryBucket enumerates the MainToken treasury allocation buckets.
type TreasuryBucket string

const (
	BucketStakingReward    TreasuryBucket = "staking_reward"
	BucketNodeServiceReward TreasuryBucket = "node_service_reward"
	BucketEcosystemPool    TreasuryBucket = "ecosystem_pool"
	BucketSecurityReserve  TreasuryBucket = "security_reserve"
	BucketGasFee           TreasuryBucket = "gas_fee"
	BucketSlash            TreasuryBucket = "slash"
	BucketModuleFee        TreasuryBucket = "module_fee"
)

// Supply tracks the MainToken's global supply counters. Total is the sum of
// every outstanding token (treasury + liquid + vested, §3's conservation
// invariant) and grows with each epoch's IssueMainToken; GenesisTotal is the
// fixed genesis figure issuance's max-supply cap is measured against, so the
// cap doesn't chase a Total that issuance itself keeps moving.
type Supply struct {
	Total        int64 `cbor:"total" json:"total"`
	GenesisTotal int64 `cbor:"genesis_total" json:"genesis_total"`
	Circulating  int64 `cbor:"circulating" json:"circulating"`
	Issued       int64 `cbor:"issued" json:"issued"`
	Burned       int64 `cbor:"burned" json:"burned"`
}

// Account holds one holder's liquid and vesting-locked balances.
type Account struct {
	Liquid      int64  `cbor:"liquid" json:"liquid"`
	Vested      int64  `cbor:"vested" json:"vested"`
	ClaimNonce  uint64 `cbor:"claim_nonce" json:"claim_nonce"`
}

// GenesisBucket is one vesting allocation bucket from genesis.
type GenesisBucket struct {
	AccountID     string `cbor:"account_id" json:"account_id"`
	RatioBps      uint32 `cbor:"ratio_bps" json:"ratio_bps"`
	CliffEpochs   uint64 `cbor:"cliff_epochs" json:"cliff_epochs"`
	LinearEpochs  uint64 `cbor:"linear_unlock_epochs" json:"linear_unlock_epochs"`
	Allocated     int64  `cbor:"allocated" json:"allocated"`
	Claimed       int64  `cbor:"claimed" json:"claimed"`
}

// Unlocked returns the amount unlocked as of currentEpoch: zero through the
// cliff, then linear through LinearEpochs, fully unlocked after.
func (b GenesisBucket) Unlocked(currentEpoch uint64) int64 {
	if currentEpoch < b.CliffEpochs {
		return 0
	}
	elapsed := currentEpoch - b.CliffEpochs
	if b.LinearEpochs == 0 || elapsed >= b.LinearEpochs {
		return b.Allocated
	}
	return b.Allocated * int64(elapsed) / int64(b.LinearEpochs)
}

// IssuanceRecord is the audit trail for one epoch's main-token issuance,
// carrying the clamped rate, stake ratios, and the four-way bucket split
// (per original_source's apply_domain_event_main_token.rs IssuanceRecord).
type IssuanceRecord struct {
	EpochIndex       uint64                     `cbor:"epoch_index" json:"epoch_index"`
	InflationRateBps int64                      `cbor:"inflation_rate_bps" json:"inflation_rate_bps"`
	ActualStakeRatio int64                      `cbor:"actual_stake_ratio_bps" json:"actual_stake_ratio_bps"`
	TargetStakeRatio int64                      `cbor:"target_stake_ratio_bps" json:"target_stake_ratio_bps"`
	IssuedAmount     int64                      `cbor:"issued_amount" json:"issued_amount"`
	BucketAmounts    map[TreasuryBucket]int64   `cbor:"bucket_amounts" json:"bucket_amounts"`
}

// MainTokenLedger is the full main-token state from §3's data model.
type MainTokenLedger struct {
	Supply        Supply                     `cbor:"supply" json:"supply"`
	Accounts      map[string]Account         `cbor:"accounts" json:"accounts"`
	Genesis       []GenesisBucket            `cbor:"genesis" json:"genesis"`
	Treasury      map[TreasuryBucket]int64   `cbor:"treasury" json:"treasury"`
	IssuanceLog   map[uint64]IssuanceRecord  `cbor:"issuance_log" json:"issuance_log"`
}

// NewMainTokenLedger constructs an empty, zeroed ledger.
func NewMainTokenLedger() *MainTokenLedger {
	return &MainTokenLedger{
		Accounts:    make(map[string]Account),
		Treasury:    make(map[TreasuryBucket]int64),
		IssuanceLog: make(map[uint64]IssuanceRecord),
	}
}
