package world

import "fmt"

// CheckInvariants verifies the world state's core ledger invariants (§3) and
// returns every violation it finds, rather than stopping at the first, so a
// test (or an operator inspecting a snapshot) sees the whole picture at
// once. A nil/empty result means the state is consistent.
func CheckInvariants(s *State) []string {
	var violations []string

	var treasuryTotal int64
	for bucket, v := range s.MainToken.Treasury {
		if v < 0 {
			violations = append(violations, fmt.Sprintf("treasury bucket %q has a negative balance: %d", bucket, v))
		}
		treasuryTotal += v
	}

	var liquidTotal, vestedTotal int64
	for accountID, acct := range s.MainToken.Accounts {
		if acct.Liquid < 0 {
			violations = append(violations, fmt.Sprintf("account %q has a negative liquid balance: %d", accountID, acct.Liquid))
		}
		if acct.Vested < 0 {
			violations = append(violations, fmt.Sprintf("account %q has a negative vested balance: %d", accountID, acct.Vested))
		}
		liquidTotal += acct.Liquid
		vestedTotal += acct.Vested
	}

	if treasuryTotal+liquidTotal+vestedTotal != s.MainToken.Supply.Total {
		violations = append(violations, fmt.Sprintf(
			"treasury(%d) + liquid(%d) + vested(%d) != total_supply(%d)",
			treasuryTotal, liquidTotal, vestedTotal, s.MainToken.Supply.Total))
	}

	var ratioSum uint32
	for _, b := range s.MainToken.Genesis {
		ratioSum += b.RatioBps
		if b.Claimed > b.Allocated {
			violations = append(violations, fmt.Sprintf("genesis bucket %q has claimed more than its allocation", b.AccountID))
		}
	}
	if len(s.MainToken.Genesis) > 0 && ratioSum != bpsDenominator {
		violations = append(violations, fmt.Sprintf("genesis bucket ratios sum to %d bps, not %d", ratioSum, bpsDenominator))
	}

	if s.Reward != nil {
		for nodeID, acct := range s.Reward.Accounts {
			if acct.PowerCreditBalance < 0 {
				violations = append(violations, fmt.Sprintf("reward account %q has a negative power_credit_balance", nodeID))
			}
			if acct.TotalMinted-acct.TotalBurned != acct.PowerCreditBalance {
				violations = append(violations, fmt.Sprintf(
					"reward account %q's power_credit_balance does not reconcile with total_minted/total_burned", nodeID))
			}
		}
	}
	return violations
}
