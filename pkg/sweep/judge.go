package sweep

import (
	"fmt"
	"math"
	"time"
)

const (
	// TransactionFeeSOL is the cost of the reclamation transfer itself.
	TransactionFeeSOL = 0.000005

	// userFundsTolerance absorbs rounding noise above the rent floor. Any
	// balance materially above rentExemptMin is presumed user-deposited and
	// must never be swept.
	userFundsTolerance = 1.01

	// scanProtectedTolerance is the scanner's coarser first-pass heuristic.
	// Intentionally not unified with userFundsTolerance: accounts between
	// 1.01x and 1.5x start as ACTIVE and get their fine-grained disposition
	// from the judge on the next evaluation pass.
	scanProtectedTolerance = 1.5
)

// JudgeAccount evaluates one account against the ordered safety chain and
// returns a verdict. Pure and deterministic given its inputs; no I/O. That
// determinism is what makes revalidation immediately before execution
// meaningful.
//
// The order is load-bearing: the profit check always runs first, so an
// unprofitable whitelisted account reports SKIP before WHITELISTED. Every
// check is a veto; when in doubt, do not reclaim.
func JudgeAccount(account SponsoredAccount, settings Settings, whitelist map[string]bool, now time.Time) Verdict {
	v := Verdict{Address: account.Address}

	// 1. Profit: reclaiming must return more than the transfer costs.
	if account.Balance <= TransactionFeeSOL {
		v.Status = StatusSkip
		v.Reason = fmt.Sprintf("balance %.9f SOL does not exceed transaction fee %.9f SOL; reclaiming would cost more than it returns",
			account.Balance, TransactionFeeSOL)
		return v
	}

	// 2. User funds: anything materially above the rent floor stays.
	threshold := account.RentExemptMin * userFundsTolerance
	if account.Balance > threshold {
		v.Status = StatusProtected
		v.Reason = fmt.Sprintf("balance %.9f SOL exceeds rent floor %.9f SOL x %.2f tolerance (%.9f SOL); presumed user funds",
			account.Balance, account.RentExemptMin, userFundsTolerance, threshold)
		return v
	}

	// 3. Age: recently touched accounts may still be in use.
	idleDays := now.Sub(account.LastActivity).Hours() / 24
	if idleDays < float64(settings.MinAgeDays) {
		remaining := int(math.Ceil(float64(settings.MinAgeDays) - idleDays))
		v.Status = StatusActive
		v.Reason = fmt.Sprintf("last activity %d days ago, below %d-day minimum; eligible in %d more days",
			int(idleDays), settings.MinAgeDays, remaining)
		return v
	}

	// 4. Whitelist: operator-asserted protection.
	if whitelist[account.Address] {
		v.Status = StatusWhitelisted
		v.Reason = fmt.Sprintf("address is whitelisted; idle %d days at balance %.9f SOL but protected by operator",
			int(idleDays), account.Balance)
		return v
	}

	v.Status = StatusEligible
	v.PotentialRecovery = math.Max(0, account.Balance-TransactionFeeSOL)
	v.Reason = fmt.Sprintf("idle %d days at rent-floor balance %.9f SOL (floor %.9f SOL); recoverable %.9f SOL after fee",
		int(idleDays), account.Balance, account.RentExemptMin, v.PotentialRecovery)
	return v
}

// initialStatus is the scanner's conservative first classification of a newly
// discovered account. Fine-grained disposition is deferred to the judge.
func initialStatus(balance, rentExemptMin float64) Status {
	if balance == 0 {
		return StatusReclaimed
	}
	if balance > rentExemptMin*scanProtectedTolerance {
		return StatusProtected
	}
	return StatusActive
}
