// Package fees bounds settlement transaction fees. The calculator never
// talks to a fee oracle itself: callers feed it a rate observation and it
// applies the buffer and the configured floor and ceiling.
package fees

import (
	"fmt"

	"github.com/tidelock-exchange/tidelock/internal/config"
	"github.com/tidelock-exchange/tidelock/internal/errs"
)

// Estimate computes the fee for a transaction of size units at the given
// rate, with the policy's safety buffer applied and the result clamped to
// [MinFee, MaxFee]. For utxo_script chains size is vbytes and rate is the
// per-vbyte rate; for account_contract chains size is the gas limit and
// rate the gas price.
func Estimate(rate, size uint64, policy config.FeePolicy) (uint64, error) {
	if rate == 0 {
		return 0, fmt.Errorf("%w: fee rate must be positive", errs.ErrValidation)
	}
	if size == 0 {
		return 0, fmt.Errorf("%w: transaction size must be positive", errs.ErrValidation)
	}
	if policy.MinFee > policy.MaxFee {
		return 0, fmt.Errorf("%w: fee floor %d above ceiling %d", errs.ErrValidation, policy.MinFee, policy.MaxFee)
	}

	fee := rate * size
	fee += fee * uint64(policy.BufferBPS) / 10000

	if fee < policy.MinFee {
		fee = policy.MinFee
	}
	if fee > policy.MaxFee {
		fee = policy.MaxFee
	}
	return fee, nil
}

// EscalateRate raises a base rate for a retry attempt. Attempt 0 returns
// the base rate; each further attempt compounds the escalation. The
// resulting fee is still clamped by Estimate, so escalation can never
// push past the policy ceiling.
func EscalateRate(baseRate uint64, attempt, escalationBPS uint32) uint64 {
	rate := baseRate
	for i := uint32(0); i < attempt; i++ {
		rate += rate * uint64(escalationBPS) / 10000
	}
	return rate
}
