// Claim flow. The initiator claims the counterparty's lock, revealing
// the secret on-chain; the counterparty watches its own lock, extracts
// the revealed secret, and claims the initiator's lock with it.
package swap

import (
	"context"
	"fmt"
	"time"

	"github.com/tidelock-exchange/tidelock/internal/chain"
	"github.com/tidelock-exchange/tidelock/internal/config"
	"github.com/tidelock-exchange/tidelock/internal/errs"
	"github.com/tidelock-exchange/tidelock/internal/fees"
	"github.com/tidelock-exchange/tidelock/internal/htlc"
	"github.com/tidelock-exchange/tidelock/internal/verify"
)

// ClaimLeg builds, signs and broadcasts a claim of the leg locked by
// role, spending it with secret. The first claim moves the swap to
// ClaimPending. The plaintext secret only ever flows through here into
// claim construction; it is not retained.
func (o *Orchestrator) ClaimLeg(ctx context.Context, id string, role Role, secret []byte) (string, error) {
	record, err := o.Get(id)
	if err != nil {
		return "", err
	}
	if record.State != StateFundedBoth && record.State != StateClaimPending {
		return "", fmt.Errorf("%w: cannot claim in state %s", ErrInvalidState, record.State)
	}
	if !htlc.VerifySecret(secret, record.SecretHash) {
		return "", fmt.Errorf("%w: secret does not match swap hash", errs.ErrValidation)
	}

	leg := record.Leg(role)
	if leg.Settled() {
		return "", fmt.Errorf("%w: %s leg", ErrLegFrozen, role)
	}
	if err := o.safeToClaim(leg); err != nil {
		return "", err
	}

	fee, err := o.legFee(ctx, record, leg, 0, false)
	if err != nil {
		return "", err
	}

	rawTx, txid, err := o.signer.SignClaim(ctx, leg, secret, fee)
	if err != nil {
		return "", fmt.Errorf("failed to sign claim for %s leg: %w", role, err)
	}
	broadcastID, err := o.broadcaster.Broadcast(ctx, leg.Chain, rawTx)
	if err != nil {
		return "", fmt.Errorf("%w: broadcast on %s: %v", errs.ErrTransient, leg.Chain, err)
	}
	if broadcastID != "" {
		txid = broadcastID
	}

	err = o.Update(id, func(record *Record) error {
		if err := record.Leg(role).SetClaimTxid(txid); err != nil {
			return err
		}
		if record.State == StateFundedBoth {
			return record.TransitionTo(StateClaimPending)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	o.log.Info("claim broadcast", "id", id, "leg", role, "txid", txid, "fee", fee)
	o.emitEvent(id, EventClaimBroadcast, StateClaimPending, map[string]interface{}{
		"role": role, "txid": txid,
	})
	return txid, nil
}

// WatchSecret watches the counterparty leg for the initiator's claim and
// returns the revealed secret. The observed claim txid is recorded on
// the leg so settlement accounting stays complete for both parties.
// Returns nil if the timelock passes with no claim.
func (o *Orchestrator) WatchSecret(ctx context.Context, id string) ([]byte, error) {
	record, err := o.Get(id)
	if err != nil {
		return nil, err
	}
	leg := record.Counterparty
	deadline := time.Unix(leg.TimelockUnix, 0)

	obs, err := o.verifier.WatchClaim(ctx, leg.Chain, leg.LockAddress, record.SecretHash, leg.MinConfirmations, deadline)
	if err != nil {
		return nil, err
	}
	if obs == nil {
		return nil, nil
	}

	err = o.Update(id, func(record *Record) error {
		if err := record.Counterparty.SetClaimTxid(obs.Txid); err != nil {
			return err
		}
		if record.State == StateFundedBoth {
			return record.TransitionTo(StateClaimPending)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.log.Info("secret revealed on-chain", "id", id, "chain", leg.Chain, "txid", obs.Txid)
	o.emitEvent(id, EventSecretRevealed, StateClaimPending, map[string]interface{}{
		"chain": leg.Chain, "txid": obs.Txid,
	})
	return obs.Secret, nil
}

// ConfirmClaim waits for the claim on the leg locked by role to reach
// depth. Once every leg carries a settled claim, the swap completes.
func (o *Orchestrator) ConfirmClaim(ctx context.Context, id string, role Role) error {
	record, err := o.Get(id)
	if err != nil {
		return err
	}
	if record.State != StateClaimPending {
		return fmt.Errorf("%w: expected %s, swap is %s", ErrInvalidState, StateClaimPending, record.State)
	}
	leg := record.Leg(role)
	if leg.ClaimTxid == "" {
		return fmt.Errorf("%w: no claim broadcast on %s leg", ErrInvalidState, role)
	}

	// A claim may confirm after the timelock passed; give the poll a
	// margin beyond it.
	deadline := time.Unix(leg.TimelockUnix, 0).Add(o.cfg.Timelock.CounterpartyLockDuration)

	result, err := o.verifier.WaitSpendConfirmed(ctx, leg.Chain, leg.ClaimTxid, leg.MinConfirmations, deadline)
	if err != nil {
		return err
	}
	if result.Status != verify.StatusConfirmed {
		return fmt.Errorf("claim %s on %s still %s", leg.ClaimTxid, leg.Chain, result.Status)
	}

	return o.Update(id, func(record *Record) error {
		if record.Initiator.ClaimTxid != "" && record.Counterparty.ClaimTxid != "" {
			return record.TransitionTo(StateClaimed)
		}
		return nil
	})
}

// safeToClaim rejects claims too close to the leg's timelock, where a
// claim and a refund could both become valid.
func (o *Orchestrator) safeToClaim(leg *Leg) error {
	policy, ok := config.GetChainPolicy(leg.Chain, o.cfg.Network)
	if !ok {
		return fmt.Errorf("%w: no safety policy for %s", ErrUnsupportedChain, leg.Chain)
	}
	chainParams, ok := chain.Get(leg.Chain, o.cfg.Network)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedChain, leg.Chain)
	}

	margin := time.Duration(policy.SafetyMarginBlocks) * time.Duration(chainParams.AvgBlockSeconds) * time.Second
	if time.Now().Add(margin).Unix() >= leg.TimelockUnix {
		return fmt.Errorf("%w: inside safety margin of timelock %d", ErrInvalidState, leg.TimelockUnix)
	}
	return nil
}

// legFee computes the bounded fee for settling a leg, with escalation
// applied for retry attempts.
func (o *Orchestrator) legFee(ctx context.Context, record *Record, leg *Leg, attempt uint32, refund bool) (uint64, error) {
	rate, err := o.feeOracle.FeeRate(ctx, leg.Chain)
	if err != nil {
		return 0, fmt.Errorf("%w: fee rate on %s: %v", errs.ErrTransient, leg.Chain, err)
	}
	if attempt > 0 {
		rate = fees.EscalateRate(rate, attempt, o.cfg.Sweep.EscalationBPS)
	}

	policy, ok := record.FeePolicy(leg.Chain)
	if !ok {
		policy, ok = config.GetFeePolicy(leg.Chain)
		if !ok {
			return 0, fmt.Errorf("%w: no fee policy for %s", ErrUnsupportedChain, leg.Chain)
		}
	}

	var size uint64
	switch leg.Family {
	case chain.FamilyUtxoScript:
		size = htlc.ClaimTxVSize
		if refund {
			size = htlc.RefundTxVSize
		}
	case chain.FamilyAccountContract:
		size = htlc.ClaimGasLimit
		if refund {
			size = htlc.RefundGasLimit
		}
	default:
		return 0, fmt.Errorf("%w: unknown family %q", errs.ErrValidation, leg.Family)
	}

	return fees.Estimate(rate, size, policy)
}
