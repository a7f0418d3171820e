// Funding confirmation for both legs. Nothing advances past either
// funded state without the verifier confirming the transaction at the
// leg's required depth, and the counterparty's construct is re-derived
// locally before its funding is ever trusted.
package swap

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/tidelock-exchange/tidelock/internal/chain"
	"github.com/tidelock-exchange/tidelock/internal/htlc"
	"github.com/tidelock-exchange/tidelock/internal/verify"
)

// ConfirmInitiatorFunding verifies txid funds the initiator leg and, once
// confirmed at depth, moves the swap to FundedInitiator. Blocks until
// confirmation, mismatch, or the leg's timelock.
func (o *Orchestrator) ConfirmInitiatorFunding(ctx context.Context, id, txid string) error {
	record, err := o.Get(id)
	if err != nil {
		return err
	}
	if record.State != StateCreated {
		return fmt.Errorf("%w: expected %s, swap is %s", ErrInvalidState, StateCreated, record.State)
	}
	return o.confirmFunding(ctx, id, RoleInitiator, txid, StateFundedInitiator)
}

// ConfirmCounterpartyFunding re-derives the counterparty's construct,
// verifies txid funds it, and moves the swap to FundedBoth. A construct
// that does not re-derive to the stored lock fails the swap immediately.
func (o *Orchestrator) ConfirmCounterpartyFunding(ctx context.Context, id, txid string) error {
	record, err := o.Get(id)
	if err != nil {
		return err
	}
	if record.State != StateFundedInitiator {
		return fmt.Errorf("%w: expected %s, swap is %s", ErrInvalidState, StateFundedInitiator, record.State)
	}

	if err := o.verifyCounterpartyConstruct(record); err != nil {
		if failErr := o.Fail(id, err.Error()); failErr != nil {
			return failErr
		}
		return err
	}

	return o.confirmFunding(ctx, id, RoleCounterparty, txid, StateFundedBoth)
}

// verifyCounterpartyConstruct re-derives the counterparty lock from the
// stored parameters and compares it to the lock the record promises.
func (o *Orchestrator) verifyCounterpartyConstruct(record *Record) error {
	leg := record.Counterparty

	chainParams, ok := chain.Get(leg.Chain, o.cfg.Network)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedChain, leg.Chain)
	}

	// Derivation validates the timelock is in the future; use a fixed
	// reference before the lock so re-checks stay reproducible.
	reference := time.Unix(leg.TimelockUnix-1, 0)
	construct, err := htlc.Build(htlc.LockParams{
		Chain:        *chainParams,
		SecretHash:   record.SecretHash,
		SenderKey:    leg.SenderKey,
		ReceiverKey:  leg.ReceiverKey,
		Amount:       leg.Amount,
		TimelockUnix: leg.TimelockUnix,
	}, reference)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConstructMismatch, err)
	}

	if construct.Address != leg.LockAddress || !bytes.Equal(construct.Script, leg.LockScript) {
		return fmt.Errorf("%w: derived %s, record holds %s",
			ErrConstructMismatch, construct.Address, leg.LockAddress)
	}
	return nil
}

func (o *Orchestrator) confirmFunding(ctx context.Context, id string, role Role, txid string, next State) error {
	record, err := o.Get(id)
	if err != nil {
		return err
	}
	leg := record.Leg(role)

	exp := verify.Expectation{
		Txid:             txid,
		Address:          leg.LockAddress,
		Amount:           leg.Amount,
		MinConfirmations: leg.MinConfirmations,
	}
	deadline := time.Unix(leg.TimelockUnix, 0)

	result, err := o.verifier.WaitConfirmed(ctx, leg.Chain, exp, deadline)
	if err != nil {
		return err
	}

	switch result.Status {
	case verify.StatusConfirmed:
		err := o.Update(id, func(record *Record) error {
			record.Leg(role).FundingTxid = txid
			return record.TransitionTo(next)
		})
		if err != nil {
			return err
		}
		o.emitEvent(id, EventFundingConfirmed, next, map[string]interface{}{
			"role": role, "txid": txid, "confirmations": result.Confirmations,
		})
		return nil

	case verify.StatusMismatch:
		reason := fmt.Sprintf("%s funding %s: %s", role, txid, result.Detail)
		if err := o.Fail(id, reason); err != nil {
			return err
		}
		return fmt.Errorf("funding verification: %s", reason)

	default:
		return fmt.Errorf("funding %s on %s still %s at timelock", txid, leg.Chain, result.Status)
	}
}
