// Package sweep automates refund recovery. Once a swap reaches
// RefundPending, the sweeper periodically rebuilds and rebroadcasts the
// refund with an escalating fee until it confirms or the attempt cap is
// hit. Before every broadcast it re-checks the lock for a competing
// claim: a revealed secret means the counterparty settled first and the
// refund must not race it.
package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/tidelock-exchange/tidelock/internal/config"
	"github.com/tidelock-exchange/tidelock/internal/errs"
	"github.com/tidelock-exchange/tidelock/internal/swap"
	"github.com/tidelock-exchange/tidelock/internal/verify"
	"github.com/tidelock-exchange/tidelock/pkg/logging"
)

// Sweeper drives refund settlement for RefundPending swaps.
type Sweeper struct {
	orch        *swap.Orchestrator
	store       swap.Store
	verifier    *verify.Verifier
	signer      swap.Signer
	broadcaster swap.Broadcaster
	policy      config.SweepPolicy

	log    *logging.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// Config wires the sweeper's collaborators.
type Config struct {
	Orchestrator *swap.Orchestrator
	Store        swap.Store
	Verifier     *verify.Verifier
	Signer       swap.Signer
	Broadcaster  swap.Broadcaster
	Policy       config.SweepPolicy
}

// New creates a Sweeper.
func New(cfg *Config) *Sweeper {
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		orch:        cfg.Orchestrator,
		store:       cfg.Store,
		verifier:    cfg.Verifier,
		signer:      cfg.Signer,
		broadcaster: cfg.Broadcaster,
		policy:      cfg.Policy,
		log:         logging.GetDefault().Component("sweep"),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the periodic sweep loop.
func (s *Sweeper) Start() {
	go func() {
		ticker := time.NewTicker(s.policy.PollInterval)
		defer ticker.Stop()

		s.log.Info("sweeper started", "interval", s.policy.PollInterval)
		for {
			select {
			case <-s.ctx.Done():
				s.log.Info("sweeper stopped")
				return
			case <-ticker.C:
				s.Sweep(s.ctx, time.Now())
			}
		}
	}()
}

// Close stops the sweep loop.
func (s *Sweeper) Close() error {
	s.cancel()
	return nil
}

// Sweep runs one pass over every RefundPending swap. Exported so tests
// and the daemon can force a pass at a known time.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) {
	for _, record := range s.orch.ListByState(swap.StateRefundPending) {
		if err := s.sweepRecord(ctx, record.ID, now); err != nil {
			s.log.Warn("sweep pass failed", "id", record.ID, "error", err)
		}
	}
}

func (s *Sweeper) sweepRecord(ctx context.Context, id string, now time.Time) error {
	record, err := s.orch.Get(id)
	if err != nil {
		return err
	}

	legs := record.RefundableLegs(now)
	if len(legs) == 0 {
		return s.finishIfSettled(record)
	}

	allConfirmed := true
	for _, leg := range legs {
		confirmed, err := s.sweepLeg(ctx, record, leg, now)
		if err != nil {
			return err
		}
		if !confirmed {
			allConfirmed = false
		}
	}

	// With staggered timelocks one leg can confirm its refund while the
	// other is still locked until a later expiry. The swap stays open
	// until every funded leg has settled.
	if allConfirmed && allFundedSettled(record) {
		return s.orch.Update(id, func(r *swap.Record) error {
			return r.TransitionTo(swap.StateRefunded)
		})
	}
	return nil
}

// finishIfSettled closes out a RefundPending swap whose legs all settled
// without a pending refund, which happens when a competing claim landed
// during the refund window.
func (s *Sweeper) finishIfSettled(record *swap.Record) error {
	if !allFundedSettled(record) {
		return nil
	}
	// If rival claims settled every leg, nothing was actually refunded
	// and the terminal state must say so.
	terminal := swap.StateClaimed
	for _, leg := range []*swap.Leg{&record.Initiator, &record.Counterparty} {
		if leg.RefundTxid != "" {
			terminal = swap.StateRefunded
		}
	}
	return s.orch.Update(record.ID, func(r *swap.Record) error {
		if r.State != swap.StateRefundPending {
			return nil
		}
		return r.TransitionTo(terminal)
	})
}

// allFundedSettled reports whether every funded leg has a terminal txid.
func allFundedSettled(record *swap.Record) bool {
	for _, leg := range []*swap.Leg{&record.Initiator, &record.Counterparty} {
		if leg.FundingTxid != "" && !leg.Settled() {
			return false
		}
	}
	return true
}

// sweepLeg advances one leg's refund by one step. Returns true once the
// leg's refund is confirmed at depth.
func (s *Sweeper) sweepLeg(ctx context.Context, record *swap.Record, leg *swap.Leg, now time.Time) (bool, error) {
	// A refund already in flight: check its depth before anything else.
	if leg.RefundTxid != "" {
		result, err := s.verifier.ConfirmSpend(ctx, leg.Chain, leg.RefundTxid, leg.MinConfirmations)
		if err != nil {
			return false, err
		}
		switch result.Status {
		case verify.StatusConfirmed:
			if err := s.markConfirmed(record, leg, now); err != nil {
				return false, err
			}
			return true, nil
		case verify.StatusPending:
			return false, nil
		}
		// Not found: fell out of the mempool, rebroadcast below.
	}

	attempts, err := s.store.SweepAttempts(record.ID, leg.Role)
	if err != nil {
		return false, err
	}
	broadcasts := countBroadcasts(attempts)

	if broadcasts >= s.policy.MaxAttempts {
		reason := fmt.Sprintf("%v: %s leg after %d attempts", errs.ErrSweepExhausted, leg.Role, broadcasts)
		if err := s.orch.Fail(record.ID, reason); err != nil {
			return false, err
		}
		return false, fmt.Errorf("%w: %s leg of swap %s", errs.ErrSweepExhausted, leg.Role, record.ID)
	}

	// Per-swap spacing between attempts.
	if len(attempts) > 0 {
		last := attempts[len(attempts)-1].ObservedAt
		if now.Sub(last) < s.policy.AttemptInterval {
			return false, nil
		}
	}

	// Race guard: a claim that appeared since the timeout means the
	// counterparty settled with the secret. Record it and stand down.
	claim, err := s.verifier.CheckClaim(ctx, leg.Chain, leg.LockAddress, record.SecretHash)
	if err != nil {
		return false, err
	}
	if claim != nil {
		s.log.Warn("claim observed during refund window, aborting sweep",
			"id", record.ID, "leg", leg.Role, "claim", claim.Txid)
		if err := s.appendAttempt(record, leg, broadcasts, claim.Txid, swap.SweepOutcomeAborted, now); err != nil {
			return false, err
		}
		return false, s.orch.Update(record.ID, func(r *swap.Record) error {
			return r.Leg(leg.Role).SetClaimTxid(claim.Txid)
		})
	}

	fee, err := s.orch.RefundFee(ctx, record.ID, leg.Role, broadcasts)
	if err != nil {
		return false, err
	}

	rawTx, txid, err := s.signer.SignRefund(ctx, leg, fee)
	if err != nil {
		return false, fmt.Errorf("failed to sign refund for %s leg: %w", leg.Role, err)
	}
	broadcastID, err := s.broadcaster.Broadcast(ctx, leg.Chain, rawTx)
	if err != nil {
		if aerr := s.appendAttemptFee(record, leg, broadcasts+1, fee, "", swap.SweepOutcomeRejected, now); aerr != nil {
			return false, aerr
		}
		return false, fmt.Errorf("%w: refund broadcast on %s: %v", errs.ErrTransient, leg.Chain, err)
	}
	if broadcastID != "" {
		txid = broadcastID
	}

	if err := s.orch.Update(record.ID, func(r *swap.Record) error {
		return r.Leg(leg.Role).SetRefundTxid(txid)
	}); err != nil {
		return false, err
	}
	if err := s.appendAttemptFee(record, leg, broadcasts+1, fee, txid, swap.SweepOutcomeBroadcast, now); err != nil {
		return false, err
	}

	s.log.Info("refund broadcast", "id", record.ID, "leg", leg.Role,
		"txid", txid, "fee", fee, "attempt", broadcasts+1)
	return false, nil
}

// markConfirmed records the confirmation once; later passes over a swap
// still waiting on its other leg must not duplicate the audit row.
func (s *Sweeper) markConfirmed(record *swap.Record, leg *swap.Leg, now time.Time) error {
	attempts, err := s.store.SweepAttempts(record.ID, leg.Role)
	if err != nil {
		return err
	}
	if n := len(attempts); n > 0 && attempts[n-1].Outcome == swap.SweepOutcomeConfirmed {
		return nil
	}
	return s.appendAttempt(record, leg, countBroadcasts(attempts), leg.RefundTxid, swap.SweepOutcomeConfirmed, now)
}

func (s *Sweeper) appendAttempt(record *swap.Record, leg *swap.Leg, attempt uint32, txid, outcome string, observedAt time.Time) error {
	return s.appendAttemptFee(record, leg, attempt, 0, txid, outcome, observedAt)
}

func (s *Sweeper) appendAttemptFee(record *swap.Record, leg *swap.Leg, attempt uint32, fee uint64, txid, outcome string, observedAt time.Time) error {
	return s.store.AppendSweepAttempt(&swap.SweepAttempt{
		SwapID:     record.ID,
		Role:       leg.Role,
		Attempt:    attempt,
		FeePaid:    fee,
		Txid:       txid,
		Outcome:    outcome,
		ObservedAt: observedAt,
	})
}

func countBroadcasts(attempts []*swap.SweepAttempt) uint32 {
	var n uint32
	for _, a := range attempts {
		if a.Outcome == swap.SweepOutcomeBroadcast || a.Outcome == swap.SweepOutcomeRejected {
			n++
		}
	}
	return n
}
