// Timeout monitoring. A ticker goroutine scans active swaps and moves
// records whose timelocks have expired onto the refund path; the sweeper
// takes over from RefundPending.
package swap

import (
	"context"
	"time"
)

// StartTimeoutMonitor launches the background timeout scan. Stops when
// the orchestrator closes.
func (o *Orchestrator) StartTimeoutMonitor(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		o.log.Info("timeout monitor started", "interval", interval)
		for {
			select {
			case <-o.ctx.Done():
				o.log.Info("timeout monitor stopped")
				return
			case <-ticker.C:
				o.CheckTimeouts(time.Now())
			}
		}
	}()
}

// CheckTimeouts scans every active swap once. Exported so tests and the
// daemon can force a scan at a known time.
func (o *Orchestrator) CheckTimeouts(now time.Time) {
	o.mu.RLock()
	ids := make([]string, 0, len(o.records))
	for id := range o.records {
		ids = append(ids, id)
	}
	o.mu.RUnlock()

	for _, id := range ids {
		if err := o.checkTimeout(id, now); err != nil {
			o.log.Warn("timeout check failed", "id", id, "error", err)
		}
	}
}

func (o *Orchestrator) checkTimeout(id string, now time.Time) error {
	return o.Update(id, func(record *Record) error {
		switch record.State {
		case StateCreated:
			// Never funded: expire the record after the maximum swap
			// duration rather than leaving it pending forever.
			if now.Sub(record.CreatedAt) > o.cfg.Timelock.MaxSwapDuration {
				o.log.Info("expiring unfunded swap", "id", record.ID)
				return record.TransitionTo(StateCancelled)
			}
			return nil

		case StateFundedInitiator, StateFundedBoth, StateClaimPending:
			if o.refundDue(record, now) {
				o.log.Warn("timelock expired, starting refund", "id", record.ID, "state", record.State)
				return record.TransitionTo(StateRefundPending)
			}
			return nil

		default:
			return nil
		}
	})
}

// refundDue reports whether any funded, unsettled leg has passed its
// timelock.
func (o *Orchestrator) refundDue(record *Record, now time.Time) bool {
	for _, leg := range []*Leg{&record.Initiator, &record.Counterparty} {
		if leg.FundingTxid == "" || leg.Settled() {
			continue
		}
		if now.Unix() >= leg.TimelockUnix {
			return true
		}
	}
	return false
}

// RefundableLegs returns the legs of a RefundPending swap that need a
// refund sweep at now: funded, unclaimed, timelock passed. Legs with a
// refund already in flight stay listed so the sweeper tracks their depth.
func (r *Record) RefundableLegs(now time.Time) []*Leg {
	var legs []*Leg
	for _, leg := range []*Leg{&r.Initiator, &r.Counterparty} {
		if leg.FundingTxid == "" || leg.ClaimTxid != "" {
			continue
		}
		if now.Unix() >= leg.TimelockUnix {
			legs = append(legs, leg)
		}
	}
	return legs
}

// RefundFee computes the bounded, escalated fee for a refund attempt.
func (o *Orchestrator) RefundFee(ctx context.Context, id string, role Role, attempt uint32) (uint64, error) {
	record, err := o.Get(id)
	if err != nil {
		return 0, err
	}
	return o.legFee(ctx, record, record.Leg(role), attempt, true)
}
