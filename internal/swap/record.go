// Package swap implements the atomic swap orchestration engine: the
// lifecycle state machine and the coordinator that drives both legs of a
// swap through it. Chain access, signing and fee observation come in
// through interfaces; this package owns the protocol logic only.
package swap

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/tidelock-exchange/tidelock/internal/chain"
	"github.com/tidelock-exchange/tidelock/internal/config"
	"github.com/tidelock-exchange/tidelock/internal/errs"
)

// Common errors
var (
	ErrInvalidState      = errors.New("invalid swap state")
	ErrUnsupportedChain  = errors.New("unsupported chain")
	ErrSecretHashReuse   = errors.New("secret hash already used")
	ErrLegFrozen         = errors.New("leg already settled")
	ErrSwapNotFound      = errors.New("swap not found")
	ErrConstructMismatch = errors.New("counterparty construct does not match derivation")
)

// Role tags a leg with the party that locked it.
type Role string

const (
	RoleInitiator    Role = "initiator"
	RoleCounterparty Role = "counterparty"
)

// State represents the current state of a swap.
type State string

const (
	// StateCreated: record exists, nothing funded. Only state that
	// allows cancellation.
	StateCreated State = "created"

	// StateFundedInitiator: the initiator's lock is funded and confirmed.
	StateFundedInitiator State = "funded_initiator"

	// StateFundedBoth: both locks funded and confirmed.
	StateFundedBoth State = "funded_both"

	// StateClaimPending: a claim has been broadcast and awaits depth.
	StateClaimPending State = "claim_pending"

	// StateClaimed: both claims settled. Terminal.
	StateClaimed State = "claimed"

	// StateRefundPending: a timelock expired, refund sweeps underway.
	StateRefundPending State = "refund_pending"

	// StateRefunded: refund settled. Terminal.
	StateRefunded State = "refunded"

	// StateFailed: unrecoverable, kept for operator inspection. Terminal.
	StateFailed State = "failed"

	// StateCancelled: abandoned before any funding. Terminal.
	StateCancelled State = "cancelled"
)

// validTransitions is the single source of truth for the lifecycle.
var validTransitions = map[State][]State{
	StateCreated:         {StateFundedInitiator, StateCancelled, StateFailed},
	StateFundedInitiator: {StateFundedBoth, StateRefundPending, StateFailed},
	StateFundedBoth:      {StateClaimPending, StateRefundPending, StateFailed},
	StateClaimPending:    {StateClaimed, StateRefundPending, StateFailed},
	StateRefundPending:   {StateRefunded, StateClaimed, StateFailed},
	StateClaimed:         {},
	StateRefunded:        {},
	StateFailed:          {},
	StateCancelled:       {},
}

// IsTerminal returns true for states that admit no further transitions.
func (s State) IsTerminal() bool {
	switch s {
	case StateClaimed, StateRefunded, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Leg is one side of the swap: a lock on one chain.
type Leg struct {
	Role   Role         `json:"role"`
	Chain  string       `json:"chain"`
	Family chain.Family `json:"family"`

	// Asset is the asset descriptor: the native coin symbol, or a token
	// contract address on account chains.
	Asset string `json:"asset"`

	// Amount in the chain's smallest unit.
	Amount *big.Int `json:"amount"`

	// SenderKey can refund after the timelock; ReceiverKey can claim
	// with the secret. Compressed pubkeys or account addresses depending
	// on the family.
	SenderKey   []byte `json:"sender_key"`
	ReceiverKey []byte `json:"receiver_key"`

	// LockAddress and LockScript are the derived construct.
	LockAddress string `json:"lock_address"`
	LockScript  []byte `json:"lock_script"`

	// TimelockUnix is the absolute refund time. UTXO chains additionally
	// track the expiry height for sweep scheduling.
	TimelockUnix   int64  `json:"timelock_unix"`
	TimelockHeight uint64 `json:"timelock_height,omitempty"`

	MinConfirmations uint32 `json:"min_confirmations"`

	// Settlement txids. At most one of ClaimTxid/RefundTxid may ever be
	// set; a confirmed one freezes the leg.
	FundingTxid string `json:"funding_txid,omitempty"`
	ClaimTxid   string `json:"claim_txid,omitempty"`
	RefundTxid  string `json:"refund_txid,omitempty"`
}

// SetClaimTxid records the claim broadcast. Fails if the leg already has
// a terminal txid.
func (l *Leg) SetClaimTxid(txid string) error {
	if l.RefundTxid != "" || (l.ClaimTxid != "" && l.ClaimTxid != txid) {
		return fmt.Errorf("%w: claim=%s refund=%s", ErrLegFrozen, l.ClaimTxid, l.RefundTxid)
	}
	l.ClaimTxid = txid
	return nil
}

// SetRefundTxid records the refund broadcast. A retried sweep may replace
// an unconfirmed refund txid, but never a claim.
func (l *Leg) SetRefundTxid(txid string) error {
	if l.ClaimTxid != "" {
		return fmt.Errorf("%w: claim=%s", ErrLegFrozen, l.ClaimTxid)
	}
	l.RefundTxid = txid
	return nil
}

// Settled reports whether the leg has a terminal txid.
func (l *Leg) Settled() bool {
	return l.ClaimTxid != "" || l.RefundTxid != ""
}

// Record is the durable state of one swap.
type Record struct {
	ID string `json:"id"`

	// SecretHash is shared by both legs and fixed at creation. The
	// plaintext secret is never part of the record.
	SecretHash []byte `json:"secret_hash"`

	State State `json:"state"`

	Initiator    Leg `json:"initiator"`
	Counterparty Leg `json:"counterparty"`

	// FeePolicies snapshots the fee bounds per chain symbol at creation,
	// so a config change never reprices an in-flight swap.
	FeePolicies map[string]config.FeePolicy `json:"fee_policies"`

	FailureReason string `json:"failure_reason,omitempty"`

	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	TransitionAt time.Time `json:"transition_at"`
}

// TransitionTo moves the record to newState if the lifecycle allows it.
func (r *Record) TransitionTo(newState State) error {
	allowed, ok := validTransitions[r.State]
	if !ok {
		return fmt.Errorf("%w: unknown current state %s", ErrInvalidState, r.State)
	}
	for _, s := range allowed {
		if s == newState {
			r.State = newState
			r.TransitionAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidState, r.State, newState)
}

// Leg returns the leg locked by role.
func (r *Record) Leg(role Role) *Leg {
	if role == RoleInitiator {
		return &r.Initiator
	}
	return &r.Counterparty
}

// FeePolicy returns the snapshotted fee bounds for a chain.
func (r *Record) FeePolicy(symbol string) (config.FeePolicy, bool) {
	p, ok := r.FeePolicies[symbol]
	return p, ok
}

// Validate checks the structural invariants that must hold for the whole
// life of the record.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: missing swap id", errs.ErrValidation)
	}
	if len(r.SecretHash) != 32 {
		return fmt.Errorf("%w: secret hash must be 32 bytes, got %d", errs.ErrValidation, len(r.SecretHash))
	}
	if r.Initiator.Role != RoleInitiator || r.Counterparty.Role != RoleCounterparty {
		return fmt.Errorf("%w: legs must be role-tagged initiator/counterparty", errs.ErrValidation)
	}
	if r.Initiator.Chain == r.Counterparty.Chain {
		return fmt.Errorf("%w: both legs on chain %s", errs.ErrValidation, r.Initiator.Chain)
	}
	for _, leg := range []*Leg{&r.Initiator, &r.Counterparty} {
		if leg.Amount == nil || leg.Amount.Sign() <= 0 {
			return fmt.Errorf("%w: %s leg amount must be positive", errs.ErrValidation, leg.Role)
		}
		if !chain.IsSupported(leg.Chain) {
			return fmt.Errorf("%w: %s", ErrUnsupportedChain, leg.Chain)
		}
	}
	// The initiator reveals the secret by claiming, so the counterparty
	// lock must open strictly earlier.
	if r.Counterparty.TimelockUnix >= r.Initiator.TimelockUnix {
		return fmt.Errorf("%w: counterparty timelock %d must precede initiator timelock %d",
			errs.ErrValidation, r.Counterparty.TimelockUnix, r.Initiator.TimelockUnix)
	}
	return nil
}
