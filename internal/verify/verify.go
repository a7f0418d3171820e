// Package verify is the cross-chain verification gate. Every state
// transition in the engine waits for this package to confirm the on-chain
// facts: a funding transaction at the expected lock, at the expected
// amount, at sufficient depth. Anything that does not match exactly is a
// mismatch and is treated as hostile.
package verify

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tidelock-exchange/tidelock/internal/config"
	"github.com/tidelock-exchange/tidelock/internal/errs"
	"github.com/tidelock-exchange/tidelock/pkg/logging"
)

// Status is the verifier's answer about one transaction.
type Status string

const (
	// StatusConfirmed means the transaction matches expectations and has
	// reached the required depth.
	StatusConfirmed Status = "confirmed"

	// StatusPending means the transaction matches but is not deep enough.
	StatusPending Status = "pending"

	// StatusNotFound means the chain has no such transaction yet. Not an
	// error: broadcasts propagate slowly.
	StatusNotFound Status = "not_found"

	// StatusMismatch means the transaction exists but contradicts the
	// expectation. Never retried.
	StatusMismatch Status = "mismatch"
)

// TxObservation is what a chain client reports about a transaction.
type TxObservation struct {
	Found         bool
	Confirmations uint64

	// Address is the lock destination the transaction actually paid:
	// the P2WSH output address or the created contract address.
	Address string

	// Amount actually locked, in the chain's smallest unit.
	Amount *big.Int
}

// ClaimObservation is a claim spend seen at a lock.
type ClaimObservation struct {
	Txid string

	// Secret is the revealed preimage, extracted from the claim witness
	// or calldata. Nil if the spend revealed no matching preimage.
	Secret []byte

	Confirmations uint64
}

// ChainClient reads one chain. Implementations wrap a full node or an
// indexer; errors they return are treated as transient and retried.
type ChainClient interface {
	// ObserveTx looks up a transaction by id.
	ObserveTx(ctx context.Context, txid string) (*TxObservation, error)

	// FindClaim looks for a claim spend of the lock at address, trying
	// to extract the preimage of secretHash from it.
	FindClaim(ctx context.Context, address string, secretHash []byte) (*ClaimObservation, error)

	// Height returns the current chain height.
	Height(ctx context.Context) (uint64, error)
}

// Expectation describes what a transaction must look like to pass.
type Expectation struct {
	Txid             string
	Address          string
	Amount           *big.Int
	MinConfirmations uint32
}

// Result is the outcome of a verification.
type Result struct {
	Status        Status
	Confirmations uint64
	Detail        string
}

// Verifier checks transactions against expectations across all
// configured chains.
type Verifier struct {
	clients map[string]ChainClient
	policy  config.VerifyPolicy
	log     *logging.Logger
}

// New creates a Verifier over the given per-symbol clients.
func New(clients map[string]ChainClient, policy config.VerifyPolicy, log *logging.Logger) *Verifier {
	return &Verifier{
		clients: clients,
		policy:  policy,
		log:     log.Component("verify"),
	}
}

func (v *Verifier) client(symbol string) (ChainClient, error) {
	c, ok := v.clients[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: no client for chain %s", errs.ErrValidation, symbol)
	}
	return c, nil
}

// Confirm checks a single transaction against exp once. A client failure
// is returned wrapping errs.ErrTransient; an on-chain contradiction is a
// StatusMismatch result, not an error.
func (v *Verifier) Confirm(ctx context.Context, symbol string, exp Expectation) (*Result, error) {
	client, err := v.client(symbol)
	if err != nil {
		return nil, err
	}

	obs, err := client.ObserveTx(ctx, exp.Txid)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errs.ErrTransient, symbol, err)
	}

	if !obs.Found {
		return &Result{Status: StatusNotFound}, nil
	}
	if obs.Address != exp.Address {
		return &Result{
			Status:        StatusMismatch,
			Confirmations: obs.Confirmations,
			Detail:        fmt.Sprintf("paid %s, expected %s", obs.Address, exp.Address),
		}, nil
	}
	if obs.Amount == nil || exp.Amount == nil || obs.Amount.Cmp(exp.Amount) != 0 {
		return &Result{
			Status:        StatusMismatch,
			Confirmations: obs.Confirmations,
			Detail:        fmt.Sprintf("locked %s, expected %s", obs.Amount, exp.Amount),
		}, nil
	}
	if obs.Confirmations < uint64(exp.MinConfirmations) {
		return &Result{Status: StatusPending, Confirmations: obs.Confirmations}, nil
	}
	return &Result{Status: StatusConfirmed, Confirmations: obs.Confirmations}, nil
}

// WaitConfirmed polls Confirm with exponential backoff until the
// transaction confirms, the deadline passes, or a mismatch is observed.
// The deadline is the caller's timelock bound: there is no point polling
// past the moment the refund path opens.
func (v *Verifier) WaitConfirmed(ctx context.Context, symbol string, exp Expectation, deadline time.Time) (*Result, error) {
	if _, err := v.client(symbol); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = v.policy.PollInterval
	b.MaxInterval = v.policy.MaxPollInterval
	b.MaxElapsedTime = 0

	var last *Result
	err := backoff.RetryNotify(func() error {
		res, cerr := v.Confirm(ctx, symbol, exp)
		if cerr != nil {
			if errors.Is(cerr, errs.ErrTransient) {
				return cerr
			}
			return backoff.Permanent(cerr)
		}
		last = res
		switch res.Status {
		case StatusConfirmed, StatusMismatch:
			return nil
		default:
			return fmt.Errorf("tx %s on %s still %s", exp.Txid, symbol, res.Status)
		}
	}, backoff.WithContext(b, ctx), func(e error, d time.Duration) {
		v.log.Debug("verification retry", "chain", symbol, "txid", exp.Txid, "next", d, "reason", e)
	})
	if err != nil {
		if ctx.Err() != nil && last != nil {
			// Deadline hit: report the last observed state.
			return last, nil
		}
		return nil, err
	}
	return last, nil
}

// ConfirmSpend checks the depth of a settlement spend (a claim or a
// refund). Spends pay whatever destination the signer chose, so unlike
// Confirm only existence and depth are checked.
func (v *Verifier) ConfirmSpend(ctx context.Context, symbol, txid string, minConfs uint32) (*Result, error) {
	client, err := v.client(symbol)
	if err != nil {
		return nil, err
	}

	obs, err := client.ObserveTx(ctx, txid)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errs.ErrTransient, symbol, err)
	}
	if !obs.Found {
		return &Result{Status: StatusNotFound}, nil
	}
	if obs.Confirmations < uint64(minConfs) {
		return &Result{Status: StatusPending, Confirmations: obs.Confirmations}, nil
	}
	return &Result{Status: StatusConfirmed, Confirmations: obs.Confirmations}, nil
}

// WaitSpendConfirmed polls ConfirmSpend with exponential backoff until
// the spend confirms or the deadline passes. On deadline the last
// observed state is reported.
func (v *Verifier) WaitSpendConfirmed(ctx context.Context, symbol, txid string, minConfs uint32, deadline time.Time) (*Result, error) {
	if _, err := v.client(symbol); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = v.policy.PollInterval
	b.MaxInterval = v.policy.MaxPollInterval
	b.MaxElapsedTime = 0

	var last *Result
	err := backoff.RetryNotify(func() error {
		res, cerr := v.ConfirmSpend(ctx, symbol, txid, minConfs)
		if cerr != nil {
			if errors.Is(cerr, errs.ErrTransient) {
				return cerr
			}
			return backoff.Permanent(cerr)
		}
		last = res
		if res.Status == StatusConfirmed {
			return nil
		}
		return fmt.Errorf("spend %s on %s still %s", txid, symbol, res.Status)
	}, backoff.WithContext(b, ctx), func(e error, d time.Duration) {
		v.log.Debug("spend confirmation retry", "chain", symbol, "txid", txid, "next", d, "reason", e)
	})
	if err != nil {
		if ctx.Err() != nil && last != nil {
			return last, nil
		}
		return nil, err
	}
	return last, nil
}

// WatchClaim polls for a claim spend of the lock at address until one
// confirms, returning the revealed secret. Stops at deadline with a nil
// observation if nothing was claimed.
func (v *Verifier) WatchClaim(ctx context.Context, symbol, address string, secretHash []byte, minConfs uint32, deadline time.Time) (*ClaimObservation, error) {
	client, err := v.client(symbol)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = v.policy.PollInterval
	b.MaxInterval = v.policy.MaxPollInterval
	b.MaxElapsedTime = 0

	var found *ClaimObservation
	err = backoff.RetryNotify(func() error {
		obs, ferr := client.FindClaim(ctx, address, secretHash)
		if ferr != nil {
			return fmt.Errorf("%w: %s: %v", errs.ErrTransient, symbol, ferr)
		}
		if obs == nil || obs.Secret == nil {
			return fmt.Errorf("no claim at %s yet", address)
		}
		if obs.Confirmations < uint64(minConfs) {
			return fmt.Errorf("claim %s at %d/%d confirmations", obs.Txid, obs.Confirmations, minConfs)
		}
		found = obs
		return nil
	}, backoff.WithContext(b, ctx), func(e error, d time.Duration) {
		v.log.Debug("claim watch retry", "chain", symbol, "address", address, "next", d, "reason", e)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, err
	}
	return found, nil
}

// CheckClaim is a single-shot claim lookup at a lock, used as the
// pre-broadcast race guard before a refund sweep. Returns nil when no
// claim is visible.
func (v *Verifier) CheckClaim(ctx context.Context, symbol, address string, secretHash []byte) (*ClaimObservation, error) {
	client, err := v.client(symbol)
	if err != nil {
		return nil, err
	}
	obs, err := client.FindClaim(ctx, address, secretHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errs.ErrTransient, symbol, err)
	}
	return obs, nil
}

// Height returns the current height of a chain.
func (v *Verifier) Height(ctx context.Context, symbol string) (uint64, error) {
	client, err := v.client(symbol)
	if err != nil {
		return 0, err
	}
	h, err := client.Height(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", errs.ErrTransient, symbol, err)
	}
	return h, nil
}
