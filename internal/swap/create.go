// Swap creation: validation, timelock derivation, construct derivation
// for both legs, secret hash registration.
package swap

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tidelock-exchange/tidelock/internal/chain"
	"github.com/tidelock-exchange/tidelock/internal/config"
	"github.com/tidelock-exchange/tidelock/internal/errs"
	"github.com/tidelock-exchange/tidelock/internal/htlc"
	"github.com/tidelock-exchange/tidelock/pkg/helpers"
)

// LegParams describes one side of a new swap.
type LegParams struct {
	Chain  string
	Asset  string
	Amount *big.Int

	// SenderKey refunds after the timelock, ReceiverKey claims with the
	// secret. Shape depends on the chain family.
	SenderKey   []byte
	ReceiverKey []byte
}

// CreateParams describes a new swap.
type CreateParams struct {
	// SecretHash commits both legs to one secret. Nil means the engine
	// generates the secret and returns it to the caller; it is never
	// persisted either way.
	SecretHash []byte

	Initiator    LegParams
	Counterparty LegParams

	// MarginBPS overrides the configured initiator timelock margin for
	// this swap. Nil uses the config default; an explicit zero or the
	// zero default is rejected.
	MarginBPS *uint32

	// CounterpartyLockDuration overrides the configured counterparty
	// lock duration. Zero uses the config default.
	CounterpartyLockDuration time.Duration
}

// Create validates params, derives both lock constructs, registers the
// secret hash and persists the record in StateCreated. The returned
// secret is non-nil only when the engine generated it.
func (o *Orchestrator) Create(ctx context.Context, params CreateParams) (*Record, []byte, error) {
	now := time.Now()

	marginBPS := o.cfg.Timelock.InitiatorMarginBPS
	if params.MarginBPS != nil {
		marginBPS = *params.MarginBPS
	}
	if marginBPS == 0 {
		return nil, nil, fmt.Errorf("%w: timelock margin must be positive", errs.ErrValidation)
	}

	lockDuration := params.CounterpartyLockDuration
	if lockDuration == 0 {
		lockDuration = o.cfg.Timelock.CounterpartyLockDuration
	}
	if lockDuration <= 0 {
		return nil, nil, fmt.Errorf("%w: counterparty lock duration must be positive", errs.ErrValidation)
	}

	var secret []byte
	secretHash := params.SecretHash
	if secretHash == nil {
		var err error
		secret, secretHash, err = htlc.GenerateSecret()
		if err != nil {
			return nil, nil, err
		}
	}
	if len(secretHash) != htlc.SecretSize {
		return nil, nil, fmt.Errorf("%w: secret hash must be %d bytes, got %d",
			errs.ErrValidation, htlc.SecretSize, len(secretHash))
	}
	if helpers.IsZeroBytes(secretHash) {
		return nil, nil, fmt.Errorf("%w: secret hash is all zeroes", errs.ErrValidation)
	}

	if err := o.reserveSecretHash(secretHash); err != nil {
		return nil, nil, err
	}
	release := func() {
		o.mu.Lock()
		delete(o.secretHashes, hashKey(secretHash))
		o.mu.Unlock()
	}

	counterpartyTimelock := now.Add(lockDuration).Unix()
	margin := time.Duration(uint64(lockDuration) * uint64(marginBPS) / 10000)
	initiatorTimelock := now.Add(lockDuration + margin).Unix()

	initiatorLeg, err := o.buildLeg(ctx, RoleInitiator, params.Initiator, secretHash, initiatorTimelock, now)
	if err != nil {
		release()
		return nil, nil, err
	}
	counterpartyLeg, err := o.buildLeg(ctx, RoleCounterparty, params.Counterparty, secretHash, counterpartyTimelock, now)
	if err != nil {
		release()
		return nil, nil, err
	}

	record := &Record{
		ID:           uuid.New().String(),
		SecretHash:   secretHash,
		State:        StateCreated,
		Initiator:    *initiatorLeg,
		Counterparty: *counterpartyLeg,
		FeePolicies:  map[string]config.FeePolicy{},
		CreatedAt:    now,
		TransitionAt: now,
	}
	for _, symbol := range []string{initiatorLeg.Chain, counterpartyLeg.Chain} {
		if policy, ok := config.GetFeePolicy(symbol); ok {
			record.FeePolicies[symbol] = policy
		}
	}

	if err := record.Validate(); err != nil {
		release()
		return nil, nil, err
	}

	if err := o.store.SaveSwap(record); err != nil {
		release()
		return nil, nil, fmt.Errorf("failed to persist new swap: %w", err)
	}

	o.mu.Lock()
	o.records[record.ID] = record
	o.locks[record.ID] = &sync.Mutex{}
	o.mu.Unlock()

	o.log.Info("swap created",
		"id", record.ID,
		"initiator", fmt.Sprintf("%s %s", o.displayAmount(initiatorLeg), initiatorLeg.Chain),
		"counterparty", fmt.Sprintf("%s %s", o.displayAmount(counterpartyLeg), counterpartyLeg.Chain))
	o.emitEvent(record.ID, EventCreated, StateCreated, nil)

	return record, secret, nil
}

// reserveSecretHash registers a hash, failing on reuse. The store check
// covers records that predate this process; the in-memory set covers
// races between concurrent Create calls.
func (o *Orchestrator) reserveSecretHash(hash []byte) error {
	used, err := o.store.SecretHashUsed(hash)
	if err != nil {
		return fmt.Errorf("failed to check secret hash: %w", err)
	}
	if used {
		return fmt.Errorf("%w: %x", ErrSecretHashReuse, hash)
	}

	key := hashKey(hash)
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.secretHashes[key]; exists {
		return fmt.Errorf("%w: %x", ErrSecretHashReuse, hash)
	}
	o.secretHashes[key] = struct{}{}
	return nil
}

// displayAmount renders a leg amount in whole coin units for logging.
// Amounts that overflow uint64 fall back to smallest-unit notation.
func (o *Orchestrator) displayAmount(leg *Leg) string {
	params, ok := chain.Get(leg.Chain, o.cfg.Network)
	if ok && leg.Amount.IsUint64() {
		return helpers.FormatAmount(leg.Amount.Uint64(), params.Decimals)
	}
	return leg.Amount.String()
}

func (o *Orchestrator) buildLeg(ctx context.Context, role Role, params LegParams, secretHash []byte, timelockUnix int64, now time.Time) (*Leg, error) {
	chainParams, ok := chain.Get(params.Chain, o.cfg.Network)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChain, params.Chain)
	}

	construct, err := htlc.Build(htlc.LockParams{
		Chain:        *chainParams,
		SecretHash:   secretHash,
		SenderKey:    params.SenderKey,
		ReceiverKey:  params.ReceiverKey,
		Amount:       params.Amount,
		TimelockUnix: timelockUnix,
	}, now)
	if err != nil {
		return nil, fmt.Errorf("%s leg: %w", role, err)
	}

	policy, ok := config.GetChainPolicy(params.Chain, o.cfg.Network)
	if !ok {
		return nil, fmt.Errorf("%w: no safety policy for %s", ErrUnsupportedChain, params.Chain)
	}

	leg := &Leg{
		Role:             role,
		Chain:            params.Chain,
		Family:           chainParams.Family,
		Asset:            params.Asset,
		Amount:           params.Amount,
		SenderKey:        params.SenderKey,
		ReceiverKey:      params.ReceiverKey,
		LockAddress:      construct.Address,
		LockScript:       construct.Script,
		TimelockUnix:     timelockUnix,
		MinConfirmations: policy.MinConfirmations,
	}

	// Best effort: pin the expected expiry height for utxo chains so the
	// sweeper can reason in blocks. Absence is fine, time still governs.
	if chainParams.Family == chain.FamilyUtxoScript && o.verifier != nil {
		if height, err := o.verifier.Height(ctx, params.Chain); err == nil {
			remaining := timelockUnix - now.Unix()
			leg.TimelockHeight = height + uint64(chainParams.BlocksForDuration(uint64(remaining)))
		}
	}

	return leg, nil
}
