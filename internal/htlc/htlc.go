// Package htlc builds hash time-locked contract constructs for both ledger
// families. All functions are pure and deterministic: the same parameters
// always produce the same construct, so a counterparty's lock can be
// re-derived and compared byte for byte. Nothing here touches the network.
package htlc

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"time"

	"github.com/tidelock-exchange/tidelock/internal/chain"
	"github.com/tidelock-exchange/tidelock/internal/errs"
	"github.com/tidelock-exchange/tidelock/pkg/helpers"
)

// SecretSize is the size of the swap secret and its hash in bytes.
const SecretSize = 32

// LockParams are the inputs to construct an HTLC lock on one leg.
type LockParams struct {
	Chain chain.Params

	// SecretHash is the SHA256 hash of the swap secret. Both legs of a
	// swap share the same hash.
	SecretHash []byte

	// SenderKey identifies who can refund after the timelock. For the
	// utxo_script family this is a 33-byte compressed public key; for
	// account_contract it is a 20-byte address.
	SenderKey []byte

	// ReceiverKey identifies who can claim with the secret. Same shape
	// rules as SenderKey.
	ReceiverKey []byte

	// Amount is the locked value in the chain's smallest unit.
	Amount *big.Int

	// TimelockUnix is the absolute refund time in unix seconds.
	TimelockUnix int64
}

// Construct is the derived lock for one leg: everything a counterparty
// needs to independently verify the lock.
type Construct struct {
	Family chain.Family

	// Address funds are sent to: a P2WSH address for utxo_script, a
	// deterministic contract address for account_contract.
	Address string

	// Script is the redeem script (utxo_script) or the ABI-encoded
	// constructor arguments (account_contract).
	Script []byte

	// ScriptHash commits to the construct: SHA256 of the redeem script,
	// or the CREATE2 salt for contracts.
	ScriptHash []byte

	SecretHash   []byte
	TimelockUnix int64
}

// Build derives the locking construct for params, dispatching on the
// chain family. It validates all inputs first and returns an error
// wrapping errs.ErrValidation before anything else can go wrong.
func Build(params LockParams, now time.Time) (*Construct, error) {
	if err := validate(params, now); err != nil {
		return nil, err
	}

	switch params.Chain.Family {
	case chain.FamilyUtxoScript:
		return buildScriptLock(params)
	case chain.FamilyAccountContract:
		return buildContractLock(params)
	default:
		return nil, fmt.Errorf("%w: unknown chain family %q", errs.ErrValidation, params.Chain.Family)
	}
}

func validate(params LockParams, now time.Time) error {
	if len(params.SecretHash) != SecretSize {
		return fmt.Errorf("%w: secret hash must be %d bytes, got %d",
			errs.ErrValidation, SecretSize, len(params.SecretHash))
	}
	if params.Amount == nil || params.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", errs.ErrValidation)
	}
	if params.TimelockUnix <= now.Unix() {
		return fmt.Errorf("%w: timelock %d is not in the future", errs.ErrValidation, params.TimelockUnix)
	}

	var wantKeyLen int
	switch params.Chain.Family {
	case chain.FamilyUtxoScript:
		wantKeyLen = 33 // compressed secp256k1 public key
	case chain.FamilyAccountContract:
		wantKeyLen = 20 // account address
	default:
		return fmt.Errorf("%w: unknown chain family %q", errs.ErrValidation, params.Chain.Family)
	}
	if len(params.SenderKey) != wantKeyLen {
		return fmt.Errorf("%w: sender key must be %d bytes, got %d",
			errs.ErrValidation, wantKeyLen, len(params.SenderKey))
	}
	if len(params.ReceiverKey) != wantKeyLen {
		return fmt.Errorf("%w: receiver key must be %d bytes, got %d",
			errs.ErrValidation, wantKeyLen, len(params.ReceiverKey))
	}
	return nil
}

// GenerateSecret generates a cryptographically secure 32-byte secret
// and returns both the secret and its SHA256 hash.
func GenerateSecret() (secret, hash []byte, err error) {
	secret, err = helpers.GenerateSecureRandom(SecretSize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate secret: %w", err)
	}

	hashArray := sha256.Sum256(secret)
	return secret, hashArray[:], nil
}

// HashSecret returns the SHA256 hash of a secret.
func HashSecret(secret []byte) []byte {
	h := sha256.Sum256(secret)
	return h[:]
}

// VerifySecret checks if a secret matches the expected hash in constant
// time.
func VerifySecret(secret, expectedHash []byte) bool {
	if len(secret) != SecretSize || len(expectedHash) != SecretSize {
		return false
	}
	actualHash := sha256.Sum256(secret)
	return helpers.ConstantTimeCompare(actualHash[:], expectedHash)
}
