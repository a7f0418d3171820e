package htlc

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tidelock-exchange/tidelock/internal/errs"
)

func TestEncodeLockArgsRoundTrip(t *testing.T) {
	sender := common.BytesToAddress(testAddress(0xAA))
	receiver := common.BytesToAddress(testAddress(0xBB))
	amount := new(big.Int).Mul(big.NewInt(3), big.NewInt(1e18))
	var secretHash [32]byte
	copy(secretHash[:], testSecretHash())
	timelock := int64(1700086400)

	encoded, err := EncodeLockArgs(sender, receiver, amount, secretHash, timelock)
	if err != nil {
		t.Fatalf("EncodeLockArgs() error = %v", err)
	}

	gotSender, gotReceiver, gotAmount, gotHash, gotTimelock, err := DecodeLockArgs(encoded)
	if err != nil {
		t.Fatalf("DecodeLockArgs() error = %v", err)
	}
	if gotSender != sender || gotReceiver != receiver {
		t.Error("address mismatch after decode")
	}
	if gotAmount.Cmp(amount) != 0 {
		t.Errorf("amount = %s, want %s", gotAmount, amount)
	}
	if gotHash != secretHash {
		t.Error("secret hash mismatch after decode")
	}
	if gotTimelock != timelock {
		t.Errorf("timelock = %d, want %d", gotTimelock, timelock)
	}
}

func TestDecodeLockArgsRejectsGarbage(t *testing.T) {
	_, _, _, _, _, err := DecodeLockArgs([]byte{1, 2, 3})
	if !errors.Is(err, errs.ErrMismatch) {
		t.Errorf("expected ErrMismatch, got %v", err)
	}
}

func TestDeriveLockAddressCommitsToArgs(t *testing.T) {
	var secretHash [32]byte
	copy(secretHash[:], testSecretHash())
	sender := common.BytesToAddress(testAddress(0xAA))
	receiver := common.BytesToAddress(testAddress(0xBB))

	base, err := EncodeLockArgs(sender, receiver, big.NewInt(1e18), secretHash, 1700086400)
	if err != nil {
		t.Fatal(err)
	}
	baseAddr, baseSalt := DeriveLockAddress(base)

	again, againSalt := DeriveLockAddress(base)
	if again != baseAddr || againSalt != baseSalt {
		t.Error("derivation not deterministic")
	}

	bumped, err := EncodeLockArgs(sender, receiver, big.NewInt(1e18), secretHash, 1700086401)
	if err != nil {
		t.Fatal(err)
	}
	bumpedAddr, _ := DeriveLockAddress(bumped)
	if bumpedAddr == baseAddr {
		t.Error("timelock change did not change the lock address")
	}
}

func TestClaimCalldata(t *testing.T) {
	secret := make([]byte, 32)
	copy(secret, "a preimage worth thirty-two byte")

	data, err := ClaimCalldata(secret)
	if err != nil {
		t.Fatalf("ClaimCalldata() error = %v", err)
	}
	if len(data) != 36 {
		t.Fatalf("calldata length = %d, want 36", len(data))
	}
	if !bytes.Equal(data[4:], secret) {
		t.Error("calldata does not carry the secret")
	}

	if _, err := ClaimCalldata(secret[:16]); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("expected ErrValidation for short secret, got %v", err)
	}
}

func TestExtractSecretFromCalldata(t *testing.T) {
	secret := make([]byte, 32)
	copy(secret, "a preimage worth thirty-two byte")
	hash := HashSecret(secret)

	claim, err := ClaimCalldata(secret)
	if err != nil {
		t.Fatal(err)
	}

	if got := ExtractSecretFromCalldata(claim, hash); !bytes.Equal(got, secret) {
		t.Error("failed to extract secret from claim calldata")
	}
	if got := ExtractSecretFromCalldata(RefundCalldata(), hash); got != nil {
		t.Errorf("extracted a secret from refund calldata: %x", got)
	}

	wrongHash := HashSecret([]byte("another preimage, also 32 bytes!"))
	if got := ExtractSecretFromCalldata(claim, wrongHash); got != nil {
		t.Errorf("extracted a secret against the wrong hash: %x", got)
	}
}
