package htlc

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/tidelock-exchange/tidelock/internal/errs"
)

func TestBuildLockScriptRoundTrip(t *testing.T) {
	secretHash := testSecretHash()
	receiver := testPubKey(0xBB)
	sender := testPubKey(0xAA)
	timelock := testNow.Add(36 * time.Hour).Unix()

	script, err := BuildLockScript(secretHash, receiver, sender, timelock)
	if err != nil {
		t.Fatalf("BuildLockScript() error = %v", err)
	}

	gotHash, gotReceiver, gotSender, gotTimelock, err := ParseLockScript(script)
	if err != nil {
		t.Fatalf("ParseLockScript() error = %v", err)
	}
	if !bytes.Equal(gotHash, secretHash) {
		t.Error("secret hash mismatch after parse")
	}
	if !bytes.Equal(gotReceiver, receiver) {
		t.Error("receiver pubkey mismatch after parse")
	}
	if !bytes.Equal(gotSender, sender) {
		t.Error("sender pubkey mismatch after parse")
	}
	if gotTimelock != timelock {
		t.Errorf("timelock = %d, want %d", gotTimelock, timelock)
	}
}

func TestBuildLockScriptRejects(t *testing.T) {
	secretHash := testSecretHash()
	receiver := testPubKey(0xBB)
	sender := testPubKey(0xAA)

	tests := []struct {
		name       string
		secretHash []byte
		receiver   []byte
		sender     []byte
		timelock   int64
	}{
		{"short hash", secretHash[:31], receiver, sender, 1700086400},
		{"short receiver", secretHash, receiver[:32], sender, 1700086400},
		{"short sender", secretHash, receiver, sender[:32], 1700086400},
		{"block-height timelock", secretHash, receiver, sender, 850000},
		{"zero timelock", secretHash, receiver, sender, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildLockScript(tt.secretHash, tt.receiver, tt.sender, tt.timelock)
			if !errors.Is(err, errs.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestParseLockScriptRejectsForeignScript(t *testing.T) {
	tests := []struct {
		name   string
		script []byte
	}{
		{"empty", nil},
		{"garbage", []byte{0xde, 0xad, 0xbe, 0xef}},
		{"opcode soup", []byte{0x63, 0x51, 0x68}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, _, _, err := ParseLockScript(tt.script)
			if !errors.Is(err, errs.ErrMismatch) {
				t.Errorf("expected ErrMismatch, got %v", err)
			}
		})
	}
}

func TestParseLockScriptRejectsTrailingOps(t *testing.T) {
	script, err := BuildLockScript(testSecretHash(), testPubKey(0xBB), testPubKey(0xAA), 1700086400)
	if err != nil {
		t.Fatal(err)
	}
	extended := append(append([]byte{}, script...), 0x51) // OP_1 appended
	if _, _, _, _, err := ParseLockScript(extended); !errors.Is(err, errs.ErrMismatch) {
		t.Errorf("expected ErrMismatch for trailing opcode, got %v", err)
	}
}

func TestClaimWitnessShape(t *testing.T) {
	sig := []byte{0x30, 0x44}
	secret := make([]byte, 32)
	script := []byte{0x63}

	witness := BuildClaimWitness(sig, secret, script)
	if len(witness) != 4 {
		t.Fatalf("claim witness has %d items, want 4", len(witness))
	}
	if !bytes.Equal(witness[2], []byte{0x01}) {
		t.Error("claim witness must select the OP_IF branch")
	}

	refund := BuildRefundWitness(sig, script)
	if len(refund) != 3 {
		t.Fatalf("refund witness has %d items, want 3", len(refund))
	}
	if len(refund[1]) != 0 {
		t.Error("refund witness must select the OP_ELSE branch with an empty push")
	}
}

func TestExtractSecretFromWitness(t *testing.T) {
	secret := make([]byte, 32)
	copy(secret, "a preimage worth thirty-two byte")
	hash := HashSecret(secret)

	witness := BuildClaimWitness([]byte{0x30}, secret, []byte{0x63})
	got := ExtractSecretFromWitness(witness, hash)
	if !bytes.Equal(got, secret) {
		t.Error("failed to extract secret from claim witness")
	}

	refund := BuildRefundWitness([]byte{0x30}, []byte{0x63})
	if got := ExtractSecretFromWitness(refund, hash); got != nil {
		t.Errorf("extracted a secret from a refund witness: %x", got)
	}

	wrongHash := HashSecret([]byte("another preimage, also 32 bytes!"))
	if got := ExtractSecretFromWitness(witness, wrongHash); got != nil {
		t.Errorf("extracted a secret against the wrong hash: %x", got)
	}
}

func TestBuildP2WSHScriptPubKey(t *testing.T) {
	script, err := BuildLockScript(testSecretHash(), testPubKey(0xBB), testPubKey(0xAA), 1700086400)
	if err != nil {
		t.Fatal(err)
	}
	spk := BuildP2WSHScriptPubKey(script)
	if len(spk) != 34 {
		t.Fatalf("scriptPubKey length = %d, want 34", len(spk))
	}
	if spk[0] != 0x00 || spk[1] != 0x20 {
		t.Errorf("scriptPubKey prefix = %x %x, want OP_0 PUSH32", spk[0], spk[1])
	}
}
