// UTXO-family lock construction: redeem script, P2WSH address, witness
// stacks, and the parser used to verify a counterparty's script.
package htlc

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"

	"github.com/tidelock-exchange/tidelock/internal/errs"
)

// cltvTimeThreshold is the consensus boundary between block-height and
// unix-time interpretation of a locktime value.
const cltvTimeThreshold = 500000000

// BuildLockScript creates the HTLC redeem script.
//
// Script structure:
//
//	OP_IF
//	    OP_SHA256 <secret_hash> OP_EQUALVERIFY
//	    <receiver_pubkey> OP_CHECKSIG
//	OP_ELSE
//	    <timelock> OP_CHECKLOCKTIMEVERIFY OP_DROP
//	    <sender_pubkey> OP_CHECKSIG
//	OP_ENDIF
//
// Claim path (OP_IF branch): requires secret + receiver signature.
// Refund path (OP_ELSE branch): requires sender signature after the
// absolute timelock, expressed in unix seconds.
func BuildLockScript(secretHash, receiverPubKey, senderPubKey []byte, timelockUnix int64) ([]byte, error) {
	if len(secretHash) != SecretSize {
		return nil, fmt.Errorf("%w: secret hash must be %d bytes, got %d", errs.ErrValidation, SecretSize, len(secretHash))
	}
	if len(receiverPubKey) != btcec.PubKeyBytesLenCompressed {
		return nil, fmt.Errorf("%w: receiver pubkey must be %d bytes (compressed), got %d", errs.ErrValidation, btcec.PubKeyBytesLenCompressed, len(receiverPubKey))
	}
	if len(senderPubKey) != btcec.PubKeyBytesLenCompressed {
		return nil, fmt.Errorf("%w: sender pubkey must be %d bytes (compressed), got %d", errs.ErrValidation, btcec.PubKeyBytesLenCompressed, len(senderPubKey))
	}
	if timelockUnix < cltvTimeThreshold {
		return nil, fmt.Errorf("%w: timelock %d below unix-time threshold", errs.ErrValidation, timelockUnix)
	}

	builder := txscript.NewScriptBuilder()

	// OP_IF branch (claim with secret)
	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_SHA256)
	builder.AddData(secretHash)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddData(receiverPubKey)
	builder.AddOp(txscript.OP_CHECKSIG)

	// OP_ELSE branch (refund after timelock)
	builder.AddOp(txscript.OP_ELSE)
	builder.AddInt64(timelockUnix)
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(senderPubKey)
	builder.AddOp(txscript.OP_CHECKSIG)

	builder.AddOp(txscript.OP_ENDIF)

	return builder.Script()
}

// buildScriptLock derives the full construct for a utxo_script leg.
func buildScriptLock(params LockParams) (*Construct, error) {
	script, err := BuildLockScript(params.SecretHash, params.ReceiverKey, params.SenderKey, params.TimelockUnix)
	if err != nil {
		return nil, err
	}

	scriptHash := chainhash.HashB(script)

	chainParams := params.Chain.ChaincfgParams()
	if chainParams == nil {
		return nil, fmt.Errorf("%w: chain %s has no script address encoding", errs.ErrValidation, params.Chain.Symbol)
	}

	address, err := btcutil.NewAddressWitnessScriptHash(scriptHash, chainParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create P2WSH address: %w", err)
	}

	return &Construct{
		Family:       params.Chain.Family,
		Address:      address.EncodeAddress(),
		Script:       script,
		ScriptHash:   scriptHash,
		SecretHash:   params.SecretHash,
		TimelockUnix: params.TimelockUnix,
	}, nil
}

// BuildClaimWitness creates the witness stack for claiming with the secret.
//
// Witness stack (bottom to top):
//
//	<signature>
//	<secret>
//	<1> (selects OP_IF branch)
//	<script>
func BuildClaimWitness(signature, secret, script []byte) [][]byte {
	return [][]byte{
		signature,
		secret,
		{0x01},
		script,
	}
}

// BuildRefundWitness creates the witness stack for refunding after the
// timelock. The spending transaction's nLockTime must be at or past the
// script's timelock.
//
// Witness stack (bottom to top):
//
//	<signature>
//	<0> (selects OP_ELSE branch)
//	<script>
func BuildRefundWitness(signature, script []byte) [][]byte {
	return [][]byte{
		signature,
		{},
		script,
	}
}

// BuildP2WSHScriptPubKey creates the scriptPubKey for a P2WSH output.
// Format: OP_0 <32-byte-script-hash>
func BuildP2WSHScriptPubKey(script []byte) []byte {
	scriptHash := sha256.Sum256(script)
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_0)
	builder.AddData(scriptHash[:])
	scriptPubKey, _ := builder.Script()
	return scriptPubKey
}

// ParseLockScript parses a redeem script and extracts its components.
func ParseLockScript(script []byte) (secretHash, receiverPubKey, senderPubKey []byte, timelockUnix int64, err error) {
	tokenizer := txscript.MakeScriptTokenizer(0, script)

	fail := func(what string) (a, b, c []byte, t int64, e error) {
		return nil, nil, nil, 0, fmt.Errorf("%w: malformed lock script: expected %s", errs.ErrMismatch, what)
	}

	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_IF {
		return fail("OP_IF")
	}
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_SHA256 {
		return fail("OP_SHA256")
	}

	if !tokenizer.Next() {
		return fail("secret hash")
	}
	secretHash = tokenizer.Data()
	if len(secretHash) != SecretSize {
		return fail("32-byte secret hash")
	}

	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_EQUALVERIFY {
		return fail("OP_EQUALVERIFY")
	}

	if !tokenizer.Next() {
		return fail("receiver pubkey")
	}
	receiverPubKey = tokenizer.Data()
	if len(receiverPubKey) != 33 {
		return fail("33-byte receiver pubkey")
	}

	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_CHECKSIG {
		return fail("OP_CHECKSIG")
	}
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_ELSE {
		return fail("OP_ELSE")
	}

	if !tokenizer.Next() {
		return fail("timelock")
	}
	op := tokenizer.Opcode()
	if txscript.IsSmallInt(op) {
		timelockUnix = int64(txscript.AsSmallInt(op))
	} else {
		data := tokenizer.Data()
		if len(data) == 0 {
			return fail("timelock data push")
		}
		timelockUnix = 0
		for i := 0; i < len(data); i++ {
			timelockUnix |= int64(data[i]) << (8 * i)
		}
	}

	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_CHECKLOCKTIMEVERIFY {
		return fail("OP_CHECKLOCKTIMEVERIFY")
	}
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_DROP {
		return fail("OP_DROP")
	}

	if !tokenizer.Next() {
		return fail("sender pubkey")
	}
	senderPubKey = tokenizer.Data()
	if len(senderPubKey) != 33 {
		return fail("33-byte sender pubkey")
	}

	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_CHECKSIG {
		return fail("OP_CHECKSIG")
	}
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_ENDIF {
		return fail("OP_ENDIF")
	}
	if tokenizer.Next() {
		return fail("end of script")
	}

	return secretHash, receiverPubKey, senderPubKey, timelockUnix, nil
}

// ExtractSecretFromWitness scans a claim witness stack for the 32-byte
// preimage of secretHash. Returns nil if the witness reveals no matching
// secret.
func ExtractSecretFromWitness(witness [][]byte, secretHash []byte) []byte {
	for _, item := range witness {
		if len(item) != SecretSize {
			continue
		}
		h := sha256.Sum256(item)
		if bytes.Equal(h[:], secretHash) {
			return item
		}
	}
	return nil
}

// Virtual size estimates for fee calculation. The numbers assume one
// P2WSH input spending the lock script and one P2WPKH output.
const (
	// ClaimTxVSize is the approximate vsize of a claim sweep.
	ClaimTxVSize = 180

	// RefundTxVSize is the approximate vsize of a refund sweep. Slightly
	// smaller than a claim: no secret in the witness.
	RefundTxVSize = 170
)
