package wallet

import (
	"bytes"
	"context"
	"fmt"
	"math/big"

	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/tidelock-exchange/tidelock/internal/chain"
	"github.com/tidelock-exchange/tidelock/internal/errs"
	"github.com/tidelock-exchange/tidelock/internal/htlc"
	"github.com/tidelock-exchange/tidelock/internal/swap"
)

// SignClaim builds a signed claim transaction spending the leg's lock
// with the secret.
func (w *Wallet) SignClaim(ctx context.Context, leg *swap.Leg, secret []byte, fee uint64) ([]byte, string, error) {
	switch leg.Family {
	case chain.FamilyUtxoScript:
		return w.signScriptSpend(ctx, leg, secret, fee)
	case chain.FamilyAccountContract:
		calldata, err := htlc.ClaimCalldata(secret)
		if err != nil {
			return nil, "", err
		}
		return w.signContractCall(ctx, leg, calldata, htlc.ClaimGasLimit, fee)
	}
	return nil, "", fmt.Errorf("%w: %s", ErrUnsupportedChain, leg.Chain)
}

// SignRefund builds a signed refund transaction spending the leg's lock
// after its timelock.
func (w *Wallet) SignRefund(ctx context.Context, leg *swap.Leg, fee uint64) ([]byte, string, error) {
	switch leg.Family {
	case chain.FamilyUtxoScript:
		return w.signScriptSpend(ctx, leg, nil, fee)
	case chain.FamilyAccountContract:
		return w.signContractCall(ctx, leg, htlc.RefundCalldata(), htlc.RefundGasLimit, fee)
	}
	return nil, "", fmt.Errorf("%w: %s", ErrUnsupportedChain, leg.Chain)
}

// signScriptSpend signs a P2WSH spend of the lock. A non-nil secret
// takes the claim branch; nil takes the refund branch, which requires
// nLockTime at or past the script's timelock and a non-final sequence.
func (w *Wallet) signScriptSpend(ctx context.Context, leg *swap.Leg, secret []byte, fee uint64) ([]byte, string, error) {
	reader, ok := w.readers.Utxo[leg.Chain]
	if !ok {
		return nil, "", fmt.Errorf("no chain reader for %s", leg.Chain)
	}
	vout, value, err := reader.LockOutpoint(ctx, leg.FundingTxid, leg.LockAddress)
	if err != nil {
		return nil, "", fmt.Errorf("%w: locating lock outpoint: %v", errs.ErrTransient, err)
	}
	if value <= fee {
		return nil, "", fmt.Errorf("%w: locked value %d does not cover fee %d", errs.ErrValidation, value, fee)
	}

	privKey, err := w.privateKey(leg.Chain)
	if err != nil {
		return nil, "", err
	}
	destAddr, err := w.Address(leg.Chain)
	if err != nil {
		return nil, "", err
	}

	tx := wire.NewMsgTx(2)

	fundingHash, err := chainhash.NewHashFromStr(leg.FundingTxid)
	if err != nil {
		return nil, "", fmt.Errorf("%w: bad funding txid %s", errs.ErrValidation, leg.FundingTxid)
	}
	txIn := wire.NewTxIn(wire.NewOutPoint(fundingHash, vout), nil, nil)
	if secret == nil {
		// CLTV requires a sequence below final and the lock time set.
		txIn.Sequence = wire.MaxTxInSequenceNum - 1
		tx.LockTime = uint32(leg.TimelockUnix)
	}
	tx.AddTxIn(txIn)

	destScript, err := payToAddrScript(destAddr, leg.Chain, w.network)
	if err != nil {
		return nil, "", err
	}
	tx.AddTxOut(wire.NewTxOut(int64(value-fee), destScript))

	lockPkScript := htlc.BuildP2WSHScriptPubKey(leg.LockScript)
	prevOutFetcher := txscript.NewCannedPrevOutputFetcher(lockPkScript, int64(value))
	sigHashes := txscript.NewTxSigHashes(tx, prevOutFetcher)

	sighash, err := txscript.CalcWitnessSigHash(leg.LockScript, sigHashes, txscript.SigHashAll, tx, 0, int64(value))
	if err != nil {
		return nil, "", fmt.Errorf("failed to compute sighash: %w", err)
	}
	sig := append(btcecdsa.Sign(privKey, sighash).Serialize(), byte(txscript.SigHashAll))

	if secret != nil {
		tx.TxIn[0].Witness = htlc.BuildClaimWitness(sig, secret, leg.LockScript)
	} else {
		tx.TxIn[0].Witness = htlc.BuildRefundWitness(sig, leg.LockScript)
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), tx.TxHash().String(), nil
}

// signContractCall signs a call to the lock contract. The fee is the
// total budget; the gas price is derived from it and the gas limit.
func (w *Wallet) signContractCall(ctx context.Context, leg *swap.Leg, calldata []byte, gasLimit uint64, fee uint64) ([]byte, string, error) {
	reader, ok := w.readers.Account[leg.Chain]
	if !ok {
		return nil, "", fmt.Errorf("no chain reader for %s", leg.Chain)
	}
	params, ok := chain.Get(leg.Chain, w.network)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrUnsupportedChain, leg.Chain)
	}

	privKey, err := w.privateKey(leg.Chain)
	if err != nil {
		return nil, "", err
	}
	from, err := w.Address(leg.Chain)
	if err != nil {
		return nil, "", err
	}
	nonce, err := reader.PendingNonce(ctx, from)
	if err != nil {
		return nil, "", fmt.Errorf("%w: fetching nonce: %v", errs.ErrTransient, err)
	}

	gasPrice := fee / gasLimit
	if gasPrice == 0 {
		return nil, "", fmt.Errorf("%w: fee %d below gas limit %d", errs.ErrValidation, fee, gasLimit)
	}

	to := common.HexToAddress(leg.LockAddress)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    new(big.Int),
		Gas:      gasLimit,
		GasPrice: new(big.Int).SetUint64(gasPrice),
		Data:     calldata,
	})

	chainID := new(big.Int).SetUint64(params.ChainID)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), privKey.ToECDSA())
	if err != nil {
		return nil, "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	rawTx, err := signed.MarshalBinary()
	if err != nil {
		return nil, "", err
	}
	return rawTx, signed.Hash().Hex(), nil
}

// payToAddrScript builds the output script for a destination address.
func payToAddrScript(address, symbol string, network chain.Network) ([]byte, error) {
	params, ok := chain.Get(symbol, network)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChain, symbol)
	}
	addr, err := btcutil.DecodeAddress(address, params.ChaincfgParams())
	if err != nil {
		return nil, fmt.Errorf("invalid destination address %s: %w", address, err)
	}
	return txscript.PayToAddrScript(addr)
}

var _ swap.Signer = (*Wallet)(nil)
