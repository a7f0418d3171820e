package backend

import (
	"context"
	"errors"
	"fmt"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/tidelock-exchange/tidelock/internal/htlc"
	"github.com/tidelock-exchange/tidelock/internal/verify"
)

// EVMBackend reads an account-contract chain through a JSON-RPC node.
type EVMBackend struct {
	client *ethclient.Client
}

// NewEVMBackend dials the given JSON-RPC endpoint. The HTTP transport
// connects lazily, so this does not hit the network.
func NewEVMBackend(rpcURL string) (*EVMBackend, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, err
	}
	return &EVMBackend{client: client}, nil
}

// ObserveTx reports the lock funding transaction: the recipient is the
// lock contract address and the value is the locked amount. A reverted
// transaction locked nothing and reports as not found.
func (e *EVMBackend) ObserveTx(ctx context.Context, txid string) (*verify.TxObservation, error) {
	hash := common.HexToHash(txid)

	tx, pending, err := e.client.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return &verify.TxObservation{Found: false}, nil
	}
	if err != nil {
		return nil, err
	}

	obs := &verify.TxObservation{Found: true, Amount: tx.Value()}
	if to := tx.To(); to != nil {
		obs.Address = to.Hex()
	}
	if pending {
		return obs, nil
	}

	receipt, err := e.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return obs, nil
	}
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return &verify.TxObservation{Found: false}, nil
	}

	tip, err := e.client.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	mined := receipt.BlockNumber.Uint64()
	if tip >= mined {
		obs.Confirmations = tip - mined + 1
	}
	return obs, nil
}

// FindClaim looks for the claim event at the lock contract and pulls
// the preimage out of the claiming transaction's calldata.
func (e *EVMBackend) FindClaim(ctx context.Context, address string, secretHash []byte) (*verify.ClaimObservation, error) {
	logs, err := e.client.FilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{common.HexToAddress(address)},
		Topics:    [][]common.Hash{{htlc.ClaimedEventTopic}},
	})
	if err != nil {
		return nil, err
	}

	for _, entry := range logs {
		if entry.Removed {
			continue
		}
		tx, _, err := e.client.TransactionByHash(ctx, entry.TxHash)
		if err != nil {
			return nil, err
		}
		secret := htlc.ExtractSecretFromCalldata(tx.Data(), secretHash)
		if secret == nil {
			continue
		}

		obs := &verify.ClaimObservation{Txid: entry.TxHash.Hex(), Secret: secret}
		tip, err := e.client.BlockNumber(ctx)
		if err == nil && tip >= entry.BlockNumber {
			obs.Confirmations = tip - entry.BlockNumber + 1
		}
		return obs, nil
	}
	return nil, nil
}

// PendingNonce returns the next nonce for an account, mempool included.
func (e *EVMBackend) PendingNonce(ctx context.Context, address string) (uint64, error) {
	return e.client.PendingNonceAt(ctx, common.HexToAddress(address))
}

// Height returns the latest block number.
func (e *EVMBackend) Height(ctx context.Context) (uint64, error) {
	return e.client.BlockNumber(ctx)
}

// Broadcast submits an RLP-encoded signed transaction.
func (e *EVMBackend) Broadcast(ctx context.Context, rawTx []byte) (string, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(rawTx); err != nil {
		return "", fmt.Errorf("%w: undecodable transaction: %v", ErrBroadcastFailed, err)
	}
	if err := e.client.SendTransaction(ctx, tx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	return tx.Hash().Hex(), nil
}

// FeeRate returns the suggested gas price in wei.
func (e *EVMBackend) FeeRate(ctx context.Context) (uint64, error) {
	price, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return 0, err
	}
	if !price.IsUint64() {
		return 0, fmt.Errorf("gas price %s out of range", price)
	}
	return price.Uint64(), nil
}

func (e *EVMBackend) Close() error {
	e.client.Close()
	return nil
}

var _ Backend = (*EVMBackend)(nil)
