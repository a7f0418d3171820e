package backend

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidelock-exchange/tidelock/internal/htlc"
	"github.com/tidelock-exchange/tidelock/internal/verify"
)

// EsploraBackend reads a utxo chain through an esplora-compatible HTTP
// API. Works against mempool.space, litecoinspace.org, blockstream.info
// and self-hosted instances.
type EsploraBackend struct {
	baseURL    string
	httpClient *http.Client

	mu        sync.Mutex
	tipHeight uint64
	tipAt     time.Time
}

// NewEsploraBackend creates a backend for the given API base URL.
func NewEsploraBackend(baseURL string) *EsploraBackend {
	return &EsploraBackend{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// esploraTx is the subset of the esplora transaction format we read.
type esploraTx struct {
	TxID   string `json:"txid"`
	Status struct {
		Confirmed   bool   `json:"confirmed"`
		BlockHeight uint64 `json:"block_height"`
	} `json:"status"`
	Vin []struct {
		Witness []string `json:"witness"`
		Prevout *struct {
			ScriptPubKeyType string `json:"scriptpubkey_type"`
			ScriptPubKeyAddr string `json:"scriptpubkey_address"`
			Value            uint64 `json:"value"`
		} `json:"prevout"`
	} `json:"vin"`
	Vout []struct {
		ScriptPubKeyType string `json:"scriptpubkey_type"`
		ScriptPubKeyAddr string `json:"scriptpubkey_address"`
		Value            uint64 `json:"value"`
	} `json:"vout"`
}

// ObserveTx reports the funding transaction's P2WSH output. A lock
// funding transaction carries exactly one v0 witness script output;
// change outputs are key hashes and are skipped.
func (e *EsploraBackend) ObserveTx(ctx context.Context, txid string) (*verify.TxObservation, error) {
	var tx esploraTx
	found, err := e.get(ctx, "/tx/"+txid, &tx)
	if err != nil {
		return nil, err
	}
	if !found {
		return &verify.TxObservation{Found: false}, nil
	}

	obs := &verify.TxObservation{Found: true}
	if tx.Status.Confirmed && tx.Status.BlockHeight > 0 {
		tip, err := e.Height(ctx)
		if err != nil {
			return nil, err
		}
		if tip >= tx.Status.BlockHeight {
			obs.Confirmations = tip - tx.Status.BlockHeight + 1
		}
	}

	for _, vout := range tx.Vout {
		if vout.ScriptPubKeyType == "v0_p2wsh" {
			obs.Address = vout.ScriptPubKeyAddr
			obs.Amount = new(big.Int).SetUint64(vout.Value)
			break
		}
	}
	return obs, nil
}

// FindClaim scans the lock address history for a spend revealing the
// secret in its witness.
func (e *EsploraBackend) FindClaim(ctx context.Context, address string, secretHash []byte) (*verify.ClaimObservation, error) {
	var txs []esploraTx
	found, err := e.get(ctx, "/address/"+address+"/txs", &txs)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	for _, tx := range txs {
		for _, vin := range tx.Vin {
			if vin.Prevout == nil || vin.Prevout.ScriptPubKeyAddr != address {
				continue
			}
			witness, err := decodeWitness(vin.Witness)
			if err != nil {
				continue
			}
			secret := htlc.ExtractSecretFromWitness(witness, secretHash)
			if secret == nil {
				continue
			}
			obs := &verify.ClaimObservation{Txid: tx.TxID, Secret: secret}
			if tx.Status.Confirmed && tx.Status.BlockHeight > 0 {
				tip, err := e.Height(ctx)
				if err == nil && tip >= tx.Status.BlockHeight {
					obs.Confirmations = tip - tx.Status.BlockHeight + 1
				}
			}
			return obs, nil
		}
	}
	return nil, nil
}

// LockOutpoint locates the lock output inside a funding transaction
// and returns its index and value in sats.
func (e *EsploraBackend) LockOutpoint(ctx context.Context, txid, address string) (uint32, uint64, error) {
	var tx esploraTx
	found, err := e.get(ctx, "/tx/"+txid, &tx)
	if err != nil {
		return 0, 0, err
	}
	if !found {
		return 0, 0, fmt.Errorf("%w: %s", ErrTxNotFound, txid)
	}
	for i, vout := range tx.Vout {
		if vout.ScriptPubKeyAddr == address {
			return uint32(i), vout.Value, nil
		}
	}
	return 0, 0, fmt.Errorf("tx %s pays no output to %s", txid, address)
}

// Height returns the chain tip height, cached briefly to keep repeated
// confirmation checks from hammering the API.
func (e *EsploraBackend) Height(ctx context.Context) (uint64, error) {
	e.mu.Lock()
	if time.Since(e.tipAt) < 10*time.Second && e.tipHeight > 0 {
		height := e.tipHeight
		e.mu.Unlock()
		return height, nil
	}
	e.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, "GET", e.baseURL+"/blocks/tip/height", nil)
	if err != nil {
		return 0, err
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %d fetching tip height", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}

	var height uint64
	if err := json.Unmarshal(body, &height); err != nil {
		return 0, err
	}

	e.mu.Lock()
	e.tipHeight = height
	e.tipAt = time.Now()
	e.mu.Unlock()
	return height, nil
}

// Broadcast submits a raw transaction as hex. The response body is the
// txid.
func (e *EsploraBackend) Broadcast(ctx context.Context, rawTx []byte) (string, error) {
	payload := hex.EncodeToString(rawTx)
	req, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/tx", strings.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s", ErrBroadcastFailed, strings.TrimSpace(string(body)))
	}
	return strings.TrimSpace(string(body)), nil
}

// FeeRate returns the half-hour target fee rate in sat/vB.
func (e *EsploraBackend) FeeRate(ctx context.Context) (uint64, error) {
	var fees map[string]float64
	found, err := e.get(ctx, "/v1/fees/recommended", &fees)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("fee endpoint not available")
	}
	rate := uint64(fees["halfHourFee"])
	if rate == 0 {
		rate = uint64(fees["fastestFee"])
	}
	if rate == 0 {
		return 0, fmt.Errorf("no fee estimate available")
	}
	return rate, nil
}

func (e *EsploraBackend) Close() error {
	e.httpClient.CloseIdleConnections()
	return nil
}

// get performs a GET and decodes the JSON response. Returns found=false
// on 404 so callers can report a clean not-found observation.
func (e *EsploraBackend) get(ctx context.Context, path string, result interface{}) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", e.baseURL+path, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return false, nil
	case http.StatusTooManyRequests:
		return false, ErrRateLimited
	default:
		body, _ := io.ReadAll(resp.Body)
		return false, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return true, json.NewDecoder(resp.Body).Decode(result)
}

func decodeWitness(items []string) ([][]byte, error) {
	witness := make([][]byte, len(items))
	for i, item := range items {
		data, err := hex.DecodeString(item)
		if err != nil {
			return nil, err
		}
		witness[i] = data
	}
	return witness, nil
}

var _ Backend = (*EsploraBackend)(nil)
