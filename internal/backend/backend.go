// Package backend provides chain access for the verifier and sweeper:
// transaction lookup, claim detection, broadcasting, and fee rates. No
// private keys are handled here; all signing happens outside.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tidelock-exchange/tidelock/internal/chain"
	"github.com/tidelock-exchange/tidelock/internal/config"
	"github.com/tidelock-exchange/tidelock/internal/verify"
	"github.com/tidelock-exchange/tidelock/pkg/logging"
)

var (
	ErrTxNotFound      = errors.New("transaction not found")
	ErrBroadcastFailed = errors.New("broadcast failed")
	ErrRateLimited     = errors.New("rate limited")
)

// Backend reads and writes one chain. It covers the verify.ChainClient
// surface plus broadcast and fee estimation.
type Backend interface {
	verify.ChainClient

	// Broadcast submits a signed raw transaction and returns its txid.
	Broadcast(ctx context.Context, rawTx []byte) (string, error)

	// FeeRate returns the current fee rate in the chain's native fee
	// unit: sat/vB for utxo chains, wei per gas for contract chains.
	FeeRate(ctx context.Context) (uint64, error)

	Close() error
}

// Registry holds backends by chain symbol.
type Registry struct {
	backends map[string]Backend
	log      *logging.Logger
}

// NewRegistry builds backends for every configured chain endpoint,
// falling back to public endpoints for known chains.
func NewRegistry(cfg *config.Config, log *logging.Logger) (*Registry, error) {
	r := &Registry{
		backends: make(map[string]Backend),
		log:      log.Component("backend"),
	}

	endpoints := defaultEndpoints(cfg.Network)
	for symbol, ep := range cfg.Chains {
		if ep.RPCURL != "" {
			endpoints[strings.ToUpper(symbol)] = ep.RPCURL
		}
	}

	for symbol, url := range endpoints {
		params, ok := chain.Get(symbol, cfg.Network)
		if !ok {
			return nil, fmt.Errorf("configured chain %s is not supported on %s", symbol, cfg.Network)
		}

		switch params.Family {
		case chain.FamilyUtxoScript:
			r.backends[symbol] = NewEsploraBackend(url)
		case chain.FamilyAccountContract:
			backend, err := NewEVMBackend(url)
			if err != nil {
				return nil, fmt.Errorf("failed to connect %s backend: %w", symbol, err)
			}
			r.backends[symbol] = backend
		}
	}

	return r, nil
}

// defaultEndpoints returns public endpoints per chain symbol. DOGE has
// no public esplora-compatible indexer and needs an explicit endpoint.
func defaultEndpoints(network chain.Network) map[string]string {
	if network == chain.Testnet {
		return map[string]string{
			"BTC":     "https://mempool.space/testnet4/api",
			"LTC":     "https://litecoinspace.org/testnet/api",
			"ETH":     "https://ethereum-sepolia-rpc.publicnode.com",
			"BSC":     "https://data-seed-prebsc-1-s1.binance.org:8545",
			"POLYGON": "https://rpc-amoy.polygon.technology",
		}
	}
	return map[string]string{
		"BTC":     "https://mempool.space/api",
		"LTC":     "https://litecoinspace.org/api",
		"ETH":     "https://eth.llamarpc.com",
		"BSC":     "https://bsc-dataseed.binance.org",
		"POLYGON": "https://polygon-rpc.com",
	}
}

// Register adds or replaces a backend.
func (r *Registry) Register(symbol string, backend Backend) {
	r.backends[strings.ToUpper(symbol)] = backend
}

// Get returns a backend by symbol.
func (r *Registry) Get(symbol string) (Backend, bool) {
	b, ok := r.backends[strings.ToUpper(symbol)]
	return b, ok
}

// List returns all registered symbols.
func (r *Registry) List() []string {
	symbols := make([]string, 0, len(r.backends))
	for s := range r.backends {
		symbols = append(symbols, s)
	}
	return symbols
}

// Clients returns the registry as verifier chain clients.
func (r *Registry) Clients() map[string]verify.ChainClient {
	out := make(map[string]verify.ChainClient, len(r.backends))
	for symbol, b := range r.backends {
		out[symbol] = b
	}
	return out
}

// CloseAll closes every backend.
func (r *Registry) CloseAll() {
	for symbol, b := range r.backends {
		if err := b.Close(); err != nil {
			r.log.Warn("failed to close backend", "chain", symbol, "error", err)
		}
	}
}

// Broadcast routes a raw transaction to the chain's backend.
func (r *Registry) Broadcast(ctx context.Context, chainSymbol string, rawTx []byte) (string, error) {
	b, ok := r.Get(chainSymbol)
	if !ok {
		return "", fmt.Errorf("no backend for chain %s", chainSymbol)
	}
	return b.Broadcast(ctx, rawTx)
}

// FeeRate routes a fee rate query to the chain's backend.
func (r *Registry) FeeRate(ctx context.Context, chainSymbol string) (uint64, error) {
	b, ok := r.Get(chainSymbol)
	if !ok {
		return 0, fmt.Errorf("no backend for chain %s", chainSymbol)
	}
	return b.FeeRate(ctx)
}
