// Package chain defines the supported chains and their parameters.
// Chains are grouped into families: the orchestration engine never branches
// on a chain symbol, only on the family, so adding a chain of an existing
// family is a change local to this package.
package chain

import "github.com/btcsuite/btcd/chaincfg"

// Network represents mainnet or testnet.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// Family represents the ledger model of a chain. It is a closed set:
// every component that dispatches on it must handle both members.
type Family string

const (
	// FamilyUtxoScript covers unspent-output chains locked by scripts
	// (Bitcoin and its forks).
	FamilyUtxoScript Family = "utxo_script"

	// FamilyAccountContract covers account-based chains locked by
	// contracts (Ethereum and other EVM chains).
	FamilyAccountContract Family = "account_contract"
)

// Params contains all parameters for a chain.
type Params struct {
	// Identity
	Symbol   string
	Name     string
	Family   Family
	Decimals uint8

	// UTXO-family address encoding.
	PubKeyHashAddrID byte
	ScriptHashAddrID byte
	Bech32HRP        string

	// Account-family identity.
	ChainID uint64

	// CoinType is the BIP44 coin type for key derivation.
	CoinType uint32

	// AvgBlockSeconds is the average block interval, used to convert
	// between durations and block counts for timelocks.
	AvgBlockSeconds uint32
}

// ChaincfgParams returns btcd chaincfg params for address encoding on
// UTXO-family chains. Returns nil for account-family chains.
func (p *Params) ChaincfgParams() *chaincfg.Params {
	if p.Family != FamilyUtxoScript {
		return nil
	}
	return &chaincfg.Params{
		Name:             p.Name,
		PubKeyHashAddrID: p.PubKeyHashAddrID,
		ScriptHashAddrID: p.ScriptHashAddrID,
		Bech32HRPSegwit:  p.Bech32HRP,
	}
}

// BlocksForDuration converts a duration in seconds into a block count,
// rounding up so a timelock never lands short of the requested window.
func (p *Params) BlocksForDuration(seconds uint64) uint32 {
	if p.AvgBlockSeconds == 0 {
		return 0
	}
	blocks := (seconds + uint64(p.AvgBlockSeconds) - 1) / uint64(p.AvgBlockSeconds)
	return uint32(blocks)
}

// registry holds chain params indexed by symbol and network.
var registry = make(map[string]map[Network]*Params)

// Register adds chain params to the registry.
func Register(symbol string, network Network, params *Params) {
	if registry[symbol] == nil {
		registry[symbol] = make(map[Network]*Params)
	}
	registry[symbol][network] = params
}

// Get returns chain params for a symbol and network.
func Get(symbol string, network Network) (*Params, bool) {
	nets, ok := registry[symbol]
	if !ok {
		return nil, false
	}
	params, ok := nets[network]
	return params, ok
}

// List returns all registered chain symbols.
func List() []string {
	symbols := make([]string, 0, len(registry))
	for symbol := range registry {
		symbols = append(symbols, symbol)
	}
	return symbols
}

// ListByFamily returns all chains belonging to a family.
func ListByFamily(family Family) []string {
	var symbols []string
	for symbol, nets := range registry {
		for _, params := range nets {
			if params.Family == family {
				symbols = append(symbols, symbol)
				break
			}
		}
	}
	return symbols
}

// IsSupported returns true if the chain is registered.
func IsSupported(symbol string) bool {
	_, ok := registry[symbol]
	return ok
}

// GetByChainID returns params for an account-family chain ID.
func GetByChainID(chainID uint64, network Network) (*Params, bool) {
	for _, nets := range registry {
		if params, ok := nets[network]; ok {
			if params.Family == FamilyAccountContract && params.ChainID == chainID {
				return params, true
			}
		}
	}
	return nil, false
}
