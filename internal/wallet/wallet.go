// Package wallet holds the daemon's HD keys and signs claim and refund
// transactions. Keys derive from a BIP39 mnemonic along the BIP44 path
// m/44'/coin'/0'/0/0, one identity per chain.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"

	"github.com/tidelock-exchange/tidelock/internal/chain"
	"github.com/tidelock-exchange/tidelock/pkg/logging"
)

// MnemonicFileName is the seed file inside the data directory.
const MnemonicFileName = "wallet.seed"

const bip44Purpose = 44

var ErrUnsupportedChain = errors.New("unsupported chain")

// Wallet derives per-chain signing keys from one BIP39 seed.
type Wallet struct {
	masterKey *hdkeychain.ExtendedKey
	network   chain.Network
	readers   Readers
	log       *logging.Logger

	mu   sync.Mutex
	keys map[uint32]*btcec.PrivateKey
}

// Readers gives the signer read access to the chains it spends on.
type Readers struct {
	// Utxo locates lock outpoints per utxo chain symbol.
	Utxo map[string]UtxoReader

	// Account reads account state per contract chain symbol.
	Account map[string]AccountReader
}

// UtxoReader locates the lock output of a funding transaction.
type UtxoReader interface {
	LockOutpoint(ctx context.Context, txid, address string) (vout uint32, value uint64, err error)
}

// AccountReader reads account chain state needed for transaction
// construction.
type AccountReader interface {
	PendingNonce(ctx context.Context, address string) (uint64, error)
}

// GenerateMnemonic creates a new 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	return bip39.NewMnemonic(entropy)
}

// NewFromMnemonic creates a wallet from a BIP39 mnemonic.
func NewFromMnemonic(mnemonic string, network chain.Network, readers Readers, log *logging.Logger) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, "")

	params := &chaincfg.MainNetParams
	if network == chain.Testnet {
		params = &chaincfg.TestNet3Params
	}
	masterKey, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	return &Wallet{
		masterKey: masterKey,
		network:   network,
		readers:   readers,
		log:       log.Component("wallet"),
		keys:      make(map[uint32]*btcec.PrivateKey),
	}, nil
}

// Load opens the wallet stored in dataDir, creating a fresh mnemonic on
// first run. The seed file holds the mnemonic sealed under passphrase;
// it is never written in plaintext.
func Load(dataDir, passphrase string, network chain.Network, readers Readers, log *logging.Logger) (*Wallet, error) {
	seedPath := filepath.Join(dataDir, MnemonicFileName)

	sealed, err := ReadSealedSeed(seedPath)
	if os.IsNotExist(err) {
		mnemonic, genErr := GenerateMnemonic()
		if genErr != nil {
			return nil, genErr
		}
		sealed, genErr = SealMnemonic(mnemonic, passphrase)
		if genErr != nil {
			return nil, genErr
		}
		if writeErr := sealed.WriteFile(seedPath); writeErr != nil {
			return nil, writeErr
		}
		log.Info("generated new wallet seed", "path", seedPath)
		return NewFromMnemonic(mnemonic, network, readers, log)
	}
	if err != nil {
		return nil, err
	}

	mnemonic, err := sealed.Open(passphrase)
	if err != nil {
		return nil, err
	}
	return NewFromMnemonic(strings.TrimSpace(mnemonic), network, readers, log)
}

// Network returns the wallet's network.
func (w *Wallet) Network() chain.Network {
	return w.network
}

// privateKey derives (and caches) the chain's signing key at
// m/44'/coin'/0'/0/0.
func (w *Wallet) privateKey(symbol string) (*btcec.PrivateKey, error) {
	params, ok := chain.Get(symbol, w.network)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChain, symbol)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if key, ok := w.keys[params.CoinType]; ok {
		return key, nil
	}

	key := w.masterKey
	for _, step := range []uint32{
		hdkeychain.HardenedKeyStart + bip44Purpose,
		hdkeychain.HardenedKeyStart + params.CoinType,
		hdkeychain.HardenedKeyStart, // account 0'
		0,                           // external
		0,                           // index 0
	} {
		var err error
		key, err = key.Derive(step)
		if err != nil {
			return nil, fmt.Errorf("failed to derive key for %s: %w", symbol, err)
		}
	}

	privKey, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to extract private key: %w", err)
	}
	w.keys[params.CoinType] = privKey
	return privKey, nil
}

// PublicKey returns the wallet's lock identity for a chain: the
// compressed public key on utxo chains, the 20-byte account address on
// contract chains. This is what goes into lock parameters.
func (w *Wallet) PublicKey(symbol string) ([]byte, error) {
	params, ok := chain.Get(symbol, w.network)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChain, symbol)
	}
	privKey, err := w.privateKey(symbol)
	if err != nil {
		return nil, err
	}

	switch params.Family {
	case chain.FamilyUtxoScript:
		return privKey.PubKey().SerializeCompressed(), nil
	case chain.FamilyAccountContract:
		addr := crypto.PubkeyToAddress(privKey.ToECDSA().PublicKey)
		return addr.Bytes(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedChain, symbol)
}

// Address returns the wallet's receive address on a chain: P2WPKH on
// segwit chains, legacy P2PKH where segwit is unavailable, the account
// address on contract chains.
func (w *Wallet) Address(symbol string) (string, error) {
	params, ok := chain.Get(symbol, w.network)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedChain, symbol)
	}
	privKey, err := w.privateKey(symbol)
	if err != nil {
		return "", err
	}

	switch params.Family {
	case chain.FamilyAccountContract:
		return crypto.PubkeyToAddress(privKey.ToECDSA().PublicKey).Hex(), nil
	case chain.FamilyUtxoScript:
		pubKeyHash := btcutil.Hash160(privKey.PubKey().SerializeCompressed())
		chainParams := params.ChaincfgParams()
		if params.Bech32HRP == "" {
			addr, err := btcutil.NewAddressPubKeyHash(pubKeyHash, chainParams)
			if err != nil {
				return "", err
			}
			return addr.EncodeAddress(), nil
		}
		addr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, chainParams)
		if err != nil {
			return "", err
		}
		return addr.EncodeAddress(), nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedChain, symbol)
}
