// Package config provides centralized configuration for the tidelock daemon.
// ALL swap parameters (timelocks, confirmations, fees, sweep retries) MUST be
// defined here. No hardcoded values should exist elsewhere in the codebase.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tidelock-exchange/tidelock/internal/chain"
)

// =============================================================================
// Timelock Policy
// =============================================================================

// TimelockPolicy holds the timing parameters that keep a swap safe.
// The initiator's timelock must always exceed the counterparty's so the
// counterparty can claim (revealing the secret) before the initiator can
// refund.
type TimelockPolicy struct {
	// CounterpartyLockDuration is how long the counterparty's funds are
	// locked, expressed as wall time and converted per chain into blocks
	// or a timestamp.
	CounterpartyLockDuration time.Duration `yaml:"counterparty_lock_duration"`

	// InitiatorMarginBPS is the extra margin applied to the counterparty
	// lock duration to derive the initiator's, in basis points
	// (5000 = +50%). Must be positive.
	InitiatorMarginBPS uint32 `yaml:"initiator_margin_bps"`

	// MaxSwapDuration is the maximum time a swap may remain active before
	// the refund path is forced.
	MaxSwapDuration time.Duration `yaml:"max_swap_duration"`
}

// DefaultTimelockPolicy returns the default timelock policy.
func DefaultTimelockPolicy() TimelockPolicy {
	return TimelockPolicy{
		CounterpartyLockDuration: 24 * time.Hour,
		InitiatorMarginBPS:       5000, // initiator locks 50% longer
		MaxSwapDuration:          72 * time.Hour,
	}
}

// Validate checks the policy for unsafe values.
func (p TimelockPolicy) Validate() error {
	if p.InitiatorMarginBPS == 0 {
		return fmt.Errorf("initiator margin must be positive, got %d bps", p.InitiatorMarginBPS)
	}
	if p.CounterpartyLockDuration <= 0 {
		return fmt.Errorf("counterparty lock duration must be positive, got %s", p.CounterpartyLockDuration)
	}
	return nil
}

// InitiatorLockDuration derives the initiator's lock duration by applying
// the configured margin to the counterparty's.
func (p TimelockPolicy) InitiatorLockDuration() time.Duration {
	margin := time.Duration(uint64(p.CounterpartyLockDuration) * uint64(p.InitiatorMarginBPS) / 10000)
	return p.CounterpartyLockDuration + margin
}

// =============================================================================
// Chain Confirmation Policy
// =============================================================================

// ChainPolicy holds chain-specific safety parameters.
// Timeouts are specified in blocks, not time, for precision on chains where
// the lock is enforced by block height.
type ChainPolicy struct {
	// MinConfirmations is the minimum confirmations required before a
	// funding or settlement transaction counts as final. Protects against
	// reorg attacks.
	MinConfirmations uint32 `yaml:"min_confirmations"`

	// SafetyMarginBlocks is the number of blocks before a timelock expiry
	// at which new claim attempts stop. Prevents the race where both the
	// claim and the refund path are spendable.
	SafetyMarginBlocks uint32 `yaml:"safety_margin_blocks"`
}

// ChainPolicies defines the mainnet per-chain safety parameters.
// SECURITY: these values are critical for swap safety.
var ChainPolicies = map[string]ChainPolicy{
	"BTC":     {MinConfirmations: 3, SafetyMarginBlocks: 6},
	"LTC":     {MinConfirmations: 6, SafetyMarginBlocks: 24},
	"DOGE":    {MinConfirmations: 6, SafetyMarginBlocks: 60},
	"ETH":     {MinConfirmations: 12, SafetyMarginBlocks: 300},
	"BSC":     {MinConfirmations: 15, SafetyMarginBlocks: 1200},
	"POLYGON": {MinConfirmations: 128, SafetyMarginBlocks: 1800},
}

// TestnetChainPolicies uses lower values for faster testing but must still
// leave room for the full fund -> confirm -> claim flow.
var TestnetChainPolicies = map[string]ChainPolicy{
	"BTC":     {MinConfirmations: 1, SafetyMarginBlocks: 6},
	"LTC":     {MinConfirmations: 1, SafetyMarginBlocks: 24},
	"DOGE":    {MinConfirmations: 1, SafetyMarginBlocks: 60},
	"ETH":     {MinConfirmations: 2, SafetyMarginBlocks: 300},
	"BSC":     {MinConfirmations: 3, SafetyMarginBlocks: 1200},
	"POLYGON": {MinConfirmations: 5, SafetyMarginBlocks: 1800},
}

// GetChainPolicy returns the safety parameters for a chain.
func GetChainPolicy(symbol string, network chain.Network) (ChainPolicy, bool) {
	if network == chain.Testnet {
		cfg, ok := TestnetChainPolicies[strings.ToUpper(symbol)]
		return cfg, ok
	}
	cfg, ok := ChainPolicies[strings.ToUpper(symbol)]
	return cfg, ok
}

// IsSafeToClaim reports whether a claim may still be attempted given the
// current height and the timelock expiry height.
func (c ChainPolicy) IsSafeToClaim(currentHeight, expiryHeight uint64) bool {
	if currentHeight >= expiryHeight {
		return false
	}
	return expiryHeight-currentHeight > uint64(c.SafetyMarginBlocks)
}

// =============================================================================
// Fee Policy
// =============================================================================

// FeePolicy holds fee estimation bounds for settlement transactions.
type FeePolicy struct {
	// BufferBPS is the safety buffer applied on top of the estimated fee,
	// in basis points (1000 = +10%).
	BufferBPS uint32 `yaml:"buffer_bps"`

	// MinFee is the floor for a computed fee, in the chain's smallest unit.
	MinFee uint64 `yaml:"min_fee"`

	// MaxFee is the ceiling for a computed fee, in the chain's smallest unit.
	MaxFee uint64 `yaml:"max_fee"`
}

// DefaultFeePolicies contains per-chain fee bounds. UTXO chains express fees
// in satoshis, account chains in wei.
var DefaultFeePolicies = map[string]FeePolicy{
	"BTC":     {BufferBPS: 1000, MinFee: 1000, MaxFee: 500000},
	"LTC":     {BufferBPS: 1000, MinFee: 1000, MaxFee: 1000000},
	"DOGE":    {BufferBPS: 1000, MinFee: 100000000, MaxFee: 100000000000},
	"ETH":     {BufferBPS: 1500, MinFee: 21000000000000, MaxFee: 50000000000000000},
	"BSC":     {BufferBPS: 1500, MinFee: 21000000000, MaxFee: 10000000000000000},
	"POLYGON": {BufferBPS: 2000, MinFee: 21000000000000, MaxFee: 10000000000000000},
}

// GetFeePolicy returns the fee bounds for a chain.
func GetFeePolicy(symbol string) (FeePolicy, bool) {
	cfg, ok := DefaultFeePolicies[strings.ToUpper(symbol)]
	return cfg, ok
}

// =============================================================================
// Sweep Policy
// =============================================================================

// SweepPolicy controls refund sweep retries after a timelock expires.
type SweepPolicy struct {
	// MaxAttempts is the number of broadcast attempts before the swap is
	// marked failed.
	MaxAttempts uint32 `yaml:"max_attempts"`

	// EscalationBPS is the per-attempt fee rate increase in basis points
	// (2500 = +25% per retry).
	EscalationBPS uint32 `yaml:"escalation_bps"`

	// AttemptInterval is the minimum spacing between attempts for one swap.
	AttemptInterval time.Duration `yaml:"attempt_interval"`

	// PollInterval is how often the sweeper scans for expired timelocks.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DefaultSweepPolicy returns the default sweep retry policy.
func DefaultSweepPolicy() SweepPolicy {
	return SweepPolicy{
		MaxAttempts:     5,
		EscalationBPS:   2500,
		AttemptInterval: 10 * time.Minute,
		PollInterval:    30 * time.Second,
	}
}

// Validate checks the sweep policy for unusable values.
func (p SweepPolicy) Validate() error {
	if p.MaxAttempts == 0 {
		return fmt.Errorf("sweep max attempts must be positive")
	}
	if p.AttemptInterval <= 0 {
		return fmt.Errorf("sweep attempt interval must be positive, got %s", p.AttemptInterval)
	}
	return nil
}

// =============================================================================
// Verification Policy
// =============================================================================

// VerifyPolicy controls on-chain verification polling.
type VerifyPolicy struct {
	// PollInterval is the base interval between verification polls.
	PollInterval time.Duration `yaml:"poll_interval"`

	// MaxPollInterval caps the backoff between polls.
	MaxPollInterval time.Duration `yaml:"max_poll_interval"`
}

// DefaultVerifyPolicy returns the default verification polling policy.
func DefaultVerifyPolicy() VerifyPolicy {
	return VerifyPolicy{
		PollInterval:    15 * time.Second,
		MaxPollInterval: 2 * time.Minute,
	}
}

// =============================================================================
// Daemon Configuration
// =============================================================================

// ChainEndpoint holds the RPC connection details for one chain.
type ChainEndpoint struct {
	RPCURL string `yaml:"rpc_url"`
}

// StorageConfig holds storage-related configuration.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Config is the root daemon configuration, loaded from YAML.
type Config struct {
	Network  chain.Network            `yaml:"network"`
	Chains   map[string]ChainEndpoint `yaml:"chains"`
	Timelock TimelockPolicy           `yaml:"timelock"`
	Sweep    SweepPolicy              `yaml:"sweep"`
	Verify   VerifyPolicy             `yaml:"verify"`
	Storage  StorageConfig            `yaml:"storage"`
	Logging  LoggingConfig            `yaml:"logging"`
}

// DefaultConfig returns the default daemon configuration.
func DefaultConfig() *Config {
	return &Config{
		Network:  chain.Mainnet,
		Chains:   map[string]ChainEndpoint{},
		Timelock: DefaultTimelockPolicy(),
		Sweep:    DefaultSweepPolicy(),
		Verify:   DefaultVerifyPolicy(),
		Storage: StorageConfig{
			DataDir: "~/.tidelock",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
	}
}

// Validate checks the whole configuration for unsafe values.
func (c *Config) Validate() error {
	if err := c.Timelock.Validate(); err != nil {
		return fmt.Errorf("timelock policy: %w", err)
	}
	if err := c.Sweep.Validate(); err != nil {
		return fmt.Errorf("sweep policy: %w", err)
	}
	for symbol := range c.Chains {
		if !chain.IsSupported(strings.ToUpper(symbol)) {
			return fmt.Errorf("unsupported chain %q in endpoint config", symbol)
		}
	}
	return nil
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// LoadConfig loads configuration from a YAML file in dataDir.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string) (*Config, error) {
	expandedDir := expandPath(dataDir)
	configPath := filepath.Join(expandedDir, ConfigFileName)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}

		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ExpandedDataDir returns the storage data dir with ~ expanded.
func (c *Config) ExpandedDataDir() string {
	return expandPath(c.Storage.DataDir)
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
