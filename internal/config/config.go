// Package config loads the daemon configuration. Everything tunable -
// oracle endpoints, confirmation thresholds, timelocks, fees - lives in
// one yaml file; the rest of the codebase takes values from here rather
// than hardcoding them.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/Cyrix126/bch-xmr-swap/internal/chain"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
)

// OracleConfig holds the chain oracle endpoints.
type OracleConfig struct {
	// BchElectrum is the Electrum-Cash server, "host:port".
	BchElectrum string `yaml:"bch_electrum"`
	// XmrDaemonURL is the monerod JSON-RPC base URL.
	XmrDaemonURL string `yaml:"xmr_daemon_url"`
	// XmrWalletURL is the monero-wallet-rpc base URL.
	XmrWalletURL string `yaml:"xmr_wallet_rpc_url"`

	ConfirmationsBch int64  `yaml:"confirmations_bch"`
	ConfirmationsXmr uint64 `yaml:"confirmations_xmr"`

	// PollIntervalSec is the reactor polling cadence.
	PollIntervalSec int `yaml:"poll_interval_sec"`
	// HealthIntervalSec is the oracle health probe cadence.
	HealthIntervalSec int `yaml:"health_interval_sec"`
}

// TradeConfig holds the protocol parameters every new trade starts
// from.
type TradeConfig struct {
	T1Blocks      uint32 `yaml:"t1_blocks"`
	T2Blocks      uint32 `yaml:"t2_blocks"`
	MarginBlocks  uint32 `yaml:"margin_blocks"`
	FeePerByteSat int64  `yaml:"fee_per_byte_sat"`
	// MiningFeeSat is the fixed fee embedded in the covenant value
	// equation for the two covenant hops.
	MiningFeeSat int64 `yaml:"mining_fee_sat"`
	// HandshakeTimeoutSec bounds how long a trade may sit in the key
	// exchange before it returns to Init or aborts.
	HandshakeTimeoutSec int `yaml:"handshake_timeout_sec"`
}

// RelayConfig points at the message relay.
type RelayConfig struct {
	URL string `yaml:"url"`
}

// Config is the full daemon configuration.
type Config struct {
	Network  string `yaml:"network"`
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`
	// MnemonicFile holds the wallet mnemonic (and optional passphrase
	// on a second line).
	MnemonicFile string `yaml:"mnemonic_file"`

	Oracle OracleConfig `yaml:"oracle"`
	Trade  TradeConfig  `yaml:"trade"`
	Relay  RelayConfig  `yaml:"relay"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Network:  string(chain.Mainnet),
		DataDir:  "~/.bch-xmr-swap",
		LogLevel: "info",
		Oracle: OracleConfig{
			ConfirmationsBch:  2,
			ConfirmationsXmr:  10,
			PollIntervalSec:   15,
			HealthIntervalSec: 10,
		},
		Trade: TradeConfig{
			T1Blocks:            20,
			T2Blocks:            20,
			MarginBlocks:        2,
			FeePerByteSat:       1,
			MiningFeeSat:        1000,
			HandshakeTimeoutSec: 300,
		},
	}
}

// Load reads a yaml file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if !chain.Network(c.Network).Valid() {
		return fmt.Errorf("%w: unknown network %q", ErrInvalidConfig, c.Network)
	}
	if c.Trade.T1Blocks == 0 || c.Trade.T2Blocks == 0 {
		return fmt.Errorf("%w: timelocks must be nonzero", ErrInvalidConfig)
	}
	if c.Trade.T1Blocks > 0xffff || c.Trade.T2Blocks > 0xffff {
		return fmt.Errorf("%w: timelocks exceed the CSV maximum", ErrInvalidConfig)
	}
	if c.Trade.MarginBlocks >= c.Trade.T1Blocks {
		return fmt.Errorf("%w: margin %d swallows T1 %d", ErrInvalidConfig, c.Trade.MarginBlocks, c.Trade.T1Blocks)
	}
	if c.Trade.FeePerByteSat <= 0 || c.Trade.MiningFeeSat <= 0 {
		return fmt.Errorf("%w: fees must be positive", ErrInvalidConfig)
	}
	if c.Oracle.ConfirmationsBch <= 0 || c.Oracle.ConfirmationsXmr == 0 {
		return fmt.Errorf("%w: confirmation thresholds must be positive", ErrInvalidConfig)
	}
	return nil
}

// NetworkType returns the parsed network.
func (c *Config) NetworkType() chain.Network {
	return chain.Network(c.Network)
}

// ExpandedDataDir resolves a leading ~ in the data dir.
func (c *Config) ExpandedDataDir() string {
	return expandPath(c.DataDir)
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
