// Package config loads the swapwatchd configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/klingon-exchange/swapwatch/internal/adapter"
	"github.com/klingon-exchange/swapwatch/internal/backend"
	"github.com/klingon-exchange/swapwatch/pkg/logging"
)

// NetworkType represents the network (mainnet or testnet).
type NetworkType string

const (
	NetworkMainnet NetworkType = "mainnet"
	NetworkTestnet NetworkType = "testnet"
)

// Config holds all configuration for the watcher daemon.
type Config struct {
	// NetworkType selects the UTXO chain params used for address validation.
	NetworkType NetworkType `yaml:"network_type"`

	Logging LoggingConfig `yaml:"logging"`

	Watch WatchConfig `yaml:"watch"`

	// Backends holds the per-asset endpoint settings. Assets not listed
	// fall back to DefaultBackends.
	Backends map[adapter.Asset]*BackendConfig `yaml:"backends,omitempty"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// Format is the output format (text, json, logfmt).
	Format string `yaml:"format,omitempty"`

	// TimeFormat is the Go time layout for log timestamps.
	TimeFormat string `yaml:"time_format,omitempty"`
}

// WatchConfig holds the adapter intervals.
type WatchConfig struct {
	HistoryInterval time.Duration `yaml:"history_interval"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	ResendInterval  time.Duration `yaml:"resend_interval"`
}

// BackendConfig describes how to reach one asset's chain or service.
type BackendConfig struct {
	// Type is the UTXO explorer flavour (mempool or esplora).
	Type backend.Type `yaml:"type,omitempty"`

	// URL is the REST base URL for explorers and custodial services.
	URL string `yaml:"url,omitempty"`

	// WSURL enables push notifications on mempool backends.
	WSURL string `yaml:"ws_url,omitempty"`

	// ConfirmedDepth overrides backend.DefaultConfirmedDepth.
	ConfirmedDepth int64 `yaml:"confirmed_depth,omitempty"`

	// RPCURL is the JSON-RPC or WebSocket endpoint of an EVM node.
	RPCURL string `yaml:"rpc_url,omitempty"`

	// Contract is the HTLC contract address on EVM chains.
	Contract string `yaml:"contract,omitempty"`

	StartBlock uint64  `yaml:"start_block,omitempty"`
	EndBlock   *uint64 `yaml:"end_block,omitempty"`
}

// IsTestnet returns true if running on testnet.
func (c *Config) IsTestnet() bool {
	return c.NetworkType == NetworkTestnet
}

// ChainParams returns the UTXO chain parameters for the configured network.
func (c *Config) ChainParams() *chaincfg.Params {
	if c.IsTestnet() {
		return &chaincfg.TestNet3Params
	}
	return &chaincfg.MainNetParams
}

// GetBackendConfig returns the backend config for an asset.
// Returns the network default if not explicitly configured.
func (c *Config) GetBackendConfig(asset adapter.Asset) *BackendConfig {
	if c.Backends != nil {
		if cfg, ok := c.Backends[asset]; ok {
			return cfg
		}
	}
	return DefaultBackends(c.NetworkType)[asset]
}

// LoggerConfig converts the logging section into a logging.Config.
func (c *Config) LoggerConfig() *logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = c.Logging.Level
	cfg.Format = c.Logging.Format
	if c.Logging.TimeFormat != "" {
		cfg.TimeFormat = c.Logging.TimeFormat
	}
	return cfg
}

// ContractAddress parses the configured HTLC contract address.
func (b *BackendConfig) ContractAddress() (common.Address, error) {
	if !common.IsHexAddress(b.Contract) {
		return common.Address{}, fmt.Errorf("invalid contract address %q", b.Contract)
	}
	return common.HexToAddress(b.Contract), nil
}

// AdapterOptions returns the adapter options for asset derived from the
// watch settings, the network and the asset's backend config.
func (c *Config) AdapterOptions(asset adapter.Asset, logger *logging.Logger) []adapter.Option {
	opts := []adapter.Option{
		adapter.WithHistoryInterval(c.Watch.HistoryInterval),
		adapter.WithPollInterval(c.Watch.PollInterval),
		adapter.WithResendInterval(c.Watch.ResendInterval),
	}
	if logger != nil {
		opts = append(opts, adapter.WithLogger(logger))
	}
	switch asset.Family() {
	case adapter.FamilyUTXO:
		opts = append(opts, adapter.WithChainParams(c.ChainParams()))
	case adapter.FamilyContract:
		if b := c.GetBackendConfig(asset); b != nil {
			opts = append(opts, adapter.WithBlockRange(b.StartBlock, b.EndBlock))
		}
	}
	return opts
}

// Validate checks the network type, the log level and every backend entry.
func (c *Config) Validate() error {
	switch c.NetworkType {
	case NetworkMainnet, NetworkTestnet:
	default:
		return fmt.Errorf("invalid network type %q", c.NetworkType)
	}
	if _, err := logging.LookupLevel(c.Logging.Level); err != nil {
		return err
	}
	if err := logging.ValidateFormat(c.Logging.Format); err != nil {
		return err
	}
	for asset, b := range c.Backends {
		if !asset.Valid() {
			return fmt.Errorf("backend for unknown asset %q", asset)
		}
		if b == nil {
			return fmt.Errorf("%s: empty backend config", asset)
		}
		switch asset.Family() {
		case adapter.FamilyUTXO:
			if b.Type != backend.TypeMempool && b.Type != backend.TypeEsplora {
				return fmt.Errorf("%s: invalid backend type %q", asset, b.Type)
			}
			if b.URL == "" {
				return fmt.Errorf("%s: url is required", asset)
			}
		case adapter.FamilyContract:
			if b.RPCURL == "" {
				return fmt.Errorf("%s: rpc_url is required", asset)
			}
			if _, err := b.ContractAddress(); err != nil {
				return fmt.Errorf("%s: %w", asset, err)
			}
			if b.EndBlock != nil && *b.EndBlock < b.StartBlock {
				return fmt.Errorf("%s: end_block before start_block", asset)
			}
		case adapter.FamilyCustodial:
			if b.URL == "" {
				return fmt.Errorf("%s: url is required", asset)
			}
		}
	}
	return nil
}

// DefaultBackends returns the public explorer endpoints for a network.
// EVM and custodial assets have no public default and must be configured.
func DefaultBackends(network NetworkType) map[adapter.Asset]*BackendConfig {
	if network == NetworkTestnet {
		return map[adapter.Asset]*BackendConfig{
			adapter.AssetBTC: {
				Type:  backend.TypeMempool,
				URL:   "https://mempool.space/testnet/api",
				WSURL: "wss://mempool.space/testnet/api/v1/ws",
			},
		}
	}
	return map[adapter.Asset]*BackendConfig{
		adapter.AssetBTC: {
			Type:  backend.TypeMempool,
			URL:   "https://mempool.space/api",
			WSURL: "wss://mempool.space/api/v1/ws",
		},
	}
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		NetworkType: NetworkMainnet,
		Logging: LoggingConfig{
			Level: "info",
		},
		Watch: WatchConfig{
			HistoryInterval: adapter.DefaultHistoryInterval,
			PollInterval:    adapter.DefaultPollInterval,
			ResendInterval:  adapter.DefaultResendInterval,
		},
	}
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// LoadConfig loads configuration from the data directory.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string) (*Config, error) {
	configPath := ConfigPath(dataDir)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
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

	header := []byte("# swapwatchd configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
