package adapter

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/klingon-exchange/swapwatch/pkg/logging"
)

// Default intervals.
const (
	DefaultHistoryInterval = 60 * time.Second
	DefaultPollInterval    = 5 * time.Second
	DefaultResendInterval  = 60 * time.Second
)

// Config holds the tunables shared by all adapter implementations.
type Config struct {
	Logger          *logging.Logger
	HistoryInterval time.Duration
	PollInterval    time.Duration
	ResendInterval  time.Duration

	// ChainParams enables address validation on UTXO backends.
	ChainParams *chaincfg.Params

	// StartBlock and EndBlock bound contract log queries. A nil EndBlock
	// means the latest block.
	StartBlock uint64
	EndBlock   *uint64
}

// Option configures an adapter.
type Option func(*Config)

// NewConfig applies opts over the defaults. component names the logger.
func NewConfig(component string, opts ...Option) Config {
	cfg := Config{
		HistoryInterval: DefaultHistoryInterval,
		PollInterval:    DefaultPollInterval,
		ResendInterval:  DefaultResendInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetDefault()
	}
	cfg.Logger = cfg.Logger.Component(component)
	return cfg
}

// WithLogger sets the parent logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithHistoryInterval overrides the history reconciliation interval.
func WithHistoryInterval(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.HistoryInterval = d
		}
	}
}

// WithPollInterval overrides the custodial polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.PollInterval = d
		}
	}
}

// WithResendInterval overrides how often forwarded transactions are resent.
func WithResendInterval(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.ResendInterval = d
		}
	}
}

// WithChainParams sets the UTXO network used to validate addresses.
func WithChainParams(p *chaincfg.Params) Option {
	return func(c *Config) { c.ChainParams = p }
}

// WithBlockRange bounds contract log queries.
func WithBlockRange(start uint64, end *uint64) Option {
	return func(c *Config) {
		c.StartBlock = start
		c.EndBlock = end
	}
}
