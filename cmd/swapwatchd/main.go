// Package main provides swapwatchd, which runs one step of an atomic swap
// against the configured chain backends and prints the result.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/klingon-exchange/swapwatch/internal/adapter"
	"github.com/klingon-exchange/swapwatch/internal/backend"
	"github.com/klingon-exchange/swapwatch/internal/backend/oasis"
	"github.com/klingon-exchange/swapwatch/internal/config"
	"github.com/klingon-exchange/swapwatch/internal/contracts/htlc"
	"github.com/klingon-exchange/swapwatch/internal/swap"
	"github.com/klingon-exchange/swapwatch/pkg/helpers"
	"github.com/klingon-exchange/swapwatch/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

var errInterrupted = errors.New("interrupted")

// Steps accepted by -step.
const (
	stepAwaitIncoming     = "await-incoming"
	stepCreateOutgoing    = "create-outgoing"
	stepAwaitOutgoing     = "await-outgoing"
	stepAwaitSecret       = "await-secret"
	stepSettleIncoming    = "settle-incoming"
	stepAwaitConfirmation = "await-incoming-confirmation"
)

func main() {
	var (
		dataDir       = flag.String("data-dir", "~/.swapwatch", "Data directory")
		testnet       = flag.Bool("testnet", false, "Use testnet chain parameters and backends")
		swapFile      = flag.String("swap", "", "Swap descriptor file (YAML)")
		step          = flag.String("step", "", "Step to run (await-incoming, create-outgoing, await-outgoing, await-secret, settle-incoming, await-incoming-confirmation)")
		confirmations = flag.Int64("confirmations", 0, "Confirmations required by await steps")
		rawTx         = flag.String("tx", "", "Serialized transaction or settlement token")
		proxyTx       = flag.String("proxy-tx", "", "Serialized proxy transaction for create-outgoing")
		secretHex     = flag.String("secret", "", "Hex secret for settle-incoming")
		tokens        = flag.String("tokens", "", "Settlement tokens (comma-separated key=value)")
		logLevel      = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion   = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: "info", TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("swapwatchd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	effectiveDataDir := *dataDir
	if *testnet {
		effectiveDataDir = filepath.Join(*dataDir, "testnet")
	}

	cfg, err := config.LoadConfig(effectiveDataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}
	if *testnet {
		cfg.NetworkType = config.NetworkTestnet
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	log = logging.New(cfg.LoggerConfig())
	logging.SetDefault(log)
	log.Info("Config loaded", "path", config.ConfigPath(effectiveDataDir), "network", cfg.NetworkType)

	if *swapFile == "" {
		log.Fatal("Missing -swap descriptor")
	}
	d, err := swap.LoadDescriptor(*swapFile)
	if err != nil {
		log.Fatal("Failed to load swap", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler, closeAll, err := buildHandler(ctx, cfg, d, log)
	if err != nil {
		log.Fatal("Failed to set up swap", "error", err)
	}
	defer closeAll()

	printBanner(log, cfg, d)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			log.Info("Shutting down...")
			handler.Stop(errInterrupted)
		case <-ctx.Done():
		}
	}()

	updates := make(chan *adapter.Transaction, 16)
	go func() {
		for tx := range updates {
			log.Info("Update", "asset", tx.Asset, "hash", tx.Hash, "state", tx.State,
				"confirmations", tx.Confirmations, "value", helpers.FormatAmount(tx.Value, tx.Asset.Decimals()))
		}
	}()

	var tx *adapter.Transaction
	switch *step {
	case stepAwaitIncoming:
		tx, err = handler.AwaitIncoming(ctx, *confirmations, updates)
	case stepCreateOutgoing:
		tx, err = handler.CreateOutgoing(ctx, *rawTx, updates, *proxyTx)
	case stepAwaitOutgoing:
		tx, err = handler.AwaitOutgoing(ctx, *confirmations, updates)
	case stepAwaitSecret:
		var secret []byte
		secret, err = handler.AwaitSecret(ctx)
		if err == nil {
			fmt.Println(helpers.BytesToHex(secret))
		}
	case stepSettleIncoming:
		var secret []byte
		secret, err = helpers.HexToBytes(*secretHex)
		if err != nil {
			log.Fatal("Invalid secret", "error", err)
		}
		tx, err = handler.SettleIncoming(ctx, *rawTx, secret, &adapter.SettleParams{Tokens: parseTokens(*tokens)})
	case stepAwaitConfirmation:
		tx, err = handler.AwaitIncomingConfirmation(ctx, updates)
	default:
		log.Fatal("Unknown step", "step", *step)
	}
	if err != nil {
		if errors.Is(err, errInterrupted) || errors.Is(err, adapter.ErrStopped) {
			log.Warn("Step interrupted", "step", *step)
			os.Exit(130)
		}
		log.Fatal("Step failed", "step", *step, "error", err)
	}

	if tx != nil {
		fmt.Printf("%s %s %s %s (%d confirmations)\n", tx.Asset, tx.Hash, tx.State,
			helpers.FormatAmount(tx.Value, tx.Asset.Decimals()), tx.Confirmations)
	}
}

// buildHandler connects a client per leg and wires them into a swap handler.
func buildHandler(ctx context.Context, cfg *config.Config, d *swap.Descriptor, log *logging.Logger) (*swap.Handler, func(), error) {
	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	legs := [2]adapter.Asset{d.From.Asset, d.To.Asset}
	var adapters [2]adapter.Adapter
	for i, asset := range legs {
		client, closer, err := clientFor(ctx, cfg, d, asset, log)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("%s: %w", asset, err)
		}
		if closer != nil {
			closers = append(closers, closer)
		}
		a, err := swap.NewAdapter(asset, client, cfg.AdapterOptions(asset, log)...)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("%s: %w", asset, err)
		}
		adapters[i] = a
	}

	h, err := swap.NewHandlerWithAdapters(d, adapters[0], adapters[1])
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return h, closeAll, nil
}

// clientFor returns the backend client for asset and an optional closer.
func clientFor(ctx context.Context, cfg *config.Config, d *swap.Descriptor, asset adapter.Asset, log *logging.Logger) (any, func(), error) {
	if asset.Family() == adapter.FamilyLedger {
		return nil, nil, fmt.Errorf("no %s client available: %w", asset.Family(), adapter.ErrUnsupportedAsset)
	}

	b := cfg.GetBackendConfig(asset)
	if b == nil {
		return nil, nil, errors.New("no backend configured")
	}

	switch asset.Family() {
	case adapter.FamilyUTXO:
		opts := []backend.MempoolOption{backend.WithBackendLogger(log)}
		if b.ConfirmedDepth > 0 {
			opts = append(opts, backend.WithConfirmedDepth(b.ConfirmedDepth))
		}
		if b.Type == backend.TypeEsplora {
			return backend.NewEsploraBackend(b.URL, opts...), nil, nil
		}
		if b.WSURL != "" {
			opts = append(opts, backend.WithWebSocket(b.WSURL))
		}
		return backend.NewMempoolBackend(b.URL, opts...), nil, nil

	case adapter.FamilyContract:
		addr, err := b.ContractAddress()
		if c, ok := d.Contracts[asset]; ok && c.ContractAddress != "" {
			if !common.IsHexAddress(c.ContractAddress) {
				return nil, nil, fmt.Errorf("invalid contract address %q", c.ContractAddress)
			}
			addr, err = common.HexToAddress(c.ContractAddress), nil
		}
		if err != nil {
			return nil, nil, err
		}
		client, err := htlc.Dial(ctx, b.RPCURL, addr, htlc.WithLogger(log))
		if err != nil {
			return nil, nil, err
		}
		return client, client.Close, nil

	case adapter.FamilyCustodial:
		return oasis.New(b.URL, oasis.WithLogger(log)), nil, nil
	}
	return nil, nil, adapter.ErrUnsupportedAsset
}

func parseTokens(s string) map[string]string {
	if s == "" {
		return nil
	}
	tokens := make(map[string]string)
	for _, kv := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(kv), "=")
		if ok && k != "" {
			tokens[k] = v
		}
	}
	return tokens
}

func printBanner(log *logging.Logger, cfg *config.Config, d *swap.Descriptor) {
	networkLabel := "mainnet"
	if cfg.IsTestnet() {
		networkLabel = "TESTNET"
	}

	log.Info("=================================================")
	log.Infof("  swapwatchd %s (%s)", version, networkLabel)
	log.Infof("  From: %s %s", helpers.FormatAmount(d.From.Amount, d.From.Asset.Decimals()), d.From.Asset)
	log.Infof("  To:   %s %s (+%s fee)", helpers.FormatAmount(d.To.Amount, d.To.Asset.Decimals()), d.To.Asset,
		helpers.FormatAmount(d.To.ServiceEscrowFee, d.To.Asset.Decimals()))
	log.Infof("  Hash: %s", d.Hash)
	log.Info("=================================================")
}
