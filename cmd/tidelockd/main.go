// Package main provides the tidelockd daemon - the swap settlement engine.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tidelock-exchange/tidelock/internal/backend"
	"github.com/tidelock-exchange/tidelock/internal/chain"
	"github.com/tidelock-exchange/tidelock/internal/config"
	"github.com/tidelock-exchange/tidelock/internal/storage"
	"github.com/tidelock-exchange/tidelock/internal/swap"
	"github.com/tidelock-exchange/tidelock/internal/sweep"
	"github.com/tidelock-exchange/tidelock/internal/verify"
	"github.com/tidelock-exchange/tidelock/internal/wallet"
	"github.com/tidelock-exchange/tidelock/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.tidelock", "Data directory")
		testnet     = flag.Bool("testnet", false, "Run on testnet (separate network and data)")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      *logLevel,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("tidelockd %s (commit: %s)", version, commit)
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
	cfg.Storage.DataDir = effectiveDataDir
	if *testnet {
		cfg.Network = chain.Testnet
	}
	if cfg.Logging.Level != "" && *logLevel == "info" {
		log = logging.New(&logging.Config{
			Level:      cfg.Logging.Level,
			TimeFormat: time.TimeOnly,
		})
		logging.SetDefault(log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dataPath := cfg.ExpandedDataDir()
	store, err := storage.New(&storage.Config{DataDir: dataPath})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", dataPath)

	registry, err := backend.NewRegistry(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize chain backends", "error", err)
	}
	defer registry.CloseAll()
	log.Info("Chain backends initialized", "network", cfg.Network, "chains", registry.List())

	verifier := verify.New(registry.Clients(), cfg.Verify, log)

	// The passphrase comes from the environment so it never lands in
	// argv or the config file.
	passphrase := os.Getenv("TIDELOCK_WALLET_PASSPHRASE")
	if passphrase == "" {
		log.Fatal("TIDELOCK_WALLET_PASSPHRASE is not set; the wallet seed is sealed under it")
	}

	w, err := wallet.Load(dataPath, passphrase, cfg.Network, walletReaders(registry), log)
	if err != nil {
		log.Fatal("Failed to open wallet", "error", err)
	}
	log.Info("Wallet opened", "network", w.Network())

	orch := swap.NewOrchestrator(&swap.OrchestratorConfig{
		Store:       store,
		Verifier:    verifier,
		Signer:      w,
		Broadcaster: registry,
		FeeOracle:   registry,
		Config:      cfg,
	})
	defer orch.Close()

	orch.OnEvent(func(event swap.Event) {
		log.Info("swap event", "id", event.SwapID, "type", event.Type, "state", event.State)
	})

	recovered, err := orch.Recover(ctx)
	if err != nil {
		log.Fatal("Failed to recover active swaps", "error", err)
	}
	log.Info("Active swaps recovered", "count", recovered)

	orch.StartTimeoutMonitor(cfg.Sweep.PollInterval)

	sweeper := sweep.New(&sweep.Config{
		Orchestrator: orch,
		Store:        store,
		Verifier:     verifier,
		Signer:       w,
		Broadcaster:  registry,
		Policy:       cfg.Sweep,
	})
	sweeper.Start()
	defer sweeper.Close()

	log.Infof("tidelockd %s running on %s", version, cfg.Network)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down...")
	cancel()
}

// walletReaders exposes the chain backends to the wallet's transaction
// builder, split by family.
func walletReaders(registry *backend.Registry) wallet.Readers {
	readers := wallet.Readers{
		Utxo:    make(map[string]wallet.UtxoReader),
		Account: make(map[string]wallet.AccountReader),
	}
	for _, symbol := range registry.List() {
		b, _ := registry.Get(symbol)
		if r, ok := b.(wallet.UtxoReader); ok {
			readers.Utxo[symbol] = r
		}
		if r, ok := b.(wallet.AccountReader); ok {
			readers.Account[symbol] = r
		}
	}
	return readers
}
