// Command swapd runs the BCH/XMR atomic swap daemon: it resumes every
// ongoing trade from its journal, connects the chain oracles and the
// message relay, and drives trades to their terminal states.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Cyrix126/bch-xmr-swap/internal/chain"
	"github.com/Cyrix126/bch-xmr-swap/internal/config"
	"github.com/Cyrix126/bch-xmr-swap/internal/journal"
	"github.com/Cyrix126/bch-xmr-swap/internal/oracle"
	"github.com/Cyrix126/bch-xmr-swap/internal/storage"
	"github.com/Cyrix126/bch-xmr-swap/internal/swap"
	"github.com/Cyrix126/bch-xmr-swap/internal/transport"
	"github.com/Cyrix126/bch-xmr-swap/internal/wallet"
	"github.com/Cyrix126/bch-xmr-swap/internal/xmr"
	"github.com/Cyrix126/bch-xmr-swap/pkg/logging"
)

// Exit codes, stable for scripting.
const (
	exitOK                = 0
	exitProtocolViolation = 2
	exitOracleUnavailable = 3
	exitJournalCorruption = 4
	exitCancelled         = 5
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "config.yaml", "path to the yaml configuration")
		genWallet  = flag.Bool("generate-mnemonic", false, "print a fresh wallet mnemonic and exit")
	)
	flag.Parse()

	if *genWallet {
		mnemonic, err := wallet.GenerateMnemonic()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Println(mnemonic)
		return exitOK
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	log := logging.New(&logging.Config{Level: cfg.LogLevel})
	logging.SetDefault(log)

	w, err := wallet.NewFromFile(cfg.MnemonicFile, cfg.NetworkType())
	if err != nil {
		log.Error("Failed to load wallet", "err", err)
		return 1
	}

	dataDir := cfg.ExpandedDataDir()
	store, err := storage.New(dataDir)
	if err != nil {
		log.Error("Failed to open storage", "err", err)
		return 1
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bch := oracle.NewElectrumBch(cfg.Oracle.BchElectrum)
	if err := bch.Connect(ctx); err != nil {
		log.Error("BCH oracle unreachable", "err", err)
		return exitOracleUnavailable
	}
	defer bch.Close()

	mx := oracle.NewMoneroRPC(cfg.Oracle.XmrDaemonURL, cfg.Oracle.XmrWalletURL)
	if err := mx.Healthy(ctx); err != nil {
		log.Error("XMR oracle unreachable", "err", err)
		return exitOracleUnavailable
	}

	env := &swap.Env{
		Network: chain.Network(cfg.Network),
		Cfg:     cfg,
		Wallet:  w,
		Bch:     bch,
		Xmr:     mx,
		Sweeper: xmr.NewSweeper(mx, log.Component("sweeper")),
		Log:     log,
	}

	var relay *transport.Client
	if cfg.Relay.URL != "" {
		relay, err = transport.Dial(ctx, cfg.Relay.URL, log.Component("transport"))
		if err != nil {
			log.Error("Relay unreachable", "err", err)
			return exitOracleUnavailable
		}
		defer relay.Close()
	}

	send := func(data []byte) error {
		if relay == nil {
			return transport.ErrClosed
		}
		return relay.Send(data)
	}

	coord := swap.NewCoordinator(&swap.CoordinatorConfig{
		Env:         env,
		Store:       store,
		JournalRoot: dataDir,
		Send:        send,
	})
	defer coord.Stop()

	resumed, err := coord.Resume(ctx)
	if err != nil {
		if errors.Is(err, journal.ErrCorrupted) {
			log.Error("Journal corruption", "err", err)
			return exitJournalCorruption
		}
		log.Error("Resume failed", "err", err)
		return 1
	}
	log.Info("Daemon up", "network", cfg.Network, "resumed_trades", len(resumed))

	if relay == nil {
		// No relay configured: resumed trades still run their reactors,
		// but no new handshakes can arrive.
		<-ctx.Done()
		return exitOK
	}

	for {
		select {
		case <-ctx.Done():
			log.Info("Shutting down")
			return exitOK

		case data, ok := <-relay.Inbound():
			if !ok {
				log.Error("Relay connection closed")
				return exitOracleUnavailable
			}
			if err := coord.HandleMessage(ctx, data); err != nil {
				switch {
				case errors.Is(err, swap.ErrProtocolViolation):
					// Terminal for that trade, not for the daemon.
					log.Warn("Protocol violation", "err", err)
				case errors.Is(err, swap.ErrTradeNotFound):
					log.Debug("Message for unknown trade", "err", err)
				case errors.Is(err, journal.ErrCorrupted):
					log.Error("Journal corruption", "err", err)
					return exitJournalCorruption
				default:
					log.Error("Message handling failed", "err", err)
				}
			}
		}
	}
}
