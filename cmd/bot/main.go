// Ordinals Bidder — an automated bidding agent for a Bitcoin ordinals
// marketplace.
//
// Architecture:
//
//	main.go                  — entry point: loads config, wires subsystems, waits for SIGINT/SIGTERM
//	engine/engine.go         — orchestrator: stream → event queue → workers, scheduled loops
//	engine/scheduler.go      — per-collection bidding cycles through the global pacer
//	engine/counterbid.go     — reacts to competitor offers, cancellations, and purchases
//	events/manager.go        — filtered, deduplicated, bounded priority work queue
//	marketplace/client.go    — REST client (offers, listings, floor, cancels) with shared limiter
//	marketplace/stream.go    — activity WebSocket with bounded-retry reconnect
//	pacer/pacer.go           — global sliding-window bid budget
//	wallet/pool.go           — per-wallet 60s bid windows, LRU rotation, group routing
//	history/store.go         — bid state with debounced atomic persistence
//	pricing/calculator.go    — offer bounds and safety gates in integer sats
//
// How it bids:
//
//	Each configured collection runs a scheduled loop that bids on the
//	cheapest listed tokens, paced by a global budget. The push stream
//	watches competitor activity; when someone outbids us on a token we
//	care about, a counter-bid goes out at their price plus a margin,
//	capped by per-collection price bounds so the agent can never bid
//	above what the configuration allows.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"ordinals-bidder/internal/api"
	"ordinals-bidder/internal/config"
	"ordinals-bidder/internal/engine"
	"ordinals-bidder/internal/events"
	"ordinals-bidder/internal/history"
	"ordinals-bidder/internal/lock"
	"ordinals-bidder/internal/marketplace"
	"ordinals-bidder/internal/pacer"
	"ordinals-bidder/internal/pidfile"
	"ordinals-bidder/internal/wallet"
	"ordinals-bidder/pkg/types"
)

const (
	collectionsPath = "config/collections.json"
	pidPath         = ".bot.pid"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}
	if cfg.LogJSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	collections, err := config.LoadCollections(collectionsPath, cfg)
	if err != nil {
		logger.Error("invalid collections config", "error", err)
		os.Exit(1)
	}

	groups, err := buildWalletGroups(cfg, collections)
	if err != nil {
		logger.Error("failed to build wallet pools", "error", err)
		os.Exit(1)
	}

	store, err := history.Open(filepath.Join(cfg.DataDir, "bidHistory.json"), logger)
	if err != nil {
		logger.Error("failed to open bid history", "error", err)
		os.Exit(1)
	}
	store.Cleanup(false)

	symbols := make([]string, 0, len(collections))
	for _, c := range collections {
		symbols = append(symbols, c.CollectionSymbol)
	}

	limiter := marketplace.NewRequestLimiter(cfg.RateLimit)
	client := marketplace.NewClient(cfg.BaseURL, cfg.APIKey, limiter, marketplace.NewTemplateSigner(), logger)

	queue := events.New(events.DefaultMaxQueueSize, symbols, groups.OwnsAddress, logger)
	stream := marketplace.NewStream(cfg.WSURL, symbols, queue.SubmitEvent, logger)

	pace := pacer.New(groups.Capacity())

	eng := engine.New(engine.Deps{
		Collections: collections,
		Market:      client,
		Groups:      groups,
		Pacer:       pace,
		Tokens:      lock.NewTokenLock(),
		Store:       store,
		Queue:       queue,
		Stream:      stream,
		Logger:      logger,
	})

	if err := pidfile.Write(pidPath, cfg.APIPort); err != nil {
		logger.Error("failed to write pid file", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := pidfile.Remove(pidPath); err != nil {
			logger.Error("failed to remove pid file", "error", err)
		}
	}()

	provider := &statusProvider{
		startedAt: time.Now(),
		engine:    eng,
		queue:     queue,
		pace:      pace,
		groups:    groups,
		store:     store,
		stream:    stream,
	}
	apiServer := api.NewServer(cfg.APIPort, provider, logger)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("status server failed", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)

	logger.Info("ordinals bidder started",
		"collections", len(collections),
		"wallets", groups.TotalWallets(),
		"groups", groups.GroupNames(),
		"api", fmt.Sprintf("http://localhost:%d/api/stats", cfg.APIPort),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if err := apiServer.Stop(); err != nil {
		logger.Error("failed to stop status server", "error", err)
	}
	cancel()
	eng.Stop()
}

// buildWalletGroups assembles the wallet pools: either the rotation
// file (flat or grouped) or the single funding wallet. Receive addresses
// come from the wallet itself, the centralized override, or the derived
// address pool when address rotation is on.
func buildWalletGroups(cfg *config.Config, collections []types.CollectionConfig) (*wallet.GroupManager, error) {
	override := cfg.ReceiveOverride()

	var addrs *wallet.AddressPool
	if cfg.EnableAddressRotation {
		pool, err := wallet.NewAddressPool(cfg.AddressPoolSeed, cfg.AddressPoolSize)
		if err != nil {
			return nil, err
		}
		addrs = pool
	}

	if !cfg.EnableWalletRotation {
		receive := override
		if addrs != nil {
			receive = addrs.Next()
		}
		entry, err := wallet.NewEntry("funding", cfg.FundingWIF, receive)
		if err != nil {
			return nil, err
		}
		pool := wallet.NewPool([]*wallet.Entry{entry}, cfg.BidsPerMinute)
		return wallet.NewGroupManager(map[string]*wallet.Pool{"default": pool}, nil, "default")
	}

	file, err := config.LoadWallets(cfg.WalletConfigPath, os.Getenv("WALLET_PASSPHRASE"))
	if err != nil {
		return nil, err
	}

	bindings := config.GroupBindings(collections)

	if !file.Grouped() {
		entries, err := buildEntries(file.Wallets, override, addrs)
		if err != nil {
			return nil, err
		}
		pool := wallet.NewPool(entries, file.BidsPerMinute)
		return wallet.NewGroupManager(map[string]*wallet.Pool{"default": pool}, bindings, "default")
	}

	pools := make(map[string]*wallet.Pool, len(file.Groups))
	for name, g := range file.Groups {
		entries, err := buildEntries(g.Wallets, override, addrs)
		if err != nil {
			return nil, fmt.Errorf("group %s: %w", name, err)
		}
		pools[name] = wallet.NewPool(entries, g.BidsPerMinute)
	}
	return wallet.NewGroupManager(pools, bindings, file.DefaultGroup)
}

func buildEntries(defs []config.WalletDef, override string, addrs *wallet.AddressPool) ([]*wallet.Entry, error) {
	entries := make([]*wallet.Entry, 0, len(defs))
	for _, def := range defs {
		receive := override
		if addrs != nil {
			receive = addrs.Next()
		} else if receive == "" {
			receive = def.ReceiveAddress
		}
		entry, err := wallet.NewEntry(def.Label, def.WIF, receive)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// statusProvider assembles the /api/stats payload from the live
// subsystems.
type statusProvider struct {
	startedAt time.Time
	engine    *engine.Engine
	queue     *events.Manager
	pace      *pacer.Pacer
	groups    *wallet.GroupManager
	store     *history.Store
	stream    *marketplace.Stream
}

func (p *statusProvider) StatusSnapshot() api.Status {
	return api.Status{
		Runtime:    api.NewRuntimeInfo(p.startedAt),
		Bids:       p.engine.Stats(),
		Events:     p.queue.Snapshot(),
		Pacer:      api.PacerInfo{Used: p.pace.Used(), Capacity: p.pace.Capacity()},
		Wallets:    p.groups.Snapshot(),
		QueueDepth: p.queue.Depth(),
		Stream:     p.stream.Snapshot(),
		BidHistory: p.store.Snapshot(),
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
