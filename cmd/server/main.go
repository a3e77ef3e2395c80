package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kjannette/trahn-gateway/internal/api"
	"github.com/kjannette/trahn-gateway/internal/cache"
	"github.com/kjannette/trahn-gateway/internal/config"
	"github.com/kjannette/trahn-gateway/internal/db"
	"github.com/kjannette/trahn-gateway/internal/geyser"
	"github.com/kjannette/trahn-gateway/internal/hub"
	"github.com/kjannette/trahn-gateway/internal/logging"
	"github.com/kjannette/trahn-gateway/internal/notifications"
	"github.com/kjannette/trahn-gateway/internal/quote"
	"github.com/kjannette/trahn-gateway/internal/relay"
	"github.com/kjannette/trahn-gateway/internal/repository"
	"github.com/kjannette/trahn-gateway/internal/risk"
	"github.com/kjannette/trahn-gateway/internal/scheduler"
	"github.com/kjannette/trahn-gateway/internal/solrpc"
	"github.com/kjannette/trahn-gateway/internal/stream"
	"github.com/kjannette/trahn-gateway/internal/trade"
)

const banner = `
╔══════════════════════════════════════╗
║        TRAHN Trade Gateway v0.3      ║
║                                      ║
╚══════════════════════════════════════╝
`

func main() {
	fmt.Print(banner)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg.Print(log)

	if err := run(cfg, log); err != nil {
		log.Error("gateway stopped with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

func run(cfg *config.Config, log *zap.Logger) error {
	reconnect := stream.Options{
		MaxAttempts: cfg.ReconnectMaxAttempts,
		BaseDelay:   cfg.ReconnectBaseDelay,
		MaxDelay:    cfg.ReconnectMaxDelay,
		Logger:      log,
	}

	// Upstreams
	rpcClient := solrpc.New(cfg.SolanaRPCURL, cfg.GeyserCommitment, log)

	geyserOpts := reconnect
	geyserOpts.Name = "geyser"
	geyserOpts.Endpoint = cfg.GeyserEndpoint
	geyserMgr := geyser.NewManager(geyserOpts, cfg.GeyserToken)
	defer geyserMgr.Close()
	ledger := geyser.NewProvider(geyserMgr, cfg.GeyserCommitment, cfg.CacheFetchTimeout)

	relayOpts := reconnect
	relayOpts.Name = "relay-grpc"
	relayOpts.Endpoint = cfg.RelayGRPCEndpoint
	relayMgr := relay.NewManager(relayOpts, cfg.RelayAuthToken)
	defer relayMgr.Close()

	var httpRelay *relay.Sender
	if len(cfg.RelayHTTPEndpoints) > 0 {
		httpRelay = relay.NewSender(relay.SenderOptions{
			Endpoints:         cfg.RelayHTTPEndpoints,
			RequestTimeout:    cfg.RelayRequestTimeout,
			RequestsPerSecond: cfg.RelayHTTPRPS,
			Logger:            log,
		})
	}
	router := relay.NewRouter(relayMgr, httpRelay, cfg.RelayParallelism, log).WithDirect(rpcClient)
	tips := relay.NewTipPool(cfg.TipAccounts, log)

	// Account cache: ledger stream first, RPC behind it.
	var primaryAccounts cache.Fetcher
	var primaryBlockhash trade.BlockhashSource
	var validator trade.BlockhashValidator
	var ledgerInfo api.Ledger
	if geyserMgr.Configured() {
		primaryAccounts = ledger
		primaryBlockhash = ledger
		validator = ledger
		ledgerInfo = ledger
	}
	accounts, err := cache.New(primaryAccounts, rpcClient, cache.Options{
		TTL:          cfg.CacheTTL,
		MaxEntries:   cfg.CacheMaxEntries,
		MaxBatch:     cfg.CacheMaxBatch,
		FetchTimeout: cfg.CacheFetchTimeout,
		Logger:       log,
	})
	if err != nil {
		return fmt.Errorf("account cache: %w", err)
	}

	// Trades
	guard := risk.NewGuardian(risk.Limits{
		MaxBuyLamports: cfg.MaxBuyLamports,
		MaxSlippageBps: cfg.MaxSlippageBps,
		MaxOpenTrades:  cfg.MaxOpenTrades,
	}, nil)
	orch := trade.New(trade.Deps{
		Primary:   primaryBlockhash,
		Fallback:  rpcClient,
		Validator: validator,
		Quoter:    quote.NewClient(cfg.QuoteAPIURL),
		Relay:     router,
		Tips:      tips,
		Guard:     guard,
	}, trade.Options{
		Retention:          cfg.TradeRetention,
		DefaultSlippageBps: cfg.DefaultSlippageBps,
		DefaultTipLamports: cfg.DefaultTipLamports,
		Logger:             log,
	})
	defer orch.Close()
	guard.SetCounter(orch)

	// Archive (optional)
	handlers := []notifications.TradeHandler{}
	notify := notifications.NewSender(cfg.WebhookURL, cfg.GatewayName, log)
	if notify.Enabled() {
		handlers = append(handlers, notify.NotifyTrade)
	}

	var archive api.Archive
	if cfg.ArchiveEnabled {
		log.Info("connecting to archive database",
			zap.String("host", cfg.DBHost), zap.Int("port", cfg.DBPort), zap.String("db", cfg.DBName))
		pool, err := db.Connect(context.Background(), cfg.DSN(), db.DefaultPoolOptions)
		if err != nil {
			return fmt.Errorf("archive database: %w", err)
		}
		defer pool.Close()
		if err := db.Check(context.Background(), pool, log); err != nil {
			return fmt.Errorf("archive database: %w", err)
		}
		store := repository.NewTradeArchive(pool, log)
		if err := store.EnsureSchema(context.Background()); err != nil {
			return err
		}
		handlers = append(handlers, store.Save)
		archive = store
	}

	watcher := notifications.Watch(orch, log, handlers...)
	defer watcher.Stop()

	// Subscriptions
	openers := map[hub.Kind]hub.Opener{
		hub.KindTrades: hub.TradeUpdates(orch),
	}
	if geyserMgr.Configured() {
		openers[hub.KindAccounts] = hub.GeyserAccounts(ledger)
		openers[hub.KindTransactions] = hub.GeyserTransactions(ledger)
	}
	if relayMgr.Configured() {
		openers[hub.KindBundles] = hub.BundleResults(router)
	}
	sockets := hub.New(openers, orch, hub.Options{Logger: log})
	defer sockets.Close()

	// Maintenance
	jobs := []*scheduler.Job{
		scheduler.NewJob(scheduler.JobConfig{
			Name:     "trade-reaper",
			Interval: cfg.TradeReapInterval,
			Run: func(context.Context) error {
				if n := orch.Reap(time.Now()); n > 0 {
					log.Debug("reaped trades", zap.Int("count", n))
				}
				return nil
			},
			Logger: log,
		}),
	}
	if relayMgr.Configured() {
		jobs = append(jobs, scheduler.NewJob(scheduler.JobConfig{
			Name:       "tip-refresh",
			Interval:   cfg.TipRefreshInterval,
			Timeout:    30 * time.Second,
			RunOnStart: true,
			Run: func(ctx context.Context) error {
				return tips.Refresh(ctx, router)
			},
			Logger: log,
		}))
	}
	for _, j := range jobs {
		j.Start()
		defer j.Stop()
	}

	// Graceful shutdown context
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := api.NewServer(api.Deps{
		Trades:    orch,
		Accounts:  accounts,
		Relay:     router,
		Archive:   archive,
		Sockets:   sockets,
		RPC:       rpcClient,
		Ledger:    ledgerInfo,
		Upstreams: []api.Upstream{geyserMgr, relayMgr},
	}, api.Options{
		Port:            cfg.APIPort,
		APIKey:          cfg.APIKey,
		CORSAllowOrigin: cfg.CORSAllowOrigin,
		Logger:          log,
	})

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	log.Info("all services started")

	select {
	case <-ctx.Done():
		log.Info("shutting down gracefully")
	case err := <-serveErr:
		return fmt.Errorf("api server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("api shutdown", zap.Error(err))
	}
	return nil
}
