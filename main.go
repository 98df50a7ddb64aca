package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"okx-trading-engine/config"
	"okx-trading-engine/internal/api"
	"okx-trading-engine/internal/circuit"
	"okx-trading-engine/internal/database"
	"okx-trading-engine/internal/engine"
	"okx-trading-engine/internal/logging"
	"okx-trading-engine/internal/market"
	"okx-trading-engine/internal/okx"
	"okx-trading-engine/internal/strategy"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logging.New(logging.Config{})
		fallback.Fatal().Err(err).Msg("invalid configuration")
	}

	logger := logging.New(logging.Config{
		Level:   cfg.LoggingConfig.Level,
		Output:  cfg.LoggingConfig.Output,
		Console: cfg.LoggingConfig.Console,
	})
	logger.Info().
		Strs("symbols", cfg.TradingConfig.Symbols).
		Strs("timeframes", cfg.TradingConfig.Timeframes).
		Bool("paper_mode", cfg.TradingConfig.PaperMode).
		Msg("starting trading engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence. Paper mode runs in memory when the database is down;
	// live mode refuses to start without it.
	var store database.Store
	var db *database.DB
	db, err = database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	}, logging.WithComponent(logger, "database"))
	if err != nil {
		if !cfg.TradingConfig.PaperMode {
			logger.Fatal().Err(err).Msg("database required for live trading")
		}
		logger.Warn().Err(err).Msg("database unavailable, using in-memory store")
		store = database.NewMemoryStore()
	} else {
		defer db.Close()
		if err := db.RunMigrations(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrations failed")
		}
		store = database.NewRepository(db)
	}

	var mirror *database.RedisMirror
	if cfg.RedisConfig.Enabled {
		mirror = database.NewRedisMirror(database.RedisConfig{
			Address:  cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		}, logging.WithComponent(logger, "redis"))
		defer mirror.Close()
	}

	// Market data path
	breaker := circuit.NewBreaker(circuit.DefaultBreakerConfig(), logging.WithComponent(logger, "circuit"))
	client := okx.NewClient(okx.ClientConfig{
		APIKey:     cfg.ExchangeConfig.APIKey,
		SecretKey:  cfg.ExchangeConfig.SecretKey,
		Passphrase: cfg.ExchangeConfig.Passphrase,
		BaseURL:    cfg.ExchangeConfig.BaseURL,
		Demo:       cfg.ExchangeConfig.Demo,
		Timeout:    cfg.ExchangeConfig.RequestTimeout(),
		MaxRetries: cfg.ExchangeConfig.MaxRetries,
	}, logging.WithComponent(logger, "okx"))

	candles := market.NewCandleCache(market.CandleCacheConfig{
		Window:           cfg.MarketConfig.WindowSize,
		PageSize:         cfg.MarketConfig.PageSize,
		MaxPages:         cfg.MarketConfig.MaxPages,
		MinViableBars:    cfg.MarketConfig.MinViableBars,
		IncrementalLimit: cfg.MarketConfig.IncrementalLimit,
		SafetyMargin:     time.Duration(cfg.MarketConfig.SafetyMarginMS) * time.Millisecond,
	}, client, breaker, logging.WithComponent(logger, "ohlcv"))

	provider := market.NewProvider(market.ProviderConfig{
		TickerTTL:    secs(cfg.MarketConfig.TickerTTLSec),
		BalanceTTL:   secs(cfg.MarketConfig.BalanceTTLSec),
		PositionsTTL: secs(cfg.MarketConfig.PositionsTTLSec),
	}, client, candles, breaker, logging.WithComponent(logger, "provider"))

	// Trading path
	var executor engine.Executor
	if cfg.TradingConfig.PaperMode {
		executor = engine.NewPaperExecutor(logging.WithComponent(logger, "executor"))
	} else {
		executor = engine.NewLiveExecutor(client, logging.WithComponent(logger, "executor"))
	}

	hedge := engine.NewHedgeManager(engine.HedgeParams{
		Leverage:           cfg.TradingConfig.Leverage,
		HardTakeProfitPct:  cfg.TradingConfig.HardTakeProfitPct,
		HedgeTakeProfitPct: cfg.TradingConfig.HedgeTakeProfitPct,
		MaxHedgeCount:      2,
	}, store, executor, logging.WithComponent(logger, "hedge"))
	if err := hedge.Restore(ctx); err != nil {
		logger.Fatal().Err(err).Msg("position restore failed")
	}

	deduper := engine.NewSignalDeduper(cfg.SchedulerConfig.DedupCacheSize, store, mirror,
		logging.WithComponent(logger, "dedup"))
	if err := deduper.Load(ctx); err != nil {
		logger.Warn().Err(err).Msg("signal dedup cache load failed, starting empty")
	}

	risk := engine.NewRiskMonitor(engine.RiskConfig{
		MaxNotionalPct: cfg.TradingConfig.MaxNotionalPct,
		Leverage:       cfg.TradingConfig.Leverage,
		MaxAge:         2 * time.Minute,
	}, provider, mirror, logging.WithComponent(logger, "risk"))
	risk.Start(ctx)
	defer risk.Stop()

	strategies := []strategy.Strategy{
		strategy.NewEMACrossStrategy(strategy.DefaultEMACrossConfig()),
	}

	orch := engine.NewOrchestrator(engine.OrchestratorConfig{
		Symbols:              cfg.TradingConfig.Symbols,
		Timeframes:           cfg.TradingConfig.Timeframes,
		WorkerCount:          cfg.SchedulerConfig.WorkerCount,
		TargetBars:           cfg.SchedulerConfig.TargetBars,
		Leverage:             cfg.TradingConfig.Leverage,
		PrimaryPositionPct:   cfg.TradingConfig.PrimaryPositionPct,
		SecondaryPositionPct: cfg.TradingConfig.SecondaryPositionPct,
		MaxNotionalPct:       cfg.TradingConfig.MaxNotionalPct,
	}, provider, strategies, deduper, hedge, risk, store, logging.WithComponent(logger, "orchestrator"))

	// Live candle stream keeps the cache warm between scans
	var stream *okx.Stream
	if cfg.StreamConfig.Enabled {
		stream = okx.NewStream(okx.StreamConfig{
			URL:         cfg.StreamConfig.URL,
			QueueSize:   cfg.StreamConfig.QueueSize,
			BackoffBase: time.Duration(cfg.StreamConfig.BackoffBaseSec) * time.Second,
			BackoffMax:  time.Duration(cfg.StreamConfig.BackoffMaxSec) * time.Second,
		}, logging.WithComponent(logger, "stream"))
		if err := orch.BindStream(stream); err != nil {
			logger.Fatal().Err(err).Msg("stream subscription failed")
		}
		stream.Start()
		defer stream.Stop()
	}

	orch.Start(ctx)
	defer orch.Stop()

	var server *api.Server
	if cfg.ServerConfig.Enabled {
		server = api.NewServer(api.ServerConfig{
			Host:           cfg.ServerConfig.Host,
			Port:           cfg.ServerConfig.Port,
			ProductionMode: !cfg.LoggingConfig.Console,
		}, api.EngineStatus{
			Store:        store,
			Mirror:       mirror,
			Breaker:      breaker,
			Provider:     provider,
			Stream:       stream,
			Hedge:        hedge,
			Risk:         risk,
			Orchestrator: orch,
			StartedAt:    time.Now(),
		}, logging.WithComponent(logger, "api"))
		go func() {
			if err := server.Start(); err != nil {
				logger.Error().Err(err).Msg("http server stopped")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	cancel()
	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("http shutdown failed")
		}
	}
}

func secs(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
