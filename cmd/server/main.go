// Wall Street Sim — a tick-driven multi-agent market simulation server.
//
// Architecture:
//
//	main.go                — entry point: config, wiring, signal handling
//	config/config.go       — environment-driven configuration (viper)
//	secrets/redact.go      — slog handler wrapper that scrubs credentials
//	auth/auth.go           — API keys, session JWTs, webhook HMAC signatures
//	store/                 — persistence gateway, in-memory impl, disk journal
//	book/                  — per-symbol price-time priority matching engine
//	actions/               — agent action validation and application
//	world/                 — tick clock, prices, regimes, market events
//	sim/                   — tick scheduler and the eight-step pipeline
//	bus/                   — WebSocket hub, channels, reconnect replay
//	webhook/               — signed webhook delivery with retry + breaker
//	api/                   — HTTP ingress: auth, actions, market/world reads
//	ratelimit/             — per-agent token buckets for action ingress
//	metrics/               — Prometheus instrumentation
//
// Exit codes: 0 clean shutdown, 1 fatal init, 2 persistence unavailable.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"wallstreetsim/internal/actions"
	"wallstreetsim/internal/api"
	"wallstreetsim/internal/auth"
	"wallstreetsim/internal/book"
	"wallstreetsim/internal/bus"
	"wallstreetsim/internal/config"
	"wallstreetsim/internal/metrics"
	"wallstreetsim/internal/secrets"
	"wallstreetsim/internal/sim"
	"wallstreetsim/internal/store"
	"wallstreetsim/internal/webhook"
	"wallstreetsim/internal/world"
	"wallstreetsim/pkg/types"
)

// newsInjectEvery is how often the canned headline injector publishes.
const newsInjectEvery = 50

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	ctx := context.Background()

	// Persistence boots first; nothing else is worth starting without it.
	gw, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("persistence unavailable", "error", err)
		os.Exit(2)
	}

	creds := auth.New(cfg.JWTSecret, cfg.APISecret)
	m := metrics.New()

	state := world.NewState(world.Clock{
		TicksPerTradingDay: cfg.Tick.TicksPerTradingDay,
		TicksAfterHours:    cfg.Tick.TicksAfterHours,
		MarketOpenTick:     cfg.Tick.MarketOpenTick,
		MarketCloseTick:    cfg.Tick.MarketCloseTick,
	}, world.NewWindowedMovePolicy())

	if ws, err := gw.LoadWorldState(ctx); err == nil {
		state.Restore(*ws)
		logger.Info("world state restored", "tick", ws.Tick)
	} else if !errors.Is(err, store.ErrNotFound) {
		logger.Error("failed to load world state", "error", err)
		os.Exit(2)
	}

	companies, err := gw.ListCompanies(ctx)
	if err != nil {
		logger.Error("failed to list companies", "error", err)
		os.Exit(2)
	}
	if len(companies) == 0 {
		companies = world.DefaultCompanies()
		for _, c := range companies {
			if err := gw.UpsertCompany(ctx, c); err != nil {
				logger.Error("failed to seed company", "symbol", c.Symbol, "error", err)
				os.Exit(2)
			}
		}
		logger.Info("seeded default instrument universe", "count", len(companies))
	}
	state.LoadCompanies(companies)

	engine := book.NewEngine()
	engine.Initialize(state.Symbols())
	engine.SetTick(state.Tick())

	intake := sim.NewIntake(engine)
	processor := actions.NewProcessor(gw, intake, cfg.Limits, nil, logger)

	dispatcher := webhook.NewDispatcher(gw, cfg.Webhook, logger)
	dispatcher.SetObserver(func(outcome string) {
		m.WebhookOutcomes.WithLabelValues(outcome).Inc()
	})

	replayer := bus.NewReplayer(gw, state, logger)
	hub := bus.NewHub(socketAuth{gw: gw, creds: creds}, replayer, logger)
	hub.SetGauges(
		func(delta int) { m.ConnectedSockets.Add(float64(delta)) },
		func() { m.DroppedFrames.Inc() },
	)

	var injector sim.NewsInjector
	if cfg.Flags.AINews {
		injector = sim.NewHeadlineInjector(newsInjectEvery)
	}

	pipeline := sim.NewPipeline(cfg, gw, engine, state, intake, hub, dispatcher, injector, logger)
	pipeline.SetObservers(m.ObserveTick, func(n int) { m.TradesMatched.Add(float64(n)) })

	scheduler := sim.NewScheduler(pipeline, cfg.Tick.Interval(), cfg.Flags.Stepped, logger)

	handlers := api.NewHandlers(cfg, gw, creds, processor, state, engine, hub, scheduler, m, logger)
	server := api.NewServer(cfg, handlers, m, logger)

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); hub.Run(runCtx) }()
	go func() { defer wg.Done(); dispatcher.Run(runCtx) }()
	go func() { defer wg.Done(); scheduler.Run(runCtx) }()
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("api server failed", "error", err)
		}
	}()

	logger.Info("wallstreetsim started",
		"port", cfg.HTTPPort,
		"tick_interval", cfg.Tick.Interval(),
		"stepped", cfg.Flags.Stepped,
		"symbols", len(companies),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop ingress first, then the tick loop, hub and webhook pool. The
	// tick in flight finishes before Run returns.
	if err := server.Stop(); err != nil {
		logger.Error("failed to stop api server", "error", err)
	}
	cancel()
	wg.Wait()

	ws := state.Snapshot()
	if err := gw.SaveWorldState(ctx, &ws); err != nil {
		logger.Error("failed to save final world state", "error", err)
	}
	logger.Info("shutdown complete", "tick", ws.Tick)
}

// openStore boots the in-memory gateway with the disk journal and warms
// the replay ring from what survived the last run.
func openStore(ctx context.Context, cfg *config.Config) (store.Gateway, error) {
	mem := store.NewMemory(cfg.Tick.ReplayHorizonTicks)
	gw, err := store.NewJournaled(mem, cfg.DataDir, cfg.Tick.ReplayHorizonTicks)
	if err != nil {
		return nil, err
	}
	if err := gw.WarmFromDisk(ctx); err != nil {
		return nil, err
	}
	return gw, nil
}

// socketAuth resolves API keys presented over the WebSocket.
type socketAuth struct {
	gw    store.Gateway
	creds *auth.Service
}

func (s socketAuth) AgentByAPIKey(ctx context.Context, apiKey string) (*types.Agent, error) {
	return s.gw.GetAgentByAPIKeyDigest(ctx, s.creds.DigestAPIKey(apiKey))
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(secrets.NewHandler(handler))
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
