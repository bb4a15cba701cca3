// Command trader runs the multi-venue crypto trading engine.
//
// Architecture:
//
//	cmd/trader/main.go — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	internal/config    — YAML + env configuration with validation
//	internal/exchange  — venue contract, rate limiter, signed REST client, adapter registry
//	internal/exchange/{binance,kraken,coinbase} — venue adapters (REST + websocket dialect)
//	internal/stream    — websocket session: reconnect, resubscribe, gap flagging
//	internal/bus       — fan-out of normalized market events to subscribers
//	internal/strategy  — strategies (MA cross, RSI), runtime, signal combiner
//	internal/risk      — pre-trade gate: sizing limits, drawdown, kill switch
//	internal/portfolio — positions, balances, P&L, JSON state persistence
//	internal/engine    — order placement, outbox reconciliation, stop supervisor
//	internal/metrics   — Prometheus collectors and health endpoints
//
// Data flow:
//
//	venue websockets → stream sessions → bus → strategies → combiner
//	→ intents → risk gate → engine → venue REST → fills → portfolio
//
// The stop supervisor watches tickers against open-position triggers and
// feeds close intents into the same channel the combiner writes, so
// protective exits take the identical placement path as entries.
//
// Exit codes: 0 clean shutdown, 1 configuration error, 2 unrecoverable
// adapter error, 3 state-file corruption, 130 interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"tradeforge/internal/bus"
	"tradeforge/internal/config"
	"tradeforge/internal/engine"
	"tradeforge/internal/exchange"
	"tradeforge/internal/exchange/binance"
	"tradeforge/internal/exchange/coinbase"
	"tradeforge/internal/exchange/kraken"
	"tradeforge/internal/metrics"
	"tradeforge/internal/portfolio"
	"tradeforge/internal/risk"
	"tradeforge/internal/strategy"
	"tradeforge/internal/stream"
	"tradeforge/pkg/types"
)

const (
	connectTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
	statsInterval   = 15 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return 1
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	m := metrics.New()
	var metricsServer *metrics.Server
	if cfg.Monitoring.Metrics.Enabled {
		addr := net.JoinHostPort(cfg.Monitoring.Metrics.Host, strconv.Itoa(cfg.Monitoring.Metrics.Port))
		metricsServer = metrics.NewServer(addr, m, logger)
		metricsServer.Start()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Venue adapters
	registry := exchange.NewRegistry(logger)
	registerVenues(registry, cfg, logger)

	adapters := make(map[string]exchange.Exchange)
	for name, ec := range cfg.Exchanges {
		adapter, err := registry.Create(name, exchange.Credentials{
			APIKey:     ec.APIKey,
			Secret:     ec.Secret,
			Passphrase: ec.Passphrase,
			Sandbox:    ec.Sandbox,
		})
		if err != nil {
			logger.Error("failed to create adapter", "venue", name, "error", err)
			return 1
		}

		cctx, ccancel := context.WithTimeout(ctx, connectTimeout)
		err = adapter.Connect(cctx)
		ccancel()
		if err != nil {
			if name == cfg.Trading.PreferredVenue && cfg.EnableLiveTrading {
				logger.Error("preferred venue unreachable", "venue", name, "error", err)
				return 2
			}
			logger.Warn("venue unreachable, continuing without it", "venue", name, "error", err)
			continue
		}
		adapters[name] = adapter
	}

	// Portfolio state
	store, err := portfolio.OpenStore(filepath.Join(cfg.State.Dir, "portfolio.json"))
	if err != nil {
		logger.Error("failed to open state store", "error", err)
		return 1
	}
	pf, err := portfolio.New(portfolio.Config{
		BaseCurrency: cfg.Trading.BaseCurrency,
		InitialCash:  decimal.NewFromFloat(cfg.Trading.InitialCash),
		Store:        store,
		Metrics:      m,
		Logger:       logger,
	})
	if err != nil {
		if errors.Is(err, exchange.ErrStateCorrupt) {
			logger.Error("portfolio state file is corrupt, refusing to trade on it", "error", err)
			return 3
		}
		logger.Error("failed to open portfolio", "error", err)
		return 1
	}

	// With live trading the venue's balances are authoritative at startup.
	if cfg.EnableLiveTrading {
		if adapter := adapters[cfg.Trading.PreferredVenue]; adapter != nil {
			reconcileBalances(ctx, pf, adapter, logger)
		}
	}

	riskCfg := cfg.Trading.Risk
	gate := risk.NewGate(risk.Limits{
		MaxRiskPerTrade:    decimal.NewFromFloat(riskCfg.MaxRiskPerTrade),
		MaxPositionSize:    decimal.NewFromFloat(riskCfg.MaxPositionSize),
		MaxDrawdown:        decimal.NewFromFloat(riskCfg.MaxDrawdownPct),
		MaxDailyTrades:     riskCfg.MaxDailyTrades,
		DefaultStopLossPct: decimal.NewFromFloat(riskCfg.StopLossPct),
	}, pf, nil, m, logger)

	// Strategies
	symbols := make([]types.Symbol, len(cfg.Trading.Symbols))
	for i, raw := range cfg.Trading.Symbols {
		symbols[i] = types.Symbol(raw)
	}

	eventBus := bus.New(logger, m)
	runtime := strategy.NewRuntime(eventBus, m, logger)
	weights := make(map[string]decimal.Decimal, len(cfg.Trading.Strategies))
	for _, sc := range cfg.Trading.Strategies {
		s, err := strategy.New(sc.Name, strategy.Config{Symbols: symbols, Params: sc.Params})
		if err != nil {
			logger.Error("failed to build strategy", "strategy", sc.Name, "error", err)
			return 1
		}
		runtime.Add(s)
		if sc.Weight > 0 {
			weights[sc.Name] = decimal.NewFromFloat(sc.Weight)
		}
	}
	combiner := strategy.NewCombiner(strategy.CombinerConfig{Weights: weights}, logger)

	// Execution
	outbox, err := engine.OpenOutbox(filepath.Join(cfg.State.Dir, "outbox.json"))
	if err != nil {
		logger.Error("order outbox is unreadable, refusing to trade on it", "error", err)
		return 3
	}
	eng, err := engine.New(engine.Config{
		Venues:         adapters,
		PreferredVenue: cfg.Trading.PreferredVenue,
		LiveTrading:    cfg.EnableLiveTrading,
		Sizing: engine.Sizing{
			RiskPerTrade:  decimal.NewFromFloat(riskCfg.MaxRiskPerTrade),
			StopLossPct:   decimal.NewFromFloat(riskCfg.StopLossPct),
			TakeProfitPct: decimal.NewFromFloat(riskCfg.TakeProfitPct),
		},
		Portfolio: pf,
		Gate:      gate,
		Outbox:    outbox,
		Metrics:   m,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		return 1
	}

	// Placements left in flight by a previous run must be resolved before
	// anything new is sent.
	if cfg.EnableLiveTrading {
		eng.ResolveOutbox(ctx)
	}

	// The combiner and the stop supervisor share one intent channel, so
	// protective exits and entries take the same placement path.
	intents := make(chan types.TradeIntent, 64)
	supervisor := engine.NewSupervisor(intents, logger)

	// Streams
	sessions := startStreams(ctx, cfg, adapters, symbols, eventBus, m, logger)

	userSub := eventBus.Subscribe(types.ChannelUser, "", bus.SubscriberOptions{})
	tickerSub := eventBus.Subscribe(types.ChannelTicker, "", bus.SubscriberOptions{})

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for ev := range userSub.Events() {
			eng.OnEvent(ev)
			if ev.Fill != nil {
				syncProtection(supervisor, pf, riskCfg, ev.Fill.Symbol)
			}
		}
	}()
	go func() {
		defer wg.Done()
		supervisor.Run(ctx, tickerSub.Events())
	}()
	go func() {
		defer wg.Done()
		eng.Run(ctx, intents)
	}()

	runtime.Start(ctx)
	combiner.Start(ctx, runtime.Signals())
	go func() {
		for intent := range combiner.Intents() {
			select {
			case intents <- intent:
			case <-ctx.Done():
				return
			}
		}
	}()

	if !cfg.EnableLiveTrading {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	logger.Info("trader started",
		"venues", len(adapters),
		"symbols", cfg.Trading.Symbols,
		"strategies", len(cfg.Trading.Strategies),
		"live", cfg.EnableLiveTrading,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())
	go func() {
		<-sigCh
		logger.Error("second signal, exiting immediately")
		os.Exit(130)
	}()

	// Teardown runs upstream to downstream: stop the feeds, let the
	// pipeline drain, persist state, then drop the venue connections.
	for _, sess := range sessions {
		sess.Stop()
	}
	eventBus.Close()
	runtime.Stop()
	combiner.Stop()
	cancel()
	wg.Wait()

	pf.Close()

	shCtx, shCancel := context.WithTimeout(context.Background(), shutdownTimeout+5*time.Second)
	defer shCancel()
	registry.ShutdownAll(shCtx, shutdownTimeout)
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shCtx); err != nil {
			logger.Error("metrics server shutdown failed", "error", err)
		}
	}

	logger.Info("shutdown complete")
	if sig == syscall.SIGINT {
		return 130
	}
	return 0
}

// registerVenues installs the adapter factories for every venue this
// build supports.
func registerVenues(registry *exchange.Registry, cfg *config.Config, logger *slog.Logger) {
	rateLimit := func(name string) int {
		ec := cfg.Exchanges[name]
		if !ec.EnableRateLimit {
			return 0
		}
		return ec.RateLimit
	}
	registry.Register("binance", func(creds exchange.Credentials) (exchange.Exchange, error) {
		return binance.New(creds, binance.Options{RateLimitPerMin: rateLimit("binance"), Logger: logger}), nil
	})
	registry.Register("kraken", func(creds exchange.Credentials) (exchange.Exchange, error) {
		return kraken.New(creds, kraken.Options{RateLimitPerMin: rateLimit("kraken"), Logger: logger}), nil
	})
	registry.Register("coinbase", func(creds exchange.Credentials) (exchange.Exchange, error) {
		return coinbase.New(creds, coinbase.Options{RateLimitPerMin: rateLimit("coinbase"), Logger: logger}), nil
	})
}

// reconcileBalances adopts the preferred venue's balances at startup.
func reconcileBalances(ctx context.Context, pf *portfolio.Portfolio, adapter exchange.Exchange, logger *slog.Logger) {
	bctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	remote, err := adapter.GetBalances(bctx)
	if err != nil {
		logger.Warn("startup balance fetch failed, trading on persisted state",
			"venue", adapter.Name(), "error", err)
		return
	}
	balances := make([]types.Balance, 0, len(remote))
	for _, b := range remote {
		balances = append(balances, b)
	}
	pf.Reconcile(adapter.Name(), balances)
}

// startStreams opens one websocket session per connected venue, pumps its
// events onto the bus and mirrors its counters into the metrics registry.
func startStreams(
	ctx context.Context,
	cfg *config.Config,
	adapters map[string]exchange.Exchange,
	symbols []types.Symbol,
	eventBus *bus.Bus,
	m *metrics.Metrics,
	logger *slog.Logger,
) []*stream.Session {
	var sessions []*stream.Session
	for name, adapter := range adapters {
		var subs []exchange.Subscription
		for _, sym := range symbols {
			subs = append(subs,
				exchange.Subscription{Channel: types.ChannelTicker, Symbol: sym},
				exchange.Subscription{Channel: types.ChannelTrade, Symbol: sym},
			)
		}
		if cfg.Exchanges[name].APIKey != "" {
			subs = append(subs, exchange.Subscription{Channel: types.ChannelUser})
		}

		sess := stream.NewSession(stream.Config{
			Venue:         name,
			Protocol:      adapter.StreamProtocol(),
			Subscriptions: subs,
			Logger:        logger,
		})
		sess.Start(ctx)
		sessions = append(sessions, sess)

		m.RegisterProbe("stream:"+name, func() bool {
			return sess.State() == stream.StateSubscribed
		})

		go func(name string, sess *stream.Session) {
			for ev := range sess.Events() {
				eventBus.Publish(ev)
			}
		}(name, sess)
		go pollStreamStats(ctx, name, sess, m)
	}
	return sessions
}

// pollStreamStats converts the session's lifetime counters into
// Prometheus counter increments.
func pollStreamStats(ctx context.Context, venue string, sess *stream.Session, m *metrics.Metrics) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	var last stream.Stats
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := sess.Stats()
			if d := stats.Reconnects - last.Reconnects; d > 0 {
				m.StreamReconnects.WithLabelValues(venue).Add(float64(d))
			}
			if d := stats.DroppedTickers - last.DroppedTickers; d > 0 {
				m.TickerRegressions.WithLabelValues(venue).Add(float64(d))
			}
			last = stats
		}
	}
}

// syncProtection aligns the stop supervisor with the portfolio after a
// fill: an open position gets its protective triggers from the entry
// price, a closed one is dropped from watch.
func syncProtection(sup *engine.Supervisor, pf *portfolio.Portfolio, riskCfg config.RiskManagementConfig, symbol types.Symbol) {
	pos, ok := pf.Position(symbol)
	if !ok {
		sup.Drop(symbol)
		return
	}

	stopPct := decimal.NewFromFloat(riskCfg.StopLossPct)
	takePct := decimal.NewFromFloat(riskCfg.TakeProfitPct)
	one := decimal.NewFromInt(1)

	var stop, take decimal.Decimal
	if pos.Side == types.PositionLong {
		stop = pos.EntryPrice.Mul(one.Sub(stopPct))
		take = pos.EntryPrice.Mul(one.Add(takePct))
	} else {
		stop = pos.EntryPrice.Mul(one.Add(stopPct))
		take = pos.EntryPrice.Mul(one.Sub(takePct))
	}
	sup.Watch(engine.Trigger{
		Symbol:      symbol,
		Side:        pos.Side,
		StopLoss:    stop,
		TakeProfit:  take,
		TrailingPct: decimal.NewFromFloat(riskCfg.TrailingStopPct),
	})
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
