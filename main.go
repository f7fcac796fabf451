package main

import (
	"context"
	"flag"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"equity-trading-engine/config"
	"equity-trading-engine/internal/api"
	"equity-trading-engine/internal/backtest"
	"equity-trading-engine/internal/broker"
	"equity-trading-engine/internal/emergency"
	"equity-trading-engine/internal/engine"
	"equity-trading-engine/internal/events"
	"equity-trading-engine/internal/exits"
	"equity-trading-engine/internal/heartbeat"
	"equity-trading-engine/internal/logging"
	"equity-trading-engine/internal/marketdata"
	"equity-trading-engine/internal/metrics"
	"equity-trading-engine/internal/notification"
	"equity-trading-engine/internal/orders"
	"equity-trading-engine/internal/regime"
	"equity-trading-engine/internal/risk"
	"equity-trading-engine/internal/strategy"
	"equity-trading-engine/internal/watchlist"
)

const simStartingCash = 100000

func main() {
	configPath := flag.String("config", "", "path to config file (optional, env vars override)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fallback := logging.New("info", true)
		fallback.Fatal().Err(err).Msg("configuration invalid")
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Console)
	logger.Info().Bool("simulation", cfg.Trading.SimulationMode).
		Strs("venues", cfg.Trading.Venues).Msg("starting trading engine")

	m := metrics.New()
	notifier := notification.NewManager(logger)
	bus := events.NewBus(256, m)

	// One resilient gateway per configured venue. In simulation mode orders
	// fill against an in-memory book while bars and the clock still come from
	// the real data API when credentials are present.
	gateways := make(map[string]broker.Venue, len(cfg.Trading.Venues))
	reporters := make(map[string]api.StatusReporter, len(cfg.Trading.Venues))
	for _, name := range cfg.Trading.Venues {
		var venue broker.Venue
		if cfg.Trading.SimulationMode {
			var dataSource broker.Venue
			if cfg.Broker.APIKey != "" {
				dataSource = broker.NewAlpacaVenue(cfg.Broker, logger)
			}
			venue = broker.NewSimVenue(dataSource, simStartingCash, logger)
		} else {
			venue = broker.NewAlpacaVenue(cfg.Broker, logger)
		}
		gw := broker.NewGateway(venue, cfg.Broker, m, logger)
		gateways[name] = gw
		reporters[name] = gw
	}

	prot := emergency.NewProtocol(gateways, m, notifier, logger)
	monitor := heartbeat.NewMonitor(func(reason string) {
		prot.Trigger(context.Background(), reason)
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	riskMgr := risk.NewManager(cfg.Risk, logger)
	exitEngine := exits.NewEngine(cfg.Exits)
	validator := orders.NewValidator(cfg.Trading.OrderCooldown, logger)

	loops := make(map[string]api.LoopControl, len(gateways))
	var wg sync.WaitGroup
	var primaryData *marketdata.Cache
	var primaryStrategies *strategy.Engine

	for name, gw := range gateways {
		data := marketdata.New(gw, cfg.Trading.TickInterval, logger)
		analyzer := regime.NewAnalyzer(data, cfg.Trading, logger)
		strategies := strategy.NewEngine(logger)
		watch := watchlist.New(cfg.Watchlist, momentumScorer(data), cfg.Trading.FanOutLimit, logger)

		if primaryData == nil {
			primaryData = data
			primaryStrategies = strategies
		}

		loop := engine.New(cfg, name, engine.Deps{
			Venue:      gw,
			Data:       data,
			Analyzer:   analyzer,
			Strategies: strategies,
			Watchlist:  watch,
			Risk:       riskMgr,
			Exits:      exitEngine,
			Orders:     validator,
			Bus:        bus,
			Heartbeat:  monitor,
			Emergency:  prot,
			Metrics:    m,
		}, logger)
		loops[name] = loop

		wg.Add(1)
		go func() {
			defer wg.Done()
			loop.Run(ctx)
		}()
	}

	if t, ok := cfg.Heartbeat.Timeouts["watchlist"]; ok {
		monitor.Register("watchlist", t)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		monitor.Run(ctx, cfg.Heartbeat.CheckInterval)
	}()

	server := api.NewServer(cfg.Server, api.Deps{
		Bus:       bus,
		Metrics:   m,
		Heartbeat: monitor,
		Emergency: prot,
		Backtests: backtest.NewRunner(primaryData, primaryStrategies, logger),
		Loops:     loops,
		Gateways:  reporters,
	}, logger)
	if err := server.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("control surface failed")
		stop()
		wg.Wait()
		os.Exit(1)
	}

	wg.Wait()
	logger.Info().Msg("trading engine stopped")
}

// momentumScorer ranks symbols by five-day absolute momentum weighted by
// dollar volume, so the watchlist leans toward liquid names that are moving.
func momentumScorer(data *marketdata.Cache) watchlist.ScorerFunc {
	return func(ctx context.Context, symbol string) (float64, error) {
		bars, _, err := data.HistoryBars(ctx, symbol, 6, broker.TF1Day)
		if err != nil {
			return 0, err
		}
		if len(bars) < 2 {
			return 0, nil
		}
		first, last := bars[0], bars[len(bars)-1]
		if first.Close <= 0 {
			return 0, nil
		}
		momentum := math.Abs(last.Close-first.Close) / first.Close
		dollarVolume := last.Close * last.Volume
		return momentum * math.Log1p(dollarVolume), nil
	}
}
