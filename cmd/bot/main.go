// Command bot runs the alert-driven options execution bot: it consumes
// typed trade events, correlates them to sessions, gates them through
// risk checks and executes them against the broker with protective
// bracket orders.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/efarrell-labs/alertrunner/internal/broker"
	"github.com/efarrell-labs/alertrunner/internal/config"
	"github.com/efarrell-labs/alertrunner/internal/dashboard"
	"github.com/efarrell-labs/alertrunner/internal/engine"
	"github.com/efarrell-labs/alertrunner/internal/journal"
	"github.com/efarrell-labs/alertrunner/internal/registry"
	"github.com/efarrell-labs/alertrunner/internal/retry"
	"github.com/efarrell-labs/alertrunner/internal/risk"
	"github.com/efarrell-labs/alertrunner/internal/sink"
)

func main() {
	var configPath, eventsPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&eventsPath, "events", "-", "Event feed file (JSON lines), '-' for stdin")
	flag.Parse()

	if err := run(configPath, eventsPath); err != nil {
		logrus.WithError(err).Fatal("bot exited with error")
	}
}

func run(configPath, eventsPath string) error {
	// .env is optional; real env vars win either way.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, perr := logrus.ParseLevel(cfg.Environment.LogLevel); perr == nil {
		logger.SetLevel(level)
	}

	logger.WithField("mode", cfg.Environment.Mode).Info("starting execution bot")

	brk, err := buildBroker(cfg, logger)
	if err != nil {
		return err
	}

	sinks, closeJournal, err := buildSinks(cfg, logger)
	if err != nil {
		return err
	}
	defer closeJournal()

	reg := registry.New(logger)
	gate := risk.NewGate(cfg.Risk, cfg.IsWithinTradingWindow, logger)
	submitter := retry.NewSubmitter(brk, logger, retry.Config{
		MaxRetries:     cfg.Execution.MaxRetries,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Timeout:        2 * cfg.FillTimeout(),
	})

	reconnectCfg := broker.DefaultReconnectConfig
	if cfg.Broker.ReconnectMax != "" {
		if d, perr := time.ParseDuration(cfg.Broker.ReconnectMax); perr == nil {
			reconnectCfg.MaxBackoff = d
		}
	}
	conn := broker.NewConnManager(func(context.Context) error { return nil },
		logger, reconnectCfg)
	eng := engine.New(brk, submitter, reg, gate, cfg, conn, sinks, logger)
	conn.OnReconnect(eng.Reconcile)

	source, closeSource, err := buildSource(eventsPath, logger)
	if err != nil {
		return err
	}
	defer closeSource()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Rebuild state from the broker before touching any event.
	if err := eng.Reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconcile: %w", err)
	}

	orch := NewOrchestrator(cfg, source, reg, gate, eng, sinks, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(ctx) })

	if cfg.Dashboard.Enabled {
		srv := dashboard.NewServer(cfg.Dashboard.Port, reg, gate, brk, logger)
		g.Go(func() error {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("bot stopped")
	return err
}

// buildBroker constructs the brokerage client for the configured mode.
// Live trading needs an external adapter wired in; until then the bot
// refuses to start in live mode rather than silently paper-trading.
func buildBroker(cfg *config.Config, logger *logrus.Logger) (broker.Broker, error) {
	if !cfg.IsPaperTrading() {
		return nil, fmt.Errorf("live mode requires a broker adapter for provider %q", cfg.Broker.Provider)
	}
	var brk broker.Broker = broker.NewPaperBroker(cfg.Broker.PaperBalance)
	if cfg.Broker.CircuitBreaker {
		brk = broker.NewCircuitBreakerBroker(brk, logger)
	}
	return brk, nil
}

func buildSinks(cfg *config.Config, logger *logrus.Logger) (sink.Sink, func(), error) {
	sinks := sink.MultiSink{&sink.LogSink{Logger: logger}}
	closeFn := func() {}
	if cfg.Journal.Path != "" {
		jnl, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("opening journal: %w", err)
		}
		sinks = append(sinks, &sink.JournalSink{Journal: jnl, Logger: logger})
		closeFn = func() {
			if cerr := jnl.Close(); cerr != nil {
				logger.WithError(cerr).Warn("journal close failed")
			}
		}
	}
	return sinks, closeFn, nil
}

func buildSource(eventsPath string, logger *logrus.Logger) (EventSource, func(), error) {
	if eventsPath == "" || eventsPath == "-" {
		return NewJSONLSource(os.Stdin, logger), func() {}, nil
	}
	f, err := os.Open(eventsPath) // #nosec G304 -- operator-provided feed path
	if err != nil {
		return nil, nil, fmt.Errorf("opening event feed: %w", err)
	}
	closeFn := func() {
		if cerr := f.Close(); cerr != nil {
			logger.WithError(cerr).Warn("event feed close failed")
		}
	}
	return NewJSONLSource(f, logger), closeFn, nil
}
