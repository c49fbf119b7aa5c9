package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	flag "github.com/spf13/pflag"

	"github.com/ent0n29/convmode/internal/brain"
	"github.com/ent0n29/convmode/internal/config"
	"github.com/ent0n29/convmode/internal/coordinator"
	"github.com/ent0n29/convmode/internal/correlate"
	"github.com/ent0n29/convmode/internal/httpapi"
	"github.com/ent0n29/convmode/internal/logging"
	"github.com/ent0n29/convmode/internal/memory"
	"github.com/ent0n29/convmode/internal/observability"
	"github.com/ent0n29/convmode/internal/session"
	"github.com/ent0n29/convmode/internal/transcript"
	"github.com/ent0n29/convmode/internal/turn"
)

func main() {
	envFile := flag.StringP("env", "e", ".env", "env file to load before reading configuration")
	logLevel := flag.StringP("log-level", "l", "info", "log level (debug|info|warn|error)")
	logFormat := flag.String("log-format", "text", "log format (text|json)")
	addr := flag.String("addr", "", "listen address, overrides APP_BIND_ADDR")
	flag.Parse()

	level, err := logging.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := logging.New(os.Stderr, *logFormat, level)
	slog.SetDefault(logger)

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("env file not loaded", "path", *envFile, "err", err)
	}

	if err := run(logger, *addr); err != nil {
		logger.Error("convmode exited", "err", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, addrOverride string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if addrOverride != "" {
		cfg.BindAddr = addrOverride
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(cfg.MetricsNamespace, reg)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	store, err := memory.NewStore(runCtx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("memory store init failed: %w", err)
	}
	defer store.Close()

	gen, err := brain.New(cfg.Brain())
	if err != nil {
		return fmt.Errorf("brain init failed: %w", err)
	}
	logger.Info("generator ready", "chain", brain.Describe(gen))

	contextSource := memory.NewContextSource(store)
	convs := httpapi.NewConversations(func(id string) (*coordinator.Coordinator, func()) {
		c := coordinator.New(coordinator.Options{
			ConversationID: id,
			Generator:      gen,
			Context:        contextSource,
			Dedup: transcript.Options{
				Window:         cfg.DedupWindow,
				ShortThreshold: cfg.DedupShortThreshold,
				LongThreshold:  cfg.DedupLongThreshold,
				CommitCooldown: cfg.DedupCommitCooldown,
				CommitBackoff:  cfg.DedupCommitBackoff,
			},
			Turn: turn.Options{
				SilenceTimeout: cfg.TurnSilenceTimeout,
				Interruptible:  cfg.TurnInterruptible,
			},
			Session:             session.Options{Retention: cfg.SessionRetention},
			Correlator:          correlate.Options{MaxEntries: cfg.CorrelatorMaxEntries, TTL: cfg.CorrelatorTTL},
			ContextFetchTimeout: cfg.ContextFetchTimeout,
			ContextLimit:        cfg.ContextLimit,
			PlaybackTimeout:     cfg.PlaybackTimeout,
			AutoRespond:         cfg.AutoRespond,
			DefaultAgents:       cfg.DefaultAgents,
			Logger:              logger,
			Metrics:             metrics,
		})
		janitorCtx, stopJanitor := context.WithCancel(runCtx)
		c.StartJanitor(janitorCtx, cfg.JanitorInterval)

		rec := memory.NewRecorder(store, memory.RecorderOptions{
			ConversationID: c.ID(),
			Redact:         cfg.RedactPII,
			Logger:         logger,
		})
		rec.Attach(c.Bus())
		logger.Info("conversation started", "conversation_id", c.ID())
		return c, func() {
			stopJanitor()
			rec.Close()
			logger.Info("conversation closed", "conversation_id", c.ID())
		}
	})
	defer convs.CloseAll()

	api := httpapi.New(cfg, convs, metrics, logger, store.Ping)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen error: %w", err)
		}
	}

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "err", err)
		_ = httpServer.Close()
	}
	logger.Info("shutdown complete")
	return nil
}
