// Command parley is the interview coaching backend: it terminates the
// browser WebSocket sessions, relays speech to the Realtime API, and
// receives meeting-bot webhooks.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/health"
	"github.com/parleyhq/parley/internal/observe"
	"github.com/parleyhq/parley/internal/recall"
	"github.com/parleyhq/parley/internal/relay"
	"github.com/parleyhq/parley/internal/room"
)

const version = "0.4.0"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so a config reload can adjust it
	// without rebuilding the handler.
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("parley starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "parley",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	// DefaultMetrics binds to the global meter provider on first use, so
	// it must come after InitProvider.
	metrics := observe.DefaultMetrics()

	if cfg.OpenAI.APIKey == "" {
		slog.Warn("openai api key not configured — session starts will fail with a session.error until one is set")
	}

	// ── Meeting bots ──────────────────────────────────────────────────────────
	bots := recall.NewClient(cfg.Recall.APIKey, cfg.Recall.BaseURL, cfg.Recall.WebhookBaseURL)
	if bots.Enabled() {
		slog.Info("recall meeting bots enabled", "webhook_base", cfg.Recall.WebhookBaseURL)
	} else {
		slog.Info("recall meeting bots disabled — sessions use the local microphone")
	}

	// ── Room manager ──────────────────────────────────────────────────────────
	factory := func(rc relay.Config, cb relay.Callbacks) room.RelayHandle {
		return relay.New(rc, cb)
	}
	manager := room.NewManager(roomSettings(cfg), factory, bots, auth.AllowNonEmpty{})

	// ── HTTP routes ───────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	mux.Handle("/ws", manager)
	mux.Handle("POST /api/webhooks/recall", recall.NewWebhookHandler(
		cfg.Recall.WebhookSecret,
		recall.RoomDirectoryFunc(func(botID string) (recall.SessionRoom, bool) {
			return manager.GetRoomByBot(botID)
		}),
	))
	mux.Handle("GET /metrics", promhttp.Handler())

	health.New(
		health.Checker{Name: "openai", Check: func(context.Context) error {
			if cfg.OpenAI.APIKey == "" {
				return errors.New("openai api key not configured")
			}
			return nil
		}},
		health.Checker{Name: "rooms", Check: func(context.Context) error {
			for id, st := range manager.RoomStates() {
				slog.Debug("room state", "session_id", id, "status", st)
			}
			return nil
		}},
	).Register(mux)

	handler := observe.Middleware(metrics)(mux)

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		diff := config.Diff(old, new)
		if !diff.Changed() {
			return
		}
		if diff.LogLevelChanged {
			level.Set(slogLevel(diff.NewLogLevel))
			slog.Info("log level changed", "log_level", diff.NewLogLevel)
		}
		if diff.CoachingChanged || diff.AudioChanged {
			slog.Info("coaching/audio tuning changed — applies to sessions started from now on")
		}
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	// ── Serve ─────────────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			slog.Info("listening with TLS", "addr", srv.Addr)
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			slog.Info("listening", "addr", srv.Addr)
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()

		slog.Info("shutdown signal received, stopping…")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		manager.Shutdown(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Wiring helpers ────────────────────────────────────────────────────────────

// roomSettings maps the loaded configuration onto the per-room settings
// every new session starts from.
func roomSettings(cfg *config.Config) room.Settings {
	return room.Settings{
		OpenAIKey:       cfg.OpenAI.APIKey,
		OpenAIBaseURL:   cfg.OpenAI.BaseURL,
		Model:           cfg.OpenAI.Model,
		Topics:          cfg.Coaching.Topics,
		CulturalContext: cfg.Coaching.CulturalContext,
		VADThreshold:    cfg.Audio.VADThreshold,
		MaxSilentFrames: cfg.Audio.MaxSilentFrames,

		ConfidenceFloor:       cfg.Coaching.ConfidenceFloor,
		MaxCoachingPerSession: cfg.Coaching.MaxPerSession,
		CoachingCooldown:      time.Duration(cfg.Coaching.CooldownSeconds) * time.Second,
		CoachingCadence:       cfg.Coaching.Cadence,
	}
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
