// Command voicewarden is the entrypoint for the voice routing and capture service.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Wires the presence router, capture supervisor, consent gate, and artifact store.
//   - Starts background jobs: the routing probe and the artifact sweep.
//   - Exposes an HTTP server with /healthz, /readyz, /status, /metrics, and admin routes.
//
// Shutdown is graceful on SIGINT/SIGTERM: every session is disconnected, which in turn
// force-finalizes every live capture pipeline.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/voicewarden/artifact"
	"github.com/onnwee/voicewarden/capture"
	"github.com/onnwee/voicewarden/config"
	"github.com/onnwee/voicewarden/consent"
	"github.com/onnwee/voicewarden/db"
	"github.com/onnwee/voicewarden/health"
	"github.com/onnwee/voicewarden/platform"
	"github.com/onnwee/voicewarden/policy"
	"github.com/onnwee/voicewarden/router"
	"github.com/onnwee/voicewarden/server"
	"github.com/onnwee/voicewarden/telemetry"
	"github.com/onnwee/voicewarden/transcribe"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	initLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("voicewarden", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first; fall back to the embedded schema for deployments that
	// predate the migrations directory.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting embedded schema",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Platform adapter. The loopback serves local development and integration tests; a
	// real deployment registers its platform SDK adapter here.
	loop := platform.NewLoopback()
	slog.Info("no platform adapter configured; using in-process loopback")

	store, err := artifact.NewStore(cfg.TempRoot)
	if err != nil {
		slog.Error("artifact store init failed", slog.Any("err", err))
		os.Exit(1)
	}

	policies := &policy.PGStore{DB: database}
	gate := &consent.Gate{
		Store:     &consent.PGStore{DB: database},
		Messenger: loop,
		Muter:     loop,
	}
	adapter := &transcribe.ExecAdapter{
		ConvertCmd:    cfg.ConvertCommand,
		TranscribeCmd: cfg.TranscribeCommand,
	}
	breaker := health.NewBreaker(10, time.Minute, 30*time.Second)
	breaker.OnStateChange = func(s health.State) {
		telemetry.UpdateCircuitGauge(s == health.Open)
		slog.Info("circuit state changed", slog.String("state", s.String()))
	}

	supervisor := capture.NewSupervisor(capture.Config{
		StopGrace:      cfg.StopGrace,
		SilenceMin:     cfg.SilenceMin,
		SilenceMax:     cfg.SilenceMax,
		MinArtifactLen: cfg.MinArtifactLen,
	}, policies, gate, loop, loop, store, adapter, nil)

	manager := router.NewManager(router.Config{
		MoveCooldown:   cfg.MoveCooldown,
		RouteLockHold:  cfg.RouteLockHold,
		IdleLinger:     cfg.IdleLinger,
		ProbeInterval:  cfg.ProbeInterval,
		ReconnectLock:  cfg.ReconnectLock,
		ExpectedWindow: cfg.ExpectedWindow,
		Quorum:         cfg.Quorum,
	}, policies, loop, loop, supervisor, nil, breaker)

	go manager.StartProbeJob(ctx)
	go store.StartSweepJob(ctx, database, artifact.SweepPolicy{
		Staleness: cfg.SweepStaleness,
		Interval:  cfg.SweepInterval,
		DryRun:    cfg.SweepDryRun,
	})

	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	go func() {
		err := server.Start(ctx, server.Deps{
			DB:      database,
			Router:  manager,
			Capture: supervisor,
			Store:   store,
			Breaker: breaker,
			Gate:    gate,
		}, addr)
		if err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	manager.Teardown(teardownCtx)
}

func initLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()))
}
