// Command bilirec is the entrypoint for the live room recorder.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Re-applies the stored API credential and restores monitored rooms.
//   - Polls room status, captures live broadcasts, and converts finished
//     recordings according to the configured policy.
//   - Exposes an HTTP API with /healthz, /status, /metrics, rooms and tasks.
//
// Shutdown is graceful on SIGINT/SIGTERM.
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

	"github.com/nekomoe/bilirec/biliapi"
	"github.com/nekomoe/bilirec/config"
	"github.com/nekomoe/bilirec/convert"
	"github.com/nekomoe/bilirec/db"
	"github.com/nekomoe/bilirec/disk"
	"github.com/nekomoe/bilirec/event"
	"github.com/nekomoe/bilirec/orchestrator"
	"github.com/nekomoe/bilirec/room"
	"github.com/nekomoe/bilirec/server"
	"github.com/nekomoe/bilirec/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	switch strings.ToLower(os.Getenv("LOG_FORMAT")) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdownTracing, err := telemetry.InitTracing("bilirec", "1.0.0")
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
	if err := db.Migrate(context.Background(), database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}

	if last, err := db.GetKV(context.Background(), database, "last_clean_shutdown"); err != nil {
		slog.Warn("read shutdown marker", slog.Any("err", err))
	} else if last != "" {
		slog.Info("previous shutdown was clean", slog.String("at", last))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Live API client with the persisted credential, when one is stored.
	client := &biliapi.Client{}
	if cred, err := db.GetCredential(ctx, database); err != nil {
		slog.Warn("load stored credential", slog.Any("err", err))
	} else if cred != "" {
		applyCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
		status, ok := client.Apply(applyCtx, cred)
		cancel()
		slog.Info("stored credential applied", slog.String("status", status), slog.Bool("ok", ok))
	}

	bus := event.NewBus()
	registry := convert.NewRegistry(convert.FFmpegRunner{Path: cfg.FFmpegPath})
	registry.Start(ctx)

	orch := orchestrator.New(bus, registry, database, currentPolicy(cfg))

	capture := room.FFmpegCapture{Path: cfg.FFmpegPath}
	manager := room.NewManager(client, bus, database, capture, cfg.RecordDir, cfg.LivePollInterval)
	manager.OnRoomAdded = orch.Attach
	if err := manager.StartFromStore(ctx); err != nil {
		slog.Error("restore monitored rooms", slog.Any("err", err))
		os.Exit(1)
	}

	diskPoller := disk.NewPoller(cfg.RecordDir, cfg.DiskPollInterval)
	go diskPoller.Run(ctx)

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
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

	go func() {
		err := server.Start(ctx, cfg.HTTPAddr, server.Deps{
			DB:     database,
			Rooms:  manager,
			Tasks:  registry,
			Cred:   client,
			Disk:   diskPoller,
			Policy: currentPolicy(cfg),
		})
		if err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	manager.StopAll()
	registry.StopAll()
	bus.Close()
	if err := db.SetKV(context.Background(), database, "last_clean_shutdown", time.Now().UTC().Format(time.RFC3339)); err != nil {
		slog.Warn("write shutdown marker", slog.Any("err", err))
	}
}

// currentPolicy re-reads the environment so policy flag changes apply to the
// next conversion without a restart, falling back to the boot config when the
// environment no longer parses.
func currentPolicy(boot config.Config) func() config.Config {
	return func() config.Config {
		cfg, err := config.Load()
		if err != nil {
			slog.Warn("config reload failed, using boot config", slog.Any("err", err))
			return boot
		}
		return cfg
	}
}
