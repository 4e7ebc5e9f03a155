// Command live-tender captures live broadcasts and publishes the recordings.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts a monitor+recorder pair per configured room, a periodic record
//     folder cleanup job, and the publish pipeline for finished recordings.
//   - Replays journaled upload failures left by previous runs.
//   - Exposes a minimal HTTP server with /healthz, /status, /rooms, /tasks,
//     and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/koyukia/live-tender/biliapi"
	"github.com/koyukia/live-tender/config"
	"github.com/koyukia/live-tender/db"
	"github.com/koyukia/live-tender/live"
	"github.com/koyukia/live-tender/publish"
	"github.com/koyukia/live-tender/server"
	"github.com/koyukia/live-tender/telemetry"
	"github.com/koyukia/live-tender/upload"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

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
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("live-tender", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	migrationCtx, cancelMigration := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.Migrate(migrationCtx, database); err != nil {
		cancelMigration()
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}
	cancelMigration()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Credential: persist a freshly supplied cookie, fall back to the stored one.
	cookie := cfg.Cookie
	if cookie != "" {
		if err := db.UpsertCredential(ctx, database, "bilibili", cookie); err != nil {
			slog.Warn("failed to persist platform credential", slog.Any("err", err))
		}
	} else if stored, err := db.GetCredential(ctx, database, "bilibili"); err == nil && stored != "" {
		cookie = stored
		slog.Info("platform credential loaded from store")
	}
	if cookie == "" {
		slog.Warn("no platform credential configured, publishing disabled (set BILI_COOKIE)")
	}

	api := &biliapi.Client{Cookie: cookie}
	uploads := upload.New(cookie)
	uploads.ChunkSize = cfg.ChunkSize
	uploads.Concurrency = cfg.UploadConcurrency

	store := &live.RecoveryStore{Folder: cfg.RecordFolder}
	cleaner := &live.Cleaner{Folder: cfg.RecordFolder, Store: store}
	manager := live.NewManager()
	publisher := &publish.Publisher{
		API:             api,
		Uploads:         uploads,
		Store:           store,
		DB:              database,
		DeleteAfterOpen: os.Getenv("DELETE_AFTER_OPEN") == "1",
	}

	if len(cfg.RoomIDs) == 0 {
		slog.Warn("no rooms configured, nothing to capture (set ROOM_IDS)")
	}
	for _, roomID := range cfg.RoomIDs {
		manager.Ensure(roomID, func() *live.AutoRecorder {
			monitor := live.NewMonitor(roomID, api, cfg.PollInterval)
			recorder := live.NewRecorder(live.RecorderOptions{
				RoomID:             roomID,
				Folder:             cfg.RecordFolder,
				Source:             api,
				Resolver:           api,
				Runner:             &live.FFmpegRunner{Path: cfg.FFmpegPath},
				Store:              store,
				Cleaner:            cleaner,
				RetryDelay:         cfg.RetryDelay,
				MaxErrRetries:      cfg.MaxErrRetries,
				FileExistTimeout:   cfg.FileExistTimeout,
				FileGrowthInterval: cfg.FileGrowthInterval,
				StopKillTimeout:    cfg.StopKillTimeout,
				TranscodeMP4:       cfg.TranscodeMP4,
				FFmpegPath:         cfg.FFmpegPath,
			})
			a := live.NewAutoRecorder(ctx, roomID, cfg.AutoRecord, monitor, recorder)
			publisher.Attach(ctx, a)
			attachCatalog(ctx, database, roomID, monitor, recorder)
			return a
		})
	}

	// Replay upload failures journaled by previous runs.
	if cookie != "" {
		go func() {
			if n, err := publisher.ReplayRecovery(ctx); err != nil {
				slog.Warn("recovery replay failed", slog.Any("err", err))
			} else if n > 0 {
				slog.Info("recovery replay finished", slog.Int("replayed", n))
			}
		}()
	}

	// Periodic record folder cleanup, excluding open segments.
	go live.StartCleanupJob(ctx, database, cleaner, cleanupInterval(), func() []string {
		var active []string
		for _, id := range manager.Rooms() {
			if a, ok := manager.Get(id); ok {
				_, segs := a.Recorder.Session()
				active = append(active, segs...)
			}
		}
		return active
	})

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

	// HTTP server (health/status/rooms/tasks/metrics)
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	go func() {
		if err := server.Start(ctx, database, manager, uploads, addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
	manager.DestroyAll()
}

func cleanupInterval() time.Duration {
	if s := os.Getenv("CLEANUP_INTERVAL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			return d
		}
	}
	return time.Hour
}

// attachCatalog mirrors session lifecycle into the recordings table. The
// on-disk recovery journal stays authoritative; this is observability only.
func attachCatalog(ctx context.Context, database *sql.DB, roomID int64, monitor *live.Monitor, recorder *live.Recorder) {
	recorder.Subscribe(live.RecorderHandlers{
		RecStart: func(hash string) {
			title := ""
			if room, ok := monitor.LastOnAir(); ok {
				title = room.Title
			}
			if err := db.UpsertRecording(ctx, database, hash, roomID, title, "recording"); err != nil {
				slog.Warn("failed to catalog recording", slog.Any("err", err))
			}
		},
		RecEnd: func(hash, mergedPath string) {
			if err := db.MarkRecordingEnded(ctx, database, hash, mergedPath, 0, ""); err != nil {
				slog.Warn("failed to catalog recording end", slog.Any("err", err))
			}
		},
	})
}
