package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/bobarin/adreel/internal/api"
	"github.com/bobarin/adreel/internal/config"
	"github.com/bobarin/adreel/internal/credits"
	"github.com/bobarin/adreel/internal/db"
	"github.com/bobarin/adreel/internal/logger"
	"github.com/bobarin/adreel/internal/metrics"
	"github.com/bobarin/adreel/internal/models"
	"github.com/bobarin/adreel/internal/notify"
	"github.com/bobarin/adreel/internal/overlay"
	"github.com/bobarin/adreel/internal/pathguard"
	"github.com/bobarin/adreel/internal/queue"
	"github.com/bobarin/adreel/internal/services"
	"github.com/bobarin/adreel/internal/shutdown"
	"github.com/bobarin/adreel/internal/storage"
	"github.com/bobarin/adreel/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.NewDefault().Fatal("Failed to load config", zap.Error(err))
	}

	log := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		ServiceName: "adreel-worker",
	})
	defer log.Sync()
	log.Info("Starting ad render worker")

	ctx := context.Background()
	sm := shutdown.NewManager(log, cfg.ShutdownTimeout)

	// Connect to database
	database, err := db.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	sm.Register("database", func(context.Context) error { return database.Close() })
	log.Info("Connected to database", zap.String("driver", cfg.DatabaseDriver))

	// Connect to Redis queue
	q, err := queue.New(cfg.RedisURL)
	if err != nil {
		log.Fatal("Failed to connect to queue", zap.Error(err))
	}
	sm.Register("queue", func(context.Context) error { return q.Close() })
	log.Info("Connected to Redis queue")

	// Initialize storage
	stor, err := storage.New(ctx, storage.Config{
		Provider:           cfg.StorageProvider,
		LocalRoot:          cfg.StorageLocalRoot,
		PublicBaseURL:      cfg.PublicBaseURL,
		SupabaseURL:        cfg.SupabaseURL,
		SupabaseKey:        cfg.SupabaseServiceKey,
		SupabaseBucket:     cfg.SupabaseStorageBucket,
		GDriveClientID:     cfg.GDriveClientID,
		GDriveClientSecret: cfg.GDriveClientSecret,
		GDriveRefreshToken: cfg.GDriveRefreshToken,
		GDriveFolderID:     cfg.GDriveFolderID,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize storage", zap.Error(err))
	}
	log.Info("Initialized storage", zap.String("provider", stor.Name()))

	if err := os.MkdirAll(cfg.UploadsRoot, 0o755); err != nil {
		log.Fatal("Failed to create uploads root", zap.Error(err))
	}
	uploads, err := pathguard.New(cfg.UploadsRoot)
	if err != nil {
		log.Fatal("Invalid uploads root", zap.Error(err))
	}

	ffmpegSvc, err := services.NewFFmpegService(services.FFmpegConfig{
		TempDir: cfg.WorkDir,
		Timeout: cfg.CompositorTimeout,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize ffmpeg", zap.Error(err))
	}

	fonts := overlay.LoadFontSet(overlay.FontPaths{
		Regular: cfg.FontPath,
		Bold:    cfg.FontBoldPath,
		Emoji:   cfg.EmojiFontPath,
	}, log)

	m := metrics.NewMetrics()
	reconciler := credits.NewReconciler(database, log)
	notifier := notify.NewNotifier(q, queue.NotificationsChannel, log)
	fetcher := storage.NewFetcher()

	rt := worker.NewRuntime(q, log, m)

	if cfg.RenderConcurrency > 0 {
		render := worker.NewRenderWorker(worker.RenderDeps{
			Uploads:    uploads,
			Rasterizer: overlay.NewRasterizer(fonts),
			Compositor: ffmpegSvc,
			Storage:    stor,
			Fetcher:    fetcher,
			Results:    q,
			Credits:    reconciler,
			Notifier:   notifier,
			Metrics:    m,
			Retention:  cfg.StaleOutputRetention,
		}, log)
		rt.Register(queue.Name(models.JobTypeRender), cfg.RenderConcurrency, render.Handle)
	}

	if cfg.VideoGenConcurrency > 0 {
		router, err := newProviderRouter(ctx, cfg, log)
		if err != nil {
			log.Fatal("Failed to initialize generation providers", zap.Error(err))
		}
		gen := worker.NewGenWorker(worker.GenDeps{
			Providers:  router,
			Fetcher:    fetcher,
			Compositor: ffmpegSvc,
			Storage:    stor,
			Assets:     database,
			Results:    q,
			Credits:    reconciler,
			Notifier:   notifier,
			Metrics:    m,
		}, worker.GenConfig{
			UnitCost:     cfg.GenUnitCost,
			MaxRetries:   cfg.GenMaxRetries,
			RetryDelay:   cfg.GenRetryDelay,
			PollInterval: cfg.GenPollInterval,
			PollTimeout:  cfg.GenPollTimeout,
		}, log)
		rt.Register(queue.Name(models.JobTypeVideoGen), cfg.VideoGenConcurrency, gen.Handle)
	}

	rt.Start(ctx)
	// Registered after the connections so it runs before they close.
	sm.Register("workers", rt.Stop)

	if cfg.APIEnabled {
		handler := api.NewHandler(api.Deps{
			Queue:       q,
			Credits:     reconciler,
			Assets:      database,
			Ledger:      database,
			Metrics:     m,
			GenUnitCost: cfg.GenUnitCost,
		}, log)
		router := api.NewRouter(handler, api.RouterConfig{
			APIKey:             cfg.BackendAPIKey,
			CorsAllowedOrigins: cfg.CorsAllowedOrigins,
		})

		if cfg.BackendAPIKey != "" {
			log.Info("API key authentication enabled")
		} else {
			log.Warn("No BACKEND_API_KEY set, API is unprotected (dev mode)")
		}

		server := &http.Server{
			Addr:              ":" + cfg.APIPort,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info("API server listening", zap.String("port", cfg.APIPort))
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatal("Server error", zap.Error(err))
			}
		}()
		sm.Register("http", server.Shutdown)
	}

	sm.WaitWithContext(ctx)
	log.Info("Worker exited")
}

// newProviderRouter sends models prefixed "veo" to Veo and "grok" to xAI when
// their keys are set. Everything else goes to the task API.
func newProviderRouter(ctx context.Context, cfg *config.Config, log *logger.Logger) (*services.ProviderRouter, error) {
	var fallback services.VideoProvider
	if cfg.GenProviderURL != "" {
		fallback = services.NewTaskAPIProvider(cfg.GenProviderURL, cfg.GenProviderKey, log)
	}

	var veo *services.VeoProvider
	if cfg.GeminiKey != "" {
		var err error
		if veo, err = services.NewVeoProvider(ctx, cfg.GeminiKey, log); err != nil {
			return nil, err
		}
		if fallback == nil {
			fallback = veo
		}
	}

	var xai *services.XAIProvider
	if cfg.XAIKey != "" {
		xai = services.NewXAIProvider("", cfg.XAIKey, log)
		if fallback == nil {
			fallback = xai
		}
	}

	router := services.NewProviderRouter(fallback)
	if veo != nil {
		router.Route("veo", veo)
	}
	if xai != nil {
		router.Route("grok", xai)
	}
	return router, nil
}
