package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"emotion-duel/config"
	"emotion-duel/handlers"
	"emotion-duel/middleware"
	"emotion-duel/services"
	"emotion-duel/store"
	"emotion-duel/utils"
	"emotion-duel/workers"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer st.Close()
	if err := st.Migrate(); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate database")
	}

	photos, err := newPhotoStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize photo storage")
	}

	catalog, err := services.LoadTaskCatalog(cfg.TasksPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load task catalog")
	}

	var cache services.StatsCache
	if cfg.RedisURL != "" {
		client, err := services.NewRedisClient(ctx, cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer client.Close()
		cache = services.NewRedisStatsCache(client, cfg.CacheTTL)
	} else {
		logger.Warn().Msg("⚠️  REDIS_URL not set, stats are served without cache")
	}

	httpClient := utils.NewHTTPClient(cfg.ScorerTimeout + 10*time.Second)
	scorer := services.NewScorerClient(cfg.ScorerURL, cfg.GameServiceToken, httpClient)
	gateway := services.NewGatewayClient(cfg.GatewayURL, cfg.GameServiceToken, httpClient)

	users := services.NewUserService(st)
	stats := services.NewStatsService(st, users, cache, logger)
	matchmaker := services.NewMatchmaker(st, catalog, cfg.RandomMatchTimeout, cfg.RoomTTL, logger)
	coordinator := services.NewCoordinator(st, scorer, photos, gateway, stats, users, services.CoordinatorConfig{
		ScorerTimeout: cfg.ScorerTimeout,
		DrawEpsilon:   cfg.DrawEpsilon,
		CleanupPhotos: cfg.CleanupUploadsAfterEvaluation,
	}, logger)

	runner := workers.NewDuelRunner(coordinator.RunDuel, cfg.DuelWorkers, 4*cfg.DuelWorkers, logger)
	runner.Start(ctx)

	// A run never outlives two scorer timeouts plus delivery.
	stalled := workers.NewStalledDuelWorker(coordinator, cfg.SweepInterval, 2*cfg.ScorerTimeout+time.Minute, logger)
	stalled.Start(ctx)

	sched, err := services.StartMaintenanceScheduler(ctx, matchmaker, cfg.SweepInterval, cfg.DedupAuditInterval, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start scheduler")
	}

	app := fiber.New(fiber.Config{
		BodyLimit:   16 << 20,
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,
	})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// 🔐 Only Gateway requests past this point
	app.Use(middleware.GatewayAuthMiddleware(cfg.GameServiceToken, logger))
	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.AllowedOrigins,
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-User-ID, X-Service-Token",
	}))

	handlers.SetupDuelRoutes(app, matchmaker, coordinator, users, runner, logger)
	handlers.SetupStatsRoutes(app, stats, logger)
	handlers.SetupTaskRoutes(app, catalog)

	go func() {
		if err := app.Listen(cfg.ServerAddr); err != nil {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()
	logger.Info().Str("addr", cfg.ServerAddr).Msg("✅ emotion duel coordinator running")

	<-ctx.Done()
	logger.Info().Msg("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if err := sched.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("scheduler shutdown failed")
	}
	if err := runner.Wait(); err != nil {
		logger.Error().Err(err).Msg("duel runner shutdown failed")
	}
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.LogFormat == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

func newPhotoStore(ctx context.Context, cfg config.Config) (services.PhotoStore, error) {
	if cfg.PhotoStorage == config.PhotoStorageR2 {
		return utils.NewR2PhotoStore(ctx, cfg.R2.AccountID, cfg.R2.AccessKeyID, cfg.R2.AccessKeySecret, cfg.R2.Bucket)
	}
	return utils.NewLocalPhotoStore(cfg.UploadsDir)
}
