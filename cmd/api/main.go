package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"reservia/internal/api"
	"reservia/internal/config"
	"reservia/internal/database"
	"reservia/internal/domain"
	"reservia/internal/engine"
	"reservia/internal/events"
	"reservia/internal/export"
	"reservia/internal/logging"
	"reservia/internal/metrics"
	"reservia/internal/models"
	"reservia/internal/repository"
	"reservia/internal/service"
	"reservia/internal/sweeper"
	"reservia/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v2"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	if err := loadExtraResources(cfg, &logger); err != nil {
		return err
	}

	db, err := initDatabase(cfg, &logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if !cfg.API.Enabled {
		logger.Warn().Msg("API is disabled in config, but starting API application. Check your config.")
	}

	redisClient := initRedis(cfg, &logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	sessions := initSessionRepository(cfg, redisClient, &logger)
	users := service.NewUserService(db, sessions, &logger)

	bus := events.NewEventBus()
	clock := engine.SystemClock()
	eng := engine.New(db, cfg.Reservation, clock, bus, &logger)

	auditWorker := worker.NewAuditWorker(db, redisClient, worker.RetryPolicy{
		MaxRetries:    5,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
	}, &logger)
	auditWorker.Register(bus)

	exporter := initExporter(cfg, db, &logger)

	httpServer := api.NewHTTPServer(cfg.API, cfg.Session, eng, users, db, exporter, &logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go auditWorker.Start(ctx)
	go sweeper.New(eng, clock, cfg.Reservation.SweepInterval(), &logger).Start(ctx)

	startMetrics(ctx, cfg, &logger)

	return startServer(ctx, httpServer, cfg, &logger)
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "api-main").Logger()

	return cfg, logger, closer, nil
}

// loadExtraResources подменяет пул ресурсов из отдельного файла, если он задан.
func loadExtraResources(cfg *config.Config, logger *zerolog.Logger) error {
	resourcesPath := os.Getenv("RESOURCES_PATH")
	if resourcesPath == "" {
		return nil
	}

	data, err := os.ReadFile(resourcesPath)
	if err != nil {
		logger.Error().Err(err).Str("resources_path", resourcesPath).Msg("read resources")
		return err
	}

	var resourcesConfig struct {
		Resources []models.Resource `yaml:"resources"`
	}
	if err := yaml.Unmarshal(data, &resourcesConfig); err != nil {
		logger.Error().Err(err).Str("resources_path", resourcesPath).Msg("parse resources")
		return err
	}
	if err := config.ValidateResources(resourcesConfig.Resources); err != nil {
		return err
	}

	cfg.Resources = resourcesConfig.Resources
	return nil
}

func initDatabase(cfg *config.Config, logger *zerolog.Logger) (*database.DB, error) {
	db, err := database.NewDB(cfg.Database.Path, logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return nil, err
	}

	if err := db.SyncResources(context.Background(), cfg.Resources); err != nil {
		logger.Error().Err(err).Msg("sync resources")
		db.Close()
		return nil, err
	}
	return db, nil
}

func initRedis(cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	redisClient := repository.NewRedisClient(cfg.Redis)
	if _, err := redisClient.Ping(context.Background()).Result(); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return redisClient
}

// initSessionRepository отдаёт redis с failover на память, либо чистую память.
func initSessionRepository(cfg *config.Config, redisClient *redis.Client, logger *zerolog.Logger) domain.SessionRepository {
	memory := repository.NewMemorySessionRepository(cfg.Session.TTL())
	if redisClient == nil {
		return memory
	}
	primary := repository.NewRedisSessionRepository(redisClient, cfg.Session.TTL())
	return repository.NewFailoverSessionRepository(primary, memory, logger)
}

func initExporter(cfg *config.Config, db *database.DB, logger *zerolog.Logger) *export.Exporter {
	if cfg.Exports.Path == "" {
		return nil
	}
	return export.New(db, cfg.Exports.Path, logger)
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startServer(ctx context.Context, httpServer *api.HTTPServer, cfg *config.Config, logger *zerolog.Logger) error {
	go func() {
		if !cfg.API.HTTP.Enabled {
			return
		}
		if err := httpServer.Start(); err != nil {
			logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	logger.Info().Int("http_port", cfg.API.HTTP.Port).Msg("API server started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = httpServer.Shutdown(shutdownCtx)

	logger.Info().Msg("API server stopped")
	return nil
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
