package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prudhvinik1/classsync/internal/auth"
	"github.com/prudhvinik1/classsync/internal/config"
	"github.com/prudhvinik1/classsync/internal/database"
	"github.com/prudhvinik1/classsync/internal/handlers"
	"github.com/prudhvinik1/classsync/internal/middleware"
	"github.com/prudhvinik1/classsync/internal/notify"
	"github.com/prudhvinik1/classsync/internal/repositories"
	"github.com/prudhvinik1/classsync/internal/services"
)

func main() {
	ctx := context.Background()

	godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Initialize database connections
	postgresPool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to create postgres pool", "error", err)
		os.Exit(1)
	}
	defer postgresPool.Close()

	if err := database.Migrate(postgresPool); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("failed to create redis client", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	// Repositories
	entityRepo := repositories.NewPostgresEntityRepository(postgresPool)
	tombstoneRepo := repositories.NewPostgresTombstoneRepository(postgresPool)
	conflictRepo := repositories.NewPostgresConflictRepository(postgresPool)
	sessionRepo := repositories.NewPostgresSyncSessionRepository(postgresPool)
	changeLogRepo := repositories.NewPostgresChangeLogRepository(postgresPool)
	prefRepo := repositories.NewPostgresPreferenceRepository(postgresPool)
	markerRepo := repositories.NewPostgresSweepMarkerRepository(postgresPool)
	deviceRepo := repositories.NewRedisDeviceStateRepository(redisClient)
	uow := repositories.NewPgUnitOfWork(postgresPool)

	// Services
	notifier := notify.NewRedisConflictNotifier(redisClient, logger)
	tracker := services.NewSessionTracker(sessionRepo, logger)
	deltaSvc := services.NewDeltaService(entityRepo, tombstoneRepo, conflictRepo, deviceRepo, tracker, logger)
	conflictSvc := services.NewConflictService(entityRepo, tombstoneRepo, conflictRepo, notifier, logger)
	batchSvc := services.NewBatchService(uow, changeLogRepo, conflictRepo, deviceRepo, tracker, logger, cfg.MaxBatchSize)
	configSvc := services.NewConfigService(prefRepo, deviceRepo, logger)
	sweepSvc := services.NewSweepService(markerRepo, tombstoneRepo, cfg.TombstoneRetention, cfg.SweepInterval, logger)

	// Handlers
	syncHandler := handlers.NewSyncHandler(deltaSvc, batchSvc, logger)
	conflictHandler := handlers.NewConflictHandler(conflictSvc, logger)
	configHandler := handlers.NewConfigHandler(configSvc, logger)

	// Initialize HTTP Server
	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(middleware.Logging(logger))
	router.Use(chimw.Recoverer)

	// Health check endpoints
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	router.Route("/sync", func(r chi.Router) {
		r.Use(auth.Middleware(cfg.JWTSecret, logger))
		r.Get("/delta", syncHandler.HandleDelta)
		r.Post("/batch-upload", syncHandler.HandleBatchUpload)
		r.Get("/conflicts", conflictHandler.HandleList)
		r.Post("/conflicts/{id}/resolve", conflictHandler.HandleResolve)
		r.Get("/config", configHandler.HandleGet)
		r.Put("/config", configHandler.HandlePut)
	})

	// Tombstone retention sweep
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go sweepSvc.Start(sweepCtx)

	// Start Server
	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: router,
	}

	// graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		stopSweep()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("starting server", "port", cfg.ServerPort)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped gracefully")
}
