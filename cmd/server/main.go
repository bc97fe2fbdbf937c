package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/openclock/attendsync/internal/config"
	"github.com/openclock/attendsync/internal/database"
	"github.com/openclock/attendsync/internal/handlers"
	"github.com/openclock/attendsync/internal/repositories"
	"github.com/openclock/attendsync/internal/services"
	"github.com/openclock/attendsync/internal/transport"
)

func main() {
	ctx := context.Background()

	godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize database connections
	postgresPool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to create postgres pool: %v", err)
	}
	defer postgresPool.Close()

	redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to create redis client: %v", err)
	}
	defer redisClient.Close()

	// Repositories
	deviceRepo := repositories.NewPostgresDeviceRepository(postgresPool)
	userRepo := repositories.NewPostgresUserRepository(postgresPool)
	attendanceRepo := repositories.NewPostgresAttendanceRepository(postgresPool)
	commandRepo := repositories.NewRedisCommandRepository(redisClient)
	presenceRepo := repositories.NewRedisPresenceRepository(redisClient)

	// Services
	stream := services.NewEventStream()
	supervisor := services.NewConnectionSupervisor(transport.NetDialer{})
	health := services.NewHealthMonitor()
	captureSvc := services.NewCaptureService(
		supervisor, deviceRepo, attendanceRepo, stream, health,
		cfg.MaxConcurrentDevices, cfg.ReadTimeout, cfg.ReconnectDelay, cfg.StopWaitTimeout)

	upstream := services.NewUpstreamClient(cfg.UpstreamURL, cfg.UpstreamAPIKey)
	syncSvc := services.NewSyncService(attendanceRepo, userRepo, upstream, cfg.SyncBatchSize)
	pushSvc := services.NewPushService(
		deviceRepo, userRepo, attendanceRepo, commandRepo, presenceRepo, stream, cfg.BiodataDir)
	authSvc := services.NewAuthService(cfg.OperatorPasswordHash, cfg.JWTSecret, cfg.JWTExpiry)
	scheduler := services.NewSchedulerService(
		syncSvc, captureSvc, cfg.DailySyncSpec, cfg.FirstCheckinInterval, cfg.WatchdogInterval)

	// HTTP surface
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	handlers.NewPushHandler(pushSvc).RegisterRoutes(router)
	handlers.NewAdminHandler(authSvc, captureSvc, syncSvc, pushSvc, stream).RegisterRoutes(router)

	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	// Bring up capture workers for the provisioned fleet.
	if report, err := captureSvc.StartAll(ctx); err != nil {
		slog.Error("initial capture start failed", "error", err)
	} else {
		slog.Info("initial capture start",
			"started", len(report.Started),
			"rejected", len(report.Rejected),
			"skipped", len(report.Skipped))
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("server listening", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sigChan:
		case <-gctx.Done():
			return nil
		}

		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
	}

	scheduler.Stop()
	captureSvc.StopAll()
	supervisor.ReleaseAll()

	slog.Info("server stopped gracefully")
}
