package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Singlerr/FarPlaneTwo/internal/generator"
	v1 "github.com/Singlerr/FarPlaneTwo/internal/infrastructure/http/v1"
	"github.com/Singlerr/FarPlaneTwo/internal/infrastructure/http/v1/handler"
	"github.com/Singlerr/FarPlaneTwo/internal/repository/store"
	"github.com/Singlerr/FarPlaneTwo/internal/scheduler"
	"github.com/Singlerr/FarPlaneTwo/internal/source"
	"github.com/Singlerr/FarPlaneTwo/internal/storage"
	"github.com/Singlerr/FarPlaneTwo/internal/tile"
	"github.com/Singlerr/FarPlaneTwo/internal/usecase"
	"github.com/Singlerr/FarPlaneTwo/internal/worker"
	"github.com/Singlerr/FarPlaneTwo/pkg/config"
	"github.com/Singlerr/FarPlaneTwo/pkg/http_server"
	"github.com/Singlerr/FarPlaneTwo/pkg/logger"
	"github.com/Singlerr/FarPlaneTwo/pkg/telemetry"
	"github.com/go-playground/validator/v10"
)

func Run(cfg *config.Config) {
	l := logger.NewZapLogger(cfg.Logger)
	defer l.Sync()

	l.Info("app config", "cfg", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithLogger(ctx, l)

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.InitTracer(telemetry.Config{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: cfg.Telemetry.ServiceVersion,
			Environment:    cfg.Telemetry.Environment,
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		}, l)
		if err != nil {
			l.Fatal("failed to initialize telemetry", "error", err)
		}
		defer func() {
			if err := shutdownTelemetry(context.Background()); err != nil {
				l.Error("failed to shutdown telemetry", "error", err)
			}
		}()
		l.Info("telemetry initialized", "service", cfg.Telemetry.ServiceName)
	}

	tileStore, err := newStore(cfg, l)
	if err != nil {
		l.Fatal("failed to initialize tile store", "backend", cfg.Storage.Backend, "error", err)
	}

	tiles, err := storage.New(tileStore, l.With("component", "storage"), cfg.Storage.FlushInterval)
	if err != nil {
		l.Fatal("failed to initialize tile storage", "error", err)
	}

	profile := generator.DefaultProfile()
	if cfg.Generation.ProfilePath != "" {
		p, err := generator.LoadProfile(cfg.Generation.ProfilePath)
		if err != nil {
			l.Fatal("failed to load generator profile", "path", cfg.Generation.ProfilePath, "error", err)
		}
		profile = *p
	}
	genCtx, err := generator.NewContext(profile)
	if err != nil {
		l.Fatal("failed to initialize generator", "error", err)
	}

	world := source.NewMemory(genCtx.ColumnAt, false)
	pool := tile.NewPool()
	sched := scheduler.New(cfg.Generation.MaxConcurrentWorkers, l.With("component", "scheduler"))

	terrainUseCase := usecase.NewTerrainUseCase(usecase.Config{
		MaxLevel:          cfg.Generation.MaxLevel,
		PrefetchNeighbors: cfg.Generation.PrefetchNeighbors,
		RescheduleRate:    cfg.Scheduler.RescheduleRate,
		RescheduleBurst:   cfg.Scheduler.RescheduleBurst,
	}, tiles, sched, world, pool, l.With("component", "terrain"))

	tileWorker := worker.New(worker.Config{
		LowResolutionEnabled:  cfg.Generation.LowResolutionEnabled,
		ProgressiveRefinement: cfg.Generation.ProgressiveRefinement,
	}, tiles, generator.NewHeightmap(genCtx), world, sched, terrainUseCase, pool, l.With("component", "worker"))

	h := handler.NewHandler(validator.New(), terrainUseCase)
	router := v1.NewRouter(h, l, cfg.Telemetry.Enabled, cfg.HTTP.Timeout)
	httpServer := http_server.NewServer(ctx, cfg.HTTP.Server, router)

	schedulerDone := make(chan error, 1)
	go func() {
		schedulerDone <- terrainUseCase.Run(ctx, tileWorker)
	}()

	go func() {
		l.Info("starting http server...", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Fatal("http server failed", "error", err)
		}
		l.Info("http server stopped", "address", httpServer.Addr)
	}()

	<-ctx.Done()
	l.Info("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	l.Info("shutting down http server...", "address", httpServer.Addr)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		l.Error("http server shutdown failed", "error", err)
	} else {
		l.Info("http_server shutdown completed")
	}

	select {
	case err := <-schedulerDone:
		if err != nil {
			l.Error("scheduler stopped with error", "error", err)
		}
	case <-shutdownCtx.Done():
		l.Warn("timeout waiting for scheduler to finish")
	}

	if err := terrainUseCase.Close(); err != nil {
		l.Error("failed to close tile storage", "error", err)
	}

	l.Info("application shutdown completed")
}

func newStore(cfg *config.Config, l logger.Logger) (store.Store, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return store.NewMapStore(), nil
	case "filesystem":
		return store.NewFilesystemStore(cfg.Storage.Root)
	case "sqlite":
		return store.NewSQLiteStore(cfg.Storage.SQLitePath, l)
	case "redis":
		return store.NewRedisStore(store.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
