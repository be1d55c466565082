package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	api "github.com/veranemoloko/artifact-provisioner/internal/api/http"
	cfgpkg "github.com/veranemoloko/artifact-provisioner/internal/config"
	"github.com/veranemoloko/artifact-provisioner/internal/netwatch"
	"github.com/veranemoloko/artifact-provisioner/internal/orchestrator"
	"github.com/veranemoloko/artifact-provisioner/internal/registry"
	"github.com/veranemoloko/artifact-provisioner/internal/scheduler"
	"github.com/veranemoloko/artifact-provisioner/internal/speed"
	"github.com/veranemoloko/artifact-provisioner/internal/storage"
	"github.com/veranemoloko/artifact-provisioner/internal/transport"
)

func main() {
	app := &cli.App{
		Name:  "provisioner",
		Usage: "provision model weights, datasets and embedding models onto this device",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the download orchestration service",
				Action: func(*cli.Context) error { return serve() },
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("provisioner exited", "error", err)
		os.Exit(1)
	}
}

func serve() error {
	cfg, err := cfgpkg.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	cfgpkg.SetupLogger(cfg)
	slog.Info("configuration loaded successfully")

	installLog, err := storage.NewInstallLog(cfg.InstallLogFile)
	if err != nil {
		return fmt.Errorf("initialize install log: %w", err)
	}

	monitor := netwatch.NewMonitor(slog.Default())
	deps := orchestrator.Deps{
		Store:     storage.NewArtifactStore(cfg.ArtifactDir),
		Transport: transport.NewHTTP(nil, slog.Default()),
		Scheduler: scheduler.New(cfg.SchedulerConcurrency, &http.Client{Timeout: cfg.ProbeTimeout}),
		Net:       monitor,
		Speed:     speed.NewEstimator(),
		Installer: installLog,
		Logger:    slog.Default(),
	}

	reg := registry.New(deps, registry.Options{
		GraceFinished: cfg.GraceFinished,
		GraceFailed:   cfg.GraceFailed,
		BackoffCap:    cfg.BackoffCap,
		SweepInterval: cfg.SweepInterval,
	})
	defer reg.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go reg.RunSweeper(ctx)
	go monitor.Probe(ctx, cfg.ConnectivityProbeURL, cfg.ConnectivityProbeInterval)

	router := api.NewRouter(reg, slog.Default())
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  cfg.HTTPTimeout,
		WriteTimeout: cfg.HTTPTimeout,
		IdleTimeout:  cfg.HTTPTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed to start: %w", err)
	case <-ctx.Done():
	}
	slog.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "error", err)
		return err
	}
	slog.Info("server stopped gracefully")
	return nil
}
