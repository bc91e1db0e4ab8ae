package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-remediate/internal/api"
	"github.com/miradorstack/mirador-remediate/internal/auth"
	"github.com/miradorstack/mirador-remediate/internal/metrics"
	"github.com/miradorstack/mirador-remediate/internal/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and gRPC APIs and the background scheduler",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Info("starting mirador-remediate",
		slog.String("version", version),
		slog.String("http_address", cfg.Server.HTTPAddress),
		slog.String("grpc_address", cfg.Server.GRPCAddress),
		slog.String("store", cfg.Store.Driver),
	)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	jwtManager, err := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		return fmt.Errorf("operator auth: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, rt, err := openService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	grpcServer, err := api.NewServer(cfg.Server, api.NewAgentService(svc, logger.With(slog.String("component", "grpc"))))
	if err != nil {
		return fmt.Errorf("create gRPC server: %w", err)
	}

	httpServer := &http.Server{
		Addr: cfg.Server.HTTPAddress,
		Handler: api.NewHTTPHandler(svc, jwtManager, api.HTTPOptions{
			MaxBodyBytes: cfg.Ingest.MaxBodyBytes,
			Logger:       logger.With(slog.String("component", "http")),
		}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
	}

	sched := scheduler.New(svc, scheduler.Options{
		ScanTick:         cfg.Detection.SchedulerTick,
		RetryInterval:    cfg.Dispatch.SweepInterval,
		ApprovalInterval: cfg.Approvals.SweepInterval,
		PruneInterval:    cfg.Detection.Retention / 4,
		Logger:           logger.With(slog.String("component", "scheduler")),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gRPC server listening", slog.String("address", grpcServer.Address()))
		if err := grpcServer.Start(); err != nil {
			return fmt.Errorf("gRPC server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("HTTP server listening", slog.String("address", cfg.Server.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	if metricsServer != nil {
		g.Go(func() error {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), grpcServer.GracefulTimeout())
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("HTTP server shutdown", slog.Any("error", err))
		}
		grpcServer.Shutdown(shutdownCtx)
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server shutdown", slog.Any("error", err))
			}
		}
		return nil
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("mirador-remediate exited", slog.Any("error", err))
		return err
	}
	logger.Info("mirador-remediate stopped")
	return nil
}
