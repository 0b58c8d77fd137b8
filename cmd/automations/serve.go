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
	"time"

	"github.com/cschleiden/go-automations/backend"
	"github.com/cschleiden/go-automations/config"
	"github.com/cschleiden/go-automations/continuation"
	"github.com/cschleiden/go-automations/diag"
	"github.com/cschleiden/go-automations/engine"
	"github.com/cschleiden/go-automations/metrics/prometheus"
	"github.com/cschleiden/go-automations/registry"
	"github.com/spf13/cobra"
)

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with the configured drivers and definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	tp, shutdownTracing, err := newTracerProvider(ctx, cfg.Name, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error("Stopping tracer provider", "error", err)
		}
	}()

	mc := prometheus.New()

	drivers, closeDrivers, err := newDrivers(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeDrivers(); err != nil {
			logger.Error("Closing drivers", "error", err)
		}
	}()

	b, err := openBackend(cfg.Backend,
		backend.WithLogger(logger),
		backend.WithMetrics(mc),
		backend.WithTracerProvider(tp),
	)
	if err != nil {
		return err
	}
	defer b.Close()

	reg := registry.New(
		registry.WithLogger(logger),
		registry.WithKnownDrivers(knownDrivers(drivers)),
	)

	reload := func(context.Context) (uint64, error) {
		defs, err := config.LoadDefinitions(cfg.Definitions...)
		if err != nil {
			return reg.Snapshot().Version, err
		}

		s, err := reg.Load(defs)
		return s.Version, err
	}

	defs, err := config.LoadDefinitions(cfg.Definitions...)
	if err != nil {
		return err
	}

	// The registry logs invalid definitions, the valid ones are served
	_, _ = reg.Load(defs)

	options := cfg.Engine.Options()
	options.Logger = logger
	options.Metrics = mc
	options.TracerProvider = tp

	e := engine.New(reg, drivers, continuation.NewStore(b), &options)
	if err := e.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.Diag.Addr,
		ReadHeaderTimeout: 3 * time.Second,
		Handler: diag.NewRouter(e, diag.Options{
			Logger:  logger,
			Reload:  reload,
			Metrics: mc.Handler(),
		}),
	}

	go func() {
		logger.Info("Diagnostics server listening", "addr", cfg.Diag.Addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Diagnostics server", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Stopping diagnostics server", "error", err)
	}

	return e.WaitForCompletion()
}

