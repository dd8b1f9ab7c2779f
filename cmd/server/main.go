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

	"golang.org/x/sync/errgroup"

	"tracerun/internal/platform/config"
	"tracerun/internal/platform/httpserver"
	"tracerun/internal/platform/logger"
	"tracerun/internal/platform/metrics"
	"tracerun/internal/run/engine"
)

// main wires infrastructure, the run engine and its background loops, and
// keeps the process lifecycle small. The domain API is served by whatever
// transport embeds the engine; this process exposes only operational
// endpoints and the reconciler.
func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("tracerun stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("tracerun stopped")
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	m := metrics.New()

	infra, err := buildInfra(ctx, cfg, log, m)
	if err != nil {
		return err
	}
	defer infra.Close(log)

	eng, err := engine.New(infra.deps, engine.ConfigFrom(cfg.Engine, executorID()),
		engine.WithLogger(log),
		engine.WithMetrics(m),
	)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	// Close runs a crashed predecessor left behind before serving.
	if n, err := eng.Reconcile(ctx); err != nil {
		log.ErrorContext(ctx, "startup reconcile failed", "error", err)
	} else if n > 0 {
		log.InfoContext(ctx, "startup reconcile closed runs", "count", n)
	}

	srv := httpserver.New(cfg.Server.Addr, httpserver.OpsRouter(infra.readiness))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.InfoContext(gctx, "starting tracerun", "addr", cfg.Server.Addr, "executor", executorID())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		eng.RunReconciler(gctx, cfg.Engine.ReconcileInterval)
		return nil
	})
	if infra.mirror != nil {
		g.Go(func() error {
			return infra.mirror.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func executorID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "tracerun"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
