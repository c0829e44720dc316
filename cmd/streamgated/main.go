package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/arbiterhq/streamgate/config"
	"github.com/arbiterhq/streamgate/core"
	"github.com/arbiterhq/streamgate/queue"
)

func main() {
	var (
		configPath = flag.String("config", "streamgate.yaml", "path to the server configuration file")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var resolver core.KeyResolver = core.NewHTTPResolver(
		cfg.Resolver.Endpoint,
		cfg.Resolver.Timeout,
		logger.With("service", "resolver"),
	)
	if cfg.Resolver.CacheTTL > 0 {
		caching := core.NewCachingResolver(resolver, cfg.Resolver.CacheTTL)
		defer caching.Stop()
		resolver = caching
	}

	q := queue.NewMemory(cfg.Queue.BufferSize, logger.With("service", "queue"))

	c := core.New(ctx, logger.With("service", "core"), cfg, resolver, q)
	c.Start()

	banner(cfg)

	srv := &http.Server{
		Addr:    cfg.Server.HttpBinding,
		Handler: c.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		if cfg.Server.TLS.Cert != "" {
			errCh <- srv.ListenAndServeTLS(cfg.Server.TLS.Cert, cfg.Server.TLS.Key)
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	c.Shutdown()
	q.Close()
}

func banner(cfg *config.Config) {
	heading := color.New(color.FgCyan, color.Bold)
	heading.Println("streamgate")
	fmt.Printf("  listening on %s", cfg.Server.HttpBinding)
	if cfg.Server.TLS.Cert != "" {
		fmt.Print(" (tls)")
	}
	fmt.Printf("\n  resolver %s\n  retry hint %ds\n", cfg.Resolver.Endpoint, cfg.Server.RetryTime)
}
