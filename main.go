package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/aegisai/aegis/internal/auth"
	"github.com/aegisai/aegis/internal/config"
	"github.com/aegisai/aegis/internal/db"
	"github.com/aegisai/aegis/internal/engine/executor"
	"github.com/aegisai/aegis/internal/engine/generator"
	"github.com/aegisai/aegis/internal/engine/judge"
	"github.com/aegisai/aegis/internal/engine/runner"
	"github.com/aegisai/aegis/internal/firewall"
	"github.com/aegisai/aegis/internal/httpapi"
	"github.com/aegisai/aegis/internal/kv"
	"github.com/aegisai/aegis/internal/llm"
	_ "github.com/aegisai/aegis/internal/metrics" // collector registration
	"github.com/aegisai/aegis/internal/ratecontrol"
	"github.com/aegisai/aegis/internal/tracing"
	"github.com/aegisai/aegis/internal/vault"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.TracingEnabled, cfg.TracingEndpoint, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	v, err := vault.New(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("init vault: %w", err)
	}

	store, err := db.NewClient(db.Config{
		Host:     cfg.PostgresHost,
		Port:     cfg.PostgresPort,
		User:     cfg.PostgresUser,
		Password: cfg.PostgresPassword,
		Database: cfg.PostgresDB,
		SSLMode:  cfg.PostgresSSLMode,
	}, v, logger)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer store.Close()

	cache, err := kv.New(cfg.RedisAddr(), cfg.RedisPassword, cfg.RedisDB, logger)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer cache.Close()

	gateway := llm.NewGateway(cfg.LLMRequestTimeout, logger)
	pacer := ratecontrol.New(cfg.RateControlPath, cfg.InterRequestDelay, logger)
	defer pacer.Close()

	eng := runner.New(
		store,
		cache,
		gateway,
		generator.New(gateway, logger),
		executor.New(gateway, logger, executor.WithRetries(cfg.ExperimentMaxRetries)),
		judge.New(gateway, logger),
		logger,
		runner.Config{
			BatchSize:         cfg.ExperimentBatchSize,
			InterRequestDelay: cfg.InterRequestDelay,
		},
		runner.WithPacer(pacer),
	)

	fw := firewall.New(store, cache, gateway, firewall.Config{
		RateLimitPerMinute: cfg.FirewallRateLimitPerMinute,
		JudgeModel:         cfg.LLMJudgeModel,
	}, logger)
	defer fw.Close()

	authSvc := auth.NewService(store, logger, auth.Config{
		SecretKey:          cfg.SecretKey,
		AccessTokenExpiry:  cfg.AccessTokenExpiry,
		RefreshTokenExpiry: cfg.RefreshTokenExpiry,
		GoogleClientID:     cfg.GoogleClientID,
	})

	api := httpapi.New(cfg, logger, store, cache, v, gateway, authSvc, eng, fw)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown incomplete", zap.Error(err))
	}
	return nil
}

func buildLogger(cfg *config.Settings) (*zap.Logger, error) {
	if cfg.IsProduction() {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
