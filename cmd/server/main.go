package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"signdesk/internal/api"
	"signdesk/internal/config"
	"signdesk/internal/db"
	"signdesk/internal/logging"
	"signdesk/internal/notify"
	"signdesk/internal/rate"
	"signdesk/internal/service"
	"signdesk/internal/store"
	"signdesk/internal/version"
	"signdesk/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.LogEnv, cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	sqdb, err := db.Open(cfg.DBDriver, cfg.DBDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer sqdb.Close()
	if err := db.ApplyMigrations(sqdb); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	st := store.New(sqdb)

	var limiter rate.Limiter = rate.NewMemory()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		defer rdb.Close()
		limiter = rate.NewRedis(rdb, "signdesk:rl")
		logger.Info("using redis rate limiter", zap.String("addr", cfg.RedisAddr))
	}

	sender := notify.NewSender(cfg, logger)
	var probes []api.Probe
	if smtp, ok := sender.(notify.SMTPSender); ok {
		probes = append(probes, api.Probe{Name: "smtp", Check: smtp.Probe})
	}

	policy := webhook.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.WebhookMaxAttempts
	policy.BaseDelay = cfg.WebhookBackoffBase()
	dispatcher := webhook.NewDispatcher(
		&http.Client{Timeout: time.Duration(cfg.WebhookTimeoutSec) * time.Second},
		policy, st, logger.Named("webhook"),
	)

	svc := service.New(cfg, st, sender, dispatcher, logger.Named("service"))
	if err := svc.EnsureBootstrapOwner(context.Background()); err != nil {
		return fmt.Errorf("bootstrap owner: %w", err)
	}

	hsrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(cfg, svc, api.Deps{Limiter: limiter, Log: logger.Named("http"), Probes: probes}),
		ReadTimeout:       time.Duration(cfg.HTTPReadTimeoutSec) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.HTTPReadHeaderTimeoutSec) * time.Second,
		WriteTimeout:      time.Duration(cfg.HTTPWriteTimeoutSec) * time.Second,
		IdleTimeout:       time.Duration(cfg.HTTPIdleTimeoutSec) * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr), zap.String("version", version.Current().Version), zap.String("db_driver", cfg.DBDriver))
		if err := hsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := hsrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	dispatcher.Wait()
	svc.Wait()
	return nil
}
