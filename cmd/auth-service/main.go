// cmd/auth-service/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"browser-auth/internal/audit"
	"browser-auth/internal/browser"
	"browser-auth/internal/common/config"
	"browser-auth/internal/common/database"
	"browser-auth/internal/common/logger"
	"browser-auth/internal/common/observability"
	"browser-auth/internal/login"
	"browser-auth/internal/notify"
	"browser-auth/internal/server"
	"browser-auth/internal/store"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2 // Exponential backoff
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting auth service...",
		zap.String("environment", cfg.App.Environment),
		zap.String("version", cfg.App.Version),
	)

	obs := observability.New(cfg.App.Name)
	defer obs.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Init Redis (session store) with retry ---
	redisManager := database.NewRedisManager(cfg.Redis, log)
	err = retryWithBackoff(func() error {
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		return redisManager.Connect(connectCtx)
	}, 10, 2*time.Second, zapLog, "Redis connection")
	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer redisManager.Close()
	zapLog.Info("Redis connected successfully")

	sessions := store.NewSessionStore(redisManager, cfg.Redis, log)

	// --- Init Elasticsearch audit trail (optional) ---
	var recorder *audit.Recorder
	if cfg.Audit.Enabled {
		var esClient *database.ElasticsearchClient
		err = retryWithBackoff(func() error {
			var err error
			esClient, err = database.NewElasticsearch(cfg.Audit)
			if err != nil {
				return err
			}
			return esClient.Ping()
		}, 15, 2*time.Second, zapLog, "Elasticsearch connection")
		if err != nil {
			zapLog.Fatal("elasticsearch failed after retries", zap.Error(err))
		}
		recorder = audit.NewRecorder(esClient, cfg.Audit.Index, log)
		zapLog.Info("Elasticsearch connected successfully")
	} else {
		zapLog.Info("Audit trail disabled")
	}

	// --- Init challenge notifier (optional) ---
	var notifier *notify.Notifier
	if cfg.Notifications.Email.Enabled || cfg.Notifications.SMS.Enabled {
		notifier, err = notify.NewNotifier(ctx, cfg.Notifications, log)
		if err != nil {
			zapLog.Fatal("notifier initialization failed", zap.Error(err))
		}
		zapLog.Info("Challenge notifier initialized")
	}

	// --- Init browser driver and instance pool ---
	driver, err := browser.NewPlaywrightDriver()
	if err != nil {
		zapLog.Fatal("playwright driver failed", zap.Error(err))
	}
	defer driver.Close()
	zapLog.Info("Playwright driver ready")

	pool := browser.NewInstancePool(driver, sessions, cfg, log)
	go pool.Run(ctx)

	manager := login.NewManager(cfg, sessions, pool, notifier, recorder, obs, log)

	// --- HTTP API, health, and metrics ---
	srv := server.NewServer(cfg.Diagnostics, manager, pool, redisManager, log)
	go func() {
		if err := srv.Start(); err != nil {
			zapLog.Fatal("http server failed", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	<-ctx.Done()
	zapLog.Info("Shutdown signal received, stopping auth service...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("Error shutting down http server", zap.Error(err))
	}

	// Hibernate every live instance so sessions survive the restart.
	pool.Shutdown(shutdownCtx)

	zapLog.Info("Auth service stopped gracefully")
}
