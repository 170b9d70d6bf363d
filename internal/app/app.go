// Package app собирает checkout-сервис из конфигурации: хранилища,
// leaf-сервисы, оркестратор саги, фоновые воркеры и HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Run запускает сервис и блокируется до отмены ctx.
func Run(ctx context.Context, cfg Config) error {
	logger := setupLogger(cfg.LogLevel)

	deps, err := NewDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build dependencies: %w", err)
	}
	defer deps.Close()

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           deps.API.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	var wg sync.WaitGroup

	if deps.OutboxWorker != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			deps.OutboxWorker.Run(workerCtx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		deps.CleanupWorker.Run(workerCtx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err, ok := <-serveErr:
		if ok && err != nil {
			cancelWorkers()
			wg.Wait()
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http server shutdown was not graceful")
	}

	cancelWorkers()
	wg.Wait()

	logger.Info("service stopped")
	return nil
}

// setupLogger настраивает глобальный logrus и возвращает базовый entry.
func setupLogger(level string) *log.Entry {
	parsed, err := log.ParseLevel(level)
	if err != nil {
		parsed = log.InfoLevel
	}
	log.SetLevel(parsed)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	return log.WithField("service", "retail-checkout")
}
