// Package idempotency содержит фоновую уборку таблицы idempotency-ключей:
// записи живут ограниченный TTL и без уборки таблица растёт бесконечно.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/silveralcid/retail-checkout/internal/domain"
)

const (
	defaultSweepInterval = 10 * time.Minute
	defaultSweepBatch    = 500
)

var (
	cleanupRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_idempotency_cleanup_runs_total",
		Help: "Total number of idempotency cleanup runs grouped by result.",
	}, []string{"result"})
	cleanupDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_idempotency_cleanup_deleted_total",
		Help: "Total number of deleted expired idempotency records.",
	})
	cleanupLastDeleted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "checkout_idempotency_cleanup_last_deleted",
		Help: "Number of deleted records during the last cleanup run.",
	})
)

// CleanupConfig настраивает воркер уборки. Нулевые поля заменяются
// значениями по умолчанию.
type CleanupConfig struct {
	Logger    *log.Entry
	Interval  time.Duration
	BatchSize int
}

// CleanupWorker периодически удаляет просроченные idempotency-записи
// порциями, чтобы не держать длинные DELETE на горячей таблице.
type CleanupWorker struct {
	repo      domain.IdempotencyRepository
	logger    *log.Entry
	interval  time.Duration
	batchSize int
}

// NewCleanupWorker собирает воркер уборки поверх репозитория ключей.
func NewCleanupWorker(repo domain.IdempotencyRepository, cfg CleanupConfig) *CleanupWorker {
	if cfg.Logger == nil {
		cfg.Logger = log.WithField("component", "idempotency-cleanup-worker")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSweepInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultSweepBatch
	}
	return &CleanupWorker{
		repo:      repo,
		logger:    cfg.Logger,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
	}
}

// Run делает первый проход сразу и дальше убирает по тикеру до отмены ctx.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("idempotency cleanup worker is disabled: repo is nil")
		return
	}

	w.sweepAndReport(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweepAndReport(ctx)
		}
	}
}

func (w *CleanupWorker) sweepAndReport(ctx context.Context) {
	deleted, err := w.Sweep(ctx, time.Now().UTC())
	switch {
	case errors.Is(err, context.Canceled):
	case err != nil:
		cleanupRuns.WithLabelValues("error").Inc()
		w.logger.WithError(err).Warn("idempotency cleanup run failed")
	default:
		cleanupRuns.WithLabelValues("ok").Inc()
		cleanupLastDeleted.Set(float64(deleted))
		if deleted > 0 {
			w.logger.WithField("deleted", deleted).Info("idempotency cleanup completed")
		}
	}
}

// Sweep удаляет записи с ttl <= before порциями batchSize, пока они не
// кончатся. Возвращает суммарное число удалённых записей.
func (w *CleanupWorker) Sweep(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		deleted, err := w.repo.DeleteExpired(before, w.batchSize)
		total += deleted
		if deleted > 0 {
			cleanupDeleted.Add(float64(deleted))
		}
		if err != nil {
			return total, err
		}
		// Неполная порция означает, что просроченных больше нет.
		if deleted < w.batchSize {
			return total, nil
		}
	}
}
