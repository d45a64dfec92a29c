package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/aak1247/sessiontap/internal/obs"
	"github.com/aak1247/sessiontap/internal/store"
	"gorm.io/gorm"
)

// Worker deletes session batches older than RetentionDays on every tick.
type Worker struct {
	DB              *gorm.DB
	RetentionDays   int
	Interval        time.Duration
	DeleteBatchSize int
	MaxBatches      int
	BatchSleep      time.Duration
	Stats           *obs.Stats
	Logger          *slog.Logger
	Now             func() time.Time
}

func NewWorker(db *gorm.DB, retentionDays int) *Worker {
	return &Worker{
		DB:              db,
		RetentionDays:   retentionDays,
		Interval:        10 * time.Minute,
		DeleteBatchSize: 5000,
		MaxBatches:      50,
		Logger:          slog.Default(),
		Now:             time.Now,
	}
}

// Run blocks until ctx is done. A zero RetentionDays keeps everything.
func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.DB == nil || w.RetentionDays <= 0 {
		return
	}
	interval := w.Interval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	w.runLogged(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runLogged(ctx)
		}
	}
}

func (w *Worker) runLogged(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	n, err := w.RunOnce(runCtx)
	if err != nil {
		w.logger().Warn("cleanup failed", "deleted_batches", n, "err", err)
		return
	}
	if n > 0 {
		w.logger().Info("cleanup done", "deleted_batches", n, "retention_days", w.RetentionDays)
	}
}

// RunOnce deletes up to MaxBatches rounds of DeleteBatchSize batches and
// returns the number of batches removed.
func (w *Worker) RunOnce(ctx context.Context) (int64, error) {
	if w.RetentionDays <= 0 {
		return 0, nil
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	before := now().UTC().Add(-time.Duration(w.RetentionDays) * 24 * time.Hour)

	maxBatches := w.MaxBatches
	if maxBatches <= 0 {
		maxBatches = 1
	}
	batchSize := w.DeleteBatchSize
	if batchSize <= 0 {
		batchSize = 5000
	}

	var total int64
	for i := 0; i < maxBatches; i++ {
		n, err := store.DeleteBatchesBeforeBatched(ctx, w.DB, before, batchSize)
		if err != nil {
			return total, err
		}
		total += n
		w.Stats.ObserveCleanupDeleted(n)
		if n < int64(batchSize) {
			break
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		if w.BatchSleep > 0 {
			time.Sleep(w.BatchSleep)
		}
	}
	return total, nil
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}
