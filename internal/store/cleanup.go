package store

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// DeleteBatchesBeforeBatched removes up to batchSize batches received before
// the cutoff, together with their events and errors. It returns the number of
// batches deleted; callers loop until it reports fewer than batchSize.
func DeleteBatchesBeforeBatched(ctx context.Context, db *gorm.DB, before time.Time, batchSize int) (int64, error) {
	if db == nil {
		return 0, gorm.ErrInvalidDB
	}
	if batchSize <= 0 {
		batchSize = 5000
	}
	before = before.UTC()

	var deleted int64
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Raw(`
			SELECT id FROM session_batches
			WHERE received < ?
			ORDER BY received ASC
			LIMIT ?
		`, before, batchSize).Scan(&ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Exec(`DELETE FROM session_events WHERE batch_id IN ?`, ids).Error; err != nil {
			return err
		}
		if err := tx.Exec(`DELETE FROM session_errors WHERE batch_id IN ?`, ids).Error; err != nil {
			return err
		}
		res := tx.Exec(`DELETE FROM session_batches WHERE id IN ?`, ids)
		deleted = res.RowsAffected
		return res.Error
	})
	return deleted, err
}

// DeleteBatchesBefore loops DeleteBatchesBeforeBatched until nothing older
// than the cutoff remains.
func DeleteBatchesBefore(ctx context.Context, db *gorm.DB, before time.Time) (int64, error) {
	const batchSize = 5000
	var total int64
	for {
		n, err := DeleteBatchesBeforeBatched(ctx, db, before, batchSize)
		total += n
		if err != nil {
			return total, err
		}
		if n < batchSize {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}
