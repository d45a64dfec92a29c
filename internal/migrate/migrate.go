package migrate

import (
	"context"

	"github.com/aak1247/sessiontap/internal/model"
	"gorm.io/gorm"
)

func AutoMigrate(ctx context.Context, db *gorm.DB) error {
	gdb := db.WithContext(ctx)
	if err := gdb.AutoMigrate(model.All()...); err != nil {
		return err
	}

	if gdb.Dialector.Name() != "postgres" {
		return nil
	}
	// GIN index for parameter lookups on Postgres.
	return gdb.Exec(`CREATE INDEX IF NOT EXISTS idx_session_events_parameters ON session_events USING GIN (parameters)`).Error
}
