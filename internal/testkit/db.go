package testkit

import (
	"context"
	"fmt"
	"net/url"
	"testing"

	"github.com/aak1247/sessiontap/internal/db"
	"github.com/aak1247/sessiontap/internal/migrate"
	"gorm.io/gorm"
)

// OpenTestDB returns an in-memory sqlite database with schema migrated.
// It's meant as a "replaceable DB" for integration tests (no Postgres required).
func OpenTestDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", url.QueryEscape(t.Name()))
	gdb, err := db.OpenSQLite(context.Background(), dsn)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	if err := migrate.AutoMigrate(context.Background(), gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return gdb
}
