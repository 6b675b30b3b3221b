// Package dbtest opens throwaway in-memory sqlite databases with the full schema.
package dbtest

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite"

	"github.com/Additional-Code/dispatch/internal/database"
)

var seq atomic.Int64

// New returns connections to a fresh database that is closed when t ends.
func New(t testing.TB) *database.Connections {
	t.Helper()

	dsn := fmt.Sprintf("file:dispatch_test_%d?mode=memory&cache=shared&_pragma=busy_timeout(5000)", seq.Add(1))
	sqldb, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { _ = db.Close() })

	if err := database.EnsureSchema(context.Background(), db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return &database.Connections{Writer: db, Reader: db, Driver: "sqlite"}
}
