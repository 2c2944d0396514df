// Package testutil holds fixtures shared by the package tests.
package testutil

import (
	"testing"

	"github.com/cusdeb/cusdeb-api/internal/database"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm/logger"
)

// NewDB returns a migrated in-memory SQLite database. The pool is limited to
// one connection: every new connection to ":memory:" would see an empty
// database, and a single connection also serialises concurrent transactions.
func NewDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.Open(sqlite.Open(":memory:"), logger.Default.LogMode(logger.Silent))
	if err != nil {
		t.Fatal(err)
	}

	sqlDB, err := db.DB.DB()
	if err != nil {
		t.Fatal(err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	return db
}

// OpenFile opens a migrated SQLite database stored at path. Calling it twice
// with the same path gives two independent handles on one database, the way
// the API and a separate worker process share it.
func OpenFile(t *testing.T, path string) *database.DB {
	t.Helper()

	db, err := database.Open(sqlite.Open(path+"?_busy_timeout=5000"), logger.Default.LogMode(logger.Silent))
	if err != nil {
		t.Fatal(err)
	}

	sqlDB, err := db.DB.DB()
	if err != nil {
		t.Fatal(err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	return db
}
