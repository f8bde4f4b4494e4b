// File: connection.go
package postgres

import (
	"fmt"
	"os"

	"github.com/VigilSec/go-api/vigil/postgres/models"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var db *gorm.DB

// Connect opens the PostgreSQL database named by VIGIL_POSTGRES_DSN and
// migrates the schema. It must be called once at startup before GetDB.
func Connect() error {
	dsn := os.Getenv("VIGIL_POSTGRES_DSN")
	if dsn == "" {
		dsn = "host=vigil-postgres user=postgres password=postgres dbname=vigil port=5432 sslmode=disable"
	}

	conn, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := Migrate(conn); err != nil {
		return err
	}

	db = conn
	return nil
}

// ConnectSQLite opens an in-memory SQLite database with the full schema.
// Used by tests and by local single-process runs.
func ConnectSQLite(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		dsn = "file::memory:?cache=shared"
	}
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if err := Migrate(conn); err != nil {
		return nil, err
	}
	return conn, nil
}

// Migrate creates or updates all tables.
func Migrate(conn *gorm.DB) error {
	err := conn.AutoMigrate(
		&models.Account{},
		&models.AccountCustomField{},
		&models.Technology{},
		&models.Item{},
		&models.ItemRevision{},
		&models.ItemAudit{},
		&models.AuditorSetting{},
		&models.ItemAuditScore{},
		&models.AccountPatternAuditScore{},
		&models.NetworkWhitelistEntry{},
		&models.Event{},
	)
	if err != nil {
		return fmt.Errorf("error migrating database schema: %w", err)
	}
	return nil
}

// GetDB returns the connection opened by Connect.
func GetDB() *gorm.DB {
	return db
}

// SetDB replaces the shared connection. Tests use this to point the
// package-level helpers at a SQLite database.
func SetDB(conn *gorm.DB) {
	db = conn
}
