package database

import (
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var DB *gorm.DB

// Connect initializes the database connection.
// Each instance runs its own SQLite database; cross-instance state only
// moves through federated events, never shared storage.
// TranslateError is enabled so unique-index violations surface as
// gorm.ErrDuplicatedKey, which the lock and idempotency paths rely on.
func Connect(dsn string) error {
	var err error
	DB, err = Open(dsn)
	return err
}

// Open returns a new database handle without touching the package-level DB.
// Tests use this to run isolated in-memory instances side by side.
func Open(dsn string) (*gorm.DB, error) {
	return gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
}

// GetDB returns the database instance.
func GetDB() *gorm.DB {
	return DB
}
