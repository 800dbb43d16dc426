package database

import (
	"fmt"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Wikid82/perimeter/internal/models"
)

// Models lists every table the perimeter owns.
func Models() []any {
	return []any{
		&models.SecurityEvent{},
		&models.SecurityAlert{},
		&models.SecurityAlertEvent{},
		&models.SecurityAudit{},
		&models.NotificationProvider{},
	}
}

// Connect opens the SQLite database at dbPath and migrates the schema.
func Connect(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn(dbPath)), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY churn
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return db, nil
}

func dsn(path string) string {
	if strings.Contains(path, "?") || strings.Contains(path, ":memory:") {
		return path
	}
	return path + "?_busy_timeout=5000&_journal_mode=WAL"
}
