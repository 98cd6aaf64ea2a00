package storage

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite" // pure Go SQLite driver, selected via DriverName below
)

// InitDB opens the SQLite database through GORM and migrates the schema.
// WAL and a busy timeout keep concurrent lifecycle transitions from tripping
// over each other on a single file database.
func InitDB(dbPath string) (*gorm.DB, error) {
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

	db, err := gorm.Open(sqlite.New(sqlite.Config{
		DriverName: "sqlite",
		DSN:        dsn,
	}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(25)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	zap.L().Info("Running database migrations...")
	if err := db.AutoMigrate(&User{}, &Generation{}, &UsageLedgerEntry{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}
	zap.L().Info("Database migration completed.")

	return db, nil
}
