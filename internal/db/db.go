package db

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// Options configure Connect.
type Options struct {
	DSN      string
	MaxConns int
	// LogWriter receives SQL logs. Defaults to stdout.
	LogWriter io.Writer
	LogLevel  logger.LogLevel
}

func Connect(opts Options) (*gorm.DB, error) {
	if opts.DSN == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}
	w := opts.LogWriter
	if w == nil {
		w = os.Stdout
	}
	level := opts.LogLevel
	if level == 0 {
		level = logger.Warn
	}

	// Surface slow queries; record-not-found is an expected outcome.
	lg := logger.New(
		log.New(w, "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             100 * time.Millisecond,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	gdb, err := gorm.Open(postgres.Open(opts.DSN), &gorm.Config{
		Logger: lg,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}

	maxConns := opts.MaxConns
	if maxConns <= 0 {
		maxConns = 20
	}
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(maxConns)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	DB = gdb
	return gdb, nil
}
