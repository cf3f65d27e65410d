// Package sqlitedb opens SQLite databases and applies embedded migrations.
package sqlitedb

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

const (
	// DriverModernc is the pure Go driver.
	DriverModernc = "sqlite"
	// DriverCGO is the cgo driver.
	DriverCGO = "sqlite3"
)

// DataDir returns the colony data directory.
func DataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "colony")
}

// DefaultPath returns the default database path.
func DefaultPath() string {
	return filepath.Join(DataDir(), "colony.db")
}

func dsn(driver, path string) (string, error) {
	switch driver {
	case DriverModernc, "":
		return fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path), nil
	case DriverCGO:
		return fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000", path), nil
	default:
		return "", fmt.Errorf("unknown sqlite driver %q", driver)
	}
}

// Open opens the database at path with the given driver name, creating parent
// directories. WAL mode and foreign keys are enabled.
func Open(driver, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if driver == "" {
		driver = DriverModernc
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("could not create db directory: %w", err)
	}

	source, err := dsn(driver, path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not ping database: %w", err)
	}
	return db, nil
}

// RetryOnBusy retries f while SQLite reports the database as busy or locked,
// with capped exponential backoff and jitter.
func RetryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 20 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !IsBusy(err) || attempt == maxRetries {
			return err
		}

		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = delay - delay/4 + time.Duration(rand.Intn(int(delay/2)+1))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// IsBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// timeLayout is fixed width so stored times sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime formats a time for storage.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime parses a stored time.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// NullTime converts an optional time to a nullable column value.
func NullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: FormatTime(*t), Valid: true}
}

// ParseNullTime converts a nullable column value to an optional time.
func ParseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := ParseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
