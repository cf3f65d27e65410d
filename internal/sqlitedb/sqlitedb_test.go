package sqlitedb_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/colony/internal/sqlitedb"
)

func TestOpenCreatesDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "test.db")

	db, err := sqlitedb.Open(sqlitedb.DriverModernc, path)
	require.NoError(t, err)
	defer db.Close()

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestOpenErrors(t *testing.T) {
	_, err := sqlitedb.Open(sqlitedb.DriverModernc, "")
	assert.Error(t, err)

	_, err = sqlitedb.Open("postgres", filepath.Join(t.TempDir(), "x.db"))
	assert.Error(t, err)
}

func TestRetryOnBusy(t *testing.T) {
	tests := map[string]struct {
		errs     []error
		expCalls int
		expErr   bool
	}{
		"Success on first try.": {
			errs:     []error{nil},
			expCalls: 1,
		},
		"Busy errors are retried.": {
			errs:     []error{errors.New("database is locked"), errors.New("database is locked (5) (SQLITE_BUSY)"), nil},
			expCalls: 3,
		},
		"Other errors are not retried.": {
			errs:     []error{errors.New("no such table")},
			expCalls: 1,
			expErr:   true,
		},
		"Retries are bounded.": {
			errs:     []error{errors.New("database is locked"), errors.New("database is locked"), errors.New("database is locked")},
			expCalls: 3,
			expErr:   true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			calls := 0
			err := sqlitedb.RetryOnBusy(context.Background(), 2, func() error {
				err := test.errs[calls]
				calls++
				return err
			})
			assert.Equal(t, test.expCalls, calls)
			if test.expErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNullTime(t *testing.T) {
	got, err := sqlitedb.ParseNullTime(sqlitedb.NullTime(nil))
	require.NoError(t, err)
	assert.Nil(t, got)

	now := time.Date(2026, 5, 4, 3, 2, 1, 500, time.UTC)
	got, err = sqlitedb.ParseNullTime(sqlitedb.NullTime(&now))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, now.Equal(*got))
}
