// Package sqlite implements store.Store on SQLite.
//
// Claims are optimistic: a row moves from pending to in_progress only through
// an UPDATE guarded by the status and version the worker read, so concurrent
// workers sharing the database file never both win the same row.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ShayCichocki/colony/internal/log"
	"github.com/ShayCichocki/colony/internal/sqlitedb"
	"github.com/ShayCichocki/colony/internal/store"
	"github.com/ShayCichocki/colony/internal/store/sqlite/migrations"
	"github.com/ShayCichocki/colony/pkg/models"
)

// busyRetries bounds retries of a statement while the database is locked.
const busyRetries = 8

const columns = `id, tenant_id, agent_id, task_type, title, description, priority, status,
	payload, result, error_message, blocked_reason, depends_on, tags, metadata, parent_id,
	requires_review, approved, version, created_at, started_at, completed_at`

// Config configures the SQLite store.
type Config struct {
	// Path is the database file.
	Path string
	// Driver is sqlitedb.DriverModernc (default) or sqlitedb.DriverCGO.
	Driver string
	// Clock returns the current time. Defaults to time.Now.
	Clock  func() time.Time
	Logger log.Logger
}

func (c *Config) defaults() error {
	if c.Path == "" {
		return fmt.Errorf("path is required")
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "sqlite.Store"})
	return nil
}

// Store is the SQLite task store.
type Store struct {
	db     *sql.DB
	clock  func() time.Time
	logger log.Logger
}

var _ store.Store = (*Store)(nil)

// New opens the database and applies the task migrations.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	db, err := sqlitedb.Open(cfg.Driver, cfg.Path)
	if err != nil {
		return nil, err
	}

	migrator, err := sqlitedb.NewMigrator(sqlitedb.MigratorConfig{
		DB:     db,
		Files:  migrations.Files,
		Table:  migrations.Table,
		Logger: cfg.Logger,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create migrator: %w", err)
	}
	if err := migrator.Up(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, clock: cfg.Clock, logger: cfg.Logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) now() time.Time {
	return s.clock().UTC()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	err := sqlitedb.RetryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// Create implements store.Store.
func (s *Store) Create(ctx context.Context, t models.Task) (*models.Task, error) {
	switch {
	case t.TenantID == "":
		return nil, fmt.Errorf("tenant id is required")
	case t.Assignee == "":
		return nil, fmt.Errorf("agent id is required")
	case t.Title == "":
		return nil, fmt.Errorf("title is required")
	case !t.Priority.Valid():
		return nil, fmt.Errorf("invalid priority %d", t.Priority)
	}

	task := t.Clone()
	task.ID = ulid.Make().String()
	task.Status = models.TaskStatusPending
	task.CreatedAt = s.now()
	task.Version = 0
	task.StartedAt, task.CompletedAt = nil, nil

	enc, err := encodeTask(task)
	if err != nil {
		return nil, err
	}

	_, err = s.exec(ctx, `
		INSERT INTO tasks (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.TenantID, task.Assignee, task.Type, task.Title, task.Description, int(task.Priority), string(task.Status),
		enc.payload, enc.result, nullString(task.Error), task.BlockedReason, enc.dependsOn, enc.tags, enc.metadata, task.ParentID,
		task.RequiresReview, task.Approved, task.Version, sqlitedb.FormatTime(task.CreatedAt), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("could not insert task: %w", err)
	}
	return task, nil
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, tenantID, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM tasks WHERE id = ? AND tenant_id = ?`, id, tenantID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("could not get task: %w", err)
	}
	return t, nil
}

// FetchPending implements store.Store.
func (s *Store) FetchPending(ctx context.Context, q store.PendingQuery) ([]*models.Task, error) {
	query := `SELECT ` + columns + ` FROM tasks
		WHERE tenant_id = ? AND status = 'pending' AND (requires_review = 0 OR approved = 1)`
	args := []any{q.TenantID}
	if q.TaskType != "" {
		query += ` AND task_type = ?`
		args = append(args, q.TaskType)
	}
	query += ` ORDER BY priority DESC, created_at ASC, id ASC LIMIT ?`
	args = append(args, limit(q.Limit))

	return s.query(ctx, query, args...)
}

// List implements store.Store.
func (s *Store) List(ctx context.Context, q store.ListQuery) ([]*models.Task, error) {
	query := `SELECT ` + columns + ` FROM tasks WHERE tenant_id = ?`
	args := []any{q.TenantID}
	if q.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(q.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit(q.Limit))

	return s.query(ctx, query, args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("could not query tasks: %w", err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Claim implements store.Store.
func (s *Store) Claim(ctx context.Context, t *models.Task) error {
	n, err := s.exec(ctx, `
		UPDATE tasks SET status = 'in_progress', started_at = ?, version = version + 1
		WHERE id = ? AND tenant_id = ? AND status = 'pending' AND version = ?
	`, sqlitedb.FormatTime(s.now()), t.ID, t.TenantID, t.Version)
	if err != nil {
		return fmt.Errorf("could not claim task: %w", err)
	}
	if n != 1 {
		return store.ErrClaimLost
	}
	return s.reload(ctx, t)
}

// Complete implements store.Store.
func (s *Store) Complete(ctx context.Context, t *models.Task, res models.TaskResult) error {
	status, result, msg := store.Outcome(res)

	var resultJSON sql.NullString
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("could not encode result: %w", err)
		}
		resultJSON = sql.NullString{String: string(b), Valid: true}
	}

	n, err := s.exec(ctx, `
		UPDATE tasks SET status = ?, result = ?, error_message = ?, completed_at = ?, version = version + 1
		WHERE id = ? AND tenant_id = ? AND status = 'in_progress' AND version = ?
	`, string(status), resultJSON, nullString(msg), sqlitedb.FormatTime(s.now()), t.ID, t.TenantID, t.Version)
	if err != nil {
		return fmt.Errorf("could not complete task: %w", err)
	}
	if n != 1 {
		return s.explain(ctx, t.TenantID, t.ID)
	}
	return s.reload(ctx, t)
}

// Approve implements store.Store.
func (s *Store) Approve(ctx context.Context, tenantID, id string) error {
	return s.update(ctx, tenantID, id, `approved = 1`, `status NOT IN ('completed', 'failed', 'cancelled')`)
}

// Block implements store.Store.
func (s *Store) Block(ctx context.Context, tenantID, id, reason string) error {
	return s.update(ctx, tenantID, id, `status = 'blocked', blocked_reason = ?`, `status = 'pending'`, reason)
}

// Requeue implements store.Store.
func (s *Store) Requeue(ctx context.Context, tenantID, id string) error {
	return s.update(ctx, tenantID, id, `status = 'pending', blocked_reason = ''`, `status = 'blocked'`)
}

// Cancel implements store.Store.
func (s *Store) Cancel(ctx context.Context, tenantID, id string) error {
	return s.update(ctx, tenantID, id,
		`status = 'cancelled', completed_at = ?`,
		`status IN ('pending', 'queued', 'in_progress', 'blocked')`, sqlitedb.FormatTime(s.now()))
}

// update applies set to one row matching guard. setArgs bind the
// placeholders in set.
func (s *Store) update(ctx context.Context, tenantID, id, set, guard string, setArgs ...any) error {
	args := append(setArgs, id, tenantID)
	n, err := s.exec(ctx, `
		UPDATE tasks SET `+set+`, version = version + 1
		WHERE id = ? AND tenant_id = ? AND `+guard, args...)
	if err != nil {
		return fmt.Errorf("could not update task: %w", err)
	}
	if n != 1 {
		return s.explain(ctx, tenantID, id)
	}
	return nil
}

// explain turns an update that matched no row into ErrNotFound or
// ErrInvalidTransition.
func (s *Store) explain(ctx context.Context, tenantID, id string) error {
	cur, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: task %s is %s", store.ErrInvalidTransition, id, cur.Status)
}

func (s *Store) reload(ctx context.Context, t *models.Task) error {
	cur, err := s.Get(ctx, t.TenantID, t.ID)
	if err != nil {
		return err
	}
	*t = *cur
	return nil
}

// Counts implements store.Store.
func (s *Store) Counts(ctx context.Context, tenantID string) (map[models.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks WHERE tenant_id = ? GROUP BY status`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("could not count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("could not scan count: %w", err)
		}
		counts[models.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

// limit maps zero to SQLite's "no limit".
func limit(n int) int {
	if n <= 0 {
		return -1
	}
	return n
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type encoded struct {
	payload   string
	result    sql.NullString
	dependsOn string
	tags      string
	metadata  string
}

func encodeTask(t *models.Task) (encoded, error) {
	var enc encoded
	fields := []struct {
		dst *string
		v   any
	}{
		{&enc.payload, nonNilMap(t.Payload)},
		{&enc.dependsOn, nonNilSlice(t.DependsOn)},
		{&enc.tags, nonNilSlice(t.Tags)},
		{&enc.metadata, nonNilStrMap(t.Metadata)},
	}
	for _, f := range fields {
		b, err := json.Marshal(f.v)
		if err != nil {
			return enc, fmt.Errorf("could not encode task: %w", err)
		}
		*f.dst = string(b)
	}
	if t.Result != nil {
		b, err := json.Marshal(t.Result)
		if err != nil {
			return enc, fmt.Errorf("could not encode result: %w", err)
		}
		enc.result = sql.NullString{String: string(b), Valid: true}
	}
	return enc, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*models.Task, error) {
	var (
		t                                   models.Task
		priority                            int
		status, payload, dependsOn, tags    string
		metadata, createdAt                 string
		result, errMsg, startedAt, finished sql.NullString
	)
	err := row.Scan(&t.ID, &t.TenantID, &t.Assignee, &t.Type, &t.Title, &t.Description, &priority, &status,
		&payload, &result, &errMsg, &t.BlockedReason, &dependsOn, &tags, &metadata, &t.ParentID,
		&t.RequiresReview, &t.Approved, &t.Version, &createdAt, &startedAt, &finished)
	if err != nil {
		return nil, err
	}

	t.Priority = models.Priority(priority)
	t.Status = models.TaskStatus(status)
	t.Error = errMsg.String

	for _, f := range []struct {
		src string
		dst any
	}{
		{payload, &t.Payload},
		{dependsOn, &t.DependsOn},
		{tags, &t.Tags},
		{metadata, &t.Metadata},
	} {
		if err := json.Unmarshal([]byte(f.src), f.dst); err != nil {
			return nil, fmt.Errorf("could not decode task %s: %w", t.ID, err)
		}
	}
	if result.Valid && strings.TrimSpace(result.String) != "" {
		if err := json.Unmarshal([]byte(result.String), &t.Result); err != nil {
			return nil, fmt.Errorf("could not decode result of task %s: %w", t.ID, err)
		}
	}

	if t.CreatedAt, err = sqlitedb.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if t.StartedAt, err = sqlitedb.ParseNullTime(startedAt); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = sqlitedb.ParseNullTime(finished); err != nil {
		return nil, err
	}
	return &t, nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nonNilStrMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nonNilSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
