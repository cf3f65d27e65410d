// Package memory provides the SQLite-backed memory collaborator used to
// record planning, execution and result notes.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/colony/internal/log"
	"github.com/ShayCichocki/colony/internal/memory/migrations"
	"github.com/ShayCichocki/colony/internal/sqlitedb"
)

// Memory record types written by the orchestrator.
const (
	TypePlanning  = "planning"
	TypeExecution = "execution"
	TypeResult    = "result"
)

// Record is one stored memory.
type Record struct {
	ID        string    `json:"id"`
	Agent     string    `json:"agent"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	// Score is the search relevance, higher is better. Zero for plain listing.
	Score float64 `json:"score,omitempty"`
}

// Filters narrows memory queries. Empty fields match everything.
type Filters struct {
	Agent     string
	Type      string
	SessionID string
	Tag       string
	Since     time.Time
	Limit     int
}

// Embedder turns text into a vector for semantic search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Stats summarizes stored memories.
type Stats struct {
	Total   int            `json:"total"`
	ByAgent map[string]int `json:"by_agent"`
	ByType  map[string]int `json:"by_type"`
}

// Collaborator is the memory contract consumed by the orchestrator and agents.
type Collaborator interface {
	SaveMemory(ctx context.Context, agent, typ, content string, tags []string, sessionID string) (string, error)
	SearchMemory(ctx context.Context, f Filters) ([]Record, error)
	SemanticSearch(ctx context.Context, query string, k int, f Filters) ([]Record, error)
	Stats(ctx context.Context) (Stats, error)
}

// StoreConfig is the configuration for the SQLite memory store.
type StoreConfig struct {
	// DB is an already open database. When nil, DBPath is opened.
	DB     *sql.DB
	DBPath string
	Driver string
	// Embedder enables vector similarity search. Optional.
	Embedder Embedder
	Logger   log.Logger
}

func (c *StoreConfig) defaults() error {
	if c.DB == nil && c.DBPath == "" {
		return fmt.Errorf("db or db path is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "memory.Store"})
	return nil
}

// Store is the SQLite implementation of Collaborator.
type Store struct {
	db       *sql.DB
	ownsDB   bool
	embedder Embedder
	logger   log.Logger
	mu       sync.RWMutex
}

var _ Collaborator = (*Store)(nil)

// NewStore opens the store and applies its migrations.
func NewStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	db, owns := cfg.DB, false
	if db == nil {
		var err error
		db, err = sqlitedb.Open(cfg.Driver, cfg.DBPath)
		if err != nil {
			return nil, err
		}
		owns = true
	}

	migrator, err := sqlitedb.NewMigrator(sqlitedb.MigratorConfig{
		DB:     db,
		Files:  migrations.Files,
		Table:  migrations.Table,
		Logger: cfg.Logger,
	})
	if err == nil {
		err = migrator.Up(ctx)
	}
	if err != nil {
		if owns {
			db.Close()
		}
		return nil, fmt.Errorf("could not migrate memory store: %w", err)
	}

	return &Store{db: db, ownsDB: owns, embedder: cfg.Embedder, logger: cfg.Logger}, nil
}

// Close closes the database if the store opened it.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

// SaveMemory stores a record and returns its id.
func (s *Store) SaveMemory(ctx context.Context, agent, typ, content string, tags []string, sessionID string) (string, error) {
	if agent == "" || typ == "" {
		return "", fmt.Errorf("agent and type are required")
	}
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("marshal tags: %w", err)
	}

	var embedding sql.NullString
	if s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, content)
		if err != nil {
			s.logger.Warningf("could not embed memory, storing without vector: %s", err)
		} else {
			b, _ := json.Marshal(vec)
			embedding = sql.NullString{String: string(b), Valid: true}
		}
	}

	id := uuid.New().String()
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (id, agent, type, content, tags, session_id, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, agent, typ, content, string(tagsJSON), sessionID, embedding, sqlitedb.FormatTime(time.Now()))
	if err != nil {
		return "", fmt.Errorf("insert memory: %w", err)
	}
	return id, nil
}

// whereClause builds the SQL filter for f. Columns are prefixed with alias.
func whereClause(f Filters, alias string) (string, []any) {
	var conds []string
	var args []any
	if f.Agent != "" {
		conds = append(conds, alias+"agent = ?")
		args = append(args, f.Agent)
	}
	if f.Type != "" {
		conds = append(conds, alias+"type = ?")
		args = append(args, f.Type)
	}
	if f.SessionID != "" {
		conds = append(conds, alias+"session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Tag != "" {
		conds = append(conds, "EXISTS (SELECT 1 FROM json_each("+alias+"tags) WHERE json_each.value = ?)")
		args = append(args, f.Tag)
	}
	if !f.Since.IsZero() {
		conds = append(conds, alias+"created_at >= ?")
		args = append(args, sqlitedb.FormatTime(f.Since))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " AND " + strings.Join(conds, " AND "), args
}

const recordColumns = "m.id, m.agent, m.type, m.content, m.tags, m.session_id, m.created_at"

// SearchMemory lists records matching f, newest first.
func (s *Store) SearchMemory(ctx context.Context, f Filters) ([]Record, error) {
	where, args := whereClause(f, "m.")
	query := "SELECT " + recordColumns + " FROM memories m WHERE 1=1" + where + " ORDER BY m.created_at DESC, m.rowid DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search memory: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows, false)
}

// SemanticSearch returns up to k records ranked by relevance to query.
// With an Embedder it ranks by cosine similarity; otherwise, or when no
// stored vectors exist, it uses full-text ranking and finally a plain
// substring match.
func (s *Store) SemanticSearch(ctx context.Context, query string, k int, f Filters) ([]Record, error) {
	if k <= 0 {
		k = 5
	}

	if s.embedder != nil {
		recs, err := s.vectorSearch(ctx, query, k, f)
		if err != nil {
			s.logger.Warningf("vector search failed, falling back to text search: %s", err)
		} else if len(recs) > 0 {
			return recs, nil
		}
	}

	recs, err := s.ftsSearch(ctx, query, k, f)
	if err != nil {
		s.logger.Debugf("full-text search failed, falling back to substring search: %s", err)
	} else if len(recs) > 0 {
		return recs, nil
	}

	return s.substringSearch(ctx, query, k, f)
}

func (s *Store) vectorSearch(ctx context.Context, query string, k int, f Filters) ([]Record, error) {
	qvec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	where, args := whereClause(f, "m.")
	sqlQuery := "SELECT " + recordColumns + ", m.embedding FROM memories m WHERE m.embedding IS NOT NULL" + where

	s.mu.RLock()
	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		s.mu.RUnlock()
		return nil, fmt.Errorf("query embeddings: %w", err)
	}
	recs, err := scanScored(rows, true)
	rows.Close()
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	for i := range recs {
		recs[i].Score = cosine(qvec, recs[i].vector)
		recs[i].vector = nil
	}
	sortByScore(recs)
	if len(recs) > k {
		recs = recs[:k]
	}
	return toRecords(recs), nil
}

// ftsQuery quotes each term and ORs them so user text can't break MATCH syntax.
func ftsQuery(query string) string {
	var terms []string
	for _, w := range strings.Fields(query) {
		w = strings.ReplaceAll(w, `"`, `""`)
		terms = append(terms, `"`+w+`"`)
	}
	return strings.Join(terms, " OR ")
}

func (s *Store) ftsSearch(ctx context.Context, query string, k int, f Filters) ([]Record, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}

	where, fargs := whereClause(f, "m.")
	sqlQuery := "SELECT " + recordColumns + ", -fts.rank FROM memories m JOIN memories_fts fts ON m.rowid = fts.rowid WHERE memories_fts MATCH ?" +
		where + " ORDER BY fts.rank LIMIT ?"
	args := append([]any{match}, fargs...)
	args = append(args, k)

	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("full-text search: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var tags, createdAt string
		if err := rows.Scan(&r.ID, &r.Agent, &r.Type, &r.Content, &tags, &r.SessionID, &createdAt, &r.Score); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		if err := fillRecord(&r, tags, createdAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) substringSearch(ctx context.Context, query string, k int, f Filters) ([]Record, error) {
	where, fargs := whereClause(f, "m.")
	sqlQuery := "SELECT " + recordColumns + " FROM memories m WHERE m.content LIKE ?" + where +
		" ORDER BY m.created_at DESC, m.rowid DESC LIMIT ?"
	args := append([]any{"%" + query + "%"}, fargs...)
	args = append(args, k)

	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("substring search: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows, false)
}

// Stats counts records by agent and type.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{ByAgent: map[string]int{}, ByType: map[string]int{}}
	rows, err := s.db.QueryContext(ctx, `SELECT agent, type, COUNT(*) FROM memories GROUP BY agent, type`)
	if err != nil {
		return st, fmt.Errorf("memory stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var agent, typ string
		var n int
		if err := rows.Scan(&agent, &typ, &n); err != nil {
			return st, fmt.Errorf("scan memory stats: %w", err)
		}
		st.Total += n
		st.ByAgent[agent] += n
		st.ByType[typ] += n
	}
	return st, rows.Err()
}
