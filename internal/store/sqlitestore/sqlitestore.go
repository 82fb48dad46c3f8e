// Package sqlitestore is the reference implementation of internal/store's
// document-store contract, backed by a single SQLite database file via
// database/sql and the mattn/go-sqlite3 driver.
//
// Each collection is one table with a fixed `key TEXT PRIMARY KEY` and
// `doc TEXT` (the JSON-encoded Document). EnsureIndex promotes a field
// into a generated column (`GENERATED ALWAYS AS (json_extract(doc, ...))
// VIRTUAL`) with a plain index on it, so queries on indexed fields avoid a
// full scan without requiring every caller to know the storage layout.
// SQLite has no native per-document TTL, so Open starts a background
// sweeper goroutine that, on an interval, deletes rows whose
// EnsureTTLIndex-registered field is in the past.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"usntiered/internal/errs"
	"usntiered/internal/logger"
	"usntiered/internal/store"
)

// fieldNamePattern restricts filter/sort/index field names to identifier-
// safe characters, since they are interpolated into generated DDL and
// json_extract paths. Dotted paths (e.g. "properties.volume") address a
// nested field and are allowed, each segment still identifier-safe.
var fieldNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*(\.[a-zA-Z_][a-zA-Z0-9_]*)*$`)

// indexColumnName derives the generated-column name for field, used by
// EnsureIndex/EnsureTTLIndex/the TTL sweeper. Dots are not valid in an
// unquoted SQLite identifier, so a dotted field path is flattened with
// underscores; the json_extract expression used for filtering keeps the
// original dotted path and does not go through this function.
func indexColumnName(field string) string {
	return "idx_" + strings.ReplaceAll(field, ".", "_")
}

// Store is a sqlitestore.Store backed by a single *sql.DB.
type Store struct {
	db *sql.DB

	mu          sync.Mutex
	collections map[string]*Collection

	sweepInterval time.Duration
	stopSweep     chan struct{}
	sweepWG       sync.WaitGroup
}

// Config configures Open.
type Config struct {
	// Path is the sqlite database file path. Use ":memory:" for tests.
	Path string

	// SweepInterval is how often the TTL sweeper scans for expired
	// documents across all TTL-indexed collections. Default 30s.
	SweepInterval time.Duration
}

// Open opens (creating if necessary) a sqlite-backed Store at cfg.Path.
func Open(cfg Config) (*Store, error) {
	dsn := cfg.Path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store at %s: %w", cfg.Path, err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver serializes writers; avoid SQLITE_BUSY churn

	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	s := &Store{
		db:            db,
		collections:   make(map[string]*Collection),
		sweepInterval: interval,
		stopSweep:     make(chan struct{}),
	}

	s.sweepWG.Add(1)
	go s.sweepLoop()

	return s, nil
}

func (s *Store) Collection(ctx context.Context, name string) (store.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.collections[name]; ok {
		return c, nil
	}

	if !fieldNamePattern.MatchString(name) {
		return nil, fmt.Errorf("invalid collection name %q", name)
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		doc TEXT NOT NULL
	)`, name)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("creating collection %s: %w", name, err)
	}

	c := &Collection{
		db:           s.db,
		name:         name,
		indexed:      make(map[string]bool),
		ttlFields:    make(map[string]bool),
	}
	s.collections[name] = c
	return c, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite ping: %w: %v", errs.ErrBackendTransient, err)
	}
	return nil
}

func (s *Store) Close() error {
	select {
	case <-s.stopSweep:
		return nil // already closed
	default:
	}
	close(s.stopSweep)
	s.sweepWG.Wait()
	return s.db.Close()
}

func (s *Store) sweepLoop() {
	defer s.sweepWG.Done()
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

func (s *Store) sweepExpired() {
	s.mu.Lock()
	collections := make([]*Collection, 0, len(s.collections))
	for _, c := range s.collections {
		collections = append(collections, c)
	}
	s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, c := range collections {
		c.mu.RLock()
		fields := make([]string, 0, len(c.ttlFields))
		for f := range c.ttlFields {
			fields = append(fields, f)
		}
		c.mu.RUnlock()

		for _, field := range fields {
			col := indexColumnName(field)
			q := fmt.Sprintf(`DELETE FROM %s WHERE %s IS NOT NULL AND %s < ?`, c.name, col, col)
			if _, err := s.db.Exec(q, now); err != nil {
				logger.RateLimited("sqlite-ttl-sweep:"+c.name+"."+field, time.Minute, func() {
					logger.Warn("ttl sweep failed for %s.%s: %v", c.name, field, err)
				})
			}
		}
	}
}

// Collection is a sqlitestore.Store table.
type Collection struct {
	db   *sql.DB
	name string

	mu        sync.RWMutex
	indexed   map[string]bool
	ttlFields map[string]bool
}

func (c *Collection) Put(ctx context.Context, key string, doc store.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshaling document %s: %w", key, err)
	}
	q := fmt.Sprintf(`INSERT INTO %s (key, doc) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET doc = excluded.doc`, c.name)
	if _, err := c.db.ExecContext(ctx, q, key, string(data)); err != nil {
		return fmt.Errorf("putting document %s in %s: %w: %v", key, c.name, errs.ErrBackendTransient, err)
	}
	return nil
}

func (c *Collection) Get(ctx context.Context, key string) (store.Document, bool, error) {
	q := fmt.Sprintf(`SELECT doc FROM %s WHERE key = ?`, c.name)
	var raw string
	err := c.db.QueryRowContext(ctx, q, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("getting document %s from %s: %w: %v", key, c.name, errs.ErrBackendTransient, err)
	}
	var doc store.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, false, fmt.Errorf("unmarshaling document %s from %s: %w: %v", key, c.name, errs.ErrBackendFatal, err)
	}
	return doc, true, nil
}

func (c *Collection) Update(ctx context.Context, key string, fields store.Document) error {
	doc, ok, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("update on absent key %s in %s: %w", key, c.name, errs.ErrBackendFatal)
	}
	for k, v := range fields {
		doc[k] = v
	}
	return c.Put(ctx, key, doc)
}

func (c *Collection) Delete(ctx context.Context, key string) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, c.name)
	if _, err := c.db.ExecContext(ctx, q, key); err != nil {
		return fmt.Errorf("deleting document %s from %s: %w: %v", key, c.name, errs.ErrBackendTransient, err)
	}
	return nil
}

func (c *Collection) EnsureIndex(ctx context.Context, field string) error {
	if !fieldNamePattern.MatchString(field) {
		return fmt.Errorf("invalid index field %q", field)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.indexed[field] {
		return nil
	}

	col := indexColumnName(field)
	alter := fmt.Sprintf(
		`ALTER TABLE %s ADD COLUMN %s GENERATED ALWAYS AS (json_extract(doc, '$.%s')) VIRTUAL`,
		c.name, col, field)
	if _, err := c.db.ExecContext(ctx, alter); err != nil {
		if !strings.Contains(err.Error(), "duplicate column name") {
			return fmt.Errorf("adding generated column for %s.%s: %w", c.name, field, err)
		}
	}

	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS ix_%s_%s ON %s(%s)`, c.name, col, c.name, col)
	if _, err := c.db.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("creating index on %s.%s: %w", c.name, field, err)
	}

	c.indexed[field] = true
	return nil
}

func (c *Collection) EnsureTTLIndex(ctx context.Context, field string) error {
	if err := c.EnsureIndex(ctx, field); err != nil {
		return err
	}
	c.mu.Lock()
	c.ttlFields[field] = true
	c.mu.Unlock()
	return nil
}

func (c *Collection) Stats(ctx context.Context) (store.Stats, error) {
	q := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, c.name)
	var count int64
	if err := c.db.QueryRowContext(ctx, q).Scan(&count); err != nil {
		return store.Stats{}, fmt.Errorf("counting %s: %w: %v", c.name, errs.ErrBackendTransient, err)
	}

	c.mu.RLock()
	fields := make([]string, 0, len(c.indexed))
	for f := range c.indexed {
		fields = append(fields, f)
	}
	c.mu.RUnlock()

	return store.Stats{DocumentCount: count, IndexedFields: fields}, nil
}

func (c *Collection) Find(ctx context.Context, q store.Query) ([]store.Document, error) {
	where, args, err := c.buildWhere(q.Filters)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT doc FROM %s`, c.name)
	if where != "" {
		query += " WHERE " + where
	}
	// key breaks ties so results (and Limit/Offset pages) are stable.
	orderBy := c.buildOrderBy(q.Sort)
	if orderBy != "" {
		orderBy += ", "
	}
	query += " ORDER BY " + orderBy + "key"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
		if q.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", q.Offset)
		}
	} else if q.Offset > 0 {
		query += fmt.Sprintf(" LIMIT -1 OFFSET %d", q.Offset)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w: %v", c.name, errs.ErrBackendTransient, err)
	}
	defer rows.Close()

	var docs []store.Document
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning row from %s: %w: %v", c.name, errs.ErrBackendTransient, err)
		}
		var doc store.Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			logger.Warn("skipping corrupt document in %s: %v", c.name, err)
			continue
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (c *Collection) Count(ctx context.Context, q store.Query) (int64, error) {
	where, args, err := c.buildWhere(q.Filters)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, c.name)
	if where != "" {
		query += " WHERE " + where
	}
	var count int64
	if err := c.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting %s: %w: %v", c.name, errs.ErrBackendTransient, err)
	}
	return count, nil
}

func (c *Collection) buildWhere(filters []store.FilterClause) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}

	var clauses []string
	var args []any
	for _, f := range filters {
		if !fieldNamePattern.MatchString(f.Field) {
			return "", nil, fmt.Errorf("invalid filter field %q", f.Field)
		}
		expr := fmt.Sprintf("json_extract(doc, '$.%s')", f.Field)

		switch f.Op {
		case store.OpEq:
			clauses = append(clauses, expr+" = ?")
			args = append(args, f.Value)
		case store.OpNe:
			clauses = append(clauses, expr+" != ?")
			args = append(args, f.Value)
		case store.OpLt:
			clauses = append(clauses, expr+" < ?")
			args = append(args, f.Value)
		case store.OpLte:
			clauses = append(clauses, expr+" <= ?")
			args = append(args, f.Value)
		case store.OpGt:
			clauses = append(clauses, expr+" > ?")
			args = append(args, f.Value)
		case store.OpGte:
			clauses = append(clauses, expr+" >= ?")
			args = append(args, f.Value)
		case store.OpIn:
			values, ok := f.Value.([]any)
			if !ok {
				return "", nil, fmt.Errorf("OpIn requires []any value for field %s", f.Field)
			}
			placeholders := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
			clauses = append(clauses, fmt.Sprintf("%s IN (%s)", expr, placeholders))
			args = append(args, values...)
		default:
			return "", nil, fmt.Errorf("unsupported filter op %q", f.Op)
		}
	}
	return strings.Join(clauses, " AND "), args, nil
}

func (c *Collection) buildOrderBy(sorts []store.SortClause) string {
	if len(sorts) == 0 {
		return ""
	}
	var parts []string
	for _, s := range sorts {
		if !fieldNamePattern.MatchString(s.Field) {
			continue
		}
		dir := "ASC"
		if s.Direction == store.Descending {
			dir = "DESC"
		}
		parts = append(parts, fmt.Sprintf("json_extract(doc, '$.%s') %s", s.Field, dir))
	}
	return strings.Join(parts, ", ")
}
