// Package skillstore persists learned error-to-resolution skills.
//
// The store is the single owner of skill records. Entries are appended and
// their usage counters updated, but never deleted or otherwise rewritten;
// pruning of low-value skills is an operator decision, not an automatic one.
package skillstore

import (
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/jordanhubbard/mend/pkg/models"
)

// StorageError wraps a persistence I/O failure. It is fatal to the single
// call, not to the process; callers decide whether to retry the store
// operation or proceed without persistence.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("skill store %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Store is a durable skill library backed by SQLite (default) or Postgres.
type Store struct {
	db      *sql.DB
	backend string

	// Mutations are serialized so usage/success counters stay consistent
	// across concurrent executors sharing one store.
	writeMu sync.Mutex

	regexMu    sync.Mutex
	regexCache map[string]*regexp.Regexp

	changeMu sync.RWMutex
	onChange []func()
}

// Open opens the store, creating the schema if needed.
// backend is "sqlite" or "postgres"; dsn is the SQLite path or Postgres DSN.
func Open(backend, dsn string) (*Store, error) {
	var db *sql.DB
	var err error

	switch backend {
	case "", "sqlite":
		backend = "sqlite"
		db, err = sql.Open("sqlite3", dsn)
		if err == nil {
			// Synchronous writes so a crash after a successful call
			// never loses the update.
			_, err = db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=FULL;")
		}
	case "postgres":
		db, err = sql.Open("postgres", dsn)
	default:
		return nil, fmt.Errorf("unknown store backend: %s", backend)
	}
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}

	s := &Store{
		db:         db,
		backend:    backend,
		regexCache: make(map[string]*regexp.Regexp),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	var schema string
	if s.backend == "postgres" {
		schema = `
		CREATE TABLE IF NOT EXISTS skills (
			id BIGSERIAL PRIMARY KEY,
			error_kind TEXT NOT NULL,
			pattern TEXT NOT NULL,
			is_regex BOOLEAN NOT NULL DEFAULT FALSE,
			resolution TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT '',
			usage_count BIGINT NOT NULL DEFAULT 0,
			success_count BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		);`
	} else {
		schema = `
		CREATE TABLE IF NOT EXISTS skills (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			error_kind TEXT NOT NULL,
			pattern TEXT NOT NULL,
			is_regex BOOLEAN NOT NULL DEFAULT 0,
			resolution TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT '',
			usage_count INTEGER NOT NULL DEFAULT 0,
			success_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		);`
	}

	if _, err := s.db.Exec(schema); err != nil {
		return &StorageError{Op: "init schema", Err: err}
	}
	return nil
}

// rebind converts ?-style placeholders to $N for postgres.
func (s *Store) rebind(query string) string {
	if s.backend != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Add persists a new skill entry and returns its assigned id.
func (s *Store) Add(entry *models.SkillEntry) (int64, error) {
	if entry == nil {
		return 0, fmt.Errorf("entry cannot be nil")
	}
	if entry.Pattern == "" {
		return 0, fmt.Errorf("pattern is required")
	}
	if entry.Resolution == "" {
		return 0, fmt.Errorf("resolution is required")
	}
	if entry.Kind == "" {
		entry.Kind = models.ErrorKindCustom
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Regex {
		if _, err := s.compiled(entry.Pattern); err != nil {
			return 0, fmt.Errorf("invalid pattern regex: %w", err)
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var id int64
	if s.backend == "postgres" {
		err := s.db.QueryRow(s.rebind(`
			INSERT INTO skills (error_kind, pattern, is_regex, resolution, context, created_at)
			VALUES (?, ?, ?, ?, ?, ?) RETURNING id`),
			string(entry.Kind), entry.Pattern, entry.Regex, entry.Resolution, entry.Context, entry.CreatedAt,
		).Scan(&id)
		if err != nil {
			return 0, &StorageError{Op: "add", Err: err}
		}
	} else {
		res, err := s.db.Exec(`
			INSERT INTO skills (error_kind, pattern, is_regex, resolution, context, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			string(entry.Kind), entry.Pattern, entry.Regex, entry.Resolution, entry.Context, entry.CreatedAt,
		)
		if err != nil {
			return 0, &StorageError{Op: "add", Err: err}
		}
		id, err = res.LastInsertId()
		if err != nil {
			return 0, &StorageError{Op: "add", Err: err}
		}
	}

	entry.ID = id
	s.notifyChange()
	return id, nil
}

// Find returns the first entry, in insertion order, whose pattern matches
// errorText. Substring patterns match case-sensitively; regex patterns via
// regexp.MatchString. First-added wins; there is no specificity ranking.
func (s *Store) Find(errorText string) (models.SkillEntry, bool, error) {
	entries, err := s.List()
	if err != nil {
		return models.SkillEntry{}, false, err
	}

	for _, e := range entries {
		if s.matches(&e, errorText) {
			return e, true, nil
		}
	}
	return models.SkillEntry{}, false, nil
}

func (s *Store) matches(e *models.SkillEntry, errorText string) bool {
	if e.Regex {
		re, err := s.compiled(e.Pattern)
		if err != nil {
			return false
		}
		return re.MatchString(errorText)
	}
	return strings.Contains(errorText, e.Pattern)
}

func (s *Store) compiled(pattern string) (*regexp.Regexp, error) {
	s.regexMu.Lock()
	defer s.regexMu.Unlock()
	if re, ok := s.regexCache[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	s.regexCache[pattern] = re
	return re, nil
}

// Get returns a single entry by id.
func (s *Store) Get(id int64) (models.SkillEntry, error) {
	row := s.db.QueryRow(s.rebind(`
		SELECT id, error_kind, pattern, is_regex, resolution, context, usage_count, success_count, created_at
		FROM skills WHERE id = ?`), id)

	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return models.SkillEntry{}, fmt.Errorf("skill %d not found", id)
	}
	if err != nil {
		return models.SkillEntry{}, &StorageError{Op: "get", Err: err}
	}
	return e, nil
}

// RecordUsage increments the entry's usage count, and its success count iff
// succeeded. Counters never decrement. Safe under concurrent executors.
func (s *Store) RecordUsage(id int64, succeeded bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	inc := 0
	if succeeded {
		inc = 1
	}
	res, err := s.db.Exec(s.rebind(`
		UPDATE skills SET usage_count = usage_count + 1, success_count = success_count + ?
		WHERE id = ?`), inc, id)
	if err != nil {
		return &StorageError{Op: "record usage", Err: err}
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("skill %d not found", id)
	}
	return nil
}

// List returns all entries in insertion order.
func (s *Store) List() ([]models.SkillEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, error_kind, pattern, is_regex, resolution, context, usage_count, success_count, created_at
		FROM skills ORDER BY id ASC`)
	if err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}
	defer rows.Close()

	var entries []models.SkillEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, &StorageError{Op: "list", Err: err}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}
	return entries, nil
}

// Top returns the n most-used entries: usage count descending, ties broken
// by success rate descending, then id ascending. The ordering is total so
// results are deterministic.
func (s *Store) Top(n int) ([]models.SkillEntry, error) {
	entries, err := s.List()
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := &entries[i], &entries[j]
		if a.UsageCount != b.UsageCount {
			return a.UsageCount > b.UsageCount
		}
		if ra, rb := a.SuccessRate(), b.SuccessRate(); ra != rb {
			return ra > rb
		}
		return a.ID < b.ID
	})

	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries, nil
}

// Count returns the number of stored skills.
func (s *Store) Count() (int64, error) {
	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM skills`).Scan(&n); err != nil {
		return 0, &StorageError{Op: "count", Err: err}
	}
	return n, nil
}

// OnChange registers a callback invoked after the set of entries changes
// (Add or seed reload). Counter updates do not fire it since they cannot
// change which entry Find returns.
func (s *Store) OnChange(fn func()) {
	s.changeMu.Lock()
	defer s.changeMu.Unlock()
	s.onChange = append(s.onChange, fn)
}

func (s *Store) notifyChange() {
	s.changeMu.RLock()
	defer s.changeMu.RUnlock()
	for _, fn := range s.onChange {
		fn()
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (models.SkillEntry, error) {
	var e models.SkillEntry
	var kind string
	err := row.Scan(&e.ID, &kind, &e.Pattern, &e.Regex, &e.Resolution, &e.Context,
		&e.UsageCount, &e.SuccessCount, &e.CreatedAt)
	if err != nil {
		return e, err
	}
	e.Kind = models.ErrorKind(kind)
	return e, nil
}
