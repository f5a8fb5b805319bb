package usercache

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Mapping is one resolved (or sentinel) user-mapping row.
//
// IsEmpty is a tombstone: the username was looked up everywhere and not
// found; callers get an empty result without hitting the network again.
// IsPending marks a first-sighted username whose resolution has not run yet.
// The two are mutually exclusive; a successful resolution clears both.
type Mapping struct {
	Username   string
	LarkEmail  string
	LarkUserID string
	LarkName   string
	IsEmpty    bool
	IsPending  bool
	UpdatedAt  string
}

// Resolved reports whether the mapping carries a usable Lark identity.
func (m *Mapping) Resolved() bool {
	return !m.IsEmpty && !m.IsPending &&
		m.LarkUserID != "" && m.LarkEmail != "" && m.LarkName != ""
}

// Stats summarizes the cache contents.
type Stats struct {
	Total    int
	Resolved int
	Empty    int
	Pending  int
}

// Store defines the interface for the persistent user-mapping cache.
type Store interface {
	Get(username string) (*Mapping, error)
	Set(mapping *Mapping) error
	Delete(username string) error
	ListAll() ([]*Mapping, error)
	ListPending() ([]string, error)
	ClearPending() error
	Stats() (*Stats, error)
	Vacuum() error
	Close() error
}

// SQLiteStore implements Store on a single-file SQLite database.
// All operations are serialized by a process-local lock.
type SQLiteStore struct {
	mu sync.Mutex
	db *sql.DB
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS user_mappings (
		username TEXT PRIMARY KEY,
		lark_email TEXT,
		lark_user_id TEXT,
		lark_name TEXT,
		is_empty INTEGER DEFAULT 0,
		is_pending INTEGER DEFAULT 0,
		updated_at TEXT DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_user_mappings_lark_email
		ON user_mappings (lark_email)`,
	`CREATE INDEX IF NOT EXISTS idx_user_mappings_status
		ON user_mappings (is_empty, is_pending)`,
}

// NewSQLiteStore opens (creating if needed) the user cache at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("failed to open user cache: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("user cache migration failed: %w", err)
		}
	}
	return nil
}

// Get returns the mapping for a username, or nil when absent.
func (s *SQLiteStore) Get(username string) (*Mapping, error) {
	if username == "" {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(
		`SELECT username, COALESCE(lark_email,''), COALESCE(lark_user_id,''),
			COALESCE(lark_name,''), is_empty, is_pending, updated_at
		 FROM user_mappings WHERE username = ?`, username)

	mapping := &Mapping{}
	var isEmpty, isPending int
	err := row.Scan(&mapping.Username, &mapping.LarkEmail, &mapping.LarkUserID,
		&mapping.LarkName, &isEmpty, &isPending, &mapping.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read user mapping for %s: %w", username, err)
	}

	mapping.IsEmpty = isEmpty != 0
	mapping.IsPending = isPending != 0
	return mapping, nil
}

// Set upserts a mapping via REPLACE.
func (s *SQLiteStore) Set(mapping *Mapping) error {
	if mapping == nil || mapping.Username == "" {
		return fmt.Errorf("user mapping requires a username")
	}
	if mapping.IsEmpty && mapping.IsPending {
		return fmt.Errorf("user mapping for %s cannot be both empty and pending", mapping.Username)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`REPLACE INTO user_mappings
			(username, lark_email, lark_user_id, lark_name, is_empty, is_pending, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		mapping.Username, mapping.LarkEmail, mapping.LarkUserID, mapping.LarkName,
		boolToInt(mapping.IsEmpty), boolToInt(mapping.IsPending))
	if err != nil {
		return fmt.Errorf("failed to write user mapping for %s: %w", mapping.Username, err)
	}
	return nil
}

// Delete removes a mapping.
func (s *SQLiteStore) Delete(username string) error {
	if username == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM user_mappings WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("failed to delete user mapping for %s: %w", username, err)
	}
	return nil
}

// ListAll returns every mapping in the cache.
func (s *SQLiteStore) ListAll() ([]*Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT username, COALESCE(lark_email,''), COALESCE(lark_user_id,''),
			COALESCE(lark_name,''), is_empty, is_pending, updated_at
		 FROM user_mappings`)
	if err != nil {
		return nil, fmt.Errorf("failed to list user mappings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var mappings []*Mapping
	for rows.Next() {
		mapping := &Mapping{}
		var isEmpty, isPending int
		if err := rows.Scan(&mapping.Username, &mapping.LarkEmail, &mapping.LarkUserID,
			&mapping.LarkName, &isEmpty, &isPending, &mapping.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user mapping: %w", err)
		}
		mapping.IsEmpty = isEmpty != 0
		mapping.IsPending = isPending != 0
		mappings = append(mappings, mapping)
	}
	return mappings, rows.Err()
}

// ListPending returns the usernames awaiting resolution.
func (s *SQLiteStore) ListPending() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT username FROM user_mappings WHERE is_pending = 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var usernames []string
	for rows.Next() {
		var username string
		if err := rows.Scan(&username); err != nil {
			return nil, err
		}
		usernames = append(usernames, username)
	}
	return usernames, rows.Err()
}

// ClearPending removes every pending row, forcing re-observation.
func (s *SQLiteStore) ClearPending() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM user_mappings WHERE is_pending = 1`)
	if err != nil {
		return fmt.Errorf("failed to clear pending users: %w", err)
	}
	return nil
}

// Stats summarizes the cache contents.
func (s *SQLiteStore) Stats() (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &Stats{}
	row := s.db.QueryRow(
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN is_empty = 0 AND is_pending = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(is_empty), 0),
			COALESCE(SUM(is_pending), 0)
		 FROM user_mappings`)
	if err := row.Scan(&stats.Total, &stats.Resolved, &stats.Empty, &stats.Pending); err != nil {
		return nil, fmt.Errorf("failed to read user cache stats: %w", err)
	}
	return stats, nil
}

// Vacuum reclaims space after bulk deletes.
func (s *SQLiteStore) Vacuum() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`VACUUM`)
	return err
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
