package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"warden/internal/logging"
	"warden/internal/types"
)

// LocalStore persists keyed records and the append-only outcome log in
// SQLite. Records are stored as JSON blobs; the outcome table carries an
// autoincrement id so creation order survives restarts.
type LocalStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// NewLocalStore initializes the SQLite database at the given path.
func NewLocalStore(path string) (*LocalStore, error) {
	log := logging.Get(logging.CategoryStore)
	log.Info("initializing LocalStore at %s", path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single connection avoids SQLITE_BUSY under concurrent kernel calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		log.Debug("failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		log.Debug("failed to set journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		log.Debug("failed to set synchronous=NORMAL: %v", err)
	}

	s := &LocalStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *LocalStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			identity   TEXT NOT NULL,
			kind       TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      TEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (identity, kind, key)
		);
		CREATE TABLE IF NOT EXISTS outcomes (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			identity   TEXT NOT NULL,
			value      TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_outcomes_identity ON outcomes(identity, id);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *LocalStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put implements types.Store.
func (s *LocalStore) Put(ctx context.Context, identity string, kind types.RecordKind, key string, value any) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("local store not initialized")
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", kind, key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (identity, kind, key, value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(identity, kind, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, identity, string(kind), key, string(data), time.Now().UTC())
	if err != nil {
		logging.Get(logging.CategoryStore).Error("put %s/%s failed: %v", kind, key, err)
		return err
	}
	return nil
}

// Get implements types.Store.
func (s *LocalStore) Get(ctx context.Context, identity string, kind types.RecordKind, key string, out any) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("local store not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM records WHERE identity = ? AND kind = ? AND key = ?
	`, identity, string(kind), key).Scan(&value)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(value), out); err != nil {
		return false, fmt.Errorf("unmarshal %s/%s: %w", kind, key, err)
	}
	return true, nil
}

// Delete implements types.Store.
func (s *LocalStore) Delete(ctx context.Context, identity string, kind types.RecordKind, key string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("local store not initialized")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM records WHERE identity = ? AND kind = ? AND key = ?
	`, identity, string(kind), key)
	return err
}

// List implements types.Store.
func (s *LocalStore) List(ctx context.Context, identity string, kind types.RecordKind, out any) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("local store not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT value FROM records WHERE identity = ? AND kind = ? ORDER BY key
	`, identity, string(kind))
	if err != nil {
		return err
	}
	defer rows.Close()

	var raw [][]byte
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return err
		}
		raw = append(raw, []byte(value))
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return unmarshalList(raw, out)
}

// AppendOutcome implements types.Store.
func (s *LocalStore) AppendOutcome(ctx context.Context, identity string, outcome types.TaskOutcomeRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("local store not initialized")
	}
	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO outcomes (identity, value) VALUES (?, ?)
	`, identity, string(data))
	return err
}

// ListOutcomes implements types.Store. Rows come back ordered by insert id
// so creation order is preserved across restarts.
func (s *LocalStore) ListOutcomes(ctx context.Context, identity string) ([]types.TaskOutcomeRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("local store not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT value FROM outcomes WHERE identity = ? ORDER BY id
	`, identity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []types.TaskOutcomeRecord
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		var outcome types.TaskOutcomeRecord
		if err := json.Unmarshal([]byte(value), &outcome); err != nil {
			return nil, fmt.Errorf("unmarshal outcome: %w", err)
		}
		results = append(results, outcome)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

var _ types.Store = (*LocalStore)(nil)
