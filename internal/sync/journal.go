package sync

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/syncbox/syncbox/internal/store"
	"github.com/syncbox/syncbox/internal/utils"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS sync_journal (
    path TEXT PRIMARY KEY,
    etag TEXT NOT NULL,
    size INTEGER NOT NULL,
    last_modified TEXT NOT NULL -- RFC3339
);

CREATE INDEX IF NOT EXISTS idx_journal_etag ON sync_journal(etag);
`

// FileRecord is the last-synced state of one path as both sides agreed on it.
type FileRecord struct {
	Path         string
	ETag         string
	Size         int64
	LastModified time.Time
}

// Journal persists per-path synced state in SQLite. It is what makes change
// detection and idempotent replay survive restarts.
type Journal struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewJournal opens (or creates) the journal database. Pass ":memory:" for a
// transient journal.
func NewJournal(dbPath string) (*Journal, error) {
	dsn := "file::memory:?cache=shared"
	if dbPath != ":memory:" {
		if err := utils.EnsureDir(filepath.Dir(dbPath)); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?mode=rwc&_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", dbPath)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal at %s: %w", dbPath, err)
	}

	// single writer connection for WAL mode
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(journalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}

	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// Get returns the record for path, or nil when the path was never synced.
func (j *Journal) Get(path string) (*FileRecord, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var rec FileRecord
	var modTime string
	err := j.db.QueryRow(
		"SELECT path, etag, size, last_modified FROM sync_journal WHERE path = ?",
		store.CleanPath(path),
	).Scan(&rec.Path, &rec.ETag, &rec.Size, &modTime)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query path %s: %w", path, err)
	}

	rec.LastModified, err = time.Parse(time.RFC3339, modTime)
	if err != nil {
		return nil, fmt.Errorf("failed to parse stored timestamp for %s: %w", path, err)
	}
	return &rec, nil
}

// Set inserts or replaces the record for rec.Path.
func (j *Journal) Set(rec *FileRecord) error {
	if rec == nil {
		return fmt.Errorf("cannot set nil record")
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(
		"INSERT OR REPLACE INTO sync_journal (path, etag, size, last_modified) VALUES (?, ?, ?, ?)",
		store.CleanPath(rec.Path), rec.ETag, rec.Size, rec.LastModified.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to set record: %w", err)
	}
	return nil
}

// Delete removes the record for path. Unknown paths are a no-op.
func (j *Journal) Delete(path string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.db.Exec("DELETE FROM sync_journal WHERE path = ?", store.CleanPath(path)); err != nil {
		return fmt.Errorf("failed to delete path %s: %w", path, err)
	}
	return nil
}

// Rename moves a record to a new path, keeping its synced state.
func (j *Journal) Rename(oldPath, newPath string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(
		"UPDATE sync_journal SET path = ? WHERE path = ?",
		store.CleanPath(newPath), store.CleanPath(oldPath),
	)
	if err != nil {
		return fmt.Errorf("failed to rename %s: %w", oldPath, err)
	}
	return nil
}

// State returns all records under subtree keyed by path.
func (j *Journal) State(subtree string) (map[string]*FileRecord, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	rows, err := j.db.Query("SELECT path, etag, size, last_modified FROM sync_journal")
	if err != nil {
		return nil, fmt.Errorf("failed to query state: %w", err)
	}
	defer rows.Close()

	st := store.CleanPath(subtree)
	state := make(map[string]*FileRecord)
	for rows.Next() {
		var rec FileRecord
		var modTime string
		if err := rows.Scan(&rec.Path, &rec.ETag, &rec.Size, &modTime); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		if !store.Within(rec.Path, st) {
			continue
		}
		rec.LastModified, err = time.Parse(time.RFC3339, modTime)
		if err != nil {
			return nil, fmt.Errorf("failed to parse stored timestamp for %s: %w", rec.Path, err)
		}
		state[rec.Path] = &rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during state iteration: %w", err)
	}
	return state, nil
}

// Count returns the number of journaled paths.
func (j *Journal) Count() (int, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var n int
	if err := j.db.QueryRow("SELECT COUNT(*) FROM sync_journal").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return n, nil
}
