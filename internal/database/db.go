// internal/database/db.go
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

const checkpointSeqKey = "checkpoint_seq"

// Database wraps the SQLite catalog of checkpoint records, the checkpoint id sequence
// and the operation journal.
type Database struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path
func Open(path string) (*Database, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create catalog directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	d := &Database{db: db}
	if err := d.init(); err != nil {
		db.Close()
		return nil, err
	}

	return d, nil
}

// init creates the database schema
func (d *Database) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL UNIQUE,
		session_id TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		type TEXT NOT NULL,
		trigger_kind TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		active_task_id TEXT NOT NULL DEFAULT '',
		overall_progress REAL NOT NULL DEFAULT 0,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		integrity_hash TEXT NOT NULL DEFAULT '',
		retention_days INTEGER NOT NULL DEFAULT 0,
		validation_status TEXT NOT NULL DEFAULT 'PENDING'
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_type ON checkpoints(type);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_timestamp ON checkpoints(timestamp);

	CREATE TABLE IF NOT EXISTS journal (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at INTEGER NOT NULL,
		operation TEXT NOT NULL,
		checkpoint_id TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_journal_operation ON journal(operation);
	`

	_, err := d.db.Exec(schema)
	return err
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// NextSequence atomically increments and returns the checkpoint sequence. Values are
// never handed out twice, even after the checkpoint that used them is deleted.
func (d *Database) NextSequence() (int64, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	if _, err := tx.Exec(`INSERT OR IGNORE INTO meta (key, value, updated_at) VALUES (?, '0', ?)`, checkpointSeqKey, now); err != nil {
		return 0, fmt.Errorf("seed sequence: %w", err)
	}
	var raw string
	if err := tx.QueryRow(`SELECT value FROM meta WHERE key = ?`, checkpointSeqKey).Scan(&raw); err != nil {
		return 0, fmt.Errorf("read sequence: %w", err)
	}
	current, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse sequence %q: %w", raw, err)
	}

	// A catalog restored from an older copy may lag behind the records on disk.
	var maxSeq sql.NullInt64
	if err := tx.QueryRow(`SELECT MAX(seq) FROM checkpoints`).Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("read max seq: %w", err)
	}
	if maxSeq.Valid && maxSeq.Int64 > current {
		current = maxSeq.Int64
	}

	next := current + 1
	if _, err := tx.Exec(`UPDATE meta SET value = ?, updated_at = ? WHERE key = ?`, strconv.FormatInt(next, 10), now, checkpointSeqKey); err != nil {
		return 0, fmt.Errorf("advance sequence: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return next, nil
}

// SaveSetting saves or updates a meta value
func (d *Database) SaveSetting(key, value string) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO meta (key, value, updated_at)
		VALUES (?, ?, ?)`, key, value, time.Now().Unix())
	return err
}

// GetSetting retrieves a meta value by key. A missing key returns "" and no error.
func (d *Database) GetSetting(key string) (string, error) {
	var value string
	err := d.db.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

