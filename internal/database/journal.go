// internal/database/journal.go
package database

import (
	"time"
)

// AppendJournal records an operation. A zero At is stamped with the current time.
func (d *Database) AppendJournal(e JournalEntry) (int64, error) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	result, err := d.db.Exec(`
		INSERT INTO journal (at, operation, checkpoint_id, outcome, detail)
		VALUES (?, ?, ?, ?, ?)`,
		e.At.UnixNano(), e.Operation, e.CheckpointID, e.Outcome, e.Detail)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// ListJournal returns the most recent entries first, optionally filtered by operation.
func (d *Database) ListJournal(operation string, limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var query string
	var args []interface{}
	if operation != "" {
		query = `SELECT id, at, operation, checkpoint_id, outcome, detail
			FROM journal WHERE operation = ? ORDER BY id DESC LIMIT ?`
		args = []interface{}{operation, limit}
	} else {
		query = `SELECT id, at, operation, checkpoint_id, outcome, detail
			FROM journal ORDER BY id DESC LIMIT ?`
		args = []interface{}{limit}
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []JournalEntry{}
	for rows.Next() {
		var e JournalEntry
		var at int64
		if err := rows.Scan(&e.ID, &at, &e.Operation, &e.CheckpointID, &e.Outcome, &e.Detail); err != nil {
			return nil, err
		}
		e.At = time.Unix(0, at).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
