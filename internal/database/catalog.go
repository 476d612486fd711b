// internal/database/catalog.go
package database

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"sessionvault/internal/errs"
	"sessionvault/internal/models"
)

const checkpointColumns = `id, seq, session_id, timestamp, type, trigger_kind, description,
	active_task_id, overall_progress, size_bytes, integrity_hash, retention_days, validation_status`

// InsertCheckpoint adds a published checkpoint to the catalog.
func (d *Database) InsertCheckpoint(s models.Summary) error {
	status := s.ValidationStatus
	if status == "" {
		status = models.ValidationPending
	}
	_, err := d.db.Exec(`
		INSERT INTO checkpoints (`+checkpointColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Seq, s.SessionID, s.Timestamp.UnixNano(), string(s.Type), string(s.TriggerKind),
		s.Description, s.ActiveTaskID, s.OverallProgress, s.SizeBytes, s.IntegrityHash,
		s.RetentionDays, string(status))
	return err
}

// GetCheckpoint retrieves one catalog row.
func (d *Database) GetCheckpoint(id string) (models.Summary, error) {
	row := d.db.QueryRow(`SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id)
	s, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Summary{}, &errs.NotFoundError{Kind: "checkpoint", ID: id}
	}
	return s, err
}

// ListCheckpoints returns catalog rows matching f, newest first.
func (d *Database) ListCheckpoints(f CheckpointFilter) ([]models.Summary, error) {
	var where []string
	var args []interface{}

	if len(f.Types) > 0 {
		marks := make([]string, len(f.Types))
		for i, t := range f.Types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "type IN ("+strings.Join(marks, ", ")+")")
	}
	if !f.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, f.Since.UnixNano())
	}

	query := `SELECT ` + checkpointColumns + ` FROM checkpoints`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := []models.Summary{}
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// SetValidationStatus records the latest validation outcome of a checkpoint.
func (d *Database) SetValidationStatus(id string, status models.ValidationStatus) error {
	res, err := d.db.Exec(`UPDATE checkpoints SET validation_status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errs.NotFoundError{Kind: "checkpoint", ID: id}
	}
	return nil
}

// DeleteCheckpoint removes a catalog row. Deleting an absent row is not an error.
func (d *Database) DeleteCheckpoint(id string) error {
	_, err := d.db.Exec("DELETE FROM checkpoints WHERE id = ?", id)
	return err
}

// Usage returns the checkpoint count and their total size.
func (d *Database) Usage() (Usage, error) {
	var u Usage
	err := d.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM checkpoints`).Scan(&u.Count, &u.Bytes)
	return u, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSummary(row scanner) (models.Summary, error) {
	var s models.Summary
	var ts int64
	var typ, kind, status string
	err := row.Scan(&s.ID, &s.Seq, &s.SessionID, &ts, &typ, &kind, &s.Description,
		&s.ActiveTaskID, &s.OverallProgress, &s.SizeBytes, &s.IntegrityHash, &s.RetentionDays, &status)
	if err != nil {
		return models.Summary{}, err
	}
	s.Timestamp = time.Unix(0, ts).UTC()
	s.Type = models.Type(typ)
	s.TriggerKind = models.TriggerKind(kind)
	s.ValidationStatus = models.ValidationStatus(status)
	return s, nil
}
