// internal/models/checkpoint.go
package models

import (
	"sort"
	"time"
)

// FormatVersion is written into every checkpoint record. Readers accept records with a
// version less than or equal to it; new optional fields may be added without a bump.
const FormatVersion = 1

// Type classifies a checkpoint for retention purposes.
type Type string

const (
	TypeAuto      Type = "AUTO"
	TypeManual    Type = "MANUAL"
	TypeEmergency Type = "EMERGENCY"
	TypeRecovery  Type = "RECOVERY"
)

// Types lists every checkpoint type in a stable order.
var Types = []Type{TypeAuto, TypeManual, TypeEmergency, TypeRecovery}

func (t Type) Valid() bool {
	switch t {
	case TypeAuto, TypeManual, TypeEmergency, TypeRecovery:
		return true
	}
	return false
}

// SnapshotStatus records the outcome of capturing one file.
type SnapshotStatus string

const (
	SnapshotOK      SnapshotStatus = "ok"
	SnapshotFailed  SnapshotStatus = "snapshot_failed"
	SnapshotSkipped SnapshotStatus = "skipped"
)

// FileSnapshot references the content-addressed backup of one file.
type FileSnapshot struct {
	Path           string         `json:"path"`
	ContentHash    string         `json:"content_hash,omitempty"`
	BackupLocation string         `json:"backup_location,omitempty"`
	Size           int64          `json:"size"`
	Mode           uint32         `json:"mode,omitempty"`
	Status         SnapshotStatus `json:"status"`
	Missing        bool           `json:"missing,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// Restorable reports whether the snapshot holds content that can be written back.
func (f FileSnapshot) Restorable() bool {
	return f.Status == SnapshotOK && f.ContentHash != ""
}

// Checkpoint is an immutable, self-describing snapshot of the session.
type Checkpoint struct {
	FormatVersion int                     `json:"format_version"`
	ID            string                  `json:"checkpoint_id"`
	SessionID     string                  `json:"session_id"`
	Timestamp     time.Time               `json:"timestamp"`
	Type          Type                    `json:"type"`
	Trigger       TriggerRecord           `json:"trigger"`
	Description   string                  `json:"description"`
	State         ProgressState           `json:"progress_state_snapshot"`
	Files         map[string]FileSnapshot `json:"file_snapshots"`
	IntegrityHash string                  `json:"integrity_hash,omitempty"`
	SizeBytes     int64                   `json:"size_bytes"`
	RetentionDays int                     `json:"retention_days"`
}

// FilePaths returns the snapshot paths in sorted order.
func (c *Checkpoint) FilePaths() []string {
	paths := make([]string, 0, len(c.Files))
	for path := range c.Files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Summary returns the catalog view of the checkpoint.
func (c *Checkpoint) Summary() Summary {
	return Summary{
		ID:              c.ID,
		SessionID:       c.SessionID,
		Timestamp:       c.Timestamp,
		Type:            c.Type,
		TriggerKind:     c.Trigger.Kind,
		Description:     c.Description,
		ActiveTaskID:    c.State.ActiveTaskID,
		OverallProgress: c.State.OverallProgress,
		SizeBytes:       c.SizeBytes,
		IntegrityHash:   c.IntegrityHash,
		RetentionDays:   c.RetentionDays,
	}
}

// ValidationStatus is the outcome of a structural validation.
type ValidationStatus string

const (
	Valid             ValidationStatus = "VALID"
	ValidWithWarnings ValidationStatus = "VALID_WITH_WARNINGS"
	Invalid           ValidationStatus = "INVALID"
	ValidationPending ValidationStatus = "PENDING"
)

// Summary is the lightweight listing row for a checkpoint.
type Summary struct {
	ID               string           `json:"checkpoint_id"`
	Seq              int64            `json:"seq"`
	SessionID        string           `json:"session_id"`
	Timestamp        time.Time        `json:"timestamp"`
	Type             Type             `json:"type"`
	TriggerKind      TriggerKind      `json:"trigger_kind"`
	Description      string           `json:"description"`
	ActiveTaskID     string           `json:"active_task_id"`
	OverallProgress  float64          `json:"overall_progress"`
	SizeBytes        int64            `json:"size_bytes"`
	IntegrityHash    string           `json:"integrity_hash"`
	RetentionDays    int              `json:"retention_days"`
	ValidationStatus ValidationStatus `json:"validation_status"`
}
