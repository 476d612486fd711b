// internal/database/models.go
package database

import (
	"time"

	"sessionvault/internal/models"
)

// CheckpointFilter narrows a catalog listing. Zero fields match everything.
type CheckpointFilter struct {
	Types []models.Type
	Since time.Time
	Limit int
}

// Usage is the aggregate size of the catalog.
type Usage struct {
	Count int   `json:"count"`
	Bytes int64 `json:"bytes"`
}

// JournalEntry records one recovery, prune, handoff or validation operation.
type JournalEntry struct {
	ID           int64     `json:"id"`
	At           time.Time `json:"at"`
	Operation    string    `json:"operation"`
	CheckpointID string    `json:"checkpoint_id,omitempty"`
	Outcome      string    `json:"outcome"`
	Detail       string    `json:"detail,omitempty"`
}

// Journal operations and outcomes.
const (
	OpCreate   = "create"
	OpValidate = "validate"
	OpRecover  = "recover"
	OpPrune    = "prune"
	OpHandoff  = "handoff"

	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)
