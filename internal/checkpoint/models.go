// internal/checkpoint/models.go
package checkpoint

import (
	"context"
	"time"

	"sessionvault/internal/models"
)

// Config holds checkpoint configuration
type Config struct {
	Interval            time.Duration       `json:"interval"`
	FileChangeThreshold int                 `json:"file_change_threshold"`
	PollInterval        time.Duration       `json:"poll_interval"`
	EmergencyBudget     time.Duration       `json:"emergency_budget"`
	SnapshotConcurrency int                 `json:"snapshot_concurrency"`
	RetentionDays       map[models.Type]int `json:"retention_days"`
}

// DefaultConfig returns default checkpoint configuration
func DefaultConfig() Config {
	return Config{
		Interval:            30 * time.Minute,
		FileChangeThreshold: 3,
		PollInterval:        time.Minute,
		EmergencyBudget:     2 * time.Second,
		SnapshotConcurrency: 8,
		RetentionDays: map[models.Type]int{
			models.TypeAuto:      28,
			models.TypeManual:    0,
			models.TypeEmergency: 30,
			models.TypeRecovery:  30,
		},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.FileChangeThreshold <= 0 {
		c.FileChangeThreshold = def.FileChangeThreshold
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.EmergencyBudget <= 0 {
		c.EmergencyBudget = def.EmergencyBudget
	}
	if c.SnapshotConcurrency <= 0 {
		c.SnapshotConcurrency = def.SnapshotConcurrency
	}
	if c.RetentionDays == nil {
		c.RetentionDays = def.RetentionDays
	}
	return c
}

// Request describes a checkpoint to create. Type is optional; when set it must match
// the type the trigger produces.
type Request struct {
	Type        models.Type
	Trigger     models.Trigger
	Description string
}

// Filter narrows a listing. Zero fields match everything.
type Filter struct {
	Types []models.Type
	Since time.Time
	Limit int
}

// Pruner frees storage before a checkpoint is written. The retention service
// implements it.
type Pruner interface {
	MakeRoom(ctx context.Context) error
}
