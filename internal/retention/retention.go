// Package retention prunes stored checkpoints by age and enforces the storage ceiling.
package retention

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"sessionvault/internal/checkpoint"
	"sessionvault/internal/database"
	"sessionvault/internal/errs"
	"sessionvault/internal/eventhub"
	"sessionvault/internal/models"
	"sessionvault/internal/telemetry"
)

// Policy configures age windows and the storage ceiling.
type Policy struct {
	KeepAllWithin   time.Duration
	DailyWithin     time.Duration
	WeeklyWithin    time.Duration
	EmergencyWindow time.Duration
	MaxCheckpoints  int
	MaxBytes        int64
	HighWater       float64
	CriticalWater   float64
}

// DefaultPolicy returns the default retention policy.
func DefaultPolicy() Policy {
	return Policy{
		KeepAllWithin:   24 * time.Hour,
		DailyWithin:     7 * 24 * time.Hour,
		WeeklyWithin:    28 * 24 * time.Hour,
		EmergencyWindow: 30 * 24 * time.Hour,
		MaxCheckpoints:  100,
		MaxBytes:        100 << 20,
		HighWater:       0.80,
		CriticalWater:   0.95,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.KeepAllWithin <= 0 {
		p.KeepAllWithin = def.KeepAllWithin
	}
	if p.DailyWithin <= 0 {
		p.DailyWithin = def.DailyWithin
	}
	if p.WeeklyWithin <= 0 {
		p.WeeklyWithin = def.WeeklyWithin
	}
	if p.EmergencyWindow <= 0 {
		p.EmergencyWindow = def.EmergencyWindow
	}
	if p.MaxCheckpoints <= 0 {
		p.MaxCheckpoints = def.MaxCheckpoints
	}
	if p.MaxBytes <= 0 {
		p.MaxBytes = def.MaxBytes
	}
	if p.HighWater <= 0 {
		p.HighWater = def.HighWater
	}
	if p.CriticalWater <= 0 {
		p.CriticalWater = def.CriticalWater
	}
	return p
}

// Deletion reasons.
const (
	ReasonAge        = "age"
	ReasonCeiling    = "ceiling"
	ReasonAggressive = "ceiling (aggressive)"
)

// Deletion is one checkpoint removed by a prune.
type Deletion struct {
	CheckpointID string      `json:"checkpoint_id"`
	Type         models.Type `json:"type"`
	Reason       string      `json:"reason"`
	SizeBytes    int64       `json:"size_bytes"`
}

// Report describes the outcome of a prune.
type Report struct {
	Deleted     []Deletion `json:"deleted"`
	Protected   []string   `json:"protected"`
	Skipped     []string   `json:"skipped"`
	Kept        int        `json:"kept"`
	FreedBytes  int64      `json:"freed_bytes"`
	BlobsSwept  int        `json:"blobs_swept"`
	BlobBytes   int64      `json:"blob_bytes"`
	Utilization float64    `json:"utilization"`
	Aggressive  bool       `json:"aggressive"`
}

// DeletedIDs returns the ids of deleted checkpoints.
func (r *Report) DeletedIDs() []string {
	ids := make([]string, len(r.Deleted))
	for i, d := range r.Deleted {
		ids[i] = d.CheckpointID
	}
	return ids
}

// Service applies a Policy to a checkpoint manager's storage.
type Service struct {
	manager *checkpoint.Manager
	storage *checkpoint.Storage
	policy  Policy

	logger  *zap.Logger
	events  *eventhub.EventHub
	metrics *telemetry.Metrics
	now     func() time.Time

	mu sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithEvents(hub *eventhub.EventHub) Option {
	return func(s *Service) { s.events = hub }
}

func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(s *Service) { s.metrics = metrics }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a retention service for m.
func New(m *checkpoint.Manager, policy Policy, opts ...Option) *Service {
	s := &Service{
		manager: m,
		storage: m.Storage(),
		policy:  policy.withDefaults(),
		logger:  zap.NewNop(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the effective policy.
func (s *Service) Policy() Policy {
	return s.policy
}

// MakeRoom prunes before a checkpoint is written. It satisfies checkpoint.Pruner.
func (s *Service) MakeRoom(ctx context.Context) error {
	_, err := s.Prune(ctx)
	return err
}

// Prune deletes checkpoints expired by age, then evicts the oldest eligible ones while
// utilization is at or above the high-water mark, then sweeps unreferenced blobs. The
// newest non-INVALID checkpoint of each type and every reserved checkpoint survive.
// When usage stays above the ceiling a StorageExhaustedError is returned together with
// the report and the manager enters degraded mode.
func (s *Service) Prune(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.storage.List(database.CheckpointFilter{})
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].Timestamp.Equal(rows[j].Timestamp) {
			return rows[i].Timestamp.After(rows[j].Timestamp)
		}
		return rows[i].Seq > rows[j].Seq
	})

	report := &Report{Deleted: []Deletion{}, Protected: []string{}, Skipped: []string{}}
	protected := s.protect(rows)
	for id := range protected {
		report.Protected = append(report.Protected, id)
	}
	sort.Strings(report.Protected)

	for _, row := range s.expired(rows, protected, s.now()) {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		s.delete(row, ReasonAge, report)
	}
	gone := make(map[string]struct{}, len(report.Deleted))
	for _, d := range report.Deleted {
		gone[d.CheckpointID] = struct{}{}
	}
	live := filter(rows, gone)

	live, err = s.enforceCeiling(ctx, live, protected, report)
	if err != nil {
		return report, err
	}

	removed, freed, err := s.storage.SweepBlobs()
	if err != nil {
		s.logger.Warn("blob sweep failed", zap.Error(err))
	}
	report.BlobsSwept = removed
	report.BlobBytes = freed
	report.Kept = len(live)
	report.Utilization = s.utilization(len(live), totalBytes(live))

	s.metrics.Pruned(len(report.Deleted), removed)
	s.metrics.StorageUsage(len(live), totalBytes(live))
	if len(report.Deleted) > 0 || removed > 0 {
		s.events.EmitCheckpointPruned(eventhub.CheckpointPrunedEvent{
			Deleted:     report.DeletedIDs(),
			FreedBytes:  report.FreedBytes,
			BlobsSwept:  removed,
			Utilization: report.Utilization,
		})
	}

	if report.Utilization > 1 {
		exhausted := &errs.StorageExhaustedError{
			Count:     len(live),
			MaxCount:  s.policy.MaxCheckpoints,
			Bytes:     totalBytes(live),
			MaxBytes:  s.policy.MaxBytes,
			Protected: len(protected),
		}
		s.storage.Journal(database.OpPrune, "", database.OutcomeFailed, exhausted.Error())
		s.manager.SetDegraded(true, exhausted.Error())
		return report, exhausted
	}
	s.manager.SetDegraded(false, "")

	s.logger.Info("prune complete",
		zap.Int("deleted", len(report.Deleted)),
		zap.Int("kept", report.Kept),
		zap.Int("blobs_swept", removed),
		zap.Float64("utilization", report.Utilization),
		zap.Bool("aggressive", report.Aggressive))
	return report, nil
}

// protect returns the newest non-INVALID checkpoint of each type plus every reserved
// checkpoint. rows must be sorted newest first.
func (s *Service) protect(rows []models.Summary) map[string]struct{} {
	protected := make(map[string]struct{})
	seen := make(map[models.Type]bool)
	for _, row := range rows {
		if s.storage.Reserved(row.ID) {
			protected[row.ID] = struct{}{}
		}
		if seen[row.Type] || row.ValidationStatus == models.Invalid {
			continue
		}
		seen[row.Type] = true
		protected[row.ID] = struct{}{}
	}
	return protected
}

// expired returns the unprotected rows whose age exceeds their type's window, oldest
// first. rows must be sorted newest first.
func (s *Service) expired(rows []models.Summary, protected map[string]struct{}, now time.Time) []models.Summary {
	days := make(map[string]bool)
	weeks := make(map[string]bool)
	var out []models.Summary
	for _, row := range rows {
		age := now.Sub(row.Timestamp)
		keep := true
		switch row.Type {
		case models.TypeAuto:
			keep = s.keepAuto(row.Timestamp, age, days, weeks)
		case models.TypeEmergency, models.TypeRecovery:
			window := s.policy.EmergencyWindow
			if row.RetentionDays > 0 {
				window = time.Duration(row.RetentionDays) * 24 * time.Hour
			}
			keep = age < window
		}
		if _, ok := protected[row.ID]; ok || keep {
			continue
		}
		out = append(out, row)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// keepAuto applies the AUTO thinning: everything inside the keep-all window, the newest
// per UTC day inside the daily window, the newest per ISO week inside the weekly window.
func (s *Service) keepAuto(ts time.Time, age time.Duration, days, weeks map[string]bool) bool {
	switch {
	case age < s.policy.KeepAllWithin:
		return true
	case age < s.policy.DailyWithin:
		key := ts.UTC().Format("2006-01-02")
		if days[key] {
			return false
		}
		days[key] = true
		return true
	case age < s.policy.WeeklyWithin:
		year, week := ts.UTC().ISOWeek()
		key := fmt.Sprintf("%d-W%02d", year, week)
		if weeks[key] {
			return false
		}
		weeks[key] = true
		return true
	}
	return false
}

// enforceCeiling evicts oldest-first while utilization is at or above the high-water
// mark: non-MANUAL checkpoints first, then MANUAL ones once the critical mark was hit.
func (s *Service) enforceCeiling(ctx context.Context, live []models.Summary, protected map[string]struct{}, report *Report) ([]models.Summary, error) {
	util := s.utilization(len(live), totalBytes(live))
	if util < s.policy.HighWater {
		return live, nil
	}
	report.Aggressive = util >= s.policy.CriticalWater

	oldest := append([]models.Summary(nil), live...)
	sort.SliceStable(oldest, func(i, j int) bool {
		if !oldest[i].Timestamp.Equal(oldest[j].Timestamp) {
			return oldest[i].Timestamp.Before(oldest[j].Timestamp)
		}
		return oldest[i].Seq < oldest[j].Seq
	})

	gone := make(map[string]struct{})
	pass := func(manual bool, reason string) error {
		for _, row := range oldest {
			if s.utilization(len(live)-len(gone), totalBytes(live)-bytesOf(live, gone)) < s.policy.HighWater {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if (row.Type == models.TypeManual) != manual {
				continue
			}
			if _, ok := protected[row.ID]; ok {
				continue
			}
			if _, ok := gone[row.ID]; ok {
				continue
			}
			if s.delete(row, reason, report) {
				gone[row.ID] = struct{}{}
			}
		}
		return nil
	}

	if err := pass(false, ReasonCeiling); err != nil {
		return filter(live, gone), err
	}
	if s.utilization(len(live)-len(gone), totalBytes(live)-bytesOf(live, gone)) >= s.policy.CriticalWater {
		report.Aggressive = true
	}
	if report.Aggressive {
		if err := pass(true, ReasonAggressive); err != nil {
			return filter(live, gone), err
		}
	}
	return filter(live, gone), nil
}

// delete removes one checkpoint and records the outcome. Reserved checkpoints are
// skipped.
func (s *Service) delete(row models.Summary, reason string, report *Report) bool {
	if err := s.storage.Delete(row.ID); err != nil {
		if errs.CategoryOf(err) == errs.CategoryStateContention {
			report.Skipped = append(report.Skipped, row.ID)
			s.storage.Journal(database.OpPrune, row.ID, database.OutcomeSkipped, err.Error())
			return false
		}
		s.logger.Warn("delete checkpoint failed", zap.String("checkpoint_id", row.ID), zap.Error(err))
		s.storage.Journal(database.OpPrune, row.ID, database.OutcomeFailed, err.Error())
		return false
	}
	report.Deleted = append(report.Deleted, Deletion{
		CheckpointID: row.ID,
		Type:         row.Type,
		Reason:       reason,
		SizeBytes:    row.SizeBytes,
	})
	report.FreedBytes += row.SizeBytes
	s.storage.Journal(database.OpPrune, row.ID, database.OutcomeOK, strings.ToLower(string(row.Type))+": "+reason)
	s.logger.Debug("checkpoint pruned", zap.String("checkpoint_id", row.ID), zap.String("reason", reason))
	return true
}

func (s *Service) utilization(count int, bytes int64) float64 {
	byCount := float64(count) / float64(s.policy.MaxCheckpoints)
	byBytes := float64(bytes) / float64(s.policy.MaxBytes)
	if byBytes > byCount {
		return byBytes
	}
	return byCount
}

func totalBytes(rows []models.Summary) int64 {
	var n int64
	for _, row := range rows {
		n += row.SizeBytes
	}
	return n
}

func bytesOf(rows []models.Summary, ids map[string]struct{}) int64 {
	var n int64
	for _, row := range rows {
		if _, ok := ids[row.ID]; ok {
			n += row.SizeBytes
		}
	}
	return n
}

func filter(rows []models.Summary, gone map[string]struct{}) []models.Summary {
	out := make([]models.Summary, 0, len(rows))
	for _, row := range rows {
		if _, ok := gone[row.ID]; !ok {
			out = append(out, row)
		}
	}
	return out
}

// Run prunes every interval until ctx is done.
func (s *Service) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Prune(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("periodic prune failed", zap.Error(err))
			}
		}
	}
}
