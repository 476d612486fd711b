package retention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"sessionvault/internal/checkpoint"
	"sessionvault/internal/database"
	"sessionvault/internal/errs"
	"sessionvault/internal/eventhub"
	"sessionvault/internal/integrity"
	"sessionvault/internal/models"
	"sessionvault/internal/progress"
)

var now = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type fixture struct {
	storage  *checkpoint.Storage
	manager  *checkpoint.Manager
	recorder *eventhub.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	storage, err := checkpoint.NewStorage(t.TempDir(), 3, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	store, err := progress.Open(progress.WithSessionID("session-1"))
	require.NoError(t, err)

	recorder := &eventhub.Recorder{}
	hub := eventhub.New(context.Background())
	hub.SetBroadcaster(recorder)
	manager := checkpoint.NewManager(storage, store, checkpoint.DefaultConfig(),
		checkpoint.WithLogger(zaptest.NewLogger(t)),
		checkpoint.WithEvents(hub))
	return &fixture{storage: storage, manager: manager, recorder: recorder}
}

func (f *fixture) service(t *testing.T, policy Policy) *Service {
	return New(f.manager, policy,
		WithLogger(zaptest.NewLogger(t)),
		WithClock(func() time.Time { return now }))
}

func triggerFor(typ models.Type) models.Trigger {
	switch typ {
	case models.TypeAuto:
		return models.TimeElapsed{Elapsed: 30 * time.Minute}
	case models.TypeManual:
		return models.Manual{Description: "manual"}
	case models.TypeEmergency:
		return models.Emergency{Reason: "limit"}
	}
	return models.Restored{Source: "CP000001"}
}

// add publishes a checkpoint of typ aged by age, optionally with file contents.
func (f *fixture) add(t *testing.T, typ models.Type, age time.Duration, status models.ValidationStatus, files ...string) string {
	t.Helper()
	id, err := f.storage.NextID()
	require.NoError(t, err)

	state := models.NewProgressState("session-1", now.Add(-age))
	snaps := make(map[string]models.FileSnapshot)
	for _, content := range files {
		hash, err := f.storage.PutBlob([]byte(content))
		require.NoError(t, err)
		snaps[content] = models.FileSnapshot{Path: content, ContentHash: hash, Size: int64(len(content)), Status: models.SnapshotOK}
	}
	trig := triggerFor(typ)
	cp := &models.Checkpoint{
		FormatVersion: models.FormatVersion,
		ID:            id,
		SessionID:     "session-1",
		Timestamp:     now.Add(-age),
		Type:          typ,
		Trigger:       models.RecordOf(trig),
		Description:   models.Describe(trig),
		State:         state,
		Files:         snaps,
		SizeBytes:     1024,
		RetentionDays: checkpoint.DefaultConfig().RetentionDays[typ],
	}
	require.NoError(t, integrity.Seal(cp))
	require.NoError(t, f.storage.Publish(context.Background(), cp, status))
	return id
}

func ids(t *testing.T, f *fixture) []string {
	t.Helper()
	rows, err := f.storage.List(database.CheckpointFilter{})
	require.NoError(t, err)
	out := make([]string, len(rows))
	for i, row := range rows {
		out[len(rows)-1-i] = row.ID
	}
	return out
}

const (
	hour = time.Hour
	day  = 24 * time.Hour
)

func TestAutoCheckpointsAreThinnedByAge(t *testing.T) {
	f := newFixture(t)
	ancient := f.add(t, models.TypeAuto, 40*day, models.Valid)
	weekOlder := f.add(t, models.TypeAuto, 11*day, models.Valid) // Thu Apr 23
	weekNewer := f.add(t, models.TypeAuto, 10*day, models.Valid) // Fri Apr 24, same ISO week
	dayOlder := f.add(t, models.TypeAuto, 2*day+2*hour, models.Valid)
	dayNewer := f.add(t, models.TypeAuto, 2*day, models.Valid)
	recentOlder := f.add(t, models.TypeAuto, 2*hour, models.Valid)
	recentNewer := f.add(t, models.TypeAuto, hour, models.Valid)

	report, err := f.service(t, DefaultPolicy()).Prune(context.Background())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{ancient, weekOlder, dayOlder}, report.DeletedIDs())
	assert.Equal(t, []string{weekNewer, dayNewer, recentOlder, recentNewer}, ids(t, f))
	for _, d := range report.Deleted {
		assert.Equal(t, ReasonAge, d.Reason)
	}
	assert.Equal(t, 4, report.Kept)
	assert.Equal(t, int64(3*1024), report.FreedBytes)
}

func TestManualSurvivesAgeAndEmergencyExpires(t *testing.T) {
	f := newFixture(t)
	oldManual := f.add(t, models.TypeManual, 200*day, models.Valid)
	f.add(t, models.TypeManual, day, models.Valid)
	oldEmergency := f.add(t, models.TypeEmergency, 31*day, models.Valid)
	newEmergency := f.add(t, models.TypeEmergency, day, models.Valid)
	oldRecovery := f.add(t, models.TypeRecovery, 45*day, models.Valid)
	f.add(t, models.TypeRecovery, 29*day, models.Valid)

	report, err := f.service(t, DefaultPolicy()).Prune(context.Background())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{oldEmergency, oldRecovery}, report.DeletedIDs())
	assert.Contains(t, ids(t, f), oldManual)
	assert.Contains(t, ids(t, f), newEmergency)
}

func TestNewestValidOfEachTypeIsProtected(t *testing.T) {
	f := newFixture(t)
	lonely := f.add(t, models.TypeAuto, 60*day, models.Valid)
	validEmergency := f.add(t, models.TypeEmergency, 90*day, models.Valid)
	invalidEmergency := f.add(t, models.TypeEmergency, 80*day, models.Invalid)

	report, err := f.service(t, DefaultPolicy()).Prune(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{invalidEmergency}, report.DeletedIDs())
	assert.ElementsMatch(t, []string{lonely, validEmergency}, report.Protected)
}

func TestReservedCheckpointsAreNotPruned(t *testing.T) {
	f := newFixture(t)
	reserved := f.add(t, models.TypeAuto, 50*day, models.Valid)
	f.add(t, models.TypeAuto, hour, models.Valid)

	release, err := f.storage.Reserve(reserved)
	require.NoError(t, err)
	defer release()

	report, err := f.service(t, DefaultPolicy()).Prune(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Deleted)
	assert.Contains(t, report.Protected, reserved)
	assert.Contains(t, ids(t, f), reserved)
}

func TestCeilingOfOneKeepsNewestPerType(t *testing.T) {
	f := newFixture(t)
	auto := f.add(t, models.TypeAuto, 3*hour, models.Valid)
	manual := f.add(t, models.TypeManual, 2*hour, models.Valid)
	emergency := f.add(t, models.TypeEmergency, hour, models.Valid)

	policy := DefaultPolicy()
	policy.MaxCheckpoints = 1
	report, err := f.service(t, policy).Prune(context.Background())

	require.Error(t, err)
	assert.True(t, errs.IsStorageExhausted(err))
	require.NotNil(t, report)
	assert.Empty(t, report.Deleted)
	assert.True(t, report.Aggressive)
	assert.ElementsMatch(t, []string{auto, manual, emergency}, ids(t, f))

	assert.True(t, f.manager.Degraded())
	assert.Equal(t, 1, f.recorder.Count(eventhub.StorageDegraded))

	_, err = f.manager.Create(context.Background(), checkpoint.Request{Trigger: models.Manual{Description: "refused"}})
	assert.True(t, errs.IsStorageExhausted(err))

	_, err = f.service(t, DefaultPolicy()).Prune(context.Background())
	require.NoError(t, err)
	assert.False(t, f.manager.Degraded(), "a successful prune clears degraded mode")
}

func TestHighWaterEvictsOldestNonManualFirst(t *testing.T) {
	f := newFixture(t)
	manual := f.add(t, models.TypeManual, 20*hour, models.Valid)
	var autos []string
	for i := 8; i >= 1; i-- {
		autos = append(autos, f.add(t, models.TypeAuto, time.Duration(i)*hour, models.Valid))
	}

	policy := DefaultPolicy()
	policy.MaxCheckpoints = 10
	report, err := f.service(t, policy).Prune(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Aggressive)
	assert.Equal(t, autos[:2], report.DeletedIDs())
	for _, d := range report.Deleted {
		assert.Equal(t, ReasonCeiling, d.Reason)
	}
	assert.Contains(t, ids(t, f), manual)
	assert.Equal(t, 7, report.Kept)
	assert.Less(t, report.Utilization, policy.HighWater)
}

func TestCriticalWaterMakesManualEligible(t *testing.T) {
	f := newFixture(t)
	f.add(t, models.TypeAuto, hour, models.Valid)
	var manuals []string
	for i := 5; i >= 2; i-- {
		manuals = append(manuals, f.add(t, models.TypeManual, time.Duration(i)*hour, models.Valid))
	}

	policy := DefaultPolicy()
	policy.MaxCheckpoints = 4
	report, err := f.service(t, policy).Prune(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Aggressive)
	assert.Equal(t, manuals[:2], report.DeletedIDs())
	for _, d := range report.Deleted {
		assert.Equal(t, ReasonAggressive, d.Reason)
	}
	assert.Equal(t, 3, report.Kept)
}

func TestByteCeiling(t *testing.T) {
	f := newFixture(t)
	oldest := f.add(t, models.TypeAuto, 3*hour, models.Valid)
	f.add(t, models.TypeAuto, 2*hour, models.Valid)
	f.add(t, models.TypeAuto, hour, models.Valid)

	policy := DefaultPolicy()
	policy.MaxBytes = 3 * 1024
	report, err := f.service(t, policy).Prune(context.Background())
	require.NoError(t, err)
	assert.Contains(t, report.DeletedIDs(), oldest)
	assert.Less(t, report.Utilization, policy.HighWater)
}

func TestPruneSweepsOrphanedBlobs(t *testing.T) {
	f := newFixture(t)
	old := f.add(t, models.TypeAuto, 40*day, models.Valid, "only in old")
	f.add(t, models.TypeAuto, hour, models.Valid, "shared")

	oldCp, err := f.storage.Load(old)
	require.NoError(t, err)
	orphan := oldCp.Files["only in old"].ContentHash

	report, err := f.service(t, DefaultPolicy()).Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{old}, report.DeletedIDs())
	assert.Equal(t, 1, report.BlobsSwept)
	assert.False(t, f.storage.HasBlob(orphan))

	journal, err := f.storage.JournalEntries(database.OpPrune, 10)
	require.NoError(t, err)
	require.Len(t, journal, 1)
	assert.Equal(t, old, journal[0].CheckpointID)
	assert.Equal(t, database.OutcomeOK, journal[0].Outcome)
}

func TestManagerConsultsRetentionBeforeCreating(t *testing.T) {
	f := newFixture(t)
	f.add(t, models.TypeAuto, 40*day, models.Valid)
	f.add(t, models.TypeAuto, 39*day, models.Valid)

	svc := f.service(t, DefaultPolicy())
	f.manager.SetPruner(svc)

	cp, err := f.manager.Create(context.Background(), checkpoint.Request{Trigger: models.Manual{Description: "after prune"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"CP000002", cp.ID}, ids(t, f))
}

func TestPruneHonoursCancellation(t *testing.T) {
	f := newFixture(t)
	f.add(t, models.TypeAuto, 40*day, models.Valid)
	f.add(t, models.TypeAuto, hour, models.Valid)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.service(t, DefaultPolicy()).Prune(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, ids(t, f), 2)
}
