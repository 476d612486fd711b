// internal/database/db_test.go
package database

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"sessionvault/internal/errs"
	"sessionvault/internal/models"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "nested", "catalog.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func summary(id string, seq int64, typ models.Type, ts time.Time, size int64) models.Summary {
	return models.Summary{
		ID:              id,
		Seq:             seq,
		SessionID:       "session-1",
		Timestamp:       ts,
		Type:            typ,
		TriggerKind:     models.KindManual,
		Description:     "checkpoint " + id,
		ActiveTaskID:    "T1",
		OverallProgress: 25,
		SizeBytes:       size,
		IntegrityHash:   "abc",
		RetentionDays:   30,
	}
}

func TestDatabase_Open(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	// Verify file exists
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}

	var tables int
	err = db.db.QueryRow(`SELECT count(*) FROM sqlite_master
		WHERE type = 'table' AND name IN ('meta', 'checkpoints', 'journal')`).Scan(&tables)
	if err != nil {
		t.Fatalf("query schema failed: %v", err)
	}
	if tables != 3 {
		t.Errorf("Expected 3 catalog tables, got %d", tables)
	}
}

func TestDatabase_NextSequenceSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "catalog.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	for want := int64(1); want <= 3; want++ {
		got, err := db.NextSequence()
		if err != nil {
			t.Fatalf("NextSequence failed: %v", err)
		}
		if got != want {
			t.Errorf("Expected sequence %d, got %d", want, got)
		}
	}
	db.Close()

	db, err = Open(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db.Close()

	got, err := db.NextSequence()
	if err != nil {
		t.Fatalf("NextSequence failed: %v", err)
	}
	if got != 4 {
		t.Errorf("Expected sequence 4 after reopen, got %d", got)
	}
}

func TestDatabase_NextSequenceNeverReusesDeletedIDs(t *testing.T) {
	db := openTestDB(t)
	now := time.Now().UTC()

	seq, _ := db.NextSequence()
	if err := db.InsertCheckpoint(summary("CP000001", seq, models.TypeAuto, now, 10)); err != nil {
		t.Fatalf("InsertCheckpoint failed: %v", err)
	}
	if err := db.DeleteCheckpoint("CP000001"); err != nil {
		t.Fatalf("DeleteCheckpoint failed: %v", err)
	}

	next, err := db.NextSequence()
	if err != nil {
		t.Fatalf("NextSequence failed: %v", err)
	}
	if next != 2 {
		t.Errorf("Expected 2, got %d", next)
	}
}

func TestDatabase_CheckpointCatalog(t *testing.T) {
	db := openTestDB(t)
	base := time.Date(2026, 5, 1, 8, 0, 0, 123, time.UTC)

	rows := []models.Summary{
		summary("CP000001", 1, models.TypeAuto, base, 100),
		summary("CP000002", 2, models.TypeManual, base.Add(time.Hour), 200),
		summary("CP000003", 3, models.TypeAuto, base.Add(2*time.Hour), 300),
	}
	for _, r := range rows {
		if err := db.InsertCheckpoint(r); err != nil {
			t.Fatalf("InsertCheckpoint failed: %v", err)
		}
	}

	got, err := db.GetCheckpoint("CP000002")
	if err != nil {
		t.Fatalf("GetCheckpoint failed: %v", err)
	}
	if !got.Timestamp.Equal(base.Add(time.Hour)) {
		t.Errorf("Expected timestamp %v, got %v", base.Add(time.Hour), got.Timestamp)
	}
	if got.ValidationStatus != models.ValidationPending {
		t.Errorf("Expected PENDING, got %s", got.ValidationStatus)
	}

	all, err := db.ListCheckpoints(CheckpointFilter{})
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(all) != 3 || all[0].ID != "CP000003" {
		t.Errorf("Expected newest first, got %+v", all)
	}

	autos, err := db.ListCheckpoints(CheckpointFilter{Types: []models.Type{models.TypeAuto}})
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(autos) != 2 || autos[0].ID != "CP000003" || autos[1].ID != "CP000001" {
		t.Errorf("Expected two AUTO rows newest first, got %+v", autos)
	}

	recent, err := db.ListCheckpoints(CheckpointFilter{Since: base.Add(30 * time.Minute), Limit: 1})
	if err != nil {
		t.Fatalf("ListCheckpoints failed: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != "CP000003" {
		t.Errorf("Expected CP000003, got %+v", recent)
	}

	usage, err := db.Usage()
	if err != nil {
		t.Fatalf("Usage failed: %v", err)
	}
	if usage.Count != 3 || usage.Bytes != 600 {
		t.Errorf("Expected 3 rows / 600 bytes, got %+v", usage)
	}

	if err := db.SetValidationStatus("CP000001", models.Invalid); err != nil {
		t.Fatalf("SetValidationStatus failed: %v", err)
	}
	got, _ = db.GetCheckpoint("CP000001")
	if got.ValidationStatus != models.Invalid {
		t.Errorf("Expected INVALID, got %s", got.ValidationStatus)
	}

	if err := db.SetValidationStatus("CP999999", models.Valid); !errs.IsNotFound(err) {
		t.Errorf("Expected not found, got %v", err)
	}
	if _, err := db.GetCheckpoint("CP999999"); !errs.IsNotFound(err) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestDatabase_Journal(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.AppendJournal(JournalEntry{Operation: OpRecover, CheckpointID: "CP000004", Outcome: OutcomeOK}); err != nil {
		t.Fatalf("AppendJournal failed: %v", err)
	}
	if _, err := db.AppendJournal(JournalEntry{Operation: OpPrune, Outcome: OutcomeOK, Detail: "deleted 2"}); err != nil {
		t.Fatalf("AppendJournal failed: %v", err)
	}

	entries, err := db.ListJournal("", 10)
	if err != nil {
		t.Fatalf("ListJournal failed: %v", err)
	}
	if len(entries) != 2 || entries[0].Operation != OpPrune {
		t.Errorf("Expected newest first, got %+v", entries)
	}

	recoveries, err := db.ListJournal(OpRecover, 0)
	if err != nil {
		t.Fatalf("ListJournal failed: %v", err)
	}
	if len(recoveries) != 1 || recoveries[0].CheckpointID != "CP000004" {
		t.Errorf("Expected one recovery entry, got %+v", recoveries)
	}
	if recoveries[0].At.IsZero() {
		t.Error("Expected journal entry to be stamped")
	}
}

func TestDatabase_Settings(t *testing.T) {
	db := openTestDB(t)

	if err := db.SaveSetting("degraded", "true"); err != nil {
		t.Fatalf("SaveSetting failed: %v", err)
	}
	value, err := db.GetSetting("degraded")
	if err != nil {
		t.Fatalf("GetSetting failed: %v", err)
	}
	if value != "true" {
		t.Errorf("Expected 'true', got '%s'", value)
	}

	missing, err := db.GetSetting("nope")
	if err != nil || missing != "" {
		t.Errorf("Expected empty value for missing key, got %q, %v", missing, err)
	}
}
