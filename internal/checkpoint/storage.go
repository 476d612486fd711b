// internal/checkpoint/storage.go
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"sessionvault/internal/database"
	"sessionvault/internal/errs"
	"sessionvault/internal/fsx"
	"sessionvault/internal/integrity"
	"sessionvault/internal/models"
)

const (
	recordFile  = "record.json"
	idPrefix    = "CP"
	catalogFile = "catalog.db"
	stagingDir  = ".staging"
	poolDir     = "content_pool"
	recordsDir  = "checkpoints"
	backupsDir  = "backups"
)

// Storage manages checkpoint persistence: immutable records under checkpoints/<id>,
// zstd-compressed file contents in a content-addressed pool shared by all checkpoints,
// and a SQLite catalog indexing the records.
type Storage struct {
	baseDir string
	catalog *database.Database
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	logger  *zap.Logger

	// gcMu is held shared by blob writers from the first PutBlob until the record
	// referencing the blobs is published, and exclusively by SweepBlobs.
	gcMu sync.RWMutex

	resMu        sync.Mutex
	reservations map[string]int
}

// NewStorage opens (creating if needed) the checkpoint storage rooted at baseDir.
func NewStorage(baseDir string, compressionLevel int, logger *zap.Logger) (*Storage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, dir := range []string{recordsDir, poolDir, stagingDir, backupsDir} {
		if err := os.MkdirAll(filepath.Join(baseDir, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", dir, err)
		}
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(compressionLevel)))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	catalog, err := database.Open(filepath.Join(baseDir, catalogFile))
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	s := &Storage{
		baseDir:      baseDir,
		catalog:      catalog,
		encoder:      encoder,
		decoder:      decoder,
		logger:       logger,
		reservations: make(map[string]int),
	}
	s.clearStaging()
	if err := s.reindex(); err != nil {
		catalog.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the catalog and codec resources.
func (s *Storage) Close() error {
	s.decoder.Close()
	_ = s.encoder.Close()
	return s.catalog.Close()
}

// BaseDir returns the storage root.
func (s *Storage) BaseDir() string {
	return s.baseDir
}

func (s *Storage) recordDir(id string) string {
	return filepath.Join(s.baseDir, recordsDir, id)
}

func (s *Storage) blobPath(hash string) string {
	return filepath.Join(s.baseDir, poolDir, hash)
}

// NextID allocates the next checkpoint id from the persisted sequence.
func (s *Storage) NextID() (string, error) {
	seq, err := s.catalog.NextSequence()
	if err != nil {
		return "", fmt.Errorf("allocate checkpoint id: %w", err)
	}
	return FormatID(seq), nil
}

// FormatID renders a sequence number as a checkpoint id.
func FormatID(seq int64) string {
	return fmt.Sprintf("%s%06d", idPrefix, seq)
}

// ParseID returns the sequence number encoded in id.
func ParseID(id string) (int64, error) {
	if !strings.HasPrefix(id, idPrefix) {
		return 0, fmt.Errorf("checkpoint id %q lacks %s prefix", id, idPrefix)
	}
	seq, err := strconv.ParseInt(strings.TrimPrefix(id, idPrefix), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("checkpoint id %q: %w", id, err)
	}
	return seq, nil
}

// HoldBlobs blocks blob sweeping until the returned release is called.
func (s *Storage) HoldBlobs() (release func()) {
	s.gcMu.RLock()
	return s.gcMu.RUnlock
}

// TryHoldBlobs is HoldBlobs without waiting: it fails while a sweep is running.
func (s *Storage) TryHoldBlobs() (release func(), ok bool) {
	if !s.gcMu.TryRLock() {
		return nil, false
	}
	return s.gcMu.RUnlock, true
}

// PutBlob stores content in the pool and returns its content hash. Identical content
// is stored once. Callers must hold the blobs (HoldBlobs) until the referencing record
// is published.
func (s *Storage) PutBlob(content []byte) (string, error) {
	hash := integrity.HashBytes(content)
	path := s.blobPath(hash)
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}
	compressed := s.encoder.EncodeAll(content, nil)
	if err := fsx.WriteFileAtomic(path, compressed, 0o644); err != nil {
		return "", fmt.Errorf("write blob %s: %w", hash, err)
	}
	return hash, nil
}

// HasBlob reports whether a blob exists in the pool.
func (s *Storage) HasBlob(hash string) bool {
	_, err := os.Stat(s.blobPath(hash))
	return err == nil
}

// ReadBlob returns the decompressed content stored under hash.
func (s *Storage) ReadBlob(hash string) ([]byte, error) {
	if !isDigest(hash) {
		return nil, &errs.NotFoundError{Kind: "blob", ID: hash}
	}
	// #nosec G304 -- blob names are hex digests.
	compressed, err := os.ReadFile(s.blobPath(hash))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &errs.NotFoundError{Kind: "blob", ID: hash}
		}
		return nil, fmt.Errorf("read blob %s: %w", hash, err)
	}
	content, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress blob %s: %w", hash, err)
	}
	return content, nil
}

// Publish writes the record to a staging directory, fsyncs it, and renames it into
// place before indexing it in the catalog. A cancelled ctx before the rename leaves
// nothing visible.
func (s *Storage) Publish(ctx context.Context, cp *models.Checkpoint, status models.ValidationStatus) error {
	seq, err := ParseID(cp.ID)
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint %s: %w", cp.ID, err)
	}

	staging := filepath.Join(s.baseDir, stagingDir, cp.ID+"-"+uuid.New().String())
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	published := false
	defer func() {
		if !published {
			_ = os.RemoveAll(staging)
		}
	}()

	if err := fsx.SyncFile(filepath.Join(staging, recordFile), raw, 0o644); err != nil {
		return err
	}
	fsx.SyncDir(staging)

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publish %s: %w", cp.ID, err)
	}
	final := s.recordDir(cp.ID)
	if err := fsx.PublishDir(staging, final); err != nil {
		return err
	}
	published = true

	summary := cp.Summary()
	summary.Seq = seq
	summary.ValidationStatus = status
	if err := s.catalog.InsertCheckpoint(summary); err != nil {
		_ = os.RemoveAll(final)
		return fmt.Errorf("index checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

// Load reads a published checkpoint record.
func (s *Storage) Load(id string) (*models.Checkpoint, error) {
	if _, err := ParseID(id); err != nil {
		return nil, &errs.NotFoundError{Kind: "checkpoint", ID: id}
	}
	// #nosec G304 -- id is validated by ParseID before joining.
	raw, err := os.ReadFile(filepath.Join(s.recordDir(id), recordFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &errs.NotFoundError{Kind: "checkpoint", ID: id}
		}
		return nil, fmt.Errorf("read checkpoint %s: %w", id, err)
	}
	var cp models.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, &errs.CorruptedCheckpointError{CheckpointID: id, Issues: []string{"record is not valid JSON: " + err.Error()}}
	}
	cp.State.Normalize()
	if cp.Files == nil {
		cp.Files = map[string]models.FileSnapshot{}
	}
	return &cp, nil
}

// List returns catalog rows, newest first.
func (s *Storage) List(f database.CheckpointFilter) ([]models.Summary, error) {
	return s.catalog.ListCheckpoints(f)
}

// Usage returns the stored checkpoint count and accounted bytes.
func (s *Storage) Usage() (database.Usage, error) {
	return s.catalog.Usage()
}

// SetValidationStatus records the latest validation outcome.
func (s *Storage) SetValidationStatus(id string, status models.ValidationStatus) error {
	return s.catalog.SetValidationStatus(id, status)
}

// Journal appends an operation to the journal. Failures are logged, not returned: the
// journal is an audit trail, never a precondition.
func (s *Storage) Journal(op, checkpointID, outcome, detail string) {
	if _, err := s.catalog.AppendJournal(database.JournalEntry{
		Operation:    op,
		CheckpointID: checkpointID,
		Outcome:      outcome,
		Detail:       detail,
	}); err != nil {
		s.logger.Warn("journal append failed", zap.String("operation", op), zap.Error(err))
	}
}

// JournalEntries lists the most recent journal entries.
func (s *Storage) JournalEntries(op string, limit int) ([]database.JournalEntry, error) {
	return s.catalog.ListJournal(op, limit)
}

// Setting and SaveSetting expose the catalog's key/value table.
func (s *Storage) Setting(key string) (string, error) {
	return s.catalog.GetSetting(key)
}

func (s *Storage) SaveSetting(key, value string) error {
	return s.catalog.SaveSetting(key, value)
}

// Reserve takes a read-reservation on id. A reserved checkpoint cannot be deleted
// until every reservation is released.
func (s *Storage) Reserve(id string) (release func(), err error) {
	s.resMu.Lock()
	defer s.resMu.Unlock()
	if _, err := s.catalog.GetCheckpoint(id); err != nil {
		return nil, err
	}
	s.reservations[id]++
	var once sync.Once
	return func() {
		once.Do(func() {
			s.resMu.Lock()
			defer s.resMu.Unlock()
			if s.reservations[id] <= 1 {
				delete(s.reservations, id)
			} else {
				s.reservations[id]--
			}
		})
	}, nil
}

// Reserved reports whether id currently holds a reservation.
func (s *Storage) Reserved(id string) bool {
	s.resMu.Lock()
	defer s.resMu.Unlock()
	return s.reservations[id] > 0
}

// Delete removes a checkpoint record. Blobs are left for SweepBlobs.
func (s *Storage) Delete(id string) error {
	s.resMu.Lock()
	defer s.resMu.Unlock()
	if s.reservations[id] > 0 {
		return &errs.ReservedError{CheckpointID: id}
	}
	if _, err := ParseID(id); err != nil {
		return &errs.NotFoundError{Kind: "checkpoint", ID: id}
	}
	if err := s.catalog.DeleteCheckpoint(id); err != nil {
		return fmt.Errorf("unindex checkpoint %s: %w", id, err)
	}
	if err := os.RemoveAll(s.recordDir(id)); err != nil {
		return fmt.Errorf("remove checkpoint %s: %w", id, err)
	}
	return nil
}

// SweepBlobs removes pool entries no published record references. It runs exclusively
// with respect to in-flight checkpoint writes.
func (s *Storage) SweepBlobs() (removed int, freed int64, err error) {
	s.gcMu.Lock()
	defer s.gcMu.Unlock()

	referenced := make(map[string]struct{})
	entries, err := os.ReadDir(filepath.Join(s.baseDir, recordsDir))
	if err != nil {
		return 0, 0, fmt.Errorf("list records: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		cp, err := s.Load(entry.Name())
		if err != nil {
			// An unreadable record may reference any blob.
			s.logger.Warn("blob sweep aborted on unreadable record", zap.String("checkpoint_id", entry.Name()), zap.Error(err))
			return 0, 0, nil
		}
		for _, snap := range cp.Files {
			if snap.ContentHash != "" {
				referenced[snap.ContentHash] = struct{}{}
			}
		}
	}

	blobs, err := os.ReadDir(filepath.Join(s.baseDir, poolDir))
	if err != nil {
		return 0, 0, fmt.Errorf("list content pool: %w", err)
	}
	for _, blob := range blobs {
		if blob.IsDir() {
			continue
		}
		if _, ok := referenced[blob.Name()]; ok {
			continue
		}
		info, statErr := blob.Info()
		if err := os.Remove(filepath.Join(s.baseDir, poolDir, blob.Name())); err != nil {
			continue
		}
		removed++
		if statErr == nil {
			freed += info.Size()
		}
	}
	return removed, freed, nil
}

// WriteBackup stores a pre-recovery copy of the live state under backups/.
func (s *Storage) WriteBackup(name string, content []byte) (string, error) {
	path := filepath.Join(s.baseDir, backupsDir, filepath.Base(name))
	if err := fsx.WriteFileAtomic(path, content, 0o644); err != nil {
		return "", fmt.Errorf("write backup %s: %w", name, err)
	}
	return path, nil
}

func isDigest(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// clearStaging removes directories left behind by interrupted publishes.
func (s *Storage) clearStaging() {
	dir := filepath.Join(s.baseDir, stagingDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		_ = os.RemoveAll(filepath.Join(dir, entry.Name()))
	}
}

// reindex adds catalog rows for published records the catalog does not know about,
// e.g. after catalog.db was deleted.
func (s *Storage) reindex() error {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, recordsDir))
	if err != nil {
		return fmt.Errorf("list records: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		if _, err := s.catalog.GetCheckpoint(id); err == nil {
			continue
		} else if !errs.IsNotFound(err) {
			return err
		}
		seq, err := ParseID(id)
		if err != nil {
			continue
		}
		cp, err := s.Load(id)
		if err != nil {
			s.logger.Warn("reindex skipped unreadable record", zap.String("checkpoint_id", id), zap.Error(err))
			continue
		}
		summary := cp.Summary()
		summary.Seq = seq
		summary.ValidationStatus = models.ValidationPending
		if err := s.catalog.InsertCheckpoint(summary); err != nil {
			return fmt.Errorf("reindex %s: %w", id, err)
		}
		s.logger.Info("reindexed checkpoint", zap.String("checkpoint_id", id))
	}
	return nil
}
