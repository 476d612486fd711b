package integrity

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"sessionvault/internal/errs"
	"sessionvault/internal/models"
)

var checkpointIDPattern = regexp.MustCompile(`^CP\d{6,}$`)

// BlobReader returns the decompressed content stored under a content hash. A missing
// blob is reported with an *errs.NotFoundError.
type BlobReader interface {
	ReadBlob(hash string) ([]byte, error)
}

// Report is the outcome of validating one checkpoint. Issues make the checkpoint
// INVALID; warnings only degrade it to VALID_WITH_WARNINGS.
type Report struct {
	CheckpointID string                  `json:"checkpoint_id"`
	Status       models.ValidationStatus `json:"status"`
	Issues       []string                `json:"issues"`
	Warnings     []string                `json:"warnings"`
	FilesChecked int                     `json:"files_checked"`
}

// Usable reports whether the checkpoint can be recovered from.
func (r Report) Usable() bool {
	return r.Status == models.Valid || r.Status == models.ValidWithWarnings
}

type collector struct {
	issues   []string
	warnings []string
}

func (c *collector) issue(format string, args ...any) {
	c.issues = append(c.issues, fmt.Sprintf(format, args...))
}

func (c *collector) warn(format string, args ...any) {
	c.warnings = append(c.warnings, fmt.Sprintf(format, args...))
}

func (c *collector) report(id string, files int) Report {
	sort.Strings(c.issues)
	sort.Strings(c.warnings)
	r := Report{
		CheckpointID: id,
		Status:       models.Valid,
		Issues:       append([]string{}, c.issues...),
		Warnings:     append([]string{}, c.warnings...),
		FilesChecked: files,
	}
	switch {
	case len(r.Issues) > 0:
		r.Status = models.Invalid
	case len(r.Warnings) > 0:
		r.Status = models.ValidWithWarnings
	}
	return r
}

// QuickCheck verifies the integrity hash and the record structure without reading any
// blob. It is used on the emergency path where blob reads would exceed the budget.
func QuickCheck(cp *models.Checkpoint) Report {
	var c collector
	checkRecord(&c, cp)
	return c.report(cp.ID, 0)
}

// ValidateStructure runs every check on cp, including re-hashing each referenced blob.
// Repeated validation of an unchanged checkpoint yields an identical report. A context
// error is returned only if ctx ends before the file checks finish.
func ValidateStructure(ctx context.Context, cp *models.Checkpoint, blobs BlobReader) (Report, error) {
	var c collector
	checkRecord(&c, cp)

	files := 0
	for _, path := range cp.FilePaths() {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		checkFile(&c, cp.Files[path], blobs)
		files++
	}
	return c.report(cp.ID, files), nil
}

func checkRecord(c *collector, cp *models.Checkpoint) {
	if cp.IntegrityHash == "" {
		c.issue("integrity hash is missing")
	} else if sum, err := CheckpointHash(cp); err != nil {
		c.issue("integrity hash cannot be computed: %v", err)
	} else if sum != cp.IntegrityHash {
		c.issue("integrity hash mismatch: recorded %s, computed %s", short(cp.IntegrityHash), short(sum))
	}

	if cp.FormatVersion < 1 || cp.FormatVersion > models.FormatVersion {
		c.issue("unsupported format version %d", cp.FormatVersion)
	}
	if !checkpointIDPattern.MatchString(cp.ID) {
		c.issue("malformed checkpoint id %q", cp.ID)
	}
	if cp.Timestamp.IsZero() {
		c.issue("timestamp is missing")
	}
	if !cp.Type.Valid() {
		c.issue("unknown checkpoint type %q", cp.Type)
	} else if trig, err := models.TriggerFromRecord(cp.Trigger); err != nil {
		c.issue("trigger: %v", err)
	} else if models.TypeFor(trig) != cp.Type {
		c.issue("trigger %s does not produce a %s checkpoint", trig.Kind(), cp.Type)
	}
	if cp.SessionID != cp.State.SessionID {
		c.issue("session id %q does not match state session %q", cp.SessionID, cp.State.SessionID)
	}

	for _, v := range cp.State.Violations() {
		c.issue("progress state: %s", v)
	}

	for path, snap := range cp.Files {
		if snap.Path != path {
			c.issue("file snapshot %s is stored under key %s", snap.Path, path)
		}
	}
}

func checkFile(c *collector, snap models.FileSnapshot, blobs BlobReader) {
	switch snap.Status {
	case models.SnapshotFailed:
		c.warn("%s: snapshot failed at checkpoint time: %s", snap.Path, snap.Error)
		return
	case models.SnapshotSkipped:
		c.warn("%s: skipped to stay within the emergency budget", snap.Path)
		return
	case models.SnapshotOK:
	default:
		c.issue("%s: unknown snapshot status %q", snap.Path, snap.Status)
		return
	}

	if snap.Missing {
		return
	}
	if snap.ContentHash == "" {
		c.issue("%s: snapshot has no content hash", snap.Path)
		return
	}

	content, err := blobs.ReadBlob(snap.ContentHash)
	if err != nil {
		if errs.IsNotFound(err) {
			c.warn("%s: backup blob %s is missing", snap.Path, short(snap.ContentHash))
			return
		}
		c.issue("%s: backup blob %s is unreadable: %v", snap.Path, short(snap.ContentHash), err)
		return
	}
	if got := HashBytes(content); got != snap.ContentHash {
		c.issue("%s: content hash mismatch: recorded %s, computed %s", snap.Path, short(snap.ContentHash), short(got))
		return
	}
	if int64(len(content)) != snap.Size {
		c.issue("%s: size mismatch: recorded %d, found %d", snap.Path, snap.Size, len(content))
	}
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
