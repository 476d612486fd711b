// Package errs defines the typed errors surfaced by the checkpoint subsystem.
//
// Every error carries a Category so callers (CLI, workflow layer) can decide how to
// present it without matching on message text.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

type Category string

const (
	CategoryInvalidInput     Category = "invalid_input"
	CategoryStateContention  Category = "state_contention"
	CategoryVerification     Category = "verification_failed"
	CategoryApprovalRequired Category = "approval_required"
	CategoryIOFailure        Category = "io_failure"
	CategoryNotFound         Category = "not_found"
	CategoryStorage          Category = "storage_exhausted"
)

type categorized interface {
	Category() Category
}

// CategoryOf returns the category of the first typed error in err's chain.
func CategoryOf(err error) Category {
	var c categorized
	if errors.As(err, &c) {
		return c.Category()
	}
	return ""
}

// InvalidTransitionError reports an illegal task status change.
type InvalidTransitionError struct {
	TaskID string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for task %s: %s -> %s", e.TaskID, e.From, e.To)
}

func (e *InvalidTransitionError) Category() Category { return CategoryInvalidInput }

// ValidationError reports invariant violations found after a mutation.
type ValidationError struct {
	Violations []string
}

func NewValidationError(violations ...string) *ValidationError {
	return &ValidationError{Violations: violations}
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Violations, "; ")
}

func (e *ValidationError) Category() Category { return CategoryInvalidInput }

// SnapshotFailure describes a file that could not be captured. It is recorded on the
// checkpoint rather than returned, except when the state snapshot itself fails.
type SnapshotFailure struct {
	Path string
	Err  error
}

func (e *SnapshotFailure) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("snapshot failed: %v", e.Err)
	}
	return fmt.Sprintf("snapshot of %s failed: %v", e.Path, e.Err)
}

func (e *SnapshotFailure) Unwrap() error { return e.Err }

func (e *SnapshotFailure) Category() Category { return CategoryIOFailure }

// CorruptedCheckpointError is returned when a checkpoint fails integrity validation.
type CorruptedCheckpointError struct {
	CheckpointID string
	Issues       []string
}

func (e *CorruptedCheckpointError) Error() string {
	if len(e.Issues) == 0 {
		return fmt.Sprintf("checkpoint %s is corrupted", e.CheckpointID)
	}
	return fmt.Sprintf("checkpoint %s is corrupted: %s", e.CheckpointID, strings.Join(e.Issues, "; "))
}

func (e *CorruptedCheckpointError) Category() Category { return CategoryVerification }

// ConfirmationRequiredError is returned when a destructive operation is attempted
// without explicit confirmation.
type ConfirmationRequiredError struct {
	Operation    string
	CheckpointID string
	// Preview describes what the operation would change, when it was computed.
	Preview any
}

func (e *ConfirmationRequiredError) Error() string {
	if e.CheckpointID == "" {
		return e.Operation + " requires confirmation"
	}
	return fmt.Sprintf("%s from %s requires confirmation", e.Operation, e.CheckpointID)
}

func (e *ConfirmationRequiredError) Category() Category { return CategoryApprovalRequired }

// StorageExhaustedError is returned when retention cannot bring usage under the ceiling.
type StorageExhaustedError struct {
	Count     int
	MaxCount  int
	Bytes     int64
	MaxBytes  int64
	Protected int
}

func (e *StorageExhaustedError) Error() string {
	return fmt.Sprintf("checkpoint storage exhausted: %d/%d checkpoints, %d/%d bytes (%d protected)",
		e.Count, e.MaxCount, e.Bytes, e.MaxBytes, e.Protected)
}

func (e *StorageExhaustedError) Category() Category { return CategoryStorage }

// NotFoundError reports a missing checkpoint or blob.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Category() Category { return CategoryNotFound }

// ReservedError is returned when deleting a checkpoint held by an in-progress recovery.
type ReservedError struct {
	CheckpointID string
}

func (e *ReservedError) Error() string {
	return fmt.Sprintf("checkpoint %s is reserved by an in-progress recovery", e.CheckpointID)
}

func (e *ReservedError) Category() Category { return CategoryStateContention }

// Is helpers keep call sites short.

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsStorageExhausted(err error) bool {
	var target *StorageExhaustedError
	return errors.As(err, &target)
}

func IsCorrupted(err error) bool {
	var target *CorruptedCheckpointError
	return errors.As(err, &target)
}
