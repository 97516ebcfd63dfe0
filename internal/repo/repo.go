// Package repo persists task snapshots behind a storage-neutral interface.
package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ottotask/internal/domain"
)

// Repository is the storage contract used by the engine. Implementations must
// be safe for concurrent use and must serialize writes to the same task.
type Repository interface {
	// Create persists a new task. It never overwrites: an existing id yields
	// ErrAlreadyExists.
	Create(ctx context.Context, t *domain.Task) error
	// Read returns the current snapshot or ErrNotFound.
	Read(ctx context.Context, id string) (*domain.Task, error)
	// Update persists t if t.Version matches the stored version, then bumps
	// both to the next version. Missing ids yield ErrNotFound, stale versions
	// ErrConflict.
	Update(ctx context.Context, t *domain.Task) error
	// Delete removes a task irrevocably or returns ErrNotFound.
	Delete(ctx context.Context, id string) error
	// ListByState returns tasks in state s in no particular order.
	ListByState(ctx context.Context, s domain.State) ([]*domain.Task, error)
	// AuditLog returns the audit history of id, empty when the task is absent.
	AuditLog(ctx context.Context, id string) ([]domain.AuditEntry, error)
	Close() error
}

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrConflict      = errors.New("conflict: stale version")
	ErrInvalidID     = errors.New("invalid task id")
	// ErrAuditTruncated rejects an update whose audit log is shorter than the
	// stored one; the log is append-only.
	ErrAuditTruncated = errors.New("audit log is append-only")
	// ErrAuditRewritten rejects an update that edits an already stored audit
	// entry.
	ErrAuditRewritten = errors.New("stored audit entries are immutable")
)

// checkAppendOnly verifies that next extends stored without touching it.
func checkAppendOnly(id string, stored, next []domain.AuditEntry) error {
	if len(next) < len(stored) {
		return fmt.Errorf("task %s: %d audit entries stored, %d given: %w", id, len(stored), len(next), ErrAuditTruncated)
	}
	for i := range stored {
		if !stored[i].Same(next[i]) {
			return fmt.Errorf("task %s audit[%d]: %w", id, i, ErrAuditRewritten)
		}
	}
	return nil
}

// StorageError reports a fault of the underlying store, as opposed to a
// missing or conflicting task.
type StorageError struct {
	Op  string
	ID  string
	Err error
}

func (e *StorageError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op, id string, err error) error {
	return &StorageError{Op: op, ID: id, Err: err}
}

// IsStorageFault reports whether err originates from the store itself.
func IsStorageFault(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// ValidateID rejects ids that cannot be used as a single path element.
func ValidateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`+"\x00") {
		return fmt.Errorf("%q: %w", id, ErrInvalidID)
	}
	return nil
}
