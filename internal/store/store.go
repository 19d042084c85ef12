// Package store persists booking tasks. All backends share the same
// contract: whole-record replace with optimistic versioning, stable
// insertion-order listing, and crash-safe writes (a reader never sees a
// half-written record).
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"thsrsniper/internal/domain"
)

var (
	ErrNotFound    = errors.New("task not found")
	ErrDuplicateID = errors.New("task id already exists")
	// ErrConflict means the record changed since it was read; re-read and retry.
	ErrConflict = errors.New("task was concurrently modified")
)

// StoreError wraps backend I/O faults so callers can tell them apart from
// the sentinel conditions above.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

func ioErr(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status *domain.Status
	Owner  string
}

func (f Filter) matches(t *domain.Task) bool {
	if f.Status != nil && t.Status != *f.Status {
		return false
	}
	if f.Owner != "" && t.Owner != f.Owner {
		return false
	}
	return true
}

// Store is the durable task repository. Implementations serialize writers
// per id and return copies from reads, so callers may mutate results freely.
type Store interface {
	// Create persists a new task, assigning an id when t.ID is empty.
	// Returns ErrDuplicateID if a caller-supplied id collides.
	Create(ctx context.Context, t *domain.Task) (string, error)

	Get(ctx context.Context, id string) (*domain.Task, error)

	// List returns matching tasks in insertion order.
	List(ctx context.Context, f Filter) ([]*domain.Task, error)

	// Update replaces the stored record if t.Version still matches, then
	// bumps the version. Returns ErrConflict on a version mismatch.
	Update(ctx context.Context, t *domain.Task) error

	Delete(ctx context.Context, id string) error

	Close() error
}

// NewID returns a fresh task id.
func NewID() string { return "tsk_" + uuid.NewString() }
