// Package store persists the canonical mapping between runs.
//
// Stores are append-only: they record each committed pass and rebuild the
// mapping by replaying commits in version order.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ppiankov/factorcanon/internal/canon"
)

// ErrLocked is returned when another process holds the store
var ErrLocked = errors.New("store is locked by another process")

// Run status values
const (
	RunRunning    = "running"
	RunConverged  = "converged"
	RunStalled    = "stalled"
	RunFailed     = "failed"
	RunCancelled  = "cancelled"
	RunIncomplete = "incomplete"
)

// Run describes one canonicalization run
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string
	Provider   string
	Model      string
	Passes     int
	Resolved   int
	Unresolved int
}

// Store persists commits and run bookkeeping
type Store interface {
	// Load rebuilds the mapping from every persisted commit
	Load(ctx context.Context) (*canon.Mapping, error)

	// Append persists one committed pass. Appending a commit twice is a no-op.
	Append(ctx context.Context, c canon.Commit) error

	// BeginRun records the start of a run
	BeginRun(ctx context.Context, run Run) error

	// FinishRun records the outcome of a run
	FinishRun(ctx context.Context, run Run) error

	// Runs lists runs, most recent first
	Runs(ctx context.Context) ([]Run, error)

	Close() error
}
