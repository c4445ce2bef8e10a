// Package taskstore implements the Task Store contract from spec.md §4.1:
// a persistent table of (path, status, lease_expiry, assignee, task_id)
// rows with an atomic pending→in_progress claim operation. Two backends
// satisfy the same Store interface — SQLite (the preferred, durable
// backend) and an in-memory map (the "Alternative" spec.md §4.1 explicitly
// sanctions, used by the bulk of the test suite for speed).
package taskstore

import (
	"context"
	"errors"
	"time"

	"github.com/dinccey/distributed-batch-stt/internal/core"
)

// ErrNoPending is returned by ClaimOne when no pending row is available.
var ErrNoPending = errors.New("taskstore: no pending task available")

// ErrNotFound is returned by Complete and Fail when no in_progress row
// matches the given TaskID.
var ErrNotFound = errors.New("taskstore: no matching in-progress task")

// Claim is the result of a successful ClaimOne call.
type Claim struct {
	Path   string
	TaskID core.TaskID
}

// Store is the Task Store contract. Implementations must serialize
// ClaimOne against concurrent callers so that no two callers ever receive
// the same Path while the prior claim is still in_progress.
//
// Multiple goroutines may invoke methods on a Store simultaneously.
type Store interface {
	// ClaimOne selects a single pending row, flips it to in_progress with
	// lease_expiry = now+leaseDuration and assignee = assignee, and
	// returns its Path and derived TaskID. If no pending row exists,
	// ErrNoPending is returned.
	ClaimOne(ctx context.Context, assignee string, now time.Time, leaseDuration time.Duration) (Claim, error)

	// Complete transitions the in_progress row matching id to completed.
	// It fails with ErrNotFound if no such row exists (e.g. its lease
	// already expired and the row moved to failed).
	Complete(ctx context.Context, id core.TaskID) error

	// Fail transitions the in_progress row matching id to failed.
	// It fails with ErrNotFound under the same condition as Complete.
	Fail(ctx context.Context, id core.TaskID) error

	// ExpireLeases resets every in_progress row whose lease_expiry is
	// before now to failed, and returns the number of rows affected.
	ExpireLeases(ctx context.Context, now time.Time) (int, error)

	// Upsert inserts a new pending row for path if none exists. It is a
	// no-op if a row for path already exists, regardless of status.
	Upsert(ctx context.Context, path string) error

	// Reset forces the row for path to pending, creating it if absent.
	// Used only by the Reconciler.
	Reset(ctx context.Context, path string) error

	// Get returns the row for path, if any.
	Get(ctx context.Context, path string) (core.Task, bool, error)

	// GetByTaskID returns the in_progress row whose derived TaskID
	// matches id, if any; rows in any other status are not returned.
	// Used by POST /result to resolve a task id back to the path
	// its artifact must be written to before the row transitions to
	// completed.
	GetByTaskID(ctx context.Context, id core.TaskID) (core.Task, bool, error)
}
