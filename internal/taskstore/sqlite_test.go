package taskstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dinccey/distributed-batch-stt/internal/core"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	dir := t.TempDir()
	s, err := OpenSQLite(filepath.Join(dir, "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// The same contract exercised against Memory in memory_test.go must hold
// for the SQLite backend: both satisfy the Store interface identically.
func TestSQLiteSatisfiesStoreContract(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	path := "/a/clip.mp3"

	_, err := s.ClaimOne(ctx, "worker-a", time.Now(), time.Minute)
	require.ErrorIs(t, err, ErrNoPending)

	require.NoError(t, s.Upsert(ctx, path))
	require.NoError(t, s.Upsert(ctx, path)) // idempotent

	claim, err := s.ClaimOne(ctx, "worker-a", time.Now(), time.Minute)
	require.NoError(t, err)
	require.Equal(t, path, claim.Path)
	require.Equal(t, core.NewTaskID(path), claim.TaskID)

	_, err = s.ClaimOne(ctx, "worker-b", time.Now(), time.Minute)
	require.ErrorIs(t, err, ErrNoPending)

	require.NoError(t, s.Complete(ctx, claim.TaskID))
	err = s.Complete(ctx, claim.TaskID)
	require.ErrorIs(t, err, ErrNotFound)

	row, ok, err := s.Get(ctx, path)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, core.StatusCompleted, row.Status)
}

func TestSQLiteExpireLeases(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	path := "/a/clip.mp3"
	require.NoError(t, s.Upsert(ctx, path))

	_, err := s.ClaimOne(ctx, "worker-a", time.Now().Add(-time.Hour), time.Minute)
	require.NoError(t, err)

	n, err := s.ExpireLeases(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	row, ok, err := s.Get(ctx, path)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, core.StatusFailed, row.Status)
}

func TestSQLiteFailRequiresInProgress(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	err := s.Fail(ctx, core.NewTaskID("/nope.mp3"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteGetByTaskIDFindsInProgressRow(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	path := "/a/clip.mp3"
	require.NoError(t, s.Upsert(ctx, path))

	claim, err := s.ClaimOne(ctx, "worker-a", time.Now(), time.Minute)
	require.NoError(t, err)

	row, ok, err := s.GetByTaskID(ctx, claim.TaskID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, path, row.Path)

	require.NoError(t, s.Complete(ctx, claim.TaskID))

	_, ok, err = s.GetByTaskID(ctx, claim.TaskID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSQLiteResetRecyclesFailedRow(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	path := "/a/clip.mp3"
	require.NoError(t, s.Upsert(ctx, path))

	claim, err := s.ClaimOne(ctx, "worker-a", time.Now(), time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Fail(ctx, claim.TaskID))

	require.NoError(t, s.Reset(ctx, path))

	row, ok, err := s.Get(ctx, path)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, core.StatusPending, row.Status)
	require.Empty(t, row.Assignee)
}
