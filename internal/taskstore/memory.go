package taskstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dinccey/distributed-batch-stt/internal/core"
)

// Memory is a mutex-protected in-memory Store, the alternative backend
// spec.md §4.1 explicitly sanctions ("a mutex-protected in-memory map with
// periodic snapshot"). It is grounded on the teacher's
// UniformlyBoundedClientReserver (lib/limiter/reservation.go): a single
// mutex guards a plain map, every mutating method re-checks the row's
// status as a precondition, and insertion order is tracked separately so
// ClaimOne has a deterministic tie-break (earliest insertion first, as
// spec.md §4.1 allows). Memory takes no snapshots and persists nothing:
// its rows are lost when the process exits.
type Memory struct {
	mu        sync.Mutex
	rows      map[string]*core.Task
	insertSeq map[string]int64
	nextSeq   int64
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		rows:      make(map[string]*core.Task),
		insertSeq: make(map[string]int64),
	}
}

func (m *Memory) ClaimOne(ctx context.Context, assignee string, now time.Time, leaseDuration time.Duration) (Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *core.Task
	var bestSeq int64
	for path, row := range m.rows {
		if row.Status != core.StatusPending {
			continue
		}
		seq := m.insertSeq[path]
		if best == nil || seq < bestSeq {
			best = row
			bestSeq = seq
		}
	}
	if best == nil {
		return Claim{}, ErrNoPending
	}

	id := core.NewTaskID(best.Path)
	best.Status = core.StatusInProgress
	best.TaskID = id
	best.LeaseExpiry = now.Add(leaseDuration).Unix()
	best.Assignee = assignee

	return Claim{Path: best.Path, TaskID: id}, nil
}

func (m *Memory) Complete(ctx context.Context, id core.TaskID) error {
	return m.terminal(id, core.StatusCompleted)
}

func (m *Memory) Fail(ctx context.Context, id core.TaskID) error {
	return m.terminal(id, core.StatusFailed)
}

func (m *Memory) terminal(id core.TaskID, status core.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, row := range m.rows {
		if row.Status == core.StatusInProgress && row.TaskID == id {
			row.Status = status
			row.LeaseExpiry = 0
			row.Assignee = ""
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) ExpireLeases(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	nowUnix := now.Unix()
	for _, row := range m.rows {
		if row.Status == core.StatusInProgress && row.LeaseExpiry < nowUnix {
			row.Status = core.StatusFailed
			row.LeaseExpiry = 0
			count++
		}
	}
	return count, nil
}

func (m *Memory) Upsert(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.rows[path]; exists {
		return nil
	}
	m.insertLocked(path)
	return nil
}

func (m *Memory) Reset(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, exists := m.rows[path]
	if !exists {
		m.insertLocked(path)
		return nil
	}
	row.Status = core.StatusPending
	row.TaskID = ""
	row.LeaseExpiry = 0
	row.Assignee = ""
	return nil
}

func (m *Memory) insertLocked(path string) {
	m.rows[path] = &core.Task{Path: path, Status: core.StatusPending}
	m.insertSeq[path] = m.nextSeq
	m.nextSeq++
}

func (m *Memory) Get(ctx context.Context, path string) (core.Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, exists := m.rows[path]
	if !exists {
		return core.Task{}, false, nil
	}
	return *row, true, nil
}

func (m *Memory) GetByTaskID(ctx context.Context, id core.TaskID) (core.Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, row := range m.rows {
		if row.Status == core.StatusInProgress && row.TaskID == id {
			return *row, true, nil
		}
	}
	return core.Task{}, false, nil
}

// AllPaths returns every known path, sorted, for test assertions and
// snapshotting.
func (m *Memory) AllPaths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	paths := make([]string, 0, len(m.rows))
	for p := range m.rows {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

var _ Store = (*Memory)(nil)
