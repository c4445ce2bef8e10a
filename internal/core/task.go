// Package core defines the value types shared across the coordinator and
// worker: task identity, status, the sibling artifact path, and a small
// path set type.
package core

import (
	"crypto/md5"
	"encoding/hex"
	"path/filepath"
	"strings"
)

// Status is one of the four states a Task row can occupy.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// TaskID is the stable 128-bit fingerprint of a Task's Path, exposed to
// workers as the opaque handle for a claimed task. TaskID(path) is a pure
// function: the same path always yields the same id.
type TaskID string

// NewTaskID derives the deterministic hex MD5 fingerprint of path.
func NewTaskID(path string) TaskID {
	sum := md5.Sum([]byte(path))
	return TaskID(hex.EncodeToString(sum[:]))
}

// Task is a row of the task table, as recorded by the Task Store.
//
// Implementations must treat Path as the primary key: at any moment there
// is at most one Task row per Path.
type Task struct {
	Path         string
	TaskID       TaskID // only meaningful while Status == StatusInProgress
	Status       Status
	LeaseExpiry  int64 // unix seconds; only meaningful while Status == StatusInProgress
	Assignee     string
}

// ArtifactPath returns the sibling WebVTT artifact path for an audio
// source path: dirname(path)/basename_without_ext.vtt (spec.md §3, §4.3
// POST /result step 2).
func ArtifactPath(audioPath string) string {
	ext := filepath.Ext(audioPath)
	base := strings.TrimSuffix(audioPath, ext)
	return base + ".vtt"
}

// PathSet is a set of filesystem paths. No other package in this
// repository uses it; the Reconciler collects walk results in a slice.
type PathSet map[string]struct{}

// NewPathSet returns a new PathSet containing the given paths.
func NewPathSet(paths ...string) PathSet {
	result := make(PathSet, len(paths))
	for _, p := range paths {
		result[p] = struct{}{}
	}
	return result
}

// Contains reports whether path is a member of the set.
func (s PathSet) Contains(path string) bool {
	_, ok := s[path]
	return ok
}

// Add inserts path into the set, in place.
func (s PathSet) Add(path string) {
	s[path] = struct{}{}
}
