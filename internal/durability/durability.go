// Package durability implements the worker's three-bin durability
// ladder (spec.md §3 "Worker-side entities", §4.4 step 7, §9): a set of
// on-disk directories that guarantee no completed transcription is ever
// lost even if the coordinator is unreachable for arbitrary time.
package durability

import (
	"fmt"
	"os"
	"path/filepath"
)

// Bins holds the three directory paths. Uploaded is terminal (kept for
// audit); NotUploaded holds produced artifacts whose upload is still
// owed; FailedReport holds empty marker files (named by task id) whose
// error notification is still owed.
type Bins struct {
	Uploaded     string
	NotUploaded  string
	FailedReport string
}

// DefaultBins returns the directory names spec.md §6 prescribes,
// rooted at root.
func DefaultBins(root string) Bins {
	return Bins{
		Uploaded:     filepath.Join(root, "processed_uploaded"),
		NotUploaded:  filepath.Join(root, "processed_not_uploaded"),
		FailedReport: filepath.Join(root, "not_processed_failed_report"),
	}
}

// EnsureDirs creates all three bin directories if absent.
func (b Bins) EnsureDirs() error {
	for _, dir := range []string{b.Uploaded, b.NotUploaded, b.FailedReport} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("durability: create %s: %w", dir, err)
		}
	}
	return nil
}

// MoveToUploaded moves an artifact into the terminal uploaded bin.
func (b Bins) MoveToUploaded(taskID, artifactPath string) error {
	return rename(artifactPath, filepath.Join(b.Uploaded, taskID+".vtt"))
}

// MoveToNotUploaded moves a produced-but-unuploaded artifact into the
// not_uploaded bin.
func (b Bins) MoveToNotUploaded(taskID, artifactPath string) error {
	return rename(artifactPath, filepath.Join(b.NotUploaded, taskID+".vtt"))
}

// NotUploadedPath returns the path an artifact for taskID would have in
// the not_uploaded bin, whether or not it currently exists there.
func (b Bins) NotUploadedPath(taskID string) string {
	return filepath.Join(b.NotUploaded, taskID+".vtt")
}

// CreateFailedReportMarker creates the empty marker file for taskID,
// signalling that an error report is still owed. Idempotent.
func (b Bins) CreateFailedReportMarker(taskID string) error {
	path := filepath.Join(b.FailedReport, taskID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("durability: create marker %s: %w", path, err)
	}
	return f.Close()
}

// RemoveFailedReportMarker deletes the marker for taskID if present.
// Absence is not an error.
func (b Bins) RemoveFailedReportMarker(taskID string) error {
	path := filepath.Join(b.FailedReport, taskID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("durability: remove marker %s: %w", path, err)
	}
	return nil
}

// HasFailedReportMarker reports whether taskID currently has a pending
// marker.
func (b Bins) HasFailedReportMarker(taskID string) bool {
	_, err := os.Stat(filepath.Join(b.FailedReport, taskID))
	return err == nil
}

// ListNotUploaded returns the task ids (filenames without extension)
// of every artifact currently sitting in the not_uploaded bin.
func (b Bins) ListNotUploaded() ([]string, error) {
	return listTaskIDs(b.NotUploaded, ".vtt")
}

// ListFailedReportMarkers returns the task ids of every pending marker
// in the failed_report bin.
func (b Bins) ListFailedReportMarkers() ([]string, error) {
	return listTaskIDs(b.FailedReport, "")
}

func listTaskIDs(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("durability: list %s: %w", dir, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if ext != "" {
			if filepath.Ext(name) != ext {
				continue
			}
			name = name[:len(name)-len(ext)]
		}
		ids = append(ids, name)
	}
	return ids, nil
}

func rename(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("durability: move %s -> %s: %w", src, dst, err)
	}
	return nil
}
