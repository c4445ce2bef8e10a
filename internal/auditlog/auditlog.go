// Package auditlog appends operational audit rows to a CSV file shared
// by the coordinator and the worker, each with their own column layout
// (spec.md §6 "Persisted state layout").
package auditlog

import (
	"encoding/csv"
	"fmt"
	"os"
	"sync"
	"time"
)

// CoordinatorRow is one row of the coordinator's processed.csv:
// (filepath, fileid, ip, datetime, error).
type CoordinatorRow struct {
	Path     string
	TaskID   string
	IP       string
	At       time.Time
	ErrorMsg string
}

// WorkerRow is one row of the worker's processed.csv:
// (file_id, language, time_taken, audio_minutes, status, reason).
type WorkerRow struct {
	TaskID       string
	Language     string
	TimeTaken    time.Duration
	AudioMinutes float64
	Status       string
	Reason       string
}

// Writer appends rows to a CSV audit file, creating it with a header if
// absent. Safe for concurrent use: writes are serialized under mu,
// matching the single-appender-at-a-time assumption of encoding/csv.
type Writer struct {
	mu     sync.Mutex
	file   *os.File
	csv    *csv.Writer
	header []string
}

// Open opens (creating and writing header if necessary) the CSV file at
// path with the given header row.
func Open(path string, header []string) (*Writer, error) {
	_, statErr := os.Stat(path)
	needsHeader := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("auditlog: open %s: %w", path, err)
	}
	w := &Writer{file: f, csv: csv.NewWriter(f), header: header}
	if needsHeader {
		if err := w.csv.Write(header); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("auditlog: write header: %w", err)
		}
		w.csv.Flush()
	}
	return w, nil
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.csv.Flush()
	return w.file.Close()
}

func (w *Writer) writeRow(fields []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.csv.Write(fields); err != nil {
		return fmt.Errorf("auditlog: write row: %w", err)
	}
	w.csv.Flush()
	return w.csv.Error()
}

// CoordinatorWriter wraps Writer with the coordinator's column layout.
type CoordinatorWriter struct{ *Writer }

// OpenCoordinator opens the coordinator's processed.csv.
func OpenCoordinator(path string) (*CoordinatorWriter, error) {
	w, err := Open(path, []string{"filepath", "fileid", "ip", "datetime", "error"})
	if err != nil {
		return nil, err
	}
	return &CoordinatorWriter{w}, nil
}

// Write appends one coordinator audit row.
func (w *CoordinatorWriter) Write(r CoordinatorRow) error {
	return w.writeRow([]string{
		r.Path,
		r.TaskID,
		r.IP,
		r.At.UTC().Format(time.RFC3339),
		r.ErrorMsg,
	})
}

// WorkerWriter wraps Writer with the worker's column layout.
type WorkerWriter struct{ *Writer }

// OpenWorker opens the worker's processed.csv.
func OpenWorker(path string) (*WorkerWriter, error) {
	w, err := Open(path, []string{"file_id", "language", "time_taken", "audio_minutes", "status", "reason"})
	if err != nil {
		return nil, err
	}
	return &WorkerWriter{w}, nil
}

// Write appends one worker audit row.
func (w *WorkerWriter) Write(r WorkerRow) error {
	return w.writeRow([]string{
		r.TaskID,
		r.Language,
		r.TimeTaken.String(),
		fmt.Sprintf("%.3f", r.AudioMinutes),
		r.Status,
		r.Reason,
	})
}
