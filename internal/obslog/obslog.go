// Package obslog is the structured logging facade shared by the coordinator
// and worker binaries. It keeps the teacher's LogRecord shape (a single
// struct carrying an optional message, error, and contextual details) but
// backs it with zerolog instead of a hand-rolled semi-JSON shim.
package obslog

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dinccey/distributed-batch-stt/internal/core"
)

// Record holds data for a single log event. Fields are optional; a nil
// field is simply omitted from the emitted record.
type Record struct {
	Msg      string        // Msg is the log message
	Error    error         // Error is an optional error being reported
	Details  any           // Details are optional structured details
	TaskID   *core.TaskID  // TaskID is the task the event concerns, if any
	Path     *string       // Path is the audio path the event concerns, if any
	Assignee *string       // Assignee is the worker address the event concerns, if any
}

// Logger is the abstract log interface used throughout the repository.
//
// Multiple goroutines may invoke methods on a Logger simultaneously.
type Logger interface {
	Info(r *Record)
	Warn(r *Record)
	Error(r *Record)
	// With returns a child Logger that always includes the given component
	// name, for attributing log lines to a subsystem (e.g. "reconciler").
	With(component string) Logger
}

type zlogger struct {
	z zerolog.Logger
}

// New returns a Logger that writes newline-delimited JSON to w.
func New(w io.Writer) Logger {
	z := zerolog.New(w).With().Timestamp().Logger()
	return &zlogger{z: z}
}

// Default returns a Logger writing to stderr, matching the teacher's
// GetDefaultLogger entrypoint.
func Default() Logger {
	return New(os.Stderr)
}

func (l *zlogger) event(ev *zerolog.Event, r *Record) {
	if r == nil {
		ev.Send()
		return
	}
	if r.Error != nil {
		ev = ev.Err(r.Error)
	}
	if r.Details != nil {
		ev = ev.Interface("details", r.Details)
	}
	if r.TaskID != nil {
		ev = ev.Str("task_id", string(*r.TaskID))
	}
	if r.Path != nil {
		ev = ev.Str("path", *r.Path)
	}
	if r.Assignee != nil {
		ev = ev.Str("assignee", *r.Assignee)
	}
	ev.Msg(r.Msg)
}

func (l *zlogger) Info(r *Record)  { l.event(l.z.Info(), r) }
func (l *zlogger) Warn(r *Record)  { l.event(l.z.Warn(), r) }
func (l *zlogger) Error(r *Record) { l.event(l.z.Error(), r) }

func (l *zlogger) With(component string) Logger {
	return &zlogger{z: l.z.With().Str("component", component).Logger()}
}

// RecordingLogger captures all logged events in memory. It is designed for
// use as a test fixture, mirroring the teacher's RecordingLogger.
type RecordingLogger struct {
	mu     sync.Mutex
	Events []Event
}

// Event is one captured log call.
type Event struct {
	Level string
	At    time.Time
	*Record
}

func (l *RecordingLogger) append(level string, r *Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Events = append(l.Events, Event{Level: level, At: time.Now(), Record: r})
}

func (l *RecordingLogger) Info(r *Record)  { l.append("info", r) }
func (l *RecordingLogger) Warn(r *Record)  { l.append("warn", r) }
func (l *RecordingLogger) Error(r *Record) { l.append("error", r) }
func (l *RecordingLogger) With(component string) Logger {
	return l
}

var _ Logger = (*zlogger)(nil)
var _ Logger = (*RecordingLogger)(nil)
