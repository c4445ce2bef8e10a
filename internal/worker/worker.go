// Package worker implements the Worker Loop (spec.md §4.4) and Retry
// Driver (spec.md §4.5): polling the coordinator, driving the local
// decode/transcode/transcribe pipeline, and the worker's three-bin
// durability ladder. Everything here is orchestration over the
// capability interfaces in internal/pipeline, internal/client,
// internal/durability, internal/auditlog, internal/ringbuffer and
// internal/notify, so tests can inject fakes for all of them (spec.md
// §9's design note on the source's global mutable state: a per-
// iteration task context plus a single shared interrupt flag replace
// it here).
package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dinccey/distributed-batch-stt/internal/auditlog"
	"github.com/dinccey/distributed-batch-stt/internal/client"
	"github.com/dinccey/distributed-batch-stt/internal/durability"
	"github.com/dinccey/distributed-batch-stt/internal/notify"
	"github.com/dinccey/distributed-batch-stt/internal/obslog"
	"github.com/dinccey/distributed-batch-stt/internal/pipeline"
	"github.com/dinccey/distributed-batch-stt/internal/ringbuffer"
)

const ringBufferLines = 20 // spec.md §7 "up to 20 lines of subprocess stdout and stderr"

// Config configures a Worker.
type Config struct {
	Client      *client.Client
	Decoder     pipeline.Decoder
	Transcoder  pipeline.Transcoder
	Transcriber pipeline.Transcriber
	Bins        durability.Bins
	Audit       *auditlog.WorkerWriter
	Notifier    *notify.Notifier
	Logger      obslog.Logger

	ScratchDir string
	Options    pipeline.Options

	IdleSleep      time.Duration
	UploadAttempts uint
	RetryInterval  time.Duration

	// Now and Sleep are overridable for tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Worker runs the Worker Loop and Retry Driver.
type Worker struct {
	cfg Config
}

// New constructs a Worker, applying defaults and ensuring the
// durability bin directories exist.
func New(cfg Config) (*Worker, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if cfg.UploadAttempts == 0 {
		cfg.UploadAttempts = 3
	}
	if err := cfg.Bins.EnsureDirs(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.ScratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("worker: create scratch dir: %w", err)
	}
	return &Worker{cfg: cfg}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Loop runs the Worker Loop (spec.md §4.4) until checkTimeout returns
// true or ctx is cancelled, processing one task per iteration.
func (w *Worker) Loop(ctx context.Context, checkTimeout func() bool) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if checkTimeout != nil && checkTimeout() {
			return nil
		}

		processed, err := w.iterate(ctx)
		if err != nil {
			w.cfg.Logger.Error(&obslog.Record{Msg: "worker iteration failed", Error: err})
		}
		if !processed {
			if err := w.cfg.Sleep(ctx, w.cfg.IdleSleep); err != nil {
				return err
			}
		}
	}
}

// iterate runs one Worker Loop iteration: poll, and if a task was
// claimed, drive it through the pipeline. Returns whether a task was
// claimed (so Loop knows whether to sleep).
func (w *Worker) iterate(ctx context.Context) (bool, error) {
	task, err := w.cfg.Client.PollTask(ctx)
	if err != nil {
		return false, fmt.Errorf("worker: poll: %w", err)
	}
	if task == nil {
		return false, nil
	}
	w.processTask(ctx, task)
	return true, nil
}

// processTask implements spec.md §4.4 steps 2-8 for one claimed task.
// Every error path ends with either a completed upload, a bin-filed
// artifact, or a marker file -- never a bare propagated error (spec.md
// §7 "the worker never surfaces an exception up past one task
// boundary").
func (w *Worker) processTask(ctx context.Context, task *client.Task) {
	start := w.cfg.Now()
	taskID := task.ID
	mp3Path := filepath.Join(w.cfg.ScratchDir, taskID+".mp3")
	wavPath := filepath.Join(w.cfg.ScratchDir, taskID+".wav")
	vttPath := wavPath + ".vtt"
	defer w.cleanup(mp3Path, wavPath)

	if err := w.download(task.Body, mp3Path); err != nil {
		w.fail(ctx, taskID, task.Language, "", "download_failed", err)
		return
	}

	duration, err := w.cfg.Decoder.Duration(ctx, mp3Path)
	if err != nil {
		w.fail(ctx, taskID, task.Language, "", "decode_failed", err)
		return
	}

	if err := w.cfg.Transcoder.Transcode(ctx, mp3Path, wavPath); err != nil {
		w.fail(ctx, taskID, task.Language, "", "transcode_failed", err)
		return
	}

	stdout := ringbuffer.New(ringBufferLines)
	stderr := ringbuffer.New(ringBufferLines)
	if err := w.cfg.Transcriber.Transcribe(ctx, wavPath, vttPath, task.Language, w.cfg.Options, stdout, stderr); err != nil {
		w.failWithTail(ctx, taskID, task.Language, vttPath, "transcribe_failed", err, stdout, stderr)
		return
	}

	if err := w.upload(ctx, taskID, vttPath); err != nil {
		w.failWithTail(ctx, taskID, task.Language, vttPath, "upload_failed", err, stdout, stderr)
		return
	}

	w.writeAuditRow(taskID, task.Language, w.cfg.Now().Sub(start), duration, "success", "")
}

func (w *Worker) download(body io.ReadCloser, dst string) error {
	defer body.Close()
	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("worker: create scratch file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, body); err != nil {
		return fmt.Errorf("worker: download: %w", err)
	}
	return nil
}

// upload posts the transcription result and, on success, moves the
// artifact into the terminal uploaded bin (spec.md §4.4 step 6).
func (w *Worker) upload(ctx context.Context, taskID, vttPath string) error {
	vtt, err := os.ReadFile(vttPath)
	if err != nil {
		return fmt.Errorf("worker: read artifact: %w", err)
	}
	if err := w.cfg.Client.PostResult(ctx, taskID, string(vtt), w.cfg.UploadAttempts, w.cfg.RetryInterval); err != nil {
		return err
	}
	return w.cfg.Bins.MoveToUploaded(taskID, vttPath)
}

// fail is the no-artifact failure path (download/decode/transcode):
// there is nothing to file in a bin, only the audit row and a best-
// effort error report.
func (w *Worker) fail(ctx context.Context, taskID, language, vttPath, reason string, cause error) {
	w.failWithTail(ctx, taskID, language, vttPath, reason, cause, ringbuffer.New(1), ringbuffer.New(1))
}

// failWithTail implements spec.md §4.4 step 7: record the audit row,
// file the artifact in not_uploaded/ if one exists, attempt a single
// POST /error, fall back to a failed_report marker, and notify the
// operator with the console error plus subprocess tails.
func (w *Worker) failWithTail(ctx context.Context, taskID, language, vttPath, reason string, cause error, stdout, stderr *ringbuffer.Buffer) {
	w.cfg.Logger.Warn(&obslog.Record{Msg: "task failed: " + reason, Error: cause})
	w.writeAuditRow(taskID, language, 0, 0, "failed", cause.Error())

	if vttPath != "" {
		if _, statErr := os.Stat(vttPath); statErr == nil {
			if err := w.cfg.Bins.MoveToNotUploaded(taskID, vttPath); err != nil {
				w.cfg.Logger.Error(&obslog.Record{Msg: "failed to file artifact in not_uploaded", Error: err})
			}
		}
	}

	if err := w.cfg.Client.PostError(ctx, taskID, cause.Error(), 1, w.cfg.RetryInterval); err != nil {
		if err := w.cfg.Bins.CreateFailedReportMarker(taskID); err != nil {
			w.cfg.Logger.Error(&obslog.Record{Msg: "failed to create failed_report marker", Error: err})
		}
	}

	if w.cfg.Notifier != nil {
		body := cause.Error() + "\nstdout:\n" + joinLines(stdout.Lines()) + "\nstderr:\n" + joinLines(stderr.Lines())
		w.cfg.Notifier.NotifyFailure(ctx, taskID, body)
	}
}

func (w *Worker) writeAuditRow(taskID, language string, timeTaken, audioDuration time.Duration, status, reason string) {
	if w.cfg.Audit == nil {
		return
	}
	if err := w.cfg.Audit.Write(auditlog.WorkerRow{
		TaskID:       taskID,
		Language:     language,
		TimeTaken:    timeTaken,
		AudioMinutes: audioDuration.Minutes(),
		Status:       status,
		Reason:       reason,
	}); err != nil {
		w.cfg.Logger.Error(&obslog.Record{Msg: "failed to write audit row", Error: err})
	}
}

func (w *Worker) cleanup(paths ...string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}
