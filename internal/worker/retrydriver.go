package worker

import (
	"context"
	"fmt"
	"os"

	"github.com/dinccey/distributed-batch-stt/internal/errutil"
	"github.com/dinccey/distributed-batch-stt/internal/obslog"
)

// RetryDriver drains the not_uploaded/ and failed_report/ bins against
// a reachable coordinator (spec.md §4.5). It is idempotent: running it
// twice back-to-back with all calls succeeding on the first pass
// leaves the filesystem and store identical to running it once
// (spec.md §8 P4). Both passes always run, even if one reports
// failures, and their per-item errors are bundled into a single
// summary via errutil so a caller can detect "this pass was not
// fully clean" without the loop aborting partway through a bin.
func (w *Worker) RetryDriver(ctx context.Context) error {
	errNotUploaded := w.retryNotUploaded(ctx)
	errFailedReports := w.retryFailedReports(ctx)
	return errutil.FromSlice([]error{errNotUploaded, errFailedReports})
}

// retryNotUploaded implements spec.md §4.5 pass 1: for each artifact in
// not_uploaded/, re-attempt the upload; on success move it to
// uploaded/ and clear any matching failed_report marker; on failure
// fall back to POST /error and ensure a marker exists.
func (w *Worker) retryNotUploaded(ctx context.Context) error {
	taskIDs, err := w.cfg.Bins.ListNotUploaded()
	if err != nil {
		return err
	}
	var errs []error
	for _, taskID := range taskIDs {
		vttPath := w.cfg.Bins.NotUploadedPath(taskID)
		vtt, err := os.ReadFile(vttPath)
		if err != nil {
			w.cfg.Logger.Error(&obslog.Record{Msg: "retry driver: read artifact failed", Error: err})
			errs = append(errs, fmt.Errorf("task %s: read artifact: %w", taskID, err))
			continue
		}

		err = w.cfg.Client.PostResult(ctx, taskID, string(vtt), w.cfg.UploadAttempts, w.cfg.RetryInterval)
		if err == nil {
			if err := w.cfg.Bins.MoveToUploaded(taskID, vttPath); err != nil {
				w.cfg.Logger.Error(&obslog.Record{Msg: "retry driver: move to uploaded failed", Error: err})
				errs = append(errs, fmt.Errorf("task %s: move to uploaded: %w", taskID, err))
				continue
			}
			if err := w.cfg.Bins.RemoveFailedReportMarker(taskID); err != nil {
				w.cfg.Logger.Error(&obslog.Record{Msg: "retry driver: remove marker failed", Error: err})
				errs = append(errs, fmt.Errorf("task %s: remove marker: %w", taskID, err))
			}
			continue
		}

		w.cfg.Logger.Warn(&obslog.Record{Msg: "retry driver: upload retry failed", Error: err})
		if err := w.cfg.Client.PostError(ctx, taskID, err.Error(), w.cfg.UploadAttempts, w.cfg.RetryInterval); err != nil {
			if err := w.cfg.Bins.CreateFailedReportMarker(taskID); err != nil {
				w.cfg.Logger.Error(&obslog.Record{Msg: "retry driver: create marker failed", Error: err})
				errs = append(errs, fmt.Errorf("task %s: create marker: %w", taskID, err))
			}
			if w.cfg.Notifier != nil {
				w.cfg.Notifier.NotifyFailure(ctx, taskID, "retry driver: upload and error report both failed")
			}
			errs = append(errs, fmt.Errorf("task %s: upload and error report both failed: %w", taskID, err))
		}
	}
	return errutil.FromSlice(errs)
}

// retryFailedReports implements spec.md §4.5 pass 2: for each marker in
// failed_report/, re-attempt POST /error; on success delete the
// marker; on failure notify and leave it in place for the next run.
func (w *Worker) retryFailedReports(ctx context.Context) error {
	taskIDs, err := w.cfg.Bins.ListFailedReportMarkers()
	if err != nil {
		return err
	}
	var errs []error
	for _, taskID := range taskIDs {
		err := w.cfg.Client.PostError(ctx, taskID, "retry driver: resending deferred error report", w.cfg.UploadAttempts, w.cfg.RetryInterval)
		if err == nil {
			if err := w.cfg.Bins.RemoveFailedReportMarker(taskID); err != nil {
				w.cfg.Logger.Error(&obslog.Record{Msg: "retry driver: remove marker failed", Error: err})
				errs = append(errs, fmt.Errorf("task %s: remove marker: %w", taskID, err))
			}
			continue
		}
		w.cfg.Logger.Warn(&obslog.Record{Msg: "retry driver: error report retry failed, leaving marker in place", Error: err})
		if w.cfg.Notifier != nil {
			w.cfg.Notifier.NotifyFailure(ctx, taskID, "retry driver: error report still undelivered")
		}
		errs = append(errs, fmt.Errorf("task %s: error report still undelivered: %w", taskID, err))
	}
	return errutil.FromSlice(errs)
}
