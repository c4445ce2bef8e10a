package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/dinccey/distributed-batch-stt/internal/auditlog"
	"github.com/dinccey/distributed-batch-stt/internal/client"
	"github.com/dinccey/distributed-batch-stt/internal/config"
	"github.com/dinccey/distributed-batch-stt/internal/durability"
	"github.com/dinccey/distributed-batch-stt/internal/notify"
	"github.com/dinccey/distributed-batch-stt/internal/obslog"
	"github.com/dinccey/distributed-batch-stt/internal/pipeline"
	"github.com/dinccey/distributed-batch-stt/internal/scheduler"
	"github.com/dinccey/distributed-batch-stt/internal/worker"
)

// run wires the worker's dependencies and dispatches to either the
// Retry Driver (one-shot) or the Scheduler-wrapped Worker Loop,
// mirroring the teacher's serve(logger, cfg) entrypoint shape
// (cmd/tcplb/server.go).
//
// spec.md §4.7's shared "interrupted" flag is an atomic.Bool set by the
// signal handler. Worker.Loop sees it through its checkTimeout
// predicate, which it consults only at its iteration boundaries (after
// a task, after an idle sleep), and it runs tasks under a context the
// signal does not cancel, so an in-flight transcription and its upload
// finish before the loop returns. The signal also cancels ctx, which
// wakes Scheduler.Run from a sleep between processing windows and
// stops the Retry Driver.
func run(logger obslog.Logger, flags *cliFlags, cfg *config.WorkerConfig) error {
	w, err := buildWorker(logger, cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var interrupted atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info(&obslog.Record{Msg: "received signal, will exit at next quiescence point", Details: sig.String()})
		interrupted.Store(true)
		cancel()
	}()

	if flags.RetryFailed {
		return w.RetryDriver(ctx)
	}

	sched, err := scheduler.New(scheduler.Config{
		CronExpr:        cfg.Cron,
		ProcessingHours: cfg.ProcessingHours,
		Logger:          logger.With("scheduler"),
	})
	if err != nil {
		return err
	}

	err = sched.Run(ctx, func(ctx context.Context, checkTimeout scheduler.CheckTimeout) error {
		stop := func() bool { return interrupted.Load() || checkTimeout() }
		return w.Loop(context.WithoutCancel(ctx), stop)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func buildWorker(logger obslog.Logger, cfg *config.WorkerConfig) (*worker.Worker, error) {
	c := client.New(cfg.ServerURL, logger.With("client"))
	c.AuthEnabled = cfg.AuthEnabled
	c.Username = cfg.Username
	c.Password = cfg.Password

	if err := os.MkdirAll(cfg.ScratchDir, 0o755); err != nil {
		return nil, err
	}
	audit, err := auditlog.OpenWorker(cfg.ScratchDir + "/processed.csv")
	if err != nil {
		return nil, err
	}

	var notifier *notify.Notifier
	if cfg.GotifyURL != "" && cfg.GotifyKey != "" {
		notifier = notify.New(cfg.GotifyURL, cfg.GotifyKey, cfg.NodeName, logger.With("notify"))
	}

	opts := pipeline.DefaultOptions()
	opts.VADEnabled = cfg.VADEnabled
	opts.VADModel = cfg.VADModel

	return worker.New(worker.Config{
		Client:         c,
		Decoder:        pipeline.ExecDecoder{},
		Transcoder:     pipeline.ExecTranscoder{},
		Transcriber:    pipeline.ExecTranscriber{},
		Bins:           durability.DefaultBins(cfg.ScratchDir),
		Audit:          audit,
		Notifier:       notifier,
		Logger:         logger.With("worker"),
		ScratchDir:     cfg.ScratchDir,
		Options:        opts,
		IdleSleep:      cfg.IdleSleep,
		UploadAttempts: uint(cfg.UploadAttempts),
		RetryInterval:  cfg.RetryInterval,
	})
}
