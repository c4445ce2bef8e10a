package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dinccey/distributed-batch-stt/internal/auditlog"
	"github.com/dinccey/distributed-batch-stt/internal/config"
	"github.com/dinccey/distributed-batch-stt/internal/dispatch"
	"github.com/dinccey/distributed-batch-stt/internal/obslog"
	"github.com/dinccey/distributed-batch-stt/internal/reconciler"
	"github.com/dinccey/distributed-batch-stt/internal/taskstore"
)

const shutdownGracePeriod = 10 * time.Second

// serve wires the Task Store, Reconciler, and Dispatch API together and
// blocks until the process receives SIGINT/SIGTERM or the listener
// fails, mirroring the teacher's serve(logger, cfg) entrypoint shape
// (cmd/tcplb/server.go).
func serve(logger obslog.Logger, cfg *config.CoordinatorConfig) error {
	store, err := taskstore.OpenSQLite(cfg.DBFile)
	if err != nil {
		logger.Error(&obslog.Record{Msg: "failed to open task store", Error: err})
		return err
	}
	defer func() { _ = store.Close() }()

	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		logger.Error(&obslog.Record{Msg: "failed to create log directory", Error: err})
		return err
	}
	audit, err := auditlog.OpenCoordinator(cfg.LogDir + "/processed.csv")
	if err != nil {
		logger.Error(&obslog.Record{Msg: "failed to open audit log", Error: err})
		return err
	}
	defer func() { _ = audit.Close() }()

	rec := reconciler.New(reconciler.Config{
		Store:        store,
		Logger:       logger.With("reconciler"),
		AudioRoot:    cfg.AudioDir,
		SyncInterval: cfg.SyncInterval,
		Watch:        true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// spec.md §4.2 "Startup. Runs one synchronous pass before the
	// dispatch API accepts requests." -- Start() already runs RunOnce
	// synchronously before returning, so by the time we reach
	// ListenAndServe the store reflects the filesystem.
	if err := rec.Start(ctx); err != nil {
		logger.Error(&obslog.Record{Msg: "reconciler startup pass failed", Error: err})
		return err
	}
	defer rec.Stop()

	apiServer := dispatch.New(dispatch.Config{
		Store:            store,
		Logger:           logger.With("dispatch"),
		Audit:            audit,
		LeaseDuration:    cfg.LeaseDuration,
		MaxClaimAttempts: cfg.MaxClaimAttempts,
		AuthEnabled:      cfg.AuthEnabled,
		Username:         cfg.Username,
		Password:         cfg.Password,
	})

	httpServer := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: apiServer,
	}

	serveErrCh := make(chan error, 1)
	go func() {
		logger.Info(&obslog.Record{Msg: fmt.Sprintf("listening on %s", cfg.ListenAddress)})
		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErrCh <- err
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErrCh:
		return err
	case sig := <-sigCh:
		logger.Info(&obslog.Record{Msg: fmt.Sprintf("received signal %s, shutting down", sig)})
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(&obslog.Record{Msg: "graceful shutdown failed", Error: err})
		return err
	}
	return <-serveErrCh
}
