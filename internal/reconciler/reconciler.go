// Package reconciler implements the coordinator's periodic directory→table
// reconciliation pass (spec.md §4.2). The periodic actor is grounded on the
// teacher's healthcheck.ProbePool (lib/healthcheck/probepool.go): a
// ticker-driven goroutine per "thing being watched", started and stopped
// under a mutex with a sync.WaitGroup guaranteeing clean shutdown. Here
// there is exactly one thing being watched (the audio root), so the
// per-upstream worker fan-out collapses to a single loop, but the
// start/stop/wait skeleton is unchanged.
package reconciler

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dinccey/distributed-batch-stt/internal/core"
	"github.com/dinccey/distributed-batch-stt/internal/errutil"
	"github.com/dinccey/distributed-batch-stt/internal/obslog"
	"github.com/dinccey/distributed-batch-stt/internal/taskstore"
)

// Config configures a Reconciler.
type Config struct {
	Store        taskstore.Store
	Logger       obslog.Logger
	AudioRoot    string
	SyncInterval time.Duration

	// AudioExtensions is the set of file extensions (lowercase, with dot)
	// considered audio source files, e.g. ".mp3".
	AudioExtensions []string
	// ArtifactExtension is the subtitle file extension, e.g. ".vtt".
	ArtifactExtension string

	// Watch enables an fsnotify-driven early wake-up in addition to the
	// SyncInterval ticker. It is a latency optimization only: a missed or
	// coalesced fsnotify event is never a correctness bug because the
	// ticker always runs regardless.
	Watch bool

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// Reconciler runs the periodic walk described in spec.md §4.2.
type Reconciler struct {
	cfg Config

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a Reconciler from cfg, applying defaults.
func New(cfg Config) *Reconciler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.AudioExtensions == nil {
		cfg.AudioExtensions = []string{".mp3"}
	}
	if cfg.ArtifactExtension == "" {
		cfg.ArtifactExtension = ".vtt"
	}
	return &Reconciler{cfg: cfg}
}

// Start runs one synchronous pass (spec.md §4.2 "Startup") and then
// launches the periodic background loop. Start returns once the
// synchronous pass completes; the caller (the coordinator's dispatch API)
// must not begin accepting requests before Start returns.
func (r *Reconciler) Start(ctx context.Context) error {
	if err := r.RunOnce(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.started = true
	r.stopped = false

	r.wg.Add(1)
	go r.tickForever(loopCtx)

	if r.cfg.Watch {
		r.wg.Add(1)
		go r.watchForever(loopCtx)
	}
	return nil
}

// Stop cancels the background loop(s) and blocks until they exit.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started || r.stopped {
		return
	}
	r.started = false
	r.stopped = true
	r.cancel()
	r.wg.Wait()
}

func (r *Reconciler) tickForever(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.cfg.Logger.Error(&obslog.Record{Msg: "reconciler pass failed", Error: err})
			}
		}
	}
}

func (r *Reconciler) watchForever(ctx context.Context) {
	defer r.wg.Done()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.cfg.Logger.Warn(&obslog.Record{Msg: "fsnotify unavailable, relying on sync interval only", Error: err})
		return
	}
	defer watcher.Close()

	if err := addRecursiveWatches(watcher, r.cfg.AudioRoot); err != nil {
		r.cfg.Logger.Warn(&obslog.Record{Msg: "fsnotify watch setup failed, relying on sync interval only", Error: err})
		return
	}

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	const debounceDelay = 2 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-watcher.Events:
			if !ok {
				return
			}
			debounce.Reset(debounceDelay)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.cfg.Logger.Warn(&obslog.Record{Msg: "fsnotify error", Error: err})
		case <-debounce.C:
			if err := r.RunOnce(ctx); err != nil {
				r.cfg.Logger.Error(&obslog.Record{Msg: "fsnotify-triggered reconciler pass failed", Error: err})
			}
		}
	}
}

func addRecursiveWatches(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

// RunOnce performs a single reconciliation pass: walk the audio root,
// reconcile each file missing its sibling artifact against the task
// table, then expire any stale leases table-wide. A failure to
// reconcile one path never aborts the walk or fails the pass as a
// whole -- the file is simply retried on the next pass -- but every
// per-path error is still logged individually as it happens and
// bundled via errutil into a single summary line, so an operator can
// see "this pass left N paths unreconciled" without the per-path
// detail scrolling off.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	now := r.cfg.Now()

	paths, err := r.walkMissingArtifacts()
	if err != nil {
		return err
	}

	var errs []error
	for _, path := range paths {
		if err := r.reconcileOne(ctx, path, now); err != nil {
			r.cfg.Logger.Error(&obslog.Record{Msg: "reconcile path failed", Error: err, Path: &path})
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
	}
	if walkErr := errutil.FromSlice(errs); walkErr != nil {
		r.cfg.Logger.Warn(&obslog.Record{Msg: "reconciler pass had per-path errors", Error: walkErr, Details: len(errs)})
	}

	expired, err := r.cfg.Store.ExpireLeases(ctx, now)
	if err != nil {
		return err
	}
	if expired > 0 {
		r.cfg.Logger.Info(&obslog.Record{Msg: "expired stale leases", Details: expired})
	}
	return nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, path string, now time.Time) error {
	row, exists, err := r.cfg.Store.Get(ctx, path)
	if err != nil {
		return err
	}
	if !exists {
		return r.cfg.Store.Upsert(ctx, path)
	}
	switch row.Status {
	case core.StatusPending:
		return nil // skip
	case core.StatusInProgress:
		if row.LeaseExpiry < now.Unix() {
			// The artifact is still missing, so work is still owed.
			return r.cfg.Store.Reset(ctx, path)
		}
		return nil // lease is live, skip
	case core.StatusFailed, core.StatusCompleted:
		// A completed row whose artifact is missing was rolled back
		// externally (or the original completion never happened); in
		// both cases treat the path as work-to-redo.
		return r.cfg.Store.Reset(ctx, path)
	}
	return nil
}

// walkMissingArtifacts returns every audio file under the configured root
// whose sibling artifact file is absent. Walk order is unspecified.
func (r *Reconciler) walkMissingArtifacts() ([]string, error) {
	var found []string
	err := filepath.WalkDir(r.cfg.AudioRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !r.isAudioFile(path) {
			return nil
		}
		if artifactExists(path, r.cfg.ArtifactExtension) {
			return nil
		}
		found = append(found, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func (r *Reconciler) isAudioFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, want := range r.cfg.AudioExtensions {
		if ext == want {
			return true
		}
	}
	return false
}

func artifactPath(audioPath, artifactExt string) string {
	ext := filepath.Ext(audioPath)
	base := strings.TrimSuffix(audioPath, ext)
	return base + artifactExt
}

func artifactExists(audioPath, artifactExt string) bool {
	_, err := os.Stat(artifactPath(audioPath, artifactExt))
	return err == nil
}
