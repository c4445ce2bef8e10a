package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/http/httputil"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dinccey/distributed-batch-stt/internal/auditlog"
	"github.com/dinccey/distributed-batch-stt/internal/client"
	"github.com/dinccey/distributed-batch-stt/internal/dispatch"
	"github.com/dinccey/distributed-batch-stt/internal/durability"
	"github.com/dinccey/distributed-batch-stt/internal/obslog"
	"github.com/dinccey/distributed-batch-stt/internal/pipeline"
	"github.com/dinccey/distributed-batch-stt/internal/taskstore"
)

var ctx = context.Background()

func newCoordinator(t *testing.T, audioDir string) (*httptest.Server, taskstore.Store) {
	t.Helper()
	store := taskstore.NewMemory()
	audit, err := auditlog.OpenCoordinator(filepath.Join(t.TempDir(), "processed.csv"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = audit.Close() })

	srv := dispatch.New(dispatch.Config{
		Store:            store,
		Logger:           &obslog.RecordingLogger{},
		Audit:            audit,
		LeaseDuration:    time.Minute,
		MaxClaimAttempts: 10,
	})
	return httptest.NewServer(srv), store
}

func writeAudioWithSidecar(t *testing.T, dir, name, language string) string {
	t.Helper()
	path := filepath.Join(dir, name+".mp3")
	require.NoError(t, os.WriteFile(path, []byte("audio-bytes"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".json"),
		[]byte(`{"sql_params":{"language":"`+language+`"}}`), 0o644))
	return path
}

func newWorker(t *testing.T, coordURL string, transcriber pipeline.Transcriber) (*Worker, durability.Bins) {
	t.Helper()
	scratch := t.TempDir()
	binsRoot := t.TempDir()
	bins := durability.DefaultBins(binsRoot)
	audit, err := auditlog.OpenWorker(filepath.Join(t.TempDir(), "processed.csv"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = audit.Close() })

	w, err := New(Config{
		Client:         client.New(coordURL, &obslog.RecordingLogger{}),
		Decoder:        pipeline.FakeDecoder{Fixed: 2 * time.Minute},
		Transcoder:     pipeline.FakeTranscoder{},
		Transcriber:    transcriber,
		Bins:           bins,
		Audit:          audit,
		Logger:         &obslog.RecordingLogger{},
		ScratchDir:     scratch,
		Options:        pipeline.DefaultOptions(),
		IdleSleep:      time.Millisecond,
		UploadAttempts: 3,
		RetryInterval:  time.Millisecond,
	})
	require.NoError(t, err)
	return w, bins
}

func TestIterateProcessesClaimedTaskAndUploads(t *testing.T) {
	audioDir := t.TempDir()
	path := writeAudioWithSidecar(t, audioDir, "clip", "en")
	srv, store := newCoordinator(t, audioDir)
	defer srv.Close()
	require.NoError(t, store.Upsert(ctx, path))

	w, bins := newWorker(t, srv.URL, pipeline.FakeTranscriber{VTTBody: "WEBVTT\n\nhello"})

	processed, err := w.iterate(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	row, ok, err := store.Get(ctx, path)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "completed", string(row.Status))

	ids, err := bins.ListNotUploaded()
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestIterateReturnsFalseWhenNothingPending(t *testing.T) {
	srv, _ := newCoordinator(t, t.TempDir())
	defer srv.Close()
	w, _ := newWorker(t, srv.URL, pipeline.FakeTranscriber{VTTBody: "x"})

	processed, err := w.iterate(ctx)
	require.NoError(t, err)
	require.False(t, processed)
}

func TestProcessTaskFilesArtifactInNotUploadedWhenCoordinatorUnreachable(t *testing.T) {
	audioDir := t.TempDir()
	path := writeAudioWithSidecar(t, audioDir, "clip", "en")
	inner, store := newCoordinator(t, audioDir)
	defer inner.Close()
	require.NoError(t, store.Upsert(ctx, path))

	// GET /task reaches the real coordinator; POST /result and /error
	// always fail, simulating spec.md §8 Scenario 4 ("all three POST
	// /result attempts fail; POST /error also fails").
	innerURL, err := url.Parse(inner.URL)
	require.NoError(t, err)
	proxy := httputil.NewSingleHostReverseProxy(innerURL)
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/task" {
			proxy.ServeHTTP(w, r)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer gateway.Close()

	w, bins := newWorker(t, gateway.URL, pipeline.FakeTranscriber{VTTBody: "WEBVTT\n\nhello"})

	processed, err := w.iterate(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	ids, err := bins.ListNotUploaded()
	require.NoError(t, err)
	require.Len(t, ids, 1)

	markers, err := bins.ListFailedReportMarkers()
	require.NoError(t, err)
	require.Len(t, markers, 1)
}

func TestProcessTaskHasNoArtifactToFileWhenTranscriptionFails(t *testing.T) {
	audioDir := t.TempDir()
	path := writeAudioWithSidecar(t, audioDir, "clip", "en")
	srv, store := newCoordinator(t, audioDir)
	defer srv.Close()
	require.NoError(t, store.Upsert(ctx, path))

	w, bins := newWorker(t, srv.URL, pipeline.FakeTranscriber{Err: errTranscribe{}})

	processed, err := w.iterate(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	ids, err := bins.ListNotUploaded()
	require.NoError(t, err)
	require.Empty(t, ids)

	row, ok, err := store.Get(ctx, path)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "failed", string(row.Status))
}

type errTranscribe struct{}

func (errTranscribe) Error() string { return "engine exited nonzero" }

func TestRetryDriverDrainsNotUploadedBin(t *testing.T) {
	audioDir := t.TempDir()
	path := writeAudioWithSidecar(t, audioDir, "clip", "en")
	srv, store := newCoordinator(t, audioDir)
	defer srv.Close()
	require.NoError(t, store.Upsert(ctx, path))
	claim, err := store.ClaimOne(ctx, "worker-a", time.Now(), time.Minute)
	require.NoError(t, err)

	w, bins := newWorker(t, srv.URL, pipeline.FakeTranscriber{VTTBody: "WEBVTT\n\nhello"})

	// Simulate a previously failed upload: artifact already in not_uploaded/.
	require.NoError(t, os.WriteFile(bins.NotUploadedPath(string(claim.TaskID)), []byte("WEBVTT\n\nhello"), 0o644))
	require.NoError(t, bins.CreateFailedReportMarker(string(claim.TaskID)))

	require.NoError(t, w.RetryDriver(ctx))

	notUploaded, err := bins.ListNotUploaded()
	require.NoError(t, err)
	require.Empty(t, notUploaded)

	markers, err := bins.ListFailedReportMarkers()
	require.NoError(t, err)
	require.Empty(t, markers)

	row, ok, err := store.Get(ctx, path)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "completed", string(row.Status))
}

func TestRetryDriverReturnsAggregateErrorWhenCoordinatorUnreachableButStillFilesMarker(t *testing.T) {
	// A closed listener stands in for an unreachable coordinator: every
	// HTTP call the retry driver makes (upload retry, error report)
	// fails, but it must still process the item fully (file a marker)
	// and report a non-nil summary error rather than panicking or
	// silently reporting success.
	unreachable := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	unreachableURL := unreachable.URL
	unreachable.Close()

	w, bins := newWorker(t, unreachableURL, pipeline.FakeTranscriber{VTTBody: "x"})
	require.NoError(t, os.WriteFile(bins.NotUploadedPath("task-1"), []byte("WEBVTT\n\nhello"), 0o644))

	err := w.RetryDriver(ctx)
	require.Error(t, err)

	markers, listErr := bins.ListFailedReportMarkers()
	require.NoError(t, listErr)
	require.Contains(t, markers, "task-1")
}

func TestRetryDriverIsIdempotentWhenBinsAreEmpty(t *testing.T) {
	srv, _ := newCoordinator(t, t.TempDir())
	defer srv.Close()
	w, _ := newWorker(t, srv.URL, pipeline.FakeTranscriber{VTTBody: "x"})

	require.NoError(t, w.RetryDriver(ctx))
	require.NoError(t, w.RetryDriver(ctx))
}
