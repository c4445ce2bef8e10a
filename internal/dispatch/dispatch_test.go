package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dinccey/distributed-batch-stt/internal/auditlog"
	"github.com/dinccey/distributed-batch-stt/internal/core"
	"github.com/dinccey/distributed-batch-stt/internal/obslog"
	"github.com/dinccey/distributed-batch-stt/internal/taskstore"
)

var ctx = context.Background()

func writeAudioWithSidecar(t *testing.T, dir, name, language string) string {
	t.Helper()
	path := filepath.Join(dir, name+".mp3")
	require.NoError(t, os.WriteFile(path, []byte("audio-bytes"), 0o644))
	if language != "" {
		sidecar := `{"sql_params":{"language":"` + language + `"}}`
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+".json"), []byte(sidecar), 0o644))
	}
	return path
}

func newTestServer(t *testing.T, store taskstore.Store) *Server {
	t.Helper()
	audit, err := auditlog.OpenCoordinator(filepath.Join(t.TempDir(), "processed.csv"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = audit.Close() })

	return New(Config{
		Store:         store,
		Logger:        &obslog.RecordingLogger{},
		Audit:         audit,
		LeaseDuration: time.Minute,
	})
}

func TestGetTaskHappyPath(t *testing.T) {
	dir := t.TempDir()
	path := writeAudioWithSidecar(t, dir, "clip", "en")

	store := taskstore.NewMemory()
	require.NoError(t, store.Upsert(ctx, path))

	srv := newTestServer(t, store)
	req := httptest.NewRequest(http.MethodGet, "/task", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, string(core.NewTaskID(path)), w.Header().Get("X-Task-ID"))
	require.Equal(t, "en", w.Header().Get("X-Language"))
	require.Equal(t, "audio-bytes", w.Body.String())
}

func TestGetTaskNoPendingReturns204(t *testing.T) {
	store := taskstore.NewMemory()
	srv := newTestServer(t, store)

	req := httptest.NewRequest(http.MethodGet, "/task", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestGetTaskSkipsMissingSidecarAndFailsRow(t *testing.T) {
	dir := t.TempDir()
	badPath := writeAudioWithSidecar(t, dir, "bad", "") // no sidecar
	goodPath := writeAudioWithSidecar(t, dir, "good", "en")

	store := taskstore.NewMemory()
	require.NoError(t, store.Upsert(ctx, badPath))
	require.NoError(t, store.Upsert(ctx, goodPath))

	srv := newTestServer(t, store)
	req := httptest.NewRequest(http.MethodGet, "/task", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, string(core.NewTaskID(goodPath)), w.Header().Get("X-Task-ID"))

	row, ok, err := store.Get(ctx, badPath)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, core.StatusFailed, row.Status)
}

func TestGetTaskExhaustsAttemptsAndReturns204(t *testing.T) {
	dir := t.TempDir()
	store := taskstore.NewMemory()
	for i := 0; i < 3; i++ {
		p := writeAudioWithSidecar(t, dir, "bad"+string(rune('a'+i)), "")
		require.NoError(t, store.Upsert(ctx, p))
	}

	srv := New(Config{
		Store:            store,
		Logger:           &obslog.RecordingLogger{},
		LeaseDuration:    time.Minute,
		MaxClaimAttempts: 3,
	})

	req := httptest.NewRequest(http.MethodGet, "/task", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestPostResultWritesArtifactAndCompletes(t *testing.T) {
	dir := t.TempDir()
	path := writeAudioWithSidecar(t, dir, "clip", "en")
	store := taskstore.NewMemory()
	require.NoError(t, store.Upsert(ctx, path))
	claim, err := store.ClaimOne(ctx, "worker-a", time.Now(), time.Minute)
	require.NoError(t, err)

	srv := newTestServer(t, store)

	body, _ := json.Marshal(map[string]string{"id": string(claim.TaskID), "vtt": "WEBVTT\n\nhello"})
	req := httptest.NewRequest(http.MethodPost, "/result", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	data, err := os.ReadFile(core.ArtifactPath(path))
	require.NoError(t, err)
	require.Equal(t, "WEBVTT\n\nhello", string(data))

	row, ok, err := store.Get(ctx, path)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, core.StatusCompleted, row.Status)
}

func TestPostResultUnknownIDReturns404(t *testing.T) {
	store := taskstore.NewMemory()
	srv := newTestServer(t, store)

	body, _ := json.Marshal(map[string]string{"id": "deadbeef", "vtt": "x"})
	req := httptest.NewRequest(http.MethodPost, "/result", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestPostErrorTransitionsToFailed(t *testing.T) {
	dir := t.TempDir()
	path := writeAudioWithSidecar(t, dir, "clip", "en")
	store := taskstore.NewMemory()
	require.NoError(t, store.Upsert(ctx, path))
	claim, err := store.ClaimOne(ctx, "worker-a", time.Now(), time.Minute)
	require.NoError(t, err)

	srv := newTestServer(t, store)

	body, _ := json.Marshal(map[string]string{"id": string(claim.TaskID), "error": "transcription failed"})
	req := httptest.NewRequest(http.MethodPost, "/error", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	row, ok, err := store.Get(ctx, path)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, core.StatusFailed, row.Status)
}

func TestPostErrorUnknownIDReturns404(t *testing.T) {
	store := taskstore.NewMemory()
	srv := newTestServer(t, store)

	body, _ := json.Marshal(map[string]string{"id": "deadbeef"})
	req := httptest.NewRequest(http.MethodPost, "/error", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestBasicAuthRejectsMissingCredentials(t *testing.T) {
	store := taskstore.NewMemory()
	srv := New(Config{
		Store: store, Logger: &obslog.RecordingLogger{}, LeaseDuration: time.Minute,
		AuthEnabled: true, Username: "worker", Password: "secret",
	})

	req := httptest.NewRequest(http.MethodGet, "/task", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestBasicAuthAcceptsValidCredentials(t *testing.T) {
	store := taskstore.NewMemory()
	srv := New(Config{
		Store: store, Logger: &obslog.RecordingLogger{}, LeaseDuration: time.Minute,
		AuthEnabled: true, Username: "worker", Password: "secret",
	})

	req := httptest.NewRequest(http.MethodGet, "/task", nil)
	req.SetBasicAuth("worker", "secret")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code) // no pending tasks, but auth passed
}
