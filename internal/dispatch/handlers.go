package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"

	"github.com/dinccey/distributed-batch-stt/internal/auditlog"
	"github.com/dinccey/distributed-batch-stt/internal/core"
	"github.com/dinccey/distributed-batch-stt/internal/obslog"
	"github.com/dinccey/distributed-batch-stt/internal/sidecar"
	"github.com/dinccey/distributed-batch-stt/internal/taskstore"
)

// handleGetTask implements spec.md §4.3 GET /task: claim a row, load
// and validate its sidecar metadata, and on success stream the audio
// body. A sidecar validation failure fails the row and retries the
// claim loop, up to MaxClaimAttempts, so one broken sidecar never
// surfaces as a 5xx to the worker.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	worker := r.RemoteAddr

	if err := s.reserver.tryReserve(worker); err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	claimed := false
	defer func() {
		if !claimed {
			s.reserver.release(worker)
		}
	}()

	for attempt := 0; attempt < s.cfg.MaxClaimAttempts; attempt++ {
		claim, err := s.cfg.Store.ClaimOne(ctx, worker, s.cfg.Now(), s.cfg.LeaseDuration)
		if errors.Is(err, taskstore.ErrNoPending) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if err != nil {
			s.cfg.Logger.Error(&obslog.Record{Msg: "claim failed", Error: err})
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		meta, err := sidecar.Load(claim.Path)
		if err != nil {
			s.failClaim(ctx, worker, claim, err)
			continue
		}

		f, err := os.Open(claim.Path)
		if err != nil {
			s.failClaim(ctx, worker, claim, err)
			continue
		}

		w.Header().Set("X-Task-ID", string(claim.TaskID))
		w.Header().Set("X-Language", meta.SQLParams.Language)
		w.Header().Set("Content-Type", "audio/mpeg")
		w.WriteHeader(http.StatusOK)
		s.streamAudio(w, f)
		_ = f.Close()
		claimed = true
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) failClaim(ctx context.Context, worker string, claim taskstore.Claim, cause error) {
	s.cfg.Logger.Warn(&obslog.Record{Msg: "claim validation failed", Error: cause, Path: &claim.Path})
	if err := s.cfg.Store.Fail(ctx, claim.TaskID); err != nil {
		s.cfg.Logger.Error(&obslog.Record{Msg: "failed to mark claim as failed", Error: err, Path: &claim.Path})
	}
	if s.cfg.Audit != nil {
		_ = s.cfg.Audit.Write(auditlog.CoordinatorRow{
			Path:     claim.Path,
			TaskID:   string(claim.TaskID),
			IP:       worker,
			At:       s.cfg.Now(),
			ErrorMsg: cause.Error(),
		})
	}
}

func (s *Server) streamAudio(w http.ResponseWriter, f *os.File) {
	buf := make([]byte, s.cfg.ChunkSize)
	if _, err := io.CopyBuffer(w, f, buf); err != nil {
		s.cfg.Logger.Warn(&obslog.Record{Msg: "audio stream interrupted", Error: err})
	}
}

type resultBody struct {
	ID  string `json:"id"`
	VTT string `json:"vtt"`
}

type errorBody struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// handlePostResult implements spec.md §4.3 POST /result: write the
// artifact to disk, then -- only on success -- transition the row to
// completed, preserving the ordering invariant that a crash between the
// write and the transition is safe for the Reconciler to observe.
func (s *Server) handlePostResult(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body resultBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ID == "" {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	id := core.TaskID(body.ID)

	row, ok, err := s.cfg.Store.GetByTaskID(ctx, id)
	if err != nil {
		s.cfg.Logger.Error(&obslog.Record{Msg: "lookup by task id failed", Error: err})
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if err := os.WriteFile(core.ArtifactPath(row.Path), []byte(body.VTT), 0o644); err != nil {
		s.cfg.Logger.Error(&obslog.Record{Msg: "artifact write failed", Error: err, Path: &row.Path})
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if err := s.cfg.Store.Complete(ctx, id); err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		s.cfg.Logger.Error(&obslog.Record{Msg: "complete transition failed", Error: err})
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.reserver.release(row.Assignee)
	if s.cfg.Audit != nil {
		_ = s.cfg.Audit.Write(auditlog.CoordinatorRow{
			Path: row.Path, TaskID: body.ID, IP: r.RemoteAddr, At: s.cfg.Now(),
		})
	}

	writeStatusOK(w)
}

// handlePostError implements spec.md §4.3 POST /error: transitions the
// in_progress row matching id to failed.
func (s *Server) handlePostError(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body errorBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ID == "" {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	id := core.TaskID(body.ID)

	row, _, _ := s.cfg.Store.GetByTaskID(ctx, id)

	if err := s.cfg.Store.Fail(ctx, id); err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		s.cfg.Logger.Error(&obslog.Record{Msg: "fail transition failed", Error: err})
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if row.Assignee != "" {
		s.reserver.release(row.Assignee)
	}
	s.cfg.Logger.Warn(&obslog.Record{Msg: "task reported failed by worker", Details: body.Error, TaskID: &id})
	if s.cfg.Audit != nil {
		_ = s.cfg.Audit.Write(auditlog.CoordinatorRow{
			Path: row.Path, TaskID: body.ID, IP: r.RemoteAddr, At: s.cfg.Now(), ErrorMsg: body.Error,
		})
	}

	writeStatusOK(w)
}

func writeStatusOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
