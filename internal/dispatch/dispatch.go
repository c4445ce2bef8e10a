// Package dispatch implements the coordinator's HTTP Dispatch API
// (spec.md §4.3): GET /task, POST /result, POST /error. The router and
// middleware chain is built on go-chi/chi/v5 and generalizes the
// teacher's layered Handler composition (lib/forwarder/handler.go's
// ConnCloserHandler -> RecovererHandler -> RateLimitingHandler ->
// AuthorizedUpstreamsHandler -> ForwardingHandler chain) into ordinary
// net/http middleware: panic recovery, request-id stamping, access
// logging, optional Basic Auth, then the route handlers themselves.
package dispatch

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dinccey/distributed-batch-stt/internal/auditlog"
	"github.com/dinccey/distributed-batch-stt/internal/obslog"
	"github.com/dinccey/distributed-batch-stt/internal/taskstore"
)

// Config configures a Server.
type Config struct {
	Store         taskstore.Store
	Logger        obslog.Logger
	Audit         *auditlog.CoordinatorWriter
	LeaseDuration time.Duration

	// MaxClaimAttempts bounds how many consecutive sidecar-validation
	// failures GET /task will absorb internally before giving up and
	// returning 204 (spec.md §4.3 step 3).
	MaxClaimAttempts int

	// ChunkSize is the fixed streaming chunk size for the audio body
	// (spec.md §4.3 "stream... with a fixed chunk size (8 KiB)").
	ChunkSize int

	// MaxConcurrentClaimsPerWorker bounds how many in_progress tasks a
	// single worker identity may hold at once. Zero means unbounded.
	MaxConcurrentClaimsPerWorker int64

	AuthEnabled bool
	Username    string
	Password    string

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// Server holds the wired router and its dependencies.
type Server struct {
	cfg      Config
	router   chi.Router
	reserver *claimReserver
}

// New constructs a Server with its middleware chain and routes wired.
func New(cfg Config) *Server {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxClaimAttempts <= 0 {
		cfg.MaxClaimAttempts = 10
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 8192
	}

	s := &Server{cfg: cfg, reserver: newClaimReserver(cfg.MaxConcurrentClaimsPerWorker)}

	r := chi.NewRouter()
	r.Use(recoverer(cfg.Logger))
	r.Use(requestID)
	r.Use(accessLog(cfg.Logger))
	r.Use(basicAuth(cfg.AuthEnabled, cfg.Username, cfg.Password, cfg.Logger))

	r.Get("/task", s.handleGetTask)
	r.Post("/result", s.handlePostResult)
	r.Post("/error", s.handlePostError)

	s.router = r
	return s
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
