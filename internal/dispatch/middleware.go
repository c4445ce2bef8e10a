package dispatch

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dinccey/distributed-batch-stt/internal/obslog"
)

// requestID stamps every request with a correlation id, mirroring the
// teacher's ClientID-in-context pattern (lib/forwarder/handler.go's
// NewContextWithClientID/ClientIDFromContext) but generated per-request
// via google/uuid rather than extracted from a TLS certificate, since
// the Dispatch API has no client identity of its own.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(withRequestID(r.Context(), id)))
	})
}

// accessLog emits one structured log line per request, grounded on the
// teacher's per-stage Handler.Handle logging (e.g. ForwardingHandler's
// "Attempting Forward"/"Forward complete" pairs), adapted to an
// HTTP-middleware wrapper.
func accessLog(logger obslog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			id, _ := requestIDFromContext(r.Context())
			logger.Info(&obslog.Record{
				Msg: "request handled",
				Details: map[string]any{
					"request_id": id,
					"method":     r.Method,
					"path":       r.URL.Path,
					"status":     sw.status,
					"duration":   time.Since(start).String(),
					"remote":     r.RemoteAddr,
				},
			})
		})
	}
}

// recoverer converts a panic in an inner handler into a 500 response
// and a logged error, the HTTP-middleware analogue of the teacher's
// ConnCloserHandler guaranteeing the connection is always cleaned up
// regardless of how the inner handler exits.
func recoverer(logger obslog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error(&obslog.Record{Msg: "panic recovered", Details: rec})
					w.WriteHeader(http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// basicAuth optionally enforces HTTP Basic credentials. spec.md §6
// delegates authentication to an upstream proxy by default; this is an
// additional, optional layer the coordinator can enable itself,
// matching the teacher's layered-handler philosophy of composing
// independent concerns (auth, rate limiting, forwarding) rather than
// folding them into one handler.
func basicAuth(enabled bool, username, password string, logger obslog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || user != username || pass != password {
				logger.Warn(&obslog.Record{Msg: "basic auth rejected", Details: r.RemoteAddr})
				w.Header().Set("WWW-Authenticate", `Basic realm="coordinator"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

type requestIDKeyType struct{}

var requestIDKey = requestIDKeyType{}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func requestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok
}
