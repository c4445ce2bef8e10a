// Package notify implements the worker's best-effort push notification
// to a Gotify server (spec.md §4.4 step 7, §6 NODE_NAME/GOTIFY_URL/
// GOTIFY_KEY). A notification failure is logged and swallowed: it must
// never fail a task or block the Worker Loop.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dinccey/distributed-batch-stt/internal/obslog"
)

// Notifier pushes messages to a Gotify application token.
type Notifier struct {
	URL        string // base Gotify URL, e.g. "https://gotify.example.com"
	AppToken   string
	NodeName   string // prefixed onto every title, to identify which worker sent it
	HTTPClient *http.Client
	Logger     obslog.Logger
}

// New constructs a Notifier. If url or appToken is empty, the returned
// Notifier is disabled: NotifyFailure becomes a silent no-op, matching
// spec.md's description of Gotify as optional (unset GOTIFY_URL/
// GOTIFY_KEY disables notification entirely).
func New(url, appToken, nodeName string, logger obslog.Logger) *Notifier {
	return &Notifier{
		URL:        url,
		AppToken:   appToken,
		NodeName:   nodeName,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		Logger:     logger,
	}
}

// Enabled reports whether this Notifier has a configured endpoint.
func (n *Notifier) Enabled() bool {
	return n.URL != "" && n.AppToken != ""
}

type message struct {
	Title    string `json:"title"`
	Message  string `json:"message"`
	Priority int    `json:"priority"`
}

// NotifyFailure sends a best-effort push for a task that failed all
// retries (spec.md §4.4 step 7). Errors are logged, never returned:
// callers should not branch on the outcome of a notification.
func (n *Notifier) NotifyFailure(ctx context.Context, taskID, reason string) {
	n.send(ctx, message{
		Title:    fmt.Sprintf("[%s] task failed", n.NodeName),
		Message:  fmt.Sprintf("task %s: %s", taskID, reason),
		Priority: 5,
	})
}

func (n *Notifier) send(ctx context.Context, msg message) {
	if !n.Enabled() {
		return
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		n.Logger.Warn(&obslog.Record{Msg: "notify: marshal message failed", Error: err})
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL+"/message", bytes.NewReader(payload))
	if err != nil {
		n.Logger.Warn(&obslog.Record{Msg: "notify: build request failed", Error: err})
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gotify-Key", n.AppToken)

	resp, err := n.HTTPClient.Do(req)
	if err != nil {
		n.Logger.Warn(&obslog.Record{Msg: "notify: request failed", Error: err})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.Logger.Warn(&obslog.Record{Msg: fmt.Sprintf("notify: unexpected status %d", resp.StatusCode)})
	}
}
