// Package client implements the worker's HTTP connection to the
// coordinator's Dispatch API (spec.md §4.4 Worker Loop, §6 wire
// protocol). Upload retries are delegated to avast/retry-go/v4; the
// bounded-attempts, fixed-delay shape it provides is a direct
// replacement for the hand-rolled retry loop spec.md's Worker Loop and
// Retry Driver both describe ("up to 3 times with T_retry between
// attempts").
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/dinccey/distributed-batch-stt/internal/obslog"
)

// ErrTaskNotFound means the coordinator no longer recognizes the task
// id -- typically because its lease already expired and the row was
// reassigned (spec.md §8 Scenario 5).
var ErrTaskNotFound = fmt.Errorf("client: task not found")

// Task is one claimed unit of work streamed back from GET /task.
type Task struct {
	ID       string
	Language string
	Body     io.ReadCloser
}

// Client talks to one coordinator base URL.
type Client struct {
	BaseURL     string
	HTTPClient  *http.Client
	Username    string
	Password    string
	AuthEnabled bool
	Logger      obslog.Logger
}

// New constructs a Client with a sane default HTTP transport.
func New(baseURL string, logger obslog.Logger) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 0}, // streaming GET /task must not have a blanket timeout
		Logger:     logger,
	}
}

func (c *Client) authorize(req *http.Request) {
	if c.AuthEnabled {
		req.SetBasicAuth(c.Username, c.Password)
	}
}

// PollTask issues one GET /task. A nil Task with a nil error means 204
// (nothing claimable); callers sleep and retry per spec.md §4.4 step 1.
func (c *Client) PollTask(ctx context.Context) (*Task, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/task", nil)
	if err != nil {
		return nil, fmt.Errorf("client: build poll request: %w", err)
	}
	c.authorize(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: poll task: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusNoContent:
		_ = resp.Body.Close()
		return nil, nil
	case http.StatusOK:
		return &Task{
			ID:       resp.Header.Get("X-Task-ID"),
			Language: resp.Header.Get("X-Language"),
			Body:     resp.Body,
		}, nil
	default:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("client: poll task: unexpected status %d", resp.StatusCode)
	}
}

type resultRequest struct {
	ID  string `json:"id"`
	VTT string `json:"vtt"`
}

type errorRequest struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

type statusResponse struct {
	Status string `json:"status"`
}

// PostResult uploads a completed transcription, retrying up to attempts
// times with delay between attempts.
func (c *Client) PostResult(ctx context.Context, id, vtt string, attempts uint, delay time.Duration) error {
	return c.postWithRetry(ctx, "/result", resultRequest{ID: id, VTT: vtt}, attempts, delay)
}

// PostError reports a failed task, retrying up to attempts times with
// delay between attempts. The Worker Loop's main failure path calls
// this with attempts=1 (spec.md §4.4 step 7 "Attempt a single POST
// /error"); the Retry Driver calls it with attempts=3 (spec.md §4.5).
func (c *Client) PostError(ctx context.Context, id, errMsg string, attempts uint, delay time.Duration) error {
	return c.postWithRetry(ctx, "/error", errorRequest{ID: id, Error: errMsg}, attempts, delay)
}

func (c *Client) postWithRetry(ctx context.Context, path string, body any, attempts uint, delay time.Duration) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("client: marshal %s body: %w", path, err)
	}

	return retry.Do(
		func() error { return c.postOnce(ctx, path, payload) },
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.Logger.Warn(&obslog.Record{Msg: "retrying " + path, Error: err, Details: n})
		}),
	)
}

func (c *Client) postOnce(ctx context.Context, path string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("client: build %s request: %w", path, err))
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var sr statusResponse
		_ = json.NewDecoder(resp.Body).Decode(&sr)
		return nil
	case http.StatusNotFound:
		return retry.Unrecoverable(ErrTaskNotFound)
	default:
		return fmt.Errorf("client: %s: unexpected status %d", path, resp.StatusCode)
	}
}
