// Package transport implements TransportClient: a retrying HTTP submitter
// for activity batches, screenshots, and idle sessions, with a linear
// retry policy and 2xx/4xx/5xx response classification.
package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"mnemosyne/internal/httpapi"
	"mnemosyne/internal/idlecache"
	"mnemosyne/internal/model"
)

// Outcome classifies the result of an upload attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTerminalFailure
	OutcomeRetriesExhausted
)

// Policy configures retry behavior.
type Policy struct {
	Attempts int           // R_attempts, default 3
	Delay    time.Duration // R_delay_ms, default 5s
}

// DefaultPolicy matches the documented out-of-the-box defaults.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, Delay: 5 * time.Second}
}

// Client uploads activity batches, screenshots, and idle sessions. It
// wraps a shared *http.Client (via httpapi.Client) safe for concurrent
// use by multiple worker goroutines.
type Client struct {
	http      *httpapi.Client
	policy    Policy
	cache     idlecache.Cache
	sessionID string
	logger    *slog.Logger
}

// New creates a TransportClient against endpointURL with the given retry
// policy. cache may be idlecache.NoopCache{} when Redis isn't configured.
func New(endpointURL string, policy Policy, cache idlecache.Cache, sessionID string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:      httpapi.NewClient(endpointURL, 30*time.Second),
		policy:    policy,
		cache:     cache,
		sessionID: sessionID,
		logger:    logger,
	}
}

// UploadActivityBatch attempts the upload up to policy.Attempts times
// with a linear delay between attempts. 2xx is success; 4xx other than
// 408/429 is a terminal failure (not retried); 5xx, 408, 429, and
// transport errors are retried.
func (c *Client) UploadActivityBatch(ctx context.Context, records []model.ActivityRecord) Outcome {
	events := make([]httpapi.ActivityEventDTO, len(records))
	for i, rec := range records {
		events[i] = httpapi.ToActivityEventDTO(rec, c.sessionID)
	}

	outcome, lastErr := c.attempt(ctx, func(ctx context.Context) (*http.Response, error) {
		return c.http.PostActivityBatch(ctx, events)
	})

	if outcome == OutcomeTerminalFailure {
		c.logger.Warn("activity batch rejected by server, not retrying this cycle", "error", lastErr)
	} else if outcome == OutcomeRetriesExhausted {
		c.logger.Warn("activity batch upload exhausted retries", "error", lastErr)
	}

	return outcome
}

// UploadIdleSession POSTs a single idle session with the same retry
// policy as activity batches.
func (c *Client) UploadIdleSession(ctx context.Context, session model.IdleSession, isRemoteSession bool) Outcome {
	dto := httpapi.ToIdleSessionDTO(session, isRemoteSession)

	outcome, lastErr := c.attempt(ctx, func(ctx context.Context) (*http.Response, error) {
		return c.http.PostIdleSession(ctx, dto)
	})

	if outcome != OutcomeSuccess {
		c.logger.Warn("idle session upload failed", "session_id", session.SessionID, "error", lastErr)
	}

	return outcome
}

// UploadScreenshot POSTs a screenshot file. The caller deletes the local
// file only when this returns OutcomeSuccess.
func (c *Client) UploadScreenshot(ctx context.Context, rec model.ScreenshotRecord) Outcome {
	outcome, lastErr := c.attempt(ctx, func(ctx context.Context) (*http.Response, error) {
		f, err := os.Open(rec.LocalPath)
		if err != nil {
			return nil, fmt.Errorf("open screenshot file: %w", err)
		}
		defer f.Close()

		return c.http.PostScreenshot(ctx, filenameOf(rec.LocalPath), "image/jpeg", f, rec.User, rec.SessionID)
	})

	if outcome != OutcomeSuccess {
		c.logger.Warn("screenshot upload failed", "path", rec.LocalPath, "error", lastErr)
	}

	return outcome
}

func filenameOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}

// attempt runs do up to c.policy.Attempts times with a linear delay
// between attempts, classifying the result per the retry policy.
func (c *Client) attempt(ctx context.Context, do func(context.Context) (*http.Response, error)) (Outcome, error) {
	attempts := c.policy.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error

	for i := 0; i < attempts; i++ {
		resp, err := do(ctx)
		if err != nil {
			lastErr = err
		} else {
			outcome, retry := classify(resp.StatusCode)
			drainAndClose(resp)

			if outcome == OutcomeSuccess {
				return OutcomeSuccess, nil
			}
			if !retry {
				return OutcomeTerminalFailure, fmt.Errorf("server rejected upload: status %d", resp.StatusCode)
			}
			lastErr = fmt.Errorf("retryable status %d", resp.StatusCode)
		}

		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return OutcomeRetriesExhausted, ctx.Err()
			case <-time.After(c.policy.Delay):
			}
		}
	}

	return OutcomeRetriesExhausted, lastErr
}

// classify maps an HTTP status code to an outcome and whether it should
// be retried. 2xx succeeds. 4xx other than 408/429 is terminal. 5xx, 408,
// 429 are retried.
func classify(status int) (Outcome, bool) {
	switch {
	case status >= 200 && status < 300:
		return OutcomeSuccess, false
	case status == 408 || status == 429:
		return OutcomeRetriesExhausted, true
	case status >= 400 && status < 500:
		return OutcomeTerminalFailure, false
	default:
		return OutcomeRetriesExhausted, true
	}
}

func drainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
