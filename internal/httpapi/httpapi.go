// Package httpapi defines the wire DTOs and request builders for the
// three server endpoints TransportClient uploads to: /activity,
// /screenshots, and /idletime.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"mnemosyne/internal/model"
)

// ActivityEventDTO is the wire shape for one element of the /activity
// array, distinct from model.ActivityRecord's internal field names.
type ActivityEventDTO struct {
	Timestamp string `json:"timestamp"`
	EventType string `json:"eventType"`
	Details   string `json:"details"`
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
}

// ToActivityEventDTO translates an internal ActivityRecord into the wire
// shape the server expects.
func ToActivityEventDTO(rec model.ActivityRecord, sessionID string) ActivityEventDTO {
	details := rec.ProcessName
	if rec.WindowTitle != "" {
		details = fmt.Sprintf("%s | %s", rec.ProcessName, rec.WindowTitle)
	}
	return ActivityEventDTO{
		Timestamp: rec.Timestamp.UTC().Format(time.RFC3339Nano),
		EventType: string(rec.Status),
		Details:   details,
		UserID:    rec.User,
		SessionID: sessionID,
	}
}

// IdleSessionDTO is the wire shape for POST /idletime.
type IdleSessionDTO struct {
	StartTime         string `json:"startTime"`
	EndTime           string `json:"endTime"`
	Reason            string `json:"reason"`
	Note              string `json:"note"`
	UserID            string `json:"userId"`
	SessionID         string `json:"sessionId"`
	IsRemoteSession   bool   `json:"isRemoteSession"`
	ActiveApplication string `json:"activeApplication"`
}

// ToIdleSessionDTO translates an internal IdleSession into the wire shape.
func ToIdleSessionDTO(s model.IdleSession, isRemoteSession bool) IdleSessionDTO {
	return IdleSessionDTO{
		StartTime:         s.Start.UTC().Format(time.RFC3339Nano),
		EndTime:           s.End.UTC().Format(time.RFC3339Nano),
		Reason:            string(s.Reason),
		Note:              s.Note,
		UserID:            s.User,
		SessionID:         s.SessionID,
		IsRemoteSession:   isRemoteSession,
		ActiveApplication: s.ActiveApplication,
	}
}

// Client wraps *http.Client with the request builders for the three
// endpoints. It is safe for concurrent use by multiple worker goroutines.
type Client struct {
	httpClient  *http.Client
	endpointURL string
}

// NewClient creates a Client with the given base endpoint URL and
// per-call timeout.
func NewClient(endpointURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient:  &http.Client{Timeout: timeout},
		endpointURL: endpointURL,
	}
}

// PostActivityBatch POSTs a JSON array of ActivityEventDTO to /activity.
func (c *Client) PostActivityBatch(ctx context.Context, events []ActivityEventDTO) (*http.Response, error) {
	body, err := json.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("marshal activity batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpointURL+"/activity", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build activity request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.httpClient.Do(req)
}

// PostIdleSession POSTs a single IdleSessionDTO to /idletime.
func (c *Client) PostIdleSession(ctx context.Context, session IdleSessionDTO) (*http.Response, error) {
	body, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("marshal idle session: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpointURL+"/idletime", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build idle session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.httpClient.Do(req)
}

// PostScreenshot POSTs a multipart form (file + user + session) to
// /screenshots. filename is used only as the form part's filename; the
// content type is inferred from the caller-supplied contentType.
func (c *Client) PostScreenshot(ctx context.Context, filename, contentType string, data io.Reader, userID, sessionID string) (*http.Response, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", contentType)

	part, err := w.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, data); err != nil {
		return nil, fmt.Errorf("copy screenshot bytes: %w", err)
	}

	if err := w.WriteField("userId", userID); err != nil {
		return nil, fmt.Errorf("write userId field: %w", err)
	}
	if err := w.WriteField("sessionId", sessionID); err != nil {
		return nil, fmt.Errorf("write sessionId field: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpointURL+"/screenshots", &buf)
	if err != nil {
		return nil, fmt.Errorf("build screenshot request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	return c.httpClient.Do(req)
}
