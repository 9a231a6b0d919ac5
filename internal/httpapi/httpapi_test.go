package httpapi_test

import (
	"context"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mnemosyne/internal/httpapi"
	"mnemosyne/internal/model"
)

func TestToActivityEventDTO_FormatsDetailsAndTimestamp(t *testing.T) {
	rec := model.ActivityRecord{
		Timestamp:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		User:        "alice",
		WindowTitle: "Inbox - Mail",
		ProcessName: "mail.exe",
		Status:      model.StatusActive,
	}

	dto := httpapi.ToActivityEventDTO(rec, "session-1")

	assert.Equal(t, "mail.exe | Inbox - Mail", dto.Details)
	assert.Equal(t, "Active", dto.EventType)
	assert.Equal(t, "alice", dto.UserID)
	assert.Equal(t, "session-1", dto.SessionID)
	assert.Equal(t, "2026-01-02T03:04:05Z", dto.Timestamp)
}

func TestClient_PostActivityBatch(t *testing.T) {
	var receivedPath string
	var receivedBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		receivedBody = string(body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client := httpapi.NewClient(srv.URL, time.Second)
	resp, err := client.PostActivityBatch(context.Background(), []httpapi.ActivityEventDTO{
		{Timestamp: "2026-01-01T00:00:00Z", EventType: "Active", Details: "x", UserID: "u", SessionID: "s"},
	})
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "/activity", receivedPath)
	assert.Contains(t, receivedBody, `"eventType":"Active"`)
}

func TestClient_PostScreenshot_MultipartFields(t *testing.T) {
	var gotUserID, gotSessionID, gotFileContent, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		require.NoError(t, err)
		require.Equal(t, "multipart/form-data", mediaType)

		mr := multipart.NewReader(r.Body, params["boundary"])
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)

			data, _ := io.ReadAll(part)
			switch part.FormName() {
			case "file":
				gotFileContent = string(data)
				gotContentType = part.Header.Get("Content-Type")
			case "userId":
				gotUserID = string(data)
			case "sessionId":
				gotSessionID = string(data)
			}
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := httpapi.NewClient(srv.URL, time.Second)
	resp, err := client.PostScreenshot(context.Background(), "screenshot_1.jpg", "image/jpeg", strings.NewReader("fake-jpeg-bytes"), "alice", "session-1")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "fake-jpeg-bytes", gotFileContent)
	assert.Equal(t, "image/jpeg", gotContentType)
	assert.Equal(t, "alice", gotUserID)
	assert.Equal(t, "session-1", gotSessionID)
}
