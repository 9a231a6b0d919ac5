package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mnemosyne/internal/model"
)

// TestFlush_RequeuesBatchOnBeginFailure exercises the failure path directly
// (same package, so it can reach into the unexported db handle) since
// httptest-style fault injection isn't available for a SQLite connection.
func TestFlush_RequeuesBatchOnBeginFailure(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "activity.db")
	s, err := Open(Options{Path: dbPath, QueueMax: 100, BatchMax: 1000, FlushInterval: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	s.Enqueue(model.ActivityRecord{Timestamp: time.Now().UTC(), ProcessName: "a.exe", Status: model.StatusActive})
	s.Enqueue(model.ActivityRecord{Timestamp: time.Now().UTC(), ProcessName: "b.exe", Status: model.StatusActive})
	require.Equal(t, 2, s.QueueLen())

	require.NoError(t, s.db.Close())

	err = s.Flush()
	assert.Error(t, err)
	assert.Equal(t, 2, s.QueueLen(), "a failed flush must requeue the batch instead of discarding it")
}
