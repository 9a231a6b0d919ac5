package store_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mnemosyne/internal/model"
	"mnemosyne/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "activity.db")
	s, err := store.Open(store.Options{
		Path:          dbPath,
		QueueMax:      100,
		BatchMax:      1000, // large enough that only ForceFlush/timer triggers it in these tests
		FlushInterval: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRecord(title string) model.ActivityRecord {
	return model.ActivityRecord{
		Timestamp:   time.Now().UTC(),
		User:        "alice",
		WindowTitle: title,
		ProcessName: "notepad.exe",
		Status:      model.StatusActive,
	}
}

func TestStore_EnqueueAndForceFlushPersists(t *testing.T) {
	s := openTestStore(t)

	require.Equal(t, store.EnqueueOK, s.Enqueue(sampleRecord("one")))
	require.Equal(t, store.EnqueueOK, s.Enqueue(sampleRecord("two")))

	require.NoError(t, s.ForceFlush())

	count, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, 0, s.QueueLen())
}

func TestStore_EnqueueOverflow(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "activity.db")
	s, err := store.Open(store.Options{Path: dbPath, QueueMax: 2, BatchMax: 1000, FlushInterval: time.Hour})
	require.NoError(t, err)
	defer s.Close()

	require.Equal(t, store.EnqueueOK, s.Enqueue(sampleRecord("one")))
	require.Equal(t, store.EnqueueOK, s.Enqueue(sampleRecord("two")))
	assert.Equal(t, store.EnqueueOverflow, s.Enqueue(sampleRecord("three")))
}

func TestStore_FetchUnsyncedMarksInFlight(t *testing.T) {
	s := openTestStore(t)
	require.Equal(t, store.EnqueueOK, s.Enqueue(sampleRecord("one")))
	require.NoError(t, s.ForceFlush())

	batchID, records, err := s.FetchUnsynced(10)
	require.NoError(t, err)
	require.NotEmpty(t, batchID)
	require.Len(t, records, 1)
	assert.Equal(t, model.SyncInFlight, records[0].SyncState)
	assert.Equal(t, batchID, records[0].BatchID)

	// A second fetch finds nothing left Pending.
	batchID2, records2, err := s.FetchUnsynced(10)
	require.NoError(t, err)
	assert.Empty(t, batchID2)
	assert.Empty(t, records2)
}

func TestStore_MarkSyncedDeletesAndIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	require.Equal(t, store.EnqueueOK, s.Enqueue(sampleRecord("one")))
	require.NoError(t, s.ForceFlush())

	batchID, _, err := s.FetchUnsynced(10)
	require.NoError(t, err)
	require.NotEmpty(t, batchID)

	require.NoError(t, s.MarkSynced(batchID))
	count, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// Calling MarkSynced again on the same batch id is a no-op.
	assert.NoError(t, s.MarkSynced(batchID))
}

func TestStore_MarkPendingRevertsInFlight(t *testing.T) {
	s := openTestStore(t)
	require.Equal(t, store.EnqueueOK, s.Enqueue(sampleRecord("one")))
	require.NoError(t, s.ForceFlush())

	batchID, _, err := s.FetchUnsynced(10)
	require.NoError(t, err)

	require.NoError(t, s.MarkPending(batchID))

	_, records, err := s.FetchUnsynced(10)
	require.NoError(t, err)
	require.Len(t, records, 1, "a record demoted back to Pending must be fetchable again")
}

func TestStore_RecoversInFlightOnReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "activity.db")

	s1, err := store.Open(store.Options{Path: dbPath, QueueMax: 100, BatchMax: 1000, FlushInterval: time.Hour})
	require.NoError(t, err)
	require.Equal(t, store.EnqueueOK, s1.Enqueue(sampleRecord("one")))
	require.NoError(t, s1.ForceFlush())

	batchID, _, err := s1.FetchUnsynced(10)
	require.NoError(t, err)
	require.NotEmpty(t, batchID)
	// Simulate a crash: close without marking synced or pending, leaving
	// the record InFlight.
	require.NoError(t, s1.Close())

	s2, err := store.Open(store.Options{Path: dbPath, QueueMax: 100, BatchMax: 1000, FlushInterval: time.Hour})
	require.NoError(t, err)
	defer s2.Close()

	// Startup recovery must have demoted the InFlight record back to
	// Pending, making it fetchable again.
	newBatchID, records, err := s2.FetchUnsynced(10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.NotEqual(t, batchID, newBatchID)
}

func TestStore_IdleSessionRoundTrip(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC()
	id, err := s.InsertIdleSession(model.IdleSession{
		Start:             now.Add(-5 * time.Minute),
		End:               now,
		DurationSeconds:   300,
		Reason:            model.ReasonOther,
		User:              "alice",
		SessionID:         "session-1",
		ActiveApplication: "notepad.exe",
	})
	require.NoError(t, err)
	require.NotZero(t, id)

	require.NoError(t, s.MarkIdleSessionSynced(id))
}

func TestStore_ScreenshotUploadLifecycle(t *testing.T) {
	s := openTestStore(t)

	id, err := s.InsertScreenshotRecord(model.ScreenshotRecord{
		Timestamp: time.Now().UTC(),
		User:      "alice",
		SessionID: "session-1",
		LocalPath: "/tmp/screenshot_001.jpg",
	})
	require.NoError(t, err)

	pending, err := s.PendingScreenshots(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.UpdateScreenshotUploadState(id, model.UploadUploaded))

	pending, err = s.PendingScreenshots(10)
	require.NoError(t, err)
	assert.Empty(t, pending, "an uploaded screenshot record is deleted, not just flagged")
}
