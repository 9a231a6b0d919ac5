package pipeline_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mnemosyne/internal/idle"
	"mnemosyne/internal/idlecache"
	"mnemosyne/internal/inputmon"
	"mnemosyne/internal/pipeline"
	"mnemosyne/internal/platform"
	"mnemosyne/internal/store"
	"mnemosyne/internal/telemetry"
	"mnemosyne/internal/transport"
	"mnemosyne/internal/windowmon"
	"mnemosyne/internal/workqueue"
)

// newAcceptingTransport builds a transport.Client against a local server
// that always answers 2xx, for tests that only care about the pipeline's
// local state transitions, not the upload outcome itself.
func newAcceptingTransport(t *testing.T) *transport.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return transport.New(srv.URL, transport.Policy{Attempts: 1, Delay: time.Millisecond}, idlecache.NoopCache{}, "session-1", nil)
}

// fakeObserver is a fully in-memory platform.Observer double: tests drive
// it directly instead of waiting on a real OS hook.
type fakeObserver struct {
	mu      sync.Mutex
	windows map[uintptr]platform.WindowInfo
	fgCB    func(uintptr)
	inputCB func()
	current uintptr
}

func newFakeObserver() *fakeObserver {
	return &fakeObserver{windows: make(map[uintptr]platform.WindowInfo)}
}

func (f *fakeObserver) OnInput(cb func())                   { f.mu.Lock(); f.inputCB = cb; f.mu.Unlock() }
func (f *fakeObserver) OnForegroundChange(cb func(uintptr)) { f.mu.Lock(); f.fgCB = cb; f.mu.Unlock() }
func (f *fakeObserver) Start() error                        { return nil }
func (f *fakeObserver) Stop() error                         { return nil }
func (f *fakeObserver) IdleSeconds() (uint64, bool)         { return 0, false }

func (f *fakeObserver) QueryWindow(handle uintptr) platform.WindowInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.windows[handle]
}

func (f *fakeObserver) CurrentForeground() uintptr {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeObserver) setWindow(handle uintptr, info platform.WindowInfo) {
	f.mu.Lock()
	f.windows[handle] = info
	f.mu.Unlock()
}

func (f *fakeObserver) switchTo(handle uintptr) {
	f.mu.Lock()
	f.current = handle
	cb := f.fgCB
	f.mu.Unlock()
	if cb != nil {
		cb(handle)
	}
}

func (f *fakeObserver) fireInput() {
	f.mu.Lock()
	cb := f.inputCB
	f.mu.Unlock()
	if cb != nil {
		cb()
	}
}

var _ platform.Observer = (*fakeObserver)(nil)

type testRig struct {
	pipeline *pipeline.Pipeline
	store    *store.Store
	observer *fakeObserver
	queue    *workqueue.Queue
	cancel   context.CancelFunc
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	obs := newFakeObserver()
	obs.setWindow(1, platform.WindowInfo{Title: "Window One", ProcessName: "one.exe", User: "alice"})
	obs.current = 1 // window 1 is in focus at boot

	localStore, err := store.Open(store.Options{
		Path:          filepath.Join(t.TempDir(), "activity.db"),
		QueueMax:      1000,
		BatchMax:      1000,
		FlushInterval: time.Hour, // tests force-flush explicitly
	})
	require.NoError(t, err)

	inputMon := inputmon.New(30 * time.Second)
	windowMon := windowmon.New(obs)
	idleDet, err := idle.New(time.Hour) // long threshold; tests don't rely on real idle timing here
	require.NoError(t, err)

	q := workqueue.New(16, 2)
	q.Start()

	logger := telemetry.NewLogger(false, slog.LevelError)
	recorder := telemetry.NewRecorder(logger)

	pl := pipeline.New(
		pipeline.Config{User: "alice", SessionID: "session-1", UploadInterval: time.Hour, UploadLimit: 500},
		obs, inputMon, windowMon, idleDet, localStore, q, newAcceptingTransport(t), idlecache.NoopCache{}, recorder, logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	pl.Start(ctx)

	return &testRig{pipeline: pl, store: localStore, observer: obs, queue: q, cancel: cancel}
}

func (r *testRig) close(t *testing.T) {
	t.Helper()
	r.pipeline.Stop()
	r.cancel()
	r.queue.Close()
	require.NoError(t, r.store.Close())
}

func TestPipeline_EmitsSyntheticBootRecord(t *testing.T) {
	rig := newTestRig(t)
	defer rig.close(t)

	require.NoError(t, rig.store.ForceFlush())

	records, err := rig.store.Recent(10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "one.exe", records[0].ProcessName)
}

func TestPipeline_ChangeSignificanceFilterSuppressesDuplicates(t *testing.T) {
	rig := newTestRig(t)
	defer rig.close(t)

	// Re-announcing the same foreground window with no status change must
	// not produce a second record beyond the synthetic boot record.
	rig.observer.switchTo(1)
	rig.observer.switchTo(1)

	require.NoError(t, rig.store.ForceFlush())

	count, err := rig.store.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPipeline_WindowChangeEmitsNewRecord(t *testing.T) {
	rig := newTestRig(t)
	defer rig.close(t)

	rig.observer.setWindow(2, platform.WindowInfo{Title: "Window Two", ProcessName: "two.exe", User: "alice"})
	rig.observer.switchTo(2)

	require.NoError(t, rig.store.ForceFlush())

	records, err := rig.store.Recent(10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "two.exe", records[0].ProcessName, "Recent returns newest first")
	assert.Equal(t, "one.exe", records[1].ProcessName)
}

func TestPipeline_IdleCycleEndsWithPersistedSession(t *testing.T) {
	obs := newFakeObserver()
	obs.setWindow(1, platform.WindowInfo{Title: "Window One", ProcessName: "one.exe", User: "alice"})

	localStore, err := store.Open(store.Options{
		Path:          filepath.Join(t.TempDir(), "activity.db"),
		QueueMax:      1000,
		BatchMax:      1000,
		FlushInterval: time.Hour,
	})
	require.NoError(t, err)
	defer localStore.Close()

	inputMon := inputmon.New(30 * time.Second)
	windowMon := windowmon.New(obs)
	idleDet, err := idle.New(50 * time.Millisecond)
	require.NoError(t, err)

	q := workqueue.New(16, 2)
	q.Start()
	defer q.Close()

	logger := telemetry.NewLogger(false, slog.LevelError)
	recorder := telemetry.NewRecorder(logger)

	pl := pipeline.New(
		pipeline.Config{User: "alice", SessionID: "session-1", UploadInterval: time.Hour, UploadLimit: 500},
		obs, inputMon, windowMon, idleDet, localStore, q, newAcceptingTransport(t), idlecache.NoopCache{}, recorder, logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pl.Start(ctx)
	defer pl.Stop()

	obs.fireInput()
	require.Eventually(t, func() bool {
		return idleDet.State() == idle.StateIdle
	}, 3*time.Second, 10*time.Millisecond)

	obs.fireInput() // ends the idle session

	require.Eventually(t, func() bool {
		n, err := localStore.CountIdleSessions()
		require.NoError(t, err)
		return n >= 1
	}, 3*time.Second, 10*time.Millisecond)
}
