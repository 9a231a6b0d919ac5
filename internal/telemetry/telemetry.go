// Package telemetry provides structured logging and an operator-facing
// health snapshot via periodic structured slog attributes, plus optional
// systemd readiness/watchdog notifications.
package telemetry

import (
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// NewLogger builds the process-wide slog.Logger. json selects
// slog.JSONHandler (production); otherwise a slog.TextHandler is used
// (development).
func NewLogger(json bool, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// Health is a point-in-time snapshot of the pipeline's operational state,
// exposed via Status().
type Health struct {
	QueueDepth        int
	LastStoreError    string
	LastUploadSuccess time.Time
	TickCount         uint64
	IdleTicks         uint64
	FlushCount        uint64
}

// Recorder accumulates counters the periodic stats logger reports, and
// answers Status() queries.
type Recorder struct {
	logger *slog.Logger

	mu                sync.Mutex
	tickCount         uint64
	idleTicks         uint64
	flushCount        uint64
	eventsUploaded    uint64
	lastStoreError    error
	lastUploadSuccess time.Time

	startTime time.Time
}

// NewRecorder creates a Recorder bound to logger.
func NewRecorder(logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{logger: logger, startTime: time.Now()}
}

func (r *Recorder) IncTick()     { r.mu.Lock(); r.tickCount++; r.mu.Unlock() }
func (r *Recorder) IncIdleTick() { r.mu.Lock(); r.idleTicks++; r.mu.Unlock() }
func (r *Recorder) IncFlush()    { r.mu.Lock(); r.flushCount++; r.mu.Unlock() }

func (r *Recorder) RecordUploadSuccess(count int) {
	r.mu.Lock()
	r.eventsUploaded += uint64(count)
	r.lastUploadSuccess = time.Now()
	r.mu.Unlock()
}

func (r *Recorder) RecordStoreError(err error) {
	r.mu.Lock()
	r.lastStoreError = err
	r.mu.Unlock()
}

// Status returns a snapshot for observability callers, exposing a
// health flag readable without scraping logs.
func (r *Recorder) Status(queueDepth int) Health {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := Health{
		QueueDepth:        queueDepth,
		LastUploadSuccess: r.lastUploadSuccess,
		TickCount:         r.tickCount,
		IdleTicks:         r.idleTicks,
		FlushCount:        r.flushCount,
	}
	if r.lastStoreError != nil {
		h.LastStoreError = r.lastStoreError.Error()
	}
	return h
}

// LogStats emits one structured stats record. Intended to be called on a
// 30s ticker by the caller.
func (r *Recorder) LogStats(queueDepth int, storeCount int) {
	r.mu.Lock()
	tickCount := r.tickCount
	idleTicks := r.idleTicks
	flushCount := r.flushCount
	eventsUploaded := r.eventsUploaded
	r.mu.Unlock()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	r.logger.Info("watcher stats",
		"uptime", time.Since(r.startTime).Round(time.Second).String(),
		"ticks", tickCount,
		"idle_ticks", idleTicks,
		"flush_count", flushCount,
		"events_uploaded", eventsUploaded,
		"queue_depth", queueDepth,
		"store_count", storeCount,
		"alloc_mb", float64(mem.Alloc)/1024/1024,
		"sys_mb", float64(mem.Sys)/1024/1024,
	)
}

// NotifyReady sends READY=1 to systemd's notify socket, a no-op when not
// running under systemd (e.g. interactively, or on non-Linux platforms).
func NotifyReady() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
}

// NotifyWatchdog sends WATCHDOG=1, a no-op outside systemd's watchdog
// supervision.
func NotifyWatchdog() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
}
