// Package windowmon tracks the foreground window and emits a change event
// whenever the (title, process) pair differs from the last emission,
// coalescing rapid duplicate events within a short window.
package windowmon

import (
	"sync"
	"time"

	"mnemosyne/internal/platform"
)

// Record is one foreground-window observation.
type Record struct {
	WindowTitle string
	ProcessName string
	User        string
	Handle      uintptr
	At          time.Time
}

// coalesceWindow bounds duplicate emissions arriving within 100ms of
// each other.
const coalesceWindow = 100 * time.Millisecond

// Monitor emits window_changed(record) on significant foreground changes.
// It works against any platform.Observer, whether the observer itself is
// event-driven or a poll-based fallback: both satisfy the same
// subscription contract here.
type Monitor struct {
	observer platform.Observer

	mu          sync.Mutex
	last        Record
	haveLast    bool
	lastEmitAt  time.Time
	subscribers []func(Record)

	unsubscribe func()
}

// New wraps a platform.Observer with change-detection and coalescing.
func New(observer platform.Observer) *Monitor {
	return &Monitor{observer: observer}
}

// Subscribe registers fn to be called on every emitted window change.
func (m *Monitor) Subscribe(fn func(Record)) func() {
	m.mu.Lock()
	idx := len(m.subscribers)
	m.subscribers = append(m.subscribers, fn)
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if idx < len(m.subscribers) {
			m.subscribers[idx] = nil
		}
	}
}

// Start subscribes to the underlying observer's foreground-change hook.
func (m *Monitor) Start() {
	m.observer.OnForegroundChange(m.handleForegroundChange)
}

// Stop unsubscribes from the observer. The observer itself is owned by
// the caller and stopped separately.
func (m *Monitor) Stop() {
	m.observer.OnForegroundChange(func(uintptr) {})
}

func (m *Monitor) handleForegroundChange(handle uintptr) {
	info := m.observer.QueryWindow(handle)
	m.observe(Record{
		WindowTitle: info.Title,
		ProcessName: info.ProcessName,
		User:        info.User,
		Handle:      handle,
		At:          time.Now(),
	})
}

// Snapshot re-queries the current foreground window without waiting for a
// change event; used by ActivityPipeline to build the synthetic boot
// record. Best-effort; never blocks on the OS for more than the
// observer's own bound.
func (m *Monitor) Snapshot(handle uintptr) Record {
	info := m.observer.QueryWindow(handle)
	return Record{
		WindowTitle: info.Title,
		ProcessName: info.ProcessName,
		User:        info.User,
		Handle:      handle,
		At:          time.Now(),
	}
}

func (m *Monitor) observe(rec Record) {
	m.mu.Lock()

	samePair := m.haveLast && rec.WindowTitle == m.last.WindowTitle && rec.ProcessName == m.last.ProcessName
	withinCoalesce := !m.lastEmitAt.IsZero() && rec.At.Sub(m.lastEmitAt) < coalesceWindow

	if samePair && withinCoalesce {
		m.mu.Unlock()
		return
	}
	if samePair {
		// Outside the 100ms coalescing window: still emit. Long-lived
		// same-pair dedup is ActivityPipeline's change-significance
		// filter, not this monitor's job.
		m.lastEmitAt = rec.At
		m.last = rec
		subs := m.snapshotSubscribers()
		m.mu.Unlock()
		notify(subs, rec)
		return
	}

	m.last = rec
	m.haveLast = true
	m.lastEmitAt = rec.At
	subs := m.snapshotSubscribers()
	m.mu.Unlock()

	notify(subs, rec)
}

func (m *Monitor) snapshotSubscribers() []func(Record) {
	out := make([]func(Record), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		if fn != nil {
			out = append(out, fn)
		}
	}
	return out
}

func notify(subs []func(Record), rec Record) {
	for _, fn := range subs {
		fn(rec)
	}
}
