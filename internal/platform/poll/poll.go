// Package poll implements platform.Observer as a pure, portable polling
// strategy with no OS-specific code, used on platforms without a native
// hook and in tests. It is the fallback strategy required alongside the
// event-driven Windows one.
package poll

import (
	"os/user"
	"sync"
	"time"

	"mnemosyne/internal/platform"
)

// WindowQuery is supplied by the caller (tests, or a platform-neutral
// query shim) to answer QueryWindow/foreground lookups. The zero value
// always reports an empty window, which still satisfies the "never
// fails" contract.
type WindowQuery func() (handle uintptr, info platform.WindowInfo)

// InputQuery reports whether input has occurred since the last call.
type InputQuery func() bool

// Observer polls a pair of caller-supplied query functions on a fixed
// interval. Real hosts provide real queries; tests provide fakes.
type Observer struct {
	interval    time.Duration
	windowQuery WindowQuery
	inputQuery  InputQuery

	mu             sync.Mutex
	inputCallback  func()
	foregroundCB   func(handle uintptr)
	lastForeground uintptr

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a polling Observer. A nil windowQuery/inputQuery is replaced
// with a no-op that reports no activity, matching the "degrade to empty
// values" contract.
func New(interval time.Duration, windowQuery WindowQuery, inputQuery InputQuery) *Observer {
	if interval <= 0 {
		interval = time.Second
	}
	if windowQuery == nil {
		windowQuery = func() (uintptr, platform.WindowInfo) { return 0, platform.WindowInfo{} }
	}
	if inputQuery == nil {
		inputQuery = func() bool { return false }
	}
	return &Observer{
		interval:    interval,
		windowQuery: windowQuery,
		inputQuery:  inputQuery,
		stopCh:      make(chan struct{}),
	}
}

var _ platform.Observer = (*Observer)(nil)

func (o *Observer) OnInput(callback func()) {
	o.mu.Lock()
	o.inputCallback = callback
	o.mu.Unlock()
}

func (o *Observer) OnForegroundChange(callback func(handle uintptr)) {
	o.mu.Lock()
	o.foregroundCB = callback
	o.mu.Unlock()
}

func (o *Observer) Start() error {
	o.wg.Add(1)
	go o.loop()
	return nil
}

func (o *Observer) Stop() error {
	close(o.stopCh)
	o.wg.Wait()
	return nil
}

func (o *Observer) loop() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.sample()
		}
	}
}

func (o *Observer) sample() {
	handle, _ := o.windowQuery()

	o.mu.Lock()
	changed := handle != o.lastForeground
	if changed {
		o.lastForeground = handle
	}
	fgCB := o.foregroundCB
	o.mu.Unlock()

	if changed && fgCB != nil {
		fgCB(handle)
	}

	if o.inputQuery() {
		o.mu.Lock()
		inputCB := o.inputCallback
		o.mu.Unlock()
		if inputCB != nil {
			inputCB()
		}
	}
}

// QueryWindow is a synchronous best-effort lookup; it never fails.
func (o *Observer) QueryWindow(handle uintptr) platform.WindowInfo {
	_, info := o.windowQuery()
	return info
}

// IdleSeconds is unavailable on the portable strategy; callers must rely
// on InputMonitor's own tracking instead.
func (o *Observer) IdleSeconds() (uint64, bool) {
	return 0, false
}

// CurrentForeground returns the last sampled foreground handle, querying
// directly if the loop hasn't sampled yet.
func (o *Observer) CurrentForeground() uintptr {
	o.mu.Lock()
	h := o.lastForeground
	o.mu.Unlock()
	if h != 0 {
		return h
	}
	handle, _ := o.windowQuery()
	return handle
}

// CurrentOSUser is a convenience helper for constructing a WindowQuery
// that fills in the OS username, mirroring the "stable OS username
// string" requirement of ActivityRecord.User.
func CurrentOSUser() string {
	u, err := user.Current()
	if err != nil {
		return ""
	}
	return u.Username
}
