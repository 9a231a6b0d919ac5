// Package platform defines the abstraction a host OS must supply over raw
// input and foreground-window signals. Concrete strategies live in the
// windows and poll subpackages.
package platform

// WindowInfo is the best-effort result of a window query.
type WindowInfo struct {
	Title       string
	ProcessName string
	User        string
}

// Observer is the contract a host platform must supply. Implementations
// must never let OnInput/OnForegroundChange callbacks block the OS input
// path: the windows strategy runs each callback on its own goroutine, and
// the poll strategy calls them from its sampling goroutine. No channel
// sits between an implementation and the callback it was given.
type Observer interface {
	// OnInput registers callback to be invoked for every detected input
	// event. The callback must be non-blocking.
	OnInput(callback func())

	// OnForegroundChange registers callback to be invoked whenever the
	// foreground window changes, passing an opaque window handle.
	OnForegroundChange(callback func(handle uintptr))

	// QueryWindow is a synchronous best-effort lookup. It never fails;
	// on failure it returns a WindowInfo with empty fields.
	QueryWindow(handle uintptr) WindowInfo

	// IdleSeconds reports seconds since last input at the OS level, for
	// cross-checking against InputMonitor's own tracking. Implementations
	// that cannot supply this return 0 and false.
	IdleSeconds() (uint64, bool)

	// CurrentForeground returns the best-known foreground window handle,
	// used once at startup to compose the synthetic initial record. It
	// returns 0 if no foreground window is known yet.
	CurrentForeground() uintptr

	// Start installs the observer's hooks. A failure here is fatal at
	// startup.
	Start() error

	// Stop uninstalls hooks and releases resources.
	Stop() error
}
