// Package windows implements platform.Observer on top of raw Win32 APIs
// via syscall, with no cgo. It is the event-driven strategy: foreground
// window changes and input activity are discovered by polling the
// Win32 APIs on a tight internal ticker and diffed against last-seen
// state, since Windows has no portable non-cgo way to install a global
// WH_KEYBOARD_LL/WH_MOUSE_LL hook from pure Go without blocking the
// calling thread's message loop.
package windows

import (
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"
	"unicode/utf16"
	"unsafe"

	"mnemosyne/internal/platform"
)

// Lazy-loaded Windows DLLs.
var (
	user32   = syscall.NewLazyDLL("user32.dll")
	kernel32 = syscall.NewLazyDLL("kernel32.dll")
	shell32  = syscall.NewLazyDLL("shell32.dll")
)

var (
	procGetForegroundWindow          = user32.NewProc("GetForegroundWindow")
	procGetWindowThreadProcessId     = user32.NewProc("GetWindowThreadProcessId")
	procGetWindowTextW               = user32.NewProc("GetWindowTextW")
	procGetLastInputInfo             = user32.NewProc("GetLastInputInfo")
	procGetTickCount                 = kernel32.NewProc("GetTickCount")
	procSHQueryUserNotificationState = shell32.NewProc("SHQueryUserNotificationState")
)

type lastInputInfo struct {
	cbSize uint32
	dwTime uint32
}

const (
	qunsRunningD3DFullScreen = 3
)

// textBufferPool reuses UTF-16 buffers for window-title lookups to avoid
// per-call allocation under a polling loop.
type textBufferPool struct {
	pool sync.Pool
}

func newTextBufferPool() *textBufferPool {
	return &textBufferPool{
		pool: sync.Pool{
			New: func() interface{} {
				return make([]uint16, 512)
			},
		},
	}
}

func (p *textBufferPool) get() []uint16  { return p.pool.Get().([]uint16) }
func (p *textBufferPool) put(b []uint16) { p.pool.Put(b) }

// Observer polls Win32 state at a fixed interval and diffs it against its
// own last-seen values, satisfying platform.Observer without any shared
// mutable global state: each Observer instance owns its own callbacks and
// state, so multiple instances never clobber each other.
type Observer struct {
	pollInterval time.Duration
	bufPool      *textBufferPool

	mu             sync.Mutex
	inputCallback  func()
	foregroundCB   func(handle uintptr)
	lastForeground uintptr
	lastInputTick  uint32

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Windows platform.Observer. pollInterval controls how often
// the internal diff loop samples GetForegroundWindow/GetLastInputInfo;
// 50ms keeps window reads and input detection close to immediate without
// burning CPU.
func New(pollInterval time.Duration) *Observer {
	if pollInterval <= 0 {
		pollInterval = 50 * time.Millisecond
	}
	return &Observer{
		pollInterval: pollInterval,
		bufPool:      newTextBufferPool(),
		stopCh:       make(chan struct{}),
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
	hwnd, err := getForegroundWindow()
	if err == nil {
		o.mu.Lock()
		o.lastForeground = uintptr(hwnd)
		o.mu.Unlock()
	}

	tick, err := getLastInputTick()
	if err == nil {
		o.mu.Lock()
		o.lastInputTick = tick
		o.mu.Unlock()
	}

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

	ticker := time.NewTicker(o.pollInterval)
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
	if hwnd, err := getForegroundWindow(); err == nil {
		o.mu.Lock()
		changed := uintptr(hwnd) != o.lastForeground
		if changed {
			o.lastForeground = uintptr(hwnd)
		}
		cb := o.foregroundCB
		o.mu.Unlock()

		if changed && cb != nil {
			go cb(uintptr(hwnd))
		}
	}

	if tick, err := getLastInputTick(); err == nil {
		o.mu.Lock()
		changed := tick != o.lastInputTick
		if changed {
			o.lastInputTick = tick
		}
		cb := o.inputCallback
		o.mu.Unlock()

		if changed && cb != nil {
			go cb()
		}
	}
}

// QueryWindow is a synchronous best-effort lookup; it never fails.
func (o *Observer) QueryWindow(handle uintptr) platform.WindowInfo {
	hwnd := syscall.Handle(handle)

	title, err := o.windowText(hwnd)
	if err != nil {
		title = ""
	}

	_, pid, err := getWindowThreadProcessId(hwnd)
	if err != nil {
		pid = 0
	}

	return platform.WindowInfo{
		Title:       title,
		ProcessName: processNameForPID(pid),
		User:        currentUser(),
	}
}

// CurrentForeground returns the last foreground window handle sampled by
// the poll loop, or queries it directly if the loop hasn't sampled yet.
func (o *Observer) CurrentForeground() uintptr {
	o.mu.Lock()
	h := o.lastForeground
	o.mu.Unlock()
	if h != 0 {
		return h
	}
	if hwnd, err := getForegroundWindow(); err == nil {
		return uintptr(hwnd)
	}
	return 0
}

// IdleSeconds reports seconds since the last OS-level input event.
func (o *Observer) IdleSeconds() (uint64, bool) {
	lastInput, err := getLastInputTick()
	if err != nil {
		return 0, false
	}
	tickRet, _, _ := procGetTickCount.Call()
	now := uint32(tickRet)
	if now < lastInput {
		now += 0xFFFFFFFF
	}
	return uint64((now - lastInput) / 1000), true
}

// IsGameRunning reports whether a full-screen DirectX/OpenGL game is
// running. Callers may use this to suppress screenshot capture; it is
// not part of the platform.Observer contract itself.
func IsGameRunning() (bool, error) {
	var state uint32
	ret, _, err := procSHQueryUserNotificationState.Call(uintptr(unsafe.Pointer(&state)))
	if ret != 0 {
		return false, fmt.Errorf("SHQueryUserNotificationState failed: %w", err)
	}
	return state == qunsRunningD3DFullScreen, nil
}

func (o *Observer) windowText(hwnd syscall.Handle) (string, error) {
	buf := o.bufPool.get()
	defer o.bufPool.put(buf)

	ret, _, err := procGetWindowTextW.Call(
		uintptr(hwnd),
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(len(buf)),
	)
	if ret == 0 {
		return "", fmt.Errorf("GetWindowTextW: %w", err)
	}

	length := int(ret)
	if length > len(buf) {
		length = len(buf)
	}
	return utf16ToString(buf[:length]), nil
}

func utf16ToString(s []uint16) string {
	for i, v := range s {
		if v == 0 {
			return string(utf16.Decode(s[:i]))
		}
	}
	return string(utf16.Decode(s))
}

func getForegroundWindow() (syscall.Handle, error) {
	ret, _, err := procGetForegroundWindow.Call()
	if ret == 0 {
		return 0, fmt.Errorf("no foreground window: %w", err)
	}
	return syscall.Handle(ret), nil
}

func getWindowThreadProcessId(hwnd syscall.Handle) (uint32, uint32, error) {
	var pid uint32
	ret, _, err := procGetWindowThreadProcessId.Call(
		uintptr(hwnd),
		uintptr(unsafe.Pointer(&pid)),
	)
	if ret == 0 {
		return 0, 0, fmt.Errorf("GetWindowThreadProcessId: %w", err)
	}
	return uint32(ret), pid, nil
}

func getLastInputTick() (uint32, error) {
	var info lastInputInfo
	info.cbSize = uint32(unsafe.Sizeof(info))

	ret, _, err := procGetLastInputInfo.Call(uintptr(unsafe.Pointer(&info)))
	if ret == 0 {
		return 0, fmt.Errorf("GetLastInputInfo: %w", err)
	}
	return info.dwTime, nil
}

// processNameForPID returns a placeholder name of the form "pid-<pid>"; it
// does not open the process or read its executable name. A zero pid
// yields an empty string.
func processNameForPID(pid uint32) string {
	if pid == 0 {
		return ""
	}
	return fmt.Sprintf("pid-%d", pid)
}

func currentUser() string {
	return os.Getenv("USERNAME")
}
