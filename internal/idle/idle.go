// Package idle implements the two-state Active/Idle detector derived from
// input activity, emitting idle_started/idle_ended signals with the
// duality guarantee that every start is followed by exactly one end.
package idle

import (
	"fmt"
	"sync"
	"time"
)

// State is one of the detector's two states.
type State string

const (
	StateActive State = "Active"
	StateIdle   State = "Idle"
)

// DefaultThreshold is the default period of no input before a session
// is considered idle.
const DefaultThreshold = 300 * time.Second

// tickInterval is the detector's evaluation cadence.
const tickInterval = time.Second

// Detector derives idle-start/idle-end transitions from a feed of input
// events and a periodic "now" tick.
type Detector struct {
	threshold time.Duration

	mu            sync.Mutex
	state         State
	lastInputAt   time.Time
	idleStartedAt time.Time
	running       bool

	onStarted []func(threshold time.Duration)
	onEnded   []func(totalIdleSeconds float64)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates an IdleDetector with the given threshold (T_idle). Threshold
// must be positive.
func New(threshold time.Duration) (*Detector, error) {
	if threshold <= 0 {
		return nil, fmt.Errorf("idle threshold must be positive, got %v", threshold)
	}
	return &Detector{
		threshold:   threshold,
		state:       StateActive,
		lastInputAt: time.Now(),
	}, nil
}

// OnIdleStarted registers a callback invoked when the detector transitions
// Active -> Idle.
func (d *Detector) OnIdleStarted(fn func(threshold time.Duration)) {
	d.mu.Lock()
	d.onStarted = append(d.onStarted, fn)
	d.mu.Unlock()
}

// OnIdleEnded registers a callback invoked when the detector transitions
// Idle -> Active.
func (d *Detector) OnIdleEnded(fn func(totalIdleSeconds float64)) {
	d.mu.Lock()
	d.onEnded = append(d.onEnded, fn)
	d.mu.Unlock()
}

// Start begins the detector's 1s evaluation ticker.
func (d *Detector) Start() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.mu.Unlock()

	d.wg.Add(1)
	go d.loop()
}

// Stop halts the ticker. If the detector is currently Idle, it emits a
// final idle_ended before stopping, so every idle_started is matched.
func (d *Detector) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopCh)
	d.mu.Unlock()

	d.wg.Wait()

	d.mu.Lock()
	if d.state == StateIdle {
		total := time.Since(d.idleStartedAt).Seconds()
		d.state = StateActive
		ended := d.snapshotEnded()
		d.mu.Unlock()
		notifyEnded(ended, total)
		return
	}
	d.mu.Unlock()
}

// OnInput feeds one input event into the detector. The first input while
// Idle ends the idle session.
func (d *Detector) OnInput() {
	now := time.Now()

	d.mu.Lock()
	d.lastInputAt = now

	if d.state != StateIdle {
		d.mu.Unlock()
		return
	}

	total := now.Sub(d.idleStartedAt).Seconds()
	d.state = StateActive
	ended := d.snapshotEnded()
	d.mu.Unlock()

	notifyEnded(ended, total)
}

func (d *Detector) loop() {
	defer d.wg.Done()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.evaluate(time.Now())
		}
	}
}

func (d *Detector) evaluate(now time.Time) {
	d.mu.Lock()

	if d.state != StateActive {
		d.mu.Unlock()
		return
	}

	if now.Sub(d.lastInputAt) < d.threshold {
		d.mu.Unlock()
		return
	}

	d.state = StateIdle
	d.idleStartedAt = d.lastInputAt.Add(d.threshold)
	started := d.snapshotStarted()
	threshold := d.threshold
	d.mu.Unlock()

	notifyStarted(started, threshold)
}

// State returns the detector's current state.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Detector) snapshotStarted() []func(time.Duration) {
	out := make([]func(time.Duration), len(d.onStarted))
	copy(out, d.onStarted)
	return out
}

func (d *Detector) snapshotEnded() []func(float64) {
	out := make([]func(float64), len(d.onEnded))
	copy(out, d.onEnded)
	return out
}

func notifyStarted(subs []func(time.Duration), threshold time.Duration) {
	for _, fn := range subs {
		fn(threshold)
	}
}

func notifyEnded(subs []func(float64), totalSeconds float64) {
	for _, fn := range subs {
		fn(totalSeconds)
	}
}
