package screenshot_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"mnemosyne/internal/model"
	"mnemosyne/internal/screenshot"
)

type fakeStore struct {
	inserts int32
}

func (f *fakeStore) InsertScreenshotRecord(rec model.ScreenshotRecord) (int64, error) {
	atomic.AddInt32(&f.inserts, 1)
	return 1, nil
}

type fakeScheduler struct {
	scheduled int32
}

func (f *fakeScheduler) ScheduleUpload(id int64, rec model.ScreenshotRecord) {
	atomic.AddInt32(&f.scheduled, 1)
}

func TestProducer_SkipsCaptureWhileInactive(t *testing.T) {
	st := &fakeStore{}
	sched := &fakeScheduler{}

	p := screenshot.New(10*time.Millisecond, t.TempDir(), "alice", "session-1",
		func() bool { return false }, st, sched, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	p.Run(ctx)

	assert.Equal(t, int32(0), atomic.LoadInt32(&st.inserts), "no capture should occur while the user is not Active")
	assert.Equal(t, int32(0), atomic.LoadInt32(&sched.scheduled))
}

func TestProducer_StopHaltsLoop(t *testing.T) {
	st := &fakeStore{}
	sched := &fakeScheduler{}

	p := screenshot.New(10*time.Millisecond, t.TempDir(), "alice", "session-1",
		func() bool { return false }, st, sched, nil)

	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	p.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
