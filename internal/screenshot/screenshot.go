// Package screenshot implements the periodic screenshot producer: an
// independent producer that feeds the same WorkQueue/TransportClient
// pipeline activity records use.
package screenshot

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kbinani/screenshot"

	"mnemosyne/internal/model"
)

// Store is the subset of *store.Store the producer needs.
type Store interface {
	InsertScreenshotRecord(rec model.ScreenshotRecord) (int64, error)
}

// ActiveChecker reports whether the user is currently Active; screenshots
// are only captured while active, never during idle or screensaver.
type ActiveChecker func() bool

// Scheduler enqueues a background job to upload one screenshot record.
type Scheduler interface {
	ScheduleUpload(id int64, rec model.ScreenshotRecord)
}

// Producer captures the primary display on a fixed interval and persists
// it through Store, then hands it to Scheduler for upload.
type Producer struct {
	interval  time.Duration
	dataDir   string
	user      string
	sessionID string
	isActive  ActiveChecker
	store     Store
	scheduler Scheduler
	logger    *slog.Logger

	stopCh chan struct{}
}

// New creates a screenshot Producer. dataDir is the local data directory;
// files are written under dataDir/screenshots.
func New(interval time.Duration, dataDir, user, sessionID string, isActive ActiveChecker, store Store, scheduler Scheduler, logger *slog.Logger) *Producer {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{
		interval:  interval,
		dataDir:   dataDir,
		user:      user,
		sessionID: sessionID,
		isActive:  isActive,
		store:     store,
		scheduler: scheduler,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Run blocks, capturing on the configured interval, until ctx is
// cancelled or Stop is called.
func (p *Producer) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.captureOnce()
		}
	}
}

// Stop halts the producer's loop.
func (p *Producer) Stop() {
	close(p.stopCh)
}

func (p *Producer) captureOnce() {
	if p.isActive != nil && !p.isActive() {
		return
	}

	data, err := p.capture()
	if err != nil {
		p.logger.Warn("screenshot capture failed", "error", err)
		return
	}

	path, err := p.writeFile(data)
	if err != nil {
		p.logger.Warn("screenshot write failed", "error", err)
		return
	}

	rec := model.ScreenshotRecord{
		Timestamp:   time.Now().UTC(),
		User:        p.user,
		SessionID:   p.sessionID,
		LocalPath:   path,
		UploadState: model.UploadPending,
	}

	id, err := p.store.InsertScreenshotRecord(rec)
	if err != nil {
		p.logger.Warn("screenshot metadata persist failed", "error", err)
		return
	}

	p.scheduler.ScheduleUpload(id, rec)
}

func (p *Producer) capture() ([]byte, error) {
	bounds := screenshot.GetDisplayBounds(0)
	img, err := screenshot.CaptureRect(bounds)
	if err != nil {
		return nil, fmt.Errorf("capture display: %w", err)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func (p *Producer) writeFile(data []byte) (string, error) {
	dir := filepath.Join(p.dataDir, "screenshots")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create screenshots dir: %w", err)
	}

	now := time.Now().UTC()
	name := fmt.Sprintf("screenshot_%s_%03d.jpg", now.Format("20060102_150405"), now.Nanosecond()/int(time.Millisecond))
	path := filepath.Join(dir, name)

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write screenshot file: %w", err)
	}
	return path, nil
}
