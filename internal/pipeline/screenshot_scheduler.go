package pipeline

import (
	"context"
	"log/slog"
	"os"

	"mnemosyne/internal/model"
	"mnemosyne/internal/store"
	"mnemosyne/internal/transport"
	"mnemosyne/internal/workqueue"
)

// ScreenshotScheduler adapts WorkQueue + TransportClient + LocalStore into
// the screenshot.Scheduler contract: it enqueues an upload job that marks
// the ScreenshotRecord Uploaded (and deletes the local file) on 2xx, or
// Failed otherwise, leaving the file in place. A Failed record is not
// uploaded again.
type ScreenshotScheduler struct {
	queue      *workqueue.Queue
	transport  *transport.Client
	localStore *store.Store
	logger     *slog.Logger
}

// NewScreenshotScheduler builds a ScreenshotScheduler.
func NewScreenshotScheduler(queue *workqueue.Queue, tr *transport.Client, localStore *store.Store, logger *slog.Logger) *ScreenshotScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScreenshotScheduler{queue: queue, transport: tr, localStore: localStore, logger: logger}
}

// ScheduleUpload enqueues the upload job for one screenshot record.
func (s *ScreenshotScheduler) ScheduleUpload(id int64, rec model.ScreenshotRecord) {
	err := s.queue.Enqueue(func(ctx context.Context) {
		outcome := s.transport.UploadScreenshot(ctx, rec)
		if outcome == transport.OutcomeSuccess {
			if err := s.localStore.UpdateScreenshotUploadState(id, model.UploadUploaded); err != nil {
				s.logger.Error("failed to mark screenshot uploaded", "error", err)
				return
			}
			if err := os.Remove(rec.LocalPath); err != nil && !os.IsNotExist(err) {
				s.logger.Warn("failed to delete uploaded screenshot file", "path", rec.LocalPath, "error", err)
			}
			return
		}

		if err := s.localStore.UpdateScreenshotUploadState(id, model.UploadFailed); err != nil {
			s.logger.Error("failed to mark screenshot failed", "error", err)
		}
	})
	if err != nil {
		s.logger.Warn("screenshot upload job dropped: queue full", "error", err)
	}
}
