// Package pipeline implements ActivityPipeline: the orchestrator that
// subscribes to the observers, applies change-significance filtering,
// writes to LocalStore, and schedules TransportClient uploads via
// WorkQueue.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"mnemosyne/internal/idle"
	"mnemosyne/internal/idlecache"
	"mnemosyne/internal/inputmon"
	"mnemosyne/internal/model"
	"mnemosyne/internal/platform"
	"mnemosyne/internal/store"
	"mnemosyne/internal/telemetry"
	"mnemosyne/internal/transport"
	"mnemosyne/internal/windowmon"
	"mnemosyne/internal/workqueue"
)

// Config holds the orchestrator's tunables, all drawn from the
// top-level application configuration.
type Config struct {
	User           string
	SessionID      string
	UploadInterval time.Duration // scheduler period, default 300s
	UploadLimit    int           // B_upload, default 500
	IdleRemote     bool          // IdleSession.isRemoteSession
}

// Pipeline wires the observers and monitors to the durable store and the
// transport layer. It owns no OS resources itself; those belong to the
// platform.Observer implementation the caller constructs.
type Pipeline struct {
	cfg Config

	observer   platform.Observer
	inputMon   *inputmon.Monitor
	windowMon  *windowmon.Monitor
	idleDet    *idle.Detector
	localStore *store.Store
	queue      *workqueue.Queue
	transport  *transport.Client
	cache      idlecache.Cache
	recorder   *telemetry.Recorder
	logger     *slog.Logger

	mu             sync.Mutex
	lastEmitted    model.ActivityRecord
	haveEmitted    bool
	lastForeground windowmon.Record

	unsubs []func()

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Pipeline from its collaborators. The caller is
// responsible for constructing observer, inputMon, windowMon, idleDet,
// localStore, queue, and transport with matching configuration.
func New(
	cfg Config,
	observer platform.Observer,
	inputMon *inputmon.Monitor,
	windowMon *windowmon.Monitor,
	idleDet *idle.Detector,
	localStore *store.Store,
	queue *workqueue.Queue,
	tr *transport.Client,
	cache idlecache.Cache,
	recorder *telemetry.Recorder,
	logger *slog.Logger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if cache == nil {
		cache = idlecache.NoopCache{}
	}
	return &Pipeline{
		cfg:        cfg,
		observer:   observer,
		inputMon:   inputMon,
		windowMon:  windowMon,
		idleDet:    idleDet,
		localStore: localStore,
		queue:      queue,
		transport:  tr,
		cache:      cache,
		recorder:   recorder,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

// Start wires every subscription, emits the synthetic boot record, and
// starts the periodic upload scheduler. It does not start the
// observer itself or the queue's worker pool; callers start those first.
func (p *Pipeline) Start(ctx context.Context) {
	p.observer.OnInput(func() {
		p.inputMon.OnInput()
		p.idleDet.OnInput()
	})

	unsubInput := p.inputMon.Subscribe(func(status inputmon.Status) {
		p.onStatusChanged(status)
	})
	unsubWindow := p.windowMon.Subscribe(func(rec windowmon.Record) {
		p.onWindowChanged(rec)
	})

	p.idleDet.OnIdleStarted(func(threshold time.Duration) {
		p.logger.Info("idle started", "threshold", threshold)
	})
	p.idleDet.OnIdleEnded(func(totalIdleSeconds float64) {
		p.onIdleEnded(totalIdleSeconds)
	})

	p.unsubs = append(p.unsubs, unsubInput, unsubWindow)

	p.windowMon.Start()
	p.inputMon.Start()
	p.idleDet.Start()

	// Synthetic initial record: the log always begins with a defined
	// state, describing the window in focus at boot.
	boot := p.windowMon.Snapshot(p.observer.CurrentForeground())
	p.recordWindow(boot, p.inputMon.CurrentStatus())

	p.wg.Add(1)
	go p.uploadScheduler(ctx)
}

// Stop unsubscribes every listener and stops the sub-monitors. It does
// not close localStore or queue; callers close those separately as part
// of the broader shutdown sequence.
func (p *Pipeline) Stop() {
	for _, unsub := range p.unsubs {
		unsub()
	}
	p.windowMon.Stop()
	p.inputMon.Stop()
	p.idleDet.Stop()

	close(p.stopCh)
	p.wg.Wait()
}

func (p *Pipeline) onStatusChanged(status inputmon.Status) {
	p.mu.Lock()
	last := p.lastForeground
	p.mu.Unlock()

	p.recordWindow(last, status)
}

func (p *Pipeline) onWindowChanged(rec windowmon.Record) {
	p.mu.Lock()
	p.lastForeground = rec
	p.mu.Unlock()

	p.recordWindow(rec, p.inputMon.CurrentStatus())
}

func (p *Pipeline) onIdleEnded(totalIdleSeconds float64) {
	now := time.Now().UTC()
	start := now.Add(-time.Duration(totalIdleSeconds * float64(time.Second)))

	p.mu.Lock()
	activeApp := p.lastForeground.ProcessName
	p.mu.Unlock()

	session := model.IdleSession{
		Start:             start,
		End:               now,
		DurationSeconds:   int64(totalIdleSeconds),
		Reason:            model.ReasonOther,
		User:              p.cfg.User,
		SessionID:         p.cfg.SessionID,
		ActiveApplication: activeApp,
	}

	id, err := p.localStore.InsertIdleSession(session)
	if err != nil {
		p.logger.Error("failed to persist idle session", "error", err)
		return
	}

	if err := p.cache.RecordIdleEnded(context.Background(), p.cfg.SessionID, start, now, totalIdleSeconds); err != nil {
		p.logger.Warn("failed to mirror idle session to cache", "error", err)
	}

	err = p.queue.Enqueue(func(ctx context.Context) {
		outcome := p.transport.UploadIdleSession(ctx, session, p.cfg.IdleRemote)
		if outcome == transport.OutcomeSuccess {
			if err := p.localStore.MarkIdleSessionSynced(id); err != nil {
				p.logger.Error("failed to mark idle session synced", "error", err)
			}
		}
	})
	if err != nil {
		p.logger.Warn("idle session upload job dropped: queue full", "error", err)
	}
}

// recordWindow composes a candidate ActivityRecord from the latest window
// snapshot plus the current input status, applies change-significance
// filtering (emit only if (title, process) or status differs from the
// last emitted record), and enqueues it.
func (p *Pipeline) recordWindow(rec windowmon.Record, status inputmon.Status) {
	candidate := model.ActivityRecord{
		Timestamp:   time.Now().UTC(),
		User:        firstNonEmpty(rec.User, p.cfg.User),
		WindowTitle: model.TruncateWindowTitle(rec.WindowTitle),
		ProcessName: rec.ProcessName,
		Status:      model.Status(status),
	}

	p.mu.Lock()
	significant := !p.haveEmitted ||
		candidate.WindowTitle != p.lastEmitted.WindowTitle ||
		candidate.ProcessName != p.lastEmitted.ProcessName ||
		candidate.Status != p.lastEmitted.Status

	if !significant {
		p.mu.Unlock()
		return
	}

	p.lastEmitted = candidate
	p.haveEmitted = true
	p.mu.Unlock()

	result := p.localStore.Enqueue(candidate)
	if result == store.EnqueueOverflow {
		p.logger.Warn("activity record dropped: local queue overflow")
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// uploadScheduler periodically fetches unsynced records from LocalStore
// and enqueues an upload job, marking each batch InFlight until the
// server confirms receipt.
func (p *Pipeline) uploadScheduler(ctx context.Context) {
	defer p.wg.Done()

	interval := p.cfg.UploadInterval
	if interval <= 0 {
		interval = 300 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.scheduleUpload(ctx)
		}
	}
}

func (p *Pipeline) scheduleUpload(ctx context.Context) {
	limit := p.cfg.UploadLimit
	if limit <= 0 {
		limit = 500
	}

	batchID, records, err := p.localStore.FetchUnsynced(limit)
	if err != nil {
		p.logger.Error("fetch_unsynced failed", "error", err)
		return
	}
	if len(records) == 0 {
		return
	}

	reserved, err := p.cache.ReserveBatch(ctx, batchID, interval2x(p.cfg.UploadInterval))
	if err != nil {
		p.logger.Warn("batch reservation check failed, proceeding anyway", "error", err)
		reserved = true
	}
	if !reserved {
		p.logger.Warn("batch already reserved by another worker, demoting to pending", "batch_id", batchID)
		if err := p.localStore.MarkPending(batchID); err != nil {
			p.logger.Error("mark_pending after reservation conflict failed", "error", err)
		}
		return
	}

	err = p.queue.Enqueue(func(ctx context.Context) {
		outcome := p.transport.UploadActivityBatch(ctx, records)
		switch outcome {
		case transport.OutcomeSuccess:
			if err := p.localStore.MarkSynced(batchID); err != nil {
				p.logger.Error("mark_synced failed", "error", err)
				return
			}
			if p.recorder != nil {
				p.recorder.RecordUploadSuccess(len(records))
			}
		default:
			if err := p.localStore.MarkPending(batchID); err != nil {
				p.logger.Error("mark_pending failed", "error", err)
			}
		}
	})
	if err != nil {
		p.logger.Warn("upload job dropped: queue full, demoting batch to pending", "error", err)
		if err := p.localStore.MarkPending(batchID); err != nil {
			p.logger.Error("mark_pending after queue-full failed", "error", err)
		}
	}
}

func interval2x(d time.Duration) time.Duration {
	if d <= 0 {
		return 10 * time.Minute
	}
	return 2 * d
}
