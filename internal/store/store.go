// Package store implements LocalStore: a single-writer, multi-reader
// durable buffer over an embedded SQLite database, fronted by an
// in-memory queue that absorbs high-rate observer output and persists it
// in periodic batched transactions.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"

	"mnemosyne/internal/model"
)

// EnqueueResult reports whether enqueue accepted the record.
type EnqueueResult int

const (
	EnqueueOK EnqueueResult = iota
	EnqueueOverflow
)

// Store is the durable local buffer activity records and idle sessions
// pass through before being uploaded.
type Store struct {
	db *sql.DB

	queueMu  sync.Mutex
	queue    []model.ActivityRecord
	queueMax int
	batchMax int

	flushMu       sync.Mutex // serializes flush against concurrent fetch/mark operations
	flushInterval time.Duration
	flushTimer    *time.Timer
	flushNow      chan struct{}
	stopCh        chan struct{}
	wg            sync.WaitGroup

	healthMu     sync.Mutex
	lastWriteErr error
}

// Options configures a Store.
type Options struct {
	Path          string
	QueueMax      int           // Q_max, default 10000
	BatchMax      int           // B_max, default 50
	FlushInterval time.Duration // T_batch, default 10s
}

// Open opens (creating if needed) the SQLite database at opts.Path,
// applies the schema, and performs startup recovery: any InFlight record
// is demoted back to Pending, since a crashed process's in-flight batch
// must be retried.
func Open(opts Options) (*Store, error) {
	if opts.QueueMax <= 0 {
		opts.QueueMax = 10000
	}
	if opts.BatchMax <= 0 {
		opts.BatchMax = 50
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 10 * time.Second
	}

	if dir := filepath.Dir(opts.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on", opts.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single-writer discipline: one connection avoids SQLITE_BUSY under
	// concurrent enqueue/flush/fetch from this process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", p, err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{
		db:            db,
		queue:         make([]model.ActivityRecord, 0, opts.BatchMax),
		queueMax:      opts.QueueMax,
		batchMax:      opts.BatchMax,
		flushInterval: opts.FlushInterval,
		flushNow:      make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
	}

	if err := s.recoverInFlight(); err != nil {
		db.Close()
		return nil, fmt.Errorf("startup recovery: %w", err)
	}

	s.wg.Add(1)
	go s.flushLoop()

	return s, nil
}

// recoverInFlight demotes every InFlight record back to Pending.
func (s *Store) recoverInFlight() error {
	_, err := s.db.Exec(
		`UPDATE activity_records SET sync_state = ?, batch_id = '' WHERE sync_state = ?`,
		string(model.SyncPending), string(model.SyncInFlight),
	)
	return err
}

// Enqueue places rec into the in-memory queue. Non-blocking: it never
// persists inline. Returns EnqueueOverflow when the queue is at capacity.
func (s *Store) Enqueue(rec model.ActivityRecord) EnqueueResult {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	if len(s.queue) >= s.queueMax {
		return EnqueueOverflow
	}

	rec.SyncState = model.SyncPending
	rec.BatchID = ""
	s.queue = append(s.queue, rec)

	if len(s.queue) >= s.batchMax {
		select {
		case s.flushNow <- struct{}{}:
		default:
		}
	}

	return EnqueueOK
}

func (s *Store) flushLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tryFlush()
		case <-s.flushNow:
			s.tryFlush()
		}
	}
}

func (s *Store) tryFlush() {
	s.setHealthErr(s.Flush())
}

// Flush persists all currently queued records as a single transaction.
// Atomic: either every queued record commits, or none do. On failure the
// batch is never silently discarded: requeueFront puts surviving records
// back at the front of the in-memory queue so the next flush retries them.
func (s *Store) Flush() error {
	s.queueMu.Lock()
	if len(s.queue) == 0 {
		s.queueMu.Unlock()
		return nil
	}
	batch := s.queue
	s.queue = make([]model.ActivityRecord, 0, s.batchMax)
	s.queueMu.Unlock()

	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		s.requeueFront(batch)
		return fmt.Errorf("begin flush transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO activity_records (timestamp_ms, user, window_title, process_name, status, sync_state, batch_id)
		VALUES (?, ?, ?, ?, ?, ?, '')
	`)
	if err != nil {
		tx.Rollback()
		s.requeueFront(batch)
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, rec := range batch {
		if _, err := stmt.Exec(
			rec.Timestamp.UnixMilli(), rec.User, rec.WindowTitle, rec.ProcessName,
			string(rec.Status), string(model.SyncPending),
		); err != nil {
			tx.Rollback()
			// The transaction rolls back atomically, so nothing in batch
			// committed. Drop only the record that caused the failure
			// (a poison record would otherwise block the queue forever)
			// and requeue the rest for the next flush.
			survivors := make([]model.ActivityRecord, 0, len(batch)-1)
			survivors = append(survivors, batch[:i]...)
			survivors = append(survivors, batch[i+1:]...)
			s.requeueFront(survivors)
			return fmt.Errorf("insert record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		s.requeueFront(batch)
		return fmt.Errorf("commit flush: %w", err)
	}

	return nil
}

// requeueFront puts records back at the front of the in-memory queue,
// ahead of anything enqueued since the flush that failed started.
func (s *Store) requeueFront(records []model.ActivityRecord) {
	if len(records) == 0 {
		return
	}
	s.queueMu.Lock()
	merged := make([]model.ActivityRecord, 0, len(records)+len(s.queue))
	merged = append(merged, records...)
	merged = append(merged, s.queue...)
	s.queue = merged
	s.queueMu.Unlock()
}

// FetchUnsynced assigns a fresh batch id to up to limit Pending records,
// marks them InFlight(batch_id), and returns them. If nothing is pending,
// it returns an empty batch and an empty batch id.
func (s *Store) FetchUnsynced(limit int) (string, []model.ActivityRecord, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return "", nil, fmt.Errorf("begin fetch transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT id, timestamp_ms, user, window_title, process_name, status
		 FROM activity_records WHERE sync_state = ? ORDER BY id ASC LIMIT ?`,
		string(model.SyncPending), limit,
	)
	if err != nil {
		return "", nil, fmt.Errorf("query pending: %w", err)
	}

	var records []model.ActivityRecord
	var ids []int64
	for rows.Next() {
		var rec model.ActivityRecord
		var ts int64
		var status string
		if err := rows.Scan(&rec.ID, &ts, &rec.User, &rec.WindowTitle, &rec.ProcessName, &status); err != nil {
			rows.Close()
			return "", nil, fmt.Errorf("scan pending row: %w", err)
		}
		rec.Timestamp = time.UnixMilli(ts).UTC()
		rec.Status = model.Status(status)
		records = append(records, rec)
		ids = append(ids, rec.ID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return "", nil, fmt.Errorf("iterate pending: %w", err)
	}
	rows.Close()

	if len(records) == 0 {
		return "", nil, nil
	}

	batchID := uuid.NewString()

	updateStmt, err := tx.Prepare(`UPDATE activity_records SET sync_state = ?, batch_id = ? WHERE id = ?`)
	if err != nil {
		return "", nil, fmt.Errorf("prepare update: %w", err)
	}
	defer updateStmt.Close()

	for i, id := range ids {
		if _, err := updateStmt.Exec(string(model.SyncInFlight), batchID, id); err != nil {
			return "", nil, fmt.Errorf("mark in-flight: %w", err)
		}
		records[i].SyncState = model.SyncInFlight
		records[i].BatchID = batchID
	}

	if err := tx.Commit(); err != nil {
		return "", nil, fmt.Errorf("commit fetch: %w", err)
	}

	return batchID, records, nil
}

// MarkSynced deletes every InFlight(batchID) record: a synced record is
// not kept as a separate state. Idempotent: a batch id with no InFlight
// rows left is a no-op.
func (s *Store) MarkSynced(batchID string) error {
	if batchID == "" {
		return nil
	}
	_, err := s.db.Exec(
		`DELETE FROM activity_records WHERE batch_id = ? AND sync_state = ?`,
		batchID, string(model.SyncInFlight),
	)
	if err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	return nil
}

// MarkPending reverts every InFlight(batchID) record to Pending, used on
// terminal transport failure or retry exhaustion (startup recovery uses
// recoverInFlight instead). Idempotent.
func (s *Store) MarkPending(batchID string) error {
	if batchID == "" {
		return nil
	}
	_, err := s.db.Exec(
		`UPDATE activity_records SET sync_state = ?, batch_id = '' WHERE batch_id = ? AND sync_state = ?`,
		string(model.SyncPending), batchID, string(model.SyncInFlight),
	)
	if err != nil {
		return fmt.Errorf("mark pending: %w", err)
	}
	return nil
}

// Count returns the total number of activity records currently held in
// the store (persisted, not counting the in-memory queue).
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM activity_records`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// QueueLen returns the number of records currently buffered in memory,
// not yet persisted.
func (s *Store) QueueLen() int {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return len(s.queue)
}

// Recent returns the n most recently persisted records, newest first.
func (s *Store) Recent(n int) ([]model.ActivityRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, timestamp_ms, user, window_title, process_name, status, sync_state, batch_id
		 FROM activity_records ORDER BY id DESC LIMIT ?`, n,
	)
	if err != nil {
		return nil, fmt.Errorf("recent: %w", err)
	}
	defer rows.Close()

	var out []model.ActivityRecord
	for rows.Next() {
		var rec model.ActivityRecord
		var ts int64
		var status, syncState, batchID string
		if err := rows.Scan(&rec.ID, &ts, &rec.User, &rec.WindowTitle, &rec.ProcessName, &status, &syncState, &batchID); err != nil {
			return nil, fmt.Errorf("scan recent row: %w", err)
		}
		rec.Timestamp = time.UnixMilli(ts).UTC()
		rec.Status = model.Status(status)
		rec.SyncState = model.SyncState(syncState)
		rec.BatchID = batchID
		out = append(out, rec)
	}
	return out, rows.Err()
}

// InsertIdleSession persists an annotated idle interval directly (idle
// sessions are not batched through the in-memory queue; they're rare
// relative to activity records, emitted at most once per idle cycle).
func (s *Store) InsertIdleSession(session model.IdleSession) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO idle_sessions (start_ms, end_ms, duration_seconds, reason, note, user, session_id, active_application, sync_state)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.Start.UnixMilli(), session.End.UnixMilli(), session.DurationSeconds,
		string(session.Reason), session.Note, session.User, session.SessionID,
		session.ActiveApplication, string(model.SyncPending),
	)
	if err != nil {
		return 0, fmt.Errorf("insert idle session: %w", err)
	}
	return res.LastInsertId()
}

// MarkIdleSessionSynced deletes an idle session after successful upload.
func (s *Store) MarkIdleSessionSynced(id int64) error {
	_, err := s.db.Exec(`DELETE FROM idle_sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark idle session synced: %w", err)
	}
	return nil
}

// CountIdleSessions reports the number of idle sessions still awaiting
// upload, for health/stats observability.
func (s *Store) CountIdleSessions() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM idle_sessions`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count idle sessions: %w", err)
	}
	return n, nil
}

// InsertScreenshotRecord persists screenshot metadata; the image bytes
// live on disk at rec.LocalPath until uploaded.
func (s *Store) InsertScreenshotRecord(rec model.ScreenshotRecord) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO screenshot_records (timestamp_ms, user, session_id, local_path, upload_state)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.Timestamp.UnixMilli(), rec.User, rec.SessionID, rec.LocalPath, string(model.UploadPending),
	)
	if err != nil {
		return 0, fmt.Errorf("insert screenshot record: %w", err)
	}
	return res.LastInsertId()
}

// UpdateScreenshotUploadState marks a screenshot record Uploaded or
// Failed, and deletes the row on success (the local file is removed by
// the caller only on a 2xx response).
func (s *Store) UpdateScreenshotUploadState(id int64, state model.ScreenshotUploadState) error {
	if state == model.UploadUploaded {
		_, err := s.db.Exec(`DELETE FROM screenshot_records WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete uploaded screenshot record: %w", err)
		}
		return nil
	}
	_, err := s.db.Exec(`UPDATE screenshot_records SET upload_state = ? WHERE id = ?`, string(state), id)
	if err != nil {
		return fmt.Errorf("update screenshot record: %w", err)
	}
	return nil
}

// PendingScreenshots returns screenshot records awaiting upload.
func (s *Store) PendingScreenshots(limit int) ([]model.ScreenshotRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, timestamp_ms, user, session_id, local_path, upload_state
		 FROM screenshot_records WHERE upload_state = ? ORDER BY id ASC LIMIT ?`,
		string(model.UploadPending), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending screenshots: %w", err)
	}
	defer rows.Close()

	var out []model.ScreenshotRecord
	for rows.Next() {
		var rec model.ScreenshotRecord
		var ts int64
		var state string
		if err := rows.Scan(&rec.ID, &ts, &rec.User, &rec.SessionID, &rec.LocalPath, &state); err != nil {
			return nil, fmt.Errorf("scan screenshot row: %w", err)
		}
		rec.Timestamp = time.UnixMilli(ts).UTC()
		rec.UploadState = model.ScreenshotUploadState(state)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) setHealthErr(err error) {
	s.healthMu.Lock()
	s.lastWriteErr = err
	s.healthMu.Unlock()
}

// LastWriteError reports the last store write/commit failure, if any,
// for health-flag observability.
func (s *Store) LastWriteError() error {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	return s.lastWriteErr
}

// ForceFlush flushes any queued records immediately, ignoring the timer
// and capacity triggers. Used during graceful shutdown.
func (s *Store) ForceFlush() error {
	return s.Flush()
}

// Close stops the background flush goroutine, forces a final flush, and
// closes the underlying database connection. No step blocks indefinitely:
// callers should bound Close with their own shutdown deadline.
func (s *Store) Close() error {
	close(s.stopCh)
	s.wg.Wait()

	if err := s.ForceFlush(); err != nil {
		s.setHealthErr(err)
	}

	return s.db.Close()
}
