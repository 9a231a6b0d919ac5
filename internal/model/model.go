// Package model defines the data types persisted and transported by the
// activity capture pipeline: ActivityRecord, IdleSession, and
// ScreenshotRecord.
package model

import (
	"time"
	"unicode/utf8"
)

// Status is the InputMonitor-derived activity state attached to a record.
type Status string

const (
	StatusActive   Status = "Active"
	StatusInactive Status = "Inactive"
)

// SyncState tracks where a record sits in the LocalStore -> TransportClient
// lifecycle: a record is Pending, InFlight(batch_id), or Synced, never
// Pending with a non-null batch id.
type SyncState string

const (
	SyncPending  SyncState = "pending"
	SyncInFlight SyncState = "in_flight"
	SyncSynced   SyncState = "synced"
)

// maxWindowTitleBytes bounds window_title per the data model.
const maxWindowTitleBytes = 500

// ActivityRecord is one observation emitted by ActivityPipeline.
type ActivityRecord struct {
	ID          int64
	Timestamp   time.Time // UTC, millisecond precision
	User        string
	WindowTitle string
	ProcessName string
	Status      Status
	SyncState   SyncState
	BatchID     string // empty when not InFlight/Synced under a batch
}

// TruncateWindowTitle enforces the 500-byte UTF-8 truncation rule without
// splitting a multi-byte rune.
func TruncateWindowTitle(title string) string {
	if len(title) <= maxWindowTitleBytes {
		return title
	}
	b := []byte(title)[:maxWindowTitleBytes]
	start := len(b) - 1
	for start > 0 && !isRuneStart(b[start]) {
		start--
	}
	if !utf8.FullRune(b[start:]) {
		b = b[:start]
	}
	return string(b)
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// IdleReason is drawn from the closed vocabulary the server accepts.
type IdleReason string

const (
	ReasonMeeting    IdleReason = "Meeting"
	ReasonBreak      IdleReason = "Break"
	ReasonLunch      IdleReason = "Lunch"
	ReasonPhoneCall  IdleReason = "Phone Call"
	ReasonAwayFromPC IdleReason = "Away from Desk"
	ReasonOther      IdleReason = "Other"
)

// ValidIdleReasons enumerates the closed vocabulary for validation.
var ValidIdleReasons = map[IdleReason]struct{}{
	ReasonMeeting:    {},
	ReasonBreak:      {},
	ReasonLunch:      {},
	ReasonPhoneCall:  {},
	ReasonAwayFromPC: {},
	ReasonOther:      {},
}

// IdleSession is one annotated idle interval.
type IdleSession struct {
	ID                int64
	Start             time.Time
	End               time.Time
	DurationSeconds   int64
	Reason            IdleReason
	Note              string // <= 1000 bytes
	User              string
	SessionID         string
	ActiveApplication string
}

// ScreenshotUploadState tracks a ScreenshotRecord's delivery state.
type ScreenshotUploadState string

const (
	UploadPending  ScreenshotUploadState = "pending"
	UploadUploaded ScreenshotUploadState = "uploaded"
	UploadFailed   ScreenshotUploadState = "failed"
)

// ScreenshotRecord is metadata only; the bytes live on disk until uploaded.
type ScreenshotRecord struct {
	ID          int64
	Timestamp   time.Time
	User        string
	SessionID   string
	LocalPath   string
	UploadState ScreenshotUploadState
}
