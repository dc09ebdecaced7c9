package models

import (
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the current persisted event schema. Rows written by older
// builds carry a lower version and are evicted at startup (forward-only
// migration; stale data is dropped, not transformed).
const SchemaVersion = 3

// Visibility values accepted for published uploads.
const (
	VisibilityPublic   = "public"
	VisibilityUnlisted = "unlisted"
	VisibilityPrivate  = "private"
)

// BroadcastStatus values mirror the platform live-broadcast lifecycle.
const (
	BroadcastStatusNone     = ""
	BroadcastStatusUpcoming = "upcoming"
	BroadcastStatusLive     = "live"
	BroadcastStatusComplete = "complete"
)

// ServiceEvent is one scheduled or occurred church service. It is the source
// of truth for service metadata and owns the upload sessions attached to it.
type ServiceEvent struct {
	ID          uuid.UUID `json:"id"`
	Title       string    `json:"title"`
	Date        string    `json:"date"`       // YYYY-MM-DD, compared as a date-only string
	StartTime   string    `json:"start_time"` // HH:MM local, informational
	Speaker     string    `json:"speaker,omitempty"`
	Description string    `json:"description,omitempty"`
	Scriptures  []string  `json:"scriptures,omitempty"`

	// Per-event upload policy.
	AutoUpload bool   `json:"auto_upload"`
	Visibility string `json:"visibility"`

	// Platform live-broadcast lifecycle (YouTube).
	BroadcastID     string `json:"broadcast_id,omitempty"`
	BroadcastStatus string `json:"broadcast_status,omitempty"`

	// Live session lifecycle, persisted so an unclean shutdown is recoverable.
	SessionState     SessionState `json:"session_state"`
	SessionStartedAt *time.Time   `json:"session_started_at,omitempty"`
	RecordDirectory  string       `json:"record_directory,omitempty"`
	RecordEndedAt    *time.Time   `json:"record_ended_at,omitempty"`
	CompletionError  string       `json:"completion_error,omitempty"`

	SchemaVersion int `json:"schema_version"`

	UploadSessions []UploadSession `json:"upload_sessions,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsToday reports whether the event is scheduled for the given local calendar
// date. Dates are compared as YYYY-MM-DD strings, no timezone math.
func (e *ServiceEvent) IsToday(now time.Time) bool {
	return e.Date == now.Format("2006-01-02")
}

// SessionDuration returns the elapsed session time, or zero when the session
// never started. PAUSED does not stop the clock: the device may still be
// recording while the app has lost visibility.
func (e *ServiceEvent) SessionDuration(now time.Time) time.Duration {
	if e.SessionStartedAt == nil {
		return 0
	}
	end := now
	if e.RecordEndedAt != nil {
		end = *e.RecordEndedAt
	}
	if end.Before(*e.SessionStartedAt) {
		return 0
	}
	return end.Sub(*e.SessionStartedAt)
}
