package models

import "time"

// SessionState is the lifecycle state of the live service session.
type SessionState string

const (
	SessionIdle       SessionState = "IDLE"
	SessionPreparing  SessionState = "PREPARING"  // device connected, no output yet
	SessionActive     SessionState = "ACTIVE"     // stream or record confirmed running
	SessionPaused     SessionState = "PAUSED"     // device visibility lost mid-session
	SessionFinalizing SessionState = "FINALIZING" // record stopped, automation handed off
	SessionCompleted  SessionState = "COMPLETED"  // terminal
	SessionError      SessionState = "ERROR"      // absorbing, cleared by acknowledgement
)

// Terminal reports whether the state ends the session lifecycle.
func (s SessionState) Terminal() bool {
	return s == SessionCompleted
}

// CanTransitionSession enforces the allowed session transitions. ERROR is
// reachable from any non-terminal state and is handled by the caller.
func CanTransitionSession(from, to SessionState) bool {
	if to == SessionError {
		return from != SessionCompleted
	}
	switch from {
	case SessionIdle:
		return to == SessionPreparing
	case SessionPreparing:
		return to == SessionActive || to == SessionIdle
	case SessionActive:
		return to == SessionPaused || to == SessionFinalizing
	case SessionPaused:
		return to == SessionActive || to == SessionFinalizing
	case SessionFinalizing:
		// ACTIVE is the recovery rewrite after an interrupted automation run.
		return to == SessionCompleted || to == SessionActive
	case SessionCompleted:
		return to == SessionIdle
	case SessionError:
		return to == SessionIdle
	default:
		return false
	}
}

// PlatformProgress is a per-platform upload progress snapshot carried on the
// live session for dashboard display.
type PlatformProgress struct {
	Platform      string       `json:"platform"`
	BytesUploaded int64        `json:"bytes_uploaded"`
	TotalBytes    int64        `json:"total_bytes"`
	Status        UploadStatus `json:"status"`
}

// Session is the transient lifecycle tracker for the service happening right
// now. At most one exists at a time, always bound to a valid event.
type Session struct {
	EventID         string                      `json:"event_id"`
	State           SessionState                `json:"state"`
	StartedAt       *time.Time                  `json:"started_at,omitempty"`
	RecordDirectory string                      `json:"record_directory,omitempty"`
	RecordEndedAt   *time.Time                  `json:"record_ended_at,omitempty"`
	Progress        map[string]PlatformProgress `json:"progress,omitempty"`
	LastError       string                      `json:"last_error,omitempty"`
}
