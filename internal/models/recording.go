package models

import "time"

// RecordingFile is a filesystem artifact candidate for upload. Not persisted
// standalone; referenced by value from upload sessions and the live session.
type RecordingFile struct {
	Path       string    `json:"path"`
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	Duration   float64   `json:"duration"` // seconds, probed or estimated
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}
