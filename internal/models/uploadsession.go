package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UploadStatus is the lifecycle state of one platform upload.
type UploadStatus string

const (
	UploadStatusPending    UploadStatus = "pending"
	UploadStatusUploading  UploadStatus = "uploading"
	UploadStatusPaused     UploadStatus = "paused"
	UploadStatusProcessing UploadStatus = "processing"
	UploadStatusCompleted  UploadStatus = "completed"
	UploadStatusFailed     UploadStatus = "failed"
)

// Platform identifiers for upload destinations.
const (
	PlatformYouTube = "youtube"
	PlatformArchive = "s3-archive"
)

// CanTransitionUpload enforces the allowed upload status transitions. Keep the
// table explicit; invalid transitions are rejected at the point of mutation.
func CanTransitionUpload(from, to UploadStatus) bool {
	switch from {
	case UploadStatusPending:
		return to == UploadStatusUploading || to == UploadStatusFailed
	case UploadStatusUploading:
		return to == UploadStatusProcessing || to == UploadStatusPaused ||
			to == UploadStatusCompleted || to == UploadStatusFailed
	case UploadStatusPaused:
		return to == UploadStatusUploading || to == UploadStatusFailed
	case UploadStatusProcessing:
		return to == UploadStatusCompleted || to == UploadStatusFailed
	case UploadStatusFailed:
		// Failed items stay in the queue and become eligible again when
		// conditions change (platform reconnect, manual retry).
		return to == UploadStatusUploading
	case UploadStatusCompleted:
		return false
	default:
		return false
	}
}

// UploadSession is the persisted, resumable record of one platform upload
// attached to one event. At most one session per (event, platform) is ever
// uploading; fileSize is fixed at creation; bytesUploaded only grows while
// uploading.
type UploadSession struct {
	ID       uuid.UUID `json:"id"`
	EventID  uuid.UUID `json:"event_id"`
	Platform string    `json:"platform"`

	FilePath string `json:"file_path"`
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`

	// Destination metadata.
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Visibility  string   `json:"visibility"`
	Tags        []string `json:"tags,omitempty"`

	// ResumeHandle is the opaque platform token (YouTube upload URI, S3
	// multipart upload id) persisted before the first byte is sent.
	ResumeHandle  string       `json:"resume_handle,omitempty"`
	BytesUploaded int64        `json:"bytes_uploaded"`
	Status        UploadStatus `json:"status"`
	Error         string       `json:"error,omitempty"`

	VideoID  string `json:"video_id,omitempty"`
	VideoURL string `json:"video_url,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks invariants that must hold regardless of status.
func (s *UploadSession) Validate() error {
	if s.EventID == uuid.Nil {
		return fmt.Errorf("upload session %s: missing event id", s.ID)
	}
	if s.Platform == "" {
		return fmt.Errorf("upload session %s: missing platform", s.ID)
	}
	if s.BytesUploaded > s.FileSize {
		return fmt.Errorf("upload session %s: bytes uploaded %d exceeds file size %d",
			s.ID, s.BytesUploaded, s.FileSize)
	}
	if s.Status == UploadStatusCompleted && s.VideoID == "" && s.Platform == PlatformYouTube {
		return fmt.Errorf("upload session %s: completed without video id", s.ID)
	}
	return nil
}
