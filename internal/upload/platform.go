package upload

import "context"

// Metadata describes the destination listing for an upload.
type Metadata struct {
	Title       string
	Description string
	Visibility  string
	Tags        []string
}

// ProgressFunc receives cumulative transfer progress.
type ProgressFunc func(bytesUploaded, totalBytes int64)

// Result carries the published identifiers after a transfer completes.
type Result struct {
	VideoID  string
	VideoURL string
}

// Platform is one upload destination. Handles are opaque strings persisted on
// the upload session before the first byte goes out, so an interrupted
// transfer resumes instead of restarting.
type Platform interface {
	Name() string

	// Begin creates a resumable handle for the file.
	Begin(ctx context.Context, filePath string, fileSize int64, meta Metadata) (string, error)

	// RemoteOffset reports how many bytes the platform already holds for the
	// handle. fileSize equal to the returned offset means the transfer is
	// already complete on the remote side.
	RemoteOffset(ctx context.Context, handle string, fileSize int64) (int64, error)

	// Upload transfers the file from offset, reporting progress as bytes are
	// acknowledged. Returns the published identifiers once complete.
	Upload(ctx context.Context, handle, filePath string, fileSize, offset int64, progress ProgressFunc) (Result, error)

	// Finalize makes the uploaded content live per the metadata. Failures
	// here are non-fatal to the workflow: the bytes are already safe.
	Finalize(ctx context.Context, res Result, meta Metadata) error

	// EndBroadcast closes out a live broadcast on the platform.
	EndBroadcast(ctx context.Context, broadcastID string) error

	// Cancel abandons the handle.
	Cancel(ctx context.Context, handle string) error
}
