package upload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sermon-relay/backend/internal/models"
)

// Store is the persistence surface the manager needs. The events repository
// satisfies it.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.ServiceEvent, error)
	CreateUploadSession(ctx context.Context, s *models.UploadSession) error
	GetUploadSession(ctx context.Context, eventID uuid.UUID, platform string) (*models.UploadSession, error)
	ClaimUpload(ctx context.Context, eventID uuid.UUID, platform string) (*models.UploadSession, error)
	SetUploadHandle(ctx context.Context, id uuid.UUID, handle string) error
	RecordProgress(ctx context.Context, id uuid.UUID, bytesUploaded int64) error
	TransitionUpload(ctx context.Context, id uuid.UUID, to models.UploadStatus) error
	CompleteUpload(ctx context.Context, id uuid.UUID, videoID, videoURL string) error
	FailUpload(ctx context.Context, id uuid.UUID, msg string) error
	CancelUpload(ctx context.Context, id uuid.UUID) error
}

// ProgressHook receives per-platform progress snapshots for dashboard fanout.
type ProgressHook func(eventID uuid.UUID, p models.PlatformProgress)

// Manager coordinates uploads across the configured platforms. Platform
// failures are isolated: one destination failing never aborts the others.
type Manager struct {
	store     Store
	platforms map[string]Platform
	progress  ProgressHook
	logger    *zap.Logger
}

// NewManager creates a Manager over the given platform adapters.
func NewManager(store Store, platforms []Platform, progress ProgressHook, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	byName := make(map[string]Platform, len(platforms))
	for _, p := range platforms {
		byName[p.Name()] = p
	}
	return &Manager{store: store, platforms: byName, progress: progress, logger: logger}
}

// Platforms returns the names of the configured destinations.
func (m *Manager) Platforms() []string {
	names := make([]string, 0, len(m.platforms))
	for name := range m.platforms {
		names = append(names, name)
	}
	return names
}

// HasPlatforms reports whether at least one destination is configured.
func (m *Manager) HasPlatforms() bool { return len(m.platforms) > 0 }

// EnqueueAllPlatforms creates (or reuses) an upload session per configured
// platform for the given recording. Sessions start pending; the background
// uploader drains them. Per-platform errors are collected, not thrown.
func (m *Manager) EnqueueAllPlatforms(ctx context.Context, event *models.ServiceEvent, filePath string, fileSize int64) []error {
	var errs []error
	for name := range m.platforms {
		existing, err := m.store.GetUploadSession(ctx, event.ID, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: lookup: %w", name, err))
			continue
		}
		if existing != nil {
			continue
		}
		s := &models.UploadSession{
			ID:          uuid.New(),
			EventID:     event.ID,
			Platform:    name,
			FilePath:    filePath,
			FileName:    filepath.Base(filePath),
			FileSize:    fileSize,
			Title:       uploadTitle(event),
			Description: uploadDescription(event),
			Visibility:  event.Visibility,
			Tags:        event.Scriptures,
			Status:      models.UploadStatusPending,
		}
		if err := m.store.CreateUploadSession(ctx, s); err != nil {
			errs = append(errs, fmt.Errorf("%s: create session: %w", name, err))
			continue
		}
		m.logger.Info("upload queued",
			zap.String("event_id", event.ID.String()),
			zap.String("platform", name),
			zap.String("file", s.FileName))
	}
	return errs
}

// UploadRecording claims and runs one (event, platform) upload end to end.
// It returns (false, nil) when the session was not claimable, i.e. another
// worker holds it or it already completed.
func (m *Manager) UploadRecording(ctx context.Context, eventID uuid.UUID, platform string) (bool, error) {
	p, ok := m.platforms[platform]
	if !ok {
		return false, fmt.Errorf("unknown platform %q", platform)
	}

	s, err := m.store.ClaimUpload(ctx, eventID, platform)
	if err != nil {
		return false, fmt.Errorf("claim upload: %w", err)
	}
	if s == nil {
		return false, nil
	}

	if err := m.runUpload(ctx, p, s); err != nil {
		if ferr := m.store.FailUpload(ctx, s.ID, err.Error()); ferr != nil {
			m.logger.Error("record upload failure", zap.Error(ferr))
		}
		m.emit(s.EventID, models.PlatformProgress{
			Platform: platform, BytesUploaded: s.BytesUploaded, TotalBytes: s.FileSize,
			Status: models.UploadStatusFailed,
		})
		return true, err
	}
	return true, nil
}

func (m *Manager) runUpload(ctx context.Context, p Platform, s *models.UploadSession) error {
	info, err := os.Stat(s.FilePath)
	if err != nil {
		return fmt.Errorf("stat recording: %w", err)
	}
	fileSize := info.Size()

	meta := Metadata{
		Title:       s.Title,
		Description: s.Description,
		Visibility:  s.Visibility,
		Tags:        s.Tags,
	}

	handle := s.ResumeHandle
	var offset int64
	if handle != "" {
		offset, err = p.RemoteOffset(ctx, handle, fileSize)
		if err != nil {
			// Stale or expired handle: start over rather than fail.
			m.logger.Warn("resume handle rejected, restarting upload",
				zap.String("platform", p.Name()), zap.Error(err))
			handle = ""
		}
	}
	if handle == "" {
		handle, err = p.Begin(ctx, s.FilePath, fileSize, meta)
		if err != nil {
			return fmt.Errorf("begin upload: %w", err)
		}
		offset = 0
		// Persist before the first byte so a crash mid-transfer resumes
		// instead of re-sending the file.
		if err := m.store.SetUploadHandle(ctx, s.ID, handle); err != nil {
			return fmt.Errorf("persist resume handle: %w", err)
		}
	}

	m.logger.Info("upload starting",
		zap.String("event_id", s.EventID.String()),
		zap.String("platform", p.Name()),
		zap.Int64("offset", offset),
		zap.Int64("size", fileSize))

	res, err := p.Upload(ctx, handle, s.FilePath, fileSize, offset, func(sent, total int64) {
		s.BytesUploaded = sent
		if perr := m.store.RecordProgress(ctx, s.ID, sent); perr != nil {
			m.logger.Warn("record progress", zap.Error(perr))
		}
		m.emit(s.EventID, models.PlatformProgress{
			Platform: p.Name(), BytesUploaded: sent, TotalBytes: total,
			Status: models.UploadStatusUploading,
		})
	})
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}

	if err := m.store.TransitionUpload(ctx, s.ID, models.UploadStatusProcessing); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	m.emit(s.EventID, models.PlatformProgress{
		Platform: p.Name(), BytesUploaded: fileSize, TotalBytes: fileSize,
		Status: models.UploadStatusProcessing,
	})

	// The bytes are on the platform; a failed publish step should not
	// discard the transfer.
	if err := p.Finalize(ctx, res, meta); err != nil {
		m.logger.Warn("finalize failed, upload kept",
			zap.String("platform", p.Name()), zap.Error(err))
	}

	if err := m.store.CompleteUpload(ctx, s.ID, res.VideoID, res.VideoURL); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	m.emit(s.EventID, models.PlatformProgress{
		Platform: p.Name(), BytesUploaded: fileSize, TotalBytes: fileSize,
		Status: models.UploadStatusCompleted,
	})
	m.logger.Info("upload completed",
		zap.String("event_id", s.EventID.String()),
		zap.String("platform", p.Name()),
		zap.String("video_url", res.VideoURL))
	return nil
}

// Cancel aborts the platform-side upload if one is in flight and removes the
// session row. The status guard on progress writes keeps a concurrently
// running transfer from resurrecting the row.
func (m *Manager) Cancel(ctx context.Context, eventID uuid.UUID, platform string) error {
	s, err := m.store.GetUploadSession(ctx, eventID, platform)
	if err != nil {
		return err
	}
	if s == nil {
		return nil
	}
	if s.ResumeHandle != "" && s.Status != models.UploadStatusCompleted {
		if p, ok := m.platforms[platform]; ok {
			if err := p.Cancel(ctx, s.ResumeHandle); err != nil {
				m.logger.Warn("platform cancel", zap.String("platform", platform), zap.Error(err))
			}
		}
	}
	return m.store.CancelUpload(ctx, s.ID)
}

// EndBroadcast transitions the event's live broadcast to complete on every
// platform that has one. Best effort.
func (m *Manager) EndBroadcast(ctx context.Context, event *models.ServiceEvent) {
	if event.BroadcastID == "" {
		return
	}
	for name, p := range m.platforms {
		if err := p.EndBroadcast(ctx, event.BroadcastID); err != nil {
			m.logger.Warn("end broadcast",
				zap.String("platform", name),
				zap.String("broadcast_id", event.BroadcastID),
				zap.Error(err))
		}
	}
}

func (m *Manager) emit(eventID uuid.UUID, p models.PlatformProgress) {
	if m.progress != nil {
		m.progress(eventID, p)
	}
}

func uploadTitle(e *models.ServiceEvent) string {
	if e.Speaker != "" {
		return fmt.Sprintf("%s - %s (%s)", e.Title, e.Speaker, e.Date)
	}
	return fmt.Sprintf("%s (%s)", e.Title, e.Date)
}

func uploadDescription(e *models.ServiceEvent) string {
	var b strings.Builder
	b.WriteString(e.Description)
	if len(e.Scriptures) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("Scriptures: ")
		b.WriteString(strings.Join(e.Scriptures, ", "))
	}
	return b.String()
}
