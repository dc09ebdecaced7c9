package upload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/sermon-relay/backend/internal/models"
)

// memStore is an in-memory Store keyed by (event, platform).
type memStore struct {
	mu        sync.Mutex
	sessions  map[string]*models.UploadSession
	events    map[uuid.UUID]*models.ServiceEvent
	createErr error
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[string]*models.UploadSession),
		events:   make(map[uuid.UUID]*models.ServiceEvent),
	}
}

func key(eventID uuid.UUID, platform string) string { return eventID.String() + "/" + platform }

func (s *memStore) GetByID(ctx context.Context, id uuid.UUID) (*models.ServiceEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[id], nil
}

func (s *memStore) CreateUploadSession(ctx context.Context, u *models.UploadSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	cp := *u
	s.sessions[key(u.EventID, u.Platform)] = &cp
	return nil
}

func (s *memStore) GetUploadSession(ctx context.Context, eventID uuid.UUID, platform string) (*models.UploadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.sessions[key(eventID, platform)]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (s *memStore) ClaimUpload(ctx context.Context, eventID uuid.UUID, platform string) (*models.UploadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.sessions[key(eventID, platform)]
	if !ok {
		return nil, nil
	}
	switch u.Status {
	case models.UploadStatusPending, models.UploadStatusPaused, models.UploadStatusFailed:
		u.Status = models.UploadStatusUploading
		u.Error = ""
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (s *memStore) SetUploadHandle(ctx context.Context, id uuid.UUID, handle string) error {
	return s.mutate(id, func(u *models.UploadSession) { u.ResumeHandle = handle })
}

func (s *memStore) RecordProgress(ctx context.Context, id uuid.UUID, bytesUploaded int64) error {
	return s.mutate(id, func(u *models.UploadSession) {
		if u.Status == models.UploadStatusUploading && bytesUploaded > u.BytesUploaded {
			u.BytesUploaded = bytesUploaded
		}
	})
}

func (s *memStore) TransitionUpload(ctx context.Context, id uuid.UUID, to models.UploadStatus) error {
	return s.mutate(id, func(u *models.UploadSession) { u.Status = to })
}

func (s *memStore) CompleteUpload(ctx context.Context, id uuid.UUID, videoID, videoURL string) error {
	return s.mutate(id, func(u *models.UploadSession) {
		u.Status = models.UploadStatusCompleted
		u.VideoID = videoID
		u.VideoURL = videoURL
	})
}

func (s *memStore) FailUpload(ctx context.Context, id uuid.UUID, msg string) error {
	return s.mutate(id, func(u *models.UploadSession) {
		u.Status = models.UploadStatusFailed
		u.Error = msg
	})
}

func (s *memStore) CancelUpload(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, u := range s.sessions {
		if u.ID == id {
			delete(s.sessions, k)
			return nil
		}
	}
	return nil
}

func (s *memStore) mutate(id uuid.UUID, fn func(*models.UploadSession)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.sessions {
		if u.ID == id {
			fn(u)
			return nil
		}
	}
	return errors.New("session not found")
}

func (s *memStore) session(eventID uuid.UUID, platform string) models.UploadSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.sessions[key(eventID, platform)]
	if u == nil {
		return models.UploadSession{}
	}
	return *u
}

// fakePlatform drives the manager without network.
type fakePlatform struct {
	name         string
	beginCalls   int
	offsetErr    error
	remoteOffset int64
	uploadErr    error
	finalizeErr  error
	finalized    bool
	cancelled    bool
	gotOffset    int64
}

func (p *fakePlatform) Name() string { return p.name }

func (p *fakePlatform) Begin(ctx context.Context, filePath string, fileSize int64, meta Metadata) (string, error) {
	p.beginCalls++
	return p.name + "-handle", nil
}

func (p *fakePlatform) RemoteOffset(ctx context.Context, handle string, fileSize int64) (int64, error) {
	return p.remoteOffset, p.offsetErr
}

func (p *fakePlatform) Upload(ctx context.Context, handle, filePath string, fileSize, offset int64, progress ProgressFunc) (Result, error) {
	p.gotOffset = offset
	if p.uploadErr != nil {
		return Result{}, p.uploadErr
	}
	if progress != nil {
		progress(fileSize, fileSize)
	}
	return Result{VideoID: "vid", VideoURL: "https://example.com/vid"}, nil
}

func (p *fakePlatform) Finalize(ctx context.Context, res Result, meta Metadata) error {
	p.finalized = true
	return p.finalizeErr
}

func (p *fakePlatform) EndBroadcast(ctx context.Context, broadcastID string) error { return nil }

func (p *fakePlatform) Cancel(ctx context.Context, handle string) error {
	p.cancelled = true
	return nil
}

func managerEvent(t *testing.T, store *memStore) (*models.ServiceEvent, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "service.mp4")
	if err := os.WriteFile(path, make([]byte, 4096), 0o644); err != nil {
		t.Fatal(err)
	}
	e := &models.ServiceEvent{
		ID:         uuid.New(),
		Title:      "Sunday Service",
		Date:       "2026-03-01",
		Visibility: "unlisted",
		AutoUpload: true,
	}
	store.events[e.ID] = e
	return e, path
}

func TestEnqueueAllPlatformsCreatesOnePerPlatform(t *testing.T) {
	store := newMemStore()
	event, path := managerEvent(t, store)
	m := NewManager(store, []Platform{
		&fakePlatform{name: "youtube"},
		&fakePlatform{name: "s3-archive"},
	}, nil, nil)

	if errs := m.EnqueueAllPlatforms(context.Background(), event, path, 4096); len(errs) != 0 {
		t.Fatalf("errs = %v", errs)
	}
	for _, platform := range []string{"youtube", "s3-archive"} {
		u := store.session(event.ID, platform)
		if u.Status != models.UploadStatusPending {
			t.Fatalf("%s status = %s, want pending", platform, u.Status)
		}
		if u.FileSize != 4096 || u.FilePath != path {
			t.Fatalf("%s file fields wrong: %+v", platform, u)
		}
	}

	// Re-running must not fork second sessions.
	if errs := m.EnqueueAllPlatforms(context.Background(), event, path, 4096); len(errs) != 0 {
		t.Fatalf("second enqueue errs = %v", errs)
	}
	if len(store.sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(store.sessions))
	}
}

func TestEnqueueErrorsAreIsolated(t *testing.T) {
	store := newMemStore()
	event, path := managerEvent(t, store)
	m := NewManager(store, []Platform{&fakePlatform{name: "youtube"}}, nil, nil)

	store.createErr = errors.New("disk full")
	errs := m.EnqueueAllPlatforms(context.Background(), event, path, 4096)
	if len(errs) != 1 {
		t.Fatalf("errs = %v, want one collected error", errs)
	}
}

func TestUploadRecordingHappyPath(t *testing.T) {
	store := newMemStore()
	event, path := managerEvent(t, store)
	yt := &fakePlatform{name: "youtube"}
	m := NewManager(store, []Platform{yt}, nil, nil)

	m.EnqueueAllPlatforms(context.Background(), event, path, 4096)
	claimed, err := m.UploadRecording(context.Background(), event.ID, "youtube")
	if err != nil {
		t.Fatal(err)
	}
	if !claimed {
		t.Fatal("session not claimed")
	}

	u := store.session(event.ID, "youtube")
	if u.Status != models.UploadStatusCompleted {
		t.Fatalf("status = %s, want completed", u.Status)
	}
	if u.VideoURL != "https://example.com/vid" {
		t.Fatalf("video url = %s", u.VideoURL)
	}
	if u.ResumeHandle != "youtube-handle" {
		t.Fatalf("resume handle = %s", u.ResumeHandle)
	}
	if !yt.finalized {
		t.Fatal("finalize not called")
	}
}

func TestUploadRecordingNotClaimableIsNoOp(t *testing.T) {
	store := newMemStore()
	event, path := managerEvent(t, store)
	yt := &fakePlatform{name: "youtube"}
	m := NewManager(store, []Platform{yt}, nil, nil)

	m.EnqueueAllPlatforms(context.Background(), event, path, 4096)
	store.sessions[key(event.ID, "youtube")].Status = models.UploadStatusUploading

	claimed, err := m.UploadRecording(context.Background(), event.ID, "youtube")
	if err != nil {
		t.Fatal(err)
	}
	if claimed {
		t.Fatal("claimed a session already in flight")
	}
	if yt.beginCalls != 0 {
		t.Fatal("network transfer started despite failed claim")
	}
}

func TestUploadRecordingFailureMarksFailed(t *testing.T) {
	store := newMemStore()
	event, path := managerEvent(t, store)
	yt := &fakePlatform{name: "youtube", uploadErr: errors.New("quota exceeded")}
	m := NewManager(store, []Platform{yt}, nil, nil)

	m.EnqueueAllPlatforms(context.Background(), event, path, 4096)
	claimed, err := m.UploadRecording(context.Background(), event.ID, "youtube")
	if !claimed {
		t.Fatal("session should have been claimed")
	}
	if err == nil {
		t.Fatal("expected upload error")
	}

	u := store.session(event.ID, "youtube")
	if u.Status != models.UploadStatusFailed {
		t.Fatalf("status = %s, want failed", u.Status)
	}
	if u.Error == "" {
		t.Fatal("error string not recorded")
	}
}

func TestUploadRecordingResumesFromHandle(t *testing.T) {
	store := newMemStore()
	event, path := managerEvent(t, store)
	yt := &fakePlatform{name: "youtube", remoteOffset: 2048}
	m := NewManager(store, []Platform{yt}, nil, nil)

	m.EnqueueAllPlatforms(context.Background(), event, path, 4096)
	store.sessions[key(event.ID, "youtube")].ResumeHandle = "old-handle"
	store.sessions[key(event.ID, "youtube")].Status = models.UploadStatusFailed

	if _, err := m.UploadRecording(context.Background(), event.ID, "youtube"); err != nil {
		t.Fatal(err)
	}
	if yt.beginCalls != 0 {
		t.Fatal("begin called despite valid resume handle")
	}
	if yt.gotOffset != 2048 {
		t.Fatalf("upload offset = %d, want 2048", yt.gotOffset)
	}
}

func TestStaleHandleRestartsUpload(t *testing.T) {
	store := newMemStore()
	event, path := managerEvent(t, store)
	yt := &fakePlatform{name: "youtube", offsetErr: errors.New("410 gone")}
	m := NewManager(store, []Platform{yt}, nil, nil)

	m.EnqueueAllPlatforms(context.Background(), event, path, 4096)
	store.sessions[key(event.ID, "youtube")].ResumeHandle = "expired"

	if _, err := m.UploadRecording(context.Background(), event.ID, "youtube"); err != nil {
		t.Fatal(err)
	}
	if yt.beginCalls != 1 {
		t.Fatal("expired handle should restart with a fresh Begin")
	}
	if yt.gotOffset != 0 {
		t.Fatalf("upload offset = %d, want 0 after restart", yt.gotOffset)
	}
}

func TestFinalizeFailureIsNonFatal(t *testing.T) {
	store := newMemStore()
	event, path := managerEvent(t, store)
	yt := &fakePlatform{name: "youtube", finalizeErr: errors.New("api says no")}
	m := NewManager(store, []Platform{yt}, nil, nil)

	m.EnqueueAllPlatforms(context.Background(), event, path, 4096)
	if _, err := m.UploadRecording(context.Background(), event.ID, "youtube"); err != nil {
		t.Fatal(err)
	}
	// The bytes landed; a failed publish step must not discard them.
	if got := store.session(event.ID, "youtube").Status; got != models.UploadStatusCompleted {
		t.Fatalf("status = %s, want completed", got)
	}
}

func TestCancelAbortsPlatformAndRemovesSession(t *testing.T) {
	store := newMemStore()
	event, path := managerEvent(t, store)
	yt := &fakePlatform{name: "youtube"}
	m := NewManager(store, []Platform{yt}, nil, nil)

	m.EnqueueAllPlatforms(context.Background(), event, path, 4096)
	store.sessions[key(event.ID, "youtube")].ResumeHandle = "h"

	if err := m.Cancel(context.Background(), event.ID, "youtube"); err != nil {
		t.Fatal(err)
	}
	if !yt.cancelled {
		t.Fatal("platform cancel not called")
	}
	if len(store.sessions) != 0 {
		t.Fatal("session row not removed")
	}
}

func TestProgressHookReceivesSnapshots(t *testing.T) {
	store := newMemStore()
	event, path := managerEvent(t, store)
	yt := &fakePlatform{name: "youtube"}
	var seen []models.PlatformProgress
	m := NewManager(store, []Platform{yt}, func(id uuid.UUID, p models.PlatformProgress) {
		seen = append(seen, p)
	}, nil)

	m.EnqueueAllPlatforms(context.Background(), event, path, 4096)
	if _, err := m.UploadRecording(context.Background(), event.ID, "youtube"); err != nil {
		t.Fatal(err)
	}
	if len(seen) == 0 {
		t.Fatal("no progress emitted")
	}
	last := seen[len(seen)-1]
	if last.Status != models.UploadStatusCompleted || last.BytesUploaded != 4096 {
		t.Fatalf("final progress = %+v", last)
	}
}
