package uploader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sermon-relay/backend/internal/models"
)

type fakeQueue struct {
	mu       sync.Mutex
	sessions []models.UploadSession
}

func (q *fakeQueue) ListPendingUploads(ctx context.Context) ([]models.UploadSession, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.UploadSession, len(q.sessions))
	copy(out, q.sessions)
	return out, nil
}

func (q *fakeQueue) setStatus(id uuid.UUID, status models.UploadStatus) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.sessions {
		if q.sessions[i].ID == id {
			q.sessions[i].Status = status
		}
	}
}

func (q *fakeQueue) remove(id uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.sessions[:0]
	for _, s := range q.sessions {
		if s.ID != id {
			kept = append(kept, s)
		}
	}
	q.sessions = kept
}

type fakeRunner struct {
	mu    sync.Mutex
	queue *fakeQueue
	runs  []string
	fail  map[string]error
}

func (r *fakeRunner) UploadRecording(ctx context.Context, eventID uuid.UUID, platform string) (bool, error) {
	r.mu.Lock()
	r.runs = append(r.runs, platform)
	err := r.fail[platform]
	r.mu.Unlock()

	r.queue.mu.Lock()
	var id uuid.UUID
	found := false
	for _, s := range r.queue.sessions {
		if s.EventID == eventID && s.Platform == platform {
			id = s.ID
			found = true
			break
		}
	}
	r.queue.mu.Unlock()
	if !found {
		return false, nil
	}
	if err != nil {
		r.queue.setStatus(id, models.UploadStatusFailed)
		return true, err
	}
	r.queue.remove(id)
	return true, nil
}

func (r *fakeRunner) runCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

type fakeGate struct{ active bool }

func (g *fakeGate) StreamingActive() bool { return g.active }

func pendingSession(platform string) models.UploadSession {
	return models.UploadSession{
		ID:       uuid.New(),
		EventID:  uuid.New(),
		Platform: platform,
		Status:   models.UploadStatusPending,
	}
}

func TestDrainWorksThroughQueue(t *testing.T) {
	q := &fakeQueue{sessions: []models.UploadSession{
		pendingSession("youtube"),
		pendingSession("s3-archive"),
	}}
	r := &fakeRunner{queue: q}
	u := New(q, r, nil, 0, 0, time.Second, nil)

	u.drain(context.Background())

	if r.runCount() != 2 {
		t.Fatalf("runs = %d, want 2", r.runCount())
	}
	if len(q.sessions) != 0 {
		t.Fatalf("sessions left = %d, want 0", len(q.sessions))
	}
	// Order follows the queue: one at a time, in list order.
	if r.runs[0] != "youtube" || r.runs[1] != "s3-archive" {
		t.Fatalf("run order = %v", r.runs)
	}
}

func TestFailedUploadStaysQueued(t *testing.T) {
	// There is no retry cap and no backoff beyond the idle delay: a failing
	// item is retried on every pass until cancelled or conditions change.
	q := &fakeQueue{sessions: []models.UploadSession{pendingSession("youtube")}}
	r := &fakeRunner{queue: q, fail: map[string]error{"youtube": errors.New("quota")}}
	u := New(q, r, nil, 0, 0, time.Second, nil)

	u.drain(context.Background())
	if len(q.sessions) != 1 || q.sessions[0].Status != models.UploadStatusFailed {
		t.Fatal("failed session should stay queued with status failed")
	}

	u.drain(context.Background())
	if r.runCount() != 2 {
		t.Fatalf("runs = %d, want a retry on the second pass", r.runCount())
	}
}

func TestStreamActiveHoldsNewUploads(t *testing.T) {
	q := &fakeQueue{sessions: []models.UploadSession{pendingSession("youtube")}}
	r := &fakeRunner{queue: q}
	gate := &fakeGate{active: true}
	u := New(q, r, gate, 0, 0, time.Second, nil)

	u.drain(context.Background())
	if r.runCount() != 0 {
		t.Fatal("upload started while stream active")
	}

	gate.active = false
	u.drain(context.Background())
	if r.runCount() != 1 {
		t.Fatal("upload did not start after stream ended")
	}
}

func TestNextEligibleSkipsTerminalAndInFlight(t *testing.T) {
	uploading := pendingSession("youtube")
	uploading.Status = models.UploadStatusUploading
	processing := pendingSession("youtube")
	processing.Status = models.UploadStatusProcessing
	paused := pendingSession("s3-archive")
	paused.Status = models.UploadStatusPaused

	got := nextEligible([]models.UploadSession{uploading, processing, paused})
	if got == nil || got.ID != paused.ID {
		t.Fatalf("nextEligible = %+v, want the paused session", got)
	}

	if nextEligible([]models.UploadSession{uploading, processing}) != nil {
		t.Fatal("nothing should be eligible")
	}
}

func TestWakeCoalesces(t *testing.T) {
	u := New(&fakeQueue{}, &fakeRunner{queue: &fakeQueue{}}, nil, 0, 0, time.Second, nil)
	// Must not block no matter how many wakes pile up.
	for i := 0; i < 10; i++ {
		u.Wake()
	}
	select {
	case <-u.wake:
	default:
		t.Fatal("wake signal lost")
	}
	select {
	case <-u.wake:
		t.Fatal("wake not coalesced")
	default:
	}
}

func TestWakeTriggersImmediateScan(t *testing.T) {
	q := &fakeQueue{}
	r := &fakeRunner{queue: q}
	u := New(q, r, nil, 0, 0, time.Hour, nil) // idle delay long enough to never fire

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		u.Run(ctx)
		close(done)
	}()

	// Add work after the first (empty) pass, then wake.
	time.Sleep(20 * time.Millisecond)
	q.mu.Lock()
	q.sessions = append(q.sessions, pendingSession("youtube"))
	q.mu.Unlock()
	u.Wake()

	deadline := time.After(2 * time.Second)
	for r.runCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("wake did not trigger a scan")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}
