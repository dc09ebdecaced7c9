package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sermon-relay/backend/internal/device"
	"github.com/sermon-relay/backend/internal/models"
)

type fakeStore struct {
	mu          sync.Mutex
	today       *models.ServiceEvent
	todayErr    error
	states      []models.SessionState
	startedAt   *time.Time
	recordDir   *string
	recordEnded *time.Time
}

func (s *fakeStore) TodayEvent(ctx context.Context, now time.Time) (*models.ServiceEvent, error) {
	return s.today, s.todayErr
}

func (s *fakeStore) SetSessionState(ctx context.Context, id uuid.UUID, state models.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
	return nil
}

func (s *fakeStore) SetSessionStarted(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startedAt = &at
	return nil
}

func (s *fakeStore) SetRecordEnded(ctx context.Context, id uuid.UUID, dir string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordDir = &dir
	s.recordEnded = &at
	return nil
}

func (s *fakeStore) SetCompletionError(ctx context.Context, id uuid.UUID, msg string) error {
	return nil
}

func (s *fakeStore) persistedStates() []models.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.SessionState, len(s.states))
	copy(out, s.states)
	return out
}

type fakeQuerier struct {
	dir    string
	dirErr error
}

func (q *fakeQuerier) RecordDirectory(timeout time.Duration) (string, error) {
	return q.dir, q.dirErr
}

func (q *fakeQuerier) LastRecordingPath(timeout time.Duration) (string, error) {
	return "", nil
}

type fakeAutomation struct {
	mu        sync.Mutex
	shouldRun bool
	triggers  []uuid.UUID
}

func (a *fakeAutomation) ShouldRun(event *models.ServiceEvent, duration time.Duration) bool {
	return a.shouldRun
}

func (a *fakeAutomation) Trigger(eventID uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.triggers = append(a.triggers, eventID)
}

func (a *fakeAutomation) triggerCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.triggers)
}

func todayEvent(now time.Time) *models.ServiceEvent {
	return &models.ServiceEvent{
		ID:            uuid.New(),
		Title:         "Sunday Service",
		Date:          now.Format("2006-01-02"),
		AutoUpload:    true,
		Visibility:    "unlisted",
		SessionState:  models.SessionIdle,
		SchemaVersion: models.SchemaVersion,
	}
}

func newTestMachine(t *testing.T, store *fakeStore, auto *fakeAutomation, now time.Time) *Machine {
	t.Helper()
	m := NewMachine(store, &fakeQuerier{dir: "/recordings"}, auto, nil, nil)
	m.SetClock(func() time.Time { return now })
	return m
}

func connected(stream, record bool) device.Signal {
	return device.Signal{Type: device.SignalConnected, StreamActive: stream, RecordActive: record}
}

func recordEdge(state device.OutputState) device.Signal {
	return device.Signal{Type: device.SignalRecordState, Output: state}
}

func streamEdge(state device.OutputState) device.Signal {
	return device.Signal{Type: device.SignalStreamState, Output: state}
}

func TestConnectBindsTodayEvent(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	event := todayEvent(now)
	store := &fakeStore{today: event}
	m := newTestMachine(t, store, &fakeAutomation{}, now)

	m.Handle(ctx, connected(false, false))

	snap := m.Snapshot()
	if snap.State != models.SessionPreparing {
		t.Fatalf("state = %s, want PREPARING", snap.State)
	}
	if snap.EventID != event.ID.String() {
		t.Fatalf("bound event = %s, want %s", snap.EventID, event.ID)
	}
}

func TestConnectWithoutEventStaysIdle(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := &fakeStore{}
	m := newTestMachine(t, store, &fakeAutomation{}, now)

	m.Handle(ctx, connected(false, false))

	if got := m.Snapshot().State; got != models.SessionIdle {
		t.Fatalf("state = %s, want IDLE", got)
	}
}

func TestNeverActiveWithoutPreparing(t *testing.T) {
	// A record start arriving before the device connect must not open a
	// session: there is no bound event to attribute it to.
	ctx := context.Background()
	now := time.Now()
	store := &fakeStore{today: todayEvent(now)}
	m := newTestMachine(t, store, &fakeAutomation{}, now)

	m.Handle(ctx, recordEdge(device.OutputStarted))

	if got := m.Snapshot().State; got != models.SessionIdle {
		t.Fatalf("state = %s, want IDLE", got)
	}
	for _, s := range store.persistedStates() {
		if s == models.SessionActive {
			t.Fatal("ACTIVE persisted without PREPARING")
		}
	}
}

func TestRecordStartOpensSession(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := &fakeStore{today: todayEvent(now)}
	m := newTestMachine(t, store, &fakeAutomation{}, now)

	m.Handle(ctx, connected(false, false))
	m.Handle(ctx, recordEdge(device.OutputStarted))

	snap := m.Snapshot()
	if snap.State != models.SessionActive {
		t.Fatalf("state = %s, want ACTIVE", snap.State)
	}
	if snap.StartedAt == nil || !snap.StartedAt.Equal(now) {
		t.Fatalf("startedAt = %v, want %v", snap.StartedAt, now)
	}
	if store.startedAt == nil {
		t.Fatal("session start not persisted")
	}
}

func TestConnectWithOutputAlreadyRunning(t *testing.T) {
	// Joining late: the device was already recording when we connected, so
	// there will be no start edge.
	ctx := context.Background()
	now := time.Now()
	store := &fakeStore{today: todayEvent(now)}
	m := newTestMachine(t, store, &fakeAutomation{}, now)

	m.Handle(ctx, connected(false, true))

	if got := m.Snapshot().State; got != models.SessionActive {
		t.Fatalf("state = %s, want ACTIVE", got)
	}
}

func TestDisconnectDuringActivePauses(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := &fakeStore{today: todayEvent(now)}
	m := newTestMachine(t, store, &fakeAutomation{}, now)

	m.Handle(ctx, connected(false, false))
	m.Handle(ctx, recordEdge(device.OutputStarted))
	m.Handle(ctx, device.Signal{Type: device.SignalDisconnected})

	if got := m.Snapshot().State; got != models.SessionPaused {
		t.Fatalf("state = %s, want PAUSED", got)
	}
}

func TestReconnectResumesOnlyWithOutputConfirmed(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := &fakeStore{today: todayEvent(now)}
	m := newTestMachine(t, store, &fakeAutomation{}, now)

	m.Handle(ctx, connected(false, false))
	m.Handle(ctx, recordEdge(device.OutputStarted))
	m.Handle(ctx, device.Signal{Type: device.SignalDisconnected})

	// Reconnect with outputs stopped: stay paused.
	m.Handle(ctx, connected(false, false))
	if got := m.Snapshot().State; got != models.SessionPaused {
		t.Fatalf("state after dead reconnect = %s, want PAUSED", got)
	}

	// Reconnect with the recording confirmed running: resume.
	m.Handle(ctx, connected(false, true))
	if got := m.Snapshot().State; got != models.SessionActive {
		t.Fatalf("state after live reconnect = %s, want ACTIVE", got)
	}
}

func TestDisconnectDuringPreparingUnbinds(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := &fakeStore{today: todayEvent(now)}
	m := newTestMachine(t, store, &fakeAutomation{}, now)

	m.Handle(ctx, connected(false, false))
	m.Handle(ctx, device.Signal{Type: device.SignalDisconnected})

	snap := m.Snapshot()
	if snap.State != models.SessionIdle {
		t.Fatalf("state = %s, want IDLE", snap.State)
	}
	if snap.EventID != "" {
		t.Fatalf("event still bound: %s", snap.EventID)
	}
}

func TestRecordStopTriggersAutomation(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	now := start
	event := todayEvent(start)
	store := &fakeStore{today: event}
	auto := &fakeAutomation{shouldRun: true}
	m := newTestMachine(t, store, auto, now)
	m.SetClock(func() time.Time { return now })

	m.Handle(ctx, connected(false, false))
	m.Handle(ctx, recordEdge(device.OutputStarted))
	now = start.Add(90 * time.Minute)
	m.Handle(ctx, recordEdge(device.OutputStopped))

	if got := m.Snapshot().State; got != models.SessionFinalizing {
		t.Fatalf("state = %s, want FINALIZING", got)
	}
	if auto.triggerCount() != 1 {
		t.Fatalf("automation triggered %d times, want 1", auto.triggerCount())
	}
	if auto.triggers[0] != event.ID {
		t.Fatalf("triggered for %s, want %s", auto.triggers[0], event.ID)
	}
	if store.recordDir == nil || *store.recordDir != "/recordings" {
		t.Fatal("record directory not persisted")
	}
}

func TestDuplicateStopHasNoSecondEffect(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := &fakeStore{today: todayEvent(now)}
	auto := &fakeAutomation{shouldRun: true}
	m := newTestMachine(t, store, auto, now)

	m.Handle(ctx, connected(false, false))
	m.Handle(ctx, recordEdge(device.OutputStarted))
	m.Handle(ctx, recordEdge(device.OutputStopped))
	m.Handle(ctx, recordEdge(device.OutputStopped))

	if auto.triggerCount() != 1 {
		t.Fatalf("automation triggered %d times, want 1", auto.triggerCount())
	}
}

func TestStreamStopWhileRecordingContinues(t *testing.T) {
	// The stream ending mid-service must not finalize while the recording
	// is still rolling.
	ctx := context.Background()
	now := time.Now()
	store := &fakeStore{today: todayEvent(now)}
	auto := &fakeAutomation{shouldRun: true}
	m := newTestMachine(t, store, auto, now)

	m.Handle(ctx, connected(false, false))
	m.Handle(ctx, streamEdge(device.OutputStarted))
	m.Handle(ctx, recordEdge(device.OutputStarted))
	m.Handle(ctx, streamEdge(device.OutputStopped))

	if got := m.Snapshot().State; got != models.SessionActive {
		t.Fatalf("state = %s, want ACTIVE", got)
	}
	if auto.triggerCount() != 0 {
		t.Fatal("automation triggered while recording still active")
	}
}

func TestRecordStopWhileStreamingContinues(t *testing.T) {
	// The recorder stopping early must not finalize while the stream is
	// still live; the session ends only when the last output stops.
	ctx := context.Background()
	now := time.Now()
	store := &fakeStore{today: todayEvent(now)}
	auto := &fakeAutomation{shouldRun: true}
	m := newTestMachine(t, store, auto, now)

	m.Handle(ctx, connected(false, false))
	m.Handle(ctx, streamEdge(device.OutputStarted))
	m.Handle(ctx, recordEdge(device.OutputStarted))
	m.Handle(ctx, recordEdge(device.OutputStopped))

	if got := m.Snapshot().State; got != models.SessionActive {
		t.Fatalf("state = %s, want ACTIVE", got)
	}
	if auto.triggerCount() != 0 {
		t.Fatal("automation triggered while stream still active")
	}

	m.Handle(ctx, streamEdge(device.OutputStopped))
	if got := m.Snapshot().State; got != models.SessionFinalizing {
		t.Fatalf("state after last output stop = %s, want FINALIZING", got)
	}
	if auto.triggerCount() != 1 {
		t.Fatalf("automation triggered %d times, want 1", auto.triggerCount())
	}
}

func TestStreamStopWakesUploadGate(t *testing.T) {
	// Held uploads wait on the stream gate; the stop edge must nudge the
	// drainer immediately instead of leaving it to the idle rescan.
	ctx := context.Background()
	now := time.Now()
	store := &fakeStore{today: todayEvent(now)}
	m := newTestMachine(t, store, &fakeAutomation{shouldRun: true}, now)

	wakes := 0
	m.OnStreamStop(func() { wakes++ })

	m.Handle(ctx, connected(false, false))
	m.Handle(ctx, streamEdge(device.OutputStarted))
	m.Handle(ctx, recordEdge(device.OutputStarted))
	if wakes != 0 {
		t.Fatalf("woke %d times before the stream stopped", wakes)
	}

	m.Handle(ctx, recordEdge(device.OutputStopped))
	if wakes != 0 {
		t.Fatal("record stop woke the upload gate")
	}

	m.Handle(ctx, streamEdge(device.OutputStopped))
	if wakes != 1 {
		t.Fatalf("woke %d times after stream stop, want 1", wakes)
	}
}

func TestStreamStopWakesEvenInErrorState(t *testing.T) {
	// The gate tracks the device, not the session: an errored session must
	// not hold queued uploads hostage.
	ctx := context.Background()
	now := time.Now()
	store := &fakeStore{today: todayEvent(now)}
	m := newTestMachine(t, store, &fakeAutomation{}, now)

	wakes := 0
	m.OnStreamStop(func() { wakes++ })

	m.Handle(ctx, connected(false, false))
	m.Handle(ctx, streamEdge(device.OutputStarted))
	m.Fail(ctx, "boom")
	m.Handle(ctx, streamEdge(device.OutputStopped))

	if wakes != 1 {
		t.Fatalf("woke %d times, want 1", wakes)
	}
}

func TestDeviceErrorSignalFailsSession(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := &fakeStore{today: todayEvent(now)}
	m := newTestMachine(t, store, &fakeAutomation{}, now)

	m.Handle(ctx, connected(false, false))
	m.Handle(ctx, device.Signal{Type: device.SignalError, Message: "device rejected credentials"})

	snap := m.Snapshot()
	if snap.State != models.SessionError {
		t.Fatalf("state = %s, want ERROR", snap.State)
	}
	if snap.LastError != "device rejected credentials" {
		t.Fatalf("lastError = %q", snap.LastError)
	}

	// Still absorbing until acknowledged.
	m.Handle(ctx, recordEdge(device.OutputStarted))
	if got := m.Snapshot().State; got != models.SessionError {
		t.Fatalf("state = %s, want ERROR", got)
	}
}

func TestGateFailCompletesWithoutUpload(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := &fakeStore{today: todayEvent(now)}
	auto := &fakeAutomation{shouldRun: false}
	m := newTestMachine(t, store, auto, now)

	m.Handle(ctx, connected(false, false))
	m.Handle(ctx, recordEdge(device.OutputStarted))
	m.Handle(ctx, recordEdge(device.OutputStopped))

	if got := m.Snapshot().State; got != models.SessionCompleted {
		t.Fatalf("state = %s, want COMPLETED", got)
	}
	if auto.triggerCount() != 0 {
		t.Fatal("automation triggered despite gate failure")
	}
}

func TestRecordDirectoryFailureDegrades(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := &fakeStore{today: todayEvent(now)}
	auto := &fakeAutomation{shouldRun: true}
	m := NewMachine(store, &fakeQuerier{dirErr: context.DeadlineExceeded}, auto, nil, nil)
	m.SetClock(func() time.Time { return now })

	m.Handle(ctx, connected(false, false))
	m.Handle(ctx, recordEdge(device.OutputStarted))
	m.Handle(ctx, recordEdge(device.OutputStopped))

	// Unknown directory is degraded information, not fatal: automation
	// still runs with a null hint.
	if got := m.Snapshot().State; got != models.SessionFinalizing {
		t.Fatalf("state = %s, want FINALIZING", got)
	}
	if store.recordDir == nil || *store.recordDir != "" {
		t.Fatal("expected empty directory hint persisted")
	}
	if auto.triggerCount() != 1 {
		t.Fatal("automation not triggered")
	}
}

func TestErrorStateAbsorbsSignals(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := &fakeStore{today: todayEvent(now)}
	m := newTestMachine(t, store, &fakeAutomation{}, now)

	m.Handle(ctx, connected(false, false))
	m.Fail(ctx, "device handshake rejected")
	m.Handle(ctx, recordEdge(device.OutputStarted))

	snap := m.Snapshot()
	if snap.State != models.SessionError {
		t.Fatalf("state = %s, want ERROR", snap.State)
	}
	if snap.LastError != "device handshake rejected" {
		t.Fatalf("lastError = %q", snap.LastError)
	}
}

func TestAcknowledgeClearsError(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := &fakeStore{today: todayEvent(now)}
	m := newTestMachine(t, store, &fakeAutomation{}, now)

	m.Handle(ctx, connected(false, false))
	m.Fail(ctx, "boom")

	if !m.Acknowledge(ctx) {
		t.Fatal("acknowledge returned false in ERROR state")
	}
	snap := m.Snapshot()
	if snap.State != models.SessionIdle {
		t.Fatalf("state = %s, want IDLE", snap.State)
	}
	if snap.LastError != "" || snap.EventID != "" {
		t.Fatal("session not reset after acknowledge")
	}
	if m.Acknowledge(ctx) {
		t.Fatal("acknowledge succeeded outside ERROR state")
	}
}

func TestAutomationCompleteClosesSession(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	event := todayEvent(now)
	store := &fakeStore{today: event}
	auto := &fakeAutomation{shouldRun: true}
	m := newTestMachine(t, store, auto, now)

	m.Handle(ctx, connected(false, false))
	m.Handle(ctx, recordEdge(device.OutputStarted))
	m.Handle(ctx, recordEdge(device.OutputStopped))
	m.Complete(ctx, event.ID, "")

	if got := m.Snapshot().State; got != models.SessionCompleted {
		t.Fatalf("state = %s, want COMPLETED", got)
	}

	// A completion for a different event is ignored.
	m.Complete(ctx, uuid.New(), "stray")
	if got := m.Snapshot().LastError; got == "stray" {
		t.Fatal("completion for foreign event applied")
	}
}

func TestNewDayResetsCompletedSession(t *testing.T) {
	ctx := context.Background()
	day1 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	now := day1
	event1 := todayEvent(day1)
	store := &fakeStore{today: event1}
	auto := &fakeAutomation{shouldRun: false}
	m := newTestMachine(t, store, auto, now)
	m.SetClock(func() time.Time { return now })

	m.Handle(ctx, connected(false, false))
	m.Handle(ctx, recordEdge(device.OutputStarted))
	m.Handle(ctx, recordEdge(device.OutputStopped))
	if got := m.Snapshot().State; got != models.SessionCompleted {
		t.Fatalf("state = %s, want COMPLETED", got)
	}

	// Next Sunday: a fresh connect binds the new event.
	now = day1.AddDate(0, 0, 7)
	event2 := todayEvent(now)
	store.today = event2
	m.Handle(ctx, connected(false, false))

	snap := m.Snapshot()
	if snap.State != models.SessionPreparing {
		t.Fatalf("state = %s, want PREPARING", snap.State)
	}
	if snap.EventID != event2.ID.String() {
		t.Fatalf("bound event = %s, want %s", snap.EventID, event2.ID)
	}
}

func TestSetProgressIgnoresForeignEvent(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	event := todayEvent(now)
	store := &fakeStore{today: event}
	m := newTestMachine(t, store, &fakeAutomation{}, now)
	m.Handle(ctx, connected(false, false))

	m.SetProgress(event.ID, models.PlatformProgress{Platform: "youtube", BytesUploaded: 100, TotalBytes: 200})
	m.SetProgress(uuid.New(), models.PlatformProgress{Platform: "s3-archive", BytesUploaded: 1, TotalBytes: 2})

	snap := m.Snapshot()
	if len(snap.Progress) != 1 {
		t.Fatalf("progress entries = %d, want 1", len(snap.Progress))
	}
	if snap.Progress["youtube"].BytesUploaded != 100 {
		t.Fatal("progress not recorded")
	}
}
