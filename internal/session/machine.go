package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sermon-relay/backend/internal/device"
	"github.com/sermon-relay/backend/internal/models"
)

// Store is the slice of the event store the machine mutates.
type Store interface {
	TodayEvent(ctx context.Context, now time.Time) (*models.ServiceEvent, error)
	SetSessionState(ctx context.Context, id uuid.UUID, state models.SessionState) error
	SetSessionStarted(ctx context.Context, id uuid.UUID, at time.Time) error
	SetRecordEnded(ctx context.Context, id uuid.UUID, dir string, at time.Time) error
	SetCompletionError(ctx context.Context, id uuid.UUID, msg string) error
}

// Automation is the post-event handoff. ShouldRun is the trigger gate;
// Trigger must not block the signal loop.
type Automation interface {
	ShouldRun(event *models.ServiceEvent, duration time.Duration) bool
	Trigger(eventID uuid.UUID)
}

// Publisher receives session snapshots for dashboard fanout. Fire-and-forget.
type Publisher interface {
	PublishSession(s models.Session)
}

// Machine drives the live session lifecycle from device signals. It is the
// single consumer of the signal channel, so handlers run in emission order;
// all state lives behind one mutex so queries from HTTP handlers are safe.
type Machine struct {
	store      Store
	querier    device.Querier
	automation Automation
	publisher  Publisher
	clock      func() time.Time
	logger     *zap.Logger
	streamStop func()

	queryTimeout time.Duration

	mu           sync.Mutex
	state        models.SessionState
	event        *models.ServiceEvent // bound event, nil when IDLE
	startedAt    time.Time
	recordEnded  time.Time
	recordDir    string
	lastError    string
	streamActive bool
	recordActive bool
	progress     map[string]models.PlatformProgress
}

// NewMachine creates a session state machine. clock may be nil (time.Now).
func NewMachine(store Store, querier device.Querier, automation Automation, publisher Publisher, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		store:        store,
		querier:      querier,
		automation:   automation,
		publisher:    publisher,
		clock:        time.Now,
		logger:       logger,
		queryTimeout: 5 * time.Second,
		state:        models.SessionIdle,
		progress:     make(map[string]models.PlatformProgress),
	}
}

// SetClock overrides the time source.
func (m *Machine) SetClock(clock func() time.Time) { m.clock = clock }

// SetAutomation installs the post-event handoff after construction. The
// automation needs the machine to close sessions out, so the two are wired
// in two steps.
func (m *Machine) SetAutomation(a Automation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.automation = a
}

// OnStreamStop installs a hook fired whenever the device reports the stream
// output stopping. The uploader's stream gate opens on that edge, so held
// uploads can start immediately instead of waiting out the idle rescan.
func (m *Machine) OnStreamStop(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamStop = fn
}

// Run consumes device signals until ctx is done.
func (m *Machine) Run(ctx context.Context, signals <-chan device.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			m.Handle(ctx, sig)
		}
	}
}

// Handle processes one device signal. Unhandled signals in the current state
// are no-ops; ERROR absorbs everything until acknowledged.
func (m *Machine) Handle(ctx context.Context, sig device.Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// The upload gate tracks the device, not the session, so the stop edge
	// wakes the drainer regardless of session state.
	if sig.Type == device.SignalStreamState && !sig.Output.Active() && m.streamStop != nil {
		m.streamStop()
	}

	if m.state == models.SessionError {
		m.logger.Debug("signal ignored in error state", zap.String("signal", string(sig.Type)))
		return
	}

	switch sig.Type {
	case device.SignalConnected:
		m.onConnected(ctx, sig)
	case device.SignalDisconnected:
		m.onDisconnected(ctx)
	case device.SignalError:
		m.failLocked(ctx, sig.Message)
	case device.SignalStreamState:
		m.streamActive = sig.Output.Active()
		m.onOutputEdge(ctx, sig)
	case device.SignalRecordState:
		m.recordActive = sig.Output.Active()
		m.onOutputEdge(ctx, sig)
	}
}

func (m *Machine) onConnected(ctx context.Context, sig device.Signal) {
	switch m.state {
	case models.SessionIdle:
		event, err := m.store.TodayEvent(ctx, m.clock())
		if err != nil {
			m.logger.Warn("today's event lookup failed", zap.Error(err))
			return
		}
		if event == nil {
			m.logger.Info("device connected but no event scheduled today")
			return
		}
		m.event = event
		m.transition(ctx, models.SessionPreparing)
		// An output already running at connect time means we joined late;
		// there will be no start edge, so open the session now.
		if sig.StreamActive || sig.RecordActive {
			m.streamActive = sig.StreamActive
			m.recordActive = sig.RecordActive
			m.begin(ctx)
		}
	case models.SessionPaused:
		// Resume only when the device confirms an output is still running;
		// otherwise stay paused until the next start edge.
		if sig.StreamActive || sig.RecordActive {
			m.streamActive = sig.StreamActive
			m.recordActive = sig.RecordActive
			m.transition(ctx, models.SessionActive)
		} else {
			m.streamActive = false
			m.recordActive = false
			m.logger.Info("device reconnected, outputs stopped, session remains paused")
		}
	case models.SessionCompleted:
		// A completed session gives way when a new day's event begins.
		if m.event != nil && !m.event.IsToday(m.clock()) {
			m.resetLocked(ctx)
			m.onConnected(ctx, sig)
		}
	}
}

func (m *Machine) onDisconnected(ctx context.Context) {
	switch m.state {
	case models.SessionActive:
		// Session retained: the device may still be streaming or recording,
		// the app has merely lost visibility. Duration keeps accruing.
		m.transition(ctx, models.SessionPaused)
	case models.SessionPreparing:
		// Nothing started yet; unwind the binding.
		m.transition(ctx, models.SessionIdle)
		m.event = nil
	}
}

func (m *Machine) onOutputEdge(ctx context.Context, sig device.Signal) {
	if sig.Output.Active() {
		switch m.state {
		case models.SessionPreparing, models.SessionPaused:
			m.begin(ctx)
		}
		return
	}

	// Stop edge. Only a record stop (or the last remaining output stopping)
	// ends the session, and only from a live state.
	if m.state != models.SessionActive && m.state != models.SessionPaused {
		return
	}
	if m.streamActive || m.recordActive {
		m.logger.Info("output stopped, session continues",
			zap.String("signal", string(sig.Type)),
			zap.Bool("stream_active", m.streamActive),
			zap.Bool("record_active", m.recordActive))
		return
	}
	m.finalize(ctx)
}

// begin opens the live portion of the session.
func (m *Machine) begin(ctx context.Context) {
	if m.startedAt.IsZero() {
		m.startedAt = m.clock()
		if err := m.store.SetSessionStarted(ctx, m.event.ID, m.startedAt); err != nil {
			m.logger.Warn("persist session start failed", zap.Error(err))
		}
	}
	m.transition(ctx, models.SessionActive)
}

// finalize captures the recording hint, enters FINALIZING and hands off to
// automation when the trigger gate passes; otherwise the session completes
// immediately with a note.
func (m *Machine) finalize(ctx context.Context) {
	m.recordEnded = m.clock()

	dir, err := m.querier.RecordDirectory(m.queryTimeout)
	if err != nil {
		// Degraded information, not fatal: selection falls back to a null
		// directory hint and the automation run reports it.
		m.logger.Warn("record directory unknown", zap.Error(err))
		dir = ""
	}
	m.recordDir = dir

	if err := m.store.SetRecordEnded(ctx, m.event.ID, dir, m.recordEnded); err != nil {
		m.logger.Warn("persist record end failed", zap.Error(err))
	}

	duration := m.recordEnded.Sub(m.startedAt)
	if m.startedAt.IsZero() {
		duration = 0
	}

	if m.automation == nil || !m.automation.ShouldRun(m.event, duration) {
		m.logger.Info("automation gate not met, session completes without upload",
			zap.String("event_id", m.event.ID.String()),
			zap.Duration("duration", duration))
		m.transition(ctx, models.SessionFinalizing)
		m.transition(ctx, models.SessionCompleted)
		return
	}

	m.transition(ctx, models.SessionFinalizing)
	m.automation.Trigger(m.event.ID)
}

// transition validates against the table, persists and publishes. Invalid
// transitions are logged no-ops, never raised: they surface on background
// signal handling with no caller to observe a panic.
func (m *Machine) transition(ctx context.Context, to models.SessionState) {
	if m.state == to {
		return
	}
	if !models.CanTransitionSession(m.state, to) {
		m.logger.Error("rejected session transition",
			zap.String("from", string(m.state)), zap.String("to", string(to)))
		return
	}
	m.logger.Info("session transition",
		zap.String("from", string(m.state)), zap.String("to", string(to)))
	m.state = to
	if m.event != nil {
		if err := m.store.SetSessionState(ctx, m.event.ID, to); err != nil {
			m.logger.Warn("persist session state failed", zap.Error(err))
		}
	}
	m.publishLocked()
}

// Fail moves the session to ERROR, preserving the message for display.
// Device protocol failures arrive on the same path through the error signal.
func (m *Machine) Fail(ctx context.Context, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failLocked(ctx, msg)
}

func (m *Machine) failLocked(ctx context.Context, msg string) {
	m.lastError = msg
	m.transition(ctx, models.SessionError)
}

// Acknowledge clears an ERROR state back to IDLE. The only way out of ERROR
// short of a restart.
func (m *Machine) Acknowledge(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != models.SessionError {
		return false
	}
	m.transition(ctx, models.SessionIdle)
	m.resetLocked(ctx)
	return true
}

// Complete marks the session COMPLETED; called by automation when its run
// finishes (success or degraded-but-acknowledged).
func (m *Machine) Complete(ctx context.Context, eventID uuid.UUID, completionError string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.event == nil || m.event.ID != eventID {
		return
	}
	m.lastError = completionError
	m.transition(ctx, models.SessionCompleted)
}

// SetProgress records a per-platform upload progress snapshot for display.
func (m *Machine) SetProgress(eventID uuid.UUID, p models.PlatformProgress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.event == nil || m.event.ID != eventID {
		return
	}
	m.progress[p.Platform] = p
	m.publishLocked()
}

// Snapshot returns the current session view for the API and dashboard.
func (m *Machine) Snapshot() models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// SnapshotJSON returns the snapshot serialized for a freshly connected
// dashboard client.
func (m *Machine) SnapshotJSON() ([]byte, error) {
	return json.Marshal(m.Snapshot())
}

func (m *Machine) snapshotLocked() models.Session {
	s := models.Session{
		State:     m.state,
		LastError: m.lastError,
	}
	if m.event != nil {
		s.EventID = m.event.ID.String()
	}
	if !m.startedAt.IsZero() {
		t := m.startedAt
		s.StartedAt = &t
	}
	if !m.recordEnded.IsZero() {
		t := m.recordEnded
		s.RecordEndedAt = &t
	}
	s.RecordDirectory = m.recordDir
	if len(m.progress) > 0 {
		s.Progress = make(map[string]models.PlatformProgress, len(m.progress))
		for k, v := range m.progress {
			s.Progress[k] = v
		}
	}
	return s
}

func (m *Machine) publishLocked() {
	if m.publisher == nil {
		return
	}
	m.publisher.PublishSession(m.snapshotLocked())
}

func (m *Machine) resetLocked(ctx context.Context) {
	m.event = nil
	m.startedAt = time.Time{}
	m.recordEnded = time.Time{}
	m.recordDir = ""
	m.lastError = ""
	m.progress = make(map[string]models.PlatformProgress)
	if m.state != models.SessionIdle {
		m.transition(ctx, models.SessionIdle)
	}
}
