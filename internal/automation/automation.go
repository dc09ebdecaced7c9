// Package automation runs the post-event pipeline: find the recording the
// session produced, queue it to every configured platform, wrap up the live
// broadcast, and close out the session.
package automation

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sermon-relay/backend/config"
	"github.com/sermon-relay/backend/internal/models"
	"github.com/sermon-relay/backend/internal/selector"
)

// Step identifies where a run currently is, for the dashboard status view.
type Step string

const (
	StepIdle                Step = "idle"
	StepDetectingRecording  Step = "detecting_recording"
	StepSelectingRecording  Step = "selecting_recording"
	StepQueueingUploads     Step = "queueing_uploads"
	StepCompletingBroadcast Step = "completing_broadcast"
	StepCompleted           Step = "completed"
	StepFailed              Step = "failed"
)

// Store is the persistence surface automation needs.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.ServiceEvent, error)
	SetCompletionError(ctx context.Context, id uuid.UUID, msg string) error
}

// Uploads is the slice of the upload manager automation drives.
type Uploads interface {
	HasPlatforms() bool
	EnqueueAllPlatforms(ctx context.Context, event *models.ServiceEvent, filePath string, fileSize int64) []error
	EndBroadcast(ctx context.Context, event *models.ServiceEvent)
}

// Completer closes the live session once the run finishes. The session
// machine satisfies it.
type Completer interface {
	Complete(ctx context.Context, eventID uuid.UUID, completionError string)
}

// Picker selects the recording file for a session window. The selector
// satisfies it.
type Picker interface {
	Select(dir string, start, end time.Time) (selector.Result, error)
}

// Fallback resolves the device's idea of the last recording when directory
// scanning finds nothing. Optional.
type Fallback interface {
	LastRecordingPath(timeout time.Duration) (string, error)
}

// Status is a snapshot of the current (or last) run.
type Status struct {
	Step    Step      `json:"step"`
	EventID uuid.UUID `json:"event_id,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// Automation is the pipeline runner. At most one run executes at a time;
// triggers while a run is active are dropped.
type Automation struct {
	cfg      config.AutomationConfig
	store    Store
	picker   Picker
	uploads  Uploads
	complete Completer
	fallback Fallback
	wake     func()
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	status  Status
}

// New creates the pipeline runner. fallback and wake may be nil.
func New(cfg config.AutomationConfig, store Store, picker Picker, uploads Uploads, complete Completer, fallback Fallback, wake func(), logger *zap.Logger) *Automation {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Automation{
		cfg:      cfg,
		store:    store,
		picker:   picker,
		uploads:  uploads,
		complete: complete,
		fallback: fallback,
		wake:     wake,
		logger:   logger,
		status:   Status{Step: StepIdle},
	}
}

// ShouldRun is the trigger gate the session machine consults when a session
// ends: auto-upload opted in, at least one destination configured, and the
// session long enough to be a real service.
func (a *Automation) ShouldRun(event *models.ServiceEvent, duration time.Duration) bool {
	if event == nil || !event.AutoUpload {
		return false
	}
	if !a.uploads.HasPlatforms() {
		return false
	}
	min := time.Duration(a.cfg.MinSessionMinutes) * time.Minute
	return duration >= min
}

// Trigger starts a run for the event in the background. A second trigger
// while one is running is a logged no-op.
func (a *Automation) Trigger(eventID uuid.UUID) {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		a.logger.Warn("automation already running, trigger dropped",
			zap.String("event_id", eventID.String()))
		return
	}
	a.running = true
	a.status = Status{Step: StepDetectingRecording, EventID: eventID}
	a.mu.Unlock()

	go func() {
		defer func() {
			a.mu.Lock()
			a.running = false
			a.mu.Unlock()
		}()
		a.run(context.Background(), eventID)
	}()
}

// Status returns the current run snapshot.
func (a *Automation) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *Automation) setStep(step Step, eventID uuid.UUID, errMsg string) {
	a.mu.Lock()
	a.status = Status{Step: step, EventID: eventID, Error: errMsg}
	a.mu.Unlock()
}

func (a *Automation) run(ctx context.Context, eventID uuid.UUID) {
	event, err := a.store.GetByID(ctx, eventID)
	if err != nil || event == nil {
		a.fail(ctx, eventID, fmt.Sprintf("load event: %v", err))
		return
	}

	filePath, fileSize, err := a.detect(ctx, event)
	if err != nil {
		// Nothing was queued yet: record the error and leave the session
		// in FINALIZING so an operator can intervene or re-trigger.
		a.fail(ctx, eventID, err.Error())
		return
	}

	a.setStep(StepQueueingUploads, eventID, "")
	if errs := a.uploads.EnqueueAllPlatforms(ctx, event, filePath, fileSize); len(errs) > 0 {
		for _, qerr := range errs {
			a.logger.Error("queue upload", zap.String("event_id", eventID.String()), zap.Error(qerr))
		}
	}
	if a.wake != nil {
		a.wake()
	}

	// Past this point everything is best effort: the recording is queued
	// and the uploader owns it.
	a.setStep(StepCompletingBroadcast, eventID, "")
	a.uploads.EndBroadcast(ctx, event)

	// A previous failed run may have left an error on the event; a clean run
	// supersedes it.
	if err := a.store.SetCompletionError(ctx, eventID, ""); err != nil {
		a.logger.Warn("clear completion error", zap.String("event_id", eventID.String()), zap.Error(err))
	}
	a.setStep(StepCompleted, eventID, "")
	a.complete.Complete(ctx, eventID, "")
	a.logger.Info("automation run completed",
		zap.String("event_id", eventID.String()),
		zap.String("file", filePath))
}

// detect resolves the recording file for the event's session window.
func (a *Automation) detect(ctx context.Context, event *models.ServiceEvent) (string, int64, error) {
	if event.SessionStartedAt == nil {
		return "", 0, fmt.Errorf("event has no session start time")
	}
	start := *event.SessionStartedAt
	end := time.Now()
	if event.RecordEndedAt != nil {
		end = *event.RecordEndedAt
	}

	a.setStep(StepSelectingRecording, event.ID, "")
	if event.RecordDirectory != "" {
		res, err := a.picker.Select(event.RecordDirectory, start, end)
		if err != nil {
			return "", 0, fmt.Errorf("scan %s: %w", event.RecordDirectory, err)
		}
		switch res.Outcome {
		case selector.OutcomeAuto:
			return res.Selected.Path, res.Selected.Size, nil
		case selector.OutcomeAmbiguous:
			pick := res.Candidates[0]
			a.logger.Warn("ambiguous recording selection, using most recent",
				zap.String("event_id", event.ID.String()),
				zap.Int("candidates", len(res.Candidates)),
				zap.String("picked", pick.Name))
			return pick.Path, pick.Size, nil
		case selector.OutcomeNoQualifying:
			return "", 0, fmt.Errorf("recordings found in %s but none long enough to upload", event.RecordDirectory)
		}
		// OutcomeNoFiles falls through to the device fallback.
	}

	if a.fallback != nil {
		path, err := a.fallback.LastRecordingPath(5 * time.Second)
		if err == nil && path != "" {
			info, statErr := os.Stat(path)
			if statErr == nil {
				a.logger.Info("using device-reported last recording",
					zap.String("event_id", event.ID.String()),
					zap.String("path", path))
				return path, info.Size(), nil
			}
		}
	}
	return "", 0, fmt.Errorf("no recording found for session window")
}

func (a *Automation) fail(ctx context.Context, eventID uuid.UUID, msg string) {
	a.setStep(StepFailed, eventID, msg)
	a.logger.Error("automation run failed",
		zap.String("event_id", eventID.String()),
		zap.String("error", msg))
	if err := a.store.SetCompletionError(ctx, eventID, msg); err != nil {
		a.logger.Error("record completion error", zap.Error(err))
	}
}
