// Package recovery repairs persisted state after an unclean shutdown before
// the rest of the system starts consuming it.
package recovery

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sermon-relay/backend/internal/models"
)

const interruptedMessage = "finalization interrupted by restart; re-trigger to upload the recording"

// Store is the persistence surface the cleanup pass repairs.
type Store interface {
	EvictSchemaMismatch(ctx context.Context, current int) (int64, error)
	ListBySessionState(ctx context.Context, state models.SessionState) ([]models.ServiceEvent, error)
	SetSessionState(ctx context.Context, id uuid.UUID, state models.SessionState) error
	SetCompletionError(ctx context.Context, id uuid.UUID, msg string) error
}

// Cleaner runs the startup cleanup pass. Running it a second time within the
// same process is a no-op.
type Cleaner struct {
	store  Store
	logger *zap.Logger

	mu   sync.Mutex
	done bool
}

// New creates a cleanup pass over the store.
func New(store Store, logger *zap.Logger) *Cleaner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cleaner{store: store, logger: logger}
}

// Run evicts events persisted under a stale schema version, then rewrites
// sessions an interrupted finalization left behind: FINALIZING means the
// automation run died with the recording still on disk, so the event goes
// back to ACTIVE with an explanatory error for the operator to re-trigger.
// Stale data is dropped, never migrated in place.
func (c *Cleaner) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		c.logger.Debug("cleanup already ran this process, skipping")
		return nil
	}
	c.done = true
	c.mu.Unlock()

	evicted, err := c.store.EvictSchemaMismatch(ctx, models.SchemaVersion)
	if err != nil {
		return err
	}
	if evicted > 0 {
		c.logger.Warn("evicted events with stale schema version",
			zap.Int64("count", evicted),
			zap.Int("current_version", models.SchemaVersion))
	}

	stuck, err := c.store.ListBySessionState(ctx, models.SessionFinalizing)
	if err != nil {
		return err
	}
	for _, e := range stuck {
		if err := c.store.SetCompletionError(ctx, e.ID, interruptedMessage); err != nil {
			return err
		}
		if err := c.store.SetSessionState(ctx, e.ID, models.SessionActive); err != nil {
			return err
		}
		c.logger.Warn("rewrote interrupted finalization",
			zap.String("event_id", e.ID.String()),
			zap.String("title", e.Title))
	}
	return nil
}
