// Package uploader drains queued recording uploads one at a time in the
// background. Serializing transfers keeps the venue's upstream bandwidth
// available for the live stream.
package uploader

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sermon-relay/backend/internal/models"
)

// Queue lists the sessions still owed to a platform. The events repository
// satisfies it.
type Queue interface {
	ListPendingUploads(ctx context.Context) ([]models.UploadSession, error)
}

// Runner executes a single claimed upload. The upload manager satisfies it.
type Runner interface {
	UploadRecording(ctx context.Context, eventID uuid.UUID, platform string) (bool, error)
}

// StreamGate reports whether a live stream is currently going out. While it
// is, the uploader starts no new transfers; one already in flight continues.
type StreamGate interface {
	StreamingActive() bool
}

// Uploader is the serialized background upload loop.
type Uploader struct {
	queue  Queue
	runner Runner
	gate   StreamGate
	logger *zap.Logger

	startupDelay time.Duration
	itemDelay    time.Duration
	idleDelay    time.Duration

	wake    chan struct{}
	running atomic.Bool
}

// New creates the uploader. gate may be nil when no device link exists (the
// dedicated worker binary), in which case transfers are never gated.
func New(queue Queue, runner Runner, gate StreamGate, startupDelay, itemDelay, idleDelay time.Duration, logger *zap.Logger) *Uploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if idleDelay <= 0 {
		idleDelay = 10 * time.Second
	}
	return &Uploader{
		queue:        queue,
		runner:       runner,
		gate:         gate,
		logger:       logger,
		startupDelay: startupDelay,
		itemDelay:    itemDelay,
		idleDelay:    idleDelay,
		wake:         make(chan struct{}, 1),
	}
}

// Wake nudges the loop to scan immediately. Safe from any goroutine; extra
// wakes while one is pending are coalesced.
func (u *Uploader) Wake() {
	select {
	case u.wake <- struct{}{}:
	default:
	}
}

// Run drives the loop until ctx is cancelled. The initial delay lets a
// restarted process settle (device reconnect, recovery pass) before
// unfinished uploads resume.
func (u *Uploader) Run(ctx context.Context) {
	if u.startupDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(u.startupDelay):
		}
	}
	u.logger.Info("uploader loop started")
	for {
		u.drain(ctx)
		select {
		case <-ctx.Done():
			u.logger.Info("uploader loop stopping")
			return
		case <-u.wake:
		case <-time.After(u.idleDelay):
		}
	}
}

// drain works through the queue until it is empty, an item fails, or the
// stream gate closes. A failed item stays queued and is retried on the next
// pass; there is no retry cap and no backoff beyond the idle delay.
func (u *Uploader) drain(ctx context.Context) {
	if !u.running.CompareAndSwap(false, true) {
		return
	}
	defer u.running.Store(false)

	for ctx.Err() == nil {
		if u.gate != nil && u.gate.StreamingActive() {
			u.logger.Debug("stream active, uploads held")
			return
		}
		sessions, err := u.queue.ListPendingUploads(ctx)
		if err != nil {
			u.logger.Warn("list pending uploads", zap.Error(err))
			return
		}
		next := nextEligible(sessions)
		if next == nil {
			return
		}
		claimed, err := u.runner.UploadRecording(ctx, next.EventID, next.Platform)
		if err != nil {
			u.logger.Error("upload failed, session stays queued",
				zap.String("event_id", next.EventID.String()),
				zap.String("platform", next.Platform),
				zap.Error(err))
			return
		}
		if !claimed {
			// Raced with a manual trigger; skip to the next pass.
			return
		}
		// Let the upstream link breathe between consecutive transfers.
		if u.itemDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(u.itemDelay):
			}
		}
	}
}

// nextEligible picks the first startable session. The list arrives newest
// event first, so the most recent service uploads before older backlog.
func nextEligible(sessions []models.UploadSession) *models.UploadSession {
	for i := range sessions {
		switch sessions[i].Status {
		case models.UploadStatusPending, models.UploadStatusPaused, models.UploadStatusFailed:
			return &sessions[i]
		}
	}
	return nil
}
