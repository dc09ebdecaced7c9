package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sermon-relay/backend/internal/models"
)

// ErrInvalidTransition is returned when a status mutation would violate the
// upload transition table.
var ErrInvalidTransition = fmt.Errorf("invalid upload status transition")

const eventColumns = `id, title, event_date, start_time, speaker, description, scriptures,
	auto_upload, visibility, broadcast_id, broadcast_status,
	session_state, session_started_at, record_directory, record_ended_at, completion_error,
	schema_version, created_at, updated_at`

const uploadColumns = `id, event_id, platform, file_path, file_name, file_size,
	title, description, visibility, tags, resume_handle, bytes_uploaded,
	status, error, video_id, video_url, created_at, updated_at`

// Repository is the event store: service events and their upload sessions as
// rows keyed by id. All mutations are per-column UPDATEs, so two writers
// touching different fields of the same event cannot clobber each other.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an event repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanEvent(row pgx.Row) (*models.ServiceEvent, error) {
	var e models.ServiceEvent
	err := row.Scan(&e.ID, &e.Title, &e.Date, &e.StartTime, &e.Speaker, &e.Description, &e.Scriptures,
		&e.AutoUpload, &e.Visibility, &e.BroadcastID, &e.BroadcastStatus,
		&e.SessionState, &e.SessionStartedAt, &e.RecordDirectory, &e.RecordEndedAt, &e.CompletionError,
		&e.SchemaVersion, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanUpload(row pgx.Row) (*models.UploadSession, error) {
	var s models.UploadSession
	err := row.Scan(&s.ID, &s.EventID, &s.Platform, &s.FilePath, &s.FileName, &s.FileSize,
		&s.Title, &s.Description, &s.Visibility, &s.Tags, &s.ResumeHandle, &s.BytesUploaded,
		&s.Status, &s.Error, &s.VideoID, &s.VideoURL, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Create inserts a new service event at the current schema version.
func (r *Repository) Create(ctx context.Context, e *models.ServiceEvent) error {
	if e.Visibility == "" {
		e.Visibility = models.VisibilityUnlisted
	}
	if e.SessionState == "" {
		e.SessionState = models.SessionIdle
	}
	if e.Scriptures == nil {
		e.Scriptures = []string{}
	}
	const q = `INSERT INTO service_events
		(title, event_date, start_time, speaker, description, scriptures, auto_upload, visibility, session_state, schema_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`
	e.SchemaVersion = models.SchemaVersion
	return r.pool.QueryRow(ctx, q, e.Title, e.Date, e.StartTime, e.Speaker, e.Description, e.Scriptures,
		e.AutoUpload, e.Visibility, string(e.SessionState), e.SchemaVersion).
		Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
}

// GetByID returns an event with its upload sessions, or (nil, nil) when absent.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.ServiceEvent, error) {
	e, err := scanEvent(r.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM service_events WHERE id = $1`, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	sessions, err := r.ListUploadSessions(ctx, id)
	if err != nil {
		return nil, err
	}
	e.UploadSessions = sessions
	return e, nil
}

// List returns all events, newest date first.
func (r *Repository) List(ctx context.Context) ([]models.ServiceEvent, error) {
	return r.query(ctx, `SELECT `+eventColumns+` FROM service_events ORDER BY event_date DESC, created_at DESC`)
}

// TodayEvent returns the event scheduled for the local calendar date, or
// (nil, nil). At most one event per date is bound to a live session; when the
// calendar holds duplicates the earliest-created wins.
func (r *Repository) TodayEvent(ctx context.Context, now time.Time) (*models.ServiceEvent, error) {
	today := now.Format("2006-01-02")
	e, err := scanEvent(r.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM service_events WHERE event_date = $1 ORDER BY created_at ASC LIMIT 1`, today))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}

// Upcoming returns events with a date strictly after today, soonest first.
func (r *Repository) Upcoming(ctx context.Context, now time.Time) ([]models.ServiceEvent, error) {
	return r.query(ctx,
		`SELECT `+eventColumns+` FROM service_events WHERE event_date > $1 ORDER BY event_date ASC`,
		now.Format("2006-01-02"))
}

// Past returns events with a date strictly before today, newest first.
func (r *Repository) Past(ctx context.Context, now time.Time) ([]models.ServiceEvent, error) {
	return r.query(ctx,
		`SELECT `+eventColumns+` FROM service_events WHERE event_date < $1 ORDER BY event_date DESC`,
		now.Format("2006-01-02"))
}

func (r *Repository) query(ctx context.Context, q string, args ...any) ([]models.ServiceEvent, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.ServiceEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *e)
	}
	return list, rows.Err()
}

// UpdateEventParams holds the mutable metadata fields; nil means unchanged.
type UpdateEventParams struct {
	Title       *string
	Date        *string
	StartTime   *string
	Speaker     *string
	Description *string
	Scriptures  []string
	AutoUpload  *bool
	Visibility  *string
}

// Update applies the non-nil fields of params. Metadata of past events is
// frozen by the handler layer; the store itself stays policy-free.
func (r *Repository) Update(ctx context.Context, id uuid.UUID, p UpdateEventParams) error {
	set := "updated_at = NOW()"
	args := []any{id}
	add := func(col string, v any) {
		args = append(args, v)
		set += fmt.Sprintf(", %s = $%d", col, len(args))
	}
	if p.Title != nil {
		add("title", *p.Title)
	}
	if p.Date != nil {
		add("event_date", *p.Date)
	}
	if p.StartTime != nil {
		add("start_time", *p.StartTime)
	}
	if p.Speaker != nil {
		add("speaker", *p.Speaker)
	}
	if p.Description != nil {
		add("description", *p.Description)
	}
	if p.Scriptures != nil {
		add("scriptures", p.Scriptures)
	}
	if p.AutoUpload != nil {
		add("auto_upload", *p.AutoUpload)
	}
	if p.Visibility != nil {
		add("visibility", *p.Visibility)
	}
	_, err := r.pool.Exec(ctx, `UPDATE service_events SET `+set+` WHERE id = $1`, args...)
	return err
}

// Delete removes an event and (via cascade) its upload sessions. Events are
// only ever deleted by explicit user action or schema eviction.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM service_events WHERE id = $1`, id)
	return err
}

// SetSessionState persists the live session state on the event row.
func (r *Repository) SetSessionState(ctx context.Context, id uuid.UUID, state models.SessionState) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE service_events SET session_state = $1, updated_at = NOW() WHERE id = $2`, string(state), id)
	return err
}

// SetSessionStarted records the session start timestamp.
func (r *Repository) SetSessionStarted(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE service_events SET session_started_at = $1, updated_at = NOW() WHERE id = $2`, at, id)
	return err
}

// SetRecordEnded records the directory hint and record-stop timestamp.
func (r *Repository) SetRecordEnded(ctx context.Context, id uuid.UUID, dir string, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE service_events SET record_directory = $1, record_ended_at = $2, updated_at = NOW() WHERE id = $3`,
		dir, at, id)
	return err
}

// SetCompletionError stores a human-readable completion error.
func (r *Repository) SetCompletionError(ctx context.Context, id uuid.UUID, msg string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE service_events SET completion_error = $1, updated_at = NOW() WHERE id = $2`, msg, id)
	return err
}

// SetBroadcast stores the platform broadcast id and lifecycle status.
func (r *Repository) SetBroadcast(ctx context.Context, id uuid.UUID, broadcastID, status string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE service_events SET broadcast_id = $1, broadcast_status = $2, updated_at = NOW() WHERE id = $3`,
		broadcastID, status, id)
	return err
}

// ListBySessionState returns events currently in the given session state.
func (r *Repository) ListBySessionState(ctx context.Context, state models.SessionState) ([]models.ServiceEvent, error) {
	return r.query(ctx,
		`SELECT `+eventColumns+` FROM service_events WHERE session_state = $1`, string(state))
}

// EvictSchemaMismatch deletes events persisted under a different schema
// version and returns how many were dropped.
func (r *Repository) EvictSchemaMismatch(ctx context.Context, current int) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM service_events WHERE schema_version <> $1`, current)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- upload sessions ---

// CreateUploadSession inserts an upload session for (event, platform). The
// unique constraint makes a duplicate insert fail rather than fork a second
// record for the same destination.
func (r *Repository) CreateUploadSession(ctx context.Context, s *models.UploadSession) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if s.Status == "" {
		s.Status = models.UploadStatusPending
	}
	if s.Tags == nil {
		s.Tags = []string{}
	}
	const q = `INSERT INTO upload_sessions
		(event_id, platform, file_path, file_name, file_size, title, description, visibility, tags, resume_handle, bytes_uploaded, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at`
	return r.pool.QueryRow(ctx, q, s.EventID, s.Platform, s.FilePath, s.FileName, s.FileSize,
		s.Title, s.Description, s.Visibility, s.Tags, s.ResumeHandle, s.BytesUploaded, string(s.Status)).
		Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
}

// GetUploadSession returns the session for (event, platform), or (nil, nil).
func (r *Repository) GetUploadSession(ctx context.Context, eventID uuid.UUID, platform string) (*models.UploadSession, error) {
	s, err := scanUpload(r.pool.QueryRow(ctx,
		`SELECT `+uploadColumns+` FROM upload_sessions WHERE event_id = $1 AND platform = $2`, eventID, platform))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

// ListUploadSessions returns all upload sessions for an event.
func (r *Repository) ListUploadSessions(ctx context.Context, eventID uuid.UUID) ([]models.UploadSession, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+uploadColumns+` FROM upload_sessions WHERE event_id = $1 ORDER BY platform`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.UploadSession
	for rows.Next() {
		s, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *s)
	}
	return list, rows.Err()
}

// ListPendingUploads returns every upload session not yet completed, across
// all events, most recent event date first. This is the background queue.
func (r *Repository) ListPendingUploads(ctx context.Context) ([]models.UploadSession, error) {
	const q = `SELECT ` + prefixedUploadColumns + `
		FROM upload_sessions u
		JOIN service_events e ON e.id = u.event_id
		WHERE u.status <> 'completed'
		ORDER BY e.event_date DESC, u.created_at ASC`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.UploadSession
	for rows.Next() {
		s, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *s)
	}
	return list, rows.Err()
}

const prefixedUploadColumns = `u.id, u.event_id, u.platform, u.file_path, u.file_name, u.file_size,
	u.title, u.description, u.visibility, u.tags, u.resume_handle, u.bytes_uploaded,
	u.status, u.error, u.video_id, u.video_url, u.created_at, u.updated_at`

// ClaimUpload atomically flips a pending/paused/failed session to uploading
// and returns it. Returns (nil, nil) when the session is absent, already
// uploading, or in a state that cannot start. This single statement is the
// at-most-one-in-flight guard per (event, platform).
func (r *Repository) ClaimUpload(ctx context.Context, eventID uuid.UUID, platform string) (*models.UploadSession, error) {
	const q = `UPDATE upload_sessions SET status = 'uploading', error = '', updated_at = NOW()
		WHERE event_id = $1 AND platform = $2 AND status IN ('pending', 'paused', 'failed')
		RETURNING ` + uploadColumns
	s, err := scanUpload(r.pool.QueryRow(ctx, q, eventID, platform))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

// SetUploadHandle persists the platform resumable handle. Called before the
// first byte goes out so a crash can resume instead of restarting.
func (r *Repository) SetUploadHandle(ctx context.Context, id uuid.UUID, handle string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE upload_sessions SET resume_handle = $1, updated_at = NOW() WHERE id = $2`, handle, id)
	return err
}

// RecordProgress checkpoints bytes uploaded. GREATEST keeps the column
// monotonic even if a stale progress tick lands after a newer one, and the
// status guard stops a cancelled transfer from persisting further progress.
func (r *Repository) RecordProgress(ctx context.Context, id uuid.UUID, bytesUploaded int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE upload_sessions SET bytes_uploaded = GREATEST(bytes_uploaded, $1), updated_at = NOW()
		 WHERE id = $2 AND status = 'uploading'`, bytesUploaded, id)
	return err
}

// TransitionUpload moves a session to the target status, validating against
// the transition table inside the statement so concurrent writers cannot
// race past it.
func (r *Repository) TransitionUpload(ctx context.Context, id uuid.UUID, to models.UploadStatus) error {
	from := allowedFrom(to)
	if len(from) == 0 {
		return fmt.Errorf("%w: no state may enter %q", ErrInvalidTransition, to)
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE upload_sessions SET status = $1, updated_at = NOW() WHERE id = $2 AND status = ANY($3)`,
		string(to), id, from)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: upload %s cannot enter %q", ErrInvalidTransition, id, to)
	}
	return nil
}

func allowedFrom(to models.UploadStatus) []string {
	all := []models.UploadStatus{
		models.UploadStatusPending, models.UploadStatusUploading, models.UploadStatusPaused,
		models.UploadStatusProcessing, models.UploadStatusCompleted, models.UploadStatusFailed,
	}
	var from []string
	for _, f := range all {
		if models.CanTransitionUpload(f, to) {
			from = append(from, string(f))
		}
	}
	return from
}

// CompleteUpload records the published identifiers and marks the session
// completed.
func (r *Repository) CompleteUpload(ctx context.Context, id uuid.UUID, videoID, videoURL string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE upload_sessions SET status = 'completed', video_id = $1, video_url = $2,
		 bytes_uploaded = file_size, error = '', updated_at = NOW() WHERE id = $3`,
		videoID, videoURL, id)
	return err
}

// FailUpload marks the session failed with a human-readable error. Failed
// sessions stay in the queue until cancelled or conditions change.
func (r *Repository) FailUpload(ctx context.Context, id uuid.UUID, msg string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE upload_sessions SET status = 'failed', error = $1, updated_at = NOW() WHERE id = $2`, msg, id)
	return err
}

// CancelUpload removes the session. The only path that ever deletes one.
func (r *Repository) CancelUpload(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM upload_sessions WHERE id = $1`, id)
	return err
}
