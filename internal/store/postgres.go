package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"ingest-orchestrator/internal/models"
)

var (
	// ErrNotFound is returned when a job or dead-letter entry does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when an optimistic-concurrency check
	// misses; the caller must re-read and discard its stale view.
	ErrVersionConflict = errors.New("version conflict")
)

// Store wraps pgxpool for Postgres persistence. It is the single source of
// truth for job state; all mutations carry a version check so a worker that
// lost its lease cannot clobber newer state.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, tenant, source_type, mode, priority, status, input,
	items_total, items_processed, items_succeeded, items_failed,
	retry_count, max_retries, last_error, version, next_run_at,
	created_at, started_at, completed_at, updated_at`

// CreateJob inserts a new pending job row.
func (s *Store) CreateJob(ctx context.Context, job models.Job) error {
	inputJSON, err := json.Marshal(job.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, tenant, source_type, mode, priority, status, input,
			items_total, items_processed, items_succeeded, items_failed,
			retry_count, max_retries, version, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, 0, 0, 0, $9, 0, $10, $11, $11)
	`, job.ID, job.Tenant, job.SourceType, job.Mode, job.Priority, job.Status, inputJSON,
		job.ItemsTotal, job.MaxRetries, job.NextRunAt, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, err
}

// ListFilter narrows ListJobs results.
type ListFilter struct {
	Tenant string
	Status string
	Page   int
	Limit  int
}

// ListJobs returns a page of jobs newest-first plus the total match count.
func (s *Store) ListJobs(ctx context.Context, f ListFilter) ([]models.Job, int, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 || f.Limit > 100 {
		f.Limit = 20
	}
	where := ` WHERE ($1 = '' OR tenant = $1) AND ($2 = '' OR status = $2)`

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs`+where, f.Tenant, f.Status).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs`+where+`
		ORDER BY created_at DESC LIMIT $3 OFFSET $4`,
		f.Tenant, f.Status, f.Limit, (f.Page-1)*f.Limit)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, job)
	}
	return jobs, total, rows.Err()
}

// TransitionStatus advances the job state machine under the version check.
// Entering ingesting stamps started_at; terminal states stamp completed_at.
func (s *Store) TransitionStatus(ctx context.Context, id string, expectedVersion int, status string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $3,
		    started_at = CASE WHEN $3 = 'ingesting' AND started_at IS NULL THEN NOW() ELSE started_at END,
		    completed_at = CASE WHEN $3 IN ('completed', 'failed', 'cancelled') THEN NOW() ELSE completed_at END,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING `+jobColumns, id, expectedVersion, status)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, s.conflictOrMissing(ctx, id)
	}
	return job, err
}

// UpdateProgress sets the progress counters under the version check.
func (s *Store) UpdateProgress(ctx context.Context, id string, expectedVersion, total, processed, succeeded, failed int) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET items_total = $3, items_processed = $4, items_succeeded = $5, items_failed = $6,
		    version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING `+jobColumns, id, expectedVersion, total, processed, succeeded, failed)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, s.conflictOrMissing(ctx, id)
	}
	return job, err
}

// ScheduleRetry returns a non-terminal job to pending with an incremented
// retry count and a deferred next run. Used by both the failing worker and the
// lease-reclaim path, so it guards on status rather than version.
func (s *Store) ScheduleRetry(ctx context.Context, id string, retryCount int, nextRun time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'pending', retry_count = $2, next_run_at = $3, last_error = $4,
		    version = version + 1, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')
	`, id, retryCount, nextRun, lastErr)
	if err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s not retryable: %w", id, ErrVersionConflict)
	}
	return nil
}

// MarkFailed terminally fails a job.
func (s *Store) MarkFailed(ctx context.Context, id string, retryCount int, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'failed', retry_count = $2, last_error = $3,
		    completed_at = NOW(), version = version + 1, updated_at = NOW()
		WHERE id = $1
	`, id, retryCount, lastErr)
	return err
}

// MarkCancelled cancels a job unless it already reached a terminal state.
func (s *Store) MarkCancelled(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'cancelled', completed_at = NOW(), version = version + 1, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s not cancellable: %w", id, ErrVersionConflict)
	}
	return nil
}

// RecordAttempt appends one execution try. Attempts are append-only; a
// duplicate number means the failure was already durably recorded.
func (s *Store) RecordAttempt(ctx context.Context, a models.Attempt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO attempts (job_id, number, started_at, ended_at, error_class, stage, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (job_id, number) DO NOTHING
	`, a.JobID, a.Number, a.StartedAt, a.EndedAt, emptyToNil(a.ErrorClass), emptyToNil(a.Stage), emptyToNil(a.Error))
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// ListAttempts returns a job's attempts in order.
func (s *Store) ListAttempts(ctx context.Context, jobID string) ([]models.Attempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, number, started_at, ended_at, error_class, stage, error
		FROM attempts WHERE job_id = $1 ORDER BY number
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []models.Attempt
	for rows.Next() {
		var a models.Attempt
		var class, stage, errText pgtype.Text
		if err := rows.Scan(&a.JobID, &a.Number, &a.StartedAt, &a.EndedAt, &class, &stage, &errText); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.ErrorClass = class.String
		a.Stage = stage.String
		a.Error = errText.String
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// InsertDeadLetter parks a terminally failed job. Insert-once: a second call
// for the same job is a no-op so the entry is never revised.
func (s *Store) InsertDeadLetter(ctx context.Context, e models.DeadLetterEntry) error {
	snapshot, err := json.Marshal(e.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	attempts, err := json.Marshal(e.Attempts)
	if err != nil {
		return fmt.Errorf("marshal attempts: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO dead_letters (job_id, snapshot, attempts, final_error, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (job_id) DO NOTHING
	`, e.JobID, snapshot, attempts, e.FinalError, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// GetDeadLetter fetches one entry by job id.
func (s *Store) GetDeadLetter(ctx context.Context, jobID string) (models.DeadLetterEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT job_id, snapshot, attempts, final_error, created_at
		FROM dead_letters WHERE job_id = $1
	`, jobID)
	entry, err := scanDeadLetter(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DeadLetterEntry{}, fmt.Errorf("dead letter %s: %w", jobID, ErrNotFound)
	}
	return entry, err
}

// ListDeadLetters returns a page of entries oldest-first plus the total count.
func (s *Store) ListDeadLetters(ctx context.Context, page, limit int) ([]models.DeadLetterEntry, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count dead letters: %w", err)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, snapshot, attempts, final_error, created_at
		FROM dead_letters ORDER BY created_at LIMIT $1 OFFSET $2
	`, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var entries []models.DeadLetterEntry
	for rows.Next() {
		entry, err := scanDeadLetter(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, entry)
	}
	return entries, total, rows.Err()
}

// PurgeDeadLetters removes entries older than the cutoff and reports how many.
func (s *Store) PurgeDeadLetters(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM dead_letters WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeadLetterDepth returns the current number of parked jobs.
func (s *Store) DeadLetterDepth(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("dead letter depth: %w", err)
	}
	return n, nil
}

// AppendEvent assigns the next per-job sequence id and persists the event.
// Concurrent appends for the same job resolve through the primary key; the
// loser recomputes its sequence and retries.
func (s *Store) AppendEvent(ctx context.Context, ev models.Event) (models.Event, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return models.Event{}, fmt.Errorf("marshal payload: %w", err)
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	for i := 0; i < 5; i++ {
		err := s.pool.QueryRow(ctx, `
			INSERT INTO job_events (job_id, seq, type, tenant, payload, created_at)
			SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5
			FROM job_events WHERE job_id = $1
			RETURNING seq
		`, ev.JobID, ev.Type, ev.Tenant, payload, ev.CreatedAt).Scan(&ev.Seq)
		if err == nil {
			return ev, nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			continue
		}
		return models.Event{}, fmt.Errorf("append event: %w", err)
	}
	return models.Event{}, fmt.Errorf("append event for %s: too many sequence conflicts", ev.JobID)
}

// EventsAfter returns up to limit events for the job with seq > after, in
// sequence order. This is the replay path for resuming consumers.
func (s *Store) EventsAfter(ctx context.Context, jobID string, after int64, limit int) ([]models.Event, error) {
	if limit < 1 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, seq, type, tenant, payload, created_at
		FROM job_events WHERE job_id = $1 AND seq > $2
		ORDER BY seq LIMIT $3
	`, jobID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("events after: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var ev models.Event
		var payload []byte
		if err := rows.Scan(&ev.JobID, &ev.Seq, &ev.Type, &ev.Tenant, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal event payload: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// conflictOrMissing disambiguates a zero-row OCC update.
func (s *Store) conflictOrMissing(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check job %s: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("job %s: %w", id, ErrVersionConflict)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var inputJSON []byte
	var lastErr pgtype.Text
	var startedAt, completedAt pgtype.Timestamptz

	err := row.Scan(&job.ID, &job.Tenant, &job.SourceType, &job.Mode, &job.Priority, &job.Status,
		&inputJSON, &job.ItemsTotal, &job.ItemsProcessed, &job.ItemsSucceeded, &job.ItemsFailed,
		&job.RetryCount, &job.MaxRetries, &lastErr, &job.Version, &job.NextRunAt,
		&job.CreatedAt, &startedAt, &completedAt, &job.UpdatedAt)
	if err != nil {
		return models.Job{}, err
	}
	if err := json.Unmarshal(inputJSON, &job.Input); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal input: %w", err)
	}
	job.LastError = textPtr(lastErr)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	return job, nil
}

func scanDeadLetter(row rowScanner) (models.DeadLetterEntry, error) {
	var entry models.DeadLetterEntry
	var snapshot, attempts []byte
	if err := row.Scan(&entry.JobID, &snapshot, &attempts, &entry.FinalError, &entry.CreatedAt); err != nil {
		return models.DeadLetterEntry{}, err
	}
	if err := json.Unmarshal(snapshot, &entry.Snapshot); err != nil {
		return models.DeadLetterEntry{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if err := json.Unmarshal(attempts, &entry.Attempts); err != nil {
		return models.DeadLetterEntry{}, fmt.Errorf("unmarshal attempts: %w", err)
	}
	return entry, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
