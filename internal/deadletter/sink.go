// Package deadletter manages the parking lot for jobs that exhausted their
// retry budget: inspection, manual replay as fresh jobs, and retention
// sweeping.
package deadletter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ingest-orchestrator/internal/models"
	"ingest-orchestrator/internal/queue"
	"ingest-orchestrator/internal/telemetry"
)

// Store is the persistence subset the sink needs.
type Store interface {
	GetDeadLetter(ctx context.Context, jobID string) (models.DeadLetterEntry, error)
	ListDeadLetters(ctx context.Context, page, limit int) ([]models.DeadLetterEntry, int, error)
	PurgeDeadLetters(ctx context.Context, olderThan time.Time) (int64, error)
	DeadLetterDepth(ctx context.Context) (int64, error)
	CreateJob(ctx context.Context, job models.Job) error
	MarkFailed(ctx context.Context, id string, retryCount int, lastErr string) error
}

// Publisher emits job events.
type Publisher interface {
	Publish(ctx context.Context, jobID, tenant, eventType string, payload map[string]any) (models.Event, error)
}

// Sink exposes dead-letter operations. Entries are immutable once written;
// replay mints a brand new job and leaves the original entry in place for
// audit.
type Sink struct {
	store      Store
	queue      queue.Queue
	pub        Publisher
	retention  time.Duration
	alertDepth int64
	log        *zap.Logger
}

// New builds a sink. retention bounds how long entries are kept; alertDepth
// is the backlog size above which the sweeper logs a warning.
func New(st Store, q queue.Queue, pub Publisher, retention time.Duration, alertDepth int64, log *zap.Logger) *Sink {
	if log == nil {
		log = zap.NewNop()
	}
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &Sink{store: st, queue: q, pub: pub, retention: retention, alertDepth: alertDepth, log: log}
}

// List returns one page of entries plus the total count.
func (s *Sink) List(ctx context.Context, page, limit int) ([]models.DeadLetterEntry, int, error) {
	return s.store.ListDeadLetters(ctx, page, limit)
}

// Get returns the entry for one job id.
func (s *Sink) Get(ctx context.Context, jobID string) (models.DeadLetterEntry, error) {
	return s.store.GetDeadLetter(ctx, jobID)
}

// Replay resubmits a dead-lettered job as a new job with a fresh id and a
// reset retry budget. The dead-letter entry is not consumed, so a replay that
// dead-letters again stays distinguishable from the original.
func (s *Sink) Replay(ctx context.Context, jobID string) (models.Job, error) {
	entry, err := s.store.GetDeadLetter(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}

	now := time.Now().UTC()
	job := models.Job{
		ID:         uuid.NewString(),
		Tenant:     entry.Snapshot.Tenant,
		SourceType: entry.Snapshot.SourceType,
		Mode:       entry.Snapshot.Mode,
		Priority:   entry.Snapshot.Priority,
		Status:     models.StatusPending,
		Input:      entry.Snapshot.Input,
		MaxRetries: entry.Snapshot.MaxRetries,
		NextRunAt:  now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return models.Job{}, fmt.Errorf("create replay job: %w", err)
	}

	if _, err := s.pub.Publish(ctx, job.ID, job.Tenant, models.EventJobAccepted, map[string]any{
		"replay_of": jobID,
		"priority":  job.Priority,
	}); err != nil {
		s.log.Warn("replay accepted event failed", zap.String("job_id", job.ID), zap.Error(err))
	}

	if err := s.queue.Enqueue(ctx, job.ID, job.Priority, now); err != nil {
		// Never leave the freshly minted row pending with no queue entry.
		if mfErr := s.store.MarkFailed(ctx, job.ID, 0, "enqueue failed: "+err.Error()); mfErr != nil {
			s.log.Error("orphaned replay job", zap.String("job_id", job.ID), zap.Error(mfErr))
		}
		return models.Job{}, fmt.Errorf("enqueue replay job: %w", err)
	}

	s.log.Info("dead letter replayed",
		zap.String("original_job_id", jobID),
		zap.String("new_job_id", job.ID))
	return job, nil
}

// Sweep purges entries older than the retention window and refreshes the
// depth gauge, warning when the backlog crosses the alert threshold.
func (s *Sink) Sweep(ctx context.Context) error {
	purged, err := s.store.PurgeDeadLetters(ctx, time.Now().UTC().Add(-s.retention))
	if err != nil {
		return fmt.Errorf("purge dead letters: %w", err)
	}
	if purged > 0 {
		s.log.Info("dead letters purged", zap.Int64("count", purged))
	}

	depth, err := s.store.DeadLetterDepth(ctx)
	if err != nil {
		return fmt.Errorf("dead letter depth: %w", err)
	}
	telemetry.DeadLetterDepthGauge.Set(float64(depth))
	if s.alertDepth > 0 && depth > s.alertDepth {
		s.log.Warn("dead letter backlog above alert threshold",
			zap.Int64("depth", depth),
			zap.Int64("threshold", s.alertDepth))
	}
	return nil
}

// RunSweeper sweeps on the given interval until ctx is done.
func (s *Sink) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.log.Error("dead letter sweep failed", zap.Error(err))
			}
		}
	}
}
