// Package scheduler owns job admission and execution: the intake service
// validates and enqueues submissions, and the runner leases ready jobs into
// per-priority worker pools, applying the retry policy to failures.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ingest-orchestrator/internal/models"
	"ingest-orchestrator/internal/queue"
	"ingest-orchestrator/internal/telemetry"
)

// ErrInvalid marks a submission rejected by validation. The API maps it to a
// 400 response.
var ErrInvalid = errors.New("invalid submission")

// Submission is a validated-on-entry request to ingest content.
type Submission struct {
	Tenant     string       `json:"tenant"`
	SourceType string       `json:"source_type"`
	Mode       string       `json:"mode"`
	Priority   string       `json:"priority"`
	Input      models.Input `json:"input"`
}

// Admitter gates submissions per tenant and priority.
type Admitter interface {
	Allow(ctx context.Context, tenant, priority string) error
}

// IntakeStore is the persistence subset intake needs.
type IntakeStore interface {
	CreateJob(ctx context.Context, job models.Job) error
	MarkFailed(ctx context.Context, id string, retryCount int, lastErr string) error
}

// Publisher emits job events.
type Publisher interface {
	Publish(ctx context.Context, jobID, tenant, eventType string, payload map[string]any) (models.Event, error)
}

// Intake admits, persists, and enqueues new jobs. Admission is fail-fast: a
// rate-limited submission is rejected immediately, never parked.
type Intake struct {
	store      IntakeStore
	queue      queue.Queue
	limiter    Admitter
	pub        Publisher
	maxItems   int
	maxRetries int
	log        *zap.Logger
}

// NewIntake builds the intake service.
func NewIntake(st IntakeStore, q queue.Queue, limiter Admitter, pub Publisher, maxItems, maxRetries int, log *zap.Logger) *Intake {
	if log == nil {
		log = zap.NewNop()
	}
	if maxItems <= 0 {
		maxItems = 10000
	}
	if maxRetries < 0 {
		maxRetries = 3
	}
	return &Intake{store: st, queue: q, limiter: limiter, pub: pub, maxItems: maxItems, maxRetries: maxRetries, log: log}
}

// Submit validates the submission, checks the tenant's admission quota, and
// creates a pending job on the ready queue. The returned job carries the
// assigned id.
func (i *Intake) Submit(ctx context.Context, sub Submission) (models.Job, error) {
	sub = withDefaults(sub)
	if err := i.validate(sub); err != nil {
		return models.Job{}, err
	}

	if err := i.limiter.Allow(ctx, sub.Tenant, sub.Priority); err != nil {
		telemetry.AdmissionRejects.Inc()
		return models.Job{}, err
	}

	now := time.Now().UTC()
	job := models.Job{
		ID:         uuid.NewString(),
		Tenant:     sub.Tenant,
		SourceType: sub.SourceType,
		Mode:       sub.Mode,
		Priority:   sub.Priority,
		Status:     models.StatusPending,
		Input:      sub.Input,
		MaxRetries: i.maxRetries,
		NextRunAt:  now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := i.store.CreateJob(ctx, job); err != nil {
		return models.Job{}, fmt.Errorf("create job: %w", err)
	}

	if _, err := i.pub.Publish(ctx, job.ID, job.Tenant, models.EventJobAccepted, map[string]any{
		"priority":    job.Priority,
		"mode":        job.Mode,
		"source_type": job.SourceType,
	}); err != nil {
		i.log.Warn("accepted event failed", zap.String("job_id", job.ID), zap.Error(err))
	}

	if err := i.queue.Enqueue(ctx, job.ID, job.Priority, now); err != nil {
		// Without a queue entry behind it the pending row would sit forever;
		// fail it so the caller's error matches the stored state.
		if mfErr := i.store.MarkFailed(ctx, job.ID, 0, "enqueue failed: "+err.Error()); mfErr != nil {
			i.log.Error("orphaned pending job", zap.String("job_id", job.ID), zap.Error(mfErr))
		}
		return models.Job{}, fmt.Errorf("enqueue job: %w", err)
	}

	telemetry.JobsSubmitted.Inc()
	i.log.Info("job accepted",
		zap.String("job_id", job.ID),
		zap.String("tenant", job.Tenant),
		zap.String("priority", job.Priority))
	return job, nil
}

func withDefaults(sub Submission) Submission {
	if sub.Priority == "" {
		sub.Priority = models.PriorityNormal
	}
	if sub.Mode == "" {
		sub.Mode = models.ModeRealtime
	}
	return sub
}

func (i *Intake) validate(sub Submission) error {
	if sub.Tenant == "" {
		return fmt.Errorf("%w: tenant is required", ErrInvalid)
	}
	switch sub.Priority {
	case models.PriorityLow, models.PriorityNormal, models.PriorityHigh:
	default:
		return fmt.Errorf("%w: unknown priority %q", ErrInvalid, sub.Priority)
	}
	switch sub.Mode {
	case models.ModeHistorical, models.ModeRealtime, models.ModeScheduled:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalid, sub.Mode)
	}

	in := sub.Input
	switch in.Kind {
	case models.InputItems:
		if len(in.Items) == 0 {
			return fmt.Errorf("%w: items input requires at least one item", ErrInvalid)
		}
		if len(in.Items) > i.maxItems {
			return fmt.Errorf("%w: %d items exceeds the limit of %d", ErrInvalid, len(in.Items), i.maxItems)
		}
	case models.InputAccounts:
		if len(in.Accounts) == 0 {
			return fmt.Errorf("%w: accounts input requires at least one account", ErrInvalid)
		}
	case models.InputKeywords:
		if len(in.Keywords) == 0 {
			return fmt.Errorf("%w: keywords input requires at least one keyword", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown input kind %q", ErrInvalid, in.Kind)
	}

	if in.DateRange != nil && in.DateRange.End.Before(in.DateRange.Start) {
		return fmt.Errorf("%w: date range end precedes start", ErrInvalid)
	}
	return nil
}
