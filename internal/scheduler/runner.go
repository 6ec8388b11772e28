package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"ingest-orchestrator/internal/models"
	"ingest-orchestrator/internal/pipeline"
	"ingest-orchestrator/internal/queue"
	"ingest-orchestrator/internal/retry"
	"ingest-orchestrator/internal/store"
	"ingest-orchestrator/internal/telemetry"
)

// RunnerStore is the persistence subset the runner needs.
type RunnerStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	ScheduleRetry(ctx context.Context, id string, retryCount int, nextRun time.Time, lastErr string) error
	MarkFailed(ctx context.Context, id string, retryCount int, lastErr string) error
	RecordAttempt(ctx context.Context, a models.Attempt) error
	ListAttempts(ctx context.Context, jobID string) ([]models.Attempt, error)
	InsertDeadLetter(ctx context.Context, e models.DeadLetterEntry) error
}

// JobRunner executes one leased job to completion or classified failure.
type JobRunner interface {
	Run(ctx context.Context, job models.Job) error
}

// Options tunes the runner loops.
type Options struct {
	PollInterval time.Duration
	Visibility   time.Duration
	BatchSize    int64
	// Concurrency maps priority to worker pool size. Keys define which
	// priority tiers are polled.
	Concurrency map[string]int
}

// Runner leases ready jobs into per-priority worker pools. High-priority work
// never waits behind a saturated lower tier because each tier owns its pool.
type Runner struct {
	store  RunnerStore
	queue  queue.Queue
	pipe   JobRunner
	pub    Publisher
	policy *retry.Policy
	opts   Options
	pools  map[string]*ants.Pool
	log    *zap.Logger
}

// NewRunner builds a runner with one pool per configured priority.
func NewRunner(st RunnerStore, q queue.Queue, pipe JobRunner, pub Publisher, policy *retry.Policy, opts Options, log *zap.Logger) (*Runner, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if policy == nil {
		policy = retry.NewPolicy(0)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Visibility <= 0 {
		opts.Visibility = 10 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if len(opts.Concurrency) == 0 {
		opts.Concurrency = map[string]int{models.PriorityNormal: 10}
	}

	pools := make(map[string]*ants.Pool, len(opts.Concurrency))
	for priority, size := range opts.Concurrency {
		pool, err := ants.NewPool(size, ants.WithNonblocking(true))
		if err != nil {
			return nil, err
		}
		pools[priority] = pool
	}
	return &Runner{store: st, queue: q, pipe: pipe, pub: pub, policy: policy, opts: opts, pools: pools, log: log}, nil
}

// Run drives the dispatch and maintenance loops until ctx is done.
func (r *Runner) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for priority := range r.pools {
		wg.Add(1)
		go func(priority string) {
			defer wg.Done()
			r.dispatchLoop(ctx, priority)
		}(priority)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.maintenanceLoop(ctx)
	}()
	wg.Wait()
	for _, pool := range r.pools {
		pool.Release()
	}
}

// dispatchLoop polls one priority tier, leasing work only while the tier's
// pool has free slots so leases are never held by queued-up goroutines.
func (r *Runner) dispatchLoop(ctx context.Context, priority string) {
	pool := r.pools[priority]
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for pool.Free() > 0 {
			jobID, err := r.queue.DequeueWithLease(ctx, priority)
			if err != nil {
				if ctx.Err() == nil {
					r.log.Error("dequeue failed", zap.String("priority", priority), zap.Error(err))
				}
				break
			}
			if jobID == "" {
				break
			}
			telemetry.InFlightGauge.Inc()
			id := jobID
			if err := pool.Submit(func() {
				defer telemetry.InFlightGauge.Dec()
				r.runJob(ctx, id)
			}); err != nil {
				telemetry.InFlightGauge.Dec()
				// Pool filled between Free and Submit; the lease will expire
				// and the reclaim path takes over.
				r.log.Warn("pool submit failed", zap.String("job_id", id), zap.Error(err))
				break
			}
		}
	}
}

func (r *Runner) runJob(ctx context.Context, jobID string) {
	startedAt := time.Now().UTC()
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.ack(ctx, jobID)
			return
		}
		r.log.Error("load job failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if models.IsTerminal(job.Status) {
		// Cancelled or completed while sitting in the queue.
		r.ack(ctx, jobID)
		return
	}

	r.publish(ctx, job, models.EventProcessingStarted, map[string]any{
		"attempt": job.RetryCount + 1,
	})

	leaseCtx, stopLease := context.WithCancel(ctx)
	go r.keepLease(leaseCtx, jobID)
	runErr := r.pipe.Run(ctx, job)
	stopLease()

	switch {
	case runErr == nil:
		final, err := r.store.GetJob(ctx, jobID)
		if err != nil {
			final = job
		}
		r.publish(ctx, final, models.EventJobCompleted, map[string]any{
			"items_total":     final.ItemsTotal,
			"items_succeeded": final.ItemsSucceeded,
			"items_failed":    final.ItemsFailed,
		})
		telemetry.JobsCompleted.Inc()
		r.ack(ctx, jobID)
	case errors.Is(runErr, pipeline.ErrCancelled):
		r.log.Info("job cancelled mid-run", zap.String("job_id", jobID))
		r.ack(ctx, jobID)
	case errors.Is(runErr, pipeline.ErrLeaseLost):
		// Another actor owns the job; drop this worker's claim silently.
		r.log.Warn("lease lost, discarding results", zap.String("job_id", jobID))
	default:
		r.handleFailure(ctx, job, startedAt, runErr)
	}
}

// handleFailure records the attempt durably before any retry or dead-letter
// decision, so a crash between the two never loses history.
func (r *Runner) handleFailure(ctx context.Context, job models.Job, startedAt time.Time, runErr error) {
	now := time.Now().UTC()
	class := retry.Classify(runErr)
	stage := retry.StageOf(runErr)
	attempt := job.RetryCount + 1

	if err := r.store.RecordAttempt(ctx, models.Attempt{
		JobID:      job.ID,
		Number:     attempt,
		StartedAt:  startedAt,
		EndedAt:    now,
		ErrorClass: string(class),
		Stage:      stage,
		Error:      runErr.Error(),
	}); err != nil {
		r.log.Error("record attempt failed", zap.String("job_id", job.ID), zap.Error(err))
	}

	decision := r.policy.Decide(attempt, class)
	if !decision.Retry {
		r.deadLetter(ctx, job, attempt, class, stage, runErr)
		return
	}

	nextRun := now.Add(decision.Delay)
	if err := r.store.ScheduleRetry(ctx, job.ID, attempt, nextRun, runErr.Error()); err != nil {
		// The job reached a terminal state under us (e.g. cancelled).
		r.log.Info("retry skipped", zap.String("job_id", job.ID), zap.Error(err))
		r.ack(ctx, job.ID)
		return
	}
	r.ack(ctx, job.ID)
	if err := r.queue.Schedule(ctx, job.ID, job.Priority, nextRun); err != nil {
		r.log.Error("schedule retry failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	r.publish(ctx, job, models.EventJobRetrying, map[string]any{
		"attempt":     attempt,
		"error_class": string(class),
		"delay_ms":    decision.Delay.Milliseconds(),
	})
	telemetry.JobsRetried.Inc()
	r.log.Info("job retry scheduled",
		zap.String("job_id", job.ID),
		zap.Int("attempt", attempt),
		zap.String("class", string(class)),
		zap.Duration("delay", decision.Delay))
}

func (r *Runner) deadLetter(ctx context.Context, job models.Job, attempt int, class retry.Class, stage string, runErr error) {
	// retry_count records retries consumed, not executions: attempt n is the
	// initial run plus n-1 retries, so the terminal row keeps attempt-1 and
	// never exceeds max_retries.
	if err := r.store.MarkFailed(ctx, job.ID, attempt-1, runErr.Error()); err != nil {
		r.log.Error("mark failed errored", zap.String("job_id", job.ID), zap.Error(err))
	}
	snapshot, err := r.store.GetJob(ctx, job.ID)
	if err != nil {
		snapshot = job
	}
	attempts, err := r.store.ListAttempts(ctx, job.ID)
	if err != nil {
		r.log.Error("list attempts failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	if err := r.store.InsertDeadLetter(ctx, models.DeadLetterEntry{
		JobID:      job.ID,
		Snapshot:   snapshot,
		Attempts:   attempts,
		FinalError: runErr.Error(),
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		r.log.Error("insert dead letter failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	r.publish(ctx, job, models.EventJobFailed, map[string]any{
		"attempt":     attempt,
		"error_class": string(class),
		"stage":       stage,
		"error":       runErr.Error(),
	})
	telemetry.JobsDeadLettered.Inc()
	r.ack(ctx, job.ID)
	r.log.Warn("job dead lettered",
		zap.String("job_id", job.ID),
		zap.Int("attempts", attempt),
		zap.String("class", string(class)))
}

// keepLease extends the visibility timeout while the pipeline runs.
func (r *Runner) keepLease(ctx context.Context, jobID string) {
	ticker := time.NewTicker(r.opts.Visibility / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.queue.ExtendLease(ctx, jobID, r.opts.Visibility); err != nil && ctx.Err() == nil {
				r.log.Warn("extend lease failed", zap.String("job_id", jobID), zap.Error(err))
			}
		}
	}
}

// maintenanceLoop promotes due scheduled jobs, reclaims expired leases, and
// refreshes the queue depth gauge.
func (r *Runner) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now().UTC()

		if _, err := r.queue.PromoteScheduled(ctx, now, r.opts.BatchSize); err != nil && ctx.Err() == nil {
			r.log.Error("promote scheduled failed", zap.Error(err))
		}

		expired, err := r.queue.RequeueExpired(ctx, now, r.opts.BatchSize)
		if err != nil && ctx.Err() == nil {
			r.log.Error("requeue expired failed", zap.Error(err))
		}
		for _, jobID := range expired {
			telemetry.LeasesReclaimed.Inc()
			r.reclaim(ctx, jobID)
		}

		if depth, err := r.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
	}
}

// reclaim charges a lease expiry against the job's retry budget as a worker
// crash. The queue already put the job back on its ready list; a backoff or
// terminal decision moves it off again.
func (r *Runner) reclaim(ctx context.Context, jobID string) {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		r.log.Error("reclaim load failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if models.IsTerminal(job.Status) {
		_ = r.queue.Cancel(ctx, jobID)
		return
	}

	now := time.Now().UTC()
	attempt := job.RetryCount + 1
	crashErr := errors.New("worker lease expired")
	if err := r.store.RecordAttempt(ctx, models.Attempt{
		JobID:      jobID,
		Number:     attempt,
		StartedAt:  now,
		EndedAt:    now,
		ErrorClass: string(retry.ClassWorkerCrash),
		Error:      crashErr.Error(),
	}); err != nil {
		r.log.Error("record crash attempt failed", zap.String("job_id", jobID), zap.Error(err))
	}

	decision := r.policy.Decide(attempt, retry.ClassWorkerCrash)
	if !decision.Retry {
		_ = r.queue.Cancel(ctx, jobID)
		r.deadLetter(ctx, job, attempt, retry.ClassWorkerCrash, "", crashErr)
		return
	}

	nextRun := now.Add(decision.Delay)
	if err := r.store.ScheduleRetry(ctx, jobID, attempt, nextRun, crashErr.Error()); err != nil {
		r.log.Info("reclaim retry skipped", zap.String("job_id", jobID), zap.Error(err))
		_ = r.queue.Cancel(ctx, jobID)
		return
	}
	// Move the immediate requeue onto the backoff schedule.
	if err := r.queue.Cancel(ctx, jobID); err != nil {
		r.log.Warn("reclaim dequeue failed", zap.String("job_id", jobID), zap.Error(err))
	}
	if err := r.queue.Schedule(ctx, jobID, job.Priority, nextRun); err != nil {
		r.log.Error("reclaim schedule failed", zap.String("job_id", jobID), zap.Error(err))
	}
	r.publish(ctx, job, models.EventJobRetrying, map[string]any{
		"attempt":     attempt,
		"error_class": string(retry.ClassWorkerCrash),
		"delay_ms":    decision.Delay.Milliseconds(),
	})
	telemetry.JobsRetried.Inc()
}

func (r *Runner) ack(ctx context.Context, jobID string) {
	if err := r.queue.Ack(ctx, jobID); err != nil && ctx.Err() == nil {
		r.log.Warn("ack failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (r *Runner) publish(ctx context.Context, job models.Job, eventType string, payload map[string]any) {
	if _, err := r.pub.Publish(ctx, job.ID, job.Tenant, eventType, payload); err != nil {
		r.log.Warn("publish event failed",
			zap.String("job_id", job.ID),
			zap.String("type", eventType),
			zap.Error(err))
	}
}
