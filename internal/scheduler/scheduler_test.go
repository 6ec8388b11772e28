package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ingest-orchestrator/internal/models"
	"ingest-orchestrator/internal/pipeline"
	"ingest-orchestrator/internal/ratelimit"
	"ingest-orchestrator/internal/retry"
	"ingest-orchestrator/internal/store"
)

type fakeStore struct {
	mu          sync.Mutex
	jobs        map[string]models.Job
	attempts    map[string][]models.Attempt
	deadLetters map[string]models.DeadLetterEntry
	retries     []retryCall
}

type retryCall struct {
	jobID      string
	retryCount int
	nextRun    time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:        make(map[string]models.Job),
		attempts:    make(map[string][]models.Attempt),
		deadLetters: make(map[string]models.DeadLetterEntry),
	}
}

func (f *fakeStore) CreateJob(_ context.Context, job models.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeStore) GetJob(_ context.Context, id string) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return models.Job{}, store.ErrNotFound
	}
	return job, nil
}

func (f *fakeStore) ScheduleRetry(_ context.Context, id string, retryCount int, nextRun time.Time, lastErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok || models.IsTerminal(job.Status) {
		return store.ErrVersionConflict
	}
	job.Status = models.StatusPending
	job.RetryCount = retryCount
	job.NextRunAt = nextRun
	job.LastError = &lastErr
	f.jobs[id] = job
	f.retries = append(f.retries, retryCall{jobID: id, retryCount: retryCount, nextRun: nextRun})
	return nil
}

func (f *fakeStore) MarkFailed(_ context.Context, id string, retryCount int, lastErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := f.jobs[id]
	job.Status = models.StatusFailed
	job.RetryCount = retryCount
	job.LastError = &lastErr
	f.jobs[id] = job
	return nil
}

func (f *fakeStore) RecordAttempt(_ context.Context, a models.Attempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[a.JobID] = append(f.attempts[a.JobID], a)
	return nil
}

func (f *fakeStore) ListAttempts(_ context.Context, jobID string) ([]models.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[jobID], nil
}

func (f *fakeStore) InsertDeadLetter(_ context.Context, e models.DeadLetterEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.deadLetters[e.JobID]; !exists {
		f.deadLetters[e.JobID] = e
	}
	return nil
}

type fakeQueue struct {
	mu         sync.Mutex
	enqueued   []string
	scheduled  []retryCall
	acked      []string
	cancelled  []string
	enqueueErr error
}

func (f *fakeQueue) Enqueue(_ context.Context, jobID, priority string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.enqueued = append(f.enqueued, jobID)
	return nil
}

func (f *fakeQueue) Schedule(_ context.Context, jobID, priority string, runAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, retryCall{jobID: jobID, nextRun: runAt})
	return nil
}

func (f *fakeQueue) PromoteScheduled(context.Context, time.Time, int64) (int, error) { return 0, nil }
func (f *fakeQueue) DequeueWithLease(context.Context, string) (string, error)        { return "", nil }
func (f *fakeQueue) ExtendLease(context.Context, string, time.Duration) error        { return nil }

func (f *fakeQueue) Ack(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, jobID)
	return nil
}

func (f *fakeQueue) RequeueExpired(context.Context, time.Time, int64) ([]string, error) {
	return nil, nil
}

func (f *fakeQueue) Cancel(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, jobID)
	return nil
}

func (f *fakeQueue) ReadyDepth(context.Context) (int64, error) { return 0, nil }

type fakePub struct {
	mu     sync.Mutex
	events []models.Event
}

func (f *fakePub) Publish(_ context.Context, jobID, tenant, eventType string, payload map[string]any) (models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev := models.Event{JobID: jobID, Tenant: tenant, Type: eventType, Payload: payload}
	f.events = append(f.events, ev)
	return ev, nil
}

func (f *fakePub) typesFor(jobID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, ev := range f.events {
		if ev.JobID == jobID {
			out = append(out, ev.Type)
		}
	}
	return out
}

type allowAll struct{}

func (allowAll) Allow(context.Context, string, string) error { return nil }

type denyAll struct{}

func (denyAll) Allow(context.Context, string, string) error { return ratelimit.ErrRateLimited }

type fakePipe struct {
	err error
}

func (f *fakePipe) Run(context.Context, models.Job) error { return f.err }

func validSubmission() Submission {
	return Submission{
		Tenant: "acme",
		Input: models.Input{
			Kind:  models.InputItems,
			Items: []models.Item{{Content: "hello"}},
		},
	}
}

func TestSubmitDefaultsAndEnqueues(t *testing.T) {
	st := newFakeStore()
	q := &fakeQueue{}
	pub := &fakePub{}
	intake := NewIntake(st, q, allowAll{}, pub, 100, 3, nil)

	job, err := intake.Submit(context.Background(), validSubmission())
	require.NoError(t, err)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, models.StatusPending, job.Status)
	assert.Equal(t, models.PriorityNormal, job.Priority, "priority defaults to normal")
	assert.Equal(t, models.ModeRealtime, job.Mode, "mode defaults to realtime")
	assert.Equal(t, 3, job.MaxRetries)

	require.Len(t, q.enqueued, 1)
	assert.Equal(t, job.ID, q.enqueued[0])
	assert.Equal(t, []string{models.EventJobAccepted}, pub.typesFor(job.ID))
}

func TestSubmitValidation(t *testing.T) {
	intake := NewIntake(newFakeStore(), &fakeQueue{}, allowAll{}, &fakePub{}, 2, 3, nil)

	cases := map[string]func(*Submission){
		"missing tenant":   func(s *Submission) { s.Tenant = "" },
		"unknown priority": func(s *Submission) { s.Priority = "urgent" },
		"unknown mode":     func(s *Submission) { s.Mode = "streaming" },
		"unknown kind":     func(s *Submission) { s.Input.Kind = "bogus" },
		"empty items":      func(s *Submission) { s.Input.Items = nil },
		"too many items":   func(s *Submission) { s.Input.Items = make([]models.Item, 3) },
		"empty accounts":   func(s *Submission) { s.Input = models.Input{Kind: models.InputAccounts} },
		"empty keywords":   func(s *Submission) { s.Input = models.Input{Kind: models.InputKeywords} },
		"inverted daterange": func(s *Submission) {
			s.Input.DateRange = &models.DateRange{Start: time.Now(), End: time.Now().Add(-time.Hour)}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			sub := validSubmission()
			mutate(&sub)
			_, err := intake.Submit(context.Background(), sub)
			require.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestSubmitRateLimited(t *testing.T) {
	st := newFakeStore()
	q := &fakeQueue{}
	intake := NewIntake(st, q, denyAll{}, &fakePub{}, 100, 3, nil)

	_, err := intake.Submit(context.Background(), validSubmission())
	require.ErrorIs(t, err, ratelimit.ErrRateLimited)
	assert.Empty(t, st.jobs, "rejected submissions are never persisted")
	assert.Empty(t, q.enqueued)
}

func TestSubmitEnqueueFailureMarksJobFailed(t *testing.T) {
	st := newFakeStore()
	q := &fakeQueue{enqueueErr: errors.New("redis down")}
	intake := NewIntake(st, q, allowAll{}, &fakePub{}, 100, 3, nil)

	_, err := intake.Submit(context.Background(), validSubmission())
	require.Error(t, err)

	// The persisted row must not stay pending with no queue entry behind it.
	require.Len(t, st.jobs, 1)
	for _, job := range st.jobs {
		assert.Equal(t, models.StatusFailed, job.Status)
		require.NotNil(t, job.LastError)
		assert.Contains(t, *job.LastError, "enqueue failed")
	}
}

func seedJob(st *fakeStore, retryCount int) models.Job {
	job := models.Job{
		ID:         "job-1",
		Tenant:     "acme",
		Priority:   models.PriorityNormal,
		Status:     models.StatusPending,
		Input:      models.Input{Kind: models.InputItems, Items: []models.Item{{Content: "x"}}},
		RetryCount: retryCount,
		MaxRetries: 3,
		Version:    1,
	}
	st.jobs[job.ID] = job
	return job
}

func newTestRunner(t *testing.T, st *fakeStore, q *fakeQueue, pub *fakePub, pipe JobRunner) *Runner {
	t.Helper()
	r, err := NewRunner(st, q, pipe, pub, retry.NewPolicy(3), Options{
		PollInterval: 10 * time.Millisecond,
		Visibility:   time.Minute,
		Concurrency:  map[string]int{models.PriorityNormal: 2},
	}, nil)
	require.NoError(t, err)
	return r
}

func TestRunJobCompletes(t *testing.T) {
	st := newFakeStore()
	seedJob(st, 0)
	q := &fakeQueue{}
	pub := &fakePub{}
	r := newTestRunner(t, st, q, pub, &fakePipe{})

	r.runJob(context.Background(), "job-1")

	assert.Equal(t, []string{"job-1"}, q.acked)
	types := pub.typesFor("job-1")
	assert.Contains(t, types, models.EventProcessingStarted)
	assert.Contains(t, types, models.EventJobCompleted)
}

func TestRunJobRetryableFailureSchedulesRetry(t *testing.T) {
	st := newFakeStore()
	seedJob(st, 0)
	q := &fakeQueue{}
	pub := &fakePub{}
	pipeErr := retry.WrapClass(retry.ClassTimeout, "fetch", errors.New("scraper timed out"))
	r := newTestRunner(t, st, q, pub, &fakePipe{err: pipeErr})

	before := time.Now()
	r.runJob(context.Background(), "job-1")

	require.Len(t, st.attempts["job-1"], 1)
	attempt := st.attempts["job-1"][0]
	assert.Equal(t, 1, attempt.Number)
	assert.Equal(t, string(retry.ClassTimeout), attempt.ErrorClass)
	assert.Equal(t, "fetch", attempt.Stage)

	require.Len(t, st.retries, 1)
	assert.Equal(t, 1, st.retries[0].retryCount)
	// First-retry delay is 60s with +-10% jitter.
	delay := st.retries[0].nextRun.Sub(before)
	assert.GreaterOrEqual(t, delay, 54*time.Second)
	assert.LessOrEqual(t, delay, 67*time.Second)

	require.Len(t, q.scheduled, 1)
	assert.Contains(t, pub.typesFor("job-1"), models.EventJobRetrying)
	assert.Empty(t, st.deadLetters)
}

func TestRunJobNonRetryableDeadLetters(t *testing.T) {
	st := newFakeStore()
	seedJob(st, 0)
	q := &fakeQueue{}
	pub := &fakePub{}
	pipeErr := retry.WrapClass(retry.ClassMalformedInput, "fetch", errors.New("unknown input kind"))
	r := newTestRunner(t, st, q, pub, &fakePipe{err: pipeErr})

	r.runJob(context.Background(), "job-1")

	assert.Equal(t, models.StatusFailed, st.jobs["job-1"].Status)
	assert.Zero(t, st.jobs["job-1"].RetryCount, "first-attempt failure consumed no retries")
	require.Contains(t, st.deadLetters, "job-1")
	entry := st.deadLetters["job-1"]
	assert.Len(t, entry.Attempts, 1)
	assert.Contains(t, entry.FinalError, "unknown input kind")
	assert.Empty(t, st.retries, "non-retryable errors never re-enter the queue")
	assert.Contains(t, pub.typesFor("job-1"), models.EventJobFailed)
	assert.Equal(t, []string{"job-1"}, q.acked)
}

func TestRunJobExhaustedBudgetDeadLetters(t *testing.T) {
	st := newFakeStore()
	seedJob(st, 3) // three retries already consumed; this is attempt 4
	q := &fakeQueue{}
	pub := &fakePub{}
	pipeErr := retry.WrapClass(retry.ClassTimeout, "persist", errors.New("indexer timeout"))
	r := newTestRunner(t, st, q, pub, &fakePipe{err: pipeErr})

	r.runJob(context.Background(), "job-1")

	require.Contains(t, st.deadLetters, "job-1")
	failed := st.jobs["job-1"]
	assert.Equal(t, models.StatusFailed, failed.Status)
	// Dead-lettering records retries consumed, never the execution number.
	assert.Equal(t, 3, failed.RetryCount)
	assert.LessOrEqual(t, failed.RetryCount, failed.MaxRetries)
	assert.Empty(t, st.retries)
}

func TestRunJobTerminalStatusIsAcked(t *testing.T) {
	st := newFakeStore()
	job := seedJob(st, 0)
	job.Status = models.StatusCancelled
	st.jobs[job.ID] = job
	q := &fakeQueue{}
	pub := &fakePub{}
	r := newTestRunner(t, st, q, pub, &fakePipe{err: errors.New("must not run")})

	r.runJob(context.Background(), "job-1")

	assert.Equal(t, []string{"job-1"}, q.acked)
	assert.Empty(t, pub.typesFor("job-1"), "no events for a job that never ran")
	assert.Empty(t, st.attempts["job-1"])
}

func TestRunJobLeaseLostDiscards(t *testing.T) {
	st := newFakeStore()
	seedJob(st, 0)
	q := &fakeQueue{}
	r := newTestRunner(t, st, q, &fakePub{}, &fakePipe{err: pipeline.ErrLeaseLost})

	r.runJob(context.Background(), "job-1")

	assert.Empty(t, q.acked, "a lost lease belongs to the new owner")
	assert.Empty(t, st.attempts["job-1"])
	assert.Empty(t, st.deadLetters)
}

func TestReclaimChargesWorkerCrash(t *testing.T) {
	st := newFakeStore()
	seedJob(st, 0)
	q := &fakeQueue{}
	pub := &fakePub{}
	r := newTestRunner(t, st, q, pub, &fakePipe{})

	r.reclaim(context.Background(), "job-1")

	require.Len(t, st.attempts["job-1"], 1)
	assert.Equal(t, string(retry.ClassWorkerCrash), st.attempts["job-1"][0].ErrorClass)
	require.Len(t, st.retries, 1)
	assert.Equal(t, []string{"job-1"}, q.cancelled, "the immediate requeue moves to the backoff schedule")
	require.Len(t, q.scheduled, 1)
	assert.Contains(t, pub.typesFor("job-1"), models.EventJobRetrying)
}

func TestReclaimExhaustedDeadLetters(t *testing.T) {
	st := newFakeStore()
	seedJob(st, 3)
	q := &fakeQueue{}
	r := newTestRunner(t, st, q, &fakePub{}, &fakePipe{})

	r.reclaim(context.Background(), "job-1")

	assert.Contains(t, st.deadLetters, "job-1")
	failed := st.jobs["job-1"]
	assert.Equal(t, models.StatusFailed, failed.Status)
	assert.LessOrEqual(t, failed.RetryCount, failed.MaxRetries)
	assert.Empty(t, st.retries)
}
