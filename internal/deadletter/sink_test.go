package deadletter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ingest-orchestrator/internal/models"
	"ingest-orchestrator/internal/store"
)

type fakeStore struct {
	mu      sync.Mutex
	entries map[string]models.DeadLetterEntry
	created []models.Job
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: make(map[string]models.DeadLetterEntry)}
}

func (f *fakeStore) GetDeadLetter(_ context.Context, jobID string) (models.DeadLetterEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[jobID]
	if !ok {
		return models.DeadLetterEntry{}, store.ErrNotFound
	}
	return e, nil
}

func (f *fakeStore) ListDeadLetters(_ context.Context, page, limit int) ([]models.DeadLetterEntry, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.DeadLetterEntry, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e)
	}
	return out, len(out), nil
}

func (f *fakeStore) PurgeDeadLetters(_ context.Context, olderThan time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var purged int64
	for id, e := range f.entries {
		if e.CreatedAt.Before(olderThan) {
			delete(f.entries, id)
			purged++
		}
	}
	return purged, nil
}

func (f *fakeStore) DeadLetterDepth(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.entries)), nil
}

func (f *fakeStore) CreateJob(_ context.Context, job models.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, job)
	return nil
}

func (f *fakeStore) MarkFailed(_ context.Context, id string, retryCount int, lastErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.created {
		if f.created[i].ID == id {
			f.created[i].Status = models.StatusFailed
			f.created[i].LastError = &lastErr
		}
	}
	return nil
}

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []string
}

func (f *fakeQueue) Enqueue(_ context.Context, jobID, priority string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, jobID)
	return nil
}
func (f *fakeQueue) Schedule(context.Context, string, string, time.Time) error { return nil }
func (f *fakeQueue) PromoteScheduled(context.Context, time.Time, int64) (int, error) {
	return 0, nil
}
func (f *fakeQueue) DequeueWithLease(context.Context, string) (string, error) { return "", nil }
func (f *fakeQueue) ExtendLease(context.Context, string, time.Duration) error { return nil }
func (f *fakeQueue) Ack(context.Context, string) error                        { return nil }
func (f *fakeQueue) RequeueExpired(context.Context, time.Time, int64) ([]string, error) {
	return nil, nil
}
func (f *fakeQueue) Cancel(context.Context, string) error      { return nil }
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

func entry(jobID string, age time.Duration) models.DeadLetterEntry {
	lastErr := "persist: resource_exhausted: indexer down"
	return models.DeadLetterEntry{
		JobID: jobID,
		Snapshot: models.Job{
			ID:         jobID,
			Tenant:     "acme",
			SourceType: "social",
			Mode:       models.ModeRealtime,
			Priority:   models.PriorityHigh,
			Status:     models.StatusFailed,
			Input:      models.Input{Kind: models.InputKeywords, Keywords: []string{"outage"}},
			RetryCount: 3,
			MaxRetries: 3,
			LastError:  &lastErr,
		},
		FinalError: lastErr,
		CreatedAt:  time.Now().UTC().Add(-age),
	}
}

func TestReplayMintsFreshJob(t *testing.T) {
	st := newFakeStore()
	st.entries["dead-1"] = entry("dead-1", time.Hour)
	q := &fakeQueue{}
	pub := &fakePub{}
	sink := New(st, q, pub, 720*time.Hour, 100, nil)

	job, err := sink.Replay(context.Background(), "dead-1")
	require.NoError(t, err)

	assert.NotEqual(t, "dead-1", job.ID, "replay gets a fresh id")
	assert.Equal(t, models.StatusPending, job.Status)
	assert.Zero(t, job.RetryCount, "retry budget is reset")
	assert.Nil(t, job.LastError)
	assert.Equal(t, models.PriorityHigh, job.Priority)
	assert.Equal(t, models.InputKeywords, job.Input.Kind)

	require.Len(t, st.created, 1)
	require.Len(t, q.enqueued, 1)
	assert.Equal(t, job.ID, q.enqueued[0])

	// Original entry stays for audit.
	_, err = sink.Get(context.Background(), "dead-1")
	require.NoError(t, err)

	require.Len(t, pub.events, 1)
	assert.Equal(t, models.EventJobAccepted, pub.events[0].Type)
	assert.Equal(t, "dead-1", pub.events[0].Payload["replay_of"])
}

func TestReplayUnknownEntry(t *testing.T) {
	sink := New(newFakeStore(), &fakeQueue{}, &fakePub{}, 720*time.Hour, 100, nil)
	_, err := sink.Replay(context.Background(), "nope")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSweepPurgesByRetention(t *testing.T) {
	st := newFakeStore()
	st.entries["old"] = entry("old", 31*24*time.Hour)
	st.entries["fresh"] = entry("fresh", time.Hour)
	sink := New(st, &fakeQueue{}, &fakePub{}, 30*24*time.Hour, 100, nil)

	require.NoError(t, sink.Sweep(context.Background()))

	_, err := sink.Get(context.Background(), "old")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = sink.Get(context.Background(), "fresh")
	assert.NoError(t, err)
}
