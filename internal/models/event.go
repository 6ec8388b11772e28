package models

import "time"

// Event types published on the job event stream.
const (
	EventJobAccepted       = "job.accepted"
	EventProcessingStarted = "processing.started"
	EventPartialResult     = "partial_result"
	EventStageCompleted    = "stage.completed"
	EventJobRetrying       = "job.retrying"
	EventJobCompleted      = "job.completed"
	EventJobFailed         = "job.failed"
)

// Event is an immutable, ordered notification of a job-state change. Seq is
// assigned by the store and strictly increases per job; an event is never
// revised after publication.
type Event struct {
	JobID     string         `json:"job_id"`
	Seq       int64          `json:"seq"`
	Type      string         `json:"type"`
	Tenant    string         `json:"tenant"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
