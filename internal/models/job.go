package models

import (
	"time"
)

// Job lifecycle states persisted in Postgres. Transitions only move forward
// along pending -> ingesting -> processing -> enriching -> completed, except
// the retry edge back to pending and the terminal failed/cancelled states.
const (
	StatusPending    = "pending"
	StatusIngesting  = "ingesting"
	StatusProcessing = "processing"
	StatusEnriching  = "enriching"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Priority tiers accepted at intake.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Ingestion modes.
const (
	ModeHistorical = "historical"
	ModeRealtime   = "realtime"
	ModeScheduled  = "scheduled"
)

// Input kinds for the tagged input variant.
const (
	InputItems    = "items"
	InputAccounts = "accounts"
	InputKeywords = "keywords"
)

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

// Item is a single unit of content to ingest, either pre-fetched from an
// upstream API or produced by the scraper collaborator.
type Item struct {
	ID        string            `json:"id,omitempty"`
	Content   string            `json:"content,omitempty"`
	URL       string            `json:"url,omitempty"`
	Author    string            `json:"author,omitempty"`
	MediaRefs []string          `json:"media_refs,omitempty"`
	Timestamp *time.Time        `json:"timestamp,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// DateRange bounds historical ingestion.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Input is the tagged variant describing what a job ingests: concrete items,
// accounts to scrape, or keywords to discover. Exactly one branch is set,
// selected by Kind, so pipeline stages can switch exhaustively.
type Input struct {
	Kind      string     `json:"kind"`
	Items     []Item     `json:"items,omitempty"`
	Accounts  []string   `json:"accounts,omitempty"`
	Keywords  []string   `json:"keywords,omitempty"`
	DateRange *DateRange `json:"date_range,omitempty"`
}

// Job is the unit of work tracked by the engine.
type Job struct {
	ID             string     `json:"id"`
	Tenant         string     `json:"tenant"`
	SourceType     string     `json:"source_type"`
	Mode           string     `json:"mode"`
	Priority       string     `json:"priority"`
	Status         string     `json:"status"`
	Input          Input      `json:"input"`
	ItemsTotal     int        `json:"items_total"`
	ItemsProcessed int        `json:"items_processed"`
	ItemsSucceeded int        `json:"items_succeeded"`
	ItemsFailed    int        `json:"items_failed"`
	RetryCount     int        `json:"retry_count"`
	MaxRetries     int        `json:"max_retries"`
	LastError      *string    `json:"last_error,omitempty"`
	Version        int        `json:"version"`
	NextRunAt      time.Time  `json:"next_run_at"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ProgressPercent computes 100 * processed / total, or 0 when total is unknown.
func (j Job) ProgressPercent() float64 {
	if j.ItemsTotal <= 0 {
		return 0
	}
	return 100 * float64(j.ItemsProcessed) / float64(j.ItemsTotal)
}

// Attempt records one execution try of a job, appended before any
// retry/terminal decision is made.
type Attempt struct {
	JobID      string    `json:"job_id"`
	Number     int       `json:"number"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	ErrorClass string    `json:"error_class,omitempty"`
	Stage      string    `json:"stage,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// DeadLetterEntry parks a job that exhausted its retry budget, preserving the
// full snapshot and attempt history for postmortem and manual replay.
type DeadLetterEntry struct {
	JobID      string    `json:"job_id"`
	Snapshot   Job       `json:"snapshot"`
	Attempts   []Attempt `json:"attempts"`
	FinalError string    `json:"final_error"`
	CreatedAt  time.Time `json:"created_at"`
}
