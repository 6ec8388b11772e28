// Package collab holds the contracts for the engine's external collaborators:
// the scraper, the NLP and OCR enrichment engines, and the content indexer.
// The engine treats all of them as pluggable, possibly-failing services; their
// internals are not modeled here.
package collab

import (
	"context"

	"ingest-orchestrator/internal/models"
)

// Target describes what the scraper should fetch when a job carries accounts
// or keywords instead of concrete items.
type Target struct {
	SourceType string            `json:"source_type"`
	Accounts   []string          `json:"accounts,omitempty"`
	Keywords   []string          `json:"keywords,omitempty"`
	DateRange  *models.DateRange `json:"date_range,omitempty"`
}

// Annotations is the structured output of text analysis.
type Annotations struct {
	Sentiment float64  `json:"sentiment"`
	Entities  []string `json:"entities,omitempty"`
	Topics    []string `json:"topics,omitempty"`
	Keywords  []string `json:"keywords,omitempty"`
	Language  string   `json:"language,omitempty"`
}

// OCRResult is extracted image text with an aggregate confidence.
type OCRResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Record is a fully enriched item handed to the indexer.
type Record struct {
	ID          string      `json:"id"`
	JobID       string      `json:"job_id"`
	Tenant      string      `json:"tenant"`
	Content     string      `json:"content"`
	OCRText     string      `json:"ocr_text,omitempty"`
	Annotations Annotations `json:"annotations"`
	Duplicate   bool        `json:"duplicate"`
	Spam        bool        `json:"spam"`
}

// Scraper fetches raw content for a target. Politeness rules (crawl budgets,
// robots.txt) are its own concern.
type Scraper interface {
	Fetch(ctx context.Context, target Target) ([]models.Item, error)
}

// NLP turns text into structured annotations.
type NLP interface {
	Analyze(ctx context.Context, text string) (Annotations, error)
}

// OCR extracts text from image references.
type OCR interface {
	Extract(ctx context.Context, imageRefs []string) (OCRResult, error)
}

// Indexer persists enriched records. The idempotency key lets it deduplicate
// a replayed persist stage without inserting twice.
type Indexer interface {
	Upsert(ctx context.Context, records []Record, idempotencyKey string) error
}
