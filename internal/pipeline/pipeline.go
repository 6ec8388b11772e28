// Package pipeline drives one leased job through the ordered enrichment
// stages: fetch, enrich_text, enrich_image, persist. Each stage calls exactly
// one collaborator under a bounded timeout, merges partial results into job
// state, and reports classified errors so the scheduler can apply the retry
// policy uniformly.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ingest-orchestrator/internal/archive"
	"ingest-orchestrator/internal/collab"
	"ingest-orchestrator/internal/models"
	"ingest-orchestrator/internal/retry"
	"ingest-orchestrator/internal/store"
)

// ErrCancelled reports that the job was cancelled between stages.
var ErrCancelled = errors.New("job cancelled")

// ErrLeaseLost reports that a state write hit a version conflict: another
// actor owns the job now and this worker's results must be discarded.
var ErrLeaseLost = errors.New("lease lost")

// Store is the job persistence subset the pipeline mutates.
type Store interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	TransitionStatus(ctx context.Context, id string, expectedVersion int, status string) (models.Job, error)
	UpdateProgress(ctx context.Context, id string, expectedVersion, total, processed, succeeded, failed int) (models.Job, error)
}

// Publisher emits job events.
type Publisher interface {
	Publish(ctx context.Context, jobID, tenant, eventType string, payload map[string]any) (models.Event, error)
}

// Timeouts bounds each stage as a whole; collaborator clients bound the
// individual calls.
type Timeouts struct {
	Fetch   time.Duration
	Enrich  time.Duration
	Persist time.Duration
}

// Pipeline executes the stage sequence for leased jobs.
type Pipeline struct {
	store    Store
	pub      Publisher
	scraper  collab.Scraper
	nlp      collab.NLP
	ocr      collab.OCR
	indexer  collab.Indexer
	archiver *archive.Archiver     // optional
	prep     *archive.Preprocessor // optional
	timeouts Timeouts
	log      *zap.Logger
}

// New wires a pipeline. archiver and prep may be nil; archival and image
// preprocessing are then skipped.
func New(st Store, pub Publisher, clients collab.HTTPClients, archiver *archive.Archiver, prep *archive.Preprocessor, timeouts Timeouts, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	if timeouts.Fetch == 0 {
		timeouts.Fetch = 10 * time.Minute
	}
	if timeouts.Enrich == 0 {
		timeouts.Enrich = 10 * time.Minute
	}
	if timeouts.Persist == 0 {
		timeouts.Persist = 5 * time.Minute
	}
	return &Pipeline{
		store:    st,
		pub:      pub,
		scraper:  clients.Scraper,
		nlp:      clients.NLP,
		ocr:      clients.OCR,
		indexer:  clients.Indexer,
		archiver: archiver,
		prep:     prep,
		timeouts: timeouts,
		log:      log,
	}
}

// execution accumulates state across stages for one run. recordMedia is the
// per-record media references, parallel to records.
type execution struct {
	job         models.Job
	items       []models.Item
	records     []collab.Record
	recordMedia [][]string
}

type stage struct {
	name    string
	status  string // job status the stage runs under
	timeout time.Duration
	run     func(ctx context.Context, ex *execution) error
}

// Run drives the job through all stages. The job must already be in
// ingesting (the scheduler transitions it on lease acquisition). Errors are
// classified; ErrCancelled and ErrLeaseLost are returned unwrapped.
func (p *Pipeline) Run(ctx context.Context, job models.Job) error {
	ex := &execution{job: job}
	stages := []stage{
		{name: "fetch", status: models.StatusIngesting, timeout: p.timeouts.Fetch, run: p.fetch},
		{name: "enrich_text", status: models.StatusProcessing, timeout: p.timeouts.Enrich, run: p.enrichText},
		{name: "enrich_image", status: models.StatusProcessing, timeout: p.timeouts.Enrich, run: p.enrichImage},
		{name: "persist", status: models.StatusEnriching, timeout: p.timeouts.Persist, run: p.persist},
	}

	for _, st := range stages {
		if err := p.checkCancelled(ctx, ex); err != nil {
			return err
		}
		if ex.job.Status != st.status {
			if err := p.transition(ctx, ex, st.status); err != nil {
				return err
			}
		}

		stageCtx, cancel := context.WithTimeout(ctx, st.timeout)
		err := st.run(stageCtx, ex)
		cancel()
		if err != nil {
			if errors.Is(err, ErrCancelled) || errors.Is(err, ErrLeaseLost) {
				return err
			}
			return retry.WrapClass(retry.Classify(err), st.name, err)
		}

		p.publish(ctx, ex, models.EventStageCompleted, map[string]any{
			"stage":           st.name,
			"items_total":     ex.job.ItemsTotal,
			"items_processed": ex.job.ItemsProcessed,
		})
	}

	return p.transition(ctx, ex, models.StatusCompleted)
}

// checkCancelled re-reads the authoritative status between stages so a
// multi-minute job aborts cooperatively instead of completing silently.
func (p *Pipeline) checkCancelled(ctx context.Context, ex *execution) error {
	job, err := p.store.GetJob(ctx, ex.job.ID)
	if err != nil {
		return fmt.Errorf("re-read job: %w", err)
	}
	if job.Status == models.StatusCancelled {
		return ErrCancelled
	}
	ex.job = job
	return nil
}

func (p *Pipeline) transition(ctx context.Context, ex *execution, status string) error {
	job, err := p.store.TransitionStatus(ctx, ex.job.ID, ex.job.Version, status)
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return ErrLeaseLost
		}
		return fmt.Errorf("transition to %s: %w", status, err)
	}
	ex.job = job
	return nil
}

func (p *Pipeline) updateProgress(ctx context.Context, ex *execution, total, processed, succeeded, failed int) error {
	// A retried execution recomputes counters from zero, but items_processed
	// is monotone over the job's lifetime: never publish a value below the
	// last durable one.
	if processed < ex.job.ItemsProcessed {
		processed = ex.job.ItemsProcessed
	}
	job, err := p.store.UpdateProgress(ctx, ex.job.ID, ex.job.Version, total, processed, succeeded, failed)
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return ErrLeaseLost
		}
		return fmt.Errorf("update progress: %w", err)
	}
	ex.job = job
	return nil
}

func (p *Pipeline) publish(ctx context.Context, ex *execution, eventType string, payload map[string]any) {
	if _, err := p.pub.Publish(ctx, ex.job.ID, ex.job.Tenant, eventType, payload); err != nil {
		p.log.Warn("publish event failed",
			zap.String("job_id", ex.job.ID),
			zap.String("type", eventType),
			zap.Error(err))
	}
}
