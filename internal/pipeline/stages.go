package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"ingest-orchestrator/internal/collab"
	"ingest-orchestrator/internal/models"
	"ingest-orchestrator/internal/retry"
)

// fetch resolves the job's input variant to concrete items: either the items
// supplied at intake or whatever the scraper finds for accounts/keywords.
func (p *Pipeline) fetch(ctx context.Context, ex *execution) error {
	var items []models.Item
	input := ex.job.Input

	switch input.Kind {
	case models.InputItems:
		items = input.Items
	case models.InputAccounts:
		fetched, err := p.scraper.Fetch(ctx, collab.Target{
			SourceType: ex.job.SourceType,
			Accounts:   input.Accounts,
			DateRange:  input.DateRange,
		})
		if err != nil {
			return err
		}
		items = fetched
	case models.InputKeywords:
		fetched, err := p.scraper.Fetch(ctx, collab.Target{
			SourceType: ex.job.SourceType,
			Keywords:   input.Keywords,
			DateRange:  input.DateRange,
		})
		if err != nil {
			return err
		}
		items = fetched
	default:
		return retry.WrapClass(retry.ClassMalformedInput, "",
			fmt.Errorf("unknown input kind %q", input.Kind))
	}

	ex.items = items
	if err := p.updateProgress(ctx, ex, len(items), 0, 0, 0); err != nil {
		return err
	}

	if p.archiver != nil && len(items) > 0 {
		// Raw bytes are archived before enrichment so a downstream failure
		// never loses the fetched content. Archive failure is not fatal.
		if loc, err := p.archiver.ArchiveItems(ctx, ex.job.ID, items); err != nil {
			p.log.Warn("archive failed", zap.String("job_id", ex.job.ID), zap.Error(err))
		} else {
			p.log.Debug("archived raw items", zap.String("job_id", ex.job.ID), zap.String("location", loc))
		}
	}

	p.publish(ctx, ex, models.EventPartialResult, map[string]any{
		"stage":       "fetch",
		"items_total": len(items),
	})
	return nil
}

// enrichText runs NLP over each item. Individual item failures are counted
// and skipped; the stage only fails as a whole when every item fails, which
// indicates the collaborator itself is down.
func (p *Pipeline) enrichText(ctx context.Context, ex *execution) error {
	ex.records = make([]collab.Record, 0, len(ex.items))
	ex.recordMedia = make([][]string, 0, len(ex.items))
	// Counters are recomputed per execution; updateProgress keeps the
	// persisted items_processed from moving backwards across retries.
	processed := 0
	succeeded := 0
	failed := 0
	stageSucceeded := 0
	var lastErr error

	for _, item := range ex.items {
		record := collab.Record{
			ID:      item.ID,
			JobID:   ex.job.ID,
			Tenant:  ex.job.Tenant,
			Content: item.Content,
		}
		if item.Content != "" {
			ann, err := p.nlp.Analyze(ctx, item.Content)
			if err != nil {
				lastErr = err
				failed++
				processed++
				if err := p.updateProgress(ctx, ex, ex.job.ItemsTotal, processed, succeeded, failed); err != nil {
					return err
				}
				continue
			}
			record.Annotations = ann
		}
		ex.records = append(ex.records, record)
		ex.recordMedia = append(ex.recordMedia, item.MediaRefs)
		succeeded++
		stageSucceeded++
		processed++
		if err := p.updateProgress(ctx, ex, ex.job.ItemsTotal, processed, succeeded, failed); err != nil {
			return err
		}
	}

	// Every item failing means the collaborator is down, not the content.
	if len(ex.items) > 0 && stageSucceeded == 0 && lastErr != nil {
		return lastErr
	}

	p.publish(ctx, ex, models.EventPartialResult, map[string]any{
		"stage":           "enrich_text",
		"items_processed": processed,
		"items_failed":    failed,
	})
	return nil
}

// enrichImage OCRs items that carry media references, preprocessing each
// image first when a preprocessor is wired. A missing or unreadable image
// degrades the record, not the job.
func (p *Pipeline) enrichImage(ctx context.Context, ex *execution) error {
	withMedia := 0
	extracted := 0
	var lastErr error

	for i := range ex.records {
		refs := ex.recordMedia[i]
		if len(refs) == 0 {
			continue
		}
		withMedia++
		if p.prep != nil {
			prepared := make([]string, 0, len(refs))
			for _, ref := range refs {
				loc, err := p.prep.Prepare(ctx, ref)
				if err != nil {
					p.log.Warn("image preprocess failed",
						zap.String("job_id", ex.job.ID), zap.String("ref", ref), zap.Error(err))
					loc = ref // fall back to the raw reference
				}
				prepared = append(prepared, loc)
			}
			refs = prepared
		}

		res, err := p.ocr.Extract(ctx, refs)
		if err != nil {
			lastErr = err
			continue
		}
		ex.records[i].OCRText = res.Text
		extracted++
	}

	if withMedia > 0 && extracted == 0 && lastErr != nil {
		return lastErr
	}

	p.publish(ctx, ex, models.EventPartialResult, map[string]any{
		"stage":          "enrich_image",
		"items_with_ocr": extracted,
	})
	return nil
}

// persist deduplicates, flags spam, and hands the enriched records to the
// indexer under an idempotency key so a replayed stage cannot double-insert.
func (p *Pipeline) persist(ctx context.Context, ex *execution) error {
	seen := make(map[string]struct{}, len(ex.records))
	spam := 0
	for i := range ex.records {
		hash := contentHash(ex.records[i].Content)
		if _, dup := seen[hash]; dup {
			ex.records[i].Duplicate = true
		} else {
			seen[hash] = struct{}{}
		}
		if isSpam(ex.records[i].Content) {
			ex.records[i].Spam = true
			spam++
		}
	}

	if len(ex.records) > 0 {
		key := ex.job.ID + ":persist"
		if err := p.indexer.Upsert(ctx, ex.records, key); err != nil {
			return err
		}
	}

	p.publish(ctx, ex, models.EventPartialResult, map[string]any{
		"stage":        "persist",
		"records":      len(ex.records),
		"spam_flagged": spam,
	})
	return nil
}

// contentHash keys dedup on the first 500 characters, enough to catch
// reposts without hashing megabyte transcripts.
func contentHash(content string) string {
	if len(content) > 500 {
		content = content[:500]
	}
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

var spamIndicators = []string{
	"buy now", "click here", "limited offer", "act now",
	"free money", "winner", "congratulations",
}

func isSpam(content string) bool {
	lower := strings.ToLower(content)
	for _, indicator := range spamIndicators {
		if strings.Contains(lower, indicator) {
			return true
		}
	}
	return false
}
