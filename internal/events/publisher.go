// Package events publishes the ordered, replayable job event stream. Sequence
// ids are assigned by the durable backlog (the store) per job; live fanout
// rides Redis pub/sub so API instances see events published by workers.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ingest-orchestrator/internal/models"
	"ingest-orchestrator/internal/telemetry"
)

// Backlog is the durable, ordered event log.
type Backlog interface {
	AppendEvent(ctx context.Context, ev models.Event) (models.Event, error)
	EventsAfter(ctx context.Context, jobID string, after int64, limit int) ([]models.Event, error)
}

// Publisher appends events to the backlog and announces them on the pub/sub
// channel. The backlog write happens first: an event is never announced
// before it is durable, so replay can always close gaps.
type Publisher struct {
	backlog Backlog
	client  *redis.Client
	channel string
	log     *zap.Logger
}

// NewPublisher builds a publisher for the given channel.
func NewPublisher(backlog Backlog, client *redis.Client, channel string, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{backlog: backlog, client: client, channel: channel, log: log}
}

// Publish records and announces one event, returning it with its assigned
// sequence id.
func (p *Publisher) Publish(ctx context.Context, jobID, tenant, eventType string, payload map[string]any) (models.Event, error) {
	ev, err := p.backlog.AppendEvent(ctx, models.Event{
		JobID:   jobID,
		Type:    eventType,
		Tenant:  tenant,
		Payload: payload,
	})
	if err != nil {
		return models.Event{}, fmt.Errorf("append event: %w", err)
	}
	telemetry.EventsPublished.Inc()

	raw, err := json.Marshal(ev)
	if err != nil {
		return models.Event{}, fmt.Errorf("marshal event: %w", err)
	}
	if p.client != nil {
		// Best effort: a missed announcement is recovered by replay.
		if err := p.client.Publish(ctx, p.channel, raw).Err(); err != nil {
			p.log.Warn("event announce failed",
				zap.String("job_id", jobID),
				zap.Int64("seq", ev.Seq),
				zap.Error(err))
		}
	}
	return ev, nil
}
