package events

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ingest-orchestrator/internal/models"
)

// Broker fans live events out to in-process subscribers. Job-scoped
// subscriptions replay the durable backlog first, then switch to live
// delivery; any gap between the two (or a dropped pub/sub message) is closed
// by re-reading the backlog, so consumers see every sequence id exactly once,
// in order.
type Broker struct {
	client  *redis.Client
	backlog Backlog
	channel string
	buffer  int
	log     *zap.Logger

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	jobID string // empty means all jobs
	live  chan models.Event
}

// NewBroker builds a broker reading announcements from channel.
func NewBroker(client *redis.Client, backlog Backlog, channel string, buffer int, log *zap.Logger) *Broker {
	if buffer <= 0 {
		buffer = 64
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Broker{
		client:  client,
		backlog: backlog,
		channel: channel,
		buffer:  buffer,
		log:     log,
		subs:    make(map[*subscriber]struct{}),
	}
}

// Run consumes the pub/sub channel until ctx is done. Slow subscribers have
// events dropped from their live buffer; replay recovers them. Job execution
// is never blocked by a consumer.
func (b *Broker) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev models.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.log.Warn("bad event payload", zap.Error(err))
				continue
			}
			b.dispatch(ev)
		}
	}
}

// Dispatch delivers one event to matching subscribers. Exported for wiring
// the publisher directly to the broker in tests and single-process setups.
func (b *Broker) Dispatch(ev models.Event) { b.dispatch(ev) }

func (b *Broker) dispatch(ev models.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if s.jobID != "" && s.jobID != ev.JobID {
			continue
		}
		select {
		case s.live <- ev:
		default:
			// Buffer full; the forwarding goroutine will gap-fill.
		}
	}
}

// Subscribe returns an ordered event stream. For a job-scoped subscription,
// events with seq > afterSeq are replayed from the backlog before live
// delivery begins. cancel must be called when the consumer goes away.
func (b *Broker) Subscribe(ctx context.Context, jobID string, afterSeq int64) (<-chan models.Event, func()) {
	s := &subscriber{jobID: jobID, live: make(chan models.Event, b.buffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	out := make(chan models.Event, b.buffer)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(done)
		})
	}

	go b.forward(ctx, s, out, done, afterSeq)
	return out, cancel
}

func (b *Broker) forward(ctx context.Context, s *subscriber, out chan<- models.Event, done <-chan struct{}, afterSeq int64) {
	defer close(out)

	last := afterSeq
	if s.jobID != "" {
		var ok bool
		last, ok = b.replay(ctx, s.jobID, last, out, done)
		if !ok {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case ev := <-s.live:
			if s.jobID == "" {
				if !send(ctx, out, done, ev) {
					return
				}
				continue
			}
			if ev.Seq <= last {
				continue
			}
			if ev.Seq > last+1 {
				var ok bool
				last, ok = b.replay(ctx, s.jobID, last, out, done)
				if !ok {
					return
				}
				if ev.Seq <= last {
					continue
				}
			}
			if !send(ctx, out, done, ev) {
				return
			}
			last = ev.Seq
		}
	}
}

// replay streams backlog events with seq > last and returns the new high
// water mark.
func (b *Broker) replay(ctx context.Context, jobID string, last int64, out chan<- models.Event, done <-chan struct{}) (int64, bool) {
	const page = 200
	for {
		evs, err := b.backlog.EventsAfter(ctx, jobID, last, page)
		if err != nil {
			b.log.Warn("replay failed", zap.String("job_id", jobID), zap.Error(err))
			return last, true
		}
		for _, ev := range evs {
			if !send(ctx, out, done, ev) {
				return last, false
			}
			last = ev.Seq
		}
		if len(evs) < page {
			return last, true
		}
	}
}

func send(ctx context.Context, out chan<- models.Event, done <-chan struct{}, ev models.Event) bool {
	select {
	case <-ctx.Done():
		return false
	case <-done:
		return false
	case out <- ev:
		return true
	}
}
