package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/facturaIA/document-enhancement-service/internal/logger"
	"github.com/facturaIA/document-enhancement-service/internal/metrics"
	"github.com/facturaIA/document-enhancement-service/internal/models"
)

// Event is one job lifecycle notification
type Event struct {
	JobID     string           `json:"jobId"`
	Status    models.JobStatus `json:"status"`
	Progress  int              `json:"progress"`
	Operation *int             `json:"operation,omitempty"`
	Message   string           `json:"message,omitempty"`
	Time      time.Time        `json:"time"`
}

// Notifier fans job events out to subscribers. Publishing never blocks on slow
// subscribers; the job record stays the source of truth.
type Notifier interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, jobID string) (<-chan Event, func(), error)
}

const subscriberBuffer = 32

// offer sends ev to ch without blocking and reports whether it was queued. When
// ch is full a terminal event displaces the oldest buffered event, so a stream
// always learns how the job ended. The caller must be the only sender on ch.
func offer(ch chan Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	default:
	}
	if !ev.Status.IsTerminal() {
		return false
	}
	select {
	case <-ch:
		metrics.EventsDropped.Inc()
	default:
	}
	select {
	case ch <- ev:
		return true
	default:
		return false
	}
}

// Broadcaster is an in-process Notifier
type Broadcaster struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

// NewBroadcaster creates an in-process notifier
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]map[chan Event]struct{})}
}

func (b *Broadcaster) Publish(ctx context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[ev.JobID] {
		if !offer(ch, ev) {
			// subscriber is behind; it can re-read the job
			metrics.EventsDropped.Inc()
		}
	}
	return nil
}

func (b *Broadcaster) Subscribe(ctx context.Context, jobID string) (<-chan Event, func(), error) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[chan Event]struct{})
	}
	b.subs[jobID][ch] = struct{}{}
	b.mu.Unlock()
	metrics.EventSubscribers.Inc()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[jobID], ch)
			if len(b.subs[jobID]) == 0 {
				delete(b.subs, jobID)
			}
			close(ch)
			b.mu.Unlock()
			metrics.EventSubscribers.Dec()
		})
	}
	return ch, cancel, nil
}

// RedisNotifier publishes events on a Redis channel per job so API and worker
// processes can run separately.
type RedisNotifier struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewRedisNotifier connects to redisURL
func NewRedisNotifier(redisURL string) (*RedisNotifier, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return &RedisNotifier{
		client: redis.NewClient(opt),
		log:    logger.WithComponent("batch.notifier"),
	}, nil
}

func eventChannel(jobID string) string {
	return "batch:events:" + jobID
}

func (n *RedisNotifier) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return n.client.Publish(ctx, eventChannel(ev.JobID), data).Err()
}

func (n *RedisNotifier) Subscribe(ctx context.Context, jobID string) (<-chan Event, func(), error) {
	pubsub := n.client.Subscribe(ctx, eventChannel(jobID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	metrics.EventSubscribers.Inc()

	out := make(chan Event, subscriberBuffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case msg, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					n.log.Warn().Err(err).Str("job_id", jobID).Msg("dropping malformed event")
					continue
				}
				if !offer(out, ev) {
					metrics.EventsDropped.Inc()
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = pubsub.Close()
			metrics.EventSubscribers.Dec()
		})
	}
	return out, cancel, nil
}

// Ping checks the Redis connection
func (n *RedisNotifier) Ping(ctx context.Context) error {
	return n.client.Ping(ctx).Err()
}

// Close releases the Redis connection
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}
