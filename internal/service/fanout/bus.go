package fanout

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"realtime-transcription-service/internal/observability/metrics"
)

const (
	defaultQueueSize       = 64
	defaultDeliveryTimeout = 5 * time.Second
)

// Subscriber consumes bus events. Deliver is only called from the
// subscriber's own goroutine; Close is called once after the last Deliver.
type Subscriber interface {
	// Name labels the subscriber in logs and metrics.
	Name() string
	Accepts(k Kind) bool
	Deliver(ctx context.Context, ev Event) error
	Close() error
}

// Options tunes a Bus.
type Options struct {
	QueueSize       int
	DeliveryTimeout time.Duration
	Logger          zerolog.Logger
	Metrics         *metrics.Metrics
}

// SubscriberStats counts one subscriber's outcomes.
type SubscriberStats struct {
	Delivered int
	Failed    int
	Dropped   int
}

type subscription struct {
	sub    Subscriber
	size   int
	mu     sync.Mutex
	queue  []Event
	closed bool
	notify chan struct{}
	stats  SubscriberStats
}

// Bus broadcasts one session's events to its subscribers. Delivery is
// at-most-once: a full queue drops its oldest event and failed deliveries
// are not retried.
type Bus struct {
	subs      []*subscription
	timeout   time.Duration
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewBus starts one consumer goroutine per subscriber.
func NewBus(subs []Subscriber, opts Options) *Bus {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = defaultDeliveryTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.DefaultMetrics
	}
	b := &Bus{
		timeout: opts.DeliveryTimeout,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	for _, s := range subs {
		sub := &subscription{sub: s, size: opts.QueueSize, notify: make(chan struct{}, 1)}
		b.subs = append(b.subs, sub)
		b.wg.Add(1)
		go b.consume(sub)
	}
	return b
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	return len(b.subs)
}

// Publish enqueues ev for every subscriber that accepts its kind. It never
// blocks.
func (b *Bus) Publish(ev Event) {
	for _, s := range b.subs {
		if !s.sub.Accepts(ev.Kind) {
			continue
		}
		if s.push(ev) {
			b.metrics.RecordFanoutDrop(s.sub.Name())
			b.logger.Debug().
				Str("subscriber", s.sub.Name()).
				Str("kind", ev.Kind.String()).
				Msg("Subscriber queue full, dropped oldest event")
		}
	}
}

// Close stops accepting events. Queued events are still delivered before
// each subscriber is closed; Close does not wait for that.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		for _, s := range b.subs {
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
			s.wake()
		}
	})
}

// Wait blocks until every subscriber has drained and closed.
func (b *Bus) Wait() {
	b.wg.Wait()
}

// Stats returns per-subscriber counters keyed by name.
func (b *Bus) Stats() map[string]SubscriberStats {
	out := make(map[string]SubscriberStats, len(b.subs))
	for _, s := range b.subs {
		s.mu.Lock()
		st := out[s.sub.Name()]
		st.Delivered += s.stats.Delivered
		st.Failed += s.stats.Failed
		st.Dropped += s.stats.Dropped
		out[s.sub.Name()] = st
		s.mu.Unlock()
	}
	return out
}

func (b *Bus) consume(s *subscription) {
	defer b.wg.Done()
	for {
		ev, ok := s.next()
		if !ok {
			break
		}
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		err := s.sub.Deliver(ctx, ev)
		cancel()

		b.metrics.RecordFanoutDelivery(s.sub.Name(), err)
		s.mu.Lock()
		if err != nil {
			s.stats.Failed++
		} else {
			s.stats.Delivered++
		}
		s.mu.Unlock()
		if err != nil {
			b.logger.Warn().
				Err(err).
				Str("subscriber", s.sub.Name()).
				Str("kind", ev.Kind.String()).
				Msg("Fan-out delivery failed")
		}
	}
	if err := s.sub.Close(); err != nil {
		b.logger.Warn().Err(err).Str("subscriber", s.sub.Name()).Msg("Subscriber close failed")
	}
}

// push appends ev and reports whether the oldest event was dropped.
func (s *subscription) push(ev Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	dropped := false
	if len(s.queue) >= s.size {
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.stats.Dropped++
		dropped = true
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.wake()
	return dropped
}

// next blocks for the next event; ok is false once closed and empty.
func (s *subscription) next() (Event, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, true
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Event{}, false
		}
		<-s.notify
	}
}

func (s *subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
