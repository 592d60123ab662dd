package progress

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cuongbtq/gamegen-queue/internal/domain"
)

// DefaultBuffer is the per-subscriber buffer used when none is configured
const DefaultBuffer = 64

// Emitter fans job events out to subscribers. Publish never blocks: when a
// subscriber's buffer is full the oldest pending event is dropped to make room.
type Emitter struct {
	logger *slog.Logger
	buffer int

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// Subscription is one attached reader. JobID "" receives every job's events.
type Subscription struct {
	id      uint64
	jobID   string
	emitter *Emitter

	mu      sync.Mutex
	ch      chan domain.Event
	closed  bool
	dropped atomic.Uint64
}

// NewEmitter creates an Emitter with the given per-subscriber buffer size
func NewEmitter(buffer int, logger *slog.Logger) *Emitter {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Emitter{
		logger: logger.With(slog.String("component", "progress")),
		buffer: buffer,
		subs:   make(map[uint64]*Subscription),
	}
}

// Subscribe attaches a reader for one job, or for all jobs when jobID is empty
func (e *Emitter) Subscribe(jobID string) *Subscription {
	sub := &Subscription{
		jobID:   jobID,
		emitter: e,
		ch:      make(chan domain.Event, e.buffer),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	e.nextID++
	sub.id = e.nextID
	e.subs[sub.id] = sub
	return sub
}

// Publish delivers ev to every matching subscriber without waiting on any of them
func (e *Emitter) Publish(ev domain.Event) {
	e.mu.RLock()
	targets := make([]*Subscription, 0, len(e.subs))
	for _, sub := range e.subs {
		if sub.jobID == "" || sub.jobID == ev.JobID {
			targets = append(targets, sub)
		}
	}
	e.mu.RUnlock()

	for _, sub := range targets {
		if sub.offer(ev) {
			e.logger.Debug("Subscriber buffer full, dropped oldest event",
				slog.String("job_id", ev.JobID),
				slog.Uint64("subscription_id", sub.id),
			)
		}
	}
}

// SubscriberCount returns the number of attached subscriptions
func (e *Emitter) SubscriberCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs)
}

// Close detaches every subscriber and closes their channels. Later
// subscriptions are returned already closed.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	subs := e.subs
	e.subs = make(map[uint64]*Subscription)
	e.mu.Unlock()

	for _, sub := range subs {
		sub.closeChan()
	}
}

func (e *Emitter) remove(id uint64) {
	e.mu.Lock()
	delete(e.subs, id)
	e.mu.Unlock()
}

// Events is the stream of events for this subscription. It is closed by Close.
func (s *Subscription) Events() <-chan domain.Event {
	return s.ch
}

// JobID returns the job this subscription follows, "" for all jobs
func (s *Subscription) JobID() string {
	return s.jobID
}

// Dropped returns how many events were discarded because the reader fell behind
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.emitter.remove(s.id)
	s.closeChan()
}

// offer pushes ev, evicting the oldest buffered event if needed. It reports
// whether an event was dropped.
func (s *Subscription) offer(ev domain.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	select {
	case s.ch <- ev:
		return false
	default:
	}

	dropped := false
	select {
	case <-s.ch:
		dropped = true
		s.dropped.Add(1)
	default:
	}

	// Only offer sends and it holds s.mu, so there is room now
	s.ch <- ev
	return dropped
}

func (s *Subscription) closeChan() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
