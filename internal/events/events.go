package events

import (
	"slices"
	"sync"
	"time"

	"github.com/deskflow/deskhost/internal/model"
)

type Kind string

const (
	KindServiceStatus      Kind = "service.status"
	KindRestartAttempt     Kind = "service.restart_attempt"
	KindMaxRestarts        Kind = "service.max_restarts"
	KindExecutionCompleted Kind = "execution.completed"
)

const defaultCapacity = 100

// Event is a notification for the UI layer.
type Event struct {
	Kind        Kind                        `json:"kind"`
	Service     string                      `json:"service,omitempty"`
	Status      *model.ManagedServiceStatus `json:"status,omitempty"`
	Attempt     int                         `json:"attempt,omitempty"`
	MaxAttempts int                         `json:"maxAttempts,omitempty"`
	Message     string                      `json:"message,omitempty"`
	Execution   *model.ExecutionResult      `json:"execution,omitempty"`
	Time        time.Time                   `json:"time"`
}

// Publisher is implemented by anything events can be sent to.
type Publisher interface {
	Publish(Event)
}

// Subscription represents an active subscription to a Bus.
type Subscription struct {
	Events <-chan Event
	cancel func()
}

// Close terminates the subscription and closes Events.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Bus fans events out to subscribers. Every subscriber has a bounded
// channel; on overflow a non critical event is dropped.
type Bus struct {
	mu       sync.RWMutex
	subs     map[*subscriber]struct{}
	capacity int
	closed   bool
	clock    func() time.Time
}

type BusOption func(*Bus)

// WithCapacity overrides the buffered channel size per subscriber.
func WithCapacity(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.capacity = n
		}
	}
}

func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs:     map[*subscriber]struct{}{},
		capacity: defaultCapacity,
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *Bus) Subscribe() Subscription {
	sub := &subscriber{ch: make(chan Event, b.capacity)}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.close()
		return Subscription{Events: sub.ch}
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return Subscription{
		Events: sub.ch,
		cancel: func() { b.remove(sub) },
	}
}

func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = b.clock()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		sub.deliver(e)
	}
}

// Close ends all subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for sub := range b.subs {
		sub.close()
		delete(b.subs, sub)
	}
}

func (b *Bus) remove(sub *subscriber) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
	sub.close()
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func (s *subscriber) deliver(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
		return
	default:
	}
	// full: drop the oldest non critical event, keeping the rest in order.
	// Only deliver sends on ch and it holds mu, so the refill can't
	// interleave with another send.
	pending := make([]Event, 0, cap(s.ch)+1)
drain:
	for {
		select {
		case old := <-s.ch:
			pending = append(pending, old)
		default:
			break drain
		}
	}
	pending = append(pending, e)
	if len(pending) > cap(s.ch) {
		i := slices.IndexFunc(pending, func(ev Event) bool { return !critical(ev.Kind) })
		if i < 0 {
			i = 0
		}
		pending = slices.Delete(pending, i, i+1)
	}
	for _, p := range pending {
		s.ch <- p
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func critical(k Kind) bool {
	return k == KindMaxRestarts || k == KindExecutionCompleted
}
