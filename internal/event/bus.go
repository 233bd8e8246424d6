package event

import (
	"context"
	"sync"
	"sync/atomic"

	"pool_sync/internal/domain"
)

// DefaultBacklog is the per-subscriber queue capacity used when none is configured.
const DefaultBacklog = 1000

// Bus is a broadcast channel. Every subscriber receives every message published
// after it subscribed, in publish order, through its own bounded backlog.
// Publish never blocks: a subscriber that falls behind loses its oldest
// messages and is told how many on its next Recv.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	backlog int
	closed  bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewBus creates a bus whose subscribers each buffer up to backlog messages
func NewBus(backlog int) *Bus {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	return &Bus{
		subs:    make(map[uint64]*Subscription),
		backlog: backlog,
	}
}

// Subscribe registers a new subscriber. On a closed bus the subscription is
// returned already closed.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &Subscription{
		bus:    b,
		id:     b.nextID,
		buf:    make([]Message, b.backlog),
		notify: make(chan struct{}, 1),
	}
	if b.closed {
		s.closed = true
		return s
	}
	b.subs[s.id] = s
	return s
}

// Publish delivers msg to every current subscriber and returns how many received it.
// With zero subscribers it returns domain.ErrNoSubscribers, which callers may ignore.
func (b *Bus) Publish(msg Message) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0, domain.ErrBusClosed
	}
	b.published.Add(1)
	if len(b.subs) == 0 {
		return 0, domain.ErrNoSubscribers
	}
	for _, s := range b.subs {
		if s.push(msg) {
			b.dropped.Add(1)
		}
	}
	return len(b.subs), nil
}

// Close closes every subscription. Messages already queued can still be received.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		s.close()
		delete(b.subs, id)
	}
}

// SubscriberCount returns the number of active subscriptions
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subs)
}

// BusStats is a point-in-time view of bus counters.
type BusStats struct {
	Published   uint64
	Dropped     uint64
	Subscribers int
}

func (b *Bus) Stats() BusStats {
	return BusStats{
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: b.SubscriberCount(),
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subs, id)
}

// Subscription is one subscriber's view of the Bus.
type Subscription struct {
	bus *Bus
	id  uint64

	mu      sync.Mutex
	buf     []Message // ring buffer
	head    int
	size    int
	dropped uint64
	closed  bool

	notify chan struct{}
}

// push appends msg, evicting the oldest entry when full. It reports whether an entry was evicted.
func (s *Subscription) push(msg Message) bool {
	s.mu.Lock()
	evicted := false
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if s.size == len(s.buf) {
		s.buf[s.head] = nil
		s.head = (s.head + 1) % len(s.buf)
		s.size--
		s.dropped++
		evicted = true
	}
	s.buf[(s.head+s.size)%len(s.buf)] = msg
	s.size++
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return evicted
}

func (s *Subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Recv blocks until a message is available, the subscription is closed, or ctx ends.
// If messages were dropped since the last call, it first returns a
// *domain.OverflowError carrying the count, then resumes with the oldest kept message.
// After close it drains the queue and then returns domain.ErrBusClosed.
func (s *Subscription) Recv(ctx context.Context) (Message, error) {
	for {
		msg, ok, err := s.tryRecv()
		if ok {
			return msg, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.notify:
		}
	}
}

// TryRecv is the non-blocking form of Recv. ok is false when nothing is queued.
func (s *Subscription) TryRecv() (msg Message, ok bool, err error) {
	return s.tryRecv()
}

func (s *Subscription) tryRecv() (Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dropped > 0 {
		n := s.dropped
		s.dropped = 0
		return nil, true, &domain.OverflowError{Dropped: n}
	}
	if s.size > 0 {
		msg := s.buf[s.head]
		s.buf[s.head] = nil
		s.head = (s.head + 1) % len(s.buf)
		s.size--
		return msg, true, nil
	}
	if s.closed {
		return nil, true, domain.ErrBusClosed
	}
	return nil, false, nil
}

// Pending returns the number of queued messages
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.size
}

// Unsubscribe detaches the subscription from the bus and closes it.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s.id)
	s.close()
}
