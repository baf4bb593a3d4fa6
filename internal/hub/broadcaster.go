package hub

import (
	"sync"
	"sync/atomic"

	"github.com/amoylab/wshub/pkg/protocol"
)

// Delivery is one published (topic, message) pair
type Delivery struct {
	Topic   protocol.Topic
	Message protocol.Message
}

// Broadcaster fans every published delivery out to all current subscribers.
// Each subscriber owns a bounded ring buffer: when it is full the oldest
// entry is dropped and counted, so Publish never blocks on a slow reader.
type Broadcaster struct {
	capacity int

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
	done   chan struct{}

	published atomic.Uint64
	lagged    atomic.Uint64
}

// NewBroadcaster creates a broadcaster whose subscribers buffer up to
// capacity deliveries each
func NewBroadcaster(capacity int) *Broadcaster {
	if capacity < 1 {
		capacity = 1
	}
	return &Broadcaster{
		capacity: capacity,
		subs:     make(map[*Subscription]struct{}),
		done:     make(chan struct{}),
	}
}

// Subscribe registers a new subscriber. It only sees deliveries published
// after this call. Subscribing to a closed broadcaster returns a
// subscription whose Done channel is already closed.
func (b *Broadcaster) Subscribe() *Subscription {
	s := &Subscription{
		b:     b,
		buf:   make([]Delivery, b.capacity),
		ready: make(chan struct{}, 1),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.subs[s] = struct{}{}
	}
	return s
}

// Publish hands d to every subscriber and returns how many there were.
// Zero subscribers is not an error.
func (b *Broadcaster) Publish(topic protocol.Topic, msg protocol.Message) int {
	d := Delivery{Topic: topic, Message: msg}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}
	for s := range b.subs {
		s.push(d)
	}
	b.published.Add(1)
	return len(b.subs)
}

// ReceiverCount returns the number of live subscriptions
func (b *Broadcaster) ReceiverCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close permanently closes the broadcaster. Every subscription's Done
// channel is closed and later publishes reach nobody.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
	clear(b.subs)
}

// Stats returns counters describing the broadcaster
func (b *Broadcaster) Stats() BroadcasterStats {
	b.mu.RLock()
	receivers := len(b.subs)
	buffered := 0
	for s := range b.subs {
		buffered += s.Len()
	}
	b.mu.RUnlock()

	return BroadcasterStats{
		Receivers: receivers,
		Capacity:  b.capacity,
		Buffered:  buffered,
		Published: b.published.Load(),
		Lagged:    b.lagged.Load(),
	}
}

// Subscription is one consumer's view of the broadcaster
type Subscription struct {
	b *Broadcaster

	mu      sync.Mutex
	buf     []Delivery
	head    int
	size    int
	skipped uint64

	ready chan struct{}
}

func (s *Subscription) push(d Delivery) {
	s.mu.Lock()
	if s.size == len(s.buf) {
		s.buf[s.head] = Delivery{}
		s.head = (s.head + 1) % len(s.buf)
		s.size--
		s.skipped++
		s.b.lagged.Add(1)
	}
	s.buf[(s.head+s.size)%len(s.buf)] = d
	s.size++
	s.mu.Unlock()

	s.notify()
}

func (s *Subscription) notify() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Ready receives a value whenever new deliveries may be available. Several
// publishes can collapse into one notification, so drain with Next until it
// reports !ok.
func (s *Subscription) Ready() <-chan struct{} {
	return s.ready
}

// Done is closed when the broadcaster is closed
func (s *Subscription) Done() <-chan struct{} {
	return s.b.done
}

// Next pops the oldest buffered delivery without blocking. skipped is the
// number of deliveries dropped for this subscriber since the previous read.
func (s *Subscription) Next() (d Delivery, skipped uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	skipped, s.skipped = s.skipped, 0
	if s.size == 0 {
		return Delivery{}, skipped, false
	}
	d = s.buf[s.head]
	s.buf[s.head] = Delivery{}
	s.head = (s.head + 1) % len(s.buf)
	s.size--
	return d, skipped, true
}

// Len returns the number of buffered deliveries
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Close unsubscribes. Buffered deliveries are discarded.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	delete(s.b.subs, s)
	s.b.mu.Unlock()

	s.mu.Lock()
	clear(s.buf)
	s.size = 0
	s.mu.Unlock()
}
