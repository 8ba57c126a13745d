// Package resultbus provides non-blocking fan-out of per-frame detection
// results to multiple subscribers.
//
// Philosophy: "Drop results, never queue. Latency > Completeness."
//
// The pipeline publishes one Result per processed frame; rendering must
// never wait on a slow logging or recording consumer, so delivery is
// non-blocking with a configurable drop policy per subscriber:
//
//   - DropNew: channel-based backpressure — a full buffer drops the
//     incoming result
//   - DropOld: latest-only — new results replace unconsumed ones
//
// Usage:
//
//	bus := resultbus.New()
//	defer bus.Close()
//
//	ch := make(chan resultbus.Result, 5)
//	bus.Subscribe("recorder", ch)
//
//	latest, _ := bus.SubscribeLatest("status")
//	defer latest.Close()
//
//	sink := resultbus.NewSink(bus)
package resultbus

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/visiona/detectpipe"
)

// Public API errors.
var (
	ErrBusClosed          = errors.New("resultbus: bus closed")
	ErrSubscriberExists   = errors.New("resultbus: subscriber already registered")
	ErrSubscriberNotFound = errors.New("resultbus: subscriber not found")
	ErrNilChannel         = errors.New("resultbus: nil channel")
)

// Result is the per-frame outcome published to subscribers. The frame
// itself is not carried: it is loaned to the sink for one iteration only
// and must not outlive it.
type Result struct {
	// Seq and TraceID identify the source frame.
	Seq     uint64
	TraceID string

	// Timestamp is the frame capture time.
	Timestamp time.Time

	// Detections for the frame, possibly empty.
	Detections detectpipe.DetectionBatch

	// Stats is the coordinator snapshot delivered alongside the frame.
	Stats detectpipe.RunStats
}

// DropPolicy defines how the bus handles a subscriber that cannot keep up.
type DropPolicy int

const (
	// DropNew drops incoming results when the subscriber's buffer is full.
	DropNew DropPolicy = iota
	// DropOld always accepts new results, replacing unconsumed ones.
	DropOld
)

// SubscriberStats tracks per-subscriber delivery counters.
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

type subscriber struct {
	id     string
	policy DropPolicy
	stats  *SubscriberStats

	// DropNew
	ch chan<- Result

	// DropOld
	latest *Receiver
}

// Bus distributes results to subscribers. All methods are safe for
// concurrent use; Publish never blocks.
type Bus struct {
	mu             sync.RWMutex
	subscribers    map[string]*subscriber
	totalPublished uint64
	closed         bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subscribers: make(map[string]*subscriber)}
}

// Subscribe registers a channel with DropNew policy. The caller owns the
// channel and its buffer size determines the backpressure window.
func (b *Bus) Subscribe(id string, ch chan<- Result) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if ch == nil {
		return ErrNilChannel
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}

	b.subscribers[id] = &subscriber{
		id:     id,
		policy: DropNew,
		stats:  &SubscriberStats{},
		ch:     ch,
	}
	return nil
}

// SubscribeLatest registers a latest-only (DropOld) subscriber and returns
// its receiver.
func (b *Bus) SubscribeLatest(id string) (*Receiver, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return nil, ErrSubscriberExists
	}

	sub := &subscriber{
		id:     id,
		policy: DropOld,
		stats:  &SubscriberStats{},
		latest: newReceiver(),
	}
	b.subscribers[id] = sub
	return sub.latest, nil
}

// Publish distributes a result to every subscriber. Non-blocking: a full
// DropNew buffer counts a drop, a DropOld slot is overwritten.
func (b *Bus) Publish(res Result) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	atomic.AddUint64(&b.totalPublished, 1)

	for _, sub := range b.subscribers {
		switch sub.policy {
		case DropNew:
			select {
			case sub.ch <- res:
				atomic.AddUint64(&sub.stats.Sent, 1)
			default:
				atomic.AddUint64(&sub.stats.Dropped, 1)
			}
		case DropOld:
			if sub.latest.set(res) {
				atomic.AddUint64(&sub.stats.Dropped, 1)
			}
			atomic.AddUint64(&sub.stats.Sent, 1)
		}
	}
}

// Unsubscribe removes a subscriber. DropOld receivers are closed.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, exists := b.subscribers[id]
	if !exists {
		return ErrSubscriberNotFound
	}
	if sub.policy == DropOld && sub.latest != nil {
		sub.latest.Close()
	}
	delete(b.subscribers, id)
	return nil
}

// Stats returns a snapshot of a subscriber's counters.
func (b *Bus) Stats(id string) (SubscriberStats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sub, exists := b.subscribers[id]
	if !exists {
		return SubscriberStats{}, ErrSubscriberNotFound
	}
	return SubscriberStats{
		Sent:    atomic.LoadUint64(&sub.stats.Sent),
		Dropped: atomic.LoadUint64(&sub.stats.Dropped),
	}, nil
}

// TotalPublished returns the number of results published over the bus
// lifetime.
func (b *Bus) TotalPublished() uint64 {
	return atomic.LoadUint64(&b.totalPublished)
}

// Close shuts the bus down: later Publish calls are no-ops and every
// DropOld receiver is closed. DropNew channels are owned by their callers
// and are not closed here. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, sub := range b.subscribers {
		if sub.policy == DropOld && sub.latest != nil {
			sub.latest.Close()
		}
	}
	b.subscribers = make(map[string]*subscriber)
}
