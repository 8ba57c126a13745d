// Package mailbox implements a single-slot latest-frame mailbox.
//
// Philosophy: "Drop frames, never queue. Latency > Completeness."
//
// The mailbox bridges an asynchronous producer (a capture callback firing
// at source rate) and a synchronous consumer that wants the next frame
// within a bounded wait. Publishing overwrites an unconsumed frame rather
// than queueing it, so the consumer always sees the latest frame and a
// slow consumer costs drops, never latency.
package mailbox

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/visiona/detectpipe"
)

var (
	// ErrTimeout is returned by Take when no frame arrived within the
	// requested bound.
	ErrTimeout = errors.New("mailbox: wait timed out")

	// ErrClosed is returned by Take after Close.
	ErrClosed = errors.New("mailbox: closed")
)

// Mailbox is a single-slot buffer with overwrite-on-publish semantics.
//
// Thread-safety: Put and Close are safe for concurrent use; Take is meant
// for a single consumer goroutine.
type Mailbox struct {
	mu    sync.Mutex
	cond  *sync.Cond
	frame *detectpipe.Frame // nil = consumed, non-nil = unconsumed

	drops  uint64 // atomic: frames overwritten before consumption
	closed bool
}

// New returns an empty mailbox.
func New() *Mailbox {
	m := &Mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Put stores a frame, overwriting any unconsumed one (counted as a drop),
// and wakes a blocked Take. Non-blocking. Frames put after Close are
// silently discarded.
func (m *Mailbox) Put(frame *detectpipe.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if m.frame != nil {
		atomic.AddUint64(&m.drops, 1)
	}
	m.frame = frame
	m.cond.Signal()
}

// Take blocks until a frame is available, the timeout elapses, or the
// mailbox closes. On success the slot is marked consumed.
func (m *Mailbox) Take(timeout time.Duration) (*detectpipe.Frame, error) {
	deadline := time.Now().Add(timeout)

	// sync.Cond has no deadline wait; a timer broadcast bounds it.
	timer := time.AfterFunc(timeout, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer timer.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()

	for m.frame == nil && !m.closed && time.Now().Before(deadline) {
		m.cond.Wait()
	}

	if m.frame != nil {
		frame := m.frame
		m.frame = nil
		return frame, nil
	}
	if m.closed {
		return nil, ErrClosed
	}
	return nil, ErrTimeout
}

// Drops returns the number of frames overwritten before being consumed.
func (m *Mailbox) Drops() uint64 {
	return atomic.LoadUint64(&m.drops)
}

// Close wakes any blocked Take and makes further Put calls no-ops.
// Idempotent.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	m.frame = nil
	m.cond.Broadcast()
}
