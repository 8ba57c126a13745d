package resultbus

import "sync"

// Receiver is the consuming side of a DropOld subscription: a single-slot
// mailbox holding the latest unconsumed result.
//
// Next is meant for a single consumer goroutine; set and Close may be
// called concurrently.
type Receiver struct {
	mu     sync.Mutex
	cond   *sync.Cond
	result Result
	filled bool
	closed bool
}

func newReceiver() *Receiver {
	r := &Receiver{}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// set stores a result, overwriting an unconsumed one. Returns true when an
// unconsumed result was overwritten (a drop).
func (r *Receiver) set(res Result) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	dropped := r.filled
	r.result = res
	r.filled = true
	r.cond.Signal()
	return dropped
}

// Next blocks until a result is available or the receiver is closed. The
// second return value is false after close.
func (r *Receiver) Next() (Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for !r.filled && !r.closed {
		r.cond.Wait()
	}
	if !r.filled {
		return Result{}, false
	}
	res := r.result
	r.filled = false
	r.result = Result{}
	return res, true
}

// TryNext returns the latest result without blocking. The second return
// value is false when nothing is pending.
func (r *Receiver) TryNext() (Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.filled {
		return Result{}, false
	}
	res := r.result
	r.filled = false
	r.result = Result{}
	return res, true
}

// Close wakes a blocked Next and discards any pending result. Idempotent.
func (r *Receiver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	r.filled = false
	r.result = Result{}
	r.cond.Broadcast()
}
