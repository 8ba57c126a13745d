package detectpipe

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
)

// ShutdownSignal is the process-wide stop flag polled by the coordinator
// between iterations.
//
// Lifecycle: initialized at process start, set by exactly one external
// trigger path (OS signal handler, sink close detection, fatal source
// error), read once per loop iteration, never reset during a run.
//
// The flag is atomic: setting it from a signal handler goroutine while the
// loop polls it is the intended use. The first Set wins; later calls are
// no-ops, so the recorded reason is always the original trigger.
type ShutdownSignal struct {
	fired atomic.Bool

	mu     sync.Mutex
	reason error
}

// NewShutdownSignal returns an unfired signal.
func NewShutdownSignal() *ShutdownSignal {
	return &ShutdownSignal{}
}

// Set fires the signal. reason may be nil for a normal, user-requested
// stop. Only the first call records its reason; subsequent calls are
// no-ops.
func (s *ShutdownSignal) Set(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fired.Load() {
		return
	}
	s.reason = reason
	s.fired.Store(true)
}

// Fired reports whether the signal has been set. Safe from any goroutine.
func (s *ShutdownSignal) Fired() bool {
	return s.fired.Load()
}

// Reason returns the error recorded by the first Set, or nil for a normal
// stop (or an unfired signal).
func (s *ShutdownSignal) Reason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Notify fires the signal when one of the given OS signals arrives
// (SIGINT by default). The watcher goroutine exits when ctx is cancelled
// or after the first delivery; the OS signal does not terminate the
// process directly — the loop observes the flag and drains.
func (s *ShutdownSignal) Notify(ctx context.Context, signals ...os.Signal) {
	if len(signals) == 0 {
		signals = []os.Signal{os.Interrupt}
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, signals...)

	go func() {
		defer signal.Stop(ch)

		select {
		case sig := <-ch:
			slog.Info("detectpipe: received signal, shutting down", "signal", sig.String())
			s.Set(nil)
		case <-ctx.Done():
		}
	}()
}
