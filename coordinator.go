package detectpipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// State is the coordinator lifecycle state.
type State int32

const (
	// StateCreated is the initial state after New.
	StateCreated State = iota
	// StateOpened means the source opened successfully.
	StateOpened
	// StateRunning means the main loop is iterating.
	StateRunning
	// StateDraining means the loop has exited and collaborators are being
	// released.
	StateDraining
	// StateStopped is terminal. All collaborators have been released.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateOpened:
		return "opened"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Coordinator owns the capture → infer → render loop. It sequences calls
// to the FrameSource, Detector and FrameSink, tracks running statistics,
// and enforces the shutdown protocol.
//
// A Coordinator runs exactly once; Run returns an error if called again.
type Coordinator struct {
	cfg      Config
	source   FrameSource
	detector Detector
	sink     FrameSink

	signal *ShutdownSignal
	stats  statsTracker

	state atomic.Int32
	ran   atomic.Bool

	// fatal is the recorded fatal reason, nil for a normal stop.
	fatalMu sync.Mutex
	fatal   error

	releaseOnce sync.Once
}

// New creates a coordinator over the three collaborators. The
// configuration and collaborators are validated fail-fast; the source is
// not opened until Run.
func New(cfg Config, source FrameSource, detector Detector, sink FrameSink) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if source == nil {
		return nil, fmt.Errorf("detectpipe: frame source is required")
	}
	if detector == nil {
		return nil, fmt.Errorf("detectpipe: detector is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("detectpipe: frame sink is required")
	}

	return &Coordinator{
		cfg:      cfg,
		source:   source,
		detector: detector,
		sink:     sink,
		signal:   NewShutdownSignal(),
	}, nil
}

// ShutdownSignal returns the coordinator's stop flag for external wiring
// (signal handlers, supervisors).
func (c *Coordinator) ShutdownSignal() *ShutdownSignal { return c.signal }

// State returns the current lifecycle state. Safe from any goroutine.
func (c *Coordinator) State() State { return State(c.state.Load()) }

// Stats returns a snapshot of the running counters. Safe from any
// goroutine.
func (c *Coordinator) Stats() RunStats { return c.stats.snapshot() }

func (c *Coordinator) setState(s State) {
	c.state.Store(int32(s))
	slog.Debug("detectpipe: state transition", "state", s.String())
}

// recordFatal stores the first fatal reason and fires the shutdown signal.
func (c *Coordinator) recordFatal(err error) {
	c.fatalMu.Lock()
	if c.fatal == nil {
		c.fatal = err
	}
	c.fatalMu.Unlock()
	c.signal.Set(err)
}

// FatalReason returns the recorded fatal error, or nil for a clean run.
func (c *Coordinator) FatalReason() error {
	c.fatalMu.Lock()
	defer c.fatalMu.Unlock()
	return c.fatal
}

// Run drives the pipeline to completion: opens the source, iterates the
// capture → detect → present loop, then drains and releases the detector,
// the sink and the source in that order, each exactly once.
//
// Returns the fatal reason if the run ended on a setup or runtime fault,
// nil for a normal stop (shutdown signal, sink-requested close, context
// cancellation). Run must not be called concurrently or twice.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.ran.CompareAndSwap(false, true) {
		return fmt.Errorf("detectpipe: coordinator already ran (state %s)", c.State())
	}

	// A signal fired before the run begins means zero capture/detect/
	// present calls: release immediately.
	if c.stopRequested(ctx) {
		slog.Info("detectpipe: shutdown requested before start")
		c.drain()
		return c.FatalReason()
	}

	if err := c.source.Open(); err != nil {
		err = fmt.Errorf("detectpipe: failed to open frame source: %w", err)
		slog.Error("detectpipe: setup failed", "error", err)
		c.recordFatal(err)
		c.notifyFatal(err)
		c.drain()
		return err
	}
	c.setState(StateOpened)

	slog.Info("detectpipe: source open for streaming",
		"width", c.source.Width(),
		"height", c.source.Height(),
		"depth_bytes", c.source.PixelDepth(),
	)

	c.setState(StateRunning)
	c.loop(ctx)
	c.drain()

	if reason := c.FatalReason(); reason != nil {
		return reason
	}
	slog.Info("detectpipe: shutdown complete", "frames", c.stats.snapshot().Frames)
	return nil
}

// stopRequested polls the shutdown signal and the context. Called at the
// top of every iteration only — an iteration that has begun runs to
// completion, bounded by the capture timeout.
func (c *Coordinator) stopRequested(ctx context.Context) bool {
	if c.signal.Fired() {
		return true
	}
	if ctx != nil && ctx.Err() != nil {
		// External cancellation is a normal stop, no reason recorded.
		c.signal.Set(nil)
		return true
	}
	return false
}

// loop is the Running state. Per iteration:
//
//  1. Poll the shutdown signal; if set, drain.
//  2. Capture. Timeout: count a missed frame, retry. Fatal: record and
//     drain.
//  3. Detect. Per-frame failure: count, skip sink delivery, continue.
//  4. Present. A false continuation is a normal stop.
//  5. Update stats.
func (c *Coordinator) loop(ctx context.Context) {
	var (
		lastTimestamp time.Time
		missStreak    int
	)

	for {
		if c.stopRequested(ctx) {
			return
		}

		frame, err := c.source.Capture(c.cfg.CaptureTimeout)
		if err != nil {
			if errors.Is(err, ErrCaptureTimeout) {
				c.stats.recordMiss()
				missStreak++
				// Rate-limited: first miss of a streak at Warn, the
				// rest at Debug.
				if missStreak == 1 {
					slog.Warn("detectpipe: failed to capture frame", "timeout", c.cfg.CaptureTimeout)
				} else {
					slog.Debug("detectpipe: capture timed out", "streak", missStreak)
				}
				continue
			}

			err = fmt.Errorf("detectpipe: fatal capture error: %w", err)
			slog.Error("detectpipe: source failed, draining", "error", err)
			c.recordFatal(err)
			c.notifyFatal(err)
			return
		}

		if missStreak > 1 {
			slog.Info("detectpipe: capture recovered", "missed", missStreak)
		}
		missStreak = 0

		if !frame.Timestamp.Before(lastTimestamp) {
			lastTimestamp = frame.Timestamp
		} else {
			slog.Warn("detectpipe: non-monotonic frame timestamp",
				"seq", frame.Seq,
				"timestamp", frame.Timestamp,
			)
		}

		batch, err := c.detector.Detect(frame, c.cfg.Threshold, c.cfg.Overlay)
		if err != nil {
			c.stats.recordDetectFailure()
			slog.Warn("detectpipe: detection failed, skipping frame",
				"seq", frame.Seq,
				"trace_id", frame.TraceID,
				"error", err,
			)
			continue
		}

		if !c.sink.Present(frame, batch, c.stats.snapshot()) {
			slog.Info("detectpipe: sink requested stop")
			c.signal.Set(nil)
			return
		}

		c.stats.recordFrame(len(batch), time.Now())
	}
}

// notifyFatal forwards the fatal reason to the sink if it implements
// FatalNotifier, so it can show a final state instead of a last frame.
func (c *Coordinator) notifyFatal(reason error) {
	if n, ok := c.sink.(FatalNotifier); ok {
		n.OnFatalError(reason)
	}
}

// drain releases the detector, the sink and the source, in that order,
// exactly once. Safe on every exit path including setup failure: each
// collaborator's Close is idempotent and defined even when Open never
// succeeded.
func (c *Coordinator) drain() {
	c.releaseOnce.Do(func() {
		c.setState(StateDraining)
		slog.Info("detectpipe: shutting down")

		if err := c.detector.Close(); err != nil {
			slog.Error("detectpipe: failed to release detector", "error", err)
		}
		if err := c.sink.Close(); err != nil {
			slog.Error("detectpipe: failed to release sink", "error", err)
		}
		if err := c.source.Close(); err != nil {
			slog.Error("detectpipe: failed to release source", "error", err)
		}

		c.setState(StateStopped)
	})
	// Re-entry after Stopped is a no-op; state stays terminal.
	c.state.Store(int32(StateStopped))
}
