package detectpipe

import (
	"errors"
	"time"
)

// Sentinel errors surfaced through the collaborator contracts.
var (
	// ErrCaptureTimeout is returned (possibly wrapped) by
	// FrameSource.Capture when no frame arrived within the requested
	// bound. It is transient: the coordinator counts a missed frame and
	// retries on the next iteration.
	ErrCaptureTimeout = errors.New("detectpipe: capture timed out")

	// ErrSourceClosed is returned by FrameSource.Capture after the source
	// has been closed or its underlying stream ended. It is fatal to the
	// run.
	ErrSourceClosed = errors.New("detectpipe: frame source closed")
)

// FrameSource abstracts a streaming capture device.
//
// Implementations must guarantee:
//   - Open() transitions the source into a streaming-ready state; failure
//     is fatal to the run (the loop never starts).
//   - Capture(timeout) returns within the requested bound plus a small
//     scheduling slack. It never blocks indefinitely.
//   - Width/Height/PixelDepth are stable for the lifetime of an opened
//     source.
//   - Close() is idempotent and safe to call even if Open was never called
//     or failed.
type FrameSource interface {
	// Open transitions the source into a streaming-ready state.
	Open() error

	// Capture blocks up to timeout waiting for the next frame.
	//
	// Returns:
	//   - (frame, nil) on success
	//   - (nil, err) wrapping ErrCaptureTimeout when no frame arrived in
	//     time — transient, the caller retries
	//   - (nil, err) for any other condition (device lost, stream ended) —
	//     fatal, the caller drains
	Capture(timeout time.Duration) (*Frame, error)

	// Width returns the frame width in pixels.
	Width() int

	// Height returns the frame height in pixels.
	Height() int

	// PixelDepth returns the pixel size in bytes.
	PixelDepth() int

	// Close releases underlying resources. Idempotent.
	Close() error
}

// Detector abstracts an inference engine.
//
// Detect is pure with respect to pipeline state: it has no side effects on
// the FrameSource or FrameSink. It may mutate the frame's pixel buffer in
// place to draw overlays matching flags when flags != OverlayNone.
//
// Every returned Detection has Confidence >= threshold; filtering below
// threshold is the detector's responsibility, not the coordinator's.
//
// A detector-level failure (e.g. malformed input dimensions) is reported as
// a non-fatal error: the coordinator skips sink delivery for that frame and
// continues.
type Detector interface {
	// Detect runs inference on one frame.
	Detect(frame *Frame, threshold float64, flags OverlayFlags) (DetectionBatch, error)

	// Close releases the model and its resources. Idempotent.
	Close() error
}

// FrameSink abstracts a display or other consumer of frame/result pairs.
//
// Side effects (rendering, writing to disk, logging) are entirely the
// sink's responsibility and invisible to the coordinator beyond the boolean
// continuation contract.
type FrameSink interface {
	// Present delivers one frame/result pair together with a stats
	// snapshot. The return value reports whether the run should continue;
	// a sink that detects a user-requested close returns false.
	Present(frame *Frame, detections DetectionBatch, stats RunStats) bool

	// Close releases the sink's resources. Idempotent.
	Close() error
}

// FatalNotifier is an optional FrameSink extension. When the coordinator
// itself hits a fatal error and is draining, OnFatalError is invoked
// instead of Present so the sink can show a final state.
type FatalNotifier interface {
	OnFatalError(reason error)
}

// Tee combines multiple sinks into one. Present delivers to every sink in
// order and returns false if any sink asked to stop. Close and fatal
// notifications propagate to every sink.
func Tee(sinks ...FrameSink) FrameSink {
	return teeSink(sinks)
}

type teeSink []FrameSink

func (t teeSink) Present(frame *Frame, detections DetectionBatch, stats RunStats) bool {
	cont := true
	for _, s := range t {
		if !s.Present(frame, detections, stats) {
			cont = false
		}
	}
	return cont
}

func (t teeSink) OnFatalError(reason error) {
	for _, s := range t {
		if n, ok := s.(FatalNotifier); ok {
			n.OnFatalError(reason)
		}
	}
}

func (t teeSink) Close() error {
	var firstErr error
	for _, s := range t {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
