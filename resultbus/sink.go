package resultbus

import (
	"log/slog"
	"sync"

	"github.com/visiona/detectpipe"
)

// Sink adapts a Bus to the detectpipe.FrameSink contract so logging and
// recording consumers can run beside a rendering sink (typically combined
// with detectpipe.Tee). It publishes one Result per presented frame and
// always asks to continue; stopping the run is the rendering sink's or the
// shutdown signal's job.
type Sink struct {
	bus *Bus

	mu     sync.Mutex
	closed bool
}

// NewSink wraps a bus. The bus stays owned by the caller and is not closed
// by the sink.
func NewSink(bus *Bus) *Sink {
	return &Sink{bus: bus}
}

// Present publishes the frame's result. The frame buffer itself is not
// retained; only detections and metadata cross the bus.
func (s *Sink) Present(frame *detectpipe.Frame, detections detectpipe.DetectionBatch, stats detectpipe.RunStats) bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return true
	}

	s.bus.Publish(Result{
		Seq:        frame.Seq,
		TraceID:    frame.TraceID,
		Timestamp:  frame.Timestamp,
		Detections: detections,
		Stats:      stats,
	})
	return true
}

// OnFatalError logs the final state so bus consumers' operators see why
// the stream stopped.
func (s *Sink) OnFatalError(reason error) {
	slog.Error("resultbus: pipeline failed", "error", reason)
}

// Close stops publishing. Idempotent. The bus is left open for its owner.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
