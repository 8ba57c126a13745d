// Package gstsource implements detectpipe.FrameSource over a GStreamer
// pipeline description.
//
// The pipeline is given as a gst-launch string ending in a named appsink,
// e.g.:
//
//	rtspsrc location=rtsp://user:pw@192.168.0.170/Streaming/Channels/1 !
//	queue ! rtph264depay ! h264parse ! queue ! avdec_h264 !
//	videoconvert ! video/x-raw,format=RGBA ! appsink name=mysink
//
// Frames land in a single-slot latest-frame mailbox; Capture takes the
// newest one with a bounded wait. A slow consumer costs drops, never
// latency.
package gstsource

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/visiona/detectpipe"
	"github.com/visiona/detectpipe/internal/mailbox"
)

// DefaultSinkName is the appsink element name looked up in the pipeline
// description when Config.SinkName is empty.
const DefaultSinkName = "mysink"

// shutdownTimeout bounds how long Close waits for the bus monitor
// goroutine.
const shutdownTimeout = 3 * time.Second

// Config describes a GStreamer capture source.
type Config struct {
	// Pipeline is the gst-launch description. It must contain an appsink
	// element named SinkName.
	Pipeline string

	// SinkName is the appsink element name, DefaultSinkName when empty.
	SinkName string

	// Width and Height are the negotiated frame dimensions in pixels.
	Width  int
	Height int

	// Depth is the pixel size in bytes the pipeline delivers
	// (4 for RGBA, 3 for RGB).
	Depth int
}

// Source is a GStreamer-backed FrameSource.
//
// Lifecycle: New → Open → Capture... → Close. Close is idempotent and safe
// even when Open was never called or failed.
type Source struct {
	cfg Config

	mu       sync.Mutex
	pipeline *gst.Pipeline
	opened   bool
	closed   bool

	box *mailbox.Mailbox
	seq uint64 // atomic frame sequence

	// fatal is set by the bus monitor on EOS or pipeline error.
	fatalMu sync.Mutex
	fatal   error

	stop chan struct{}
	wg   sync.WaitGroup
}

// New validates the configuration fail-fast and returns an unopened
// source. GStreamer itself is not touched until Open.
func New(cfg Config) (*Source, error) {
	if strings.TrimSpace(cfg.Pipeline) == "" {
		return nil, fmt.Errorf("gstsource: pipeline description is required")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("gstsource: invalid dimensions %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Depth != 3 && cfg.Depth != 4 {
		return nil, fmt.Errorf("gstsource: invalid pixel depth %d (must be 3 or 4 bytes)", cfg.Depth)
	}
	if cfg.SinkName == "" {
		cfg.SinkName = DefaultSinkName
	}
	if !strings.Contains(cfg.Pipeline, "appsink") {
		return nil, fmt.Errorf("gstsource: pipeline must end in an appsink named %q", cfg.SinkName)
	}

	return &Source{
		cfg:  cfg,
		box:  mailbox.New(),
		stop: make(chan struct{}),
	}, nil
}

// Open parses and starts the pipeline and begins delivering frames into
// the mailbox. Failure is fatal to the run.
func (s *Source) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("gstsource: source already closed")
	}
	if s.opened {
		return fmt.Errorf("gstsource: source already opened")
	}

	gst.Init(nil)

	pipeline, err := gst.NewPipelineFromString(s.cfg.Pipeline)
	if err != nil {
		return fmt.Errorf("gstsource: failed to parse pipeline description: %w", err)
	}

	sinkElem, err := pipeline.GetElementByName(s.cfg.SinkName)
	if err != nil || sinkElem == nil {
		return fmt.Errorf("gstsource: appsink %q not found in pipeline", s.cfg.SinkName)
	}

	appsink := app.SinkFromElement(sinkElem)
	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onNewSample,
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("gstsource: failed to start pipeline: %w", err)
	}

	s.pipeline = pipeline
	s.opened = true

	s.wg.Add(1)
	go s.monitorBus()

	slog.Info("gstsource: pipeline open for streaming",
		"width", s.cfg.Width,
		"height", s.cfg.Height,
		"depth_bytes", s.cfg.Depth,
	)
	return nil
}

// onNewSample copies the appsink buffer into a Frame and publishes it to
// the mailbox. A single bad sample is skipped, never fatal.
func (s *Source) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("gstsource: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("gstsource: failed to get buffer from sample, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		slog.Warn("gstsource: empty buffer received, skipping frame")
		return gst.FlowOK
	}

	want := s.cfg.Width * s.cfg.Height * s.cfg.Depth
	if len(data) != want {
		buffer.Unmap()
		slog.Warn("gstsource: buffer size mismatch, skipping frame",
			"got", len(data),
			"want", want,
		)
		return gst.FlowOK
	}

	// Copy: GStreamer reuses the buffer after the callback returns.
	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	frame := &detectpipe.Frame{
		Seq:       atomic.AddUint64(&s.seq, 1),
		TraceID:   uuid.New().String(),
		Timestamp: time.Now(),
		Width:     s.cfg.Width,
		Height:    s.cfg.Height,
		Depth:     s.cfg.Depth,
		Data:      frameData,
	}
	s.box.Put(frame)

	slog.Debug("gstsource: frame published",
		"seq", frame.Seq,
		"size_bytes", len(frameData),
		"trace_id", frame.TraceID,
	)
	return gst.FlowOK
}

// monitorBus watches the pipeline bus. EOS and pipeline errors are fatal:
// the reason is recorded and the mailbox closed so Capture surfaces it.
func (s *Source) monitorBus() {
	defer s.wg.Done()

	bus := s.pipeline.GetPipelineBus()

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		// Short poll keeps shutdown responsive.
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("gstsource: end of stream received",
				"frames_captured", atomic.LoadUint64(&s.seq),
			)
			s.setFatal(fmt.Errorf("gstsource: end of stream"))
			return

		case gst.MessageError:
			gerr := msg.ParseError()
			slog.Error("gstsource: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
			)
			s.setFatal(fmt.Errorf("gstsource: pipeline error: %s", gerr.Error()))
			return

		case gst.MessageStateChanged:
			if msg.Source() == s.pipeline.GetName() {
				old, next := msg.ParseStateChanged()
				slog.Debug("gstsource: pipeline state changed", "from", old, "to", next)
			}
		}
	}
}

func (s *Source) setFatal(err error) {
	s.fatalMu.Lock()
	if s.fatal == nil {
		s.fatal = err
	}
	s.fatalMu.Unlock()

	// Wake a blocked Capture so the fatal reason surfaces immediately.
	s.box.Close()
}

func (s *Source) fatalErr() error {
	s.fatalMu.Lock()
	defer s.fatalMu.Unlock()
	return s.fatal
}

// Capture blocks up to timeout for the next frame.
//
// Returns an error wrapping detectpipe.ErrCaptureTimeout when no frame
// arrived in time (transient), or the recorded fatal reason /
// detectpipe.ErrSourceClosed once the stream has ended (fatal).
func (s *Source) Capture(timeout time.Duration) (*detectpipe.Frame, error) {
	if err := s.fatalErr(); err != nil {
		return nil, err
	}

	frame, err := s.box.Take(timeout)
	switch {
	case err == nil:
		return frame, nil
	case err == mailbox.ErrTimeout:
		return nil, fmt.Errorf("no frame within %v: %w", timeout, detectpipe.ErrCaptureTimeout)
	default:
		// Mailbox closed: either a recorded fatal reason or Close.
		if fatal := s.fatalErr(); fatal != nil {
			return nil, fatal
		}
		return nil, detectpipe.ErrSourceClosed
	}
}

// Width returns the configured frame width. Stable once opened.
func (s *Source) Width() int { return s.cfg.Width }

// Height returns the configured frame height. Stable once opened.
func (s *Source) Height() int { return s.cfg.Height }

// PixelDepth returns the configured pixel size in bytes. Stable once
// opened.
func (s *Source) PixelDepth() int { return s.cfg.Depth }

// Drops returns the number of frames overwritten in the mailbox before
// being consumed. Expected to grow when the consumer is slower than the
// source; that is the drop-not-queue contract working.
func (s *Source) Drops() uint64 { return s.box.Drops() }

// Close tears the pipeline down. Idempotent, safe without a prior Open.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	close(s.stop)
	s.box.Close()

	if s.pipeline != nil {
		// Wait for the bus monitor before tearing the pipeline down.
		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(shutdownTimeout):
			slog.Warn("gstsource: close timeout exceeded, bus monitor may still be running")
		}

		if err := s.pipeline.SetState(gst.StateNull); err != nil {
			slog.Error("gstsource: failed to stop pipeline", "error", err)
		}
		s.pipeline = nil
	}

	slog.Info("gstsource: closed", "frames_captured", atomic.LoadUint64(&s.seq))
	return nil
}
