package detectpipe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// The scripted collaborators below drive the coordinator through every
// lifecycle path without real devices. A closeLog records release order so
// tests can assert the detector → sink → source protocol.

type closeLog struct {
	mu    sync.Mutex
	order []string
}

func (l *closeLog) record(name string) {
	l.mu.Lock()
	l.order = append(l.order, name)
	l.mu.Unlock()
}

func (l *closeLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.order...)
}

// captureStep is one scripted Capture outcome.
type captureStep struct {
	frame *Frame
	err   error
}

type scriptedSource struct {
	openErr error
	script  []captureStep

	mu       sync.Mutex
	opens    int
	captures int
	closes   int
	log      *closeLog
}

func (s *scriptedSource) Open() error {
	s.mu.Lock()
	s.opens++
	s.mu.Unlock()
	return s.openErr
}

func (s *scriptedSource) Capture(timeout time.Duration) (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.captures
	s.captures++
	if idx >= len(s.script) {
		return nil, ErrSourceClosed
	}
	return s.script[idx].frame, s.script[idx].err
}

func (s *scriptedSource) Width() int      { return 4 }
func (s *scriptedSource) Height() int     { return 4 }
func (s *scriptedSource) PixelDepth() int { return 4 }

func (s *scriptedSource) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	if s.log != nil {
		s.log.record("source")
	}
	return nil
}

type scriptedDetector struct {
	// detect is called per frame; nil means "one detection, no error".
	detect func(frame *Frame) (DetectionBatch, error)

	mu     sync.Mutex
	calls  int
	closes int
	log    *closeLog
}

func (d *scriptedDetector) Detect(frame *Frame, threshold float64, flags OverlayFlags) (DetectionBatch, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()

	if d.detect != nil {
		return d.detect(frame)
	}
	return DetectionBatch{{ClassID: 1, Confidence: 0.9, Left: 0, Top: 0, Right: 1, Bottom: 1}}, nil
}

func (d *scriptedDetector) Close() error {
	d.mu.Lock()
	d.closes++
	d.mu.Unlock()
	if d.log != nil {
		d.log.record("detector")
	}
	return nil
}

type scriptedSink struct {
	// present is called per delivery; nil means "always continue".
	present func(call int, stats RunStats) bool

	mu       sync.Mutex
	calls    int
	closes   int
	statsLog []RunStats
	fatal    error
	log      *closeLog
}

func (s *scriptedSink) Present(frame *Frame, detections DetectionBatch, stats RunStats) bool {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.statsLog = append(s.statsLog, stats)
	s.mu.Unlock()

	if s.present != nil {
		return s.present(call, stats)
	}
	return true
}

func (s *scriptedSink) OnFatalError(reason error) {
	s.mu.Lock()
	s.fatal = reason
	s.mu.Unlock()
}

func (s *scriptedSink) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	if s.log != nil {
		s.log.record("sink")
	}
	return nil
}

func testFrame(seq uint64) *Frame {
	return &Frame{
		Seq:       seq,
		TraceID:   fmt.Sprintf("trace-%d", seq),
		Timestamp: time.Now(),
		Width:     4,
		Height:    4,
		Depth:     4,
		Data:      make([]byte, 4*4*4),
	}
}

func frames(n int) []captureStep {
	steps := make([]captureStep, n)
	for i := range steps {
		steps[i] = captureStep{frame: testFrame(uint64(i + 1))}
	}
	return steps
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Width = 4
	cfg.Height = 4
	cfg.CaptureTimeout = 10 * time.Millisecond
	return cfg
}

func TestNewValidation(t *testing.T) {
	src := &scriptedSource{}
	det := &scriptedDetector{}
	sink := &scriptedSink{}

	tests := []struct {
		name     string
		cfg      Config
		source   FrameSource
		detector Detector
		sink     FrameSink
	}{
		{"nil source", testConfig(), nil, det, sink},
		{"nil detector", testConfig(), src, nil, sink},
		{"nil sink", testConfig(), src, det, nil},
		{"zero dimensions", Config{Threshold: 0.5, Depth: 4, CaptureTimeout: time.Second}, src, det, sink},
		{"bad depth", Config{Width: 4, Height: 4, Depth: 2, Threshold: 0.5, CaptureTimeout: time.Second}, src, det, sink},
		{"threshold above one", Config{Width: 4, Height: 4, Depth: 4, Threshold: 1.5, CaptureTimeout: time.Second}, src, det, sink},
		{"zero timeout", Config{Width: 4, Height: 4, Depth: 4, Threshold: 0.5}, src, det, sink},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg, tt.source, tt.detector, tt.sink); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

// A sink returning false is a normal stop: Run returns nil and the frame
// whose delivery returned false is not counted.
func TestRunStopsWhenSinkDeclines(t *testing.T) {
	log := &closeLog{}
	src := &scriptedSource{script: frames(10), log: log}
	det := &scriptedDetector{log: log}
	sink := &scriptedSink{
		present: func(call int, _ RunStats) bool { return call < 3 },
		log:     log,
	}

	coord, err := New(testConfig(), src, det, sink)
	if err != nil {
		t.Fatal(err)
	}
	if err := coord.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := coord.State(); got != StateStopped {
		t.Errorf("state = %v, want %v", got, StateStopped)
	}
	if coord.FatalReason() != nil {
		t.Errorf("fatal reason = %v, want nil", coord.FatalReason())
	}

	stats := coord.Stats()
	// Two frames fully processed; the third present declined before the
	// counter update.
	if stats.Frames != 2 {
		t.Errorf("frames = %d, want 2", stats.Frames)
	}
	if stats.Detections != 2 {
		t.Errorf("detections = %d, want 2", stats.Detections)
	}

	want := []string{"detector", "sink", "source"}
	got := log.snapshot()
	if len(got) != len(want) {
		t.Fatalf("close order = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("close order = %v, want %v", got, want)
		}
	}
}

// A shutdown signal fired before Run means zero collaborator loop calls,
// but releases still happen exactly once.
func TestRunWithPreFiredSignal(t *testing.T) {
	src := &scriptedSource{script: frames(5)}
	det := &scriptedDetector{}
	sink := &scriptedSink{}

	coord, err := New(testConfig(), src, det, sink)
	if err != nil {
		t.Fatal(err)
	}

	coord.ShutdownSignal().Set(nil)
	if err := coord.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if src.opens != 0 || src.captures != 0 || det.calls != 0 || sink.calls != 0 {
		t.Errorf("collaborators called before start: opens=%d captures=%d detects=%d presents=%d",
			src.opens, src.captures, det.calls, sink.calls)
	}
	if src.closes != 1 || det.closes != 1 || sink.closes != 1 {
		t.Errorf("close counts = %d/%d/%d, want 1/1/1", det.closes, sink.closes, src.closes)
	}
	if got := coord.State(); got != StateStopped {
		t.Errorf("state = %v, want %v", got, StateStopped)
	}
}

// A cancelled context at the iteration boundary is a normal stop.
func TestRunWithCancelledContext(t *testing.T) {
	src := &scriptedSource{script: frames(5)}
	det := &scriptedDetector{}
	sink := &scriptedSink{}

	coord, err := New(testConfig(), src, det, sink)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := coord.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sink.calls != 0 {
		t.Errorf("presents = %d, want 0", sink.calls)
	}
	if coord.FatalReason() != nil {
		t.Errorf("fatal reason = %v, want nil", coord.FatalReason())
	}
}

func TestRunOpenFailure(t *testing.T) {
	openErr := errors.New("no such device")
	src := &scriptedSource{openErr: openErr}
	det := &scriptedDetector{}
	sink := &scriptedSink{}

	coord, err := New(testConfig(), src, det, sink)
	if err != nil {
		t.Fatal(err)
	}

	err = coord.Run(context.Background())
	if err == nil {
		t.Fatal("Run returned nil, want error")
	}
	if !errors.Is(err, openErr) {
		t.Errorf("Run error = %v, want wrapped %v", err, openErr)
	}
	if coord.FatalReason() == nil {
		t.Error("fatal reason not recorded")
	}
	if sink.fatal == nil {
		t.Error("sink not notified of fatal error")
	}
	if det.calls != 0 || sink.calls != 0 {
		t.Errorf("loop ran after failed open: detects=%d presents=%d", det.calls, sink.calls)
	}
	if src.closes != 1 || det.closes != 1 || sink.closes != 1 {
		t.Errorf("close counts = %d/%d/%d, want 1/1/1", det.closes, sink.closes, src.closes)
	}
	if got := coord.State(); got != StateStopped {
		t.Errorf("state = %v, want %v", got, StateStopped)
	}
}

// Capture timeouts are transient: each counts a missed frame, skips detect
// and present for that iteration, and the loop retries.
func TestRunCaptureTimeoutRetries(t *testing.T) {
	script := []captureStep{
		{err: ErrCaptureTimeout},
		{err: ErrCaptureTimeout},
		{frame: testFrame(1)},
	}
	src := &scriptedSource{script: script}
	det := &scriptedDetector{}
	sink := &scriptedSink{
		present: func(call int, _ RunStats) bool { return false },
	}

	coord, err := New(testConfig(), src, det, sink)
	if err != nil {
		t.Fatal(err)
	}
	if err := coord.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	stats := coord.Stats()
	if stats.MissedFrames != 2 {
		t.Errorf("missed frames = %d, want 2", stats.MissedFrames)
	}
	if det.calls != 1 {
		t.Errorf("detects = %d, want 1 (timeouts must not reach the detector)", det.calls)
	}
	if sink.calls != 1 {
		t.Errorf("presents = %d, want 1 (timeouts must not reach the sink)", sink.calls)
	}
}

// The canonical fault scenario: three good frames, then the source dies.
func TestRunFatalCaptureError(t *testing.T) {
	streamErr := errors.New("stream ended unexpectedly")
	script := append(frames(3), captureStep{err: streamErr})
	src := &scriptedSource{script: script}

	// Only the second frame produces a detection.
	det := &scriptedDetector{
		detect: func(frame *Frame) (DetectionBatch, error) {
			if frame.Seq == 2 {
				return DetectionBatch{{ClassID: 1, Confidence: 0.9, Left: 0, Top: 0, Right: 1, Bottom: 1}}, nil
			}
			return nil, nil
		},
	}
	sink := &scriptedSink{}

	coord, err := New(testConfig(), src, det, sink)
	if err != nil {
		t.Fatal(err)
	}

	err = coord.Run(context.Background())
	if err == nil {
		t.Fatal("Run returned nil, want fatal error")
	}
	if !errors.Is(err, streamErr) {
		t.Errorf("Run error = %v, want wrapped %v", err, streamErr)
	}

	stats := coord.Stats()
	if stats.Frames != 3 {
		t.Errorf("frames = %d, want 3", stats.Frames)
	}
	if stats.Detections != 1 {
		t.Errorf("detections = %d, want 1", stats.Detections)
	}
	if sink.fatal == nil || !errors.Is(sink.fatal, streamErr) {
		t.Errorf("sink fatal notification = %v, want wrapped %v", sink.fatal, streamErr)
	}
	if reason := coord.ShutdownSignal().Reason(); reason == nil || !errors.Is(reason, streamErr) {
		t.Errorf("signal reason = %v, want wrapped %v", reason, streamErr)
	}
	if got := coord.State(); got != StateStopped {
		t.Errorf("state = %v, want %v", got, StateStopped)
	}
}

// A per-frame detector failure skips sink delivery for that frame and the
// run continues.
func TestRunDetectFailureSkipsSink(t *testing.T) {
	src := &scriptedSource{script: frames(3)}
	det := &scriptedDetector{
		detect: func(frame *Frame) (DetectionBatch, error) {
			if frame.Seq == 2 {
				return nil, errors.New("malformed input")
			}
			return nil, nil
		},
	}
	sink := &scriptedSink{
		present: func(call int, _ RunStats) bool { return call < 2 },
	}

	coord, err := New(testConfig(), src, det, sink)
	if err != nil {
		t.Fatal(err)
	}
	if err := coord.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if det.calls != 3 {
		t.Errorf("detects = %d, want 3", det.calls)
	}
	// Frames 1 and 3 reach the sink; frame 2 is skipped.
	if sink.calls != 2 {
		t.Errorf("presents = %d, want 2", sink.calls)
	}
	if got := coord.Stats().DetectFailures; got != 1 {
		t.Errorf("detect failures = %d, want 1", got)
	}
}

// The stats snapshot the sink sees is taken before the frame's own counter
// update: present N observes N-1 processed frames.
func TestRunSinkSeesPreUpdateStats(t *testing.T) {
	src := &scriptedSource{script: frames(4)}
	det := &scriptedDetector{}
	sink := &scriptedSink{
		present: func(call int, _ RunStats) bool { return call < 4 },
	}

	coord, err := New(testConfig(), src, det, sink)
	if err != nil {
		t.Fatal(err)
	}
	if err := coord.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for i, stats := range sink.statsLog {
		if stats.Frames != uint64(i) {
			t.Errorf("present %d saw frames=%d, want %d", i+1, stats.Frames, i)
		}
	}
}

func TestRunTwiceFails(t *testing.T) {
	src := &scriptedSource{script: frames(1)}
	det := &scriptedDetector{}
	sink := &scriptedSink{
		present: func(int, RunStats) bool { return false },
	}

	coord, err := New(testConfig(), src, det, sink)
	if err != nil {
		t.Fatal(err)
	}
	if err := coord.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := coord.Run(context.Background()); err == nil {
		t.Fatal("second Run returned nil, want error")
	}
	if src.closes != 1 {
		t.Errorf("source closes = %d, want 1", src.closes)
	}
}

func TestTee(t *testing.T) {
	a := &scriptedSink{}
	b := &scriptedSink{present: func(int, RunStats) bool { return false }}
	tee := Tee(a, b)

	frame := testFrame(1)
	if tee.Present(frame, nil, RunStats{}) {
		t.Error("Present = true, want false when any sink declines")
	}
	if a.calls != 1 || b.calls != 1 {
		t.Errorf("delivery counts = %d/%d, want 1/1 (every sink sees every frame)", a.calls, b.calls)
	}

	reason := errors.New("boom")
	tee.(FatalNotifier).OnFatalError(reason)
	if a.fatal != reason || b.fatal != reason {
		t.Error("fatal notification did not reach every sink")
	}

	if err := tee.Close(); err != nil {
		t.Fatal(err)
	}
	if a.closes != 1 || b.closes != 1 {
		t.Errorf("close counts = %d/%d, want 1/1", a.closes, b.closes)
	}
}
