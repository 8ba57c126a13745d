package detectpipe

import (
	"sync"
	"time"
)

// fpsWindow is the number of recent iteration timestamps the FPS average
// is computed over.
const fpsWindow = 32

// RunStats is a snapshot of the coordinator's counters. Counters are
// cumulative and never decrease over a run.
type RunStats struct {
	// Frames is the number of fully processed iterations (capture
	// succeeded and the frame was delivered downstream). Capture timeouts
	// do not count.
	Frames uint64

	// Detections is the total number of detections across all batches.
	Detections uint64

	// MissedFrames counts capture timeouts.
	MissedFrames uint64

	// DetectFailures counts non-fatal per-frame detector errors.
	DetectFailures uint64

	// FPS is the windowed-average processing rate over the most recent
	// iterations. Zero until at least two iterations complete.
	FPS float64
}

// statsTracker accumulates RunStats for the coordinator. The loop writes
// once per iteration; Stats() may read from any goroutine.
type statsTracker struct {
	mu sync.Mutex

	frames         uint64
	detections     uint64
	missedFrames   uint64
	detectFailures uint64

	// Ring of recent iteration completion times for the FPS window.
	times [fpsWindow]time.Time
	count int
	next  int
}

// recordFrame registers one completed iteration with n detections.
func (t *statsTracker) recordFrame(n int, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.frames++
	t.detections += uint64(n)

	t.times[t.next] = now
	t.next = (t.next + 1) % fpsWindow
	if t.count < fpsWindow {
		t.count++
	}
}

func (t *statsTracker) recordMiss() {
	t.mu.Lock()
	t.missedFrames++
	t.mu.Unlock()
}

func (t *statsTracker) recordDetectFailure() {
	t.mu.Lock()
	t.detectFailures++
	t.mu.Unlock()
}

// snapshot returns the current counters and the windowed FPS. The rate is
// (samples-1) / (newest - oldest) over the ring, the same
// measured-over-elapsed shape as a capture warmup measurement.
func (t *statsTracker) snapshot() RunStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	var fps float64
	if t.count >= 2 {
		newest := t.times[(t.next-1+fpsWindow)%fpsWindow]
		oldest := t.times[(t.next-t.count+fpsWindow)%fpsWindow]
		if elapsed := newest.Sub(oldest).Seconds(); elapsed > 0 {
			fps = float64(t.count-1) / elapsed
		}
	}

	return RunStats{
		Frames:         t.frames,
		Detections:     t.detections,
		MissedFrames:   t.missedFrames,
		DetectFailures: t.detectFailures,
		FPS:            fps,
	}
}
