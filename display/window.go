// Package display implements detectpipe.FrameSink on an OpenCV HighGUI
// window. The window owns close detection: when the operator closes it or
// presses ESC/q, Present returns false and the coordinator drains.
package display

import (
	"fmt"
	"log/slog"
	"sync"

	"gocv.io/x/gocv"

	"github.com/visiona/detectpipe"
)

const (
	keyEscape = 27
	keyQuit   = 'q'
)

// Config describes the display window.
type Config struct {
	// Title is the initial window title.
	Title string

	// Model optionally supplies runtime/precision/FPS for the status
	// line. When nil the title shows the pipeline FPS only.
	Model detectpipe.ModelReporter
}

// Window renders annotated frames and reports user-requested close.
type Window struct {
	cfg Config

	mu     sync.Mutex
	win    *gocv.Window
	closed bool
}

// NewWindow opens the display window. A failure here is reported to the
// caller; the pipeline can run headless without a window sink.
func NewWindow(cfg Config) (*Window, error) {
	if cfg.Title == "" {
		cfg.Title = "detectpipe"
	}

	win := gocv.NewWindow(cfg.Title)
	if win == nil {
		return nil, fmt.Errorf("display: failed to create window")
	}
	return &Window{cfg: cfg, win: win}, nil
}

// Present renders one frame and updates the status line. Returns false
// once the operator closes the window or presses ESC/q.
func (w *Window) Present(frame *detectpipe.Frame, detections detectpipe.DetectionBatch, stats detectpipe.RunStats) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return false
	}

	mat, err := matFromFrame(frame)
	if err != nil {
		slog.Warn("display: cannot render frame", "error", err)
		return true
	}
	defer mat.Close()

	w.win.IMShow(mat)
	w.win.SetWindowTitle(w.title(stats))

	key := w.win.WaitKey(1)
	if key == keyEscape || key == keyQuit {
		slog.Info("display: quit key pressed")
		return false
	}
	if w.win.GetWindowProperty(gocv.WindowPropertyVisible) < 1 {
		slog.Info("display: window closed by user")
		return false
	}
	return true
}

// title builds the status line "<runtime> | <precision> | Network <fps> FPS".
func (w *Window) title(stats detectpipe.RunStats) string {
	if w.cfg.Model != nil {
		info := w.cfg.Model.ModelInfo()
		fps := info.NetworkFPS
		if fps == 0 {
			fps = stats.FPS
		}
		return fmt.Sprintf("%s | %s | Network %.0f FPS", info.Runtime, info.Precision, fps)
	}
	return fmt.Sprintf("%s | %.0f FPS", w.cfg.Title, stats.FPS)
}

// OnFatalError shows the failure in the title as a final state.
func (w *Window) OnFatalError(reason error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	w.win.SetWindowTitle(fmt.Sprintf("%s | FATAL: %v", w.cfg.Title, reason))
}

// Close destroys the window. Idempotent.
func (w *Window) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	return w.win.Close()
}

// matFromFrame wraps the frame buffer in a BGR Mat for rendering.
func matFromFrame(frame *detectpipe.Frame) (gocv.Mat, error) {
	var (
		matType gocv.MatType
		code    gocv.ColorConversionCode
	)
	switch frame.Depth {
	case 4:
		matType = gocv.MatTypeCV8UC4
		code = gocv.ColorRGBAToBGR
	case 3:
		matType = gocv.MatTypeCV8UC3
		// RGB→BGR is the same channel swap in both directions.
		code = gocv.ColorBGRToRGB
	default:
		return gocv.Mat{}, fmt.Errorf("display: unsupported pixel depth %d", frame.Depth)
	}

	src, err := gocv.NewMatFromBytes(frame.Height, frame.Width, matType, frame.Data)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("display: failed to wrap frame: %w", err)
	}
	defer src.Close()

	bgr := gocv.NewMat()
	gocv.CvtColor(src, &bgr, code)
	return bgr, nil
}
