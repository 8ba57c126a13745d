// Package dnndetect implements detectpipe.Detector with an OpenCV DNN
// loaded through gocv. It expects an SSD-style network whose output rows
// are [batch, classID, confidence, left, top, right, bottom] with
// normalized coordinates.
package dnndetect

import (
	"bufio"
	"fmt"
	"image"
	"os"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/visiona/detectpipe"
	"github.com/visiona/detectpipe/internal/overlay"
)

// SSD preprocessing constants (MobileNet-SSD style).
const (
	defaultInputSize = 300
	blobScale        = 1.0 / 127.5
	blobMean         = 127.5
)

// fpsSamples is how many recent inference durations the network FPS is
// averaged over.
const fpsSamples = 16

// Config describes the model to load.
type Config struct {
	// Network is the model name used for logging and the status line,
	// e.g. "ssd-mobilenet-v2".
	Network string

	// Model is the path to the weights file (e.g. .caffemodel, .pb).
	Model string

	// Proto is the path to the network description (e.g. .prototxt,
	// .pbtxt).
	Proto string

	// Labels is an optional path to a class label file, one label per
	// line indexed by class id.
	Labels string

	// InputSize is the square blob size fed to the network,
	// defaultInputSize when zero.
	InputSize int

	// OverlayAlpha is the box fill blending value used when the
	// coordinator requests overlays.
	OverlayAlpha uint8
}

// Detector runs OpenCV DNN inference on frames.
type Detector struct {
	cfg    Config
	labels []string

	mu     sync.Mutex
	net    gocv.Net
	closed bool

	// Recent inference durations for the network FPS figure.
	durations [fpsSamples]time.Duration
	durCount  int
	durNext   int
}

// New loads the network fail-fast: missing files or an unloadable model
// fail the run before the loop starts.
func New(cfg Config) (*Detector, error) {
	if cfg.Model == "" || cfg.Proto == "" {
		return nil, fmt.Errorf("dnndetect: model and proto paths are required")
	}
	if _, err := os.Stat(cfg.Model); err != nil {
		return nil, fmt.Errorf("dnndetect: model file: %w", err)
	}
	if _, err := os.Stat(cfg.Proto); err != nil {
		return nil, fmt.Errorf("dnndetect: proto file: %w", err)
	}
	if cfg.InputSize <= 0 {
		cfg.InputSize = defaultInputSize
	}

	var labels []string
	if cfg.Labels != "" {
		var err error
		labels, err = readLabels(cfg.Labels)
		if err != nil {
			return nil, fmt.Errorf("dnndetect: labels file: %w", err)
		}
	}

	net := gocv.ReadNet(cfg.Model, cfg.Proto)
	if net.Empty() {
		return nil, fmt.Errorf("dnndetect: failed to load network %q", cfg.Model)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		net.Close()
		return nil, fmt.Errorf("dnndetect: failed to set backend: %w", err)
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		net.Close()
		return nil, fmt.Errorf("dnndetect: failed to set target: %w", err)
	}

	return &Detector{cfg: cfg, labels: labels, net: net}, nil
}

// Detect runs one frame through the network, filters results below
// threshold, and draws overlays into the frame when flags request them.
// Failures are per-frame and non-fatal to the pipeline.
func (d *Detector) Detect(frame *detectpipe.Frame, threshold float64, flags detectpipe.OverlayFlags) (detectpipe.DetectionBatch, error) {
	if err := frame.Validate(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, fmt.Errorf("dnndetect: detector closed")
	}

	mat, err := matFromFrame(frame)
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	start := time.Now()

	blob := gocv.BlobFromImage(mat,
		blobScale,
		image.Pt(d.cfg.InputSize, d.cfg.InputSize),
		gocv.NewScalar(blobMean, blobMean, blobMean, 0),
		true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	defer output.Close()

	batch := d.decode(output, frame, threshold)

	d.recordDuration(time.Since(start))

	if flags != detectpipe.OverlayNone && len(batch) > 0 {
		if err := overlay.Draw(frame, batch, overlay.Options{Flags: flags, Alpha: d.cfg.OverlayAlpha}); err != nil {
			return nil, fmt.Errorf("dnndetect: overlay: %w", err)
		}
	}
	return batch, nil
}

// decode converts the raw SSD output tensor into pixel-space detections,
// keeping only rows at or above threshold.
func (d *Detector) decode(output gocv.Mat, frame *detectpipe.Frame, threshold float64) detectpipe.DetectionBatch {
	rows := output.Total() / 7
	if rows == 0 {
		return nil
	}
	reshaped := output.Reshape(1, rows)
	defer reshaped.Close()

	var batch detectpipe.DetectionBatch
	w := float64(frame.Width)
	h := float64(frame.Height)

	for i := 0; i < reshaped.Rows(); i++ {
		confidence := float64(reshaped.GetFloatAt(i, 2))
		if confidence < threshold {
			continue
		}

		det := detectpipe.Detection{
			ClassID:    int(reshaped.GetFloatAt(i, 1)),
			Confidence: clamp(confidence, 0, 1),
			Left:       clamp(float64(reshaped.GetFloatAt(i, 3))*w, 0, w),
			Top:        clamp(float64(reshaped.GetFloatAt(i, 4))*h, 0, h),
			Right:      clamp(float64(reshaped.GetFloatAt(i, 5))*w, 0, w),
			Bottom:     clamp(float64(reshaped.GetFloatAt(i, 6))*h, 0, h),
		}
		if det.Left >= det.Right || det.Top >= det.Bottom {
			continue
		}
		if det.ClassID >= 0 && det.ClassID < len(d.labels) {
			det.Label = d.labels[det.ClassID]
		}
		batch = append(batch, det)
	}
	return batch
}

func (d *Detector) recordDuration(dur time.Duration) {
	d.durations[d.durNext] = dur
	d.durNext = (d.durNext + 1) % fpsSamples
	if d.durCount < fpsSamples {
		d.durCount++
	}
}

// ModelInfo implements detectpipe.ModelReporter for status line text.
func (d *Detector) ModelInfo() detectpipe.ModelInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	var total time.Duration
	for i := 0; i < d.durCount; i++ {
		total += d.durations[i]
	}
	var fps float64
	if d.durCount > 0 && total > 0 {
		fps = float64(d.durCount) / total.Seconds()
	}

	return detectpipe.ModelInfo{
		Runtime:    "OpenCV " + gocv.OpenCVVersion(),
		Precision:  "FP32",
		NetworkFPS: fps,
	}
}

// Close releases the network. Idempotent.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	return d.net.Close()
}

// matFromFrame wraps the frame buffer in a BGR Mat for the DNN input.
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
		return gocv.Mat{}, fmt.Errorf("dnndetect: unsupported pixel depth %d", frame.Depth)
	}

	src, err := gocv.NewMatFromBytes(frame.Height, frame.Width, matType, frame.Data)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("dnndetect: failed to wrap frame: %w", err)
	}
	defer src.Close()

	bgr := gocv.NewMat()
	gocv.CvtColor(src, &bgr, code)
	return bgr, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func readLabels(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var labels []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		labels = append(labels, scanner.Text())
	}
	return labels, scanner.Err()
}
