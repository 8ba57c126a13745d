package detectpipe

import (
	"fmt"
	"time"
)

// Frame is one captured video frame.
//
// Ownership: produced by a FrameSource, owned by the coordinator for the
// duration of one iteration, loaned to the Detector and FrameSink for the
// call. Collaborators must not retain the frame or its buffer past the
// call. A Detector may mutate Data in place to draw overlays.
type Frame struct {
	// Seq is a monotonic sequence number assigned by the source.
	Seq uint64

	// TraceID uniquely identifies the frame for log correlation.
	TraceID string

	// Timestamp is the capture time. Non-decreasing across successive
	// frames from the same source.
	Timestamp time.Time

	// Width and Height in pixels.
	Width  int
	Height int

	// Depth is the pixel size in bytes (3 = RGB, 4 = RGBA).
	Depth int

	// Data is the raw pixel buffer, len = Width*Height*Depth.
	Data []byte
}

// Validate checks the frame geometry invariant: positive dimensions and a
// buffer of exactly Width*Height*Depth bytes.
func (f *Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 || f.Depth <= 0 {
		return fmt.Errorf("detectpipe: invalid frame dimensions %dx%dx%d", f.Width, f.Height, f.Depth)
	}
	if want := f.Width * f.Height * f.Depth; len(f.Data) != want {
		return fmt.Errorf("detectpipe: frame buffer length %d, want %d (%dx%dx%d)",
			len(f.Data), want, f.Width, f.Height, f.Depth)
	}
	return nil
}

// Detection is one recognized object instance.
//
// Produced in a batch by one Detector call, owned by the coordinator for
// one iteration, read-only to the FrameSink. Coordinates are in pixels
// relative to the frame the detection was produced from.
type Detection struct {
	// ClassID is the detector-specific class index.
	ClassID int

	// Label is the human-readable class description, may be empty when the
	// detector has no label table.
	Label string

	// Confidence in [0,1]. Detectors filter below-threshold detections
	// before returning, so every delivered detection satisfies
	// Confidence >= threshold.
	Confidence float64

	// Bounding box, Left < Right and Top < Bottom whenever present.
	Left, Top, Right, Bottom float64
}

// Width returns the bounding box width (Right - Left).
func (d Detection) Width() float64 { return d.Right - d.Left }

// Height returns the bounding box height (Bottom - Top).
func (d Detection) Height() float64 { return d.Bottom - d.Top }

// Validate checks the confidence range and box ordering invariants.
func (d Detection) Validate() error {
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("detectpipe: confidence %.3f out of range [0,1]", d.Confidence)
	}
	if d.Left >= d.Right || d.Top >= d.Bottom {
		return fmt.Errorf("detectpipe: degenerate box (%.1f,%.1f)-(%.1f,%.1f)",
			d.Left, d.Top, d.Right, d.Bottom)
	}
	return nil
}

func (d Detection) String() string {
	return fmt.Sprintf("class #%d (%s) confidence=%.3f box=(%.1f,%.1f)-(%.1f,%.1f) w=%.1f h=%.1f",
		d.ClassID, d.Label, d.Confidence, d.Left, d.Top, d.Right, d.Bottom, d.Width(), d.Height())
}

// DetectionBatch is the ordered result of one Detector call for one frame.
// Insertion order is the detector's internal ranking; it is not guaranteed
// sorted by confidence. An empty batch is a normal, expected result.
type DetectionBatch []Detection

// ModelInfo describes a loaded detection model for operator display.
type ModelInfo struct {
	// Runtime identifies the inference runtime and version,
	// e.g. "OpenCV 4.10".
	Runtime string

	// Precision is the numeric precision the model runs at,
	// e.g. "FP32".
	Precision string

	// NetworkFPS is the measured inference rate of the model alone
	// (excluding capture and presentation). Zero until measured.
	NetworkFPS float64
}

// ModelReporter is implemented by detectors that can describe their model.
// Sinks use it to build status line text.
type ModelReporter interface {
	ModelInfo() ModelInfo
}
