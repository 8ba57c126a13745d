package detectpipe

import (
	"fmt"
	"strings"
	"time"
)

// OverlayFlags selects which annotations a detector draws into the frame.
// Flags combine with bitwise OR; OverlayNone disables drawing entirely.
type OverlayFlags uint32

const (
	// OverlayNone draws nothing.
	OverlayNone OverlayFlags = 0

	// OverlayBox draws bounding box outlines.
	OverlayBox OverlayFlags = 1 << iota

	// OverlayLabels draws class label text.
	OverlayLabels

	// OverlayConfidence draws the confidence value next to the label.
	OverlayConfidence
)

// OverlayDefault matches the historical default "box,labels,conf".
const OverlayDefault = OverlayBox | OverlayLabels | OverlayConfidence

// ParseOverlayFlags parses a comma-separated flag list. Valid tokens are
// "box", "labels", "conf" and "none"; "none" must appear alone.
func ParseOverlayFlags(s string) (OverlayFlags, error) {
	var flags OverlayFlags

	tokens := strings.Split(s, ",")
	for _, tok := range tokens {
		switch strings.TrimSpace(strings.ToLower(tok)) {
		case "box":
			flags |= OverlayBox
		case "labels", "label":
			flags |= OverlayLabels
		case "conf", "confidence":
			flags |= OverlayConfidence
		case "none":
			if len(tokens) > 1 {
				return 0, fmt.Errorf("detectpipe: overlay flag %q cannot combine with others", "none")
			}
			return OverlayNone, nil
		case "":
			// Tolerate empty tokens ("box,,labels").
		default:
			return 0, fmt.Errorf("detectpipe: unknown overlay flag %q", tok)
		}
	}
	return flags, nil
}

// Has reports whether all bits of o are set.
func (f OverlayFlags) Has(o OverlayFlags) bool { return f&o == o }

func (f OverlayFlags) String() string {
	if f == OverlayNone {
		return "none"
	}
	var parts []string
	if f.Has(OverlayBox) {
		parts = append(parts, "box")
	}
	if f.Has(OverlayLabels) {
		parts = append(parts, "labels")
	}
	if f.Has(OverlayConfidence) {
		parts = append(parts, "conf")
	}
	return strings.Join(parts, ",")
}

// Config is the immutable pipeline configuration, resolved once at startup.
type Config struct {
	// Width and Height are the expected capture dimensions in pixels.
	Width  int
	Height int

	// Depth is the capture pixel size in bytes.
	Depth int

	// Threshold is the minimum detection confidence in [0,1]. Filtering is
	// the detector's responsibility; the threshold is handed to every
	// Detect call unchanged.
	Threshold float64

	// Overlay selects the annotations detectors draw into frames.
	Overlay OverlayFlags

	// OverlayAlpha is the overlay blending value, 0 (invisible) to 255
	// (opaque).
	OverlayAlpha uint8

	// CaptureTimeout bounds each FrameSource.Capture call. A timeout is a
	// transient, retried condition, not a fatal error.
	CaptureTimeout time.Duration
}

// DefaultConfig returns the historical defaults: 1280x720 RGBA, threshold
// 0.5, overlay "box,labels,conf", alpha 120, 1s capture timeout.
func DefaultConfig() Config {
	return Config{
		Width:          1280,
		Height:         720,
		Depth:          4,
		Threshold:      0.5,
		Overlay:        OverlayDefault,
		OverlayAlpha:   120,
		CaptureTimeout: time.Second,
	}
}

// Validate checks the configuration invariants (fail-fast, called by New).
func (c Config) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("detectpipe: invalid dimensions %dx%d (must be positive)", c.Width, c.Height)
	}
	if c.Depth != 3 && c.Depth != 4 {
		return fmt.Errorf("detectpipe: invalid pixel depth %d (must be 3 or 4 bytes)", c.Depth)
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("detectpipe: invalid threshold %.3f (must be in [0,1])", c.Threshold)
	}
	if c.CaptureTimeout <= 0 {
		return fmt.Errorf("detectpipe: invalid capture timeout %v (must be positive)", c.CaptureTimeout)
	}
	return nil
}
