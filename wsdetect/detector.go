// Package wsdetect implements detectpipe.Detector against a remote
// inference server speaking a simple websocket protocol: the client sends
// one JPEG-encoded frame per binary message and receives a JSON array of
// detections back. Each Detect call is one synchronous round trip bounded
// by a deadline.
package wsdetect

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/visiona/detectpipe"
	"github.com/visiona/detectpipe/internal/overlay"
)

// DefaultTimeout bounds one Detect round trip when Config.Timeout is zero.
const DefaultTimeout = 2 * time.Second

// Config describes the remote inference endpoint.
type Config struct {
	// Host is the server address, e.g. "localhost:8080".
	Host string

	// Path is the websocket endpoint path, "/ws" when empty.
	Path string

	// Timeout bounds one frame round trip, DefaultTimeout when zero.
	Timeout time.Duration

	// JPEGQuality for the uploaded frames, jpeg.DefaultQuality when zero.
	JPEGQuality int

	// OverlayAlpha is the box fill blending value used when the
	// coordinator requests overlays.
	OverlayAlpha uint8
}

// wireDetection is the server's result format. Box is normalized
// [top, left, bottom, right] in [0,1].
type wireDetection struct {
	ClassID    int       `json:"class_id"`
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	Box        []float64 `json:"box"`
}

// Detector is a websocket-backed remote detector.
type Detector struct {
	cfg Config
	url string

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	lastDur time.Duration
}

// Dial connects to the inference server fail-fast: an unreachable server
// fails the run before the loop starts.
func Dial(cfg Config) (*Detector, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("wsdetect: host is required")
	}
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = jpeg.DefaultQuality
	}

	u := url.URL{Scheme: "ws", Host: cfg.Host, Path: cfg.Path}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("wsdetect: failed to connect to %s: %w", u.String(), err)
	}

	return &Detector{cfg: cfg, url: u.String(), conn: conn}, nil
}

// Detect ships one frame to the server and decodes the response. Protocol
// or deadline failures are per-frame errors; the pipeline skips the frame
// and continues.
func (d *Detector) Detect(frame *detectpipe.Frame, threshold float64, flags detectpipe.OverlayFlags) (detectpipe.DetectionBatch, error) {
	if err := frame.Validate(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, fmt.Errorf("wsdetect: detector closed")
	}

	payload, err := encodeJPEG(frame, d.cfg.JPEGQuality)
	if err != nil {
		return nil, fmt.Errorf("wsdetect: encode frame: %w", err)
	}

	start := time.Now()
	deadline := start.Add(d.cfg.Timeout)

	if err := d.conn.SetWriteDeadline(deadline); err != nil {
		return nil, fmt.Errorf("wsdetect: set write deadline: %w", err)
	}
	if err := d.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return nil, fmt.Errorf("wsdetect: send frame: %w", err)
	}

	if err := d.conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("wsdetect: set read deadline: %w", err)
	}
	_, message, err := d.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("wsdetect: read result: %w", err)
	}

	var wire []wireDetection
	if err := json.Unmarshal(message, &wire); err != nil {
		return nil, fmt.Errorf("wsdetect: decode result: %w", err)
	}

	d.lastDur = time.Since(start)

	batch := toBatch(wire, frame, threshold)

	if flags != detectpipe.OverlayNone && len(batch) > 0 {
		if err := overlay.Draw(frame, batch, overlay.Options{Flags: flags, Alpha: d.cfg.OverlayAlpha}); err != nil {
			return nil, fmt.Errorf("wsdetect: overlay: %w", err)
		}
	}
	return batch, nil
}

// toBatch scales normalized boxes to pixels and applies the threshold.
// The server is not trusted to have filtered.
func toBatch(wire []wireDetection, frame *detectpipe.Frame, threshold float64) detectpipe.DetectionBatch {
	var batch detectpipe.DetectionBatch
	w := float64(frame.Width)
	h := float64(frame.Height)

	for _, res := range wire {
		if res.Confidence < threshold || len(res.Box) != 4 {
			continue
		}
		det := detectpipe.Detection{
			ClassID:    res.ClassID,
			Label:      res.Label,
			Confidence: res.Confidence,
			Top:        res.Box[0] * h,
			Left:       res.Box[1] * w,
			Bottom:     res.Box[2] * h,
			Right:      res.Box[3] * w,
		}
		if det.Left >= det.Right || det.Top >= det.Bottom {
			continue
		}
		batch = append(batch, det)
	}
	return batch
}

// ModelInfo implements detectpipe.ModelReporter.
func (d *Detector) ModelInfo() detectpipe.ModelInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	var fps float64
	if d.lastDur > 0 {
		fps = 1 / d.lastDur.Seconds()
	}
	return detectpipe.ModelInfo{
		Runtime:    d.url,
		Precision:  "remote",
		NetworkFPS: fps,
	}
}

// Close shuts the connection down. Idempotent.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	return d.conn.Close()
}

// encodeJPEG converts the raw frame buffer to a JPEG payload.
func encodeJPEG(frame *detectpipe.Frame, quality int) ([]byte, error) {
	var img image.Image
	switch frame.Depth {
	case 4:
		img = &image.RGBA{
			Pix:    frame.Data,
			Stride: frame.Width * 4,
			Rect:   image.Rect(0, 0, frame.Width, frame.Height),
		}
	case 3:
		rgba := image.NewRGBA(image.Rect(0, 0, frame.Width, frame.Height))
		for y := 0; y < frame.Height; y++ {
			for x := 0; x < frame.Width; x++ {
				src := (y*frame.Width + x) * 3
				dst := rgba.PixOffset(x, y)
				rgba.Pix[dst] = frame.Data[src]
				rgba.Pix[dst+1] = frame.Data[src+1]
				rgba.Pix[dst+2] = frame.Data[src+2]
				rgba.Pix[dst+3] = 255
			}
		}
		img = rgba
	default:
		return nil, fmt.Errorf("unsupported pixel depth %d", frame.Depth)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
