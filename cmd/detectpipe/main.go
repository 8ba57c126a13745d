// Command detectpipe locates objects in a live GStreamer stream using an
// object detection network and renders the annotated frames.
//
// The capture source is a gst-launch pipeline description ending in an
// appsink named "mysink". Inference runs either on a local OpenCV DNN
// (resolved from --network and the model directory) or on a remote
// websocket inference server when DETECTPIPE_ENDPOINT is set.
//
// Environment (a .env file in the working directory is honored):
//
//	DETECTPIPE_MODEL_DIR  directory holding <network>.caffemodel /
//	                      <network>.prototxt / <network>.txt (labels)
//	DETECTPIPE_MODEL      explicit weights path (overrides MODEL_DIR)
//	DETECTPIPE_PROTO      explicit network description path
//	DETECTPIPE_LABELS     explicit labels path
//	DETECTPIPE_ENDPOINT   host:port of a websocket inference server
//	DETECTPIPE_HEADLESS   "1" disables the display window
//	DETECTPIPE_LOG_LEVEL  debug|info|warn|error (default info)
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/visiona/detectpipe"
	"github.com/visiona/detectpipe/display"
	"github.com/visiona/detectpipe/dnndetect"
	"github.com/visiona/detectpipe/gstsource"
	"github.com/visiona/detectpipe/resultbus"
	"github.com/visiona/detectpipe/wsdetect"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Best effort: absence of a .env file is not an error.
	_ = godotenv.Load()

	var (
		network   = flag.String("network", "ssd-mobilenet-v2", "pre-trained model to load")
		overlay   = flag.String("overlay", "box,labels,conf", "detection overlay flags (valid: 'box', 'labels', 'conf', 'none')")
		alpha     = flag.Int("alpha", 120, "overlay alpha blending value, range 0-255")
		pipeline  = flag.String("pipeline", "", "gst-launch pipeline description ending in an appsink named 'mysink'")
		width     = flag.Int("width", 1280, "desired width of the pipeline stream")
		height    = flag.Int("height", 720, "desired height of the pipeline stream")
		depth     = flag.Int("depth", 4, "pixel depth of the pipeline stream in bytes")
		threshold = flag.Float64("threshold", 0.5, "minimum confidence threshold for detection")
	)
	flag.Usage = usage
	flag.Parse()

	setupLogging()

	overlayFlags, err := detectpipe.ParseOverlayFlags(*overlay)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if *alpha < 0 || *alpha > 255 {
		fmt.Fprintf(os.Stderr, "detectpipe: invalid alpha %d (range 0-255)\n", *alpha)
		return 1
	}
	if *pipeline == "" {
		fmt.Fprintln(os.Stderr, "detectpipe: --pipeline is required")
		usage()
		return 1
	}

	cfg := detectpipe.Config{
		Width:          *width,
		Height:         *height,
		Depth:          *depth,
		Threshold:      *threshold,
		Overlay:        overlayFlags,
		OverlayAlpha:   uint8(*alpha),
		CaptureTimeout: time.Second,
	}

	source, err := gstsource.New(gstsource.Config{
		Pipeline: *pipeline,
		Width:    *width,
		Height:   *height,
		Depth:    *depth,
	})
	if err != nil {
		slog.Error("detectpipe: failed to initialize pipeline device", "error", err)
		return 1
	}

	detector, err := newDetector(*network, uint8(*alpha))
	if err != nil {
		slog.Error("detectpipe: failed to load detection network", "error", err)
		return 1
	}

	bus := resultbus.New()
	defer bus.Close()

	results := make(chan resultbus.Result, 16)
	if err := bus.Subscribe("console", results); err != nil {
		slog.Error("detectpipe: failed to subscribe console logger", "error", err)
		return 1
	}
	go logResults(results)

	sink := buildSink(bus, detector)

	coord, err := detectpipe.New(cfg, source, detector, sink)
	if err != nil {
		slog.Error("detectpipe: failed to create coordinator", "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	coord.ShutdownSignal().Notify(ctx, os.Interrupt, syscall.SIGTERM)

	if err := coord.Run(ctx); err != nil {
		slog.Error("detectpipe: run failed", "error", err)
		return 1
	}
	return 0
}

// newDetector picks the inference backend: a remote websocket server when
// DETECTPIPE_ENDPOINT is set, otherwise a local OpenCV DNN resolved from
// the network name.
func newDetector(network string, alpha uint8) (detectpipe.Detector, error) {
	if endpoint := os.Getenv("DETECTPIPE_ENDPOINT"); endpoint != "" {
		slog.Info("detectpipe: using remote inference server", "endpoint", endpoint)
		return wsdetect.Dial(wsdetect.Config{Host: endpoint, OverlayAlpha: alpha})
	}

	modelDir := os.Getenv("DETECTPIPE_MODEL_DIR")
	cfg := dnndetect.Config{
		Network:      network,
		Model:        envOr("DETECTPIPE_MODEL", filepath.Join(modelDir, network+".caffemodel")),
		Proto:        envOr("DETECTPIPE_PROTO", filepath.Join(modelDir, network+".prototxt")),
		Labels:       envOr("DETECTPIPE_LABELS", filepath.Join(modelDir, network+".txt")),
		OverlayAlpha: alpha,
	}
	if _, err := os.Stat(cfg.Labels); err != nil {
		// Labels are optional; detections fall back to class ids.
		cfg.Labels = ""
	}

	slog.Info("detectpipe: loading detection network",
		"network", network,
		"model", cfg.Model,
		"proto", cfg.Proto,
	)
	return dnndetect.New(cfg)
}

// buildSink combines the display window with the result bus. A failed
// window is tolerated: the run continues headless with bus consumers only.
func buildSink(bus *resultbus.Bus, detector detectpipe.Detector) detectpipe.FrameSink {
	busSink := resultbus.NewSink(bus)

	if os.Getenv("DETECTPIPE_HEADLESS") == "1" {
		slog.Info("detectpipe: running headless")
		return busSink
	}

	var model detectpipe.ModelReporter
	if m, ok := detector.(detectpipe.ModelReporter); ok {
		model = m
	}

	win, err := display.NewWindow(display.Config{Title: "detectpipe", Model: model})
	if err != nil {
		slog.Warn("detectpipe: failed to create display window, continuing headless", "error", err)
		return busSink
	}
	return detectpipe.Tee(win, busSink)
}

// logResults prints every detection the way the classic console loop did.
func logResults(results <-chan resultbus.Result) {
	for res := range results {
		if len(res.Detections) == 0 {
			continue
		}
		slog.Info("detectpipe: objects detected",
			"count", len(res.Detections),
			"seq", res.Seq,
			"trace_id", res.TraceID,
		)
		for i, det := range res.Detections {
			slog.Info("detectpipe: detection",
				"index", i,
				"class", det.ClassID,
				"label", det.Label,
				"confidence", fmt.Sprintf("%.3f", det.Confidence),
				"box", fmt.Sprintf("(%.0f,%.0f)-(%.0f,%.0f)", det.Left, det.Top, det.Right, det.Bottom),
				"width", fmt.Sprintf("%.0f", det.Width()),
				"height", fmt.Sprintf("%.0f", det.Height()),
			)
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func setupLogging() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("DETECTPIPE_LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: detectpipe [--help] [--network NETWORK] [--threshold THRESHOLD]
                  [--pipeline GST-PIPELINE] [--width WIDTH] [--height HEIGHT] [--depth DEPTH]

Locate objects in a gst stream using an object detection DNN.

optional arguments:
  --help            show this help message and exit
  --network NETWORK pre-trained model to load (default: ssd-mobilenet-v2)
  --overlay OVERLAY detection overlay flags (e.g. --overlay=box,labels,conf)
                    valid combinations are:  'box', 'labels', 'conf', 'none'
  --alpha ALPHA     overlay alpha blending value, range 0-255 (default: 120)
  --pipeline GST-PIPELINE gst pipeline as string, e.g.:
                    rtspsrc location=rtsp://user:pw@192.168.0.170/Streaming/Channels/1 ! queue ! rtph264depay ! h264parse ! queue ! avdec_h264 ! videoconvert ! video/x-raw,format=RGBA ! appsink name=mysink
  --width WIDTH     desired width of pipeline stream (default is 1280 pixels)
  --height HEIGHT   desired height of pipeline stream (default is 720 pixels)
  --depth DEPTH     pixel depth of pipeline stream in bytes (default is 4)
  --threshold VALUE minimum threshold for detection (default is 0.5)
`)
}
