// Package detectpipe implements a real-time frame-processing pipeline
// coordinator for live object detection.
//
// # Philosophy
//
// "A stalled stream is worse than a missed frame."
//
// The coordinator drives a single capture → infer → render loop at
// interactive rates. Capture is bounded by an explicit timeout, inference
// and presentation are trusted to return, and every transient fault (a
// capture timeout, a single failed detection) is counted and skipped rather
// than allowed to stall the stream.
//
// # Architecture
//
// Three pluggable collaborators surround the coordinator:
//
//	FrameSource → Coordinator → Detector
//	                  ↓
//	              FrameSink
//
//   - FrameSource produces frames on demand with a bounded wait
//     (gstsource wraps a GStreamer pipeline description).
//   - Detector consumes one frame, returns zero or more detections and may
//     draw overlays into the frame in place (dnndetect runs an OpenCV DNN,
//     wsdetect delegates to a remote inference server).
//   - FrameSink presents one frame/result pair and reports whether the run
//     should continue (display shows a window, resultbus fans results out
//     to logging/recording consumers).
//
// The coordinator owns each frame for exactly one iteration. Collaborators
// receive it on loan and must not retain it past the call.
//
// # Lifecycle
//
// The coordinator is a state machine:
//
//	Created → Opened → Running → Draining → Stopped
//
// Opened is reached when the source opens successfully. Running iterates
// until the shutdown signal fires, the source reports a fatal error, or the
// sink asks to stop. Draining releases the detector, the sink, and the
// source in that order, each exactly once. Stopped is terminal.
//
// # Basic Usage
//
//	src, err := gstsource.New(gstsource.Config{
//	    Pipeline: "v4l2src ! videoconvert ! video/x-raw,format=RGBA ! appsink name=mysink",
//	    Width:    1280,
//	    Height:   720,
//	    Depth:    4,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	det, err := dnndetect.New(dnndetect.Config{Model: "ssd.caffemodel", Proto: "ssd.prototxt"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	coord, err := detectpipe.New(detectpipe.DefaultConfig(), src, det, sink)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	coord.ShutdownSignal().Notify(ctx, os.Interrupt)
//
//	if err := coord.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Shutdown
//
// ShutdownSignal is the single cancellation mechanism. It is set by exactly
// one external trigger (OS interrupt, sink-requested close, fatal source
// error), read once per loop iteration, and never reset during a run.
// Cancellation takes effect at the iteration boundary only; an iteration
// that has begun runs to completion, bounded by the capture timeout.
//
// # Error Taxonomy
//
//   - Fatal/setup: source open failure. The loop never starts; whatever was
//     acquired is released.
//   - Fatal/runtime: source reports a lost device mid-stream. The run drains
//     with a recorded reason.
//   - Transient: capture timeout, single detection failure. Counted, logged
//     (rate-limited), loop continues.
//   - Normal termination: sink returns false or the signal fires. Same
//     drain path, no error reason.
//
// # Thread Safety
//
// Run is a single-consumer loop; it must not be called concurrently.
// ShutdownSignal, State, and Stats are safe to call from any goroutine.
package detectpipe
