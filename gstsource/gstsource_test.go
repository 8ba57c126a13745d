package gstsource

import (
	"errors"
	"testing"
	"time"

	"github.com/visiona/detectpipe"
)

// New validates without touching GStreamer, so configuration tests run
// anywhere.
func TestNewValidation(t *testing.T) {
	valid := Config{
		Pipeline: "videotestsrc ! video/x-raw,format=RGBA ! appsink name=mysink",
		Width:    1280,
		Height:   720,
		Depth:    4,
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid rgba", func(*Config) {}, false},
		{"valid rgb", func(c *Config) { c.Depth = 3 }, false},
		{"custom sink name", func(c *Config) { c.SinkName = "out"; c.Pipeline = "videotestsrc ! appsink name=out" }, false},
		{"empty pipeline", func(c *Config) { c.Pipeline = "" }, true},
		{"whitespace pipeline", func(c *Config) { c.Pipeline = "   " }, true},
		{"no appsink", func(c *Config) { c.Pipeline = "videotestsrc ! fakesink" }, true},
		{"zero width", func(c *Config) { c.Width = 0 }, true},
		{"negative height", func(c *Config) { c.Height = -1 }, true},
		{"bad depth", func(c *Config) { c.Depth = 2 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			src, err := New(cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if src == nil {
				t.Fatal("nil source without error")
			}
		})
	}
}

func TestGeometryAccessors(t *testing.T) {
	src, err := New(Config{
		Pipeline: "videotestsrc ! appsink name=mysink",
		Width:    640,
		Height:   480,
		Depth:    3,
	})
	if err != nil {
		t.Fatal(err)
	}

	if src.Width() != 640 || src.Height() != 480 || src.PixelDepth() != 3 {
		t.Errorf("geometry = %dx%dx%d, want 640x480x3",
			src.Width(), src.Height(), src.PixelDepth())
	}
	if src.Drops() != 0 {
		t.Errorf("drops = %d, want 0 before streaming", src.Drops())
	}
}

// Close must be safe without a prior Open, and idempotent.
func TestCloseWithoutOpen(t *testing.T) {
	src, err := New(Config{
		Pipeline: "videotestsrc ! appsink name=mysink",
		Width:    64,
		Height:   64,
		Depth:    4,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := src.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestCaptureAfterCloseIsFatal(t *testing.T) {
	src, err := New(Config{
		Pipeline: "videotestsrc ! appsink name=mysink",
		Width:    64,
		Height:   64,
		Depth:    4,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := src.Close(); err != nil {
		t.Fatal(err)
	}

	_, err = src.Capture(10 * time.Millisecond)
	if !errors.Is(err, detectpipe.ErrSourceClosed) {
		t.Errorf("Capture error = %v, want ErrSourceClosed", err)
	}
}

func TestOpenAfterCloseFails(t *testing.T) {
	src, err := New(Config{
		Pipeline: "videotestsrc ! appsink name=mysink",
		Width:    64,
		Height:   64,
		Depth:    4,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := src.Close(); err != nil {
		t.Fatal(err)
	}
	if err := src.Open(); err == nil {
		t.Fatal("Open succeeded after Close")
	}
}
