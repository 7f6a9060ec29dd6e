package streamer

import (
	"context"
	"image"
	"image/color"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meridian-rdp/engine/internal/capture"
	"github.com/meridian-rdp/engine/internal/codec"
	"github.com/meridian-rdp/engine/internal/framebuffer"
)

type fakeSource struct {
	seq atomic.Uint64
	c   color.RGBA
}

func (f *fakeSource) Capture() (*capture.Frame, error) {
	n := f.seq.Add(1)
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.SetRGBA(x, y, f.c)
		}
	}
	return &capture.Frame{Image: img, Seq: n}, nil
}

func TestStreamerStartEmitsFrames(t *testing.T) {
	src := &fakeSource{c: color.RGBA{10, 10, 10, 255}}
	cd := codec.New(70)
	buf := framebuffer.New(3)
	s := New(src, cd, buf, Config{TargetFPS: 30})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	select {
	case ev := <-s.Events():
		if ev.Bytes == nil {
			t.Fatal("expected non-nil frame bytes")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a FrameReady event")
	}

	s.Stop()
	if s.State() != StateStopped {
		t.Fatalf("expected StateStopped, got %v", s.State())
	}
}

func TestStreamerStartWhileRunningIsNoOp(t *testing.T) {
	src := &fakeSource{c: color.RGBA{1, 1, 1, 255}}
	s := New(src, codec.New(70), framebuffer.New(3), Config{TargetFPS: 30})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	s.Start(ctx) // should not panic or double-start
	if s.State() != StateRunning {
		t.Fatalf("expected StateRunning, got %v", s.State())
	}
	s.Stop()
}

func TestStreamerStopWhileIdleIsNoOp(t *testing.T) {
	s := New(&fakeSource{}, codec.New(70), framebuffer.New(3), Config{TargetFPS: 30})
	s.Stop() // should not block or panic
	if s.State() != StateIdle {
		t.Fatalf("expected StateIdle, got %v", s.State())
	}
}

func TestSetQualityOnlyWhileRunning(t *testing.T) {
	cd := codec.New(50)
	s := New(&fakeSource{}, cd, framebuffer.New(3), Config{TargetFPS: 30})
	s.SetQuality(90) // not running, ignored
	if cd.Quality() != 50 {
		t.Fatalf("expected quality unchanged at 50, got %d", cd.Quality())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	s.SetQuality(90)
	if cd.Quality() != 90 {
		t.Fatalf("expected quality 90, got %d", cd.Quality())
	}
	s.Stop()
}
