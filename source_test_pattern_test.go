package scan

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewTestPatternSource_Defaults(t *testing.T) {
	source := NewTestPatternSource(TestPatternConfig{})

	cams, err := source.Enumerate(context.Background())
	if err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}
	if len(cams) != 2 {
		t.Fatalf("Enumerate returned %d cameras, want 2", len(cams))
	}
	if cams[0].ID != "pattern-0" || cams[0].Facing != FacingBack || !cams[0].IsDefault {
		t.Errorf("camera 0 = %+v", cams[0])
	}
	if cams[1].Facing != FacingFront {
		t.Errorf("camera 1 facing = %v, want front", cams[1].Facing)
	}
}

func TestTestPatternSource_OpenClose(t *testing.T) {
	pool := NewFramePool()
	source := NewTestPatternSource(TestPatternConfig{Width: 320, Height: 240, FPS: 100, Pool: pool})
	ctx := context.Background()
	cams, _ := source.Enumerate(ctx)

	frames := make(chan *Frame, 64)
	res, err := source.Open(ctx, cams[0], nil, func(f *Frame) {
		select {
		case frames <- f:
		default:
			f.Release()
		}
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if res.Camera().ID != cams[0].ID || !res.Alive() {
		t.Errorf("resource = %+v alive=%v", res.Camera(), res.Alive())
	}
	if source.OpenCount() != 1 || source.Opens() != 1 {
		t.Errorf("OpenCount/Opens = %d/%d, want 1/1", source.OpenCount(), source.Opens())
	}

	// Opening the same camera twice fails.
	if _, err := source.Open(ctx, cams[0], nil, func(f *Frame) { f.Release() }); !errors.Is(err, ErrResourceUnavailable) {
		t.Errorf("second Open error = %v, want ErrResourceUnavailable", err)
	}

	var frame *Frame
	select {
	case frame = <-frames:
	case <-time.After(2 * time.Second):
		t.Fatal("no frame within 2s")
	}
	if frame.Width != 320 || frame.Height != 240 || frame.Format != PixelFormatI420 {
		t.Errorf("frame = %dx%d %s, want 320x240 I420", frame.Width, frame.Height, frame.Format)
	}
	if len(frame.Planes) != 3 || len(frame.Planes[0]) != 320*240 || len(frame.Planes[1]) != 160*120 {
		t.Errorf("plane sizes = %d planes", len(frame.Planes))
	}
	frame.Release()

	if err := source.Close(res); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := source.Close(res); err != nil {
		t.Errorf("double Close failed: %v", err)
	}
	if res.Alive() {
		t.Error("resource alive after Close")
	}
	if source.OpenCount() != 0 || source.Closes() != 1 {
		t.Errorf("OpenCount/Closes = %d/%d, want 0/1", source.OpenCount(), source.Closes())
	}

	// No delivery after Close returned.
	close(frames)
	for f := range frames {
		f.Release()
	}
	if got := pool.Outstanding(); got != 0 {
		t.Errorf("pool outstanding = %d, want 0", got)
	}
}

func TestTestPatternSource_NoCallbackAfterClose(t *testing.T) {
	source := NewTestPatternSource(TestPatternConfig{Width: 64, Height: 48, FPS: 500})
	cams, _ := source.Enumerate(context.Background())

	var closed atomic.Bool
	var late atomic.Int64
	res, err := source.Open(context.Background(), cams[0], nil, func(f *Frame) {
		if closed.Load() {
			late.Add(1)
		}
		f.Release()
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	source.Close(res)
	closed.Store(true)
	time.Sleep(20 * time.Millisecond)

	if n := late.Load(); n != 0 {
		t.Errorf("%d frames delivered after Close", n)
	}
}

func TestTestPatternSource_Revoke(t *testing.T) {
	source := NewTestPatternSource(TestPatternConfig{Width: 64, Height: 48})
	ctx := context.Background()
	cams, _ := source.Enumerate(ctx)

	res, err := source.Open(ctx, cams[1], nil, func(f *Frame) { f.Release() })
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	source.Revoke(cams[1].ID)
	if res.Alive() {
		t.Error("resource alive after Revoke")
	}
	if source.OpenCount() != 1 {
		t.Error("revoked resource must still be closed by its owner")
	}
	source.Close(res)
	if source.OpenCount() != 0 {
		t.Errorf("OpenCount = %d after Close", source.OpenCount())
	}
}

func TestTestPatternSource_OpenErrors(t *testing.T) {
	source := NewTestPatternSource(TestPatternConfig{Width: 64, Height: 48})
	ctx := context.Background()
	noop := func(f *Frame) { f.Release() }

	if _, err := source.Open(ctx, CameraDescriptor{ID: "missing"}, nil, noop); !errors.Is(err, ErrResourceUnavailable) {
		t.Errorf("Open(missing) error = %v, want ErrResourceUnavailable", err)
	}

	boom := errors.New("permission denied")
	source.FailOpen(boom)
	if _, err := source.Open(ctx, CameraDescriptor{ID: "pattern-0"}, nil, noop); !errors.Is(err, boom) {
		t.Errorf("Open with FailOpen error = %v, want %v", err, boom)
	}
	source.FailOpen(nil)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := source.Open(cancelled, CameraDescriptor{ID: "pattern-0"}, nil, noop); !errors.Is(err, context.Canceled) {
		t.Errorf("Open(cancelled) error = %v, want context.Canceled", err)
	}

	source.SetCameras(nil)
	if cams, _ := source.Enumerate(ctx); len(cams) != 0 {
		t.Errorf("Enumerate after SetCameras(nil) = %d cameras", len(cams))
	}
	if source.Opens() != 0 {
		t.Errorf("Opens = %d, want 0", source.Opens())
	}
}

func TestTestPatternSource_AllPatterns(t *testing.T) {
	patterns := []PatternType{
		PatternColorBars,
		PatternGradient,
		PatternCheckerboard,
		PatternMovingBox,
		PatternStripes,
	}

	for _, pattern := range patterns {
		t.Run(pattern.String(), func(t *testing.T) {
			source := NewTestPatternSource(TestPatternConfig{
				Width:   64,
				Height:  48,
				Pattern: pattern,
			})

			y := source.base[:64*48]
			lo, hi := y[0], y[0]
			for _, v := range y {
				lo, hi = min(lo, v), max(hi, v)
			}
			if lo == hi {
				t.Errorf("pattern %s is flat (%d)", pattern, lo)
			}
		})
	}
}

func TestTestPatternSource_MovingBoxAnimates(t *testing.T) {
	source := NewTestPatternSource(TestPatternConfig{Width: 64, Height: 48, Pattern: PatternMovingBox})
	a := make([]byte, I420Size(64, 48))
	b := make([]byte, I420Size(64, 48))
	source.render(a, 0)
	source.render(b, 20)

	same := true
	for i := range a {
		if a[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("moving box did not move")
	}
}

func TestTestPatternSource_RGBToYUV(t *testing.T) {
	tests := []struct {
		r, g, b uint8
		name    string
	}{
		{255, 255, 255, "white"},
		{0, 0, 0, "black"},
		{255, 0, 0, "red"},
		{0, 255, 0, "green"},
		{0, 0, 255, "blue"},
		{128, 128, 128, "gray"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			y, u, v := rgbToYUV(tt.r, tt.g, tt.b)

			if y < 16 || y > 235 {
				t.Errorf("Y value %d out of range [16, 235]", y)
			}
			if u < 16 || u > 240 {
				t.Errorf("U value %d out of range [16, 240]", u)
			}
			if v < 16 || v > 240 {
				t.Errorf("V value %d out of range [16, 240]", v)
			}
		})
	}
}

func BenchmarkTestPatternSource_MovingBox(b *testing.B) {
	source := NewTestPatternSource(TestPatternConfig{
		Width:   1280,
		Height:  720,
		Pattern: PatternMovingBox,
	})
	buf := make([]byte, I420Size(1280, 720))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		source.render(buf, uint64(i))
	}
}
