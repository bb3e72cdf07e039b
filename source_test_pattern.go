package scan

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// PatternType defines the type of test pattern to generate.
type PatternType int

const (
	PatternColorBars    PatternType = iota // SMPTE color bars
	PatternGradient                        // Horizontal gradient
	PatternCheckerboard                    // Checkerboard pattern
	PatternMovingBox                       // Moving box (animated)
	PatternStripes                         // Vertical black and white stripes of varying width
)

func (p PatternType) String() string {
	switch p {
	case PatternColorBars:
		return "ColorBars"
	case PatternGradient:
		return "Gradient"
	case PatternCheckerboard:
		return "Checkerboard"
	case PatternMovingBox:
		return "MovingBox"
	case PatternStripes:
		return "Stripes"
	default:
		return "Unknown"
	}
}

// TestPatternConfig configures a test pattern frame source.
type TestPatternConfig struct {
	Width   int         // Frame width (default: 640)
	Height  int         // Frame height (default: 480)
	FPS     int         // Frames per second (default: 30)
	Pattern PatternType // Pattern type (default: ColorBars)

	// Cameras is the simulated device set. Default: one back camera
	// "pattern-0" marked as default and one front camera "pattern-1".
	Cameras []CameraDescriptor

	// CheckerSize is the checker square size (default: 32).
	CheckerSize int

	Clock Clock      // Capture timestamps (default: NewMonotonicClock())
	Pool  *FramePool // Frame buffers (default: NewFramePool())
}

// DefaultTestPatternConfig returns a default test pattern configuration.
func DefaultTestPatternConfig() TestPatternConfig {
	return TestPatternConfig{
		Width:       640,
		Height:      480,
		FPS:         30,
		Pattern:     PatternColorBars,
		CheckerSize: 32,
	}
}

// TestPatternSource is a FrameSource that synthesizes I420 frames. Each open
// camera runs its own generator goroutine. It can simulate the platform
// revoking a camera and failing to open one.
type TestPatternSource struct {
	config TestPatternConfig
	base   []byte // pre-rendered I420 pattern

	mu       sync.Mutex
	cameras  []CameraDescriptor
	failOpen error
	open     map[*patternCapture]struct{}

	opens  atomic.Uint64
	closes atomic.Uint64
	frames atomic.Uint64
}

// NewTestPatternSource creates a test pattern frame source.
func NewTestPatternSource(config TestPatternConfig) *TestPatternSource {
	if config.Width <= 0 {
		config.Width = 640
	}
	if config.Height <= 0 {
		config.Height = 480
	}
	config.Width &^= 1
	config.Height &^= 1
	if config.FPS <= 0 {
		config.FPS = 30
	}
	if config.CheckerSize <= 0 {
		config.CheckerSize = 32
	}
	if config.Clock == nil {
		config.Clock = NewMonotonicClock()
	}
	if config.Pool == nil {
		config.Pool = NewFramePool()
	}
	if config.Cameras == nil {
		config.Cameras = []CameraDescriptor{
			{ID: "pattern-0", Label: "Test Pattern (back)", Facing: FacingBack, IsDefault: true},
			{ID: "pattern-1", Label: "Test Pattern (front)", Facing: FacingFront},
		}
	}

	s := &TestPatternSource{
		config:  config,
		base:    make([]byte, I420Size(config.Width, config.Height)),
		cameras: slices.Clone(config.Cameras),
		open:    make(map[*patternCapture]struct{}),
	}
	s.render(s.base, 0)
	return s
}

// Enumerate implements FrameSource.
func (s *TestPatternSource) Enumerate(ctx context.Context) ([]CameraDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.cameras), nil
}

// Open implements FrameSource. The surface is not used.
func (s *TestPatternSource) Open(ctx context.Context, cam CameraDescriptor, surface Surface, onFrame FrameCallback) (Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if onFrame == nil {
		return nil, fmt.Errorf("frame callback is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failOpen != nil {
		return nil, s.failOpen
	}
	if !slices.ContainsFunc(s.cameras, func(c CameraDescriptor) bool { return c.ID == cam.ID }) {
		return nil, fmt.Errorf("%w: camera %q not present", ErrResourceUnavailable, cam.ID)
	}
	for c := range s.open {
		if c.cam.ID == cam.ID {
			return nil, fmt.Errorf("%w: camera %q busy", ErrResourceUnavailable, cam.ID)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &patternCapture{
		cam:     cam,
		cancel:  cancel,
		done:    make(chan struct{}),
		onFrame: onFrame,
	}
	c.alive.Store(true)
	s.open[c] = struct{}{}
	s.opens.Add(1)

	go s.generateLoop(runCtx, c)
	return c, nil
}

// Close implements FrameSource. It waits for the generator to exit.
func (s *TestPatternSource) Close(res Resource) error {
	c, ok := res.(*patternCapture)
	if !ok || c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		c.alive.Store(false)
		c.cancel()
		<-c.done

		s.mu.Lock()
		delete(s.open, c)
		s.mu.Unlock()
		s.closes.Add(1)
	})
	return nil
}

// Revoke simulates the platform taking camera id away: frames stop and the
// resource reports not alive. The resource still has to be closed.
func (s *TestPatternSource) Revoke(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.open {
		if c.cam.ID == id {
			c.alive.Store(false)
			c.cancel()
		}
	}
}

// FailOpen makes every later Open fail with err. A nil err clears it.
func (s *TestPatternSource) FailOpen(err error) {
	s.mu.Lock()
	s.failOpen = err
	s.mu.Unlock()
}

// SetCameras replaces the simulated device set.
func (s *TestPatternSource) SetCameras(cams []CameraDescriptor) {
	s.mu.Lock()
	s.cameras = slices.Clone(cams)
	s.mu.Unlock()
}

// OpenCount returns the number of cameras currently open.
func (s *TestPatternSource) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}

// Opens returns the number of successful Open calls.
func (s *TestPatternSource) Opens() uint64 { return s.opens.Load() }

// Closes returns the number of resources closed.
func (s *TestPatternSource) Closes() uint64 { return s.closes.Load() }

// Frames returns the number of frames delivered.
func (s *TestPatternSource) Frames() uint64 { return s.frames.Load() }

type patternCapture struct {
	cam       CameraDescriptor
	alive     atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	onFrame   FrameCallback
}

func (c *patternCapture) Camera() CameraDescriptor { return c.cam }
func (c *patternCapture) Alive() bool              { return c.alive.Load() }

func (s *TestPatternSource) generateLoop(ctx context.Context, c *patternCapture) {
	defer close(c.done)

	ticker := time.NewTicker(time.Second / time.Duration(s.config.FPS))
	defer ticker.Stop()

	w, h := s.config.Width, s.config.Height
	ySize := w * h
	uvSize := (w / 2) * (h / 2)
	animated := s.config.Pattern == PatternMovingBox

	var frameNum uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		frameNum++

		buf := s.config.Pool.Get(len(s.base))
		if animated {
			s.render(*buf, frameNum)
		} else {
			copy(*buf, s.base)
		}
		data := *buf
		frame := NewFrame(
			[][]byte{data[:ySize], data[ySize : ySize+uvSize], data[ySize+uvSize:]},
			[]int{w, w / 2, w / 2},
			w, h, PixelFormatI420,
			s.config.Clock.Now(),
			func() { s.config.Pool.Put(buf) },
		)
		s.frames.Add(1)
		c.onFrame(frame)
	}
}

// render draws the configured pattern into an I420 buffer.
func (s *TestPatternSource) render(dst []byte, frameNum uint64) {
	w, h := s.config.Width, s.config.Height
	ySize := w * h
	uvSize := (w / 2) * (h / 2)
	yPlane := dst[:ySize]
	uPlane := dst[ySize : ySize+uvSize]
	vPlane := dst[ySize+uvSize:]

	for i := range uPlane {
		uPlane[i] = 128
		vPlane[i] = 128
	}

	switch s.config.Pattern {
	case PatternGradient:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				yPlane[y*w+x] = uint8((x * 255) / w)
			}
		}
	case PatternCheckerboard:
		size := s.config.CheckerSize
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				if ((x/size)+(y/size))%2 == 0 {
					yPlane[y*w+x] = 235
				} else {
					yPlane[y*w+x] = 16
				}
			}
		}
	case PatternMovingBox:
		renderMovingBox(yPlane, w, h, frameNum)
	case PatternStripes:
		renderStripes(yPlane, w, h)
	default:
		renderColorBars(yPlane, uPlane, vPlane, w, h)
	}
}

// SMPTE color bars (simplified 8-bar pattern)
var colorBarsRGB = [8][3]uint8{
	{192, 192, 192}, // White (75%)
	{192, 192, 0},   // Yellow
	{0, 192, 192},   // Cyan
	{0, 192, 0},     // Green
	{192, 0, 192},   // Magenta
	{192, 0, 0},     // Red
	{0, 0, 192},     // Blue
	{16, 16, 16},    // Black
}

func renderColorBars(yPlane, uPlane, vPlane []byte, w, h int) {
	barWidth := max(w/8, 1)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			rgb := colorBarsRGB[min(x/barWidth, 7)]
			yVal, u, v := rgbToYUV(rgb[0], rgb[1], rgb[2])
			yPlane[y*w+x] = yVal
			if x%2 == 0 && y%2 == 0 {
				uvIdx := (y/2)*(w/2) + x/2
				uPlane[uvIdx] = u
				vPlane[uvIdx] = v
			}
		}
	}
}

func renderMovingBox(yPlane []byte, w, h int, frameNum uint64) {
	for i := range yPlane {
		yPlane[i] = 16
	}

	boxSize := min(w, h) / 5
	radius := float64(min(w, h)) / 4
	angle := float64(frameNum) * 0.05
	boxX := w/2 + int(radius*math.Cos(angle)) - boxSize/2
	boxY := h/2 + int(radius*math.Sin(angle)) - boxSize/2

	for y := max(boxY, 0); y < boxY+boxSize && y < h; y++ {
		for x := max(boxX, 0); x < boxX+boxSize && x < w; x++ {
			yPlane[y*w+x] = 235
		}
	}
}

// renderStripes draws a repeating 1D-barcode-like band across the middle
// third of the frame on a white background.
func renderStripes(yPlane []byte, w, h int) {
	widths := [...]int{2, 1, 3, 1, 1, 2, 4, 1, 2, 3}
	for i := range yPlane {
		yPlane[i] = 235
	}
	unit := max(w/120, 1)
	for y := h / 3; y < 2*h/3; y++ {
		x, bar := w/10, 0
		for x < w-w/10 {
			span := widths[bar%len(widths)] * unit
			if bar%2 == 0 {
				for i := x; i < x+span && i < w; i++ {
					yPlane[y*w+i] = 16
				}
			}
			x += span
			bar++
		}
	}
}

// rgbToYUV converts RGB to YUV (BT.601)
func rgbToYUV(r, g, b uint8) (y, u, v uint8) {
	yf := 16.0 + 65.481*float64(r)/255.0 + 128.553*float64(g)/255.0 + 24.966*float64(b)/255.0
	uf := 128.0 - 37.797*float64(r)/255.0 - 74.203*float64(g)/255.0 + 112.0*float64(b)/255.0
	vf := 128.0 + 112.0*float64(r)/255.0 - 93.786*float64(g)/255.0 - 18.214*float64(b)/255.0

	y = uint8(math.Min(math.Max(yf, 16), 235))
	u = uint8(math.Min(math.Max(uf, 16), 240))
	v = uint8(math.Min(math.Max(vf, 16), 240))
	return
}
