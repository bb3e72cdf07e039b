// Core frame types shared by frame sources, the pipeline and preview surfaces.
package scan

import (
	"sync"
	"sync/atomic"
	"time"
)

// PixelFormat represents video pixel formats.
type PixelFormat int

const (
	PixelFormatI420   PixelFormat = iota // YUV 4:2:0 planar (Y + U + V)
	PixelFormatNV12                      // YUV 4:2:0 semi-planar (Y + interleaved UV)
	PixelFormatRGB24                     // Packed RGB, 3 bytes per pixel
	PixelFormatRGBA32                    // Packed RGBA, 4 bytes per pixel
	PixelFormatBGRA32                    // Packed BGRA, 4 bytes per pixel
	PixelFormatGray8                     // Single 8-bit luma plane
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatI420:
		return "I420"
	case PixelFormatNV12:
		return "NV12"
	case PixelFormatRGB24:
		return "RGB24"
	case PixelFormatRGBA32:
		return "RGBA32"
	case PixelFormatBGRA32:
		return "BGRA32"
	case PixelFormatGray8:
		return "Gray8"
	default:
		return "Unknown"
	}
}

// PlaneCount returns the number of planes for this pixel format.
func (p PixelFormat) PlaneCount() int {
	switch p {
	case PixelFormatI420:
		return 3 // Y, U, V
	case PixelFormatNV12:
		return 2 // Y, UV
	case PixelFormatRGB24, PixelFormatRGBA32, PixelFormatBGRA32, PixelFormatGray8:
		return 1 // Packed
	default:
		return 0
	}
}

// BytesPerPixel returns the packed pixel size, or 1 for planar YUV formats
// where it describes the luma plane.
func (p PixelFormat) BytesPerPixel() int {
	switch p {
	case PixelFormatRGB24:
		return 3
	case PixelFormatRGBA32, PixelFormatBGRA32:
		return 4
	default:
		return 1
	}
}

// Frame is a captured or normalized video frame.
//
// A Frame has exactly one owner at a time. Whoever holds it must either hand
// it to the next stage or call Release, never both. Plane data may come from
// a FramePool and is returned there on Release.
type Frame struct {
	Planes     [][]byte      // Plane data (1-3 planes depending on format)
	Strides    []int         // Stride for each plane in bytes
	Width      int           // Frame width in pixels
	Height     int           // Frame height in pixels
	Format     PixelFormat   // Pixel format
	CapturedAt time.Duration // Monotonic capture time

	release  func()
	released atomic.Bool
}

// NewFrame wraps plane data in a Frame. release runs once when the frame is
// released and may be nil.
func NewFrame(planes [][]byte, strides []int, width, height int, format PixelFormat, capturedAt time.Duration, release func()) *Frame {
	return &Frame{
		Planes:     planes,
		Strides:    strides,
		Width:      width,
		Height:     height,
		Format:     format,
		CapturedAt: capturedAt,
		release:    release,
	}
}

// Release disposes of the frame. Only the first call has an effect; later
// calls are counted by DoubleReleases.
func (f *Frame) Release() {
	if f == nil {
		return
	}
	if !f.released.CompareAndSwap(false, true) {
		doubleReleases.Add(1)
		return
	}
	if f.release != nil {
		f.release()
	}
	f.Planes = nil
}

// Released reports whether Release has been called.
func (f *Frame) Released() bool {
	return f.released.Load()
}

var doubleReleases atomic.Uint64

// DoubleReleases returns how many times a frame was released more than once
// in this process. A non-zero value indicates an ownership bug.
func DoubleReleases() uint64 {
	return doubleReleases.Load()
}

// Clone creates a deep copy of the frame. The copy is owned by the caller and
// allocated from pool when pool is non-nil.
func (f *Frame) Clone(pool *FramePool) *Frame {
	clone := &Frame{
		Planes:     make([][]byte, len(f.Planes)),
		Strides:    make([]int, len(f.Strides)),
		Width:      f.Width,
		Height:     f.Height,
		Format:     f.Format,
		CapturedAt: f.CapturedAt,
	}
	copy(clone.Strides, f.Strides)

	bufs := make([]*[]byte, 0, len(f.Planes))
	for i, plane := range f.Planes {
		if plane == nil {
			continue
		}
		if pool != nil {
			b := pool.Get(len(plane))
			copy(*b, plane)
			clone.Planes[i] = *b
			bufs = append(bufs, b)
		} else {
			clone.Planes[i] = make([]byte, len(plane))
			copy(clone.Planes[i], plane)
		}
	}
	if pool != nil {
		clone.release = func() {
			for _, b := range bufs {
				pool.Put(b)
			}
		}
	}
	return clone
}

// I420Size returns the total buffer size needed for an I420 frame.
func I420Size(width, height int) int {
	ySize := width * height
	uvSize := (width / 2) * (height / 2)
	return ySize + uvSize*2
}

// FramePool provides pooled plane buffers and tracks how many are in use.
type FramePool struct {
	pool        sync.Pool
	outstanding atomic.Int64
	gets        atomic.Uint64
}

// NewFramePool creates an empty pool.
func NewFramePool() *FramePool {
	return &FramePool{}
}

// Get returns a buffer of exactly size bytes.
func (p *FramePool) Get(size int) *[]byte {
	p.outstanding.Add(1)
	p.gets.Add(1)
	if v := p.pool.Get(); v != nil {
		b := v.(*[]byte)
		if cap(*b) >= size {
			*b = (*b)[:size]
			return b
		}
	}
	b := make([]byte, size)
	return &b
}

// Put returns a buffer obtained from Get.
func (p *FramePool) Put(b *[]byte) {
	if b == nil {
		return
	}
	p.outstanding.Add(-1)
	p.pool.Put(b)
}

// Outstanding returns the number of buffers handed out and not yet returned.
func (p *FramePool) Outstanding() int64 {
	return p.outstanding.Load()
}

// Gets returns the total number of buffers handed out.
func (p *FramePool) Gets() uint64 {
	return p.gets.Load()
}

// NewPooledFrame allocates a single-plane frame from the pool. Releasing the
// frame returns the buffer.
func (p *FramePool) NewPooledFrame(width, height, stride int, format PixelFormat, capturedAt time.Duration) *Frame {
	b := p.Get(stride * height)
	return NewFrame([][]byte{*b}, []int{stride}, width, height, format, capturedAt, func() { p.Put(b) })
}
