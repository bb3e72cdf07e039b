//go:build (darwin || linux) && !nodevices && !cgo

package scan

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ebitengine/purego"
)

// nativeCapture is an open platform camera. Native callbacks are routed to
// it through the captures table by the id passed as user data.
type nativeCapture struct {
	id      uintptr
	cam     CameraDescriptor
	handle  uint64
	onFrame FrameCallback
	pool    *FramePool
	clock   Clock
	probe   func() bool // platform liveness check

	// mu is read-held while a frame is delivered and write-held by close, so
	// no delivery happens after close returns.
	mu     sync.RWMutex
	closed bool

	revoked   atomic.Bool
	closeOnce sync.Once
}

func (c *nativeCapture) Camera() CameraDescriptor { return c.cam }

func (c *nativeCapture) Alive() bool {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed || c.revoked.Load() {
		return false
	}
	if c.probe != nil && !c.probe() {
		c.revoked.Store(true)
		return false
	}
	return true
}

// close stops delivery, then runs stop to tear down the native session.
func (c *nativeCapture) close(stop func(handle uint64)) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		if c.handle != 0 {
			stop(c.handle)
			c.handle = 0
		}
		unregisterCapture(c.id)
	})
}

// deliverI420 copies a native I420 frame into a pooled buffer and hands it
// to the frame callback. The C planes are only valid during the call.
func (c *nativeCapture) deliverI420(
	yPlane uintptr, yStride int32,
	uPlane uintptr, uStride int32,
	vPlane uintptr, vStride int32,
	width, height int32,
) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed || yPlane == 0 || uPlane == 0 || vPlane == 0 {
		return
	}

	uvHeight := (int(height) + 1) / 2
	ySize := int(yStride) * int(height)
	uSize := int(uStride) * uvHeight
	vSize := int(vStride) * uvHeight

	buf := c.pool.Get(ySize + uSize + vSize)
	data := *buf
	copy(data[:ySize], unsafe.Slice((*byte)(unsafe.Pointer(yPlane)), ySize))
	copy(data[ySize:ySize+uSize], unsafe.Slice((*byte)(unsafe.Pointer(uPlane)), uSize))
	copy(data[ySize+uSize:], unsafe.Slice((*byte)(unsafe.Pointer(vPlane)), vSize))

	pool := c.pool
	frame := NewFrame(
		[][]byte{data[:ySize], data[ySize : ySize+uSize], data[ySize+uSize:]},
		[]int{int(yStride), int(uStride), int(vStride)},
		int(width), int(height), PixelFormatI420,
		c.clock.Now(),
		func() { pool.Put(buf) },
	)
	c.onFrame(frame)
}

// Global callback routing state
var (
	capturesMu     sync.RWMutex
	captures       = make(map[uintptr]*nativeCapture)
	captureCounter uintptr

	frameCallbackOnce sync.Once
	frameCallbackPtr  uintptr
)

// nativeFrameCallback returns the C function pointer shared by all captures.
func nativeFrameCallback() uintptr {
	frameCallbackOnce.Do(func() {
		frameCallbackPtr = purego.NewCallback(i420FrameHandler)
	})
	return frameCallbackPtr
}

// i420FrameHandler is called by the native library on its capture thread.
func i420FrameHandler(
	yPlane uintptr, yStride int32,
	uPlane uintptr, uStride int32,
	vPlane uintptr, vStride int32,
	width, height int32,
	timestampNs int64,
	userData uintptr,
) {
	capturesMu.RLock()
	c, ok := captures[userData]
	capturesMu.RUnlock()
	if !ok {
		return
	}
	c.deliverI420(yPlane, yStride, uPlane, uStride, vPlane, vStride, width, height)
}

func registerCapture(c *nativeCapture) {
	capturesMu.Lock()
	captureCounter++
	c.id = captureCounter
	captures[c.id] = c
	capturesMu.Unlock()
}

func unregisterCapture(id uintptr) {
	capturesMu.Lock()
	delete(captures, id)
	capturesMu.Unlock()
}
