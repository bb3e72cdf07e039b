//go:build linux && !nodevices && !cgo

package scan

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/ebitengine/purego"
)

var (
	// V4L2 library state
	v4l2Once    sync.Once
	v4l2Handle  uintptr
	v4l2InitErr error
	v4l2Loaded  bool
)

// V4L2 function pointers
var (
	streamV4L2DeviceCount    func() int32
	streamV4L2DevicePath     func(index int32) uintptr
	streamV4L2DeviceName     func(index int32) uintptr
	streamV4L2FreeString     func(ptr uintptr)
	streamV4L2CaptureCreate  func(devicePath uintptr, width, height, fps int32, callback, userData uintptr) uint64
	streamV4L2CaptureStart   func(handle uint64) int32
	streamV4L2CaptureStop    func(handle uint64) int32
	streamV4L2CaptureDestroy func(handle uint64)
	streamV4L2GetError       func() uintptr
)

func initV4L2() {
	v4l2Once.Do(func() {
		libPath := findLibrary("libstream_v4l2.so")
		if libPath == "" {
			v4l2InitErr = fmt.Errorf("libstream_v4l2.so not found")
			return
		}

		var err error
		v4l2Handle, err = purego.Dlopen(libPath, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			v4l2InitErr = fmt.Errorf("failed to load %s: %w", libPath, err)
			return
		}

		purego.RegisterLibFunc(&streamV4L2DeviceCount, v4l2Handle, "stream_v4l2_device_count")
		purego.RegisterLibFunc(&streamV4L2DevicePath, v4l2Handle, "stream_v4l2_device_path")
		purego.RegisterLibFunc(&streamV4L2DeviceName, v4l2Handle, "stream_v4l2_device_name")
		purego.RegisterLibFunc(&streamV4L2FreeString, v4l2Handle, "stream_v4l2_free_string")
		purego.RegisterLibFunc(&streamV4L2CaptureCreate, v4l2Handle, "stream_v4l2_capture_create")
		purego.RegisterLibFunc(&streamV4L2CaptureStart, v4l2Handle, "stream_v4l2_capture_start")
		purego.RegisterLibFunc(&streamV4L2CaptureStop, v4l2Handle, "stream_v4l2_capture_stop")
		purego.RegisterLibFunc(&streamV4L2CaptureDestroy, v4l2Handle, "stream_v4l2_capture_destroy")
		purego.RegisterLibFunc(&streamV4L2GetError, v4l2Handle, "stream_v4l2_get_error")

		v4l2Loaded = true
	})
}

// IsV4L2Available returns true if the V4L2 library is available.
func IsV4L2Available() bool {
	initV4L2()
	return v4l2Loaded
}

// V4L2Source is a FrameSource for Linux Video4Linux2 cameras.
type V4L2Source struct {
	config CaptureConfig
	mu     sync.Mutex // serializes native create/destroy
}

// NewV4L2Source creates a V4L2 frame source.
func NewV4L2Source(config CaptureConfig) (*V4L2Source, error) {
	initV4L2()
	if !v4l2Loaded {
		return nil, fmt.Errorf("%w: V4L2 not available: %v", ErrResourceUnavailable, v4l2InitErr)
	}
	return &V4L2Source{config: config.withDefaults()}, nil
}

func v4l2LastError() string {
	if errPtr := streamV4L2GetError(); errPtr != 0 {
		return goStringFromPtr(errPtr)
	}
	return "unknown error"
}

// Enumerate implements FrameSource. Device IDs are /dev/video* paths; the
// first device is the default.
func (s *V4L2Source) Enumerate(ctx context.Context) ([]CameraDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	count := streamV4L2DeviceCount()
	cams := make([]CameraDescriptor, 0, count)
	for i := int32(0); i < count; i++ {
		pathPtr := streamV4L2DevicePath(i)
		namePtr := streamV4L2DeviceName(i)
		if pathPtr == 0 || namePtr == 0 {
			continue
		}
		name := goStringFromPtr(namePtr)
		cams = append(cams, CameraDescriptor{
			ID:        goStringFromPtr(pathPtr),
			Label:     name,
			Facing:    inferFacing(name),
			IsDefault: len(cams) == 0,
		})
		streamV4L2FreeString(pathPtr)
		streamV4L2FreeString(namePtr)
	}
	return cams, nil
}

// Open implements FrameSource. V4L2 renders no preview itself; the surface
// is fed by the pipeline.
func (s *V4L2Source) Open(ctx context.Context, cam CameraDescriptor, surface Surface, onFrame FrameCallback) (Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(cam.ID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResourceUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	devicePath := cam.ID
	c := &nativeCapture{
		cam:     cam,
		onFrame: onFrame,
		pool:    s.config.Pool,
		clock:   s.config.Clock,
		probe: func() bool {
			_, err := os.Stat(devicePath)
			return err == nil
		},
	}
	registerCapture(c)

	path := cString(cam.ID)
	c.handle = streamV4L2CaptureCreate(
		uintptrOf(path),
		int32(s.config.Width),
		int32(s.config.Height),
		int32(s.config.FPS),
		nativeFrameCallback(),
		c.id,
	)
	runtime.KeepAlive(path)
	if c.handle == 0 {
		c.close(v4l2Destroy)
		return nil, fmt.Errorf("%w: open %s: %s", ErrResourceUnavailable, cam.ID, v4l2LastError())
	}

	if streamV4L2CaptureStart(c.handle) != 0 {
		msg := v4l2LastError()
		c.close(v4l2Destroy)
		return nil, fmt.Errorf("%w: start %s: %s", ErrResourceUnavailable, cam.ID, msg)
	}
	return c, nil
}

// Close implements FrameSource.
func (s *V4L2Source) Close(res Resource) error {
	c, ok := res.(*nativeCapture)
	if !ok || c == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c.close(v4l2Destroy)
	return nil
}

func v4l2Destroy(handle uint64) {
	streamV4L2CaptureStop(handle)
	streamV4L2CaptureDestroy(handle)
}

func init() {
	initV4L2()
	if v4l2Loaded {
		RegisterFrameSource("v4l2", func(config CaptureConfig) (FrameSource, error) {
			return NewV4L2Source(config)
		})
	}
}
