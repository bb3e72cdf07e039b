//go:build darwin && !nodevices && !cgo

package scan

import (
	"context"
	"fmt"
	"runtime"
	"slices"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

// AVFoundation permission status values
const (
	AVAuthorizationStatusNotDetermined = 0
	AVAuthorizationStatusRestricted    = 1
	AVAuthorizationStatusDenied        = 2
	AVAuthorizationStatusAuthorized    = 3
)

var (
	avfOnce    sync.Once
	avfHandle  uintptr
	avfInitErr error
	avfLoaded  bool
)

// libstream_avfoundation function pointers
var (
	streamAVVideoDeviceCount        func() int32
	streamAVVideoDeviceID           func(index int32) uintptr
	streamAVVideoDeviceLabel        func(index int32) uintptr
	streamAVFreeString              func(ptr uintptr)
	streamAVCameraPermissionStatus  func() int32
	streamAVRequestCameraPermission func()
	streamAVVideoCaptureCreate      func(deviceID uintptr, width, height, fps int32, callback, userData uintptr) uint64
	streamAVVideoCaptureStart       func(handle uint64) int32
	streamAVVideoCaptureStop        func(handle uint64) int32
	streamAVVideoCaptureDestroy     func(handle uint64)
	streamAVGetError                func() uintptr
	streamAVVideoDeviceFPSRange     func(deviceID uintptr, minFPS, maxFPS uintptr) int32
)

func initAVFoundation() {
	avfOnce.Do(func() {
		libPath := findLibrary("libstream_avfoundation.dylib", "STREAM_AV_LIB_PATH")
		if libPath == "" {
			avfInitErr = fmt.Errorf("libstream_avfoundation.dylib not found")
			return
		}

		var err error
		avfHandle, err = purego.Dlopen(libPath, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			avfInitErr = fmt.Errorf("failed to load %s: %w", libPath, err)
			return
		}

		purego.RegisterLibFunc(&streamAVVideoDeviceCount, avfHandle, "stream_av_video_device_count")
		purego.RegisterLibFunc(&streamAVVideoDeviceID, avfHandle, "stream_av_video_device_id")
		purego.RegisterLibFunc(&streamAVVideoDeviceLabel, avfHandle, "stream_av_video_device_label")
		purego.RegisterLibFunc(&streamAVFreeString, avfHandle, "stream_av_free_string")
		purego.RegisterLibFunc(&streamAVCameraPermissionStatus, avfHandle, "stream_av_camera_permission_status")
		purego.RegisterLibFunc(&streamAVRequestCameraPermission, avfHandle, "stream_av_request_camera_permission")
		purego.RegisterLibFunc(&streamAVVideoCaptureCreate, avfHandle, "stream_av_video_capture_create")
		purego.RegisterLibFunc(&streamAVVideoCaptureStart, avfHandle, "stream_av_video_capture_start")
		purego.RegisterLibFunc(&streamAVVideoCaptureStop, avfHandle, "stream_av_video_capture_stop")
		purego.RegisterLibFunc(&streamAVVideoCaptureDestroy, avfHandle, "stream_av_video_capture_destroy")
		purego.RegisterLibFunc(&streamAVGetError, avfHandle, "stream_av_get_error")
		purego.RegisterLibFunc(&streamAVVideoDeviceFPSRange, avfHandle, "stream_av_video_device_fps_range")

		avfLoaded = true
	})
}

// IsAVFoundationAvailable returns true if the AVFoundation library is available.
func IsAVFoundationAvailable() bool {
	initAVFoundation()
	return avfLoaded
}

// CameraPermissionStatus returns the current camera permission status.
func CameraPermissionStatus() int {
	initAVFoundation()
	if !avfLoaded {
		return AVAuthorizationStatusNotDetermined
	}
	return int(streamAVCameraPermissionStatus())
}

// RequestCameraPermission requests camera permission (async).
func RequestCameraPermission() {
	initAVFoundation()
	if avfLoaded {
		streamAVRequestCameraPermission()
	}
}

func avLastError() string {
	if errPtr := streamAVGetError(); errPtr != 0 {
		return goStringFromPtr(errPtr)
	}
	return "unknown error"
}

// AVFoundationSource is a FrameSource for macOS cameras.
type AVFoundationSource struct {
	config CaptureConfig
	mu     sync.Mutex // serializes native create/destroy
}

// NewAVFoundationSource creates an AVFoundation frame source.
func NewAVFoundationSource(config CaptureConfig) (*AVFoundationSource, error) {
	initAVFoundation()
	if !avfLoaded {
		return nil, fmt.Errorf("%w: AVFoundation not available: %v", ErrResourceUnavailable, avfInitErr)
	}
	return &AVFoundationSource{config: config.withDefaults()}, nil
}

// Enumerate implements FrameSource. The first device is the system default.
func (s *AVFoundationSource) Enumerate(ctx context.Context) ([]CameraDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return avEnumerate(), nil
}

func avEnumerate() []CameraDescriptor {
	count := streamAVVideoDeviceCount()
	cams := make([]CameraDescriptor, 0, count)
	for i := int32(0); i < count; i++ {
		idPtr := streamAVVideoDeviceID(i)
		labelPtr := streamAVVideoDeviceLabel(i)
		if idPtr == 0 || labelPtr == 0 {
			continue
		}
		label := goStringFromPtr(labelPtr)
		cams = append(cams, CameraDescriptor{
			ID:        goStringFromPtr(idPtr),
			Label:     label,
			Facing:    inferFacing(label),
			IsDefault: len(cams) == 0,
		})
		streamAVFreeString(idPtr)
		streamAVFreeString(labelPtr)
	}
	return cams
}

// FPSRange returns the frame rates supported by camera id.
func (s *AVFoundationSource) FPSRange(id string) (minFPS, maxFPS int, err error) {
	deviceID := cString(id)
	var minVal, maxVal int32
	result := streamAVVideoDeviceFPSRange(
		uintptrOf(deviceID),
		uintptr(unsafe.Pointer(&minVal)),
		uintptr(unsafe.Pointer(&maxVal)),
	)
	runtime.KeepAlive(deviceID)
	if result != 0 {
		return 0, 0, fmt.Errorf("failed to get FPS range: %s", avLastError())
	}
	return int(minVal), int(maxVal), nil
}

// Open implements FrameSource. Camera permission is checked first: an
// undetermined permission triggers the system prompt, and any answer other
// than authorized fails with ErrResourceUnavailable.
func (s *AVFoundationSource) Open(ctx context.Context, cam CameraDescriptor, surface Surface, onFrame FrameCallback) (Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch streamAVCameraPermissionStatus() {
	case AVAuthorizationStatusNotDetermined:
		streamAVRequestCameraPermission()
		return nil, fmt.Errorf("%w: camera permission not yet determined", ErrResourceUnavailable)
	case AVAuthorizationStatusDenied, AVAuthorizationStatusRestricted:
		return nil, fmt.Errorf("%w: camera permission denied", ErrResourceUnavailable)
	}

	fps := s.config.FPS
	if minFPS, maxFPS, err := s.FPSRange(cam.ID); err == nil && maxFPS > 0 {
		fps = max(min(fps, maxFPS), minFPS)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	deviceID := cam.ID
	c := &nativeCapture{
		cam:     cam,
		onFrame: onFrame,
		pool:    s.config.Pool,
		clock:   s.config.Clock,
		probe: func() bool {
			return slices.ContainsFunc(avEnumerate(), func(d CameraDescriptor) bool { return d.ID == deviceID })
		},
	}
	registerCapture(c)

	id := cString(cam.ID)
	c.handle = streamAVVideoCaptureCreate(
		uintptrOf(id),
		int32(s.config.Width),
		int32(s.config.Height),
		int32(fps),
		nativeFrameCallback(),
		c.id,
	)
	runtime.KeepAlive(id)
	if c.handle == 0 {
		c.close(avDestroy)
		return nil, fmt.Errorf("%w: open %s: %s", ErrResourceUnavailable, cam.Label, avLastError())
	}

	if streamAVVideoCaptureStart(c.handle) != 0 {
		msg := avLastError()
		c.close(avDestroy)
		return nil, fmt.Errorf("%w: start %s: %s", ErrResourceUnavailable, cam.Label, msg)
	}
	return c, nil
}

// Close implements FrameSource.
func (s *AVFoundationSource) Close(res Resource) error {
	c, ok := res.(*nativeCapture)
	if !ok || c == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c.close(avDestroy)
	return nil
}

func avDestroy(handle uint64) {
	streamAVVideoCaptureStop(handle)
	streamAVVideoCaptureDestroy(handle)
}

func init() {
	initAVFoundation()
	if avfLoaded {
		RegisterFrameSource("avfoundation", func(config CaptureConfig) (FrameSource, error) {
			return NewAVFoundationSource(config)
		})
	}
}
