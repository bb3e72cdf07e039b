package scan

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Facing is the direction a camera points relative to the device screen.
type Facing int

const (
	FacingUnknown Facing = iota // Unknown, or "any" when used as a preference
	FacingFront                 // Towards the user
	FacingBack                  // Away from the user
)

func (f Facing) String() string {
	switch f {
	case FacingFront:
		return "front"
	case FacingBack:
		return "back"
	default:
		return "any"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (f Facing) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Facing) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "", "any", "unknown":
		*f = FacingUnknown
	case "front", "user":
		*f = FacingFront
	case "back", "rear", "environment":
		*f = FacingBack
	default:
		return fmt.Errorf("unknown camera facing %q", text)
	}
	return nil
}

// CameraDescriptor describes an enumerated camera.
type CameraDescriptor struct {
	ID        string // Unique identifier for the device
	Label     string // Human-readable device name
	Facing    Facing // Camera direction, if known
	IsDefault bool   // Platform default camera
}

// FrameCallback receives captured frames. The callee owns the frame.
type FrameCallback func(frame *Frame)

// Resource is a live handle to an open camera.
type Resource interface {
	// Camera returns the descriptor the resource was opened with.
	Camera() CameraDescriptor

	// Alive reports whether the platform still grants the camera.
	// It turns false when the device is revoked or disconnected.
	Alive() bool
}

// FrameSource abstracts a platform camera stack.
//
// Implementations must make Close safe to call on a partially opened or
// already closed resource, and must not invoke the frame callback once Close
// has returned. Callbacks for a single resource are never concurrent.
type FrameSource interface {
	// Enumerate returns the available cameras.
	Enumerate(ctx context.Context) ([]CameraDescriptor, error)

	// Open opens cam, binds its output to surface and starts delivering
	// frames to onFrame.
	Open(ctx context.Context, cam CameraDescriptor, surface Surface, onFrame FrameCallback) (Resource, error)

	// Close stops delivery and releases the camera.
	Close(res Resource) error
}

// SelectCamera picks a camera from cams. A non-empty id must match exactly.
// Otherwise facing filters the set unless it is FacingUnknown, and the
// platform default is preferred over enumeration order.
func SelectCamera(cams []CameraDescriptor, id string, facing Facing) (CameraDescriptor, error) {
	if id != "" {
		for _, c := range cams {
			if c.ID == id {
				return c, nil
			}
		}
		return CameraDescriptor{}, fmt.Errorf("%w: no camera with id %q", ErrResourceUnavailable, id)
	}

	var candidates []CameraDescriptor
	for _, c := range cams {
		if facing == FacingUnknown || c.Facing == facing {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return CameraDescriptor{}, fmt.Errorf("%w: no %s camera among %d devices", ErrResourceUnavailable, facing, len(cams))
	}
	for _, c := range candidates {
		if c.IsDefault {
			return c, nil
		}
	}
	return candidates[0], nil
}

// inferFacing guesses the facing from a device label.
func inferFacing(label string) Facing {
	l := strings.ToLower(label)
	switch {
	case strings.Contains(l, "front"), strings.Contains(l, "facetime"), strings.Contains(l, "user"):
		return FacingFront
	case strings.Contains(l, "back"), strings.Contains(l, "rear"), strings.Contains(l, "environment"):
		return FacingBack
	default:
		return FacingUnknown
	}
}

// CaptureConfig is the capture format requested from a platform source.
// Sources may clamp it to what the device supports.
type CaptureConfig struct {
	Width  int        // Default: 1280
	Height int        // Default: 720
	FPS    int        // Default: 30
	Pool   *FramePool // Frame buffers (default: NewFramePool())
	Clock  Clock      // Capture timestamps (default: NewMonotonicClock())
}

func (c CaptureConfig) withDefaults() CaptureConfig {
	if c.Width <= 0 {
		c.Width = 1280
	}
	if c.Height <= 0 {
		c.Height = 720
	}
	if c.FPS <= 0 {
		c.FPS = 30
	}
	if c.Pool == nil {
		c.Pool = NewFramePool()
	}
	if c.Clock == nil {
		c.Clock = NewMonotonicClock()
	}
	return c
}

// FrameSourceFactory creates a platform frame source.
type FrameSourceFactory func(config CaptureConfig) (FrameSource, error)

// sourceRegistry holds the platform frame source factory.
type sourceRegistry struct {
	name    string
	factory FrameSourceFactory
	mu      sync.RWMutex
}

var globalSourceRegistry = &sourceRegistry{}

// RegisterFrameSource registers the platform-specific frame source.
func RegisterFrameSource(name string, factory FrameSourceFactory) {
	globalSourceRegistry.mu.Lock()
	defer globalSourceRegistry.mu.Unlock()
	globalSourceRegistry.name = name
	globalSourceRegistry.factory = factory
}

// DefaultFrameSourceName returns the name of the registered frame source, or
// "" when the platform has none.
func DefaultFrameSourceName() string {
	globalSourceRegistry.mu.RLock()
	defer globalSourceRegistry.mu.RUnlock()
	return globalSourceRegistry.name
}

// NewDefaultFrameSource creates the registered platform frame source.
func NewDefaultFrameSource(config CaptureConfig) (FrameSource, error) {
	globalSourceRegistry.mu.RLock()
	factory := globalSourceRegistry.factory
	globalSourceRegistry.mu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("%w: no frame source registered", ErrResourceUnavailable)
	}
	return factory(config.withDefaults())
}

// ListCameras enumerates cameras on the default frame source.
func ListCameras(ctx context.Context) ([]CameraDescriptor, error) {
	source, err := NewDefaultFrameSource(CaptureConfig{})
	if err != nil {
		return nil, err
	}
	return source.Enumerate(ctx)
}
