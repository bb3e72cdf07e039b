package scan

import (
	"context"
	"errors"
	"testing"
)

var testCameras = []CameraDescriptor{
	{ID: "usb-1", Label: "USB Webcam", Facing: FacingUnknown},
	{ID: "front-1", Label: "Front Camera", Facing: FacingFront},
	{ID: "back-1", Label: "Back Camera", Facing: FacingBack},
	{ID: "back-2", Label: "Back Wide Camera", Facing: FacingBack, IsDefault: true},
}

func TestSelectCamera(t *testing.T) {
	tests := []struct {
		name    string
		cams    []CameraDescriptor
		id      string
		facing  Facing
		want    string
		wantErr bool
	}{
		{"explicit id", testCameras, "front-1", FacingBack, "front-1", false},
		{"unknown id", testCameras, "nope", FacingUnknown, "", true},
		{"any prefers default", testCameras, "", FacingUnknown, "back-2", false},
		{"facing front", testCameras, "", FacingFront, "front-1", false},
		{"facing back prefers default", testCameras, "", FacingBack, "back-2", false},
		{"no default uses order", testCameras[:3], "", FacingUnknown, "usb-1", false},
		{"no matching facing", testCameras[:1], "", FacingFront, "", true},
		{"no cameras", nil, "", FacingUnknown, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectCamera(tt.cams, tt.id, tt.facing)
			if tt.wantErr {
				if !errors.Is(err, ErrResourceUnavailable) {
					t.Errorf("SelectCamera() error = %v, want ErrResourceUnavailable", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("SelectCamera() error = %v", err)
			}
			if got.ID != tt.want {
				t.Errorf("SelectCamera() = %q, want %q", got.ID, tt.want)
			}
		})
	}
}

func TestFacing_Text(t *testing.T) {
	tests := []struct {
		in      string
		want    Facing
		wantErr bool
	}{
		{"", FacingUnknown, false},
		{"any", FacingUnknown, false},
		{"front", FacingFront, false},
		{"User", FacingFront, false},
		{"back", FacingBack, false},
		{" rear ", FacingBack, false},
		{"environment", FacingBack, false},
		{"sideways", FacingUnknown, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var f Facing
			err := f.UnmarshalText([]byte(tt.in))
			if (err != nil) != tt.wantErr {
				t.Fatalf("UnmarshalText(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if f != tt.want {
				t.Errorf("UnmarshalText(%q) = %v, want %v", tt.in, f, tt.want)
			}
		})
	}

	for _, f := range []Facing{FacingUnknown, FacingFront, FacingBack} {
		text, err := f.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText() error = %v", err)
		}
		var back Facing
		if err := back.UnmarshalText(text); err != nil || back != f {
			t.Errorf("round trip %v -> %q -> %v (%v)", f, text, back, err)
		}
	}
}

func TestInferFacing(t *testing.T) {
	tests := []struct {
		label string
		want  Facing
	}{
		{"FaceTime HD Camera", FacingFront},
		{"Front Camera", FacingFront},
		{"Back Triple Camera", FacingBack},
		{"Rear Camera", FacingBack},
		{"Integrated Webcam", FacingUnknown},
	}

	for _, tt := range tests {
		if got := inferFacing(tt.label); got != tt.want {
			t.Errorf("inferFacing(%q) = %v, want %v", tt.label, got, tt.want)
		}
	}
}

func TestCaptureConfig_Defaults(t *testing.T) {
	c := CaptureConfig{}.withDefaults()
	if c.Width != 1280 || c.Height != 720 || c.FPS != 30 {
		t.Errorf("defaults = %dx%d@%d, want 1280x720@30", c.Width, c.Height, c.FPS)
	}
	if c.Pool == nil || c.Clock == nil {
		t.Error("defaults left Pool or Clock nil")
	}

	c = CaptureConfig{Width: 640, Height: 480, FPS: 15}.withDefaults()
	if c.Width != 640 || c.Height != 480 || c.FPS != 15 {
		t.Errorf("withDefaults overrode %dx%d@%d", c.Width, c.Height, c.FPS)
	}
}

// withRegistry swaps the global frame source registration for one test.
func withRegistry(t *testing.T, name string, factory FrameSourceFactory) {
	t.Helper()
	globalSourceRegistry.mu.Lock()
	prevName, prevFactory := globalSourceRegistry.name, globalSourceRegistry.factory
	globalSourceRegistry.mu.Unlock()
	t.Cleanup(func() { RegisterFrameSource(prevName, prevFactory) })

	RegisterFrameSource(name, factory)
}

func TestFrameSourceRegistry(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		withRegistry(t, "", nil)

		if got := DefaultFrameSourceName(); got != "" {
			t.Errorf("DefaultFrameSourceName() = %q, want empty", got)
		}
		if _, err := NewDefaultFrameSource(CaptureConfig{}); !errors.Is(err, ErrResourceUnavailable) {
			t.Errorf("NewDefaultFrameSource() error = %v, want ErrResourceUnavailable", err)
		}
		if _, err := ListCameras(context.Background()); !errors.Is(err, ErrResourceUnavailable) {
			t.Errorf("ListCameras() error = %v, want ErrResourceUnavailable", err)
		}
	})

	t.Run("registered", func(t *testing.T) {
		var got CaptureConfig
		withRegistry(t, "pattern", func(config CaptureConfig) (FrameSource, error) {
			got = config
			return NewTestPatternSource(TestPatternConfig{Width: config.Width, Height: config.Height}), nil
		})

		if name := DefaultFrameSourceName(); name != "pattern" {
			t.Errorf("DefaultFrameSourceName() = %q, want pattern", name)
		}
		cams, err := ListCameras(context.Background())
		if err != nil {
			t.Fatalf("ListCameras() error = %v", err)
		}
		if len(cams) != 2 {
			t.Errorf("ListCameras() returned %d cameras, want 2", len(cams))
		}
		if got.Width != 1280 || got.Height != 720 || got.Pool == nil {
			t.Errorf("factory got config %+v, want defaults applied", got)
		}
	})
}
