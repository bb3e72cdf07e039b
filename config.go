package scan

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy holds the tunable timing and selection parameters of a session.
// The defaults come from field measurements on phones and desktop webcams.
type Policy struct {
	// PreviewInterval is the minimum time between preview updates.
	PreviewInterval time.Duration `yaml:"preview_interval"`

	// DecodeInterval is the minimum time between decode attempts, and
	// between two reports of the same payload.
	DecodeInterval time.Duration `yaml:"decode_interval"`

	// ProviderTimeout bounds the wait for the surface provider to be ready.
	ProviderTimeout time.Duration `yaml:"provider_timeout"`

	// AttachTimeout bounds the wait for the surface to attach after the
	// camera has been opened.
	AttachTimeout time.Duration `yaml:"attach_timeout"`

	// KeepPreviewWhilePaused keeps the surface binding and preview updates
	// alive while the session is paused.
	KeepPreviewWhilePaused bool `yaml:"keep_preview_while_paused"`

	// Facing restricts camera selection. "any" accepts every camera.
	Facing Facing `yaml:"facing"`

	// DeviceID selects a specific camera and overrides Facing.
	DeviceID string `yaml:"device_id"`

	// MaxConcurrentDecodes bounds decode attempts running at once.
	MaxConcurrentDecodes int `yaml:"max_concurrent_decodes"`

	// PreviewMaxWidth downscales preview frames wider than this. Zero keeps
	// the capture size.
	PreviewMaxWidth int `yaml:"preview_max_width"`

	// FeedStaleAfter is how long without frames before ValidateFeed fails.
	FeedStaleAfter time.Duration `yaml:"feed_stale_after"`

	// HealthInterval is the supervisor's CheckAndRecover period.
	HealthInterval time.Duration `yaml:"health_interval"`

	// MaxBackoff caps the supervisor's delay after failed recoveries.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// MaxFailures is the number of consecutive failed recoveries after
	// which the supervisor gives up. Zero retries forever.
	MaxFailures int `yaml:"max_failures"`

	// Requested capture format. Sources may clamp these.
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
	FPS    int `yaml:"fps"`
}

// DefaultPolicy returns the default policy.
func DefaultPolicy() Policy {
	return Policy{
		PreviewInterval:      100 * time.Millisecond,
		DecodeInterval:       500 * time.Millisecond,
		ProviderTimeout:      6 * time.Second,
		AttachTimeout:        5 * time.Second,
		Facing:               FacingUnknown,
		MaxConcurrentDecodes: 2,
		PreviewMaxWidth:      640,
		FeedStaleAfter:       2 * time.Second,
		HealthInterval:       3 * time.Second,
		MaxBackoff:           30 * time.Second,
		MaxFailures:          0,
		Width:                1280,
		Height:               720,
		FPS:                  30,
	}
}

// withDefaults fills zero-valued fields from DefaultPolicy.
func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.PreviewInterval == 0 {
		p.PreviewInterval = d.PreviewInterval
	}
	if p.DecodeInterval == 0 {
		p.DecodeInterval = d.DecodeInterval
	}
	if p.ProviderTimeout == 0 {
		p.ProviderTimeout = d.ProviderTimeout
	}
	if p.AttachTimeout == 0 {
		p.AttachTimeout = d.AttachTimeout
	}
	if p.MaxConcurrentDecodes == 0 {
		p.MaxConcurrentDecodes = d.MaxConcurrentDecodes
	}
	if p.FeedStaleAfter == 0 {
		p.FeedStaleAfter = d.FeedStaleAfter
	}
	if p.HealthInterval == 0 {
		p.HealthInterval = d.HealthInterval
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.Width == 0 {
		p.Width = d.Width
	}
	if p.Height == 0 {
		p.Height = d.Height
	}
	if p.FPS == 0 {
		p.FPS = d.FPS
	}
	return p
}

// Validate checks that p contains a coherent set of values. It returns a
// joined error listing every problem found.
func (p Policy) Validate() error {
	var errs []error
	if p.PreviewInterval < 0 {
		errs = append(errs, fmt.Errorf("preview_interval %s is negative", p.PreviewInterval))
	}
	if p.DecodeInterval < 0 {
		errs = append(errs, fmt.Errorf("decode_interval %s is negative", p.DecodeInterval))
	}
	if p.ProviderTimeout < 0 {
		errs = append(errs, fmt.Errorf("provider_timeout %s is negative", p.ProviderTimeout))
	}
	if p.AttachTimeout < 0 {
		errs = append(errs, fmt.Errorf("attach_timeout %s is negative", p.AttachTimeout))
	}
	if p.MaxConcurrentDecodes < 0 {
		errs = append(errs, fmt.Errorf("max_concurrent_decodes %d is negative", p.MaxConcurrentDecodes))
	}
	if p.PreviewMaxWidth < 0 {
		errs = append(errs, fmt.Errorf("preview_max_width %d is negative", p.PreviewMaxWidth))
	}
	if p.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("max_failures %d is negative", p.MaxFailures))
	}
	if p.Width < 0 || p.Height < 0 || p.FPS < 0 {
		errs = append(errs, fmt.Errorf("capture format %dx%d@%d has negative values", p.Width, p.Height, p.FPS))
	}
	if p.Width%2 != 0 || p.Height%2 != 0 {
		errs = append(errs, fmt.Errorf("capture format %dx%d must have even dimensions", p.Width, p.Height))
	}
	return errors.Join(errs...)
}

// CaptureConfig returns the capture format requested by p.
func (p Policy) CaptureConfig() CaptureConfig {
	return CaptureConfig{Width: p.Width, Height: p.Height, FPS: p.FPS}
}

// LoadPolicy reads a YAML policy file. Missing fields take default values.
func LoadPolicy(path string) (Policy, error) {
	f, err := os.Open(path)
	if err != nil {
		return Policy{}, fmt.Errorf("policy: open %q: %w", path, err)
	}
	defer f.Close()

	p, err := LoadPolicyFromReader(f)
	if err != nil {
		return Policy{}, fmt.Errorf("policy: parse %q: %w", path, err)
	}
	return p, nil
}

// LoadPolicyFromReader decodes a YAML policy from r and validates it.
func LoadPolicyFromReader(r io.Reader) (Policy, error) {
	p := DefaultPolicy()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Policy{}, fmt.Errorf("policy: decode yaml: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}
