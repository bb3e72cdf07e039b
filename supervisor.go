package scan

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Supervisor keeps a Session healthy. It periodically calls CheckAndRecover,
// retries failed recoveries with exponential backoff, and reports changes
// in the set of available cameras.
type Supervisor struct {
	session          *Session
	interval         time.Duration
	maxBackoff       time.Duration
	maxFailures      int
	onGiveUp         func(error)
	onCamerasChanged func([]CameraDescriptor)
	log              *zap.Logger

	mu       sync.Mutex
	cameras  []CameraDescriptor
	failures int
}

// SupervisorConfig configures a Supervisor. Zero durations and MaxFailures
// take the session policy values.
type SupervisorConfig struct {
	Session     *Session // Required
	Interval    time.Duration
	MaxBackoff  time.Duration
	MaxFailures int

	// OnGiveUp is called once when Run stops after MaxFailures consecutive
	// failed recoveries.
	OnGiveUp func(err error)

	// OnCamerasChanged is called with the new camera list whenever the set
	// of available cameras changes, including the first enumeration.
	OnCamerasChanged func(cams []CameraDescriptor)

	Logger *zap.Logger
}

// NewSupervisor creates a supervisor for config.Session.
func NewSupervisor(config SupervisorConfig) (*Supervisor, error) {
	if config.Session == nil {
		return nil, fmt.Errorf("session is required")
	}
	policy := config.Session.Policy()

	sv := &Supervisor{
		session:          config.Session,
		interval:         config.Interval,
		maxBackoff:       config.MaxBackoff,
		maxFailures:      config.MaxFailures,
		onGiveUp:         config.OnGiveUp,
		onCamerasChanged: config.OnCamerasChanged,
		log:              config.Logger,
	}
	if sv.interval <= 0 {
		sv.interval = policy.HealthInterval
	}
	if sv.maxBackoff <= 0 {
		sv.maxBackoff = policy.MaxBackoff
	}
	if sv.maxBackoff < sv.interval {
		sv.maxBackoff = sv.interval
	}
	if sv.maxFailures <= 0 {
		sv.maxFailures = policy.MaxFailures
	}
	if sv.log == nil {
		sv.log = zap.NewNop()
	}
	sv.log = sv.log.With(zap.String("session", config.Session.ID()))
	return sv, nil
}

// Run supervises the session until ctx is done, the session is disposed, or
// recovery is exhausted. It returns ctx.Err(), ErrSessionDisposed or an
// error wrapping ErrRecoveryExhausted.
//
// A session that was never started, or that the caller stopped, is left
// alone. A session whose recovery failed is restarted on later ticks until
// the caller stops it.
func (sv *Supervisor) Run(ctx context.Context) error {
	restarting := false
	var failedAt uint64 // session stop count when restarting began
	timer := time.NewTimer(sv.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		sv.refreshCameras(ctx)

		stops := sv.session.stops.Load()
		if restarting && stops != failedAt {
			sv.stoppedByCaller()
			restarting = false
		}

		var ok bool
		switch state := sv.session.State(); {
		case state == StateDisposed:
			return ErrSessionDisposed
		case restarting && state == StateUninitialized:
			err := sv.session.restart(ctx, failedAt)
			if errors.Is(err, errStoppedByCaller) {
				sv.stoppedByCaller()
				restarting = false
				timer.Reset(sv.interval)
				continue
			}
			ok = err == nil
			if err != nil {
				sv.log.Warn("restart failed", zap.Error(err))
			}
		case state == StateUninitialized:
			timer.Reset(sv.interval)
			continue
		default:
			ok = sv.session.CheckAndRecover(ctx)
		}

		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		if ok {
			if restarting {
				sv.log.Info("session restored")
			}
			restarting = false
			sv.setFailures(0)
			timer.Reset(sv.interval)
			continue
		}
		if sv.session.State() == StateDisposed {
			return ErrSessionDisposed
		}

		restarting = true
		failedAt = stops
		failures := sv.setFailures(sv.Failures() + 1)
		if sv.maxFailures > 0 && failures >= sv.maxFailures {
			err := fmt.Errorf("%w after %d attempts", ErrRecoveryExhausted, failures)
			sv.log.Error("giving up on session", zap.Int("failures", failures))
			if sv.onGiveUp != nil {
				sv.onGiveUp(err)
			}
			return err
		}

		delay := backoff(failures, sv.interval, sv.maxBackoff)
		sv.log.Warn("session recovery failed, retrying",
			zap.Int("attempt", failures),
			zap.Int("max_failures", sv.maxFailures),
			zap.Duration("delay", delay),
		)
		timer.Reset(delay)
	}
}

func (sv *Supervisor) stoppedByCaller() {
	sv.log.Info("session stopped by caller, not restarting")
	sv.setFailures(0)
}

// Failures returns the number of consecutive failed recoveries.
func (sv *Supervisor) Failures() int {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.failures
}

func (sv *Supervisor) setFailures(n int) int {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	sv.failures = n
	return n
}

// Cameras enumerates the available cameras and records them as the last
// known set.
func (sv *Supervisor) Cameras(ctx context.Context) ([]CameraDescriptor, error) {
	cams, err := sv.session.EnumerateCameras(ctx)
	if err != nil {
		return nil, err
	}
	sv.updateCameras(cams)
	return slices.Clone(cams), nil
}

func (sv *Supervisor) refreshCameras(ctx context.Context) {
	if sv.onCamerasChanged == nil {
		return
	}
	if _, err := sv.Cameras(ctx); err != nil {
		sv.log.Debug("camera enumeration failed", zap.Error(err))
	}
}

func (sv *Supervisor) updateCameras(cams []CameraDescriptor) {
	sv.mu.Lock()
	changed := sv.cameras == nil || !sameCameras(sv.cameras, cams)
	if changed {
		sv.cameras = slices.Clone(cams)
		if sv.cameras == nil {
			sv.cameras = []CameraDescriptor{}
		}
	}
	sv.mu.Unlock()

	if changed && sv.onCamerasChanged != nil {
		sv.log.Info("camera set changed", zap.Int("count", len(cams)))
		sv.onCamerasChanged(slices.Clone(cams))
	}
}

func sameCameras(a, b []CameraDescriptor) bool {
	if len(a) != len(b) {
		return false
	}
	ids := make(map[string]CameraDescriptor, len(a))
	for _, c := range a {
		ids[c.ID] = c
	}
	for _, c := range b {
		if prev, ok := ids[c.ID]; !ok || prev != c {
			return false
		}
	}
	return true
}

// backoff returns base * 2^(attempt-1), capped at limit.
func backoff(attempt int, base, limit time.Duration) time.Duration {
	if attempt < 1 {
		return base
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	return min(delay, limit)
}
