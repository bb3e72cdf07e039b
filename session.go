package scan

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Session owns one camera resource and its binding to a preview surface,
// and drives a Pipeline with the frames it produces.
//
// Every state-changing operation takes the session lock for its whole
// duration, so at most one start, stop, pause, resume, switch or recovery
// runs at a time. Frame processing never takes the session lock.
type Session struct {
	id        string
	source    FrameSource
	surface   Surface
	policy    Policy
	clock     Clock
	log       *zap.Logger
	metrics   *Metrics
	pipeline  *Pipeline
	onPayload func(DecodeResult)

	lock *opLock // session lock

	// Payloads are handed to OnPayload on a dispatcher goroutine. Entries
	// stamped with an older payloadGen are discarded.
	payloads   chan pendingPayload
	payloadGen atomic.Uint64

	state atomic.Int32

	// res and selectedID are guarded by the session lock.
	res        Resource
	selectedID string

	camera atomic.Pointer[CameraDescriptor]
	bound  atomic.Bool // surface binding

	lifetime  context.Context
	cancel    context.CancelFunc
	disposing atomic.Bool
	disposed  chan struct{}

	opens      atomic.Uint64
	closes     atomic.Uint64
	recoveries atomic.Uint64
	stops      atomic.Uint64
	dropped    atomic.Uint64
}

type pendingPayload struct {
	result DecodeResult
	gen    uint64
}

const payloadQueueLen = 16

// SessionConfig configures a Session.
type SessionConfig struct {
	Source    FrameSource        // Required
	Decoder   Decoder            // Required
	Surface   Surface            // Required
	// OnPayload is required. It runs on a session goroutine, one call at a
	// time, and may call any session method, Dispose included. Payloads not
	// yet delivered when Stop, Pause, SwitchCamera, a recovery or Dispose
	// runs are discarded. A call already running is not waited for.
	OnPayload func(DecodeResult)

	Policy  Policy      // Zero fields take DefaultPolicy values
	Logger  *zap.Logger // Default zap.NewNop()
	Metrics *Metrics    // Default DefaultMetrics()
	Clock   Clock       // Default NewMonotonicClock()
	Pool    *FramePool  // Default NewFramePool()
}

// SessionStats provides session counters.
type SessionStats struct {
	State      SessionState
	Camera     CameraDescriptor
	Opens      uint64 // Successful FrameSource.Open calls
	Closes     uint64 // FrameSource.Close calls
	Recoveries uint64 // Restarts performed by CheckAndRecover
	Stops      uint64 // Stop calls that took the session lock
	Dropped    uint64 // Payloads dropped because the delivery queue was full
	Pipeline   PipelineStats
}

// NewSession creates a session in StateUninitialized.
func NewSession(config SessionConfig) (*Session, error) {
	if config.Source == nil {
		return nil, fmt.Errorf("frame source is required")
	}
	if config.Decoder == nil {
		return nil, fmt.Errorf("decoder is required")
	}
	if config.Surface == nil {
		return nil, fmt.Errorf("surface is required")
	}
	if config.OnPayload == nil {
		return nil, fmt.Errorf("payload callback is required")
	}

	policy := config.Policy.withDefaults()
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}

	s := &Session{
		id:         uuid.NewString(),
		source:     config.Source,
		surface:    config.Surface,
		policy:     policy,
		clock:      config.Clock,
		log:        config.Logger,
		metrics:    config.Metrics,
		onPayload:  config.OnPayload,
		lock:       newOpLock(),
		payloads:   make(chan pendingPayload, payloadQueueLen),
		selectedID: policy.DeviceID,
		disposed:   make(chan struct{}),
	}
	if s.clock == nil {
		s.clock = NewMonotonicClock()
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.metrics == nil {
		s.metrics = DefaultMetrics()
	}
	s.log = s.log.With(zap.String("session", s.id))
	s.camera.Store(&CameraDescriptor{})
	s.state.Store(int32(StateUninitialized))
	s.lifetime, s.cancel = context.WithCancel(context.Background())

	p, err := NewPipeline(PipelineConfig{
		Decoder:   config.Decoder,
		OnPayload: s.deliver,
		Preview:   s.present,
		Policy:    policy,
		Clock:     s.clock,
		Pool:      config.Pool,
		Logger:    s.log,
		Metrics:   s.metrics,
	})
	if err != nil {
		return nil, err
	}
	s.pipeline = p

	go s.dispatch()
	return s, nil
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Camera returns the camera in use, or the zero descriptor.
func (s *Session) Camera() CameraDescriptor {
	return *s.camera.Load()
}

// Bound reports whether the preview surface is bound to the camera.
func (s *Session) Bound() bool { return s.bound.Load() }

// Surface returns the preview surface the session writes into.
func (s *Session) Surface() Surface { return s.surface }

// Policy returns the effective policy.
func (s *Session) Policy() Policy { return s.policy }

// Stats returns session counters.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		State:      s.State(),
		Camera:     s.Camera(),
		Opens:      s.opens.Load(),
		Closes:     s.closes.Load(),
		Recoveries: s.recoveries.Load(),
		Stops:      s.stops.Load(),
		Dropped:    s.dropped.Load(),
		Pipeline:   s.pipeline.Stats(),
	}
}

// Start acquires the selected camera, binds it to the surface and starts
// scanning. It returns immediately if the session is already starting or
// running, and resumes a paused session.
//
// On failure the session is left in StateUninitialized with no resource
// open, and the error wraps ErrResourceUnavailable or
// ErrSurfaceBindingTimeout. The caller may retry.
func (s *Session) Start(ctx context.Context) error {
	return s.start(ctx, nil)
}

// errStoppedByCaller is returned by restart when Stop ran since the
// supervisor read the stop count.
var errStoppedByCaller = errors.New("session stopped by caller")

// restart is Start on behalf of the supervisor. It fails with
// errStoppedByCaller instead of starting if the stop count is no longer
// stops.
func (s *Session) restart(ctx context.Context, stops uint64) error {
	return s.start(ctx, &stops)
}

func (s *Session) start(ctx context.Context, stops *uint64) error {
	if s.disposing.Load() {
		return ErrSessionDisposed
	}
	switch s.State() {
	case StateStarting, StateRunning:
		return nil
	}

	ctx, release, err := s.acquire(ctx, "start")
	if err != nil {
		return err
	}
	defer release()

	if stops != nil && s.stops.Load() != *stops {
		return errStoppedByCaller
	}
	switch s.State() {
	case StateRunning:
		return nil
	case StatePaused:
		return s.resumeLocked(ctx)
	}
	return s.startLocked(ctx, "start")
}

// Stop releases the camera and clears the surface binding. When Stop
// returns, the frame source has confirmed teardown, no further frame
// callback runs and no queued payload is delivered. An OnPayload call
// already running is not waited for, so OnPayload may call Stop.
func (s *Session) Stop(ctx context.Context) error {
	_, release, err := s.acquire(ctx, "stop")
	if err != nil {
		return err
	}
	defer release()

	// Counted even when already stopped; the supervisor compares it.
	s.stops.Add(1)
	if s.State() == StateUninitialized {
		return nil
	}
	cam := s.Camera().ID
	err = s.teardownLocked()
	s.setState(StateUninitialized)
	s.log.Info("session stopped")
	if err != nil {
		return &OpError{Op: "stop", Camera: cam, Err: err}
	}
	return nil
}

// Pause stops decoding while keeping the camera open. The preview keeps
// running only when Policy.KeepPreviewWhilePaused is set. Pause is a no-op
// unless the session is running.
func (s *Session) Pause(ctx context.Context) error {
	_, release, err := s.acquire(ctx, "pause")
	if err != nil {
		return err
	}
	defer release()

	if s.State() != StateRunning {
		return nil
	}
	s.pipeline.SetDecodeEnabled(false)
	s.discardPayloads()
	if !s.policy.KeepPreviewWhilePaused {
		s.pipeline.SetPreviewEnabled(false)
		s.bound.Store(false)
	}
	s.setState(StatePaused)
	return nil
}

// Resume restarts decoding on a paused session. If the platform revoked the
// camera while paused, Resume performs a full start.
func (s *Session) Resume(ctx context.Context) error {
	ctx, release, err := s.acquire(ctx, "resume")
	if err != nil {
		return err
	}
	defer release()

	if s.State() != StatePaused {
		return nil
	}
	return s.resumeLocked(ctx)
}

func (s *Session) resumeLocked(ctx context.Context) error {
	if s.res != nil && s.res.Alive() {
		s.bound.Store(true)
		s.pipeline.SetPreviewEnabled(true)
		s.pipeline.SetDecodeEnabled(true)
		s.setState(StateRunning)
		return nil
	}

	s.log.Info("camera lost while paused, restarting")
	s.setState(StateStarting)
	if err := s.closeLocked(); err != nil {
		s.log.Warn("closing lost camera", zap.Error(err))
	}
	return s.startLocked(ctx, "resume")
}

// SwitchCamera closes the current camera and opens the camera with the given
// id. The old resource is fully closed before the new one is opened.
//
// It fails with ErrOperationInProgress while a start, switch or recovery is
// running. An unknown id fails with ErrResourceUnavailable and leaves the
// current camera untouched. On an uninitialized session it only records the
// selection for the next Start.
func (s *Session) SwitchCamera(ctx context.Context, id string) error {
	ctx, release, err := s.tryAcquire(ctx, "switch")
	if err != nil {
		return err
	}
	defer release()

	if s.State() == StateUninitialized {
		s.selectedID = id
		return nil
	}

	cams, err := s.source.Enumerate(ctx)
	if err != nil {
		return &OpError{Op: "switch", Camera: id, Err: s.contextError(ctx, fmt.Errorf("%w: enumerate: %w", ErrResourceUnavailable, err))}
	}
	if _, err := SelectCamera(cams, id, FacingUnknown); err != nil {
		return &OpError{Op: "switch", Camera: id, Err: err}
	}
	if id == s.Camera().ID && s.State() == StateRunning {
		return nil
	}

	prev := s.Camera().ID
	s.setState(StateStarting)
	if err := s.closeLocked(); err != nil {
		s.log.Warn("closing previous camera", zap.String("camera", prev), zap.Error(err))
	}
	s.selectedID = id
	s.log.Info("switching camera", zap.String("from", prev), zap.String("to", id))
	return s.startLocked(ctx, "switch")
}

// CheckAndRecover probes the session's health: an open and live resource, an
// attached surface, and a state consistent with both. On any mismatch it
// resets the session and starts it again, restoring a paused state.
//
// It returns true if the session is healthy or was recovered, and false if
// it is not started, is disposed, or the restart failed.
func (s *Session) CheckAndRecover(ctx context.Context) bool {
	ctx, release, err := s.acquire(ctx, "recover")
	if err != nil {
		return false
	}
	defer release()

	state := s.State()
	if state == StateUninitialized {
		return false
	}
	reason := s.unhealthyReason(state)
	if reason == "" {
		return true
	}

	s.log.Warn("session unhealthy, recovering", zap.String("reason", reason), zap.Stringer("state", state))
	s.setState(StateRecovering)
	if err := s.teardownLocked(); err != nil {
		s.log.Warn("closing unhealthy camera", zap.Error(err))
	}
	s.setState(StateUninitialized)

	if err := s.startLocked(ctx, "recover"); err != nil {
		s.metrics.recordRecovery("failed")
		return false
	}
	s.recoveries.Add(1)
	s.metrics.recordRecovery("recovered")

	if state == StatePaused {
		s.pipeline.SetDecodeEnabled(false)
		s.discardPayloads()
		if !s.policy.KeepPreviewWhilePaused {
			s.pipeline.SetPreviewEnabled(false)
			s.bound.Store(false)
		}
		s.setState(StatePaused)
	}
	return true
}

func (s *Session) unhealthyReason(state SessionState) string {
	switch {
	case !state.holdsResource():
		return "inconsistent state " + state.String()
	case s.res == nil:
		return "no camera resource"
	case !s.res.Alive():
		return "camera revoked"
	case s.bound.Load() && !s.surface.Attached():
		return "surface detached"
	case state == StateRunning && !s.bound.Load():
		return "surface unbound while running"
	}
	return ""
}

// EnumerateCameras lists the cameras of the session's frame source.
func (s *Session) EnumerateCameras(ctx context.Context) ([]CameraDescriptor, error) {
	if s.disposing.Load() {
		return nil, ErrSessionDisposed
	}
	return s.source.Enumerate(ctx)
}

// ValidateFeed reports whether frames are arriving: the session holds a
// camera and a frame was captured within Policy.FeedStaleAfter.
func (s *Session) ValidateFeed() bool {
	if !s.State().holdsResource() {
		return false
	}
	last := s.pipeline.LastFrameAt()
	if last == Never {
		return false
	}
	return s.clock.Now()-last <= s.policy.FeedStaleAfter
}

// Dispose releases everything the session holds and moves it to
// StateDisposed. An operation in flight is cancelled and returns
// ErrSessionDisposed. Dispose is idempotent; concurrent and later calls
// wait for the first to finish and return nil.
func (s *Session) Dispose() error {
	if !s.disposing.CompareAndSwap(false, true) {
		<-s.disposed
		return nil
	}
	defer close(s.disposed)

	s.cancel()
	if err := s.lock.lock(context.Background(), "dispose", nil); err != nil {
		return err
	}
	defer s.lock.unlock()

	err := s.teardownLocked()
	s.setState(StateDisposed)
	s.log.Info("session disposed")
	return err
}

// Close implements io.Closer.
func (s *Session) Close() error {
	return s.Dispose()
}

// acquire takes the session lock. The returned context is cancelled when
// ctx is done or the session is disposed. release must be called exactly
// once.
func (s *Session) acquire(ctx context.Context, op string) (context.Context, func(), error) {
	return s.lockFor(ctx, op, nil)
}

// tryAcquire is acquire that fails with ErrOperationInProgress instead of
// waiting for a start, switch or recovery.
func (s *Session) tryAcquire(ctx context.Context, op string) (context.Context, func(), error) {
	return s.lockFor(ctx, op, startingOp)
}

func startingOp(holder string) bool {
	switch holder {
	case "start", "switch", "resume", "recover":
		return true
	}
	return false
}

func (s *Session) lockFor(ctx context.Context, op string, busy func(string) bool) (context.Context, func(), error) {
	if s.disposing.Load() {
		return nil, nil, ErrSessionDisposed
	}
	waitCtx, stopWait := context.WithCancel(ctx)
	unhook := context.AfterFunc(s.lifetime, stopWait)
	err := s.lock.lock(waitCtx, op, busy)
	unhook()
	stopWait()
	if err != nil {
		if errors.Is(err, ErrOperationInProgress) {
			return nil, nil, err
		}
		if s.lifetime.Err() != nil {
			return nil, nil, ErrSessionDisposed
		}
		return nil, nil, ctx.Err()
	}
	if s.disposing.Load() {
		s.lock.unlock()
		return nil, nil, ErrSessionDisposed
	}

	opCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.lifetime, cancel)
	return opCtx, func() {
		stop()
		cancel()
		s.lock.unlock()
	}, nil
}

// contextError maps an error caused by a cancelled operation context.
func (s *Session) contextError(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	if s.lifetime.Err() != nil {
		return ErrSessionDisposed
	}
	return ctx.Err()
}

func (s *Session) setState(to SessionState) {
	from := s.State()
	if from == to {
		return
	}
	if !canTransition(from, to) {
		s.log.DPanic("invalid session transition", zap.Error(transitionError{from: from, to: to}))
		return
	}
	s.state.Store(int32(to))
	s.metrics.recordTransition(from, to)
	s.log.Debug("session transition", zap.Stringer("from", from), zap.Stringer("to", to))
}

// startLocked moves the session through Starting to Running. On failure it
// leaves the session Uninitialized with nothing open.
func (s *Session) startLocked(ctx context.Context, op string) error {
	s.setState(StateStarting)
	begin := time.Now()

	cam, err := s.openLocked(ctx)
	s.metrics.StartDuration.Record(context.Background(), time.Since(begin).Seconds())
	if err != nil {
		s.bound.Store(false)
		s.setState(StateUninitialized)
		err = s.contextError(ctx, err)
		s.log.Warn("camera start failed", zap.String("op", op), zap.String("camera", cam.ID), zap.Error(err))
		return &OpError{Op: op, Camera: cam.ID, Err: err}
	}

	s.setState(StateRunning)
	s.log.Info("camera started", zap.String("op", op), zap.String("camera", cam.ID),
		zap.String("label", cam.Label), zap.Stringer("facing", cam.Facing),
		zap.Duration("took", time.Since(begin)))
	return nil
}

// openLocked selects a camera, waits for the surface provider, opens the
// camera and waits for the surface to attach. Each wait is bounded by its
// policy timeout.
func (s *Session) openLocked(ctx context.Context) (CameraDescriptor, error) {
	cams, err := s.source.Enumerate(ctx)
	if err != nil {
		return CameraDescriptor{}, fmt.Errorf("%w: enumerate: %w", ErrResourceUnavailable, err)
	}
	cam, err := SelectCamera(cams, s.selectedID, s.policy.Facing)
	if err != nil {
		return CameraDescriptor{ID: s.selectedID}, err
	}

	s.bound.Store(true)
	if err := s.waitSurface(ctx, s.surface.WaitReady, s.policy.ProviderTimeout); err != nil {
		return cam, fmt.Errorf("surface provider: %w", err)
	}

	s.pipeline.SetPreviewEnabled(true)
	s.pipeline.SetDecodeEnabled(true)
	s.pipeline.Start(cam.ID)

	res, err := s.source.Open(ctx, cam, s.surface, s.pipeline.HandleFrame)
	if err != nil {
		if res != nil {
			if cerr := s.source.Close(res); cerr != nil {
				s.log.Debug("closing partially opened camera", zap.Error(cerr))
			}
			s.closes.Add(1)
		}
		s.pipeline.Stop()
		if !errors.Is(err, ErrResourceUnavailable) {
			err = fmt.Errorf("%w: %w", ErrResourceUnavailable, err)
		}
		return cam, err
	}
	s.res = res
	s.opens.Add(1)
	s.metrics.OpenResources.Add(context.Background(), 1)
	s.camera.Store(&cam)

	if err := s.waitSurface(ctx, s.surface.WaitAttached, s.policy.AttachTimeout); err != nil {
		if cerr := s.closeLocked(); cerr != nil {
			s.log.Debug("closing camera after attach failure", zap.Error(cerr))
		}
		return cam, fmt.Errorf("surface attach: %w", err)
	}
	return cam, nil
}

func (s *Session) waitSurface(ctx context.Context, wait func(context.Context) error, timeout time.Duration) error {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := wait(wctx); err != nil {
		if ctx.Err() != nil {
			return err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrSurfaceBindingTimeout, timeout)
		}
		return err
	}
	return nil
}

// closeLocked closes the open resource, if any, and waits for in-flight
// pipeline work. No frame or payload callback runs after it returns.
func (s *Session) closeLocked() error {
	var err error
	if res := s.res; res != nil {
		s.res = nil
		err = s.source.Close(res)
		s.closes.Add(1)
		s.metrics.OpenResources.Add(context.Background(), -1)
	}
	s.pipeline.Stop()
	s.discardPayloads()
	s.camera.Store(&CameraDescriptor{})
	return err
}

// teardownLocked closes the resource and clears the surface binding.
func (s *Session) teardownLocked() error {
	err := s.closeLocked()
	s.bound.Store(false)
	return err
}

// present is the pipeline's preview sink.
func (s *Session) present(frame *Frame) error {
	if !s.bound.Load() {
		frame.Release()
		return ErrPreviewSkipped
	}
	return s.surface.Present(frame)
}

// deliver is the pipeline's payload sink. It runs on a decode goroutine with
// the pipeline's report lock held and never blocks.
func (s *Session) deliver(result DecodeResult) {
	select {
	case s.payloads <- pendingPayload{result: result, gen: s.payloadGen.Load()}:
	default:
		s.dropped.Add(1)
		s.log.Warn("payload queue full, dropping payload", zap.String("camera", result.CameraID))
	}
}

// discardPayloads drops every payload queued so far. It does not wait for a
// callback that is already running.
func (s *Session) discardPayloads() {
	s.payloadGen.Add(1)
}

// dispatch runs OnPayload for queued payloads until the session is disposed.
func (s *Session) dispatch() {
	for {
		select {
		case <-s.lifetime.Done():
			return
		case p := <-s.payloads:
			if p.gen != s.payloadGen.Load() || s.disposing.Load() {
				continue
			}
			s.log.Debug("payload detected", zap.String("camera", p.result.CameraID), zap.Int("len", len(p.result.Payload)))
			s.onPayload(p.result)
		}
	}
}
