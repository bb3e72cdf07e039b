package scan

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Surface is a display target for preview frames. The caller places it in
// its UI tree; a Session only writes frames into it.
type Surface interface {
	// ID identifies the surface in logs.
	ID() string

	// WaitReady blocks until the surface provider can accept a camera
	// binding, or ctx is done.
	WaitReady(ctx context.Context) error

	// WaitAttached blocks until the surface is attached to its host, or ctx
	// is done.
	WaitAttached(ctx context.Context) error

	// Attached reports whether the surface is currently attached.
	Attached() bool

	// Present displays a Gray8 preview frame. It takes ownership of frame
	// and must release it.
	Present(frame *Frame) error
}

// signal is a resettable broadcast flag.
type signal struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

func (s *signal) Set() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		s.set = true
		close(s.ch)
	}
}

func (s *signal) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set {
		s.set = false
		s.ch = make(chan struct{})
	}
}

func (s *signal) IsSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

func (s *signal) Wait(ctx context.Context) error {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MemorySurface is an in-process Surface. The UI host calls MarkReady once
// its view exists and Attach/Detach as the view enters and leaves the
// hierarchy. The latest presented frame is kept for rendering.
type MemorySurface struct {
	id       string
	ready    *signal
	attached *signal

	presented atomic.Uint64
	onPresent func(*Frame)

	mu     sync.Mutex
	latest *Frame
}

// NewMemorySurface creates a surface that is neither ready nor attached.
func NewMemorySurface() *MemorySurface {
	return &MemorySurface{
		id:       "surface-" + uuid.NewString(),
		ready:    newSignal(),
		attached: newSignal(),
	}
}

// ID implements Surface.
func (s *MemorySurface) ID() string { return s.id }

// MarkReady signals that the surface provider is ready.
func (s *MemorySurface) MarkReady() { s.ready.Set() }

// Attach marks the surface as attached. It implies readiness.
func (s *MemorySurface) Attach() {
	s.ready.Set()
	s.attached.Set()
}

// Detach marks the surface as detached from its host.
func (s *MemorySurface) Detach() { s.attached.Clear() }

// WaitReady implements Surface.
func (s *MemorySurface) WaitReady(ctx context.Context) error { return s.ready.Wait(ctx) }

// WaitAttached implements Surface.
func (s *MemorySurface) WaitAttached(ctx context.Context) error { return s.attached.Wait(ctx) }

// Attached implements Surface.
func (s *MemorySurface) Attached() bool { return s.attached.IsSet() }

// OnPresent sets a hook invoked with each presented frame before it is
// stored. The frame must not be retained by the hook. Set it before use.
func (s *MemorySurface) OnPresent(fn func(*Frame)) { s.onPresent = fn }

// Present implements Surface. The previous frame is released.
func (s *MemorySurface) Present(frame *Frame) error {
	s.presented.Add(1)
	if s.onPresent != nil {
		s.onPresent(frame)
	}

	s.mu.Lock()
	prev := s.latest
	s.latest = frame
	s.mu.Unlock()

	prev.Release()
	return nil
}

// Latest returns a copy of the most recent frame, or nil.
func (s *MemorySurface) Latest() *Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return nil
	}
	return s.latest.Clone(nil)
}

// Presented returns the number of frames presented so far.
func (s *MemorySurface) Presented() uint64 { return s.presented.Load() }

// Clear releases the stored frame.
func (s *MemorySurface) Clear() {
	s.mu.Lock()
	prev := s.latest
	s.latest = nil
	s.mu.Unlock()
	prev.Release()
}
