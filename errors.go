package scan

import (
	"errors"
	"fmt"
)

var (
	// ErrResourceUnavailable is returned when no camera matches the selection
	// criteria, or the matching camera is absent, busy or not permitted.
	ErrResourceUnavailable = errors.New("camera resource unavailable")

	// ErrSurfaceBindingTimeout is returned when the preview surface did not
	// become ready or attached within the policy timeouts.
	ErrSurfaceBindingTimeout = errors.New("surface binding timed out")

	// ErrSessionDisposed is returned by every operation after Dispose.
	ErrSessionDisposed = errors.New("session disposed")

	// ErrOperationInProgress is returned when SwitchCamera is called while a
	// start, switch or recovery is still running.
	ErrOperationInProgress = errors.New("operation in progress")

	// ErrNoMatch is returned by a Decoder when a frame holds no barcode. It is
	// a normal outcome, not a failure.
	ErrNoMatch = errors.New("no barcode in frame")

	// ErrPreviewSkipped is returned by a preview sink that declined a frame,
	// for example because no surface is bound. The pipeline counts it as a
	// dropped preview rather than an error.
	ErrPreviewSkipped = errors.New("preview skipped")

	// ErrRecoveryExhausted is returned by Supervisor.Run after too many
	// consecutive failed recoveries.
	ErrRecoveryExhausted = errors.New("session recovery exhausted")
)

// OpError describes a failed session operation.
type OpError struct {
	Op     string // "start", "switch", "resume", "recover"
	Camera string // Camera ID involved, if any
	Err    error
}

func (e *OpError) Error() string {
	if e.Camera != "" {
		return fmt.Sprintf("scan: %s camera %q: %v", e.Op, e.Camera, e.Err)
	}
	return fmt.Sprintf("scan: %s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}
