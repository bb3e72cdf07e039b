// Package scan runs camera barcode-scanning sessions: it owns the camera
// lifecycle, feeds captured frames to a preview surface and a barcode
// decoder, and recovers from lost cameras.
//
// Key pieces include:
//   - Session: the state machine over one camera resource (Start, Stop,
//     Pause, Resume, SwitchCamera, CheckAndRecover, Dispose)
//   - Pipeline: per-frame normalization to Gray8, throttled preview and
//     decode, duplicate payload suppression
//   - FrameSource adapters: V4L2 (Linux), AVFoundation (macOS) and a
//     synthetic TestPatternSource
//   - Surfaces: MemorySurface and WebRTCSurface, which streams the preview
//     to peers as a JPEG-over-RTP track
//   - Supervisor: periodic health checks with backoff and camera change
//     notification
//
// # Architecture
//
//	FrameSource -> Pipeline.HandleFrame -> Normalize -> Gray8 frame
//	                                      |-> Preview throttle -> Surface.Present
//	                                      `-> Decode throttle  -> Decoder -> OnPayload
//
// At most one camera resource is open per session. Operations are
// serialized by the session lock; SwitchCamera fails fast with
// ErrOperationInProgress instead of queueing behind a start.
//
// # Native Libraries
//
// The platform sources load libstream_v4l2.so or
// libstream_avfoundation.dylib through purego. Set STREAM_SDK_LIB_PATH to
// the directory containing them. When no library is found
// NewDefaultFrameSource returns ErrResourceUnavailable and callers can fall
// back to TestPatternSource.
//
// # Build Tags
//
//   - nodevices: disable the platform frame sources
//
// # Configuration
//
// Timing and selection live in Policy, loadable from YAML with LoadPolicy.
// Metrics are recorded through the OpenTelemetry metric API; see NewMetrics.
package scan
