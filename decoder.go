package scan

import "time"

// Decoder extracts a barcode payload from a normalized Gray8 frame.
//
// The frame is borrowed for the duration of the call and must not be
// retained or released. A frame without a barcode yields ErrNoMatch.
type Decoder interface {
	Decode(frame *Frame) (string, error)
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc func(frame *Frame) (string, error)

// Decode implements Decoder.
func (f DecoderFunc) Decode(frame *Frame) (string, error) {
	return f(frame)
}

// DecodeResult is a successful decode.
type DecodeResult struct {
	Payload    string        // Decoded text
	DetectedAt time.Duration // Monotonic time the decode completed
	CameraID   string        // Camera the frame came from
}
