package scan

import (
	"bytes"
	"cmp"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// MimeTypeJPEG is the codec of preview tracks. Each RTP frame carries one
// JPEG image split into offset-prefixed chunks; the marker bit ends it.
const MimeTypeJPEG = "video/jpeg"

const (
	previewClockRate   = 90000
	jpegChunkHeaderLen = 4
	defaultPreviewMTU  = 1200
)

// WebRTCSurface is a preview Surface that streams frames to remote peers.
// It is a webrtc.TrackLocal: add it to a PeerConnection, and it counts as
// attached while at least one connection has it bound.
type WebRTCSurface struct {
	*webrtc.TrackLocalStaticRTP

	quality int
	ready   *signal
	attach  *signal

	mu      sync.Mutex
	bound   int
	firstTS time.Duration

	writeMu    sync.Mutex
	packetizer rtp.Packetizer

	presented atomic.Uint64
	bytesSent atomic.Uint64
}

// WebRTCSurfaceConfig configures a WebRTCSurface.
type WebRTCSurfaceConfig struct {
	TrackID  string // Default: "preview-" + uuid
	StreamID string // Default: "scan"
	Quality  int    // JPEG quality 1-100 (default: 70)
	MTU      uint16 // RTP packet size (default: 1200)
}

// NewWebRTCSurface creates a preview track. It is ready immediately and
// attached once a peer binds it.
func NewWebRTCSurface(config WebRTCSurfaceConfig) (*WebRTCSurface, error) {
	if config.TrackID == "" {
		config.TrackID = "preview-" + uuid.NewString()
	}
	if config.StreamID == "" {
		config.StreamID = "scan"
	}
	if config.Quality <= 0 || config.Quality > 100 {
		config.Quality = 70
	}
	if config.MTU == 0 {
		config.MTU = defaultPreviewMTU
	}
	if config.MTU <= 12+jpegChunkHeaderLen {
		return nil, fmt.Errorf("mtu %d too small", config.MTU)
	}

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: MimeTypeJPEG, ClockRate: previewClockRate},
		config.TrackID,
		config.StreamID,
	)
	if err != nil {
		return nil, fmt.Errorf("create preview track: %w", err)
	}

	s := &WebRTCSurface{
		TrackLocalStaticRTP: track,
		quality:             config.Quality,
		ready:               newSignal(),
		attach:              newSignal(),
		firstTS:             Never,
		packetizer: rtp.NewPacketizer(
			config.MTU,
			0, // payload type and SSRC are set per binding by the track
			0,
			jpegPayloader{},
			rtp.NewRandomSequencer(),
			previewClockRate,
		),
	}
	s.ready.Set()
	return s, nil
}

// PreviewCodec returns the codec to register with a webrtc.MediaEngine so
// peers can negotiate preview tracks.
func PreviewCodec(payloadType webrtc.PayloadType) webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: MimeTypeJPEG, ClockRate: previewClockRate},
		PayloadType:        payloadType,
	}
}

// Bind implements webrtc.TrackLocal.
func (s *WebRTCSurface) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	params, err := s.TrackLocalStaticRTP.Bind(ctx)
	if err != nil {
		return params, err
	}
	s.mu.Lock()
	s.bound++
	s.mu.Unlock()
	s.attach.Set()
	return params, nil
}

// Unbind implements webrtc.TrackLocal.
func (s *WebRTCSurface) Unbind(ctx webrtc.TrackLocalContext) error {
	if err := s.TrackLocalStaticRTP.Unbind(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.bound--
	if s.bound == 0 {
		s.attach.Clear()
	}
	s.mu.Unlock()
	return nil
}

// WaitReady implements Surface.
func (s *WebRTCSurface) WaitReady(ctx context.Context) error { return s.ready.Wait(ctx) }

// WaitAttached implements Surface.
func (s *WebRTCSurface) WaitAttached(ctx context.Context) error { return s.attach.Wait(ctx) }

// Attached implements Surface.
func (s *WebRTCSurface) Attached() bool { return s.attach.IsSet() }

// Present implements Surface. It encodes frame as JPEG and writes it to all
// bound peers.
func (s *WebRTCSurface) Present(frame *Frame) error {
	defer frame.Release()

	if frame.Format != PixelFormatGray8 || len(frame.Planes) == 0 {
		return fmt.Errorf("preview frame must be %s, got %s", PixelFormatGray8, frame.Format)
	}
	if len(frame.Strides) == 0 || frame.Strides[0] < frame.Width ||
		len(frame.Planes[0]) < frame.Strides[0]*(frame.Height-1)+frame.Width {
		return fmt.Errorf("preview frame %dx%d: plane layout does not fit", frame.Width, frame.Height)
	}
	img := &image.Gray{
		Pix:    frame.Planes[0],
		Stride: frame.Strides[0],
		Rect:   image.Rect(0, 0, frame.Width, frame.Height),
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: s.quality}); err != nil {
		return fmt.Errorf("encode preview: %w", err)
	}

	// RTP timestamps follow capture time from the first presented frame.
	s.mu.Lock()
	if s.firstTS == Never {
		s.firstTS = frame.CapturedAt
	}
	elapsed := max(frame.CapturedAt-s.firstTS, 0)
	s.mu.Unlock()
	offset := uint32(int64(elapsed/time.Microsecond) * previewClockRate / 1_000_000)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var errs []error
	for _, pkt := range s.packetizer.Packetize(buf.Bytes(), 0) {
		pkt.Timestamp += offset
		if err := s.WriteRTP(pkt); err != nil {
			errs = append(errs, err)
		}
	}
	s.presented.Add(1)
	s.bytesSent.Add(uint64(buf.Len()))
	return errors.Join(errs...)
}

// Presented returns the number of frames written.
func (s *WebRTCSurface) Presented() uint64 { return s.presented.Load() }

// BytesSent returns the total JPEG bytes written, before packetization.
func (s *WebRTCSurface) BytesSent() uint64 { return s.bytesSent.Load() }

// jpegPayloader splits an encoded image into chunks prefixed with their
// big-endian byte offset.
type jpegPayloader struct{}

// Payload implements rtp.Payloader.
func (jpegPayloader) Payload(mtu uint16, payload []byte) [][]byte {
	chunk := int(mtu) - jpegChunkHeaderLen
	if chunk <= 0 || len(payload) == 0 {
		return nil
	}

	out := make([][]byte, 0, (len(payload)+chunk-1)/chunk)
	for off := 0; off < len(payload); off += chunk {
		end := min(off+chunk, len(payload))
		p := make([]byte, jpegChunkHeaderLen+end-off)
		binary.BigEndian.PutUint32(p, uint32(off))
		copy(p[jpegChunkHeaderLen:], payload[off:end])
		out = append(out, p)
	}
	return out
}

// ReassembleJPEG joins the payloads of one preview frame, in any order, back
// into the encoded image. Chunks may repeat or overlap, but together they
// must cover every byte from offset zero.
func ReassembleJPEG(payloads [][]byte) ([]byte, error) {
	chunks := make([][]byte, 0, len(payloads))
	for _, p := range payloads {
		if len(p) < jpegChunkHeaderLen {
			return nil, fmt.Errorf("preview chunk too short: %d bytes", len(p))
		}
		chunks = append(chunks, p)
	}
	slices.SortFunc(chunks, func(a, b []byte) int {
		return cmp.Compare(binary.BigEndian.Uint32(a), binary.BigEndian.Uint32(b))
	})

	var covered int
	for _, c := range chunks {
		off := int(binary.BigEndian.Uint32(c))
		if off > covered {
			return nil, fmt.Errorf("preview frame incomplete: bytes %d to %d missing", covered, off)
		}
		covered = max(covered, off+len(c)-jpegChunkHeaderLen)
	}

	out := make([]byte, covered)
	for _, c := range chunks {
		copy(out[binary.BigEndian.Uint32(c):], c[jpegChunkHeaderLen:])
	}
	return out, nil
}
