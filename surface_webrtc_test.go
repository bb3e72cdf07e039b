package scan

import (
	"bytes"
	"context"
	"image/jpeg"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// packetCollector is a webrtc.TrackLocalWriter that keeps copies of the
// packets written to it.
type packetCollector struct {
	mu      sync.Mutex
	packets []rtp.Packet
}

func (c *packetCollector) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packets = append(c.packets, rtp.Packet{
		Header:  *header,
		Payload: bytes.Clone(payload),
	})
	return len(payload), nil
}

func (c *packetCollector) Write(b []byte) (int, error) {
	var p rtp.Packet
	if err := p.Unmarshal(b); err != nil {
		return 0, err
	}
	return c.WriteRTP(&p.Header, p.Payload)
}

func (c *packetCollector) Packets() []rtp.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]rtp.Packet(nil), c.packets...)
}

// fakeTrackContext is the webrtc.TrackLocalContext a PeerConnection would
// hand to Bind.
type fakeTrackContext struct {
	id     string
	ssrc   webrtc.SSRC
	writer *packetCollector
}

func newFakeTrackContext(id string, ssrc webrtc.SSRC) *fakeTrackContext {
	return &fakeTrackContext{id: id, ssrc: ssrc, writer: &packetCollector{}}
}

func (f *fakeTrackContext) CodecParameters() []webrtc.RTPCodecParameters {
	return []webrtc.RTPCodecParameters{PreviewCodec(100)}
}

func (f *fakeTrackContext) HeaderExtensions() []webrtc.RTPHeaderExtensionParameter { return nil }
func (f *fakeTrackContext) SSRC() webrtc.SSRC                                      { return f.ssrc }
func (f *fakeTrackContext) SSRCRetransmission() webrtc.SSRC                        { return 0 }
func (f *fakeTrackContext) SSRCForwardErrorCorrection() webrtc.SSRC                { return 0 }
func (f *fakeTrackContext) WriteStream() webrtc.TrackLocalWriter                   { return f.writer }
func (f *fakeTrackContext) ID() string                                             { return f.id }

func (f *fakeTrackContext) RTCPReader() interceptor.RTCPReader {
	return interceptor.RTCPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		return 0, a, io.EOF
	})
}

func TestWebRTCSurface_Defaults(t *testing.T) {
	s, err := NewWebRTCSurface(WebRTCSurfaceConfig{})
	if err != nil {
		t.Fatalf("NewWebRTCSurface() error = %v", err)
	}
	if s.ID() == "" || s.StreamID() != "scan" {
		t.Errorf("ID/StreamID = %q/%q", s.ID(), s.StreamID())
	}
	if s.Kind() != webrtc.RTPCodecTypeVideo {
		t.Errorf("Kind() = %v, want video", s.Kind())
	}
	if err := s.WaitReady(context.Background()); err != nil {
		t.Errorf("WaitReady() = %v, want ready immediately", err)
	}
	if s.Attached() {
		t.Error("Attached() = true before any binding")
	}

	if _, err := NewWebRTCSurface(WebRTCSurfaceConfig{MTU: 10}); err == nil {
		t.Error("NewWebRTCSurface(MTU 10) error = nil")
	}
}

func TestWebRTCSurface_BindUnbind(t *testing.T) {
	s, err := NewWebRTCSurface(WebRTCSurfaceConfig{TrackID: "preview"})
	if err != nil {
		t.Fatalf("NewWebRTCSurface() error = %v", err)
	}

	a := newFakeTrackContext("peer-a", 1111)
	b := newFakeTrackContext("peer-b", 2222)

	codec, err := s.Bind(a)
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if codec.MimeType != MimeTypeJPEG || codec.PayloadType != 100 {
		t.Errorf("Bind() codec = %s/%d", codec.MimeType, codec.PayloadType)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.WaitAttached(ctx); err != nil {
		t.Fatalf("WaitAttached() = %v", err)
	}

	if _, err := s.Bind(b); err != nil {
		t.Fatalf("Bind(b) error = %v", err)
	}
	if err := s.Unbind(a); err != nil {
		t.Fatalf("Unbind(a) error = %v", err)
	}
	if !s.Attached() {
		t.Error("Attached() = false while peer b is still bound")
	}
	if err := s.Unbind(b); err != nil {
		t.Fatalf("Unbind(b) error = %v", err)
	}
	if s.Attached() {
		t.Error("Attached() = true after last Unbind")
	}
	if err := s.Unbind(b); err == nil {
		t.Error("second Unbind(b) error = nil")
	}
	if s.Attached() {
		t.Error("failed Unbind changed attachment")
	}
}

func TestWebRTCSurface_Present(t *testing.T) {
	s, err := NewWebRTCSurface(WebRTCSurfaceConfig{MTU: 200, Quality: 90})
	if err != nil {
		t.Fatalf("NewWebRTCSurface() error = %v", err)
	}
	peer := newFakeTrackContext("peer", 4242)
	if _, err := s.Bind(peer); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	pool := NewFramePool()
	frame := pool.NewPooledFrame(64, 48, 64, PixelFormatGray8, 0)
	for i := range frame.Planes[0] {
		frame.Planes[0][i] = byte(i)
	}

	if err := s.Present(frame); err != nil {
		t.Fatalf("Present() error = %v", err)
	}
	if !frame.Released() || pool.Outstanding() != 0 {
		t.Error("Present did not release the frame")
	}

	packets := peer.writer.Packets()
	if len(packets) < 2 {
		t.Fatalf("got %d packets, want the image split across several", len(packets))
	}
	payloads := make([][]byte, 0, len(packets))
	for i, p := range packets {
		if p.SSRC != 4242 || p.PayloadType != 100 {
			t.Errorf("packet %d SSRC/PT = %d/%d, want 4242/100", i, p.SSRC, p.PayloadType)
		}
		if last := i == len(packets)-1; p.Marker != last {
			t.Errorf("packet %d marker = %v, want %v", i, p.Marker, last)
		}
		if p.Timestamp != packets[0].Timestamp {
			t.Errorf("packet %d timestamp differs within a frame", i)
		}
		payloads = append(payloads, p.Payload)
	}

	// Reverse order still reassembles.
	for i, j := 0, len(payloads)-1; i < j; i, j = i+1, j-1 {
		payloads[i], payloads[j] = payloads[j], payloads[i]
	}
	data, err := ReassembleJPEG(payloads)
	if err != nil {
		t.Fatalf("ReassembleJPEG() error = %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("jpeg.Decode() error = %v", err)
	}
	if b := img.Bounds(); b.Dx() != 64 || b.Dy() != 48 {
		t.Errorf("decoded size = %dx%d, want 64x48", b.Dx(), b.Dy())
	}

	if s.Presented() != 1 || s.BytesSent() != uint64(len(data)) {
		t.Errorf("Presented/BytesSent = %d/%d, want 1/%d", s.Presented(), s.BytesSent(), len(data))
	}
}

func TestWebRTCSurface_PresentTimestamps(t *testing.T) {
	s, err := NewWebRTCSurface(WebRTCSurfaceConfig{})
	if err != nil {
		t.Fatalf("NewWebRTCSurface() error = %v", err)
	}
	peer := newFakeTrackContext("peer", 1)
	if _, err := s.Bind(peer); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	for _, at := range []time.Duration{0, 100 * time.Millisecond, 300 * time.Millisecond} {
		if err := s.Present(NewFrame([][]byte{make([]byte, 16*16)}, []int{16}, 16, 16, PixelFormatGray8, at, nil)); err != nil {
			t.Fatalf("Present() error = %v", err)
		}
	}

	var stamps []uint32
	for _, p := range peer.writer.Packets() {
		if p.Marker {
			stamps = append(stamps, p.Timestamp)
		}
	}
	if len(stamps) != 3 {
		t.Fatalf("got %d frames, want 3", len(stamps))
	}
	// 90 kHz clock: 100ms is 9000 ticks.
	if d := stamps[1] - stamps[0]; d != 9000 {
		t.Errorf("timestamp delta 0->1 = %d, want 9000", d)
	}
	if d := stamps[2] - stamps[1]; d != 18000 {
		t.Errorf("timestamp delta 1->2 = %d, want 18000", d)
	}
}

func TestWebRTCSurface_PresentRejectsFormat(t *testing.T) {
	s, err := NewWebRTCSurface(WebRTCSurfaceConfig{})
	if err != nil {
		t.Fatalf("NewWebRTCSurface() error = %v", err)
	}
	frame := NewFrame([][]byte{make([]byte, 12)}, []int{6}, 2, 2, PixelFormatRGB24, 0, nil)
	if err := s.Present(frame); err == nil {
		t.Error("Present(RGB24) error = nil")
	}
	if !frame.Released() {
		t.Error("rejected frame not released")
	}
}

func TestReassembleJPEG_Errors(t *testing.T) {
	if _, err := ReassembleJPEG([][]byte{{0, 0}}); err == nil {
		t.Error("short chunk error = nil")
	}

	chunks := jpegPayloader{}.Payload(8, []byte("0123456789"))
	if len(chunks) != 3 {
		t.Fatalf("Payload() produced %d chunks, want 3", len(chunks))
	}
	if _, err := ReassembleJPEG(chunks[:1:1]); err != nil {
		t.Errorf("first chunk alone error = %v", err)
	}
	if _, err := ReassembleJPEG([][]byte{chunks[0], chunks[2]}); err == nil {
		t.Error("missing middle chunk error = nil")
	}
	got, err := ReassembleJPEG(chunks)
	if err != nil || string(got) != "0123456789" {
		t.Errorf("ReassembleJPEG() = %q, %v", got, err)
	}
}

func TestReassembleJPEG_Coverage(t *testing.T) {
	chunk := func(off uint32, data ...byte) []byte {
		return append([]byte{byte(off >> 24), byte(off >> 16), byte(off >> 8), byte(off)}, data...)
	}

	tests := []struct {
		name    string
		chunks  [][]byte
		want    []byte
		wantErr bool
	}{
		{"duplicate hides gap", [][]byte{chunk(0, 1, 2), chunk(4, 5, 6), chunk(0, 1, 2)}, nil, true},
		{"missing start", [][]byte{chunk(2, 3, 4)}, nil, true},
		{"out of order", [][]byte{chunk(2, 3, 4), chunk(0, 1, 2)}, []byte{1, 2, 3, 4}, false},
		{"duplicate", [][]byte{chunk(0, 1, 2), chunk(2, 3), chunk(0, 1, 2)}, []byte{1, 2, 3}, false},
		{"overlap", [][]byte{chunk(0, 1, 2, 3), chunk(2, 3, 4)}, []byte{1, 2, 3, 4}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReassembleJPEG(tt.chunks)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ReassembleJPEG() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !bytes.Equal(got, tt.want) {
				t.Errorf("ReassembleJPEG() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWebRTCSurface_PresentRejectsLayout(t *testing.T) {
	s, err := NewWebRTCSurface(WebRTCSurfaceConfig{})
	if err != nil {
		t.Fatalf("NewWebRTCSurface() error = %v", err)
	}

	tests := []struct {
		name  string
		frame *Frame
	}{
		{"no strides", NewFrame([][]byte{make([]byte, 16)}, nil, 4, 4, PixelFormatGray8, 0, nil)},
		{"short plane", NewFrame([][]byte{make([]byte, 10)}, []int{4}, 4, 4, PixelFormatGray8, 0, nil)},
		{"stride below width", NewFrame([][]byte{make([]byte, 16)}, []int{2}, 4, 4, PixelFormatGray8, 0, nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Present(tt.frame); err == nil {
				t.Error("Present() error = nil")
			}
			if !tt.frame.Released() {
				t.Error("rejected frame not released")
			}
		})
	}
	if s.Presented() != 0 {
		t.Errorf("Presented() = %d, want 0", s.Presented())
	}
}
