package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Pipeline turns captured frames into throttled preview updates and
// throttled decode attempts.
//
//	FrameSource -> HandleFrame -> Normalize -> preview sink (drop if busy)
//	                                        -> Decoder (bounded, fire and continue) -> OnPayload
//
// HandleFrame owns every frame it receives and releases it on all paths.
type Pipeline struct {
	decoder   Decoder
	onPayload func(DecodeResult)
	preview   func(*Frame) error
	policy    Policy
	clock     Clock
	pool      *FramePool
	log       *zap.Logger
	metrics   *Metrics

	// runMu is read-held by HandleFrame and write-held by Start/Stop so that
	// no worker is spawned while Stop waits for the group.
	runMu     sync.RWMutex
	accepting bool
	wg        sync.WaitGroup

	previewEnabled atomic.Bool
	decodeEnabled  atomic.Bool

	// throttleMu guards throttle.
	throttleMu sync.Mutex
	throttle   ThrottleState

	previewMu sync.Mutex // held while a preview is being presented
	decodeSem *semaphore.Weighted

	scalerMu sync.Mutex
	scaler   *Scaler
	scaleSrc [2]int

	// reportMu serializes payload delivery against SetDecodeEnabled(false).
	reportMu     sync.Mutex
	decodeGen    uint64
	lastPayload  string
	lastReportAt time.Duration

	camera      atomic.Value // string
	lastFrameAt atomic.Int64

	stats   PipelineStats
	statsMu sync.Mutex
}

// PipelineStats provides pipeline counters.
type PipelineStats struct {
	FramesReceived     uint64 // Frames handed to HandleFrame
	FramesIgnored      uint64 // Frames received while stopped
	NormalizeErrors    uint64 // Frames that could not be converted to Gray8
	PreviewsPresented  uint64 // Frames handed to the preview sink
	PreviewsDropped    uint64 // Previews skipped because the sink was busy or declined the frame
	PreviewErrors      uint64 // Preview sink failures
	DecodeAttempts     uint64 // Decoder invocations
	DecodesSkipped     uint64 // Due decodes skipped for lack of a slot
	DecodeMatches      uint64 // Decoder invocations that found a payload
	DecodeErrors       uint64 // Decoder failures other than ErrNoMatch, panics included
	PayloadsReported   uint64 // Results delivered to OnPayload
	PayloadsSuppressed uint64 // Repeats of the last payload within DecodeInterval
	ResultsDiscarded   uint64 // Results that completed after decode was disabled
}

// PipelineConfig configures a Pipeline.
type PipelineConfig struct {
	Decoder   Decoder            // Required
	OnPayload func(DecodeResult) // Required. Runs on a decode goroutine under the report lock; must not block or call back into the pipeline.
	Preview   func(*Frame) error // Required. Takes ownership of the frame. May return ErrPreviewSkipped.

	Policy  Policy      // Zero fields take DefaultPolicy values
	Clock   Clock       // Default NewMonotonicClock()
	Pool    *FramePool  // Default NewFramePool()
	Logger  *zap.Logger // Default zap.NewNop()
	Metrics *Metrics    // Default DefaultMetrics()
}

// NewPipeline creates a stopped pipeline with preview and decode enabled.
func NewPipeline(config PipelineConfig) (*Pipeline, error) {
	if config.Decoder == nil {
		return nil, fmt.Errorf("decoder is required")
	}
	if config.OnPayload == nil {
		return nil, fmt.Errorf("payload callback is required")
	}
	if config.Preview == nil {
		return nil, fmt.Errorf("preview sink is required")
	}

	policy := config.Policy.withDefaults()
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}

	p := &Pipeline{
		decoder:      config.Decoder,
		onPayload:    config.OnPayload,
		preview:      config.Preview,
		policy:       policy,
		clock:        config.Clock,
		pool:         config.Pool,
		log:          config.Logger,
		metrics:      config.Metrics,
		throttle:     NewThrottleState(),
		lastReportAt: Never,
		decodeSem:    semaphore.NewWeighted(int64(policy.MaxConcurrentDecodes)),
	}
	if p.clock == nil {
		p.clock = NewMonotonicClock()
	}
	if p.pool == nil {
		p.pool = NewFramePool()
	}
	if p.log == nil {
		p.log = zap.NewNop()
	}
	if p.metrics == nil {
		p.metrics = DefaultMetrics()
	}
	p.camera.Store("")
	p.lastFrameAt.Store(int64(Never))
	p.previewEnabled.Store(true)
	p.decodeEnabled.Store(true)

	return p, nil
}

// Start makes the pipeline accept frames and resets both throttles.
func (p *Pipeline) Start(cameraID string) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	p.camera.Store(cameraID)
	p.throttleMu.Lock()
	p.throttle = NewThrottleState()
	p.throttleMu.Unlock()
	p.lastFrameAt.Store(int64(Never))
	p.accepting = true
}

// Stop stops accepting frames, discards pending decode results and waits for
// in-flight preview and decode work to finish.
func (p *Pipeline) Stop() {
	p.runMu.Lock()
	p.accepting = false
	p.runMu.Unlock()

	p.invalidateDecodes()
	p.wg.Wait()
}

// SetDecodeEnabled turns decoding on or off. After SetDecodeEnabled(false)
// returns, no result from an earlier attempt is delivered.
func (p *Pipeline) SetDecodeEnabled(enabled bool) {
	p.decodeEnabled.Store(enabled)
	if !enabled {
		p.invalidateDecodes()
	}
}

// SetPreviewEnabled turns preview updates on or off.
func (p *Pipeline) SetPreviewEnabled(enabled bool) {
	p.previewEnabled.Store(enabled)
}

// DecodeEnabled reports whether decoding is on.
func (p *Pipeline) DecodeEnabled() bool { return p.decodeEnabled.Load() }

// PreviewEnabled reports whether previews are on.
func (p *Pipeline) PreviewEnabled() bool { return p.previewEnabled.Load() }

// Throttles returns a snapshot of the throttle state.
func (p *Pipeline) Throttles() ThrottleState {
	p.throttleMu.Lock()
	defer p.throttleMu.Unlock()
	return p.throttle
}

// LastFrameAt returns the capture clock reading of the last received frame,
// or Never.
func (p *Pipeline) LastFrameAt() time.Duration {
	return time.Duration(p.lastFrameAt.Load())
}

// Stats returns pipeline counters.
func (p *Pipeline) Stats() PipelineStats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

func (p *Pipeline) count(fn func(s *PipelineStats)) {
	p.statsMu.Lock()
	fn(&p.stats)
	p.statsMu.Unlock()
}

func (p *Pipeline) invalidateDecodes() {
	p.reportMu.Lock()
	p.decodeGen++
	p.lastPayload = ""
	p.lastReportAt = Never
	p.reportMu.Unlock()
}

// HandleFrame processes one captured frame. It is a FrameCallback.
func (p *Pipeline) HandleFrame(frame *Frame) {
	if frame == nil {
		return
	}

	p.runMu.RLock()
	defer p.runMu.RUnlock()

	if !p.accepting {
		frame.Release()
		p.count(func(s *PipelineStats) { s.FramesIgnored++ })
		return
	}

	now := p.clock.Now()
	p.lastFrameAt.Store(int64(now))
	p.metrics.FramesCaptured.Add(context.Background(), 1)
	p.count(func(s *PipelineStats) { s.FramesReceived++ })

	doPreview, doDecode := p.admit(now)
	if !doPreview && !doDecode {
		frame.Release()
		return
	}

	gray, err := Normalize(frame, p.pool)
	frame.Release()
	if err != nil {
		if doPreview {
			p.previewMu.Unlock()
		}
		if doDecode {
			p.decodeSem.Release(1)
		}
		p.count(func(s *PipelineStats) { s.NormalizeErrors++ })
		p.log.Debug("dropping frame", zap.Error(err))
		return
	}

	if doPreview {
		out := p.previewFrame(gray)
		p.wg.Add(1)
		go p.present(out)
	}

	if doDecode {
		p.reportMu.Lock()
		gen := p.decodeGen
		p.reportMu.Unlock()

		p.wg.Add(1)
		go p.decode(gray, gen, p.camera.Load().(string))
	} else {
		gray.Release()
	}
}

// admit evaluates both throttles at now. A due preview whose sink is busy,
// or a due decode with no free slot, is skipped without advancing its
// throttle. On return the caller holds previewMu if doPreview and one decode
// slot if doDecode.
func (p *Pipeline) admit(now time.Duration) (doPreview, doDecode bool) {
	p.throttleMu.Lock()
	defer p.throttleMu.Unlock()

	if p.previewEnabled.Load() {
		if fire, last := Throttle(now, p.throttle.LastPreview, p.policy.PreviewInterval); fire {
			if p.previewMu.TryLock() {
				p.throttle.LastPreview = last
				doPreview = true
			} else {
				p.count(func(s *PipelineStats) { s.PreviewsDropped++ })
				p.metrics.recordPreview("busy")
			}
		}
	}

	if p.decodeEnabled.Load() {
		if fire, last := Throttle(now, p.throttle.LastDecode, p.policy.DecodeInterval); fire {
			if p.decodeSem.TryAcquire(1) {
				p.throttle.LastDecode = last
				doDecode = true
			} else {
				p.count(func(s *PipelineStats) { s.DecodesSkipped++ })
				p.metrics.recordDecode("skipped", 0)
			}
		}
	}
	return doPreview, doDecode
}

// previewFrame returns an owned copy of gray sized for the preview.
func (p *Pipeline) previewFrame(gray *Frame) *Frame {
	w, h := PreviewSize(gray.Width, gray.Height, p.policy.PreviewMaxWidth)
	if w == gray.Width && h == gray.Height {
		return gray.Clone(p.pool)
	}

	p.scalerMu.Lock()
	defer p.scalerMu.Unlock()
	if p.scaler == nil || p.scaleSrc != [2]int{gray.Width, gray.Height} {
		p.scaler = NewScaler(w, h, ScaleModeStretch, p.pool)
		p.scaleSrc = [2]int{gray.Width, gray.Height}
	}
	return p.scaler.Scale(gray)
}

func (p *Pipeline) present(frame *Frame) {
	defer p.wg.Done()
	defer p.previewMu.Unlock()

	if !p.previewEnabled.Load() {
		frame.Release()
		return
	}
	err := p.preview(frame)
	if errors.Is(err, ErrPreviewSkipped) {
		p.count(func(s *PipelineStats) { s.PreviewsDropped++ })
		p.metrics.recordPreview("skipped")
		return
	}
	if err != nil {
		p.count(func(s *PipelineStats) { s.PreviewErrors++ })
		p.metrics.recordPreview("error")
		p.log.Debug("preview failed", zap.Error(err))
		return
	}
	p.count(func(s *PipelineStats) { s.PreviewsPresented++ })
	p.metrics.recordPreview("presented")
}

func (p *Pipeline) decode(gray *Frame, gen uint64, cameraID string) {
	defer p.wg.Done()
	defer p.decodeSem.Release(1)
	defer gray.Release()

	p.count(func(s *PipelineStats) { s.DecodeAttempts++ })
	start := time.Now()
	payload, err := p.safeDecode(gray)
	took := time.Since(start)

	switch {
	case errors.Is(err, ErrNoMatch):
		p.metrics.recordDecode("no_match", took)
		return
	case err != nil:
		p.count(func(s *PipelineStats) { s.DecodeErrors++ })
		p.metrics.recordDecode("error", took)
		p.log.Debug("decode failed", zap.Error(err))
		return
	}
	p.count(func(s *PipelineStats) { s.DecodeMatches++ })
	p.metrics.recordDecode("match", took)

	now := p.clock.Now()

	p.reportMu.Lock()
	defer p.reportMu.Unlock()

	if gen != p.decodeGen || !p.decodeEnabled.Load() {
		p.count(func(s *PipelineStats) { s.ResultsDiscarded++ })
		return
	}
	if payload == p.lastPayload {
		if fire, _ := Throttle(now, p.lastReportAt, p.policy.DecodeInterval); !fire {
			p.count(func(s *PipelineStats) { s.PayloadsSuppressed++ })
			p.metrics.recordDecode("duplicate", 0)
			return
		}
	}
	p.lastPayload = payload
	p.lastReportAt = now
	p.count(func(s *PipelineStats) { s.PayloadsReported++ })

	p.onPayload(DecodeResult{
		Payload:    payload,
		DetectedAt: now,
		CameraID:   cameraID,
	})
}

func (p *Pipeline) safeDecode(gray *Frame) (payload string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decoder panic: %v", r)
		}
	}()
	return p.decoder.Decode(gray)
}
