package scan

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all scan metrics.
const meterName = "github.com/thesyncim/scan"

// Metrics holds the OpenTelemetry instruments used by sessions and
// pipelines. All fields are safe for concurrent use.
type Metrics struct {
	// FramesCaptured counts frames delivered by the frame source.
	FramesCaptured metric.Int64Counter

	// PreviewFrames counts preview outcomes. Attribute "outcome":
	// "presented", "busy", "skipped" or "error".
	PreviewFrames metric.Int64Counter

	// DecodeAttempts counts decode outcomes. Attribute "outcome":
	// "match", "no_match", "error", "skipped" or "duplicate".
	DecodeAttempts metric.Int64Counter

	// DecodeDuration tracks decoder latency.
	DecodeDuration metric.Float64Histogram

	// Transitions counts session state changes with "from" and "to".
	Transitions metric.Int64Counter

	// Recoveries counts CheckAndRecover restarts by "result".
	Recoveries metric.Int64Counter

	// OpenResources tracks open camera resources.
	OpenResources metric.Int64UpDownCounter

	// StartDuration tracks how long a successful or failed start takes.
	StartDuration metric.Float64Histogram
}

var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates the instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesCaptured, err = m.Int64Counter("scan.frames.captured",
		metric.WithDescription("Frames delivered by the camera."),
	); err != nil {
		return nil, err
	}
	if met.PreviewFrames, err = m.Int64Counter("scan.preview.frames",
		metric.WithDescription("Preview updates by outcome."),
	); err != nil {
		return nil, err
	}
	if met.DecodeAttempts, err = m.Int64Counter("scan.decode.attempts",
		metric.WithDescription("Decode attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.DecodeDuration, err = m.Float64Histogram("scan.decode.duration",
		metric.WithDescription("Latency of a single decode attempt."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Transitions, err = m.Int64Counter("scan.session.transitions",
		metric.WithDescription("Session state transitions."),
	); err != nil {
		return nil, err
	}
	if met.Recoveries, err = m.Int64Counter("scan.session.recoveries",
		metric.WithDescription("Session restarts triggered by health probes."),
	); err != nil {
		return nil, err
	}
	if met.OpenResources, err = m.Int64UpDownCounter("scan.camera.open",
		metric.WithDescription("Camera resources currently open."),
	); err != nil {
		return nil, err
	}
	if met.StartDuration, err = m.Float64Histogram("scan.session.start.duration",
		metric.WithDescription("Time to acquire the camera and bind the surface."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a package-level Metrics created from the global
// meter provider on first use.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("scan: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

func (m *Metrics) recordPreview(outcome string) {
	m.PreviewFrames.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) recordDecode(outcome string, d time.Duration) {
	ctx := context.Background()
	m.DecodeAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if d > 0 {
		m.DecodeDuration.Record(ctx, d.Seconds())
	}
}

func (m *Metrics) recordTransition(from, to SessionState) {
	m.Transitions.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("from", from.String()),
			attribute.String("to", to.String()),
		),
	)
}

func (m *Metrics) recordRecovery(result string) {
	m.Recoveries.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("result", result)))
}
