package scan

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// counterValue sums the data points of an int64 sum metric whose attributes
// include all of attrs.
func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	m := findMetric(collect(t, reader), name)
	if m == nil {
		return 0
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s data is %T, want Sum[int64]", name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		match := true
		for _, kv := range attrs {
			if v, ok := dp.Attributes.Value(kv.Key); !ok || v.Emit() != kv.Value.Emit() {
				match = false
				break
			}
		}
		if match {
			total += dp.Value
		}
	}
	return total
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestDefaultMetrics(t *testing.T) {
	if DefaultMetrics() == nil || DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics() is not a stable singleton")
	}
}

func TestMetrics_Recorders(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.recordPreview("presented")
	m.recordPreview("presented")
	m.recordPreview("busy")
	m.recordDecode("match", 3*time.Millisecond)
	m.recordDecode("skipped", 0)
	m.recordTransition(StateStarting, StateRunning)
	m.recordRecovery("recovered")

	tests := []struct {
		name  string
		attrs []attribute.KeyValue
		want  int64
	}{
		{"scan.preview.frames", []attribute.KeyValue{attribute.String("outcome", "presented")}, 2},
		{"scan.preview.frames", []attribute.KeyValue{attribute.String("outcome", "busy")}, 1},
		{"scan.decode.attempts", []attribute.KeyValue{attribute.String("outcome", "match")}, 1},
		{"scan.decode.attempts", []attribute.KeyValue{attribute.String("outcome", "skipped")}, 1},
		{"scan.session.transitions", []attribute.KeyValue{
			attribute.String("from", "starting"), attribute.String("to", "running"),
		}, 1},
		{"scan.session.recoveries", []attribute.KeyValue{attribute.String("result", "recovered")}, 1},
	}
	for _, tt := range tests {
		if got := counterValue(t, reader, tt.name, tt.attrs...); got != tt.want {
			t.Errorf("%s%v = %d, want %d", tt.name, tt.attrs, got, tt.want)
		}
	}

	// Skipped decodes carry no duration sample.
	h := findMetric(collect(t, reader), "scan.decode.duration")
	if h == nil {
		t.Fatal("scan.decode.duration not found")
	}
	hist, ok := h.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("scan.decode.duration data is %T", h.Data)
	}
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	if count != 1 {
		t.Errorf("decode duration samples = %d, want 1", count)
	}
}
