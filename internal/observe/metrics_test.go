package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
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

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
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

// sumFor returns the value of the int64 sum data point carrying key=value.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if key == "" {
			return dp.Value
		}
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, key, value)
	return 0
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"storyturn.turn.duration", m.TurnDuration},
		{"storyturn.turn.phase.duration", m.PhaseDuration},
		{"storyturn.inference.duration", m.InferenceDuration},
		{"storyturn.http.request.duration", m.HTTPRequestDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestRecordTurn(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTurn(ctx, "completed", 2*time.Second)
	m.RecordTurn(ctx, "completed", time.Second)
	m.RecordTurn(ctx, "rejected", 10*time.Millisecond)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "storyturn.turns", "outcome", "completed"); got != 2 {
		t.Errorf("completed = %d, want 2", got)
	}
	if got := sumFor(t, rm, "storyturn.turns", "outcome", "rejected"); got != 1 {
		t.Errorf("rejected = %d, want 1", got)
	}
}

func TestRecordPhase(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordPhase(ctx, "converting", 30*time.Millisecond)
	m.RecordPhase(ctx, "inferring", 3*time.Second)

	rm := collect(t, reader)
	met := findMetric(rm, "storyturn.turn.phase.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 2 {
		t.Errorf("data points = %d, want 2", len(hist.DataPoints))
	}
}

func TestRecordVADRejection(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordVADRejection(ctx, "amplitude")
	m.RecordVADRejection(ctx, "amplitude")
	m.RecordVADRejection(ctx, "ratio")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "storyturn.vad.rejections", "stage", "amplitude"); got != 2 {
		t.Errorf("amplitude = %d, want 2", got)
	}
}

func TestRecordInference(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordInference(ctx, "turn", "ok", time.Second)
	m.RecordInference(ctx, "turn", "error", time.Second)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "storyturn.inference.requests", "status", "error"); got != 1 {
		t.Errorf("errors = %d, want 1", got)
	}
}

func TestRecordBreakerTransition(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordBreakerTransition(context.Background(), "inference", "open")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "storyturn.circuit_breaker.transitions", "to", "open"); got != 1 {
		t.Errorf("open = %d, want 1", got)
	}
}

func TestRecordSessionsExpired(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSessionsExpired(ctx, 3)
	m.RecordSessionEnded(ctx, "COMPLETED")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "storyturn.sessions.expired", "", ""); got != 3 {
		t.Errorf("expired = %d, want 3", got)
	}
	if got := sumFor(t, rm, "storyturn.sessions.ended", "status", "FAILED"); got != 3 {
		t.Errorf("ended FAILED = %d, want 3", got)
	}
	if got := sumFor(t, rm, "storyturn.sessions.ended", "status", "COMPLETED"); got != 1 {
		t.Errorf("ended COMPLETED = %d, want 1", got)
	}
}

func TestRecordFeedbackJob(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFeedbackJob(ctx, "completed")
	m.RecordFeedbackJob(ctx, "skipped")
	m.RecordFeedbackJob(ctx, "skipped")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "storyturn.feedback.jobs", "outcome", "skipped"); got != 2 {
		t.Errorf("skipped = %d, want 2", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
