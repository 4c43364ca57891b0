package observe

import (
	"context"
	"testing"

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
		if v, ok := dp.Attributes.Value(Attr(key, "").Key); ok && v.AsString() == value {
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
		{"livegate.connect.duration", m.ConnectDuration},
		{"livegate.session.duration", m.SessionDuration},
		{"livegate.http.request.duration", m.HTTPRequestDuration},
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

func TestSessionCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSessionStart(ctx, "ok")
	m.RecordSessionStart(ctx, "ok")
	m.RecordSessionStart(ctx, "permission_denied")
	m.RecordSessionFault(ctx, "stream_fault")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "livegate.session.starts", "status", "ok"); got != 2 {
		t.Errorf("starts{ok} = %d, want 2", got)
	}
	if got := sumFor(t, rm, "livegate.session.starts", "status", "permission_denied"); got != 1 {
		t.Errorf("starts{permission_denied} = %d, want 1", got)
	}
	if got := sumFor(t, rm, "livegate.session.faults", "kind", "stream_fault"); got != 1 {
		t.Errorf("faults{stream_fault} = %d, want 1", got)
	}
}

func TestDropCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDrop(ctx, "transcript")
	m.RecordDrop(ctx, "transcript")
	m.RecordDrop(ctx, "playback")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "livegate.fanout.drops", "consumer", "transcript"); got != 2 {
		t.Errorf("drops{transcript} = %d, want 2", got)
	}
}

func TestActionCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordActionProposed(ctx, "live_voice")
	m.RecordActionProposed(ctx, "text_chat")
	m.RecordActionResolved(ctx, "approved")
	m.ActionConflicts.Add(ctx, 1)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "livegate.actions.proposed", "origin", "live_voice"); got != 1 {
		t.Errorf("proposed{live_voice} = %d, want 1", got)
	}
	if got := sumFor(t, rm, "livegate.actions.resolved", "status", "approved"); got != 1 {
		t.Errorf("resolved{approved} = %d, want 1", got)
	}
	if got := sumFor(t, rm, "livegate.pending_actions", "", ""); got != 1 {
		t.Errorf("pending_actions = %d, want 1", got)
	}
	if got := sumFor(t, rm, "livegate.actions.conflicts", "", ""); got != 1 {
		t.Errorf("conflicts = %d, want 1", got)
	}
}

func TestProviderRequests(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "gemini", "ok")
	m.RecordProviderRequest(ctx, "gemini", "error")
	m.RecordProviderRequest(ctx, "gemini", "error")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "livegate.provider.requests", "status", "error"); got != 2 {
		t.Errorf("requests{error} = %d, want 2", got)
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}
