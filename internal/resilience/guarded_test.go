package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/livegate/internal/observe"
	"github.com/MrWong99/livegate/pkg/provider/live"
	"github.com/MrWong99/livegate/pkg/provider/live/mock"
)

func TestGuardedProvider_PassesThrough(t *testing.T) {
	t.Parallel()

	inner := &mock.Provider{}
	g := NewGuardedProvider("gemini-live", inner, CircuitBreakerConfig{MaxFailures: 2})

	conn, err := g.Connect(context.Background(), live.SessionConfig{Voice: "Puck"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if conn == nil {
		t.Fatal("nil conn")
	}
	if inner.CallCountConnect() != 1 {
		t.Errorf("inner Connect calls = %d, want 1", inner.CallCountConnect())
	}
	if inner.ConnectCalls[0].Cfg.Voice != "Puck" {
		t.Errorf("config not forwarded: %+v", inner.ConnectCalls[0].Cfg)
	}
	if g.Name() != "gemini-live" {
		t.Errorf("Name() = %q", g.Name())
	}
}

func TestGuardedProvider_OpensAndFailsFast(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	inner := &mock.Provider{ConnectErr: errors.New("handshake refused")}
	g := NewGuardedProvider("openai-realtime", inner,
		CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
		WithGuardMetrics(met),
	)

	for range 2 {
		if _, err := g.Connect(context.Background(), live.SessionConfig{}); err == nil {
			t.Fatal("expected connect error")
		}
	}
	if g.State() != StateOpen || !g.Open() {
		t.Fatalf("state = %v, want open", g.State())
	}

	_, err = g.Connect(context.Background(), live.SessionConfig{})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if inner.CallCountConnect() != 2 {
		t.Errorf("inner Connect calls = %d, want 2", inner.CallCountConnect())
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "livegate.provider.requests" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				v, _ := dp.Attributes.Value("status")
				counts[v.AsString()] = dp.Value
			}
		}
	}
	if counts["error"] != 2 || counts["rejected"] != 1 {
		t.Errorf("provider request counts = %v", counts)
	}
}
