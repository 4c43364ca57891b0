package action

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/livegate/internal/fault"
	"github.com/MrWong99/livegate/internal/observe"
)

func newTestMediator(t *testing.T) (*Mediator, *MemStore, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	store := NewMemStore()
	return NewMediator(store, WithMetrics(met)), store, reader
}

func counter(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestMediator_ToolCallUnderReview(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _, reader := newTestMediator(t)

	id, err := m.Propose(ctx, Proposal{
		FunctionName: "createRiskSignal",
		Args:         map[string]any{"client": "ACME", "severity": 3.0},
		Origin:       OriginLiveVoice,
		ContextScope: "client-acme",
		SessionID:    "sess-1",
		ToolCallID:   "call-7",
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}

	a, err := m.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a.Status != StatusPending {
		t.Fatalf("Status = %s, want pending", a.Status)
	}
	if a.Origin != OriginLiveVoice || a.ToolCallID != "call-7" || a.SessionID != "sess-1" {
		t.Errorf("action = %+v", a)
	}

	a, err = m.Approve(ctx, id, "reviewer-1")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if a.Status != StatusApproved || a.ResolvedBy != "reviewer-1" || a.ResolvedAt.IsZero() {
		t.Errorf("approved action = %+v", a)
	}

	for _, resolve := range []func(context.Context, string, string) (PendingAction, error){m.Approve, m.Reject} {
		_, err := resolve(ctx, id, "reviewer-2")
		if !errors.Is(err, fault.ActionResolutionConflict) {
			t.Errorf("second resolution err = %v, want ActionResolutionConflict", err)
		}
		if !errors.Is(err, ErrConflict) {
			t.Errorf("second resolution err = %v, want wrapped ErrConflict", err)
		}
	}

	a, _ = m.Get(ctx, id)
	if a.Status != StatusApproved || a.ResolvedBy != "reviewer-1" {
		t.Errorf("record changed by conflicting resolution: %+v", a)
	}
	if got := counter(t, reader, "livegate.actions.conflicts"); got != 2 {
		t.Errorf("conflicts = %d, want 2", got)
	}
	if got := counter(t, reader, "livegate.actions.resolved"); got != 1 {
		t.Errorf("resolved = %d, want 1", got)
	}
}

func TestMediator_ConcurrentResolution(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _, _ := newTestMediator(t)

	id, err := m.Propose(ctx, Proposal{FunctionName: "wire_funds", Origin: OriginTextChat})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}

	const n = 50
	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resolve := m.Approve
			if i%2 == 1 {
				resolve = m.Reject
			}
			_, err := resolve(ctx, id, "r")
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, fault.ActionResolutionConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("successful resolutions = %d, want 1", wins.Load())
	}
	if conflicts.Load() != n-1 {
		t.Errorf("conflicts = %d, want %d", conflicts.Load(), n-1)
	}
}

func TestMediator_ProposeValidation(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestMediator(t)

	tests := []struct {
		name string
		p    Proposal
	}{
		{"no function", Proposal{Origin: OriginTextChat}},
		{"bad origin", Proposal{FunctionName: "f", Origin: "email"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Propose(context.Background(), tt.p); !errors.Is(err, ErrInvalidProposal) {
				t.Errorf("err = %v, want ErrInvalidProposal", err)
			}
		})
	}
}

func TestMediator_ProposeCopiesArgs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _, _ := newTestMediator(t)

	args := map[string]any{"k": "v"}
	id, _ := m.Propose(ctx, Proposal{FunctionName: "f", Args: args, Origin: OriginTextChat})
	args["k"] = "changed"

	a, _ := m.Get(ctx, id)
	if a.Args["k"] != "v" {
		t.Errorf("args aliased with caller: %v", a.Args)
	}

	id, _ = m.Propose(ctx, Proposal{FunctionName: "g", Origin: OriginTextChat})
	a, _ = m.Get(ctx, id)
	if a.Args == nil {
		t.Error("nil args not normalised to empty object")
	}
}

func TestMediator_ResolveNotFound(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestMediator(t)
	_, err := m.Approve(context.Background(), "nope", "r")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if errors.Is(err, fault.ActionResolutionConflict) {
		t.Error("not-found classified as conflict")
	}
}

func TestMediator_SubscribeSnapshotThenChanges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _, _ := newTestMediator(t)

	scoped, _ := m.Propose(ctx, Proposal{FunctionName: "a", Origin: OriginTextChat, ContextScope: "team-a"})
	_, _ = m.Propose(ctx, Proposal{FunctionName: "b", Origin: OriginTextChat, ContextScope: "team-b"})

	sub, err := m.Subscribe(ctx, ptr("team-a"))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	first := recv(t, sub)
	if first.ID != scoped || first.Status != StatusPending {
		t.Fatalf("snapshot = %+v", first)
	}

	// Changes outside the scope are filtered out.
	_, _ = m.Propose(ctx, Proposal{FunctionName: "c", Origin: OriginTextChat, ContextScope: "team-b"})
	if _, err := m.Reject(ctx, scoped, "lead"); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	next := recv(t, sub)
	if next.ID != scoped || next.Status != StatusRejected {
		t.Errorf("change = %+v, want %s rejected", next, scoped)
	}
}

func TestMediator_SubscribeAll(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _, _ := newTestMediator(t)

	sub, err := m.Subscribe(ctx, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	_, _ = m.Propose(ctx, Proposal{FunctionName: "x", Origin: OriginLiveVoice, ContextScope: "s1"})
	_, _ = m.Propose(ctx, Proposal{FunctionName: "y", Origin: OriginLiveVoice})

	if a := recv(t, sub); a.FunctionName != "x" {
		t.Errorf("first = %s, want x", a.FunctionName)
	}
	if a := recv(t, sub); a.FunctionName != "y" {
		t.Errorf("second = %s, want y", a.FunctionName)
	}
}

func TestSubscription_CloseIdempotent(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestMediator(t)
	sub, err := m.Subscribe(context.Background(), nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	sub.Close()
	sub.Close()
	if _, ok := <-sub.C(); ok {
		t.Error("C() still open after Close")
	}
	if err := sub.Err(); err != nil {
		t.Errorf("Err after Close = %v, want nil", err)
	}
}

func TestMediator_LaggingSubscriberResyncs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _, _ := newTestMediator(t)

	sub, err := m.Subscribe(ctx, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	const proposals = 200
	ids := make([]string, 0, proposals)
	for range proposals {
		id, err := m.Propose(ctx, Proposal{FunctionName: "createRiskSignal", Origin: OriginLiveVoice})
		if err != nil {
			t.Fatalf("Propose: %v", err)
		}
		ids = append(ids, id)
	}
	if _, err := m.Approve(ctx, ids[0], "lead"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	delivered := 0
	timeout := time.After(2 * time.Second)
drain:
	for {
		select {
		case _, ok := <-sub.C():
			if !ok {
				break drain
			}
			delivered++
		case <-timeout:
			t.Fatalf("subscription stayed open after falling behind (%d delivered)", delivered)
		}
	}
	if delivered >= proposals+1 {
		t.Fatalf("delivered %d changes, expected the subscription to be cut short", delivered)
	}
	if !errors.Is(sub.Err(), ErrLagged) {
		t.Fatalf("Err = %v, want ErrLagged", sub.Err())
	}

	// A fresh subscription starts from a complete snapshot.
	again, err := m.Subscribe(ctx, nil)
	if err != nil {
		t.Fatalf("Subscribe again: %v", err)
	}
	defer again.Close()
	seen := make(map[string]Status, proposals)
	for range proposals {
		a := recv(t, again)
		seen[a.ID] = a.Status
	}
	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			t.Fatalf("snapshot lacks %s", id)
		}
	}
	if seen[ids[0]] != StatusApproved {
		t.Errorf("first action = %s in snapshot, want approved", seen[ids[0]])
	}
}

func TestMediator_Clock(t *testing.T) {
	t.Parallel()
	fixed := time.Date(2026, 5, 5, 5, 5, 5, 0, time.UTC)
	m := NewMediator(NewMemStore(), WithClock(func() time.Time { return fixed }))
	id, _ := m.Propose(context.Background(), Proposal{FunctionName: "f", Origin: OriginTextChat})
	a, _ := m.Get(context.Background(), id)
	if !a.CreatedAt.Equal(fixed) {
		t.Errorf("CreatedAt = %v, want %v", a.CreatedAt, fixed)
	}
}

func recv(t *testing.T, sub *Subscription) PendingAction {
	t.Helper()
	select {
	case a, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription closed")
		}
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscription")
	}
	return PendingAction{}
}
