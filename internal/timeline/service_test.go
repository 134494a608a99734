package timeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/KafClaw/fleetgate/internal/bus"
	"github.com/KafClaw/fleetgate/internal/gateway"
)

func newTestTimeline(t *testing.T) *TimelineService {
	t.Helper()
	svc, err := NewTimelineService(filepath.Join(t.TempDir(), "timeline.db"))
	if err != nil {
		t.Fatalf("failed to create timeline service: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestOperationsRoundTripAndFilters(t *testing.T) {
	svc := newTestTimeline(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	ops := []gateway.Operation{
		{TraceID: "t1", Op: "create_session", InstanceID: "inst-1", SessionID: "s1", UserID: "alice", Outcome: gateway.OutcomeOK, Duration: 120 * time.Millisecond, Timestamp: base},
		{TraceID: "t2", Op: "send_message", InstanceID: "inst-1", SessionID: "s1", Outcome: gateway.OutcomeError, ErrorClass: gateway.ClassTransport, Error: "reset", Timestamp: base.Add(time.Minute)},
		{TraceID: "t3", Op: "delete_session", InstanceID: "inst-2", SessionID: "s2", Outcome: gateway.OutcomePartial, ErrorClass: gateway.ClassProtocol, Timestamp: base.Add(2 * time.Minute)},
	}
	for _, op := range ops {
		if err := svc.RecordOperation(ctx, op); err != nil {
			t.Fatalf("RecordOperation: %v", err)
		}
	}

	all, err := svc.Operations(ctx, OperationFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].TraceID != "t3" {
		t.Fatalf("Operations = %+v", all)
	}
	if all[2].Duration != 120*time.Millisecond || !all[2].Timestamp.Equal(base) || all[2].UserID != "alice" {
		t.Errorf("first op = %+v", all[2])
	}

	tests := []struct {
		name   string
		filter OperationFilter
		want   []string
	}{
		{"by instance", OperationFilter{InstanceID: "inst-1"}, []string{"t2", "t1"}},
		{"by session", OperationFilter{SessionID: "s2"}, []string{"t3"}},
		{"by outcome", OperationFilter{Outcome: gateway.OutcomeError}, []string{"t2"}},
		{"by op", OperationFilter{Op: "create_session"}, []string{"t1"}},
		{"since", OperationFilter{Since: base.Add(90 * time.Second)}, []string{"t3"}},
		{"limit", OperationFilter{Limit: 1}, []string{"t3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.Operations(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d records, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i].TraceID != tt.want[i] {
					t.Errorf("[%d] = %s, want %s", i, got[i].TraceID, tt.want[i])
				}
			}
		})
	}

	sums, err := svc.Summaries(ctx, base)
	if err != nil {
		t.Fatal(err)
	}
	if len(sums) != 2 || sums[0].InstanceID != "inst-1" || sums[0].Total != 2 || sums[0].Errors != 1 || sums[1].Partial != 1 {
		t.Errorf("Summaries = %+v", sums)
	}
}

func TestLifecycleEventsFromBus(t *testing.T) {
	svc := newTestTimeline(t)
	b := bus.NewEventBus(8)
	svc.Attach(b)

	b.Publish(&bus.Event{Type: bus.EventInstanceRegistered, InstanceID: "inst-1", Detail: map[string]string{"runtime": "http"}})
	b.Publish(&bus.Event{Type: bus.EventStatusChanged, InstanceID: "inst-1", Detail: map[string]string{"from": "unknown", "to": "online"}})
	b.Publish(&bus.Event{Type: bus.EventClientConnected, InstanceID: "inst-2"})
	b.Drain()

	ctx := context.Background()
	evs, err := svc.Events(ctx, EventFilter{InstanceID: "inst-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 {
		t.Fatalf("events = %+v", evs)
	}
	var status *EventRecord
	for i := range evs {
		if evs[i].Type == bus.EventStatusChanged {
			status = &evs[i]
		}
	}
	if status == nil || status.Detail["to"] != "online" {
		t.Errorf("status event = %+v", status)
	}

	byType, _ := svc.Events(ctx, EventFilter{Type: bus.EventClientConnected})
	if len(byType) != 1 || byType[0].InstanceID != "inst-2" || byType[0].Detail != nil {
		t.Errorf("by type = %+v", byType)
	}
}

func TestPrune(t *testing.T) {
	svc := newTestTimeline(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	svc.RecordOperation(ctx, gateway.Operation{TraceID: "old", Op: "send_message", Outcome: gateway.OutcomeOK, Timestamp: old})
	svc.RecordOperation(ctx, gateway.Operation{TraceID: "new", Op: "send_message", Outcome: gateway.OutcomeOK})
	svc.RecordEvent(ctx, &bus.Event{Type: bus.EventClientConnected, InstanceID: "a", Timestamp: old})

	n, err := svc.Prune(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("pruned %d rows, want 2", n)
	}
	left, _ := svc.Operations(ctx, OperationFilter{})
	if len(left) != 1 || left[0].TraceID != "new" {
		t.Errorf("remaining = %+v", left)
	}
}

func TestScheduledJobs(t *testing.T) {
	svc := newTestTimeline(t)
	runAt := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	if err := svc.UpsertScheduledJob("health-probe", "ok", runAt); err != nil {
		t.Fatal(err)
	}
	if err := svc.UpsertScheduledJob("health-probe", "failed", runAt.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	svc.UpsertScheduledJob("audit-prune", "ok", runAt)

	rec, err := svc.GetScheduledJob("health-probe")
	if err != nil {
		t.Fatal(err)
	}
	if rec.RunCount != 2 || rec.LastStatus != "failed" || !rec.LastRunAt.Equal(runAt.Add(time.Minute)) {
		t.Errorf("record = %+v", rec)
	}

	all, err := svc.ListScheduledJobs()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].JobName != "audit-prune" {
		t.Errorf("jobs = %+v", all)
	}
	if _, err := svc.GetScheduledJob("missing"); err == nil {
		t.Error("expected error for missing job")
	}
}

func TestParseOutcome(t *testing.T) {
	for _, ok := range []string{"", "ok", "ERROR", " partial "} {
		if _, err := ParseOutcome(ok); err != nil {
			t.Errorf("ParseOutcome(%q) = %v", ok, err)
		}
	}
	if _, err := ParseOutcome("meh"); err == nil {
		t.Error("expected error")
	}
}
