package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestTraceStore(t *testing.T) *TraceStore {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "trace.db"))
	if err != nil {
		t.Fatalf("OpenDB() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewTraceStore(db)
	if err != nil {
		t.Fatalf("NewTraceStore() error = %v", err)
	}
	return store
}

func TestTraceInsertAndGetByMessageID(t *testing.T) {
	store := newTestTraceStore(t)

	span := TraceSpan{
		MessageID: "m1", TraceID: "m1", SpanID: "s1", Subject: "relay.agent.sess",
		FromEndpoint: "relay.human.console", ToEndpoint: "relay.agent.sess",
		Status: SpanPending, SentAt: time.Now().UTC(),
	}
	if err := store.InsertSpan(span); err != nil {
		t.Fatalf("InsertSpan() error = %v", err)
	}

	got, err := store.GetSpanByMessageID("m1")
	if err != nil {
		t.Fatalf("GetSpanByMessageID() error = %v", err)
	}
	if got == nil || got.MessageID != "m1" {
		t.Fatalf("expected to find span m1, got %+v", got)
	}
}

func TestTraceUpdateSpanTransitionsStatus(t *testing.T) {
	store := newTestTraceStore(t)
	span := TraceSpan{MessageID: "m2", TraceID: "m2", SpanID: "s2", Subject: "x", SentAt: time.Now().UTC(), Status: SpanPending}
	if err := store.InsertSpan(span); err != nil {
		t.Fatal(err)
	}

	delivered := SpanDelivered
	now := time.Now().UTC()
	if err := store.UpdateSpan("m2", SpanPatch{Status: &delivered, DeliveredAt: &now}); err != nil {
		t.Fatalf("UpdateSpan() error = %v", err)
	}

	got, err := store.GetSpanByMessageID("m2")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != SpanDelivered || got.DeliveredAt == nil {
		t.Errorf("expected delivered span with timestamp, got %+v", got)
	}
}

func TestTraceGetTraceOrdersByTime(t *testing.T) {
	store := newTestTraceStore(t)
	base := time.Now().UTC()

	spans := []TraceSpan{
		{MessageID: "c", TraceID: "root", SpanID: "c", Subject: "s", SentAt: base.Add(2 * time.Second), Status: SpanDelivered},
		{MessageID: "a", TraceID: "root", SpanID: "a", Subject: "s", SentAt: base, Status: SpanDelivered},
		{MessageID: "b", TraceID: "root", SpanID: "b", Subject: "s", SentAt: base.Add(time.Second), Status: SpanDelivered},
	}
	for _, s := range spans {
		if err := store.InsertSpan(s); err != nil {
			t.Fatal(err)
		}
	}

	trace, err := store.GetTrace("root")
	if err != nil {
		t.Fatalf("GetTrace() error = %v", err)
	}
	if len(trace) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(trace))
	}
	if trace[0].MessageID != "a" || trace[1].MessageID != "b" || trace[2].MessageID != "c" {
		t.Errorf("expected spans ordered a,b,c by sentAt, got %s,%s,%s", trace[0].MessageID, trace[1].MessageID, trace[2].MessageID)
	}
}

func TestListSpansFiltersBySubjectAndStatus(t *testing.T) {
	store := newTestTraceStore(t)
	base := time.Now().UTC()

	spans := []TraceSpan{
		{MessageID: "m1", TraceID: "m1", SpanID: "m1", Subject: "relay.agent.one", FromEndpoint: "relay.human.console", SentAt: base, Status: SpanDelivered},
		{MessageID: "m2", TraceID: "m2", SpanID: "m2", Subject: "relay.agent.two", FromEndpoint: "relay.human.console", SentAt: base.Add(time.Second), Status: SpanFailed},
		{MessageID: "m3", TraceID: "m3", SpanID: "m3", Subject: "relay.agent.one", FromEndpoint: "relay.system.pulse", SentAt: base.Add(2 * time.Second), Status: SpanDelivered},
	}
	for _, s := range spans {
		if err := store.InsertSpan(s); err != nil {
			t.Fatal(err)
		}
	}

	bySubject, err := store.ListSpans(SpanFilter{Subject: "relay.agent.one"})
	if err != nil {
		t.Fatalf("ListSpans() error = %v", err)
	}
	if len(bySubject) != 2 {
		t.Fatalf("expected 2 spans for relay.agent.one, got %d", len(bySubject))
	}
	// most recent first
	if bySubject[0].MessageID != "m3" || bySubject[1].MessageID != "m1" {
		t.Errorf("expected m3,m1 in descending sentAt order, got %s,%s", bySubject[0].MessageID, bySubject[1].MessageID)
	}

	byStatus, err := store.ListSpans(SpanFilter{Status: SpanFailed})
	if err != nil {
		t.Fatalf("ListSpans() error = %v", err)
	}
	if len(byStatus) != 1 || byStatus[0].MessageID != "m2" {
		t.Fatalf("expected only m2 for status=failed, got %+v", byStatus)
	}

	byFrom, err := store.ListSpans(SpanFilter{From: "relay.system.pulse"})
	if err != nil {
		t.Fatalf("ListSpans() error = %v", err)
	}
	if len(byFrom) != 1 || byFrom[0].MessageID != "m3" {
		t.Fatalf("expected only m3 for from=relay.system.pulse, got %+v", byFrom)
	}
}

func TestListSpansCursorPaginates(t *testing.T) {
	store := newTestTraceStore(t)
	base := time.Now().UTC()

	for i, id := range []string{"p1", "p2", "p3"} {
		span := TraceSpan{MessageID: id, TraceID: id, SpanID: id, Subject: "x", SentAt: base.Add(time.Duration(i) * time.Second), Status: SpanDelivered}
		if err := store.InsertSpan(span); err != nil {
			t.Fatal(err)
		}
	}

	page, err := store.ListSpans(SpanFilter{Cursor: "p3", Limit: 1})
	if err != nil {
		t.Fatalf("ListSpans() error = %v", err)
	}
	if len(page) != 1 || page[0].MessageID != "p2" {
		t.Fatalf("expected page starting strictly before p3 to yield p2, got %+v", page)
	}
}

func TestTraceMetricsEmptyStore(t *testing.T) {
	store := newTestTraceStore(t)

	metrics, err := store.GetMetrics()
	if err != nil {
		t.Fatalf("GetMetrics() error = %v", err)
	}
	if metrics.TotalMessages != 0 || metrics.AvgDeliveryLatencyMs != nil || metrics.P95DeliveryLatencyMs != nil {
		t.Errorf("expected zero counts and nil latencies on empty store, got %+v", metrics)
	}
}

func TestTraceMetricsAggregation(t *testing.T) {
	store := newTestTraceStore(t)
	base := time.Now().UTC()
	delivered1 := base.Add(100 * time.Millisecond)
	delivered2 := base.Add(200 * time.Millisecond)

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(store.InsertSpan(TraceSpan{MessageID: "1", TraceID: "1", SpanID: "1", Subject: "x", FromEndpoint: "a", ToEndpoint: "b", SentAt: base, DeliveredAt: &delivered1, Status: SpanDelivered}))
	must(store.InsertSpan(TraceSpan{MessageID: "2", TraceID: "2", SpanID: "2", Subject: "x", FromEndpoint: "a", ToEndpoint: "c", SentAt: base, DeliveredAt: &delivered2, Status: SpanDelivered}))
	must(store.InsertSpan(TraceSpan{MessageID: "3", TraceID: "3", SpanID: "3", Subject: "x", FromEndpoint: "a", ToEndpoint: "b", SentAt: base, Status: SpanFailed}))

	metrics, err := store.GetMetrics()
	if err != nil {
		t.Fatalf("GetMetrics() error = %v", err)
	}
	if metrics.TotalMessages != 3 {
		t.Errorf("expected 3 total messages, got %d", metrics.TotalMessages)
	}
	if metrics.DeliveredCount != 2 {
		t.Errorf("expected 2 delivered, got %d", metrics.DeliveredCount)
	}
	if metrics.FailedCount != 1 {
		t.Errorf("expected 1 failed, got %d", metrics.FailedCount)
	}
	if metrics.ActiveEndpoints != 2 {
		t.Errorf("expected 2 distinct to_endpoints, got %d", metrics.ActiveEndpoints)
	}
	if metrics.AvgDeliveryLatencyMs == nil {
		t.Fatal("expected non-nil average latency")
	}
}
