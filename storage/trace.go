package storage

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/dorkos/dorkos/apperr"
)

// SpanStatus enumerates the lifecycle of one delivery attempt (spec §3).
type SpanStatus string

const (
	SpanPending      SpanStatus = "pending"
	SpanDelivered    SpanStatus = "delivered"
	SpanProcessed    SpanStatus = "processed"
	SpanFailed       SpanStatus = "failed"
	SpanDeadLettered SpanStatus = "dead_lettered"
)

// TraceSpan is one row per delivery attempt (spec §3).
type TraceSpan struct {
	MessageID            string
	TraceID              string
	SpanID               string
	ParentSpanID         string
	Subject              string
	FromEndpoint         string
	ToEndpoint           string
	Status               SpanStatus
	BudgetHopsUsed       int
	BudgetTTLRemainingMs int64
	SentAt               time.Time
	DeliveredAt          *time.Time
	ProcessedAt          *time.Time
	Error                string
}

// SpanPatch carries the mutable subset of a TraceSpan for UpdateSpan.
type SpanPatch struct {
	Status               *SpanStatus
	DeliveredAt          *time.Time
	ProcessedAt          *time.Time
	Error                *string
	BudgetHopsUsed       *int
	BudgetTTLRemainingMs *int64
}

// TraceMetrics is the aggregate returned by GetMetrics (spec §4.3).
type TraceMetrics struct {
	TotalMessages         int
	DeliveredCount        int
	FailedCount           int
	DeadLetteredCount     int
	AvgDeliveryLatencyMs  *float64
	P95DeliveryLatencyMs  *float64
	ActiveEndpoints       int
}

// TraceStore is the persistent, queryable log of delivery spans (C3).
type TraceStore struct {
	db *sql.DB
}

// NewTraceStore opens (creating if needed) the trace schema on db.
func NewTraceStore(db *sql.DB) (*TraceStore, error) {
	s := &TraceStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// A publish that fans out to n matched subscriptions holds n+1 rows sharing
// one message_id: the parent span (parent_span_id NULL, span_id = message_id)
// recording the publish's aggregate outcome, and one child span per matched
// subscription (parent_span_id = message_id) recording that subscription's
// own delivery attempt (spec §3, §8 property 5). span_id is therefore the
// primary key, not message_id.
func (s *TraceStore) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS trace_spans (
	span_id               TEXT PRIMARY KEY,
	message_id            TEXT NOT NULL,
	trace_id              TEXT NOT NULL,
	parent_span_id        TEXT,
	subject               TEXT NOT NULL,
	from_endpoint         TEXT NOT NULL,
	to_endpoint           TEXT NOT NULL,
	status                TEXT NOT NULL,
	budget_hops_used      INTEGER NOT NULL,
	budget_ttl_remaining_ms INTEGER NOT NULL,
	sent_at               TEXT NOT NULL,
	delivered_at          TEXT,
	processed_at          TEXT,
	error                 TEXT
);
CREATE INDEX IF NOT EXISTS idx_trace_spans_trace_id ON trace_spans(trace_id);
CREATE INDEX IF NOT EXISTS idx_trace_spans_message_id ON trace_spans(message_id);
`)
	if err != nil {
		return apperr.Wrap(apperr.CodeIOError, "migrate trace schema", err)
	}
	return nil
}

// InsertSpan appends a new span. spanId must be unique; messageId need not
// be (a parent span and its children share one).
func (s *TraceStore) InsertSpan(span TraceSpan) error {
	_, err := s.db.Exec(`
INSERT INTO trace_spans
	(span_id, message_id, trace_id, parent_span_id, subject, from_endpoint, to_endpoint,
	 status, budget_hops_used, budget_ttl_remaining_ms, sent_at, delivered_at, processed_at, error)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		span.SpanID, span.MessageID, span.TraceID, nullableString(span.ParentSpanID), span.Subject,
		span.FromEndpoint, span.ToEndpoint, string(span.Status), span.BudgetHopsUsed,
		span.BudgetTTLRemainingMs, span.SentAt.UTC().Format(time.RFC3339Nano),
		nullableTime(span.DeliveredAt), nullableTime(span.ProcessedAt), span.Error)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "insert span", err)
	}
	return nil
}

// applySpanPatch folds patch onto span in place. A span already marked
// processed is never regressed back to delivered: the adapter's processed
// transition and the core's delivered transition race to persist (the
// handler that drives a delivery to completion runs, and reports done,
// before the publish call that invoked it observes the handler returning),
// so the later write must not clobber the more advanced status.
func applySpanPatch(span *TraceSpan, patch SpanPatch) {
	if patch.Status != nil {
		regressesToDelivered := span.Status == SpanProcessed && *patch.Status == SpanDelivered
		if !regressesToDelivered {
			span.Status = *patch.Status
		}
	}
	if patch.DeliveredAt != nil {
		span.DeliveredAt = patch.DeliveredAt
	}
	if patch.ProcessedAt != nil {
		span.ProcessedAt = patch.ProcessedAt
	}
	if patch.Error != nil {
		span.Error = *patch.Error
	}
	if patch.BudgetHopsUsed != nil {
		span.BudgetHopsUsed = *patch.BudgetHopsUsed
	}
	if patch.BudgetTTLRemainingMs != nil {
		span.BudgetTTLRemainingMs = *patch.BudgetTTLRemainingMs
	}
}

func (s *TraceStore) persist(span *TraceSpan) error {
	_, err := s.db.Exec(`
UPDATE trace_spans SET status=?, delivered_at=?, processed_at=?, error=?,
	budget_hops_used=?, budget_ttl_remaining_ms=? WHERE span_id=?`,
		string(span.Status), nullableTime(span.DeliveredAt), nullableTime(span.ProcessedAt),
		span.Error, span.BudgetHopsUsed, span.BudgetTTLRemainingMs, span.SpanID)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "update span", err)
	}
	return nil
}

// UpdateSpan atomically applies patch to the mutable fields of the parent
// span sharing messageID (the span with no parent_span_id of its own).
func (s *TraceStore) UpdateSpan(messageID string, patch SpanPatch) error {
	span, err := s.GetSpanByMessageID(messageID)
	if err != nil {
		return err
	}
	if span == nil {
		return apperr.New(apperr.CodeNotFound, fmt.Sprintf("span %s not found", messageID))
	}
	applySpanPatch(span, patch)
	return s.persist(span)
}

// UpdateSpanByID atomically applies patch to the single span identified by
// spanID, whether it is a parent span or one matched subscription's child.
func (s *TraceStore) UpdateSpanByID(spanID string, patch SpanPatch) error {
	span, err := s.getSpanBySpanID(spanID)
	if err != nil {
		return err
	}
	if span == nil {
		return apperr.New(apperr.CodeNotFound, fmt.Sprintf("span %s not found", spanID))
	}
	applySpanPatch(span, patch)
	return s.persist(span)
}

func (s *TraceStore) getSpanBySpanID(spanID string) (*TraceSpan, error) {
	row := s.db.QueryRow(`SELECT span_id, message_id, trace_id, parent_span_id, subject,
		from_endpoint, to_endpoint, status, budget_hops_used, budget_ttl_remaining_ms,
		sent_at, delivered_at, processed_at, error FROM trace_spans WHERE span_id=?`, spanID)
	span, err := scanSpan(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "scan span", err)
	}
	return span, nil
}

// GetSpanByMessageID returns the parent span for messageID (the publish's
// own span, not any per-subscription child), or nil if absent.
func (s *TraceStore) GetSpanByMessageID(messageID string) (*TraceSpan, error) {
	row := s.db.QueryRow(`SELECT span_id, message_id, trace_id, parent_span_id, subject,
		from_endpoint, to_endpoint, status, budget_hops_used, budget_ttl_remaining_ms,
		sent_at, delivered_at, processed_at, error FROM trace_spans
		WHERE message_id=? AND parent_span_id IS NULL`, messageID)
	span, err := scanSpan(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "scan span", err)
	}
	return span, nil
}

// GetSpansByMessageID returns every span sharing messageID — the parent
// publish span plus one child per matched subscription — ordered by SentAt.
func (s *TraceStore) GetSpansByMessageID(messageID string) ([]*TraceSpan, error) {
	rows, err := s.db.Query(`SELECT span_id, message_id, trace_id, parent_span_id, subject,
		from_endpoint, to_endpoint, status, budget_hops_used, budget_ttl_remaining_ms,
		sent_at, delivered_at, processed_at, error FROM trace_spans WHERE message_id=?`, messageID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "query spans", err)
	}
	defer rows.Close()

	var spans []*TraceSpan
	for rows.Next() {
		span, err := scanSpan(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeInternal, "scan span", err)
		}
		spans = append(spans, span)
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].SentAt.Before(spans[j].SentAt) })
	return spans, nil
}

// GetTrace returns every span sharing traceID, ordered by SentAt.
func (s *TraceStore) GetTrace(traceID string) ([]*TraceSpan, error) {
	rows, err := s.db.Query(`SELECT span_id, message_id, trace_id, parent_span_id, subject,
		from_endpoint, to_endpoint, status, budget_hops_used, budget_ttl_remaining_ms,
		sent_at, delivered_at, processed_at, error FROM trace_spans WHERE trace_id=?`, traceID)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "query trace", err)
	}
	defer rows.Close()

	var spans []*TraceSpan
	for rows.Next() {
		span, err := scanSpan(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeInternal, "scan span", err)
		}
		spans = append(spans, span)
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].SentAt.Before(spans[j].SentAt) })
	return spans, nil
}

// SpanFilter narrows ListSpans (spec §6 "GET /api/relay/messages").
type SpanFilter struct {
	Subject string
	Status  SpanStatus
	From    string
	Cursor  string // messageID to page strictly before, ordered by SentAt desc
	Limit   int
}

// ListSpans returns spans matching filter, most recent first, the gateway's
// backing query for GET /api/relay/messages.
func (s *TraceStore) ListSpans(filter SpanFilter) ([]*TraceSpan, error) {
	query := `SELECT span_id, message_id, trace_id, parent_span_id, subject,
		from_endpoint, to_endpoint, status, budget_hops_used, budget_ttl_remaining_ms,
		sent_at, delivered_at, processed_at, error FROM trace_spans WHERE parent_span_id IS NULL`
	var args []any
	if filter.Subject != "" {
		query += ` AND subject=?`
		args = append(args, filter.Subject)
	}
	if filter.Status != "" {
		query += ` AND status=?`
		args = append(args, string(filter.Status))
	}
	if filter.From != "" {
		query += ` AND from_endpoint=?`
		args = append(args, filter.From)
	}
	if filter.Cursor != "" {
		query += ` AND sent_at < (SELECT sent_at FROM trace_spans WHERE message_id=? AND parent_span_id IS NULL)`
		args = append(args, filter.Cursor)
	}
	query += ` ORDER BY sent_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "list spans", err)
	}
	defer rows.Close()

	var out []*TraceSpan
	for rows.Next() {
		span, err := scanSpan(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeInternal, "scan span", err)
		}
		out = append(out, span)
	}
	return out, nil
}

// GetMetrics aggregates delivery outcomes across all spans (spec §4.3).
func (s *TraceStore) GetMetrics() (*TraceMetrics, error) {
	m := &TraceMetrics{}

	row := s.db.QueryRow(`SELECT COUNT(*),
		SUM(CASE WHEN status='delivered' OR status='processed' THEN 1 ELSE 0 END),
		SUM(CASE WHEN status='failed' THEN 1 ELSE 0 END),
		SUM(CASE WHEN status='dead_lettered' THEN 1 ELSE 0 END)
		FROM trace_spans`)

	var delivered, failed, deadLettered sql.NullInt64
	if err := row.Scan(&m.TotalMessages, &delivered, &failed, &deadLettered); err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "aggregate trace metrics", err)
	}
	m.DeliveredCount = int(delivered.Int64)
	m.FailedCount = int(failed.Int64)
	m.DeadLetteredCount = int(deadLettered.Int64)

	latencies, err := s.deliveryLatenciesMs()
	if err != nil {
		return nil, err
	}
	if len(latencies) > 0 {
		avg := average(latencies)
		p95 := percentile(latencies, 0.95)
		m.AvgDeliveryLatencyMs = &avg
		m.P95DeliveryLatencyMs = &p95
	}

	endpointRow := s.db.QueryRow(`SELECT COUNT(DISTINCT to_endpoint) FROM trace_spans`)
	if err := endpointRow.Scan(&m.ActiveEndpoints); err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "count active endpoints", err)
	}

	return m, nil
}

func (s *TraceStore) deliveryLatenciesMs() ([]float64, error) {
	rows, err := s.db.Query(`SELECT sent_at, delivered_at FROM trace_spans WHERE delivered_at IS NOT NULL`)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "query delivery latencies", err)
	}
	defer rows.Close()

	var latencies []float64
	for rows.Next() {
		var sentStr, deliveredStr string
		if err := rows.Scan(&sentStr, &deliveredStr); err != nil {
			return nil, apperr.Wrap(apperr.CodeInternal, "scan delivery latency", err)
		}
		sent, err1 := time.Parse(time.RFC3339Nano, sentStr)
		delivered, err2 := time.Parse(time.RFC3339Nano, deliveredStr)
		if err1 != nil || err2 != nil {
			continue
		}
		latencies = append(latencies, float64(delivered.Sub(sent).Milliseconds()))
	}
	return latencies, nil
}

func average(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func percentile(xs []float64, p float64) float64 {
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSpan(row scanner) (*TraceSpan, error) {
	var span TraceSpan
	var parentSpanID, errStr sql.NullString
	var sentAtStr string
	var deliveredAtStr, processedAtStr sql.NullString
	var status string

	if err := row.Scan(&span.SpanID, &span.MessageID, &span.TraceID, &parentSpanID, &span.Subject,
		&span.FromEndpoint, &span.ToEndpoint, &status, &span.BudgetHopsUsed, &span.BudgetTTLRemainingMs,
		&sentAtStr, &deliveredAtStr, &processedAtStr, &errStr); err != nil {
		return nil, err
	}

	span.Status = SpanStatus(status)
	span.ParentSpanID = parentSpanID.String
	span.Error = errStr.String
	if t, err := time.Parse(time.RFC3339Nano, sentAtStr); err == nil {
		span.SentAt = t
	}
	if deliveredAtStr.Valid {
		if t, err := time.Parse(time.RFC3339Nano, deliveredAtStr.String); err == nil {
			span.DeliveredAt = &t
		}
	}
	if processedAtStr.Valid {
		if t, err := time.Parse(time.RFC3339Nano, processedAtStr.String); err == nil {
			span.ProcessedAt = &t
		}
	}
	return &span, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
