package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dorkos/dorkos/apperr"
	"github.com/dorkos/dorkos/storage"
)

// Defaults for subscription backpressure (spec §4.6, §5 "Timeouts").
const (
	DefaultSubscriptionQueueSize = 1024
	DefaultDropDeadline          = 50 * time.Millisecond
)

// SignalKind enumerates the lifecycle events Core emits (spec §4.6).
type SignalKind string

const (
	SignalMessagePublished SignalKind = "message_published"
	SignalMessageDelivered SignalKind = "message_delivered"
	SignalMessageFailed    SignalKind = "message_failed"
)

// Signal is one notification passed to onSignal listeners. Envelope is only
// populated on SignalMessagePublished (the gateway's SSE stream renders it
// as the relay_message event body, spec §6).
type Signal struct {
	Kind      SignalKind
	MessageID string
	Subject   string
	Error     string
	Envelope  *Envelope
	LatencyMs float64
}

// Handler processes one delivered envelope. A returned error marks the
// span failed for that subscription.
type Handler func(ctx context.Context, env Envelope) error

type spanIDKey struct{}

// withSpanID attaches the trace span id assigned to one matched
// subscription's delivery attempt to ctx, so the handler it's invoked
// with can report its own terminal status (spec §4.7 step 6).
func withSpanID(ctx context.Context, spanID string) context.Context {
	return context.WithValue(ctx, spanIDKey{}, spanID)
}

// SpanIDFromContext returns the trace span id of the in-flight delivery
// attempt running under ctx, if the handler was invoked through Publish.
func SpanIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(spanIDKey{}).(string)
	return id, ok
}

// Endpoint is a registered named participant on the bus (spec §4.6).
type Endpoint struct {
	Subject      string
	Description  string
	RegisteredAt time.Time
}

// PublishOptions configures one Publish call (spec §4.6).
type PublishOptions struct {
	From    string
	ReplyTo string
	Budget  *Budget
}

// PublishResult reports the outcome of accepting a publish.
type PublishResult struct {
	MessageID   string
	DeliveredTo int
}

// subscription dispatches deliveries concurrently, bounded by sem (its
// "queue" capacity doubling as a concurrency limit). Jobs are handed off to
// their own goroutine in publish order, so dispatch order matches publish
// order even though completion order is not guaranteed — per-subscription
// invocation handlers (e.g. the agent adapter) that need true serialization
// of a narrower key (a session id) apply their own locking on top of this.
type subscription struct {
	id      string
	pattern string
	handler Handler
	sem     chan struct{}
}

// Core is the in-process pub/sub bus (C6). Subject matching, budget
// enforcement, and trace recording happen here; delivery to a matched
// subscription runs on its own goroutine, bounded by that subscription's
// queue/concurrency capacity (spec §4.6 "Ordering", §5 "own worker pool").
type Core struct {
	mu        sync.RWMutex
	endpoints map[string]Endpoint
	subs      map[string]*subscription

	trace        *storage.TraceStore
	queueSize    int
	dropDeadline time.Duration

	signalMu  sync.RWMutex
	listeners map[SignalKind][]func(Signal)

	bridge *natsBridge
}

// NewCore builds a Core backed by trace for span recording. bridge may be
// nil when no embedded NATS mirror is wanted.
func NewCore(trace *storage.TraceStore, bridge *natsBridge) *Core {
	return &Core{
		endpoints:    map[string]Endpoint{},
		subs:         map[string]*subscription{},
		trace:        trace,
		queueSize:    DefaultSubscriptionQueueSize,
		dropDeadline: DefaultDropDeadline,
		listeners:    map[SignalKind][]func(Signal){},
		bridge:       bridge,
	}
}

// WithQueueSize overrides the per-subscription queue capacity.
func (c *Core) WithQueueSize(n int) *Core { c.queueSize = n; return c }

// WithDropDeadline overrides the per-subscription enqueue deadline.
func (c *Core) WithDropDeadline(d time.Duration) *Core { c.dropDeadline = d; return c }

// RegisterEndpoint adds subject to the directory of known participants.
func (c *Core) RegisterEndpoint(ep Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ep.RegisteredAt = time.Now().UTC()
	c.endpoints[ep.Subject] = ep
}

// UnregisterEndpoint removes subject from the directory.
func (c *Core) UnregisterEndpoint(subject string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.endpoints, subject)
}

// ListEndpoints returns every registered endpoint.
func (c *Core) ListEndpoints() []Endpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Endpoint, 0, len(c.endpoints))
	for _, e := range c.endpoints {
		out = append(out, e)
	}
	return out
}

// Subscribe registers handler against pattern, returning a handle usable
// with Unsubscribe.
func (c *Core) Subscribe(pattern string, handler Handler) (string, error) {
	if err := ValidatePattern(pattern); err != nil {
		return "", err
	}
	sub := &subscription{
		id:      uuid.NewString(),
		pattern: pattern,
		handler: handler,
		sem:     make(chan struct{}, c.queueSize),
	}
	c.mu.Lock()
	c.subs[sub.id] = sub
	c.mu.Unlock()
	return sub.id, nil
}

// Unsubscribe removes the subscription identified by handle. In-flight
// deliveries already dispatched to it run to completion.
func (c *Core) Unsubscribe(handle string) error {
	c.mu.Lock()
	_, ok := c.subs[handle]
	if ok {
		delete(c.subs, handle)
	}
	c.mu.Unlock()
	if !ok {
		return apperr.New(apperr.CodeNotFound, fmt.Sprintf("subscription %s not found", handle))
	}
	return nil
}

// OnSignal registers listener for kind, returning an unregister function.
func (c *Core) OnSignal(kind SignalKind, listener func(Signal)) func() {
	c.signalMu.Lock()
	defer c.signalMu.Unlock()
	c.listeners[kind] = append(c.listeners[kind], listener)
	idx := len(c.listeners[kind]) - 1

	return func() {
		c.signalMu.Lock()
		defer c.signalMu.Unlock()
		list := c.listeners[kind]
		if idx < len(list) {
			list[idx] = nil
		}
	}
}

func (c *Core) emit(sig Signal) {
	c.signalMu.RLock()
	defer c.signalMu.RUnlock()
	for _, l := range c.listeners[sig.Kind] {
		if l != nil {
			l(sig)
		}
	}
}

func (c *Core) matchingSubscriptions(subject string) []*subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*subscription
	for _, s := range c.subs {
		if Match(s.pattern, subject) {
			out = append(out, s)
		}
	}
	return out
}

func (c *Core) findDeadLetterSibling(subject string) *subscription {
	sibling := subject + ".dead_letter"
	for _, s := range c.matchingSubscriptions(sibling) {
		return s
	}
	return nil
}

// Publish runs the publish algorithm of spec §4.6: budget validation, span
// insertion, concurrent fan-out to every matching subscription (bounded by
// the per-subscription drop deadline), and asynchronous finalization of the
// span once every enqueued handler has run.
func (c *Core) Publish(ctx context.Context, subject string, payload any, opts PublishOptions) (PublishResult, error) {
	if err := ValidateSubject(subject); err != nil {
		return PublishResult{}, err
	}

	messageID := uuid.NewString()
	budget := opts.Budget
	if budget == nil {
		b := DefaultBudget()
		budget = &b
	}
	if budget.Exceeded(messageID) {
		return PublishResult{}, apperr.New(apperr.CodeBudgetExceeded, "envelope budget exceeded")
	}

	env := Envelope{
		ID: messageID, Subject: subject, Payload: payload,
		From: opts.From, ReplyTo: opts.ReplyTo, Budget: *budget,
		Timestamp: time.Now().UTC(),
	}

	traceID := messageID
	if len(budget.AncestorChain) > 0 {
		traceID = budget.AncestorChain[0]
	}
	ttlRemaining := time.Until(budget.TTL).Milliseconds()
	if c.trace != nil {
		span := storage.TraceSpan{
			MessageID: messageID, TraceID: traceID, SpanID: messageID,
			Subject: subject, FromEndpoint: opts.From, ToEndpoint: subject,
			Status: storage.SpanPending, SentAt: env.Timestamp,
			BudgetHopsUsed: budget.HopCount, BudgetTTLRemainingMs: ttlRemaining,
		}
		if err := c.trace.InsertSpan(span); err != nil {
			return PublishResult{}, err
		}
	}
	c.emit(Signal{Kind: SignalMessagePublished, MessageID: messageID, Subject: subject, Envelope: &env})

	if c.bridge != nil {
		c.bridge.publish(subject, env)
	}

	matches := c.matchingSubscriptions(subject)
	if len(matches) == 0 {
		if dl := c.findDeadLetterSibling(subject); dl != nil {
			matches = []*subscription{dl}
		} else {
			c.finalize(messageID, subject, storage.SpanDeadLettered, "", env.Timestamp)
			return PublishResult{MessageID: messageID, DeliveredTo: 0}, nil
		}
	}

	var delivered int32
	jobs := make([]deliveryJob, 0, len(matches))
	for _, sub := range matches {
		select {
		case sub.sem <- struct{}{}:
			atomic.AddInt32(&delivered, 1)
			childSpanID := uuid.NewString()
			c.insertChildSpan(childSpanID, messageID, traceID, sub.pattern, opts.From, env.Timestamp, budget)
			resultCh := make(chan error, 1)
			jobs = append(jobs, deliveryJob{spanID: childSpanID, resultCh: resultCh})
			go func(s *subscription, spanID string) {
				defer func() { <-s.sem }()
				resultCh <- s.handler(withSpanID(ctx, spanID), env)
			}(sub, childSpanID)
		case <-time.After(c.dropDeadline):
			childSpanID := uuid.NewString()
			c.insertChildSpan(childSpanID, messageID, traceID, sub.pattern, opts.From, env.Timestamp, budget)
			c.finalizeChild(childSpanID, storage.SpanFailed, "subscriber_backpressure", env.Timestamp)
			c.emit(Signal{Kind: SignalMessageFailed, MessageID: messageID, Subject: subject, Error: "subscriber_backpressure"})
		}
	}

	go c.awaitDelivery(messageID, subject, env.Timestamp, jobs)

	return PublishResult{MessageID: messageID, DeliveredTo: int(delivered)}, nil
}

// deliveryJob tracks one matched subscription's own child span alongside
// the channel its dispatch goroutine reports completion on.
type deliveryJob struct {
	spanID   string
	resultCh chan error
}

// insertChildSpan records one matched subscription's delivery attempt as
// its own span, parented under messageID (spec §3, §8 property 5).
func (c *Core) insertChildSpan(spanID, messageID, traceID, toEndpoint, fromEndpoint string, sentAt time.Time, budget *Budget) {
	if c.trace == nil {
		return
	}
	_ = c.trace.InsertSpan(storage.TraceSpan{
		MessageID: messageID, TraceID: traceID, SpanID: spanID, ParentSpanID: messageID,
		Subject: toEndpoint, FromEndpoint: fromEndpoint, ToEndpoint: toEndpoint,
		Status: storage.SpanPending, SentAt: sentAt,
		BudgetHopsUsed: budget.HopCount, BudgetTTLRemainingMs: time.Until(budget.TTL).Milliseconds(),
	})
}

// awaitDelivery finalizes each matched subscription's own child span as its
// handler completes, then finalizes the parent span from the aggregate
// outcome — delivered if at least one matched subscription succeeded,
// failed otherwise — without masking any individual subscription's own
// failed/subscriber_backpressure outcome (spec §4.6 step 5).
func (c *Core) awaitDelivery(messageID, subject string, sentAt time.Time, jobs []deliveryJob) {
	if len(jobs) == 0 {
		return
	}
	var lastErr string
	successCount := 0
	for _, job := range jobs {
		if err := <-job.resultCh; err != nil {
			lastErr = err.Error()
			c.finalizeChild(job.spanID, storage.SpanFailed, err.Error(), sentAt)
		} else {
			successCount++
			c.finalizeChild(job.spanID, storage.SpanDelivered, "", sentAt)
		}
	}
	if successCount > 0 {
		c.finalize(messageID, subject, storage.SpanDelivered, "", sentAt)
	} else {
		c.finalize(messageID, subject, storage.SpanFailed, lastErr, sentAt)
	}
}

// finalizeChild updates one matched subscription's own span. Unlike
// finalize, it never emits a signal: the parent-level finalize already
// emits the one message_delivered/message_failed signal per publish that
// the gateway's SSE stream and metrics expect.
func (c *Core) finalizeChild(spanID string, status storage.SpanStatus, errMsg string, sentAt time.Time) {
	if c.trace == nil {
		return
	}
	now := time.Now().UTC()
	patch := storage.SpanPatch{Status: &status, Error: &errMsg}
	if status == storage.SpanDelivered {
		patch.DeliveredAt = &now
	}
	_ = c.trace.UpdateSpanByID(spanID, patch)
}

func (c *Core) finalize(messageID, subject string, status storage.SpanStatus, errMsg string, sentAt time.Time) {
	now := time.Now().UTC()
	if c.trace != nil {
		patch := storage.SpanPatch{Status: &status, Error: &errMsg}
		if status == storage.SpanDelivered {
			patch.DeliveredAt = &now
		}
		_ = c.trace.UpdateSpan(messageID, patch)
	}

	switch status {
	case storage.SpanDelivered:
		c.emit(Signal{Kind: SignalMessageDelivered, MessageID: messageID, Subject: subject, LatencyMs: float64(now.Sub(sentAt).Milliseconds())})
	case storage.SpanFailed:
		c.emit(Signal{Kind: SignalMessageFailed, MessageID: messageID, Subject: subject, Error: errMsg})
	}
}
