package adapter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dorkos/dorkos/apperr"
	"github.com/dorkos/dorkos/mesh"
	"github.com/dorkos/dorkos/relay"
	"github.com/dorkos/dorkos/runtime"
	"github.com/dorkos/dorkos/storage"
)

// AgentAdapterType identifies the built-in agent adapter (spec §4.7).
const AgentAdapterType = "agent"

// PulseDispatchPayload is the envelope payload the Pulse scheduler publishes
// in relay mode (spec §4.8 "Execution branch").
type PulseDispatchPayload struct {
	Type           string                 `json:"type"`
	ScheduleID     string                 `json:"scheduleId"`
	RunID          string                 `json:"runId"`
	Prompt         string                 `json:"prompt"`
	Cwd            string                 `json:"cwd"`
	PermissionMode storage.PermissionMode `json:"permissionMode"`
	ScheduleName   string                 `json:"scheduleName"`
	Cron           string                 `json:"cron"`
	Trigger        storage.RunTrigger     `json:"trigger"`
}

// AgentMessagePayload is the envelope payload for a direct agent message
// addressed to relay.agent.<sessionId>.
type AgentMessagePayload struct {
	Content string `json:"content"`
}

// AgentAdapter is the built-in adapter driving registered agents through
// the AgentRuntime port (spec §4.7 "Built-in Agent Adapter").
type AgentAdapter struct {
	core     *relay.Core
	runtime  runtime.AgentRuntime
	mesh     *mesh.Registry
	pulse    *storage.PulseStore
	trace    *storage.TraceStore

	maxConcurrent int
	activeCount   int32
	state         atomic.Value // State

	subs []string

	sessionMu sync.Mutex
	sessions  map[string]*sync.Mutex
}

// NewAgentAdapter builds an AgentAdapter with the given concurrency cap
// (spec §5 default: 4). trace may be nil, disabling the processed/failed
// span transitions made by markProcessed and markFailed.
func NewAgentAdapter(rt runtime.AgentRuntime, meshRegistry *mesh.Registry, pulse *storage.PulseStore, trace *storage.TraceStore, maxConcurrent int) *AgentAdapter {
	a := &AgentAdapter{
		runtime:       rt,
		mesh:          meshRegistry,
		pulse:         pulse,
		trace:         trace,
		maxConcurrent: maxConcurrent,
		sessions:      map[string]*sync.Mutex{},
	}
	a.state.Store(StateDisconnected)
	return a
}

func (a *AgentAdapter) Type() string { return AgentAdapterType }

// Start subscribes to relay.agent.> and relay.system.pulse.> (spec §4.7).
func (a *AgentAdapter) Start(core *relay.Core) error {
	a.core = core
	agentSub, err := core.Subscribe("relay.agent.>", a.handle)
	if err != nil {
		return err
	}
	pulseSub, err := core.Subscribe("relay.system.pulse.>", a.handle)
	if err != nil {
		return err
	}
	a.subs = []string{agentSub, pulseSub}
	a.state.Store(StateConnected)
	return nil
}

// Stop unsubscribes and marks the adapter disconnected.
func (a *AgentAdapter) Stop() error {
	for _, sub := range a.subs {
		_ = a.core.Unsubscribe(sub)
	}
	a.subs = nil
	a.state.Store(StateDisconnected)
	return nil
}

func (a *AgentAdapter) GetStatus() Status {
	return Status{
		State:         a.state.Load().(State),
		ActiveCount:   int(atomic.LoadInt32(&a.activeCount)),
		MaxConcurrent: a.maxConcurrent,
	}
}

// handle adapts relay.Handler to Deliver, turning an unsuccessful
// DeliverResult into an error (relay.Core only sees whether an error
// occurred, which drives the span's delivered/failed transition).
func (a *AgentAdapter) handle(ctx context.Context, env relay.Envelope) error {
	result, err := a.Deliver(ctx, env.Subject, env, DeliverContext{})
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("%s", result.Error)
	}
	return nil
}

// Deliver is the adapter's primary worker entry point (spec §4.7).
func (a *AgentAdapter) Deliver(ctx context.Context, subject string, env relay.Envelope, dc DeliverContext) (DeliverResult, error) {
	if !a.acquireSlot() {
		return DeliverResult{Success: false, Error: "adapter_at_capacity"}, nil
	}
	defer atomic.AddInt32(&a.activeCount, -1)

	if payload, ok := env.Payload.(PulseDispatchPayload); ok {
		return a.deliverPulseDispatch(ctx, env, payload)
	}
	return a.deliverAgentMessage(ctx, subject, env, dc)
}

// acquireSlot claims one concurrency slot with a compare-and-swap retry
// loop, so two concurrent deliveries can never both observe activeCount ==
// maxConcurrent-1 and proceed (spec §8 property 6).
func (a *AgentAdapter) acquireSlot() bool {
	for {
		cur := atomic.LoadInt32(&a.activeCount)
		if cur >= int32(a.maxConcurrent) {
			return false
		}
		if atomic.CompareAndSwapInt32(&a.activeCount, cur, cur+1) {
			return true
		}
	}
}

func (a *AgentAdapter) deliverAgentMessage(ctx context.Context, subject string, env relay.Envelope, dc DeliverContext) (DeliverResult, error) {
	sessionID := trailingSegment(subject)
	cwd := dc.AgentDirectory
	if cwd == "" && a.mesh != nil {
		if m, err := a.mesh.Get(sessionID); err == nil {
			cwd = m.Directory
		}
	}

	content, _ := env.Payload.(string)
	if p, ok := env.Payload.(AgentMessagePayload); ok {
		content = p.Content
	}

	unlock := a.lockSession(sessionID)
	defer unlock()

	if err := a.runtime.EnsureSession(ctx, sessionID, runtime.SessionOptions{Cwd: cwd}); err != nil {
		return DeliverResult{Success: false, Error: err.Error()}, nil
	}

	appendBlock := relayContextBlock(env)
	cursor, err := a.runtime.SendMessage(ctx, sessionID, content, runtime.SendOptions{Cwd: cwd, SystemPromptAppend: appendBlock})
	if err != nil {
		return DeliverResult{Success: false, Error: err.Error()}, nil
	}
	defer cursor.Close()

	if err := a.drive(ctx, cursor, env); err != nil {
		return DeliverResult{Success: false, Error: err.Error()}, nil
	}
	return DeliverResult{Success: true}, nil
}

func (a *AgentAdapter) deliverPulseDispatch(ctx context.Context, env relay.Envelope, payload PulseDispatchPayload) (DeliverResult, error) {
	sessionID := payload.RunID

	unlock := a.lockSession(sessionID)
	defer unlock()

	// Move a still-pending run to running before finalizing it, since
	// pending -> completed/cancelled is not a legal transition. A run the
	// scheduler has already marked running is left as it is.
	if a.pulse != nil && payload.RunID != "" {
		running := storage.RunRunning
		_, _ = a.pulse.UpdateRun(payload.RunID, storage.RunPatch{Status: &running})
	}

	if err := a.runtime.EnsureSession(ctx, sessionID, runtime.SessionOptions{Cwd: payload.Cwd, PermissionMode: runtime.PermissionMode(payload.PermissionMode)}); err != nil {
		a.finalizeRun(payload.RunID, storage.RunFailed, "", err.Error())
		return DeliverResult{Success: false, Error: err.Error()}, nil
	}

	appendBlock := relayContextBlock(env) + "\n" + pulseMetadataBlock(payload)
	cursor, err := a.runtime.SendMessage(ctx, sessionID, payload.Prompt, runtime.SendOptions{
		Cwd: payload.Cwd, PermissionMode: runtime.PermissionMode(payload.PermissionMode), SystemPromptAppend: appendBlock,
	})
	if err != nil {
		a.finalizeRun(payload.RunID, storage.RunFailed, "", err.Error())
		return DeliverResult{Success: false, Error: err.Error()}, nil
	}
	defer cursor.Close()

	if !env.Budget.TTL.IsZero() && !time.Now().UTC().Before(env.Budget.TTL) {
		a.finalizeRun(payload.RunID, storage.RunCancelled, "", "")
		return DeliverResult{Success: true}, nil
	}

	var summary strings.Builder
	for {
		ev, ok := cursor.Next(ctx)
		if !ok {
			break
		}
		switch ev.Kind {
		case runtime.EventTextDelta:
			if summary.Len() < 1000 {
				summary.WriteString(ev.Text)
			}
			if err := a.replyIfPresent(ctx, env, ev); err != nil {
				return DeliverResult{Success: false, Error: err.Error()}, nil
			}
		case runtime.EventError:
			a.markFailed(ctx, ev.Message)
			a.finalizeRun(payload.RunID, storage.RunFailed, truncate(summary.String(), 1000), ev.Message)
			return DeliverResult{Success: false, Error: ev.Message}, nil
		case runtime.EventDone:
			a.markProcessed(ctx)
			a.finalizeRun(payload.RunID, storage.RunCompleted, truncate(summary.String(), 1000), "")
			return DeliverResult{Success: true}, nil
		default:
			if err := a.replyIfPresent(ctx, env, ev); err != nil {
				return DeliverResult{Success: false, Error: err.Error()}, nil
			}
		}

		if ctx.Err() != nil {
			a.finalizeRun(payload.RunID, storage.RunCancelled, truncate(summary.String(), 1000), "")
			return DeliverResult{Success: true}, nil
		}
	}
	a.markProcessed(ctx)
	a.finalizeRun(payload.RunID, storage.RunCompleted, truncate(summary.String(), 1000), "")
	return DeliverResult{Success: true}, nil
}

func (a *AgentAdapter) drive(ctx context.Context, cursor runtime.Cursor, env relay.Envelope) error {
	for {
		ev, ok := cursor.Next(ctx)
		if !ok {
			return nil
		}
		if err := a.replyIfPresent(ctx, env, ev); err != nil {
			return err
		}
		if ev.Kind == runtime.EventDone {
			a.markProcessed(ctx)
			return nil
		}
		if ev.Kind == runtime.EventError {
			a.markFailed(ctx, ev.Message)
			return apperr.New(apperr.CodeInternal, ev.Message)
		}
	}
}

// markProcessed transitions the calling delivery's own trace span to
// processed (spec §4.7 step 6). It is a no-op outside a Publish-driven
// handler invocation (no span id on ctx) or when tracing is disabled.
func (a *AgentAdapter) markProcessed(ctx context.Context) {
	if a.trace == nil {
		return
	}
	spanID, ok := relay.SpanIDFromContext(ctx)
	if !ok {
		return
	}
	now := time.Now().UTC()
	status := storage.SpanProcessed
	_ = a.trace.UpdateSpanByID(spanID, storage.SpanPatch{Status: &status, ProcessedAt: &now})
}

// markFailed transitions the calling delivery's own trace span to failed.
func (a *AgentAdapter) markFailed(ctx context.Context, errMsg string) {
	if a.trace == nil {
		return
	}
	spanID, ok := relay.SpanIDFromContext(ctx)
	if !ok {
		return
	}
	status := storage.SpanFailed
	_ = a.trace.UpdateSpanByID(spanID, storage.SpanPatch{Status: &status, Error: &errMsg})
}

func (a *AgentAdapter) replyIfPresent(ctx context.Context, env relay.Envelope, ev runtime.StreamEvent) error {
	if env.ReplyTo == "" {
		return nil
	}
	derived := env.Budget.Derive(env.ID)
	_, err := a.core.Publish(ctx, env.ReplyTo, ev, relay.PublishOptions{From: env.Subject, Budget: &derived})
	return err
}

func (a *AgentAdapter) finalizeRun(runID string, status storage.RunStatus, summary, errMsg string) {
	if a.pulse == nil || runID == "" {
		return
	}
	now := time.Now().UTC()
	_, _ = a.pulse.UpdateRun(runID, storage.RunPatch{
		Status: &status, FinishedAt: &now, OutputSummary: &summary, Error: &errMsg,
	})
}

func (a *AgentAdapter) lockSession(sessionID string) func() {
	a.sessionMu.Lock()
	mu, ok := a.sessions[sessionID]
	if !ok {
		mu = &sync.Mutex{}
		a.sessions[sessionID] = mu
	}
	a.sessionMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func trailingSegment(subject string) string {
	parts := strings.Split(subject, ".")
	return parts[len(parts)-1]
}

func relayContextBlock(env relay.Envelope) string {
	return fmt.Sprintf("<relay_context>\n  From: %s\n  Message-ID: %s\n  Hops: %d of %d used\n  Reply to: %s\n</relay_context>",
		env.From, env.ID, env.Budget.HopCount, env.Budget.MaxHops, env.ReplyTo)
}

func pulseMetadataBlock(payload PulseDispatchPayload) string {
	return fmt.Sprintf("Job: %s\nSchedule: %s\nRun ID: %s\nTrigger: %s\nThis is an unattended scheduled run; do not wait for further user input.",
		payload.ScheduleName, payload.Cron, payload.RunID, payload.Trigger)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
