// Package pulse implements the cron scheduler (C8): the subsystem that
// turns a PulseSchedule into recurring, tracked PulseRuns against either a
// directly-driven AgentRuntime or the Relay bus.
package pulse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dorkos/dorkos/adapter"
	"github.com/dorkos/dorkos/apperr"
	"github.com/dorkos/dorkos/relay"
	"github.com/dorkos/dorkos/runtime"
	"github.com/dorkos/dorkos/storage"
)

// Defaults per spec §5 "Timeouts".
const (
	DefaultMaxConcurrentRuns = 8
	DefaultShutdownDrain     = 30 * time.Second
	DefaultRunsKept          = 20
)

// activeRun tracks one in-flight direct-mode execution's cancellation
// handle (spec §4.8 "State").
type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler is the Pulse cron scheduler (C8).
type Scheduler struct {
	store *storage.PulseStore
	rt    runtime.AgentRuntime
	core  *relay.Core // nil disables relay mode regardless of the flag below

	relayEnabled      bool
	maxConcurrentRuns int
	runsKept          int

	cron *cron.Cron

	mu         sync.Mutex
	cronJobs   map[string]cron.EntryID
	activeRuns map[string]*activeRun
}

// Option configures a Scheduler at construction.
type Option func(*Scheduler)

// WithRelay enables relay-mode dispatch against core when enabled is true.
func WithRelay(core *relay.Core, enabled bool) Option {
	return func(s *Scheduler) { s.core = core; s.relayEnabled = enabled }
}

// WithMaxConcurrentRuns overrides the global concurrency cap (default 8).
func WithMaxConcurrentRuns(n int) Option {
	return func(s *Scheduler) { s.maxConcurrentRuns = n }
}

// WithRunsKept overrides how many runs per schedule survive pruning.
func WithRunsKept(n int) Option {
	return func(s *Scheduler) { s.runsKept = n }
}

// NewScheduler builds a Scheduler over store, driving rt directly when not
// in relay mode.
func NewScheduler(store *storage.PulseStore, rt runtime.AgentRuntime, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:             store,
		rt:                rt,
		maxConcurrentRuns: DefaultMaxConcurrentRuns,
		runsKept:          DefaultRunsKept,
		cron:              cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		cronJobs:          map[string]cron.EntryID{},
		activeRuns:        map[string]*activeRun{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start recovers crashed runs, registers a cron job per enabled/active
// schedule, and begins ticking (spec §4.8 "Lifecycle").
func (s *Scheduler) Start() error {
	if _, err := s.store.MarkRunningAsFailed(); err != nil {
		return err
	}

	schedules, err := s.store.ListSchedules()
	if err != nil {
		return err
	}
	for _, sched := range schedules {
		if sched.Enabled && sched.Status == storage.ScheduleActive {
			if err := s.registerCronJob(sched); err != nil {
				return err
			}
		}
		_ = s.store.PruneRuns(sched.ID, s.runsKept)
	}

	s.cron.Start()
	return nil
}

// Stop halts every cron job, cancels active runs, and waits up to
// DefaultShutdownDrain for them to finish (spec §4.8, §5 "Cancellation").
func (s *Scheduler) Stop() error {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()

	s.mu.Lock()
	runs := make([]*activeRun, 0, len(s.activeRuns))
	for _, r := range s.activeRuns {
		r.cancel()
		runs = append(runs, r)
	}
	s.mu.Unlock()

	deadline := time.After(DefaultShutdownDrain)
	for _, r := range runs {
		select {
		case <-r.done:
		case <-deadline:
			return nil
		}
	}
	return nil
}

// RegisterSchedule adds a cron job for sched if it is enabled and active.
func (s *Scheduler) RegisterSchedule(sched *storage.PulseSchedule) error {
	if !sched.Enabled || sched.Status != storage.ScheduleActive {
		return nil
	}
	return s.registerCronJob(sched)
}

// UnregisterSchedule removes id's cron job, if any.
func (s *Scheduler) UnregisterSchedule(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.cronJobs[id]; ok {
		s.cron.Remove(entryID)
		delete(s.cronJobs, id)
	}
}

// IsRegistered reports whether id currently has an active cron job.
func (s *Scheduler) IsRegistered(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cronJobs[id]
	return ok
}

// GetActiveRunCount returns the number of currently in-flight direct-mode
// runs.
func (s *Scheduler) GetActiveRunCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.activeRuns)
}

// GetNextRun returns the next scheduled firing time for id, if registered.
func (s *Scheduler) GetNextRun(id string) (time.Time, bool) {
	s.mu.Lock()
	entryID, ok := s.cronJobs[id]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	entry := s.cron.Entry(entryID)
	return entry.Next, true
}

func (s *Scheduler) registerCronJob(sched *storage.PulseSchedule) error {
	scheduleID := sched.ID
	entryID, err := s.cron.AddFunc(sched.Cron, func() { s.dispatch(scheduleID) })
	if err != nil {
		return apperr.Wrap(apperr.CodeInvalidInput, fmt.Sprintf("invalid cron expression for schedule %s", scheduleID), err)
	}
	s.mu.Lock()
	s.cronJobs[scheduleID] = entryID
	s.mu.Unlock()
	return nil
}

// dispatch is the cron tick handler (spec §4.8 "Dispatch"). The cron
// instance wraps every job in cron.SkipIfStillRunning, so a tick is dropped
// while the same job's previous invocation is still executing
// (library-level overrun protection); this adds the fleet-wide concurrency
// cap and mid-flight schedule state re-check.
func (s *Scheduler) dispatch(scheduleID string) {
	if s.GetActiveRunCount() >= s.maxConcurrentRuns {
		return
	}

	sched, err := s.store.GetSchedule(scheduleID)
	if err != nil || sched == nil || !sched.Enabled || sched.Status != storage.ScheduleActive {
		return
	}

	run, err := s.store.CreateRun(scheduleID, storage.TriggerScheduled)
	if err != nil {
		return
	}
	s.execute(sched, run)
	_ = s.store.PruneRuns(scheduleID, s.runsKept)
}

// TriggerManualRun creates a pending manual run and fires it immediately,
// returning without waiting for completion (spec §4.8).
func (s *Scheduler) TriggerManualRun(scheduleID string) (*storage.PulseRun, error) {
	sched, err := s.store.GetSchedule(scheduleID)
	if err != nil {
		return nil, err
	}
	if sched == nil {
		return nil, apperr.New(apperr.CodeNotFound, fmt.Sprintf("schedule %s not found", scheduleID))
	}
	run, err := s.store.CreateRun(scheduleID, storage.TriggerManual)
	if err != nil {
		return nil, err
	}
	go s.execute(sched, run)
	return run, nil
}

// CancelRun signals the cancellation handle for runID, if one is active.
func (s *Scheduler) CancelRun(runID string) bool {
	s.mu.Lock()
	r, ok := s.activeRuns[runID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	r.cancel()
	return true
}

func (s *Scheduler) execute(sched *storage.PulseSchedule, run *storage.PulseRun) {
	if s.core != nil && s.relayEnabled {
		s.executeRelayMode(sched, run)
		return
	}
	s.executeDirectMode(sched, run)
}

// executeRelayMode publishes a pulse_dispatch envelope and returns; the
// agent adapter finalizes the run asynchronously (spec §4.8).
func (s *Scheduler) executeRelayMode(sched *storage.PulseSchedule, run *storage.PulseRun) {
	maxRuntime := time.Duration(sched.MaxRuntimeMs) * time.Millisecond
	if maxRuntime <= 0 {
		maxRuntime = relay.DefaultTTL
	}
	budget := relay.DefaultBudget()
	budget.TTL = time.Now().UTC().Add(maxRuntime)

	payload := adapter.PulseDispatchPayload{
		Type: "pulse_dispatch", ScheduleID: sched.ID, RunID: run.ID, Prompt: sched.Prompt,
		Cwd: sched.Cwd, PermissionMode: sched.PermissionMode, ScheduleName: sched.Name,
		Cron: sched.Cron, Trigger: run.Trigger,
	}
	subject := "relay.system.pulse." + sched.ID
	replyTo := subject + ".response"

	result, err := s.core.Publish(context.Background(), subject, payload, relay.PublishOptions{
		From: "relay.system.pulse", ReplyTo: replyTo, Budget: &budget,
	})
	if err != nil || result.DeliveredTo == 0 {
		failed := storage.RunFailed
		errMsg := "no_receiver"
		if err != nil {
			errMsg = err.Error()
		}
		_, _ = s.store.UpdateRun(run.ID, storage.RunPatch{Status: &failed, Error: &errMsg})
		return
	}
	running := storage.RunRunning
	_, _ = s.store.UpdateRun(run.ID, storage.RunPatch{Status: &running})
}

// executeDirectMode drives the runtime directly, observing a combined
// manual-cancel + maxRuntime-timeout token between stream events (spec
// §4.8, §5 "Cancellation").
func (s *Scheduler) executeDirectMode(sched *storage.PulseSchedule, run *storage.PulseRun) {
	ctx := context.Background()
	if sched.MaxRuntimeMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(sched.MaxRuntimeMs)*time.Millisecond)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)

	done := make(chan struct{})
	s.mu.Lock()
	s.activeRuns[run.ID] = &activeRun{cancel: cancel, done: done}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.activeRuns, run.ID)
		s.mu.Unlock()
		close(done)
		cancel()
	}()

	running := storage.RunRunning
	_, _ = s.store.UpdateRun(run.ID, storage.RunPatch{Status: &running, SessionID: &run.ID})

	if err := s.rt.EnsureSession(ctx, run.ID, runtime.SessionOptions{Cwd: sched.Cwd, PermissionMode: runtime.PermissionMode(sched.PermissionMode)}); err != nil {
		s.finishRun(run.ID, storage.RunFailed, "", err.Error())
		return
	}

	cursor, err := s.rt.SendMessage(ctx, run.ID, sched.Prompt, runtime.SendOptions{Cwd: sched.Cwd, PermissionMode: runtime.PermissionMode(sched.PermissionMode)})
	if err != nil {
		s.finishRun(run.ID, storage.RunFailed, "", err.Error())
		return
	}
	defer cursor.Close()

	var summary []byte
	for {
		ev, ok := cursor.Next(ctx)
		if !ok {
			if ctx.Err() != nil {
				s.finishRun(run.ID, storage.RunCancelled, string(summary), "")
				return
			}
			s.finishRun(run.ID, storage.RunCompleted, string(summary), "")
			return
		}
		switch ev.Kind {
		case runtime.EventTextDelta:
			if len(summary) < 500 {
				remaining := 500 - len(summary)
				if remaining > len(ev.Text) {
					remaining = len(ev.Text)
				}
				summary = append(summary, ev.Text[:remaining]...)
			}
		case runtime.EventError:
			s.finishRun(run.ID, storage.RunFailed, string(summary), ev.Message)
			return
		case runtime.EventDone:
			s.finishRun(run.ID, storage.RunCompleted, string(summary), "")
			return
		}
		if ctx.Err() != nil {
			s.finishRun(run.ID, storage.RunCancelled, string(summary), "")
			return
		}
	}
}

func (s *Scheduler) finishRun(runID string, status storage.RunStatus, summary, errMsg string) {
	now := time.Now().UTC()
	_, _ = s.store.UpdateRun(runID, storage.RunPatch{Status: &status, FinishedAt: &now, OutputSummary: &summary, Error: &errMsg})
}
