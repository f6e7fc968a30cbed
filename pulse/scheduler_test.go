package pulse

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dorkos/dorkos/relay"
	"github.com/dorkos/dorkos/runtime"
	"github.com/dorkos/dorkos/storage"
)

func newTestPulseStore(t *testing.T) *storage.PulseStore {
	t.Helper()
	db, err := storage.OpenDB(filepath.Join(t.TempDir(), "pulse.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := storage.NewPulseStore(db)
	require.NoError(t, err)
	return store
}

func waitForRun(t *testing.T, store *storage.PulseStore, runID string, status storage.RunStatus) *storage.PulseRun {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		run, err := store.GetRun(runID)
		require.NoError(t, err)
		if run.Status == status {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached status %s", runID, status)
	return nil
}

// S1: a manually triggered run in direct mode drives the runtime and
// completes.
func TestTriggerManualRunDirectModeCompletes(t *testing.T) {
	store := newTestPulseStore(t)
	rt := runtime.NewFakeRuntime("hello from pulse")

	sched, err := store.CreateSchedule(storage.ScheduleInput{
		Name: "nightly", Prompt: "say hi", Cron: "0 0 * * *", Enabled: true,
	})
	require.NoError(t, err)

	s := NewScheduler(store, rt)
	require.NoError(t, s.Start())
	defer s.Stop()

	run, err := s.TriggerManualRun(sched.ID)
	require.NoError(t, err)
	require.Equal(t, storage.TriggerManual, run.Trigger)

	final := waitForRun(t, store, run.ID, storage.RunCompleted)
	require.Contains(t, final.OutputSummary, "hello from pulse")
	require.Equal(t, []string{run.ID}, rt.SendCalls())
}

// S2: relay-mode dispatch with no subscriber fails the run with no_receiver.
func TestDispatchRelayModeNoSubscriberFails(t *testing.T) {
	store := newTestPulseStore(t)
	trace := newTestTraceForPulse(t)
	core := relay.NewCore(trace, nil)
	rt := runtime.NewFakeRuntime("unused")

	sched, err := store.CreateSchedule(storage.ScheduleInput{
		Name: "relay-job", Prompt: "ping", Cron: "0 0 * * *", Enabled: true,
	})
	require.NoError(t, err)

	s := NewScheduler(store, rt, WithRelay(core, true))
	require.NoError(t, s.Start())
	defer s.Stop()

	run, err := s.TriggerManualRun(sched.ID)
	require.NoError(t, err)

	final := waitForRun(t, store, run.ID, storage.RunFailed)
	require.Equal(t, "no_receiver", final.Error)
}

// S6: cancelling a direct-mode run mid-stream stops it before the runtime
// emits its final event.
func TestCancelRunDuringDirectModeMarksCancelled(t *testing.T) {
	store := newTestPulseStore(t)
	rt := &runtime.FakeRuntime{
		Batches: [][]runtime.StreamEvent{
			{{Kind: runtime.EventTextDelta, Text: "a"}, {Kind: runtime.EventTextDelta, Text: "b"}, {Kind: runtime.EventDone}},
		},
		EventDelay: 100 * time.Millisecond,
	}

	sched, err := store.CreateSchedule(storage.ScheduleInput{
		Name: "slow-job", Prompt: "think slowly", Cron: "0 0 * * *", Enabled: true,
	})
	require.NoError(t, err)

	s := NewScheduler(store, rt)
	require.NoError(t, s.Start())
	defer s.Stop()

	run, err := s.TriggerManualRun(sched.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.CancelRun(run.ID) }, time.Second, 5*time.Millisecond)

	waitForRun(t, store, run.ID, storage.RunCancelled)
}

// The global concurrency cap blocks a new dispatch once maxConcurrentRuns
// direct-mode runs are already in flight.
func TestDispatchRespectsMaxConcurrentRuns(t *testing.T) {
	store := newTestPulseStore(t)
	rt := &runtime.FakeRuntime{
		Batches:    [][]runtime.StreamEvent{{{Kind: runtime.EventTextDelta, Text: "busy"}, {Kind: runtime.EventDone}}},
		EventDelay: 200 * time.Millisecond,
	}

	sched, err := store.CreateSchedule(storage.ScheduleInput{
		Name: "capped", Prompt: "p", Cron: "0 0 * * *", Enabled: true,
	})
	require.NoError(t, err)

	s := NewScheduler(store, rt, WithMaxConcurrentRuns(1))
	require.NoError(t, s.Start())
	defer s.Stop()

	first, err := s.TriggerManualRun(sched.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.GetActiveRunCount() == 1 }, time.Second, 5*time.Millisecond)

	s.dispatch(sched.ID)

	runs, err := store.ListRuns(storage.RunFilter{ScheduleID: sched.ID})
	require.NoError(t, err)
	require.Len(t, runs, 1, "dispatch() at the concurrency cap must not create a second run")

	waitForRun(t, store, first.ID, storage.RunCompleted)
}

// An invalid cron expression is rejected at registration, not silently
// ignored.
func TestRegisterScheduleRejectsInvalidCron(t *testing.T) {
	store := newTestPulseStore(t)
	rt := runtime.NewFakeRuntime("x")
	s := NewScheduler(store, rt)

	sched := &storage.PulseSchedule{ID: "bad", Cron: "not a cron expression", Enabled: true, Status: storage.ScheduleActive}
	err := s.RegisterSchedule(sched)
	require.Error(t, err)
}

func newTestTraceForPulse(t *testing.T) *storage.TraceStore {
	t.Helper()
	db, err := storage.OpenDB(filepath.Join(t.TempDir(), "trace.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := storage.NewTraceStore(db)
	require.NoError(t, err)
	return store
}
