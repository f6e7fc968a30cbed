package adapter

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dorkos/dorkos/mesh"
	"github.com/dorkos/dorkos/relay"
	"github.com/dorkos/dorkos/runtime"
	"github.com/dorkos/dorkos/storage"
)

func newTestEnv(t *testing.T) (*relay.Core, *storage.PulseStore, *storage.TraceStore, *mesh.Registry) {
	t.Helper()
	db, err := storage.OpenDB(filepath.Join(t.TempDir(), "t.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	trace, err := storage.NewTraceStore(db)
	require.NoError(t, err)
	pulse, err := storage.NewPulseStore(db)
	require.NoError(t, err)

	registry, err := mesh.NewRegistry("", filepath.Join(t.TempDir(), "denied.json"))
	require.NoError(t, err)
	t.Cleanup(func() { registry.Close() })

	core := relay.NewCore(trace, nil)
	return core, pulse, trace, registry
}

func TestAgentAdapterDeliversDirectMessage(t *testing.T) {
	core, pulse, trace, registry := newTestEnv(t)
	fake := runtime.NewFakeRuntime("hi there")
	a := NewAgentAdapter(fake, registry, pulse, trace, 4)
	require.NoError(t, a.Start(core))
	t.Cleanup(func() { a.Stop() })

	result, err := core.Publish(context.Background(), "relay.agent.sess1", "hello", relay.PublishOptions{From: "relay.human.console"})
	require.NoError(t, err)
	require.Equal(t, 1, result.DeliveredTo)

	require.Eventually(t, func() bool {
		return len(fake.SendCalls()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		spans, err := trace.GetSpansByMessageID(result.MessageID)
		if err != nil || len(spans) != 2 {
			return false
		}
		for _, s := range spans {
			if s.ParentSpanID != "" && s.Status != storage.SpanProcessed {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAgentAdapterCapacityRejection(t *testing.T) {
	core, pulse, trace, registry := newTestEnv(t)
	fake := &runtime.FakeRuntime{EventDelay: 200 * time.Millisecond, Batches: [][]runtime.StreamEvent{
		{{Kind: runtime.EventTextDelta, Text: "slow"}, {Kind: runtime.EventDone}},
	}}
	a := NewAgentAdapter(fake, registry, pulse, trace, 1)
	require.NoError(t, a.Start(core))
	t.Cleanup(func() { a.Stop() })

	failed := make(chan string, 4)
	core.OnSignal(relay.SignalMessageFailed, func(s relay.Signal) { failed <- s.Error })

	for i := 0; i < 2; i++ {
		_, err := core.Publish(context.Background(), "relay.agent.sess1", "hello", relay.PublishOptions{})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		select {
		case errMsg := <-failed:
			return errMsg == "adapter_at_capacity"
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAgentAdapterPulseDispatchCompletesRun(t *testing.T) {
	core, pulse, trace, registry := newTestEnv(t)
	fake := runtime.NewFakeRuntime("done output")
	a := NewAgentAdapter(fake, registry, pulse, trace, 4)
	require.NoError(t, a.Start(core))
	t.Cleanup(func() { a.Stop() })

	sched, err := pulse.CreateSchedule(storage.ScheduleInput{Name: "nightly", Prompt: "go", Cron: "0 0 * * *"})
	require.NoError(t, err)
	run, err := pulse.CreateRun(sched.ID, storage.TriggerScheduled)
	require.NoError(t, err)

	payload := PulseDispatchPayload{
		Type: "pulse_dispatch", ScheduleID: sched.ID, RunID: run.ID, Prompt: "go",
		ScheduleName: sched.Name, Cron: sched.Cron, Trigger: storage.TriggerScheduled,
	}
	budget := relay.DefaultBudget()
	_, err = core.Publish(context.Background(), "relay.system.pulse."+sched.ID, payload, relay.PublishOptions{Budget: &budget})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := pulse.GetRun(run.ID)
		return err == nil && got.Status == storage.RunCompleted
	}, 2*time.Second, 10*time.Millisecond)
}
