package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestPulseStore(t *testing.T) *PulseStore {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "pulse.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewPulseStore(db)
	require.NoError(t, err)
	return store
}

func TestScheduleCreateListDelete(t *testing.T) {
	store := newTestPulseStore(t)

	sched, err := store.CreateSchedule(ScheduleInput{
		Name: "nightly", Prompt: "hello", Cron: "0 0 * * *", Enabled: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, sched.ID)
	require.Equal(t, ScheduleActive, sched.Status)

	list, err := store.ListSchedules()
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, sched.ID, list[0].ID)

	require.NoError(t, store.DeleteSchedule(sched.ID))

	list, err = store.ListSchedules()
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestScheduleDuplicateNameConflict(t *testing.T) {
	store := newTestPulseStore(t)
	_, err := store.CreateSchedule(ScheduleInput{Name: "dup", Cron: "* * * * *"})
	require.NoError(t, err)

	_, err = store.CreateSchedule(ScheduleInput{Name: "dup", Cron: "* * * * *"})
	require.Error(t, err)
}

func TestUpdateScheduleNeverChangesID(t *testing.T) {
	store := newTestPulseStore(t)
	sched, err := store.CreateSchedule(ScheduleInput{Name: "s", Cron: "* * * * *"})
	require.NoError(t, err)

	newName := "renamed"
	updated, err := store.UpdateSchedule(sched.ID, SchedulePatch{Name: &newName})
	require.NoError(t, err)
	require.Equal(t, sched.ID, updated.ID)
	require.Equal(t, newName, updated.Name)
}

func TestRunStatusMonotonicity(t *testing.T) {
	store := newTestPulseStore(t)
	sched, err := store.CreateSchedule(ScheduleInput{Name: "s", Cron: "* * * * *"})
	require.NoError(t, err)

	run, err := store.CreateRun(sched.ID, TriggerScheduled)
	require.NoError(t, err)
	require.Equal(t, RunPending, run.Status)

	running := RunRunning
	run, err = store.UpdateRun(run.ID, RunPatch{Status: &running})
	require.NoError(t, err)
	require.Equal(t, RunRunning, run.Status)

	completed := RunCompleted
	run, err = store.UpdateRun(run.ID, RunPatch{Status: &completed})
	require.NoError(t, err)
	require.Equal(t, RunCompleted, run.Status)
	require.NotNil(t, run.DurationMs)

	// A completed run can never move again.
	pending := RunPending
	_, err = store.UpdateRun(run.ID, RunPatch{Status: &pending})
	require.Error(t, err)
}

func TestMarkRunningAsFailedRecoversCrashedRuns(t *testing.T) {
	store := newTestPulseStore(t)
	sched, err := store.CreateSchedule(ScheduleInput{Name: "s", Cron: "* * * * *"})
	require.NoError(t, err)

	run, err := store.CreateRun(sched.ID, TriggerScheduled)
	require.NoError(t, err)
	running := RunRunning
	_, err = store.UpdateRun(run.ID, RunPatch{Status: &running})
	require.NoError(t, err)

	n, err := store.MarkRunningAsFailed()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	stillRunning, err := store.ListRuns(RunFilter{Status: RunRunning})
	require.NoError(t, err)
	require.Empty(t, stillRunning)

	got, err := store.GetRun(run.ID)
	require.NoError(t, err)
	require.Equal(t, RunFailed, got.Status)
	require.Equal(t, "interrupted", got.Error)
}

func TestOnRunTerminalFiresOnlyAtTerminalStatus(t *testing.T) {
	store := newTestPulseStore(t)
	sched, err := store.CreateSchedule(ScheduleInput{Name: "s", Cron: "* * * * *"})
	require.NoError(t, err)
	run, err := store.CreateRun(sched.ID, TriggerScheduled)
	require.NoError(t, err)

	var seen []RunStatus
	store.OnRunTerminal(func(status RunStatus) { seen = append(seen, status) })

	running := RunRunning
	_, err = store.UpdateRun(run.ID, RunPatch{Status: &running})
	require.NoError(t, err)
	require.Empty(t, seen, "the transition into running is not terminal")

	completed := RunCompleted
	_, err = store.UpdateRun(run.ID, RunPatch{Status: &completed})
	require.NoError(t, err)
	require.Equal(t, []RunStatus{RunCompleted}, seen)
}

func TestPruneRunsKeepsNewest(t *testing.T) {
	store := newTestPulseStore(t)
	sched, err := store.CreateSchedule(ScheduleInput{Name: "s", Cron: "* * * * *"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := store.CreateRun(sched.ID, TriggerManual)
		require.NoError(t, err)
	}

	require.NoError(t, store.PruneRuns(sched.ID, 2))

	runs, err := store.ListRuns(RunFilter{ScheduleID: sched.ID})
	require.NoError(t, err)
	require.Len(t, runs, 2)
}
