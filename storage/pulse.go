package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dorkos/dorkos/apperr"
	"github.com/google/uuid"
)

// PermissionMode enumerates how much autonomy a dispatched agent run has
// (spec §3).
type PermissionMode string

const (
	PermissionDefault           PermissionMode = "default"
	PermissionAcceptEdits       PermissionMode = "acceptEdits"
	PermissionBypassPermissions PermissionMode = "bypassPermissions"
	PermissionPlan              PermissionMode = "plan"
)

// ScheduleStatus enumerates a PulseSchedule's operational state.
type ScheduleStatus string

const (
	ScheduleActive  ScheduleStatus = "active"
	SchedulePaused  ScheduleStatus = "paused"
	ScheduleErrored ScheduleStatus = "errored"
)

// PulseSchedule is a persistent cron-defined job definition (spec §3).
type PulseSchedule struct {
	ID             string
	Name           string
	Prompt         string
	Cron           string
	Timezone       string
	Cwd            string
	PermissionMode PermissionMode
	Enabled        bool
	Status         ScheduleStatus
	MaxRuntimeMs   int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ScheduleInput is the subset of PulseSchedule accepted by CreateSchedule.
type ScheduleInput struct {
	Name           string
	Prompt         string
	Cron           string
	Timezone       string
	Cwd            string
	PermissionMode PermissionMode
	Enabled        bool
	MaxRuntimeMs   int64
}

// SchedulePatch is a partial update accepted by UpdateSchedule.
type SchedulePatch struct {
	Name           *string
	Prompt         *string
	Cron           *string
	Timezone       *string
	Cwd            *string
	PermissionMode *PermissionMode
	Enabled        *bool
	Status         *ScheduleStatus
	MaxRuntimeMs   *int64
}

// RunTrigger enumerates why a run was dispatched (spec §3).
type RunTrigger string

const (
	TriggerScheduled RunTrigger = "scheduled"
	TriggerManual    RunTrigger = "manual"
)

// RunStatus enumerates a PulseRun's lifecycle (spec §3).
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// legalRunTransitions encodes the monotonic status graph of spec §3/§8.
var legalRunTransitions = map[RunStatus][]RunStatus{
	RunPending: {RunRunning, RunFailed},
	RunRunning: {RunCompleted, RunFailed, RunCancelled},
}

// CanTransition reports whether moving a run from `from` to `to` is legal.
func CanTransition(from, to RunStatus) bool {
	for _, allowed := range legalRunTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// PulseRun is one instance of a schedule's execution (spec §3).
type PulseRun struct {
	ID             string
	ScheduleID     string
	Trigger        RunTrigger
	Status         RunStatus
	StartedAt      time.Time
	FinishedAt     *time.Time
	DurationMs     *int64
	OutputSummary  string
	Error          string
	SessionID      string
}

// RunPatch is a partial update accepted by UpdateRun.
type RunPatch struct {
	Status        *RunStatus
	FinishedAt    *time.Time
	OutputSummary *string
	Error         *string
	SessionID     *string
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	ScheduleID string
	Status     RunStatus
	Limit      int
}

// PulseStore is the persistent CRUD layer for schedules and runs (C4).
type PulseStore struct {
	db *sql.DB

	onTerminal func(RunStatus)
}

// NewPulseStore opens (creating if needed) the pulse schema on db.
func NewPulseStore(db *sql.DB) (*PulseStore, error) {
	s := &PulseStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OnRunTerminal registers a callback fired whenever UpdateRun moves a run
// into a terminal status (completed/failed/cancelled), from either
// execution branch (direct or relay mode). The gateway's metrics endpoint
// uses this the same way relay.Core's OnSignal feeds its own counters.
func (s *PulseStore) OnRunTerminal(fn func(RunStatus)) {
	s.onTerminal = fn
}

func isTerminal(status RunStatus) bool {
	return status == RunCompleted || status == RunFailed || status == RunCancelled
}

func (s *PulseStore) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS pulse_schedules (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL UNIQUE,
	prompt           TEXT NOT NULL,
	cron             TEXT NOT NULL,
	timezone         TEXT,
	cwd              TEXT,
	permission_mode  TEXT NOT NULL,
	enabled          INTEGER NOT NULL,
	status           TEXT NOT NULL,
	max_runtime_ms   INTEGER,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS pulse_runs (
	id             TEXT PRIMARY KEY,
	schedule_id    TEXT NOT NULL,
	trigger        TEXT NOT NULL,
	status         TEXT NOT NULL,
	started_at     TEXT NOT NULL,
	finished_at    TEXT,
	duration_ms    INTEGER,
	output_summary TEXT,
	error          TEXT,
	session_id     TEXT
);
CREATE INDEX IF NOT EXISTS idx_pulse_runs_schedule_id ON pulse_runs(schedule_id);
CREATE INDEX IF NOT EXISTS idx_pulse_runs_status ON pulse_runs(status);
`)
	if err != nil {
		return apperr.Wrap(apperr.CodeIOError, "migrate pulse schema", err)
	}
	return nil
}

// CreateSchedule inserts a new schedule, assigning a fresh id.
func (s *PulseStore) CreateSchedule(input ScheduleInput) (*PulseSchedule, error) {
	now := time.Now().UTC()
	sched := &PulseSchedule{
		ID:             uuid.NewString(),
		Name:           input.Name,
		Prompt:         input.Prompt,
		Cron:           input.Cron,
		Timezone:       input.Timezone,
		Cwd:            input.Cwd,
		PermissionMode: input.PermissionMode,
		Enabled:        input.Enabled,
		Status:         ScheduleActive,
		MaxRuntimeMs:   input.MaxRuntimeMs,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	_, err := s.db.Exec(`INSERT INTO pulse_schedules
		(id, name, prompt, cron, timezone, cwd, permission_mode, enabled, status, max_runtime_ms, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		sched.ID, sched.Name, sched.Prompt, sched.Cron, nullableString(sched.Timezone),
		nullableString(sched.Cwd), string(sched.PermissionMode), boolToInt(sched.Enabled),
		string(sched.Status), sched.MaxRuntimeMs, formatTime(sched.CreatedAt), formatTime(sched.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.Wrap(apperr.CodeScheduleConflict, "schedule name already exists", err)
		}
		return nil, apperr.Wrap(apperr.CodeInternal, "create schedule", err)
	}
	return sched, nil
}

// GetSchedule returns the schedule identified by id, or nil if absent.
func (s *PulseStore) GetSchedule(id string) (*PulseSchedule, error) {
	row := s.db.QueryRow(`SELECT id, name, prompt, cron, timezone, cwd, permission_mode,
		enabled, status, max_runtime_ms, created_at, updated_at FROM pulse_schedules WHERE id=?`, id)
	sched, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "scan schedule", err)
	}
	return sched, nil
}

// ListSchedules returns every schedule.
func (s *PulseStore) ListSchedules() ([]*PulseSchedule, error) {
	rows, err := s.db.Query(`SELECT id, name, prompt, cron, timezone, cwd, permission_mode,
		enabled, status, max_runtime_ms, created_at, updated_at FROM pulse_schedules ORDER BY created_at`)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "list schedules", err)
	}
	defer rows.Close()

	var out []*PulseSchedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeInternal, "scan schedule", err)
		}
		out = append(out, sched)
	}
	return out, nil
}

// UpdateSchedule partially updates a schedule. id and directory-equivalents
// (here: id) are never mutable.
func (s *PulseStore) UpdateSchedule(id string, patch SchedulePatch) (*PulseSchedule, error) {
	sched, err := s.GetSchedule(id)
	if err != nil {
		return nil, err
	}
	if sched == nil {
		return nil, apperr.New(apperr.CodeNotFound, fmt.Sprintf("schedule %s not found", id))
	}

	if patch.Name != nil {
		sched.Name = *patch.Name
	}
	if patch.Prompt != nil {
		sched.Prompt = *patch.Prompt
	}
	if patch.Cron != nil {
		sched.Cron = *patch.Cron
	}
	if patch.Timezone != nil {
		sched.Timezone = *patch.Timezone
	}
	if patch.Cwd != nil {
		sched.Cwd = *patch.Cwd
	}
	if patch.PermissionMode != nil {
		sched.PermissionMode = *patch.PermissionMode
	}
	if patch.Enabled != nil {
		sched.Enabled = *patch.Enabled
	}
	if patch.Status != nil {
		sched.Status = *patch.Status
	}
	if patch.MaxRuntimeMs != nil {
		sched.MaxRuntimeMs = *patch.MaxRuntimeMs
	}
	sched.UpdatedAt = time.Now().UTC()

	_, err = s.db.Exec(`UPDATE pulse_schedules SET name=?, prompt=?, cron=?, timezone=?, cwd=?,
		permission_mode=?, enabled=?, status=?, max_runtime_ms=?, updated_at=? WHERE id=?`,
		sched.Name, sched.Prompt, sched.Cron, nullableString(sched.Timezone), nullableString(sched.Cwd),
		string(sched.PermissionMode), boolToInt(sched.Enabled), string(sched.Status),
		sched.MaxRuntimeMs, formatTime(sched.UpdatedAt), id)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.Wrap(apperr.CodeScheduleConflict, "schedule name already exists", err)
		}
		return nil, apperr.Wrap(apperr.CodeInternal, "update schedule", err)
	}
	return sched, nil
}

// DeleteSchedule removes a schedule and its runs.
func (s *PulseStore) DeleteSchedule(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "begin delete schedule", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM pulse_runs WHERE schedule_id=?`, id); err != nil {
		return apperr.Wrap(apperr.CodeInternal, "delete schedule runs", err)
	}
	if _, err := tx.Exec(`DELETE FROM pulse_schedules WHERE id=?`, id); err != nil {
		return apperr.Wrap(apperr.CodeInternal, "delete schedule", err)
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.CodeInternal, "commit delete schedule", err)
	}
	return nil
}

// CreateRun inserts a pending run for scheduleID.
func (s *PulseStore) CreateRun(scheduleID string, trigger RunTrigger) (*PulseRun, error) {
	run := &PulseRun{
		ID:         uuid.NewString(),
		ScheduleID: scheduleID,
		Trigger:    trigger,
		Status:     RunPending,
		StartedAt:  time.Now().UTC(),
	}

	_, err := s.db.Exec(`INSERT INTO pulse_runs (id, schedule_id, trigger, status, started_at)
		VALUES (?,?,?,?,?)`, run.ID, run.ScheduleID, string(run.Trigger), string(run.Status), formatTime(run.StartedAt))
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "create run", err)
	}
	return run, nil
}

// GetRun returns the run identified by id, or nil if absent.
func (s *PulseStore) GetRun(id string) (*PulseRun, error) {
	row := s.db.QueryRow(`SELECT id, schedule_id, trigger, status, started_at, finished_at,
		duration_ms, output_summary, error, session_id FROM pulse_runs WHERE id=?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "scan run", err)
	}
	return run, nil
}

// UpdateRun applies patch to run id if the implied status transition is
// legal; monotonic per spec §3/§8.
func (s *PulseStore) UpdateRun(id string, patch RunPatch) (*PulseRun, error) {
	run, err := s.GetRun(id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, apperr.New(apperr.CodeNotFound, fmt.Sprintf("run %s not found", id))
	}

	if patch.Status != nil && *patch.Status != run.Status {
		if !CanTransition(run.Status, *patch.Status) {
			return nil, apperr.New(apperr.CodeInvalidInput,
				fmt.Sprintf("illegal run transition %s -> %s", run.Status, *patch.Status))
		}
		run.Status = *patch.Status
	}
	if patch.FinishedAt != nil {
		run.FinishedAt = patch.FinishedAt
	}
	if patch.OutputSummary != nil {
		run.OutputSummary = *patch.OutputSummary
	}
	if patch.Error != nil {
		run.Error = *patch.Error
	}
	if patch.SessionID != nil {
		run.SessionID = *patch.SessionID
	}

	var durationMs *int64
	if run.FinishedAt != nil {
		d := run.FinishedAt.Sub(run.StartedAt).Milliseconds()
		durationMs = &d
	}
	run.DurationMs = durationMs

	_, err = s.db.Exec(`UPDATE pulse_runs SET status=?, finished_at=?, duration_ms=?,
		output_summary=?, error=?, session_id=? WHERE id=?`,
		string(run.Status), nullableTime(run.FinishedAt), durationMs,
		run.OutputSummary, run.Error, nullableString(run.SessionID), id)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "update run", err)
	}
	if s.onTerminal != nil && isTerminal(run.Status) {
		s.onTerminal(run.Status)
	}
	return run, nil
}

// ListRuns returns runs matching filter, most recent first.
func (s *PulseStore) ListRuns(filter RunFilter) ([]*PulseRun, error) {
	query := `SELECT id, schedule_id, trigger, status, started_at, finished_at,
		duration_ms, output_summary, error, session_id FROM pulse_runs WHERE 1=1`
	var args []any
	if filter.ScheduleID != "" {
		query += ` AND schedule_id=?`
		args = append(args, filter.ScheduleID)
	}
	if filter.Status != "" {
		query += ` AND status=?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "list runs", err)
	}
	defer rows.Close()

	var out []*PulseRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeInternal, "scan run", err)
		}
		out = append(out, run)
	}
	return out, nil
}

// MarkRunningAsFailed coerces every "running" run to "failed" with error
// "interrupted". Called once at scheduler boot for crash recovery (spec §3,
// §8 invariant 2).
func (s *PulseStore) MarkRunningAsFailed() (int, error) {
	now := formatTime(time.Now().UTC())
	res, err := s.db.Exec(`UPDATE pulse_runs SET status=?, error=?, finished_at=?
		WHERE status=?`, string(RunFailed), "interrupted", now, string(RunRunning))
	if err != nil {
		return 0, apperr.Wrap(apperr.CodeInternal, "mark running runs as failed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.Wrap(apperr.CodeInternal, "count interrupted runs", err)
	}
	return int(n), nil
}

// PruneRuns deletes rows for scheduleID beyond the newest keep, ordered by
// StartedAt (spec §3 retention).
func (s *PulseStore) PruneRuns(scheduleID string, keep int) error {
	if keep <= 0 {
		return nil
	}
	_, err := s.db.Exec(`DELETE FROM pulse_runs WHERE schedule_id=? AND id NOT IN (
		SELECT id FROM pulse_runs WHERE schedule_id=? ORDER BY started_at DESC LIMIT ?)`,
		scheduleID, scheduleID, keep)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "prune runs", err)
	}
	return nil
}

func scanSchedule(row scanner) (*PulseSchedule, error) {
	var sched PulseSchedule
	var timezone, cwd sql.NullString
	var enabled int
	var permissionMode, status, createdAt, updatedAt string
	var maxRuntime sql.NullInt64

	if err := row.Scan(&sched.ID, &sched.Name, &sched.Prompt, &sched.Cron, &timezone, &cwd,
		&permissionMode, &enabled, &status, &maxRuntime, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	sched.Timezone = timezone.String
	sched.Cwd = cwd.String
	sched.PermissionMode = PermissionMode(permissionMode)
	sched.Enabled = enabled != 0
	sched.Status = ScheduleStatus(status)
	sched.MaxRuntimeMs = maxRuntime.Int64
	sched.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	sched.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &sched, nil
}

func scanRun(row scanner) (*PulseRun, error) {
	var run PulseRun
	var finishedAt, outputSummary, errStr, sessionID sql.NullString
	var durationMs sql.NullInt64
	var trigger, status, startedAt string

	if err := row.Scan(&run.ID, &run.ScheduleID, &trigger, &status, &startedAt, &finishedAt,
		&durationMs, &outputSummary, &errStr, &sessionID); err != nil {
		return nil, err
	}

	run.Trigger = RunTrigger(trigger)
	run.Status = RunStatus(status)
	run.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	if finishedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, finishedAt.String); err == nil {
			run.FinishedAt = &t
		}
	}
	if durationMs.Valid {
		run.DurationMs = &durationMs.Int64
	}
	run.OutputSummary = outputSummary.String
	run.Error = errStr.String
	run.SessionID = sessionID.String
	return &run, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") || strings.Contains(err.Error(), "constraint failed: UNIQUE"))
}
