// Package overnight implements the unattended batch-run state machine
// (active -> completed), bounded by a per-task and a global error
// budget, with a drain mode that stops new spawns but lets in-flight
// agents finish before a timeout forces completion. Draining is a
// persisted deadline the daemon tick compares against each cycle,
// rather than a live goroutine wait, since this daemon has no
// long-running worker pool to block on.
package overnight

import (
	"encoding/json"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pilot-run/pilot/internal/atomicfile"
	"github.com/pilot-run/pilot/internal/clock"
	"github.com/pilot-run/pilot/internal/config"
	"github.com/pilot-run/pilot/internal/escalation"
	"github.com/pilot-run/pilot/internal/perr"
	"github.com/pilot-run/pilot/internal/policy"
)

// Status is a run's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// TaskOutcome is one task's standing within a run.
type TaskOutcome struct {
	TaskID     string `json:"task_id"`
	Succeeded  bool   `json:"succeeded"`
	OverBudget bool   `json:"over_budget"`
	Attempts   int    `json:"attempts"`
}

// TaskErrorState is a task's consecutive-failure count, persisted per
// task under state/overnight/errors/<task>.json independent
// of any single run, so a task that failed late last night still
// starts tonight's run over its budget rather than resetting for free.
type TaskErrorState struct {
	TaskID              string    `json:"task_id"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OverBudget          bool      `json:"over_budget"`
	LastRunID           string    `json:"last_run_id"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Run is one overnight run's persisted state.
type Run struct {
	RunID            string                 `json:"run_id"`
	Status           Status                 `json:"status"`
	StartedAt        time.Time              `json:"started_at"`
	CompletedAt      time.Time              `json:"completed_at,omitempty"`
	CompletionReason string                 `json:"completion_reason,omitempty"`
	DrainRequested   bool                   `json:"drain_requested"`
	DrainRequestedAt time.Time              `json:"drain_requested_at,omitempty"`
	TotalErrors      int                    `json:"total_errors"`
	Commits          int                    `json:"commits"`
	Tasks            map[string]TaskOutcome `json:"tasks"`
}

// Report is the morning report written on completion: tasks, costs,
// commits, and outstanding human escalations.
type Report struct {
	RunID                       string    `json:"run_id"`
	GeneratedAt                 time.Time `json:"generated_at"`
	TasksSucceeded              int       `json:"tasks_succeeded"`
	TasksFailed                 int       `json:"tasks_failed"`
	TasksOverBudget             int       `json:"tasks_over_budget"`
	Commits                     int       `json:"commits"`
	TotalTokens                 int64     `json:"total_tokens"`
	TotalCostUSD                float64   `json:"total_cost_usd"`
	OutstandingHumanEscalations []string  `json:"outstanding_human_escalations"`
	CompletionReason            string    `json:"completion_reason"`
}

// BudgetTracker is the narrow slice of internal/budget.Tracker the
// report needs, kept as an interface so overnight tests don't need a
// full budget.Tracker fixture for runs with no tracked tasks.
type BudgetTracker interface {
	Check(taskID, sessionID string) (CheckResult, error)
	CostUSD(tokens int64) float64
}

// CheckResult mirrors budget.CheckResult's shape so this package
// doesn't import internal/budget just for the type name.
type CheckResult struct {
	TaskTokens int64
}

// Manager owns the overnight run state machine.
type Manager struct {
	paths config.Paths
	pol   policy.Policy
	clock clock.Clock
	bud   BudgetTracker
}

// New creates a Manager. bud may be nil; reports then omit cost totals.
func New(paths config.Paths, pol policy.Policy, clk clock.Clock, bud BudgetTracker) *Manager {
	return &Manager{paths: paths, pol: pol, clock: clk, bud: bud}
}

func (m *Manager) load(runID string) (Run, error) {
	data, err := os.ReadFile(m.paths.OvernightFile(runID))
	if err != nil {
		return Run{}, perr.Wrap(perr.StaleState, err, "overnight: read run %s", runID)
	}
	var r Run
	if err := json.Unmarshal(data, &r); err != nil {
		return Run{}, perr.Wrap(perr.StaleState, err, "overnight: decode run %s", runID)
	}
	return r, nil
}

func (m *Manager) save(r Run) error {
	return atomicfile.WriteJSON(m.paths.OvernightFile(r.RunID), r)
}

func (m *Manager) loadTaskError(taskID string) (TaskErrorState, error) {
	data, err := os.ReadFile(m.paths.OvernightErrorFile(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return TaskErrorState{TaskID: taskID}, nil
		}
		return TaskErrorState{}, perr.Wrap(perr.StaleState, err, "overnight: read task error state %s", taskID)
	}
	var s TaskErrorState
	if err := json.Unmarshal(data, &s); err != nil {
		return TaskErrorState{TaskID: taskID}, nil
	}
	return s, nil
}

func (m *Manager) saveTaskError(s TaskErrorState) error {
	return atomicfile.WriteJSON(m.paths.OvernightErrorFile(s.TaskID), s)
}

// Start creates a new active run.
func (m *Manager) Start(runID string) (Run, error) {
	r := Run{
		RunID:     runID,
		Status:    StatusActive,
		StartedAt: m.clock.Now(),
		Tasks:     map[string]TaskOutcome{},
	}
	if err := m.save(r); err != nil {
		return Run{}, err
	}
	return r, nil
}

func (m *Manager) taskErrorBudget() int {
	if m.pol.Overnight.TaskErrorBudget > 0 {
		return m.pol.Overnight.TaskErrorBudget
	}
	return 3
}

func (m *Manager) totalErrorBudget() int {
	if m.pol.Overnight.TotalErrorBudget > 0 {
		return m.pol.Overnight.TotalErrorBudget
	}
	return 10
}

func (m *Manager) drainTimeout() time.Duration {
	min := m.pol.Overnight.DrainTimeoutMin
	if min <= 0 {
		min = 15
	}
	return time.Duration(min) * time.Minute
}

// RecordTaskResult folds one task attempt's outcome into the run,
// marking the task over-budget after the configured number of
// consecutive failures and tracking the run's global error count
// so an over-budget task is marked and skipped.
func (m *Manager) RecordTaskResult(runID, taskID string, success bool) (Run, error) {
	r, err := m.load(runID)
	if err != nil {
		return Run{}, err
	}
	errState, err := m.loadTaskError(taskID)
	if err != nil {
		return Run{}, err
	}
	if success {
		errState.ConsecutiveFailures = 0
		errState.OverBudget = false
	} else {
		errState.ConsecutiveFailures++
		if errState.ConsecutiveFailures >= m.taskErrorBudget() {
			errState.OverBudget = true
		}
	}
	errState.LastRunID = runID
	errState.UpdatedAt = m.clock.Now()
	if err := m.saveTaskError(errState); err != nil {
		return Run{}, err
	}

	t := r.Tasks[taskID]
	t.TaskID = taskID
	t.Attempts++
	t.Succeeded = success
	t.OverBudget = errState.OverBudget
	r.Tasks[taskID] = t
	if !success {
		r.TotalErrors++
	}

	if r.TotalErrors >= m.totalErrorBudget() && r.Status == StatusActive {
		return m.complete(r, "total_error_budget_exceeded")
	}
	if err := m.save(r); err != nil {
		return Run{}, err
	}
	return r, nil
}

// IsTaskOverBudget reports whether taskID has already exhausted its
// consecutive-failure budget, independent of which run is asking.
func (m *Manager) IsTaskOverBudget(taskID string) bool {
	s, err := m.loadTaskError(taskID)
	if err != nil {
		return false
	}
	return s.OverBudget
}

// RecordCommit increments the run's commit counter, surfaced in the
// morning report.
func (m *Manager) RecordCommit(runID string) error {
	r, err := m.load(runID)
	if err != nil {
		return err
	}
	r.Commits++
	return m.save(r)
}

// RequestDrain flips drain_requested so the daemon stops new spawns
// while active agents finish.
func (m *Manager) RequestDrain(runID string) (Run, error) {
	r, err := m.load(runID)
	if err != nil {
		return Run{}, err
	}
	if !r.DrainRequested {
		r.DrainRequested = true
		r.DrainRequestedAt = m.clock.Now()
		if err := m.save(r); err != nil {
			return Run{}, err
		}
	}
	return r, nil
}

// ShouldSpawn reports whether the daemon may start new agents for this
// run: false once drain has been requested or the run has completed.
func (r Run) ShouldSpawn() bool {
	return r.Status == StatusActive && !r.DrainRequested
}

// AnyActiveDraining reports whether any active run has drain requested,
// for the daemon's spawn scan to stop launching new agents while the
// in-flight ones finish.
func (m *Manager) AnyActiveDraining() bool {
	entries, err := os.ReadDir(m.paths.OvernightDir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		r, err := m.load(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		if r.Status == StatusActive && r.DrainRequested {
			return true
		}
	}
	return false
}

// Complete marks the run finished and writes its morning report.
func (m *Manager) Complete(runID, reason string) (Run, error) {
	r, err := m.load(runID)
	if err != nil {
		return Run{}, err
	}
	return m.complete(r, reason)
}

func (m *Manager) complete(r Run, reason string) (Run, error) {
	r.Status = StatusCompleted
	r.CompletedAt = m.clock.Now()
	r.CompletionReason = reason
	if err := m.save(r); err != nil {
		return Run{}, err
	}
	if _, err := m.generateReport(r); err != nil {
		return r, err
	}
	return r, nil
}

func (m *Manager) generateReport(r Run) (Report, error) {
	rep := Report{
		RunID:            r.RunID,
		GeneratedAt:      m.clock.Now(),
		Commits:          r.Commits,
		CompletionReason: r.CompletionReason,
	}
	taskIDs := make([]string, 0, len(r.Tasks))
	for id := range r.Tasks {
		taskIDs = append(taskIDs, id)
	}
	sort.Strings(taskIDs)
	for _, id := range taskIDs {
		t := r.Tasks[id]
		switch {
		case t.OverBudget:
			rep.TasksOverBudget++
		case t.Succeeded:
			rep.TasksSucceeded++
		default:
			rep.TasksFailed++
		}
		if m.bud != nil {
			if cr, err := m.bud.Check(id, ""); err == nil {
				rep.TotalTokens += cr.TaskTokens
			}
		}
	}
	if m.bud != nil {
		rep.TotalCostUSD = m.bud.CostUSD(rep.TotalTokens)
	}
	rep.OutstandingHumanEscalations = m.outstandingHumanEscalations()
	if err := atomicfile.WriteJSON(m.paths.OvernightReportFile(r.RunID), rep); err != nil {
		return Report{}, err
	}
	return rep, nil
}

// GenerateReport produces a report for runID, falling back to an empty
// Run when none is on disk. This backs the standing daily_report_cron
// schedule, which must produce a report even on nights nothing ran
// and so has no live Run to complete.
func (m *Manager) GenerateReport(runID string) (Report, error) {
	r, err := m.load(runID)
	if err != nil {
		r = Run{RunID: runID}
	}
	return m.generateReport(r)
}

// outstandingHumanEscalations lists every unresolved escalation pinned
// at the terminal "human" level, for the morning report's "outstanding
// human escalations" field.
func (m *Manager) outstandingHumanEscalations() []string {
	entries, err := os.ReadDir(m.paths.EscalationsDir)
	if err != nil {
		return nil
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(m.paths.EscalationsDir + "/" + e.Name())
		if err != nil {
			continue
		}
		var s escalation.State
		if err := json.Unmarshal(data, &s); err != nil {
			continue
		}
		if !s.Resolved && s.Level == "human" {
			keys = append(keys, escalation.Key(s.EventType, s.SessionID, s.TaskID))
		}
	}
	sort.Strings(keys)
	return keys
}

// Scan drives every active run's drain timeout each daemon tick (past
// the timeout the run is forcibly completed), satisfying
// coordinator.OvernightScanner.
func (m *Manager) Scan() (int, error) {
	entries, err := os.ReadDir(m.paths.OvernightDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, perr.Wrap(perr.IOError, err, "overnight: scan runs")
	}
	forced := 0
	now := m.clock.Now()
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		runID := strings.TrimSuffix(e.Name(), ".json")
		r, err := m.load(runID)
		if err != nil || r.Status != StatusActive || !r.DrainRequested {
			continue
		}
		if now.Sub(r.DrainRequestedAt) < m.drainTimeout() {
			continue
		}
		if _, err := m.complete(r, "drain_timeout"); err != nil {
			continue
		}
		forced++
	}
	return forced, nil
}
