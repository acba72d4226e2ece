// Package budget implements the cost/token tracker: every tool output's
// byte count is converted to tokens, accumulated per-task and
// per-agent-per-day, and checked against three policy thresholds.
// Token counts come from a byte-count heuristic and cost from one flat
// per-million-token rate, since agents are external processes rather
// than directly billed API calls.
package budget

import (
	"encoding/json"
	"math"
	"os"
	"sync"

	"github.com/pilot-run/pilot/internal/atomicfile"
	"github.com/pilot-run/pilot/internal/clock"
	"github.com/pilot-run/pilot/internal/config"
	"github.com/pilot-run/pilot/internal/perr"
	"github.com/pilot-run/pilot/internal/policy"
)

// Status is the outcome of a budget check.
type Status string

const (
	StatusOK       Status = "ok"
	StatusWarning  Status = "warning"
	StatusExceeded Status = "exceeded"
)

// TaskRecord accumulates token usage for one task.
type TaskRecord struct {
	TaskID string `json:"task_id"`
	Tokens int64  `json:"tokens"`
}

// AgentDayRecord accumulates token usage for one agent session on one
// calendar day.
type AgentDayRecord struct {
	SessionID string `json:"session_id"`
	Date      string `json:"date"` // YYYY-MM-DD
	Tokens    int64  `json:"tokens"`
}

// Recorder observes every token recording for metrics export. A nil
// Recorder (the default) makes observation a no-op.
type Recorder interface {
	RecordTokens(taskID, sessionID string, tokens int64, status Status)
}

// Tracker records tool-output bytes as tokens and checks them against
// policy.yaml's enforcement.* budget thresholds.
type Tracker struct {
	paths    config.Paths
	clock    clock.Clock
	recorder Recorder

	polMu sync.RWMutex
	pol   policy.Policy
}

// New creates a Tracker.
func New(paths config.Paths, pol policy.Policy, clk clock.Clock) *Tracker {
	return &Tracker{paths: paths, pol: pol, clock: clk}
}

// SetPolicy swaps the tracker's policy snapshot (hot reload). Counters
// live on disk; only the thresholds and the cost rate change.
func (t *Tracker) SetPolicy(pol policy.Policy) {
	t.polMu.Lock()
	t.pol = pol
	t.polMu.Unlock()
}

func (t *Tracker) policy() policy.Policy {
	t.polMu.RLock()
	defer t.polMu.RUnlock()
	return t.pol
}

// SetRecorder attaches a metrics Recorder invoked on every Record call.
func (t *Tracker) SetRecorder(r Recorder) { t.recorder = r }

// BytesToTokens estimates tokens as round(bytes/4), applied uniformly
// to text and binary tool output.
func BytesToTokens(numBytes int) int64 {
	return int64(math.Round(float64(numBytes) / 4.0))
}

// CostUSD converts a token count to a dollar amount at the configured
// flat rate.
func (t *Tracker) CostUSD(tokens int64) float64 {
	return float64(tokens) / 1_000_000 * t.policy().Enforcement.CostPerMillionTokens
}

func (t *Tracker) loadTask(taskID string) (TaskRecord, error) {
	data, err := os.ReadFile(t.paths.CostTaskFile(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return TaskRecord{TaskID: taskID}, nil
		}
		return TaskRecord{}, err
	}
	var r TaskRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return TaskRecord{TaskID: taskID}, nil
	}
	return r, nil
}

func (t *Tracker) loadAgentDay(sessionID, date string) (AgentDayRecord, error) {
	data, err := os.ReadFile(t.paths.CostAgentFile(sessionID + "_" + date))
	if err != nil {
		if os.IsNotExist(err) {
			return AgentDayRecord{SessionID: sessionID, Date: date}, nil
		}
		return AgentDayRecord{}, err
	}
	var r AgentDayRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return AgentDayRecord{SessionID: sessionID, Date: date}, nil
	}
	return r, nil
}

// dayTotalPath is a single file aggregating every agent's usage for one
// calendar day, used for the per-day policy check.
func (t *Tracker) dayTotalPath(date string) string {
	return t.paths.CostAgentFile("_day_total_" + date)
}

func (t *Tracker) loadDayTotal(date string) (int64, error) {
	data, err := os.ReadFile(t.dayTotalPath(date))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	var v struct {
		Tokens int64 `json:"tokens"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return 0, nil
	}
	return v.Tokens, nil
}

// Record adds numBytes worth of tokens to taskID's and sessionID's
// counters, atomically, and returns the combined budget status.
func (t *Tracker) Record(taskID, sessionID string, numBytes int) (Status, error) {
	tokens := BytesToTokens(numBytes)
	date := t.clock.Now().Format("2006-01-02")

	task, err := t.loadTask(taskID)
	if err != nil {
		return "", perr.Wrap(perr.TrackerError, err, "record: load task")
	}
	task.Tokens += tokens
	if err := atomicfile.WriteJSON(t.paths.CostTaskFile(taskID), task); err != nil {
		return "", perr.Wrap(perr.IOError, err, "record: save task")
	}

	agentDay, err := t.loadAgentDay(sessionID, date)
	if err != nil {
		return "", perr.Wrap(perr.TrackerError, err, "record: load agent day")
	}
	agentDay.Tokens += tokens
	if err := atomicfile.WriteJSON(t.paths.CostAgentFile(sessionID+"_"+date), agentDay); err != nil {
		return "", perr.Wrap(perr.IOError, err, "record: save agent day")
	}

	dayTotal, err := t.loadDayTotal(date)
	if err != nil {
		return "", perr.Wrap(perr.TrackerError, err, "record: load day total")
	}
	dayTotal += tokens
	if err := atomicfile.WriteJSON(t.dayTotalPath(date), struct {
		Tokens int64 `json:"tokens"`
	}{dayTotal}); err != nil {
		return "", perr.Wrap(perr.IOError, err, "record: save day total")
	}

	status := t.check(task.Tokens, agentDay.Tokens, dayTotal)
	if t.recorder != nil {
		t.recorder.RecordTokens(taskID, sessionID, tokens, status)
	}
	return status, nil
}

// check combines the three policies and returns the most-restrictive
// status.
func (t *Tracker) check(taskTokens, agentDayTokens, dayTokens int64) Status {
	e := t.policy().Enforcement
	worst := StatusOK

	tighten := func(s Status) {
		if rank(s) > rank(worst) {
			worst = s
		}
	}

	if e.PerTaskBlockTokens > 0 && taskTokens >= int64(e.PerTaskBlockTokens) {
		tighten(StatusExceeded)
	} else if e.PerTaskWarnTokens > 0 && taskTokens >= int64(e.PerTaskWarnTokens) {
		tighten(StatusWarning)
	}

	if e.PerAgentDayBlockTokens > 0 && agentDayTokens >= int64(e.PerAgentDayBlockTokens) {
		tighten(StatusExceeded)
	} else if e.PerAgentDayWarnTokens > 0 && agentDayTokens >= int64(e.PerAgentDayWarnTokens) {
		tighten(StatusWarning)
	}

	if e.PerDayBlockTokens > 0 && dayTokens >= int64(e.PerDayBlockTokens) {
		tighten(StatusExceeded)
	} else if e.PerDayWarnTokens > 0 && dayTokens >= int64(e.PerDayWarnTokens) {
		tighten(StatusWarning)
	}

	return worst
}

func rank(s Status) int {
	switch s {
	case StatusExceeded:
		return 2
	case StatusWarning:
		return 1
	default:
		return 0
	}
}

// CheckResult reports the combined status plus each policy's current
// standing, for surfacing to a human or a budget_exceeded escalation.
type CheckResult struct {
	Status         Status
	TaskTokens     int64
	AgentDayTokens int64
	DayTokens      int64
}

// Check reports the current combined budget status without recording
// new usage.
func (t *Tracker) Check(taskID, sessionID string) (CheckResult, error) {
	date := t.clock.Now().Format("2006-01-02")
	task, err := t.loadTask(taskID)
	if err != nil {
		return CheckResult{}, perr.Wrap(perr.TrackerError, err, "check: load task")
	}
	agentDay, err := t.loadAgentDay(sessionID, date)
	if err != nil {
		return CheckResult{}, perr.Wrap(perr.TrackerError, err, "check: load agent day")
	}
	dayTotal, err := t.loadDayTotal(date)
	if err != nil {
		return CheckResult{}, perr.Wrap(perr.TrackerError, err, "check: load day total")
	}
	return CheckResult{
		Status:         t.check(task.Tokens, agentDay.Tokens, dayTotal),
		TaskTokens:     task.Tokens,
		AgentDayTokens: agentDay.Tokens,
		DayTokens:      dayTotal,
	}, nil
}
