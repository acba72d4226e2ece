// Package review implements the peer-review merge gate and the quality
// gate: selecting a reviewer by expertise, running a
// lightweight or full pass depending on diff size, persisting the
// decision atomically, and separately comparing quality metrics
// against per-area thresholds (with grace periods) and a
// per-commit regression cap. Reviewer selection reuses
// internal/board.Registry's capability matching — reviewing a changed
// file and discovering which role owns it are the same lookup. The
// gate file itself is one JSON document per task, written atomically.
package review

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/pilot-run/pilot/internal/atomicfile"
	"github.com/pilot-run/pilot/internal/board"
	"github.com/pilot-run/pilot/internal/clock"
	"github.com/pilot-run/pilot/internal/config"
	"github.com/pilot-run/pilot/internal/perr"
	"github.com/pilot-run/pilot/internal/policy"
)

// Decision is a review gate's outcome.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// PassKind is how thoroughly the reviewer examined the change.
type PassKind string

const (
	PassLightweight PassKind = "lightweight"
	PassFull        PassKind = "full"
)

// Gate is one task's persisted peer-review decision (state/review-gates
// /<taskId>.json).
type Gate struct {
	TaskID    string    `json:"task_id"`
	Decision  Decision  `json:"decision"`
	Reviewer  string    `json:"reviewer"`
	Pass      PassKind  `json:"pass"`
	Reasons   []string  `json:"reasons,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
	DiffLines int       `json:"diff_lines"`
}

// Manager runs peer review and the quality gate.
type Manager struct {
	paths    config.Paths
	clock    clock.Clock
	registry *board.Registry

	polMu sync.RWMutex
	pol   policy.Policy
}

// New creates a Manager. registry may be nil; reviewer selection then
// always falls back to "generalist".
func New(paths config.Paths, pol policy.Policy, clk clock.Clock, registry *board.Registry) *Manager {
	return &Manager{paths: paths, pol: pol, clock: clk, registry: registry}
}

// SetPolicy swaps the manager's policy snapshot (hot reload): review
// requirement, diff-size threshold, and quality thresholds.
func (m *Manager) SetPolicy(pol policy.Policy) {
	m.polMu.Lock()
	m.pol = pol
	m.polMu.Unlock()
}

func (m *Manager) policy() policy.Policy {
	m.polMu.RLock()
	defer m.polMu.RUnlock()
	return m.pol
}

// Gate loads taskID's persisted peer-review gate. A missing file is
// reported as a pending (unreviewed) gate rather than an error, since
// a missing gate blocks merge the same way a rejected one does.
func (m *Manager) Gate(taskID string) (Gate, bool, error) {
	data, err := os.ReadFile(m.paths.ReviewGateFile(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return Gate{}, false, nil
		}
		return Gate{}, false, perr.Wrap(perr.IOError, err, "review: read gate %s", taskID)
	}
	var g Gate
	if err := json.Unmarshal(data, &g); err != nil {
		return Gate{}, false, perr.Wrap(perr.StaleState, err, "review: decode gate %s", taskID)
	}
	return g, true, nil
}

// MergeAllowed reports whether taskID's gate clears the peer-review
// requirement: missing or rejected blocks, approved passes.
func (m *Manager) MergeAllowed(taskID string) (bool, error) {
	if !m.policy().Approval.RequireReview {
		return true, nil
	}
	g, found, err := m.Gate(taskID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	return g.Decision == DecisionApproved, nil
}

func (m *Manager) selectReviewer(changedFiles []string) string {
	if m.registry == nil || len(changedFiles) == 0 {
		return "generalist"
	}
	votes := map[string]int{}
	for _, f := range changedFiles {
		if role, ok := m.registry.DiscoverRole(f); ok {
			votes[role]++
		}
	}
	best, bestCount := "generalist", -1
	for role, count := range votes {
		if count > bestCount || (count == bestCount && role < best) {
			best, bestCount = role, count
		}
	}
	return best
}

func (m *Manager) passKind(diffLines int) PassKind {
	max := m.policy().Approval.LightweightMaxLines
	if max <= 0 {
		max = 50
	}
	if diffLines <= max {
		return PassLightweight
	}
	return PassFull
}

// AutoReview runs the policy-driven auto-reviewer: selects a reviewer
// by expertise, runs a lightweight pass if the diff is under
// threshold or a full pass otherwise, and writes the gate file
// atomically. The quality verdict (already computed by Evaluate, or
// nil to skip quality-based rejection) folds into the decision: a full
// pass rejects when the verdict fails; a lightweight pass never
// rejects, whatever the verdict.
func (m *Manager) AutoReview(taskID string, diffLines int, changedFiles []string, quality *Verdict) (Gate, error) {
	pass := m.passKind(diffLines)
	reviewer := m.selectReviewer(changedFiles)

	g := Gate{
		TaskID:    taskID,
		Reviewer:  reviewer,
		Pass:      pass,
		DiffLines: diffLines,
		DecidedAt: m.clock.Now(),
		Decision:  DecisionApproved,
	}
	if pass == PassFull && quality != nil && !quality.Pass {
		g.Decision = DecisionRejected
		g.Reasons = quality.Reasons
	}
	if err := m.save(g); err != nil {
		return Gate{}, err
	}
	return g, nil
}

// EnsureGate runs the auto-reviewer for taskID unless a decision is
// already persisted, so an explicit human approval or rejection is
// never overwritten by a later automatic pass.
func (m *Manager) EnsureGate(taskID string, diffLines int, changedFiles []string) error {
	_, found, err := m.Gate(taskID)
	if err != nil || found {
		return err
	}
	_, err = m.AutoReview(taskID, diffLines, changedFiles, nil)
	return err
}

func (m *Manager) save(g Gate) error {
	return atomicfile.WriteJSON(m.paths.ReviewGateFile(g.TaskID), g)
}

// Reject writes an explicit rejection (a human reviewer overriding
// auto-review, or a quality-gate hard failure).
func (m *Manager) Reject(taskID, reviewer string, reasons []string) (Gate, error) {
	g := Gate{TaskID: taskID, Decision: DecisionRejected, Reviewer: reviewer, Reasons: reasons, DecidedAt: m.clock.Now()}
	if err := m.save(g); err != nil {
		return Gate{}, err
	}
	return g, nil
}

// Approve writes an explicit approval.
func (m *Manager) Approve(taskID, reviewer string) (Gate, error) {
	g := Gate{TaskID: taskID, Decision: DecisionApproved, Reviewer: reviewer, DecidedAt: m.clock.Now()}
	if err := m.save(g); err != nil {
		return Gate{}, err
	}
	return g, nil
}

// Verdict is the quality gate's verdict for one evaluation.
type Verdict struct {
	Pass       bool
	Warnings   []string
	Reasons    []string // blocking reasons (regression cap exceeded)
	AreaScores map[string]float64
}

// effectiveThreshold applies the per-task grace period: a task younger
// than GraceDays gets its threshold relaxed by GraceRelaxPct.
func (m *Manager) effectiveThreshold(area string, taskCreatedAt time.Time) float64 {
	pol := m.policy()
	threshold := pol.Enforcement.DefaultQualityThreshold
	if threshold <= 0 {
		threshold = 0.70
	}
	if qa, ok := pol.Enforcement.QualityAreas[area]; ok && qa.Threshold > 0 {
		threshold = qa.Threshold
	}
	graceDays := pol.Enforcement.GraceDays
	if graceDays <= 0 {
		graceDays = 7
	}
	if !taskCreatedAt.IsZero() && m.clock.Now().Sub(taskCreatedAt) <= time.Duration(graceDays)*24*time.Hour {
		relax := pol.Enforcement.GraceRelaxPct
		if relax <= 0 {
			relax = 0.15
		}
		threshold *= 1 - relax
	}
	return threshold
}

func (m *Manager) regressionCap() float64 {
	cap := m.policy().Enforcement.RegressionCap
	if cap <= 0 {
		cap = 0.05
	}
	return cap
}

// Evaluate compares current per-area quality scores against
// thresholds (producing non-blocking warnings) and against baseline
// scores (producing a blocking verdict if any area regressed by more
// than the regression cap). Threshold warnings are non-blocking; only
// regression past the cap fails the verdict.
func (m *Manager) Evaluate(current, baseline map[string]float64, taskCreatedAt time.Time) Verdict {
	v := Verdict{Pass: true, AreaScores: current}
	for area, score := range current {
		if score < m.effectiveThreshold(area, taskCreatedAt) {
			v.Warnings = append(v.Warnings, area+" below quality threshold")
		}
		if base, ok := baseline[area]; ok && base-score > m.regressionCap() {
			v.Pass = false
			v.Reasons = append(v.Reasons, area+" regressed beyond cap")
		}
	}
	return v
}
