package main

import (
	"context"

	"github.com/pilot-run/pilot/internal/budget"
	"github.com/pilot-run/pilot/internal/coordinator"
	"github.com/pilot-run/pilot/internal/overnight"
	"github.com/pilot-run/pilot/internal/pattern"
	"github.com/pilot-run/pilot/internal/telegram"
)

// overnightBudgetAdapter satisfies overnight.BudgetTracker over
// internal/budget.Tracker: the two packages each define their own
// CheckResult shape (overnight's is a deliberately narrow mirror, to
// avoid importing internal/budget just for one field), so this copies
// the one field overnight's morning report actually reads.
type overnightBudgetAdapter struct {
	tracker *budget.Tracker
}

func (a overnightBudgetAdapter) Check(taskID, sessionID string) (overnight.CheckResult, error) {
	r, err := a.tracker.Check(taskID, sessionID)
	if err != nil {
		return overnight.CheckResult{}, err
	}
	return overnight.CheckResult{TaskTokens: r.TaskTokens}, nil
}

func (a overnightBudgetAdapter) CostUSD(tokens int64) float64 {
	return a.tracker.CostUSD(tokens)
}

// patternAdapter satisfies coordinator.PatternLibrary over
// internal/pattern.Library, whose Match takes free text rather than a
// coordinator.Task. No task description reaches the daemon over the
// narrow TaskSource interface (only id/priority/complexity cross it),
// so the task id itself is the classification text, a
// weaker match signal than a real tracker's title/body would give, but
// the only text coordinator.Task carries.
type patternAdapter struct {
	lib *pattern.Library
}

func (a patternAdapter) Match(task coordinator.Task) (coordinator.Decomposition, bool) {
	d, ok := a.lib.Match(task.ID)
	if !ok {
		return coordinator.Decomposition{}, false
	}
	return coordinator.Decomposition{PatternKey: d.PatternKey, Steps: d.Steps}, true
}

// telegramAdapter satisfies coordinator.TelegramScanner over
// internal/telegram.Processor, whose work is split across two methods
// (drain inbox, sweep approval timeouts); the tick loop only needs to
// know "did this step fail", so both run every scan.
type telegramAdapter struct {
	proc *telegram.Processor
}

func (a telegramAdapter) Scan(ctx context.Context) error {
	if _, err := a.proc.Process(); err != nil {
		return err
	}
	_, err := a.proc.CheckApprovalTimeouts()
	return err
}

// overnightAdapter satisfies coordinator.OvernightScanner over
// internal/overnight.Manager, whose Scan takes no context.
type overnightAdapter struct {
	mgr *overnight.Manager
}

func (a overnightAdapter) Scan(ctx context.Context) error {
	_, err := a.mgr.Scan()
	return err
}
