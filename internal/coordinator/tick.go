package coordinator

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/pilot-run/pilot/internal/budget"
	"github.com/pilot-run/pilot/internal/bus"
	"github.com/pilot-run/pilot/internal/escalation"
	"github.com/pilot-run/pilot/internal/session"
)

// tracer is the global tick tracer. It is a no-op until otelx.Setup
// installs a real TracerProvider via otel.SetTracerProvider, so Tick
// carries tracing unconditionally without the daemon needing a
// telemetry dependency of its own.
var tracer = otel.Tracer("github.com/pilot-run/pilot/internal/coordinator")

// ScanResult is one named step's outcome, reported for observability and
// tests; a step that panicked or errored is recorded here rather than
// aborting the tick.
type ScanResult struct {
	Step  string
	Count int
	Err   error
}

// TickReport summarizes one full tick.
type TickReport struct {
	Scans       []ScanResult
	SpawnedIDs  []string
	HumanQueued int
}

// Tick runs the twelve scans in order, never letting one step's failure
// abort the rest. Ticks never overlap: the caller (Start's
// loop, or a direct one-shot call) is expected to await completion
// before triggering the next.
func (d *Daemon) Tick(ctx context.Context) (TickReport, error) {
	ctx, span := tracer.Start(ctx, "pilot.tick")
	defer span.End()

	var report TickReport

	report.Scans = append(report.Scans, d.runStep("session_scan", d.scanSessions))
	report.Scans = append(report.Scans, d.runStep("task_scan", func() (int, error) { return d.scanTasks(ctx) }))
	report.Scans = append(report.Scans, d.runStep("auto_research", func() (int, error) { return d.scanAutoResearch(ctx) }))

	spawnResult, spawnedIDs := d.scanSpawn(ctx)
	report.Scans = append(report.Scans, spawnResult)
	report.SpawnedIDs = spawnedIDs

	report.Scans = append(report.Scans, d.runStep("ack_sweep", d.scanAckSweep))
	report.Scans = append(report.Scans, d.runStep("auto_de_escalate", d.scanAutoDeEscalate))
	report.Scans = append(report.Scans, d.runStep("budget_scan", func() (int, error) { return d.scanBudget(ctx) }))
	report.Scans = append(report.Scans, d.runStep("drift_scan", d.scanDrift))
	report.Scans = append(report.Scans, d.runStep("cost_publish", func() (int, error) { return d.scanCostPublish(ctx) }))
	report.Scans = append(report.Scans, d.runStep("telegram_scan", func() (int, error) { return d.scanTelegram(ctx) }))
	report.Scans = append(report.Scans, d.runStep("overnight_scan", func() (int, error) { return d.scanOvernight(ctx) }))

	humanResult := d.runStep("human_escalation_queue", d.scanHumanEscalationQueue)
	report.HumanQueued = humanResult.Count
	report.Scans = append(report.Scans, humanResult)

	return report, nil
}

// runStep invokes fn, normalizing its (count, err) pair into a
// ScanResult and logging failures instead of propagating them. A panic
// in fn is recovered and recorded as the step's error.
func (d *Daemon) runStep(name string, fn func() (int, error)) (res ScanResult) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			d.log("%s failed: %v", name, err)
			res = ScanResult{Step: name, Err: err}
		}
	}()
	count, err := fn()
	if err != nil {
		d.log("%s failed: %v", name, err)
	}
	return ScanResult{Step: name, Count: count, Err: err}
}

// 1. Session scan: mark stale sessions ended, release their claims, reap
// zombie spawned child PIDs the daemon itself launched.
func (d *Daemon) scanSessions() (int, error) {
	swept, err := d.sessions.SweepStale()
	if err != nil {
		return 0, err
	}
	for _, sid := range swept {
		if err := d.board.Remove(sid); err != nil {
			d.log("session_scan: board remove %s: %v", sid, err)
		}
	}
	reaped := d.reapZombies()
	return len(swept) + reaped, nil
}

func (d *Daemon) reapZombies() int {
	const zombieAge = 30 // seconds
	now := d.clock.Now()
	reaped := 0
	for sid, child := range d.spawned {
		if now.Sub(child.StartedAt).Seconds() < zombieAge {
			continue
		}
		if !d.procs.IsAlive(child.PID) {
			delete(d.spawned, sid)
			reaped++
		}
	}
	return reaped
}

// 2. Task scan: query the issue tracker for ready tasks. Never loops; a
// tracker error downgrades to an empty result.
func (d *Daemon) scanTasks(ctx context.Context) (int, error) {
	if d.deps.Tasks == nil {
		return 0, nil
	}
	tasks, err := d.deps.Tasks.ReadyTasks(ctx)
	if err != nil {
		return 0, nil // tracker_error: downgrade, continue tick
	}
	return len(tasks), nil
}

// complexityResearchThreshold is the complexity at and above which a
// ready task without cached research gets a research attempt scheduled.
const complexityResearchThreshold = 5

// 3. Auto-research cache: for each ready task, schedule a research
// attempt if absent and complex enough.
func (d *Daemon) scanAutoResearch(ctx context.Context) (int, error) {
	if d.deps.Tasks == nil || d.deps.Research == nil {
		return 0, nil
	}
	tasks, err := d.deps.Tasks.ReadyTasks(ctx)
	if err != nil {
		return 0, nil
	}
	scheduled := 0
	for _, t := range tasks {
		if t.Complexity < complexityResearchThreshold {
			continue
		}
		if d.deps.Research.Has(t.ID) {
			continue
		}
		if err := d.deps.Research.Schedule(t.ID); err == nil {
			scheduled++
		}
	}
	return scheduled, nil
}

// 4. Spawn scan: while spawned < maxAgents and ready tasks exist, spawn
// the highest-priority unclaimed task as a new agent child process.
func (d *Daemon) scanSpawn(ctx context.Context) (ScanResult, []string) {
	if d.deps.Tasks == nil || d.deps.Spawn == nil {
		return ScanResult{Step: "spawn_scan"}, nil
	}
	if d.deps.Paused != nil && d.deps.Paused() {
		return ScanResult{Step: "spawn_scan"}, nil
	}
	tasks, err := d.deps.Tasks.ReadyTasks(ctx)
	if err != nil {
		return ScanResult{Step: "spawn_scan", Err: nil}, nil
	}

	candidates := highestPriorityFirst(tasks)
	var spawnedIDs []string
	for _, t := range candidates {
		if len(d.spawned) >= d.opts.MaxAgents {
			break
		}
		if claimed, _ := d.sessions.IsTaskClaimed(t.ID); claimed {
			continue
		}

		var decomp Decomposition
		if d.deps.Patterns != nil {
			decomp, _ = d.deps.Patterns.Match(t)
		}

		if d.opts.DryRun {
			spawnedIDs = append(spawnedIDs, t.ID)
			continue
		}

		rec, err := d.sessions.Create("", "", 0, d.procs.Self())
		if err != nil {
			d.log("spawn: create session for %s: %v", t.ID, err)
			continue
		}
		pid, err := d.deps.Spawn.Spawn(ctx, t, decomp, rec.SessionID)
		if err != nil {
			d.log("spawn: launch agent for %s: %v", t.ID, err)
			_ = d.sessions.End(rec.SessionID, "spawn_failed")
			continue
		}
		d.spawned[rec.SessionID] = spawnedChild{PID: pid, SessionID: rec.SessionID, StartedAt: d.clock.Now()}
		if _, err := d.sessions.ClaimTask(rec.SessionID, t.ID); err != nil {
			d.log("spawn: claim task %s: %v", t.ID, err)
		}
		spawnedIDs = append(spawnedIDs, t.ID)
	}
	return ScanResult{Step: "spawn_scan", Count: len(spawnedIDs)}, spawnedIDs
}

func highestPriorityFirst(tasks []Task) []Task {
	out := make([]Task, len(tasks))
	copy(out, tasks)
	for i := 1; i < len(out); i++ {
		j := i
		for j > 0 && out[j-1].Priority < out[j].Priority {
			out[j-1], out[j] = out[j], out[j-1]
			j--
		}
	}
	return out
}

// 5. ACK sweep: advance pending ACKs, dispatch escalations or DLQ.
func (d *Daemon) scanAckSweep() (int, error) {
	results, err := d.bus.ProcessAckTimeouts()
	if err != nil {
		return 0, err
	}
	return len(results), nil
}

// 6. Escalation auto-de-escalation: re-evaluate each auto-de-escalatable
// event's triggering condition and resolve if cleared.
func (d *Daemon) scanAutoDeEscalate() (int, error) {
	return d.escalation.ScanAutoDeEscalate(func(s escalation.State) bool {
		if s.EventType == escalation.EventDrift && d.deps.Drift != nil {
			drifted, _ := d.deps.Drift.CheckDrift(s.SessionID)
			return !drifted
		}
		return false
	})
}

// 7. Budget scan: evaluate each active session/task against the three
// policy thresholds; a non-ok status raises the budget_exceeded escalation.
func (d *Daemon) scanBudget(ctx context.Context) (int, error) {
	active, err := d.sessions.ListActive()
	if err != nil {
		return 0, err
	}
	raised := 0
	for _, rec := range active {
		if rec.ClaimedTask == "" {
			continue
		}
		result, err := d.budget.Check(rec.ClaimedTask, rec.SessionID)
		if err != nil {
			continue
		}
		if result.Status == budget.StatusOK {
			_ = d.escalation.Resolve(escalation.EventBudgetExceeded, rec.SessionID, rec.ClaimedTask, "auto")
			continue
		}
		if act, err := d.escalation.Trigger(escalation.EventBudgetExceeded, rec.SessionID, rec.ClaimedTask); err == nil {
			d.applyEscalation(act, escalation.EventBudgetExceeded, rec)
			raised++
		}
		if d.deps.Costs != nil {
			_ = d.deps.Costs.Publish(ctx, result, rec.ClaimedTask, rec.SessionID)
		}
	}
	return raised, nil
}

// applyEscalation performs the side effects a level entry demands:
// a tagged notification at warning, a block marker plus a blocking
// notification at block, claim release plus a reassign broadcast at
// reassign. The human level has no immediate side effect here; the
// human-escalation-queue scan picks those up. Cooldown-suppressed and
// pinned-at-max triggers (Advanced false) are no-ops, so an agent is
// notified once per level, not once per tick.
func (d *Daemon) applyEscalation(act escalation.Action, eventType escalation.EventType, rec session.Record) {
	if !act.Advanced {
		return
	}
	tag := fmt.Sprintf("escalation.%s.%s", eventType, act.Level)
	switch act.Level {
	case "warning":
		_, _ = d.bus.Send(bus.Message{
			Type: "notify", From: "pm", To: rec.SessionID,
			Topic: tag, Priority: bus.PriorityNormal,
		})
	case "block":
		_ = d.escalation.WriteBlockMarker(rec.SessionID, escalation.BlockMarker{
			BlockedAt: d.clock.Now(),
			Reason:    string(eventType),
			TaskID:    rec.ClaimedTask,
			Message:   fmt.Sprintf("session blocked by %s escalation", eventType),
		})
		_, _ = d.bus.Send(bus.Message{
			Type: "notify", From: "pm", To: rec.SessionID,
			Topic: tag, Priority: bus.PriorityBlocking,
		})
	case "reassign":
		_ = d.escalation.ClearBlockMarker(rec.SessionID)
		_ = d.sessions.ReleaseTask(rec.SessionID)
		payload, _ := json.Marshal(map[string]string{
			"task_id": rec.ClaimedTask, "session_id": rec.SessionID,
		})
		_, _ = d.bus.Send(bus.Message{
			Type: "broadcast", From: "pm", To: "*",
			Topic: "escalation.task_reassigned", Priority: bus.PriorityNormal,
			Payload: payload,
		})
	}
}

// 8. Drift scan: compare current work against the approved plan; trigger
// the drift escalation on drift.
func (d *Daemon) scanDrift() (int, error) {
	if d.deps.Drift == nil {
		return 0, nil
	}
	active, err := d.sessions.ListActive()
	if err != nil {
		return 0, err
	}
	triggered := 0
	for _, rec := range active {
		drifted, _ := d.deps.Drift.CheckDrift(rec.SessionID)
		if !drifted {
			continue
		}
		if act, err := d.escalation.Trigger(escalation.EventDrift, rec.SessionID, rec.ClaimedTask); err == nil {
			d.applyEscalation(act, escalation.EventDrift, rec)
			triggered++
		}
	}
	return triggered, nil
}

// 9. Cost channel publish: publish daily + per-task summaries.
func (d *Daemon) scanCostPublish(ctx context.Context) (int, error) {
	if d.deps.Costs == nil {
		return 0, nil
	}
	active, err := d.sessions.ListActive()
	if err != nil {
		return 0, err
	}
	published := 0
	for _, rec := range active {
		if rec.ClaimedTask == "" {
			continue
		}
		result, err := d.budget.Check(rec.ClaimedTask, rec.SessionID)
		if err != nil {
			continue
		}
		if err := d.deps.Costs.Publish(ctx, result, rec.ClaimedTask, rec.SessionID); err == nil {
			published++
		}
	}
	return published, nil
}

// 10. Telegram scan: delegate to the Telegram processor.
func (d *Daemon) scanTelegram(ctx context.Context) (int, error) {
	if d.deps.Telegram == nil {
		return 0, nil
	}
	if err := d.deps.Telegram.Scan(ctx); err != nil {
		return 0, err
	}
	return 1, nil
}

// 11. Overnight scan: advance the active overnight run, if any.
func (d *Daemon) scanOvernight(ctx context.Context) (int, error) {
	if d.deps.Overnight == nil {
		return 0, nil
	}
	if err := d.deps.Overnight.Scan(ctx); err != nil {
		return 0, err
	}
	return 1, nil
}

// 12. Human escalation queue: append every unresolved human-level
// escalation to the queue file for operator review.
func (d *Daemon) scanHumanEscalationQueue() (int, error) {
	return d.appendUnresolvedHumanEscalations()
}
