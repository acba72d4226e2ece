package coordinator

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/pilot-run/pilot/internal/clock"
	"github.com/pilot-run/pilot/internal/config"
	"github.com/pilot-run/pilot/internal/policy"
	"github.com/pilot-run/pilot/internal/procworld"
)

type fakeTasks struct {
	tasks []Task
	err   error
}

func (f *fakeTasks) ReadyTasks(ctx context.Context) ([]Task, error) { return f.tasks, f.err }

type fakeSpawner struct {
	nextPID int
	calls   []Task
}

func (f *fakeSpawner) Spawn(ctx context.Context, task Task, decomp Decomposition, sessionID string) (int, error) {
	f.calls = append(f.calls, task)
	f.nextPID++
	return f.nextPID, nil
}

type fakeDrift struct {
	drifted map[string]string
}

func (f *fakeDrift) CheckDrift(sessionID string) (bool, string) {
	if d, ok := f.drifted[sessionID]; ok {
		return true, d
	}
	return false, ""
}

func newTestDaemon(t *testing.T, opts Options, deps Collaborators) (*Daemon, config.Paths, *clock.Fake, *procworld.Fake) {
	t.Helper()
	root := t.TempDir()
	paths := config.Resolve(root)
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	procs := procworld.NewFake(1000)
	pol := policy.Default()
	d := New(paths, pol, clk, procs, opts, deps, nil)
	return d, paths, clk, procs
}

func TestAcquirePIDFileRefusesWhenLivePIDPresent(t *testing.T) {
	d, paths, _, procs := newTestDaemon(t, Options{Once: true}, Collaborators{})
	procs.SetAlive(9999, true)
	if err := os.MkdirAll(paths.OrchestratorDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(paths.DaemonPIDFile, []byte("9999"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := d.acquirePIDFile(); err == nil {
		t.Fatal("expected refusal to start while another instance is live")
	}
}

func TestAcquirePIDFileOverwritesStalePID(t *testing.T) {
	d, paths, _, procs := newTestDaemon(t, Options{Once: true}, Collaborators{})
	procs.SetAlive(9999, false)
	if err := os.MkdirAll(paths.OrchestratorDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(paths.DaemonPIDFile, []byte("9999"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := d.acquirePIDFile(); err != nil {
		t.Fatalf("expected stale PID to be overwritten: %v", err)
	}
}

func TestTickSpawnsUpToMaxAgents(t *testing.T) {
	tasks := &fakeTasks{tasks: []Task{
		{ID: "t-low", Priority: 1},
		{ID: "t-high", Priority: 9},
		{ID: "t-mid", Priority: 5},
	}}
	spawner := &fakeSpawner{}
	d, _, _, _ := newTestDaemon(t, Options{MaxAgents: 2, Once: true}, Collaborators{Tasks: tasks, Spawn: spawner})

	report, err := d.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(report.SpawnedIDs) != 2 {
		t.Fatalf("expected 2 spawns (maxAgents), got %v", report.SpawnedIDs)
	}
	if report.SpawnedIDs[0] != "t-high" || report.SpawnedIDs[1] != "t-mid" {
		t.Fatalf("expected highest-priority-first spawn order, got %v", report.SpawnedIDs)
	}
	if len(spawner.calls) != 2 {
		t.Fatalf("expected spawner invoked twice, got %d", len(spawner.calls))
	}
}

func TestDryRunRecordsIntentWithoutSpawning(t *testing.T) {
	tasks := &fakeTasks{tasks: []Task{{ID: "t-1", Priority: 1}}}
	spawner := &fakeSpawner{}
	d, _, _, _ := newTestDaemon(t, Options{MaxAgents: 3, DryRun: true, Once: true}, Collaborators{Tasks: tasks, Spawn: spawner})

	report, err := d.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(report.SpawnedIDs) != 1 {
		t.Fatalf("expected dry-run to still record intent, got %v", report.SpawnedIDs)
	}
	if len(spawner.calls) != 0 {
		t.Fatalf("expected dry-run not to invoke the spawner, got %d calls", len(spawner.calls))
	}
}

func TestBudgetScanTriggersEscalationOnExceeded(t *testing.T) {
	root := t.TempDir()
	paths := config.Resolve(root)
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	procs := procworld.NewFake(1000)
	pol := policy.Default()
	pol.Enforcement.PerTaskBlockTokens = 10 // 1000 bytes -> 250 tokens, well past this

	d := New(paths, pol, clk, procs, Options{Once: true}, Collaborators{}, nil)
	rec, err := d.sessions.Create("agent", "worker", procs.Self(), procs.Self())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.sessions.ClaimTask(rec.SessionID, "task-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := d.budget.Record("task-1", rec.SessionID, 1000); err != nil {
		t.Fatal(err)
	}

	raised, err := d.scanBudget(context.Background())
	if err != nil {
		t.Fatalf("scanBudget: %v", err)
	}
	if raised != 1 {
		t.Fatalf("expected scanBudget to raise one escalation, got %d", raised)
	}

	// A second Trigger within the cooldown window is idempotent; it must
	// report the level scanBudget already reached rather than advancing.
	action, err := d.escalation.Trigger("budget_exceeded", rec.SessionID, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if action.Level != "warning" {
		t.Fatalf("expected escalation at warning after one trigger, got %q", action.Level)
	}
}

func TestDriftScanTriggersDriftEscalation(t *testing.T) {
	drift := &fakeDrift{drifted: map[string]string{}}
	d, _, _, procs := newTestDaemon(t, Options{Once: true}, Collaborators{Drift: drift})

	rec, err := d.sessions.Create("agent", "worker", procs.Self(), procs.Self())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.sessions.ClaimTask(rec.SessionID, "task-1"); err != nil {
		t.Fatal(err)
	}
	drift.drifted[rec.SessionID] = "touched files outside approved plan"

	count, err := d.scanDrift()
	if err != nil {
		t.Fatalf("scanDrift: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one drift escalation triggered, got %d", count)
	}
}

func TestHumanEscalationQueueDedupesAcrossTicks(t *testing.T) {
	d, _, clk, procs := newTestDaemon(t, Options{Once: true}, Collaborators{})
	rec, err := d.sessions.Create("agent", "worker", procs.Self(), procs.Self())
	if err != nil {
		t.Fatal(err)
	}
	// Drive the escalation through warning -> block -> reassign -> human,
	// advancing the clock past the drift path's 120s cooldown between
	// each trigger so every call actually advances a level.
	for i := 0; i < 4; i++ {
		if _, err := d.escalation.Trigger("drift", rec.SessionID, "task-1"); err != nil {
			t.Fatal(err)
		}
		clk.Advance(121 * time.Second)
	}

	first, err := d.appendUnresolvedHumanEscalations()
	if err != nil {
		t.Fatal(err)
	}
	if first != 1 {
		t.Fatalf("expected one human escalation queued on first pass, got %d", first)
	}
	second, err := d.appendUnresolvedHumanEscalations()
	if err != nil {
		t.Fatal(err)
	}
	if second != 0 {
		t.Fatalf("expected no re-queue of an already-queued escalation, got %d", second)
	}
}

func TestDriftEscalationBlocksThenReassigns(t *testing.T) {
	drift := &fakeDrift{drifted: map[string]string{}}
	d, _, clk, procs := newTestDaemon(t, Options{Once: true}, Collaborators{Drift: drift})

	rec, err := d.sessions.Create("agent", "worker", procs.Self(), procs.Self())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.sessions.ClaimTask(rec.SessionID, "task-1"); err != nil {
		t.Fatal(err)
	}
	drift.drifted[rec.SessionID] = "touched files outside approved plan"

	// warning
	if _, err := d.scanDrift(); err != nil {
		t.Fatal(err)
	}
	if d.escalation.IsBlocked(rec.SessionID) {
		t.Fatal("expected no block marker at warning level")
	}

	// block: marker written, edits refused
	clk.Advance(121 * time.Second)
	if _, err := d.scanDrift(); err != nil {
		t.Fatal(err)
	}
	if !d.escalation.IsBlocked(rec.SessionID) {
		t.Fatal("expected block marker after advancing to block level")
	}

	// reassign: marker cleared, claim released
	clk.Advance(121 * time.Second)
	if _, err := d.scanDrift(); err != nil {
		t.Fatal(err)
	}
	if d.escalation.IsBlocked(rec.SessionID) {
		t.Fatal("expected block marker cleared at reassign level")
	}
	if claimed, _ := d.sessions.IsTaskClaimed("task-1"); claimed {
		t.Fatal("expected claim released at reassign level")
	}
}
