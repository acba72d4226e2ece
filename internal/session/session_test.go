package session

import (
	"testing"
	"time"

	"github.com/pilot-run/pilot/internal/clock"
	"github.com/pilot-run/pilot/internal/config"
	"github.com/pilot-run/pilot/internal/procworld"
)

func newTestRegistry(t *testing.T) (*Registry, *clock.Fake, *procworld.Fake) {
	t.Helper()
	paths := config.Resolve(t.TempDir())
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	procs := procworld.NewFake(1)
	return New(paths, clk, procs, 2*time.Minute, 30*time.Minute), clk, procs
}

func TestCreateAndIsAlive(t *testing.T) {
	reg, _, procs := newTestRegistry(t)
	procs.SetAlive(100, true)

	rec, err := reg.Create("agent-a", "worker", 100, 1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !reg.IsAlive(rec.SessionID) {
		t.Fatal("expected session to be alive")
	}
	procs.SetAlive(100, false)
	if reg.IsAlive(rec.SessionID) {
		t.Fatal("expected session to be dead once PID dies")
	}
}

func TestClaimTaskConflictAndIdempotence(t *testing.T) {
	reg, _, procs := newTestRegistry(t)
	procs.SetAlive(100, true)
	procs.SetAlive(200, true)

	a, _ := reg.Create("agent-a", "worker", 100, 1)
	b, _ := reg.Create("agent-b", "worker", 200, 1)

	res, err := reg.ClaimTask(a.SessionID, "T1")
	if err != nil || !res.Success {
		t.Fatalf("expected A to claim T1: %+v err=%v", res, err)
	}

	// Idempotent: claiming again from the same session succeeds with identical state.
	res2, err := reg.ClaimTask(a.SessionID, "T1")
	if err != nil || !res2.Success {
		t.Fatalf("expected idempotent reclaim to succeed: %+v err=%v", res2, err)
	}

	res3, err := reg.ClaimTask(b.SessionID, "T1")
	if err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if res3.Success || res3.By != a.SessionID {
		t.Fatalf("expected claim conflict naming A, got %+v", res3)
	}

	claimed, by := reg.IsTaskClaimed("T1")
	if !claimed || by != a.SessionID {
		t.Fatalf("expected T1 claimed by A, got claimed=%v by=%s", claimed, by)
	}
}

func TestClaimExpiredLeaseAllowsNewClaimer(t *testing.T) {
	reg, clk, procs := newTestRegistry(t)
	procs.SetAlive(100, true)
	procs.SetAlive(200, true)

	a, _ := reg.Create("agent-a", "worker", 100, 1)
	b, _ := reg.Create("agent-b", "worker", 200, 1)

	if _, err := reg.ClaimTask(a.SessionID, "T1"); err != nil {
		t.Fatal(err)
	}

	clk.Advance(30*time.Minute + time.Millisecond)

	res, err := reg.ClaimTask(b.SessionID, "T1")
	if err != nil || !res.Success {
		t.Fatalf("expected B to claim expired T1: %+v err=%v", res, err)
	}
}

func TestSweepStaleReleasesClaimAndEndsSession(t *testing.T) {
	reg, clk, procs := newTestRegistry(t)
	procs.SetAlive(100, true)

	a, _ := reg.Create("agent-a", "worker", 100, 1)
	if _, err := reg.ClaimTask(a.SessionID, "T1"); err != nil {
		t.Fatal(err)
	}

	procs.SetAlive(100, false)
	clk.Advance(3 * time.Minute)

	swept, err := reg.SweepStale()
	if err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if len(swept) != 1 || swept[0] != a.SessionID {
		t.Fatalf("expected A swept, got %v", swept)
	}
	claimed, _ := reg.IsTaskClaimed("T1")
	if claimed {
		t.Fatal("expected claim released after stale sweep")
	}
}

func TestResurrectionPrefersLiveParentOverNewSession(t *testing.T) {
	reg, clk, procs := newTestRegistry(t)
	procs.SetAlive(100, true)

	a, _ := reg.Create("agent-a", "worker", 100, 100)
	if _, err := reg.ClaimTask(a.SessionID, "T1"); err != nil {
		t.Fatal(err)
	}
	if err := reg.End(a.SessionID, "dropout"); err != nil {
		t.Fatal(err)
	}

	clk.Advance(time.Second)
	// Parent (100) still alive; resolving current session from a new child
	// PID should resurrect rather than create fresh.
	rec, err := reg.ResolveCurrent("", 999, 100)
	if err != nil {
		t.Fatalf("ResolveCurrent: %v", err)
	}
	if rec.SessionID != a.SessionID {
		t.Fatalf("expected resurrection of %s, got %s", a.SessionID, rec.SessionID)
	}
	if rec.Status != StatusActive {
		t.Fatalf("expected resurrected session active, got %s", rec.Status)
	}
	if rec.ClaimedTask != "T1" {
		t.Fatalf("expected claimed_task preserved, got %q", rec.ClaimedTask)
	}
}

func TestReleaseNotifierFiresOnReleaseEndAndSweep(t *testing.T) {
	reg, clk, procs := newTestRegistry(t)
	procs.SetAlive(100, true)
	procs.SetAlive(200, true)

	type release struct{ sid, task string }
	var got []release
	reg.NotifyRelease(func(sid, task string) { got = append(got, release{sid, task}) })

	// Explicit release.
	a, err := reg.Create("agent-a", "worker", 100, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.ClaimTask(a.SessionID, "T-1"); err != nil {
		t.Fatal(err)
	}
	if err := reg.ReleaseTask(a.SessionID); err != nil {
		t.Fatal(err)
	}

	// End with a claim held.
	b, err := reg.Create("agent-b", "worker", 200, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.ClaimTask(b.SessionID, "T-2"); err != nil {
		t.Fatal(err)
	}
	if err := reg.End(b.SessionID, "done"); err != nil {
		t.Fatal(err)
	}

	// Stale sweep with a claim held.
	c, err := reg.Create("agent-c", "worker", 300, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.ClaimTask(c.SessionID, "T-3"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(3 * time.Minute)
	if _, err := reg.SweepStale(); err != nil {
		t.Fatal(err)
	}

	want := []release{{a.SessionID, "T-1"}, {b.SessionID, "T-2"}, {c.SessionID, "T-3"}}
	if len(got) != len(want) {
		t.Fatalf("expected %d release notifications, got %d (%v)", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("notification %d: got %v, want %v", i, got[i], want[i])
		}
	}

	// Releasing with no claim held stays silent.
	got = nil
	d, err := reg.Create("agent-d", "worker", 100, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.ReleaseTask(d.SessionID); err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no notification for a claimless release, got %v", got)
	}
}
