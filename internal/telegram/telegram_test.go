package telegram

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/pilot-run/pilot/internal/atomicfile"
	"github.com/pilot-run/pilot/internal/budget"
	"github.com/pilot-run/pilot/internal/clock"
	"github.com/pilot-run/pilot/internal/config"
	"github.com/pilot-run/pilot/internal/escalation"
	"github.com/pilot-run/pilot/internal/policy"
	"github.com/pilot-run/pilot/internal/procworld"
	"github.com/pilot-run/pilot/internal/session"
)

func newTestProcessor(t *testing.T) (*Processor, config.Paths, *clock.Fake, *escalation.Engine, *session.Registry) {
	t.Helper()
	paths := config.Resolve(t.TempDir())
	pol := policy.Default()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	esc := escalation.New(paths, pol, clk)
	procs := procworld.NewFake(1000)
	sess := session.New(paths, clk, procs, 120*time.Second, 30*time.Minute)
	bud := budget.New(paths, pol, clk)
	return New(paths, pol, clk, esc, sess, bud, nil), paths, clk, esc, sess
}

func appendInbox(t *testing.T, paths config.Paths, entries ...InboxEntry) {
	t.Helper()
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			t.Fatal(err)
		}
		if err := atomicfile.AppendLine(paths.InboxFile, data); err != nil {
			t.Fatal(err)
		}
	}
}

func readOutbox(t *testing.T, paths config.Paths) []OutboxEntry {
	t.Helper()
	data, err := os.ReadFile(paths.OutboxFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatal(err)
	}
	var out []OutboxEntry
	for _, line := range splitLines(string(data)) {
		if line == "" {
			continue
		}
		var e OutboxEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatal(err)
		}
		out = append(out, e)
	}
	return out
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func TestParseIntentRecognizesClosedSet(t *testing.T) {
	intent, arg := ParseIntent("/status")
	if intent != IntentStatus || arg != "" {
		t.Fatalf("got %q %q", intent, arg)
	}
	intent, arg = ParseIntent("/approve esc-1")
	if intent != IntentApprove || arg != "esc-1" {
		t.Fatalf("got %q %q", intent, arg)
	}
	intent, _ = ParseIntent("/not_a_real_command")
	if intent != IntentIdea {
		t.Fatalf("expected unknown commands to fall back to idea, got %q", intent)
	}
	intent, arg = ParseIntent("we should add dark mode")
	if intent != IntentIdea || arg != "we should add dark mode" {
		t.Fatalf("got %q %q", intent, arg)
	}
}

func TestProcessDispatchesStatusAndIdea(t *testing.T) {
	p, paths, _, _, sess := newTestProcessor(t)
	if _, err := sess.Create("agent-1", "worker", 1, 1000); err != nil {
		t.Fatal(err)
	}

	appendInbox(t, paths,
		InboxEntry{ChatID: 1, From: "alice", Text: "/status"},
		InboxEntry{ChatID: 1, From: "alice", Text: "what about a dark mode toggle?"},
	)

	n, err := p.Process()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 processed, got %d", n)
	}

	out := readOutbox(t, paths)
	if len(out) != 2 {
		t.Fatalf("expected 2 outbox entries, got %d", len(out))
	}
	if out[0].Text != "1 agent(s) active, 0 blocked." {
		t.Fatalf("unexpected status reply: %q", out[0].Text)
	}
	if out[1].Text != "Noted." {
		t.Fatalf("unexpected idea reply: %q", out[1].Text)
	}

	// Re-running Process with no new inbox lines must be a no-op.
	n, err = p.Process()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected cursor to suppress reprocessing, got %d", n)
	}

	convo, err := p.loadConversations()
	if err != nil {
		t.Fatal(err)
	}
	if len(convo.Chats["1"]) != 4 {
		t.Fatalf("expected 4 turns (2 user + 2 pilot), got %d", len(convo.Chats["1"]))
	}
}

func TestApprovalTimeoutAutoEscalates(t *testing.T) {
	p, _, clk, esc, _ := newTestProcessor(t)

	if _, err := esc.Trigger(escalation.EventBudgetExceeded, "sess-x", "task-9"); err != nil {
		t.Fatal(err)
	}
	if err := p.RequestApproval(42, escalation.EventBudgetExceeded, "sess-x", "task-9", "budget overage on task-9"); err != nil {
		t.Fatal(err)
	}

	n, err := p.CheckApprovalTimeouts()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected no timeouts yet, got %d", n)
	}

	clk.Advance(61 * time.Minute)
	n, err = p.CheckApprovalTimeouts()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one auto-escalation, got %d", n)
	}

	out := readOutbox(t, p.paths)
	if len(out) != 1 || out[0].ChatID != 42 {
		t.Fatalf("expected one notification to chat 42, got %+v", out)
	}

	doc, err := p.loadPending()
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Approvals) != 0 {
		t.Fatalf("expected pending approval removed after timeout, got %+v", doc.Approvals)
	}
}

func TestApproveResolvesEscalationAndClearsPending(t *testing.T) {
	p, _, _, esc, _ := newTestProcessor(t)

	if _, err := esc.Trigger(escalation.EventMergeConflict, "sess-y", "task-3"); err != nil {
		t.Fatal(err)
	}
	key := escalation.Key(escalation.EventMergeConflict, "sess-y", "task-3")
	if err := p.RequestApproval(7, escalation.EventMergeConflict, "sess-y", "task-3", "merge conflict"); err != nil {
		t.Fatal(err)
	}

	reply, err := p.handleApprove(key)
	if err != nil {
		t.Fatal(err)
	}
	if reply == "" {
		t.Fatal("expected non-empty reply")
	}

	doc, err := p.loadPending()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := doc.Approvals[key]; ok {
		t.Fatal("expected pending approval cleared after approve")
	}
}

func TestPauseAndResumeToggleState(t *testing.T) {
	p, paths, _, _, _ := newTestProcessor(t)
	if IsPaused(paths) {
		t.Fatal("expected not paused initially")
	}
	if _, err := p.handlePause("alice"); err != nil {
		t.Fatal(err)
	}
	if !IsPaused(paths) {
		t.Fatal("expected paused after /pause")
	}
	if _, err := p.handleResume(); err != nil {
		t.Fatal(err)
	}
	if IsPaused(paths) {
		t.Fatal("expected resumed after /resume")
	}
}
