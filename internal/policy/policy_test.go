package policy

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultHasAllEventTypes(t *testing.T) {
	p := Default()
	for _, eventType := range []string{"drift", "test_failure", "budget_exceeded", "merge_conflict", "agent_unresponsive"} {
		path := p.EscalationPathFor(eventType)
		if len(path.Levels) == 0 {
			t.Fatalf("event type %q has no default path", eventType)
		}
	}
}

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	p, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Orchestrator.MaxAgents != 6 {
		t.Fatalf("expected default max_agents 6, got %d", p.Orchestrator.MaxAgents)
	}
}

func TestLoadPartialOverlayKeepsOtherDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	yaml := `
orchestrator:
  max_agents: 3
escalation:
  drift:
    levels: [warning, human]
    cooldown_seconds: 10
    auto_de_escalate: false
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Orchestrator.MaxAgents != 3 {
		t.Fatalf("expected overridden max_agents 3, got %d", p.Orchestrator.MaxAgents)
	}
	drift := p.EscalationPathFor("drift")
	if len(drift.Levels) != 2 || drift.Levels[1] != "human" {
		t.Fatalf("expected overridden drift path, got %+v", drift)
	}
	budget := p.EscalationPathFor("budget_exceeded")
	if len(budget.Levels) != 3 {
		t.Fatalf("expected untouched budget_exceeded default, got %+v", budget)
	}
	if p.Enforcement.CostPerMillionTokens != 10.0 {
		t.Fatalf("expected default cost per million tokens, got %v", p.Enforcement.CostPerMillionTokens)
	}
}

func TestValidateRejectsUnknownLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	yaml := `
escalation:
  drift:
    levels: [warning, nonsense]
    cooldown_seconds: 10
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for unknown level")
	}
}

func TestLiveReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte("orchestrator:\n  max_agents: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	live, err := NewLive(path)
	if err != nil {
		t.Fatalf("NewLive: %v", err)
	}
	if live.Get().Orchestrator.MaxAgents != 2 {
		t.Fatalf("expected 2, got %d", live.Get().Orchestrator.MaxAgents)
	}
	if err := os.WriteFile(path, []byte("orchestrator:\n  max_agents: 9\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := live.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if live.Get().Orchestrator.MaxAgents != 9 {
		t.Fatalf("expected 9 after reload, got %d", live.Get().Orchestrator.MaxAgents)
	}
}
