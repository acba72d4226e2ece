package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pilot-run/pilot/internal/config"
)

func TestWatcher_DetectsPolicyFileChange(t *testing.T) {
	repoRoot := t.TempDir()

	policyPath := filepath.Join(repoRoot, "policy.yaml")
	if err := os.WriteFile(policyPath, []byte("orchestrator:\n  max_agents: 1\n"), 0o644); err != nil {
		t.Fatalf("write initial policy: %v", err)
	}

	w := config.NewWatcher(repoRoot, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	if err := os.WriteFile(policyPath, []byte("orchestrator:\n  max_agents: 2\n"), 0o644); err != nil {
		t.Fatalf("write updated policy: %v", err)
	}

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "policy.yaml" {
				t.Fatalf("expected policy.yaml event, got %s", ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(policyPath, []byte("orchestrator:\n  max_agents: 2\n"), 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for policy.yaml change event")
		}
	}
}
