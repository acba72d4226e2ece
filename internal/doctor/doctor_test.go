package doctor

import (
	"context"
	"os"
	"testing"

	"github.com/pilot-run/pilot/internal/config"
)

func TestRunReportsWritableStateTreeAndMissingPolicy(t *testing.T) {
	paths := config.Resolve(t.TempDir())
	d := Run(context.Background(), paths, "test")

	byName := map[string]CheckResult{}
	for _, r := range d.Results {
		byName[r.Name] = r
	}

	if byName["state_tree_writable"].Status != "PASS" {
		t.Fatalf("expected state tree writable, got %+v", byName["state_tree_writable"])
	}
	if byName["policy_yaml"].Status != "WARN" {
		t.Fatalf("expected WARN for missing policy.yaml, got %+v", byName["policy_yaml"])
	}
	if byName["daemon_pid"].Status != "SKIP" {
		t.Fatalf("expected SKIP for no daemon running, got %+v", byName["daemon_pid"])
	}
	if byName["bus_file"].Status != "SKIP" {
		t.Fatalf("expected SKIP for no bus file yet, got %+v", byName["bus_file"])
	}
	if !d.OK() {
		t.Fatalf("expected overall OK with no FAIL results, got %+v", d.Results)
	}
}

func TestRunFlagsCorruptPolicyFile(t *testing.T) {
	paths := config.Resolve(t.TempDir())
	if err := os.MkdirAll(paths.RepoRoot, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(paths.PolicyFile, []byte("not: [valid yaml"), 0o644); err != nil {
		t.Fatal(err)
	}
	d := Run(context.Background(), paths, "test")
	for _, r := range d.Results {
		if r.Name == "policy_yaml" {
			if r.Status != "FAIL" {
				t.Fatalf("expected FAIL for corrupt policy.yaml, got %+v", r)
			}
			return
		}
	}
	t.Fatal("expected a policy_yaml check result")
}
