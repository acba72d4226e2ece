package pattern

import (
	"testing"
	"time"

	"github.com/pilot-run/pilot/internal/clock"
	"github.com/pilot-run/pilot/internal/config"
)

func newTestLibrary(t *testing.T) (*Library, *clock.Fake) {
	t.Helper()
	paths := config.Resolve(t.TempDir())
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(paths, clk), clk
}

func TestClassifyBucketsByKeyword(t *testing.T) {
	cases := map[string]string{
		"fix the crash on startup":      "bugfix",
		"add support for dark mode":     "feature",
		"refactor the parser":           "refactor",
		"increase test coverage":        "test",
		"update the readme":             "docs",
		"fix the ci pipeline":           "bugfix", // "fix" hit takes priority over "ci"
		"deploy a new docker container": "infra",
		"totally unrelated text":        "feature",
	}
	for text, want := range cases {
		if got := Classify(text); got != want {
			t.Errorf("Classify(%q) = %q, want %q", text, got, want)
		}
	}
}

func TestRecordThenFindReturnsMatch(t *testing.T) {
	lib, _ := newTestLibrary(t)
	if err := lib.Record("pat-1", "bugfix", []string{"crash", "startup"}, []string{"reproduce", "bisect", "patch"}, true); err != nil {
		t.Fatal(err)
	}
	e, ok := lib.Find("fix the crash on startup", 0)
	if !ok {
		t.Fatal("expected a match")
	}
	if e.Key != "pat-1" || len(e.Steps) != 3 {
		t.Fatalf("unexpected match: %+v", e)
	}
}

func TestFindReturnsFalseBelowMinScore(t *testing.T) {
	lib, _ := newTestLibrary(t)
	if err := lib.Record("pat-2", "bugfix", []string{"crash"}, []string{"x"}, true); err != nil {
		t.Fatal(err)
	}
	if _, ok := lib.Find("totally unrelated bugfix text about nothing matching", 0.99); ok {
		t.Fatal("expected no match above an unreachable min score")
	}
}

func TestRecordAppliesEMAOnRepeatedKey(t *testing.T) {
	lib, _ := newTestLibrary(t)
	if err := lib.Record("pat-3", "feature", []string{"dark", "mode"}, []string{"a"}, true); err != nil {
		t.Fatal(err)
	}
	if err := lib.Record("pat-3", "feature", []string{"dark", "mode"}, []string{"a", "b"}, false); err != nil {
		t.Fatal(err)
	}
	e, ok := lib.Find("add dark mode support", 0)
	if !ok {
		t.Fatal("expected a match")
	}
	want := emaAlpha*0.0 + (1-emaAlpha)*1.0
	if diff := e.SuccessRate - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected EMA success rate %v, got %v", want, e.SuccessRate)
	}
	if e.UsageCount != 2 {
		t.Fatalf("expected usage count 2, got %d", e.UsageCount)
	}
	if len(e.Steps) != 2 {
		t.Fatalf("expected latest steps recorded, got %v", e.Steps)
	}
}

func TestRecordPrunesToTopNBySuccessRateThenUsage(t *testing.T) {
	lib, _ := newTestLibrary(t)
	for i := 0; i < defaultTopN+5; i++ {
		key := "pat-" + string(rune('a'+i%26)) + string(rune('0'+i/26))
		if err := lib.Record(key, "infra", []string{"deploy"}, []string{"step"}, i%2 == 0); err != nil {
			t.Fatal(err)
		}
	}
	doc, err := lib.load()
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Entries["infra"]) != defaultTopN {
		t.Fatalf("expected bucket pruned to %d entries, got %d", defaultTopN, len(doc.Entries["infra"]))
	}
	for i := 1; i < len(doc.Entries["infra"]); i++ {
		prev, cur := doc.Entries["infra"][i-1], doc.Entries["infra"][i]
		if prev.SuccessRate < cur.SuccessRate {
			t.Fatalf("expected entries sorted by descending success rate: %+v before %+v", prev, cur)
		}
	}
}
