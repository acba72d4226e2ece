package research

import (
	"testing"
	"time"

	"github.com/pilot-run/pilot/internal/clock"
)

func TestScheduleThenHas(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := New(t.TempDir()+"/research", clk)

	if c.Has("T-1") {
		t.Fatal("expected no marker before scheduling")
	}
	if err := c.Schedule("T-1"); err != nil {
		t.Fatal(err)
	}
	if !c.Has("T-1") {
		t.Fatal("expected marker after scheduling")
	}
	if c.Has("T-2") {
		t.Fatal("expected other tasks to stay unscheduled")
	}
}

func TestScheduleIsIdempotent(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := New(t.TempDir()+"/research", clk)

	if err := c.Schedule("T-1"); err != nil {
		t.Fatal(err)
	}
	first, err := c.load("T-1")
	if err != nil {
		t.Fatal(err)
	}

	clk.Advance(time.Hour)
	if err := c.Schedule("T-1"); err != nil {
		t.Fatal(err)
	}
	second, err := c.load("T-1")
	if err != nil {
		t.Fatal(err)
	}
	if !second.ScheduledAt.Equal(first.ScheduledAt) {
		t.Fatalf("expected re-schedule to keep the original marker, got %v then %v", first.ScheduledAt, second.ScheduledAt)
	}
}
