// Package research implements the shared auto-research cache the
// daemon consults before spawning complex tasks: one JSON marker per
// task under state/research/. A marker's presence means research has
// already been scheduled (or completed) for that task; the research
// itself is produced by an external analyzer that writes its findings
// alongside the marker.
package research

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pilot-run/pilot/internal/atomicfile"
	"github.com/pilot-run/pilot/internal/clock"
	"github.com/pilot-run/pilot/internal/perr"
)

// Marker records one scheduled research attempt.
type Marker struct {
	TaskID      string    `json:"task_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Cache is the file-backed research channel, satisfying
// coordinator.ResearchCache directly.
type Cache struct {
	dir   string
	clock clock.Clock
}

// New creates a Cache rooted at dir (conventionally state/research).
func New(dir string, clk clock.Clock) *Cache {
	return &Cache{dir: dir, clock: clk}
}

func (c *Cache) markerPath(taskID string) string {
	return c.dir + "/" + taskID + ".json"
}

func (c *Cache) load(taskID string) (Marker, error) {
	data, err := os.ReadFile(c.markerPath(taskID))
	if err != nil {
		return Marker{}, err
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return Marker{}, perr.Wrap(perr.StaleState, err, "research: decode marker %s", taskID)
	}
	return m, nil
}

// Has reports whether research was already scheduled for taskID.
func (c *Cache) Has(taskID string) bool {
	_, err := os.Stat(c.markerPath(taskID))
	return err == nil
}

// Schedule records a research attempt for taskID. Idempotent: an
// existing marker is left untouched so the original scheduled_at
// survives repeated daemon ticks.
func (c *Cache) Schedule(taskID string) error {
	if c.Has(taskID) {
		return nil
	}
	now := c.clock.Now()
	m := Marker{TaskID: taskID, ScheduledAt: now, UpdatedAt: now}
	if err := atomicfile.WriteJSON(c.markerPath(taskID), m); err != nil {
		return perr.Wrap(perr.IOError, err, "research: schedule %s", taskID)
	}
	return nil
}
