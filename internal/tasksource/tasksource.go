// Package tasksource implements the coordinator's TaskSource dependency
// against a local JSON queue file rather than a live issue tracker. The
// daemon only ever reads the tracker through the narrow
// coordinator.TaskSource interface, so a single-host deployment can
// point that interface at a file the tracker CLI maintains instead of a
// network call. The daemon polls the document and never mutates it.
package tasksource

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/pilot-run/pilot/internal/coordinator"
	"github.com/pilot-run/pilot/internal/perr"
)

// entry is one queued task's on-disk shape.
type entry struct {
	ID         string `json:"id"`
	Priority   int    `json:"priority"`
	Complexity int    `json:"complexity"`
}

// Source reads ready tasks from a JSON array file, sorted by id for
// deterministic ordering across re-reads.
type Source struct {
	path string
}

// New creates a Source reading path (e.g. "<repoRoot>/state/orchestrator/tasks.json").
func New(path string) *Source {
	return &Source{path: path}
}

// DefaultPath returns the conventional tasks-queue location under an
// orchestrator state directory.
func DefaultPath(orchestratorDir string) string {
	return filepath.Join(orchestratorDir, "tasks.json")
}

// ReadyTasks implements coordinator.TaskSource. A missing file is an
// empty queue, not an error; a malformed file downgrades to empty (the
// tick loop already treats any TaskSource error this way, but an
// unparsable local file is better treated as
// "no tasks yet" than surfaced as a scan failure every tick).
func (s *Source) ReadyTasks(ctx context.Context) ([]coordinator.Task, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, perr.Wrap(perr.TrackerError, err, "tasksource: read %s", s.path)
	}
	var entries []entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	out := make([]coordinator.Task, 0, len(entries))
	for _, e := range entries {
		out = append(out, coordinator.Task{ID: e.ID, Priority: e.Priority, Complexity: e.Complexity})
	}
	return out, nil
}
