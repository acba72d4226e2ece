package coordinator

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"

	"github.com/pilot-run/pilot/internal/atomicfile"
	"github.com/pilot-run/pilot/internal/escalation"
	"github.com/pilot-run/pilot/internal/perr"
)

// humanEscalationRecord is one line appended to the human-escalation
// queue file for operator review. Entries are never retried
// automatically; a human clears them.
type humanEscalationRecord struct {
	Key       string `json:"key"`
	EventType string `json:"event_type"`
	SessionID string `json:"session_id"`
	TaskID    string `json:"task_id,omitempty"`
	QueuedAt  string `json:"queued_at"`
}

// appendUnresolvedHumanEscalations walks every escalation state file at
// the terminal "human" level and appends it to the human-escalation
// queue, skipping keys already queued so the same escalation is not
// re-appended every tick.
func (d *Daemon) appendUnresolvedHumanEscalations() (int, error) {
	already, err := d.loadQueuedKeys()
	if err != nil {
		return 0, err
	}

	entries, err := os.ReadDir(d.paths.EscalationsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, perr.Wrap(perr.IOError, err, "human escalation queue: list escalations")
	}

	queued := 0
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		key := strings.TrimSuffix(ent.Name(), ".json")
		if already[key] {
			continue
		}
		data, err := os.ReadFile(d.paths.EscalationFile(key))
		if err != nil {
			continue
		}
		var s escalation.State
		if err := json.Unmarshal(data, &s); err != nil {
			continue
		}
		if s.Resolved || s.Level != "human" {
			continue
		}
		rec := humanEscalationRecord{
			Key:       key,
			EventType: string(s.EventType),
			SessionID: s.SessionID,
			TaskID:    s.TaskID,
			QueuedAt:  d.clock.Now().Format("2006-01-02T15:04:05Z07:00"),
		}
		line, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		if err := atomicfile.AppendLine(d.paths.HumanEscalationsFile, line); err != nil {
			return queued, perr.Wrap(perr.IOError, err, "human escalation queue: append")
		}
		queued++
	}
	return queued, nil
}

func (d *Daemon) loadQueuedKeys() (map[string]bool, error) {
	f, err := os.Open(d.paths.HumanEscalationsFile)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]bool{}, nil
		}
		return nil, perr.Wrap(perr.IOError, err, "human escalation queue: open")
	}
	defer f.Close()

	seen := map[string]bool{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec humanEscalationRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		seen[rec.Key] = true
	}
	return seen, scanner.Err()
}
