// Package escalation implements the progressive, policy-configured
// escalation state machine (per event type, session, and optional task):
// warning -> block -> reassign -> human, with cooldown-gated advancement
// and optional auto-de-escalation. A re-trigger inside the cooldown is
// a no-op; a trigger past the terminal level pins there and logs.
package escalation

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pilot-run/pilot/internal/atomicfile"
	"github.com/pilot-run/pilot/internal/clock"
	"github.com/pilot-run/pilot/internal/config"
	"github.com/pilot-run/pilot/internal/perr"
	"github.com/pilot-run/pilot/internal/policy"
)

// EventType is one of the five kinds of event the engine escalates.
type EventType string

const (
	EventDrift             EventType = "drift"
	EventTestFailure       EventType = "test_failure"
	EventBudgetExceeded    EventType = "budget_exceeded"
	EventMergeConflict     EventType = "merge_conflict"
	EventAgentUnresponsive EventType = "agent_unresponsive"
)

// State is one escalation's persisted record.
type State struct {
	EventType      EventType `json:"event_type"`
	SessionID      string    `json:"session_id"`
	TaskID         string    `json:"task_id,omitempty"`
	Level          string    `json:"level"`
	LevelIndex     int       `json:"level_index"`
	FirstTriggered time.Time `json:"first_triggered"`
	LastEscalated  time.Time `json:"last_escalated"`
	Retries        int       `json:"retries"`
	Resolved       bool      `json:"resolved"`
	ResolvedBy     string    `json:"resolved_by,omitempty"`
}

// Key identifies one escalation state by (event_type, session_id, task_id?).
func Key(eventType EventType, sessionID, taskID string) string {
	if taskID == "" {
		return fmt.Sprintf("%s_%s", eventType, sessionID)
	}
	return fmt.Sprintf("%s_%s_%s", eventType, sessionID, taskID)
}

// Action describes what a level transition requires the caller to do;
// the engine itself only owns escalation state, not the side effects
// (notifying agents, writing block markers, reassigning tasks) — those
// are performed by the daemon tick loop when Advanced is set.
type Action struct {
	Level    string
	State    State
	Advanced bool // a level was entered this call (first trigger or advance)
	Repeated bool // pinned at terminal level, logged as repeated_at_max
}

// Engine is the escalation state machine backed by one JSON file per
// event key plus an append-only audit log.
type Engine struct {
	paths config.Paths
	clock clock.Clock

	polMu sync.RWMutex
	pol   policy.Policy
}

// New creates an Engine.
func New(paths config.Paths, pol policy.Policy, clk clock.Clock) *Engine {
	return &Engine{paths: paths, pol: pol, clock: clk}
}

// SetPolicy swaps the engine's policy snapshot (hot reload). Escalation
// state lives on disk, so only the path/cooldown tables change.
func (e *Engine) SetPolicy(pol policy.Policy) {
	e.polMu.Lock()
	e.pol = pol
	e.polMu.Unlock()
}

func (e *Engine) policy() policy.Policy {
	e.polMu.RLock()
	defer e.polMu.RUnlock()
	return e.pol
}

func (e *Engine) load(key string) (State, bool, error) {
	data, err := os.ReadFile(e.paths.EscalationFile(key))
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, false, nil
		}
		return State{}, false, perr.Wrap(perr.StaleState, err, "read escalation state")
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		// Corrupt escalation file: recover to a fresh, unresolved record
		// rather than failing the tick loop.
		return State{}, false, nil
	}
	return s, true, nil
}

func (e *Engine) save(key string, s State) error {
	return atomicfile.WriteJSON(e.paths.EscalationFile(key), s)
}

func (e *Engine) audit(action string, s State) {
	rec := map[string]interface{}{
		"ts":          e.clock.Now(),
		"action":      action,
		"event_type":  s.EventType,
		"session_id":  s.SessionID,
		"task_id":     s.TaskID,
		"level":       s.Level,
		"level_index": s.LevelIndex,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	_ = atomicfile.AppendLine(e.paths.EscalationLogFile, data)
}

// Trigger advances (or creates) the escalation for this event key,
// subject to the cooldown: a trigger within cooldown of the last advance
// leaves the level unchanged. Triggering at the terminal level marks the
// action Repeated instead of advancing further.
func (e *Engine) Trigger(eventType EventType, sessionID, taskID string) (Action, error) {
	path := e.policy().EscalationPathFor(eventType.name())
	if len(path.Levels) == 0 {
		return Action{}, perr.New(perr.ValidationError, "no escalation path configured for %q", eventType)
	}
	key := Key(eventType, sessionID, taskID)
	now := e.clock.Now()

	s, existed, err := e.load(key)
	if err != nil {
		return Action{}, err
	}
	if !existed || s.Resolved {
		s = State{
			EventType:      eventType,
			SessionID:      sessionID,
			TaskID:         taskID,
			Level:          path.Levels[0],
			LevelIndex:     0,
			FirstTriggered: now,
			LastEscalated:  now,
		}
		if err := e.save(key, s); err != nil {
			return Action{}, err
		}
		e.audit("trigger", s)
		return Action{Level: s.Level, State: s, Advanced: true}, nil
	}

	cooldown := time.Duration(path.CooldownSeconds) * time.Second
	if now.Sub(s.LastEscalated) < cooldown {
		return Action{Level: s.Level, State: s}, nil
	}

	if s.LevelIndex >= len(path.Levels)-1 {
		s.Retries++
		if err := e.save(key, s); err != nil {
			return Action{}, err
		}
		e.audit("repeated_at_max", s)
		return Action{Level: s.Level, State: s, Repeated: true}, nil
	}

	s.LevelIndex++
	s.Level = path.Levels[s.LevelIndex]
	s.LastEscalated = now
	if err := e.save(key, s); err != nil {
		return Action{}, err
	}
	e.audit("advance", s)
	return Action{Level: s.Level, State: s, Advanced: true}, nil
}

// Resolve marks the escalation resolved; a subsequent Trigger restarts
// at level 0.
func (e *Engine) Resolve(eventType EventType, sessionID, taskID, by string) error {
	key := Key(eventType, sessionID, taskID)
	s, existed, err := e.load(key)
	if err != nil {
		return err
	}
	if !existed || s.Resolved {
		return nil
	}
	s.Resolved = true
	s.ResolvedBy = by
	if err := e.save(key, s); err != nil {
		return err
	}
	// A marker written at the block level does not outlive its escalation.
	_ = e.ClearBlockMarker(s.SessionID)
	e.audit("resolve", s)
	return nil
}

// ListUnresolved returns every currently-unresolved escalation, for
// operator-facing surfaces (the `report` CLI command, the monitor
// dashboard) that need a fleet-wide view rather than a single key.
func (e *Engine) ListUnresolved() ([]State, error) {
	entries, err := os.ReadDir(e.paths.EscalationsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, perr.Wrap(perr.IOError, err, "list escalations")
	}
	var out []State
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		key := strings.TrimSuffix(ent.Name(), ".json")
		s, existed, err := e.load(key)
		if err != nil || !existed || s.Resolved {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// AutoDeEscalateCheck is supplied by the caller to re-evaluate whether
// the condition that triggered an event has cleared.
type AutoDeEscalateCheck func(s State) (cleared bool)

// ScanAutoDeEscalate walks every unresolved escalation whose policy path
// allows auto-de-escalation and resolves it if check reports the
// triggering condition has cleared.
func (e *Engine) ScanAutoDeEscalate(check AutoDeEscalateCheck) (int, error) {
	entries, err := os.ReadDir(e.paths.EscalationsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, perr.Wrap(perr.IOError, err, "scan auto de-escalate")
	}
	resolved := 0
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		key := strings.TrimSuffix(ent.Name(), ".json")
		s, existed, err := e.load(key)
		if err != nil || !existed || s.Resolved {
			continue
		}
		path := e.policy().EscalationPathFor(s.EventType.name())
		if !path.AutoDeEscalate {
			continue
		}
		if check(s) {
			if err := e.Resolve(s.EventType, s.SessionID, s.TaskID, "auto"); err != nil {
				continue
			}
			resolved++
		}
	}
	return resolved, nil
}

// IsBlocked reports whether sessionID currently has a live block marker
// while an escalation holds the session at the block level.
func (e *Engine) IsBlocked(sessionID string) bool {
	_, err := os.Stat(e.paths.BlockMarkerFile(sessionID))
	return err == nil
}

// BlockMarker is the persisted payload for a block action.
type BlockMarker struct {
	BlockedAt time.Time `json:"blocked_at"`
	Reason    string    `json:"reason"`
	TaskID    string    `json:"task_id,omitempty"`
	Message   string    `json:"message"`
}

// WriteBlockMarker writes the block marker for sessionID (called by the
// daemon when a trigger's resulting Action.Level == "block").
func (e *Engine) WriteBlockMarker(sessionID string, marker BlockMarker) error {
	return atomicfile.WriteJSON(e.paths.BlockMarkerFile(sessionID), marker)
}

// ClearBlockMarker removes sessionID's block marker (called on resolve
// or reassign).
func (e *Engine) ClearBlockMarker(sessionID string) error {
	err := os.Remove(e.paths.BlockMarkerFile(sessionID))
	if err != nil && !os.IsNotExist(err) {
		return perr.Wrap(perr.IOError, err, "clear block marker")
	}
	return nil
}

func (e EventType) name() string { return string(e) }
