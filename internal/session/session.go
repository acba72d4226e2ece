// Package session implements the session registry and task-claim leasing
// for agents: resolving "the current session", claiming and
// releasing tasks, and exposing liveness to the rest of the system.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-run/pilot/internal/atomicfile"
	"github.com/pilot-run/pilot/internal/clock"
	"github.com/pilot-run/pilot/internal/config"
	"github.com/pilot-run/pilot/internal/perr"
	"github.com/pilot-run/pilot/internal/procworld"
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Record is the on-disk representation of one session.
type Record struct {
	SessionID      string    `json:"session_id"`
	PID            int       `json:"pid"`
	ParentPID      int       `json:"parent_pid"`
	AgentName      string    `json:"agent_name"`
	Role           string    `json:"role"`
	Status         Status    `json:"status"`
	StartedAt      time.Time `json:"started_at"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
	ClaimedTask    string    `json:"claimed_task,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`
	LockedAreas    []string  `json:"locked_areas,omitempty"`
	LockedFiles    []string  `json:"locked_files,omitempty"`
	EndedAt        time.Time `json:"ended_at,omitempty"`
	EndReason      string    `json:"end_reason,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Registry reads and writes session records under state/sessions and
// state/locks. It is safe for concurrent use.
type Registry struct {
	mu         sync.Mutex
	paths      config.Paths
	clock      clock.Clock
	procs      procworld.World
	staleAfter time.Duration
	lease      time.Duration

	onRelease func(sessionID, taskID string)
}

// New creates a Registry rooted at paths.
func New(paths config.Paths, clk clock.Clock, procs procworld.World, staleAfter, lease time.Duration) *Registry {
	if staleAfter <= 0 {
		staleAfter = 120 * time.Second
	}
	if lease <= 0 {
		lease = 30 * time.Minute
	}
	return &Registry{paths: paths, clock: clk, procs: procs, staleAfter: staleAfter, lease: lease}
}

// NotifyRelease registers a callback invoked after a claim is cleared
// (explicit release, session end, or stale sweep), used to broadcast
// task.released on the message bus without the registry holding a bus
// handle of its own. The callback runs outside the registry lock and
// must not call back into the Registry.
func (r *Registry) NotifyRelease(fn func(sessionID, taskID string)) {
	r.mu.Lock()
	r.onRelease = fn
	r.mu.Unlock()
}

// SetTimings updates the stale threshold and lease length (hot
// reload). Existing leases keep the expiry they were written with;
// the new lease length applies from the next claim.
func (r *Registry) SetTimings(staleAfter, lease time.Duration) {
	r.mu.Lock()
	if staleAfter > 0 {
		r.staleAfter = staleAfter
	}
	if lease > 0 {
		r.lease = lease
	}
	r.mu.Unlock()
}

func (r *Registry) notifyRelease(sessionID, taskID string) {
	if taskID == "" || r.onRelease == nil {
		return
	}
	r.onRelease(sessionID, taskID)
}

// newSessionID mints an opaque S-<uuid> id.
func newSessionID() string {
	return fmt.Sprintf("S-%s", uuid.NewString())
}

func (r *Registry) load(sessionID string) (Record, error) {
	data, err := os.ReadFile(r.paths.SessionFile(sessionID))
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, perr.Wrap(perr.StaleState, err, "corrupt session record %s", sessionID)
	}
	return rec, nil
}

func (r *Registry) save(rec Record) error {
	rec.UpdatedAt = r.clock.Now()
	return atomicfile.WriteJSON(r.paths.SessionFile(rec.SessionID), rec)
}

func (r *Registry) lockPath(sessionID string) string {
	return r.paths.LockFile(sessionID)
}

func (r *Registry) writeLock(sessionID string, pid int) error {
	return atomicfile.Write(r.lockPath(sessionID), []byte(fmt.Sprintf("%d\n", pid)), 0o644)
}

func (r *Registry) removeLock(sessionID string) {
	_ = os.Remove(r.lockPath(sessionID))
}

func (r *Registry) lockPID(sessionID string) (int, bool) {
	data, err := os.ReadFile(r.lockPath(sessionID))
	if err != nil {
		return 0, false
	}
	var pid int
	if _, err := fmt.Sscanf(strings.TrimSpace(string(data)), "%d", &pid); err != nil {
		return 0, false
	}
	return pid, true
}

// IsAlive reports whether sessionID's lock file exists and references a
// live PID.
func (r *Registry) IsAlive(sessionID string) bool {
	pid, ok := r.lockPID(sessionID)
	if !ok {
		return false
	}
	return r.procs.IsAlive(pid)
}

// ListActive returns every session record with status=active, regardless
// of lease expiry.
func (r *Registry) ListActive() ([]Record, error) {
	entries, err := os.ReadDir(r.paths.SessionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, perr.Wrap(perr.IOError, err, "list sessions")
	}
	var out []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		rec, err := r.load(id)
		if err != nil {
			continue // corrupt/partial record: skip, a later sweep will clean it up
		}
		if rec.Status == StatusActive {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

// Create starts a brand-new session owned by the current process.
func (r *Registry) Create(agentName, role string, pid, parentPID int) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	rec := Record{
		SessionID:     newSessionID(),
		PID:           pid,
		ParentPID:     parentPID,
		AgentName:     agentName,
		Role:          role,
		Status:        StatusActive,
		StartedAt:     now,
		LastHeartbeat: now,
	}
	if err := r.save(rec); err != nil {
		return Record{}, perr.Wrap(perr.IOError, err, "create session")
	}
	if err := r.writeLock(rec.SessionID, pid); err != nil {
		return Record{}, perr.Wrap(perr.IOError, err, "write lock file")
	}
	return rec, nil
}

// ResolveCurrent resolves the calling process's session: env var ->
// active record owned by this process or its parent -> resurrection of a
// matching ended record -> brand-new session.
func (r *Registry) ResolveCurrent(envSessionID string, pid, parentPID int) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if envSessionID != "" {
		if rec, err := r.load(envSessionID); err == nil {
			return rec, nil
		}
	}

	entries, err := os.ReadDir(r.paths.SessionsDir)
	if err == nil {
		var ownedActive *Record
		var endedCandidates []Record
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			id := strings.TrimSuffix(e.Name(), ".json")
			rec, err := r.load(id)
			if err != nil {
				continue
			}
			if rec.Status == StatusActive && (rec.PID == pid || rec.PID == parentPID) {
				cp := rec
				ownedActive = &cp
				break
			}
			if rec.Status == StatusEnded && rec.ParentPID == parentPID {
				endedCandidates = append(endedCandidates, rec)
			}
		}
		if ownedActive != nil {
			return *ownedActive, nil
		}
		if len(endedCandidates) > 0 && r.procs.IsAlive(parentPID) {
			// Ties between ended candidates break on most recent heartbeat.
			sort.Slice(endedCandidates, func(i, j int) bool {
				return endedCandidates[i].LastHeartbeat.After(endedCandidates[j].LastHeartbeat)
			})
			winner := endedCandidates[0]
			winner.Status = StatusActive
			winner.EndedAt = time.Time{}
			winner.EndReason = ""
			winner.LastHeartbeat = r.clock.Now()
			winner.PID = pid
			if err := r.save(winner); err != nil {
				return Record{}, perr.Wrap(perr.IOError, err, "resurrect session")
			}
			if err := r.writeLock(winner.SessionID, pid); err != nil {
				return Record{}, perr.Wrap(perr.IOError, err, "write lock file")
			}
			return winner, nil
		}
	}

	return r.Create("", "", pid, parentPID)
}

// Heartbeat refreshes last_heartbeat for sessionID.
func (r *Registry) Heartbeat(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.load(sessionID)
	if err != nil {
		return perr.Wrap(perr.StaleState, err, "heartbeat: load session")
	}
	rec.LastHeartbeat = r.clock.Now()
	return r.save(rec)
}

// End marks sessionID ended, releases its claim, and removes its lock file.
func (r *Registry) End(sessionID, reason string) error {
	r.mu.Lock()
	rec, err := r.load(sessionID)
	if err != nil {
		r.mu.Unlock()
		return perr.Wrap(perr.StaleState, err, "end: load session")
	}
	released := rec.ClaimedTask
	rec.Status = StatusEnded
	rec.EndedAt = r.clock.Now()
	rec.EndReason = reason
	rec.ClaimedTask = ""
	rec.LeaseExpiresAt = time.Time{}
	if err := r.save(rec); err != nil {
		r.mu.Unlock()
		return err
	}
	r.removeLock(sessionID)
	r.mu.Unlock()
	r.notifyRelease(sessionID, released)
	return nil
}

// ClaimResult is returned by ClaimTask.
type ClaimResult struct {
	Success bool
	Claim   Record
	Reason  string
	By      string
}

// ClaimTask claims taskID for sessionID: succeeds if no active session
// holds taskID, or if the holder already is sessionID (idempotent).
func (r *Registry) ClaimTask(sessionID, taskID string) (ClaimResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	active, err := r.listActiveLocked()
	if err != nil {
		return ClaimResult{}, perr.Wrap(perr.IOError, err, "claim_task: list sessions")
	}
	for _, other := range active {
		if other.SessionID == sessionID {
			continue
		}
		if other.ClaimedTask == taskID && other.LeaseExpiresAt.After(now) {
			return ClaimResult{Success: false, Reason: "already_claimed", By: other.SessionID}, nil
		}
	}

	rec, err := r.load(sessionID)
	if err != nil {
		return ClaimResult{}, perr.Wrap(perr.StaleState, err, "claim_task: load session")
	}
	rec.ClaimedTask = taskID
	rec.LeaseExpiresAt = now.Add(r.lease)
	if err := r.save(rec); err != nil {
		return ClaimResult{}, perr.Wrap(perr.IOError, err, "claim_task: save")
	}
	return ClaimResult{Success: true, Claim: rec}, nil
}

// ReleaseTask clears sessionID's claim.
func (r *Registry) ReleaseTask(sessionID string) error {
	r.mu.Lock()
	rec, err := r.load(sessionID)
	if err != nil {
		r.mu.Unlock()
		return perr.Wrap(perr.StaleState, err, "release_task: load session")
	}
	released := rec.ClaimedTask
	rec.ClaimedTask = ""
	rec.LeaseExpiresAt = time.Time{}
	err = r.save(rec)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.notifyRelease(sessionID, released)
	return nil
}

// IsTaskClaimed reports whether taskID is currently held by a live lease.
func (r *Registry) IsTaskClaimed(taskID string) (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	active, err := r.listActiveLocked()
	if err != nil {
		return false, ""
	}
	now := r.clock.Now()
	for _, rec := range active {
		if rec.ClaimedTask == taskID && rec.LeaseExpiresAt.After(now) {
			return true, rec.SessionID
		}
	}
	return false, ""
}

func (r *Registry) listActiveLocked() ([]Record, error) {
	entries, err := os.ReadDir(r.paths.SessionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		rec, err := r.load(id)
		if err != nil {
			continue
		}
		if rec.Status == StatusActive {
			out = append(out, rec)
		}
	}
	return out, nil
}

// SweepStale marks every active session whose PID is dead or whose
// heartbeat is older than staleAfter as ended, releasing its claim. It
// returns the ids swept. This runs from the PM daemon's session scan.
func (r *Registry) SweepStale() ([]string, error) {
	r.mu.Lock()
	released := map[string]string{}
	defer func() {
		r.mu.Unlock()
		for sid, task := range released {
			r.notifyRelease(sid, task)
		}
	}()

	active, err := r.listActiveLocked()
	if err != nil {
		return nil, perr.Wrap(perr.IOError, err, "sweep: list sessions")
	}
	now := r.clock.Now()
	var swept []string
	for _, rec := range active {
		pid, hasLock := r.lockPID(rec.SessionID)
		dead := !hasLock || !r.procs.IsAlive(pid)
		stale := now.Sub(rec.LastHeartbeat) > r.staleAfter
		if !dead && !stale {
			continue
		}
		rec.Status = StatusEnded
		rec.EndedAt = now
		rec.EndReason = "stale"
		if rec.ClaimedTask != "" {
			released[rec.SessionID] = rec.ClaimedTask
		}
		rec.ClaimedTask = ""
		rec.LeaseExpiresAt = time.Time{}
		if err := r.save(rec); err != nil {
			continue
		}
		r.removeLock(rec.SessionID)
		swept = append(swept, rec.SessionID)
	}
	return swept, nil
}
