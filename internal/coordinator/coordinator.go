// Package coordinator implements the PM central daemon: a single-writer
// tick loop that drives every orchestration decision (session sweeping,
// task spawning, ACK sweeping, escalation, budget, drift, and the
// Telegram/overnight/human-escalation scans). Every scan is a bounded,
// idempotent step run from one control loop; a single-instance PID file
// keeps two daemons from ever ticking the same repository.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pilot-run/pilot/internal/atomicfile"
	"github.com/pilot-run/pilot/internal/board"
	"github.com/pilot-run/pilot/internal/budget"
	"github.com/pilot-run/pilot/internal/bus"
	"github.com/pilot-run/pilot/internal/clock"
	"github.com/pilot-run/pilot/internal/config"
	"github.com/pilot-run/pilot/internal/escalation"
	"github.com/pilot-run/pilot/internal/hub"
	"github.com/pilot-run/pilot/internal/perr"
	"github.com/pilot-run/pilot/internal/policy"
	"github.com/pilot-run/pilot/internal/procworld"
	"github.com/pilot-run/pilot/internal/session"
)

// Options are the daemon's start-up tuning knobs.
type Options struct {
	MaxAgents         int
	TickInterval      time.Duration
	BudgetPerAgentUSD float64
	Once              bool
	DryRun            bool

	// EnableHub starts the HTTP+WebSocket hub alongside the
	// tick loop. AllowOrigins is passed through to hub.Config.
	EnableHub    bool
	AllowOrigins []string
}

// Task is one unit of work the task source reports as ready.
type Task struct {
	ID         string
	Priority   int
	Complexity int
}

// Decomposition is a prior successful breakdown of a task, as looked up
// from the decomposition-pattern library.
type Decomposition struct {
	PatternKey string
	Steps      []string
}

// TaskSource queries the issue tracker for ready tasks.
// A tracker error downgrades to an empty result; it never blocks the tick.
type TaskSource interface {
	ReadyTasks(ctx context.Context) ([]Task, error)
}

// ResearchCache backs the auto-research cache (step 3): Has reports
// whether research already ran for a task; Schedule kicks one off.
type ResearchCache interface {
	Has(taskID string) bool
	Schedule(taskID string) error
}

// PatternLibrary looks up a prior decomposition match for a task (step 4).
type PatternLibrary interface {
	Match(task Task) (Decomposition, bool)
}

// Spawner launches one agent child process for a claimed task (step 4).
type Spawner interface {
	Spawn(ctx context.Context, task Task, decomp Decomposition, sessionID string) (pid int, err error)
}

// DriftChecker compares an active session's work against its approved
// plan (step 8); drifted=true triggers the drift escalation.
type DriftChecker interface {
	CheckDrift(sessionID string) (drifted bool, detail string)
}

// CostPublisher publishes daily and per-task cost summaries to a shared
// channel (step 9).
type CostPublisher interface {
	Publish(ctx context.Context, summary budget.CheckResult, taskID, sessionID string) error
}

// TelegramScanner drains the Telegram inbox/outbox (step 10).
type TelegramScanner interface {
	Scan(ctx context.Context) error
}

// OvernightScanner advances the active overnight run, if any (step 11).
type OvernightScanner interface {
	Scan(ctx context.Context) error
}

// Collaborators wires every optional scan dependency. A nil field is a
// no-op scan: the daemon still runs, it just skips that step. A scan
// that fails is caught, logged, and skipped.
type Collaborators struct {
	Tasks     TaskSource
	Research  ResearchCache
	Patterns  PatternLibrary
	Spawn     Spawner
	Drift     DriftChecker
	Costs     CostPublisher
	Telegram  TelegramScanner
	Overnight OvernightScanner

	// Review is forwarded to the hub so task completion consults the
	// peer-review merge gate. Nil disables gating.
	Review hub.ReviewGate

	// Paused reports whether an operator has paused new spawns (the
	// Telegram /pause intent). Nil means never paused.
	Paused func() bool
}

// Daemon is the PM central daemon.
type Daemon struct {
	paths config.Paths
	pol   policy.Policy
	clock clock.Clock
	procs procworld.World

	sessions   *session.Registry
	bus        *bus.Bus
	escalation *escalation.Engine
	budget     *budget.Tracker
	board      *board.Board

	opts  Options
	deps  Collaborators
	log   func(msg string, args ...any)

	spawned map[string]spawnedChild

	hub    *hub.Server
	hubSrv *http.Server
}

type spawnedChild struct {
	PID       int
	SessionID string
	StartedAt time.Time
}

// New builds a Daemon. logf receives one line per scan failure or notable
// event; pass nil to discard.
func New(paths config.Paths, pol policy.Policy, clk clock.Clock, procs procworld.World, opts Options, deps Collaborators, logf func(string, ...any)) *Daemon {
	if opts.MaxAgents <= 0 {
		opts.MaxAgents = pol.Orchestrator.MaxAgents
	}
	if opts.MaxAgents <= 0 {
		opts.MaxAgents = 6
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Duration(pol.Orchestrator.TickIntervalMs) * time.Millisecond
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 30 * time.Second
	}
	if logf == nil {
		logf = func(string, ...any) {}
	}
	d := &Daemon{
		paths:      paths,
		pol:        pol,
		clock:      clk,
		procs:      procs,
		sessions:   session.New(paths, clk, procs, time.Duration(pol.Orchestrator.StaleSessionSecs)*time.Second, pol.LeaseDuration()),
		bus:        bus.New(paths, clk),
		escalation: escalation.New(paths, pol, clk),
		budget:     budget.New(paths, pol, clk),
		board:      board.New(paths.StatusBoardFile),
		opts:       opts,
		deps:       deps,
		log:        logf,
		spawned:    map[string]spawnedChild{},
	}
	d.sessions.NotifyRelease(func(sessionID, taskID string) {
		payload, _ := json.Marshal(map[string]string{"task_id": taskID})
		_, _ = d.bus.Send(bus.Message{
			Type: "task.released", From: sessionID, To: "*",
			Priority: bus.PriorityNormal, Payload: payload,
		})
	})
	if opts.EnableHub {
		d.hub = hub.New(hub.Config{
			Sessions:     d.sessions,
			Bus:          d.bus,
			Escalation:   d.escalation,
			Budget:       d.budget,
			Clock:        clk,
			Review:       deps.Review,
			Board:        d.board,
			AllowOrigins: opts.AllowOrigins,
			Log:          logf,
		})
	}
	return d
}

// ReloadPolicy applies a freshly loaded policy.yaml snapshot to the
// daemon's policy-bearing components in place, so the hub (which holds
// the same handles) sees it too. Safe to call from the config watcher's
// goroutine: each component guards its own snapshot, and all escalation
// / budget / session state lives on disk rather than in the swapped
// structs. Tick cadence and MaxAgents keep their start-time values; they
// were resolved into Options once and changing them mid-run would
// re-open the sizing decisions the operator made at launch.
func (d *Daemon) ReloadPolicy(pol policy.Policy) {
	d.escalation.SetPolicy(pol)
	d.budget.SetPolicy(pol)
	d.sessions.SetTimings(time.Duration(pol.Orchestrator.StaleSessionSecs)*time.Second, pol.LeaseDuration())
}

// Hub returns the daemon's hub server, or nil when EnableHub is false.
// Agent traffic goes over the HTTP listener Start opens.
func (d *Daemon) Hub() *hub.Server { return d.hub }

// startHub binds the hub's HTTP listener on the port-file/env/default port
// and records the chosen port for agent connectors to
// discover.
func (d *Daemon) startHub() error {
	if d.hub == nil {
		return nil
	}
	port := config.HubPort(d.paths)
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return perr.Wrap(perr.UnreachableHub, err, "bind hub port %d", port)
	}
	actual := ln.Addr().(*net.TCPAddr).Port
	if err := config.WriteHubPortFile(d.paths.HubPortFile, actual); err != nil {
		_ = ln.Close()
		return perr.Wrap(perr.IOError, err, "write hub port file")
	}
	d.hubSrv = &http.Server{Handler: d.hub.Handler()}
	go func() {
		if err := d.hubSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			d.log("hub server stopped: %v", err)
		}
	}()
	return nil
}

// stopHub gracefully shuts down the hub's HTTP listener, if running.
func (d *Daemon) stopHub() {
	if d.hubSrv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = d.hubSrv.Shutdown(ctx)
	_ = os.Remove(d.paths.HubPortFile)
	d.hubSrv = nil
}

// acquirePIDFile enforces single-instance: a live PID in the file refuses
// start; a dead or missing PID is overwritten with this process's PID.
func (d *Daemon) acquirePIDFile() error {
	if data, err := os.ReadFile(d.paths.DaemonPIDFile); err == nil {
		if pid, convErr := strconv.Atoi(strings.TrimSpace(string(data))); convErr == nil && pid > 0 {
			if d.procs.IsAlive(pid) {
				return fmt.Errorf("daemon already running (pid %d)", pid)
			}
		}
	}
	return atomicfile.Write(d.paths.DaemonPIDFile, []byte(strconv.Itoa(d.procs.Self())), 0o644)
}

func (d *Daemon) releasePIDFile() {
	_ = os.Remove(d.paths.DaemonPIDFile)
}

// Start acquires the PID file, starts the hub, and either runs a single
// tick (Once) or loops until ctx is canceled. On cancellation
// (SIGTERM-equivalent) the in-flight tick finishes before Start's
// deferred cleanup stops the hub and releases the PID file.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.acquirePIDFile(); err != nil {
		return perr.Wrap(perr.StaleState, err, "start daemon")
	}
	defer d.releasePIDFile()

	if err := d.startHub(); err != nil {
		return err
	}
	defer d.stopHub()

	if d.opts.Once {
		_, err := d.Tick(ctx)
		return err
	}

	ticker := time.NewTicker(d.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := d.Tick(ctx); err != nil {
				d.log("tick error: %v", err)
			}
		}
	}
}

// IsRunning reports whether the PID file names a live process.
func (d *Daemon) IsRunning() (int, bool) {
	data, err := os.ReadFile(d.paths.DaemonPIDFile)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, d.procs.IsAlive(pid)
}
