package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pilot-run/pilot/internal/board"
	"github.com/pilot-run/pilot/internal/budget"
	"github.com/pilot-run/pilot/internal/bus"
	"github.com/pilot-run/pilot/internal/clock"
	"github.com/pilot-run/pilot/internal/config"
	"github.com/pilot-run/pilot/internal/coordinator"
	"github.com/pilot-run/pilot/internal/escalation"
	"github.com/pilot-run/pilot/internal/otelx"
	"github.com/pilot-run/pilot/internal/overnight"
	"github.com/pilot-run/pilot/internal/pattern"
	"github.com/pilot-run/pilot/internal/policy"
	"github.com/pilot-run/pilot/internal/procworld"
	"github.com/pilot-run/pilot/internal/research"
	"github.com/pilot-run/pilot/internal/review"
	"github.com/pilot-run/pilot/internal/session"
	"github.com/pilot-run/pilot/internal/tasksource"
	"github.com/pilot-run/pilot/internal/telegram"
	"github.com/pilot-run/pilot/internal/telemetry"
)

// appContext bundles the fully-loaded, file-rooted state every
// subcommand needs: resolved paths, loaded policy, and every
// independently-constructable package wrapper over that state. It is
// intentionally not a single do-everything object: each subcommand pulls
// only the fields it needs.
type appContext struct {
	paths  config.Paths
	pol    policy.Policy
	clock  clock.Clock
	procs  procworld.World
	logger *slog.Logger
	closer io.Closer

	sessions   *session.Registry
	bus        *bus.Bus
	escalation *escalation.Engine
	budget     *budget.Tracker
	board      *board.Registry
	patterns   *pattern.Library
	overnight  *overnight.Manager
	reviews    *review.Manager
}

// loadAppContext resolves the repository root from the working
// directory, loads policy.yaml, and constructs every package wrapper
// the daemon and CLI subcommands share. component names the
// "<component>.jsonl" log file under state/orchestrator/logs.
func loadAppContext(component string, quiet bool) (*appContext, error) {
	repoRoot, err := config.FindRepoRoot(".")
	if err != nil {
		return nil, fmt.Errorf("resolve repo root: %w", err)
	}
	paths := config.Resolve(repoRoot)

	pol, err := policy.Load(paths.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}

	logger, closer, err := telemetry.NewLogger(paths.LogsDir, component, "info", quiet)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	clk := clock.Real()
	procs := procworld.OS{}

	sessions := session.New(paths, clk, procs,
		time.Duration(pol.Orchestrator.StaleSessionSecs)*time.Second, pol.LeaseDuration())
	busHandle := bus.New(paths, clk)
	sessions.NotifyRelease(func(sessionID, taskID string) {
		payload, _ := json.Marshal(map[string]string{"task_id": taskID})
		_, _ = busHandle.Send(bus.Message{
			Type: "task.released", From: sessionID, To: "*",
			Priority: bus.PriorityNormal, Payload: payload,
		})
	})
	escEngine := escalation.New(paths, pol, clk)
	budTracker := budget.New(paths, pol, clk)
	patterns := pattern.New(paths, clk)
	overnightMgr := overnight.New(paths, pol, clk, overnightBudgetAdapter{tracker: budTracker})
	boardRegistry := board.NewRegistry(loadCapabilityRules(repoRoot))
	reviews := review.New(paths, pol, clk, boardRegistry)

	return &appContext{
		paths: paths, pol: pol, clock: clk, procs: procs, logger: logger, closer: closer,
		sessions: sessions, bus: busHandle, escalation: escEngine, budget: budTracker,
		board: boardRegistry, patterns: patterns, overnight: overnightMgr, reviews: reviews,
	}, nil
}

func (a *appContext) log(format string, args ...any) {
	if a.logger != nil {
		a.logger.Info(fmt.Sprintf(format, args...))
	}
}

// loadCapabilityRules reads an optional capabilities.json at the repo
// root describing role -> file-glob ownership for reviewer selection
// and service discovery. Its absence is not an error:
// reviewer selection then always falls back to "generalist".
func loadCapabilityRules(repoRoot string) []board.CapabilityRule {
	data, err := os.ReadFile(filepath.Join(repoRoot, "capabilities.json"))
	if err != nil {
		return nil
	}
	var rules []board.CapabilityRule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil
	}
	return rules
}

// otelProviderFromPolicy builds an otelx.Provider from
// orchestrator.otel_endpoint, wiring the budget tracker's token
// recorder and returning the cost publisher passed into the daemon's
// Collaborators.
func otelProviderFromPolicy(ctx context.Context, pol policy.Policy, bud *budget.Tracker) (*otelx.Provider, error) {
	cfg := otelx.Config{ServiceName: "pilot"}
	if pol.Orchestrator.OtelEndpoint != "" {
		cfg.Exporter = "otlp-http"
		cfg.Endpoint = pol.Orchestrator.OtelEndpoint
	}
	provider, err := otelx.Setup(ctx, cfg)
	if err != nil {
		return nil, err
	}
	bud.SetRecorder(provider)
	return provider, nil
}

// buildCollaborators assembles the daemon's optional scan
// dependencies: TaskSource from the local tasks.json
// queue, the pattern library, the OS spawner, the cost publisher, and—
// only when a Telegram bot token is configured—the Telegram scanner.
func (a *appContext) buildCollaborators(costs coordinator.CostPublisher, spawnCmd string, spawnArgs []string) coordinator.Collaborators {
	deps := coordinator.Collaborators{
		Tasks:     tasksource.New(tasksource.DefaultPath(a.paths.OrchestratorDir)),
		Research:  research.New(a.paths.ResearchDir, a.clock),
		Patterns:  patternAdapter{lib: a.patterns},
		Spawn:     &coordinator.OSSpawner{Paths: a.paths, Command: spawnCmd, Args: spawnArgs},
		Drift:     nil,
		Costs:     costs,
		Overnight: overnightAdapter{mgr: a.overnight},
		Review:    a.reviews,
		Paused: func() bool {
			return telegram.IsPaused(a.paths) || a.overnight.AnyActiveDraining()
		},
	}

	if a.pol.Telegram.BotTokenEnv != "" {
		if token := os.Getenv(a.pol.Telegram.BotTokenEnv); token != "" {
			proc := telegram.New(a.paths, a.pol, a.clock, a.escalation, a.sessions, a.budget, a.log)
			deps.Telegram = telegramAdapter{proc: proc}
		}
	}
	return deps
}

// allowedTelegramChatIDs exposes policy.yaml's allow-list for the live
// bridge's access-list enforcement.
func (a *appContext) allowedTelegramChatIDs() []int64 {
	return a.pol.Telegram.AllowedChatIDs
}

// pidString renders a PID for log lines without importing strconv at
// every call site.
func pidString(pid int) string { return strconv.Itoa(pid) }
