package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/pilot-run/pilot/internal/config"
	"github.com/pilot-run/pilot/internal/coordinator"
	"github.com/pilot-run/pilot/internal/policy"
	"github.com/pilot-run/pilot/internal/telegram"
)

func runDaemonCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: pilot daemon <start|stop|status> [flags]")
		return 2
	}
	switch args[0] {
	case "start":
		return runDaemonStart(ctx, args[1:])
	case "stop":
		return runDaemonStop(args[1:])
	case "status":
		return runDaemonStatus(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown daemon subcommand %q\n", args[0])
		return 2
	}
}

func runDaemonStart(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("daemon start", flag.ContinueOnError)
	once := fs.Bool("once", false, "run a single tick then exit")
	foreground := fs.Bool("foreground", false, "run in this process instead of forking to background")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if !*foreground {
		return forkDaemon()
	}

	app, err := loadAppContext("daemon", false)
	if err != nil {
		fmt.Fprintln(os.Stderr, "pilot daemon start:", err)
		return 1
	}
	defer app.closer.Close()

	provider, err := otelProviderFromPolicy(ctx, app.pol, app.budget)
	if err != nil {
		fmt.Fprintln(os.Stderr, "pilot daemon start: otel setup:", err)
		return 1
	}
	defer provider.Shutdown(context.Background())

	// No metrics exporter is configured (only traces), so the daemon's
	// log file is the metrics sink: drain the manual reader periodically.
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if rm, err := provider.CollectSnapshot(ctx); err == nil && len(rm.ScopeMetrics) > 0 {
					app.log("metrics snapshot: %d scope(s)", len(rm.ScopeMetrics))
				}
			}
		}
	}()

	spawnCmd := os.Getenv("PILOT_AGENT_CMD")
	deps := app.buildCollaborators(provider, spawnCmd, nil)

	startTelegramBridge(ctx, app)

	d := coordinator.New(app.paths, app.pol, app.clock, app.procs, coordinator.Options{
		Once:         *once,
		EnableHub:    true,
		AllowOrigins: nil,
	}, deps, app.log)

	startCron(ctx, app, d)
	startPolicyReload(ctx, app, d)

	app.log("pm daemon starting, pid=%s", pidString(os.Getpid()))
	if err := d.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "pilot daemon start:", err)
		return 1
	}
	return 0
}

// forkDaemon re-execs this binary with "daemon start -foreground",
// detached from the controlling terminal, and returns immediately —
// the conventional "start in background" idiom for a single static
// binary with no separate service manager.
func forkDaemon() int {
	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintln(os.Stderr, "pilot daemon start:", err)
		return 1
	}
	cmd := exec.Command(exe, "daemon", "start", "-foreground")
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "pilot daemon start:", err)
		return 1
	}
	fmt.Printf("pilot daemon started, pid=%d\n", cmd.Process.Pid)
	return 0
}

// startTelegramBridge authenticates against the Telegram Bot API and
// starts polling in the background when a bot token is configured; a
// missing or invalid token just logs and the daemon runs without a live
// bridge (the Processor-based inbox/outbox scan still works against
// whatever another process appends to the inbox file).
func startTelegramBridge(ctx context.Context, app *appContext) {
	if app.pol.Telegram.BotTokenEnv == "" {
		return
	}
	token := os.Getenv(app.pol.Telegram.BotTokenEnv)
	if token == "" {
		return
	}
	bridge, err := telegram.NewBridge(token, app.allowedTelegramChatIDs(), app.paths, app.log)
	if err != nil {
		app.log("telegram bridge: %v", err)
		return
	}
	go func() {
		if err := bridge.Run(ctx); err != nil && ctx.Err() == nil {
			app.log("telegram bridge stopped: %v", err)
		}
	}()
}

// startPolicyReload watches policy.yaml for edits and hot-reloads the
// daemon's policy-derived thresholds (escalation paths/cooldowns,
// budget limits, lease and staleness windows, review gating) without a
// restart. A parse failure keeps the previous snapshot.
func startPolicyReload(ctx context.Context, app *appContext, d *coordinator.Daemon) {
	live, err := policy.NewLive(app.paths.PolicyFile)
	if err != nil {
		app.log("policy reload disabled: %v", err)
		return
	}
	watcher := config.NewWatcher(app.paths.RepoRoot, app.logger)
	if err := watcher.Start(ctx); err != nil {
		app.log("policy reload disabled: watcher: %v", err)
		return
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events():
				if !ok {
					return
				}
				if err := live.Reload(); err != nil {
					app.log("policy reload: keeping previous snapshot: %v", err)
					continue
				}
				pol := live.Get()
				d.ReloadPolicy(pol)
				app.reviews.SetPolicy(pol)
				app.log("policy reloaded after change to %s", ev.Path)
			}
		}
	}()
}

func runDaemonStop(args []string) int {
	app, err := loadAppContext("daemon-ctl", true)
	if err != nil {
		fmt.Fprintln(os.Stderr, "pilot daemon stop:", err)
		return 1
	}
	defer app.closer.Close()

	d := coordinator.New(app.paths, app.pol, app.clock, app.procs, coordinator.Options{}, coordinator.Collaborators{}, nil)
	pid, running := d.IsRunning()
	if !running {
		fmt.Println("pilot daemon is not running")
		return 0
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		fmt.Fprintln(os.Stderr, "pilot daemon stop:", err)
		return 1
	}
	fmt.Printf("sent SIGTERM to pid %d\n", pid)
	return 0
}

func runDaemonStatus(args []string) int {
	app, err := loadAppContext("daemon-ctl", true)
	if err != nil {
		fmt.Fprintln(os.Stderr, "pilot daemon status:", err)
		return 1
	}
	defer app.closer.Close()

	d := coordinator.New(app.paths, app.pol, app.clock, app.procs, coordinator.Options{}, coordinator.Collaborators{}, nil)
	pid, running := d.IsRunning()
	port := config.HubPort(app.paths)
	hubReachable := false
	if running {
		if conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 3*time.Second); err == nil {
			hubReachable = true
			conn.Close()
		}
	}

	if jsonOutput(false) {
		_ = json.NewEncoder(os.Stdout).Encode(map[string]any{
			"running": running, "pid": pid, "hub_port": port, "hub_reachable": hubReachable,
		})
	} else if !running {
		fmt.Println("pilot daemon: not running")
	} else {
		fmt.Printf("pilot daemon: running (pid %d)\n", pid)
		if hubReachable {
			fmt.Printf("hub: reachable on port %d\n", port)
		} else {
			fmt.Printf("hub: not reachable on port %d\n", port)
		}
	}
	if !running || !hubReachable {
		return 1
	}
	return 0
}
