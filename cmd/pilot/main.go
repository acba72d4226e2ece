// Command pilot runs the multi-agent orchestration daemon and its
// operator-facing subcommands: start/stop/status the PM daemon, claim
// or release a task's session lock, print the latest report, run
// startup diagnostics, and watch the live terminal dashboard.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=...".
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s daemon start [-once] [-foreground]   Start the PM daemon
  %s daemon stop                          Stop the running PM daemon
  %s daemon status                        Check PM daemon liveness
  %s claim-task <id>                      Claim a task under the current session
  %s release-task                         Release the current session's claimed task
  %s report [-run <id>]                   Print the latest (or a named) overnight report
  %s review <status|approve|reject> ...   Drive the peer-review merge gate
  %s doctor [-json]                       Run startup diagnostics
  %s monitor                              Live terminal dashboard

ENVIRONMENT VARIABLES:
  PILOT_SESSION_ID        Session identifier for the current agent process
  PILOT_PM_PORT           Overrides the hub's bound port
  PILOT_TOKEN_BUDGET      Overrides the per-task token budget
  PILOT_TELEGRAM_BOT_TOKEN  (or whichever env var policy.yaml's telegram.bot_token_env names)

`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	case "daemon":
		os.Exit(runDaemonCommand(ctx, args[1:]))
	case "claim-task":
		os.Exit(runClaimTaskCommand(args[1:]))
	case "release-task":
		os.Exit(runReleaseTaskCommand(args[1:]))
	case "report":
		os.Exit(runReportCommand(args[1:]))
	case "review":
		os.Exit(runReviewCommand(args[1:]))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args[1:]))
	case "monitor":
		os.Exit(runMonitorCommand(ctx, args[1:]))
	default:
		printUsage()
		os.Exit(2)
	}
}

// jsonOutput reports whether stdout is not a terminal (piped/redirected),
// in which case subcommands default to machine-readable output even
// without an explicit -json flag.
func jsonOutput(explicit bool) bool {
	return explicit || !isatty.IsTerminal(os.Stdout.Fd())
}
