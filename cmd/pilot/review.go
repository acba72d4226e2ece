package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

// runReviewCommand drives the peer-review merge gate from
// the command line: an operator or a CI hook calls this instead of
// going through the hub when approving/rejecting a task's diff
// out-of-band (e.g. after a human review pass outside the fleet).
func runReviewCommand(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: pilot review <status|approve|reject> <task-id> [args]")
		return 2
	}

	app, err := loadAppContext("cli", true)
	if err != nil {
		fmt.Fprintln(os.Stderr, "pilot review:", err)
		return 1
	}
	defer app.closer.Close()

	switch args[0] {
	case "status":
		return runReviewStatus(app, args[1:])
	case "approve":
		return runReviewApprove(app, args[1:])
	case "reject":
		return runReviewReject(app, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown review subcommand %q\n", args[0])
		return 2
	}
}

func runReviewStatus(app *appContext, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: pilot review status <task-id>")
		return 2
	}
	taskID := args[0]

	allowed, err := app.reviews.MergeAllowed(taskID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "pilot review status:", err)
		return 1
	}
	gate, found, err := app.reviews.Gate(taskID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "pilot review status:", err)
		return 1
	}
	if !found {
		fmt.Printf("task %s: no review gate yet, merge_allowed=%t\n", taskID, allowed)
		return 0
	}
	fmt.Printf("task %s: decision=%s reviewer=%s pass=%s merge_allowed=%t\n",
		taskID, gate.Decision, gate.Reviewer, gate.Pass, allowed)
	return 0
}

func runReviewApprove(app *appContext, args []string) int {
	fs := flag.NewFlagSet("review approve", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) != 2 {
		fmt.Fprintln(os.Stderr, "usage: pilot review approve <task-id> <reviewer>")
		return 2
	}
	if _, err := app.reviews.Approve(rest[0], rest[1]); err != nil {
		fmt.Fprintln(os.Stderr, "pilot review approve:", err)
		return 1
	}
	fmt.Printf("task %s approved by %s\n", rest[0], rest[1])
	return 0
}

func runReviewReject(app *appContext, args []string) int {
	fs := flag.NewFlagSet("review reject", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) < 3 {
		fmt.Fprintln(os.Stderr, "usage: pilot review reject <task-id> <reviewer> <reason...>")
		return 2
	}
	reason := strings.Join(rest[2:], " ")
	if _, err := app.reviews.Reject(rest[0], rest[1], []string{reason}); err != nil {
		fmt.Fprintln(os.Stderr, "pilot review reject:", err)
		return 1
	}
	fmt.Printf("task %s rejected by %s: %s\n", rest[0], rest[1], reason)
	return 0
}
