package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

type claimOutput struct {
	Success        bool      `json:"success"`
	SessionID      string    `json:"session_id"`
	TaskID         string    `json:"task_id,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	By             string    `json:"by,omitempty"`
}

// runClaimTaskCommand claims taskID under the current process's session
// (resolved the same way an agent helper resolves itself: PILOT_SESSION_ID
// plus this process's pid/parent pid).
func runClaimTaskCommand(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: pilot claim-task <id>")
		return 2
	}
	taskID := args[0]

	app, err := loadAppContext("cli", true)
	if err != nil {
		fmt.Fprintln(os.Stderr, "pilot claim-task:", err)
		return 1
	}
	defer app.closer.Close()

	rec, err := app.sessions.ResolveCurrent(os.Getenv("PILOT_SESSION_ID"), app.procs.Self(), os.Getppid())
	if err != nil {
		fmt.Fprintln(os.Stderr, "pilot claim-task: resolve session:", err)
		return 1
	}

	result, err := app.sessions.ClaimTask(rec.SessionID, taskID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "pilot claim-task:", err)
		return 1
	}
	out := claimOutput{
		Success:   result.Success,
		SessionID: rec.SessionID,
		TaskID:    taskID,
		Reason:    result.Reason,
		By:        result.By,
	}
	if result.Success {
		out.LeaseExpiresAt = result.Claim.LeaseExpiresAt
	}
	if jsonOutput(false) {
		_ = json.NewEncoder(os.Stdout).Encode(out)
	} else if result.Success {
		fmt.Printf("session %s claimed task %s\n", rec.SessionID, taskID)
	} else {
		fmt.Printf("task %s not claimed: %s (held by %s)\n", taskID, result.Reason, result.By)
	}
	if !result.Success {
		return 1
	}
	return 0
}

// runReleaseTaskCommand releases whatever task the current session has
// claimed, if any.
func runReleaseTaskCommand(args []string) int {
	app, err := loadAppContext("cli", true)
	if err != nil {
		fmt.Fprintln(os.Stderr, "pilot release-task:", err)
		return 1
	}
	defer app.closer.Close()

	rec, err := app.sessions.ResolveCurrent(os.Getenv("PILOT_SESSION_ID"), app.procs.Self(), os.Getppid())
	if err != nil {
		fmt.Fprintln(os.Stderr, "pilot release-task: resolve session:", err)
		return 1
	}
	if err := app.sessions.ReleaseTask(rec.SessionID); err != nil {
		fmt.Fprintln(os.Stderr, "pilot release-task:", err)
		return 1
	}
	if jsonOutput(false) {
		_ = json.NewEncoder(os.Stdout).Encode(map[string]any{"success": true, "session_id": rec.SessionID})
	} else {
		fmt.Printf("session %s released its claimed task\n", rec.SessionID)
	}
	return 0
}
