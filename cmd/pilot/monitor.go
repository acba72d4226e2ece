package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/pilot-run/pilot/internal/config"
	"github.com/pilot-run/pilot/internal/tui"
)

func runMonitorCommand(ctx context.Context, args []string) int {
	app, err := loadAppContext("monitor", true)
	if err != nil {
		fmt.Fprintln(os.Stderr, "pilot monitor:", err)
		return 1
	}
	defer app.closer.Close()

	provider := func() tui.Snapshot {
		return buildSnapshot(app)
	}

	if err := tui.Run(ctx, provider); err != nil && err != context.Canceled {
		fmt.Fprintln(os.Stderr, "pilot monitor:", err)
		return 1
	}
	return 0
}

func buildSnapshot(app *appContext) tui.Snapshot {
	snap := tui.Snapshot{}

	records, err := app.sessions.ListActive()
	if err != nil {
		snap.LastError = err.Error()
	}
	for _, r := range records {
		snap.Sessions = append(snap.Sessions, tui.SessionView{
			SessionID: r.SessionID,
			Role:      r.Role,
			TaskID:    r.ClaimedTask,
			Status:    string(r.Status),
			Blocked:   app.escalation.IsBlocked(r.SessionID),
		})
	}

	unresolved, err := app.escalation.ListUnresolved()
	if err != nil && snap.LastError == "" {
		snap.LastError = err.Error()
	}
	snap.UnresolvedCount = len(unresolved)
	for _, s := range unresolved {
		if s.Level == "human" {
			snap.HumanEscalations++
		}
	}

	if cr, err := app.budget.Check("", ""); err == nil {
		snap.TodayTokens = cr.DayTokens
		snap.TodayCostUSD = app.budget.CostUSD(cr.DayTokens)
	} else if snap.LastError == "" {
		snap.LastError = err.Error()
	}

	port := config.HubPort(app.paths)
	if conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 2*time.Second); err == nil {
		conn.Close()
		snap.HubReachable = true
	}

	return snap
}
