package main

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/pilot-run/pilot/internal/coordinator"
)

// startCron wires policy.yaml's daily_report_cron and
// archive_rotate_cron schedules: standing report generation and
// bus-archive rotation independent of any active overnight run. The
// returned scheduler is stopped when ctx is
// canceled so it shares the daemon's shutdown signal.
func startCron(ctx context.Context, app *appContext, d *coordinator.Daemon) *cron.Cron {
	c := cron.New()

	if _, err := c.AddFunc(app.pol.Orchestrator.DailyReportCron, func() {
		if _, err := app.overnight.GenerateReport("daily"); err != nil {
			app.log("daily report cron: %v", err)
		}
	}); err != nil {
		app.log("daily report cron: bad schedule %q: %v", app.pol.Orchestrator.DailyReportCron, err)
	}

	if _, err := c.AddFunc(app.pol.Orchestrator.ArchiveRotateCron, func() {
		if _, err := app.bus.Compact(); err != nil {
			app.log("archive rotate cron: %v", err)
		}
	}); err != nil {
		app.log("archive rotate cron: bad schedule %q: %v", app.pol.Orchestrator.ArchiveRotateCron, err)
	}

	c.Start()
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return c
}
