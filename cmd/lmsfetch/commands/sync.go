package commands

import (
	"context"
	"fmt"
	"time"

	"lmsfetch/internal/components/chrono"

	"github.com/spf13/cobra"
)

const (
	report_cli_sync         = "cli.sync"
	report_cli_sync_pending = "cli.sync.pending"
)

func init() {
	rootCmd.AddCommand(syncCmd)
}

// syncOnce refreshes the cached grade center and reports how many attempts
// are waiting.
func syncOnce(ctx context.Context, a *app, course string) {
	ov, stale, err := a.overview(ctx, course, true)
	if err != nil {
		a.tel.ReportBroken(report_cli_sync, a.report(err))
		return
	}
	if err := a.session.Close(); err != nil {
		a.tel.ReportWarning(report_cli_sync, "save cookies", err)
	}

	students, err := a.visibleStudents(ctx, course, ov)
	if err != nil {
		a.tel.ReportBroken(report_cli_sync, a.report(err))
		return
	}
	pending := listAttempts(a, ov, students, "", false)
	a.tel.ReportCount(report_cli_sync_pending, int64(len(pending)))

	note := ""
	if stale {
		note = " (offline)"
	}
	fmt.Fprintf(a.out, "%s: %d attempts need grading%s\n", ov.FetchedAt.Format(time.DateTime), len(pending), note)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Keeps the offline copy of the grade center up to date on a schedule.",
	Args:  cobra.NoArgs,
	RunE: run(func(ctx context.Context, a *app, _ []string) error {
		course, err := a.course()
		if err != nil {
			return err
		}

		syncOnce(ctx, a, course)

		cron := chrono.NewStandardCron(a.tel)
		defer func() { <-cron.Stop().Done() }()
		err = cron.Cron(a.cfg.Sync.Schedule, func() { syncOnce(ctx, a, course) })
		if err != nil {
			return fmt.Errorf("sync schedule %q: %w", a.cfg.Sync.Schedule, err)
		}

		<-ctx.Done()
		return nil
	}),
}
