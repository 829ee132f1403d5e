package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/wesm/prtrail/internal/sync"
	"github.com/wesm/prtrail/internal/ui"
)

type SyncCommand struct {
	g *globals
}

func (c *SyncCommand) Register(parent *cobra.Command) {
	command := &cobra.Command{
		Use:   "sync",
		Short: "Run a single sync cycle and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			a, err := openApp(cmd.Context(), c.g, false)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, a.Close()) }()
			if err := a.cfg.RequireServers(); err != nil {
				return err
			}

			report, err := a.syncer.RunCycle(cmd.Context(), sync.TriggerManual)
			if report != nil {
				printReport(cmd.OutOrStdout(), report)
			}
			if err != nil {
				return err
			}
			if report.Outcome == sync.OutcomeFailed {
				return errors.New("sync failed")
			}
			return nil
		},
	}
	parent.AddCommand(command)
}

func printReport(w io.Writer, r *sync.Report) {
	outcome := ui.SuccessStyle.Render(r.Outcome.String())
	switch r.Outcome {
	case sync.OutcomeFailed:
		outcome = ui.ErrorStyle.Render(r.Outcome.String())
	case sync.OutcomePartiallyFailed:
		outcome = ui.WarningStyle.Render(r.Outcome.String())
	}
	fmt.Fprintf(w, "Sync %s in %s: %d fetches, %d created, %d updated, %d purged, %d notifications\n",
		outcome, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond),
		r.Pairs, r.Created, r.Updated, r.Purged, r.Notifications)
	for _, s := range r.Skipped {
		fmt.Fprintf(w, "  %s %s\n", ui.WarningStyle.Render("skipped"), s)
	}
	for _, f := range r.Failures {
		fmt.Fprintf(w, "  %s %s\n", ui.ErrorStyle.Render("failed"), f)
	}
}
