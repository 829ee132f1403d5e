package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wesm/prtrail/internal/db"
	"github.com/wesm/prtrail/internal/models"
	"github.com/wesm/prtrail/internal/ratelimit"
	"github.com/wesm/prtrail/internal/ui"
)

type StatusCommand struct {
	g       *globals
	Section string
}

func (c *StatusCommand) Register(parent *cobra.Command) {
	command := &cobra.Command{
		Use:   "status",
		Short: "Show servers, sections and pull requests from the local store",
		Long: `Show servers, sections and pull requests from the local store.

Nothing is fetched; run "prtrail sync" first for fresh data.

Example:
  prtrail status
  prtrail status --section mine`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			section := models.SectionNone
			if c.Section != "" {
				if section, err = models.ParseSection(c.Section); err != nil {
					return err
				}
			}
			a, err := openApp(cmd.Context(), c.g, true)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, a.Close()) }()
			return c.run(cmd, a, section)
		},
	}
	command.Flags().StringVar(&c.Section, "section", "", "Only show one section (mine, participated, merged, closed, all)")
	parent.AddCommand(command)
}

func (c *StatusCommand) run(cmd *cobra.Command, a *app, section models.Section) error {
	ctx := cmd.Context()
	now := time.Now()
	out := cmd.OutOrStdout()

	stored, err := a.store.ListServers(ctx)
	if err != nil {
		return err
	}
	var lines []ui.ServerLine
	for _, s := range stored {
		if !a.registry.Configured(s.ID) {
			continue
		}
		line := ui.ServerLine{
			Label:      s.Label,
			Login:      s.UserLogin,
			LastSyncAt: s.LastSyncAt,
			Succeeded:  s.LastSyncSucceeded,
		}
		if s.RateLimit > 0 {
			line.Quota = &ratelimit.Quota{Limit: s.RateLimit, Remaining: s.RateRemaining, ResetAt: s.RateResetAt}
		}
		lines = append(lines, line)
	}

	fmt.Fprintln(out, ui.RenderTitle("prtrail"))
	fmt.Fprintln(out, ui.RenderServers(lines, now))

	if run, err := a.store.LastRun(ctx); err == nil {
		fmt.Fprintf(out, "Last cycle %s (%s, %s)\n", ui.FormatAge(run.FinishedAt, now), run.Trigger, run.Outcome)
	} else if !errors.Is(err, db.ErrNotFound) {
		return err
	}

	counts, err := a.store.SectionCounts(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, ui.RenderSections(counts))
	fmt.Fprintln(out)

	pulls, err := a.store.ListPullRequests(ctx, section)
	if err != nil {
		return err
	}
	fmt.Fprint(out, ui.RenderPulls(pulls))
	return nil
}
