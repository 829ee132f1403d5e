package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wesm/prtrail/internal/httpapi"
	"github.com/wesm/prtrail/internal/sync"
)

type RunCommand struct {
	g          *globals
	Addr       string
	Background bool
}

func (c *RunCommand) Register(parent *cobra.Command) {
	command := &cobra.Command{
		Use:   "run",
		Short: "Sync on a timer and serve the local API",
		Long: `Sync on a timer and serve the local API until interrupted.

The first cycle starts immediately. POST /api/v1/refresh triggers one
out of schedule.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			a, err := openApp(cmd.Context(), c.g, false)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, a.Close()) }()
			if err := a.cfg.RequireServers(); err != nil {
				return err
			}
			return c.run(cmd.Context(), a)
		},
	}
	command.Flags().StringVar(&c.Addr, "addr", "", "Listen address for the API (default from config, \"off\" disables it)")
	command.Flags().BoolVar(&c.Background, "background", false, "Use the background refresh period")
	parent.AddCommand(command)
}

func (c *RunCommand) run(ctx context.Context, a *app) error {
	sched := sync.NewScheduler(a.syncer, a.cfg.RefreshPeriod, a.cfg.BackgroundRefreshPeriod, a.logger)
	sched.SetBackground(c.Background)

	addr := a.cfg.HTTP.Addr
	if c.Addr != "" {
		addr = c.Addr
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(ctx)
	})
	if addr != "off" {
		router := httpapi.NewRouter(httpapi.NewHandler(a.store, a.registry, sched, a.hub, a.logger), a.cfg.HTTP.AllowedOrigins)
		g.Go(func() error {
			return httpapi.Serve(ctx, addr, router, a.logger)
		})
	}
	g.Go(func() error {
		notes, unsubscribe := a.hub.Subscribe()
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return nil
			case n := <-notes:
				a.logger.Info("notification", "type", n.Type, "title", n.Title, "url", n.URL)
			}
		}
	})

	a.logger.Info("prtrail running", "servers", len(a.cfg.Servers),
		"refresh_period", a.cfg.RefreshPeriod, "api", addr)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
