package cli

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wesm/prtrail/config"
	"github.com/wesm/prtrail/internal/registry"
)

type RepoCommand struct {
	g      *globals
	Server string
}

func (c *RepoCommand) Register(parent *cobra.Command) {
	command := &cobra.Command{
		Use:   "repo",
		Short: "Manage manually watched repositories",
	}
	add := &cobra.Command{
		Use:   "add <owner/name>",
		Short: "Watch a repository in addition to your subscriptions",
		Long: `Watch a repository in addition to your subscriptions.

Example:
  prtrail repo add golang/go
  prtrail repo add platform/api --server enterprise`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.add(cmd, args[0])
		},
	}
	add.Flags().StringVar(&c.Server, "server", "", "Server label (default: the first configured server)")
	command.AddCommand(add)
	parent.AddCommand(command)
}

func (c *RepoCommand) add(cmd *cobra.Command, fullName string) error {
	owner, name, err := registry.ParseRepository(fullName)
	if err != nil {
		return err
	}
	fullName = owner + "/" + name

	path := c.g.configPath()
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return err
	}
	if err := cfg.RequireServers(); err != nil {
		return err
	}
	srv := &cfg.Servers[0]
	if c.Server != "" {
		var ok bool
		if srv, ok = cfg.Server(c.Server); !ok {
			return fmt.Errorf("unknown server %q", c.Server)
		}
	}

	out := cmd.OutOrStdout()
	if slices.ContainsFunc(srv.Repositories, func(r string) bool { return strings.EqualFold(r, fullName) }) {
		fmt.Fprintf(out, "%s is already watched on %s\n", fullName, srv.Label)
		return nil
	}
	srv.Repositories = append(srv.Repositories, fullName)
	if err := config.SaveConfig(cfg, path); err != nil {
		return err
	}
	fmt.Fprintf(out, "Watching %s on %s\n", fullName, srv.Label)
	return nil
}
