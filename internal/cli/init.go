package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wesm/prtrail/config"
	"github.com/wesm/prtrail/internal/ui"
)

type InitCommand struct {
	g *globals
}

func (c *InitCommand) Register(parent *cobra.Command) {
	command := &cobra.Command{
		Use:   "init",
		Short: "Create a default configuration file",
		Long: `Create a default configuration file with a single github.com server.

An existing file is left untouched. The token is read from
$PRTRAIL_GITHUB_TOKEN unless the server sets token or token_env.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := c.g.configPath()
			created, err := config.CreateDefaultConfig(path)
			if err != nil {
				return fmt.Errorf("failed to create default configuration: %w", err)
			}
			out := cmd.OutOrStdout()
			if !created {
				fmt.Fprintf(out, "%s already exists\n", path)
				return nil
			}
			fmt.Fprintf(out, "%s %s\n", ui.SuccessStyle.Render("Created"), path)
			fmt.Fprintf(out, "Set %s before running %s\n", config.EnvGithubToken, ui.HeaderStyle.Render("prtrail run"))
			return nil
		},
	}
	parent.AddCommand(command)
}
