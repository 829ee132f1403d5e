package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wesm/prtrail/internal/ui"
)

type ServerCommand struct {
	g *globals
}

func (c *ServerCommand) Register(parent *cobra.Command) {
	command := &cobra.Command{
		Use:   "server",
		Short: "Inspect configured servers",
	}
	command.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.g.loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.RequireServers(); err != nil {
				return err
			}
			t := ui.NewTable("LABEL", "API", "TOKEN", "REPOSITORIES")
			for _, s := range cfg.Servers {
				token := ui.ErrorStyle.Render("missing")
				if s.HasToken() {
					token = ui.SuccessStyle.Render("set")
				}
				repos := strings.Join(s.Repositories, ", ")
				if repos == "" {
					repos = "-"
				}
				t.Row(s.Label, s.APIPath, token, repos)
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.Render())
			return nil
		},
	})
	parent.AddCommand(command)
}
