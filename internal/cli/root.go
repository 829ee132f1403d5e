// Package cli implements the prtrail command line.
package cli

import (
	"context"

	"github.com/spf13/cobra"
)

// Command represents a CLI command that can register itself with cobra
type Command interface {
	Register(parent *cobra.Command)
}

// globals holds the persistent flags shared by every command
type globals struct {
	ConfigPath string
	Verbose    bool
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "prtrail",
		Short: "Track pull request activity across GitHub servers",
		Long: `prtrail keeps a local, reconciled copy of the pull requests you care
about on one or more GitHub or GitHub Enterprise servers, sorted into
sections and kept fresh on a timer.

Run "prtrail init" to create a configuration file, then "prtrail run".`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVar(&g.ConfigPath, "config", "", "Path to configuration file (default $PRTRAIL_CONFIG or the user config dir)")
	root.PersistentFlags().BoolVarP(&g.Verbose, "verbose", "v", false, "Log at debug level")

	commands := []Command{
		&InitCommand{g: g},
		&ServerCommand{g: g},
		&RepoCommand{g: g},
		&SyncCommand{g: g},
		&RunCommand{g: g},
		&StatusCommand{g: g},
	}
	for _, c := range commands {
		c.Register(root)
	}
	return root
}

// Execute runs the command line with ctx.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}
