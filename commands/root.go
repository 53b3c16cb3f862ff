package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mlbridge",
		Short: "Bridge pull request activity onto a mailing list.",
		Long: `mlbridge watches the pull requests of a repository and projects their
activity, exactly once each, onto a mailing list and an append-only mail
archive, generating webrev artifacts for every revision along the way.`,

		// For the root command, force the usage output when no
		// subcommand is given.
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},

		SilenceUsage:      true,
		DisableAutoGenTag: true,
	}

	cmd.PersistentFlags().String("config", "", "Path to the bot configuration file")

	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newCheckCommand())
	cmd.AddCommand(newDemoCommand())

	return cmd
}

// Execute is the entry point used by main.
func Execute() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
