package commands

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/daedaleanai/mlbridge/config"
)

// Env is the environment of a command: the configuration and the streams
// it talks to. Kept separate from cobra so runXxx functions stay testable.
type Env struct {
	config *config.Config
	logger zerolog.Logger
	out    io.Writer
	err    io.Writer
}

func newEnv() *Env {
	return &Env{
		out: os.Stdout,
		err: os.Stderr,
	}
}

// loadConfig returns a PreRunE hook that loads and validates the config
// file given by the --config flag.
func loadConfig(env *Env) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		path, err := cmd.Flags().GetString("config")
		if err != nil {
			return err
		}
		if path == "" {
			return errors.New("no configuration file given, use --config")
		}

		env.config, err = config.Load(path)
		if err != nil {
			return err
		}

		env.logger = zerolog.New(zerolog.ConsoleWriter{Out: env.err}).
			With().Timestamp().Logger()
		return nil
	}
}
