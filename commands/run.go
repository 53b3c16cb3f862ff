package commands

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/daedaleanai/mlbridge/bridge"
	"github.com/daedaleanai/mlbridge/email"
	"github.com/daedaleanai/mlbridge/forge"
	"github.com/daedaleanai/mlbridge/mailinglist"
	"github.com/daedaleanai/mlbridge/repository"
)

func newRunCommand() *cobra.Command {
	env := newEnv()
	var interval time.Duration
	var once bool
	var scratch string

	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run periodic bridge passes until interrupted.",
		PreRunE: loadConfig(env),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(env, interval, once, scratch)
		},
	}

	cmd.Flags().DurationVarP(&interval, "interval", "i", time.Minute, "Time between activity passes")
	cmd.Flags().BoolVar(&once, "once", false, "Run a single pass and exit")
	cmd.Flags().StringVar(&scratch, "scratch", "", "Directory for local clones, defaults to <stateDir>/scratch")

	return cmd
}

func buildBot(env *Env, scratch string) (*bridge.Bot, error) {
	cfg := env.config

	if cfg.SMTPServer == "" {
		return nil, errors.New("no smtp server configured")
	}
	if cfg.StateDir == "" {
		return nil, errors.New("no state directory configured")
	}
	if scratch == "" {
		scratch = filepath.Join(cfg.StateDir, "scratch")
	}

	client, err := repository.GetGiteaClient(cfg.Gitea.URL, cfg.Gitea.APIToken)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to the review host")
	}
	host := forge.NewGiteaHost(client, cfg.Gitea.Owner, cfg.Gitea.Repo)

	sender := email.Address{Name: cfg.SenderName, Address: cfg.SenderAddress}
	archive := mailinglist.NewGitArchive(cfg.ArchiveRepo, cfg.ArchiveRef,
		filepath.Join(scratch, "archive"), cfg.SenderName, cfg.SenderAddress)
	transport := mailinglist.NewSMTPTransport(cfg.SMTPServer)

	tracker, err := bridge.NewTracker(filepath.Join(cfg.StateDir, "records"), sender.Domain(), archive)
	if err != nil {
		return nil, err
	}
	webrevs := bridge.NewWebrevStorage(cfg.Webrev, cfg.SenderName, cfg.SenderAddress, scratch, env.logger)

	return bridge.NewBot(cfg, host, transport, archive, tracker, webrevs, scratch, env.logger), nil
}

func runRun(env *Env, interval time.Duration, once bool, scratch string) error {
	bot, err := buildBot(env, scratch)
	if err != nil {
		return err
	}

	if once {
		return bot.RunPass()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := bot.RunPass(); err != nil {
			// a pass-level failure is retried on the next cycle from
			// the last durably recorded state
			env.logger.Error().Err(err).Msg("activity pass failed")
		}

		select {
		case <-ticker.C:
		case <-stop:
			env.logger.Info().Msg("shutting down")
			return nil
		}
	}
}
