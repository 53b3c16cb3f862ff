package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/daedaleanai/mlbridge/email"
	"github.com/daedaleanai/mlbridge/repository"
)

func newCheckCommand() *cobra.Command {
	env := newEnv()

	cmd := &cobra.Command{
		Use:     "check",
		Short:   "Validate the configuration and report the bridge state.",
		PreRunE: loadConfig(env),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(env)
		},
	}

	return cmd
}

func runCheck(env *Env) error {
	cfg := env.config
	good := color.New(color.FgGreen).SprintFunc()
	bad := color.New(color.FgRed).SprintFunc()
	warn := color.New(color.FgYellow).SprintFunc()

	sender := email.Address{Name: cfg.SenderName, Address: cfg.SenderAddress}
	fmt.Fprintf(env.out, "sender:   %s\n", sender)
	fmt.Fprintf(env.out, "source:   %s\n", cfg.SourceRepo)
	fmt.Fprintf(env.out, "archive:  %s (ref %s)\n", cfg.ArchiveRepo, cfg.ArchiveRef)

	for _, list := range cfg.Lists {
		if len(list.Labels) == 0 {
			fmt.Fprintf(env.out, "list:     %s (all messages)\n", list.Address)
		} else {
			fmt.Fprintf(env.out, "list:     %s (labels %v)\n", list.Address, list.Labels)
		}
	}

	kinds := ""
	if cfg.Webrev.GenerateHTML {
		kinds += " html"
	}
	if cfg.Webrev.GenerateJSON {
		kinds += " json"
	}
	fmt.Fprintf(env.out, "webrevs: %s at %s\n", kinds, cfg.Webrev.BaseURI)

	if cfg.Cooldown > 0 {
		fmt.Fprintf(env.out, "cooldown: %s per pull request\n", cfg.Cooldown)
	}

	if newest, ok := newestRecord(filepath.Join(cfg.StateDir, "records")); ok {
		fmt.Fprintf(env.out, "state:    last bridged activity %s\n", humanize.Time(newest))
	} else {
		fmt.Fprintf(env.out, "state:    %s\n", warn("no bridge records yet"))
	}

	client, err := repository.GetGiteaClient(cfg.Gitea.URL, cfg.Gitea.APIToken)
	if err != nil {
		fmt.Fprintf(env.out, "forge:    %s: %s\n", bad("unreachable"), err)
		return nil
	}
	version, _, err := client.ServerVersion()
	if err != nil {
		fmt.Fprintf(env.out, "forge:    %s: %s\n", bad("unreachable"), err)
		return nil
	}
	fmt.Fprintf(env.out, "forge:    %s (gitea %s, repository %s/%s)\n",
		good("reachable"), version, cfg.Gitea.Owner, cfg.Gitea.Repo)

	return nil
}

// newestRecord returns the most recent modification time among the
// bridge record files, if any exist.
func newestRecord(dir string) (time.Time, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return time.Time{}, false
	}

	var newest time.Time
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	return newest, !newest.IsZero()
}
