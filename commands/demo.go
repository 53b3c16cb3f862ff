package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/icrowley/fake"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/daedaleanai/mlbridge/bridge"
	"github.com/daedaleanai/mlbridge/config"
	"github.com/daedaleanai/mlbridge/entity"
	"github.com/daedaleanai/mlbridge/forge"
	"github.com/daedaleanai/mlbridge/mailinglist"
	"github.com/daedaleanai/mlbridge/repository"
)

func newDemoCommand() *cobra.Command {
	env := newEnv()
	var pulls int

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Bridge generated pull request activity and print the resulting mails.",
		Long: `demo runs a single bridge pass against an in-memory review host filled
with generated activity and prints the mails that would have been sent.
Nothing leaves the process; no configuration file is needed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(env, pulls)
		},
	}

	cmd.Flags().IntVar(&pulls, "pulls", 2, "Number of pull requests to generate")

	return cmd
}

func runDemo(env *Env, pulls int) error {
	cfg := &config.Config{
		SenderName:    "Demo Bridge",
		SenderAddress: "bridge@demo.invalid",
		Lists:         []config.List{{Address: "dev@demo.invalid"}},
		ReadyLabels:   []string{"rfr"},
	}

	host := forge.NewInMemoryHost("demo/project")
	var ids []entity.Id
	for i := 0; i < pulls; i++ {
		ids = append(ids, generatePullRequest(host))
	}

	dir, err := os.MkdirTemp("", "mlbridge-demo")
	if err != nil {
		return errors.Wrap(err, "creating demo state directory")
	}
	defer os.RemoveAll(dir)

	archive := mailinglist.NewMemoryArchive()
	transport := &mailinglist.MemoryTransport{}

	tracker, err := bridge.NewTracker(dir, "demo.invalid", archive)
	if err != nil {
		return err
	}

	bot := bridge.NewBot(cfg, host, transport, archive, tracker, nil, dir, zerolog.Nop())
	if err := bot.RunPass(); err != nil {
		return err
	}

	for _, id := range ids {
		fmt.Fprint(env.out, archive.Contents(id))
	}
	return nil
}

// generatePullRequest fills the host with one pull request worth of
// plausible activity. Heads stay unset so the pass never touches git.
func generatePullRequest(host *forge.InMemoryHost) entity.Id {
	author := fakeIdentity()
	title := strings.TrimSuffix(fake.Sentence(), ".")
	id := host.CreatePullRequest(title, fake.Paragraph(), repository.Hash(""), "feature", "master")
	host.AddLabel(id, "rfr")

	reviewer := fakeIdentity()
	host.AddComment(id, reviewer, fake.Sentence())
	host.AddComment(id, author, fake.Sentence())
	host.AddReview(id, reviewer, forge.Approved, fake.Sentence())

	return id
}

func fakeIdentity() forge.Identity {
	username := strings.ToLower(fake.UserName())
	return forge.Identity{
		Username: username,
		FullName: fake.FullName(),
		Email:    username + "@demo.invalid",
	}
}
