package bridge

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/daedaleanai/mlbridge/config"
	"github.com/daedaleanai/mlbridge/entity"
	"github.com/daedaleanai/mlbridge/forge"
	"github.com/daedaleanai/mlbridge/mailinglist"
	"github.com/daedaleanai/mlbridge/repository"
)

var reviewer = forge.Identity{Username: "reviewer", FullName: "Rae Viewer"}

type bridgeEnv struct {
	t *testing.T

	cfg       *config.Config
	host      *forge.InMemoryHost
	transport *mailinglist.MemoryTransport
	archive   *mailinglist.MemoryArchive
	tracker   *Tracker
	bot       *Bot

	work       *repository.GitRepo
	sourceURL  string
	storageURL string

	prID  entity.Id
	head  repository.Hash
	clock time.Time
}

func setupBridge(t *testing.T, mutate func(*config.Config)) *bridgeEnv {
	env := &bridgeEnv{t: t, clock: time.Date(2020, 1, 2, 9, 0, 0, 0, time.UTC)}

	env.work = repository.CreateTestRepo(false)
	sourceRemote := repository.CreateTestRepo(true)
	t.Cleanup(func() { repository.CleanupTestRepos(t, env.work, sourceRemote) })
	env.sourceURL = "file://" + sourceRemote.GetPath()

	repository.CommitTestFile(t, env.work, "README", "hello\n", "initial commit")
	repository.PushTestRef(t, env.work, env.sourceURL, "refs/heads/master:refs/heads/master")
	env.head = repository.CommitTestFile(t, env.work, "feature.txt", "line one\nline two\n", "1234: Add the feature")
	repository.PushTestRef(t, env.work, env.sourceURL, "refs/heads/master:refs/pull/1/head")

	storageURL, cleanup := setupStorageRemote(t)
	t.Cleanup(cleanup)
	env.storageURL = storageURL

	env.host = forge.NewInMemoryHost("owner/project")
	env.prID = env.host.CreatePullRequest("1234: Add the feature", "This should now be ready", env.head, "feature", "master")

	env.cfg = testConfig()
	env.cfg.SourceRepo = env.sourceURL
	env.cfg.ArchiveRepo = "unused in these tests"
	env.cfg.Webrev.Repository = storageURL
	if mutate != nil {
		mutate(env.cfg)
	}

	env.archive = mailinglist.NewMemoryArchive()
	env.transport = &mailinglist.MemoryTransport{}

	var err error
	env.tracker, err = NewTracker(t.TempDir(), "bridge.test", env.archive)
	require.NoError(t, err)

	webrevs := NewWebrevStorage(env.cfg.Webrev, "bot", "bot@bridge.test", t.TempDir(), zerolog.Nop())
	env.bot = NewBot(env.cfg, env.host, env.transport, env.archive, env.tracker, webrevs, t.TempDir(), zerolog.Nop())
	env.bot.now = func() time.Time { return env.clock }

	return env
}

func (e *bridgeEnv) run() {
	require.NoError(e.t, e.bot.RunPass())
}

func (e *bridgeEnv) makeReady() {
	e.host.AddLabel(e.prID, "rfr")
}

// pushHeadCommit adds a commit on the pull request branch and updates
// the forge head.
func (e *bridgeEnv) pushHeadCommit(name, content, message string) repository.Hash {
	hash := repository.CommitTestFile(e.t, e.work, name, content, message)
	repository.PushTestRef(e.t, e.work, e.sourceURL, "refs/heads/master:refs/pull/1/head")
	e.host.SetHead(e.prID, hash)
	e.head = hash
	return hash
}

func TestBotNotReadyProducesNoMail(t *testing.T) {
	env := setupBridge(t, nil)
	env.run()
	require.Zero(t, env.transport.Count())
}

func TestBotRequestForReview(t *testing.T) {
	env := setupBridge(t, nil)
	env.makeReady()
	env.run()

	require.Equal(t, 1, env.transport.Count())
	mail := env.transport.Sent[0]
	require.Equal(t, "RFR: 1234: Add the feature", mail.Subject)
	require.Equal(t, "dev@lists.test", mail.To[0].Address)
	require.Equal(t, "Some Author", mail.From.Name)
	require.Contains(t, mail.Body, "This should now be ready")
	require.Contains(t, mail.Body, "1234: Add the feature")
	require.Contains(t, mail.Body, "Webrevs:")
	require.Contains(t, mail.Body, "Fetch: git fetch "+env.sourceURL+" refs/pull/1/head")

	// artifacts reached the shared storage
	check, err := repository.Materialize(t.TempDir(), env.storageURL, "master")
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(check.WorkTree(), "webrevs", "1", "00", "commits.json"))

	// and were announced back on the pull request
	comments, err := env.host.Comments(env.prID)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	require.Contains(t, comments[0].Body, "Webrevs for revision")
	require.Contains(t, comments[0].Body, env.head.String())

	// a pass without new activity emits nothing
	env.run()
	env.run()
	require.Equal(t, 1, env.transport.Count())
}

func TestBotIncrementalRevision(t *testing.T) {
	env := setupBridge(t, nil)
	env.makeReady()
	env.run()

	env.pushHeadCommit("feature.txt", "line one\nline two\nline three\n", "Address review comments")
	env.run()

	require.Equal(t, 2, env.transport.Count())
	mail := env.transport.Sent[1]
	require.Equal(t, "RFR: 1234: Add the feature [v2]", mail.Subject)
	require.Equal(t, env.transport.Sent[0].MessageID, mail.InReplyTo)
	require.Contains(t, mail.Body, "has updated the pull request incrementally")
	require.NotContains(t, mail.Body, "new target base")

	check, err := repository.Materialize(t.TempDir(), env.storageURL, "master")
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(check.WorkTree(), "webrevs", "1", "01", "commits.json"))
	require.FileExists(t, filepath.Join(check.WorkTree(), "webrevs", "1", "00-01", "commits.json"))

	// the (pr, revision) pair is only ever announced once
	env.run()
	require.Equal(t, 2, env.transport.Count())
}

func TestBotRebasedRevision(t *testing.T) {
	env := setupBridge(t, nil)
	env.makeReady()
	env.run()

	// someone advances the target branch under the pull request
	other, err := repository.Materialize(t.TempDir(), env.sourceURL, "master")
	require.NoError(t, err)
	repository.CommitTestFile(t, other, "base.txt", "moved on\n", "Unrelated target work")
	repository.PushTestRef(t, other, env.sourceURL, "refs/heads/master:refs/heads/master")

	// and the author rebases the change onto the new target
	rebased := repository.CommitTestFile(t, other, "feature.txt", "line one\nline two\n", "1234: Add the feature")
	repository.PushTestRef(t, other, env.sourceURL, "+refs/heads/master:refs/pull/1/head")
	env.host.SetHead(env.prID, rebased)

	env.run()
	require.Equal(t, 2, env.transport.Count())
	mail := env.transport.Sent[1]
	require.Equal(t, "RFR: 1234: Add the feature [v2]", mail.Subject)
	require.Contains(t, mail.Body, "new target base")
	require.Contains(t, mail.Body, "excludes")
	require.NotContains(t, mail.Body, "incrementally")
}

func TestBotForcePushedRevision(t *testing.T) {
	env := setupBridge(t, nil)
	env.makeReady()
	env.run()

	// same merge base, but history rewritten
	other, err := repository.Materialize(t.TempDir(), env.sourceURL, "master")
	require.NoError(t, err)
	rewritten := repository.CommitTestFile(t, other, "feature.txt", "a different take\n", "1234: Add the feature, differently")
	repository.PushTestRef(t, other, env.sourceURL, "+refs/heads/master:refs/pull/1/head")
	env.host.SetHead(env.prID, rewritten)

	env.run()
	require.Equal(t, 2, env.transport.Count())
	mail := env.transport.Sent[1]
	require.Contains(t, mail.Body, "has refreshed the contents of this pull request, and previous commits have been removed.")
}

func TestBotBridgesComments(t *testing.T) {
	env := setupBridge(t, nil)
	env.makeReady()
	env.run()

	env.host.AddComment(env.prID, reviewer, "Looks good, one question inline")
	env.run()

	require.Equal(t, 2, env.transport.Count())
	mail := env.transport.Sent[1]
	require.Equal(t, "Re: RFR: 1234: Add the feature", mail.Subject)
	require.Equal(t, env.transport.Sent[0].MessageID, mail.InReplyTo)
	require.Equal(t, "Rae Viewer", mail.From.Name)
	require.Contains(t, mail.Body, "> This should now be ready")
	require.Contains(t, mail.Body, "Looks good, one question inline")
}

func TestBotCombinesInlineComments(t *testing.T) {
	env := setupBridge(t, nil)
	env.makeReady()
	env.run()

	base := repository.Hash("")
	env.host.AddReviewComment(env.prID, reviewer, base, env.head, "feature.txt", 2, "Why two lines?")
	env.host.AddReviewComment(env.prID, forge.Identity{Username: "other", FullName: "Other Reviewer"},
		base, env.head, "feature.txt", 2, "Seconded")
	env.run()

	require.Equal(t, 2, env.transport.Count())
	mail := env.transport.Sent[1]
	require.Contains(t, mail.Body, "feature.txt line 2:")
	require.Contains(t, mail.Body, "Why two lines?")
	require.Contains(t, mail.Body, "Seconded")
}

func TestBotInlineReplyThreadsUnderParent(t *testing.T) {
	env := setupBridge(t, nil)
	env.makeReady()
	env.run()

	parent := env.host.AddReviewComment(env.prID, reviewer, "", env.head, "feature.txt", 2, "Why two lines?")
	env.run()
	require.Equal(t, 2, env.transport.Count())

	env.host.AddReviewCommentReply(env.prID, forge.Identity{Username: "author", FullName: "Some Author"},
		parent, "Because one was not enough")
	env.run()

	require.Equal(t, 3, env.transport.Count())
	mail := env.transport.Sent[2]
	require.Equal(t, env.transport.Sent[1].MessageID, mail.InReplyTo)
	require.Contains(t, mail.Body, "> Why two lines?")
	require.Contains(t, mail.Body, "Because one was not enough")
}

func TestBotFilteredCommentStaysSuppressed(t *testing.T) {
	env := setupBridge(t, nil)
	env.makeReady()
	env.run()

	env.host.AddComment(env.prID, reviewer, "/integrate")
	env.run()
	require.Equal(t, 1, env.transport.Count())

	// passes keep converging without re-examining the dropped comment
	env.run()
	require.Equal(t, 1, env.transport.Count())
}

func TestBotReviewVerdicts(t *testing.T) {
	env := setupBridge(t, nil)
	env.makeReady()
	env.run()

	env.host.AddReview(env.prID, reviewer, forge.Approved, "")
	env.run()
	require.Equal(t, 2, env.transport.Count())
	require.Contains(t, env.transport.Sent[1].Body, "Marked as reviewed by reviewer (Rae Viewer).")

	// same verdict again is not a change
	env.host.AddReview(env.prID, reviewer, forge.Approved, "")
	env.run()
	require.Equal(t, 2, env.transport.Count())

	env.host.AddReview(env.prID, reviewer, forge.Disapproved, "Hold on")
	env.run()
	require.Equal(t, 3, env.transport.Count())
	require.Contains(t, env.transport.Sent[2].Body, "Changes requested by reviewer (Rae Viewer).")
	require.Contains(t, env.transport.Sent[2].Body, "Hold on")
}

func TestBotIntegrated(t *testing.T) {
	env := setupBridge(t, nil)
	env.makeReady()
	env.run()

	env.host.AddComment(env.prID, forge.Identity{Username: "committer"},
		"Pushed as commit "+env.head.String()+".")
	env.host.SetState(env.prID, forge.StateIntegrated)
	env.run()

	require.Equal(t, 2, env.transport.Count())
	mail := env.transport.Sent[1]
	require.Equal(t, "Integrated: 1234: Add the feature", mail.Subject)
	require.Equal(t, env.transport.Sent[0].MessageID, mail.InReplyTo)
	require.Contains(t, mail.Body, "Pushed as commit "+env.head.String()+".")

	env.run()
	require.Equal(t, 2, env.transport.Count())
}

func TestBotDirectIntegrationWithoutReady(t *testing.T) {
	env := setupBridge(t, nil)

	env.host.AddComment(env.prID, forge.Identity{Username: "committer"},
		"Pushed as commit "+env.head.String()+".")
	env.host.SetState(env.prID, forge.StateIntegrated)
	env.run()

	require.Equal(t, 1, env.transport.Count())
	mail := env.transport.Sent[0]
	require.Equal(t, "Integrated: 1234: Add the feature", mail.Subject)
	require.Empty(t, mail.InReplyTo)
}

func TestBotWithdrawnExactlyOnce(t *testing.T) {
	env := setupBridge(t, nil)
	env.makeReady()
	env.run()

	env.host.SetState(env.prID, forge.StateClosed)
	env.run()
	require.Equal(t, 2, env.transport.Count())
	require.Equal(t, "Withdrawn: 1234: Add the feature", env.transport.Sent[1].Subject)

	env.run()
	env.run()
	withdrawn := 0
	for _, mail := range env.transport.Sent {
		if strings.HasPrefix(mail.Subject, "Withdrawn:") {
			withdrawn++
		}
	}
	require.Equal(t, 1, withdrawn)
}

func TestBotCooldown(t *testing.T) {
	env := setupBridge(t, func(cfg *config.Config) {
		cfg.Cooldown = time.Hour
	})
	env.makeReady()
	env.run()
	require.Equal(t, 1, env.transport.Count())

	env.host.AddComment(env.prID, reviewer, "Quick follow-up")
	env.clock = env.clock.Add(time.Minute)
	env.run()
	require.Equal(t, 1, env.transport.Count())

	// once the window has passed, the pending activity drains exactly once
	env.clock = env.clock.Add(2 * time.Hour)
	env.run()
	require.Equal(t, 2, env.transport.Count())
	require.Contains(t, env.transport.Sent[1].Body, "Quick follow-up")

	env.run()
	require.Equal(t, 2, env.transport.Count())
}

func TestBotRecoversFromLostLocalState(t *testing.T) {
	env := setupBridge(t, nil)
	env.makeReady()
	env.run()
	env.host.AddComment(env.prID, reviewer, "Nice change")
	env.run()
	require.Equal(t, 2, env.transport.Count())

	// the local record is gone, the archive is not
	tracker, err := NewTracker(t.TempDir(), "bridge.test", env.archive)
	require.NoError(t, err)
	webrevs := NewWebrevStorage(env.cfg.Webrev, "bot", "bot@bridge.test", t.TempDir(), zerolog.Nop())
	rebuilt := NewBot(env.cfg, env.host, env.transport, env.archive, tracker, webrevs, t.TempDir(), zerolog.Nop())
	rebuilt.now = env.bot.now

	require.NoError(t, rebuilt.RunPass())
	require.Equal(t, 2, env.transport.Count())
}

func TestBotAbortsPassOnStorageOutage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	env := setupBridge(t, func(cfg *config.Config) {
		cfg.Webrev.GenerateHTML = true
		cfg.Webrev.BaseURI = server.URL
	})
	env.bot.webrevs.pollTimeout = 50 * time.Millisecond
	env.bot.webrevs.pollInterval = 10 * time.Millisecond
	env.makeReady()

	err := env.bot.RunPass()
	require.Error(t, err)
	require.Equal(t, ErrStorageUnavailable, errors.Cause(err))
	require.Zero(t, env.transport.Count())
}

func TestBotBridgesLateInlineCommentAfterStateLoss(t *testing.T) {
	env := setupBridge(t, nil)
	env.makeReady()
	env.run()

	base := repository.Hash("")
	env.host.AddReviewComment(env.prID, reviewer, base, env.head, "feature.txt", 2, "Why two lines?")
	env.host.AddReviewComment(env.prID, forge.Identity{Username: "other", FullName: "Other Reviewer"},
		base, env.head, "feature.txt", 2, "Seconded")
	env.run()
	require.Equal(t, 2, env.transport.Count())

	// the local record is gone, the archive is not, and a third comment
	// lands on the same line before the next pass
	tracker, err := NewTracker(t.TempDir(), "bridge.test", env.archive)
	require.NoError(t, err)
	webrevs := NewWebrevStorage(env.cfg.Webrev, "bot", "bot@bridge.test", t.TempDir(), zerolog.Nop())
	rebuilt := NewBot(env.cfg, env.host, env.transport, env.archive, tracker, webrevs, t.TempDir(), zerolog.Nop())
	rebuilt.now = env.bot.now

	env.host.AddReviewComment(env.prID, reviewer, base, env.head, "feature.txt", 2, "Also the indent is off")

	require.NoError(t, rebuilt.RunPass())
	require.Equal(t, 3, env.transport.Count())
	require.Contains(t, env.transport.Sent[2].Body, "Also the indent is off")

	// the regrouped message is bridged exactly once
	require.NoError(t, rebuilt.RunPass())
	require.NoError(t, rebuilt.RunPass())
	require.Equal(t, 3, env.transport.Count())
}
