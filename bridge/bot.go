package bridge

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/daedaleanai/mlbridge/config"
	"github.com/daedaleanai/mlbridge/forge"
	"github.com/daedaleanai/mlbridge/mailinglist"
	"github.com/daedaleanai/mlbridge/repository"
)

// Bot is the top-level periodic driver. One activity pass scans every
// pull request of the configured repository to completion; passes never
// overlap. A failure bridging one pull request is logged and does not
// abort the rest of the pass, except when the shared webrev storage is
// unavailable, which would fail every pull request alike.
type Bot struct {
	cfg          *config.Config
	host         forge.Host
	transport    mailinglist.Transport
	archive      mailinglist.Archive
	tracker      *Tracker
	webrevs      *WebrevStorage
	cooldown     *Cooldown
	conversation *Conversation
	composer     *Composer
	scratch      string
	logger       zerolog.Logger

	// now is a clock hook for tests
	now func() time.Time
}

// NewBot wires the bridge components together. scratch is a directory
// the bot may use for local clones of the source and storage repos.
func NewBot(cfg *config.Config, host forge.Host, transport mailinglist.Transport,
	archive mailinglist.Archive, tracker *Tracker, webrevs *WebrevStorage,
	scratch string, logger zerolog.Logger) *Bot {
	return &Bot{
		cfg:          cfg,
		host:         host,
		transport:    transport,
		archive:      archive,
		tracker:      tracker,
		webrevs:      webrevs,
		cooldown:     NewCooldown(cfg.Cooldown),
		conversation: NewConversation(cfg, host.RepoName()),
		composer:     NewComposer(cfg),
		scratch:      scratch,
		logger:       logger,
		now:          time.Now,
	}
}

// RunPass performs one full activity pass over all pull requests.
func (b *Bot) RunPass() error {
	prs, err := b.host.PullRequests()
	if err != nil {
		return errors.Wrap(err, "listing pull requests")
	}

	for i := range prs {
		pr := &prs[i]
		err := b.bridgePullRequest(pr)
		if err == nil {
			continue
		}
		if errors.Cause(err) == ErrStorageUnavailable {
			// a storage-wide outage would fail identically for every
			// remaining pull request
			return errors.Wrapf(err, "aborting pass on pull request %s", pr.ID)
		}
		b.logger.Error().Err(err).Str("pr", pr.ID.String()).
			Msg("bridging failed, continuing with remaining pull requests")
	}
	return nil
}

func (b *Bot) bridgePullRequest(pr *forge.PullRequest) error {
	logger := b.logger.With().Str("pr", pr.ID.String()).Logger()

	record, err := b.tracker.Load(pr.ID)
	if err != nil {
		return err
	}

	comments, err := b.host.Comments(pr.ID)
	if err != nil {
		return errors.Wrap(err, "fetching comments")
	}
	reviewComments, err := b.host.ReviewComments(pr.ID)
	if err != nil {
		return errors.Wrap(err, "fetching review comments")
	}
	reviews, err := b.host.Reviews(pr.ID)
	if err != nil {
		return errors.Wrap(err, "fetching reviews")
	}

	integratedHash := IntegrationHash(comments)
	ready := b.conversation.IsReady(pr, comments)

	// a pull request that was never ready stays invisible, unless it
	// went straight to integrated
	if !ready && !record.HasThread() && integratedHash == "" {
		logger.Debug().Msg("not ready, skipping")
		return nil
	}

	if !b.cooldown.MaySend(pr.ID, record.LastSent, b.now()) {
		logger.Debug().Msg("within cooldown, deferring")
		return nil
	}

	activity := &Activity{
		PR:             pr,
		Comments:       comments,
		ReviewComments: reviewComments,
		Reviews:        reviews,
		IntegratedHash: integratedHash,
		Fetch: FetchSpec{
			URL: b.cfg.SourceRepo,
			Ref: b.host.FetchRef(pr.ID),
		},
	}

	if !pr.Head.IsZero() && pr.Head != record.LastRevision && (ready || record.HasThread()) {
		revision, local, err := b.prepareRevision(pr, record, logger)
		if err != nil {
			return err
		}
		activity.Revision = revision
		activity.Context = diffContextProvider(local, revision.Base, revision.Head)

		if err := b.announceWebrevs(pr, revision); err != nil {
			logger.Warn().Err(err).Msg("could not post webrev comment back to the pull request")
		}
	}

	messages, suppressed := b.conversation.Evaluate(activity, record)
	for _, id := range suppressed {
		record.Items[id] = "suppressed"
	}

	for _, msg := range messages {
		if err := b.emit(pr, record, msg, activity); err != nil {
			return err
		}
	}

	return b.tracker.Save(record)
}

// emit sends one logical message unless it already reached the archive.
// The archive append is the durability point; the record is saved right
// after so a crash in between is healed by the next pass's re-scan.
func (b *Bot) emit(pr *forge.PullRequest, record *BridgeRecord, msg *LogicalMessage, activity *Activity) error {
	done, err := b.tracker.HasBeenBridged(record, msg.Key)
	if err != nil {
		return err
	}
	if done {
		// found in the archive but not in the local record: a crash hit
		// between append and save. Catch the bookkeeping up, items
		// included, so the originating comments stop looking pending.
		b.tracker.RecordBridged(record, msg.Key, msg.Items, EmittedMessage{
			MessageID: b.tracker.MessageID(pr.ID, msg.Key),
			Subject:   msg.Subject,
			SentAt:    b.now(),
		})
		b.applyBookkeeping(record, msg, activity)
		return errors.Wrap(b.tracker.Save(record), "saving bridge record")
	}

	messageID := b.tracker.MessageID(pr.ID, msg.Key)
	parentID := ""
	if msg.ParentKey != "" {
		if emitted, ok := record.Emitted[msg.ParentKey]; ok {
			parentID = emitted.MessageID
		} else {
			parentID = b.tracker.MessageID(pr.ID, msg.ParentKey)
		}
	}

	sentAt := b.now()
	mail := b.composer.Compose(msg, pr.Labels, messageID, parentID, sentAt)

	if err := b.transport.Send(mail); err != nil {
		return errors.Wrap(err, "sending mail")
	}
	if err := b.archive.Append(pr.ID, mail); err != nil {
		return errors.Wrap(err, "archiving mail")
	}

	b.tracker.RecordBridged(record, msg.Key, msg.Items, EmittedMessage{
		MessageID: messageID,
		Subject:   msg.Subject,
		SentAt:    sentAt,
	})

	b.applyBookkeeping(record, msg, activity)
	return errors.Wrap(b.tracker.Save(record), "saving bridge record")
}

func (b *Bot) applyBookkeeping(record *BridgeRecord, msg *LogicalMessage, activity *Activity) {
	switch msg.Kind {
	case KindRequestForReview, KindIncremental, KindRebase, KindFullUpdate:
		record.Version++
		record.LastRevision = activity.Revision.Head
		record.LastBase = activity.Revision.Base
	case KindIntegrated:
		record.Integrated = true
	case KindWithdrawn:
		record.Withdrawn = true
	}
}

// prepareRevision fetches the new head into a local clone, classifies it
// against the last bridged revision and generates its webrev artifacts.
func (b *Bot) prepareRevision(pr *forge.PullRequest, record *BridgeRecord, logger zerolog.Logger) (*RevisionUpdate, *repository.GitRepo, error) {
	local, err := repository.Materialize(filepath.Join(b.scratch, "source"), b.cfg.SourceRepo, pr.TargetBranch)
	if err != nil {
		return nil, nil, errors.Wrap(err, "materializing source repository")
	}

	head, err := local.Fetch(b.cfg.SourceRepo, b.host.FetchRef(pr.ID))
	if err != nil {
		return nil, nil, errors.Wrap(err, "fetching pull request head")
	}
	target, err := local.ResolveRef(pr.TargetBranch)
	if err != nil {
		return nil, nil, errors.Wrap(err, "resolving target branch")
	}
	base, err := local.MergeBase(target, head)
	if err != nil {
		return nil, nil, errors.Wrap(err, "computing merge base")
	}

	revision := &RevisionUpdate{Base: base, Head: head}
	switch {
	case record.LastRevision.IsZero():
		revision.Kind = RevisionFirst
	case base != record.LastBase:
		revision.Kind = RevisionRebase
	default:
		extended, err := local.IsAncestor(record.LastRevision, head)
		if err != nil {
			return nil, nil, err
		}
		if extended {
			revision.Kind = RevisionIncremental
		} else {
			revision.Kind = RevisionForcePush
		}
	}

	commitBase := base
	if revision.Kind == RevisionIncremental {
		commitBase = record.LastRevision
	}
	revision.Commits, err = local.CommitsBetween(commitBase, head)
	if err != nil {
		return nil, nil, errors.Wrap(err, "listing commits")
	}

	if b.cfg.Webrev.GenerateJSON && pr.SourceRepoURL == "" {
		return nil, nil, errors.Errorf("pull request %s has no reachable source repository, required for json webrevs", pr.ID)
	}

	index := record.Version
	full, err := b.webrevs.Generate(local, pr.ID, base, head,
		fmt.Sprintf("%02d", index), WebrevFull, "full")
	if err != nil {
		return nil, nil, err
	}
	revision.Webrevs = append(revision.Webrevs, full)

	if revision.Kind != RevisionFirst {
		incremental, err := b.webrevs.Generate(local, pr.ID, record.LastRevision, head,
			fmt.Sprintf("%02d-%02d", index-1, index), WebrevIncremental, "incremental")
		if err != nil {
			return nil, nil, err
		}
		revision.Webrevs = append(revision.Webrevs, incremental)
	}

	parents, err := local.Parents(head)
	if err == nil && len(parents) > 1 {
		merge, err := b.webrevs.GenerateMerge(local, pr.ID, head, fmt.Sprintf("%02d-merge", index))
		if err != nil {
			return nil, nil, err
		}
		if merge.NeedsNone {
			revision.Note = merge.Note
		} else {
			revision.Webrevs = append(revision.Webrevs, merge.Webrevs...)
		}
	}

	logger.Info().Str("head", head.String()).Int("webrevs", len(revision.Webrevs)).
		Msg("generated webrevs for new revision")
	return revision, local, nil
}

// announceWebrevs posts the artifact links back onto the pull request.
// The bot's own identity is expected to be in the ignored users list so
// the comment is not bridged back to the list.
func (b *Bot) announceWebrevs(pr *forge.PullRequest, revision *RevisionUpdate) error {
	if len(revision.Webrevs) == 0 {
		return nil
	}
	body := fmt.Sprintf("Webrevs for revision %s:\n", revision.Head)
	for _, w := range revision.Webrevs {
		body += fmt.Sprintf(" - %s: %s\n", w.Label, w.URI)
	}
	return b.host.PostComment(pr.ID, body)
}

// diffContextProvider looks up the single line of diff context on each
// side of an inline comment anchor.
func diffContextProvider(local *repository.GitRepo, base, head repository.Hash) ContextProvider {
	diffs, err := local.Diff(base, head)
	if err != nil {
		return nil
	}

	return func(path string, line int) []string {
		for _, diff := range diffs {
			if diff.Path() != path {
				continue
			}
			for _, hunk := range diff.Hunks {
				for i, dl := range hunk.Lines {
					if dl.NewLine != line || line == 0 {
						continue
					}
					var out []string
					if i > 0 {
						out = append(out, hunk.Lines[i-1].Text)
					}
					out = append(out, dl.Text)
					if i+1 < len(hunk.Lines) {
						out = append(out, hunk.Lines[i+1].Text)
					}
					return out
				}
			}
		}
		return nil
	}
}
