package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/daedaleanai/mlbridge/config"
	"github.com/daedaleanai/mlbridge/entity"
	"github.com/daedaleanai/mlbridge/forge"
	"github.com/daedaleanai/mlbridge/repository"
)

func testConfig() *config.Config {
	return &config.Config{
		SenderName:    "Bridge",
		SenderAddress: "bridge@bridge.test",
		Lists:         []config.List{{Address: "dev@lists.test"}},
		ReadyLabels:   []string{"rfr"},
		IgnoredUsers:  []string{"bridge-bot"},
		Webrev: config.Webrev{
			Repository:   "unused",
			Ref:          "master",
			BasePath:     "webrevs",
			BaseURI:      "https://webrevs.test",
			GenerateJSON: true,
		},
	}
}

func testPullRequest() *forge.PullRequest {
	return &forge.PullRequest{
		ID:           "1",
		Title:        "1234: Fix the frobnicator",
		Body:         "This should now be ready",
		Author:       forge.Identity{Username: "author", FullName: "Some Author"},
		SourceBranch: "fix",
		TargetBranch: "master",
		Head:         "aaaabbbbccccddddaaaabbbbccccddddaaaabbbb",
		Labels:       []string{"rfr"},
		State:        forge.StateOpen,
	}
}

func recordWithThread() *BridgeRecord {
	record := NewBridgeRecord("1")
	record.RootKey = "rfr"
	record.Version = 1
	record.LastRevision = "aaaabbbbccccddddaaaabbbbccccddddaaaabbbb"
	record.LastBase = "0000111122223333000011112222333300001111"
	record.Emitted["rfr"] = EmittedMessage{MessageID: "<root@bridge.test>"}
	return record
}

func at(minute int) time.Time {
	return time.Date(2020, 1, 1, 12, minute, 0, 0, time.UTC)
}

func TestConversationFirstRevision(t *testing.T) {
	conv := NewConversation(testConfig(), "owner/project")
	activity := &Activity{
		PR: testPullRequest(),
		Revision: &RevisionUpdate{
			Kind: RevisionFirst,
			Base: "0000111122223333000011112222333300001111",
			Head: "aaaabbbbccccddddaaaabbbbccccddddaaaabbbb",
			Commits: []repository.Commit{
				{Hash: "aaaabbbbccccddddaaaabbbbccccddddaaaabbbb", Message: "1234: Fix the frobnicator"},
			},
			Webrevs: []WebrevDescription{{Kind: WebrevFull, Label: "full", URI: "https://webrevs.test/1/00/"}},
		},
	}

	msgs, _ := conv.Evaluate(activity, NewBridgeRecord("1"))
	require.Len(t, msgs, 1)
	require.Equal(t, "rfr", msgs[0].Key)
	require.Equal(t, KindRequestForReview, msgs[0].Kind)
	require.Equal(t, "RFR: 1234: Fix the frobnicator", msgs[0].Subject)
	require.Empty(t, msgs[0].ParentKey)
	require.Contains(t, msgs[0].Body, "This should now be ready")
	require.Contains(t, msgs[0].Body, "This pull request contains one new commit")
	require.Contains(t, msgs[0].Body, "https://webrevs.test/1/00/")
}

func TestConversationIncrementalWording(t *testing.T) {
	conv := NewConversation(testConfig(), "owner/project")
	activity := &Activity{
		PR: testPullRequest(),
		Revision: &RevisionUpdate{
			Kind: RevisionIncremental,
			Head: "ffffeeeeddddccccffffeeeeddddccccffffeeee",
			Commits: []repository.Commit{
				{Hash: "ffffeeeeddddccccffffeeeeddddccccffffeeee", Message: "Address review comments"},
			},
		},
	}

	msgs, _ := conv.Evaluate(activity, recordWithThread())
	require.Len(t, msgs, 1)
	require.Equal(t, KindIncremental, msgs[0].Kind)
	require.Equal(t, "RFR: 1234: Fix the frobnicator [v2]", msgs[0].Subject)
	require.Equal(t, "rfr", msgs[0].ParentKey)
	require.Contains(t, msgs[0].Body, "has updated the pull request incrementally with one additional commit since the last revision")
	require.NotContains(t, msgs[0].Body, "new target base")
}

func TestConversationRebaseWording(t *testing.T) {
	conv := NewConversation(testConfig(), "owner/project")
	activity := &Activity{
		PR: testPullRequest(),
		Revision: &RevisionUpdate{
			Kind: RevisionRebase,
			Head: "ffffeeeeddddccccffffeeeeddddccccffffeeee",
		},
	}

	msgs, _ := conv.Evaluate(activity, recordWithThread())
	require.Len(t, msgs, 1)
	require.Equal(t, KindRebase, msgs[0].Kind)
	require.Contains(t, msgs[0].Body, "has updated the pull request with a new target base")
	require.Contains(t, msgs[0].Body, "excludes")
	require.NotContains(t, msgs[0].Body, "incrementally")
}

func TestConversationForcePushWording(t *testing.T) {
	conv := NewConversation(testConfig(), "owner/project")
	activity := &Activity{
		PR: testPullRequest(),
		Revision: &RevisionUpdate{
			Kind: RevisionForcePush,
			Head: "ffffeeeeddddccccffffeeeeddddccccffffeeee",
		},
	}

	msgs, _ := conv.Evaluate(activity, recordWithThread())
	require.Len(t, msgs, 1)
	require.Equal(t, KindFullUpdate, msgs[0].Kind)
	require.Contains(t, msgs[0].Body, "has refreshed the contents of this pull request, and previous commits have been removed.")
}

func TestConversationSubjectPrefixes(t *testing.T) {
	cfg := testConfig()
	cfg.RepoPrefix = true
	cfg.BranchPrefix = true
	conv := NewConversation(cfg, "owner/project")

	activity := &Activity{
		PR:       testPullRequest(),
		Revision: &RevisionUpdate{Kind: RevisionFirst},
	}

	msgs, _ := conv.Evaluate(activity, NewBridgeRecord("1"))
	require.Equal(t, "RFR: [project] [master] 1234: Fix the frobnicator", msgs[0].Subject)
}

func TestConversationIssueLink(t *testing.T) {
	cfg := testConfig()
	cfg.IssueTracker = "https://bugs.test/"
	conv := NewConversation(cfg, "owner/project")

	activity := &Activity{
		PR:       testPullRequest(),
		Revision: &RevisionUpdate{Kind: RevisionFirst},
	}

	msgs, _ := conv.Evaluate(activity, NewBridgeRecord("1"))
	require.Contains(t, msgs[0].Body, "Issue: https://bugs.test/1234")
}

func TestConversationVerdictChanges(t *testing.T) {
	conv := NewConversation(testConfig(), "owner/project")
	reviewer := forge.Identity{Username: "reviewer", FullName: "Rae Viewer"}

	activity := &Activity{
		PR: testPullRequest(),
		Reviews: []forge.Review{
			{ID: "review-1", Author: reviewer, Verdict: forge.Approved, CreatedAt: at(1)},
			{ID: "review-2", Author: reviewer, Verdict: forge.Approved, CreatedAt: at(2)},
			{ID: "review-3", Author: reviewer, Verdict: forge.Disapproved, Body: "On second thought, no", CreatedAt: at(3)},
		},
	}

	msgs, _ := conv.Evaluate(activity, recordWithThread())
	require.Len(t, msgs, 2)

	require.Equal(t, "item-review-1", msgs[0].Key)
	require.Contains(t, msgs[0].Body, "Marked as reviewed by reviewer (Rae Viewer).")

	require.Equal(t, "item-review-3", msgs[1].Key)
	require.Contains(t, msgs[1].Body, "Changes requested by reviewer (Rae Viewer).")
	require.Contains(t, msgs[1].Body, "On second thought, no")
}

func TestConversationCommentThreading(t *testing.T) {
	conv := NewConversation(testConfig(), "owner/project")
	activity := &Activity{
		PR: testPullRequest(),
		Comments: []forge.Comment{
			{ID: "comment-1", Author: forge.Identity{Username: "reviewer"}, Body: "Nice work", CreatedAt: at(1)},
		},
	}

	msgs, _ := conv.Evaluate(activity, recordWithThread())
	require.Len(t, msgs, 1)
	require.Equal(t, KindComment, msgs[0].Kind)
	require.Equal(t, "Re: RFR: 1234: Fix the frobnicator", msgs[0].Subject)
	require.Equal(t, "rfr", msgs[0].ParentKey)
	require.NotNil(t, msgs[0].Quote)
	require.Equal(t, "This should now be ready", msgs[0].Quote.Body)
}

func TestConversationSuppressesFilteredComments(t *testing.T) {
	conv := NewConversation(testConfig(), "owner/project")
	activity := &Activity{
		PR: testPullRequest(),
		Comments: []forge.Comment{
			{ID: "comment-1", Author: forge.Identity{Username: "reviewer"}, Body: "/integrate", CreatedAt: at(1)},
			{ID: "comment-2", Author: forge.Identity{Username: "bridge-bot"}, Body: "Webrevs: ...", CreatedAt: at(2)},
		},
	}

	msgs, suppressed := conv.Evaluate(activity, recordWithThread())
	require.Empty(t, msgs)
	require.ElementsMatch(t, []entity.Id{"comment-1", "comment-2"}, suppressed)
}

func TestConversationReplyChainsWithinOnePass(t *testing.T) {
	conv := NewConversation(testConfig(), "owner/project")
	activity := &Activity{
		PR: testPullRequest(),
		ReviewComments: []forge.ReviewComment{
			reviewComment("rc-1", "a.txt", 4, "", 1),
			reviewComment("rc-2", "a.txt", 4, "rc-1", 2),
		},
	}

	msgs, _ := conv.Evaluate(activity, recordWithThread())
	require.Len(t, msgs, 2)
	require.Equal(t, "item-rc-1", msgs[0].Key)
	require.Equal(t, "rfr", msgs[0].ParentKey)

	// the reply threads under the message bridged earlier this pass
	require.Equal(t, "item-rc-2", msgs[1].Key)
	require.Equal(t, "item-rc-1", msgs[1].ParentKey)
	require.NotNil(t, msgs[1].Quote)
	require.Equal(t, "body of rc-1", msgs[1].Quote.Body)
}

func TestConversationIntegratedContinuesThread(t *testing.T) {
	conv := NewConversation(testConfig(), "owner/project")
	pr := testPullRequest()
	pr.State = forge.StateIntegrated

	activity := &Activity{
		PR:             pr,
		IntegratedHash: "1234123412341234123412341234123412341234",
	}

	msgs, _ := conv.Evaluate(activity, recordWithThread())
	require.Len(t, msgs, 1)
	require.Equal(t, "integrated", msgs[0].Key)
	require.Equal(t, "Integrated: 1234: Fix the frobnicator", msgs[0].Subject)
	require.Equal(t, "rfr", msgs[0].ParentKey)
	require.Contains(t, msgs[0].Body, "Pushed as commit 1234123412341234123412341234123412341234.")
}

func TestConversationDirectIntegrationStartsFreshThread(t *testing.T) {
	conv := NewConversation(testConfig(), "owner/project")
	pr := testPullRequest()
	pr.State = forge.StateIntegrated

	activity := &Activity{
		PR:             pr,
		IntegratedHash: "1234123412341234123412341234123412341234",
	}

	msgs, _ := conv.Evaluate(activity, NewBridgeRecord("1"))
	require.Len(t, msgs, 1)
	require.Equal(t, "Integrated: 1234: Fix the frobnicator", msgs[0].Subject)
	require.Empty(t, msgs[0].ParentKey)
}

func TestConversationWithdrawnOnlyWithThread(t *testing.T) {
	conv := NewConversation(testConfig(), "owner/project")
	pr := testPullRequest()
	pr.State = forge.StateClosed

	msgs, _ := conv.Evaluate(&Activity{PR: pr}, NewBridgeRecord("1"))
	require.Empty(t, msgs)

	msgs, _ = conv.Evaluate(&Activity{PR: pr}, recordWithThread())
	require.Len(t, msgs, 1)
	require.Equal(t, "withdrawn", msgs[0].Key)
	require.Equal(t, "Withdrawn: 1234: Fix the frobnicator", msgs[0].Subject)

	record := recordWithThread()
	record.Withdrawn = true
	msgs, _ = conv.Evaluate(&Activity{PR: pr}, record)
	require.Empty(t, msgs)
}

func TestConversationPostIntegrationPush(t *testing.T) {
	conv := NewConversation(testConfig(), "owner/project")
	record := recordWithThread()
	record.Integrated = true

	activity := &Activity{
		PR: testPullRequest(),
		Revision: &RevisionUpdate{
			Kind: RevisionIncremental,
			Head: "ffffeeeeddddccccffffeeeeddddccccffffeeee",
		},
	}

	msgs, _ := conv.Evaluate(activity, record)
	require.Len(t, msgs, 1)
	require.Equal(t, "Re: Integrated: 1234: Fix the frobnicator [v2]", msgs[0].Subject)
}
