package forge

import (
	"fmt"
	"strconv"
	"strings"

	"code.gitea.io/sdk/gitea"
	"github.com/pkg/errors"

	"github.com/daedaleanai/mlbridge/entity"
	"github.com/daedaleanai/mlbridge/repository"
)

const giteaPageSize = 50

var _ Host = &GiteaHost{}

// GiteaHost reads pull request activity through the Gitea API.
type GiteaHost struct {
	client *gitea.Client
	owner  string
	repo   string
}

// NewGiteaHost wraps an authenticated client for a single repository.
func NewGiteaHost(client *gitea.Client, owner string, repo string) *GiteaHost {
	return &GiteaHost{client: client, owner: owner, repo: repo}
}

func (h *GiteaHost) RepoName() string {
	return h.owner + "/" + h.repo
}

func (h *GiteaHost) FetchRef(id entity.Id) string {
	return fmt.Sprintf("refs/pull/%s/head", id)
}

func giteaIdentity(user *gitea.User) Identity {
	if user == nil {
		return Identity{}
	}
	return Identity{
		Username: user.UserName,
		FullName: user.FullName,
		Email:    user.Email,
	}
}

func (h *GiteaHost) index(id entity.Id) (int64, error) {
	index, err := strconv.ParseInt(id.String(), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid gitea pull request id %q", id)
	}
	return index, nil
}

func (h *GiteaHost) convertPull(pull *gitea.PullRequest) PullRequest {
	pr := PullRequest{
		ID:     entity.Id(strconv.FormatInt(pull.Index, 10)),
		Title:  pull.Title,
		Body:   pull.Body,
		Author: giteaIdentity(pull.Poster),
		State:  StateOpen,
		WebURL: pull.HTMLURL,
	}

	if pull.Head != nil {
		pr.SourceBranch = pull.Head.Ref
		pr.Head = repository.Hash(pull.Head.Sha)
		if pull.Head.Repository != nil {
			pr.SourceRepoURL = pull.Head.Repository.CloneURL
		}
	}
	if pull.Base != nil {
		pr.TargetBranch = pull.Base.Ref
	}
	for _, label := range pull.Labels {
		pr.Labels = append(pr.Labels, label.Name)
	}

	if pull.HasMerged {
		pr.State = StateIntegrated
	} else if pull.State == gitea.StateClosed {
		pr.State = StateClosed
	}

	return pr
}

func (h *GiteaHost) PullRequests() ([]PullRequest, error) {
	var result []PullRequest

	page := 1
	for {
		pulls, _, err := h.client.ListRepoPullRequests(h.owner, h.repo, gitea.ListPullRequestsOptions{
			ListOptions: gitea.ListOptions{Page: page, PageSize: giteaPageSize},
			State:       gitea.StateAll,
		})
		if err != nil {
			return nil, errors.Wrap(err, "unable to list pull requests")
		}

		for _, pull := range pulls {
			result = append(result, h.convertPull(pull))
		}

		if len(pulls) < giteaPageSize {
			break
		}
		page = page + 1
	}

	// newest last
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}

	return result, nil
}

func (h *GiteaHost) PullRequest(id entity.Id) (*PullRequest, error) {
	index, err := h.index(id)
	if err != nil {
		return nil, err
	}

	pull, _, err := h.client.GetPullRequest(h.owner, h.repo, index)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to get pull request %s", id)
	}

	pr := h.convertPull(pull)
	return &pr, nil
}

func (h *GiteaHost) Comments(id entity.Id) ([]Comment, error) {
	index, err := h.index(id)
	if err != nil {
		return nil, err
	}

	var result []Comment
	page := 1
	for {
		comments, _, err := h.client.ListIssueComments(h.owner, h.repo, index, gitea.ListIssueCommentOptions{
			ListOptions: gitea.ListOptions{Page: page, PageSize: giteaPageSize},
		})
		if err != nil {
			return nil, errors.Wrapf(err, "unable to list comments of %s", id)
		}

		for _, c := range comments {
			result = append(result, Comment{
				ID:        entity.Id("comment-" + strconv.FormatInt(c.ID, 10)),
				Author:    giteaIdentity(c.Poster),
				Body:      c.Body,
				CreatedAt: c.Created,
			})
		}

		if len(comments) < giteaPageSize {
			break
		}
		page = page + 1
	}

	return result, nil
}

func (h *GiteaHost) ReviewComments(id entity.Id) ([]ReviewComment, error) {
	index, err := h.index(id)
	if err != nil {
		return nil, err
	}

	var result []ReviewComment
	page := 1
	for {
		reviews, _, err := h.client.ListPullReviews(h.owner, h.repo, index, gitea.ListPullReviewsOptions{
			ListOptions: gitea.ListOptions{Page: page, PageSize: giteaPageSize},
		})
		if err != nil {
			return nil, errors.Wrapf(err, "unable to list reviews of %s", id)
		}

		for _, review := range reviews {
			if review.CodeCommentsCount == 0 {
				continue
			}
			comments, _, err := h.client.ListPullReviewComments(h.owner, h.repo, index, review.ID)
			if err != nil {
				return nil, errors.Wrapf(err, "unable to list review comments of %s", id)
			}
			for _, c := range comments {
				result = append(result, ReviewComment{
					ID:        entity.Id("reviewcomment-" + strconv.FormatInt(c.ID, 10)),
					Author:    giteaIdentity(c.Reviewer),
					Body:      c.Body,
					CreatedAt: c.Created,
					Base:      repository.Hash(c.OrigCommitID),
					Head:      repository.Hash(c.CommitID),
					Path:      c.Path,
					Line:      int(c.LineNum),
					// the Gitea API does not expose reply-parent links;
					// chains degrade to per-comment threads
				})
			}
		}

		if len(reviews) < giteaPageSize {
			break
		}
		page = page + 1
	}

	return result, nil
}

func (h *GiteaHost) Reviews(id entity.Id) ([]Review, error) {
	index, err := h.index(id)
	if err != nil {
		return nil, err
	}

	var result []Review
	page := 1
	for {
		reviews, _, err := h.client.ListPullReviews(h.owner, h.repo, index, gitea.ListPullReviewsOptions{
			ListOptions: gitea.ListOptions{Page: page, PageSize: giteaPageSize},
		})
		if err != nil {
			return nil, errors.Wrapf(err, "unable to list reviews of %s", id)
		}

		for _, review := range reviews {
			verdict := NoVerdict
			switch review.State {
			case gitea.ReviewStateApproved:
				verdict = Approved
			case gitea.ReviewStateRequestChanges:
				verdict = Disapproved
			case gitea.ReviewStateComment, gitea.ReviewStatePending:
				continue
			}

			result = append(result, Review{
				ID:        entity.Id("review-" + strconv.FormatInt(review.ID, 10)),
				Author:    giteaIdentity(review.Reviewer),
				Verdict:   verdict,
				Body:      strings.TrimSpace(review.Body),
				CreatedAt: review.Submitted,
			})
		}

		if len(reviews) < giteaPageSize {
			break
		}
		page = page + 1
	}

	return result, nil
}

func (h *GiteaHost) PostComment(id entity.Id, body string) error {
	index, err := h.index(id)
	if err != nil {
		return err
	}

	_, _, err = h.client.CreateIssueComment(h.owner, h.repo, index, gitea.CreateIssueCommentOption{
		Body: body,
	})
	return errors.Wrapf(err, "unable to post comment on %s", id)
}
