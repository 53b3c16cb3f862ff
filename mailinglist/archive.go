package mailinglist

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/daedaleanai/mlbridge/email"
	"github.com/daedaleanai/mlbridge/entity"
	"github.com/daedaleanai/mlbridge/repository"
)

const archivePushRetries = 5

// GitArchive appends mail to mbox files in a clone of the archive
// repository and pushes each append to the shared ref. Concurrent
// writers to the ref are tolerated with the same fetch-rebase-retry
// loop the webrev publisher uses.
type GitArchive struct {
	url   string
	ref   string
	dir   string
	name  string
	email string
}

var _ Archive = &GitArchive{}

// NewGitArchive sets up an archive writer cloning into dir.
func NewGitArchive(url string, ref string, dir string, committerName string, committerEmail string) *GitArchive {
	return &GitArchive{
		url:   url,
		ref:   ref,
		dir:   dir,
		name:  committerName,
		email: committerEmail,
	}
}

func (a *GitArchive) mboxName(pr entity.Id) string {
	return pr.String() + ".mbox"
}

// Append writes the mail at the end of the pull request's mbox, commits
// and pushes. The push is the durability point: when Append returns nil
// the mail is part of the shared archive history.
func (a *GitArchive) Append(pr entity.Id, mail *email.Email) error {
	repo, err := repository.Materialize(a.dir, a.url, a.ref)
	if err != nil {
		return errors.Wrap(err, "unable to materialize archive repository")
	}

	name := a.mboxName(pr)
	path := filepath.Join(repo.WorkTree(), name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0666)
	if err != nil {
		return errors.Wrapf(err, "unable to open %s", path)
	}
	entry := "From " + mail.From.Address + "\n" + mail.Render() + "\n"
	if _, err := f.WriteString(entry); err != nil {
		f.Close()
		return errors.Wrapf(err, "unable to append to %s", path)
	}
	if err := f.Close(); err != nil {
		return err
	}

	if err := repo.Add(name); err != nil {
		return err
	}
	if _, err := repo.Commit("Archive "+mail.MessageID, a.name, a.email); err != nil {
		if err == repository.ErrNothingToCommit {
			// already archived by an earlier, interrupted pass
			return nil
		}
		return err
	}

	retryCount := 0
	for {
		err := repo.Push(a.url, a.ref)
		if err == nil {
			return nil
		}
		if err != repository.ErrPushRejected {
			return err
		}
		retryCount++
		if retryCount > archivePushRetries {
			return errors.Wrap(err, "archive push retries exhausted")
		}
		updated, err := repo.Fetch(a.url, a.ref)
		if err != nil {
			return err
		}
		if err := repo.Rebase(updated, a.name, a.email); err != nil {
			return err
		}
	}
}

// Contains refreshes the clone and greps the pull request's mbox for the
// message id.
func (a *GitArchive) Contains(pr entity.Id, messageID string) (bool, error) {
	repo, err := repository.Materialize(a.dir, a.url, a.ref)
	if err != nil {
		return false, errors.Wrap(err, "unable to materialize archive repository")
	}

	data, err := os.ReadFile(filepath.Join(repo.WorkTree(), a.mboxName(pr)))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return strings.Contains(string(data), "Message-ID: "+messageID), nil
}
