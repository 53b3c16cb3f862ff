package repository

import (
	"log"
	"os"
	"path/filepath"
	"testing"
)

// This is intended for testing only

func CreateTestRepo(bare bool) *GitRepo {
	dir, err := os.MkdirTemp("", "")
	if err != nil {
		log.Fatal(err)
	}

	var creator func(string) (*GitRepo, error)

	if bare {
		creator = InitBareGitRepo
	} else {
		creator = InitGitRepo
	}

	repo, err := creator(dir)
	if err != nil {
		log.Fatal(err)
	}

	// branch naming varies between git versions, pin it
	if _, err := repo.runGitCommand("symbolic-ref", "HEAD", "refs/heads/master"); err != nil {
		log.Fatal("failed to set default branch for test repository: ", err)
	}

	if _, err := repo.runGitCommand("config", "user.name", "testuser"); err != nil {
		log.Fatal("failed to set user.name for test repository: ", err)
	}
	if _, err := repo.runGitCommand("config", "user.email", "testuser@example.com"); err != nil {
		log.Fatal("failed to set user.email for test repository: ", err)
	}

	return repo
}

func CleanupTestRepos(t testing.TB, repos ...*GitRepo) {
	var firstErr error
	for _, repo := range repos {
		path := repo.GetPath()
		if filepath.Base(path) == ".git" {
			// for a normal repository (not --bare), we want to remove everything
			// including the parent directory where files are checked out
			path = filepath.Dir(path)
		}
		err := os.RemoveAll(path)
		if err != nil {
			log.Println(err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if firstErr != nil {
		t.Fatal(firstErr)
	}
}

// CommitTestFile writes content to a file in the worktree, stages it and
// commits it, returning the new head.
func CommitTestFile(t testing.TB, repo *GitRepo, name string, content string, message string) Hash {
	abs := filepath.Join(repo.WorkTree(), name)
	if err := os.MkdirAll(filepath.Dir(abs), 0777); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(abs, []byte(content), 0666); err != nil {
		t.Fatal(err)
	}
	if err := repo.Add(name); err != nil {
		t.Fatal(err)
	}
	hash, err := repo.Commit(message, "testuser", "testuser@example.com")
	if err != nil {
		t.Fatal(err)
	}
	return hash
}

// MergeTestBranches merges other into the current HEAD with a merge
// commit and returns its hash.
func MergeTestBranches(t testing.TB, repo *GitRepo, other Hash, message string) Hash {
	if _, err := repo.runGitCommand("merge", "--no-ff", "-m", message, other.String()); err != nil {
		t.Fatal(err)
	}
	head, err := repo.Head()
	if err != nil {
		t.Fatal(err)
	}
	return head
}

// PushTestRef pushes an arbitrary refspec, e.g. "master:refs/pull/1/head".
func PushTestRef(t testing.TB, repo *GitRepo, url string, refspec string) {
	if _, err := repo.runGitCommand("push", url, refspec); err != nil {
		t.Fatal(err)
	}
}

// SetupReposAndRemote creates two working repos sharing a bare remote.
func SetupReposAndRemote(t testing.TB) (repoA, repoB, remote *GitRepo) {
	repoA = CreateTestRepo(false)
	repoB = CreateTestRepo(false)
	remote = CreateTestRepo(true)

	remoteAddr := "file://" + remote.GetPath()

	err := repoA.AddRemote("origin", remoteAddr)
	if err != nil {
		t.Fatal(err)
	}

	err = repoB.AddRemote("origin", remoteAddr)
	if err != nil {
		t.Fatal(err)
	}

	return repoA, repoB, remote
}
