package repository

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"strings"

	goGit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/pkg/errors"
)

var _ Repo = &GitRepo{}

// GitRepo represents an instance of a (local) git repository.
type GitRepo struct {
	path string

	// memoized go-git repo representing the same repository,
	// for reading commits and refs.
	repo *goGit.Repository
}

// Run the given git command with the given I/O reader/writers, returning an error if it fails.
func (repo *GitRepo) runGitCommandWithIO(stdin io.Reader, stdout, stderr io.Writer, args ...string) error {
	// make sure that the working directory for the command
	// always exist, in particular when running "git init".
	repopath := repo.path
	if path.Base(repopath) == ".git" {
		repopath = strings.TrimSuffix(repopath, ".git")
	}

	cmd := exec.Command("git", args...)
	cmd.Dir = repopath
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	return cmd.Run()
}

// Run the given git command and return its stdout and stderr, or an error if the command fails.
func (repo *GitRepo) runGitCommandRaw(stdin io.Reader, args ...string) (string, string, error) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	err := repo.runGitCommandWithIO(stdin, &stdout, &stderr, args...)
	return strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String()), err
}

// Run the given git command and return its stdout, or an error if the command fails.
func (repo *GitRepo) runGitCommand(args ...string) (string, error) {
	stdout, stderr, err := repo.runGitCommandRaw(nil, args...)
	if err != nil {
		if stderr == "" {
			stderr = "Error running git command: " + strings.Join(args, " ")
		}
		err = errors.New(stderr)
	}
	return stdout, err
}

// OpenGitRepo determines if the given working directory is inside of a git repository,
// and returns the corresponding GitRepo instance if it is.
func OpenGitRepo(path string) (*GitRepo, error) {
	repo := &GitRepo{path: path}

	stdout, err := repo.runGitCommand("rev-parse", "--absolute-git-dir")
	if err != nil || stdout == "" {
		return nil, ErrNotARepo
	}

	// Fix the path to be sure we are at the root
	repo.path = stdout

	return setupGitRepo(repo)
}

// InitGitRepo create a new empty git repo at the given path
func InitGitRepo(path string) (*GitRepo, error) {
	repo := &GitRepo{path: path + "/.git"}

	_, err := repo.runGitCommand("init", path)
	if err != nil {
		return nil, err
	}

	return setupGitRepo(repo)
}

// InitBareGitRepo create a new --bare empty git repo at the given path
func InitBareGitRepo(path string) (*GitRepo, error) {
	repo := &GitRepo{path: path}

	_, err := repo.runGitCommand("init", "--bare", path)
	if err != nil {
		return nil, err
	}

	return setupGitRepo(repo)
}

// Materialize clones the given remote ref into a working copy at dir, or
// refreshes an existing working copy to the current remote state. The
// requested ref ends up checked out on a local branch of the same name.
func Materialize(dir string, url string, ref string) (*GitRepo, error) {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, err
	}

	repo, err := OpenGitRepo(dir)
	if err == ErrNotARepo {
		scratch := &GitRepo{path: dir}
		_, stderr, cloneErr := scratch.runGitCommandRaw(nil, "clone", "--branch", ref, url, dir)
		if cloneErr != nil {
			return nil, errors.Wrapf(errors.New(stderr), "unable to clone %s at %s", url, ref)
		}
		return OpenGitRepo(dir)
	}
	if err != nil {
		return nil, err
	}

	if _, err = repo.runGitCommand("fetch", url, ref); err != nil {
		return nil, errors.Wrapf(err, "unable to fetch %s from %s", ref, url)
	}
	if _, err = repo.runGitCommand("checkout", "-B", ref, "FETCH_HEAD"); err != nil {
		return nil, errors.Wrapf(err, "unable to check out %s", ref)
	}
	return repo, nil
}

func setupGitRepo(repo *GitRepo) (*GitRepo, error) {
	var err error

	repo.repo, err = goGit.PlainOpen(repo.path)
	if err != nil {
		return nil, err
	}

	return repo, nil
}

// GetPath returns the path to the repo.
func (repo *GitRepo) GetPath() string {
	return repo.path
}

// WorkTree returns the path files are checked out at.
func (repo *GitRepo) WorkTree() string {
	if path.Base(repo.path) == ".git" {
		return strings.TrimSuffix(strings.TrimSuffix(repo.path, ".git"), "/")
	}
	return repo.path
}

// Add stages the given paths, relative to the worktree root.
func (repo *GitRepo) Add(paths ...string) error {
	args := append([]string{"add", "--"}, paths...)
	_, err := repo.runGitCommand(args...)
	return err
}

// IsClean tell if the worktree has no staged or unstaged changes.
func (repo *GitRepo) IsClean() (bool, error) {
	stdout, err := repo.runGitCommand("status", "--porcelain")
	if err != nil {
		return false, err
	}
	return stdout == "", nil
}

// Commit records the staged changes with the given author identity and
// returns the commit hash. Returns ErrNothingToCommit when the staged
// tree matches HEAD, which the resumable publish loop relies on.
func (repo *GitRepo) Commit(message string, name string, email string) (Hash, error) {
	author := fmt.Sprintf("%s <%s>", name, email)
	stdout, stderr, err := repo.runGitCommandRaw(nil,
		"-c", "user.name="+name, "-c", "user.email="+email,
		"commit", "--author", author, "-m", message)
	if err != nil {
		// git reports an empty staged tree on stdout, not stderr
		if strings.Contains(stdout, "nothing to commit") ||
			strings.Contains(stdout, "nothing added to commit") ||
			strings.Contains(stderr, "nothing to commit") {
			return "", ErrNothingToCommit
		}
		if stderr == "" {
			stderr = "git commit failed"
		}
		return "", errors.New(stderr)
	}
	return repo.Head()
}

// Push updates the given remote ref to the local branch of the same name.
// A non-fast-forward rejection is reported as ErrPushRejected so the
// caller can fetch, rebase and retry.
func (repo *GitRepo) Push(url string, ref string) error {
	refspec := fmt.Sprintf("refs/heads/%s:refs/heads/%s", ref, ref)
	_, stderr, err := repo.runGitCommandRaw(nil, "push", url, refspec)
	if err != nil {
		if strings.Contains(stderr, "[rejected]") ||
			strings.Contains(stderr, "non-fast-forward") ||
			strings.Contains(stderr, "fetch first") ||
			strings.Contains(stderr, "stale info") {
			return ErrPushRejected
		}
		if stderr == "" {
			stderr = "git push failed"
		}
		return errors.New(stderr)
	}
	return nil
}

// Fetch retrieves the given ref from the remote and returns the fetched head.
func (repo *GitRepo) Fetch(url string, ref string) (Hash, error) {
	_, err := repo.runGitCommand("fetch", url, ref)
	if err != nil {
		return "", err
	}
	return repo.ResolveRef("FETCH_HEAD")
}

// Rebase replays the local commits not present in onto on top of it.
func (repo *GitRepo) Rebase(onto Hash, name string, email string) error {
	_, err := repo.runGitCommand(
		"-c", "user.name="+name, "-c", "user.email="+email,
		"rebase", onto.String())
	return err
}

// Checkout makes the worktree match the given hash.
func (repo *GitRepo) Checkout(hash Hash) error {
	_, err := repo.runGitCommand("checkout", hash.String())
	return err
}

// Head returns the hash of the current HEAD commit.
func (repo *GitRepo) Head() (Hash, error) {
	return repo.ResolveRef("HEAD")
}

// ResolveRef resolve the reference to the commit hash it represents
func (repo *GitRepo) ResolveRef(ref string) (Hash, error) {
	stdout, err := repo.runGitCommand("rev-parse", ref)
	return Hash(stdout), err
}

// MergeBase will return the last common ancestor of two chains of commits
func (repo *GitRepo) MergeBase(a, b Hash) (Hash, error) {
	stdout, err := repo.runGitCommand("merge-base", a.String(), b.String())
	if err != nil {
		return "", err
	}
	return Hash(stdout), nil
}

// IsAncestor tell if ancestor is reachable from descendant.
func (repo *GitRepo) IsAncestor(ancestor, descendant Hash) (bool, error) {
	err := repo.runGitCommandWithIO(nil, io.Discard, io.Discard,
		"merge-base", "--is-ancestor", ancestor.String(), descendant.String())
	if err == nil {
		return true, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, err
}

// CommitsBetween will return the commits reachable from head which are
// not reachable from base, oldest first.
func (repo *GitRepo) CommitsBetween(base, head Hash) ([]Commit, error) {
	headCommit, err := repo.repo.CommitObject(plumbing.NewHash(head.String()))
	if err != nil {
		return nil, err
	}

	seen := map[plumbing.Hash]bool{}
	if !base.IsZero() {
		baseCommit, err := repo.repo.CommitObject(plumbing.NewHash(base.String()))
		if err != nil {
			return nil, err
		}
		iter := object.NewCommitPreorderIter(baseCommit, nil, nil)
		err = iter.ForEach(func(c *object.Commit) error {
			seen[c.Hash] = true
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	var commits []Commit
	iter := object.NewCommitPreorderIter(headCommit, seen, nil)
	err = iter.ForEach(func(c *object.Commit) error {
		if seen[c.Hash] {
			return nil
		}
		commits = append(commits, Commit{
			Hash:    Hash(c.Hash.String()),
			Author:  c.Author.Name,
			Email:   c.Author.Email,
			Message: c.Message,
			When:    c.Author.When,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	// reverse the order of the array to show older elements first
	for i, j := 0, len(commits)-1; i < j; i, j = i+1, j-1 {
		commits[i], commits[j] = commits[j], commits[i]
	}

	return commits, nil
}

// TrivialMerge computes the tree of an automatic three-way merge of the
// two parents. Returns the tree hash and whether the merge completed
// without conflicts.
func (repo *GitRepo) TrivialMerge(parent1, parent2 Hash) (Hash, bool, error) {
	stdout, _, err := repo.runGitCommandRaw(nil, "merge-tree", "--write-tree",
		parent1.String(), parent2.String())
	if err != nil {
		// merge-tree exits 1 on conflicts, with the tree on the first line
		lines := strings.SplitN(stdout, "\n", 2)
		if len(lines) > 0 && lines[0] != "" {
			return Hash(lines[0]), false, nil
		}
		return "", false, errors.Wrap(err, "merge-tree failed")
	}
	return Hash(strings.SplitN(stdout, "\n", 2)[0]), true, nil
}

// TreeOf returns the tree hash referenced by a commit.
func (repo *GitRepo) TreeOf(commit Hash) (Hash, error) {
	stdout, err := repo.runGitCommand("rev-parse", commit.String()+"^{tree}")
	if err != nil {
		return "", err
	}
	return Hash(stdout), nil
}

// Parents returns the parent hashes of a commit, in order.
func (repo *GitRepo) Parents(commit Hash) ([]Hash, error) {
	stdout, err := repo.runGitCommand("rev-list", "--parents", "-n", "1", commit.String())
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(stdout)
	if len(fields) < 1 {
		return nil, fmt.Errorf("unexpected rev-list output: %q", stdout)
	}
	parents := make([]Hash, 0, len(fields)-1)
	for _, f := range fields[1:] {
		parents = append(parents, Hash(f))
	}
	return parents, nil
}

// AddRemote add a new remote to the repository
// Not in the interface because it's only used for testing
func (repo *GitRepo) AddRemote(name string, url string) error {
	_, err := repo.runGitCommand("remote", "add", name, url)

	return err
}
