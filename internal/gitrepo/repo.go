package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/sirupsen/logrus"
)

// ErrUnresolvableRef is returned when a commit-ish does not name a commit in
// the repository.
var ErrUnresolvableRef = errors.New("unresolvable ref")

// shortHashLen matches the abbreviation git itself would pick for a
// repository of this size; version strings embed it, so it must not change
// between runs.
const shortHashLen = 7

// Repository wraps a local clone and exposes the handful of operations the
// publish flow needs. The zero value is not usable; obtain one via Clone,
// Open, or New.
type Repository struct {
	repo *git.Repository
	dir  string
}

// Clone clones url into dir and returns the opened repository.
func Clone(ctx context.Context, url, dir string) (*Repository, error) {
	logrus.Infof("cloning %s into %s", url, dir)
	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{URL: url})
	if err != nil {
		return nil, fmt.Errorf("failed to clone %q: %w", url, err)
	}
	return &Repository{repo: repo, dir: dir}, nil
}

// Open opens an existing clone at dir.
func Open(dir string) (*Repository, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository at %q: %w", dir, err)
	}
	return &Repository{repo: repo, dir: dir}, nil
}

// New wraps an already-opened go-git repository.
func New(repo *git.Repository, dir string) *Repository {
	return &Repository{repo: repo, dir: dir}
}

// Dir returns the path of the working tree.
func (r *Repository) Dir() string {
	return r.dir
}

// ResolveCommit resolves a commit-ish (branch, tag, sha, HEAD~n, ...) to a
// full-length commit hash.
func (r *Repository) ResolveCommit(ref string) (string, error) {
	h, err := r.repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return "", fmt.Errorf("%w %q: %v", ErrUnresolvableRef, ref, err)
	}
	return h.String(), nil
}

// ResolveAny resolves the first ref in refs that names a commit. Used to
// locate the default branch, which may only exist under a remote prefix in a
// fresh clone.
func (r *Repository) ResolveAny(refs ...string) (string, error) {
	for _, ref := range refs {
		h, err := r.ResolveCommit(ref)
		if err == nil {
			logrus.Debugf("resolved %q to %s", ref, h)
			return h, nil
		}
		logrus.Debugf("no commit at %q", ref)
	}
	return "", fmt.Errorf("%w: none of %v names a commit", ErrUnresolvableRef, refs)
}

// CommitCount counts the commits reachable from hash, excluding root
// commits. This matches `git rev-list --count {root}..{hash}` and is
// monotonically non-decreasing along a branch's history.
func (r *Repository) CommitCount(hash string) (int, error) {
	commit, err := r.repo.CommitObject(plumbing.NewHash(hash))
	if err != nil {
		return 0, fmt.Errorf("failed to read commit %s: %w", hash, err)
	}
	count := 0
	iter := object.NewCommitPreorderIter(commit, nil, nil)
	if err := iter.ForEach(func(c *object.Commit) error {
		if c.NumParents() > 0 {
			count++
		}
		return nil
	}); err != nil {
		return 0, fmt.Errorf("failed to walk history of %s: %w", hash, err)
	}
	return count, nil
}

// ShortHash abbreviates a full commit hash for embedding in a version string.
func (r *Repository) ShortHash(hash string) string {
	if len(hash) < shortHashLen {
		return hash
	}
	return hash[:shortHashLen]
}

// Checkout detaches the working tree onto the given commit.
func (r *Repository) Checkout(hash string) error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return err
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(hash)}); err != nil {
		return fmt.Errorf("failed to checkout %s: %w", hash, err)
	}
	return nil
}

// CheckoutNewBranch creates branch name at the current HEAD and switches the
// working tree to it.
func (r *Repository) CheckoutNewBranch(name string) error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return err
	}
	if err := wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(name),
		Create: true,
	}); err != nil {
		return fmt.Errorf("failed to create branch %q: %w", name, err)
	}
	return nil
}

// AddRemote registers an additional remote.
func (r *Repository) AddRemote(name, url string) error {
	if _, err := r.repo.CreateRemote(&config.RemoteConfig{Name: name, URLs: []string{url}}); err != nil {
		return fmt.Errorf("failed to create remote %q: %w", name, err)
	}
	return nil
}

// Fetch fetches the named remote. Already-up-to-date is not an error.
func (r *Repository) Fetch(ctx context.Context, remote string) error {
	err := r.repo.FetchContext(ctx, &git.FetchOptions{RemoteName: remote})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("failed to fetch remote %q: %w", remote, err)
	}
	return nil
}

// Add stages path (a file or directory, relative to the working tree root).
func (r *Repository) Add(path string) error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return err
	}
	if _, err := wt.Add(path); err != nil {
		return fmt.Errorf("failed to stage %q: %w", path, err)
	}
	return nil
}

// Commit records the staged changes. When signoff is set a Signed-off-by
// trailer is appended, which the community-operators repos require.
func (r *Repository) Commit(message, authorName, authorEmail string, signoff bool) error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return err
	}
	if signoff {
		message = fmt.Sprintf("%s\n\nSigned-off-by: %s <%s>", message, authorName, authorEmail)
	}
	if _, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: authorName, Email: authorEmail, When: time.Now()},
	}); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// Push force-pushes branch to the named remote. Force matches the original
// publishing flow: a re-run after a partial failure must overwrite the stale
// update branch on the fork.
func (r *Repository) Push(ctx context.Context, remote, branch string) error {
	refspec := config.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/heads/%s", branch, branch))
	err := r.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: remote,
		RefSpecs:   []config.RefSpec{refspec},
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("failed to push %q to %q: %w", branch, remote, err)
	}
	return nil
}
