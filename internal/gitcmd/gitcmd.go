// Package gitcmd runs git operations for the fix and resolve stages as typed
// commands against a local clone.
//
// History is never rewritten, the package neither force-pushes nor amends
// commits. A push that is rejected because the remote branch moved is
// reported as ErrStalePush.
package gitcmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/prshepherd/prshepherd/internal/logfields"
)

// Policy decides which side of a textual conflict wins when the base branch
// is merged into a pull request branch.
type Policy string

const (
	// PolicyIncoming keeps the pull request branch's version on conflicts.
	PolicyIncoming Policy = "incoming"
	// PolicyBase keeps the base branch's version on conflicts.
	PolicyBase Policy = "base"
)

// strategyArg returns the git merge strategy-option for the policy.
// The merge runs on the pull request branch, so the pull request side is
// "ours" from git's perspective.
func (p Policy) strategyArg() (string, error) {
	switch p {
	case PolicyIncoming:
		return "-Xours", nil
	case PolicyBase:
		return "-Xtheirs", nil
	default:
		return "", fmt.Errorf("unsupported merge policy: %q", p)
	}
}

// ErrStalePush is returned when a push was rejected because the remote
// branch contains commits that the local branch does not.
var ErrStalePush = errors.New("push rejected, remote branch changed")

const loggerName = "gitcmd"

// Repo is a local clone of a github repository.
// Methods are not safe for concurrent use, callers serialize access per
// repository.
type Repo struct {
	dir    string
	logger *zap.Logger

	author string
	email  string
}

// Open returns a Repo for the clone in dir.
// If dir does not contain a clone yet, remoteURL is cloned into it.
func Open(ctx context.Context, dir, remoteURL, author, email string) (*Repo, error) {
	r := Repo{
		dir:    dir,
		logger: zap.L().Named(loggerName).With(zap.String("git.dir", dir)),
		author: author,
		email:  email,
	}

	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		return &r, nil
	}

	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, err
	}

	// clone runs without r.dir as working directory, the directory does
	// not exist yet
	cmd := exec.CommandContext(ctx, "git", "clone", "--quiet", remoteURL, dir)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("git clone failed: %w, output: %s", err, strings.TrimSpace(string(out)))
	}

	r.logger.Debug("repository cloned", logfields.Event("git_repository_cloned"))

	return &r, nil
}

func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	argv := append([]string{
		"-c", "user.name=" + r.author,
		"-c", "user.email=" + r.email,
	}, args...)

	cmd := exec.CommandContext(ctx, "git", argv...)
	cmd.Dir = r.dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		return stdout.String(), fmt.Errorf("git %s: %w, stderr: %s",
			strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}

	return stdout.String(), nil
}

// Prepare checks out the pull request branch at the given commit.
// The branch is fetched first, when headSHA is not reachable from the
// fetched branch the checkout fails.
func (r *Repo) Prepare(ctx context.Context, headRef, headSHA string) error {
	if _, err := r.git(ctx, "fetch", "--quiet", "origin",
		fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", headRef, headRef),
	); err != nil {
		return fmt.Errorf("fetching branch %q failed: %w", headRef, err)
	}

	if _, err := r.git(ctx, "checkout", "--quiet", "-B", headRef, headSHA); err != nil {
		return fmt.Errorf("checking out %q at %s failed: %w", headRef, headSHA, err)
	}

	return nil
}

// FetchBase fetches the latest state of the base branch.
func (r *Repo) FetchBase(ctx context.Context, baseRef string) error {
	if _, err := r.git(ctx, "fetch", "--quiet", "origin",
		fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", baseRef, baseRef),
	); err != nil {
		return fmt.Errorf("fetching base branch %q failed: %w", baseRef, err)
	}

	return nil
}

// IsDirty returns true when the working tree differs from HEAD.
func (r *Repo) IsDirty(ctx context.Context) (bool, error) {
	out, err := r.git(ctx, "status", "--porcelain", "--untracked-files=no")
	if err != nil {
		return false, err
	}

	return strings.TrimSpace(out) != "", nil
}

// HeadSHA returns the commit the working tree is checked out at.
func (r *Repo) HeadSHA(ctx context.Context) (string, error) {
	out, err := r.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(out), nil
}

// RunCommand runs a formatting or validation command in the working tree.
func (r *Repo) RunCommand(ctx context.Context, argv []string) error {
	if len(argv) == 0 {
		return errors.New("command is empty")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = r.dir

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w, output: %s",
			strings.Join(argv, " "), err, strings.TrimSpace(string(out)))
	}

	return nil
}

// CommitAll stages all modifications of tracked files and commits them.
func (r *Repo) CommitAll(ctx context.Context, message string) error {
	if _, err := r.git(ctx, "add", "--update"); err != nil {
		return err
	}

	if _, err := r.git(ctx, "commit", "--quiet", "-m", message); err != nil {
		return err
	}

	return nil
}

// MergeResult describes the outcome of merging the base branch into the
// pull request branch.
type MergeResult struct {
	// Conflicted is true when the merge left paths that the strategy
	// could not resolve. The merge must be aborted in that case.
	Conflicted bool
	// UnmergedPaths lists the conflicted paths.
	UnmergedPaths []string
}

// Merge merges the fetched base branch into the checked out pull request
// branch, resolving textual conflicts according to policy.
// A successful merge is committed by git, nothing is pushed.
func (r *Repo) Merge(ctx context.Context, baseRef string, policy Policy) (*MergeResult, error) {
	strategy, err := policy.strategyArg()
	if err != nil {
		return nil, err
	}

	_, mergeErr := r.git(ctx, "merge", "--quiet", "--no-edit", strategy,
		"origin/"+baseRef,
	)
	if mergeErr == nil {
		return &MergeResult{}, nil
	}

	// -X only resolves content conflicts, e.g. modify/delete conflicts
	// still fail the merge
	unmerged, err := r.unmergedPaths(ctx)
	if err != nil {
		return nil, fmt.Errorf("merge failed (%s) and listing unmerged paths failed: %w", mergeErr, err)
	}

	if len(unmerged) == 0 {
		return nil, mergeErr
	}

	return &MergeResult{
		Conflicted:    true,
		UnmergedPaths: unmerged,
	}, nil
}

func (r *Repo) unmergedPaths(ctx context.Context) ([]string, error) {
	out, err := r.git(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return nil, nil
	}

	return strings.Split(trimmed, "\n"), nil
}

// AbortMerge aborts an in-progress merge and restores the working tree.
func (r *Repo) AbortMerge(ctx context.Context) error {
	_, err := r.git(ctx, "merge", "--abort")
	return err
}

// Reset discards local commits and restores the working tree to sha.
// Only the local clone is changed, nothing is pushed.
func (r *Repo) Reset(ctx context.Context, sha string) error {
	_, err := r.git(ctx, "reset", "--hard", "--quiet", sha)
	return err
}

// Push pushes the checked out branch to origin.
// It never forces, when the remote branch moved since Prepare,
// ErrStalePush is returned.
func (r *Repo) Push(ctx context.Context, headRef string) error {
	_, err := r.git(ctx, "push", "--quiet", "origin", "HEAD:refs/heads/"+headRef)
	if err != nil {
		if isStalePushErr(err) {
			return fmt.Errorf("%w: %s", ErrStalePush, err)
		}

		return err
	}

	return nil
}

func isStalePushErr(err error) bool {
	msg := err.Error()

	return strings.Contains(msg, "non-fast-forward") ||
		strings.Contains(msg, "fetch first") ||
		strings.Contains(msg, "stale info") ||
		strings.Contains(msg, "[rejected]")
}
