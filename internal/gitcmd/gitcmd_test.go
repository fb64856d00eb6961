package gitcmd

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestPolicyStrategyArg(t *testing.T) {
	arg, err := PolicyIncoming.strategyArg()
	require.NoError(t, err)
	assert.Equal(t, "-Xours", arg)

	arg, err = PolicyBase.strategyArg()
	require.NoError(t, err)
	assert.Equal(t, "-Xtheirs", arg)

	_, err = Policy("random").strategyArg()
	require.Error(t, err)
}

func TestIsStalePushErr(t *testing.T) {
	assert.True(t, isStalePushErr(errors.New("git push: exit status 1, stderr: ! [rejected] HEAD -> feature (non-fast-forward)")))
	assert.True(t, isStalePushErr(errors.New("hint: Updates were rejected. fetch first")))
	assert.False(t, isStalePushErr(errors.New("fatal: could not read from remote repository")))
}

// testRemote creates a bare repository with one commit on main and returns
// its path.
func testRemote(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	remote := filepath.Join(dir, "remote.git")
	seed := filepath.Join(dir, "seed")

	mustGit(t, dir, "init", "--bare", "-b", "main", remote)
	mustGit(t, dir, "clone", remote, seed)
	require.NoError(t, os.WriteFile(filepath.Join(seed, "main.py"), []byte("x=1\n"), 0o644))
	mustGit(t, seed, "add", "main.py")
	mustGit(t, seed, "-c", "user.name=seed", "-c", "user.email=seed@example.com",
		"commit", "-q", "-m", "initial")
	mustGit(t, seed, "push", "-q", "origin", "HEAD:refs/heads/main")

	return remote
}

func mustGit(t *testing.T, dir string, args ...string) string {
	t.Helper()

	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "git %v failed: %s", args, out)

	return string(out)
}

func requireGit(t *testing.T) {
	t.Helper()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git executable not found")
	}
}

func TestOpenClonesAndCommitsArePushed(t *testing.T) {
	requireGit(t)
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	ctx := context.Background()
	remote := testRemote(t)
	clone := filepath.Join(t.TempDir(), "clone")

	repo, err := Open(ctx, clone, remote, "prshepherd", "bot@example.com")
	require.NoError(t, err)

	headSHA, err := repo.HeadSHA(ctx)
	require.NoError(t, err)
	require.NoError(t, repo.Prepare(ctx, "main", headSHA))

	dirty, err := repo.IsDirty(ctx)
	require.NoError(t, err)
	assert.False(t, dirty)

	require.NoError(t, os.WriteFile(filepath.Join(clone, "main.py"), []byte("x = 1\n"), 0o644))

	dirty, err = repo.IsDirty(ctx)
	require.NoError(t, err)
	assert.True(t, dirty)

	require.NoError(t, repo.CommitAll(ctx, "apply formatting"))
	require.NoError(t, repo.Push(ctx, "main"))

	newHead, err := repo.HeadSHA(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, headSHA, newHead)
}

func TestPushReturnsErrStalePushWhenBranchMoved(t *testing.T) {
	requireGit(t)
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	ctx := context.Background()
	remote := testRemote(t)

	cloneA := filepath.Join(t.TempDir(), "a")
	repoA, err := Open(ctx, cloneA, remote, "prshepherd", "bot@example.com")
	require.NoError(t, err)

	headA, err := repoA.HeadSHA(ctx)
	require.NoError(t, err)
	require.NoError(t, repoA.Prepare(ctx, "main", headA))

	// another clone pushes first, repoA's head becomes stale
	cloneB := filepath.Join(t.TempDir(), "b")
	repoB, err := Open(ctx, cloneB, remote, "other", "other@example.com")
	require.NoError(t, err)
	headB, err := repoB.HeadSHA(ctx)
	require.NoError(t, err)
	require.NoError(t, repoB.Prepare(ctx, "main", headB))
	require.NoError(t, os.WriteFile(filepath.Join(cloneB, "other.py"), []byte("y=2\n"), 0o644))
	mustGit(t, cloneB, "add", "other.py")
	require.NoError(t, repoB.CommitAll(ctx, "other change"))
	require.NoError(t, repoB.Push(ctx, "main"))

	require.NoError(t, os.WriteFile(filepath.Join(cloneA, "main.py"), []byte("x = 1\n"), 0o644))
	require.NoError(t, repoA.CommitAll(ctx, "apply formatting"))

	err = repoA.Push(ctx, "main")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStalePush)
}

func TestMergeResolvesConflictWithPolicy(t *testing.T) {
	requireGit(t)
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	ctx := context.Background()
	remote := testRemote(t)

	clone := filepath.Join(t.TempDir(), "clone")
	repo, err := Open(ctx, clone, remote, "prshepherd", "bot@example.com")
	require.NoError(t, err)

	// create a feature branch changing main.py
	headSHA, err := repo.HeadSHA(ctx)
	require.NoError(t, err)
	require.NoError(t, repo.Prepare(ctx, "main", headSHA))
	mustGit(t, clone, "checkout", "-q", "-b", "feature")
	require.NoError(t, os.WriteFile(filepath.Join(clone, "main.py"), []byte("x=2\n"), 0o644))
	require.NoError(t, repo.CommitAll(ctx, "feature change"))
	require.NoError(t, repo.Push(ctx, "feature"))

	// conflicting change on main via a second clone
	cloneB := filepath.Join(t.TempDir(), "b")
	repoB, err := Open(ctx, cloneB, remote, "other", "other@example.com")
	require.NoError(t, err)
	headB, err := repoB.HeadSHA(ctx)
	require.NoError(t, err)
	require.NoError(t, repoB.Prepare(ctx, "main", headB))
	require.NoError(t, os.WriteFile(filepath.Join(cloneB, "main.py"), []byte("x=3\n"), 0o644))
	require.NoError(t, repoB.CommitAll(ctx, "conflicting change"))
	require.NoError(t, repoB.Push(ctx, "main"))

	require.NoError(t, repo.FetchBase(ctx, "main"))

	result, err := repo.Merge(ctx, "main", PolicyIncoming)
	require.NoError(t, err)
	assert.False(t, result.Conflicted)

	// incoming policy keeps the pull request branch's version
	content, err := os.ReadFile(filepath.Join(clone, "main.py"))
	require.NoError(t, err)
	assert.Equal(t, "x=2\n", string(content))
}
