package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// initBareRepoPair sets up a bare "origin" repo plus a working clone with
// an initial commit on main, returning the clone's path.
func initBareRepoPair(t *testing.T) (clonePath string) {
	t.Helper()
	root := t.TempDir()
	origin := filepath.Join(root, "origin.git")
	clone := filepath.Join(root, "clone")

	run := func(dir string, args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}

	require.NoError(t, os.MkdirAll(origin, 0o755))
	run(origin, "init", "--bare", "-b", "main")

	require.NoError(t, os.MkdirAll(clone, 0o755))
	run(clone, "init", "-b", "main")
	run(clone, "config", "user.email", "swarmd@example.com")
	run(clone, "config", "user.name", "swarmd")
	require.NoError(t, os.WriteFile(filepath.Join(clone, "README.md"), []byte("hello"), 0o644))
	run(clone, "add", ".")
	run(clone, "commit", "-m", "initial commit")
	run(clone, "remote", "add", "origin", origin)
	run(clone, "push", "origin", "main")

	return clone
}

func TestCreateForImplement_CreatesWorktreeOnNewBranch(t *testing.T) {
	clone := initBareRepoPair(t)
	worktreeDir := filepath.Join(filepath.Dir(clone), "worktrees")
	mgr := New(clone, worktreeDir, "main")

	path, branch, err := mgr.CreateForImplement(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, "fix/issue-42", branch)

	info, err := os.Stat(filepath.Join(path, "README.md"))
	require.NoError(t, err)
	require.False(t, info.IsDir())
}

func TestCreateForImplement_DeletesStaleBranchFirst(t *testing.T) {
	clone := initBareRepoPair(t)
	worktreeDir := filepath.Join(filepath.Dir(clone), "worktrees")
	mgr := New(clone, worktreeDir, "main")

	_, _, err := mgr.CreateForImplement(context.Background(), 7)
	require.NoError(t, err)
	require.NoError(t, mgr.Cleanup(context.Background(), filepath.Join(worktreeDir, "issue-7")))

	_, branch, err := mgr.CreateForImplement(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, "fix/issue-7", branch)
}

func TestCleanup_TolerantOfAlreadyRemoved(t *testing.T) {
	clone := initBareRepoPair(t)
	worktreeDir := filepath.Join(filepath.Dir(clone), "worktrees")
	mgr := New(clone, worktreeDir, "main")

	err := mgr.Cleanup(context.Background(), filepath.Join(worktreeDir, "does-not-exist"))
	require.NoError(t, err)
}
