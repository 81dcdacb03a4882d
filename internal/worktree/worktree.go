// Package worktree wraps the git command-line tool to create and destroy
// isolated working copies sibling to the target repository. It follows the
// teacher's executeAndCollect idiom (controller/docker.go) of shelling out
// via exec.CommandContext and capturing stdout/stderr for diagnostics, but
// targets git instead of docker, and wraps failures with pkg/errors so
// callers get a stack trace at the point of the original CLI failure.
package worktree

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/pkg/errors"
)

// Manager creates and destroys worktrees sibling to a target repository.
type Manager struct {
	repoPath   string
	worktreeDir string
	baseBranch string
}

// New constructs a Manager for the given target repository clone, worktree
// root directory, and base branch.
func New(repoPath, worktreeDir, baseBranch string) *Manager {
	return &Manager{repoPath: repoPath, worktreeDir: worktreeDir, baseBranch: baseBranch}
}

// EnsureRepoUpdated fetches origin and fast-forwards the base branch on the
// target repository. It fails, rather than auto-resolving, if the base
// branch is not fast-forwardable (spec §4.2).
func (m *Manager) EnsureRepoUpdated(ctx context.Context) error {
	if err := m.git(ctx, m.repoPath, "fetch", "origin", m.baseBranch); err != nil {
		return errors.Wrap(err, "fetch origin")
	}
	if err := m.git(ctx, m.repoPath, "checkout", m.baseBranch); err != nil {
		return errors.Wrap(err, "checkout base branch")
	}
	if err := m.git(ctx, m.repoPath, "merge", "--ff-only", "origin/"+m.baseBranch); err != nil {
		return errors.Wrap(err, "fast-forward base branch")
	}
	return nil
}

// CreateForImplement deletes any stale branch fix/issue-{N} on the target
// repository, then creates a worktree at {WORKTREE_DIR}/issue-{N} rooted at
// a freshly forked branch fix/issue-{N} (spec §4.2).
func (m *Manager) CreateForImplement(ctx context.Context, issueNumber int) (path, branch string, err error) {
	branch = fmt.Sprintf("fix/issue-%d", issueNumber)
	path = filepath.Join(m.worktreeDir, fmt.Sprintf("issue-%d", issueNumber))

	// Best-effort: delete a stale local branch from a prior failed attempt.
	// Ignore the error — the branch may simply not exist.
	_ = m.git(ctx, m.repoPath, "branch", "-D", branch)

	if err := os.MkdirAll(m.worktreeDir, 0o755); err != nil {
		return "", "", errors.Wrap(err, "create worktree root")
	}

	if err := m.git(ctx, m.repoPath, "worktree", "add", "-b", branch, path, m.baseBranch); err != nil {
		return "", "", errors.Wrapf(err, "create worktree for issue %d", issueNumber)
	}

	return path, branch, nil
}

// CreateForFix creates a worktree at {WORKTREE_DIR}/pr-fix-{N} checked out
// to branchName, then hard-resets to origin/{branchName} to guarantee
// freshness (spec §4.2).
func (m *Manager) CreateForFix(ctx context.Context, prNumber int, branchName string) (path string, err error) {
	path = filepath.Join(m.worktreeDir, fmt.Sprintf("pr-fix-%d", prNumber))

	if err := os.MkdirAll(m.worktreeDir, 0o755); err != nil {
		return "", errors.Wrap(err, "create worktree root")
	}

	if err := m.git(ctx, m.repoPath, "fetch", "origin", branchName); err != nil {
		return "", errors.Wrapf(err, "fetch branch %s", branchName)
	}

	if err := m.git(ctx, m.repoPath, "worktree", "add", path, branchName); err != nil {
		return "", errors.Wrapf(err, "create worktree for pr %d", prNumber)
	}

	if err := m.git(ctx, path, "reset", "--hard", "origin/"+branchName); err != nil {
		return "", errors.Wrapf(err, "reset worktree to origin/%s", branchName)
	}

	return path, nil
}

// Cleanup force-removes the worktree, tolerating an already-removed state.
func (m *Manager) Cleanup(ctx context.Context, path string) error {
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		return nil
	}

	if err := m.git(ctx, m.repoPath, "worktree", "remove", "--force", path); err != nil {
		// The worktree metadata may already be gone even though the
		// directory lingered; fall back to a plain directory removal so
		// cleanup never leaves stale state the caller must undo.
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return errors.Wrapf(err, "remove worktree %s (rm -rf also failed: %v)", path, rmErr)
		}
	}

	_ = m.git(ctx, m.repoPath, "worktree", "prune")
	return nil
}

// git runs a git subcommand with dir as its working directory, returning a
// wrapped error including stderr on failure.
func (m *Manager) git(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "git %v: %s", args, stderr.String())
	}
	return nil
}
