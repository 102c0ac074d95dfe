package project

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not on PATH")
	}
}

func gitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()

	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return string(out)
}

// initRepo creates a committed repo with a go.mod marker on branch main.
func initRepo(t *testing.T, dir string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(dir, 0o755))
	gitCmd(t, dir, "init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module demo\n"), 0o644))
	gitCmd(t, dir, "add", ".")
	gitCmd(t, dir, "commit", "-m", "initial commit")
}

func TestGitStatus(t *testing.T) {
	requireGit(t)
	r, base := newTestRegistry(t)
	ctx := context.Background()

	repo := filepath.Join(base, "demo")
	initRepo(t, repo)

	status, err := r.GitStatus(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, "main", status.Branch)
	assert.False(t, status.IsDirty)
	assert.Zero(t, status.ChangedFiles)
	assert.Empty(t, status.Files)
	assert.False(t, status.IsWorktree)
	assert.Contains(t, status.Branches, "main")

	require.NoError(t, os.WriteFile(filepath.Join(repo, "dirty.txt"), []byte("x"), 0o644))

	status, err = r.GitStatus(ctx, "demo")
	require.NoError(t, err)
	assert.True(t, status.IsDirty)
	assert.Equal(t, 1, status.ChangedFiles)
	require.Len(t, status.Files, 1)
	assert.Equal(t, "??", status.Files[0].Status)
	assert.Equal(t, "dirty.txt", status.Files[0].Path)
}

func TestGitStatus_NonRepo(t *testing.T) {
	requireGit(t)
	r, base := newTestRegistry(t)

	mkProject(t, base, "plain", "Makefile")

	_, err := r.GitStatus(context.Background(), "plain")
	assert.Error(t, err)
}

func TestWorktreeLifecycle(t *testing.T) {
	requireGit(t)
	r, base := newTestRegistry(t)
	ctx := context.Background()

	initRepo(t, filepath.Join(base, "app"))

	created, err := r.CreateWorktree(ctx, "app", "feat/login")
	require.NoError(t, err)
	assert.Equal(t, "app--feat-login", created.ID)
	require.NotNil(t, created.Worktree)
	assert.Equal(t, "app", created.Worktree.ParentRepoID)
	assert.Equal(t, "feat/login", created.Worktree.Branch)
	assert.Contains(t, created.Name, "[feat/login]")

	// The new worktree is a discoverable project.
	projects, err := r.Scan(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(projects))
	for _, p := range projects {
		ids = append(ids, p.ID)
	}
	assert.Contains(t, ids, "app--feat-login")

	// Status through the worktree reports the linked branch.
	status, err := r.GitStatus(ctx, "app--feat-login")
	require.NoError(t, err)
	assert.Equal(t, "feat/login", status.Branch)
	assert.True(t, status.IsWorktree)
	assert.Equal(t, "app", status.ParentRepoID)

	entries, err := r.ListWorktrees(ctx, "app--feat-login")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	var current int
	for _, e := range entries {
		if e.IsCurrent {
			current++
			assert.Equal(t, "feat/login", e.Branch)
		}
	}
	assert.Equal(t, 1, current)

	// Duplicate target refused.
	_, err = r.CreateWorktree(ctx, "app", "feat/login")
	assert.ErrorIs(t, err, ErrWorktreeExists)

	// Existing branch is checked out rather than recreated.
	gitCmd(t, filepath.Join(base, "app"), "branch", "feat/other")
	other, err := r.CreateWorktree(ctx, "app", "feat/other")
	require.NoError(t, err)
	assert.Equal(t, "app--feat-other", other.ID)

	require.NoError(t, r.RemoveWorktree(ctx, "app--feat-login"))
	_, err = r.Get(ctx, "app--feat-login")
	assert.ErrorIs(t, err, ErrNotFound)

	// Regular repos are refused.
	assert.ErrorIs(t, r.RemoveWorktree(ctx, "app"), ErrNotWorktree)
}

func TestCreateWorktree_BadBranch(t *testing.T) {
	requireGit(t)
	r, base := newTestRegistry(t)
	initRepo(t, filepath.Join(base, "app"))

	_, err := r.CreateWorktree(context.Background(), "app", "")
	assert.Error(t, err)

	_, err = r.CreateWorktree(context.Background(), "app", "has space")
	assert.Error(t, err)
}
