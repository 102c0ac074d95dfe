package project

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/claude-remote/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()

	base := t.TempDir()
	st, err := store.New(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return NewRegistry(base, st, zerolog.Nop()), base
}

func mkProject(t *testing.T, base, id, marker string) string {
	t.Helper()

	dir := filepath.Join(base, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, marker), []byte{}, 0o644))
	return dir
}

func TestValidateID(t *testing.T) {
	valid := []string{"demo", "my.project", "v1.2", "some-repo", "a--b", "repo--feat-x"}
	for _, id := range valid {
		assert.NoError(t, ValidateID(id), "id %q should be accepted", id)
	}

	invalid := []string{"", "..", "../x", "a/b", `a\b`, "a..b", "nul\x00byte"}
	for _, id := range invalid {
		assert.ErrorIs(t, ValidateID(id), ErrInvalidID, "id %q should be rejected", id)
	}
}

func TestScan_FindsMarkedDirectories(t *testing.T) {
	r, base := newTestRegistry(t)

	mkProject(t, base, "go-proj", "go.mod")
	mkProject(t, base, "node-proj", "package.json")
	mkProject(t, base, "make-proj", "Makefile")

	// Unmarked directory and a plain file must not qualify.
	require.NoError(t, os.MkdirAll(filepath.Join(base, "scratch"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "notes.txt"), []byte("x"), 0o644))

	projects, err := r.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, projects, 3)

	ids := make([]string, 0, len(projects))
	for _, p := range projects {
		ids = append(ids, p.ID)
		assert.Equal(t, filepath.Join(base, p.ID), p.Path)
		assert.False(t, p.LastAccessed.IsZero())
	}
	assert.ElementsMatch(t, []string{"go-proj", "node-proj", "make-proj"}, ids)
}

func TestScan_OrdersByConversationRecency(t *testing.T) {
	r, base := newTestRegistry(t)

	mkProject(t, base, "old", "go.mod")
	mkProject(t, base, "fresh", "go.mod")

	require.NoError(t, r.store.AppendMessage("fresh", store.Message{Role: store.RoleUser, Text: "hi"}))

	projects, err := r.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, projects, 2)
	assert.Equal(t, "fresh", projects[0].ID)
	assert.WithinDuration(t, time.Now(), projects[0].LastAccessed, time.Minute)
}

func TestGet(t *testing.T) {
	r, base := newTestRegistry(t)
	mkProject(t, base, "demo", "pyproject.toml")

	p, err := r.Get(context.Background(), "demo")
	require.NoError(t, err)
	assert.Equal(t, "demo", p.ID)
	assert.Equal(t, "demo", p.Name)
	assert.Nil(t, p.Worktree)

	_, err = r.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.Get(context.Background(), "../demo")
	assert.ErrorIs(t, err, ErrInvalidID)

	// Marked but unqualifying: a bare directory.
	require.NoError(t, os.MkdirAll(filepath.Join(base, "empty"), 0o755))
	_, err = r.Get(context.Background(), "empty")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDisplayName_FromManifests(t *testing.T) {
	r, base := newTestRegistry(t)

	dir := mkProject(t, base, "npm-thing", "package.json")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"),
		[]byte(`{"name":"@scope/fancy-app","version":"1.0.0"}`), 0o644))

	p, err := r.Get(context.Background(), "npm-thing")
	require.NoError(t, err)
	assert.Equal(t, "@scope/fancy-app", p.Name)

	dir = mkProject(t, base, "rust-thing", "Cargo.toml")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Cargo.toml"),
		[]byte("[package]\nname = \"oxidized\"\nversion = \"0.1.0\"\n\n[dependencies]\nname = \"decoy\"\n"), 0o644))

	p, err = r.Get(context.Background(), "rust-thing")
	require.NoError(t, err)
	assert.Equal(t, "oxidized", p.Name)

	// Broken manifest falls back to the basename.
	dir = mkProject(t, base, "broken", "package.json")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte("{nope"), 0o644))

	p, err = r.Get(context.Background(), "broken")
	require.NoError(t, err)
	assert.Equal(t, "broken", p.Name)
}

func TestDetectWorktree_ParsesGitdirFile(t *testing.T) {
	r, base := newTestRegistry(t)

	mainDir := mkProject(t, base, "mainrepo", "go.mod")
	wtDir := filepath.Join(base, "mainrepo--feat")
	require.NoError(t, os.MkdirAll(wtDir, 0o755))
	gitdir := filepath.Join(mainDir, ".git", "worktrees", "mainrepo--feat")
	require.NoError(t, os.WriteFile(filepath.Join(wtDir, ".git"),
		[]byte("gitdir: "+gitdir+"\n"), 0o644))

	p, err := r.Get(context.Background(), "mainrepo--feat")
	require.NoError(t, err)
	require.NotNil(t, p.Worktree)
	assert.Equal(t, "mainrepo", p.Worktree.ParentRepoID)
	assert.Equal(t, mainDir, p.Worktree.MainWorktreePath)

	// A .git directory is a regular repo, not a linked worktree.
	regular := mkProject(t, base, "regular", "go.mod")
	require.NoError(t, os.MkdirAll(filepath.Join(regular, ".git"), 0o755))
	p, err = r.Get(context.Background(), "regular")
	require.NoError(t, err)
	assert.Nil(t, p.Worktree)
}

func TestParsePorcelain(t *testing.T) {
	out := " M internal/server/server.go\n?? notes.md\nA  added.go"
	files := parsePorcelain(out)
	require.Len(t, files, 3)
	assert.Equal(t, FileStatus{Status: "M", Path: "internal/server/server.go"}, files[0])
	assert.Equal(t, FileStatus{Status: "??", Path: "notes.md"}, files[1])
	assert.Equal(t, FileStatus{Status: "A", Path: "added.go"}, files[2])

	assert.Nil(t, parsePorcelain(""))
}

func TestParseWorktreeList(t *testing.T) {
	out := "worktree /home/u/projects/app\nHEAD 1234abc\nbranch refs/heads/main\n\n" +
		"worktree /home/u/projects/app--feat-x\nHEAD 5678def\nbranch refs/heads/feat/x\n\n" +
		"worktree /home/u/projects/app--detached\nHEAD 9abc012\ndetached\n"

	entries := parseWorktreeList(out, "/home/u/projects/app--feat-x")
	require.Len(t, entries, 3)
	assert.Equal(t, WorktreeEntry{Path: "/home/u/projects/app", Branch: "main"}, entries[0])
	assert.Equal(t, WorktreeEntry{Path: "/home/u/projects/app--feat-x", Branch: "feat/x", IsCurrent: true}, entries[1])
	assert.Equal(t, "(detached)", entries[2].Branch)
}

func TestParseGitHubRemote(t *testing.T) {
	cases := []struct {
		url   string
		owner string
		repo  string
		ok    bool
	}{
		{"git@github.com:octo/app.git", "octo", "app", true},
		{"https://github.com/octo/app", "octo", "app", true},
		{"https://github.com/octo/app.git\n", "octo", "app", true},
		{"ssh://git@github.com/octo/app.git", "octo", "app", true},
		{"https://gitlab.com/octo/app.git", "", "", false},
		{"not a url", "", "", false},
	}
	for _, tc := range cases {
		owner, repo, ok := parseGitHubRemote(tc.url)
		assert.Equal(t, tc.ok, ok, tc.url)
		assert.Equal(t, tc.owner, owner, tc.url)
		assert.Equal(t, tc.repo, repo, tc.url)
	}
}
