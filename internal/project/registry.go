package project

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/claude-remote/internal/store"
)

// Registry discovers and resolves projects under a base directory.
type Registry struct {
	base   string
	store  *store.Store
	logger zerolog.Logger
}

// NewRegistry creates a registry over the given base directory. The store is
// consulted for conversation timestamps (a project's lastAccessed).
func NewRegistry(base string, st *store.Store, logger zerolog.Logger) *Registry {
	return &Registry{
		base:   base,
		store:  st,
		logger: logger.With().Str("component", "project.registry").Logger(),
	}
}

// Base returns the projects base directory.
func (r *Registry) Base() string { return r.base }

// Scan lists every qualifying child of the base directory, most recently
// accessed first.
func (r *Registry) Scan(ctx context.Context) ([]Project, error) {
	entries, err := os.ReadDir(r.base)
	if err != nil {
		return nil, fmt.Errorf("reading projects dir: %w", err)
	}

	projects := make([]Project, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		if ValidateID(id) != nil {
			continue
		}
		p, ok := r.load(ctx, id)
		if !ok {
			continue
		}
		projects = append(projects, p)
	}

	sort.Slice(projects, func(i, j int) bool {
		return projects[i].LastAccessed.After(projects[j].LastAccessed)
	})
	return projects, nil
}

// ResolveProject resolves an id to its path and display name. It is the shape
// the job manager consumes, so the manager never depends on this package.
func (r *Registry) ResolveProject(ctx context.Context, id string) (string, string, error) {
	p, err := r.Get(ctx, id)
	if err != nil {
		return "", "", err
	}
	return p.Path, p.Name, nil
}

// Get resolves a single project by id. ErrInvalidID for malformed ids,
// ErrNotFound for missing or unmarked directories.
func (r *Registry) Get(ctx context.Context, id string) (Project, error) {
	if err := ValidateID(id); err != nil {
		return Project{}, err
	}
	p, ok := r.load(ctx, id)
	if !ok {
		return Project{}, ErrNotFound
	}
	return p, nil
}

func (r *Registry) load(ctx context.Context, id string) (Project, bool) {
	path := filepath.Join(r.base, id)
	// The join must stay under the base even after cleaning.
	if rel, err := filepath.Rel(r.base, path); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return Project{}, false
	}

	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return Project{}, false
	}
	if !hasMarker(path) {
		return Project{}, false
	}

	p := Project{ID: id, Path: path}
	p.Worktree = detectWorktree(ctx, path)
	p.Name = displayName(path, p.Worktree)
	if at, ok := r.store.ConversationUpdatedAt(id); ok {
		p.LastAccessed = at
	} else {
		p.LastAccessed = info.ModTime()
	}
	return p, true
}

func hasMarker(path string) bool {
	for _, m := range markers {
		if _, err := os.Stat(filepath.Join(path, m)); err == nil {
			return true
		}
	}
	return false
}

// detectWorktree reports linked-worktree metadata when .git is a regular file
// pointing into another repository's .git/worktrees.
func detectWorktree(ctx context.Context, path string) *WorktreeInfo {
	gitPath := filepath.Join(path, ".git")
	info, err := os.Stat(gitPath)
	if err != nil || info.IsDir() {
		return nil
	}

	data, err := os.ReadFile(gitPath)
	if err != nil {
		return nil
	}
	var gitdir string
	for _, line := range strings.Split(string(data), "\n") {
		if rest, ok := strings.CutPrefix(line, "gitdir:"); ok {
			gitdir = strings.TrimSpace(rest)
			break
		}
	}
	if gitdir == "" {
		return nil
	}
	if !filepath.IsAbs(gitdir) {
		gitdir = filepath.Join(path, gitdir)
	}

	// A linked worktree's gitdir is <main>/.git/worktrees/<name>.
	sep := string(filepath.Separator)
	marker := sep + ".git" + sep + "worktrees" + sep
	idx := strings.Index(gitdir, marker)
	if idx < 0 {
		return nil
	}

	mainPath := gitdir[:idx]
	wt := &WorktreeInfo{
		ParentRepoID:     filepath.Base(mainPath),
		MainWorktreePath: mainPath,
	}
	if branch, err := runGit(ctx, path, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		wt.Branch = branch
	}
	return wt
}
