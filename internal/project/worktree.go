package project

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WorktreeEntry is one row of `git worktree list` for a project.
type WorktreeEntry struct {
	Path      string `json:"path"`
	Branch    string `json:"branch"`
	IsCurrent bool   `json:"isCurrent"`
}

// ListWorktrees enumerates all worktrees of the repository the project
// belongs to, marking the project's own entry.
func (r *Registry) ListWorktrees(ctx context.Context, id string) ([]WorktreeEntry, error) {
	p, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	out, err := runGit(ctx, p.Path, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreeList(out, p.Path), nil
}

// parseWorktreeList handles the porcelain block format: one block per
// worktree, attributes one per line, blocks separated by blank lines.
func parseWorktreeList(out, currentPath string) []WorktreeEntry {
	var entries []WorktreeEntry
	var cur *WorktreeEntry
	flush := func() {
		if cur != nil {
			cur.IsCurrent = filepath.Clean(cur.Path) == filepath.Clean(currentPath)
			entries = append(entries, *cur)
			cur = nil
		}
	}

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			cur = &WorktreeEntry{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch ") && cur != nil:
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case line == "detached" && cur != nil:
			cur.Branch = "(detached)"
		}
	}
	flush()
	return entries
}

// CreateWorktree adds a linked worktree for branch as a sibling project named
// {parentRepoId}--{branch with / mapped to -}. Existing local or origin
// branches are checked out as-is; unknown branches are created.
func (r *Registry) CreateWorktree(ctx context.Context, id, branch string) (Project, error) {
	p, err := r.Get(ctx, id)
	if err != nil {
		return Project{}, err
	}
	branch = strings.TrimSpace(branch)
	if branch == "" || strings.ContainsAny(branch, " \t\x00") {
		return Project{}, fmt.Errorf("%w: bad branch name %q", ErrInvalidID, branch)
	}

	parentID := p.ID
	if p.Worktree != nil {
		parentID = p.Worktree.ParentRepoID
	}
	safeBranch := strings.ReplaceAll(branch, "/", "-")
	targetID := parentID + "--" + safeBranch
	target := filepath.Join(r.base, targetID)

	if _, err := os.Stat(target); err == nil {
		return Project{}, ErrWorktreeExists
	} else if !errors.Is(err, os.ErrNotExist) {
		return Project{}, fmt.Errorf("checking worktree target: %w", err)
	}

	args := []string{"worktree", "add"}
	if branchExists(ctx, p.Path, branch) {
		args = append(args, target, branch)
	} else {
		args = append(args, "-b", branch, target)
	}
	if _, err := runGit(ctx, p.Path, args...); err != nil {
		return Project{}, err
	}

	r.logger.Info().Str("project_id", targetID).Str("branch", branch).Msg("worktree created")
	return r.Get(ctx, targetID)
}

// RemoveWorktree removes a linked-worktree project. The main repository
// performs the removal; regular projects are refused.
func (r *Registry) RemoveWorktree(ctx context.Context, id string) error {
	p, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if p.Worktree == nil {
		return ErrNotWorktree
	}

	if _, err := runGit(ctx, p.Worktree.MainWorktreePath, "worktree", "remove", "--force", p.Path); err != nil {
		return err
	}

	r.logger.Info().Str("project_id", id).Msg("worktree removed")
	return nil
}

func branchExists(ctx context.Context, dir, branch string) bool {
	if _, err := runGit(ctx, dir, "show-ref", "--verify", "--quiet", "refs/heads/"+branch); err == nil {
		return true
	}
	if _, err := runGit(ctx, dir, "show-ref", "--verify", "--quiet", "refs/remotes/origin/"+branch); err == nil {
		return true
	}
	return false
}
