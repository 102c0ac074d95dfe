package project

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// gitTimeout bounds every git invocation; status calls on large repos stay
// well under it.
const gitTimeout = 30 * time.Second

// GitStatus is the response for the git-status endpoint.
type GitStatus struct {
	Branch       string       `json:"branch"`
	IsDirty      bool         `json:"isDirty"`
	ChangedFiles int          `json:"changedFiles"`
	Files        []FileStatus `json:"files"`
	Ahead        int          `json:"ahead"`
	Behind       int          `json:"behind"`
	IsWorktree   bool         `json:"isWorktree"`
	ParentRepoID string       `json:"parentRepoId,omitempty"`
	Branches     []string     `json:"branches"`
}

// FileStatus is one porcelain status line.
type FileStatus struct {
	Status string `json:"status"`
	Path   string `json:"path"`
}

// GitStatus collects branch, dirtiness, ahead/behind counts, and the branch
// list for a project.
func (r *Registry) GitStatus(ctx context.Context, id string) (GitStatus, error) {
	p, err := r.Get(ctx, id)
	if err != nil {
		return GitStatus{}, err
	}

	branch, err := runGit(ctx, p.Path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return GitStatus{}, err
	}

	porcelain, err := runGit(ctx, p.Path, "status", "--porcelain")
	if err != nil {
		return GitStatus{}, err
	}
	files := parsePorcelain(porcelain)

	status := GitStatus{
		Branch:       branch,
		IsDirty:      len(files) > 0,
		ChangedFiles: len(files),
		Files:        files,
		IsWorktree:   p.Worktree != nil,
		Branches:     listBranches(ctx, p.Path),
	}
	if p.Worktree != nil {
		status.ParentRepoID = p.Worktree.ParentRepoID
	}

	// No upstream is normal for local-only branches; counts stay zero.
	if counts, err := runGit(ctx, p.Path, "rev-list", "--left-right", "--count", "HEAD...@{upstream}"); err == nil {
		fmt.Sscanf(counts, "%d\t%d", &status.Ahead, &status.Behind)
	}

	return status, nil
}

func parsePorcelain(out string) []FileStatus {
	if out == "" {
		return nil
	}
	var files []FileStatus
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		files = append(files, FileStatus{
			Status: strings.TrimSpace(line[:2]),
			Path:   strings.TrimSpace(line[3:]),
		})
	}
	return files
}

// listBranches returns local plus origin branch names, deduped and sorted,
// for the worktree-creation UI. Failures yield an empty list rather than
// failing the status call.
func listBranches(ctx context.Context, dir string) []string {
	out, err := runGit(ctx, dir, "branch", "-a", "--format=%(refname:short)")
	if err != nil || out == "" {
		return nil
	}

	seen := make(map[string]bool)
	var names []string
	for _, line := range strings.Split(out, "\n") {
		name := strings.TrimSpace(line)
		if name == "" || strings.HasSuffix(name, "/HEAD") || name == "HEAD" {
			continue
		}
		name = strings.TrimPrefix(name, "origin/")
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// runGit executes git in dir and returns trimmed stdout. Failures carry the
// stderr excerpt; they surface to the caller, never kill the process.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", args[0], truncate(msg, 500))
	}
	return strings.TrimSpace(stdout.String()), nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
