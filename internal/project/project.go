// Package project discovers code projects under a base directory and exposes
// git operations on them: status, linked-worktree management, and pull
// request lookup.
//
// A project is any direct child directory of the base that carries a
// recognized marker file. Its id is the directory basename; ids are validated
// against path traversal before any filesystem access.
package project

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// markers qualify a directory as a project.
var markers = []string{
	"package.json",
	"Cargo.toml",
	"go.mod",
	"pyproject.toml",
	"setup.py",
	".git",
	"Makefile",
	"CMakeLists.txt",
	"pom.xml",
	"build.gradle",
}

var (
	// ErrNotFound means no qualifying directory exists for the id.
	ErrNotFound = errors.New("project: not found")

	// ErrInvalidID means the id failed traversal validation.
	ErrInvalidID = errors.New("project: invalid id")

	// ErrNotWorktree means a worktree operation was attempted on a project
	// that is not a linked worktree.
	ErrNotWorktree = errors.New("project: not a linked worktree")

	// ErrWorktreeExists means the target directory for a new worktree is
	// already taken.
	ErrWorktreeExists = errors.New("project: worktree target already exists")
)

// Project is one discovered directory under the projects base.
type Project struct {
	ID           string        `json:"id"`
	Path         string        `json:"path"`
	Name         string        `json:"name"`
	LastAccessed time.Time     `json:"lastAccessed"`
	Worktree     *WorktreeInfo `json:"worktree,omitempty"`
}

// WorktreeInfo describes a linked git worktree.
type WorktreeInfo struct {
	ParentRepoID     string `json:"parentRepoId"`
	Branch           string `json:"branch"`
	MainWorktreePath string `json:"mainWorktreePath"`
}

// ValidateID rejects ids that could escape the projects base: empty strings,
// path separators, NUL bytes, and anything containing "..".
func ValidateID(id string) error {
	if id == "" || strings.Contains(id, "..") || strings.ContainsAny(id, "/\\\x00") {
		return ErrInvalidID
	}
	return nil
}

// displayName prefers the manifest name over the directory basename. Linked
// worktrees carry their branch as a suffix.
func displayName(path string, wt *WorktreeInfo) string {
	name := manifestName(path)
	if name == "" {
		name = filepath.Base(path)
	}
	if wt != nil && wt.Branch != "" {
		name = fmt.Sprintf("%s [%s]", name, wt.Branch)
	}
	return name
}

func manifestName(path string) string {
	if data, err := os.ReadFile(filepath.Join(path, "package.json")); err == nil {
		var manifest struct {
			Name string `json:"name"`
		}
		if json.Unmarshal(data, &manifest) == nil && manifest.Name != "" {
			return manifest.Name
		}
	}
	if data, err := os.ReadFile(filepath.Join(path, "Cargo.toml")); err == nil {
		if name := cargoName(data); name != "" {
			return name
		}
	}
	return ""
}

// cargoName pulls `name = "..."` out of the [package] table. A full TOML
// parser is overkill for one key.
func cargoName(data []byte) string {
	inPackage := false
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "[") {
			inPackage = line == "[package]"
			continue
		}
		if !inPackage {
			continue
		}
		rest, ok := strings.CutPrefix(line, "name")
		if !ok {
			continue
		}
		rest = strings.TrimSpace(rest)
		if rest, ok = strings.CutPrefix(rest, "="); ok {
			return strings.Trim(strings.TrimSpace(rest), `"`)
		}
	}
	return ""
}
