package project

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/go-github/v60/github"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/claude-remote/lru"
)

// ErrNoPR means the project's current branch has no pull request, or the
// origin remote is not a GitHub repository.
var ErrNoPR = errors.New("project: no pull request")

// prCacheTTL bounds how long a lookup is reused before asking GitHub again.
const prCacheTTL = 2 * time.Minute

// PRInfo is the pull-request metadata for a project's current branch.
type PRInfo struct {
	URL    string `json:"url"`
	Number int    `json:"number"`
	Title  string `json:"title"`
	State  string `json:"state"`
}

type prCacheEntry struct {
	info PRInfo
	none bool // cached "no PR" result
}

// PRClient looks up pull requests on GitHub, caching results per repo+branch
// so a chatty client does not burn API quota.
type PRClient struct {
	gh     *github.Client
	cache  *lru.Cache[string, prCacheEntry]
	logger zerolog.Logger
}

// NewPRClient builds a client. An empty token means unauthenticated access,
// which suffices for public repositories.
func NewPRClient(token string, logger zerolog.Logger) *PRClient {
	gh := github.NewClient(nil)
	if token != "" {
		gh = gh.WithAuthToken(token)
	}
	return &PRClient{
		gh:     gh,
		cache:  lru.New(64, lru.WithTTL[string, prCacheEntry](prCacheTTL)),
		logger: logger.With().Str("component", "project.pr").Logger(),
	}
}

// Lookup finds the newest pull request whose head is the project's current
// branch. Returns ErrNoPR when there is none.
func (c *PRClient) Lookup(ctx context.Context, p Project) (PRInfo, error) {
	branch, err := runGit(ctx, p.Path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return PRInfo{}, err
	}
	remote, err := runGit(ctx, p.Path, "remote", "get-url", "origin")
	if err != nil {
		return PRInfo{}, ErrNoPR
	}
	owner, repo, ok := parseGitHubRemote(remote)
	if !ok {
		return PRInfo{}, ErrNoPR
	}

	key := owner + "/" + repo + "@" + branch
	if entry, ok := c.cache.Get(key); ok {
		if entry.none {
			return PRInfo{}, ErrNoPR
		}
		return entry.info, nil
	}

	prs, _, err := c.gh.PullRequests.List(ctx, owner, repo, &github.PullRequestListOptions{
		Head:        owner + ":" + branch,
		State:       "all",
		ListOptions: github.ListOptions{PerPage: 1},
	})
	if err != nil {
		return PRInfo{}, fmt.Errorf("listing pull requests for %s/%s: %w", owner, repo, err)
	}
	if len(prs) == 0 {
		c.cache.Put(key, prCacheEntry{none: true})
		return PRInfo{}, ErrNoPR
	}

	info := PRInfo{
		URL:    prs[0].GetHTMLURL(),
		Number: prs[0].GetNumber(),
		Title:  prs[0].GetTitle(),
		State:  prs[0].GetState(),
	}
	c.cache.Put(key, prCacheEntry{info: info})
	return info, nil
}

// parseGitHubRemote extracts owner/repo from https or ssh remote URLs.
func parseGitHubRemote(url string) (owner, repo string, ok bool) {
	url = strings.TrimSuffix(strings.TrimSpace(url), ".git")
	for _, prefix := range []string{
		"git@github.com:",
		"https://github.com/",
		"http://github.com/",
		"ssh://git@github.com/",
	} {
		rest, found := strings.CutPrefix(url, prefix)
		if !found {
			continue
		}
		parts := strings.Split(rest, "/")
		if len(parts) >= 2 && parts[0] != "" && parts[1] != "" {
			return parts[0], parts[1], true
		}
	}
	return "", "", false
}
