// Package changes discovers which code paths changed since a reference
// point, feeding affected-test selection.
package changes

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Source lists repository paths changed since the given reference.
type Source interface {
	ChangedPaths(ctx context.Context, since string) ([]string, error)
}

// GitSource shells out to git for the diff. RepoDir is the working tree
// root; an empty dir means the current directory.
type GitSource struct {
	RepoDir string
}

func NewGitSource(repoDir string) *GitSource {
	return &GitSource{RepoDir: repoDir}
}

// ChangedPaths runs `git diff --name-only <since>` and returns one path
// per changed file, relative to the repository root.
func (s *GitSource) ChangedPaths(ctx context.Context, since string) ([]string, error) {
	if since == "" {
		since = "HEAD~1"
	}
	cmd := exec.CommandContext(ctx, "git", "diff", "--name-only", since)
	cmd.Dir = s.RepoDir
	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("changes: git diff %s: %s", since, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("changes: git diff %s: %w", since, err)
	}
	return parsePaths(output), nil
}

// StaticSource returns a fixed path list, for explicit --changed flags.
type StaticSource []string

func (s StaticSource) ChangedPaths(ctx context.Context, since string) ([]string, error) {
	return []string(s), nil
}

func parsePaths(output []byte) []string {
	var paths []string
	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			paths = append(paths, line)
		}
	}
	return paths
}
