package graph

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// SelectAffected maps each changed file path against every test's declared
// code-path patterns and returns the transitive closure of dependents of
// the matched tests, unioned with the always-run set (tests that declare
// neither path patterns nor test dependencies).
func (g *Graph) SelectAffected(changedPaths []string) map[string]bool {
	selected := make(map[string]bool)

	for _, id := range g.order {
		tm := g.tests[id]
		if len(tm.Paths) == 0 && len(tm.DependsOn) == 0 {
			// Always-run smoke set.
			selected[id] = true
			continue
		}
		for _, pattern := range tm.Paths {
			if anyPathMatches(pattern, changedPaths) {
				selected[id] = true
				break
			}
		}
	}

	// A test depending on an affected test is affected too, transitively.
	queue := make([]string, 0, len(selected))
	for id := range selected {
		queue = append(queue, id)
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, dep := range g.dependents[id] {
			if !selected[dep] {
				selected[dep] = true
				queue = append(queue, dep)
			}
		}
	}

	return selected
}

// anyPathMatches reports whether pattern covers any of the changed paths.
// Patterns containing glob metacharacters use doublestar matching; plain
// patterns match as directory or exact-path prefixes.
func anyPathMatches(pattern string, paths []string) bool {
	for _, p := range paths {
		if pathMatches(pattern, p) {
			return true
		}
	}
	return false
}

func pathMatches(pattern, path string) bool {
	if strings.ContainsAny(pattern, "*?[{") {
		ok, err := doublestar.Match(pattern, path)
		return err == nil && ok
	}
	if path == pattern {
		return true
	}
	prefix := pattern
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return strings.HasPrefix(path, prefix)
}
