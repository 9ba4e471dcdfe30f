package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kestrelci/kestrel/internal/domain"
)

// CycleError reports a dependency cycle found at build time, naming the
// offending path.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Path, " -> ")
}

// Graph is the immutable dependency graph over a test suite: test-to-test
// edges from declared dependencies plus each test's code-path patterns.
// Built once per run; safe for concurrent reads.
type Graph struct {
	tests      map[string]domain.TestMetadata
	deps       map[string][]string
	dependents map[string][]string
	order      []string // insertion order, for stable iteration
}

// Build validates the suite and constructs the graph. It fails with
// *CycleError on any dependency cycle and rejects duplicate or unknown
// test references; it never silently drops an edge.
func Build(tests []domain.TestMetadata) (*Graph, error) {
	g := &Graph{
		tests:      make(map[string]domain.TestMetadata, len(tests)),
		deps:       make(map[string][]string, len(tests)),
		dependents: make(map[string][]string),
	}

	for _, tm := range tests {
		if tm.ID == "" {
			return nil, domain.ErrEmptyTestID
		}
		if _, ok := g.tests[tm.ID]; ok {
			return nil, fmt.Errorf("duplicate test id %q", tm.ID)
		}
		g.tests[tm.ID] = tm
		g.order = append(g.order, tm.ID)
	}

	for _, tm := range tests {
		seen := make(map[string]bool, len(tm.DependsOn))
		for _, dep := range tm.DependsOn {
			if _, ok := g.tests[dep]; !ok {
				return nil, fmt.Errorf("test %q depends on unknown test %q", tm.ID, dep)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			g.deps[tm.ID] = append(g.deps[tm.ID], dep)
			g.dependents[dep] = append(g.dependents[dep], tm.ID)
		}
		sort.Strings(g.deps[tm.ID])
	}
	for id := range g.dependents {
		sort.Strings(g.dependents[id])
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, cycle
	}
	return g, nil
}

// Tests returns the metadata for every test in insertion order.
func (g *Graph) Tests() []domain.TestMetadata {
	out := make([]domain.TestMetadata, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.tests[id])
	}
	return out
}

// Metadata returns the metadata for one test.
func (g *Graph) Metadata(testID string) (domain.TestMetadata, bool) {
	tm, ok := g.tests[testID]
	return tm, ok
}

// Dependencies returns the direct dependencies of testID, sorted.
func (g *Graph) Dependencies(testID string) []string {
	return g.deps[testID]
}

// Dependents returns the direct dependents of testID, sorted.
func (g *Graph) Dependents(testID string) []string {
	return g.dependents[testID]
}

const (
	colorWhite = 0 // unvisited
	colorGray  = 1 // on the current DFS stack
	colorBlack = 2 // done
)

// findCycle runs a colored DFS over the dependency edges and reconstructs
// the first cycle it hits. Iteration order is sorted so the reported path
// is deterministic.
func (g *Graph) findCycle() *CycleError {
	ids := make([]string, 0, len(g.tests))
	for id := range g.tests {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	color := make(map[string]int, len(ids))
	var stack []string

	var visit func(id string) *CycleError
	visit = func(id string) *CycleError {
		color[id] = colorGray
		stack = append(stack, id)

		for _, dep := range g.deps[id] {
			switch color[dep] {
			case colorGray:
				// Found the back edge; slice the stack from dep onward.
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				path := append(append([]string{}, stack[start:]...), dep)
				return &CycleError{Path: path}
			case colorWhite:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = colorBlack
		return nil
	}

	for _, id := range ids {
		if color[id] == colorWhite {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}
