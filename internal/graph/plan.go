package graph

import "sort"

// PlanParallelOrder computes the layered execution plan for the selected
// tests: group k contains every selected test whose selected dependencies
// all sit in groups 0..k-1. Dependencies outside the selection are treated
// as satisfied. Within a group the order is descending priority tier then
// ascending test ID, so a given graph and selection always produce the
// same plan.
func (g *Graph) PlanParallelOrder(selected map[string]bool) [][]string {
	remaining := make(map[string]bool, len(selected))
	for id, ok := range selected {
		if ok {
			if _, known := g.tests[id]; known {
				remaining[id] = true
			}
		}
	}

	var groups [][]string

	for len(remaining) > 0 {
		var group []string
		for id := range remaining {
			ready := true
			for _, dep := range g.deps[id] {
				if remaining[dep] {
					ready = false
					break
				}
			}
			if ready {
				group = append(group, id)
			}
		}

		// A cycle cannot occur post-Build, so every sweep places at least
		// one test.
		if len(group) == 0 {
			break
		}

		g.sortGroup(group)
		for _, id := range group {
			delete(remaining, id)
		}
		groups = append(groups, group)
	}

	return groups
}

// sortGroup orders one parallel group: higher priority tier first, test ID
// as the final tie-break.
func (g *Graph) sortGroup(group []string) {
	sort.Slice(group, func(i, j int) bool {
		pi := g.tests[group[i]].Priority
		pj := g.tests[group[j]].Priority
		if pi != pj {
			return pi > pj
		}
		return group[i] < group[j]
	})
}
