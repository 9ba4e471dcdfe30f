package graph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelci/kestrel/internal/domain"
)

func meta(id string, priority domain.PriorityTier, deps []string, paths []string) domain.TestMetadata {
	return domain.TestMetadata{
		ID:        id,
		Journey:   "checkout",
		Priority:  priority,
		DependsOn: deps,
		Paths:     paths,
	}
}

func TestBuild_Valid(t *testing.T) {
	g, err := Build([]domain.TestMetadata{
		meta("login", domain.PrioritySmoke, nil, nil),
		meta("cart", domain.PriorityRegression, []string{"login"}, []string{"src/cart/**"}),
		meta("checkout", domain.PriorityRegression, []string{"cart", "login"}, []string{"src/checkout/**"}),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"cart", "login"}, g.Dependencies("checkout"))
	assert.Equal(t, []string{"cart", "checkout"}, g.Dependents("login"))
}

func TestBuild_DuplicateID(t *testing.T) {
	_, err := Build([]domain.TestMetadata{
		meta("login", domain.PrioritySmoke, nil, nil),
		meta("login", domain.PrioritySmoke, nil, nil),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestBuild_UnknownDependency(t *testing.T) {
	_, err := Build([]domain.TestMetadata{
		meta("cart", domain.PriorityRegression, []string{"missing"}, nil),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown test "missing"`)
}

func TestBuild_Cycle(t *testing.T) {
	_, err := Build([]domain.TestMetadata{
		meta("a", domain.PrioritySmoke, []string{"b"}, nil),
		meta("b", domain.PrioritySmoke, []string{"c"}, nil),
		meta("c", domain.PrioritySmoke, []string{"a"}, nil),
	})
	require.Error(t, err)

	var cycleErr *CycleError
	require.True(t, errors.As(err, &cycleErr), "want *CycleError, got %v", err)
	// The path names the cycle and closes back on itself.
	require.GreaterOrEqual(t, len(cycleErr.Path), 4)
	assert.Equal(t, cycleErr.Path[0], cycleErr.Path[len(cycleErr.Path)-1])
	assert.Contains(t, err.Error(), "->")
}

func TestBuild_SelfDependencyIsCycle(t *testing.T) {
	_, err := Build([]domain.TestMetadata{
		meta("a", domain.PrioritySmoke, []string{"a"}, nil),
	})
	var cycleErr *CycleError
	require.True(t, errors.As(err, &cycleErr))
	assert.Equal(t, []string{"a", "a"}, cycleErr.Path)
}

func TestSelectAffected_GlobMatch(t *testing.T) {
	g, err := Build([]domain.TestMetadata{
		meta("auth-flow", domain.PriorityRegression, nil, []string{"src/auth/*"}),
		meta("ui-theme", domain.PriorityRegression, nil, []string{"src/ui/*"}),
	})
	require.NoError(t, err)

	selected := g.SelectAffected([]string{"src/auth/login.ts"})
	assert.True(t, selected["auth-flow"])
	assert.False(t, selected["ui-theme"])

	selected = g.SelectAffected([]string{"src/ui/button.tsx", "src/ui/theme.css"})
	assert.False(t, selected["auth-flow"])
	assert.True(t, selected["ui-theme"])
}

func TestSelectAffected_PrefixMatch(t *testing.T) {
	g, err := Build([]domain.TestMetadata{
		meta("api-suite", domain.PriorityRegression, nil, []string{"services/api"}),
	})
	require.NoError(t, err)

	assert.True(t, g.SelectAffected([]string{"services/api/handler.go"})["api-suite"])
	assert.False(t, g.SelectAffected([]string{"services/apiv2/handler.go"})["api-suite"])
}

func TestSelectAffected_TransitiveClosure(t *testing.T) {
	g, err := Build([]domain.TestMetadata{
		meta("base", domain.PriorityRegression, nil, []string{"src/core/**"}),
		meta("mid", domain.PriorityRegression, []string{"base"}, []string{"src/mid/**"}),
		meta("top", domain.PriorityRegression, []string{"mid"}, []string{"src/top/**"}),
		meta("other", domain.PriorityRegression, nil, []string{"src/other/**"}),
	})
	require.NoError(t, err)

	selected := g.SelectAffected([]string{"src/core/engine.go"})
	assert.True(t, selected["base"])
	assert.True(t, selected["mid"], "dependent of affected test is affected")
	assert.True(t, selected["top"], "closure is transitive")
	assert.False(t, selected["other"])
}

func TestSelectAffected_AlwaysRunSmokeSet(t *testing.T) {
	g, err := Build([]domain.TestMetadata{
		meta("homepage-smoke", domain.PrioritySmoke, nil, nil),
		meta("cart", domain.PriorityRegression, nil, []string{"src/cart/**"}),
	})
	require.NoError(t, err)

	selected := g.SelectAffected([]string{"README.md"})
	assert.True(t, selected["homepage-smoke"], "test with no declared dependencies always runs")
	assert.False(t, selected["cart"])
}

func TestPlanParallelOrder_DependenciesBeforeDependents(t *testing.T) {
	g, err := Build([]domain.TestMetadata{
		meta("a", domain.PrioritySmoke, nil, nil),
		meta("b", domain.PriorityRegression, []string{"a"}, nil),
		meta("c", domain.PriorityRegression, []string{"a"}, nil),
		meta("d", domain.PriorityExtended, []string{"b", "c"}, nil),
	})
	require.NoError(t, err)

	selected := map[string]bool{"a": true, "b": true, "c": true, "d": true}
	groups := g.PlanParallelOrder(selected)

	require.Equal(t, [][]string{{"a"}, {"b", "c"}, {"d"}}, groups)
}

func TestPlanParallelOrder_TieBreakPriorityThenID(t *testing.T) {
	g, err := Build([]domain.TestMetadata{
		meta("zeta-smoke", domain.PrioritySmoke, nil, nil),
		meta("alpha-ext", domain.PriorityExtended, nil, nil),
		meta("beta-reg", domain.PriorityRegression, nil, nil),
		meta("alpha-reg", domain.PriorityRegression, nil, nil),
	})
	require.NoError(t, err)

	selected := map[string]bool{"zeta-smoke": true, "alpha-ext": true, "beta-reg": true, "alpha-reg": true}
	groups := g.PlanParallelOrder(selected)

	require.Len(t, groups, 1)
	assert.Equal(t, []string{"zeta-smoke", "alpha-reg", "beta-reg", "alpha-ext"}, groups[0])
}

func TestPlanParallelOrder_Deterministic(t *testing.T) {
	tests := []domain.TestMetadata{
		meta("a", domain.PrioritySmoke, nil, nil),
		meta("b", domain.PriorityRegression, []string{"a"}, nil),
		meta("c", domain.PriorityRegression, nil, nil),
		meta("d", domain.PriorityExtended, []string{"c"}, nil),
		meta("e", domain.PriorityExtended, nil, nil),
	}
	g, err := Build(tests)
	require.NoError(t, err)

	selected := map[string]bool{"a": true, "b": true, "c": true, "d": true, "e": true}
	first := g.PlanParallelOrder(selected)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, g.PlanParallelOrder(selected))
	}
}

func TestPlanParallelOrder_UnselectedDependencyTreatedSatisfied(t *testing.T) {
	g, err := Build([]domain.TestMetadata{
		meta("a", domain.PrioritySmoke, nil, nil),
		meta("b", domain.PriorityRegression, []string{"a"}, nil),
	})
	require.NoError(t, err)

	groups := g.PlanParallelOrder(map[string]bool{"b": true})
	require.Equal(t, [][]string{{"b"}}, groups)
}
