package dependency

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattiam/rollout/internal/interfaces"
)

func planWith(names []string, deps ...interfaces.Dependency) *interfaces.DeploymentPlan {
	plan := &interfaces.DeploymentPlan{ID: "p", Name: "p", Dependencies: deps}
	for _, n := range names {
		plan.Components = append(plan.Components, interfaces.Component{Name: n, Artifact: n + ":v2"})
	}
	return plan
}

func TestProductionDependencyResolver_ThreeTierOrdering(t *testing.T) {
	t.Parallel()

	resolver := NewProductionDependencyResolver()

	// Declared leaf-last so the order must come from the edges, not the declaration.
	plan := planWith([]string{"web", "api", "db"},
		interfaces.Dependency{Component: "web", DependsOn: []string{"api"}},
		interfaces.Dependency{Component: "api", DependsOn: []string{"db"}},
	)

	graph, err := resolver.Resolve(plan)
	require.NoError(t, err)

	assert.Equal(t, []string{"db", "api", "web"}, graph.ExecutionOrder)
	assert.Equal(t, []string{"web", "api", "db"}, graph.ReverseOrder())
	assert.Equal(t, 3, graph.Depth)
	assert.Equal(t, [][]string{{"db"}, {"api"}, {"web"}}, graph.Levels)
	assert.Equal(t, interfaces.WaitHealthy, graph.Conditions["web"]["api"])
	assert.Equal(t, []string{"web"}, graph.Dependents["api"])
	assert.Equal(t, []string{"db", "api"}, TransitiveDependencies(graph, "web"))
}

func TestProductionDependencyResolver_DeterministicTieBreak(t *testing.T) {
	t.Parallel()

	resolver := NewProductionDependencyResolver()
	plan := planWith([]string{"cache", "db", "api", "worker"},
		interfaces.Dependency{Component: "api", DependsOn: []string{"db", "cache"}, WaitFor: interfaces.WaitDeployed},
		interfaces.Dependency{Component: "worker", DependsOn: []string{"db"}},
	)

	for i := 0; i < 20; i++ {
		graph, err := resolver.Resolve(plan)
		require.NoError(t, err)
		assert.Equal(t, []string{"cache", "db", "api", "worker"}, graph.ExecutionOrder)
		assert.Equal(t, [][]string{{"cache", "db"}, {"api", "worker"}}, graph.Levels)
		assert.Equal(t, []string{"cache", "db"}, graph.Dependencies["api"])
	}
}

func TestProductionDependencyResolver_CycleDetection(t *testing.T) {
	t.Parallel()

	resolver := NewProductionDependencyResolver()
	plan := planWith([]string{"a", "b", "c"},
		interfaces.Dependency{Component: "a", DependsOn: []string{"c"}},
		interfaces.Dependency{Component: "b", DependsOn: []string{"a"}},
		interfaces.Dependency{Component: "c", DependsOn: []string{"b"}},
	)

	_, err := resolver.Resolve(plan)
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrValidation)
	assert.Contains(t, err.Error(), "dependency cycle detected")
}

func TestProductionDependencyResolver_IndependentComponents(t *testing.T) {
	t.Parallel()

	graph, err := NewProductionDependencyResolver().Resolve(planWith([]string{"x", "y", "z"}))
	require.NoError(t, err)

	assert.Equal(t, []string{"x", "y", "z"}, graph.ExecutionOrder)
	assert.Equal(t, 1, graph.Depth)
	assert.Len(t, graph.Levels, 1)
}

func TestProductionDependencyResolver_ExportGraphViz(t *testing.T) {
	t.Parallel()

	resolver := NewProductionDependencyResolver()
	graph, err := resolver.Resolve(planWith([]string{"db", "api"},
		interfaces.Dependency{Component: "api", DependsOn: []string{"db"}}))
	require.NoError(t, err)

	dot := resolver.ExportGraphViz(graph)
	assert.Contains(t, dot, "digraph dependencies {")
	assert.Contains(t, dot, `"db" -> "api" [label="healthy"];`)
}
