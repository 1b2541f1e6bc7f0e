// Package dependency resolves the component dependency graph of a deployment plan
package dependency

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lattiam/rollout/internal/interfaces"
)

// ProductionDependencyResolver performs a deterministic topological sort of
// plan components. Ties are broken by declaration order.
type ProductionDependencyResolver struct{}

// NewProductionDependencyResolver creates a new production dependency resolver
func NewProductionDependencyResolver() *ProductionDependencyResolver {
	return &ProductionDependencyResolver{}
}

// Resolve validates the plan and builds its dependency graph
func (r *ProductionDependencyResolver) Resolve(plan *interfaces.DeploymentPlan) (*interfaces.DependencyGraph, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	graph := r.buildGraph(plan)

	if err := r.ValidateNoCycles(graph); err != nil {
		return nil, err
	}

	order, err := r.executionOrder(graph)
	if err != nil {
		return nil, err
	}
	graph.ExecutionOrder = order
	graph.Levels, graph.Depth = r.levels(graph)

	return graph, nil
}

func (r *ProductionDependencyResolver) buildGraph(plan *interfaces.DeploymentPlan) *interfaces.DependencyGraph {
	graph := &interfaces.DependencyGraph{
		Nodes:        plan.ComponentNames(),
		Dependencies: make(map[string][]string),
		Dependents:   make(map[string][]string),
		Conditions:   make(map[string]map[string]interfaces.WaitCondition),
	}

	index := make(map[string]int, len(graph.Nodes))
	for i, n := range graph.Nodes {
		index[n] = i
		graph.Dependencies[n] = []string{}
	}

	// Several Dependency entries may target the same component; merge them.
	for _, d := range plan.Dependencies {
		if graph.Conditions[d.Component] == nil {
			graph.Conditions[d.Component] = make(map[string]interfaces.WaitCondition)
		}
		for _, dep := range d.DependsOn {
			if _, dup := graph.Conditions[d.Component][dep]; !dup {
				graph.Dependencies[d.Component] = append(graph.Dependencies[d.Component], dep)
			}
			graph.Conditions[d.Component][dep] = d.Condition()
		}
	}

	for node, deps := range graph.Dependencies {
		sort.SliceStable(deps, func(i, j int) bool { return index[deps[i]] < index[deps[j]] })
		for _, dep := range deps {
			graph.Dependents[dep] = append(graph.Dependents[dep], node)
		}
	}
	for _, dependents := range graph.Dependents {
		sort.SliceStable(dependents, func(i, j int) bool { return index[dependents[i]] < index[dependents[j]] })
	}

	return graph
}

// executionOrder returns a DFS topological order over nodes in declaration order
func (r *ProductionDependencyResolver) executionOrder(graph *interfaces.DependencyGraph) ([]string, error) {
	result := make([]string, 0, len(graph.Nodes))
	visited := make(map[string]bool)
	temp := make(map[string]bool)

	var visit func(string) error
	visit = func(node string) error {
		if visited[node] {
			return nil
		}
		if temp[node] {
			return interfaces.NewError(interfaces.KindValidation, "cycle detected involving component %q", node)
		}

		temp[node] = true
		for _, dep := range graph.Dependencies[node] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		temp[node] = false
		visited[node] = true
		result = append(result, node)

		return nil
	}

	for _, node := range graph.Nodes {
		if err := visit(node); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// ValidateNoCycles validates that the graph has no cycles using DFS
func (r *ProductionDependencyResolver) ValidateNoCycles(graph *interfaces.DependencyGraph) error {
	gray := make(map[string]bool)
	black := make(map[string]bool)

	var dfs func(string, []string) error
	dfs = func(node string, path []string) error {
		if gray[node] {
			cycleStart := 0
			for i, n := range path {
				if n == node {
					cycleStart = i
					break
				}
			}
			cycle := append([]string(nil), path[cycleStart:]...)
			cycle = append(cycle, node)
			return interfaces.NewError(interfaces.KindValidation,
				"dependency cycle detected: %s", strings.Join(cycle, " -> "))
		}
		if black[node] {
			return nil
		}

		gray[node] = true
		path = append(path, node)

		for _, dep := range graph.Dependencies[node] {
			if err := dfs(dep, path); err != nil {
				return err
			}
		}

		delete(gray, node)
		black[node] = true
		return nil
	}

	for _, node := range graph.Nodes {
		if err := dfs(node, nil); err != nil {
			return err
		}
	}

	return nil
}

// levels groups components that can run in parallel. The level of a component
// is one more than the deepest of its dependencies; depth counts components on
// the longest chain.
func (r *ProductionDependencyResolver) levels(graph *interfaces.DependencyGraph) ([][]string, int) {
	level := make(map[string]int, len(graph.ExecutionOrder))
	depth := 0
	for _, node := range graph.ExecutionOrder {
		l := 1
		for _, dep := range graph.Dependencies[node] {
			if level[dep]+1 > l {
				l = level[dep] + 1
			}
		}
		level[node] = l
		if l > depth {
			depth = l
		}
	}

	groups := make([][]string, depth)
	for _, node := range graph.ExecutionOrder {
		groups[level[node]-1] = append(groups[level[node]-1], node)
	}
	return groups, depth
}

// TransitiveDependencies returns every component name reaches, in execution order
func TransitiveDependencies(graph *interfaces.DependencyGraph, name string) []string {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(n string) {
		for _, dep := range graph.Dependencies[n] {
			if !seen[dep] {
				seen[dep] = true
				walk(dep)
			}
		}
	}
	walk(name)

	out := make([]string, 0, len(seen))
	for _, n := range graph.ExecutionOrder {
		if seen[n] {
			out = append(out, n)
		}
	}
	return out
}

// ExportGraphViz exports the graph in GraphViz format
func (r *ProductionDependencyResolver) ExportGraphViz(graph *interfaces.DependencyGraph) string {
	lines := []string{"digraph dependencies {"}

	for _, node := range graph.Nodes {
		lines = append(lines, fmt.Sprintf("  %q;", node))
	}
	for _, node := range graph.Nodes {
		for _, dep := range graph.Dependencies[node] {
			lines = append(lines, fmt.Sprintf("  %q -> %q [label=%q];", dep, node, graph.Conditions[node][dep]))
		}
	}

	lines = append(lines, "}")
	return strings.Join(lines, "\n")
}
