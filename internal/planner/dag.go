package planner

import (
	"fmt"
	"strings"

	"github.com/hmori/stepwise/internal/model"
)

// ValidateStepDAG checks that step dependencies form a DAG using Kahn's
// algorithm and returns a topological order. On a cycle it reports the
// cycle path found via DFS so the diagnostic names the offending steps.
func ValidateStepDAG(steps []*model.PlanStep) ([]string, error) {
	if len(steps) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(steps))
	edges := make(map[string][]string, len(steps))
	known := make(map[string]bool, len(steps))
	for _, s := range steps {
		ids = append(ids, s.ID)
		known[s.ID] = true
	}
	for _, s := range steps {
		for _, dep := range s.Dependencies {
			if !known[dep] {
				return nil, fmt.Errorf("step %s depends on unknown step %s", s.ID, dep)
			}
			edges[s.ID] = append(edges[s.ID], dep)
		}
	}

	inDegree := make(map[string]int, len(ids))
	forward := make(map[string][]string)
	for node, deps := range edges {
		for _, dep := range deps {
			inDegree[node]++
			forward[dep] = append(forward[dep], node)
		}
	}

	var queue []string
	for _, id := range ids {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	var sorted []string
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		for _, dependent := range forward[node] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(sorted) == len(ids) {
		return sorted, nil
	}

	cycle := findCyclePath(ids, edges, inDegree)
	return nil, fmt.Errorf("dependency cycle detected: %s", strings.Join(cycle, " -> "))
}

// findCyclePath reconstructs one cycle among the nodes Kahn's algorithm
// could not order.
func findCyclePath(ids []string, edges map[string][]string, inDegree map[string]int) []string {
	const (
		white = 0 // unvisited
		gray  = 1 // on current path
		black = 2 // finished
	)

	color := make(map[string]int)
	parent := make(map[string]string)
	var path []string

	var dfs func(node string) bool
	dfs = func(node string) bool {
		color[node] = gray
		for _, dep := range edges[node] {
			if color[dep] == gray {
				path = []string{dep}
				for cur := node; cur != dep; cur = parent[cur] {
					path = append(path, cur)
				}
				path = append(path, dep)
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				return true
			}
			if color[dep] == white {
				parent[dep] = node
				if dfs(dep) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}

	for _, id := range ids {
		if inDegree[id] > 0 && color[id] == white {
			if dfs(id) {
				return path
			}
		}
	}
	return []string{"(cycle detected)"}
}
