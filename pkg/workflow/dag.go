package workflow

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// TopologicalOrder sorts nodes so every node appears after all of its
// parents. deps maps node -> parent names. Returns an error if the graph
// contains a cycle.
//
// The algorithm is Kahn's: repeatedly emit nodes with in-degree zero and
// decrement the in-degree of their dependents. Nodes at the same depth are
// emitted in lexical order so the result is deterministic.
func TopologicalOrder(deps map[string][]string) ([]string, error) {
	inDegree := make(map[string]int, len(deps))
	dependents := make(map[string][]string, len(deps))

	for node := range deps {
		inDegree[node] = 0
	}
	for node, parents := range deps {
		for _, parent := range parents {
			if _, ok := inDegree[parent]; !ok {
				return nil, fmt.Errorf("unknown dependency %q of %q", parent, node)
			}
			dependents[parent] = append(dependents[parent], node)
			inDegree[node]++
		}
	}

	var queue []string
	for node, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, node)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(deps))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)

		var released []string
		for _, dep := range dependents[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				released = append(released, dep)
			}
		}
		sort.Strings(released)
		queue = append(queue, released...)
	}

	if len(order) != len(deps) {
		return nil, fmt.Errorf("dependency graph contains a cycle")
	}
	return order, nil
}

// ValidateEdges rejects edge sets that would introduce a cycle among the
// given steps. Insertion paths call this before persisting edges.
func ValidateEdges(steps []WorkflowStep, edges []StepEdge) error {
	names := make(map[uuid.UUID]string, len(steps))
	deps := make(map[string][]string, len(steps))
	for _, s := range steps {
		names[s.ID] = s.Name
		deps[s.Name] = nil
	}

	for _, e := range edges {
		from, ok := names[e.FromStepID]
		if !ok {
			return fmt.Errorf("edge references unknown step %s", e.FromStepID)
		}
		to, ok := names[e.ToStepID]
		if !ok {
			return fmt.Errorf("edge references unknown step %s", e.ToStepID)
		}
		deps[to] = append(deps[to], from)
	}

	_, err := TopologicalOrder(deps)
	return err
}
