package graph

import (
	"fmt"
	"sort"
	"strings"
)

// CycleError reports that the graph cannot be ordered. NodeIDs holds every
// node still blocked after all resolvable nodes were scheduled; at least one
// of them sits on the cycle itself.
type CycleError struct {
	NodeIDs []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle involving nodes [%s]", strings.Join(e.NodeIDs, ", "))
}

// Levels computes a topological ordering grouped into levels: each level is
// the maximal set of nodes whose dependencies were all satisfied by earlier
// levels, so members of one level can run in parallel. Kahn's algorithm,
// generalized to extract whole in-degree-zero waves instead of single nodes.
// An empty graph yields an empty level list. Levels and their members are
// sorted for deterministic output.
func Levels(g *Graph) ([][]string, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	inDegree := make(map[string]int, len(g.Nodes))
	dependents := make(map[string][]string)
	for id, n := range g.Nodes {
		inDegree[id] = len(n.DependsOn)
		for _, dep := range n.DependsOn {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var levels [][]string
	scheduled := 0
	for scheduled < len(g.Nodes) {
		var wave []string
		for id, deg := range inDegree {
			if deg == 0 {
				wave = append(wave, id)
			}
		}
		if len(wave) == 0 {
			break
		}
		sort.Strings(wave)

		for _, id := range wave {
			delete(inDegree, id)
			for _, dep := range dependents[id] {
				inDegree[dep]--
			}
		}
		levels = append(levels, wave)
		scheduled += len(wave)
	}

	if scheduled != len(g.Nodes) {
		remaining := make([]string, 0, len(inDegree))
		for id := range inDegree {
			remaining = append(remaining, id)
		}
		sort.Strings(remaining)
		return nil, &CycleError{NodeIDs: remaining}
	}

	return levels, nil
}
