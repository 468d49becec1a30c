package model

import "fmt"

// dagNode is anything participating in an instance's dependency graph: a
// calculation node's name and the names of the inputs or other nodes it
// reads. Generalises graph.ValidateDAG/GetExecutionOrder's scheduled-action
// dependency model (there: Requires []string over actions) to model
// calculation nodes (here: DependsOn() over input/node names).
type dagNode interface {
	Name() string
	DependsOn() []string
}

// compileDAG validates acyclicity and returns nodes in topological order
// (§4.9 steps 1-3). Names absent from the node set are treated as leaf
// references — channel or instance inputs — rather than graph members.
func compileDAG(nodes []dagNode) ([]dagNode, error) {
	byName := make(map[string]dagNode, len(nodes))
	for _, n := range nodes {
		if _, dup := byName[n.Name()]; dup {
			return nil, fmt.Errorf("model: duplicate calculation node name %q", n.Name())
		}
		byName[n.Name()] = n
	}

	if err := detectCycle(nodes, byName); err != nil {
		return nil, err
	}
	return topoOrder(nodes, byName)
}

// detectCycle runs a depth-first search with a recursion stack, the same
// white/gray/black shape graph.checkCycleRecursive uses, reporting the
// offending cycle's path per §4.9 step 2.
func detectCycle(nodes []dagNode, byName map[string]dagNode) error {
	visited := make(map[string]bool)
	stack := make(map[string]bool)

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		visited[name] = true
		stack[name] = true
		path = append(path, name)

		n, ok := byName[name]
		if ok {
			for _, dep := range n.DependsOn() {
				if _, isNode := byName[dep]; !isNode {
					continue // leaf input reference, not a graph edge
				}
				if !visited[dep] {
					if err := visit(dep, path); err != nil {
						return err
					}
				} else if stack[dep] {
					return fmt.Errorf("model: circular dependency detected: %s -> %s", joinPath(path), dep)
				}
			}
		}

		stack[name] = false
		return nil
	}

	for _, n := range nodes {
		if !visited[n.Name()] {
			if err := visit(n.Name(), nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// topoOrder implements Kahn's algorithm: build the adjacency list and
// in-degree map, seed the queue with zero-in-degree nodes, then repeatedly
// dequeue and decrement dependents' in-degree until the queue drains.
func topoOrder(nodes []dagNode, byName map[string]dagNode) ([]dagNode, error) {
	adjacency := make(map[string][]string)
	inDegree := make(map[string]int, len(nodes))
	for _, n := range nodes {
		inDegree[n.Name()] = 0
	}
	for _, n := range nodes {
		for _, dep := range n.DependsOn() {
			if _, isNode := byName[dep]; !isNode {
				continue
			}
			adjacency[dep] = append(adjacency[dep], n.Name())
			inDegree[n.Name()]++
		}
	}

	var queue []string
	for _, n := range nodes {
		if inDegree[n.Name()] == 0 {
			queue = append(queue, n.Name())
		}
	}

	result := make([]dagNode, 0, len(nodes))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		result = append(result, byName[name])

		for _, dependent := range adjacency[name] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(result) != len(nodes) {
		return nil, fmt.Errorf("model: circular dependency detected in calculation graph")
	}
	return result, nil
}

// affectedClosure walks the topologically-ordered node list once and
// returns the subset transitively reachable from changedNames, each node
// appearing at most once and in dependency order (§4.9 "each node runs at
// most once per recompute batch").
func affectedClosure(changedNames map[string]bool, order []dagNode) []dagNode {
	dirty := make(map[string]bool, len(changedNames))
	for name := range changedNames {
		dirty[name] = true
	}

	var out []dagNode
	for _, n := range order {
		affected := false
		for _, dep := range n.DependsOn() {
			if dirty[dep] {
				affected = true
				break
			}
		}
		if affected {
			dirty[n.Name()] = true
			out = append(out, n)
		}
	}
	return out
}

func joinPath(path []string) string {
	out := ""
	for i, p := range path {
		if i > 0 {
			out += " -> "
		}
		out += p
	}
	return out
}
