// Package dag resolves start ordering over a set of named processes with
// declared dependencies: DFS cycle detection and a stable topological
// order. The test run orchestrator feeds it the backend/frontend/tests
// triple; it is the package's only caller.
package dag

import (
	"fmt"
	"sort"
)

// Node is one process in the graph.
type Node struct {
	Name         string
	Dependencies []string
}

// Graph is a validated dependency graph.
type Graph struct {
	nodes map[string]*Node
}

// New builds a graph and validates that every dependency names a known
// node.
func New(nodes []Node) (*Graph, error) {
	g := &Graph{nodes: make(map[string]*Node, len(nodes))}
	for i := range nodes {
		n := nodes[i]
		if n.Name == "" {
			return nil, fmt.Errorf("dependency graph node with empty name")
		}
		if _, dup := g.nodes[n.Name]; dup {
			return nil, fmt.Errorf("duplicate node %q", n.Name)
		}
		g.nodes[n.Name] = &n
	}
	for name, node := range g.nodes {
		for _, dep := range node.Dependencies {
			if _, ok := g.nodes[dep]; !ok {
				return nil, fmt.Errorf("node %q depends on unknown node %q", name, dep)
			}
		}
	}
	return g, nil
}

// Order returns names in start order: dependencies before dependents,
// alphabetical among peers so the order is deterministic. Returns an error
// describing the cycle if one exists.
func (g *Graph) Order() ([]string, error) {
	names := make([]string, 0, len(g.nodes))
	for name := range g.nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	const (
		unvisited = iota
		inStack
		done
	)
	state := make(map[string]int, len(g.nodes))
	order := make([]string, 0, len(g.nodes))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case done:
			return nil
		case inStack:
			return fmt.Errorf("dependency cycle through %q (path %v)", name, append(path, name))
		}
		state[name] = inStack

		deps := append([]string(nil), g.nodes[name].Dependencies...)
		sort.Strings(deps)
		for _, dep := range deps {
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}

		state[name] = done
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if err := visit(name, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Dependents returns the names that transitively depend on name — the set
// that must stop before name does.
func (g *Graph) Dependents(name string) []string {
	out := make([]string, 0)
	seen := map[string]bool{}
	var walk func(target string)
	walk = func(target string) {
		for n, node := range g.nodes {
			if seen[n] {
				continue
			}
			for _, dep := range node.Dependencies {
				if dep == target {
					seen[n] = true
					out = append(out, n)
					walk(n)
					break
				}
			}
		}
	}
	walk(name)
	sort.Strings(out)
	return out
}
