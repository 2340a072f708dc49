// dependency_graph.go: Directed graph of plugin dependencies
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"sort"
	"sync"
)

// DependencyGraph keeps dependency and dependent edges between plugins and
// computes load orders.
//
// Example usage:
//
//	graph := NewDependencyGraph()
//	graph.AddPlugin("auth", "1.0.0", []string{"logging", "config"})
//	graph.AddPlugin("api", "2.1.0", []string{"auth"})
//	order, err := graph.CalculateLoadOrder()
type DependencyGraph struct {
	mu    sync.RWMutex
	nodes map[string]*DependencyNode
}

// DependencyNode is one plugin in the graph. Nodes referenced only as a
// dependency have Declared set to false.
type DependencyNode struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Dependencies []string `json:"dependencies"`
	Dependents   []string `json:"dependents"`
	Declared     bool     `json:"declared"`
}

// NewDependencyGraph creates an empty graph.
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{nodes: make(map[string]*DependencyNode)}
}

func (dg *DependencyGraph) nodeLocked(name string) *DependencyNode {
	node, ok := dg.nodes[name]
	if !ok {
		node = &DependencyNode{Name: name}
		dg.nodes[name] = node
	}
	return node
}

// AddPlugin declares name with its dependencies, replacing any previous
// declaration and its edges.
func (dg *DependencyGraph) AddPlugin(name, version string, dependencies []string) error {
	if name == "" {
		return NewInvalidArgumentError("name", "plugin name is required")
	}
	deps := uniqueNames(dependencies)
	for _, dep := range deps {
		if dep == name {
			return NewDependencyCycleError([]string{name})
		}
	}

	dg.mu.Lock()
	defer dg.mu.Unlock()

	node := dg.nodeLocked(name)
	for _, old := range node.Dependencies {
		if depNode, ok := dg.nodes[old]; ok {
			depNode.Dependents = removeName(depNode.Dependents, name)
		}
	}

	node.Version = version
	node.Dependencies = deps
	node.Declared = true

	for _, dep := range deps {
		depNode := dg.nodeLocked(dep)
		if !containsName(depNode.Dependents, name) {
			depNode.Dependents = append(depNode.Dependents, name)
		}
	}
	return nil
}

// RemovePlugin drops the declaration of name. The node survives as an
// undeclared placeholder while other plugins still depend on it.
func (dg *DependencyGraph) RemovePlugin(name string) {
	dg.mu.Lock()
	defer dg.mu.Unlock()

	node, ok := dg.nodes[name]
	if !ok {
		return
	}
	for _, dep := range node.Dependencies {
		if depNode, ok := dg.nodes[dep]; ok {
			depNode.Dependents = removeName(depNode.Dependents, name)
			if !depNode.Declared && len(depNode.Dependents) == 0 {
				delete(dg.nodes, dep)
			}
		}
	}

	if len(node.Dependents) > 0 {
		node.Declared = false
		node.Version = ""
		node.Dependencies = nil
		return
	}
	delete(dg.nodes, name)
}

// Has reports whether name is declared.
func (dg *DependencyGraph) Has(name string) bool {
	dg.mu.RLock()
	defer dg.mu.RUnlock()

	node, ok := dg.nodes[name]
	return ok && node.Declared
}

// Node returns a copy of the node for name.
func (dg *DependencyGraph) Node(name string) (DependencyNode, bool) {
	dg.mu.RLock()
	defer dg.mu.RUnlock()

	node, ok := dg.nodes[name]
	if !ok {
		return DependencyNode{}, false
	}
	out := *node
	out.Dependencies = cloneStrings(node.Dependencies)
	out.Dependents = cloneStrings(node.Dependents)
	return out, true
}

// Dependencies returns the direct dependencies of name.
func (dg *DependencyGraph) Dependencies(name string) []string {
	dg.mu.RLock()
	defer dg.mu.RUnlock()

	if node, ok := dg.nodes[name]; ok {
		return cloneStrings(node.Dependencies)
	}
	return nil
}

// Dependents returns the sorted direct dependents of name.
func (dg *DependencyGraph) Dependents(name string) []string {
	dg.mu.RLock()
	defer dg.mu.RUnlock()

	if node, ok := dg.nodes[name]; ok {
		out := cloneStrings(node.Dependents)
		sort.Strings(out)
		return out
	}
	return nil
}

// TransitiveDependents walks dependents breadth first up to maxDepth levels
// (zero or less means unbounded). The result is ordered by depth, then name.
func (dg *DependencyGraph) TransitiveDependents(name string, maxDepth int) []string {
	dg.mu.RLock()
	defer dg.mu.RUnlock()

	visited := map[string]bool{name: true}
	var out []string
	frontier := []string{name}
	for depth := 1; len(frontier) > 0 && (maxDepth <= 0 || depth <= maxDepth); depth++ {
		var next []string
		for _, current := range frontier {
			node, ok := dg.nodes[current]
			if !ok {
				continue
			}
			for _, dependent := range node.Dependents {
				if !visited[dependent] {
					visited[dependent] = true
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		out = append(out, next...)
		frontier = next
	}
	return out
}

// Names returns the sorted names of declared plugins.
func (dg *DependencyGraph) Names() []string {
	dg.mu.RLock()
	defer dg.mu.RUnlock()

	names := make([]string, 0, len(dg.nodes))
	for name, node := range dg.nodes {
		if node.Declared {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Copy returns an independent copy of the graph.
func (dg *DependencyGraph) Copy() *DependencyGraph {
	dg.mu.RLock()
	defer dg.mu.RUnlock()

	out := NewDependencyGraph()
	for name, node := range dg.nodes {
		copied := *node
		copied.Dependencies = cloneStrings(node.Dependencies)
		copied.Dependents = cloneStrings(node.Dependents)
		out.nodes[name] = &copied
	}
	return out
}

// CalculateLoadOrder sorts every node so that dependencies come before their
// dependents, using Kahn's algorithm with alphabetical tie breaking.
func (dg *DependencyGraph) CalculateLoadOrder() ([]string, error) {
	dg.mu.RLock()
	defer dg.mu.RUnlock()

	all := make([]string, 0, len(dg.nodes))
	for name := range dg.nodes {
		all = append(all, name)
	}
	return dg.loadOrderLocked(all)
}

// LoadOrderFor sorts names and their transitive dependencies.
func (dg *DependencyGraph) LoadOrderFor(names []string) ([]string, error) {
	dg.mu.RLock()
	defer dg.mu.RUnlock()

	seen := make(map[string]bool)
	var stack []string
	stack = append(stack, names...)
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[current] {
			continue
		}
		seen[current] = true
		if node, ok := dg.nodes[current]; ok {
			stack = append(stack, node.Dependencies...)
		}
	}

	subset := make([]string, 0, len(seen))
	for name := range seen {
		subset = append(subset, name)
	}
	return dg.loadOrderLocked(subset)
}

func (dg *DependencyGraph) loadOrderLocked(subset []string) ([]string, error) {
	in := make(map[string]bool, len(subset))
	for _, name := range subset {
		in[name] = true
	}

	inDegree := make(map[string]int, len(subset))
	for _, name := range subset {
		inDegree[name] = 0
		if node, ok := dg.nodes[name]; ok {
			for _, dep := range node.Dependencies {
				if in[dep] {
					inDegree[name]++
				}
			}
		}
	}

	var queue []string
	for name, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(subset))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		order = append(order, current)

		node, ok := dg.nodes[current]
		if !ok {
			continue
		}
		var ready []string
		for _, dependent := range node.Dependents {
			if !in[dependent] {
				continue
			}
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
		sort.Strings(ready)
		queue = append(queue, ready...)
	}

	if len(order) != len(subset) {
		var cyclic []string
		for name, degree := range inDegree {
			if degree > 0 {
				cyclic = append(cyclic, name)
			}
		}
		sort.Strings(cyclic)
		return nil, NewDependencyCycleError(cyclic)
	}
	return order, nil
}

func removeName(names []string, name string) []string {
	out := names[:0]
	for _, n := range names {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}
