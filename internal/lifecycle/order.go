package lifecycle

import (
	"errors"
	"sort"

	"github.com/stackpilot/stackpilot/internal/spec"
)

// graph orders services by their dependency edges so lifecycle operations
// run database-first and proxy-last without hardcoding names.
type graph struct {
	nodes map[string]spec.ServiceSpec
	edges map[string][]string // dependency -> dependents
	inDeg map[string]int
}

func buildGraph(stack spec.Stack) *graph {
	g := &graph{nodes: map[string]spec.ServiceSpec{}, edges: map[string][]string{}, inDeg: map[string]int{}}
	for _, s := range stack.Services {
		g.nodes[s.Name] = s
		if _, ok := g.inDeg[s.Name]; !ok {
			g.inDeg[s.Name] = 0
		}
	}
	for _, s := range stack.Services {
		for _, dep := range s.Deps {
			g.edges[dep] = append(g.edges[dep], s.Name)
			g.inDeg[s.Name]++
		}
	}
	return g
}

// layers returns ordered groups where each group only depends on earlier
// groups. Within a group, names are sorted for deterministic output.
func (g *graph) layers() ([][]string, error) {
	in := make(map[string]int, len(g.inDeg))
	for k, v := range g.inDeg {
		in[k] = v
	}
	var q []string
	for n, d := range in {
		if d == 0 {
			q = append(q, n)
		}
	}
	var out [][]string
	visited := 0
	for len(q) > 0 {
		sort.Strings(q)
		layer := append([]string{}, q...)
		out = append(out, layer)
		q = q[:0]
		for _, u := range layer {
			visited++
			for _, v := range g.edges[u] {
				in[v]--
				if in[v] == 0 {
					q = append(q, v)
				}
			}
		}
	}
	if visited != len(g.nodes) {
		return nil, errors.New("cycle detected in service dependencies")
	}
	return out, nil
}

// StartOrder returns service names in safe start order.
func StartOrder(stack spec.Stack) ([]string, error) {
	layers, err := buildGraph(stack).layers()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, l := range layers {
		out = append(out, l...)
	}
	return out, nil
}

// StopOrder is the reverse of StartOrder.
func StopOrder(stack spec.Stack) ([]string, error) {
	order, err := StartOrder(stack)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order, nil
}
