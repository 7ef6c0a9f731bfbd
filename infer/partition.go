package infer

import "sort"

// Component is one connected component of the bipartite graph between
// cost sites and the enumerated variables their log-probabilities
// depend on. Factors holds cost-site names, Vars the enumerated
// variables that must be eliminated together with them.
type Component struct {
	Factors []string
	Vars    []string
}

// partition splits the cost sites into connected components for
// contraction: two cost sites land in the same component exactly when
// they share an enumerated variable, directly or through a chain of
// shared variables. Cost sites with no enumerated dependencies form
// singleton components. Components and their members come back in
// lexical order, so the same inputs always produce the same
// contraction plan.
func partition(modelSumDeps map[string]map[string]bool,
	sumVars map[string]bool) []Component {
	neighbors := make(map[string][]string)
	sites := make([]string, 0, len(modelSumDeps))
	for name := range modelSumDeps {
		sites = append(sites, name)
		neighbors[name] = nil
	}
	sort.Strings(sites)

	for _, name := range sites {
		for _, dep := range sortedNames(modelSumDeps[name]) {
			if !sumVars[dep] {
				continue
			}
			neighbors[name] = append(neighbors[name], dep)
			neighbors[dep] = append(neighbors[dep], name)
		}
	}

	var components []Component
	visited := make(map[string]bool)
	for _, seed := range sites {
		if visited[seed] {
			continue
		}

		component := make(map[string]bool)
		pending := []string{seed}
		for len(pending) > 0 {
			v := pending[len(pending)-1]
			pending = pending[:len(pending)-1]
			if component[v] {
				continue
			}
			component[v] = true
			visited[v] = true
			pending = append(pending, neighbors[v]...)
		}

		var factors, vars []string
		for v := range component {
			if sumVars[v] {
				vars = append(vars, v)
			} else {
				factors = append(factors, v)
			}
		}
		if len(factors) == 0 {
			continue
		}
		sort.Strings(factors)
		sort.Strings(vars)
		components = append(components, Component{
			Factors: factors,
			Vars:    vars,
		})
	}
	return components
}
