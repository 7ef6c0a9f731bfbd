package infer

import (
	"fmt"

	"github.com/samuelfneumann/goppl"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Provenance tracking. A site depends on a non-reparameterizable
// latent variable exactly when the latent's value node is an ancestor
// of the site's log-probability node in the expression graph, so
// dependency sets fall out of graph reachability: the graph's edges
// point from each node to its inputs, and a breadth-first walk from a
// log-probability node visits everything it was computed from.

// reachableFrom returns the IDs of every node reachable from start,
// start included.
func reachableFrom(g *G.ExprGraph, start *G.Node) map[int64]bool {
	seen := map[int64]bool{start.ID(): true}
	queue := []int64{start.ID()}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		it := g.From(id)
		for it.Next() {
			next := it.Node().ID()
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}

// nonreparamTargets maps the value-node ID of every
// non-reparameterizable latent sample site in the given traces to the
// site's name.
func nonreparamTargets(trs ...*goppl.Trace) map[int64]string {
	targets := make(map[int64]string)
	for _, tr := range trs {
		for _, site := range tr.Sites() {
			if site.Kind != goppl.KindSample || site.Observed {
				continue
			}
			if site.Dist.HasRsample() {
				continue
			}
			targets[site.Value.ID()] = site.Name
		}
	}
	return targets
}

// traceDeps computes, for every sample site of tr with a
// log-probability, the set of target latents the log-probability
// depends on. computeLogProbs must have run on tr.
func traceDeps(g *G.ExprGraph, tr *goppl.Trace,
	targets map[int64]string) map[string]map[string]bool {
	deps := make(map[string]map[string]bool)
	for _, site := range tr.Sites() {
		if site.Kind != goppl.KindSample || site.LogProb == nil {
			continue
		}

		seen := reachableFrom(g, site.LogProb)
		set := make(map[string]bool)
		for id, name := range targets {
			if seen[id] {
				set[name] = true
			}
		}
		deps[site.Name] = set
	}
	return deps
}

// shadowParams builds zero-valued stand-ins for the parameter set in a
// scratch graph, mirroring each parameter's shape. Scratch runs only
// need shapes and graph structure, never the actual parameter values.
func shadowParams(sg *G.ExprGraph, params map[string]*G.Node) (
	map[string]*G.Node, error) {
	shadow := make(map[string]*G.Node, len(params))
	for name, n := range params {
		if n.Dtype() != tensor.Float64 {
			return nil, fmt.Errorf("shadowParams: parameter %q has "+
				"unsupported dtype %v", name, n.Dtype())
		}
		if n.IsScalar() {
			shadow[name] = G.NewScalar(sg, n.Dtype(), G.WithName(name),
				G.WithValue(0.0))
		} else {
			shadow[name] = G.NewTensor(sg, n.Dtype(), n.Dims(),
				G.WithShape(n.Shape()...), G.WithName(name),
				G.WithInit(G.Zeroes()))
		}
	}
	return shadow, nil
}

// scratchDeps runs the guide and the replayed model once on a scratch
// graph with shadow parameters and key zero, and returns the
// dependency sets of each model and guide site on the
// non-reparameterizable latents, along with the largest
// log-probability rank seen. The scratch graph is discarded; only
// names and shapes leave it.
func scratchDeps(model, guide goppl.Program, params map[string]*G.Node,
	args []interface{}) (modelDeps, guideDeps map[string]map[string]bool,
	maxRank int, err error) {
	sg := G.NewGraph()
	shadow, err := shadowParams(sg, params)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("scratchDeps: %v", err)
	}

	guideProg := goppl.Substitute(goppl.Seed(guide, 0), shadow)
	guideTr, err := goppl.Run(sg, guideProg, args...)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("scratchDeps: guide: %v", err)
	}
	if err := computeLogProbs(guideTr); err != nil {
		return nil, nil, 0, fmt.Errorf("scratchDeps: guide: %v", err)
	}

	modelProg := goppl.Replay(goppl.Substitute(goppl.Seed(model, 0),
		shadow), guideTr)
	modelTr, err := goppl.Run(sg, modelProg, args...)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("scratchDeps: model: %v", err)
	}
	if err := computeLogProbs(modelTr); err != nil {
		return nil, nil, 0, fmt.Errorf("scratchDeps: model: %v", err)
	}

	targets := nonreparamTargets(guideTr, modelTr)
	modelDeps = traceDeps(sg, modelTr, targets)
	guideDeps = traceDeps(sg, guideTr, targets)

	for _, tr := range []*goppl.Trace{modelTr, guideTr} {
		for _, site := range tr.Sites() {
			if site.Kind != goppl.KindSample || site.LogProb == nil {
				continue
			}
			if rank := len(site.LogProb.Shape()); rank > maxRank {
				maxRank = rank
			}
		}
	}
	return modelDeps, guideDeps, maxRank, nil
}
