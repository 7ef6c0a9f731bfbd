package infer

import (
	"fmt"
	"sort"

	"github.com/samuelfneumann/goppl"
	G "gorgonia.org/gorgonia"
)

// TraceGraphELBO is an ELBO estimator that supports arbitrary
// dependency structure and uses that structure to reduce the variance
// of the gradient estimate. For each non-reparameterizable latent
// variable, provenance tracking finds the cost terms influenced by it;
// only those terms enter its score-function surrogate, instead of the
// whole bound.
type TraceGraphELBO struct {
	cfg config
}

// NewTraceGraphELBO returns a new TraceGraphELBO.
func NewTraceGraphELBO(opts ...Option) (*TraceGraphELBO, error) {
	cfg, err := newConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("newTraceGraphELBO: %v", err)
	}
	return &TraceGraphELBO{cfg: cfg}, nil
}

// Loss builds the negative ELBO node in g. The loss value equals the
// plain ELBO estimate at the same key; the surrogate terms contribute
// only to its gradient.
func (t *TraceGraphELBO) Loss(g *G.ExprGraph, key goppl.Key,
	params map[string]*G.Node, model, guide goppl.Program,
	args ...interface{}) (*G.Node, error) {
	fn := func(k goppl.Key) (*G.Node, error) {
		return t.particle(g, k, params, model, guide, args)
	}

	keys := key.Split(t.cfg.numParticles)
	elbos, err := t.cfg.mapParticles(fn, keys)
	if err != nil {
		return nil, fmt.Errorf("loss: %v", err)
	}
	return negMean(g, elbos)
}

// LossWithMutableState returns an error: the dependency-tracking
// objective does not support mutable state.
func (t *TraceGraphELBO) LossWithMutableState(g *G.ExprGraph,
	key goppl.Key, params map[string]*G.Node, model,
	guide goppl.Program, args ...interface{}) (*LossResult, error) {
	return nil, fmt.Errorf("lossWithMutableState: the dependency-" +
		"tracking objective does not support mutable state")
}

func (t *TraceGraphELBO) particle(g *G.ExprGraph, key goppl.Key,
	params map[string]*G.Node, model, guide goppl.Program,
	args []interface{}) (*G.Node, error) {
	mKey, gKey := key.Pair()

	guideProg := goppl.Substitute(goppl.Seed(guide, gKey), params)
	guideTr, err := goppl.Run(g, guideProg, args...)
	if err != nil {
		return nil, fmt.Errorf("particle: guide: %v", err)
	}
	if err := computeLogProbs(guideTr); err != nil {
		return nil, fmt.Errorf("particle: guide: %v", err)
	}

	modelProg := goppl.Replay(goppl.Substitute(goppl.Seed(model, mKey),
		params), guideTr)
	modelTr, err := goppl.Run(g, modelProg, args...)
	if err != nil {
		return nil, fmt.Errorf("particle: model: %v", err)
	}
	if err := computeLogProbs(modelTr); err != nil {
		return nil, fmt.Errorf("particle: model: %v", err)
	}
	if err := checkModelGuideMatch(modelTr, guideTr); err != nil {
		return nil, fmt.Errorf("particle: %v", err)
	}
	if err := validateModel(modelTr, true); err != nil {
		return nil, fmt.Errorf("particle: %v", err)
	}

	// Dependency sets of every cost term on the guide's
	// non-reparameterizable latents. Replayed model sites share the
	// guide's value nodes, so one reachability pass per site covers
	// both traces.
	targets := nonreparamTargets(guideTr)
	modelDeps := traceDeps(g, modelTr, targets)
	guideDeps := traceDeps(g, guideTr, targets)

	elbo := g.Constant(G.NewF64(0.0))
	downstream := make(map[string]*MultiFrameTensor)
	costsOf := func(name string) *MultiFrameTensor {
		mft, ok := downstream[name]
		if !ok {
			mft = NewMultiFrameTensor(g)
			downstream[name] = mft
		}
		return mft
	}

	for _, site := range modelTr.Sites() {
		if site.Kind != goppl.KindSample {
			continue
		}
		sum, err := goppl.SumAll(site.LogProb)
		if err != nil {
			return nil, fmt.Errorf("particle: site %q: %v", site.Name, err)
		}
		elbo, err = G.Add(elbo, sum)
		if err != nil {
			return nil, fmt.Errorf("particle: site %q: %v", site.Name, err)
		}

		for _, dep := range sortedNames(modelDeps[site.Name]) {
			err := costsOf(dep).Add(site.Frames, site.LogProb)
			if err != nil {
				return nil, fmt.Errorf("particle: site %q: %v", site.Name,
					err)
			}
		}
	}

	for _, site := range guideTr.Sites() {
		if site.Kind != goppl.KindSample {
			continue
		}
		sum, err := goppl.SumAll(site.LogProb)
		if err != nil {
			return nil, fmt.Errorf("particle: site %q: %v", site.Name, err)
		}
		if !site.Dist.HasRsample() {
			sum, err = goppl.Detach(sum)
			if err != nil {
				return nil, fmt.Errorf("particle: site %q: %v", site.Name,
					err)
			}
		}
		elbo, err = G.Sub(elbo, sum)
		if err != nil {
			return nil, fmt.Errorf("particle: site %q: %v", site.Name, err)
		}

		if len(guideDeps[site.Name]) == 0 {
			continue
		}
		negLP, err := G.Neg(site.LogProb)
		if err != nil {
			return nil, fmt.Errorf("particle: site %q: %v", site.Name, err)
		}
		for _, dep := range sortedNames(guideDeps[site.Name]) {
			err := costsOf(dep).Add(site.Frames, negLP)
			if err != nil {
				return nil, fmt.Errorf("particle: site %q: %v", site.Name,
					err)
			}
		}
	}

	// Score-function surrogates: each non-reparameterizable site's
	// log-probability is weighted by the detached sum of the cost
	// terms downstream of it. The surrogate cancels out of the loss
	// value and survives only in the gradient.
	names := make([]string, 0, len(downstream))
	for name := range downstream {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		guideSite := guideTr.Get(name)
		cost, err := downstream[name].SumTo(guideSite.Frames)
		if err != nil {
			return nil, fmt.Errorf("particle: site %q: %v", name, err)
		}
		cost, err = goppl.Detach(cost)
		if err != nil {
			return nil, fmt.Errorf("particle: site %q: %v", name, err)
		}

		weighted, err := goppl.BMul(guideSite.LogProb, cost)
		if err != nil {
			return nil, fmt.Errorf("particle: site %q: %v", name, err)
		}
		surrogate, err := goppl.SumAll(weighted)
		if err != nil {
			return nil, fmt.Errorf("particle: site %q: %v", name, err)
		}
		detached, err := goppl.Detach(surrogate)
		if err != nil {
			return nil, fmt.Errorf("particle: site %q: %v", name, err)
		}

		elbo, err = G.Add(elbo, surrogate)
		if err != nil {
			return nil, fmt.Errorf("particle: site %q: %v", name, err)
		}
		elbo, err = G.Sub(elbo, detached)
		if err != nil {
			return nil, fmt.Errorf("particle: site %q: %v", name, err)
		}
	}

	return elbo, nil
}

// sortedNames returns the keys of a name set in lexical order, keeping
// graph construction deterministic.
func sortedNames(set map[string]bool) []string {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
