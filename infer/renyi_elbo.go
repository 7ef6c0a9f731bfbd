package infer

import (
	"fmt"

	"github.com/samuelfneumann/goppl"
	G "gorgonia.org/gorgonia"
)

// RenyiELBO implements Rényi α-divergence variational inference. For
// the objective to be a strict lower bound the order α must be
// non-negative; α = 0 recovers the importance-weighted autoencoder
// objective. The order must not equal 1, where the bound degenerates
// to the ordinary ELBO.
//
// When the model and guide share plates enclosing every sample site,
// the bound is computed separately across those independent plate
// dimensions and then summed, which tightens the estimate. Subsampling
// is only supported in such common plates.
type RenyiELBO struct {
	alpha float64
	cfg   config
}

// NewRenyiELBO returns a new RenyiELBO of the given order. The default
// particle count is 2; a single particle would make the importance
// weights degenerate.
func NewRenyiELBO(alpha float64, opts ...Option) (*RenyiELBO, error) {
	if alpha == 1 {
		return nil, fmt.Errorf("newRenyiELBO: order α must not equal 1; " +
			"use TraceELBO for the case α = 1")
	}

	cfg := defaultConfig()
	cfg.numParticles = 2
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("newRenyiELBO: %v", err)
		}
	}
	if cfg.multiSample {
		return nil, fmt.Errorf("newRenyiELBO: the Rényi objective does " +
			"not support a multi-sample guide")
	}
	if !cfg.sumSites {
		return nil, fmt.Errorf("newRenyiELBO: the Rényi objective does " +
			"not report per-site losses")
	}
	return &RenyiELBO{alpha: alpha, cfg: cfg}, nil
}

// Loss builds the negated Rényi bound in g.
func (r *RenyiELBO) Loss(g *G.ExprGraph, key goppl.Key,
	params map[string]*G.Node, model, guide goppl.Program,
	args ...interface{}) (*G.Node, error) {
	numParticles := r.cfg.numParticles
	keys := key.Split(numParticles)

	var commonScale float64
	first := true
	fn := func(k goppl.Key) (*G.Node, error) {
		elbo, scale, err := r.particle(g, k, params, model, guide, args)
		if err != nil {
			return nil, err
		}
		if first {
			commonScale = scale
			first = false
		} else if scale != commonScale {
			return nil, fmt.Errorf("expected a common plate scale "+
				"across particles but got %v and %v", commonScale, scale)
		}
		return elbo, nil
	}

	elbos, err := r.cfg.mapParticles(fn, keys)
	if err != nil {
		return nil, fmt.Errorf("loss: %v", err)
	}

	stacked, err := goppl.Stack(elbos)
	if err != nil {
		return nil, fmt.Errorf("loss: %v", err)
	}

	oneMinusAlpha := g.Constant(G.NewF64(1.0 - r.alpha))
	scaled, err := G.HadamardProd(stacked, oneMinusAlpha)
	if err != nil {
		return nil, fmt.Errorf("loss: %v", err)
	}

	avg, err := goppl.LogSumExp(scaled, 0)
	if err != nil {
		return nil, fmt.Errorf("loss: %v", err)
	}
	avg, err = G.Sub(avg, goppl.LogFull(g, numParticles))
	if err != nil {
		return nil, fmt.Errorf("loss: %v", err)
	}

	// Importance weights, detached so only the weighted average of
	// the raw bounds carries gradient.
	logWeights, err := goppl.BSub(scaled, avg)
	if err != nil {
		return nil, fmt.Errorf("loss: %v", err)
	}
	weights, err := G.Exp(logWeights)
	if err != nil {
		return nil, fmt.Errorf("loss: %v", err)
	}
	weights, err = goppl.Detach(weights)
	if err != nil {
		return nil, fmt.Errorf("loss: %v", err)
	}

	renyi, err := G.HadamardDiv(avg, oneMinusAlpha)
	if err != nil {
		return nil, fmt.Errorf("loss: %v", err)
	}

	weighted, err := G.HadamardProd(weights, stacked)
	if err != nil {
		return nil, fmt.Errorf("loss: %v", err)
	}
	weighted, err = G.Sum(weighted, 0)
	if err != nil {
		return nil, fmt.Errorf("loss: %v", err)
	}
	weighted, err = G.HadamardDiv(weighted, g.Constant(G.NewF64(
		float64(numParticles))))
	if err != nil {
		return nil, fmt.Errorf("loss: %v", err)
	}

	// loss = -(detach(renyi - weighted) + weighted): the loss VALUE is
	// the negated Rényi bound, while the gradient flows through the
	// weighted average of the raw bounds.
	diff, err := G.Sub(renyi, weighted)
	if err != nil {
		return nil, fmt.Errorf("loss: %v", err)
	}
	diff, err = goppl.Detach(diff)
	if err != nil {
		return nil, fmt.Errorf("loss: %v", err)
	}
	loss, err := G.Add(diff, weighted)
	if err != nil {
		return nil, fmt.Errorf("loss: %v", err)
	}
	loss, err = G.Neg(loss)
	if err != nil {
		return nil, fmt.Errorf("loss: %v", err)
	}

	loss, err = goppl.SumAll(loss)
	if err != nil {
		return nil, fmt.Errorf("loss: %v", err)
	}
	return scaleNode(g, loss, commonScale)
}

// LossWithMutableState returns an error: the Rényi objective does not
// support mutable state.
func (r *RenyiELBO) LossWithMutableState(g *G.ExprGraph, key goppl.Key,
	params map[string]*G.Node, model, guide goppl.Program,
	args ...interface{}) (*LossResult, error) {
	return nil, fmt.Errorf("lossWithMutableState: the Rényi objective " +
		"does not support mutable state")
}

// particle builds a single importance-weighted bound, keeping the
// independent plate dimensions unreduced, and returns it with the
// subsampling scale it removed from those dimensions.
func (r *RenyiELBO) particle(g *G.ExprGraph, key goppl.Key,
	params map[string]*G.Node, model, guide goppl.Program,
	args []interface{}) (*G.Node, float64, error) {
	mKey, gKey := key.Pair()

	guideProg := goppl.Substitute(goppl.Seed(guide, gKey), params)
	guideTr, err := goppl.Run(g, guideProg, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("particle: guide: %v", err)
	}
	if err := computeLogProbs(guideTr); err != nil {
		return nil, 0, fmt.Errorf("particle: guide: %v", err)
	}

	modelProg := goppl.Replay(goppl.Substitute(goppl.Seed(model, mKey),
		params), guideTr)
	modelTr, err := goppl.Run(g, modelProg, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("particle: model: %v", err)
	}
	if err := computeLogProbs(modelTr); err != nil {
		return nil, 0, fmt.Errorf("particle: model: %v", err)
	}
	if err := checkModelGuideMatch(modelTr, guideTr); err != nil {
		return nil, 0, fmt.Errorf("particle: %v", err)
	}
	if err := validateModel(modelTr, false); err != nil {
		return nil, 0, fmt.Errorf("particle: %v", err)
	}

	indep, err := independentPlates(modelTr)
	if err != nil {
		return nil, 0, fmt.Errorf("particle: %v", err)
	}

	indepScale := 1.0
	indepDims := make(map[int]bool, len(indep))
	for _, f := range indep {
		indepScale *= f.Scale()
		indepDims[f.Dim] = true
	}

	var elbo *G.Node
	for _, tr := range []*goppl.Trace{modelTr, guideTr} {
		sign := 1.0
		if tr == guideTr {
			sign = -1.0
		}
		for _, site := range tr.Sites() {
			if site.Kind != goppl.KindSample {
				continue
			}
			lp, err := sumExceptDims(site.LogProb, indepDims)
			if err != nil {
				return nil, 0, fmt.Errorf("particle: site %q: %v",
					site.Name, err)
			}
			lp, err = scaleNode(g, lp, sign)
			if err != nil {
				return nil, 0, fmt.Errorf("particle: site %q: %v",
					site.Name, err)
			}
			if elbo == nil {
				elbo = lp
				continue
			}
			elbo, err = goppl.BAdd(elbo, lp)
			if err != nil {
				return nil, 0, fmt.Errorf("particle: site %q: %v",
					site.Name, err)
			}
		}
	}
	if elbo == nil {
		elbo = g.Constant(G.NewF64(0.0))
	}

	// The independent plate dimensions are scaled to approximate the
	// full-size log-probabilities. Strip that scale here so the bound
	// is computed per element; it is reapplied after the final sum.
	elbo, err = scaleNode(g, elbo, 1.0/indepScale)
	if err != nil {
		return nil, 0, fmt.Errorf("particle: %v", err)
	}
	return elbo, indepScale, nil
}

// independentPlates returns the plates common to every sample site of
// the trace. Plates outside this set must not subsample.
func independentPlates(tr *goppl.Trace) ([]goppl.Frame, error) {
	var common map[string]goppl.Frame
	all := make(map[string]goppl.Frame)
	for _, site := range tr.Sites() {
		if site.Kind != goppl.KindSample {
			continue
		}

		frames := make(map[string]goppl.Frame, len(site.Frames))
		for _, f := range site.Frames {
			frames[f.Name] = f
			all[f.Name] = f
		}
		if common == nil {
			common = frames
			continue
		}
		for name := range common {
			if _, ok := frames[name]; !ok {
				delete(common, name)
			}
		}
	}

	for name, f := range all {
		if _, ok := common[name]; ok {
			continue
		}
		if f.Size > f.Subsample {
			return nil, fmt.Errorf("independentPlates: subsampling is "+
				"only supported in plates common to all sample sites, "+
				"but plate %q subsamples", name)
		}
	}

	out := make([]goppl.Frame, 0, len(common))
	for _, f := range common {
		out = append(out, f)
	}
	return out, nil
}

// sumExceptDims sums every axis of x except the given right-aligned
// dimensions, which keep their positions; the summed axes are dropped.
func sumExceptDims(x *G.Node, keep map[int]bool) (*G.Node, error) {
	rank := len(x.Shape())
	var dropped []int
	var err error
	for axis := 0; axis < rank; axis++ {
		if keep[axis-rank] {
			continue
		}
		x, err = goppl.SumKeepDims(x, axis)
		if err != nil {
			return nil, fmt.Errorf("sumExceptDims: axis %d: %v", axis, err)
		}
		dropped = append(dropped, axis)
	}
	if len(dropped) == 0 || len(dropped) == rank {
		if len(dropped) == rank {
			return goppl.SumAll(x)
		}
		return x, nil
	}
	return goppl.DropDims(x, dropped...)
}
