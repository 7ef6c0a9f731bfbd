package infer

import (
	"fmt"
	"sort"

	"github.com/samuelfneumann/goppl"
	G "gorgonia.org/gorgonia"
)

// TraceELBO is the plain evidence-lower-bound estimator. Each particle
// runs the guide, replays the model against the guide's latent values,
// and scores log p(x, z) - log q(z). There are no restrictions on the
// dependency structure of the model or the guide, but only
// reparameterized latent variables receive useful gradients.
type TraceELBO struct {
	cfg config
}

// NewTraceELBO returns a new TraceELBO.
func NewTraceELBO(opts ...Option) (*TraceELBO, error) {
	cfg, err := newConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("newTraceELBO: %v", err)
	}
	return &TraceELBO{cfg: cfg}, nil
}

// Loss builds the negative ELBO node in g.
func (t *TraceELBO) Loss(g *G.ExprGraph, key goppl.Key,
	params map[string]*G.Node, model, guide goppl.Program,
	args ...interface{}) (*G.Node, error) {
	res, err := t.LossWithMutableState(g, key, params, model, guide,
		args...)
	if err != nil {
		return nil, err
	}
	return res.Loss, nil
}

// LossWithMutableState builds the negative ELBO node in g and collects
// the values of mutable sites. Mutable state is only surfaced when the
// estimator uses a single particle.
func (t *TraceELBO) LossWithMutableState(g *G.ExprGraph, key goppl.Key,
	params map[string]*G.Node, model, guide goppl.Program,
	args ...interface{}) (*LossResult, error) {
	siteTotals := make(map[string]*G.Node)
	var mutables map[string]*G.Node

	fn := func(k goppl.Key) (*G.Node, error) {
		siteElbos, m, err := t.particle(g, k, params, model, guide, args)
		if err != nil {
			return nil, err
		}
		if m != nil {
			mutables = m
		}
		return accumulateSites(g, siteElbos, siteTotals)
	}

	keys := key.Split(t.cfg.numParticles)
	elbos, err := t.cfg.mapParticles(fn, keys)
	if err != nil {
		return nil, fmt.Errorf("loss: %v", err)
	}

	loss, err := negMean(g, elbos)
	if err != nil {
		return nil, fmt.Errorf("loss: %v", err)
	}

	res := &LossResult{Loss: loss}
	if !t.cfg.sumSites {
		res.SiteLosses = make(map[string]*G.Node, len(siteTotals))
		for name, total := range siteTotals {
			siteLoss, err := negMeanAccum(g, total, t.cfg.numParticles)
			if err != nil {
				return nil, fmt.Errorf("loss: site %q: %v", name, err)
			}
			res.SiteLosses[name] = siteLoss
		}
	}
	if mutables != nil {
		if t.cfg.numParticles == 1 {
			res.MutableState = mutables
		} else {
			Warnf("loss: mutable state is ignored when using more than " +
				"one particle")
		}
	}
	return res, nil
}

// particle builds one particle's per-site ELBO contributions:
// log p - log q summed to a scalar for every sample site of the model
// and guide.
func (t *TraceELBO) particle(g *G.ExprGraph, key goppl.Key,
	params map[string]*G.Node, model, guide goppl.Program,
	args []interface{}) (map[string]*G.Node, map[string]*G.Node, error) {
	mKey, gKey := key.Pair()

	guideProg := goppl.Substitute(goppl.Seed(guide, gKey), params)
	guideTr, err := goppl.Run(g, guideProg, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("particle: guide: %v", err)
	}
	if err := computeLogProbs(guideTr); err != nil {
		return nil, nil, fmt.Errorf("particle: guide: %v", err)
	}
	guideSums, err := siteLogProbSums(guideTr)
	if err != nil {
		return nil, nil, fmt.Errorf("particle: guide: %v", err)
	}

	// The model sees the guide's mutable state alongside the params.
	mutables := mutableValues(guideTr)
	data := params
	if len(mutables) > 0 {
		data = make(map[string]*G.Node, len(params)+len(mutables))
		for name, v := range params {
			data[name] = v
		}
		for name, v := range mutables {
			data[name] = v
		}
	}

	var modelSums map[string]*G.Node
	if t.cfg.multiSample {
		modelSums, err = t.multiSampleModelSums(g, mKey, data, model,
			guideTr, args)
		if err != nil {
			return nil, nil, err
		}
	} else {
		modelProg := goppl.Replay(goppl.Substitute(goppl.Seed(model, mKey),
			data), guideTr)
		modelTr, err := goppl.Run(g, modelProg, args...)
		if err != nil {
			return nil, nil, fmt.Errorf("particle: model: %v", err)
		}
		if err := computeLogProbs(modelTr); err != nil {
			return nil, nil, fmt.Errorf("particle: model: %v", err)
		}
		if err := checkModelGuideMatch(modelTr, guideTr); err != nil {
			return nil, nil, fmt.Errorf("particle: %v", err)
		}
		if err := validateModel(modelTr, false); err != nil {
			return nil, nil, fmt.Errorf("particle: %v", err)
		}

		modelSums, err = siteLogProbSums(modelTr)
		if err != nil {
			return nil, nil, fmt.Errorf("particle: model: %v", err)
		}
		mutables = mutableValues(guideTr, modelTr)
	}

	siteElbos, err := subtractSums(modelSums, guideSums)
	if err != nil {
		return nil, nil, fmt.Errorf("particle: %v", err)
	}
	if len(mutables) == 0 {
		mutables = nil
	}
	return siteElbos, mutables, nil
}

// multiSampleModelSums handles a guide that proposes several samples
// at once on a leading axis: the model is run once per proposed
// sample, substituting the corresponding slice of every latent, and
// each site's log-probabilities are summed across the runs.
func (t *TraceELBO) multiSampleModelSums(g *G.ExprGraph, mKey goppl.Key,
	data map[string]*G.Node, model goppl.Program, guideTr *goppl.Trace,
	args []interface{}) (map[string]*G.Node, error) {
	numSamples := -1
	latents := make(map[string]*G.Node)
	for _, site := range guideTr.Sites() {
		if site.Kind != goppl.KindSample || site.Observed {
			continue
		}
		if numSamples < 0 {
			numSamples = site.Value.Shape()[0]
		}
		latents[site.Name] = site.Value
	}
	if numSamples < 0 {
		return nil, fmt.Errorf("multiSampleModelSums: guide has no " +
			"sample sites")
	}

	modelSums := make(map[string]*G.Node)
	seeds := mKey.Split(numSamples)
	for s := 0; s < numSamples; s++ {
		sampleData := make(map[string]*G.Node, len(data)+len(latents))
		for name, v := range data {
			sampleData[name] = v
		}
		for name, v := range latents {
			sl, err := G.Slice(v, G.S(s))
			if err != nil {
				return nil, fmt.Errorf("multiSampleModelSums: could not "+
					"slice sample %d of site %q: %v", s, name, err)
			}
			sampleData[name] = sl
		}

		modelProg := goppl.Substitute(goppl.Seed(model, seeds[s]),
			sampleData)
		modelTr, err := goppl.Run(g, modelProg, args...)
		if err != nil {
			return nil, fmt.Errorf("multiSampleModelSums: sample %d: %v",
				s, err)
		}
		if err := computeLogProbs(modelTr); err != nil {
			return nil, fmt.Errorf("multiSampleModelSums: sample %d: %v",
				s, err)
		}
		if err := validateModel(modelTr, false); err != nil {
			return nil, fmt.Errorf("multiSampleModelSums: sample %d: %v",
				s, err)
		}

		sums, err := siteLogProbSums(modelTr)
		if err != nil {
			return nil, fmt.Errorf("multiSampleModelSums: sample %d: %v",
				s, err)
		}
		for name, sum := range sums {
			if prev, ok := modelSums[name]; ok {
				modelSums[name], err = G.Add(prev, sum)
				if err != nil {
					return nil, fmt.Errorf("multiSampleModelSums: site "+
						"%q: %v", name, err)
				}
			} else {
				modelSums[name] = sum
			}
		}
	}
	return modelSums, nil
}

// subtractSums forms the per-site difference of model and guide
// log-probability sums over the union of their site names.
func subtractSums(modelSums, guideSums map[string]*G.Node) (
	map[string]*G.Node, error) {
	out := make(map[string]*G.Node, len(modelSums))
	for name, m := range modelSums {
		if q, ok := guideSums[name]; ok {
			diff, err := G.Sub(m, q)
			if err != nil {
				return nil, fmt.Errorf("subtractSums: site %q: %v", name,
					err)
			}
			out[name] = diff
		} else {
			out[name] = m
		}
	}
	for name, q := range guideSums {
		if _, ok := modelSums[name]; ok {
			continue
		}
		neg, err := G.Neg(q)
		if err != nil {
			return nil, fmt.Errorf("subtractSums: site %q: %v", name, err)
		}
		out[name] = neg
	}
	return out, nil
}

// accumulateSites adds the particle's per-site contributions into the
// running totals and returns the particle's total, in deterministic
// site order.
func accumulateSites(g *G.ExprGraph, siteElbos,
	totals map[string]*G.Node) (*G.Node, error) {
	names := make([]string, 0, len(siteElbos))
	for name := range siteElbos {
		names = append(names, name)
	}
	sort.Strings(names)

	var total *G.Node
	var err error
	for _, name := range names {
		e := siteElbos[name]
		if prev, ok := totals[name]; ok {
			totals[name], err = G.Add(prev, e)
			if err != nil {
				return nil, fmt.Errorf("accumulateSites: site %q: %v",
					name, err)
			}
		} else {
			totals[name] = e
		}

		if total == nil {
			total = e
			continue
		}
		total, err = G.Add(total, e)
		if err != nil {
			return nil, fmt.Errorf("accumulateSites: site %q: %v", name,
				err)
		}
	}
	if total == nil {
		total = g.Constant(G.NewF64(0.0))
	}
	return total, nil
}

// negMeanAccum negates an accumulated total and divides by the
// particle count.
func negMeanAccum(g *G.ExprGraph, total *G.Node, n int) (*G.Node, error) {
	if n > 1 {
		var err error
		total, err = G.HadamardDiv(total, g.Constant(G.NewF64(
			float64(n))))
		if err != nil {
			return nil, err
		}
	}
	return G.Neg(total)
}
