package infer

import (
	"errors"
	"fmt"

	"github.com/samuelfneumann/goppl"
	"github.com/samuelfneumann/goppl/distribution"
	G "gorgonia.org/gorgonia"
)

// TraceMeanFieldELBO is an ELBO estimator that uses analytic KL
// divergences where a closed form exists for a latent site's guide and
// model distributions, falling back to the sampled log-probability
// difference elsewhere.
//
// The estimator is exact only under the mean-field condition: for
// every latent variable in the guide, its parents in the model must
// not include latent variables that are descendants of it in the
// guide. The condition holds whenever the model and guide share a
// dependency structure. The estimator cannot verify the condition; it
// only warns when the shared sites occur in different orders, which is
// a common symptom of violating it.
type TraceMeanFieldELBO struct {
	cfg config
}

// NewTraceMeanFieldELBO returns a new TraceMeanFieldELBO.
func NewTraceMeanFieldELBO(opts ...Option) (*TraceMeanFieldELBO, error) {
	cfg, err := newConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("newTraceMeanFieldELBO: %v", err)
	}
	return &TraceMeanFieldELBO{cfg: cfg}, nil
}

// Loss builds the negative ELBO node in g.
func (t *TraceMeanFieldELBO) Loss(g *G.ExprGraph, key goppl.Key,
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
func (t *TraceMeanFieldELBO) LossWithMutableState(g *G.ExprGraph,
	key goppl.Key, params map[string]*G.Node, model,
	guide goppl.Program, args ...interface{}) (*LossResult, error) {
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

func (t *TraceMeanFieldELBO) particle(g *G.ExprGraph, key goppl.Key,
	params map[string]*G.Node, model, guide goppl.Program,
	args []interface{}) (map[string]*G.Node, map[string]*G.Node, error) {
	mKey, gKey := key.Pair()

	guideProg := goppl.Substitute(goppl.Seed(guide, gKey), params)
	guideTr, err := goppl.Run(g, guideProg, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("particle: guide: %v", err)
	}

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

	modelProg := goppl.Replay(goppl.Substitute(goppl.Seed(model, mKey),
		data), guideTr)
	modelTr, err := goppl.Run(g, modelProg, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("particle: model: %v", err)
	}
	if err := checkModelGuideMatch(modelTr, guideTr); err != nil {
		return nil, nil, fmt.Errorf("particle: %v", err)
	}
	if err := validateModel(modelTr, false); err != nil {
		return nil, nil, fmt.Errorf("particle: %v", err)
	}
	checkMeanFieldOrdering(modelTr, guideTr)

	siteElbos := make(map[string]*G.Node)
	for _, site := range modelTr.Sites() {
		if site.Kind != goppl.KindSample {
			continue
		}

		if site.Observed {
			sum, err := sumSiteLogProb(g, site)
			if err != nil {
				return nil, nil, fmt.Errorf("particle: %v", err)
			}
			siteElbos[site.Name] = sum
			continue
		}

		guideSite := guideTr.Get(site.Name)
		term, err := analyticKLTerm(g, guideSite, site)
		if errors.Is(err, distribution.ErrKLNotImplemented) {
			// Monte Carlo fallback: log p(z) - log q(z) at the
			// guide's draw.
			pSum, err := sumSiteLogProb(g, site)
			if err != nil {
				return nil, nil, fmt.Errorf("particle: %v", err)
			}
			qSum, err := sumSiteLogProb(g, guideSite)
			if err != nil {
				return nil, nil, fmt.Errorf("particle: %v", err)
			}
			term, err = G.Sub(pSum, qSum)
			if err != nil {
				return nil, nil, fmt.Errorf("particle: site %q: %v",
					site.Name, err)
			}
		} else if err != nil {
			return nil, nil, fmt.Errorf("particle: %v", err)
		}
		siteElbos[site.Name] = term
	}

	// Guide-only sites must be auxiliary or observed; they contribute
	// their negated log-probability.
	for _, site := range guideTr.Sites() {
		if site.Kind != goppl.KindSample || modelTr.Has(site.Name) {
			continue
		}
		if !site.Infer.IsAuxiliary && !site.Observed {
			return nil, nil, fmt.Errorf("particle: guide site %q has no "+
				"model counterpart and is not auxiliary", site.Name)
		}
		sum, err := sumSiteLogProb(g, site)
		if err != nil {
			return nil, nil, fmt.Errorf("particle: %v", err)
		}
		neg, err := G.Neg(sum)
		if err != nil {
			return nil, nil, fmt.Errorf("particle: site %q: %v",
				site.Name, err)
		}
		siteElbos[site.Name] = neg
	}

	mutables = mutableValues(guideTr, modelTr)
	if len(mutables) == 0 {
		mutables = nil
	}
	return siteElbos, mutables, nil
}

// analyticKLTerm returns -sum(KL(q‖p)) for a latent site, scaled by
// the guide site's scale. Passes distribution.ErrKLNotImplemented
// through for the caller's fallback.
func analyticKLTerm(g *G.ExprGraph, guideSite, modelSite *goppl.Site) (
	*G.Node, error) {
	q, ok := guideSite.Dist.(distribution.Distribution)
	if !ok {
		return nil, distribution.ErrKLNotImplemented
	}
	p, ok := modelSite.Dist.(distribution.Distribution)
	if !ok {
		return nil, distribution.ErrKLNotImplemented
	}

	kl, err := distribution.KL(q, p)
	if err != nil {
		return nil, err
	}
	kl, err = scaleNode(g, kl, guideSite.Scale)
	if err != nil {
		return nil, fmt.Errorf("analyticKLTerm: site %q: %v",
			modelSite.Name, err)
	}
	sum, err := goppl.SumAll(kl)
	if err != nil {
		return nil, fmt.Errorf("analyticKLTerm: site %q: %v",
			modelSite.Name, err)
	}
	return G.Neg(sum)
}

// sumSiteLogProb evaluates a site's scaled log-probability and reduces
// it to a scalar.
func sumSiteLogProb(g *G.ExprGraph, site *goppl.Site) (*G.Node, error) {
	lp, err := site.Dist.LogProb(site.Value)
	if err != nil {
		return nil, fmt.Errorf("sumSiteLogProb: site %q: %v", site.Name,
			err)
	}
	lp, err = scaleNode(g, lp, site.Scale)
	if err != nil {
		return nil, fmt.Errorf("sumSiteLogProb: site %q: %v", site.Name,
			err)
	}
	return goppl.SumAll(lp)
}

// checkMeanFieldOrdering warns when the sample sites shared by the
// model and guide occur in different orders, a sufficient but not
// necessary signal that the mean-field condition is violated.
func checkMeanFieldOrdering(modelTr, guideTr *goppl.Trace) {
	var modelSites, guideSites []string
	for _, site := range modelTr.Sites() {
		if site.Kind == goppl.KindSample && guideTr.Has(site.Name) {
			modelSites = append(modelSites, site.Name)
		}
	}
	for _, site := range guideTr.Sites() {
		if site.Kind == goppl.KindSample && modelTr.Has(site.Name) {
			guideSites = append(guideSites, site.Name)
		}
	}

	if len(modelSites) != len(guideSites) {
		return
	}
	for i := range modelSites {
		if modelSites[i] != guideSites[i] {
			Warnf("checkMeanFieldOrdering: model and guide sites occur "+
				"in different orders (%v vs %v); the mean-field "+
				"estimate may be incorrect", modelSites, guideSites)
			return
		}
	}
}
