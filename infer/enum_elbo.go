package infer

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/samuelfneumann/goppl"
	"github.com/samuelfneumann/goppl/distribution"
	"github.com/samuelfneumann/goppl/factor"
	G "gorgonia.org/gorgonia"
)

// TraceEnumELBO is an ELBO estimator that marginalizes discrete latent
// variables exactly. Sample sites whose metadata requests parallel
// enumeration take their whole support on a dedicated batch dimension;
// the resulting factors are contracted by tensor variable elimination,
// grouped into connected components so that unrelated variables never
// meet in one contraction. Sites left unenumerated fall back to
// score-function surrogates built from their dependency structure, and
// sites flagged for analytic KL use the closed-form divergence.
//
// Enumerated dimensions are allocated beyond the plate dimensions, so
// the estimator must know how many plate dimensions the programs use.
// Set it with MaxPlateNesting, or leave it to be guessed from a single
// scratch run of the programs.
type TraceEnumELBO struct {
	cfg config

	guessOnce sync.Once
	guessed   int
}

// NewTraceEnumELBO returns a new TraceEnumELBO.
func NewTraceEnumELBO(opts ...Option) (*TraceEnumELBO, error) {
	cfg, err := newConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("newTraceEnumELBO: %v", err)
	}
	return &TraceEnumELBO{cfg: cfg}, nil
}

// Loss builds the negative enumerated ELBO node in g.
func (t *TraceEnumELBO) Loss(g *G.ExprGraph, key goppl.Key,
	params map[string]*G.Node, model, guide goppl.Program,
	args ...interface{}) (*G.Node, error) {
	modelDeps, guideDeps, maxRank, err := scratchDeps(model, guide,
		params, args)
	if err != nil {
		return nil, fmt.Errorf("loss: %v", err)
	}

	maxPlateNesting := t.cfg.maxPlateNesting
	if maxPlateNesting < 0 {
		t.guessOnce.Do(func() { t.guessed = maxRank })
		maxPlateNesting = t.guessed
	}

	guideDesc := invertDeps(guideDeps)

	fn := func(k goppl.Key) (*G.Node, error) {
		return t.particle(g, k, params, model, guide, args,
			maxPlateNesting, modelDeps, guideDeps, guideDesc)
	}

	keys := key.Split(t.cfg.numParticles)
	elbos, err := t.cfg.mapParticles(fn, keys)
	if err != nil {
		return nil, fmt.Errorf("loss: %v", err)
	}
	return negMean(g, elbos)
}

// LossWithMutableState returns an error: the enumeration objective
// does not support mutable state.
func (t *TraceEnumELBO) LossWithMutableState(g *G.ExprGraph,
	key goppl.Key, params map[string]*G.Node, model,
	guide goppl.Program, args ...interface{}) (*LossResult, error) {
	return nil, fmt.Errorf("lossWithMutableState: the enumeration " +
		"objective does not support mutable state")
}

// costTerm is one contribution to the enumerated bound: a log-scale
// factor, the common scalar scale of the sites it came from, and the
// non-reparameterizable latents it depends on, whose log measures
// weight the term.
type costTerm struct {
	cost  *factor.Factor
	scale float64
	deps  []string
}

func (t *TraceEnumELBO) particle(g *G.ExprGraph, key goppl.Key,
	params map[string]*G.Node, model, guide goppl.Program,
	args []interface{}, maxPlateNesting int,
	modelDepsAll, guideDepsAll, guideDesc map[string]map[string]bool) (
	*G.Node, error) {
	mKey, gKey := key.Pair()

	es := goppl.NewEnumState(maxPlateNesting)
	guideProg := goppl.Enumerate(goppl.Substitute(goppl.Seed(guide, gKey),
		params), es)
	guideTr, err := goppl.Run(g, guideProg, args...)
	if err != nil {
		return nil, fmt.Errorf("particle: guide: %v", err)
	}

	modelProg := goppl.Enumerate(goppl.Replay(goppl.Substitute(
		goppl.Seed(model, mKey), params), guideTr), es)
	modelTr, err := goppl.Run(g, modelProg, args...)
	if err != nil {
		return nil, fmt.Errorf("particle: model: %v", err)
	}
	if err := validateModel(modelTr, true); err != nil {
		return nil, fmt.Errorf("particle: %v", err)
	}

	plateNames, err := plateDimNames(modelTr, guideTr)
	if err != nil {
		return nil, fmt.Errorf("particle: %v", err)
	}

	// Model-side enumerated variables: latents the guide does not
	// sample. They are summed out of the bound exactly.
	sumVars := make(map[string]bool)
	for _, site := range modelTr.Sites() {
		if site.Kind == goppl.KindSample && !site.Observed &&
			!guideTr.Has(site.Name) {
			sumVars[site.Name] = true
		}
	}

	modelFactors := make(map[string]*factor.Factor)
	guideFactors := make(map[string]*factor.Factor)
	klFactors := make(map[string]*factor.Factor)
	logMeasures := make(map[string]*factor.Factor)

	for _, site := range modelTr.Sites() {
		if site.Kind != goppl.KindSample {
			continue
		}
		name := site.Name

		if site.Infer.AnalyticKL && !site.Observed {
			kl, err := analyticKLFactor(site, guideTr, modelDepsAll,
				guideDesc, sumVars)
			if err != nil {
				return nil, fmt.Errorf("particle: %v", err)
			}
			klFactors[name], err = enumFactor(kl, es, plateNames)
			if err != nil {
				return nil, fmt.Errorf("particle: site %q: %v", name, err)
			}
			continue
		}

		// Factors are built from unscaled log-probabilities; scales
		// are applied per cost term.
		lp, err := site.Dist.LogProb(site.Value)
		if err != nil {
			return nil, fmt.Errorf("particle: site %q: %v", name, err)
		}
		modelFactors[name], err = enumFactor(lp, es, plateNames)
		if err != nil {
			return nil, fmt.Errorf("particle: site %q: %v", name, err)
		}

		if sumVars[name] {
			lm, err := diceMeasure(lp, site)
			if err != nil {
				return nil, fmt.Errorf("particle: site %q: %v", name, err)
			}
			logMeasures[name], err = enumFactor(lm, es, plateNames)
			if err != nil {
				return nil, fmt.Errorf("particle: site %q: %v", name, err)
			}
		}
	}

	for _, site := range guideTr.Sites() {
		if site.Kind != goppl.KindSample {
			continue
		}
		name := site.Name

		lp, err := site.Dist.LogProb(site.Value)
		if err != nil {
			return nil, fmt.Errorf("particle: site %q: %v", name, err)
		}
		if klFactors[name] == nil {
			guideFactors[name], err = enumFactor(lp, es, plateNames)
			if err != nil {
				return nil, fmt.Errorf("particle: site %q: %v", name, err)
			}
		}

		lm, err := diceMeasure(lp, site)
		if err != nil {
			return nil, fmt.Errorf("particle: site %q: %v", name, err)
		}
		logMeasures[name], err = enumFactor(lm, es, plateNames)
		if err != nil {
			return nil, fmt.Errorf("particle: site %q: %v", name, err)
		}
	}

	modelVars := make(map[string]bool)
	for _, site := range modelTr.Sites() {
		if site.Kind == goppl.KindSample {
			modelVars[site.Name] = true
		}
	}

	// Split each cost site's dependencies into the enumerated
	// variables, which drive the contraction grouping, and the rest,
	// which drive the dice weighting.
	modelSumDeps := make(map[string]map[string]bool)
	modelDeps := make(map[string]map[string]bool)
	for name := range modelVars {
		if sumVars[name] {
			continue
		}
		deps := modelDepsAll[name]
		modelSumDeps[name] = intersectSet(deps, sumVars)
		modelDeps[name] = subtractSet(deps, sumVars)
	}

	guideDeps := make(map[string]map[string]bool, len(guideDepsAll))
	for name, deps := range guideDepsAll {
		guideDeps[name] = deps
	}

	var terms []costTerm
	for _, comp := range partition(modelSumDeps, sumVars) {
		if len(comp.Vars) == 0 {
			name := comp.Factors[0]
			site := modelTr.Get(name)

			if kf := klFactors[name]; kf != nil {
				cost, err := kf.Scale(-1)
				if err != nil {
					return nil, fmt.Errorf("particle: site %q: %v", name,
						err)
				}
				guideSite := guideTr.Get(name)
				if site.Scale != guideSite.Scale {
					return nil, fmt.Errorf("particle: site %q: expected "+
						"matching model and guide scales for analytic KL "+
						"but got %v and %v", name, site.Scale,
						guideSite.Scale)
				}
				deps := unionSet(modelDeps[name], guideDeps[name])
				delete(deps, name)
				delete(guideDeps, name)
				terms = append(terms, costTerm{
					cost:  cost,
					scale: site.Scale,
					deps:  sortedNames(deps),
				})
				continue
			}

			terms = append(terms, costTerm{
				cost:  modelFactors[name],
				scale: site.Scale,
				deps:  sortedNames(modelDeps[name]),
			})
			continue
		}

		term, err := contractGroup(comp, modelTr, guideTr, modelFactors,
			logMeasures, modelDeps, modelVars)
		if err != nil {
			return nil, fmt.Errorf("particle: %v", err)
		}
		terms = append(terms, term)
	}

	// The remaining guide sites contribute -log q, dice-weighted by
	// their own measures.
	for _, name := range sortedDepKeys(guideDeps) {
		gf := guideFactors[name]
		if gf == nil {
			continue
		}
		cost, err := gf.Scale(-1)
		if err != nil {
			return nil, fmt.Errorf("particle: site %q: %v", name, err)
		}
		terms = append(terms, costTerm{
			cost:  cost,
			scale: guideTr.Get(name).Scale,
			deps:  sortedNames(guideDeps[name]),
		})
	}

	elbo := g.Constant(G.NewF64(0.0))
	for _, term := range terms {
		sum, err := reduceCostTerm(term, logMeasures, modelVars)
		if err != nil {
			return nil, fmt.Errorf("particle: %v", err)
		}
		elbo, err = G.Add(elbo, sum)
		if err != nil {
			return nil, fmt.Errorf("particle: %v", err)
		}
	}
	return elbo, nil
}

// contractGroup eliminates one connected component of enumerated
// variables: the component's log-probability factors and log measures
// are contracted down to the component's outermost plates.
func contractGroup(comp Component, modelTr, guideTr *goppl.Trace,
	modelFactors, logMeasures map[string]*factor.Factor,
	modelDeps map[string]map[string]bool, modelVars map[string]bool) (
	costTerm, error) {
	var fs []*factor.Factor
	for _, name := range comp.Factors {
		fs = append(fs, modelFactors[name])
	}
	for _, v := range comp.Vars {
		fs = append(fs, logMeasures[v])
	}

	groupPlates := make(map[string]bool)
	for _, f := range fs {
		for _, name := range f.Names() {
			if !modelVars[name] {
				groupPlates[name] = true
			}
		}
	}

	// Plates shared by every factor stay; plates local to some factors
	// must be eliminated inside the contraction.
	outermost := make(map[string]bool, len(groupPlates))
	for name := range groupPlates {
		outermost[name] = true
	}
	for _, f := range fs {
		for name := range outermost {
			if !f.Has(name) {
				delete(outermost, name)
			}
		}
	}

	elimPlates := make(map[string]bool)
	eliminate := make(map[string]bool)
	for name := range groupPlates {
		if !outermost[name] {
			elimPlates[name] = true
			eliminate[name] = true
		}
	}
	for _, v := range comp.Vars {
		eliminate[v] = true
	}

	cost, err := factor.SumProduct(fs, groupPlates, eliminate)
	if err != nil {
		return costTerm{}, fmt.Errorf("contractGroup: %v", err)
	}

	// Subsampling enters through a single scalar scale shared by every
	// site in the group.
	scale := 0.0
	first := true
	for _, name := range append(append([]string{}, comp.Factors...),
		comp.Vars...) {
		s := modelTr.Get(name).Scale
		if first {
			scale = s
			first = false
		} else if s != scale {
			return costTerm{}, fmt.Errorf("contractGroup: expected all "+
				"enumerated sample sites to share a common scale, but "+
				"site %q has scale %v where %v was expected", name, s,
				scale)
		}
	}

	deps := make(map[string]bool)
	for _, name := range comp.Factors {
		for dep := range modelDeps[name] {
			deps[dep] = true
		}
	}

	// Model-side enumeration must not be more global than guide-side
	// enumeration: a guide-enumerated dependency must not carry its
	// measure inside a plate this contraction eliminates.
	for _, dep := range sortedNames(deps) {
		guideSite := guideTr.Get(dep)
		if guideSite == nil ||
			guideSite.Infer.Enumerate != goppl.ParallelEnumeration {
			continue
		}
		for _, name := range logMeasures[dep].Names() {
			if elimPlates[name] {
				return costTerm{}, fmt.Errorf("contractGroup: expected "+
					"model enumeration to be no more global than guide "+
					"enumeration, but found model enumeration sites "+
					"upstream of guide site %q in plate %q", dep, name)
			}
		}
	}

	return costTerm{cost: cost, scale: scale, deps: sortedNames(deps)},
		nil
}

// reduceCostTerm applies a term's dice weighting and scale and reduces
// it to a scalar. The dice factor is the contraction of the log
// measures of the term's dependencies down to the term's own
// dimensions; exponentiated, it reweights the cost so its expectation
// and gradient match the score-function estimator.
func reduceCostTerm(term costTerm,
	logMeasures map[string]*factor.Factor,
	modelVars map[string]bool) (*G.Node, error) {
	cost := term.cost

	if len(term.deps) > 0 {
		var dfs []*factor.Factor
		diceVars := make(map[string]bool)
		for _, dep := range term.deps {
			df := logMeasures[dep]
			if df == nil {
				return nil, fmt.Errorf("reduceCostTerm: no log measure "+
					"for dependency %q", dep)
			}
			dfs = append(dfs, df)
			for _, name := range df.Names() {
				diceVars[name] = true
			}
		}

		costVars := make(map[string]bool)
		for _, name := range cost.Names() {
			costVars[name] = true
		}

		plates := make(map[string]bool)
		for name := range diceVars {
			if !modelVars[name] {
				plates[name] = true
			}
		}
		for name := range costVars {
			if !modelVars[name] {
				plates[name] = true
			}
		}
		eliminate := subtractSet(diceVars, costVars)

		dice, err := factor.SumProduct(dfs, plates, eliminate)
		if err != nil {
			return nil, fmt.Errorf("reduceCostTerm: %v", err)
		}
		dice, err = dice.Exp()
		if err != nil {
			return nil, fmt.Errorf("reduceCostTerm: %v", err)
		}
		cost, err = cost.Mul(dice)
		if err != nil {
			return nil, fmt.Errorf("reduceCostTerm: %v", err)
		}
	}

	cost, err := cost.Scale(term.scale)
	if err != nil {
		return nil, fmt.Errorf("reduceCostTerm: %v", err)
	}
	return cost.ReduceAll()
}

// analyticKLFactor checks the preconditions for analytic KL at a
// latent site and returns the KL divergence node from the guide to the
// model distribution.
func analyticKLFactor(site *goppl.Site, guideTr *goppl.Trace,
	modelDepsAll, guideDesc map[string]map[string]bool,
	sumVars map[string]bool) (*G.Node, error) {
	name := site.Name

	if both := intersectSet(modelDepsAll[name], guideDesc[name]); len(
		both) > 0 {
		return nil, fmt.Errorf("analyticKLFactor: analytic KL at site "+
			"%q requires that its parents in the model include no "+
			"non-reparameterizable latents that are its descendants in "+
			"the guide, but found %v in both", name, sortedNames(both))
	}
	if enum := intersectSet(modelDepsAll[name], sumVars); len(enum) > 0 {
		return nil, fmt.Errorf("analyticKLFactor: analytic KL at site "+
			"%q requires that its parents in the model include no "+
			"model-side enumerated latents, but found %v", name,
			sortedNames(enum))
	}
	guideSite := guideTr.Get(name)
	if guideSite == nil || guideSite.Kind != goppl.KindSample {
		return nil, fmt.Errorf("analyticKLFactor: analytic KL at site "+
			"%q requires the site in both the model and the guide, but "+
			"the guide does not sample it", name)
	}

	q, ok := guideSite.Dist.(distribution.Distribution)
	if !ok {
		return nil, fmt.Errorf("analyticKLFactor: site %q: guide "+
			"distribution supports no analytic KL", name)
	}
	p, ok := site.Dist.(distribution.Distribution)
	if !ok {
		return nil, fmt.Errorf("analyticKLFactor: site %q: model "+
			"distribution supports no analytic KL", name)
	}

	kl, err := distribution.KL(q, p)
	if errors.Is(err, distribution.ErrKLNotImplemented) {
		return nil, fmt.Errorf("analyticKLFactor: site %q requests "+
			"analytic KL but no closed form exists for its "+
			"distribution pair", name)
	}
	if err != nil {
		return nil, fmt.Errorf("analyticKLFactor: site %q: %v", name, err)
	}
	return kl, nil
}

// diceMeasure turns a site's log-probability into its log measure:
// enumerated sites keep it as is, sampled sites subtract the detached
// value so the measure is identically zero but carries the
// score-function gradient.
func diceMeasure(lp *G.Node, site *goppl.Site) (*G.Node, error) {
	if site.Infer.Enumerate == goppl.ParallelEnumeration {
		return lp, nil
	}
	detached, err := goppl.Detach(lp)
	if err != nil {
		return nil, fmt.Errorf("diceMeasure: %v", err)
	}
	return G.Sub(lp, detached)
}

// enumFactor wraps a node as a named factor: axes of size greater than
// one take their names from the enumeration state or from the plate
// dimensions, right-aligned.
func enumFactor(node *G.Node, es *goppl.EnumState,
	plateNames map[int]string) (*factor.Factor, error) {
	rank := len(node.Shape())
	names := make(map[int]string)
	for axis := 0; axis < rank; axis++ {
		if node.Shape()[axis] <= 1 {
			continue
		}
		dim := axis - rank
		if name, ok := es.NameOf(dim); ok {
			names[dim] = name
			continue
		}
		if name, ok := plateNames[dim]; ok {
			names[dim] = name
		}
	}
	return factor.New(node, names)
}

// plateDimNames maps every plate dimension used in the traces to its
// plate name, rejecting plates that share a dimension.
func plateDimNames(trs ...*goppl.Trace) (map[int]string, error) {
	names := make(map[int]string)
	for _, tr := range trs {
		for _, site := range tr.Sites() {
			for _, f := range site.Frames {
				if prev, ok := names[f.Dim]; ok && prev != f.Name {
					return nil, fmt.Errorf("plateDimNames: plates %q "+
						"and %q share dim %d", prev, f.Name, f.Dim)
				}
				names[f.Dim] = f.Name
			}
		}
	}
	return names, nil
}

// invertDeps turns per-site dependency sets into per-latent descendant
// sets.
func invertDeps(deps map[string]map[string]bool) map[string]map[string]bool {
	desc := make(map[string]map[string]bool)
	for name, set := range deps {
		for d := range set {
			if d == name {
				continue
			}
			if desc[d] == nil {
				desc[d] = make(map[string]bool)
			}
			desc[d][name] = true
		}
	}
	return desc
}

func intersectSet(a, b map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for v := range a {
		if b[v] {
			out[v] = true
		}
	}
	return out
}

func subtractSet(a, b map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for v := range a {
		if !b[v] {
			out[v] = true
		}
	}
	return out
}

func unionSet(a, b map[string]bool) map[string]bool {
	out := make(map[string]bool, len(a)+len(b))
	for v := range a {
		out[v] = true
	}
	for v := range b {
		out[v] = true
	}
	return out
}

func sortedDepKeys(deps map[string]map[string]bool) []string {
	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
