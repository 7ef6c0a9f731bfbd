package infer

import (
	"fmt"

	"github.com/samuelfneumann/goppl"
	G "gorgonia.org/gorgonia"
)

// computeLogProbs fills in LogProb for every sample site of tr,
// evaluating each site's distribution at its recorded value and
// folding in the site's scale.
func computeLogProbs(tr *goppl.Trace) error {
	for _, site := range tr.Sites() {
		if site.Kind != goppl.KindSample {
			continue
		}

		lp, err := site.Dist.LogProb(site.Value)
		if err != nil {
			return fmt.Errorf("computeLogProbs: site %q: %v", site.Name,
				err)
		}
		lp, err = scaleNode(site.Value.Graph(), lp, site.Scale)
		if err != nil {
			return fmt.Errorf("computeLogProbs: site %q: %v", site.Name,
				err)
		}
		site.LogProb = lp
	}
	return nil
}

// siteLogProbSums reduces each sample site's log-probability to a
// scalar, keyed by site name. computeLogProbs must have run first.
func siteLogProbSums(tr *goppl.Trace) (map[string]*G.Node, error) {
	sums := make(map[string]*G.Node)
	for _, site := range tr.Sites() {
		if site.Kind != goppl.KindSample {
			continue
		}
		sum, err := goppl.SumAll(site.LogProb)
		if err != nil {
			return nil, fmt.Errorf("siteLogProbSums: site %q: %v",
				site.Name, err)
		}
		sums[site.Name] = sum
	}
	return sums, nil
}

// checkModelGuideMatch verifies that the model and guide describe the
// same latent variables: every guide sample site must have a model
// counterpart unless it is auxiliary, and every model latent must be
// sampled by the guide.
func checkModelGuideMatch(modelTr, guideTr *goppl.Trace) error {
	for _, site := range guideTr.Sites() {
		if site.Kind != goppl.KindSample || site.Observed ||
			site.Infer.IsAuxiliary {
			continue
		}
		ms := modelTr.Get(site.Name)
		if ms == nil || ms.Kind != goppl.KindSample {
			return fmt.Errorf("checkModelGuideMatch: site %q appears in "+
				"the guide but not the model", site.Name)
		}
	}

	for _, site := range modelTr.Sites() {
		if site.Kind != goppl.KindSample || site.Observed {
			continue
		}
		gs := guideTr.Get(site.Name)
		if gs == nil || gs.Kind != goppl.KindSample {
			return fmt.Errorf("checkModelGuideMatch: latent site %q "+
				"appears in the model but not the guide", site.Name)
		}
	}
	return nil
}

// validateModel checks each sample site's value shape against the
// plates enclosing it. In loose mode a site may broadcast over a plate
// (size one, or too few dimensions) and problems are only reported
// through Warnf; in strict mode every enclosing plate dimension must be
// materialized at its subsample size, and the first violation is
// returned as an error. The dependency-tracking and enumeration
// objectives require strict mode: a mis-shaped site there would
// silently attribute cost terms to the wrong latents.
func validateModel(tr *goppl.Trace, strict bool) error {
	for _, site := range tr.Sites() {
		if site.Kind != goppl.KindSample {
			continue
		}

		shape := site.Value.Shape()
		rank := len(shape)
		for _, f := range site.Frames {
			axis := f.Dim + rank
			if axis < 0 {
				if strict {
					return fmt.Errorf("validateModel: site %q has no "+
						"dimension for plate %q (dim %d)", site.Name,
						f.Name, f.Dim)
				}
				continue
			}
			if shape[axis] == f.Subsample {
				continue
			}
			if shape[axis] == 1 && !strict {
				continue
			}
			if strict {
				return fmt.Errorf("validateModel: site %q has size %d at "+
					"dim %d of plate %q, expected %d", site.Name,
					shape[axis], f.Dim, f.Name, f.Subsample)
			}
			Warnf("validateModel: site %q has size %d at dim %d of "+
				"plate %q, expected %d", site.Name, shape[axis], f.Dim,
				f.Name, f.Subsample)
		}
	}
	return nil
}

// mutableValues collects the recorded values of mutable sites across
// the given traces, later traces overriding earlier ones. Returns nil
// when no trace declares mutable state.
func mutableValues(trs ...*goppl.Trace) map[string]*G.Node {
	var out map[string]*G.Node
	for _, tr := range trs {
		for _, site := range tr.Sites() {
			if site.Kind != goppl.KindMutable {
				continue
			}
			if out == nil {
				out = make(map[string]*G.Node)
			}
			out[site.Name] = site.Value
		}
	}
	return out
}
