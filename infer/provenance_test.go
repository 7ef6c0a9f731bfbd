package infer

import (
	"reflect"
	"testing"

	G "gorgonia.org/gorgonia"
)

func TestScratchDeps(t *testing.T) {
	priorLogits := []float64{0.1, 0.4, 0.2}
	qLogits := []float64{0.5, 0.1, 0.3}
	locs := []float64{-1, 0, 1}

	model := mixtureModel(priorLogits, locs, 0.3)
	guide := mixtureGuide(qLogits)

	modelDeps, guideDeps, maxRank, err := scratchDeps(model, guide, nil,
		nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Both the prior term and the likelihood term depend on the
	// non-reparameterizable code c.
	wantModel := map[string]map[string]bool{
		"c": {"c": true},
		"x": {"c": true},
	}
	if !reflect.DeepEqual(modelDeps, wantModel) {
		t.Errorf("expected model deps %v but got %v", wantModel, modelDeps)
	}

	wantGuide := map[string]map[string]bool{
		"c": {"c": true},
	}
	if !reflect.DeepEqual(guideDeps, wantGuide) {
		t.Errorf("expected guide deps %v but got %v", wantGuide, guideDeps)
	}

	if maxRank != 1 {
		t.Errorf("expected a max log-probability rank of 1 but got %d",
			maxRank)
	}
}

func TestScratchDepsReparameterized(t *testing.T) {
	modelDeps, guideDeps, _, err := scratchDeps(latentNormalModel(0.7),
		latentNormalGuide(),
		map[string]*G.Node{
			"m": scalarNode(G.NewGraph(), 0.2),
			"s": scalarNode(G.NewGraph(), 1.3),
		}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A reparameterized latent is not a score-function target, so every
	// dependency set is empty.
	for name, deps := range modelDeps {
		if len(deps) != 0 {
			t.Errorf("model site %q: expected no dependencies but got %v",
				name, deps)
		}
	}
	for name, deps := range guideDeps {
		if len(deps) != 0 {
			t.Errorf("guide site %q: expected no dependencies but got %v",
				name, deps)
		}
	}
}

func TestInvertDeps(t *testing.T) {
	deps := map[string]map[string]bool{
		"x": {"a": true, "b": true},
		"a": {"a": true},
	}

	desc := invertDeps(deps)
	want := map[string]map[string]bool{
		"a": {"x": true},
		"b": {"x": true},
	}
	if !reflect.DeepEqual(desc, want) {
		t.Errorf("expected descendants %v but got %v", want, desc)
	}
}
