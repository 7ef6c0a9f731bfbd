package infer

import (
	"fmt"
	"math"
	"testing"

	"github.com/samuelfneumann/goppl"
	"github.com/samuelfneumann/goppl/distribution"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

const tolerance float64 = 1e-8

// testNodeID feeds uniqueNodeName; Gorgonia deduplicates unnamed input
// nodes of identical type and shape within a graph, so every
// test-created input node needs a distinct name.
var testNodeID int

func uniqueNodeName() string {
	testNodeID++
	return fmt.Sprintf("testnode%d", testNodeID)
}

func scalarNode(g *G.ExprGraph, v float64) *G.Node {
	return G.NewScalar(g, tensor.Float64, G.WithValue(v),
		G.WithName(uniqueNodeName()))
}

func vectorNode(g *G.ExprGraph, backing []float64) *G.Node {
	t := tensor.NewDense(tensor.Float64, tensor.Shape{len(backing)},
		tensor.WithBacking(backing))
	return G.NewTensor(g, tensor.Float64, 1, G.WithShape(len(backing)),
		G.WithValue(t), G.WithName(uniqueNodeName()))
}

// evalScalar runs the graph and returns the scalar value of n.
func evalScalar(t *testing.T, g *G.ExprGraph, n *G.Node) float64 {
	t.Helper()

	var val G.Value
	G.Read(n, &val)

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("could not run graph: %v", err)
	}

	switch d := val.Data().(type) {
	case float64:
		return d
	case []float64:
		if len(d) == 1 {
			return d[0]
		}
	}
	t.Fatalf("expected a scalar value but got %v", val.Shape())
	return 0
}

func logPDFNormal(x, mean, stddev float64) float64 {
	z := (x - mean) / stddev
	return -0.5*z*z - math.Log(stddev) - math.Log(math.Sqrt(2*math.Pi))
}

// latentNormalModel is a conjugate pair used throughout the estimator
// tests: the model draws z from a standard normal and observes x0 from
// a unit normal around z; the guide proposes z from a normal whose mean
// and standard deviation come from the parameter set. Substituting a
// value for z through the parameter set makes every loss deterministic.
func latentNormalModel(x0 float64) goppl.Program {
	return func(ctx *goppl.Context, args ...interface{}) error {
		prior := mustNormalCtx(ctx, ctx.Constant(0), ctx.Constant(1))
		z, err := ctx.Sample("z", prior)
		if err != nil {
			return err
		}
		lik, err := distribution.NewNormal(z, ctx.Constant(1))
		if err != nil {
			return err
		}
		_, err = ctx.Sample("x", lik, goppl.Observe(ctx.Constant(x0)))
		return err
	}
}

func latentNormalGuide() goppl.Program {
	return func(ctx *goppl.Context, args ...interface{}) error {
		m, err := ctx.Param("m")
		if err != nil {
			return err
		}
		s, err := ctx.Param("s")
		if err != nil {
			return err
		}
		q, err := distribution.NewNormal(m, s)
		if err != nil {
			return err
		}
		_, err = ctx.Sample("z", q)
		return err
	}
}

func mustNormalCtx(ctx *goppl.Context, mean, stddev *G.Node) *distribution.Normal {
	n, err := distribution.NewNormal(mean, stddev)
	if err != nil {
		panic(err)
	}
	return n
}

func TestTraceELBOClosedForm(t *testing.T) {
	const (
		x0 = 0.7
		z0 = 0.5
		m0 = 0.2
		s0 = 1.3
	)

	g := G.NewGraph()
	params := map[string]*G.Node{
		"m": scalarNode(g, m0),
		"s": scalarNode(g, s0),
		"z": scalarNode(g, z0),
	}

	est, err := NewTraceELBO()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	loss, err := est.Loss(g, 11, params, latentNormalModel(x0),
		latentNormalGuide())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	elbo := logPDFNormal(z0, 0, 1) + logPDFNormal(x0, z0, 1) -
		logPDFNormal(z0, m0, s0)
	got := evalScalar(t, g, loss)
	if math.Abs(got-(-elbo)) > tolerance {
		t.Errorf("expected loss %v but got %v", -elbo, got)
	}
}

func TestTraceELBOMultiParticle(t *testing.T) {
	const (
		x0 = 0.7
		z0 = 0.5
	)

	g := G.NewGraph()
	params := map[string]*G.Node{
		"m": scalarNode(g, 0.2),
		"s": scalarNode(g, 1.3),
		"z": scalarNode(g, z0),
	}

	// With z substituted every particle is identical, so the mean over
	// particles equals a single particle's loss.
	single, err := NewTraceELBO()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	multi, err := NewTraceELBO(NumParticles(3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lossSingle, err := single.Loss(g, 11, params, latentNormalModel(x0),
		latentNormalGuide())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lossMulti, err := multi.Loss(g, 11, params, latentNormalModel(x0),
		latentNormalGuide())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := evalScalar(t, g, lossMulti)
	want := evalScalar(t, g, lossSingle)
	if math.Abs(got-want) > tolerance {
		t.Errorf("expected loss %v but got %v", want, got)
	}
}

func TestTraceELBOSiteLosses(t *testing.T) {
	const (
		x0 = 0.7
		z0 = 0.5
		m0 = 0.2
		s0 = 1.3
	)

	g := G.NewGraph()
	params := map[string]*G.Node{
		"m": scalarNode(g, m0),
		"s": scalarNode(g, s0),
		"z": scalarNode(g, z0),
	}

	est, err := NewTraceELBO(SumSites(false))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err := est.LossWithMutableState(g, 11, params,
		latentNormalModel(x0), latentNormalGuide())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(res.SiteLosses) != 2 {
		t.Fatalf("expected 2 site losses but got %d", len(res.SiteLosses))
	}

	wantZ := -(logPDFNormal(z0, 0, 1) - logPDFNormal(z0, m0, s0))
	wantX := -logPDFNormal(x0, z0, 1)
	gotZ := evalScalar(t, g, res.SiteLosses["z"])
	if math.Abs(gotZ-wantZ) > tolerance {
		t.Errorf("site z: expected %v but got %v", wantZ, gotZ)
	}
	gotX := evalScalar(t, g, res.SiteLosses["x"])
	if math.Abs(gotX-wantX) > tolerance {
		t.Errorf("site x: expected %v but got %v", wantX, gotX)
	}
}

func TestTraceELBOMultiSampleGuide(t *testing.T) {
	const (
		x0 = 0.7
		m0 = 0.2
		s0 = 1.3
	)
	zs := []float64{0.3, 0.9}

	g := G.NewGraph()
	params := map[string]*G.Node{
		"m": scalarNode(g, m0),
		"s": scalarNode(g, s0),
		"z": vectorNode(g, zs),
	}

	est, err := NewTraceELBO(MultiSampleGuide())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	loss, err := est.Loss(g, 11, params, latentNormalModel(x0),
		latentNormalGuide())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The model runs once per proposed sample; per-site terms add up
	// across the runs.
	elbo := 0.0
	for _, z := range zs {
		elbo += logPDFNormal(z, 0, 1) + logPDFNormal(x0, z, 1) -
			logPDFNormal(z, m0, s0)
	}
	got := evalScalar(t, g, loss)
	if math.Abs(got-(-elbo)) > tolerance {
		t.Errorf("expected loss %v but got %v", -elbo, got)
	}
}

func TestTraceELBOMutableState(t *testing.T) {
	g := G.NewGraph()
	state := scalarNode(g, 4.0)
	params := map[string]*G.Node{
		"m": scalarNode(g, 0.2),
		"s": scalarNode(g, 1.3),
	}

	guide := func(ctx *goppl.Context, args ...interface{}) error {
		if _, err := ctx.Mutable("steps", state); err != nil {
			return err
		}
		return latentNormalGuide()(ctx, args...)
	}

	est, err := NewTraceELBO()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err := est.LossWithMutableState(g, 11, params,
		latentNormalModel(0.7), guide)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.MutableState["steps"] != state {
		t.Error("expected the mutable site's value to be surfaced")
	}
}

func TestTraceELBOModelGuideMismatch(t *testing.T) {
	g := G.NewGraph()
	params := map[string]*G.Node{"z": scalarNode(g, 0.5)}

	// The guide never samples z, so the model latent is unmatched.
	emptyGuide := func(ctx *goppl.Context, args ...interface{}) error {
		return nil
	}

	est, err := NewTraceELBO()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = est.Loss(g, 11, params, latentNormalModel(0.7), emptyGuide)
	if err == nil {
		t.Error("expected an error for a model latent missing from the " +
			"guide")
	}
}
