package infer

import (
	"math"
	"testing"

	"github.com/samuelfneumann/goppl"
	"github.com/samuelfneumann/goppl/distribution"
	G "gorgonia.org/gorgonia"
)

func TestTraceEnumELBOMarginalLikelihood(t *testing.T) {
	priorLogits := []float64{0.1, 0.4, 0.2}
	locs := []float64{-1, 0, 1}
	const x0 = 0.3

	// With an empty guide the enumerated bound is the exact log
	// marginal likelihood of the mixture.
	model := mixtureModelEnum(priorLogits, locs, x0)
	guide := func(ctx *goppl.Context, args ...interface{}) error {
		return nil
	}

	g := G.NewGraph()
	est, err := NewTraceEnumELBO()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	loss, err := est.Loss(g, 11, nil, model, guide)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	logPrior := logSoftmax(priorLogits)
	marginal := 0.0
	for k := range locs {
		marginal += math.Exp(logPrior[k] +
			logPDFNormal(x0, locs[k], 1))
	}
	want := -math.Log(marginal)
	got := evalScalar(t, g, loss)
	if math.Abs(got-want) > tolerance {
		t.Errorf("expected loss %v but got %v", want, got)
	}
}

// mixtureModelEnum is mixtureModel with the component code flagged for
// parallel enumeration.
func mixtureModelEnum(priorLogits, locs []float64,
	x0 float64) goppl.Program {
	return func(ctx *goppl.Context, args ...interface{}) error {
		prior, err := distribution.NewCategorical(
			vectorNode(ctx.Graph(), priorLogits))
		if err != nil {
			return err
		}
		c, err := ctx.Sample("c", prior, goppl.WithInfer(goppl.Infer{
			Enumerate: goppl.ParallelEnumeration,
		}))
		if err != nil {
			return err
		}

		mean, err := goppl.Take(vectorNode(ctx.Graph(), locs), c)
		if err != nil {
			return err
		}
		lik, err := distribution.NewNormal(mean, ctx.Constant(1))
		if err != nil {
			return err
		}
		_, err = ctx.Sample("x", lik, goppl.Observe(ctx.Constant(x0)))
		return err
	}
}

func TestTraceEnumELBOGuideEnumeration(t *testing.T) {
	priorLogits := []float64{0.1, 0.4, 0.2}
	qLogits := []float64{0.5, 0.1, 0.3}
	locs := []float64{-1, 0, 1}
	const x0 = 0.3

	model := mixtureModelEnum(priorLogits, locs, x0)
	guide := func(ctx *goppl.Context, args ...interface{}) error {
		q, err := distribution.NewCategorical(
			vectorNode(ctx.Graph(), qLogits))
		if err != nil {
			return err
		}
		_, err = ctx.Sample("c", q, goppl.WithInfer(goppl.Infer{
			Enumerate: goppl.ParallelEnumeration,
		}))
		return err
	}

	g := G.NewGraph()
	est, err := NewTraceEnumELBO()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	loss, err := est.Loss(g, 11, nil, model, guide)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Guide-side enumeration makes the bound the exact expectation
	// under q of log p(c) + log p(x | c) - log q(c).
	logPrior := logSoftmax(priorLogits)
	logQ := logSoftmax(qLogits)
	elbo := 0.0
	for k := range locs {
		q := math.Exp(logQ[k])
		elbo += q * (logPrior[k] + logPDFNormal(x0, locs[k], 1) - logQ[k])
	}
	want := -elbo
	got := evalScalar(t, g, loss)
	if math.Abs(got-want) > tolerance {
		t.Errorf("expected loss %v but got %v", want, got)
	}
}

func TestTraceEnumELBOAnalyticKL(t *testing.T) {
	const (
		z0 = 0.4
		m0 = 0.2
		s0 = 1.3
		x0 = 0.7
	)

	model := func(ctx *goppl.Context, args ...interface{}) error {
		prior := mustNormalCtx(ctx, ctx.Constant(0), ctx.Constant(1))
		z, err := ctx.Sample("z", prior, goppl.WithInfer(goppl.Infer{
			AnalyticKL: true,
		}))
		if err != nil {
			return err
		}
		lik := mustNormalCtx(ctx, z, ctx.Constant(1))
		_, err = ctx.Sample("x", lik, goppl.Observe(ctx.Constant(x0)))
		return err
	}

	g := G.NewGraph()
	params := map[string]*G.Node{
		"m": scalarNode(g, m0),
		"s": scalarNode(g, s0),
		"z": scalarNode(g, z0),
	}

	est, err := NewTraceEnumELBO()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	loss, err := est.Loss(g, 11, params, model, latentNormalGuide())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// elbo = -KL(q(z) ‖ p(z)) + log p(x | z) at the substituted z.
	want := klNormal(m0, s0, 0, 1) - logPDFNormal(x0, z0, 1)
	got := evalScalar(t, g, loss)
	if math.Abs(got-want) > tolerance {
		t.Errorf("expected loss %v but got %v", want, got)
	}
}

func TestTraceEnumELBOAnalyticKLMissingGuideSite(t *testing.T) {
	const x0 = 0.7

	// Analytic KL needs the latent in both programs; a guide that never
	// samples z must be rejected, not silently marginalized.
	model := func(ctx *goppl.Context, args ...interface{}) error {
		prior := mustNormalCtx(ctx, ctx.Constant(0), ctx.Constant(1))
		z, err := ctx.Sample("z", prior, goppl.WithInfer(goppl.Infer{
			AnalyticKL: true,
		}))
		if err != nil {
			return err
		}
		lik := mustNormalCtx(ctx, z, ctx.Constant(1))
		_, err = ctx.Sample("x", lik, goppl.Observe(ctx.Constant(x0)))
		return err
	}
	guide := func(ctx *goppl.Context, args ...interface{}) error {
		return nil
	}

	g := G.NewGraph()
	params := map[string]*G.Node{"z": scalarNode(g, 0.4)}

	est, err := NewTraceEnumELBO()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := est.Loss(g, 11, params, model, guide); err == nil {
		t.Error("expected an error for an analytic-KL latent missing " +
			"from the guide")
	}
}

func TestTraceEnumELBOStrictPlateValidation(t *testing.T) {
	// The enumeration objective validates plates strictly: an observed
	// site of length 2 inside a plate of size 3 is an error, not a
	// warning.
	model := func(ctx *goppl.Context, args ...interface{}) error {
		prior := mustNormalCtx(ctx, ctx.Constant(0), ctx.Constant(1))
		z, err := ctx.Sample("z", prior)
		if err != nil {
			return err
		}
		return ctx.Plate("p", 3, -1, func() error {
			lik := mustNormalCtx(ctx, z, ctx.Constant(1))
			_, err := ctx.Sample("x", lik, goppl.Observe(
				vectorNode(ctx.Graph(), []float64{0.1, 0.2})))
			return err
		})
	}
	guide := func(ctx *goppl.Context, args ...interface{}) error {
		q := mustNormalCtx(ctx, ctx.Constant(0), ctx.Constant(1))
		_, err := ctx.Sample("z", q)
		return err
	}

	g := G.NewGraph()
	params := map[string]*G.Node{"z": scalarNode(g, 0.5)}

	est, err := NewTraceEnumELBO()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := est.Loss(g, 11, params, model, guide); err == nil {
		t.Error("expected an error for a site mis-shaped against its " +
			"plate")
	}
}

func TestTraceEnumELBOMaxPlateNestingOption(t *testing.T) {
	priorLogits := []float64{0.1, 0.4, 0.2}
	locs := []float64{-1, 0, 1}
	const x0 = 0.3

	model := mixtureModelEnum(priorLogits, locs, x0)
	guide := func(ctx *goppl.Context, args ...interface{}) error {
		return nil
	}

	// Fixing the plate nesting shifts the enumeration dimension but not
	// the value of the bound.
	g := G.NewGraph()
	est, err := NewTraceEnumELBO(MaxPlateNesting(3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	loss, err := est.Loss(g, 11, nil, model, guide)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	logPrior := logSoftmax(priorLogits)
	marginal := 0.0
	for k := range locs {
		marginal += math.Exp(logPrior[k] + logPDFNormal(x0, locs[k], 1))
	}
	want := -math.Log(marginal)
	got := evalScalar(t, g, loss)
	if math.Abs(got-want) > tolerance {
		t.Errorf("expected loss %v but got %v", want, got)
	}
}
