package infer

import (
	"math"
	"testing"

	"github.com/samuelfneumann/goppl"
	"github.com/samuelfneumann/goppl/distribution"
	G "gorgonia.org/gorgonia"
)

// klNormal is the closed-form KL(N(mq, sq) ‖ N(mp, sp)).
func klNormal(mq, sq, mp, sp float64) float64 {
	return math.Log(sp/sq) + (sq*sq+(mq-mp)*(mq-mp))/(2*sp*sp) - 0.5
}

func TestMeanFieldELBOAnalyticKL(t *testing.T) {
	const (
		m0 = 0.2
		s0 = 1.3
		x0 = 1.0
	)

	// The latent term uses the closed-form KL, so the loss carries no
	// sampling noise even though z is drawn.
	model := func(ctx *goppl.Context, args ...interface{}) error {
		prior := mustNormalCtx(ctx, ctx.Constant(0), ctx.Constant(1))
		if _, err := ctx.Sample("z", prior); err != nil {
			return err
		}
		lik := mustNormalCtx(ctx, ctx.Constant(0), ctx.Constant(2))
		_, err := ctx.Sample("x", lik, goppl.Observe(ctx.Constant(x0)))
		return err
	}

	g := G.NewGraph()
	params := map[string]*G.Node{
		"m": scalarNode(g, m0),
		"s": scalarNode(g, s0),
	}

	est, err := NewTraceMeanFieldELBO()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	loss, err := est.Loss(g, 11, params, model, latentNormalGuide())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := klNormal(m0, s0, 0, 1) - logPDFNormal(x0, 0, 2)
	got := evalScalar(t, g, loss)
	if math.Abs(got-want) > tolerance {
		t.Errorf("expected loss %v but got %v", want, got)
	}
}

// opaqueDist hides a Normal behind a plain Dist so no analytic KL is
// found for it, forcing the Monte Carlo fallback.
type opaqueDist struct {
	d *distribution.Normal
}

func (o opaqueDist) LogProb(x *G.Node) (*G.Node, error) {
	return o.d.LogProb(x)
}

func (o opaqueDist) Sample(key goppl.Key) (*G.Node, error) {
	return o.d.Sample(key)
}

func (o opaqueDist) Rsample(key goppl.Key) (*G.Node, error) {
	return o.d.Rsample(key)
}

func (o opaqueDist) HasRsample() bool { return o.d.HasRsample() }

func TestMeanFieldELBOFallback(t *testing.T) {
	const (
		z0 = 0.5
		m0 = 0.2
		s0 = 1.3
	)

	model := func(ctx *goppl.Context, args ...interface{}) error {
		prior := mustNormalCtx(ctx, ctx.Constant(0), ctx.Constant(1))
		_, err := ctx.Sample("z", opaqueDist{d: prior})
		return err
	}
	guide := func(ctx *goppl.Context, args ...interface{}) error {
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
		_, err = ctx.Sample("z", opaqueDist{d: q})
		return err
	}

	g := G.NewGraph()
	params := map[string]*G.Node{
		"m": scalarNode(g, m0),
		"s": scalarNode(g, s0),
		"z": scalarNode(g, z0),
	}

	est, err := NewTraceMeanFieldELBO()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	loss, err := est.Loss(g, 11, params, model, guide)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := -(logPDFNormal(z0, 0, 1) - logPDFNormal(z0, m0, s0))
	got := evalScalar(t, g, loss)
	if math.Abs(got-want) > tolerance {
		t.Errorf("expected loss %v but got %v", want, got)
	}
}

func TestMeanFieldELBOAuxiliarySites(t *testing.T) {
	const (
		a0 = 0.4
		m0 = 0.2
		s0 = 1.3
	)

	model := func(ctx *goppl.Context, args ...interface{}) error {
		prior := mustNormalCtx(ctx, ctx.Constant(0), ctx.Constant(1))
		_, err := ctx.Sample("z", prior)
		return err
	}
	guideWith := func(aux goppl.Infer) goppl.Program {
		return func(ctx *goppl.Context, args ...interface{}) error {
			if err := latentNormalGuide()(ctx, args...); err != nil {
				return err
			}
			q := mustNormalCtx(ctx, ctx.Constant(0), ctx.Constant(1))
			_, err := ctx.Sample("a", q, goppl.WithInfer(aux))
			return err
		}
	}

	g := G.NewGraph()
	params := map[string]*G.Node{
		"m": scalarNode(g, m0),
		"s": scalarNode(g, s0),
		"a": scalarNode(g, a0),
	}

	est, err := NewTraceMeanFieldELBO()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	loss, err := est.Loss(g, 11, params, model,
		guideWith(goppl.Infer{IsAuxiliary: true}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := klNormal(m0, s0, 0, 1) + logPDFNormal(a0, 0, 1)
	got := evalScalar(t, g, loss)
	if math.Abs(got-want) > tolerance {
		t.Errorf("expected loss %v but got %v", want, got)
	}

	// A guide-only site that is not auxiliary is an error.
	_, err = est.Loss(g, 11, params, model, guideWith(goppl.Infer{}))
	if err == nil {
		t.Error("expected an error for a non-auxiliary guide-only site")
	}
}
