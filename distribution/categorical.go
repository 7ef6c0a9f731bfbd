package distribution

import (
	"fmt"

	"github.com/samuelfneumann/goppl"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Categorical is a distribution over the integer codes {0, ..., K-1},
// parameterized by a vector of K unnormalized logits. Values are
// stored in the logits' float type so they flow through the graph
// like any other node; LogProb looks the normalized log-probability
// table up at each code.
//
// Sampling is not reparameterizable: no differentiable deterministic
// function maps the logits and an independent noise source to a
// discrete code. Estimators must treat Categorical sites with
// score-function surrogates or marginalize them exactly; the
// distribution supports parallel enumeration for the latter.
type Categorical struct {
	logits *G.Node
	k      int
}

// NewCategorical returns a new Categorical with the given unnormalized
// logits vector.
func NewCategorical(logits *G.Node) (*Categorical, error) {
	if len(logits.Shape()) != 1 {
		return nil, fmt.Errorf("newCategorical: expected logits to be a "+
			"vector but got shape %v", logits.Shape())
	}
	if logits.Dtype() != tensor.Float64 {
		return nil, fmt.Errorf("newCategorical: data type %v unsupported",
			logits.Dtype())
	}

	return &Categorical{
		logits: logits,
		k:      logits.Shape()[0],
	}, nil
}

// LogProbs returns the normalized log-probability vector.
func (c *Categorical) LogProbs() (*G.Node, error) {
	norm, err := goppl.LogSumExp(c.logits, 0)
	if err != nil {
		return nil, fmt.Errorf("logProbs: %v", err)
	}
	return G.Sub(c.logits, norm)
}

// LogProb returns the log probability mass at every code in x.
func (c *Categorical) LogProb(x *G.Node) (*G.Node, error) {
	logProbs, err := c.LogProbs()
	if err != nil {
		return nil, fmt.Errorf("logProb: %v", err)
	}

	out, err := goppl.Take(logProbs, x)
	if err != nil {
		return nil, fmt.Errorf("logProb: %v", err)
	}
	return out, nil
}

// Sample returns a node drawing a single code by inverse-cdf sampling,
// seeded by key. The result has shape (1).
func (c *Categorical) Sample(key goppl.Key) (*G.Node, error) {
	op := newCategoricalSampleOp(c.logits.Dtype(), key, c.k)
	return G.ApplyOp(op, c.logits)
}

// Rsample returns an error: the Categorical has no reparameterized
// sampler.
func (c *Categorical) Rsample(key goppl.Key) (*G.Node, error) {
	return nil, fmt.Errorf("rsample: categorical distribution is not " +
		"reparameterizable")
}

func (c *Categorical) HasRsample() bool { return false }

// NumCategories returns the support size K.
func (c *Categorical) NumCategories() int { return c.k }

// EnumSupport returns the vector (0, 1, ..., K-1) of every support
// code, in the logits' float type.
func (c *Categorical) EnumSupport() (*G.Node, error) {
	backing := make([]float64, c.k)
	for i := range backing {
		backing[i] = float64(i)
	}
	support := tensor.NewDense(
		c.logits.Dtype(),
		[]int{c.k},
		tensor.WithBacking(backing),
	)

	return G.NewTensor(c.logits.Graph(), support.Dtype(), 1,
		G.WithShape(c.k), G.WithValue(support)), nil
}

// KLTo computes the closed-form KL divergence KL(c‖p) when p is also
// a Categorical over the same number of codes.
func (c *Categorical) KLTo(p Distribution) (*G.Node, error) {
	other, ok := p.(*Categorical)
	if !ok {
		return nil, ErrKLNotImplemented
	}
	if other.k != c.k {
		return nil, fmt.Errorf("klTo: support sizes differ: %d and %d",
			c.k, other.k)
	}

	logQ, err := c.LogProbs()
	if err != nil {
		return nil, fmt.Errorf("klTo: %v", err)
	}
	logP, err := other.LogProbs()
	if err != nil {
		return nil, fmt.Errorf("klTo: %v", err)
	}

	q := G.Must(G.Exp(logQ))
	diff := G.Must(G.Sub(logQ, logP))
	kl := G.Must(G.HadamardProd(q, diff))

	return G.Sum(kl, 0)
}

func (c *Categorical) Shape() tensor.Shape { return tensor.Shape{1} }

// Mean returns the expected code, Σ k·p_k.
func (c *Categorical) Mean() *G.Node {
	support, err := c.EnumSupport()
	if err != nil {
		return nil
	}
	logProbs, err := c.LogProbs()
	if err != nil {
		return nil
	}
	probs := G.Must(G.Exp(logProbs))
	return G.Must(G.Sum(G.Must(G.HadamardProd(support, probs)), 0))
}
