package distribution

import (
	"fmt"
	"math"

	"github.com/samuelfneumann/goppl"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Normal is a univariate normal distribution, which may hold a batch
// of normal distributions simultaneously. If a Normal is created with
// a tensor mean and tensor standard deviation, then each element of
// the mean and standard deviation tensors defines a different
// distribution element-wise:
//
//	mean   := [m_1, m_2, ..., m_N]
//	stddev := [s_1, s_2, ..., s_N]
//
// holds the distributions
//
//	[𝒩(m_1, s_1), 𝒩(m_2, s_2), ..., 𝒩(m_N, s_N)]
//
// The shape of the mean and standard deviation tensors constitute the
// shape of the Normal. Inputs to LogProb broadcast right-aligned
// against that shape, so a value under a plate may carry extra
// leading batch dimensions, or fewer dimensions than the Normal when
// the value is shared across the batch.
//
// Normal supports the following data types:
// - tensor.Float64
type Normal struct {
	mean   *G.Node
	stddev *G.Node
	shape  tensor.Shape
}

// NewNormal returns a new Normal. The mean and standard deviation
// shapes must broadcast right-aligned against each other; the shape of
// the Normal is their broadcast shape.
func NewNormal(mean, stddev *G.Node) (*Normal, error) {
	if mean.Dtype() != stddev.Dtype() {
		return nil, fmt.Errorf("newNormal: expected mean and stddev to "+
			"have the same data type but got %v and %v", mean.Dtype(),
			stddev.Dtype())
	} else if mean.Dtype() != tensor.Float64 {
		return nil, fmt.Errorf("newNormal: data type %v unsupported",
			mean.Dtype())
	}

	var err error
	if mean.IsScalar() {
		mean, err = G.Reshape(mean, []int{1})
		if err != nil {
			return nil, fmt.Errorf("newNormal: could not expand mean to "+
				"shape (1): %v", err)
		}
	}
	if stddev.IsScalar() {
		stddev, err = G.Reshape(stddev, []int{1})
		if err != nil {
			return nil, fmt.Errorf("newNormal: could not expand stddev to "+
				"shape (1): %v", err)
		}
	}

	shape, err := broadcastShape(mean.Shape(), stddev.Shape())
	if err != nil {
		return nil, fmt.Errorf("newNormal: %v", err)
	}

	return &Normal{mean: mean, stddev: stddev, shape: shape}, nil
}

// broadcastShape returns the right-aligned broadcast of two shapes.
func broadcastShape(a, b tensor.Shape) (tensor.Shape, error) {
	rank := len(a)
	if len(b) > rank {
		rank = len(b)
	}

	out := make(tensor.Shape, rank)
	for i := 1; i <= rank; i++ {
		sa, sb := 1, 1
		if i <= len(a) {
			sa = a[len(a)-i]
		}
		if i <= len(b) {
			sb = b[len(b)-i]
		}
		switch {
		case sa == sb, sb == 1:
			out[rank-i] = sa
		case sa == 1:
			out[rank-i] = sb
		default:
			return nil, fmt.Errorf("broadcastShape: shapes %v and %v do "+
				"not align", a, b)
		}
	}
	return out, nil
}

// LogProb calculates the log probability density of x, broadcasting x
// right-aligned against the shape of the receiver.
func (n *Normal) LogProb(x *G.Node) (*G.Node, error) {
	negativeHalf := x.Graph().Constant(G.NewF64(-0.5))
	two := x.Graph().Constant(G.NewF64(2.0))
	lnRootTwoPi := x.Graph().Constant(G.NewF64(math.Log(math.Sqrt(
		math.Pi * 2.))))

	z, err := goppl.BSub(x, n.mean)
	if err != nil {
		return nil, fmt.Errorf("logProb: %v", err)
	}
	z, err = goppl.BDiv(z, n.stddev)
	if err != nil {
		return nil, fmt.Errorf("logProb: %v", err)
	}
	z = G.Must(G.Pow(z, two))
	z = G.Must(G.HadamardProd(negativeHalf, z))

	lnStd := G.Must(G.Log(n.stddev))
	z, err = goppl.BSub(z, lnStd)
	if err != nil {
		return nil, fmt.Errorf("logProb: %v", err)
	}
	z = G.Must(G.Sub(z, lnRootTwoPi))

	return z, nil
}

// Rsample returns a node drawing reparameterized samples: a standard
// normal draw ε is shifted and scaled as mean + stddev·ε, so the
// sample is a differentiable function of the receiver's parameters.
func (n *Normal) Rsample(key goppl.Key) (*G.Node, error) {
	eps, err := standardNormal(n.mean.Graph(), n.mean.Dtype(), key,
		n.Shape())
	if err != nil {
		return nil, fmt.Errorf("rsample: %v", err)
	}

	scaled, err := goppl.BMul(n.stddev, eps)
	if err != nil {
		return nil, fmt.Errorf("rsample: %v", err)
	}
	out, err := goppl.BAdd(n.mean, scaled)
	if err != nil {
		return nil, fmt.Errorf("rsample: %v", err)
	}
	return out, nil
}

// Sample returns a node drawing samples with no gradient flow to the
// receiver's parameters.
func (n *Normal) Sample(key goppl.Key) (*G.Node, error) {
	out, err := n.Rsample(key)
	if err != nil {
		return nil, fmt.Errorf("sample: %v", err)
	}
	out, err = goppl.Detach(out)
	if err != nil {
		return nil, fmt.Errorf("sample: %v", err)
	}
	return out, nil
}

func (n *Normal) HasRsample() bool { return true }

// KLTo computes the closed-form KL divergence KL(n‖p) when p is also
// a Normal, elementwise over the batch.
func (n *Normal) KLTo(p Distribution) (*G.Node, error) {
	other, ok := p.(*Normal)
	if !ok {
		return nil, ErrKLNotImplemented
	}

	half := n.mean.Graph().Constant(G.NewF64(0.5))
	two := n.mean.Graph().Constant(G.NewF64(2.0))

	// log(s_p/s_q) + (s_q² + (m_q - m_p)²) / (2 s_p²) - 1/2
	logRatio, err := goppl.BDiv(other.stddev, n.stddev)
	if err != nil {
		return nil, fmt.Errorf("klTo: %v", err)
	}
	logRatio = G.Must(G.Log(logRatio))

	varQ := G.Must(G.Pow(n.stddev, two))
	varP := G.Must(G.Pow(other.stddev, two))

	diff, err := goppl.BSub(n.mean, other.mean)
	if err != nil {
		return nil, fmt.Errorf("klTo: %v", err)
	}
	diff = G.Must(G.Pow(diff, two))

	num, err := goppl.BAdd(varQ, diff)
	if err != nil {
		return nil, fmt.Errorf("klTo: %v", err)
	}
	frac, err := goppl.BDiv(num, varP)
	if err != nil {
		return nil, fmt.Errorf("klTo: %v", err)
	}
	frac = G.Must(G.HadamardProd(half, frac))

	kl, err := goppl.BAdd(logRatio, frac)
	if err != nil {
		return nil, fmt.Errorf("klTo: %v", err)
	}
	kl = G.Must(G.Sub(kl, half))

	return kl, nil
}

// Shape returns the shape of the distributions stored by the receiver
func (n *Normal) Shape() tensor.Shape {
	return n.shape
}

// Mean returns the mean of the distribution(s) stored by the receiver
func (n *Normal) Mean() *G.Node {
	return n.mean
}

// StdDev returns the standard deviation of the distribution(s) stored
// by the receiver
func (n *Normal) StdDev() *G.Node {
	return n.stddev
}

// Variance returns the variance of the distribution(s) stored by the
// receiver
func (n *Normal) Variance() *G.Node {
	two := n.mean.Graph().Constant(G.NewF64(2.0))
	return G.Must(G.Pow(n.stddev, two))
}

// Entropy returns the entropy of the distribution(s) stored by the
// receiver
func (n *Normal) Entropy() *G.Node {
	half := n.mean.Graph().Constant(G.NewF64(0.5))
	twoPi := n.mean.Graph().Constant(G.NewF64(math.Pi * 2.0))
	two := n.mean.Graph().Constant(G.NewF64(2.0))

	entropy := G.Must(G.Pow(n.stddev, two))
	entropy = G.Must(G.HadamardProd(entropy, twoPi))
	entropy = G.Must(G.Log(entropy))
	entropy = G.Must(G.HadamardProd(half, entropy))
	entropy = G.Must(G.Add(entropy, half))

	return entropy
}
