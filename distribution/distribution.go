// Package distribution provides probability distributions over
// Gorgonia nodes. Distributions are consumed by the inference
// estimators through narrow capability interfaces: a log-density, a
// sampling procedure, a reparameterization flag, and optionally a
// closed-form KL divergence.
package distribution

import (
	"github.com/samuelfneumann/goppl"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Distribution is a probability distribution over Gorgonia nodes.
type Distribution interface {
	// LogProb returns the log of the probability density or mass of
	// the node. The shape of the node must broadcast, right-aligned,
	// against the shape of the distribution.
	LogProb(x *G.Node) (*G.Node, error)

	// Sample returns a node that draws from the distribution each
	// time the node is evaluated, seeded by the given key. This
	// function is not differentiable.
	Sample(key goppl.Key) (*G.Node, error)

	// Rsample returns a node that draws reparameterized samples from
	// the distribution, seeded by the given key. This function is
	// differentiable with respect to the distribution's parameters.
	// Distributions without reparameterized samplers return an error.
	Rsample(key goppl.Key) (*G.Node, error)

	// HasRsample returns whether the distribution has reparameterized
	// samples or not.
	HasRsample() bool

	Shape() tensor.Shape
	Mean() *G.Node
}

// klDiverger is the capability of computing a closed-form KL
// divergence from the receiver to another distribution. KLTo returns
// ErrKLNotImplemented when no closed form exists for the pair.
type klDiverger interface {
	KLTo(p Distribution) (*G.Node, error)
}
