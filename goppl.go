// Package goppl provides probabilistic programming primitives for
// Gorgonia. A probabilistic program is an ordinary Go function that
// declares its random choices, observations, and parameters through an
// execution Context. Running a program produces a Trace: an ordered,
// site-keyed record of everything the program declared. Effect
// handlers (Seed, Substitute, Replay) transform how a program executes
// without changing its code.
//
// All values are Gorgonia nodes, so everything a program computes is
// differentiable by the host engine. The infer subpackage builds
// variational-inference loss estimators on top of these primitives.
package goppl

import (
	"fmt"

	G "gorgonia.org/gorgonia"
)

// Program is a probabilistic program. It declares sample, param,
// mutable, deterministic, and plate sites through ctx as it runs.
// Extra arguments are forwarded unchanged from Run.
type Program func(ctx *Context, args ...interface{}) error

// Dist is the capability a Context needs from a probability
// distribution: a log-density and a sampling procedure. Sample is
// never differentiable; Rsample is differentiable when HasRsample
// reports true and must return an error otherwise.
type Dist interface {
	LogProb(x *G.Node) (*G.Node, error)
	Sample(key Key) (*G.Node, error)
	Rsample(key Key) (*G.Node, error)
	HasRsample() bool
}

// Enumerable is a Dist with finite support that can be marginalized
// exactly by parallel enumeration.
type Enumerable interface {
	Dist

	// NumCategories returns the support size.
	NumCategories() int

	// EnumSupport returns a vector node holding every support value,
	// in order.
	EnumSupport() (*G.Node, error)
}

// Run executes p in graph g and returns the recorded trace. The
// program runs unseeded (key 0) unless wrapped with Seed.
func Run(g *G.ExprGraph, p Program, args ...interface{}) (*Trace, error) {
	ctx := &Context{
		g:  g,
		tr: NewTrace(),
	}

	if err := p(ctx, args...); err != nil {
		return nil, fmt.Errorf("run: %v", err)
	}
	return ctx.tr, nil
}
