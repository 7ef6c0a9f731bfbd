// Package infer provides variational-inference loss estimators for
// goppl programs. An estimator pairs a model program with a guide
// program and builds a scalar loss node, the negative of an evidence
// lower bound, into the caller's expression graph. The caller owns
// differentiation and execution of the graph; the estimators only
// construct it.
//
// Five estimators are provided. TraceELBO is the plain estimator with
// no restrictions on dependency structure. TraceMeanFieldELBO uses
// analytic KL divergences where available. RenyiELBO implements the
// Rényi α-divergence bound. TraceGraphELBO uses dependency tracking to
// reduce the variance of score-function terms. TraceEnumELBO
// marginalizes discrete latent variables exactly by parallel
// enumeration.
package infer

import (
	"fmt"
	"log"

	"github.com/samuelfneumann/goppl"
	G "gorgonia.org/gorgonia"
)

// Warnf reports non-fatal diagnostics raised while building a loss.
// It defaults to log.Printf and may be replaced, for example to route
// warnings into a test or to silence them.
var Warnf = log.Printf

// ParticleMapper maps a per-particle loss builder over a set of keys.
// The default mapper calls fn once per key in order; a custom mapper
// may distribute the calls however it likes, as long as the returned
// slice lines up with keys.
type ParticleMapper func(fn func(goppl.Key) (*G.Node, error),
	keys []goppl.Key) ([]*G.Node, error)

// LossResult bundles a loss node with the extra outputs of a loss
// evaluation. SiteLosses is populated only when per-site losses were
// requested through SumSites(false). MutableState holds the latest
// values of mutable sites and is nil when the programs declare none.
type LossResult struct {
	Loss         *G.Node
	SiteLosses   map[string]*G.Node
	MutableState map[string]*G.Node
}

// Estimator builds variational loss nodes from a model and a guide.
// Loss returns the negative lower-bound node in g. Model and guide
// share the parameter set params, substituted at their param sites,
// and are seeded from key so that repeated calls with the same key
// build identical graphs.
type Estimator interface {
	Loss(g *G.ExprGraph, key goppl.Key, params map[string]*G.Node,
		model, guide goppl.Program, args ...interface{}) (*G.Node, error)

	// LossWithMutableState is Loss plus the values of mutable sites.
	// Estimators without mutable-state support return an error.
	LossWithMutableState(g *G.ExprGraph, key goppl.Key,
		params map[string]*G.Node, model, guide goppl.Program,
		args ...interface{}) (*LossResult, error)
}

type config struct {
	numParticles    int
	mapper          ParticleMapper
	multiSample     bool
	sumSites        bool
	maxPlateNesting int
}

func defaultConfig() config {
	return config{
		numParticles:    1,
		sumSites:        true,
		maxPlateNesting: -1,
	}
}

// Option configures an estimator.
type Option func(*config) error

// NumParticles sets how many samples form the loss estimate.
func NumParticles(n int) Option {
	return func(c *config) error {
		if n < 1 {
			return fmt.Errorf("numParticles: need at least 1 particle, "+
				"got %d", n)
		}
		c.numParticles = n
		return nil
	}
}

// VectorizeParticles accepts a bool or a ParticleMapper. Graph
// construction lays out every particle in the same expression graph
// either way, so both boolean settings build identical graphs; a
// ParticleMapper takes over the mapping entirely.
func VectorizeParticles(v interface{}) Option {
	return func(c *config) error {
		switch m := v.(type) {
		case bool:
			c.mapper = nil
		case ParticleMapper:
			c.mapper = m
		case func(func(goppl.Key) (*G.Node, error), []goppl.Key) (
			[]*G.Node, error):
			c.mapper = m
		default:
			return fmt.Errorf("vectorizeParticles: need a bool or a "+
				"ParticleMapper, got %T", v)
		}
		return nil
	}
}

// MultiSampleGuide declares that the guide proposes several samples at
// once on a leading axis. Recognized by TraceELBO only.
func MultiSampleGuide() Option {
	return func(c *config) error {
		c.multiSample = true
		return nil
	}
}

// SumSites controls whether the loss sums contributions from all sites
// (the default) or additionally reports them per site through
// LossResult.SiteLosses.
func SumSites(sum bool) Option {
	return func(c *config) error {
		c.sumSites = sum
		return nil
	}
}

// MaxPlateNesting fixes the number of plate dimensions the enumeration
// estimator reserves. Without it, TraceEnumELBO guesses by running the
// programs once on a scratch graph.
func MaxPlateNesting(n int) Option {
	return func(c *config) error {
		if n < 0 {
			return fmt.Errorf("maxPlateNesting: must be non-negative, "+
				"got %d", n)
		}
		c.maxPlateNesting = n
		return nil
	}
}

func newConfig(opts ...Option) (config, error) {
	c := defaultConfig()
	for _, opt := range opts {
		if err := opt(&c); err != nil {
			return c, err
		}
	}
	return c, nil
}

// mapParticles runs the per-particle builder over keys.
func (c *config) mapParticles(fn func(goppl.Key) (*G.Node, error),
	keys []goppl.Key) ([]*G.Node, error) {
	if c.mapper != nil {
		return c.mapper(fn, keys)
	}

	out := make([]*G.Node, len(keys))
	for i, key := range keys {
		n, err := fn(key)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

// scaleNode multiplies x by the constant s, avoiding the node when the
// scale is trivial.
func scaleNode(g *G.ExprGraph, x *G.Node, s float64) (*G.Node, error) {
	if s == 1 {
		return x, nil
	}
	return G.HadamardProd(x, g.Constant(G.NewF64(s)))
}

// negMean returns the negated mean of the given scalar nodes.
func negMean(g *G.ExprGraph, elbos []*G.Node) (*G.Node, error) {
	total := elbos[0]
	var err error
	for _, e := range elbos[1:] {
		total, err = G.Add(total, e)
		if err != nil {
			return nil, fmt.Errorf("negMean: %v", err)
		}
	}

	if len(elbos) > 1 {
		total, err = G.HadamardDiv(total, g.Constant(G.NewF64(
			float64(len(elbos)))))
		if err != nil {
			return nil, fmt.Errorf("negMean: %v", err)
		}
	}
	return G.Neg(total)
}
