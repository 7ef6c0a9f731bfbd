// Package factor provides log-domain tensors with named dimensions and
// a sum-product contraction over them. Dimension names are bound to
// global positions counted from the right, so factors produced at
// different points of a probabilistic program line up without
// transposes: dim -1 is the rightmost axis of every factor, dim -2 the
// next, and so on. Axes of size one never need a name, which lets a
// factor stay silent about dimensions it does not vary over.
package factor

import (
	"fmt"
	"sort"

	"github.com/samuelfneumann/goppl"
	G "gorgonia.org/gorgonia"
)

// Factor is a tensor of log-scale values with named, right-aligned
// dimensions. The zero value is not usable; construct factors with New.
type Factor struct {
	node  *G.Node
	names map[int]string
}

// New returns a new Factor wrapping node. The names map assigns a name
// to each negative dimension index: -1 is the rightmost axis of node,
// -2 the next, and so on. Every axis of size greater than one must be
// named, no two dimensions may share a name, and every named dimension
// must lie within the node's rank.
func New(node *G.Node, names map[int]string) (*Factor, error) {
	rank := len(node.Shape())

	seen := make(map[string]int, len(names))
	for dim, name := range names {
		if dim >= 0 || dim < -rank {
			return nil, fmt.Errorf("new: dim %d out of range for rank %d",
				dim, rank)
		}
		if name == "" {
			return nil, fmt.Errorf("new: dim %d has an empty name", dim)
		}
		if prev, ok := seen[name]; ok {
			return nil, fmt.Errorf("new: name %q bound to both dim %d "+
				"and dim %d", name, prev, dim)
		}
		seen[name] = dim
	}

	for axis, size := range node.Shape() {
		dim := axis - rank
		if size > 1 {
			if _, ok := names[dim]; !ok {
				return nil, fmt.Errorf("new: axis %d of shape %v has size "+
					"%d but no name", axis, node.Shape(), size)
			}
		}
	}

	cp := make(map[int]string, len(names))
	for dim, name := range names {
		cp[dim] = name
	}

	return &Factor{node: node, names: cp}, nil
}

// Node returns the underlying log-scale node.
func (f *Factor) Node() *G.Node { return f.node }

// Names returns a copy of the dim-to-name binding.
func (f *Factor) Names() map[int]string {
	cp := make(map[int]string, len(f.names))
	for dim, name := range f.names {
		cp[dim] = name
	}
	return cp
}

// Dim returns the global dimension bound to name, or false when the
// factor does not vary over it.
func (f *Factor) Dim(name string) (int, bool) {
	for dim, n := range f.names {
		if n == name {
			return dim, true
		}
	}
	return 0, false
}

// Has returns whether the factor varies over the named dimension.
func (f *Factor) Has(name string) bool {
	_, ok := f.Dim(name)
	return ok
}

// sortedDims returns the factor's named dims in ascending order, kept
// deterministic so repeated runs build identical graphs.
func (f *Factor) sortedDims() []int {
	dims := make([]int, 0, len(f.names))
	for dim := range f.names {
		dims = append(dims, dim)
	}
	sort.Ints(dims)
	return dims
}

// Join broadcast-adds the given factors into one. Factors are aligned
// by their global dimension positions; a name bound to different dims
// in two factors, or two names on the same dim, is an error.
func Join(fs ...*Factor) (*Factor, error) {
	if len(fs) == 0 {
		return nil, fmt.Errorf("join: no factors")
	}

	names := make(map[int]string)
	byName := make(map[string]int)
	for _, f := range fs {
		for dim, name := range f.names {
			if prev, ok := byName[name]; ok && prev != dim {
				return nil, fmt.Errorf("join: name %q bound to both dim "+
					"%d and dim %d", name, prev, dim)
			}
			if prev, ok := names[dim]; ok && prev != name {
				return nil, fmt.Errorf("join: dim %d named both %q and "+
					"%q", dim, prev, name)
			}
			names[dim] = name
			byName[name] = dim
		}
	}

	node := fs[0].node
	for _, f := range fs[1:] {
		var err error
		node, err = goppl.BAdd(node, f.node)
		if err != nil {
			return nil, fmt.Errorf("join: %v", err)
		}
	}

	return New(node, names)
}

// reduce collapses every named dim in eliminate to a singleton, either
// by log-sum-exp or by summation. Collapsed axes stay in the shape so
// the remaining dims keep their global positions.
func (f *Factor) reduce(eliminate map[string]bool, lse bool) (*Factor,
	error) {
	node := f.node
	rank := len(node.Shape())
	names := f.Names()

	for _, dim := range f.sortedDims() {
		if !eliminate[f.names[dim]] {
			continue
		}

		axis := dim + rank
		var err error
		if lse {
			node, err = goppl.LogSumExpKeepDims(node, axis)
		} else {
			node, err = goppl.SumKeepDims(node, axis)
		}
		if err != nil {
			return nil, fmt.Errorf("reduce: dim %d: %v", dim, err)
		}
		delete(names, dim)
	}

	return New(node, names)
}

// LogSumExpOut marginalizes the named dimensions in the log domain.
func (f *Factor) LogSumExpOut(names map[string]bool) (*Factor, error) {
	return f.reduce(names, true)
}

// SumOut sums the named dimensions, as a plate reduction does.
func (f *Factor) SumOut(names map[string]bool) (*Factor, error) {
	return f.reduce(names, false)
}

// Mul broadcast-multiplies the receiver by g elementwise, with the
// same alignment rules as Join. Use this for weighting a factor by a
// probability-scale correction.
func (f *Factor) Mul(g *Factor) (*Factor, error) {
	names := f.Names()
	byName := make(map[string]int, len(names))
	for dim, name := range names {
		byName[name] = dim
	}
	for dim, name := range g.names {
		if prev, ok := byName[name]; ok && prev != dim {
			return nil, fmt.Errorf("mul: name %q bound to both dim %d "+
				"and dim %d", name, prev, dim)
		}
		if prev, ok := names[dim]; ok && prev != name {
			return nil, fmt.Errorf("mul: dim %d named both %q and %q",
				dim, prev, name)
		}
		names[dim] = name
		byName[name] = dim
	}

	node, err := goppl.BMul(f.node, g.node)
	if err != nil {
		return nil, fmt.Errorf("mul: %v", err)
	}
	return New(node, names)
}

// Exp exponentiates the factor elementwise, moving it from the log
// domain to the probability domain. Names are preserved.
func (f *Factor) Exp() (*Factor, error) {
	node, err := G.Exp(f.node)
	if err != nil {
		return nil, fmt.Errorf("exp: %v", err)
	}
	return New(node, f.names)
}

// Detach stops gradient flow through the factor's values.
func (f *Factor) Detach() (*Factor, error) {
	node, err := goppl.Detach(f.node)
	if err != nil {
		return nil, fmt.Errorf("detach: %v", err)
	}
	return New(node, f.names)
}

// Scale multiplies the factor by a constant.
func (f *Factor) Scale(s float64) (*Factor, error) {
	if s == 1.0 {
		return f, nil
	}
	c := f.node.Graph().Constant(G.NewF64(s))
	node, err := G.HadamardProd(f.node, c)
	if err != nil {
		return nil, fmt.Errorf("scale: %v", err)
	}
	return New(node, f.names)
}

// ReduceAll sums every remaining axis, returning a scalar node. Any
// still-named dimension is summed over as a plate would be.
func (f *Factor) ReduceAll() (*G.Node, error) {
	return goppl.SumAll(f.node)
}

// SumProduct contracts the given factors down to a single factor: the
// factors are joined by broadcast addition, then every eliminated
// dimension naming a latent variable is marginalized by log-sum-exp,
// and finally every eliminated plate dimension is summed. Eliminating
// variables before plates is what makes the contraction exact: a plate
// axis carries independent terms whose sum must happen outside the
// log-sum-exp of the variables indexed within it.
//
// The plates set declares which names are plate dimensions; every
// other name is a variable. Names in eliminate that no factor varies
// over are ignored.
func SumProduct(fs []*Factor, plates, eliminate map[string]bool) (
	*Factor, error) {
	joined, err := Join(fs...)
	if err != nil {
		return nil, fmt.Errorf("sumProduct: %v", err)
	}

	vars := make(map[string]bool)
	elimPlates := make(map[string]bool)
	for name := range eliminate {
		if !joined.Has(name) {
			continue
		}
		if plates[name] {
			elimPlates[name] = true
		} else {
			vars[name] = true
		}
	}

	out, err := joined.LogSumExpOut(vars)
	if err != nil {
		return nil, fmt.Errorf("sumProduct: %v", err)
	}
	out, err = out.SumOut(elimPlates)
	if err != nil {
		return nil, fmt.Errorf("sumProduct: %v", err)
	}
	return out, nil
}
