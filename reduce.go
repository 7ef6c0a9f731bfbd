package goppl

import (
	"fmt"
	"math"

	G "gorgonia.org/gorgonia"
)

// LogSumExp calculates the log of the summation of exponentials of
// all values along the given axis, stabilized by factoring out the
// running maximum. The result drops the reduced axis.
//
// Use this in place of Gorgonia's LogSumExp, which has the final sum
// and log interchanged, which is incorrect.
func LogSumExp(x *G.Node, along int) (*G.Node, error) {
	max, err := G.Max(x, along)
	if err != nil {
		return nil, fmt.Errorf("logSumExp: %v", err)
	}

	exponent, err := BSub(x, keepDim(max, x, along))
	if err != nil {
		return nil, fmt.Errorf("logSumExp: %v", err)
	}
	exponent, err = G.Exp(exponent)
	if err != nil {
		return nil, fmt.Errorf("logSumExp: %v", err)
	}

	sum, err := G.Sum(exponent, along)
	if err != nil {
		return nil, fmt.Errorf("logSumExp: %v", err)
	}
	log, err := G.Log(sum)
	if err != nil {
		return nil, fmt.Errorf("logSumExp: %v", err)
	}

	return G.Add(max, log)
}

// keepDim reshapes a reduction result back to the rank of the input it
// was reduced from, with a singleton at the reduced axis. Errors are
// impossible here since the target shape has the same size.
func keepDim(reduced, from *G.Node, along int) *G.Node {
	shape := make([]int, len(from.Shape()))
	copy(shape, from.Shape())
	shape[along] = 1
	return G.Must(G.Reshape(reduced, shape))
}

// SumKeepDims sums x along the given axis, keeping the axis as a
// singleton so that right-aligned dimension indices stay valid.
func SumKeepDims(x *G.Node, along int) (*G.Node, error) {
	sum, err := G.Sum(x, along)
	if err != nil {
		return nil, fmt.Errorf("sumKeepDims: %v", err)
	}
	return G.Reshape(sum, keepShape(x, along))
}

func keepShape(x *G.Node, along int) []int {
	shape := make([]int, len(x.Shape()))
	copy(shape, x.Shape())
	shape[along] = 1
	return shape
}

// LogSumExpKeepDims is LogSumExp with the reduced axis kept as a
// singleton.
func LogSumExpKeepDims(x *G.Node, along int) (*G.Node, error) {
	lse, err := LogSumExp(x, along)
	if err != nil {
		return nil, err
	}
	return G.Reshape(lse, keepShape(x, along))
}

// SumAll reduces x to a scalar by summation over every axis.
func SumAll(x *G.Node) (*G.Node, error) {
	var err error
	for !x.IsScalar() {
		x, err = G.Sum(x, 0)
		if err != nil {
			return nil, fmt.Errorf("sumAll: %v", err)
		}
	}
	return x, nil
}

// DropDims reshapes x with the given singleton axes removed. Every
// named axis must have size 1.
func DropDims(x *G.Node, axes ...int) (*G.Node, error) {
	drop := make(map[int]bool, len(axes))
	for _, axis := range axes {
		if axis < 0 || axis >= len(x.Shape()) {
			return nil, fmt.Errorf("dropDims: axis %d out of range for "+
				"shape %v", axis, x.Shape())
		}
		if x.Shape()[axis] != 1 {
			return nil, fmt.Errorf("dropDims: axis %d of shape %v is not "+
				"a singleton", axis, x.Shape())
		}
		drop[axis] = true
	}

	shape := make([]int, 0, len(x.Shape())-len(axes))
	for i, size := range x.Shape() {
		if !drop[i] {
			shape = append(shape, size)
		}
	}
	if len(shape) == 0 {
		shape = []int{1}
	}
	return G.Reshape(x, shape)
}

// SqueezeLeadingOnes drops every leading singleton axis of x.
func SqueezeLeadingOnes(x *G.Node) (*G.Node, error) {
	lead := 0
	for lead < len(x.Shape())-1 && x.Shape()[lead] == 1 {
		lead++
	}
	if lead == 0 {
		return x, nil
	}
	return G.Reshape(x, x.Shape()[lead:])
}

// Stack concatenates the given nodes, which must share a shape, along
// a new leading axis.
func Stack(ns []*G.Node) (*G.Node, error) {
	if len(ns) == 0 {
		return nil, fmt.Errorf("stack: no nodes")
	}

	expanded := make([]*G.Node, len(ns))
	for i, n := range ns {
		shape := append([]int{1}, n.Shape()...)
		e, err := G.Reshape(n, shape)
		if err != nil {
			return nil, fmt.Errorf("stack: %v", err)
		}
		expanded[i] = e
	}
	if len(expanded) == 1 {
		return expanded[0], nil
	}
	return G.Concat(0, expanded...)
}

// LogFull returns a float64 scalar constant holding log(n), used when
// averaging in the log domain.
func LogFull(g *G.ExprGraph, n int) *G.Node {
	return g.Constant(G.NewF64(math.Log(float64(n))))
}
