package goppl

import (
	"fmt"
	"hash"

	"github.com/chewxy/hm"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Detach passes a node's value through unchanged but blocks gradient
// flow into it: the returned node is treated as a constant by
// differentiation. Estimators use it to build surrogate objectives
// whose value and gradient are decoupled, such as
// surrogate - Detach(surrogate), which contributes zero value but a
// live gradient.
func Detach(x *G.Node) (*G.Node, error) {
	return G.ApplyOp(&detachOp{}, x)
}

type detachOp struct{}

func (d *detachOp) Arity() int { return 1 }

func (d *detachOp) Type() hm.Type {
	a := hm.TypeVariable('a')
	return hm.NewFnType(a, a)
}

func (d *detachOp) InferShape(inputs ...G.DimSizer) (tensor.Shape, error) {
	err := CheckArity(d, len(inputs))
	if err != nil {
		return nil, fmt.Errorf("inferShape: %v", err)
	}
	if inputs[0] == nil {
		return nil, fmt.Errorf("inferShape: nil input")
	}

	return inputs[0].(tensor.Shape), nil
}

func (d *detachOp) Do(values ...G.Value) (G.Value, error) {
	if err := CheckArity(d, len(values)); err != nil {
		return nil, fmt.Errorf("do: %v", err)
	}
	if values[0] == nil {
		return nil, fmt.Errorf("do: no input")
	}

	return values[0], nil
}

func (d *detachOp) ReturnsPtr() bool { return true }

func (d *detachOp) CallsExtern() bool { return false }

func (d *detachOp) OverwritesInput() int { return 0 }

func (d *detachOp) String() string { return "Detach" }

func (d *detachOp) WriteHash(h hash.Hash) { fmt.Fprint(h, d.String()) }

func (d *detachOp) Hashcode() uint32 { return SimpleHash(d) }

// DiffWRT reports that the op is differentiable with respect to
// nothing: gradients stop here.
func (d *detachOp) DiffWRT(inputs int) []bool {
	if inputs != 1 {
		panic(fmt.Sprintf("detach operator only supports one input, "+
			"got %d instead", inputs))
	}
	return []bool{false}
}

func (d *detachOp) SymDiff(inputs G.Nodes, output,
	grad *G.Node) (G.Nodes, error) {
	return nil, fmt.Errorf("symDiff: detach is not differentiable")
}
