package goppl

import (
	"fmt"
	"hash"

	"github.com/chewxy/hm"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Take looks up table, a vector of length K, at every index in
// indices, returning a node shaped like indices. Index values are
// category codes stored in the table's float type (the value type
// produced by discrete distributions here). The operation is
// differentiable with respect to the table — the gradient scatter-adds
// into the looked-up entries — and not with respect to the indices.
func Take(table, indices *G.Node) (*G.Node, error) {
	if table.Dtype() != indices.Dtype() {
		return nil, fmt.Errorf("take: table and indices should have the "+
			"same dtype but got %v and %v", table.Dtype(), indices.Dtype())
	}
	if len(table.Shape()) != 1 {
		return nil, fmt.Errorf("take: table must be a vector but got "+
			"shape %v", table.Shape())
	}

	op := &takeOp{
		dt:   table.Dtype(),
		dims: len(indices.Shape()),
	}
	return G.ApplyOp(op, table, indices)
}

type takeOp struct {
	dt   tensor.Dtype
	dims int // dimensions of the indices tensor (and of the output)
}

func (t *takeOp) Arity() int { return 2 }

func (t *takeOp) Type() hm.Type {
	table := G.TensorType{Dims: 1, Of: t.dt}
	indices := G.TensorType{Dims: t.dims, Of: t.dt}
	return hm.NewFnType(table, indices, indices)
}

func (t *takeOp) InferShape(inputs ...G.DimSizer) (tensor.Shape, error) {
	err := CheckArity(t, len(inputs))
	if err != nil {
		return nil, fmt.Errorf("inferShape: %v", err)
	}

	shapes, err := G.DimSizersToShapes(inputs)
	if err != nil {
		return nil, fmt.Errorf("inferShape: %v", err)
	}
	return shapes[1], nil
}

func (t *takeOp) ReturnsPtr() bool { return false }

func (t *takeOp) CallsExtern() bool { return false }

func (t *takeOp) OverwritesInput() int { return -1 }

func (t *takeOp) String() string {
	return fmt.Sprintf("Take{dims=%v}()", t.dims)
}

func (t *takeOp) WriteHash(h hash.Hash) { fmt.Fprint(h, t.String()) }

func (t *takeOp) Hashcode() uint32 { return SimpleHash(t) }

func (t *takeOp) DiffWRT(inputs int) []bool {
	// Differentiable WRT the table, not the indices
	return []bool{true, false}
}

func (t *takeOp) SymDiff(inputs G.Nodes, output, grad *G.Node) (G.Nodes,
	error) {
	err := CheckArity(t, len(inputs))
	if err != nil {
		return nil, fmt.Errorf("symDiff: %v", err)
	}

	diffOp := &takeDiffOp{t}
	nodes := make(G.Nodes, 2)

	nodes[0], err = G.ApplyOp(diffOp, inputs[0], inputs[1], grad)

	return nodes, err
}

func (t *takeOp) Do(inputs ...G.Value) (G.Value, error) {
	if err := t.checkInputs(inputs...); err != nil {
		return nil, fmt.Errorf("do: %v", err)
	}

	table := inputs[0].(tensor.Tensor)
	indices := inputs[1].(tensor.Tensor)

	out := tensor.New(
		tensor.Of(t.dt),
		tensor.WithShape(indices.Shape().Clone()...),
	)

	switch t.dt {
	case tensor.Float64:
		tab := table.Data().([]float64)
		idx := indices.Data().([]float64)
		for i, v := range idx {
			j := int(v)
			if j < 0 || j >= len(tab) {
				return nil, fmt.Errorf("do: index %v out of range for "+
					"table of length %v", j, len(tab))
			}
			out.Set(i, tab[j])
		}

	case tensor.Float32:
		tab := table.Data().([]float32)
		idx := indices.Data().([]float32)
		for i, v := range idx {
			j := int(v)
			if j < 0 || j >= len(tab) {
				return nil, fmt.Errorf("do: index %v out of range for "+
					"table of length %v", j, len(tab))
			}
			out.Set(i, tab[j])
		}

	default:
		return nil, fmt.Errorf("do: dtype %v not supported", t.dt)
	}

	return out, nil
}

func (t *takeOp) checkInputs(inputs ...G.Value) error {
	if err := CheckArity(t, len(inputs)); err != nil {
		return err
	}

	table, ok := inputs[0].(tensor.Tensor)
	if !ok {
		return fmt.Errorf("expected table to be a tensor but got %T",
			inputs[0])
	} else if table.Size() == 0 {
		return fmt.Errorf("cannot take from an empty table")
	} else if len(table.Shape()) != 1 {
		return fmt.Errorf("expected table to be a vector but got shape %v",
			table.Shape())
	}

	indices, ok := inputs[1].(tensor.Tensor)
	if !ok {
		return fmt.Errorf("expected indices to be a tensor but got %T",
			inputs[1])
	} else if indices.Size() == 0 {
		return fmt.Errorf("cannot take with empty indices")
	}

	return nil
}

// takeDiffOp scatter-adds the output gradient back into the table
// positions the forward pass read from.
type takeDiffOp struct {
	op *takeOp
}

func (t *takeDiffOp) Arity() int { return 3 }

func (t *takeDiffOp) Type() hm.Type {
	table := G.TensorType{Dims: 1, Of: t.op.dt}
	indices := G.TensorType{Dims: t.op.dims, Of: t.op.dt}
	return hm.NewFnType(table, indices, indices, table)
}

func (t *takeDiffOp) InferShape(inputs ...G.DimSizer) (tensor.Shape, error) {
	err := CheckArity(t, len(inputs))
	if err != nil {
		return nil, fmt.Errorf("inferShape: %v", err)
	}

	shapes, err := G.DimSizersToShapes(inputs)
	if err != nil {
		return nil, fmt.Errorf("inferShape: %v", err)
	}
	return shapes[0], nil
}

func (t *takeDiffOp) ReturnsPtr() bool { return false }

func (t *takeDiffOp) CallsExtern() bool { return false }

func (t *takeDiffOp) OverwritesInput() int { return -1 }

func (t *takeDiffOp) String() string {
	return fmt.Sprintf("TakeDiff{dims=%v}()", t.op.dims)
}

func (t *takeDiffOp) WriteHash(h hash.Hash) { fmt.Fprint(h, t.String()) }

func (t *takeDiffOp) Hashcode() uint32 { return SimpleHash(t) }

func (t *takeDiffOp) Do(inputs ...G.Value) (G.Value, error) {
	if err := CheckArity(t, len(inputs)); err != nil {
		return nil, fmt.Errorf("do: %v", err)
	}

	table := inputs[0].(tensor.Tensor)
	indices := inputs[1].(tensor.Tensor)
	grad := inputs[2].(tensor.Tensor)

	out := tensor.New(
		tensor.Of(t.op.dt),
		tensor.WithShape(table.Shape().Clone()...),
	)

	switch t.op.dt {
	case tensor.Float64:
		acc := out.Data().([]float64)
		idx := indices.Data().([]float64)
		g := grad.Data().([]float64)
		for i, v := range idx {
			acc[int(v)] += g[i]
		}

	case tensor.Float32:
		acc := out.Data().([]float32)
		idx := indices.Data().([]float32)
		g := grad.Data().([]float32)
		for i, v := range idx {
			acc[int(v)] += g[i]
		}

	default:
		return nil, fmt.Errorf("do: dtype %v not supported", t.op.dt)
	}

	return out, nil
}
