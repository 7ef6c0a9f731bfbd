package distribution

import (
	"fmt"
	"hash"

	"golang.org/x/exp/rand"

	"github.com/chewxy/hm"
	"github.com/samuelfneumann/goppl"
	"gonum.org/v1/gonum/stat/distuv"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// standardNormal returns a node drawing i.i.d. standard normal values
// of the given shape, seeded by key. The anchor node supplies the
// graph and shape; no gradient flows into it. Reparameterized
// samplers shift and scale the result, which keeps the noise source
// independent of the distribution's parameters.
func standardNormal(g *G.ExprGraph, dt tensor.Dtype, key goppl.Key,
	shape tensor.Shape) (*G.Node, error) {
	op, err := newStandardNormalOp(dt, key, shape...)
	if err != nil {
		return nil, fmt.Errorf("standardNormal: %v", err)
	}

	anchorT := tensor.New(
		tensor.Of(dt),
		tensor.WithShape(shape.Clone()...),
	)
	anchor := G.NewTensor(g, dt, shape.Dims(), G.WithShape(
		shape.Clone()...), G.WithValue(anchorT))

	return G.ApplyOp(op, anchor)
}

type standardNormalOp struct {
	dt    tensor.Dtype
	shape tensor.Shape
	dist  distuv.Normal
}

func newStandardNormalOp(dt tensor.Dtype, key goppl.Key,
	shape ...int) (*standardNormalOp, error) {
	if dt != tensor.Float64 && dt != tensor.Float32 {
		return nil, fmt.Errorf("newStandardNormalOp: dtype %v not "+
			"supported", dt)
	}

	return &standardNormalOp{
		dt:    dt,
		shape: tensor.Shape(shape),
		dist: distuv.Normal{
			Mu:    0.0,
			Sigma: 1.0,
			Src:   rand.NewSource(uint64(key)),
		},
	}, nil
}

func (n *standardNormalOp) Arity() int { return 1 }

func (n *standardNormalOp) Type() hm.Type {
	tt := G.TensorType{
		Dims: n.shape.Dims(),
		Of:   n.dt,
	}

	return hm.NewFnType(tt, tt)
}

func (n *standardNormalOp) InferShape(...G.DimSizer) (tensor.Shape, error) {
	return n.shape, nil
}

func (n *standardNormalOp) ReturnsPtr() bool { return false }

func (n *standardNormalOp) CallsExtern() bool { return false }

func (n *standardNormalOp) OverwritesInput() int { return -1 }

func (n *standardNormalOp) String() string {
	return fmt.Sprintf("StandardNormal{shape=%v}()", n.shape)
}

func (n *standardNormalOp) WriteHash(h hash.Hash) {
	fmt.Fprint(h, n.String())
}

func (n *standardNormalOp) Hashcode() uint32 {
	return goppl.SimpleHash(n)
}

func (n *standardNormalOp) DiffWRT(inputs int) []bool {
	return []bool{false}
}

func (n *standardNormalOp) SymDiff(inputs G.Nodes, output,
	grad *G.Node) (G.Nodes, error) {
	return nil, fmt.Errorf("symDiff: sampling is not differentiable")
}

func (n *standardNormalOp) Do(inputs ...G.Value) (G.Value, error) {
	if err := goppl.CheckArity(n, len(inputs)); err != nil {
		return nil, fmt.Errorf("do: %v", err)
	}

	out := tensor.New(
		tensor.Of(n.dt),
		tensor.WithShape(n.shape.Clone()...),
	)

	switch n.dt {
	case tensor.Float64:
		data := out.Data().([]float64)
		for i := range data {
			data[i] = n.dist.Rand()
		}

	case tensor.Float32:
		data := out.Data().([]float32)
		for i := range data {
			data[i] = float32(n.dist.Rand())
		}
	}

	return out, nil
}
