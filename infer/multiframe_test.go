package infer

import (
	"math"
	"testing"

	"github.com/samuelfneumann/goppl"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

func matrixNode(g *G.ExprGraph, rows, cols int,
	backing []float64) *G.Node {
	t := tensor.NewDense(tensor.Float64, tensor.Shape{rows, cols},
		tensor.WithBacking(backing))
	return G.NewTensor(g, tensor.Float64, 2, G.WithShape(rows, cols),
		G.WithValue(t), G.WithName(uniqueNodeName()))
}

func evalFloats(t *testing.T, g *G.ExprGraph, n *G.Node) []float64 {
	t.Helper()

	var val G.Value
	G.Read(n, &val)

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("could not run graph: %v", err)
	}

	switch d := val.Data().(type) {
	case []float64:
		return d
	case float64:
		return []float64{d}
	}
	t.Fatalf("expected float64 data but got %T", val.Data())
	return nil
}

func TestMultiFrameTensorMergesFrameSets(t *testing.T) {
	g := G.NewGraph()
	m := NewMultiFrameTensor(g)
	frames := []goppl.Frame{{Name: "a", Dim: -1, Size: 2, Subsample: 2}}

	if err := m.Add(frames, vectorNode(g, []float64{1, 2})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Add(frames, vectorNode(g, []float64{10, 20})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Len() != 1 {
		t.Fatalf("expected tensors under the same plates to merge but "+
			"got %d entries", m.Len())
	}

	out, err := m.SumTo(frames)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := evalFloats(t, g, out)
	want := []float64{11, 22}
	for i := range want {
		if math.Abs(got[i]-want[i]) > tolerance {
			t.Errorf("element %d: expected %v but got %v", i, want[i],
				got[i])
		}
	}
}

func TestMultiFrameTensorSumTo(t *testing.T) {
	g := G.NewGraph()
	m := NewMultiFrameTensor(g)

	a := goppl.Frame{Name: "a", Dim: -2, Size: 2, Subsample: 2}
	b := goppl.Frame{Name: "b", Dim: -1, Size: 3, Subsample: 3}

	err := m.Add([]goppl.Frame{a, b}, matrixNode(g, 2, 3,
		[]float64{1, 2, 3, 4, 5, 6}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = m.Add(nil, scalarNode(g, 100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Reducing to plate a sums the b axis of the first group and
	// broadcasts the scalar group in.
	out, err := m.SumTo([]goppl.Frame{a})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := evalFloats(t, g, out)
	want := []float64{106, 115}
	if len(got) != len(want) {
		t.Fatalf("expected %d elements but got %d", len(want), len(got))
	}
	for i := range want {
		if math.Abs(got[i]-want[i]) > tolerance {
			t.Errorf("element %d: expected %v but got %v", i, want[i],
				got[i])
		}
	}
}

func TestMultiFrameTensorEmpty(t *testing.T) {
	g := G.NewGraph()
	m := NewMultiFrameTensor(g)

	out, err := m.SumTo(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := evalFloats(t, g, out)
	if len(got) != 1 || got[0] != 0 {
		t.Errorf("expected a scalar zero but got %v", got)
	}
}

func TestMultiFrameTensorDimValidation(t *testing.T) {
	g := G.NewGraph()
	m := NewMultiFrameTensor(g)

	frames := []goppl.Frame{{Name: "a", Dim: -3, Size: 2, Subsample: 2}}
	err := m.Add(frames, vectorNode(g, []float64{1, 2}))
	if err == nil {
		t.Error("expected an error for a plate dim beyond the tensor rank")
	}
}
