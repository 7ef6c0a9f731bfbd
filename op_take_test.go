package goppl

import (
	"testing"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

func TestTake(t *testing.T) {
	g := G.NewGraph()
	table := tensorNode(g, tensor.Shape{3}, []float64{10, 20, 30})
	indices := tensorNode(g, tensor.Shape{2, 2}, []float64{0, 2, 1, 0})

	out, err := Take(table, indices)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	val := evalNode(t, g, out)
	checkFloats(t, val, tensor.Shape{2, 2}, []float64{10, 30, 20, 10})
}

func TestTakeGrad(t *testing.T) {
	g := G.NewGraph()
	backing := tensor.NewDense(tensor.Float64, tensor.Shape{3},
		tensor.WithBacking([]float64{10, 20, 30}))
	table := G.NewTensor(g, tensor.Float64, 1, G.WithShape(3),
		G.WithValue(backing), G.WithName("table"))
	indices := tensorNode(g, tensor.Shape{3}, []float64{0, 2, 0})

	out, err := Take(table, indices)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cost, err := SumAll(out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	grads, err := G.Grad(cost, table)
	if err != nil {
		t.Fatalf("could not compute gradient: %v", err)
	}

	var gradVal G.Value
	G.Read(grads[0], &gradVal)

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("could not run graph: %v", err)
	}

	// Index 0 is read twice, index 1 never, index 2 once.
	checkFloats(t, gradVal, tensor.Shape{3}, []float64{2, 0, 1})
}

func TestTakeValidation(t *testing.T) {
	g := G.NewGraph()
	matrix := tensorNode(g, tensor.Shape{2, 2}, []float64{1, 2, 3, 4})
	indices := tensorNode(g, tensor.Shape{2}, []float64{0, 1})

	if _, err := Take(matrix, indices); err == nil {
		t.Error("expected an error for a non-vector table")
	}

	table := tensorNode(g, tensor.Shape{3}, []float64{1, 2, 3})
	f32 := tensor.NewDense(tensor.Float32, tensor.Shape{2},
		tensor.WithBacking([]float32{0, 1}))
	idx32 := G.NewTensor(g, tensor.Float32, 1, G.WithShape(2),
		G.WithValue(f32))
	if _, err := Take(table, idx32); err == nil {
		t.Error("expected an error for mismatched dtypes")
	}
}
