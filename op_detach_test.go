package goppl

import (
	"testing"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

func TestDetachForward(t *testing.T) {
	g := G.NewGraph()
	x := tensorNode(g, tensor.Shape{3}, []float64{1, 2, 3})

	out, err := Detach(x)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	val := evalNode(t, g, out)
	checkFloats(t, val, tensor.Shape{3}, []float64{1, 2, 3})
}

func TestDetachBlocksGradient(t *testing.T) {
	g := G.NewGraph()
	backing := tensor.NewDense(tensor.Float64, tensor.Shape{3},
		tensor.WithBacking([]float64{1, 2, 3}))
	x := G.NewTensor(g, tensor.Float64, 1, G.WithShape(3),
		G.WithValue(backing), G.WithName("x"))

	detached, err := Detach(x)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sum, err := G.Add(x, detached)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cost, err := SumAll(sum)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	grads, err := G.Grad(cost, x)
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

	// d/dx sum(x + detach(x)) is 1 everywhere: the detached branch
	// contributes nothing.
	checkFloats(t, gradVal, tensor.Shape{3}, []float64{1, 1, 1})
}
