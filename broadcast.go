package goppl

import (
	"fmt"

	G "gorgonia.org/gorgonia"
)

// Right-aligned broadcasting helpers. Gorgonia's broadcast operations
// want explicit patterns naming the axes being broadcast along; plate
// and enumeration dimensions are right-aligned here, so the patterns
// can always be computed from the two shapes. Scalar operands take the
// plain elementwise path, which Gorgonia handles directly.

// BAdd adds a and b, broadcasting right-aligned shapes.
func BAdd(a, b *G.Node) (*G.Node, error) {
	return broadcast2(a, b, G.Add, G.BroadcastAdd)
}

// BSub subtracts b from a, broadcasting right-aligned shapes.
func BSub(a, b *G.Node) (*G.Node, error) {
	return broadcast2(a, b, G.Sub, G.BroadcastSub)
}

// BMul multiplies a and b elementwise, broadcasting right-aligned
// shapes.
func BMul(a, b *G.Node) (*G.Node, error) {
	return broadcast2(a, b, G.HadamardProd, G.BroadcastHadamardProd)
}

// BDiv divides a by b elementwise, broadcasting right-aligned shapes.
func BDiv(a, b *G.Node) (*G.Node, error) {
	return broadcast2(a, b, G.HadamardDiv, G.BroadcastHadamardDiv)
}

type binOp func(a, b *G.Node) (*G.Node, error)

type broadcastBinOp func(a, b *G.Node, leftPattern,
	rightPattern []byte) (*G.Node, error)

func broadcast2(a, b *G.Node, plain binOp, bcast broadcastBinOp) (*G.Node,
	error) {
	if a.IsScalar() || b.IsScalar() || a.Shape().Eq(b.Shape()) {
		return plain(a, b)
	}

	a2, b2, err := padRanks(a, b)
	if err != nil {
		return nil, err
	}

	var left, right []byte
	for i := range a2.Shape() {
		sa, sb := a2.Shape()[i], b2.Shape()[i]
		switch {
		case sa == sb:
		case sa == 1:
			left = append(left, byte(i))
		case sb == 1:
			right = append(right, byte(i))
		default:
			return nil, fmt.Errorf("broadcast: shapes %v and %v do not "+
				"align at axis %d", a.Shape(), b.Shape(), i)
		}
	}

	if left == nil && right == nil {
		return plain(a2, b2)
	}
	return bcast(a2, b2, left, right)
}

// padRanks reshapes the lower-rank operand with leading singleton axes
// so both operands have equal rank.
func padRanks(a, b *G.Node) (*G.Node, *G.Node, error) {
	ra, rb := len(a.Shape()), len(b.Shape())
	if ra == rb {
		return a, b, nil
	}

	pad := func(n *G.Node, to int) (*G.Node, error) {
		shape := make([]int, to)
		lead := to - len(n.Shape())
		for i := 0; i < lead; i++ {
			shape[i] = 1
		}
		copy(shape[lead:], n.Shape())
		return G.Reshape(n, shape)
	}

	var err error
	if ra < rb {
		a, err = pad(a, rb)
	} else {
		b, err = pad(b, ra)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("broadcast: could not pad rank: %v", err)
	}
	return a, b, nil
}
