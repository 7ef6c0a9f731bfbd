package goppl

import (
	"fmt"
	"hash/fnv"

	"gorgonia.org/gorgonia"
)

// SimpleHash computes the 32-bit FNV-1a hash of an Op from its
// WriteHash output, mirroring how Gorgonia hashes its built-in ops.
func SimpleHash(op gorgonia.Op) uint32 {
	h := fnv.New32a()
	op.WriteHash(h)
	return h.Sum32()
}

// CheckArity verifies that an op received as many inputs as its Arity
// declares. Ops with a negative arity accept any number of inputs.
func CheckArity(op gorgonia.Op, inputs int) error {
	if inputs != op.Arity() && op.Arity() >= 0 {
		return fmt.Errorf("%v expects %d inputs, got %d", op, op.Arity(),
			inputs)
	}
	return nil
}
