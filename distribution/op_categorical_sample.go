package distribution

import (
	"fmt"
	"hash"
	"math"

	"golang.org/x/exp/rand"

	"github.com/chewxy/hm"
	"github.com/chewxy/math32"
	"github.com/samuelfneumann/goppl"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// categoricalSampleOp draws a single code from a categorical
// distribution by walking the cumulative distribution with a uniform
// draw. The input is the unnormalized logits vector; normalization
// happens inside the kernel so the op stays stable for large logits.
type categoricalSampleOp struct {
	dt  tensor.Dtype
	k   int
	rng *rand.Rand
}

func newCategoricalSampleOp(dt tensor.Dtype, key goppl.Key,
	k int) *categoricalSampleOp {
	return &categoricalSampleOp{
		dt:  dt,
		k:   k,
		rng: rand.New(rand.NewSource(uint64(key))),
	}
}

func (c *categoricalSampleOp) Arity() int { return 1 }

func (c *categoricalSampleOp) Type() hm.Type {
	in := G.TensorType{Dims: 1, Of: c.dt}
	out := G.TensorType{Dims: 1, Of: c.dt}

	return hm.NewFnType(in, out)
}

func (c *categoricalSampleOp) InferShape(...G.DimSizer) (tensor.Shape,
	error) {
	return tensor.Shape{1}, nil
}

func (c *categoricalSampleOp) ReturnsPtr() bool { return false }

func (c *categoricalSampleOp) CallsExtern() bool { return false }

func (c *categoricalSampleOp) OverwritesInput() int { return -1 }

func (c *categoricalSampleOp) String() string {
	return fmt.Sprintf("CategoricalSample{k=%d}()", c.k)
}

func (c *categoricalSampleOp) WriteHash(h hash.Hash) {
	fmt.Fprint(h, c.String())
}

func (c *categoricalSampleOp) Hashcode() uint32 {
	return goppl.SimpleHash(c)
}

func (c *categoricalSampleOp) DiffWRT(inputs int) []bool {
	return []bool{false}
}

func (c *categoricalSampleOp) SymDiff(inputs G.Nodes, output,
	grad *G.Node) (G.Nodes, error) {
	return nil, fmt.Errorf("symDiff: sampling is not differentiable")
}

func (c *categoricalSampleOp) Do(inputs ...G.Value) (G.Value, error) {
	if err := goppl.CheckArity(c, len(inputs)); err != nil {
		return nil, fmt.Errorf("do: %v", err)
	}

	logits, ok := inputs[0].(tensor.Tensor)
	if !ok {
		return nil, fmt.Errorf("do: expected tensor logits but got %T",
			inputs[0])
	}
	if logits.Shape()[0] != c.k {
		return nil, fmt.Errorf("do: expected %d logits but got %d", c.k,
			logits.Shape()[0])
	}

	out := tensor.New(tensor.Of(c.dt), tensor.WithShape(1))
	u := c.rng.Float64()

	switch c.dt {
	case tensor.Float64:
		data := logits.Data().([]float64)
		max := math.Inf(-1)
		for _, l := range data {
			if l > max {
				max = l
			}
		}
		total := 0.0
		for _, l := range data {
			total += math.Exp(l - max)
		}

		cum := 0.0
		code := c.k - 1
		for i, l := range data {
			cum += math.Exp(l-max) / total
			if u < cum {
				code = i
				break
			}
		}
		out.Data().([]float64)[0] = float64(code)

	case tensor.Float32:
		data := logits.Data().([]float32)
		max := math32.Inf(-1)
		for _, l := range data {
			if l > max {
				max = l
			}
		}
		total := float32(0.0)
		for _, l := range data {
			total += math32.Exp(l - max)
		}

		cum := float32(0.0)
		code := c.k - 1
		for i, l := range data {
			cum += math32.Exp(l-max) / total
			if float32(u) < cum {
				code = i
				break
			}
		}
		out.Data().([]float32)[0] = float32(code)

	default:
		return nil, fmt.Errorf("do: dtype %v not supported", c.dt)
	}

	return out, nil
}
