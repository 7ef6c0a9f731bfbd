package goppl

import (
	"fmt"

	"golang.org/x/exp/rand"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Context is the execution context threaded through a running program.
// It carries the expression graph, the random source, value and
// parameter overrides, the recording trace, and the stack of plates
// currently open. Effect handlers work by copying a Context and
// changing one of these fields; the recording trace is always shared
// so that nested handlers write into the same record.
type Context struct {
	g   *G.ExprGraph
	tr  *Trace
	key Key
	src rand.Source

	// replay forces sample sites to reuse values from another trace.
	replay *Trace

	// data overrides site and parameter values by name.
	data map[string]*G.Node

	// stack holds the currently open plate frames, outermost first.
	stack []Frame

	// enum, when non-nil, switches sample-site execution to the
	// enumeration interpretation.
	enum *EnumState
}

// Graph returns the expression graph the program builds into.
func (c *Context) Graph() *G.ExprGraph { return c.g }

// nextKey derives a fresh sub-key for the next random draw. Draws are
// deterministic given the context's key and the program's site order.
func (c *Context) nextKey() Key {
	if c.src == nil {
		c.src = rand.NewSource(uint64(c.key))
	}
	return Key(c.src.Uint64())
}

func (c *Context) lookup(name string) *G.Node {
	if c.data == nil {
		return nil
	}
	return c.data[name]
}

type sampleConfig struct {
	obs   *G.Node
	scale float64
	infer Infer
}

// SampleOption configures a sample site.
type SampleOption func(*sampleConfig)

// Observe marks the site as observed with the given value.
func Observe(value *G.Node) SampleOption {
	return func(cfg *sampleConfig) { cfg.obs = value }
}

// WithScale multiplies the site's log-density by s.
func WithScale(s float64) SampleOption {
	return func(cfg *sampleConfig) { cfg.scale = s }
}

// WithInfer attaches inference metadata to the site.
func WithInfer(inf Infer) SampleOption {
	return func(cfg *sampleConfig) { cfg.infer = inf }
}

// Sample declares a random choice or observation named name with
// distribution d and returns its value. The value is resolved in
// order: an observation passed through Observe, a replayed value from
// a Replay handler, a substituted value from a Substitute handler, the
// enumerated support under the enumeration interpretation, and finally
// a fresh draw (reparameterized when the distribution supports it).
func (c *Context) Sample(name string, d Dist, opts ...SampleOption) (*G.Node, error) {
	cfg := sampleConfig{scale: 1}
	for _, opt := range opts {
		opt(&cfg)
	}

	var value *G.Node
	observed := false
	switch {
	case cfg.obs != nil:
		value = cfg.obs
		observed = true

	case c.replay != nil && c.replay.Has(name):
		site := c.replay.Get(name)
		if site.Kind != KindSample {
			return nil, fmt.Errorf("sample: replayed site %q is a %v site,"+
				" not a sample site", name, site.Kind)
		}
		value = site.Value
		cfg.infer.Enumerate = site.Infer.Enumerate

	case c.lookup(name) != nil:
		value = c.lookup(name)

	case c.enum != nil && cfg.infer.Enumerate == ParallelEnumeration:
		var err error
		value, err = c.enum.enumerate(name, d)
		if err != nil {
			return nil, fmt.Errorf("sample: %v", err)
		}

	default:
		var err error
		if d.HasRsample() {
			value, err = d.Rsample(c.nextKey())
		} else {
			value, err = d.Sample(c.nextKey())
		}
		if err != nil {
			return nil, fmt.Errorf("sample: could not draw site %q: %v",
				name, err)
		}
	}

	scale := cfg.scale
	for _, f := range c.stack {
		scale *= f.Scale()
	}

	site := &Site{
		Name:     name,
		Kind:     KindSample,
		Dist:     d,
		Value:    value,
		Frames:   c.frames(),
		Observed: observed,
		Scale:    scale,
		Infer:    cfg.infer,
	}
	if err := c.tr.Add(site); err != nil {
		return nil, fmt.Errorf("sample: %v", err)
	}
	return value, nil
}

// Param declares a learnable parameter and returns its current value
// from the substituted parameter set.
func (c *Context) Param(name string) (*G.Node, error) {
	value := c.lookup(name)
	if value == nil {
		return nil, fmt.Errorf("param: no value for parameter site %q", name)
	}

	site := &Site{
		Name:   name,
		Kind:   KindParam,
		Value:  value,
		Frames: c.frames(),
		Scale:  1,
	}
	if err := c.tr.Add(site); err != nil {
		return nil, fmt.Errorf("param: %v", err)
	}
	return value, nil
}

// Mutable declares a state slot. The recorded value, value, is what a
// loss evaluation surfaces back to the caller as mutable state; the
// returned node is the slot's current value, which is the substituted
// value when one exists and value otherwise.
func (c *Context) Mutable(name string, value *G.Node) (*G.Node, error) {
	current := c.lookup(name)
	if current == nil {
		current = value
	}

	site := &Site{
		Name:   name,
		Kind:   KindMutable,
		Value:  value,
		Frames: c.frames(),
		Scale:  1,
	}
	if err := c.tr.Add(site); err != nil {
		return nil, fmt.Errorf("mutable: %v", err)
	}
	return current, nil
}

// Deterministic records a named intermediate value.
func (c *Context) Deterministic(name string, value *G.Node) error {
	site := &Site{
		Name:   name,
		Kind:   KindDeterministic,
		Value:  value,
		Frames: c.frames(),
		Scale:  1,
	}
	if err := c.tr.Add(site); err != nil {
		return fmt.Errorf("deterministic: %v", err)
	}
	return nil
}

type plateConfig struct {
	subsample int
}

// PlateOption configures a plate.
type PlateOption func(*plateConfig)

// WithSubsample declares that the plate runs on a subsample of n of
// its elements; log-densities under the plate are scaled by size/n.
func WithSubsample(n int) PlateOption {
	return func(cfg *plateConfig) { cfg.subsample = n }
}

// Plate opens a batch context named name of the given size on the
// given (negative, right-aligned) dimension, runs body under it, and
// closes it. Sites declared inside body record the plate in their
// frame stacks.
func (c *Context) Plate(name string, size, dim int, body func() error,
	opts ...PlateOption) error {
	cfg := plateConfig{subsample: size}
	for _, opt := range opts {
		opt(&cfg)
	}

	if dim >= 0 {
		return fmt.Errorf("plate: %q: dim must be negative "+
			"(right-aligned), got %d", name, dim)
	}
	if cfg.subsample <= 0 || cfg.subsample > size {
		return fmt.Errorf("plate: %q: subsample size %d out of range "+
			"(size %d)", name, cfg.subsample, size)
	}
	for _, f := range c.stack {
		if f.Name == name {
			return fmt.Errorf("plate: %q is already open", name)
		}
		if f.Dim == dim {
			return fmt.Errorf("plate: %q: dim %d is already used by "+
				"plate %q", name, dim, f.Name)
		}
	}

	frame := Frame{Name: name, Dim: dim, Size: size, Subsample: cfg.subsample}
	site := &Site{
		Name:   name,
		Kind:   KindPlate,
		Frames: c.frames(),
		Scale:  1,
	}
	if err := c.tr.Add(site); err != nil {
		return fmt.Errorf("plate: %v", err)
	}

	c.stack = append(c.stack, frame)
	err := body()
	c.stack = c.stack[:len(c.stack)-1]
	if err != nil {
		return fmt.Errorf("plate: %q: %v", name, err)
	}
	return nil
}

// frames snapshots the currently open plate stack.
func (c *Context) frames() []Frame {
	if len(c.stack) == 0 {
		return nil
	}
	frames := make([]Frame, len(c.stack))
	copy(frames, c.stack)
	return frames
}

// Constant returns a float64 scalar constant in the context's graph.
func (c *Context) Constant(v float64) *G.Node {
	return c.g.Constant(G.NewF64(v))
}

// Tensor returns a value node in the context's graph holding t.
func (c *Context) Tensor(t tensor.Tensor) *G.Node {
	return G.NewTensor(c.g, t.Dtype(), len(t.Shape()), G.WithShape(
		t.Shape()...), G.WithValue(t))
}
