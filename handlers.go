package goppl

import G "gorgonia.org/gorgonia"

// Effect handlers. Each handler returns a new Program that runs p
// under a transformed execution context: handlers copy the incoming
// Context, change one field, and hand the copy to p. The recording
// trace is shared by the copy, so arbitrarily nested handlers all
// write into the trace of the outermost Run.

// Seed fixes the random key p consumes. Two runs of Seed(p, key) draw
// identical randomness at every sample site.
func Seed(p Program, key Key) Program {
	return func(ctx *Context, args ...interface{}) error {
		c := *ctx
		c.key = key
		c.src = nil
		return p(&c, args...)
	}
}

// Substitute forces sites named in data to take the given values
// instead of sampling or looking up parameters. Inner substitutions
// shadow outer ones.
func Substitute(p Program, data map[string]*G.Node) Program {
	return func(ctx *Context, args ...interface{}) error {
		c := *ctx
		if len(data) > 0 {
			merged := make(map[string]*G.Node, len(c.data)+len(data))
			for name, value := range c.data {
				merged[name] = value
			}
			for name, value := range data {
				merged[name] = value
			}
			c.data = merged
		}
		return p(&c, args...)
	}
}

// Replay forces every sample site that appears in tr to reuse the
// value recorded there. Sites absent from tr execute normally.
func Replay(p Program, tr *Trace) Program {
	return func(ctx *Context, args ...interface{}) error {
		c := *ctx
		c.replay = tr
		return p(&c, args...)
	}
}

// Enumerate runs p under the enumeration interpretation: sample sites
// whose metadata requests parallel enumeration take their whole
// support on a dedicated batch dimension allocated from es, instead of
// drawing a single value.
func Enumerate(p Program, es *EnumState) Program {
	return func(ctx *Context, args ...interface{}) error {
		c := *ctx
		c.enum = es
		return p(&c, args...)
	}
}
