package goppl

import G "gorgonia.org/gorgonia"

// Kind identifies what a program declared at a site.
type Kind int

const (
	// KindSample is a random choice or an observation. Observations
	// are sample sites with the Observed flag set.
	KindSample Kind = iota

	// KindParam is a learnable parameter looked up from the parameter
	// set.
	KindParam

	// KindMutable is a non-learnable state slot whose latest value is
	// surfaced to the caller after a loss evaluation.
	KindMutable

	// KindPlate marks the declaration of a batch context.
	KindPlate

	// KindDeterministic records a named intermediate value.
	KindDeterministic
)

func (k Kind) String() string {
	switch k {
	case KindSample:
		return "sample"
	case KindParam:
		return "param"
	case KindMutable:
		return "mutable"
	case KindPlate:
		return "plate"
	case KindDeterministic:
		return "deterministic"
	}
	return "unknown"
}

// Frame is one batch context ("plate"): a declared conditional
// independence scope contributing a named batch dimension. Dim is
// always negative, indexing the dimension right-aligned against the
// tensors produced under the frame. Subsample equals Size unless the
// plate subsamples.
type Frame struct {
	Name      string
	Dim       int
	Size      int
	Subsample int
}

// Scale is the log-density multiplier the frame induces: full size
// over subsample size.
func (f Frame) Scale() float64 {
	if f.Subsample <= 0 || f.Subsample >= f.Size {
		return 1
	}
	return float64(f.Size) / float64(f.Subsample)
}

// Infer carries per-site inference metadata, interpreted by the
// estimators rather than by program execution itself.
type Infer struct {
	// Enumerate selects the enumeration strategy for a discrete site.
	// Only "parallel" is recognized; empty means no enumeration.
	Enumerate string

	// IsAuxiliary marks a guide-only site that intentionally has no
	// model counterpart.
	IsAuxiliary bool

	// AnalyticKL requests that the enumeration estimator use the
	// closed-form KL divergence at this site.
	AnalyticKL bool
}

// Site is one named point in a program execution: a random choice,
// observation, parameter, state slot, plate declaration, or recorded
// intermediate. Names are unique within a trace.
type Site struct {
	Name string
	Kind Kind

	// Dist is non-nil only for sample sites.
	Dist Dist

	// Value is the node the program saw at this site.
	Value *G.Node

	// LogProb is filled in by estimators, not during execution.
	LogProb *G.Node

	// Frames lists every plate enclosing the site, outermost first.
	Frames []Frame

	Observed bool

	// Scale multiplies the site's log-density. Plate subsampling is
	// folded in at record time; the default is 1.
	Scale float64

	Infer Infer
}
