package distribution

import (
	"errors"

	G "gorgonia.org/gorgonia"
)

// ErrKLNotImplemented indicates that no closed-form KL divergence is
// registered for a pair of distributions. Callers that can fall back
// to a Monte Carlo estimate should test for this error with errors.Is
// and treat it as a signal, not a failure.
var ErrKLNotImplemented = errors.New("no analytic KL divergence for " +
	"distribution pair")

// KL computes the closed-form KL divergence KL(q‖p). The divergence is
// computed elementwise over any batch dimensions the distributions
// carry; reducing over plates is left to the caller. Returns
// ErrKLNotImplemented when the pair has no closed form.
func KL(q, p Distribution) (*G.Node, error) {
	if d, ok := q.(klDiverger); ok {
		return d.KLTo(p)
	}
	return nil, ErrKLNotImplemented
}
