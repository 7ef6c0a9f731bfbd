package infer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/samuelfneumann/goppl"
	G "gorgonia.org/gorgonia"
)

// MultiFrameTensor accumulates sums of tensors recorded under
// different plate contexts. TraceGraphELBO uses it to gather the cost
// terms downstream of a non-reparameterizable site and reduce them to
// that site's own plate context.
//
// Tensors are grouped by the set of plates they were recorded under;
// tensors sharing a plate set are added eagerly. SumTo then reduces
// each group over the plates absent from a target context and adds the
// groups together.
type MultiFrameTensor struct {
	g       *G.ExprGraph
	entries map[string]*frameEntry
}

type frameEntry struct {
	frames []goppl.Frame
	node   *G.Node
}

// NewMultiFrameTensor returns an empty accumulator building into g.
func NewMultiFrameTensor(g *G.ExprGraph) *MultiFrameTensor {
	return &MultiFrameTensor{
		g:       g,
		entries: make(map[string]*frameEntry),
	}
}

// frameSetKey canonicalizes a plate set so entries recorded under the
// same plates land in the same group regardless of stack order.
func frameSetKey(frames []goppl.Frame) string {
	names := make([]string, len(frames))
	for i, f := range frames {
		names[i] = f.Name
	}
	sort.Strings(names)
	return strings.Join(names, "\x00")
}

// Add records a tensor under the given plate context. Every frame
// dimension must be negative and within the tensor's rank.
func (m *MultiFrameTensor) Add(frames []goppl.Frame, node *G.Node) error {
	rank := len(node.Shape())
	for _, f := range frames {
		if f.Dim >= 0 || f.Dim < -rank {
			return fmt.Errorf("add: plate %q dim %d out of range for "+
				"shape %v", f.Name, f.Dim, node.Shape())
		}
	}

	key := frameSetKey(frames)
	if entry, ok := m.entries[key]; ok {
		sum, err := goppl.BAdd(entry.node, node)
		if err != nil {
			return fmt.Errorf("add: %v", err)
		}
		entry.node = sum
		return nil
	}

	cp := make([]goppl.Frame, len(frames))
	copy(cp, frames)
	m.entries[key] = &frameEntry{frames: cp, node: node}
	return nil
}

// SumTo reduces the accumulated tensors to the target plate context:
// each group is summed over its plates absent from target, leading
// singleton axes are squeezed away, and the groups are added. An empty
// accumulator reduces to a scalar zero.
func (m *MultiFrameTensor) SumTo(target []goppl.Frame) (*G.Node, error) {
	inTarget := make(map[string]bool, len(target))
	for _, f := range target {
		inTarget[f.Name] = true
	}

	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var total *G.Node
	for _, key := range keys {
		entry := m.entries[key]
		node := entry.node
		rank := len(node.Shape())

		for _, f := range entry.frames {
			if inTarget[f.Name] {
				continue
			}
			axis := f.Dim + rank
			if node.Shape()[axis] == 1 {
				continue
			}
			var err error
			node, err = goppl.SumKeepDims(node, axis)
			if err != nil {
				return nil, fmt.Errorf("sumTo: plate %q: %v", f.Name, err)
			}
		}

		node, err := goppl.SqueezeLeadingOnes(node)
		if err != nil {
			return nil, fmt.Errorf("sumTo: %v", err)
		}

		if total == nil {
			total = node
			continue
		}
		total, err = goppl.BAdd(total, node)
		if err != nil {
			return nil, fmt.Errorf("sumTo: %v", err)
		}
	}

	if total == nil {
		return m.g.Constant(G.NewF64(0.0)), nil
	}
	return total, nil
}

// Len returns the number of distinct plate contexts recorded.
func (m *MultiFrameTensor) Len() int { return len(m.entries) }
