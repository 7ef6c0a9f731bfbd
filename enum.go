package goppl

import (
	"fmt"

	G "gorgonia.org/gorgonia"
)

// ParallelEnumeration is the Infer.Enumerate value requesting that a
// discrete site be marginalized exactly by evaluating every support
// value in parallel on a dedicated batch dimension.
const ParallelEnumeration = "parallel"

// EnumState allocates the batch dimensions used by parallel
// enumeration. Enumerated dimensions live to the left of every plate
// dimension: the first one is allocated at -(maxPlateNesting+1), the
// next at -(maxPlateNesting+2), and so on, each enumerated site
// receiving its own dimension. The state maps dimensions to site names
// so that downstream factor construction can recognize them.
type EnumState struct {
	next  int
	dims  map[string]int
	names map[int]string
}

// NewEnumState returns an EnumState whose first available dimension
// sits just beyond maxPlateNesting plate dimensions.
func NewEnumState(maxPlateNesting int) *EnumState {
	return &EnumState{
		next:  -(maxPlateNesting + 1),
		dims:  make(map[string]int),
		names: make(map[int]string),
	}
}

// Dim returns the dimension allocated to an enumerated site.
func (e *EnumState) Dim(name string) (int, bool) {
	dim, ok := e.dims[name]
	return dim, ok
}

// NameOf returns the enumerated site owning the given dimension.
func (e *EnumState) NameOf(dim int) (string, bool) {
	name, ok := e.names[dim]
	return name, ok
}

// enumerate returns the support of d laid out on a freshly allocated
// enumeration dimension for the named site.
func (e *EnumState) enumerate(name string, d Dist) (*G.Node, error) {
	ed, ok := d.(Enumerable)
	if !ok {
		return nil, fmt.Errorf("site %q requests parallel enumeration "+
			"but its distribution has no finite support", name)
	}
	if _, ok := e.dims[name]; ok {
		return nil, fmt.Errorf("site %q was already enumerated", name)
	}

	support, err := ed.EnumSupport()
	if err != nil {
		return nil, fmt.Errorf("site %q: %v", name, err)
	}

	dim := e.next
	e.next--
	e.dims[name] = dim
	e.names[dim] = name

	// Lay the support on its dimension: shape (K, 1, ..., 1) with
	// -dim-1 trailing singleton axes, so the support sits at dim when
	// right-aligned.
	shape := make([]int, -dim)
	shape[0] = ed.NumCategories()
	for i := 1; i < len(shape); i++ {
		shape[i] = 1
	}
	value, err := G.Reshape(support, shape)
	if err != nil {
		return nil, fmt.Errorf("site %q: could not place support on "+
			"dim %d: %v", name, dim, err)
	}
	return value, nil
}
