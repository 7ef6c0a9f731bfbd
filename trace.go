package goppl

import "fmt"

// Trace is the ordered, site-keyed record of one program execution.
// It is created fresh by Run, owned by the caller that ran the
// program, and never shared across loss evaluations.
type Trace struct {
	names []string
	sites map[string]*Site
}

func NewTrace() *Trace {
	return &Trace{sites: make(map[string]*Site)}
}

// Add appends a site. Site names must be unique within a trace.
func (t *Trace) Add(s *Site) error {
	if _, ok := t.sites[s.Name]; ok {
		return fmt.Errorf("add: duplicate site name %q", s.Name)
	}
	t.names = append(t.names, s.Name)
	t.sites[s.Name] = s
	return nil
}

// Get returns the named site, or nil if the trace has no such site.
func (t *Trace) Get(name string) *Site {
	return t.sites[name]
}

func (t *Trace) Has(name string) bool {
	_, ok := t.sites[name]
	return ok
}

// Names returns the site names in execution order.
func (t *Trace) Names() []string {
	names := make([]string, len(t.names))
	copy(names, t.names)
	return names
}

// Sites returns the sites in execution order.
func (t *Trace) Sites() []*Site {
	sites := make([]*Site, len(t.names))
	for i, name := range t.names {
		sites[i] = t.sites[name]
	}
	return sites
}

func (t *Trace) Len() int { return len(t.names) }
