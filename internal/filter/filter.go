// Package filter implements the ordered, first-veto-wins predicate
// pipeline consulted before delivery to any sink or a specific sink
// (spec.md §4.5).
package filter

import "github.com/prelude-ids/manager/internal/idmef"

// Verdict is what a Filter returns for one event.
type Verdict uint8

const (
	Allow Verdict = iota
	Veto
)

// Context names the query point a Filter is being consulted at.
type Context struct {
	// Category is set for the global, run-once-per-event query point
	// (spec.md's REPORTING category). Empty for a per-sink query.
	Category string
	// SinkName is set for a per-sink query point; empty for the global
	// category query.
	SinkName string
}

// Filter is one ordered predicate. Filters must be pure with respect to
// the event: no filter may mutate state a later filter or sink observes
// (spec.md §4.5).
type Filter interface {
	Name() string
	Evaluate(event *idmef.Event, ctx Context) Verdict
}

// Pipeline holds an ordered list of category filters and, separately, an
// ordered list of per-sink filters. Both lists stop at the first veto.
type Pipeline struct {
	category []Filter
	perSink  []Filter
}

// New returns an empty Pipeline.
func New() *Pipeline {
	return &Pipeline{}
}

// AddCategoryFilter appends f to the list consulted once per event via
// RunByCategory.
func (p *Pipeline) AddCategoryFilter(f Filter) {
	p.category = append(p.category, f)
}

// AddSinkFilter appends f to the list consulted per sink via RunByPlugin.
func (p *Pipeline) AddSinkFilter(f Filter) {
	p.perSink = append(p.perSink, f)
}

// RunByCategory runs the category filters in order and returns the first
// veto, or Allow if none vetoes.
func (p *Pipeline) RunByCategory(event *idmef.Event, category string) Verdict {
	ctx := Context{Category: category}
	for _, f := range p.category {
		if f.Evaluate(event, ctx) == Veto {
			return Veto
		}
	}
	return Allow
}

// RunByPlugin runs the per-sink filters in order for the named sink and
// returns the first veto, or Allow if none vetoes.
func (p *Pipeline) RunByPlugin(event *idmef.Event, sinkName string) Verdict {
	ctx := Context{SinkName: sinkName}
	for _, f := range p.perSink {
		if f.Evaluate(event, ctx) == Veto {
			return Veto
		}
	}
	return Allow
}

// FuncFilter adapts a plain function to the Filter interface.
type FuncFilter struct {
	FilterName string
	Func       func(event *idmef.Event, ctx Context) Verdict
}

func (f FuncFilter) Name() string { return f.FilterName }

func (f FuncFilter) Evaluate(event *idmef.Event, ctx Context) Verdict {
	return f.Func(event, ctx)
}
