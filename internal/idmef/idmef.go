// Package idmef implements the canonical in-memory event representation
// (spec.md §3): a discriminated Alert/Heartbeat record carrying an analyzer
// chain, in the spirit of pmsg-to-idmef.c's idmef_message_t but expressed as
// an owned Go value instead of a tree of malloc'd, refcounted unions.
package idmef

import "time"

// EventKind discriminates the two event variants IDMEF defines at this
// layer.
type EventKind uint8

const (
	KindAlert EventKind = iota
	KindHeartbeat
)

// Analyzer identifies one processing entity that touched an event. The
// chain is ordered sensor-first, manager-last (spec.md §3 invariant).
type Analyzer struct {
	AnalyzerID string
	Name       string
	Model      string
	Class      string
	OSType     string
	OSVersion  string
}

// Node is a source or target network entity.
type Node struct {
	Address string
	Name    string
}

// Source is an alleged origin of an event.
type Source struct {
	Ident   uint64
	Node    Node
	Service string
}

// Target is an alleged recipient of an event.
type Target struct {
	Ident   uint64
	Node    Node
	Service string
}

// Classification names what kind of activity the event represents.
type Classification struct {
	Text string
	// Reference, when non-empty, names an external taxonomy entry
	// (CVE id, vendor advisory) the classification corresponds to.
	Reference string
}

// Severity ranks an Assessment's impact, low to high.
type Severity uint8

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
)

// Assessment is the analyzer's own judgment of an alert's impact.
type Assessment struct {
	Severity    Severity
	Completion  string // "failed" | "succeeded" | ""
	Description string
}

// AdditionalData is one opaque, typed key/value item carried alongside an
// event, the catch-all extension point decode plugins write into.
type AdditionalData struct {
	Type  string
	Meaning string
	Value interface{}
}

// Event is the canonical record produced by normalization and consumed by
// the filter pipeline, the fan-out engine, and every sink.
//
// Invariant: Analyzers[len(Analyzers)-1] is always the local manager's
// Analyzer (filled in at normalization if the sensor omitted it).
// Invariant: Ident is unique within its parent; 0 means unset and is
// omitted on serialization.
type Event struct {
	Kind  EventKind
	Ident uint64

	Analyzers []Analyzer

	CreateTime   time.Time
	DetectTime   time.Time // Alert only; zero value for Heartbeat
	AnalyzerTime time.Time

	Assessment *Assessment // Alert only

	Sources []Source
	Targets []Target

	Classification Classification

	AdditionalData []AdditionalData
}

// LastAnalyzer returns the tail of the analyzer chain, or the zero value if
// the chain is empty.
func (e *Event) LastAnalyzer() Analyzer {
	if len(e.Analyzers) == 0 {
		return Analyzer{}
	}
	return e.Analyzers[len(e.Analyzers)-1]
}

// AppendAnalyzer pushes a onto the tail of the chain. It is the idiomatic
// replacement for the original's pointer-walk-to-the-end-then-link pattern
// (spec.md §9 design note): an owned slice, not a linked list.
func (e *Event) AppendAnalyzer(a Analyzer) {
	e.Analyzers = append(e.Analyzers, a)
}

// HasAnalyzer reports whether id already appears anywhere in the chain.
func (e *Event) HasAnalyzer(id string) bool {
	for _, a := range e.Analyzers {
		if a.AnalyzerID == id {
			return true
		}
	}
	return false
}
