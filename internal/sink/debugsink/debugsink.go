// Package debugsink is a minimal built-in sink that logs every event it
// receives and never fails, useful for exercising the fan-out engine
// without a real downstream system configured. It does not implement
// sink.Committer: a debug sink has nothing worth replaying, so it is
// never eligible for failover mode (spec.md §3 invariant).
package debugsink

import "github.com/prelude-ids/manager/internal/idmef"

// Logf logs one line; wired to the manager's structured logger.
type Logf func(format string, args ...any)

// Sink logs each event's kind and classification.
type Sink struct {
	name string
	logf Logf
}

// New returns a Sink that logs through logf, or discards silently if logf
// is nil.
func New(logf Logf) *Sink {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Sink{name: "debug", logf: logf}
}

func (s *Sink) Name() string { return s.name }

func (s *Sink) Init(map[string]string) error { return nil }

func (s *Sink) Run(event *idmef.Event) error {
	s.logf("debug sink: kind=%v classification=%q analyzers=%d", event.Kind, event.Classification.Text, len(event.Analyzers))
	return nil
}

func (s *Sink) Destroy() error { return nil }
