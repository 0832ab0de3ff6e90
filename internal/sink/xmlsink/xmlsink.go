// Package xmlsink implements the built-in XML reporting sink: one IDMEF
// event serialized per line-delimited XML fragment, appended to a log
// file. It is grounded on plugins/reports/xmlmod/xmlmod.c's structure
// (open-the-file-once, emit-one-record-per-event, typed attribute
// helpers instead of that file's variadic macro expansion — spec.md §9
// design note), using encoding/xml in place of the original's hand-rolled
// buffer-and-escape routines since no XML library from the retrieval pack
// targets this (see DESIGN.md).
package xmlsink

import (
	"bufio"
	"encoding/xml"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prelude-ids/manager/internal/idmef"
)

// Config names the file this sink instance appends to.
type Config struct {
	Path string
}

// Sink appends one <Alert> or <Heartbeat> element per event to its log
// file. It implements sink.Committer: Commit reopens the file, which is
// what recovers it after e.g. the underlying filesystem was remounted.
type Sink struct {
	path string

	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

// New returns a Sink; call Init before Run.
func New() *Sink { return &Sink{} }

func (s *Sink) Name() string { return "xml-file" }

// Init parses config (expects a "path" key) and opens the file for
// appending.
func (s *Sink) Init(config map[string]string) error {
	path, ok := config["path"]
	if !ok || path == "" {
		return fmt.Errorf("xmlsink: missing required \"path\" config key")
	}
	s.path = path
	return s.open()
}

func (s *Sink) open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f != nil {
		_ = s.w.Flush()
		_ = s.f.Close()
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("xmlsink: open %s: %w", s.path, err)
	}
	s.f = f
	s.w = bufio.NewWriter(f)
	return nil
}

// Commit reopens the log file, implementing sink.Committer so this sink
// is eligible for failover mode (spec.md §4.7 step 1).
func (s *Sink) Commit() error { return s.open() }

// Run appends one XML-serialized element for event and flushes it.
func (s *Sink) Run(event *idmef.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.w == nil {
		return fmt.Errorf("xmlsink: not initialized")
	}

	elem := toXMLElement(event)
	enc := xml.NewEncoder(s.w)
	if err := enc.Encode(elem); err != nil {
		return fmt.Errorf("xmlsink: encode: %w", err)
	}
	if _, err := s.w.WriteString("\n"); err != nil {
		return err
	}
	return s.w.Flush()
}

// Destroy flushes and closes the log file.
func (s *Sink) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.f.Close()
}

// xmlAlert and xmlAnalyzer mirror xmlmod.c's element layout, but built
// from the small typed helpers below rather than textual macros.
type xmlAlert struct {
	XMLName        xml.Name       `xml:"Alert"`
	Ident          string         `xml:"ident,attr,omitempty"`
	CreateTime     string         `xml:"CreateTime"`
	DetectTime     string         `xml:"DetectTime,omitempty"`
	AnalyzerTime   string         `xml:"AnalyzerTime,omitempty"`
	Analyzers      []xmlAnalyzer  `xml:"Analyzer"`
	Classification xmlClass       `xml:"Classification"`
	Severity       string         `xml:"Assessment>Impact,omitempty"`
}

type xmlHeartbeat struct {
	XMLName      xml.Name      `xml:"Heartbeat"`
	Ident        string        `xml:"ident,attr,omitempty"`
	CreateTime   string        `xml:"CreateTime"`
	AnalyzerTime string        `xml:"AnalyzerTime,omitempty"`
	Analyzers    []xmlAnalyzer `xml:"Analyzer"`
}

type xmlAnalyzer struct {
	AnalyzerID string `xml:"analyzerid,attr,omitempty"`
	Name       string `xml:"name,attr,omitempty"`
	Model      string `xml:"model,attr,omitempty"`
}

type xmlClass struct {
	Text string `xml:",chardata"`
}

func toXMLElement(event *idmef.Event) interface{} {
	analyzers := make([]xmlAnalyzer, len(event.Analyzers))
	for i, a := range event.Analyzers {
		analyzers[i] = xmlAnalyzer{AnalyzerID: a.AnalyzerID, Name: a.Name, Model: a.Model}
	}

	if event.Kind == idmef.KindHeartbeat {
		return xmlHeartbeat{
			Ident:        emitOptionalIdent(event.Ident),
			CreateTime:   emitTime(event.CreateTime),
			AnalyzerTime: emitTime(event.AnalyzerTime),
			Analyzers:    analyzers,
		}
	}

	var severity string
	if event.Assessment != nil {
		severity = severityText(event.Assessment.Severity)
	}

	return xmlAlert{
		Ident:          emitOptionalIdent(event.Ident),
		CreateTime:     emitTime(event.CreateTime),
		DetectTime:     emitTime(event.DetectTime),
		AnalyzerTime:   emitTime(event.AnalyzerTime),
		Analyzers:      analyzers,
		Classification: xmlClass{Text: event.Classification.Text},
		Severity:       severity,
	}
}

// emitOptionalIdent is the typed helper replacing xmlmod.c's
// emit-attribute-if-nonzero macro (spec.md §9): ident 0 means "unset,
// omit on serialization" (spec.md §3 invariant).
func emitOptionalIdent(ident uint64) string {
	if ident == 0 {
		return ""
	}
	return fmt.Sprintf("%d", ident)
}

func emitTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

func severityText(s idmef.Severity) string {
	switch s {
	case idmef.SeverityLow:
		return "low"
	case idmef.SeverityMedium:
		return "medium"
	case idmef.SeverityHigh:
		return "high"
	default:
		return "info"
	}
}
