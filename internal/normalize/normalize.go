// Package normalize implements the wire-message-to-canonical-event
// pipeline (spec.md §4.4), grounded on pmsg-to-idmef.c's dispatch-by-tag
// structure but operating on idmef.Event values instead of the original's
// ref-counted idmef_message_t tree.
package normalize

import (
	"errors"
	"fmt"
	"time"

	"github.com/prelude-ids/manager/internal/decodeplugin"
	"github.com/prelude-ids/manager/internal/idmef"
	"github.com/prelude-ids/manager/internal/wire"
)

// ErrDecodeLengthMismatch is returned when a decode plugin's reported
// consumed length disagrees with the record's declared length (spec.md
// testable property 5). It is always fatal to the session.
var ErrDecodeLengthMismatch = errors.New("normalize: decode plugin consumed length disagrees with record length")

// ErrUnsupportedAlertPayload / ErrUnsupportedHeartbeatPayload mark a
// malformed ALERT/HEARTBEAT record body. The wire payload for these tags
// is itself produced by a serializer out of this package's scope (spec.md
// §1 Out of scope); decoding it is delegated to the Decoder's injected
// DecodeAlert/DecodeHeartbeat hooks, and a nil hook or a hook error yields
// these errors.
var (
	ErrUnsupportedAlertPayload     = errors.New("normalize: malformed ALERT payload")
	ErrUnsupportedHeartbeatPayload = errors.New("normalize: malformed HEARTBEAT payload")
)

// Decoder carries the manager-local identity used to close the analyzer
// chain and the decode-plugin registry used for PROPRIETARY records.
type Decoder struct {
	LocalAnalyzer idmef.Analyzer
	Plugins       *decodeplugin.Registry
	// DecodeAlert and DecodeHeartbeat parse a wire payload's body into the
	// mutable parts of an event. They are injected so this package never
	// needs to know the concrete serialization a sensor uses.
	DecodeAlert     func(payload []byte) (idmef.Event, error)
	DecodeHeartbeat func(payload []byte) (idmef.Event, error)
}

// Result is what Normalize hands to the fan-out engine. For a record that
// carried no event (an unknown tag, or a stray AUTH record) Event is nil
// and Logged says why the record was skipped.
type Result struct {
	Event  *idmef.Event
	Tag    wire.Tag
	Logged string // set for tags that were skipped, not delivered
}

// Normalize converts one decoded wire.Message into a canonical event,
// closing the analyzer chain with the local manager's identity if the
// sensor didn't already include it (spec.md testable property 4).
func (d *Decoder) Normalize(msg *wire.Message) (*Result, error) {
	switch msg.Tag {
	case wire.TagAlert:
		event, err := d.decodeAlert(msg)
		if err != nil {
			return nil, err
		}
		return &Result{Event: event, Tag: msg.Tag}, nil

	case wire.TagHeartbeat:
		event, err := d.decodeHeartbeat(msg)
		if err != nil {
			return nil, err
		}
		return &Result{Event: event, Tag: msg.Tag}, nil

	case wire.TagProprietary:
		event, err := d.decodeProprietary(msg)
		if err != nil {
			return nil, err
		}
		return &Result{Event: event, Tag: msg.Tag}, nil

	case wire.TagAuth:
		// AUTH records are consumed entirely by the authenticator/session
		// layer before a session reaches the accepted state; seeing one
		// here means the sensor misbehaved, but it is not fatal.
		return &Result{Tag: msg.Tag, Logged: "unexpected AUTH record outside the handshake phase"}, nil

	default:
		return &Result{Tag: msg.Tag, Logged: fmt.Sprintf("unknown tag %s, skipped", msg.Tag)}, nil
	}
}

func (d *Decoder) decodeAlert(msg *wire.Message) (*idmef.Event, error) {
	if d.DecodeAlert == nil {
		return nil, ErrUnsupportedAlertPayload
	}
	event, err := d.DecodeAlert(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedAlertPayload, err)
	}
	event.Kind = idmef.KindAlert
	if event.AnalyzerTime.IsZero() {
		event.AnalyzerTime = msg.Timestamp
	}
	d.closeAnalyzerChain(&event)
	return &event, nil
}

func (d *Decoder) decodeHeartbeat(msg *wire.Message) (*idmef.Event, error) {
	if d.DecodeHeartbeat == nil {
		return nil, ErrUnsupportedHeartbeatPayload
	}
	event, err := d.DecodeHeartbeat(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedHeartbeatPayload, err)
	}
	event.Kind = idmef.KindHeartbeat
	if event.AnalyzerTime.IsZero() {
		event.AnalyzerTime = msg.Timestamp
	}
	d.closeAnalyzerChain(&event)
	return &event, nil
}

func (d *Decoder) decodeProprietary(msg *wire.Message) (*idmef.Event, error) {
	subTag, rest, err := wire.ProprietarySubTag(msg.Payload)
	if err != nil {
		return nil, err
	}

	plugin, ok := d.Plugins.Lookup(subTag)
	if !ok {
		return nil, decodeplugin.ErrUnknownDecodeID{ID: subTag}
	}

	event := idmef.Event{
		Kind:         idmef.KindAlert,
		CreateTime:   time.Now().UTC(),
		AnalyzerTime: msg.Timestamp,
	}

	consumed, err := plugin.Run(rest, &event)
	if err != nil {
		return nil, fmt.Errorf("normalize: decode plugin %s: %w", plugin.Name(), err)
	}
	if consumed != len(rest) {
		return nil, fmt.Errorf("%w: plugin %s consumed %d of %d bytes", ErrDecodeLengthMismatch, plugin.Name(), consumed, len(rest))
	}

	d.closeAnalyzerChain(&event)
	return &event, nil
}

// closeAnalyzerChain appends the local manager's analyzer descriptor to
// the tail of event's chain if it is not already present, satisfying the
// invariant that the innermost (last) analyzer is always the local
// manager (spec.md §3, testable property 4).
func (d *Decoder) closeAnalyzerChain(event *idmef.Event) {
	if d.LocalAnalyzer.AnalyzerID == "" {
		return
	}
	if event.HasAnalyzer(d.LocalAnalyzer.AnalyzerID) {
		return
	}
	event.AppendAnalyzer(d.LocalAnalyzer)
}
