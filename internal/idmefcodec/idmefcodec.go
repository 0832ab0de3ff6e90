// Package idmefcodec is the default ALERT/HEARTBEAT wire payload codec:
// the sensor-facing counterpart of libprelude's idmef-message-read, which
// the original C manager links against as a separate library rather than
// implementing itself (src/pmsg-to-idmef.c calls idmef_alert_read /
// idmef_heartbeat_read and never touches the wire bytes directly).
// Reimplementing that library's binary IDMEF-on-the-wire format is out of
// this module's reach, so this package plays the same role with a
// self-describing encoding/gob payload of idmef.Event instead: a sensor
// and manager built against this module round-trip through it, and
// internal/normalize's DecodeAlert/DecodeHeartbeat hooks stay free to be
// swapped for a real libprelude-wire-compatible codec without touching
// the normalizer.
package idmefcodec

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/prelude-ids/manager/internal/idmef"
)

// EncodeAlert serializes an Alert-kind event body for the wire. Sensors
// built against this module use it to produce an ALERT record's payload.
func EncodeAlert(event idmef.Event) ([]byte, error) {
	event.Kind = idmef.KindAlert
	return encode(event)
}

// EncodeHeartbeat serializes a Heartbeat-kind event body for the wire.
func EncodeHeartbeat(event idmef.Event) ([]byte, error) {
	event.Kind = idmef.KindHeartbeat
	return encode(event)
}

// DecodeAlert is internal/normalize's default Decoder.DecodeAlert hook.
func DecodeAlert(payload []byte) (idmef.Event, error) {
	return decode(payload)
}

// DecodeHeartbeat is internal/normalize's default Decoder.DecodeHeartbeat
// hook.
func DecodeHeartbeat(payload []byte) (idmef.Event, error) {
	return decode(payload)
}

func encode(event idmef.Event) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&event); err != nil {
		return nil, fmt.Errorf("idmefcodec: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func decode(payload []byte) (idmef.Event, error) {
	var event idmef.Event
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&event); err != nil {
		return idmef.Event{}, fmt.Errorf("idmefcodec: decode: %w", err)
	}
	return event, nil
}
