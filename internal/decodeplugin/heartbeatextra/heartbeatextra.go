// Package heartbeatextra is a sample decode plugin: it decodes a small
// vendor-private extension payload attached to a PROPRIETARY record and
// records it as an idmef.AdditionalData item on the event under
// construction. It exists to exercise internal/decodeplugin's contract the
// way heartbeat-extra.c exercises the original decode-plugin ABI.
package heartbeatextra

import (
	"encoding/binary"
	"fmt"

	"github.com/prelude-ids/manager/internal/idmef"
)

// DecodeID is this plugin's one-byte PROPRIETARY sub-tag.
const DecodeID uint8 = 0x01

// Plugin decodes a fixed-layout payload: a 4-byte big-endian uptime in
// seconds, "meaning=uptime".
type Plugin struct{}

// New returns a ready-to-register Plugin.
func New() *Plugin { return &Plugin{} }

func (*Plugin) DecodeID() uint8 { return DecodeID }

func (*Plugin) Name() string { return "heartbeat-extra" }

// Run decodes the 4-byte uptime field and appends it to event's
// AdditionalData. It always consumes exactly 4 bytes, matching the length
// this payload is always framed with.
func (*Plugin) Run(payload []byte, event *idmef.Event) (int, error) {
	const wantLen = 4
	if len(payload) < wantLen {
		return 0, fmt.Errorf("heartbeat-extra: payload too short: got %d bytes, want at least %d", len(payload), wantLen)
	}

	uptime := binary.BigEndian.Uint32(payload[:wantLen])
	event.AdditionalData = append(event.AdditionalData, idmef.AdditionalData{
		Type:    "integer",
		Meaning: "uptime",
		Value:   uptime,
	})

	return wantLen, nil
}
