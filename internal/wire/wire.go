// Package wire implements the length-prefixed, tagged record framing used
// between sensors and the manager. It is pure: no IO, no allocation beyond
// what is strictly needed to hold one record.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// ProtocolVersion is the only version this manager understands. A sensor
// presenting any other value is rejected with ErrIncompatibleVersion.
const ProtocolVersion uint8 = 1

// MaxPayloadLength bounds a single record so a malicious or buggy sensor
// can't force an unbounded allocation from a length field.
const MaxPayloadLength uint32 = 16 << 20 // 16 MiB

// Tag identifies the kind of record carried by a Message.
type Tag uint8

const (
	TagAlert        Tag = 1
	TagHeartbeat    Tag = 2
	TagProprietary  Tag = 3
	TagAuth         Tag = 4
)

func (t Tag) String() string {
	switch t {
	case TagAlert:
		return "ALERT"
	case TagHeartbeat:
		return "HEARTBEAT"
	case TagProprietary:
		return "PROPRIETARY"
	case TagAuth:
		return "AUTH"
	default:
		return fmt.Sprintf("TAG(%d)", t)
	}
}

var (
	// ErrIncompatibleVersion is fatal to the session (spec.md §7 ProtocolError).
	ErrIncompatibleVersion = errors.New("wire: incompatible protocol version")
	// ErrFrameTooLarge guards against a hostile or corrupt length field.
	ErrFrameTooLarge = errors.New("wire: frame exceeds maximum payload length")
)

// Message is one on-the-wire record: the small header (protocol version and
// origination timestamp) plus a single tagged, length-prefixed payload.
type Message struct {
	Version   uint8
	Timestamp time.Time
	Tag       Tag
	Payload   []byte
}

// wire layout: version(1) | unix-seconds(8, BE) | tag(1) | length(4, BE) | payload(length)
const headerLen = 1 + 8 + 1 + 4

// ReadMessage decodes exactly one Message from r. It returns io.EOF only
// when the peer closed the connection cleanly between messages; any error
// encountered mid-header or mid-payload is returned as io.ErrUnexpectedEOF
// or a more specific error, both of which are fatal to the session.
func ReadMessage(r io.Reader) (*Message, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:1]); err != nil {
		return nil, err // clean EOF before any bytes of a new message
	}
	if _, err := io.ReadFull(r, hdr[1:]); err != nil {
		return nil, io.ErrUnexpectedEOF
	}

	version := hdr[0]
	if version != ProtocolVersion {
		return nil, ErrIncompatibleVersion
	}

	sec := int64(binary.BigEndian.Uint64(hdr[1:9]))
	tag := Tag(hdr[9])
	length := binary.BigEndian.Uint32(hdr[10:14])

	if length > MaxPayloadLength {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, io.ErrUnexpectedEOF
		}
	}

	return &Message{
		Version:   version,
		Timestamp: time.Unix(sec, 0).UTC(),
		Tag:       tag,
		Payload:   payload,
	}, nil
}

// WriteMessage encodes m to w as a single framed record.
func WriteMessage(w io.Writer, m *Message) error {
	if len(m.Payload) > int(MaxPayloadLength) {
		return ErrFrameTooLarge
	}

	buf := make([]byte, headerLen+len(m.Payload))
	buf[0] = ProtocolVersion
	binary.BigEndian.PutUint64(buf[1:9], uint64(m.Timestamp.Unix()))
	buf[9] = byte(m.Tag)
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(m.Payload)))
	copy(buf[headerLen:], m.Payload)

	_, err := w.Write(buf)
	return err
}

// AuthResult is the 1-byte result code carried by an AUTH record.
type AuthResult uint8

const (
	AuthSucceed AuthResult = 1
	AuthFailed  AuthResult = 2
)

// EncodeAuthPayload builds the AUTH record payload: a 1-byte result code
// followed by the manager's analyzer id in network byte order (spec.md §4.3).
func EncodeAuthPayload(result AuthResult, managerAnalyzerID uint64) []byte {
	buf := make([]byte, 9)
	buf[0] = byte(result)
	binary.BigEndian.PutUint64(buf[1:], managerAnalyzerID)
	return buf
}

// DecodeAuthPayload is the inverse of EncodeAuthPayload.
func DecodeAuthPayload(payload []byte) (AuthResult, uint64, error) {
	if len(payload) != 9 {
		return 0, 0, fmt.Errorf("wire: malformed AUTH payload, want 9 bytes, got %d", len(payload))
	}
	return AuthResult(payload[0]), binary.BigEndian.Uint64(payload[1:]), nil
}

// ProprietarySubTag reads the one-byte decode-plugin selector that prefixes
// a PROPRIETARY record's payload, returning the remaining bytes.
func ProprietarySubTag(payload []byte) (uint8, []byte, error) {
	if len(payload) < 1 {
		return 0, nil, errors.New("wire: empty PROPRIETARY payload")
	}
	return payload[0], payload[1:], nil
}
