package wsframe

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/fluxgate/fluxgate/pkg/transfer"
)

// Kind classifies a wire frame or a reassembled message.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindText
	KindBinary
	KindPing
	KindPong
	KindClose
)

// String returns the frame kind name used in event logs.
func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindBinary:
		return "binary"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	case KindClose:
		return "close"
	default:
		return "unknown"
	}
}

// Data reports whether the kind is a fragmentable data kind.
func (k Kind) Data() bool { return k == KindText || k == KindBinary }

// Control reports whether the kind is a single-frame control kind.
func (k Kind) Control() bool { return k == KindPing || k == KindPong || k == KindClose }

// Frame is one wire-level unit. A data message may span several frames;
// BytesLeft reaching zero marks the final fragment. Control frames always
// arrive whole with BytesLeft zero.
type Frame struct {
	Kind      Kind
	Payload   []byte
	BytesLeft int64
}

// Message is a complete reassembled application-level unit.
type Message struct {
	Kind    Kind
	Payload []byte
}

// Close decodes the message as a Close payload.
func (m Message) Close() (code uint16, reason string, err error) {
	return ParseClose(m.Payload)
}

// EncodeClose builds a Close payload: 2-byte big-endian status code
// followed by an optional UTF-8 reason.
func EncodeClose(code uint16, reason string) []byte {
	out := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(out, code)
	copy(out[2:], reason)
	return out
}

// ParseClose decodes a Close payload. An empty payload means no status was
// sent (code 1005 per RFC 6455); a one-byte or non-UTF-8 payload is
// malformed.
func ParseClose(payload []byte) (uint16, string, error) {
	if len(payload) == 0 {
		return 1005, "", nil
	}
	if len(payload) < 2 {
		return 0, "", fmt.Errorf("%w: close payload of %d bytes", transfer.ErrReassembly, len(payload))
	}
	code := binary.BigEndian.Uint16(payload)
	reason := payload[2:]
	if !utf8.Valid(reason) {
		return 0, "", fmt.Errorf("%w: close reason is not valid utf-8", transfer.ErrReassembly)
	}
	return code, string(reason), nil
}
