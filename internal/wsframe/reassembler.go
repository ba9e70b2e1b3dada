package wsframe

import (
	"bytes"
	"fmt"

	"github.com/fluxgate/fluxgate/pkg/transfer"
)

// PongSender sends a Pong frame back over the connection.
type PongSender interface {
	SendPong(payload []byte) error
}

// Options configures a Reassembler.
type Options struct {
	// AutoPong replies to every received Ping with a Pong. When disabled
	// the caller is responsible for answering pings.
	AutoPong bool
	// Pong is the reply channel for auto-pong. Required when AutoPong is
	// set and a connection is attached.
	Pong PongSender
}

// Reassembler rebuilds complete messages from a stream of wire frames.
// Data frames buffer until the final fragment; control frames pass through
// as discrete events. The state machine is Idle -> Buffering -> Idle for
// data and Idle -> Idle for control.
type Reassembler struct {
	opts Options
	open bool
	kind Kind
	buf  bytes.Buffer
}

// NewReassembler returns a reassembler in the Idle state.
func NewReassembler(opts Options) *Reassembler {
	return &Reassembler{opts: opts}
}

// Buffering reports whether a partial data message is open.
func (r *Reassembler) Buffering() bool { return r.open }

// Push consumes one wire frame. It returns a complete message when the
// frame finishes one, nil when more fragments are expected, and an error
// when the frame sequence is malformed (terminal for the connection).
func (r *Reassembler) Push(f Frame) (*Message, error) {
	switch {
	case f.Kind == KindPing:
		if r.opts.AutoPong && r.opts.Pong != nil {
			if err := r.opts.Pong.SendPong(f.Payload); err != nil {
				return nil, fmt.Errorf("%w: auto-pong: %v", transfer.ErrTransport, err)
			}
		}
		return &Message{Kind: KindPing, Payload: f.Payload}, nil

	case f.Kind == KindPong:
		return &Message{Kind: KindPong, Payload: f.Payload}, nil

	case f.Kind == KindClose:
		if _, _, err := ParseClose(f.Payload); err != nil {
			return nil, err
		}
		return &Message{Kind: KindClose, Payload: f.Payload}, nil

	case f.Kind.Data():
		if !r.open {
			r.open = true
			r.kind = f.Kind
			r.buf.Reset()
		} else if f.Kind != r.kind {
			r.open = false
			return nil, fmt.Errorf("%w: %s fragment inside open %s message", transfer.ErrReassembly, f.Kind, r.kind)
		}
		r.buf.Write(f.Payload)
		if f.BytesLeft > 0 {
			return nil, nil
		}
		msg := &Message{Kind: r.kind, Payload: append([]byte(nil), r.buf.Bytes()...)}
		r.open = false
		r.buf.Reset()
		return msg, nil

	default:
		if r.open {
			return nil, fmt.Errorf("%w: unrecognized frame kind %d mid-message", transfer.ErrReassembly, f.Kind)
		}
		// Frames with no recognized flag are ignored.
		return nil, nil
	}
}
