package wsframe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fluxgate/fluxgate/pkg/transfer"
)

// Conn adapts a gorilla/websocket client connection into the wire-frame
// stream consumed by the Reassembler.
type Conn struct {
	conn    *websocket.Conn
	logger  *slog.Logger
	writeMu sync.Mutex
}

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

// Dial establishes a WebSocket connection.
// wsURL should be the full WebSocket URL including path and query parameters.
func Dial(ctx context.Context, wsURL string, logger *slog.Logger) (*Conn, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transfer.ErrSubmission, err)
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("%w: upgrade failed (%d): %s", transfer.ErrTransport, resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("%w: upgrade failed (%d)", transfer.ErrTransport, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %v", transfer.ErrTransport, err)
	}

	return &Conn{conn: conn, logger: logger}, nil
}

func (c *Conn) write(messageType int, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(messageType, payload)
}

// SendText sends a complete text message.
func (c *Conn) SendText(payload []byte) error {
	return c.write(websocket.TextMessage, payload)
}

// SendBinary sends a complete binary message.
func (c *Conn) SendBinary(payload []byte) error {
	return c.write(websocket.BinaryMessage, payload)
}

// SendPing sends a Ping control frame.
func (c *Conn) SendPing(payload []byte) error {
	return c.write(websocket.PingMessage, payload)
}

// SendPong sends a Pong control frame. Implements PongSender.
func (c *Conn) SendPong(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PongMessage, payload, time.Now().Add(10*time.Second))
}

// SendClose sends a Close frame with the given status code and reason.
func (c *Conn) SendClose(code uint16, reason string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(int(code), reason)
	return c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(10*time.Second))
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// ReadLoop reads wire frames and feeds them to onFrame until the peer
// closes the connection, the context is cancelled, or onFrame fails.
// A Close frame terminates the loop cleanly (nil); a read error or timeout
// without a Close frame is a transport failure.
func (c *Conn) ReadLoop(ctx context.Context, onFrame func(Frame) error) error {
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

	var handlerErr error
	closeSeen := false

	c.conn.SetPingHandler(func(appData string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		handlerErr = onFrame(Frame{Kind: KindPing, Payload: []byte(appData)})
		return handlerErr
	})
	c.conn.SetPongHandler(func(appData string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		handlerErr = onFrame(Frame{Kind: KindPong, Payload: []byte(appData)})
		return handlerErr
	})
	c.conn.SetCloseHandler(func(code int, text string) error {
		closeSeen = true
		var payload []byte
		if code != websocket.CloseNoStatusReceived {
			payload = EncodeClose(uint16(code), text)
		}
		handlerErr = onFrame(Frame{Kind: KindClose, Payload: payload})
		// Echo the close so the peer can finish its handshake.
		msg := []byte{}
		if code != websocket.CloseNoStatusReceived {
			msg = websocket.FormatCloseMessage(code, "")
		}
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		return handlerErr
	})

	go func() {
		<-ctx.Done()
		// Closing the connection forces the pending read to unblock.
		c.conn.Close()
	}()

	buf := make([]byte, 32*1024)
	for {
		messageType, rd, err := c.conn.NextReader()
		if err != nil {
			if handlerErr != nil {
				return handlerErr
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if closeSeen {
				return nil
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", "error", err)
			}
			return fmt.Errorf("%w: connection ended without close: %v", transfer.ErrTransport, err)
		}

		var kind Kind
		switch messageType {
		case websocket.TextMessage:
			kind = KindText
		case websocket.BinaryMessage:
			kind = KindBinary
		default:
			continue
		}

		// Stream the message as fragments: each chunk but the last is
		// forwarded with a nonzero bytes-left indicator.
		var prev []byte
		for {
			n, rerr := rd.Read(buf)
			if n > 0 {
				if prev != nil {
					if err := onFrame(Frame{Kind: kind, Payload: prev, BytesLeft: int64(n)}); err != nil {
						return err
					}
				}
				prev = append([]byte(nil), buf[:n]...)
			}
			if rerr == io.EOF {
				if err := onFrame(Frame{Kind: kind, Payload: prev}); err != nil {
					return err
				}
				break
			}
			if rerr != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("%w: read message body: %v", transfer.ErrTransport, rerr)
			}
		}
	}
}
