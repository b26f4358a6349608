package protocol

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Codec wraps a websocket connection with the text-frame semantics the
// tunnel protocol needs: plain text writes serialise through a single
// mutex (gorilla/websocket forbids concurrent writers), and ping/pong
// control frames are routed through caller-supplied handlers instead of
// gorilla's default auto-reply, so a send task can serialise pongs
// alongside ordinary application frames (spec §4.2).
type Codec struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewCodec wraps a websocket connection for text-frame read/write.
func NewCodec(conn *websocket.Conn) *Codec {
	c := &Codec{conn: conn}
	// default handlers: ignore pongs, let the gateway/agent layer
	// decide what to do with an inbound ping.
	conn.SetPongHandler(func(string) error { return nil })
	return c
}

// SetPingHandler overrides gorilla's default behaviour of replying to a
// ping immediately from the read goroutine. The handler is invoked with
// the ping's application data. The gateway's handler queues a pong for
// its send task; the agent's handler writes the pong directly, which
// writeMu serialises against other writes.
func (c *Codec) SetPingHandler(fn func(appData string) error) {
	c.conn.SetPingHandler(fn)
}

// WriteText sends a single text frame verbatim. Used for the two
// unwrapped handshake messages (the handshake JSON and the bare
// connection_id) as well as ordinary envelopes, which the caller has
// already JSON-encoded.
func (c *Codec) WriteText(s string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, []byte(s))
}

// WritePong sends a pong control frame carrying the given application
// data, serialised against concurrent text writes.
func (c *Codec) WritePong(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.PongMessage, data)
}

// WritePing sends a ping control frame with empty application data.
func (c *Codec) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// WriteClose sends a normal-closure close frame.
func (c *Codec) WriteClose() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return c.conn.WriteMessage(websocket.CloseMessage, msg)
}

// ReadText blocks for the next text frame. Control frames (ping/pong)
// encountered along the way are dispatched to their handlers by gorilla
// before this returns; a close frame surfaces as an error wrapping a
// *websocket.CloseError.
func (c *Codec) ReadText() (string, error) {
	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("reading websocket message: %w", err)
	}
	if msgType != websocket.TextMessage {
		return "", fmt.Errorf("unexpected websocket message type: %d", msgType)
	}
	return string(data), nil
}

// Close closes the underlying websocket connection.
func (c *Codec) Close() error {
	return c.conn.Close()
}

// IsCloseError reports whether err originated from a peer-initiated
// close handshake (as opposed to a transport failure).
func IsCloseError(err error) bool {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return false
	}
	return websocket.IsCloseError(ce,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}
