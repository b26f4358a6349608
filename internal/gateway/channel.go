package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/duskline/tunnelgate/internal/protocol"
)

// outboundQueue is the unbounded, single-producer-oriented outbound
// queue each channel owns (spec §3, ConnectionDetails.send_queue).
// push never blocks; the send task drains it whenever notified.
type outboundQueue struct {
	mu     sync.Mutex
	items  []string
	notify chan struct{}
}

func newOutboundQueue() *outboundQueue {
	return &outboundQueue{notify: make(chan struct{}, 1)}
}

// push appends a serialised frame and wakes the send task.
func (q *outboundQueue) push(text string) {
	q.mu.Lock()
	q.items = append(q.items, text)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// drain removes and returns everything queued so far.
func (q *outboundQueue) drain() []string {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}

// Channel drives one agent websocket connection: a send task serialising
// writes, a receive task dispatching inbound frames, and the registry
// entry both tasks share (spec §4.2).
type Channel struct {
	details  *ConnectionDetails
	codec    *protocol.Codec
	registry *Registry

	pongs     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// newChannel registers a freshly upgraded connection and returns its
// driver, ready to Run.
func newChannel(conn *websocket.Conn, registry *Registry) *Channel {
	queue := newOutboundQueue()
	details := registry.Register(queue)
	codec := protocol.NewCodec(conn)

	ch := &Channel{
		details:  details,
		codec:    codec,
		registry: registry,
		pongs:    make(chan []byte, 8),
		done:     make(chan struct{}),
	}
	codec.SetPingHandler(func(appData string) error {
		select {
		case ch.pongs <- []byte(appData):
		case <-ch.done:
		}
		return nil
	})
	return ch
}

// Run sends the bare connection_id as the first frame, then spawns the
// send and receive tasks and blocks until both have exited, removing
// the registry entry before returning (invariant 4).
func (c *Channel) Run() {
	defer c.codec.Close()
	defer c.registry.Remove(c.details.ConnectionID)

	if err := c.codec.WriteText(c.details.ConnectionID); err != nil {
		slog.Error("failed to send connection id", "id", c.details.ConnectionID, "err", err)
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.sendLoop()
	}()
	go func() {
		defer wg.Done()
		c.receiveLoop()
	}()
	wg.Wait()
}

// Close signals both tasks to stop. Safe to call more than once and
// from either task.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// SendClose writes a close frame directly (bypassing the outbound
// queue, since the shutdown broadcast happens once per channel and
// doesn't need FIFO ordering against in-flight application frames).
func (c *Channel) SendClose() error {
	return c.codec.WriteClose()
}

// sendLoop writes queued outbound frames and queued pongs, never both
// from different goroutines, so writes to the socket never interleave
// (spec §5 ordering guarantee).
func (c *Channel) sendLoop() {
	defer c.Close()
	for {
		select {
		case <-c.details.Queue.notify:
			for _, text := range c.details.Queue.drain() {
				if err := c.codec.WriteText(text); err != nil {
					slog.Error("channel write failed", "id", c.details.ConnectionID, "err", err)
					return
				}
			}
		case data := <-c.pongs:
			if err := c.codec.WritePong(data); err != nil {
				slog.Error("channel pong failed", "id", c.details.ConnectionID, "err", err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// receiveLoop reads frames in order and dispatches them per spec §4.2.
func (c *Channel) receiveLoop() {
	defer c.Close()
	for {
		text, err := c.codec.ReadText()
		if err != nil {
			if !protocol.IsCloseError(err) {
				slog.Debug("channel read ended", "id", c.details.ConnectionID, "err", err)
			}
			return
		}

		handshake, envelope, err := decodeInbound(text)
		if err != nil {
			slog.Warn("discarding unrecognised frame", "id", c.details.ConnectionID, "err", err)
			continue
		}

		if handshake != nil {
			if !protocol.ValidateTunnelID(handshake.TunnelID) {
				slog.Warn("invalid handshake, closing channel", "id", c.details.ConnectionID, "tunnel_id", handshake.TunnelID)
				return
			}
			slog.Info("agent handshake accepted", "id", c.details.ConnectionID, "tunnel_id", handshake.TunnelID)
			c.registry.AttachTunnel(c.details.ConnectionID, handshake.TunnelID)
			continue
		}

		if envelope.MessageType != protocol.TypeResponse {
			slog.Debug("ignoring non-response envelope", "id", c.details.ConnectionID, "message_type", envelope.MessageType)
			continue
		}
		var resp protocol.AgentResponseEnvelope
		if err := json.Unmarshal([]byte(envelope.Payload), &resp); err != nil {
			slog.Warn("malformed response payload", "id", c.details.ConnectionID, "err", err)
			continue
		}
		if sink, ok := c.registry.TakeSink(c.details.ConnectionID); ok {
			select {
			case sink <- &resp:
			default:
			}
		}
	}
}

// decodeInbound classifies a text frame as either a handshake or an
// envelope by probing for the discriminating key, rather than trusting
// that an AgentHandshake unmarshal "succeeding" (it always does, with
// zero values) means the frame really was a handshake.
func decodeInbound(text string) (*protocol.AgentHandshake, *protocol.Envelope, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &probe); err != nil {
		return nil, nil, fmt.Errorf("decoding frame: %w", err)
	}
	if _, ok := probe["tunnel_id"]; ok {
		var h protocol.AgentHandshake
		if err := json.Unmarshal([]byte(text), &h); err != nil {
			return nil, nil, fmt.Errorf("decoding handshake: %w", err)
		}
		return &h, nil, nil
	}
	if _, ok := probe["message_type"]; ok {
		var e protocol.Envelope
		if err := json.Unmarshal([]byte(text), &e); err != nil {
			return nil, nil, fmt.Errorf("decoding envelope: %w", err)
		}
		return nil, &e, nil
	}
	return nil, nil, fmt.Errorf("frame is neither a handshake nor an envelope")
}
