package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duskline/tunnelgate/internal/protocol"
	"github.com/duskline/tunnelgate/internal/version"
)

// PingInterval is the fixed cadence at which the agent pings the
// gateway to establish liveness (spec §4.5, §6).
const PingInterval = 30 * time.Second

// Tunnel drives the agent side of one channel to the gateway: it sends
// the handshake, accepts the gateway's connection_id, then loops over
// incoming frames, ping ticks, and the shutdown signal (spec §4.5).
type Tunnel struct {
	codec      *protocol.Codec
	dispatcher *Dispatcher

	done      chan struct{}
	closeOnce sync.Once
}

// ConnectTunnel dials the gateway, sends the handshake, and silently
// accepts the connection_id frame that comes back, returning a Tunnel
// ready to Run.
func ConnectTunnel(ctx context.Context, cfg *Config) (*Tunnel, error) {
	wsURL := cfg.GatewayURL + "/ws"
	slog.Info("connecting to gateway", "url", wsURL)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialling gateway: %w", err)
	}
	codec := protocol.NewCodec(conn)

	handshake := protocol.AgentHandshake{TunnelID: cfg.TunnelID, AgentVersion: version.Version}
	data, err := json.Marshal(handshake)
	if err != nil {
		codec.Close()
		return nil, fmt.Errorf("marshalling handshake: %w", err)
	}
	if err := codec.WriteText(string(data)); err != nil {
		codec.Close()
		return nil, fmt.Errorf("sending handshake: %w", err)
	}

	// the gateway's first frame is the bare connection_id; accept it
	// silently (spec §4.5 step 1).
	if _, err := codec.ReadText(); err != nil {
		codec.Close()
		return nil, fmt.Errorf("reading connection id: %w", err)
	}
	slog.Info("handshake complete")

	t := &Tunnel{
		codec:      codec,
		dispatcher: NewDispatcher(BackendBaseURL),
		done:       make(chan struct{}),
	}
	codec.SetPingHandler(func(appData string) error {
		return codec.WritePong([]byte(appData))
	})
	return t, nil
}

// Close shuts down the tunnel's connection. Safe to call more than once.
func (t *Tunnel) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
		t.codec.Close()
	})
}

// Run loops over inbound frames, ping ticks, and ctx cancellation until
// the channel fails or the gateway closes it gracefully.
func (t *Tunnel) Run(ctx context.Context) error {
	defer t.Close()

	frames := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		for {
			text, err := t.codec.ReadText()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- text:
			case <-t.done:
				return
			}
		}
	}()

	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case text := <-frames:
			t.handleFrame(ctx, text)

		case err := <-readErr:
			if protocol.IsCloseError(err) {
				slog.Info("gateway closed connection gracefully")
				return nil
			}
			return fmt.Errorf("reading frame: %w", err)

		case <-ticker.C:
			if err := t.codec.WritePing(); err != nil {
				return fmt.Errorf("sending ping: %w", err)
			}

		case <-ctx.Done():
			if err := t.codec.WriteClose(); err != nil {
				slog.Warn("failed to send close frame", "err", err)
			}
			return nil
		}
	}
}

// handleFrame dispatches one inbound envelope (spec §4.5 step 4-5).
func (t *Tunnel) handleFrame(ctx context.Context, text string) {
	var env protocol.Envelope
	if err := json.Unmarshal([]byte(text), &env); err != nil {
		slog.Warn("discarding malformed frame", "err", err)
		return
	}

	switch env.MessageType {
	case protocol.TypeRequest:
		t.handleRequest(ctx, env.Payload)
	default:
		slog.Debug("ignoring frame", "message_type", env.MessageType)
	}
}

// handleRequest executes a forwarded request against the origin and
// replies with a response or error envelope.
func (t *Tunnel) handleRequest(ctx context.Context, payload string) {
	var req protocol.ForwardedRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		t.sendError(fmt.Sprintf("failed to parse forwarded request: %v", err))
		return
	}

	slog.Info("handling forwarded request", "method", req.Method, "path", req.Path)

	data, err := t.dispatcher.Dispatch(ctx, req)
	if err != nil {
		slog.Error("origin dispatch failed", "err", err)
		t.sendError(err.Error())
		return
	}

	status := "error"
	if data.StatusCode >= 200 && data.StatusCode < 300 {
		status = "success"
	}
	resp := protocol.AgentResponseEnvelope{
		Status:  status,
		Message: fmt.Sprintf("origin responded with status %d", data.StatusCode),
		Data:    data,
	}
	respJSON, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response envelope", "err", err)
		return
	}
	t.send(protocol.TypeResponse, string(respJSON))
}

func (t *Tunnel) sendError(message string) {
	t.send(protocol.TypeError, message)
}

func (t *Tunnel) send(messageType, payload string) {
	env := protocol.NewEnvelope(messageType, payload)
	data, err := json.Marshal(env)
	if err != nil {
		slog.Error("failed to marshal envelope", "err", err)
		return
	}
	if err := t.codec.WriteText(string(data)); err != nil {
		slog.Error("failed to write envelope", "err", err)
	}
}
