package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/duskline/tunnelgate/internal/protocol"
)

// forwardOutcome classifies how a forward attempt concluded, driving
// the HTTP status / envelope rendered back to the public client.
type forwardOutcome int

const (
	outcomeDelivered forwardOutcome = iota
	outcomeNoAgent
	outcomeSinkClosed
	outcomeTimeout
)

// forward implements the protocol common to both public entry points
// (spec §4.3): arm a sink, enqueue the request frame, then wait with a
// timeout. The frame is pushed onto the chosen channel's queue after
// PickAndArm has released the registry lock, not inside the same
// critical section as the arming.
func (s *Server) forward(req protocol.ForwardedRequest, timeout time.Duration) (*protocol.AgentResponseEnvelope, forwardOutcome) {
	sink := make(chan *protocol.AgentResponseEnvelope, 1)

	payload, err := json.Marshal(req)
	if err != nil {
		slog.Error("failed to marshal forwarded request", "err", err)
		return nil, outcomeSinkClosed
	}

	cd, err := s.registry.PickAndArm(sink)
	if err != nil {
		if errors.Is(err, ErrNoAgent) {
			return nil, outcomeNoAgent
		}
		return nil, outcomeSinkClosed
	}

	env := protocol.NewEnvelope(protocol.TypeRequest, string(payload))
	text, err := json.Marshal(env)
	if err != nil {
		slog.Error("failed to marshal envelope", "err", err)
		return nil, outcomeSinkClosed
	}
	cd.Queue.push(string(text))

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-sink:
		if !ok {
			return nil, outcomeSinkClosed
		}
		return resp, outcomeDelivered
	case <-timer.C:
		// the sink is abandoned here, not un-installed (spec §4.3 step 5):
		// it stays armed on the channel until a late reply takes it, and
		// that reply lands in the abandoned buffer, where nothing reads it.
		return nil, outcomeTimeout
	}
}

// handleForwardJSON implements POST /forward.
func (s *Server) handleForwardJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, "error", "failed to read request body", nil)
		return
	}

	req := protocol.ForwardedRequest{
		Method:  "POST",
		Path:    "/",
		Body:    string(body),
		Headers: []protocol.HeaderPair{{Name: "content-type", Value: "application/json"}},
	}

	resp, outcome := s.forward(req, ForwardTimeoutJSON)
	switch outcome {
	case outcomeDelivered:
		writeJSON(w, http.StatusOK, "success", "request forwarded", resp)
	case outcomeNoAgent:
		writeJSON(w, http.StatusOK, "error", "No agents available", nil)
	case outcomeSinkClosed:
		writeJSON(w, http.StatusOK, "error", "Agent disconnected before responding", nil)
	case outcomeTimeout:
		writeJSON(w, http.StatusOK, "error", "Timed out waiting for agent response", nil)
	}
}

// handleForwardCatchAll implements the GET catch-all. Anything that
// isn't /health, /ws, /connections, or /forward lands here (spec only
// accepts GET for this route, per the open question in spec §9).
func (s *Server) handleForwardCatchAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req := protocol.ForwardedRequest{
		Method: "GET",
		Path:   r.URL.RequestURI(),
		Body:   "",
		Headers: []protocol.HeaderPair{
			{Name: "accept", Value: "text/html,application/xhtml+xml"},
			{Name: "user-agent", Value: "Mozilla/5.0"},
		},
	}

	resp, outcome := s.forward(req, ForwardTimeoutCatchAll)
	switch outcome {
	case outcomeDelivered:
		writeCatchAllResponse(w, resp)
	case outcomeNoAgent:
		http.Error(w, "No agents available", http.StatusServiceUnavailable)
	case outcomeSinkClosed:
		http.Error(w, "Agent disconnected before responding", http.StatusBadGateway)
	case outcomeTimeout:
		http.Error(w, "Timed out waiting for agent response", http.StatusGatewayTimeout)
	}
}

func writeCatchAllResponse(w http.ResponseWriter, resp *protocol.AgentResponseEnvelope) {
	if resp == nil || resp.Data == nil {
		http.Error(w, fmt.Sprintf("agent reported error: %s", safeMessage(resp)), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	w.Header().Set("Connection", "close")
	_, _ = w.Write([]byte(resp.Data.Body))
}

func safeMessage(resp *protocol.AgentResponseEnvelope) string {
	if resp == nil {
		return "no response"
	}
	return resp.Message
}
