// Package protocol defines the wire format shared by the gateway and the
// agent: the handshake, the envelope that wraps every application frame,
// and the tunnel-ID grammar both sides validate against.
package protocol

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// message_type values carried by an Envelope.
const (
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeError    = "error"
)

// Envelope is the `{message_type, payload}` JSON object carried as a
// single text frame, once the handshake and the initial connection-id
// exchange are out of the way.
type Envelope struct {
	MessageType string `json:"message_type"`
	Payload     string `json:"payload"`
}

// AgentHandshake is the first payload an agent sends after the transport
// handshake, raw JSON rather than wrapped in an Envelope.
type AgentHandshake struct {
	TunnelID     string `json:"tunnel_id"`
	AgentVersion string `json:"agent_version"`
}

// HeaderPair is one (name, value) entry of a ForwardedRequest's ordered
// header sequence. Duplicate names are permitted, hence a slice rather
// than a map.
type HeaderPair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ForwardedRequest is the payload of a "request" Envelope: a public HTTP
// request, serialised for delivery to an agent.
type ForwardedRequest struct {
	Method  string       `json:"method"`
	Path    string       `json:"path"`
	Body    string       `json:"body"`
	Headers []HeaderPair `json:"headers"`
}

// AgentResponseData is the `data` field of an AgentResponseEnvelope: the
// origin's response as observed by the agent.
type AgentResponseData struct {
	StatusCode   int          `json:"status_code"`
	Headers      []HeaderPair `json:"headers"`
	Body         string       `json:"body"`
	Timestamp    string       `json:"timestamp"`
	AgentVersion string       `json:"agent_version"`
}

// AgentResponseEnvelope is the payload of a "response" Envelope, produced
// by the agent and consumed by the gateway.
type AgentResponseEnvelope struct {
	Status  string              `json:"status"`
	Message string              `json:"message"`
	Data    *AgentResponseData  `json:"data,omitempty"`
}

// APIEnvelope is the generic `{status, message, data}` shape used by the
// gateway's own HTTP surface (/health, /connections, /forward).
type APIEnvelope struct {
	Status  string      `json:"status"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// tunnelIDPattern implements the agent_<uuid>_<purpose> grammar: a literal
// "agent" segment, a canonical UUID, then a non-empty run of alphanumeric
// characters and underscores. The UUID segment is re-validated with
// uuid.Parse rather than trusted to the regex, since the regex only
// constrains shape (hex digits and dashes in the right places).
var tunnelIDPattern = regexp.MustCompile(`^agent_([0-9a-fA-F-]{36})_([0-9A-Za-z_]+)$`)

// ValidateTunnelID reports whether id has the shape
// agent_<uuid>_<purpose> required by the handshake.
func ValidateTunnelID(id string) bool {
	m := tunnelIDPattern.FindStringSubmatch(id)
	if m == nil {
		return false
	}
	if _, err := uuid.Parse(m[1]); err != nil {
		return false
	}
	return m[2] != ""
}

// NewEnvelope builds an Envelope around a payload that must already be
// JSON-encoded text.
func NewEnvelope(messageType, payload string) Envelope {
	return Envelope{MessageType: messageType, Payload: payload}
}

// Error formats a protocol-level complaint, used for logging malformed
// frames without tearing down the channel (spec §7, protocol errors).
type Error struct {
	Context string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Context, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewUUID returns a fresh v4 UUID string, used for connection_id
// assignment by the gateway registry.
func NewUUID() string {
	return uuid.New().String()
}
