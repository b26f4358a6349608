package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/duskline/tunnelgate/internal/protocol"
)

// ErrNoAgent is returned by PickAndArm when no channel is currently
// forwarding-eligible.
var ErrNoAgent = errors.New("no agents available")

// ConnectionDetails is the per-channel record the registry keeps, as
// described in spec §3. sink is guarded by the registry's mutex, not by
// the channel that owns it, since PickAndArm/TakeSink must observe and
// mutate it atomically with respect to every other channel's selection.
type ConnectionDetails struct {
	ConnectionID string
	ConnectedAt  int64
	TunnelID     string
	Queue        *outboundQueue

	sink chan *protocol.AgentResponseEnvelope
}

// ConnectionInfo is the read-only snapshot shape returned by /connections.
type ConnectionInfo struct {
	ConnectionID string  `json:"connection_id"`
	ConnectedAt  int64   `json:"connected_at"`
	TunnelID     *string `json:"tunnel_id,omitempty"`
}

// Registry is the gateway's single shared piece of mutable state: the
// set of live channels, protected by one coarse reader-writer lock
// (spec §5 — "exactly one: the gateway connection registry").
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*ConnectionDetails
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*ConnectionDetails)}
}

// Register inserts a freshly-upgraded channel and assigns it a
// connection_id. Invariant 5 (connection_id never reused) holds because
// it is a fresh UUID each call.
func (r *Registry) Register(queue *outboundQueue) *ConnectionDetails {
	cd := &ConnectionDetails{
		ConnectionID: protocol.NewUUID(),
		ConnectedAt:  time.Now().Unix(),
		Queue:        queue,
	}
	r.mu.Lock()
	r.conns[cd.ConnectionID] = cd
	r.mu.Unlock()
	return cd
}

// AttachTunnel exposes a channel for forwarding once its handshake has
// been validated by the caller. It fails silently if the entry is
// already gone (spec §4.1).
func (r *Registry) AttachTunnel(connectionID, tunnelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cd, ok := r.conns[connectionID]
	if !ok {
		return
	}
	cd.TunnelID = tunnelID
}

// PickAndArm atomically selects any forwarding-eligible channel whose
// sink is not already armed, installs sink on it, and returns its
// details. An agent whose sink is already armed is skipped rather than
// overwritten, preserving the single-in-flight-per-agent discipline
// (spec §4.1, §9).
func (r *Registry) PickAndArm(sink chan *protocol.AgentResponseEnvelope) (*ConnectionDetails, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cd := range r.conns {
		if cd.TunnelID == "" {
			continue
		}
		if cd.sink != nil {
			continue
		}
		cd.sink = sink
		return cd, nil
	}
	return nil, ErrNoAgent
}

// TakeSink removes and returns the pending sink for connectionID, if
// any. Called by the receive loop on arrival of a response frame, and
// by nothing else — a timed-out forwarder abandons its end without
// calling this, leaving the sink to be cleared lazily here or by
// Remove.
func (r *Registry) TakeSink(connectionID string) (chan *protocol.AgentResponseEnvelope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cd, ok := r.conns[connectionID]
	if !ok || cd.sink == nil {
		return nil, false
	}
	s := cd.sink
	cd.sink = nil
	return s, true
}

// Remove deletes the entry for connectionID. Idempotent: removing an
// already-removed or never-registered id is a no-op. Any sink still
// armed on this entry is closed rather than left to be discovered only
// by a forwarder's timeout, so a peer-gone-mid-request waiter observes
// closed-sink semantics promptly instead of waiting out the full
// timeout (spec §4.2, §4.3 step 5, §7 "peer-gone mid-request").
func (r *Registry) Remove(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cd, ok := r.conns[connectionID]; ok && cd.sink != nil {
		close(cd.sink)
		cd.sink = nil
	}
	delete(r.conns, connectionID)
}

// Snapshot enumerates all live entries under a read lock only.
func (r *Registry) Snapshot() []ConnectionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConnectionInfo, 0, len(r.conns))
	for _, cd := range r.conns {
		info := ConnectionInfo{ConnectionID: cd.ConnectionID, ConnectedAt: cd.ConnectedAt}
		if cd.TunnelID != "" {
			t := cd.TunnelID
			info.TunnelID = &t
		}
		out = append(out, info)
	}
	return out
}

// Size returns the number of live entries.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
