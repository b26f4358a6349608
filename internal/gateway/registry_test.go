package gateway

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/duskline/tunnelgate/internal/protocol"
)

func Test_register_assigns_unique_uuid_connection_id(t *testing.T) {
	r := NewRegistry()
	a := r.Register(newOutboundQueue())
	b := r.Register(newOutboundQueue())

	if a.ConnectionID == b.ConnectionID {
		t.Fatalf("expected distinct connection ids")
	}
	if _, err := uuid.Parse(a.ConnectionID); err != nil {
		t.Errorf("connection id %q does not parse as uuid: %v", a.ConnectionID, err)
	}
}

func Test_pick_and_arm_requires_attached_tunnel(t *testing.T) {
	r := NewRegistry()
	r.Register(newOutboundQueue())

	sink := make(chan *protocol.AgentResponseEnvelope, 1)
	if _, err := r.PickAndArm(sink); !errors.Is(err, ErrNoAgent) {
		t.Fatalf("expected ErrNoAgent before handshake, got %v", err)
	}
}

func Test_pick_and_arm_skips_already_armed_agent(t *testing.T) {
	r := NewRegistry()
	cd := r.Register(newOutboundQueue())
	r.AttachTunnel(cd.ConnectionID, "agent_"+uuid.New().String()+"_chat")

	first := make(chan *protocol.AgentResponseEnvelope, 1)
	picked, err := r.PickAndArm(first)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if picked.ConnectionID != cd.ConnectionID {
		t.Fatalf("picked wrong connection")
	}

	second := make(chan *protocol.AgentResponseEnvelope, 1)
	if _, err := r.PickAndArm(second); !errors.Is(err, ErrNoAgent) {
		t.Fatalf("expected the only agent to be skipped while armed, got %v", err)
	}
}

func Test_take_sink_clears_it_for_next_arm(t *testing.T) {
	r := NewRegistry()
	cd := r.Register(newOutboundQueue())
	r.AttachTunnel(cd.ConnectionID, "agent_"+uuid.New().String()+"_chat")

	sink := make(chan *protocol.AgentResponseEnvelope, 1)
	if _, err := r.PickAndArm(sink); err != nil {
		t.Fatalf("arm failed: %v", err)
	}

	got, ok := r.TakeSink(cd.ConnectionID)
	if !ok || got != sink {
		t.Fatalf("expected to take back the installed sink")
	}
	if _, ok := r.TakeSink(cd.ConnectionID); ok {
		t.Fatalf("expected no sink left after it was taken")
	}

	// the agent is eligible for selection again now that its sink cleared.
	sink2 := make(chan *protocol.AgentResponseEnvelope, 1)
	if _, err := r.PickAndArm(sink2); err != nil {
		t.Fatalf("expected agent to be selectable again: %v", err)
	}
}

func Test_remove_is_idempotent(t *testing.T) {
	r := NewRegistry()
	cd := r.Register(newOutboundQueue())
	r.Remove(cd.ConnectionID)
	r.Remove(cd.ConnectionID)
	r.Remove(cd.ConnectionID)

	if n := r.Size(); n != 0 {
		t.Fatalf("expected empty registry after removal, got %d entries", n)
	}
}

func Test_remove_closes_armed_sink(t *testing.T) {
	r := NewRegistry()
	cd := r.Register(newOutboundQueue())
	r.AttachTunnel(cd.ConnectionID, "agent_"+uuid.New().String()+"_chat")

	sink := make(chan *protocol.AgentResponseEnvelope, 1)
	if _, err := r.PickAndArm(sink); err != nil {
		t.Fatalf("arm failed: %v", err)
	}

	r.Remove(cd.ConnectionID)

	resp, ok := <-sink
	if ok {
		t.Fatalf("expected sink to be closed, got value %+v", resp)
	}
}

func Test_attach_tunnel_on_missing_entry_is_silent(t *testing.T) {
	r := NewRegistry()
	r.AttachTunnel("nonexistent", "agent_"+uuid.New().String()+"_chat")
	if n := r.Size(); n != 0 {
		t.Fatalf("expected attach on missing entry to create nothing, got %d entries", n)
	}
}

func Test_snapshot_reports_tunnel_id_only_once_attached(t *testing.T) {
	r := NewRegistry()
	cd := r.Register(newOutboundQueue())

	snap := r.Snapshot()
	if len(snap) != 1 || snap[0].TunnelID != nil {
		t.Fatalf("expected one entry with no tunnel id before handshake")
	}

	tunnelID := "agent_" + uuid.New().String() + "_chat"
	r.AttachTunnel(cd.ConnectionID, tunnelID)

	snap = r.Snapshot()
	if len(snap) != 1 || snap[0].TunnelID == nil || *snap[0].TunnelID != tunnelID {
		t.Fatalf("expected tunnel id %q in snapshot, got %+v", tunnelID, snap)
	}
}
