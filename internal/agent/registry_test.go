// ABOUTME: Tests for the channel registry and command dispatcher
// ABOUTME: Validates replacement, eviction on write failure, and offline reporting

package agent

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// mockChannel implements Channel for testing.
type mockChannel struct {
	mu     sync.Mutex
	events []sentEvent
	fail   bool
}

type sentEvent struct {
	event string
	data  []byte
}

func (m *mockChannel) Send(event string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("write failed")
	}
	m.events = append(m.events, sentEvent{event: event, data: data})
	return nil
}

func (m *mockChannel) sent() []sentEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]sentEvent, len(m.events))
	copy(result, m.events)
	return result
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(time.Hour, slog.Default())
	t.Cleanup(r.Close)
	return r
}

func TestRegisterAndSend(t *testing.T) {
	r := newTestRegistry(t)
	ch := &mockChannel{}

	r.Register("agent-1", ch)
	if !r.IsConnected("agent-1") {
		t.Fatal("agent should be connected")
	}

	if !r.Send("agent-1", EventCommand, map[string]string{"k": "v"}) {
		t.Fatal("send should succeed")
	}

	sent := ch.sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 event, got %d", len(sent))
	}
	if sent[0].event != EventCommand {
		t.Errorf("expected command event, got %q", sent[0].event)
	}
	var payload map[string]string
	if err := json.Unmarshal(sent[0].data, &payload); err != nil {
		t.Fatalf("payload not valid JSON: %v", err)
	}
	if payload["k"] != "v" {
		t.Errorf("unexpected payload %v", payload)
	}
}

func TestSendToUnknownAgent(t *testing.T) {
	r := newTestRegistry(t)

	if r.Send("ghost", EventCommand, nil) {
		t.Fatal("send to unregistered agent should return false")
	}
}

func TestRegisterReplacesPriorChannel(t *testing.T) {
	r := newTestRegistry(t)
	first := &mockChannel{}
	second := &mockChannel{}

	gone := r.Register("agent-1", first)
	r.Register("agent-1", second)

	// The superseded registration's signal fires
	select {
	case <-gone:
	case <-time.After(time.Second):
		t.Fatal("superseded registration was not signalled")
	}

	// Delivery goes to the replacement only
	if !r.Send("agent-1", EventCommand, "x") {
		t.Fatal("send should succeed")
	}
	if len(first.sent()) != 0 {
		t.Error("superseded channel should receive nothing")
	}
	if len(second.sent()) != 1 {
		t.Error("replacement channel should receive the event")
	}
	if r.Count() != 1 {
		t.Errorf("expected 1 entry, got %d", r.Count())
	}
}

func TestWriteFailureEvictsImmediately(t *testing.T) {
	r := newTestRegistry(t)
	ch := &mockChannel{fail: true}

	gone := r.Register("agent-1", ch)

	if r.Send("agent-1", EventCommand, "x") {
		t.Fatal("send over a failing channel should return false")
	}
	if r.IsConnected("agent-1") {
		t.Error("failed channel should be evicted, not retried")
	}
	select {
	case <-gone:
	case <-time.After(time.Second):
		t.Fatal("evicted registration was not signalled")
	}
}

func TestUnregisterOnlyRemovesOwnChannel(t *testing.T) {
	r := newTestRegistry(t)
	first := &mockChannel{}
	second := &mockChannel{}

	r.Register("agent-1", first)
	r.Register("agent-1", second)

	// The old handler tears down after being replaced; the replacement stays
	r.Unregister("agent-1", first)
	if !r.IsConnected("agent-1") {
		t.Fatal("replacement channel should survive stale unregister")
	}

	r.Unregister("agent-1", second)
	if r.IsConnected("agent-1") {
		t.Fatal("agent should be disconnected")
	}
}

func TestKeepaliveEvictsDeadChannels(t *testing.T) {
	r := NewRegistry(20*time.Millisecond, slog.Default())
	defer r.Close()

	healthy := &mockChannel{}
	dead := &mockChannel{fail: true}
	r.Register("healthy", healthy)
	r.Register("dead", dead)

	time.Sleep(60 * time.Millisecond)

	if !r.IsConnected("healthy") {
		t.Error("healthy agent should remain connected")
	}
	if r.IsConnected("dead") {
		t.Error("dead agent should be evicted by keep-alive")
	}

	var heartbeats int
	for _, e := range healthy.sent() {
		if e.event == EventHeartbeat {
			heartbeats++
		}
	}
	if heartbeats == 0 {
		t.Error("expected at least one heartbeat on the healthy channel")
	}
}

func TestDispatcherReportsOffline(t *testing.T) {
	r := newTestRegistry(t)
	d := NewDispatcher(r, slog.Default())

	start := 100
	cmd := Command{
		SessionID:      "sess-1",
		Address:        "10.0.0.5",
		Port:           502,
		UnitID:         1,
		StartRegister:  &start,
		Count:          5,
		TimeoutSeconds: 30,
	}

	if err := d.Dispatch("agent-1", cmd); !errors.Is(err, ErrAgentOffline) {
		t.Fatalf("expected ErrAgentOffline, got %v", err)
	}

	ch := &mockChannel{}
	r.Register("agent-1", ch)
	if err := d.Dispatch("agent-1", cmd); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	sent := ch.sent()
	if len(sent) != 1 || sent[0].event != EventCommand {
		t.Fatalf("expected one command event, got %v", sent)
	}
	var decoded Command
	if err := json.Unmarshal(sent[0].data, &decoded); err != nil {
		t.Fatalf("command payload not valid JSON: %v", err)
	}
	if decoded.SessionID != "sess-1" || decoded.Count != 5 {
		t.Errorf("unexpected command payload %+v", decoded)
	}
	if decoded.StartRegister == nil || *decoded.StartRegister != 100 {
		t.Errorf("unexpected start register %v", decoded.StartRegister)
	}
}

func TestCloseReleasesAllEntries(t *testing.T) {
	r := NewRegistry(time.Hour, slog.Default())
	ch := &mockChannel{}
	gone := r.Register("agent-1", ch)

	r.Close()

	select {
	case <-gone:
	case <-time.After(time.Second):
		t.Fatal("Close should release registered channels")
	}
	if r.Count() != 0 {
		t.Errorf("expected empty registry after Close, got %d", r.Count())
	}

	// Close is idempotent
	r.Close()
}

func TestRegisterAfterCloseIsRefused(t *testing.T) {
	r := NewRegistry(time.Hour, slog.Default())
	r.Close()

	ch := &mockChannel{}
	gone := r.Register("agent-1", ch)

	// The signal comes back already closed so the handler exits at once
	select {
	case <-gone:
	case <-time.After(time.Second):
		t.Fatal("registration after Close should be signalled immediately")
	}
	if r.IsConnected("agent-1") {
		t.Error("closed registry should not accept entries")
	}
	if r.Count() != 0 {
		t.Errorf("expected empty registry, got %d", r.Count())
	}
}
