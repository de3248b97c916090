// ABOUTME: Tracks which agents currently hold an open server-to-agent push channel
// ABOUTME: Central coordinator for channel registration, delivery and keep-alives

package agent

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Channel is one open push connection to a connected agent. Send writes a
// named event with a JSON body; a returned error means the connection is dead.
type Channel interface {
	Send(event string, data []byte) error
}

// Event names pushed over agent channels.
const (
	EventConnected = "connected"
	EventCommand   = "command"
	EventHeartbeat = "heartbeat"
)

// entry pairs a live channel with a signal that fires when the entry is
// replaced or evicted, unblocking the handler that owns the connection.
type entry struct {
	channel Channel
	gone    chan struct{}
}

// Registry tracks live channels keyed by agent id. At most one channel per
// agent is meaningful: a second registration replaces the first (last writer
// wins). A channel whose write fails is evicted immediately, never retried.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	keepalive time.Duration
	logger    *slog.Logger
	done      chan struct{}
	closed    bool
}

// NewRegistry creates a registry and starts the keep-alive loop, which pushes
// a heartbeat event on every open channel at the given interval to detect
// silently-dead connections and defeat idle-connection timeouts in proxies.
func NewRegistry(keepalive time.Duration, logger *slog.Logger) *Registry {
	r := &Registry{
		entries:   make(map[string]*entry),
		keepalive: keepalive,
		logger:    logger.With("component", "registry"),
		done:      make(chan struct{}),
	}
	go r.keepaliveLoop()
	return r
}

// Register adds a channel for an agent, replacing any prior entry for the
// same id. The returned channel is closed when this registration is
// superseded or evicted, so the owning handler can unblock and exit. After
// Close, registrations are refused and the signal comes back already
// closed, so a handler racing shutdown does not hold up the drain.
func (r *Registry) Register(agentID string, ch Channel) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		gone := make(chan struct{})
		close(gone)
		return gone
	}

	if old, exists := r.entries[agentID]; exists {
		close(old.gone)
		r.logger.Info("agent channel replaced", "agent_id", agentID)
	}

	e := &entry{channel: ch, gone: make(chan struct{})}
	r.entries[agentID] = e

	r.logger.Info("agent connected",
		"agent_id", agentID,
		"total_agents", len(r.entries),
	)
	return e.gone
}

// Unregister removes the agent's entry, but only if it still belongs to the
// given channel. A handler tearing down a superseded connection must not
// evict its replacement.
func (r *Registry) Unregister(agentID string, ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.entries[agentID]
	if !exists || e.channel != ch {
		return
	}

	delete(r.entries, agentID)
	close(e.gone)
	r.logger.Info("agent disconnected",
		"agent_id", agentID,
		"total_agents", len(r.entries),
	)
}

// Send pushes a named event to the agent's channel. It returns false if no
// channel is registered or the write fails; a failed channel is evicted
// before returning. The caller must treat false as "agent offline", not as
// a transient error.
func (r *Registry) Send(agentID, event string, payload any) bool {
	r.mu.RLock()
	e, exists := r.entries[agentID]
	r.mu.RUnlock()

	if !exists {
		return false
	}

	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error("failed to encode event payload",
			"agent_id", agentID,
			"event", event,
			"error", err,
		)
		return false
	}

	if err := e.channel.Send(event, data); err != nil {
		r.logger.Warn("channel write failed, evicting",
			"agent_id", agentID,
			"event", event,
			"error", err,
		)
		r.evict(agentID, e)
		return false
	}
	return true
}

// IsConnected reports whether the agent currently has a live channel.
func (r *Registry) IsConnected(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.entries[agentID]
	return exists
}

// ConnectedIDs returns the ids of all agents with a live channel.
func (r *Registry) ConnectedIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live channels.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// evict removes a specific entry if it is still current.
func (r *Registry) evict(agentID string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, exists := r.entries[agentID]
	if !exists || current != e {
		return
	}
	delete(r.entries, agentID)
	close(e.gone)
}

// keepaliveLoop pushes a heartbeat on every open channel at a fixed interval.
// Channels that fail the write are evicted by Send.
func (r *Registry) keepaliveLoop() {
	ticker := time.NewTicker(r.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			payload := map[string]string{"ts": time.Now().UTC().Format(time.RFC3339)}
			for _, id := range r.ConnectedIDs() {
				r.Send(id, EventHeartbeat, payload)
			}
		case <-r.done:
			return
		}
	}
}

// Close stops the keep-alive loop and releases all entries.
// It is safe to call multiple times.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	close(r.done)

	for id, e := range r.entries {
		delete(r.entries, id)
		close(e.gone)
	}
}
