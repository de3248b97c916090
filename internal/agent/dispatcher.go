// ABOUTME: Addressed command dispatch to a specific connected agent
// ABOUTME: Reports agent-offline instead of retrying or broadcasting

package agent

import (
	"errors"
	"log/slog"
)

// ErrAgentOffline means the target agent has no live channel.
var ErrAgentOffline = errors.New("agent is offline")

// Command is the typed payload of a "command" event pushed to an agent.
// Exactly one of StartRegister/StartBit is set.
type Command struct {
	SessionID      string `json:"session_id"`
	Address        string `json:"address"`
	Port           int    `json:"port"`
	UnitID         int    `json:"unit_id"`
	StartRegister  *int   `json:"start_register,omitempty"`
	StartBit       *int   `json:"start_bit,omitempty"`
	Count          int    `json:"count"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Dispatcher pushes diagnostic commands to a specific agent through the
// registry. Dispatch is addressed, never broadcast: the caller names the
// agent, and an agent without a live channel is simply offline.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher over the given registry.
func NewDispatcher(registry *Registry, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		logger:   logger.With("component", "dispatcher"),
	}
}

// Dispatch pushes a command to the agent's channel. Returns ErrAgentOffline
// when no live channel exists or the write fails; delivery success is
// inferred purely from the absence of a write error.
func (d *Dispatcher) Dispatch(agentID string, cmd Command) error {
	if !d.registry.Send(agentID, EventCommand, cmd) {
		return ErrAgentOffline
	}

	d.logger.Debug("command dispatched",
		"agent_id", agentID,
		"session_id", cmd.SessionID,
		"target", cmd.Address,
		"port", cmd.Port,
	)
	return nil
}
