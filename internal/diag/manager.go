// ABOUTME: Diagnostic session lifecycle: create, dispatch, lazy timeout, resolve
// ABOUTME: Enforces target cool-down and per-agent ownership of results

package diag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gridmesh/meter-gateway/internal/agent"
	"github.com/gridmesh/meter-gateway/internal/cooldown"
	"github.com/gridmesh/meter-gateway/internal/metrics"
	"github.com/gridmesh/meter-gateway/internal/store"
)

// Read-size ceilings per probe kind, matching what a single Modbus response
// frame can carry.
const (
	maxRegisterCount = 125
	maxBitCount      = 2000
)

// CommandSender pushes a command to a connected agent.
type CommandSender interface {
	Dispatch(agentID string, cmd agent.Command) error
}

// CreateRequest describes a probe to run against one device behind an agent.
type CreateRequest struct {
	AgentID       string `json:"agent_id"`
	Address       string `json:"address"`
	Port          int    `json:"port"`
	UnitID        int    `json:"unit_id"`
	StartRegister *int   `json:"start_register,omitempty"`
	StartBit      *int   `json:"start_bit,omitempty"`
	Count         int    `json:"count"`
}

// Receipt is returned for a successfully dispatched session.
type Receipt struct {
	SessionID      string `json:"session_id"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// ResolveRequest is an agent's report on a dispatched session.
type ResolveRequest struct {
	Success   bool     `json:"success"`
	Values    []uint16 `json:"values,omitempty"`
	Error     string   `json:"error,omitempty"`
	ElapsedMs int64    `json:"elapsed_ms"`
}

// Manager owns the diagnostic session state machine. Sessions move
// pending -> sent -> {completed | error | timeout}; terminal states are
// sticky and enforced by the store's guarded updates, so concurrent
// resolvers and the lazy timeout can race safely.
type Manager struct {
	store   store.Store
	gate    *cooldown.Gate
	sender  CommandSender
	metrics *metrics.Metrics
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager creates a session manager. timeout is how long a non-terminal
// session may live before Query expires it.
func NewManager(st store.Store, gate *cooldown.Gate, sender CommandSender, m *metrics.Metrics, timeout time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		store:   st,
		gate:    gate,
		sender:  sender,
		metrics: m,
		timeout: timeout,
		logger:  logger.With("component", "diag"),
		now:     time.Now,
	}
}

// Create validates the request, applies the per-target cool-down, persists a
// pending session, and dispatches the command to the agent. The cool-down is
// recorded before dispatch so a crashed or offline dispatch still throttles
// the target: the device sees at most one probe per window no matter how the
// attempt ends.
func (m *Manager) Create(ctx context.Context, requestedBy string, req CreateRequest) (*Receipt, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	if allowed, retryAfter := m.gate.Check(req.Address, req.Port); !allowed {
		m.metrics.CooldownDenials.Inc()
		m.logger.Info("diagnostic refused by cool-down",
			"target", req.Address,
			"port", req.Port,
			"retry_after_seconds", retryAfter,
		)
		return nil, &CoolDownError{RetryAfter: retryAfter}
	}
	m.gate.Record(req.Address, req.Port)

	session := &store.DiagnosticSession{
		ID:            uuid.New().String(),
		AgentID:       req.AgentID,
		Address:       req.Address,
		Port:          req.Port,
		UnitID:        req.UnitID,
		StartRegister: req.StartRegister,
		StartBit:      req.StartBit,
		Count:         req.Count,
		State:         store.StatePending,
		RequestedBy:   requestedBy,
		CreatedAt:     m.now().UTC(),
	}
	if err := m.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	cmd := agent.Command{
		SessionID:      session.ID,
		Address:        req.Address,
		Port:           req.Port,
		UnitID:         req.UnitID,
		StartRegister:  req.StartRegister,
		StartBit:       req.StartBit,
		Count:          req.Count,
		TimeoutSeconds: int(m.timeout.Seconds()),
	}
	if err := m.sender.Dispatch(req.AgentID, cmd); err != nil {
		m.metrics.Dispatches.WithLabelValues("offline").Inc()
		if failErr := m.store.FailSession(ctx, session.ID, "agent not connected"); failErr != nil {
			m.logger.Error("failed to mark undispatched session",
				"session_id", session.ID,
				"error", failErr,
			)
		} else {
			m.metrics.SessionsFinished.WithLabelValues(store.StateError.String()).Inc()
		}
		return nil, &OfflineError{SessionID: session.ID}
	}
	m.metrics.Dispatches.WithLabelValues("delivered").Inc()

	if err := m.store.MarkSessionSent(ctx, session.ID); err != nil {
		// The command is already on the wire; the session will still resolve
		// or time out from pending.
		m.logger.Warn("failed to mark session sent",
			"session_id", session.ID,
			"error", err,
		)
	}

	m.logger.Info("diagnostic dispatched",
		"session_id", session.ID,
		"agent_id", req.AgentID,
		"target", req.Address,
		"port", req.Port,
	)
	return &Receipt{SessionID: session.ID, TimeoutSeconds: int(m.timeout.Seconds())}, nil
}

// Query loads a session, expiring it first if it has outlived the timeout
// without reaching a terminal state. Expiry happens here, on read, rather
// than in a background reaper; a session nobody asks about simply stays
// stale until someone does.
func (m *Manager) Query(ctx context.Context, id string) (*store.DiagnosticSession, error) {
	session, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	if !session.State.Terminal() && m.now().Sub(session.CreatedAt) > m.timeout {
		switch err := m.store.TimeoutSession(ctx, id); {
		case err == nil:
			m.metrics.SessionsFinished.WithLabelValues(store.StateTimeout.String()).Inc()
			m.logger.Info("session timed out", "session_id", id)
		case errors.Is(err, store.ErrSessionTerminal):
			// A result arrived between the load and the expiry; keep it.
		default:
			return nil, fmt.Errorf("failed to expire session: %w", err)
		}
		return m.store.GetSession(ctx, id)
	}
	return session, nil
}

// Resolve applies an agent's result to its session. The caller must be the
// agent the session was dispatched to; anyone else gets ErrNotYourSession.
// A session already terminal (including timed out) rejects the result with
// store.ErrSessionTerminal.
func (m *Manager) Resolve(ctx context.Context, agentID, id string, res ResolveRequest) error {
	session, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if session.AgentID != agentID {
		return ErrNotYourSession
	}

	if res.Success {
		err = m.store.CompleteSession(ctx, id, res.Values, res.ElapsedMs)
	} else {
		message := res.Error
		if message == "" {
			message = "agent reported failure"
		}
		err = m.store.FailSession(ctx, id, message)
	}
	if err != nil {
		return err
	}

	state := store.StateCompleted
	if !res.Success {
		state = store.StateError
	}
	m.metrics.SessionsFinished.WithLabelValues(state.String()).Inc()
	m.logger.Info("session resolved",
		"session_id", id,
		"agent_id", agentID,
		"state", state.String(),
	)
	return nil
}

// Recent returns the most recently created sessions, newest first.
func (m *Manager) Recent(ctx context.Context, limit int) ([]*store.DiagnosticSession, error) {
	return m.store.ListRecentSessions(ctx, limit)
}

func validate(req CreateRequest) error {
	if req.AgentID == "" {
		return &ValidationError{Message: "agent_id is required"}
	}
	if req.Address == "" {
		return &ValidationError{Message: "address is required"}
	}
	if req.Port < 1 || req.Port > 65535 {
		return &ValidationError{Message: "port must be between 1 and 65535"}
	}
	if req.UnitID < 0 || req.UnitID > 247 {
		return &ValidationError{Message: "unit_id must be between 0 and 247"}
	}

	hasRegister := req.StartRegister != nil
	hasBit := req.StartBit != nil
	switch {
	case hasRegister == hasBit:
		return &ValidationError{Message: "exactly one of start_register or start_bit is required"}
	case hasRegister:
		if *req.StartRegister < 0 || *req.StartRegister > 65535 {
			return &ValidationError{Message: "start_register must be between 0 and 65535"}
		}
		if req.Count < 1 || req.Count > maxRegisterCount {
			return &ValidationError{Message: fmt.Sprintf("count must be between 1 and %d registers", maxRegisterCount)}
		}
	case hasBit:
		if *req.StartBit < 0 || *req.StartBit > 65535 {
			return &ValidationError{Message: "start_bit must be between 0 and 65535"}
		}
		if req.Count < 1 || req.Count > maxBitCount {
			return &ValidationError{Message: fmt.Sprintf("count must be between 1 and %d bits", maxBitCount)}
		}
	}
	return nil
}
