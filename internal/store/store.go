// ABOUTME: Store interface and data types for meter-gateway persistence
// ABOUTME: Defines Agent, DiagnosticSession and the SessionState machine

package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateAgent is returned when trying to create an agent whose name is taken
var ErrDuplicateAgent = errors.New("agent already exists")

// ErrSessionTerminal is returned when a state transition targets a session
// that has already reached a terminal state. The first terminal write wins;
// later writers must treat this as a no-op.
var ErrSessionTerminal = errors.New("session already in terminal state")

// Agent is an identity known to the gateway: a field process that owns the
// physical connection to metering devices. The gateway only writes the
// rotation, heartbeat and last-address fields; everything else is managed
// through the operator API.
type Agent struct {
	ID             string
	Name           string
	Active         bool
	SecretHash     string  // bcrypt hash of the current shared secret
	PrevSecretHash *string // superseded hash, honored within the rotation grace window
	RotatedAt      *time.Time
	LastHeartbeat  *time.Time
	LastAddr       string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SessionState is the closed set of diagnostic session states.
// Transitions: pending -> sent -> {completed | error | timeout}, with
// error also reachable directly from pending when dispatch fails.
// Terminal states are sticky.
type SessionState int

const (
	StatePending SessionState = iota
	StateSent
	StateExecuting // reserved for agents that report progress; never set by the gateway
	StateCompleted
	StateError
	StateTimeout
)

// String returns the wire/storage representation of the state.
func (s SessionState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSent:
		return "sent"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	case StateTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state admits no further transitions.
func (s SessionState) Terminal() bool {
	switch s {
	case StateCompleted, StateError, StateTimeout:
		return true
	default:
		return false
	}
}

// ParseSessionState converts a stored state string back into a SessionState.
func ParseSessionState(raw string) (SessionState, error) {
	switch raw {
	case "pending":
		return StatePending, nil
	case "sent":
		return StateSent, nil
	case "executing":
		return StateExecuting, nil
	case "completed":
		return StateCompleted, nil
	case "error":
		return StateError, nil
	case "timeout":
		return StateTimeout, nil
	default:
		return StatePending, fmt.Errorf("unknown session state %q", raw)
	}
}

// DiagnosticSession represents one outstanding "probe a device" request.
// Exactly one of StartRegister/StartBit is set, depending on whether the
// probe reads holding registers or discrete bits.
type DiagnosticSession struct {
	ID            string
	AgentID       string
	Address       string
	Port          int
	UnitID        int
	StartRegister *int
	StartBit      *int
	Count         int
	State         SessionState
	RequestedBy   string
	Values        []uint16 // populated on completion
	Error         *string
	ElapsedMs     *int64
	CreatedAt     time.Time
	CompletedAt   *time.Time
}

// Store defines the persistence interface for agents and diagnostic sessions
type Store interface {
	// Agents
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	ListActiveAgents(ctx context.Context) ([]*Agent, error)
	UpdateAgentSecrets(ctx context.Context, id, secretHash string, prevSecretHash *string, rotatedAt time.Time) error
	SetAgentActive(ctx context.Context, id string, active bool) error
	TouchAgent(ctx context.Context, id, addr string, at time.Time) error
	SetAgentAddr(ctx context.Context, id, addr string) error

	// Diagnostic sessions
	CreateSession(ctx context.Context, session *DiagnosticSession) error
	GetSession(ctx context.Context, id string) (*DiagnosticSession, error)
	ListRecentSessions(ctx context.Context, limit int) ([]*DiagnosticSession, error)
	MarkSessionSent(ctx context.Context, id string) error
	CompleteSession(ctx context.Context, id string, values []uint16, elapsedMs int64) error
	FailSession(ctx context.Context, id, message string) error
	TimeoutSession(ctx context.Context, id string) error

	// Close releases any resources held by the store
	Close() error
}
