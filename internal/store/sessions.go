// ABOUTME: Diagnostic session persistence with guarded state transitions
// ABOUTME: Terminal writes use compare-and-set so racing writers become no-ops

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const sessionColumns = `id, agent_id, address, port, unit_id, start_register, start_bit, count, state, requested_by, result_values, error, elapsed_ms, created_at, completed_at`

// nonTerminalStates is the SQL guard shared by all terminal transitions.
// A write that matches zero rows lost the race to another terminal write.
const nonTerminalStates = `('pending', 'sent', 'executing')`

// CreateSession inserts a new diagnostic session, normally in StatePending.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *DiagnosticSession) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO diagnostic_sessions (id, agent_id, address, port, unit_id, start_register, start_bit, count, state, requested_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.AgentID,
		session.Address,
		session.Port,
		session.UnitID,
		nullInt(session.StartRegister),
		nullInt(session.StartBit),
		session.Count,
		session.State.String(),
		session.RequestedBy,
		session.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created diagnostic session",
		"id", session.ID,
		"agent_id", session.AgentID,
		"target", fmt.Sprintf("%s:%d", session.Address, session.Port),
	)
	return nil
}

// GetSession retrieves a diagnostic session by ID.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*DiagnosticSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM diagnostic_sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return session, nil
}

// ListRecentSessions returns the most recently created sessions, newest first.
func (s *SQLiteStore) ListRecentSessions(ctx context.Context, limit int) ([]*DiagnosticSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM diagnostic_sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*DiagnosticSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}

// MarkSessionSent moves a pending session to sent after a successful dispatch.
// Returns ErrSessionTerminal if the session has already left pending.
func (s *SQLiteStore) MarkSessionSent(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE diagnostic_sessions SET state = 'sent' WHERE id = ? AND state = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("marking session sent: %w", err)
	}
	return s.checkTransition(ctx, result, id)
}

// CompleteSession records a successful resolution: values, elapsed time and
// completion timestamp. Only non-terminal sessions are affected.
func (s *SQLiteStore) CompleteSession(ctx context.Context, id string, values []uint16, elapsedMs int64) error {
	encoded, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("encoding values: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE diagnostic_sessions
		 SET state = 'completed', result_values = ?, elapsed_ms = ?, completed_at = ?
		 WHERE id = ? AND state IN `+nonTerminalStates,
		string(encoded),
		elapsedMs,
		time.Now().UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("completing session: %w", err)
	}
	return s.checkTransition(ctx, result, id)
}

// FailSession records an error resolution with the given message.
// Only non-terminal sessions are affected.
func (s *SQLiteStore) FailSession(ctx context.Context, id, message string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE diagnostic_sessions
		 SET state = 'error', error = ?, completed_at = ?
		 WHERE id = ? AND state IN `+nonTerminalStates,
		message,
		time.Now().UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("failing session: %w", err)
	}
	return s.checkTransition(ctx, result, id)
}

// TimeoutSession lazily expires a session that was never resolved.
// Losing the race to a concurrent resolve surfaces as ErrSessionTerminal,
// which callers treat as a no-op.
func (s *SQLiteStore) TimeoutSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE diagnostic_sessions
		 SET state = 'timeout', completed_at = ?
		 WHERE id = ? AND state IN `+nonTerminalStates,
		time.Now().UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("timing out session: %w", err)
	}
	return s.checkTransition(ctx, result, id)
}

// checkTransition distinguishes "row missing" from "row already terminal"
// after a guarded update matched zero rows.
func (s *SQLiteStore) checkTransition(ctx context.Context, result sql.Result, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx,
		`SELECT 1 FROM diagnostic_sessions WHERE id = ?`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking session existence: %w", err)
	}
	return ErrSessionTerminal
}

// scanSession reads one diagnostic session row.
func scanSession(sc scanner) (*DiagnosticSession, error) {
	var session DiagnosticSession
	var startRegister, startBit, elapsedMs sql.NullInt64
	var stateRaw, createdAt string
	var resultValues, errMsg, completedAt sql.NullString

	err := sc.Scan(
		&session.ID,
		&session.AgentID,
		&session.Address,
		&session.Port,
		&session.UnitID,
		&startRegister,
		&startBit,
		&session.Count,
		&stateRaw,
		&session.RequestedBy,
		&resultValues,
		&errMsg,
		&elapsedMs,
		&createdAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	state, err := ParseSessionState(stateRaw)
	if err != nil {
		return nil, err
	}
	session.State = state

	if startRegister.Valid {
		v := int(startRegister.Int64)
		session.StartRegister = &v
	}
	if startBit.Valid {
		v := int(startBit.Int64)
		session.StartBit = &v
	}
	if elapsedMs.Valid {
		session.ElapsedMs = &elapsedMs.Int64
	}
	if errMsg.Valid {
		session.Error = &errMsg.String
	}
	if resultValues.Valid && resultValues.String != "" {
		if err := json.Unmarshal([]byte(resultValues.String), &session.Values); err != nil {
			return nil, fmt.Errorf("decoding result values for %s: %w", session.ID, err)
		}
	}
	session.CreatedAt = parseStoredTime(createdAt, "created_at", session.ID)
	session.CompletedAt = parseNullTime(completedAt, "completed_at", session.ID)

	return &session, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
