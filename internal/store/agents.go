// ABOUTME: Agent persistence for the SQLite store
// ABOUTME: Covers creation, lookup, secret rotation and heartbeat updates

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const agentColumns = `id, name, active, secret_hash, prev_secret_hash, rotated_at, last_heartbeat, last_addr, created_at, updated_at`

// CreateAgent inserts a new agent.
// Returns ErrDuplicateAgent if an agent with the same name exists.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	if agent.UpdatedAt.IsZero() {
		agent.UpdatedAt = now
	}

	query := `
		INSERT INTO agents (id, name, active, secret_hash, prev_secret_hash, rotated_at, last_heartbeat, last_addr, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		agent.ID,
		agent.Name,
		boolToInt(agent.Active),
		agent.SecretHash,
		nullString(derefString(agent.PrevSecretHash)),
		nullTime(agent.RotatedAt),
		nullTime(agent.LastHeartbeat),
		agent.LastAddr,
		agent.CreatedAt.Format(time.RFC3339),
		agent.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateAgent
		}
		return fmt.Errorf("inserting agent: %w", err)
	}

	s.logger.Debug("created agent", "id", agent.ID, "name", agent.Name)
	return nil
}

// GetAgent retrieves an agent by ID.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return agent, nil
}

// ListAgents returns all agents ordered by name.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	return s.listAgents(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY name`)
}

// ListActiveAgents returns all agents with the active flag set, ordered by name.
// This is the candidate set the secret verifier iterates on authentication.
func (s *SQLiteStore) ListActiveAgents(ctx context.Context) ([]*Agent, error) {
	return s.listAgents(ctx, `SELECT `+agentColumns+` FROM agents WHERE active = 1 ORDER BY name`)
}

func (s *SQLiteStore) listAgents(ctx context.Context, query string) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent rows: %w", err)
	}
	return agents, nil
}

// UpdateAgentSecrets atomically replaces the agent's credential generation:
// the new hash becomes current, the superseded hash (if any) becomes the
// previous hash, and the rotation timestamp is stamped in the same write.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) UpdateAgentSecrets(ctx context.Context, id, secretHash string, prevSecretHash *string, rotatedAt time.Time) error {
	query := `
		UPDATE agents
		SET secret_hash = ?, prev_secret_hash = ?, rotated_at = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		secretHash,
		nullString(derefString(prevSecretHash)),
		rotatedAt.UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("updating agent secrets: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("rotated agent secrets", "id", id)
	return nil
}

// SetAgentActive flips the active flag. A deactivated agent can no longer
// authenticate, and its outstanding session tokens stop working.
func (s *SQLiteStore) SetAgentActive(ctx context.Context, id string, active bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE agents SET active = ?, updated_at = ? WHERE id = ?`,
		boolToInt(active),
		time.Now().UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("updating agent active flag: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchAgent records a heartbeat: last-heartbeat timestamp and the network
// address the agent was last seen from.
func (s *SQLiteStore) TouchAgent(ctx context.Context, id, addr string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_heartbeat = ?, last_addr = ?, updated_at = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339),
		addr,
		time.Now().UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("touching agent: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAgentAddr records the network address the agent last called from
// without claiming a heartbeat. Used on authentication, where the agent has
// proven its identity but not that its channel is alive.
func (s *SQLiteStore) SetAgentAddr(ctx context.Context, id, addr string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_addr = ?, updated_at = ? WHERE id = ?`,
		addr,
		time.Now().UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("updating agent address: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanAgent
type scanner interface {
	Scan(dest ...any) error
}

// scanAgent reads one agent row.
func scanAgent(sc scanner) (*Agent, error) {
	var agent Agent
	var active int
	var prevHash, lastAddr sql.NullString
	var rotatedAt, lastHeartbeat sql.NullString
	var createdAt, updatedAt string

	err := sc.Scan(
		&agent.ID,
		&agent.Name,
		&active,
		&agent.SecretHash,
		&prevHash,
		&rotatedAt,
		&lastHeartbeat,
		&lastAddr,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	agent.Active = active != 0
	if prevHash.Valid {
		agent.PrevSecretHash = &prevHash.String
	}
	if lastAddr.Valid {
		agent.LastAddr = lastAddr.String
	}
	agent.RotatedAt = parseNullTime(rotatedAt, "rotated_at", agent.ID)
	agent.LastHeartbeat = parseNullTime(lastHeartbeat, "last_heartbeat", agent.ID)
	agent.CreatedAt = parseStoredTime(createdAt, "created_at", agent.ID)
	agent.UpdatedAt = parseStoredTime(updatedAt, "updated_at", agent.ID)

	return &agent, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}
