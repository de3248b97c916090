// ABOUTME: Shared-secret verification and zero-downtime credential rotation
// ABOUTME: Honors the superseded secret within a bounded grace window

package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/gridmesh/meter-gateway/internal/store"
)

// ErrBadSecret is returned when a presented secret matches no active agent.
var ErrBadSecret = errors.New("secret does not match any active agent")

// secretBytes is the entropy of a generated shared secret.
const secretBytes = 32

// SecretVerifier checks presented shared secrets against the credential
// store and performs rotations. Rotation keeps the superseded hash valid
// for the grace window so a fleet of deployed agents never hard-fails
// while new secrets roll out.
type SecretVerifier struct {
	store  store.Store
	grace  time.Duration
	cost   int
	logger *slog.Logger
}

// NewSecretVerifier creates a verifier with the given rotation grace window
// and bcrypt cost.
func NewSecretVerifier(s store.Store, grace time.Duration, cost int, logger *slog.Logger) *SecretVerifier {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &SecretVerifier{
		store:  s,
		grace:  grace,
		cost:   cost,
		logger: logger.With("component", "secrets"),
	}
}

// VerifySecret checks a presented secret against every active agent's current
// hash, then against the previous hash when the last rotation is still within
// the grace window. First match wins. usedPrevious signals that the agent
// should be advised to pick up its rotated secret.
func (v *SecretVerifier) VerifySecret(ctx context.Context, presented string) (agent *store.Agent, usedPrevious bool, err error) {
	agents, err := v.store.ListActiveAgents(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("listing active agents: %w", err)
	}

	now := time.Now()
	for _, a := range agents {
		if bcrypt.CompareHashAndPassword([]byte(a.SecretHash), []byte(presented)) == nil {
			return a, false, nil
		}
		if a.PrevSecretHash == nil || a.RotatedAt == nil {
			continue
		}
		if now.Sub(*a.RotatedAt) >= v.grace {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(*a.PrevSecretHash), []byte(presented)) == nil {
			v.logger.Info("agent authenticated with superseded secret",
				"agent_id", a.ID,
				"rotated_at", a.RotatedAt.Format(time.RFC3339),
			)
			return a, true, nil
		}
	}

	return nil, false, ErrBadSecret
}

// Rotate replaces the agent's secret: the current hash moves into the
// previous-hash slot, a freshly generated secret's hash becomes current, and
// the rotation time is stamped, all in one store write. The plaintext is
// returned exactly once and is never retrievable again. Only one generation
// of grace is honored: the pre-rotation previous hash is discarded.
func (v *SecretVerifier) Rotate(ctx context.Context, agentID string) (string, error) {
	agent, err := v.store.GetAgent(ctx, agentID)
	if err != nil {
		return "", err
	}

	plaintext, hash, err := v.newSecret()
	if err != nil {
		return "", err
	}

	superseded := agent.SecretHash
	if err := v.store.UpdateAgentSecrets(ctx, agent.ID, hash, &superseded, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("storing rotated secret: %w", err)
	}

	v.logger.Info("rotated agent secret", "agent_id", agent.ID)
	return plaintext, nil
}

// CreateAgent registers a new agent with a freshly generated secret.
// The plaintext secret is returned exactly once.
func (v *SecretVerifier) CreateAgent(ctx context.Context, name string) (*store.Agent, string, error) {
	plaintext, hash, err := v.newSecret()
	if err != nil {
		return nil, "", err
	}

	agent := &store.Agent{
		Name:       name,
		Active:     true,
		SecretHash: hash,
	}
	if err := v.store.CreateAgent(ctx, agent); err != nil {
		return nil, "", err
	}

	v.logger.Info("created agent", "agent_id", agent.ID, "name", name)
	return agent, plaintext, nil
}

// newSecret generates a random secret and its bcrypt hash.
func (v *SecretVerifier) newSecret() (plaintext, hash string, err error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generating secret: %w", err)
	}
	plaintext = base64.RawURLEncoding.EncodeToString(buf)

	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), v.cost)
	if err != nil {
		return "", "", fmt.Errorf("hashing secret: %w", err)
	}
	return plaintext, string(hashed), nil
}
