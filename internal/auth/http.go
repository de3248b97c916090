// ABOUTME: HTTP middleware for session token authentication on API endpoints
// ABOUTME: Extracts the bearer token and adds the identity to the request context

package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gridmesh/meter-gateway/internal/store"
)

// AgentLookup looks up agents by ID for the active re-check.
type AgentLookup interface {
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// unauthenticated writes the uniform 401 response. The reason is logged but
// never sent to the caller: signature failures, expiry and deactivated agents
// are indistinguishable from the outside.
func unauthenticated(w http.ResponseWriter, logger *slog.Logger, reason string, err error) {
	logger.Debug("request rejected", "reason", reason, "error", err)
	http.Error(w, `{"error":"unauthenticated"}`, http.StatusUnauthorized)
}

// AgentAuthMiddleware validates agent session tokens. Beyond the signature
// and expiry check it re-confirms the agent is still active in the credential
// store, so a deactivated agent's outstanding tokens die immediately.
func AgentAuthMiddleware(verifier TokenVerifier, agents AgentLookup, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				unauthenticated(w, logger, errMsg, nil)
				return
			}

			subject, identityType, err := verifier.Verify(token)
			if err != nil {
				unauthenticated(w, logger, "token verification failed", err)
				return
			}
			if identityType != TypeAgent {
				unauthenticated(w, logger, "token is not an agent token", nil)
				return
			}

			agent, err := agents.GetAgent(r.Context(), subject)
			if err != nil {
				unauthenticated(w, logger, "agent not found", err)
				return
			}
			if !agent.Active {
				unauthenticated(w, logger, "agent deactivated", nil)
				return
			}

			authCtx := &AuthContext{Subject: agent.ID, Type: TypeAgent}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// OperatorAuthMiddleware validates operator session tokens for the
// privileged dashboard-facing endpoints.
func OperatorAuthMiddleware(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				unauthenticated(w, logger, errMsg, nil)
				return
			}

			subject, identityType, err := verifier.Verify(token)
			if err != nil {
				unauthenticated(w, logger, "token verification failed", err)
				return
			}
			if identityType != TypeOperator {
				unauthenticated(w, logger, "token is not an operator token", nil)
				return
			}

			authCtx := &AuthContext{Subject: subject, Type: TypeOperator}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}
