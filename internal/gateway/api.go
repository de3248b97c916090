// ABOUTME: HTTP API handlers for agent auth, rotation, heartbeats and diagnostics
// ABOUTME: Maps manager errors onto 400/401/404/409/429/503 JSON responses

package gateway

import (
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gridmesh/meter-gateway/internal/auth"
	"github.com/gridmesh/meter-gateway/internal/diag"
	"github.com/gridmesh/meter-gateway/internal/store"
)

// Route classes for the rate limiter.
const (
	routeAuth  = "auth"
	routeAgent = "agent"
	routePing  = "ping"
)

// recentSessionsLimit caps the GET /api/diagnostics listing.
const recentSessionsLimit = 50

// AuthRequest is the JSON body of POST /api/agents/auth.
type AuthRequest struct {
	Secret string `json:"secret"`
}

// AuthResponse is the JSON response for a successful authentication.
type AuthResponse struct {
	Token           string `json:"token"`
	ExpiresAt       string `json:"expires_at"`
	AgentID         string `json:"agent_id"`
	RotationAdvised bool   `json:"rotation_advised"`
}

// CreateAgentRequest is the JSON body of POST /api/agents.
type CreateAgentRequest struct {
	Name string `json:"name"`
}

// SecretResponse carries a freshly generated plaintext secret. This is the
// only time the secret is ever visible.
type SecretResponse struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`
	Secret  string `json:"secret"`
}

// AgentResponse is one entry of the GET /api/agents listing.
type AgentResponse struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Active        bool    `json:"active"`
	Connected     bool    `json:"connected"`
	LastHeartbeat *string `json:"last_heartbeat,omitempty"`
	LastAddr      string  `json:"last_addr,omitempty"`
	RotatedAt     *string `json:"rotated_at,omitempty"`
	CreatedAt     string  `json:"created_at"`
}

// SessionResponse is the JSON shape of a diagnostic session.
type SessionResponse struct {
	SessionID     string   `json:"session_id"`
	AgentID       string   `json:"agent_id"`
	Address       string   `json:"address"`
	Port          int      `json:"port"`
	UnitID        int      `json:"unit_id"`
	StartRegister *int     `json:"start_register,omitempty"`
	StartBit      *int     `json:"start_bit,omitempty"`
	Count         int      `json:"count"`
	State         string   `json:"state"`
	RequestedBy   string   `json:"requested_by"`
	Values        []uint16 `json:"values,omitempty"`
	Error         *string  `json:"error,omitempty"`
	ElapsedMs     *int64   `json:"elapsed_ms,omitempty"`
	CreatedAt     string   `json:"created_at"`
	CompletedAt   *string  `json:"completed_at,omitempty"`
}

// handleAgentAuth exchanges a shared secret for a session token.
// Rate limited per source IP before any bcrypt work happens.
func (g *Gateway) handleAgentAuth(w http.ResponseWriter, r *http.Request) {
	decision := g.limiter.Allow(clientIP(r), routeAuth)
	if !decision.Allowed {
		g.metrics.RateLimitDenials.WithLabelValues(routeAuth).Inc()
		g.sendRateLimited(w, decision.RetryAfter)
		return
	}

	var req AuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Secret == "" {
		g.sendJSONError(w, http.StatusBadRequest, "secret is required")
		return
	}

	agent, usedPrevious, err := g.secrets.VerifySecret(r.Context(), req.Secret)
	if err != nil {
		if errors.Is(err, auth.ErrBadSecret) {
			g.metrics.AuthAttempts.WithLabelValues("rejected").Inc()
			g.sendJSONError(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		g.logger.Error("secret verification failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	expiresAt := time.Now().Add(g.config.Auth.TokenTTL)
	token, err := g.verifier.Generate(agent.ID, auth.TypeAgent, g.config.Auth.TokenTTL)
	if err != nil {
		g.logger.Error("token generation failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if err := g.store.SetAgentAddr(r.Context(), agent.ID, clientIP(r)); err != nil {
		g.logger.Warn("failed to record agent address", "agent_id", agent.ID, "error", err)
	}

	outcome := "ok"
	if usedPrevious {
		outcome = "ok_previous_secret"
	}
	g.metrics.AuthAttempts.WithLabelValues(outcome).Inc()
	g.logger.Info("agent authenticated",
		"agent_id", agent.ID,
		"remote_addr", clientIP(r),
		"rotation_advised", usedPrevious,
	)

	g.sendJSON(w, http.StatusOK, AuthResponse{
		Token:           token,
		ExpiresAt:       expiresAt.UTC().Format(time.RFC3339),
		AgentID:         agent.ID,
		RotationAdvised: usedPrevious,
	})
}

// handleHeartbeat records that the agent is alive and where it called from.
func (g *Gateway) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())

	if err := g.store.TouchAgent(r.Context(), authCtx.Subject, clientIP(r), time.Now().UTC()); err != nil {
		g.logger.Error("failed to record heartbeat", "agent_id", authCtx.Subject, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCreateAgent registers a new agent and returns its initial secret.
func (g *Gateway) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req CreateAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		g.sendJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	agent, secret, err := g.secrets.CreateAgent(r.Context(), req.Name)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateAgent) {
			g.sendJSONError(w, http.StatusConflict, "agent name already exists")
			return
		}
		g.logger.Error("failed to create agent", "name", req.Name, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.sendJSON(w, http.StatusCreated, SecretResponse{
		AgentID: agent.ID,
		Name:    agent.Name,
		Secret:  secret,
	})
}

// handleRotateAgent rotates an agent's shared secret and returns the new
// plaintext once.
func (g *Gateway) handleRotateAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	secret, err := g.secrets.Rotate(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "agent not found")
			return
		}
		g.logger.Error("failed to rotate secret", "agent_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	agent, err := g.store.GetAgent(r.Context(), id)
	if err != nil {
		g.logger.Error("failed to load rotated agent", "agent_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.sendJSON(w, http.StatusOK, SecretResponse{
		AgentID: agent.ID,
		Name:    agent.Name,
		Secret:  secret,
	})
}

// handleListAgents returns stored agents merged with live connectivity.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := g.store.ListAgents(r.Context())
	if err != nil {
		g.logger.Error("failed to list agents", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]AgentResponse, 0, len(agents))
	for _, a := range agents {
		resp = append(resp, AgentResponse{
			ID:            a.ID,
			Name:          a.Name,
			Active:        a.Active,
			Connected:     g.registry.IsConnected(a.ID),
			LastHeartbeat: formatTimePtr(a.LastHeartbeat),
			LastAddr:      a.LastAddr,
			RotatedAt:     formatTimePtr(a.RotatedAt),
			CreatedAt:     a.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleCreateDiagnostic starts a diagnostic session against one device.
func (g *Gateway) handleCreateDiagnostic(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())

	var req diag.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	receipt, err := g.diag.Create(r.Context(), authCtx.Subject, req)
	if err != nil {
		var verr *diag.ValidationError
		var cdErr *diag.CoolDownError
		var offErr *diag.OfflineError
		switch {
		case errors.As(err, &verr):
			g.sendJSONError(w, http.StatusBadRequest, verr.Message)
		case errors.As(err, &cdErr):
			w.Header().Set("Retry-After", strconv.Itoa(cdErr.RetryAfter))
			g.sendJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":               "target in cool-down",
				"retry_after_seconds": cdErr.RetryAfter,
			})
		case errors.As(err, &offErr):
			g.sendJSON(w, http.StatusServiceUnavailable, map[string]any{
				"error":      "agent is not connected",
				"session_id": offErr.SessionID,
			})
		default:
			g.logger.Error("failed to create diagnostic", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	g.sendJSON(w, http.StatusCreated, receipt)
}

// handleGetDiagnostic returns one session, expiring it first when overdue.
func (g *Gateway) handleGetDiagnostic(w http.ResponseWriter, r *http.Request) {
	session, err := g.diag.Query(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "session not found")
			return
		}
		g.logger.Error("failed to load session", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.sendJSON(w, http.StatusOK, sessionResponse(session))
}

// handleListDiagnostics returns the most recent sessions, newest first.
func (g *Gateway) handleListDiagnostics(w http.ResponseWriter, r *http.Request) {
	sessions, err := g.diag.Recent(r.Context(), recentSessionsLimit)
	if err != nil {
		g.logger.Error("failed to list sessions", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		resp = append(resp, sessionResponse(s))
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleDiagnosticResult records the agent's result for a session it owns.
func (g *Gateway) handleDiagnosticResult(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())
	id := r.PathValue("id")

	var req diag.ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	err := g.diag.Resolve(r.Context(), authCtx.Subject, id, req)
	switch {
	case err == nil:
		g.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, store.ErrNotFound), errors.Is(err, diag.ErrNotYourSession):
		// Foreign sessions look identical to missing ones
		g.sendJSONError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, store.ErrSessionTerminal):
		g.sendJSONError(w, http.StatusConflict, "session already processed")
	default:
		g.logger.Error("failed to resolve session", "session_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// handleHealth reports liveness and the number of connected agents.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"connected_agents": g.registry.Count(),
	})
}

// limited wraps a handler with a rate-limit check for the given route class,
// keyed by the authenticated subject. It must sit inside an auth middleware.
func (g *Gateway) limited(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx := auth.MustFromContext(r.Context())

		decision := g.limiter.Allow(authCtx.Subject, route)
		if !decision.Allowed {
			g.metrics.RateLimitDenials.WithLabelValues(route).Inc()
			g.sendRateLimited(w, decision.RetryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// sendRateLimited writes the standard 429 response with a Retry-After header.
func (g *Gateway) sendRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	seconds := int(math.Ceil(retryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	g.sendJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":               "rate limit exceeded",
		"retry_after_seconds": seconds,
	})
}

// sendJSON writes a JSON response with the given status.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}

// sessionResponse converts a stored session to its JSON shape.
func sessionResponse(s *store.DiagnosticSession) SessionResponse {
	return SessionResponse{
		SessionID:     s.ID,
		AgentID:       s.AgentID,
		Address:       s.Address,
		Port:          s.Port,
		UnitID:        s.UnitID,
		StartRegister: s.StartRegister,
		StartBit:      s.StartBit,
		Count:         s.Count,
		State:         s.State.String(),
		RequestedBy:   s.RequestedBy,
		Values:        s.Values,
		Error:         s.Error,
		ElapsedMs:     s.ElapsedMs,
		CreatedAt:     s.CreatedAt.UTC().Format(time.RFC3339),
		CompletedAt:   formatTimePtr(s.CompletedAt),
	}
}

// formatTimePtr formats an optional timestamp as RFC3339.
func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := t.UTC().Format(time.RFC3339)
	return &formatted
}

// clientIP extracts the caller's IP without the ephemeral port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
