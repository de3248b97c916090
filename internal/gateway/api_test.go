// ABOUTME: Handler tests for the gateway HTTP API
// ABOUTME: Drives the full stack against an in-memory store with real tokens

package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/gridmesh/meter-gateway/internal/auth"
	"github.com/gridmesh/meter-gateway/internal/config"
	"github.com/gridmesh/meter-gateway/internal/diag"
)

func testConfig() *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{HTTPAddr: ":0", ReadHeaderTimeout: 10 * time.Second},
		Database: config.DatabaseConfig{Path: ":memory:"},
		Auth: config.AuthConfig{
			JWTSecret:     "test-jwt-secret",
			BcryptCost:    bcrypt.MinCost,
			TokenTTL:      time.Hour,
			RotationGrace: time.Hour,
		},
		Limits: config.LimitsConfig{
			Window: time.Minute,
			Auth:   100,
			Agent:  100,
			Ping:   100,
		},
		Diagnostics: config.DiagnosticsConfig{
			CoolDown:       time.Minute,
			SessionTimeout: 30 * time.Second,
		},
		Channels: config.ChannelsConfig{KeepaliveInterval: time.Hour},
		Metrics:  config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

func setupGateway(t *testing.T, cfg *config.Config) *Gateway {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	g, err := New(cfg, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() {
		g.registry.Close()
		g.limiter.Close()
		g.store.Close()
	})
	return g
}

func operatorToken(t *testing.T, g *Gateway) string {
	t.Helper()
	token, err := g.verifier.Generate("ops@example.com", auth.TypeOperator, time.Hour)
	require.NoError(t, err)
	return token
}

func agentToken(t *testing.T, g *Gateway, agentID string) string {
	t.Helper()
	token, err := g.verifier.Generate(agentID, auth.TypeAgent, time.Hour)
	require.NoError(t, err)
	return token
}

// doJSON performs a request against the gateway handler and decodes the
// JSON response into out (when out is non-nil).
func doJSON(t *testing.T, g *Gateway, method, path, token string, body, out any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)

	if out != nil && rec.Code < 300 {
		require.NoError(t, json.NewDecoder(rec.Body).Decode(out))
	}
	return rec
}

func createAgentViaAPI(t *testing.T, g *Gateway, name string) SecretResponse {
	t.Helper()
	var resp SecretResponse
	rec := doJSON(t, g, http.MethodPost, "/api/agents", operatorToken(t, g), CreateAgentRequest{Name: name}, &resp)
	require.Equal(t, http.StatusCreated, rec.Code)
	return resp
}

// recordingChannel stands in for an agent's SSE connection.
type recordingChannel struct {
	mu     sync.Mutex
	events []string
	bodies [][]byte
}

func (c *recordingChannel) Send(event string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	c.bodies = append(c.bodies, data)
	return nil
}

func (c *recordingChannel) lastCommand(t *testing.T) diag.CreateRequest {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.events) - 1; i >= 0; i-- {
		if c.events[i] == "command" {
			var cmd diag.CreateRequest
			require.NoError(t, json.Unmarshal(c.bodies[i], &cmd))
			return cmd
		}
	}
	t.Fatal("no command event recorded")
	return diag.CreateRequest{}
}

func TestAgentAuthFlow(t *testing.T) {
	g := setupGateway(t, nil)
	created := createAgentViaAPI(t, g, "substation-7")

	var resp AuthResponse
	rec := doJSON(t, g, http.MethodPost, "/api/agents/auth", "", AuthRequest{Secret: created.Secret}, &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.AgentID, resp.AgentID)
	assert.NotEmpty(t, resp.Token)
	assert.False(t, resp.RotationAdvised)

	// The issued token is accepted on an agent endpoint
	hb := doJSON(t, g, http.MethodPost, "/api/agents/heartbeat", resp.Token, nil, nil)
	assert.Equal(t, http.StatusOK, hb.Code)
}

func TestAgentAuthRecordsAddressNotHeartbeat(t *testing.T) {
	g := setupGateway(t, nil)
	created := createAgentViaAPI(t, g, "substation-7")

	rec := doJSON(t, g, http.MethodPost, "/api/agents/auth", "", AuthRequest{Secret: created.Secret}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	a, err := g.store.GetAgent(t.Context(), created.AgentID)
	require.NoError(t, err)
	assert.NotEmpty(t, a.LastAddr)
	assert.Nil(t, a.LastHeartbeat, "authenticating is not a liveness signal")
}

func TestAgentAuthRejectsBadSecret(t *testing.T) {
	g := setupGateway(t, nil)
	createAgentViaAPI(t, g, "substation-7")

	rec := doJSON(t, g, http.MethodPost, "/api/agents/auth", "", AuthRequest{Secret: "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAgentAuthRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.Auth = 2
	g := setupGateway(t, cfg)

	// httptest requests share a RemoteAddr, so they count as one caller
	for i := 0; i < 2; i++ {
		rec := doJSON(t, g, http.MethodPost, "/api/agents/auth", "", AuthRequest{Secret: "wrong"}, nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec := doJSON(t, g, http.MethodPost, "/api/agents/auth", "", AuthRequest{Secret: "wrong"}, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "retry_after_seconds")
}

func TestRotationGraceFlow(t *testing.T) {
	g := setupGateway(t, nil)
	created := createAgentViaAPI(t, g, "substation-7")

	var rotated SecretResponse
	rec := doJSON(t, g, http.MethodPost, "/api/agents/"+created.AgentID+"/rotate", operatorToken(t, g), nil, &rotated)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEqual(t, created.Secret, rotated.Secret)

	// Old secret still works inside the grace window, with rotation advised
	var oldResp AuthResponse
	rec = doJSON(t, g, http.MethodPost, "/api/agents/auth", "", AuthRequest{Secret: created.Secret}, &oldResp)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, oldResp.RotationAdvised)

	// New secret works without advice
	var newResp AuthResponse
	rec = doJSON(t, g, http.MethodPost, "/api/agents/auth", "", AuthRequest{Secret: rotated.Secret}, &newResp)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, newResp.RotationAdvised)
}

func TestRotateUnknownAgent(t *testing.T) {
	g := setupGateway(t, nil)

	rec := doJSON(t, g, http.MethodPost, "/api/agents/no-such-id/rotate", operatorToken(t, g), nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateAgentDuplicateName(t *testing.T) {
	g := setupGateway(t, nil)
	createAgentViaAPI(t, g, "substation-7")

	rec := doJSON(t, g, http.MethodPost, "/api/agents", operatorToken(t, g), CreateAgentRequest{Name: "substation-7"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestOperatorEndpointsRejectAgentTokens(t *testing.T) {
	g := setupGateway(t, nil)
	created := createAgentViaAPI(t, g, "substation-7")
	token := agentToken(t, g, created.AgentID)

	paths := []struct{ method, path string }{
		{http.MethodPost, "/api/agents"},
		{http.MethodGet, "/api/agents"},
		{http.MethodPost, "/api/diagnostics"},
		{http.MethodGet, "/api/diagnostics/some-id"},
	}
	for _, p := range paths {
		rec := doJSON(t, g, p.method, p.path, token, nil, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s", p.method, p.path)
	}
}

func TestAgentEndpointsRejectMissingToken(t *testing.T) {
	g := setupGateway(t, nil)

	rec := doJSON(t, g, http.MethodPost, "/api/agents/heartbeat", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, g, http.MethodGet, "/api/agents/channel", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDeactivatedAgentTokenDies(t *testing.T) {
	g := setupGateway(t, nil)
	created := createAgentViaAPI(t, g, "substation-7")
	token := agentToken(t, g, created.AgentID)

	require.NoError(t, g.store.SetAgentActive(t.Context(), created.AgentID, false))

	rec := doJSON(t, g, http.MethodPost, "/api/agents/heartbeat", token, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListAgentsMergesConnectivity(t *testing.T) {
	g := setupGateway(t, nil)
	a := createAgentViaAPI(t, g, "online-agent")
	createAgentViaAPI(t, g, "offline-agent")

	g.registry.Register(a.AgentID, &recordingChannel{})

	var resp []AgentResponse
	rec := doJSON(t, g, http.MethodGet, "/api/agents", operatorToken(t, g), nil, &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, resp, 2)

	byName := map[string]AgentResponse{}
	for _, ar := range resp {
		byName[ar.Name] = ar
	}
	assert.True(t, byName["online-agent"].Connected)
	assert.False(t, byName["offline-agent"].Connected)
}

func diagRequest(agentID string) diag.CreateRequest {
	start := 100
	return diag.CreateRequest{
		AgentID:       agentID,
		Address:       "10.0.0.5",
		Port:          502,
		UnitID:        1,
		StartRegister: &start,
		Count:         4,
	}
}

func TestDiagnosticRoundTrip(t *testing.T) {
	g := setupGateway(t, nil)
	created := createAgentViaAPI(t, g, "substation-7")

	ch := &recordingChannel{}
	g.registry.Register(created.AgentID, ch)

	// Operator starts a session; the command reaches the agent's channel
	var receipt diag.Receipt
	rec := doJSON(t, g, http.MethodPost, "/api/diagnostics", operatorToken(t, g), diagRequest(created.AgentID), &receipt)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotEmpty(t, receipt.SessionID)
	assert.Equal(t, 30, receipt.TimeoutSeconds)

	cmd := ch.lastCommand(t)
	assert.Equal(t, "10.0.0.5", cmd.Address)

	// Agent posts the result
	result := diag.ResolveRequest{Success: true, Values: []uint16{220, 231, 218, 224}, ElapsedMs: 840}
	rec = doJSON(t, g, http.MethodPost, "/api/diagnostics/"+receipt.SessionID+"/result",
		agentToken(t, g, created.AgentID), result, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Operator reads it back
	var session SessionResponse
	rec = doJSON(t, g, http.MethodGet, "/api/diagnostics/"+receipt.SessionID, operatorToken(t, g), nil, &session)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", session.State)
	assert.Equal(t, []uint16{220, 231, 218, 224}, session.Values)
	require.NotNil(t, session.ElapsedMs)
	assert.Equal(t, int64(840), *session.ElapsedMs)
	assert.Equal(t, "ops@example.com", session.RequestedBy)
}

func TestDiagnosticOfflineAgent(t *testing.T) {
	g := setupGateway(t, nil)
	created := createAgentViaAPI(t, g, "substation-7")

	rec := doJSON(t, g, http.MethodPost, "/api/diagnostics", operatorToken(t, g), diagRequest(created.AgentID), nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	sessionID, _ := body["session_id"].(string)
	require.NotEmpty(t, sessionID)

	// The failed session is queryable
	var session SessionResponse
	rec = doJSON(t, g, http.MethodGet, "/api/diagnostics/"+sessionID, operatorToken(t, g), nil, &session)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "error", session.State)
}

func TestDiagnosticCoolDown(t *testing.T) {
	g := setupGateway(t, nil)
	created := createAgentViaAPI(t, g, "substation-7")
	g.registry.Register(created.AgentID, &recordingChannel{})

	rec := doJSON(t, g, http.MethodPost, "/api/diagnostics", operatorToken(t, g), diagRequest(created.AgentID), nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, g, http.MethodPost, "/api/diagnostics", operatorToken(t, g), diagRequest(created.AgentID), nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.InDelta(t, 60, body["retry_after_seconds"], 1)
}

func TestDiagnosticValidationError(t *testing.T) {
	g := setupGateway(t, nil)
	created := createAgentViaAPI(t, g, "substation-7")

	req := diagRequest(created.AgentID)
	req.Port = 0
	rec := doJSON(t, g, http.MethodPost, "/api/diagnostics", operatorToken(t, g), req, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResultForForeignSessionLooksMissing(t *testing.T) {
	g := setupGateway(t, nil)
	owner := createAgentViaAPI(t, g, "owner-agent")
	other := createAgentViaAPI(t, g, "other-agent")
	g.registry.Register(owner.AgentID, &recordingChannel{})

	var receipt diag.Receipt
	rec := doJSON(t, g, http.MethodPost, "/api/diagnostics", operatorToken(t, g), diagRequest(owner.AgentID), &receipt)
	require.Equal(t, http.StatusCreated, rec.Code)

	result := diag.ResolveRequest{Success: true, Values: []uint16{1}}
	rec = doJSON(t, g, http.MethodPost, "/api/diagnostics/"+receipt.SessionID+"/result",
		agentToken(t, g, other.AgentID), result, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDuplicateResultConflicts(t *testing.T) {
	g := setupGateway(t, nil)
	created := createAgentViaAPI(t, g, "substation-7")
	g.registry.Register(created.AgentID, &recordingChannel{})

	var receipt diag.Receipt
	rec := doJSON(t, g, http.MethodPost, "/api/diagnostics", operatorToken(t, g), diagRequest(created.AgentID), &receipt)
	require.Equal(t, http.StatusCreated, rec.Code)

	token := agentToken(t, g, created.AgentID)
	result := diag.ResolveRequest{Success: true, Values: []uint16{1}}
	rec = doJSON(t, g, http.MethodPost, "/api/diagnostics/"+receipt.SessionID+"/result", token, result, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, g, http.MethodPost, "/api/diagnostics/"+receipt.SessionID+"/result", token, result, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListDiagnostics(t *testing.T) {
	g := setupGateway(t, nil)
	created := createAgentViaAPI(t, g, "substation-7")
	g.registry.Register(created.AgentID, &recordingChannel{})

	for i := 0; i < 3; i++ {
		req := diagRequest(created.AgentID)
		req.Port = 502 + i // distinct targets dodge the cool-down
		rec := doJSON(t, g, http.MethodPost, "/api/diagnostics", operatorToken(t, g), req, nil)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	var sessions []SessionResponse
	rec := doJSON(t, g, http.MethodGet, "/api/diagnostics", operatorToken(t, g), nil, &sessions)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, sessions, 3)
}

func TestHealthEndpoint(t *testing.T) {
	g := setupGateway(t, nil)
	g.registry.Register("some-agent", &recordingChannel{})

	var body map[string]any
	rec := doJSON(t, g, http.MethodGet, "/healthz", "", nil, &body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["connected_agents"])
}

func TestMetricsEndpoint(t *testing.T) {
	g := setupGateway(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "meter_gateway_connected_agents")
}

func TestHeartbeatUpdatesAgentRecord(t *testing.T) {
	g := setupGateway(t, nil)
	created := createAgentViaAPI(t, g, "substation-7")
	token := agentToken(t, g, created.AgentID)

	rec := doJSON(t, g, http.MethodPost, "/api/agents/heartbeat", token, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	a, err := g.store.GetAgent(t.Context(), created.AgentID)
	require.NoError(t, err)
	require.NotNil(t, a.LastHeartbeat)
	assert.WithinDuration(t, time.Now(), *a.LastHeartbeat, 5*time.Second)
	assert.NotEmpty(t, a.LastAddr)
}

func TestHeartbeatRateLimitedPerAgent(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.Ping = 2
	g := setupGateway(t, cfg)

	first := createAgentViaAPI(t, g, "agent-a")
	second := createAgentViaAPI(t, g, "agent-b")
	firstToken := agentToken(t, g, first.AgentID)

	for i := 0; i < 2; i++ {
		rec := doJSON(t, g, http.MethodPost, "/api/agents/heartbeat", firstToken, nil, nil)
		require.Equal(t, http.StatusOK, rec.Code, fmt.Sprintf("heartbeat %d", i))
	}
	rec := doJSON(t, g, http.MethodPost, "/api/agents/heartbeat", firstToken, nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// A different agent has its own budget
	rec = doJSON(t, g, http.MethodPost, "/api/agents/heartbeat", agentToken(t, g, second.AgentID), nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
