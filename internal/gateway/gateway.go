// ABOUTME: Gateway orchestrator wiring store, auth, limits and the HTTP server
// ABOUTME: Manages startup, route registration and graceful shutdown

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gridmesh/meter-gateway/internal/agent"
	"github.com/gridmesh/meter-gateway/internal/auth"
	"github.com/gridmesh/meter-gateway/internal/config"
	"github.com/gridmesh/meter-gateway/internal/cooldown"
	"github.com/gridmesh/meter-gateway/internal/diag"
	"github.com/gridmesh/meter-gateway/internal/metrics"
	"github.com/gridmesh/meter-gateway/internal/ratelimit"
	"github.com/gridmesh/meter-gateway/internal/store"
)

// Gateway orchestrates the meter-gateway server components: the credential
// store, token verification, the live channel registry, throttling, and the
// diagnostic session manager, all fronted by one HTTP server.
type Gateway struct {
	config     *config.Config
	store      store.Store
	verifier   *auth.JWTVerifier
	secrets    *auth.SecretVerifier
	registry   *agent.Registry
	dispatcher *agent.Dispatcher
	diag       *diag.Manager
	limiter    *ratelimit.Limiter
	metrics    *metrics.Metrics
	promReg    *prometheus.Registry
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// initStore creates a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("METER_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	registry := agent.NewRegistry(cfg.Channels.KeepaliveInterval, logger)
	m.TrackConnectedAgents(registry.Count)

	dispatcher := agent.NewDispatcher(registry, logger)
	gate := cooldown.New(cfg.Diagnostics.CoolDown)
	limiter := ratelimit.New(cfg.Limits.Window, map[string]int{
		routeAuth:  cfg.Limits.Auth,
		routeAgent: cfg.Limits.Agent,
		routePing:  cfg.Limits.Ping,
	})

	gw := &Gateway{
		config:     cfg,
		store:      s,
		verifier:   verifier,
		secrets:    auth.NewSecretVerifier(s, cfg.Auth.RotationGrace, cfg.Auth.BcryptCost, logger),
		registry:   registry,
		dispatcher: dispatcher,
		diag:       diag.NewManager(s, gate, dispatcher, m, cfg.Diagnostics.SessionTimeout, logger),
		limiter:    limiter,
		metrics:    m,
		promReg:    promReg,
		logger:     logger.With("component", "gateway"),
	}

	gw.mux = http.NewServeMux()
	gw.registerRoutes(gw.mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.mux,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		// WriteTimeout stays at the configured value; the default of zero
		// keeps SSE channels open indefinitely.
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return gw, nil
}

// registerRoutes wires all HTTP endpoints onto the mux.
func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	agentMW := auth.AgentAuthMiddleware(g.verifier, g.store, g.logger)
	operatorMW := auth.OperatorAuthMiddleware(g.verifier, g.logger)

	// Agent-facing endpoints
	mux.HandleFunc("POST /api/agents/auth", g.handleAgentAuth)
	mux.Handle("GET /api/agents/channel", agentMW(http.HandlerFunc(g.handleAgentChannel)))
	mux.Handle("POST /api/agents/heartbeat", agentMW(g.limited(routePing, http.HandlerFunc(g.handleHeartbeat))))
	mux.Handle("POST /api/diagnostics/{id}/result", agentMW(g.limited(routeAgent, http.HandlerFunc(g.handleDiagnosticResult))))

	// Operator-facing endpoints
	mux.Handle("POST /api/agents", operatorMW(http.HandlerFunc(g.handleCreateAgent)))
	mux.Handle("GET /api/agents", operatorMW(http.HandlerFunc(g.handleListAgents)))
	mux.Handle("POST /api/agents/{id}/rotate", operatorMW(http.HandlerFunc(g.handleRotateAgent)))
	mux.Handle("POST /api/diagnostics", operatorMW(g.limited(routeAgent, http.HandlerFunc(g.handleCreateDiagnostic))))
	mux.Handle("GET /api/diagnostics/{id}", operatorMW(http.HandlerFunc(g.handleGetDiagnostic)))
	mux.Handle("GET /api/diagnostics", operatorMW(http.HandlerFunc(g.handleListDiagnostics)))

	// Unauthenticated endpoints
	mux.HandleFunc("GET /healthz", g.handleHealth)
	if g.config.Metrics.Enabled {
		mux.Handle("GET "+g.config.Metrics.Path, promhttp.HandlerFor(g.promReg, promhttp.HandlerOpts{}))
	}
}

// Handler returns the gateway's HTTP handler. Used by tests.
func (g *Gateway) Handler() http.Handler {
	return g.mux
}

// Run starts the HTTP server and blocks until the context is canceled or the
// server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server and releases all resources. Closing the
// registry first unblocks every open SSE handler so the server drain can
// actually finish.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.registry.Close()

	err := g.httpServer.Shutdown(ctx)
	if err != nil {
		g.logger.Error("HTTP server shutdown", "error", err)
	}

	g.limiter.Close()

	if closeErr := g.store.Close(); closeErr != nil {
		g.logger.Error("closing store", "error", closeErr)
		if err == nil {
			err = closeErr
		}
	}

	g.logger.Info("gateway stopped")
	return err
}
