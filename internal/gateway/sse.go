// ABOUTME: SSE push channel handler for connected agents
// ABOUTME: Holds the response stream open and relays registry events to the wire

package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gridmesh/meter-gateway/internal/agent"
	"github.com/gridmesh/meter-gateway/internal/auth"
)

// errChannelClosed is returned by Send after the handler has torn the
// stream down; the registry treats it like any other write failure.
var errChannelClosed = errors.New("sse channel closed")

// sseChannel adapts one open SSE response to the registry's Channel
// interface. The mutex serializes handler writes against the keep-alive
// loop; interleaved frames would corrupt the event stream. closed is set
// by the owning handler before it returns: the ResponseWriter and its
// pooled bufio.Writer must never be touched once the handler exits.
type sseChannel struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
}

func newSSEChannel(w http.ResponseWriter, flusher http.Flusher) *sseChannel {
	return &sseChannel{w: w, flusher: flusher}
}

// Send writes one SSE frame and flushes it. An error means the client is
// gone and the registry should drop this channel.
func (c *sseChannel) Send(event string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errChannelClosed
	}
	if _, err := fmt.Fprintf(c.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

// Close marks the channel unwritable. Any Send racing the handler's return
// either completes before this takes the lock or fails afterwards; it can
// never reach the ResponseWriter once the handler has exited.
func (c *sseChannel) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// handleAgentChannel upgrades the request to an SSE stream and registers it
// as the agent's push channel. The handler blocks until the client
// disconnects or a newer connection replaces this one.
func (g *Gateway) handleAgentChannel(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.MustFromContext(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := newSSEChannel(w, flusher)
	gone := g.registry.Register(authCtx.Subject, ch)
	defer g.registry.Unregister(authCtx.Subject, ch)
	defer ch.Close()

	g.registry.Send(authCtx.Subject, agent.EventConnected, map[string]string{
		"agent_id": authCtx.Subject,
		"ts":       time.Now().UTC().Format(time.RFC3339),
	})

	select {
	case <-r.Context().Done():
		g.logger.Info("agent channel closed by client", "agent_id", authCtx.Subject)
	case <-gone:
		g.logger.Info("agent channel superseded", "agent_id", authCtx.Subject)
	}
}
