// Package agent tracks live push channels to connected agents and routes
// commands to them.
//
// A Channel is the write side of one open connection (in production, an SSE
// stream owned by an HTTP handler). The Registry maps agent ids to channels:
// registration is last-writer-wins, failed writes evict immediately, and a
// keep-alive heartbeat flushes out silently-dead connections. Entries are
// purely in-memory; an agent that reconnects after a gateway restart simply
// re-registers.
//
// The Dispatcher layers addressed command delivery on top: given an agent id
// and a typed Command it either pushes the event or reports ErrAgentOffline.
// There is deliberately no broadcast path and no retry.
package agent
