// Package gateway assembles the meter-gateway HTTP server.
//
// The gateway fronts a fleet of field agents that sit next to the metering
// hardware. Agents authenticate with a shared secret, hold one SSE push
// channel open, and post back results for the diagnostic commands the
// dashboard requests. Operators use a separate token type for the
// management and diagnostics endpoints.
//
// Request flow for a diagnostic:
//
//	operator POST /api/diagnostics
//	  -> cool-down check on (address, port)
//	  -> session persisted as pending
//	  -> command event pushed over the agent's SSE channel
//	agent POST /api/diagnostics/{id}/result
//	  -> session completed or errored, first write wins
//	operator GET /api/diagnostics/{id}
//	  -> result, or lazy timeout when the agent never answered
//
// Everything stateful lives in the injected components (store, registry,
// limiter, session manager); the handlers here only translate HTTP.
package gateway
