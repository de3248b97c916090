// Package store provides persistent storage for the gateway using SQLite.
//
// # Data Models
//
//   - Agent: identity known to the gateway, including the current and
//     previous secret hashes, rotation timestamp, heartbeat and last-seen
//     address. Credential contents are owned by the auth package; the store
//     only persists them.
//   - DiagnosticSession: one outstanding device-probe request with its
//     target, parameters, state and (once terminal) result or error.
//
// # Session state machine
//
// DiagnosticSession state is a closed enum (SessionState) persisted as text:
//
//	pending -> sent -> {completed | error | timeout}
//
// with error also reachable directly from pending when dispatch fails.
// All terminal transitions are compare-and-set updates guarded by
// "state is still non-terminal", so a resolve racing a lazy timeout leaves
// exactly one winner; the loser receives ErrSessionTerminal and treats it
// as a no-op. Sessions survive a gateway restart for querying, but are never
// re-dispatched.
//
// The implementation uses modernc.org/sqlite in WAL mode, creating the
// schema on open. ":memory:" is supported for tests.
package store
