// Package diag drives diagnostic sessions from creation to resolution.
//
// A session is one probe of one device behind an agent. The Manager persists
// it as pending, pushes the command over the agent's channel, and records the
// outcome the agent posts back. Sessions that never get a result are expired
// lazily when queried; nothing scans the table in the background.
//
// The per-target cool-down is recorded before dispatch, so even a failed
// dispatch costs the target one throttle window. This is intentional: the
// devices being probed are slow serial-bridge hardware that must never see
// back-to-back probes.
package diag
