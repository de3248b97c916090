// ABOUTME: Typed errors for the diagnostic session manager
// ABOUTME: Carry enough detail for handlers to shape 429/503/404 responses

package diag

import (
	"errors"
	"fmt"
)

// ErrNotYourSession means the resolving agent is not the session's assignee.
// Handlers surface it as not-found so session ids are not probeable.
var ErrNotYourSession = errors.New("session belongs to a different agent")

// ValidationError reports a rejected create request. The message is safe to
// return to the caller verbatim.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// CoolDownError means the target device was probed too recently.
type CoolDownError struct {
	RetryAfter int // whole seconds, rounded up
}

func (e *CoolDownError) Error() string {
	return fmt.Sprintf("target in cool-down, retry in %ds", e.RetryAfter)
}

// OfflineError means the assigned agent had no live channel. The session was
// still created and marked failed, so the caller can inspect it later.
type OfflineError struct {
	SessionID string
}

func (e *OfflineError) Error() string {
	return "agent is not connected"
}
