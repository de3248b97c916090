// Package auth implements the two credential layers of the gateway.
//
// Shared secrets are the long-lived agent credentials. SecretVerifier checks
// a presented secret against every active agent's bcrypt hash, honoring the
// previous hash for a bounded grace window after rotation so a rotation never
// causes a hard outage. Rotation returns the new plaintext exactly once.
//
// Session tokens are short-lived HS256 JWTs minted after a successful secret
// exchange (typ "agent") or out-of-band for privileged callers
// (typ "operator"). The HTTP middleware validates tokens on every request and
// re-checks that agents are still active, so deactivation takes effect before
// token expiry. All failure modes are logged distinctly but collapse into a
// single unauthenticated response.
package auth
