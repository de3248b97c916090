// ABOUTME: Tests for JWT session token generation and verification
// ABOUTME: Covers expiry, tampering, and claim validation

package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("meter-gateway-test-secret-32byte")

func TestGenerateAndVerify(t *testing.T) {
	v, err := NewJWTVerifier(testSecret)
	require.NoError(t, err)

	token, err := v.Generate("agent-1", TypeAgent, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	subject, identityType, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", subject)
	assert.Equal(t, TypeAgent, identityType)
}

func TestVerifyOperatorToken(t *testing.T) {
	v, err := NewJWTVerifier(testSecret)
	require.NoError(t, err)

	token, err := v.Generate("ops", TypeOperator, time.Hour)
	require.NoError(t, err)

	subject, identityType, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "ops", subject)
	assert.Equal(t, TypeOperator, identityType)
}

func TestVerifyExpiredToken(t *testing.T) {
	v, err := NewJWTVerifier(testSecret)
	require.NoError(t, err)

	token, err := v.Generate("agent-1", TypeAgent, -time.Minute)
	require.NoError(t, err)

	_, _, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerifyTamperedToken(t *testing.T) {
	v, err := NewJWTVerifier(testSecret)
	require.NoError(t, err)

	token, err := v.Generate("agent-1", TypeAgent, time.Hour)
	require.NoError(t, err)

	// Flip a character in the signature
	tampered := token[:len(token)-2] + "xx"
	_, _, err = v.Verify(tampered)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyWrongSecret(t *testing.T) {
	issuer, err := NewJWTVerifier(testSecret)
	require.NoError(t, err)
	verifier, err := NewJWTVerifier([]byte("some-entirely-different-secret!!"))
	require.NoError(t, err)

	token, err := issuer.Generate("agent-1", TypeAgent, time.Hour)
	require.NoError(t, err)

	_, _, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyGarbage(t *testing.T) {
	v, err := NewJWTVerifier(testSecret)
	require.NoError(t, err)

	_, _, err = v.Verify("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, _, err = v.Verify(strings.Repeat("a", 64))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewJWTVerifierEmptySecret(t *testing.T) {
	_, err := NewJWTVerifier(nil)
	assert.Error(t, err)
}
