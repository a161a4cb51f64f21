package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthService_IssueAndValidate(t *testing.T) {
	svc := NewAuthService("secret", "key-123", time.Hour, "intercom")

	token, expires, err := svc.IssueToken("key-123", "home-assistant", "")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, 5*time.Second)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "home-assistant", claims.ClientID)
	assert.Equal(t, ScopeControl, claims.Scope)
	assert.True(t, claims.Allows(ScopeRead))
}

func TestAuthService_RejectsBadKeyAndScope(t *testing.T) {
	svc := NewAuthService("secret", "key-123", time.Hour, "intercom")

	_, _, err := svc.IssueToken("wrong", "x", "")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)

	_, _, err = svc.IssueToken("key-123", "x", "admin")
	assert.ErrorIs(t, err, ErrUnauthorized)

	empty := NewAuthService("secret", "", time.Hour, "intercom")
	_, _, err = empty.IssueToken("", "x", "")
	assert.ErrorIs(t, err, ErrInvalidAPIKey, "no key configured means no tokens")
}

func TestAuthService_ReadScopeIsLimited(t *testing.T) {
	svc := NewAuthService("secret", "key", time.Hour, "intercom")
	token, _, err := svc.IssueToken("key", "dashboard", ScopeRead)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.True(t, claims.Allows(ScopeRead))
	assert.False(t, claims.Allows(ScopeControl))
}

func TestAuthService_ValidateErrors(t *testing.T) {
	svc := NewAuthService("secret", "key", time.Minute, "intercom").(*authService)
	token, _, err := svc.IssueToken("key", "c", "")
	require.NoError(t, err)

	other := NewAuthService("other-secret", "key", time.Minute, "intercom")
	_, err = other.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = svc.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)

	_, err = svc.ValidateToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
