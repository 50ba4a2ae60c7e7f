package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateToken(t *testing.T) {
	svc := NewAuthService("test-secret", time.Hour)

	token, err := svc.GenerateToken("ab12")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ab12", claims.Subject)
}

func TestValidateTokenWrongSecret(t *testing.T) {
	minter := NewAuthService("secret-a", time.Hour)
	validator := NewAuthService("secret-b", time.Hour)

	token, err := minter.GenerateToken("ab12")
	require.NoError(t, err)

	_, err = validator.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateExpiredToken(t *testing.T) {
	svc := NewAuthService("test-secret", -time.Minute)

	token, err := svc.GenerateToken("ab12")
	require.NoError(t, err)

	_, err = svc.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestValidateGarbageToken(t *testing.T) {
	svc := NewAuthService("test-secret", time.Hour)

	_, err := svc.ValidateToken("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
