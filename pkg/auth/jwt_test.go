package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/prod-golang-projects/medportal/internal/config"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/domain"
)

func testManager(ttl time.Duration) *JWTManager {
	return NewJWTManager(config.JWTConfig{
		Secret:          "0123456789abcdef0123456789abcdef",
		AccessTokenTTL:  ttl,
		RefreshTokenTTL: time.Hour,
		Issuer:          "medportal-test",
	})
}

func TestTokenPairRoundTrip(t *testing.T) {
	m := testManager(time.Minute)
	in := &domain.Claims{
		UserID:     uuid.New(),
		ExternalID: "user_123",
		Email:      "doc@example.com",
		Role:       domain.RoleProvider,
		SessionID:  "sess-1",
	}

	pair, err := m.GenerateTokenPair(in)
	require.NoError(t, err)
	assert.Equal(t, "Bearer", pair.TokenType)

	got, err := m.ValidateAccessToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, in, got)

	_, err = m.ValidateAccessToken(pair.RefreshToken)
	require.ErrorIs(t, err, ErrTokenTypeMismatch)

	_, err = m.ValidateRefreshToken(pair.RefreshToken)
	require.NoError(t, err)
}

func TestTokenWithoutAppUser(t *testing.T) {
	m := testManager(time.Minute)
	pair, err := m.GenerateTokenPair(&domain.Claims{ExternalID: "user_9", Role: domain.RolePatient})
	require.NoError(t, err)

	got, err := m.ValidateAccessToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, got.UserID)
	assert.Equal(t, "user_9", got.ExternalID)
}

func TestTokenRejections(t *testing.T) {
	expired := testManager(-time.Minute)
	pair, err := expired.GenerateTokenPair(&domain.Claims{ExternalID: "user_1", Role: domain.RoleAdmin})
	require.NoError(t, err)

	_, err = testManager(time.Minute).ValidateAccessToken(pair.AccessToken)
	require.ErrorIs(t, err, ErrTokenExpired)

	other := NewJWTManager(config.JWTConfig{Secret: "another-secret-another-secret-xx", Issuer: "medportal-test"})
	good, err := testManager(time.Minute).GenerateTokenPair(&domain.Claims{ExternalID: "user_1"})
	require.NoError(t, err)
	_, err = other.ValidateAccessToken(good.AccessToken)
	require.ErrorIs(t, err, ErrTokenInvalid)

	_, err = testManager(time.Minute).ValidateAccessToken("not-a-token")
	require.ErrorIs(t, err, ErrTokenInvalid)
}
