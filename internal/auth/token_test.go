package auth_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/example/matchclient/internal/auth"
)

func mint(t *testing.T, subject, role string, expiresIn time.Duration) string {
	t.Helper()
	claims := auth.Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: subject,
		},
	}
	if expiresIn != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(expiresIn))
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return raw
}

func TestNewTokenReadsClaims(t *testing.T) {
	token, err := auth.NewToken(mint(t, "u-1", "passenger", time.Hour))
	require.NoError(t, err)
	require.Equal(t, "u-1", token.Subject())
	require.Equal(t, "passenger", token.Role())
	require.WithinDuration(t, time.Now().Add(time.Hour), token.ExpiresAt(), 5*time.Second)
}

func TestNewTokenRejectsGarbage(t *testing.T) {
	_, err := auth.NewToken("not.a.jwt")
	require.Error(t, err)
}

func TestExpiringWithin(t *testing.T) {
	soon, err := auth.NewToken(mint(t, "u-1", "", 30*time.Second))
	require.NoError(t, err)
	require.True(t, soon.ExpiringWithin(time.Minute))
	require.False(t, soon.ExpiringWithin(time.Second))

	forever, err := auth.NewToken(mint(t, "u-1", "", 0))
	require.NoError(t, err)
	require.False(t, forever.ExpiringWithin(24*time.Hour))
}

func TestRotateKeepsOldTokenOnParseFailure(t *testing.T) {
	token, err := auth.NewToken(mint(t, "u-1", "passenger", time.Hour))
	require.NoError(t, err)

	require.Error(t, token.Rotate("garbage"))
	require.Equal(t, "u-1", token.Subject())

	require.NoError(t, token.Rotate(mint(t, "u-2", "passenger", time.Hour)))
	require.Equal(t, "u-2", token.Subject())
}
