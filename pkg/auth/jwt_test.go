package auth_test

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scopehq/scope-client/pkg/auth"
)

func TestTokenIssuer_AccessTokenRoundTrip(t *testing.T) {
	issuer := auth.NewTokenIssuer("test-secret", 30*time.Minute, 7*24*time.Hour)

	token, err := issuer.GenerateAccessToken("u1", "a@b.com", "trader", "s1")
	require.NoError(t, err)

	claims, err := issuer.ValidateAccessToken(token)
	require.NoError(t, err)
	require.Equal(t, "u1", claims.UserID)
	require.Equal(t, "a@b.com", claims.Email)
	require.Equal(t, "trader", claims.Role)
	require.Equal(t, "s1", claims.SessionID)
}

func TestTokenIssuer_RefreshTokenRoundTrip(t *testing.T) {
	issuer := auth.NewTokenIssuer("test-secret", 30*time.Minute, 7*24*time.Hour)

	token, err := issuer.GenerateRefreshToken("u1", "s1", "tok-1")
	require.NoError(t, err)

	claims, err := issuer.ValidateRefreshToken(token)
	require.NoError(t, err)
	require.Equal(t, "u1", claims.UserID)
	require.Equal(t, "s1", claims.SessionID)
	require.Equal(t, "tok-1", claims.TokenID)
}

func TestTokenIssuer_RejectsWrongSecret(t *testing.T) {
	issuer := auth.NewTokenIssuer("secret-a", 30*time.Minute, time.Hour)
	other := auth.NewTokenIssuer("secret-b", 30*time.Minute, time.Hour)

	token, err := issuer.GenerateAccessToken("u1", "a@b.com", "trader", "s1")
	require.NoError(t, err)

	_, err = other.ValidateAccessToken(token)
	require.Error(t, err)
}

func TestTokenIssuer_RejectsExpiredToken(t *testing.T) {
	issuer := auth.NewTokenIssuer("test-secret", -time.Minute, time.Hour)

	token, err := issuer.GenerateAccessToken("u1", "a@b.com", "trader", "s1")
	require.NoError(t, err)

	_, err = issuer.ValidateAccessToken(token)
	require.Error(t, err)
}

func TestTokenIssuer_RejectsGarbage(t *testing.T) {
	issuer := auth.NewTokenIssuer("test-secret", 30*time.Minute, time.Hour)
	_, err := issuer.ValidateAccessToken("not.a.jwt")
	require.Error(t, err)
}

func TestTokenExpiry_ReadsExpWithoutVerifying(t *testing.T) {
	issuer := auth.NewTokenIssuer("a-secret-the-client-never-sees", time.Hour, time.Hour)
	token, err := issuer.GenerateAccessToken("u1", "a@b.com", "trader", "s1")
	require.NoError(t, err)

	exp, err := auth.TokenExpiry(token)
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)
}

func TestTokenExpiry_RejectsMalformedToken(t *testing.T) {
	_, err := auth.TokenExpiry("garbage")
	require.Error(t, err)
}

func TestGenerateToken_UniqueAndHex(t *testing.T) {
	a := auth.GenerateToken()
	b := auth.GenerateToken()
	require.Len(t, a, 32, "128 bits as hex, never short")
	require.NotEqual(t, a, b)
	_, err := hex.DecodeString(a)
	require.NoError(t, err)
}

func TestValidatePassword(t *testing.T) {
	require.Error(t, auth.ValidatePassword("short"))
	require.NoError(t, auth.ValidatePassword("long-enough-password"))
}

func TestPasswordHashing(t *testing.T) {
	hash, err := auth.HashPassword("correct horse battery staple")
	require.NoError(t, err)
	require.True(t, auth.CheckPasswordHash("correct horse battery staple", hash))
	require.False(t, auth.CheckPasswordHash("wrong", hash))
}
