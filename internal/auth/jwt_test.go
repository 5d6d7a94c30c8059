package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuth(t *testing.T) *Authenticator {
	t.Helper()
	a, err := NewAuthenticator("test-secret", time.Hour, "/health")
	require.NoError(t, err)
	return a
}

func TestNewAuthenticator_RequiresSecret(t *testing.T) {
	_, err := NewAuthenticator("", time.Hour)
	assert.ErrorIs(t, err, ErrNoSecret)
}

func TestTokenRoundTrip(t *testing.T) {
	a := newAuth(t)
	token, err := a.GenerateToken("user-1", "ana@example.com", "admin")
	require.NoError(t, err)

	claims, err := a.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "ana@example.com", claims.Email)
	assert.Equal(t, "admin", claims.Role)
}

func TestParseToken_Rejects(t *testing.T) {
	a := newAuth(t)

	other, err := NewAuthenticator("other-secret", time.Hour)
	require.NoError(t, err)
	foreign, err := other.GenerateToken("user-1", "", "")
	require.NoError(t, err)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UserID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	noUser, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	for name, token := range map[string]string{
		"wrong secret": foreign,
		"expired":      expired,
		"no user":      noUser,
		"garbage":      "not.a.token",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := a.ParseToken(token)
			assert.Error(t, err)
		})
	}
}

func TestJWTMiddleware(t *testing.T) {
	a := newAuth(t)
	token, err := a.GenerateToken("user-7", "", "")
	require.NoError(t, err)

	var seen string
	h := a.JWTMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if claims, err := GetClaimsFromContext(r.Context()); err == nil {
			seen = claims.UserID
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name     string
		path     string
		header   string
		upgrade  bool
		wantCode int
		wantUser string
	}{
		{"public path", "/health", "", false, http.StatusNoContent, ""},
		{"missing token", "/batch", "", false, http.StatusUnauthorized, ""},
		{"malformed header", "/batch", "Token abc", false, http.StatusUnauthorized, ""},
		{"invalid token", "/batch", "Bearer abc", false, http.StatusUnauthorized, ""},
		{"valid token", "/batch", "Bearer " + token, false, http.StatusNoContent, "user-7"},
		{"websocket query token", "/batch/1/events?access_token=" + token, "", true, http.StatusNoContent, "user-7"},
		{"query token ignored without upgrade", "/batch?access_token=" + token, "", false, http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if tt.upgrade {
				req.Header.Set("Upgrade", "websocket")
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantUser, seen)
		})
	}
}

func TestClaimsContext(t *testing.T) {
	_, err := GetClaimsFromContext(context.Background())
	assert.ErrorIs(t, err, ErrNoClaims)

	ctx := WithClaims(context.Background(), &Claims{UserID: "u"})
	claims, err := GetClaimsFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "u", claims.UserID)
}
