// Package auth verifies bearer tokens and carries the caller's identity in the request context.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/facturaIA/document-enhancement-service/internal/logger"
)

var (
	ErrNoClaims     = errors.New("no authentication claims in context")
	ErrMissingToken = errors.New("missing bearer token")
	ErrNoSecret     = errors.New("JWT_SECRET is not set")
)

// Claims are the JWT claims issued by the service. UserID owns batch jobs and documents.
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type contextKey struct{}

// WithClaims returns ctx carrying claims
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, claims)
}

// GetClaimsFromContext returns the claims stored by the middleware
func GetClaimsFromContext(ctx context.Context) (*Claims, error) {
	claims, ok := ctx.Value(contextKey{}).(*Claims)
	if !ok || claims == nil {
		return nil, ErrNoClaims
	}
	return claims, nil
}

// Authenticator issues and verifies HS256 tokens
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	public map[string]bool
}

// NewAuthenticator creates an authenticator for secret. Requests to the public
// paths (e.g. /health) pass the middleware without a token.
func NewAuthenticator(secret string, ttl time.Duration, public ...string) (*Authenticator, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	a := &Authenticator{secret: []byte(secret), ttl: ttl, public: make(map[string]bool)}
	for _, p := range public {
		a.public[p] = true
	}
	return a, nil
}

// GenerateToken signs a token for the user
func (a *Authenticator) GenerateToken(userID, email, role string) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		Email:  email,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// ParseToken verifies the signature and expiry of a token
func (a *Authenticator) ParseToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, errors.New("invalid token: no user id")
	}
	return claims, nil
}

// bearerToken reads the Authorization header. Browsers cannot set headers on
// websocket upgrades, so the access_token query parameter is accepted there.
func bearerToken(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			return "", errors.New("malformed Authorization header")
		}
		return strings.TrimSpace(token), nil
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		if token := r.URL.Query().Get("access_token"); token != "" {
			return token, nil
		}
	}
	return "", ErrMissingToken
}

// JWTMiddleware rejects requests without a valid token and stores the claims in
// the request context
func (a *Authenticator) JWTMiddleware(next http.Handler) http.Handler {
	log := logger.WithComponent("auth")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.public[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		token, err := bearerToken(r)
		if err != nil {
			unauthorized(w, err.Error())
			return
		}
		claims, err := a.ParseToken(token)
		if err != nil {
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("rejected token")
			unauthorized(w, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   msg,
	})
}
