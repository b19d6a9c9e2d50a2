package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrMissingToken = errors.New("bearer token required")
	ErrInvalidToken = errors.New("invalid bearer token")
)

// SessionClaims are the claims read from a client bearer token
type SessionClaims struct {
	jwt.RegisteredClaims
}

// Authenticator derives the holder identity of a connection
type Authenticator struct {
	secret   []byte
	issuer   string
	required bool
}

// NewAuthenticator creates an authenticator. With required=false clients
// without a token get an anonymous session id.
func NewAuthenticator(secret, issuer string, required bool) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer, required: required}
}

// Identify returns the JWT subject, or a fresh id for anonymous clients
func (a *Authenticator) Identify(r *http.Request) (string, error) {
	raw := bearerToken(r)
	if raw == "" {
		if a.required {
			return "", ErrMissingToken
		}
		return uuid.New().String(), nil
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	token, err := jwt.ParseWithClaims(raw, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// bearerToken reads the Authorization header, then the token query parameter
// (browsers cannot set headers on a WebSocket upgrade)
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}
