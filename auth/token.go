// Package auth validates bearer tokens presented to the API. Token issuance,
// refresh, and client-file management are an external collaborator (an OAuth
// authorization server); this package only checks a token's signature and
// expiry and exposes its claims to the rest of the service.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carries the JWT claims this service expects from the auth server:
// a subject, plus a "scopes" claim that accessCheck consults for the
// requested operation.
type Claims struct {
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// TokenService validates bearer tokens signed with a shared HMAC secret.
// It does not generate tokens: this service is a resource server, not an
// authorization server.
type TokenService struct {
	secret []byte
	issuer string
}

// NewTokenService creates a token validator for the given signing secret.
func NewTokenService(secret, issuer string) *TokenService {
	return &TokenService{secret: []byte(secret), issuer: issuer}
}

// ValidateToken parses and validates a bearer token string, returning its
// claims. It rejects tokens signed with an unexpected algorithm and tokens
// past their expiry.
func (s *TokenService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return nil, ErrExpiredToken
	}
	if s.issuer != "" && claims.Issuer != "" && claims.Issuer != s.issuer {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
