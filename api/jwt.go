// Package api wires HTTP handlers and routing for the data service. Content
// negotiation/rendering stays a thin default (JSON only); the richer format
// renderers named in the system overview are an external collaborator.
package api

import (
	"net/http"

	"github.com/metasvc/corehub/auth"

	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
)

// BearerAuth returns Echo middleware that validates an incoming bearer token
// and stores the resulting AuthUser/claims/scopes in the request context for
// accessCheck and the access-log accessor tracker. Token issuance itself is
// an external collaborator; this middleware only validates what it's handed.
func BearerAuth(tokens *auth.TokenService) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		ParseTokenFunc: func(c echo.Context, authHeader string) (interface{}, error) {
			claims, err := tokens.ValidateToken(authHeader)
			if err != nil {
				return nil, err
			}
			user := &AuthUser{
				ID:     claims.Subject,
				Scopes: claims.Scopes,
				Claims: map[string]interface{}{
					"sub":    claims.Subject,
					"scopes": claims.Scopes,
				},
			}
			SetUser(c, user)
			SetClaims(c, user.Claims)
			SetScopes(c, user.Scopes)
			return claims, nil
		},
	})
}

// RequireAuth is a minimal guard for routes that need an authenticated
// caller but not a specific scope (scope checks go through RequireScope and
// RequireAllScopes in authorization.go).
func RequireAuth() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if _, ok := GetUser(c); !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			return next(c)
		}
	}
}
