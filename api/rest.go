// Package api provides HTTP middleware and server utilities.
// This file authenticates machine principals (§3.5) carried in the
// X-API-Key header against the api_keys table, the counterpart to jwtAuth
// for human principals.
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/r3e-forks/data-core/db/repository"
)

// APIKeyAuth builds Echo middleware that resolves the X-API-Key header
// against keys, storing the matched key's UUID as an AuthUser with
// IsAPIKey set so downstream permission checks resolve it as a
// PrincipalAPIKey rather than PrincipalUser.
func APIKeyAuth(keys repository.RoleRepository) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := c.Request().Header.Get("X-API-Key")
			if raw == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing API key")
			}
			uuid, err := keys.AuthenticateAPIKey(c.Request().Context(), raw)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing API key")
			}
			SetUser(c, &AuthUser{ID: uuid, IsAPIKey: true})
			return next(c)
		}
	}
}
