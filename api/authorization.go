// Package api provides authorization middleware for fine-grained access control.
// This file implements scope-based authorization and user context management.
package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// AuthUser represents an authenticated principal and the scopes it carries.
type AuthUser struct {
	ID       string                 `json:"id"`
	Username string                 `json:"username,omitempty"`
	Email    string                 `json:"email,omitempty"`
	Name     string                 `json:"name,omitempty"`
	Scopes   []string               `json:"scopes,omitempty"`
	Claims   map[string]interface{} `json:"claims,omitempty"`

	// IsAPIKey marks ID as an api_keys UUID rather than a user UUID, set
	// by APIKeyAuth instead of jwtAuth.
	IsAPIKey bool `json:"-"`
}

const (
	contextKeyUser   = "user"
	contextKeyClaims = "claims"
	contextKeyScopes = "scopes"
)

// SetUser stores the authenticated user in the Echo context. Called by
// authentication middleware after successful authentication.
func SetUser(c echo.Context, user *AuthUser) {
	c.Set(contextKeyUser, user)
}

// GetUser retrieves the authenticated user from the Echo context.
func GetUser(c echo.Context) (*AuthUser, bool) {
	user, ok := c.Get(contextKeyUser).(*AuthUser)
	return user, ok
}

// SetClaims stores JWT/OIDC claims in the Echo context.
func SetClaims(c echo.Context, claims map[string]interface{}) {
	c.Set(contextKeyClaims, claims)
}

// GetClaims retrieves JWT/OIDC claims from the Echo context.
func GetClaims(c echo.Context) (map[string]interface{}, bool) {
	claims, ok := c.Get(contextKeyClaims).(map[string]interface{})
	return claims, ok
}

// SetScopes stores authorization scopes in the Echo context.
func SetScopes(c echo.Context, scopes []string) {
	c.Set(contextKeyScopes, scopes)
}

// GetScopes retrieves authorization scopes from the Echo context.
func GetScopes(c echo.Context) ([]string, bool) {
	scopes, ok := c.Get(contextKeyScopes).([]string)
	return scopes, ok
}

// RequireScope returns Echo middleware requiring at least one of
// requiredScopes. Scopes are read from the User object, then context
// scopes, then JWT/OIDC claims, in that order.
func RequireScope(requiredScopes ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userScopes := resolveScopes(c)
			if len(userScopes) == 0 {
				return echo.NewHTTPError(http.StatusUnauthorized, "Authentication required: no scopes available")
			}
			if !hasAnyScope(userScopes, requiredScopes) {
				return echo.NewHTTPError(http.StatusForbidden, "Insufficient permissions: missing required scope")
			}
			return next(c)
		}
	}
}

// RequireAllScopes is RequireScope but requires every scope in
// requiredScopes rather than just one.
func RequireAllScopes(requiredScopes ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userScopes := resolveScopes(c)
			if len(userScopes) == 0 {
				return echo.NewHTTPError(http.StatusUnauthorized, "Authentication required: no scopes available")
			}
			if !hasAllScopes(userScopes, requiredScopes) {
				return echo.NewHTTPError(http.StatusForbidden, "Insufficient permissions: missing required scopes")
			}
			return next(c)
		}
	}
}

func resolveScopes(c echo.Context) []string {
	if user, ok := GetUser(c); ok && user != nil && len(user.Scopes) > 0 {
		return user.Scopes
	}
	if scopes, ok := GetScopes(c); ok && len(scopes) > 0 {
		return scopes
	}
	if claims, ok := GetClaims(c); ok {
		return extractScopesFromClaims(claims)
	}
	return nil
}

func hasAnyScope(userScopes, requiredScopes []string) bool {
	for _, required := range requiredScopes {
		for _, user := range userScopes {
			if user == required {
				return true
			}
		}
	}
	return false
}

func hasAllScopes(userScopes, requiredScopes []string) bool {
	for _, required := range requiredScopes {
		found := false
		for _, user := range userScopes {
			if user == required {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// extractScopesFromClaims handles the "scope"/"scopes" claim shapes OAuth2
// and OIDC providers commonly emit: a space-separated string or an array.
func extractScopesFromClaims(claims map[string]interface{}) []string {
	if scope, ok := claims["scope"]; ok {
		if scopeStr, ok := scope.(string); ok {
			return parseSpaceSeparatedScopes(scopeStr)
		}
		if scopeArr, ok := scope.([]interface{}); ok {
			return interfaceArrayToStringArray(scopeArr)
		}
	}
	if scopes, ok := claims["scopes"]; ok {
		if scopeArr, ok := scopes.([]interface{}); ok {
			return interfaceArrayToStringArray(scopeArr)
		}
	}
	return nil
}

func parseSpaceSeparatedScopes(scopes string) []string {
	fields := strings.Fields(scopes)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func interfaceArrayToStringArray(arr []interface{}) []string {
	result := make([]string, 0, len(arr))
	for _, v := range arr {
		if str, ok := v.(string); ok {
			result = append(result, str)
		}
	}
	return result
}
