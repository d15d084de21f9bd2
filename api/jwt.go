package api

import (
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"

	"github.com/r3e-forks/data-core/auth"
	"github.com/r3e-forks/data-core/errs"
)

// bearerAuth builds the admin/entity route groups' authentication
// middleware on top of echo-jwt's custom-token hook rather than its
// built-in golang-jwt parsing, since token validation (secret, expiry,
// revocation) already lives behind auth.AuthService.ValidateToken.
func bearerAuth(svc auth.AuthService) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		ParseTokenFunc: func(c echo.Context, authHeader string) (interface{}, error) {
			return svc.ValidateToken(authHeader)
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return writeError(c, errs.Unauthorized("missing or invalid bearer token"))
		},
	})
}

// claimsFromContext retrieves the *auth.Claims bearerAuth stored on
// successful validation.
func claimsFromContext(c echo.Context) (*auth.Claims, bool) {
	v := c.Get("user")
	if v == nil {
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	return claims, ok
}
