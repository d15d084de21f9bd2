package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"

	"github.com/r3e-forks/data-core/auth"
	"github.com/r3e-forks/data-core/errs"
)

func TestServer_JwtAuth_PopulatesAuthUserFromClaims(t *testing.T) {
	svc := &stubAuthService{claims: &auth.Claims{UserID: "u1", Username: "alice", Roles: []string{"admin", "editor"}}}
	s := &Server{Auth: svc}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/entity-definitions", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var gotUser *AuthUser
	handler := s.jwtAuth(func(c echo.Context) error {
		user, ok := GetUser(c)
		assert.True(t, ok)
		gotUser = user
		return c.NoContent(http.StatusOK)
	})

	err := handler(c)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", gotUser.ID)
	assert.Equal(t, "alice", gotUser.Username)
	assert.Equal(t, []string{"admin", "editor"}, gotUser.Scopes)
}

func TestServer_JwtAuth_RejectsMissingToken(t *testing.T) {
	svc := &stubAuthService{}
	s := &Server{Auth: svc}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/entity-definitions", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := s.jwtAuth(func(c echo.Context) error {
		t.Fatal("handler should not run without a bearer token")
		return nil
	})

	err := handler(c)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWriteError_MapsErrorTaxonomy(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := writeError(c, errs.NotFound("widget not found"))
	assert.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
