package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"

	"github.com/r3e-forks/data-core/auth"
)

// stubAuthService implements auth.AuthService with a configurable
// ValidateToken; every other method panics if a test reaches it.
type stubAuthService struct {
	claims *auth.Claims
	err    error
}

func (s *stubAuthService) Login(string, string) (*auth.AuthResult, error)    { panic("unused") }
func (s *stubAuthService) Logout(string) error                               { panic("unused") }
func (s *stubAuthService) GenerateToken(*auth.User) (string, error)          { panic("unused") }
func (s *stubAuthService) ValidateToken(token string) (*auth.Claims, error) {
	return s.claims, s.err
}
func (s *stubAuthService) GenerateTokenPair(*auth.User) (*auth.TokenPair, error) { panic("unused") }
func (s *stubAuthService) RefreshToken(string) (*auth.TokenPair, error)          { panic("unused") }
func (s *stubAuthService) ChangePassword(string, string, string) error          { panic("unused") }
func (s *stubAuthService) HashPassword(string) (string, error)                  { panic("unused") }
func (s *stubAuthService) ValidatePasswordHash(string, string) error            { panic("unused") }
func (s *stubAuthService) CreateUser(auth.CreateUserRequest) (*auth.User, error) { panic("unused") }
func (s *stubAuthService) UpdateUser(string, auth.UpdateUserRequest) (*auth.User, error) {
	panic("unused")
}
func (s *stubAuthService) DeleteUser(string, string) error           { panic("unused") }
func (s *stubAuthService) GetUser(string) (*auth.User, error)        { panic("unused") }
func (s *stubAuthService) GetUserByUsername(string) (*auth.User, error) { panic("unused") }
func (s *stubAuthService) ListUsers() ([]*auth.User, error)          { panic("unused") }
func (s *stubAuthService) HasRole(string, string) (bool, error)      { panic("unused") }
func (s *stubAuthService) HasAnyRole(string, []string) (bool, error) { panic("unused") }

func TestBearerAuth_ValidToken(t *testing.T) {
	svc := &stubAuthService{claims: &auth.Claims{UserID: "u1", Username: "alice", Roles: []string{"admin"}}}
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var gotClaims *auth.Claims
	handler := bearerAuth(svc)(func(c echo.Context) error {
		claims, ok := claimsFromContext(c)
		assert.True(t, ok)
		gotClaims = claims
		return c.String(http.StatusOK, "ok")
	})

	err := handler(c)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", gotClaims.UserID)
}

func TestBearerAuth_InvalidToken(t *testing.T) {
	svc := &stubAuthService{err: auth.ErrInvalidToken}
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer bad-token")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := bearerAuth(svc)(func(c echo.Context) error {
		t.Fatal("handler should not run on invalid token")
		return nil
	})

	err := handler(c)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBearerAuth_MissingHeader(t *testing.T) {
	svc := &stubAuthService{}
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := bearerAuth(svc)(func(c echo.Context) error {
		t.Fatal("handler should not run without an Authorization header")
		return nil
	})

	err := handler(c)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestClaimsFromContext_Absent(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	claims, ok := claimsFromContext(c)
	assert.False(t, ok)
	assert.Nil(t, claims)
}
