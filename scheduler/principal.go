package scheduler

import (
	"context"

	"github.com/r3e-forks/data-core/auth"
)

// AuthPrincipalResolver adapts auth.AuthService to dsl.PrincipalResolver,
// backing the Authenticate transform (§4.6.1). credentials must carry
// "username" and "password" keys.
type AuthPrincipalResolver struct {
	Auth auth.AuthService
}

func NewAuthPrincipalResolver(a auth.AuthService) *AuthPrincipalResolver {
	return &AuthPrincipalResolver{Auth: a}
}

func (r *AuthPrincipalResolver) Resolve(ctx context.Context, credentials map[string]string) (string, error) {
	result, err := r.Auth.Login(credentials["username"], credentials["password"])
	if err != nil {
		return "", err
	}
	return result.User.ID, nil
}
