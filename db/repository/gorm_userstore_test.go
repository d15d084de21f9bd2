package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/r3e-forks/data-core/auth"
	"github.com/r3e-forks/data-core/db"
)

func TestAdminUserModelFromUser(t *testing.T) {
	lastLogin := time.Now().Add(-time.Hour)
	u := &auth.User{
		ID:                 "u-1",
		Username:           "alice",
		Email:              "alice@example.com",
		Name:               "Alice",
		PasswordHash:       "hash",
		Enabled:            true,
		Locked:             false,
		MustChangePassword: true,
		FailedLogins:       2,
		LastLoginAt:        &lastLogin,
	}

	m := adminUserModelFromUser(u)

	assert.Equal(t, "u-1", m.UUID)
	assert.Equal(t, "alice", m.Username)
	assert.Equal(t, "alice@example.com", m.Email)
	assert.Equal(t, "hash", m.PasswordHash)
	assert.True(t, m.Enabled)
	assert.True(t, m.MustChangePassword)
	assert.Equal(t, 2, m.FailedLogins)
	assert.Equal(t, &lastLogin, m.LastLoginAt)
}

func TestUserFromAdminUserModel_CarriesRolesAndSemanticTags(t *testing.T) {
	m := &db.AdminUserModel{
		UUID:     "u-2",
		Username: "bob",
		Email:    "bob@example.com",
		Enabled:  true,
		Locked:   true,
	}
	roles := []string{"admin", "editor"}

	u := userFromAdminUserModel(m, roles)

	assert.Equal(t, "u-2", u.ID)
	assert.Equal(t, "bob", u.Username)
	assert.Equal(t, roles, u.Roles)
	assert.True(t, u.Locked)
	assert.Equal(t, "https://schema.org", u.Context)
	assert.Equal(t, "Person", u.Type)
}

func TestUserFromAdminUserModel_NoRoles(t *testing.T) {
	m := &db.AdminUserModel{UUID: "u-3", Username: "carol"}
	u := userFromAdminUserModel(m, nil)
	assert.Empty(t, u.Roles)
}

func TestRefreshTokenFromModel(t *testing.T) {
	now := time.Now()
	m := &db.RefreshTokenModel{
		UUID:      "rt-1",
		UserUUID:  "u-1",
		TokenHash: "hashed-token",
		ExpiresAt: now.Add(24 * time.Hour),
		CreatedAt: now,
		Revoked:   false,
	}

	rt := refreshTokenFromModel(m)

	assert.Equal(t, "rt-1", rt.ID)
	assert.Equal(t, "u-1", rt.UserID)
	assert.Equal(t, "hashed-token", rt.Token)
	assert.False(t, rt.Revoked)
	assert.Equal(t, "RefreshToken", rt.Type)
}

func TestAuditLogFromModel_DecodesMetadata(t *testing.T) {
	m := &db.AuditLogModel{
		UUID:     "log-1",
		UserUUID: "u-1",
		Action:   "login_failed",
		Success:  false,
		Metadata: []byte(`{"reason":"invalid password"}`),
	}

	log := auditLogFromModel(m)

	assert.Equal(t, "log-1", log.ID)
	assert.Equal(t, "login_failed", log.Action)
	assert.False(t, log.Success)
	assert.Equal(t, "invalid password", log.Metadata["reason"])
}

func TestAuditLogFromModel_EmptyMetadata(t *testing.T) {
	m := &db.AuditLogModel{UUID: "log-2"}
	log := auditLogFromModel(m)
	assert.Nil(t, log.Metadata)
}
