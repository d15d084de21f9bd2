//go:build integration

package maintenance

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/r3e-forks/data-core/common"
	"github.com/r3e-forks/data-core/db"
)

func setupPostgresContainer(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Failed to start PostgreSQL container")

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port())

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}
	return dsn, cleanup
}

func TestVersionPurger_Run(t *testing.T) {
	dsn, cleanup := setupPostgresContainer(t)
	defer cleanup()

	store, err := db.NewGormStore(dsn)
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate())

	old := db.EntityVersionModel{
		UUID:          uuid.NewString(),
		EntityUUID:    uuid.NewString(),
		VersionNumber: 1,
		Document:      []byte(`{}`),
		CreatedAt:     time.Now().AddDate(0, 0, -200),
	}
	fresh := db.EntityVersionModel{
		UUID:          uuid.NewString(),
		EntityUUID:    uuid.NewString(),
		VersionNumber: 1,
		Document:      []byte(`{}`),
		CreatedAt:     time.Now(),
	}
	require.NoError(t, store.DB().Create(&old).Error)
	require.NoError(t, store.DB().Create(&fresh).Error)

	purger := &VersionPurger{Store: store, Log: common.NewContextLogger(common.NewLogger(common.DefaultLoggerConfig()), nil)}
	require.NoError(t, purger.Run(context.Background()))

	var remaining []db.EntityVersionModel
	require.NoError(t, store.DB().Find(&remaining).Error)
	require.Len(t, remaining, 1)
	require.Equal(t, fresh.UUID, remaining[0].UUID)
}
