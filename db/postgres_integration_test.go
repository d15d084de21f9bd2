//go:build integration

package db

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/gorm"
)

// setupPostgresContainer starts a PostgreSQL container for testing
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

	dsn := fmt.Sprintf("host=%s port=%s user=testuser password=testpass dbname=testdb sslmode=disable", host, port.Port())

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}

	return dsn, cleanup
}

func TestPostgreSQL_Integration_Connection(t *testing.T) {
	dsn, cleanup := setupPostgresContainer(t)
	defer cleanup()

	store, err := NewGormStore(dsn)
	require.NoError(t, err, "Failed to connect to PostgreSQL")
	defer store.Close()

	sqlDB, err := store.DB().DB()
	require.NoError(t, err)

	err = sqlDB.Ping()
	assert.NoError(t, err, "Failed to ping database")

	stats := sqlDB.Stats()
	assert.LessOrEqual(t, stats.Idle, 10, "Idle connections should not exceed max idle")
}

func TestPostgreSQL_Integration_AutoMigrate(t *testing.T) {
	dsn, cleanup := setupPostgresContainer(t)
	defer cleanup()

	store, err := NewGormStore(dsn)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.AutoMigrate())

	var tableExists bool
	err = store.DB().Raw("SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'entity_definitions')").Scan(&tableExists).Error
	require.NoError(t, err)
	assert.True(t, tableExists, "entity_definitions table should exist")

	err = store.DB().Raw("SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'workflows')").Scan(&tableExists).Error
	require.NoError(t, err)
	assert.True(t, tableExists, "workflows table should exist")
}

func TestPostgreSQL_Integration_DefinitionRepository(t *testing.T) {
	dsn, cleanup := setupPostgresContainer(t)
	defer cleanup()

	store, err := NewGormStore(dsn)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.AutoMigrate())

	repo := NewGormDefinitionRepository(store)
	ctx := context.Background()

	def := map[string]interface{}{
		"uuid":              uuid.New().String(),
		"entity_type":       "article",
		"display_name":      "Article",
		"field_definitions": []interface{}{map[string]interface{}{"name": "title", "field_type": "String"}},
		"published":         true,
		"version":           1,
	}

	t.Run("save and get", func(t *testing.T) {
		require.NoError(t, repo.SaveDefinition(ctx, def))

		got, err := repo.GetDefinition(ctx, "article")
		require.NoError(t, err)
		assert.Equal(t, "article", got["entity_type"])
		assert.Equal(t, "Article", got["display_name"])
	})

	t.Run("is published", func(t *testing.T) {
		published, err := repo.IsPublished(ctx, "article")
		require.NoError(t, err)
		assert.True(t, published)

		published, err = repo.IsPublished(ctx, "does_not_exist")
		require.NoError(t, err)
		assert.False(t, published)
	})

	t.Run("upsert overwrites existing row", func(t *testing.T) {
		def["display_name"] = "Article (updated)"
		require.NoError(t, repo.SaveDefinition(ctx, def))

		got, err := repo.GetDefinition(ctx, "article")
		require.NoError(t, err)
		assert.Equal(t, "Article (updated)", got["display_name"])
	})

	t.Run("list", func(t *testing.T) {
		defs, err := repo.ListDefinitions(ctx)
		require.NoError(t, err)
		assert.Len(t, defs, 1)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, repo.DeleteDefinition(ctx, "article"))

		_, err := repo.GetDefinition(ctx, "article")
		assert.Error(t, err)
	})
}

func TestPostgreSQL_Integration_WorkflowTransactions(t *testing.T) {
	dsn, cleanup := setupPostgresContainer(t)
	defer cleanup()

	store, err := NewGormStore(dsn)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.AutoMigrate())

	t.Run("successful transaction", func(t *testing.T) {
		err := store.DB().Transaction(func(tx *gorm.DB) error {
			wf1 := WorkflowModel{UUID: uuid.New().String(), Name: "wf-tx-1", Kind: "consumer"}
			if err := tx.Create(&wf1).Error; err != nil {
				return err
			}
			wf2 := WorkflowModel{UUID: uuid.New().String(), Name: "wf-tx-2", Kind: "provider"}
			return tx.Create(&wf2).Error
		})
		require.NoError(t, err)

		var count int64
		store.DB().Model(&WorkflowModel{}).Where("name IN ?", []string{"wf-tx-1", "wf-tx-2"}).Count(&count)
		assert.Equal(t, int64(2), count)
	})

	t.Run("rolled back transaction", func(t *testing.T) {
		err := store.DB().Transaction(func(tx *gorm.DB) error {
			wf := WorkflowModel{UUID: uuid.New().String(), Name: "wf-tx-rollback", Kind: "consumer"}
			if err := tx.Create(&wf).Error; err != nil {
				return err
			}
			return fmt.Errorf("simulated error")
		})
		assert.Error(t, err)

		var found WorkflowModel
		result := store.DB().Where("name = ?", "wf-tx-rollback").First(&found)
		assert.Error(t, result.Error, "record should not exist after rollback")
	})
}
