package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/atlas-desktop/strategy-lab/internal/storage"
	"github.com/atlas-desktop/strategy-lab/internal/storage/storagetest"
)

// setupTestDB starts a PostgreSQL container and applies migrations.
func setupTestDB(t *testing.T) *Pool {
	t.Helper()

	if os.Getenv("STRATEGYLAB_INTEGRATION") != "1" {
		t.Skip("set STRATEGYLAB_INTEGRATION=1 to run postgres integration tests")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "failed to get connection string")

	pool, err := NewPool(ctx, dsn)
	require.NoError(t, err, "failed to create pool")
	t.Cleanup(pool.Close)

	require.NoError(t, pool.Migrate(ctx))
	// Migrations are idempotent.
	require.NoError(t, pool.Migrate(ctx))
	return pool
}

func TestStudyStore(t *testing.T) {
	pool := setupTestDB(t)

	storagetest.RunStudyStoreTests(t, func(t *testing.T) storage.StudyStore {
		_, err := pool.Exec(context.Background(), `TRUNCATE studies CASCADE`)
		require.NoError(t, err)
		return NewStudyStore(pool)
	})
}
