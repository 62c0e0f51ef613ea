package storage

import (
	"context"
	"testing"
	"time"

	"github.com/campaign-sync/internal/config"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// testPostgresConfig matches the docker-compose dev environment.
func testPostgresConfig() *config.PostgresConfig {
	return &config.PostgresConfig{
		Host:           "localhost",
		Port:           "5432",
		Database:       "campaign_sync",
		User:           "sync",
		Password:       "sync_dev_password",
		MaxConnections: 10,
	}
}

// setupTestDB connects to the dev Postgres, skipping the test when it is not
// reachable or when -short is set.
func setupTestDB(t *testing.T) *PostgresDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db, err := NewPostgresDB(testPostgresConfig())
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
		return nil
	}
	t.Cleanup(db.Close)
	return db
}
