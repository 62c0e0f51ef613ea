package storage

import (
	"testing"
)

func TestNewPostgresDB(t *testing.T) {
	db := setupTestDB(t)

	ctx := testContext(t)
	if err := db.Ping(ctx); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestPostgresDB_Pool(t *testing.T) {
	db := setupTestDB(t)

	if db.Pool() == nil {
		t.Error("Pool() returned nil")
	}
}
