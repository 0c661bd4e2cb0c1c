package postgres_test

import (
	"testing"

	"swapkline/pkg/storage/postgres"
)

// go test -v --run TestCreateDatabase
func TestCreateDatabase(t *testing.T) {
	testClient(t)

	// The database exists now; creating it again is a no-op.
	if err := postgres.CreateDatabase(testConfig()); err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
}
