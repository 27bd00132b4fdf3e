package storage

import (
	"context"
	"os"
	"testing"
	"time"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func integrationEnv(t *testing.T, key string) string {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	value := os.Getenv(key)
	if value == "" {
		t.Skipf("Skipping integration test - %s not set", key)
	}
	return value
}
