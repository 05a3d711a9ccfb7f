package testing

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/teranos/relay/store"
)

// CreateTestStore creates an in-memory store for tests.
// Automatically registers cleanup via t.Cleanup().
func CreateTestStore(t *testing.T) *store.Memory {
	t.Helper()

	s := store.NewMemory()
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

// CreateTestRedis spins up an embedded Redis server and returns a store
// connected to it. Automatically registers cleanup via t.Cleanup().
func CreateTestRedis(t *testing.T) *store.Redis {
	t.Helper()

	mr := miniredis.RunT(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := store.NewRedis(ctx, "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("Failed to connect to test redis: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}
