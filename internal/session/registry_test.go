package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestMemoryRegistryResolveIsStable(t *testing.T) {
	registry := NewMemoryRegistry()
	ctx := context.Background()

	first, err := registry.Resolve(ctx, "conn-1")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if first == "" {
		t.Fatal("expected a session id")
	}

	second, err := registry.Resolve(ctx, "conn-1")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if second != first {
		t.Errorf("expected stable session id, got %s then %s", first, second)
	}

	other, err := registry.Resolve(ctx, "conn-2")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if other == first {
		t.Error("different connections must get different sessions")
	}
}

func TestMemoryRegistryDrop(t *testing.T) {
	registry := NewMemoryRegistry()
	ctx := context.Background()

	sessionID, err := registry.Resolve(ctx, "conn-1")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if err := registry.Drop(ctx, "conn-1"); err != nil {
		t.Fatalf("Drop failed: %v", err)
	}

	found, err := registry.Lookup(ctx, "conn-1")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if found != "" {
		t.Errorf("expected empty lookup after drop, got %s", found)
	}

	// A new connection with the same id starts a fresh session.
	next, err := registry.Resolve(ctx, "conn-1")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if next == sessionID {
		t.Error("expected a new session after drop")
	}
}

func TestMemoryRegistryDropUnknownConnection(t *testing.T) {
	registry := NewMemoryRegistry()
	if err := registry.Drop(context.Background(), "never-seen"); err != nil {
		t.Errorf("Drop of unknown connection failed: %v", err)
	}
}

func setupTestRedis(t *testing.T) (*RedisRegistry, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	registry, err := NewRedisRegistry("redis://"+s.Addr(), time.Hour)
	if err != nil {
		t.Fatalf("failed to create redis registry: %v", err)
	}
	return registry, s
}

func TestRedisRegistryResolveIsStable(t *testing.T) {
	registry, s := setupTestRedis(t)
	defer registry.Close()
	defer s.Close()

	ctx := context.Background()

	first, err := registry.Resolve(ctx, "conn-1")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	second, err := registry.Resolve(ctx, "conn-1")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if second != first {
		t.Errorf("expected stable session id, got %s then %s", first, second)
	}
}

func TestRedisRegistryLookupAndDrop(t *testing.T) {
	registry, s := setupTestRedis(t)
	defer registry.Close()
	defer s.Close()

	ctx := context.Background()

	sessionID, err := registry.Resolve(ctx, "conn-1")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	found, err := registry.Lookup(ctx, "conn-1")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if found != sessionID {
		t.Errorf("expected %s, got %s", sessionID, found)
	}

	if err := registry.Drop(ctx, "conn-1"); err != nil {
		t.Fatalf("Drop failed: %v", err)
	}

	found, err = registry.Lookup(ctx, "conn-1")
	if err != nil {
		t.Fatalf("Lookup after drop failed: %v", err)
	}
	if found != "" {
		t.Errorf("expected empty lookup after drop, got %s", found)
	}
}

func TestRedisRegistryEntryExpires(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	registry, err := NewRedisRegistry("redis://"+s.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("failed to create redis registry: %v", err)
	}
	defer registry.Close()

	ctx := context.Background()
	if _, err := registry.Resolve(ctx, "conn-1"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	s.FastForward(2 * time.Minute)

	found, err := registry.Lookup(ctx, "conn-1")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if found != "" {
		t.Errorf("expected expired entry, got %s", found)
	}
}
