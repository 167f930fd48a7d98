package graphcache

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	cache, err := New("redis://"+s.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("failed to create graph cache: %v", err)
	}
	return cache, s
}

func TestNewCache(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	cache, err := New("redis://"+s.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer cache.Close()

	if err := cache.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestSetAndGet(t *testing.T) {
	cache, s := setupTestCache(t)
	defer cache.Close()
	defer s.Close()

	ctx := context.Background()
	payload := []byte(`{"nodes":[],"edges":[]}`)

	if err := cache.Set(ctx, "user-1", payload); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, ok, err := cache.Get(ctx, "user-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok {
		t.Fatal("expected cache hit, got miss")
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("expected %s, got %s", payload, got)
	}
}

func TestGetMiss(t *testing.T) {
	cache, s := setupTestCache(t)
	defer cache.Close()
	defer s.Close()

	_, ok, err := cache.Get(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ok {
		t.Error("expected cache miss for unknown user")
	}
}

func TestEntryExpires(t *testing.T) {
	cache, s := setupTestCache(t)
	defer cache.Close()
	defer s.Close()

	ctx := context.Background()
	if err := cache.Set(ctx, "user-1", []byte("{}")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	s.FastForward(2 * time.Minute)

	_, ok, err := cache.Get(ctx, "user-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ok {
		t.Error("expected miss after TTL expiry")
	}
}

func TestInvalidate(t *testing.T) {
	cache, s := setupTestCache(t)
	defer cache.Close()
	defer s.Close()

	ctx := context.Background()
	if err := cache.Set(ctx, "user-1", []byte("a")); err != nil {
		t.Fatalf("Set user-1 failed: %v", err)
	}
	if err := cache.Set(ctx, "user-2", []byte("b")); err != nil {
		t.Fatalf("Set user-2 failed: %v", err)
	}
	if err := cache.Set(ctx, "user-3", []byte("c")); err != nil {
		t.Fatalf("Set user-3 failed: %v", err)
	}

	if err := cache.Invalidate(ctx, "user-1", "user-2"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}

	for _, userID := range []string{"user-1", "user-2"} {
		if _, ok, _ := cache.Get(ctx, userID); ok {
			t.Errorf("expected %s to be invalidated", userID)
		}
	}
	if _, ok, _ := cache.Get(ctx, "user-3"); !ok {
		t.Error("expected user-3 to survive invalidation")
	}
}

func TestInvalidateEmptyIsNoop(t *testing.T) {
	cache, s := setupTestCache(t)
	defer cache.Close()
	defer s.Close()

	if err := cache.Invalidate(context.Background()); err != nil {
		t.Errorf("Invalidate with no users failed: %v", err)
	}
}
