package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

// newTestCache starts a miniredis server and returns a RedisCache backed by it.
func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	c, err := NewRedisCacheFromURL(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisCacheFromURL: %v", err)
	}

	t.Cleanup(func() { _ = c.Close() })

	return c, mr
}

func TestRedisCache_GetMiss(t *testing.T) {
	c, _ := newTestCache(t)

	data, ok := c.Get(context.Background(), "nonexistent-key")
	if ok {
		t.Fatal("expected cache miss, got hit")
	}
	if data != nil {
		t.Fatalf("expected nil data on miss, got %v", data)
	}
}

func TestRedisCache_SetAndGet(t *testing.T) {
	c, _ := newTestCache(t)

	key := "mock-key"
	want := []byte(`{"id":"msg_01"}`)

	if err := c.Set(context.Background(), key, want, time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := c.Get(context.Background(), key)
	if !ok {
		t.Fatal("expected cache hit, got miss")
	}
	if string(got) != string(want) {
		t.Fatalf("Get returned %q, want %q", got, want)
	}
}

func TestRedisCache_TTLExpiry(t *testing.T) {
	c, mr := newTestCache(t)

	key := "ttl-key"
	ttl := 10 * time.Second

	if err := c.Set(context.Background(), key, []byte("payload"), ttl); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok := c.Get(context.Background(), key); !ok {
		t.Fatal("key should exist before TTL expires")
	}

	mr.FastForward(ttl + time.Second)

	if _, ok := c.Get(context.Background(), key); ok {
		t.Fatal("key should have expired")
	}
}

func TestRedisCache_Delete(t *testing.T) {
	c, _ := newTestCache(t)

	key := "del-key"
	if err := c.Set(context.Background(), key, []byte("x"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := c.Delete(context.Background(), key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := c.Get(context.Background(), key); ok {
		t.Fatal("key should be gone after Delete")
	}
}

func TestRedisCache_DegradesWhenRedisDown(t *testing.T) {
	c, mr := newTestCache(t)
	mr.Close()

	if _, ok := c.Get(context.Background(), "k"); ok {
		t.Fatal("Get should miss when Redis is down")
	}
	if err := c.Set(context.Background(), "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set should degrade silently, got %v", err)
	}
}

func TestRedisCache_BadURL(t *testing.T) {
	if _, err := NewRedisCacheFromURL(context.Background(), "not-a-url"); err == nil {
		t.Fatal("expected error for invalid URL")
	}
}
