package feedback

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// setupRedisGuard creates a guard backed by miniredis.
func setupRedisGuard(t *testing.T, ttl time.Duration) (*RedisGuard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisGuard(client, ttl, "test:"), mr
}

func TestLocalGuard(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g := NewLocalGuard()

	release, ok, err := g.Claim(ctx, "s1")
	if err != nil || !ok {
		t.Fatalf("first claim = %v, %v", ok, err)
	}
	if _, ok, _ := g.Claim(ctx, "s1"); ok {
		t.Error("second claim succeeded while first is held")
	}
	if _, ok, _ := g.Claim(ctx, "s2"); !ok {
		t.Error("claim on other session failed")
	}
	release(ctx)
	if _, ok, _ := g.Claim(ctx, "s1"); !ok {
		t.Error("claim after release failed")
	}
}

func TestRedisGuard_ClaimAndRelease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g, mr := setupRedisGuard(t, time.Minute)

	release, ok, err := g.Claim(ctx, "s1")
	if err != nil || !ok {
		t.Fatalf("first claim = %v, %v", ok, err)
	}
	if !mr.Exists("test:s1") {
		t.Fatal("claim key not written")
	}
	if ttl := mr.TTL("test:s1"); ttl != time.Minute {
		t.Errorf("ttl = %v, want 1m", ttl)
	}
	if _, ok, err := g.Claim(ctx, "s1"); ok || err != nil {
		t.Errorf("second claim = %v, %v; want false, nil", ok, err)
	}

	release(ctx)
	if mr.Exists("test:s1") {
		t.Error("claim key still present after release")
	}
	if _, ok, _ := g.Claim(ctx, "s1"); !ok {
		t.Error("claim after release failed")
	}
}

func TestRedisGuard_ExpiredClaimIsNotReleasedByOldHolder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g, mr := setupRedisGuard(t, time.Second)

	staleRelease, ok, _ := g.Claim(ctx, "s1")
	if !ok {
		t.Fatal("first claim failed")
	}
	mr.FastForward(2 * time.Second)

	_, ok, _ = g.Claim(ctx, "s1")
	if !ok {
		t.Fatal("claim after expiry failed")
	}

	staleRelease(ctx)
	if !mr.Exists("test:s1") {
		t.Error("stale release removed the new holder's claim")
	}
}

func TestRedisGuard_ServerDown(t *testing.T) {
	t.Parallel()
	g, mr := setupRedisGuard(t, time.Minute)
	mr.Close()

	if _, ok, err := g.Claim(context.Background(), "s1"); err == nil || ok {
		t.Errorf("claim with server down = %v, %v; want error", ok, err)
	}
}
