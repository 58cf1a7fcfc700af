package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/transfa/packet-service/internal/domain"
)

func newMiniredisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisPacketLocker_ExcludesSecondHolder(t *testing.T) {
	mr, client := newMiniredisClient(t)
	locker := NewRedisPacketLocker(client, "test:lock:", time.Minute)

	release, err := locker.Acquire(context.Background(), "p1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if ttl := mr.TTL("test:lock:p1"); ttl != time.Minute {
		t.Fatalf("expected lock ttl of 1m, got %s", ttl)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	if _, err := locker.Acquire(ctx, "p1"); !errors.Is(err, ErrLockNotAcquired) {
		t.Fatalf("expected ErrLockNotAcquired, got %v", err)
	}

	release()
	if mr.Exists("test:lock:p1") {
		t.Fatal("expected release to delete the lock key")
	}
	again, err := locker.Acquire(context.Background(), "p1")
	if err != nil {
		t.Fatalf("re-acquire after release: %v", err)
	}
	again()
}

func TestRedisPacketLocker_ReleaseSparesNextOwner(t *testing.T) {
	mr, client := newMiniredisClient(t)
	locker := NewRedisPacketLocker(client, "test:lock", time.Second)

	stale, err := locker.Acquire(context.Background(), "p1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	mr.FastForward(2 * time.Second)

	current, err := locker.Acquire(context.Background(), "p1")
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	defer current()

	stale()
	if !mr.Exists("test:lock:p1") {
		t.Fatal("an expired holder must not delete the next owner's lock")
	}
}

func TestRedisPacketLocker_BackendDownIsUnavailable(t *testing.T) {
	mr, client := newMiniredisClient(t)
	locker := NewRedisPacketLocker(client, "test:lock", time.Minute)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := locker.Acquire(ctx, "p1")
	if !errors.Is(err, ErrLockUnavailable) {
		t.Fatalf("expected ErrLockUnavailable, got %v", err)
	}
}

func TestClaimPacket_RedisOutageFallsBackToLocalLock(t *testing.T) {
	mr, client := newMiniredisClient(t)
	env := newTestEnv(t, Options{})
	env.svc.SetPacketLocker(NewRedisPacketLocker(client, "test:lock", time.Minute))
	p := env.create(t, domain.CreatePacketRequest{Mode: "equal", TotalAmount: 60, TotalCount: 3})

	if _, err := env.claim(p.ID, claimant("1")); err != nil {
		t.Fatalf("claim with redis up: %v", err)
	}
	mr.Close()
	resp, err := env.claim(p.ID, claimant("2"))
	if err != nil {
		t.Fatalf("claim with redis down: %v", err)
	}
	if resp.Claim.Amount != 20 {
		t.Fatalf("expected 20, got %s", resp.Claim.Amount)
	}
	assertPool(t, env, p.ID)
}

func TestRedisClaimRateLimiter_CountsWithinWindow(t *testing.T) {
	mr, client := newMiniredisClient(t)
	limiter := NewRedisClaimRateLimiter(client, "test:rate_limit:")

	for want := 1; want <= 3; want++ {
		count, retryAfter, err := limiter.ConsumeRateLimit(context.Background(), "claim", "bob", 2, time.Minute)
		if err != nil {
			t.Fatalf("consume %d: %v", want, err)
		}
		if count != want {
			t.Fatalf("expected count %d, got %d", want, count)
		}
		if retryAfter != 60 {
			t.Fatalf("expected retry after 60s, got %d", retryAfter)
		}
	}

	mr.FastForward(61 * time.Second)
	count, _, err := limiter.ConsumeRateLimit(context.Background(), "claim", "bob", 2, time.Minute)
	if err != nil {
		t.Fatalf("consume after window: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a fresh window, got count %d", count)
	}
}

func TestRedisActivityFeed_KeepsNewestEntries(t *testing.T) {
	_, client := newMiniredisClient(t)
	feed := NewRedisActivityFeed(client, "test", 3)

	for i := 1; i <= 5; i++ {
		if err := feed.Record(context.Background(), domain.ActivityEntry{PacketID: fmt.Sprintf("p%d", i)}); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	entries, err := feed.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, want := range []string{"p5", "p4", "p3"} {
		if entries[i].PacketID != want {
			t.Fatalf("entry %d: expected %s, got %s", i, want, entries[i].PacketID)
		}
	}
}
