//go:build integration

package attendance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newRedisTestClient(t *testing.T) (context.Context, *redis.Client) {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("Docker not available, skipping integration test: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	addr, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("container endpoint: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	return ctx, client
}

func TestIntegrationRedisCache_LockName(t *testing.T) {
	ctx, client := newRedisTestClient(t)
	cache := NewRedisCache(client, time.Minute)

	unlock, err := cache.LockName(ctx, "Alice")
	if err != nil {
		t.Fatalf("LockName failed: %v", err)
	}
	if _, err := cache.LockName(ctx, "Alice"); !errors.Is(err, ErrLockBusy) {
		t.Errorf("second LockName err = %v, want ErrLockBusy", err)
	}
	if other, err := cache.LockName(ctx, "Bob"); err != nil {
		t.Errorf("LockName on another name failed: %v", err)
	} else {
		other()
	}

	unlock()
	again, err := cache.LockName(ctx, "Alice")
	if err != nil {
		t.Fatalf("LockName after unlock failed: %v", err)
	}
	again()
}

func TestIntegrationRedisCache_StaleUnlockKeepsNewOwner(t *testing.T) {
	ctx, client := newRedisTestClient(t)
	cache := NewRedisCache(client, time.Minute)
	cache.lockTTL = 200 * time.Millisecond

	stale, err := cache.LockName(ctx, "Alice")
	if err != nil {
		t.Fatalf("LockName failed: %v", err)
	}
	time.Sleep(400 * time.Millisecond)

	cache.lockTTL = time.Minute
	owner, err := cache.LockName(ctx, "Alice")
	if err != nil {
		t.Fatalf("LockName after expiry failed: %v", err)
	}
	defer owner()

	stale()
	if n, err := client.Exists(ctx, userLockPrefix+"Alice").Result(); err != nil || n != 1 {
		t.Fatalf("lock key exists = %d, %v; stale unlock removed the new owner's lock", n, err)
	}
	if _, err := cache.LockName(ctx, "Alice"); !errors.Is(err, ErrLockBusy) {
		t.Errorf("LockName err = %v, want ErrLockBusy", err)
	}
}

func TestIntegrationRedisCache_Recent(t *testing.T) {
	ctx, client := newRedisTestClient(t)
	cache := NewRedisCache(client, time.Minute)

	if _, ok := cache.GetRecent(ctx); ok {
		t.Fatal("empty cache reported a hit")
	}

	recs := []Record{
		{ID: "r2", UserID: "u1", UserName: "Alice", DetectionDuration: 3, Status: StatusPresent},
		{ID: "r1", UserID: "u2", UserName: "Bob", DetectionDuration: 3, Status: StatusPresent},
	}
	if err := cache.SetRecent(ctx, recs); err != nil {
		t.Fatalf("SetRecent failed: %v", err)
	}
	got, ok := cache.GetRecent(ctx)
	if !ok || len(got) != 2 || got[0].ID != "r2" || got[1].UserName != "Bob" {
		t.Fatalf("GetRecent = %+v, %v", got, ok)
	}
	if ttl := client.TTL(ctx, recentKey).Val(); ttl <= 0 || ttl > time.Minute {
		t.Errorf("ttl = %v", ttl)
	}

	if err := cache.InvalidateRecent(ctx); err != nil {
		t.Fatalf("InvalidateRecent failed: %v", err)
	}
	if _, ok := cache.GetRecent(ctx); ok {
		t.Error("cache hit after invalidation")
	}
}
