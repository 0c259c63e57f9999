package datamodel

import (
	"context"
	"os"
	"testing"

	"github.com/danmuck/uspagent/internal/testutil/testlog"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestRedisStoreWritesThrough(t *testing.T) {
	testlog.Start(t)
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	key := "uspagent:test:" + uuid.NewString()
	t.Cleanup(func() {
		_ = client.Del(context.Background(), key).Err()
		_ = client.Close()
	})

	base := newTestStore(t)
	rs, err := NewRedisStore(ctx, client, key, base.Schema(), base.Snapshot())
	if err != nil {
		t.Fatalf("new redis store: %v", err)
	}
	inst, err := rs.Add(ctx, subTable, map[string]string{"ID": "redis-sub"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	got, err := client.HGet(ctx, key, inst+"ID").Result()
	if err != nil || got != "redis-sub" {
		t.Fatalf("hash not updated: %q err=%v", got, err)
	}
	if err := rs.Delete(ctx, inst); err != nil {
		t.Fatalf("delete: %v", err)
	}
	exists, err := client.HExists(ctx, key, inst+"ID").Result()
	if err != nil || exists {
		t.Fatalf("field not removed: exists=%v err=%v", exists, err)
	}

	reloaded, err := NewRedisStore(ctx, client, key, base.Schema(), nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	next, err := reloaded.Add(ctx, subTable, map[string]string{"ID": "again"})
	if err != nil || next != subTable+"2." {
		t.Fatalf("counter not restored from redis: %q err=%v", next, err)
	}
}
