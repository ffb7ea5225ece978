package state

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestRedisSessionKeysDoNotCollideAcrossTenants(t *testing.T) {
	store := NewRedisSessionStore(nil, 0)
	assert.NotEqual(t, store.key("acme:eu", "s1"), store.key("acme", "eu:s1"))
	assert.NotEqual(t, store.key("a", "b:c:d"), store.key("a:b", "c:d"))
	assert.Equal(t, "intent:session:acme:s1", store.key("acme", "s1"))
}

// TestRedisSessionStoreContract requires a running Redis.
// We skip if connection fails.
func TestRedisSessionStoreContract(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	store := NewRedisSessionStore(client, time.Minute)
	store.keyPrefix = "intent-test:" + uuid.NewString() + ":"
	t.Cleanup(func() {
		keys, _ := client.Keys(ctx, store.keyPrefix+"*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		_ = client.Close()
	})

	runSessionContract(t, store)
}
