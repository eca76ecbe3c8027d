package testutil

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	redisOnce sync.Once
	redisAddr string
	redisErr  error
)

func ensureRedis() (string, error) {
	redisOnce.Do(func() {
		if addr := os.Getenv("REDIS_ADDR"); addr != "" {
			redisAddr = addr
			return
		}

		ctx := context.Background()
		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForListeningPort("6379/tcp"),
			},
			Started: true,
		})
		if err != nil {
			redisErr = fmt.Errorf("failed to start Redis container: %w", err)
			return
		}

		addr, err := container.Endpoint(ctx, "")
		if err != nil {
			_ = container.Terminate(ctx)
			redisErr = fmt.Errorf("failed to get Redis endpoint: %w", err)
			return
		}
		redisAddr = addr
	})
	return redisAddr, redisErr
}

// RedisClient returns a client for a shared Redis server. Set REDIS_ADDR to
// use an existing server. Skipped with -short.
func RedisClient(tb testing.TB) *redis.Client {
	tb.Helper()

	if testing.Short() {
		tb.Skip("skipping Redis integration test in short mode")
	}

	addr, err := ensureRedis()
	require.NoError(tb, err, "failed to start Redis")

	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(tb, client.Ping(context.Background()).Err(), "failed to ping Redis")

	tb.Cleanup(func() { _ = client.Close() })
	return client
}
