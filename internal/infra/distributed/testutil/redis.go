// Package testutil provides Redis and fixtures for distributed-mode
// integration tests
package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// redisImage is small and starts in about a second
const redisImage = "redis:7-alpine"

func init() {
	// t.Setenv would prevent t.Parallel in callers
	_ = os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
}

// RedisContainer is a Redis reachable at URL. Container is nil when the URL
// came from ROLLOUT_TEST_REDIS_URL.
type RedisContainer struct {
	Container testcontainers.Container
	URL       string
}

// SetupRedis returns a Redis for one test. An external server named by
// ROLLOUT_TEST_REDIS_URL is used as is; otherwise a container is started and
// terminated on cleanup.
func SetupRedis(t *testing.T) *RedisContainer {
	t.Helper()
	if url := os.Getenv("ROLLOUT_TEST_REDIS_URL"); url != "" {
		return &RedisContainer{URL: url}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        redisImage,
			ExposedPorts: []string{"6379/tcp"},
			// asynq and the tracker never need eviction; fail loudly instead
			Cmd: []string{"redis-server", "--save", "", "--appendonly", "no", "--maxmemory-policy", "noeviction"},
			WaitingFor: wait.ForListeningPort("6379/tcp").
				WithStartupTimeout(20 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err, "start redis container")
	t.Cleanup(func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := container.Terminate(stopCtx); err != nil {
			t.Logf("terminate redis container: %v", err)
		}
	})

	endpoint, err := container.PortEndpoint(ctx, "6379/tcp", "")
	require.NoError(t, err, "resolve redis endpoint")

	return &RedisContainer{Container: container, URL: fmt.Sprintf("redis://%s/0", ipv4Loopback(endpoint))}
}

// ipv4Loopback rewrites localhost so go-redis does not try ::1 first
func ipv4Loopback(endpoint string) string {
	const localhost = "localhost:"
	if len(endpoint) > len(localhost) && endpoint[:len(localhost)] == localhost {
		return "127.0.0.1:" + endpoint[len(localhost):]
	}
	return endpoint
}
