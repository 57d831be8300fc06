// Package testredis starts one Redis container per test binary. Tests that
// need Redis call Client and are skipped when Docker is unavailable.
package testredis

import (
	"context"
	"fmt"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	client    *redis.Client
	container testcontainers.Container
	skip      bool
)

// Run starts Redis, runs the tests and tears Redis down. Use it from
// TestMain: os.Exit(testredis.Run(m)).
func Run(m *testing.M) int {
	ctx := context.Background()
	start(ctx)
	code := m.Run()
	if client != nil {
		_ = client.Close()
	}
	if container != nil {
		_ = container.Terminate(ctx)
	}
	return code
}

// Client returns a flushed Redis client or skips t.
func Client(t *testing.T) *redis.Client {
	t.Helper()
	if skip || client == nil {
		t.Skip("Docker not available, skipping Redis integration test")
	}
	if err := client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flush redis: %v", err)
	}
	return client
}

func start(ctx context.Context) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("docker not available: %v", r)
			}
		}()
		container, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections"),
			},
			Started: true,
		})
	}()
	if err != nil {
		fmt.Printf("Docker not available, Redis tests will be skipped: %v\n", err)
		skip = true
		return
	}
	host, err := container.Host(ctx)
	if err != nil {
		fmt.Printf("Failed to get container host: %v\n", err)
		skip = true
		return
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		fmt.Printf("Failed to get container port: %v\n", err)
		skip = true
		return
	}
	client = redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	if err := client.Ping(ctx).Err(); err != nil {
		fmt.Printf("Failed to ping redis: %v\n", err)
		skip = true
	}
}
