// Package testmongo starts one MongoDB container per test binary.
package testmongo

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

var (
	client    *mongo.Client
	container testcontainers.Container
	skip      bool
	seq       atomic.Int64
)

// Run starts MongoDB, runs the tests and tears MongoDB down.
func Run(m *testing.M) int {
	ctx := context.Background()
	start(ctx)
	code := m.Run()
	if client != nil {
		_ = client.Disconnect(ctx)
	}
	if container != nil {
		_ = container.Terminate(ctx)
	}
	return code
}

// Database returns a freshly dropped database named after t, or skips t.
func Database(t *testing.T) *mongo.Database {
	t.Helper()
	if skip || client == nil {
		t.Skip("Docker not available, skipping MongoDB integration test")
	}
	db := client.Database(fmt.Sprintf("toolgate_test_%d", seq.Add(1)))
	if err := db.Drop(context.Background()); err != nil {
		t.Fatalf("drop database: %v", err)
	}
	return db
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
				Image:        "mongo:7",
				ExposedPorts: []string{"27017/tcp"},
				WaitingFor:   wait.ForLog("Waiting for connections"),
				Tmpfs:        map[string]string{"/data/db": "rw"},
			},
			Started: true,
		})
	}()
	if err != nil {
		fmt.Printf("Docker not available, MongoDB tests will be skipped: %v\n", err)
		skip = true
		return
	}
	host, err := container.Host(ctx)
	if err != nil {
		fmt.Printf("Failed to get container host: %v\n", err)
		skip = true
		return
	}
	port, err := container.MappedPort(ctx, "27017")
	if err != nil {
		fmt.Printf("Failed to get container port: %v\n", err)
		skip = true
		return
	}
	client, err = mongo.Connect(options.Client().ApplyURI(fmt.Sprintf("mongodb://%s:%s", host, port.Port())))
	if err != nil {
		fmt.Printf("Failed to connect to MongoDB: %v\n", err)
		skip = true
		return
	}
	if err := client.Ping(ctx, nil); err != nil {
		fmt.Printf("Failed to ping MongoDB: %v\n", err)
		skip = true
	}
}
