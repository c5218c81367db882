// Package common provides the shared SurrealDB test harness. Store tests
// share one container per process and isolate themselves by database name.
package common

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	surrealImage = "surrealdb/surrealdb:v3.0.0"
	surrealPort  = "8000/tcp"
)

var (
	startOnce sync.Once
	shared    *SurrealDBContainer
	startErr  error
)

// SurrealDBContainer is a running SurrealDB instance for tests.
type SurrealDBContainer struct {
	container testcontainers.Container
	host      string
	port      string
}

// StartSurrealDB returns the process-wide SurrealDB container, starting
// it on first use. Tests must not terminate it; each test should use its
// own database instead.
func StartSurrealDB(t *testing.T) *SurrealDBContainer {
	t.Helper()

	startOnce.Do(func() {
		ctx := context.Background()

		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        surrealImage,
				ExposedPorts: []string{surrealPort},
				Cmd:          []string{"start", "--user", "root", "--pass", "root"},
				WaitingFor: wait.ForAll(
					wait.ForListeningPort(surrealPort),
					wait.ForLog("Started web server"),
				).WithDeadline(60 * time.Second),
			},
			Started: true,
		})
		if err != nil {
			startErr = fmt.Errorf("start SurrealDB container: %w", err)
			return
		}

		host, err := container.Host(ctx)
		if err != nil {
			container.Terminate(ctx)
			startErr = fmt.Errorf("resolve SurrealDB host: %w", err)
			return
		}
		mapped, err := container.MappedPort(ctx, surrealPort)
		if err != nil {
			container.Terminate(ctx)
			startErr = fmt.Errorf("resolve SurrealDB port: %w", err)
			return
		}

		shared = &SurrealDBContainer{container: container, host: host, port: mapped.Port()}
	})

	if startErr != nil {
		t.Fatalf("SurrealDB container failed: %v", startErr)
	}
	return shared
}

// Address returns the WebSocket RPC endpoint of the container.
func (c *SurrealDBContainer) Address() string {
	return fmt.Sprintf("ws://%s:%s/rpc", c.host, c.port)
}

// Cleanup terminates the container. Only useful from a TestMain that owns
// the whole process.
func (c *SurrealDBContainer) Cleanup() {
	if c != nil && c.container != nil {
		c.container.Terminate(context.Background())
	}
}
