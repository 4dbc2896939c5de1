// Package testutil starts backend containers for integration tests. Each
// container is started once per test binary and shared by all its tests.
// Tests calling these helpers are skipped under -short or when no container
// runtime is available.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const startTimeout = 3 * time.Minute

// shared lazily starts one container and remembers its endpoint.
type shared struct {
	name  string
	once  sync.Once
	url   string
	err   error
	start func(ctx context.Context) (string, error)
}

func (s *shared) get(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skipf("%s container skipped in -short mode", s.name)
	}

	s.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
		defer cancel()
		s.url, s.err = s.start(ctx)
	})

	if s.err != nil {
		t.Skipf("%s container unavailable: %v", s.name, s.err)
	}
	return s.url
}

// endpoint runs image and returns its host:port. The container is
// terminated if the endpoint cannot be read.
func endpoint(ctx context.Context, image string, opts ...testcontainers.ContainerCustomizer) (string, error) {
	c, err := testcontainers.Run(ctx, image, opts...)
	if err != nil {
		return "", err
	}
	ep, err := c.Endpoint(ctx, "")
	if err != nil {
		_ = c.Terminate(context.Background())
		return "", err
	}
	return ep, nil
}

var redisC = &shared{
	name: "redis",
	start: func(ctx context.Context) (string, error) {
		return endpoint(ctx, "redis:7",
			testcontainers.WithExposedPorts("6379/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("6379/tcp"),
				wait.ForLog("Ready to accept connections"),
			),
		)
	},
}

// GetRedisAddress returns host:port of the shared Redis container.
func GetRedisAddress(t *testing.T) string {
	t.Helper()
	return redisC.get(t)
}

// GetRedisURL returns a redis:// URL for database db of the shared Redis
// container.
func GetRedisURL(t *testing.T, db int) string {
	t.Helper()
	return fmt.Sprintf("redis://%s/%d", redisC.get(t), db)
}

const (
	pgUser     = "taskq"
	pgPassword = "taskq"
	pgDatabase = "taskq_test"
)

func pgDSN(hostPort string) string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", pgUser, pgPassword, hostPort, pgDatabase)
}

var postgresC = &shared{
	name: "postgres",
	start: func(ctx context.Context) (string, error) {
		ep, err := endpoint(ctx, "postgres:16",
			testcontainers.WithExposedPorts("5432/tcp"),
			testcontainers.WithEnv(map[string]string{
				"POSTGRES_USER":     pgUser,
				"POSTGRES_PASSWORD": pgPassword,
				"POSTGRES_DB":       pgDatabase,
			}),
			testcontainers.WithWaitStrategy(
				wait.ForAll(
					wait.ForListeningPort("5432/tcp"),
					// The log line appears before the server accepts TCP
					// connections, so also wait for a query to succeed.
					wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
						return pgDSN(host + ":" + port.Port())
					}).WithQuery("SELECT 1"),
				).WithDeadline(2*time.Minute),
			),
		)
		if err != nil {
			return "", err
		}
		return pgDSN(ep), nil
	},
}

// GetPostgresEndpoint returns a pgx DSN for the shared Postgres container.
func GetPostgresEndpoint(t *testing.T) string {
	t.Helper()
	return postgresC.get(t)
}

var mongoC = &shared{
	name: "mongo",
	start: func(ctx context.Context) (string, error) {
		ep, err := endpoint(ctx, "mongo:7",
			testcontainers.WithExposedPorts("27017/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("27017/tcp"),
				wait.ForLog("Waiting for connections"),
			),
		)
		if err != nil {
			return "", err
		}
		return "mongodb://" + ep, nil
	},
}

// GetMongoURI returns a mongodb:// URI for the shared MongoDB container.
func GetMongoURI(t *testing.T) string {
	t.Helper()
	return mongoC.get(t)
}
