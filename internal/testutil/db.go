// Package testutil starts throwaway Postgres databases for store tests.
package testutil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/inaiurai/localize/internal/migrate"
)

const (
	dbUser     = "localize"
	dbPassword = "localize"
	dbName     = "localize_test"
)

// TestDB is a migrated Postgres container and a pool connected to it.
type TestDB struct {
	Pool      *pgxpool.Pool
	URL       string
	container testcontainers.Container
}

// SetupTestDB starts a PostgreSQL container, applies the schema and connects.
// The test is skipped under -short or when no Docker daemon is reachable.
// Everything is torn down by t.Cleanup.
func SetupTestDB(t *testing.T) *TestDB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     dbUser,
			"POSTGRES_PASSWORD": dbPassword,
			"POSTGRES_DB":       dbName,
		},
		// The entrypoint restarts the server once after init.
		WaitingFor: wait.ForAll(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			wait.ForListeningPort("5432/tcp"),
		).WithDeadline(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Errorf("terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatal(err)
	}
	url := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", dbUser, dbPassword, host, port.Port(), dbName)

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect to test db: %v", err)
	}
	t.Cleanup(pool.Close)
	for i := 0; ; i++ {
		err := pool.Ping(ctx)
		if err == nil {
			break
		}
		if i == 9 {
			t.Fatalf("ping test db: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := migrate.Up(ctx, url, nil, quiet); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return &TestDB{Pool: pool, URL: url, container: container}
}
