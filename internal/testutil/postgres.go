package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/beaconhq/beacon/internal/log"
	"github.com/beaconhq/beacon/internal/postgres"
	"github.com/beaconhq/beacon/internal/schema"
)

// TestDB wraps a PostgreSQL test container with a connected client and
// the full beacon schema applied.
type TestDB struct {
	Container *tcpostgres.PostgresContainer
	Client    *postgres.Client
	ConnStr   string
}

// SetupTestDB starts a pgvector-enabled PostgreSQL container, connects a
// postgres.Client and initializes the schema.
//
// Usage:
//
//	db, cleanup := testutil.SetupTestDB(t)
//	defer cleanup()
func SetupTestDB(t *testing.T) (*TestDB, func()) {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"pgvector/pgvector:pg16",
		tcpostgres.WithDatabase("beacon_test"),
		tcpostgres.WithUsername("beacon_test"),
		tcpostgres.WithPassword("test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("failed to start PostgreSQL container: %v", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to get connection string: %v", err)
	}

	client := postgres.New(postgres.Config{DSN: connStr}, log.NewNop())
	if err := client.Connect(ctx); err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to connect: %v", err)
	}

	if err := schema.New(client, log.NewNop()).Initialize(ctx); err != nil {
		client.Close()
		_ = container.Terminate(ctx)
		t.Fatalf("failed to initialize schema: %v", err)
	}

	db := &TestDB{Container: container, Client: client, ConnStr: connStr}
	cleanup := func() {
		db.Client.Close()
		_ = db.Container.Terminate(context.Background())
	}
	return db, cleanup
}
