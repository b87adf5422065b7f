package schema_test

import (
	"context"
	"testing"

	"github.com/beaconhq/beacon/internal/log"
	"github.com/beaconhq/beacon/internal/schema"
	"github.com/beaconhq/beacon/internal/testutil"
)

// TestInitializeIdempotent runs Initialize repeatedly against the same
// database and verifies every run succeeds and the objects survive.
func TestInitializeIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	db, cleanup := testutil.SetupTestDB(t) // first Initialize happens here
	defer cleanup()

	ctx := context.Background()
	init := schema.New(db.Client, log.NewNop())
	for i := 0; i < 3; i++ {
		if err := init.Initialize(ctx); err != nil {
			t.Fatalf("Initialize run %d: %v", i+2, err)
		}
	}

	tables := []string{
		"users", "sessions", "businesses", "documents",
		"document_chunks", "memories", "notifications", "business_credentials",
	}
	for _, table := range tables {
		var exists bool
		err := db.Client.QueryRow(ctx,
			`SELECT EXISTS (
				SELECT 1 FROM information_schema.tables
				WHERE table_schema = 'public' AND table_name = $1
			)`, table).Scan(&exists)
		if err != nil {
			t.Fatalf("checking table %s: %v", table, err)
		}
		if !exists {
			t.Errorf("table %s missing after initialization", table)
		}
	}

	// The vector extension must be present for similarity search.
	var hasVector bool
	err := db.Client.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'vector')`,
	).Scan(&hasVector)
	if err != nil {
		t.Fatalf("checking vector extension: %v", err)
	}
	if !hasVector {
		t.Error("vector extension not installed")
	}
}

func TestInitializeAddsForeignKeys(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	for _, name := range []string{
		"fk_sessions_user",
		"fk_businesses_user",
		"fk_document_chunks_document",
		"fk_memories_business",
		"fk_notifications_user",
		"fk_business_credentials_business",
	} {
		var exists bool
		err := db.Client.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = $1)`,
			name).Scan(&exists)
		if err != nil {
			t.Fatalf("checking constraint %s: %v", name, err)
		}
		if !exists {
			t.Errorf("constraint %s missing", name)
		}
	}
}
