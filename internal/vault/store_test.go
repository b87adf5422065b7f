package vault

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/beaconhq/beacon/internal/identity"
	"github.com/beaconhq/beacon/internal/log"
	"github.com/beaconhq/beacon/internal/postgres"
	"github.com/beaconhq/beacon/internal/testutil"
)

func setupStore(t *testing.T) (*Store, *testutil.TestDB, string, func()) {
	t.Helper()
	db, cleanup := testutil.SetupTestDB(t)
	ctx := context.Background()

	ident, err := identity.New(db.Client, time.Hour, log.NewNop())
	if err != nil {
		cleanup()
		t.Fatalf("identity.New: %v", err)
	}
	user, err := ident.Register(ctx, "owner@example.com", "password123", "")
	if err != nil {
		cleanup()
		t.Fatalf("Register: %v", err)
	}
	biz, err := ident.AddBusiness(ctx, user.ID, "Acme")
	if err != nil {
		cleanup()
		t.Fatalf("AddBusiness: %v", err)
	}

	sealer, err := NewSealer("test-sealing-key")
	if err != nil {
		cleanup()
		t.Fatalf("NewSealer: %v", err)
	}
	store, err := NewStore(db.Client, sealer, log.NewNop())
	if err != nil {
		cleanup()
		t.Fatalf("NewStore: %v", err)
	}
	return store, db, biz.BusinessID, cleanup
}

func TestUpsertAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	store, db, bizID, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.Upsert(ctx, bizID, "acme-rag", "svc-user", "hunter2"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	// The row at rest never holds the plaintext.
	var blob string
	err := db.Client.QueryRow(ctx,
		`SELECT encrypted_password FROM business_credentials
		 WHERE business_id = $1 AND service_name = $2`, bizID, "acme-rag").Scan(&blob)
	if err != nil {
		t.Fatalf("reading stored blob: %v", err)
	}
	if strings.Contains(blob, "hunter2") {
		t.Error("stored blob contains plaintext password")
	}
	if !strings.HasPrefix(blob, sealedPrefix) {
		t.Errorf("stored blob %q not in sealed format", blob)
	}

	c, err := store.Get(ctx, bizID, "acme-rag")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c.Password != "hunter2" || c.Username != "svc-user" {
		t.Errorf("Get = %+v", c)
	}

	// Upsert replaces in place.
	if err := store.Upsert(ctx, bizID, "acme-rag", "svc-user", "new-password"); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}
	c, err = store.Get(ctx, bizID, "acme-rag")
	if err != nil {
		t.Fatalf("Get after replace: %v", err)
	}
	if c.Password != "new-password" {
		t.Errorf("password after replace = %q", c.Password)
	}

	if _, err := store.Get(ctx, bizID, "unknown-service"); !errors.Is(err, postgres.ErrNotFound) {
		t.Errorf("unknown service = %v, want ErrNotFound", err)
	}
}

func TestGetResealsLegacyRow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	store, db, bizID, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	// Plant a row in the legacy XOR format, as written by the previous
	// system.
	legacyBlob := store.sealer.legacySeal("old-password")
	_, err := db.Client.Exec(ctx,
		`INSERT INTO business_credentials (business_id, service_name, username, encrypted_password)
		 VALUES ($1, $2, $3, $4)`,
		bizID, "legacy-svc", "old-user", legacyBlob)
	if err != nil {
		t.Fatalf("planting legacy row: %v", err)
	}

	c, err := store.Get(ctx, bizID, "legacy-svc")
	if err != nil {
		t.Fatalf("Get legacy: %v", err)
	}
	if c.Password != "old-password" {
		t.Errorf("legacy password = %q", c.Password)
	}

	// The read upgraded the blob to the sealed format.
	var blob string
	err = db.Client.QueryRow(ctx,
		`SELECT encrypted_password FROM business_credentials WHERE id = $1`, c.ID).Scan(&blob)
	if err != nil {
		t.Fatalf("reading re-sealed blob: %v", err)
	}
	if !strings.HasPrefix(blob, sealedPrefix) {
		t.Errorf("legacy row not re-sealed: %q", blob)
	}

	// And it still opens.
	c, err = store.Get(ctx, bizID, "legacy-svc")
	if err != nil {
		t.Fatalf("Get after re-seal: %v", err)
	}
	if c.Password != "old-password" {
		t.Errorf("re-sealed password = %q", c.Password)
	}
}

func TestCredentialLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	store, _, bizID, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.Upsert(ctx, bizID, "svc-a", "user-a", "pw-a"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := store.Upsert(ctx, bizID, "svc-b", "user-b", "pw-b"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if err := store.MarkUsed(ctx, bizID, "svc-a"); err != nil {
		t.Fatalf("MarkUsed: %v", err)
	}
	if err := store.SetStatus(ctx, bizID, "svc-b", "disabled"); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if err := store.SetStatus(ctx, bizID, "svc-b", "revoked"); !errors.Is(err, postgres.ErrValidationFailed) {
		t.Errorf("bad status = %v, want ErrValidationFailed", err)
	}

	list, err := store.List(ctx, bizID)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("listed %d credentials, want 2", len(list))
	}
	for _, c := range list {
		if c.Password != "" {
			t.Errorf("List leaked password for %s", c.Service)
		}
	}
	if list[0].Service != "svc-a" || list[0].LastUsedAt == nil {
		t.Errorf("svc-a entry = %+v", list[0])
	}
	if list[1].Status != "disabled" {
		t.Errorf("svc-b status = %q", list[1].Status)
	}

	if err := store.Delete(ctx, bizID, "svc-a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(ctx, bizID, "svc-a"); !errors.Is(err, postgres.ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
}

func TestUpsertValidation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	store, _, bizID, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.Upsert(ctx, "", "svc", "user", "pw"); !errors.Is(err, postgres.ErrValidationFailed) {
		t.Errorf("empty business = %v, want ErrValidationFailed", err)
	}
	if err := store.Upsert(ctx, bizID, "", "user", "pw"); !errors.Is(err, postgres.ErrValidationFailed) {
		t.Errorf("empty service = %v, want ErrValidationFailed", err)
	}
	if err := store.Upsert(ctx, bizID, "svc", "", "pw"); !errors.Is(err, postgres.ErrValidationFailed) {
		t.Errorf("empty username = %v, want ErrValidationFailed", err)
	}
}
