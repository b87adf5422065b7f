// Package schema creates the beacon database schema.
//
// Initialize is idempotent and safe to call concurrently from multiple
// processes: every object is created with IF NOT EXISTS inside its own
// transaction, so one failing statement (for example a foreign key
// against a table another process has not created yet) is logged and
// rolled back without blocking the remaining independent objects.
// Idempotency across processes is guaranteed at the database level, not
// by in-process locking.
package schema

import (
	"context"
	"errors"
	"fmt"

	"github.com/beaconhq/beacon/internal/log"
	"github.com/beaconhq/beacon/internal/postgres"
)

// object is one schema element created in its own transaction.
type object struct {
	name string
	sql  string
}

// objects lists every schema element in dependency order:
// extension → users → sessions/businesses → documents/memories/
// notifications/credentials → chunk and index objects.
var objects = []object{
	{"extension vector", `CREATE EXTENSION IF NOT EXISTS vector`},

	{"table users", `CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		display_name TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_login TIMESTAMPTZ
	)`},

	{"table sessions", `CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		user_id BIGINT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`},

	{"table businesses", `CREATE TABLE IF NOT EXISTS businesses (
		business_id TEXT PRIMARY KEY,
		user_id BIGINT NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		google_account_email TEXT,
		google_refresh_token TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`},

	{"table documents", `CREATE TABLE IF NOT EXISTS documents (
		id BIGSERIAL PRIMARY KEY,
		collection_name TEXT NOT NULL,
		document_id TEXT,
		content TEXT NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		embedding VECTOR(1536),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`},

	{"table document_chunks", `CREATE TABLE IF NOT EXISTS document_chunks (
		id BIGSERIAL PRIMARY KEY,
		document_id BIGINT NOT NULL,
		chunk_index INT NOT NULL,
		content TEXT NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		embedding VECTOR(1536),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`},

	{"table memories", `CREATE TABLE IF NOT EXISTS memories (
		id BIGSERIAL PRIMARY KEY,
		business_id TEXT NOT NULL,
		memory_type TEXT NOT NULL CHECK (memory_type IN ('task', 'summary', 'custom')),
		content TEXT NOT NULL,
		is_completed BOOLEAN NOT NULL DEFAULT false,
		embedding VECTOR(1536),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`},

	{"table notifications", `CREATE TABLE IF NOT EXISTS notifications (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL,
		business_id TEXT,
		message TEXT NOT NULL,
		is_read BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`},

	{"table business_credentials", `CREATE TABLE IF NOT EXISTS business_credentials (
		id BIGSERIAL PRIMARY KEY,
		business_id TEXT NOT NULL,
		service_name TEXT NOT NULL,
		username TEXT NOT NULL,
		encrypted_password TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		last_used_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (business_id, service_name)
	)`},

	{"index sessions_user_id", `CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions (user_id)`},
	{"index sessions_expires_at", `CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions (expires_at)`},
	{"index businesses_user_id", `CREATE INDEX IF NOT EXISTS idx_businesses_user_id ON businesses (user_id)`},
	{"index documents_collection", `CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents (collection_name)`},
	{"index documents_embedding", `CREATE INDEX IF NOT EXISTS idx_documents_embedding
		ON documents USING hnsw (embedding vector_cosine_ops)`},
	{"index document_chunks_document", `CREATE INDEX IF NOT EXISTS idx_document_chunks_document ON document_chunks (document_id)`},
	{"index memories_business", `CREATE INDEX IF NOT EXISTS idx_memories_business ON memories (business_id)`},
	{"index memories_embedding", `CREATE INDEX IF NOT EXISTS idx_memories_embedding
		ON memories USING hnsw (embedding vector_cosine_ops)`},
	{"index notifications_user", `CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications (user_id, is_read)`},
}

// constraint is a foreign key added in the guarded second step.
type constraint struct {
	name string
	sql  string
}

var constraints = []constraint{
	{"fk_sessions_user", `ALTER TABLE sessions ADD CONSTRAINT fk_sessions_user
		FOREIGN KEY (user_id) REFERENCES users (id) ON DELETE CASCADE`},
	{"fk_businesses_user", `ALTER TABLE businesses ADD CONSTRAINT fk_businesses_user
		FOREIGN KEY (user_id) REFERENCES users (id) ON DELETE CASCADE`},
	{"fk_document_chunks_document", `ALTER TABLE document_chunks ADD CONSTRAINT fk_document_chunks_document
		FOREIGN KEY (document_id) REFERENCES documents (id) ON DELETE CASCADE`},
	{"fk_memories_business", `ALTER TABLE memories ADD CONSTRAINT fk_memories_business
		FOREIGN KEY (business_id) REFERENCES businesses (business_id) ON DELETE CASCADE`},
	{"fk_notifications_user", `ALTER TABLE notifications ADD CONSTRAINT fk_notifications_user
		FOREIGN KEY (user_id) REFERENCES users (id) ON DELETE CASCADE`},
	{"fk_business_credentials_business", `ALTER TABLE business_credentials ADD CONSTRAINT fk_business_credentials_business
		FOREIGN KEY (business_id) REFERENCES businesses (business_id) ON DELETE CASCADE`},
}

// Initializer creates the schema through a postgres.Client.
type Initializer struct {
	client *postgres.Client
	logger log.Logger
}

// New creates an Initializer.
func New(client *postgres.Client, logger log.Logger) *Initializer {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Initializer{client: client, logger: logger}
}

// Initialize creates all schema objects. Per-object failures are logged,
// rolled back and skipped; Initialize fails only when no object could be
// created at all, which indicates the database itself is unreachable.
func (i *Initializer) Initialize(ctx context.Context) error {
	var created, failed int
	var lastErr error

	for _, obj := range objects {
		if err := i.runInTx(ctx, obj.name, obj.sql); err != nil {
			failed++
			lastErr = err
			i.logger.Warn("schema object creation failed, skipping",
				"object", obj.name, "error", err)
			continue
		}
		created++
	}

	if created == 0 && failed > 0 {
		return fmt.Errorf("schema initialization created nothing: %w", lastErr)
	}

	i.addConstraints(ctx)

	i.logger.Info("schema initialized", "objects", created, "skipped", failed)
	return nil
}

// runInTx executes one DDL statement in its own transaction.
func (i *Initializer) runInTx(ctx context.Context, name, sql string) error {
	tx, err := i.client.Begin(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				i.logger.Debug("schema transaction rollback", "object", name, "error", rbErr)
			}
		}
	}()

	if _, err := tx.Exec(ctx, sql); err != nil {
		return postgres.Classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return postgres.Classify(err)
	}
	committed = true
	return nil
}

// addConstraints adds foreign keys in a guarded step: pg_constraint is
// checked first, and duplicate_object races from concurrent initializers
// are swallowed as conflicts.
func (i *Initializer) addConstraints(ctx context.Context) {
	for _, con := range constraints {
		var exists bool
		err := i.client.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = $1)`,
			con.name).Scan(&exists)
		if err != nil {
			i.logger.Warn("constraint existence check failed", "constraint", con.name, "error", err)
			continue
		}
		if exists {
			continue
		}

		if err := i.runInTx(ctx, con.name, con.sql); err != nil {
			// Another process won the race between check and ALTER.
			if errors.Is(err, postgres.ErrSchemaConflict) {
				i.logger.Debug("constraint already present", "constraint", con.name)
				continue
			}
			i.logger.Warn("constraint creation failed, skipping",
				"constraint", con.name, "error", err)
		}
	}
}
