package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/beaconhq/beacon/internal/config"
	"github.com/beaconhq/beacon/internal/embed"
	"github.com/beaconhq/beacon/internal/identity"
	"github.com/beaconhq/beacon/internal/knowledge"
	"github.com/beaconhq/beacon/internal/log"
	"github.com/beaconhq/beacon/internal/memory"
	"github.com/beaconhq/beacon/internal/postgres"
	"github.com/beaconhq/beacon/internal/schema"
	"github.com/beaconhq/beacon/internal/vault"
)

// app holds the wired application components.
type app struct {
	Config    *config.Config
	Logger    log.Logger
	DB        *postgres.Client
	Identity  *identity.Store
	Knowledge *knowledge.Store
	Memories  *memory.Store
	Vault     *vault.Store // nil when no sealing key is configured
}

// setup loads configuration and wires the database, schema, embedder and
// stores. The database connection is allowed to fail here: the client
// keeps reconnecting in the background and requests fail with 503 until
// it recovers.
func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logger := newLogger(cfg.Env)

	// The schema initializer runs on every successful connection, so a
	// database that was unreachable at startup still gets its schema when
	// the background reconnect lands. Initialize is idempotent.
	var db *postgres.Client
	db = postgres.New(postgres.Config{
		DSN:                  cfg.ResolveDSN(),
		FallbackDSNs:         cfg.FallbackDSNs(),
		MinConns:             cfg.PoolMinConns,
		MaxConns:             cfg.PoolMaxConns,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		OnConnect: func(ctx context.Context) {
			if err := schema.New(db, logger).Initialize(ctx); err != nil {
				logger.Error("schema initialization failed", "error", err)
			}
		},
	}, logger)

	if err := db.Connect(ctx); err != nil {
		logger.Warn("database unavailable at startup, reconnecting in background", "error", err)
	}

	embedder, err := embed.NewEmbedder(ctx, cfg)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing embedder: %w", err)
	}

	identityStore, err := identity.New(db, cfg.SessionTTL, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	knowledgeStore, err := knowledge.New(db, embedder, cfg.EmbedderDimensions, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	memoryStore, err := memory.New(db, embedder, cfg.EmbedderDimensions, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	var vaultStore *vault.Store
	if cfg.EncryptionKey != "" {
		sealer, err := vault.NewSealer(cfg.EncryptionKey)
		if err != nil {
			db.Close()
			return nil, err
		}
		vaultStore, err = vault.NewStore(db, sealer, logger)
		if err != nil {
			db.Close()
			return nil, err
		}
	} else {
		logger.Warn("no encryption key configured, credential vault disabled")
	}

	return &app{
		Config:    cfg,
		Logger:    logger,
		DB:        db,
		Identity:  identityStore,
		Knowledge: knowledgeStore,
		Memories:  memoryStore,
		Vault:     vaultStore,
	}, nil
}

// Close releases the application's resources.
func (a *app) Close() {
	a.DB.Close()
}

// newLogger builds the process logger from the deployment environment.
func newLogger(env string) log.Logger {
	cfg := log.Config{Level: slog.LevelInfo}
	if env == config.EnvProduction {
		cfg.JSON = true
	} else {
		cfg.Level = slog.LevelDebug
	}
	return log.New(cfg)
}
