// Package api exposes the storage layer as a JSON HTTP service.
//
// Handlers stay thin: decode, call the injected store, translate the
// result. All domain logic lives in the store packages.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/beaconhq/beacon/internal/identity"
	"github.com/beaconhq/beacon/internal/knowledge"
	"github.com/beaconhq/beacon/internal/memory"
	"github.com/beaconhq/beacon/internal/postgres"
	"github.com/beaconhq/beacon/internal/vault"
)

// ServerConfig contains the dependencies for the API server.
type ServerConfig struct {
	Logger    *slog.Logger
	DB        *postgres.Client // Required: health checks
	Identity  *identity.Store  // Required
	Knowledge *knowledge.Store // Required
	Memories  *memory.Store    // Required
	Vault     *vault.Store     // Optional: nil disables credential routes
}

// Server is the JSON API HTTP server.
type Server struct {
	handler http.Handler
}

// NewServer creates the API server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.DB == nil || cfg.Identity == nil || cfg.Knowledge == nil || cfg.Memories == nil {
		return nil, errors.New("db, identity, knowledge and memory stores are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &handlers{
		logger:    logger,
		db:        cfg.DB,
		identity:  cfg.Identity,
		knowledge: cfg.Knowledge,
		memories:  cfg.Memories,
		vault:     cfg.Vault,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.health)

	mux.HandleFunc("POST /api/v1/register", h.register)
	mux.HandleFunc("POST /api/v1/login", h.login)
	mux.HandleFunc("POST /api/v1/logout", h.authed(h.logout))

	mux.HandleFunc("GET /api/v1/businesses", h.authed(h.listBusinesses))
	mux.HandleFunc("POST /api/v1/businesses", h.authed(h.createBusiness))
	mux.HandleFunc("DELETE /api/v1/businesses/{id}", h.authed(h.deleteBusiness))

	mux.HandleFunc("POST /api/v1/documents", h.authed(h.storeDocuments))
	mux.HandleFunc("POST /api/v1/search", h.authed(h.search))

	mux.HandleFunc("POST /api/v1/memories", h.authed(h.addMemory))
	mux.HandleFunc("GET /api/v1/memories", h.authed(h.listMemories))

	mux.HandleFunc("GET /api/v1/notifications", h.authed(h.listNotifications))
	mux.HandleFunc("POST /api/v1/notifications/{id}/read", h.authed(h.markNotificationRead))

	if cfg.Vault != nil {
		mux.HandleFunc("PUT /api/v1/businesses/{id}/credentials/{service}", h.authed(h.putCredential))
		mux.HandleFunc("GET /api/v1/businesses/{id}/credentials", h.authed(h.listCredentials))
	}

	var handler http.Handler = mux
	handler = loggingMiddleware(logger)(handler)
	handler = recoveryMiddleware(logger)(handler)

	return &Server{handler: handler}, nil
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.handler }
