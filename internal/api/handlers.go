package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/beaconhq/beacon/internal/identity"
	"github.com/beaconhq/beacon/internal/knowledge"
	"github.com/beaconhq/beacon/internal/memory"
	"github.com/beaconhq/beacon/internal/postgres"
	"github.com/beaconhq/beacon/internal/vault"
)

type handlers struct {
	logger    *slog.Logger
	db        *postgres.Client
	identity  *identity.Store
	knowledge *knowledge.Store
	memories  *memory.Store
	vault     *vault.Store
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if err := h.db.TestConnection(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type userResponse struct {
	ID          int64     `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (h *handlers) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	u, err := h.identity.Register(r.Context(), req.Email, req.Password, req.DisplayName)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, userResponse{
		ID: u.ID, Email: u.Email, DisplayName: u.DisplayName, CreatedAt: u.CreatedAt,
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	User      userResponse `json:"user"`
}

func (h *handlers) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	u, err := h.identity.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	sess, err := h.identity.CreateSession(r.Context(), u.ID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     sess.SessionID,
		ExpiresAt: sess.ExpiresAt,
		User: userResponse{
			ID: u.ID, Email: u.Email, DisplayName: u.DisplayName, CreatedAt: u.CreatedAt,
		},
	})
}

func (h *handlers) logout(w http.ResponseWriter, r *http.Request) {
	if err := h.identity.DeleteSession(r.Context(), bearerToken(r)); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type businessResponse struct {
	BusinessID string    `json:"business_id"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

func toBusinessResponse(b identity.Business) businessResponse {
	return businessResponse{
		BusinessID: b.BusinessID, Name: b.Name, Status: b.Status, CreatedAt: b.CreatedAt,
	}
}

func (h *handlers) listBusinesses(w http.ResponseWriter, r *http.Request) {
	uid, _ := userID(r)
	list, err := h.identity.ListBusinessesForUser(r.Context(), uid)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	out := make([]businessResponse, 0, len(list))
	for _, b := range list {
		out = append(out, toBusinessResponse(b))
	}
	writeJSON(w, http.StatusOK, map[string]any{"businesses": out})
}

func (h *handlers) createBusiness(w http.ResponseWriter, r *http.Request) {
	uid, _ := userID(r)
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	b, err := h.identity.AddBusiness(r.Context(), uid, req.Name)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBusinessResponse(*b))
}

func (h *handlers) deleteBusiness(w http.ResponseWriter, r *http.Request) {
	b, err := h.ownedBusiness(r, r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := h.identity.SetBusinessStatus(r.Context(), b.BusinessID, identity.StatusDeleted); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ownedBusiness loads a business and verifies it belongs to the
// authenticated user. Foreign businesses look like missing ones.
func (h *handlers) ownedBusiness(r *http.Request, businessID string) (*identity.Business, error) {
	uid, _ := userID(r)
	b, err := h.identity.GetBusiness(r.Context(), businessID)
	if err != nil {
		return nil, err
	}
	if b.UserID != uid {
		return nil, fmt.Errorf("%w: business %s", postgres.ErrNotFound, businessID)
	}
	return b, nil
}

type storeDocumentsRequest struct {
	Collection string `json:"collection"`
	Documents  []struct {
		DocumentID string            `json:"document_id"`
		Content    string            `json:"content"`
		Metadata   map[string]string `json:"metadata"`
	} `json:"documents"`
}

func (h *handlers) storeDocuments(w http.ResponseWriter, r *http.Request) {
	var req storeDocumentsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	batch := make([]knowledge.Document, 0, len(req.Documents))
	for _, d := range req.Documents {
		batch = append(batch, knowledge.Document{
			DocumentID: d.DocumentID,
			Content:    d.Content,
			Metadata:   d.Metadata,
		})
	}
	ids, err := h.knowledge.StoreDocuments(r.Context(), req.Collection, batch)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"ids":       ids,
		"requested": len(req.Documents),
		"stored":    len(ids),
	})
}

type searchRequest struct {
	Collection string  `json:"collection"`
	Query      string  `json:"query"`
	Limit      int     `json:"limit"`
	Threshold  float64 `json:"threshold"`
}

type searchHit struct {
	ID         int64             `json:"id"`
	DocumentID string            `json:"document_id,omitempty"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata"`
	Similarity float64           `json:"similarity"`
}

func (h *handlers) search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	var opts []knowledge.SearchOption
	if req.Limit > 0 {
		opts = append(opts, knowledge.WithLimit(req.Limit))
	}
	if req.Threshold > 0 {
		opts = append(opts, knowledge.WithThreshold(req.Threshold))
	}
	results, err := h.knowledge.FindSimilar(r.Context(), req.Collection, req.Query, opts...)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	hits := make([]searchHit, 0, len(results))
	for _, res := range results {
		hits = append(hits, searchHit{
			ID:         res.Document.ID,
			DocumentID: res.Document.DocumentID,
			Content:    res.Document.Content,
			Metadata:   res.Document.Metadata,
			Similarity: res.Similarity,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}

type addMemoryRequest struct {
	BusinessID string `json:"business_id"`
	Type       string `json:"type"`
	Content    string `json:"content"`
}

type memoryResponse struct {
	ID          int64     `json:"id"`
	BusinessID  string    `json:"business_id"`
	Type        string    `json:"type"`
	Content     string    `json:"content"`
	IsCompleted bool      `json:"is_completed"`
	CreatedAt   time.Time `json:"created_at"`
}

func toMemoryResponse(m memory.Memory) memoryResponse {
	return memoryResponse{
		ID: m.ID, BusinessID: m.BusinessID, Type: string(m.Type),
		Content: m.Content, IsCompleted: m.IsCompleted, CreatedAt: m.CreatedAt,
	}
}

func (h *handlers) addMemory(w http.ResponseWriter, r *http.Request) {
	var req addMemoryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if _, err := h.ownedBusiness(r, req.BusinessID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	m, err := h.memories.Add(r.Context(), req.BusinessID, req.Content, memory.Type(req.Type))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMemoryResponse(*m))
}

func (h *handlers) listMemories(w http.ResponseWriter, r *http.Request) {
	businessID := r.URL.Query().Get("business_id")
	if _, err := h.ownedBusiness(r, businessID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	memType := memory.Type(r.URL.Query().Get("type"))

	list, err := h.memories.List(r.Context(), businessID, memType, limit)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	out := make([]memoryResponse, 0, len(list))
	for _, m := range list {
		out = append(out, toMemoryResponse(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": out})
}

type notificationResponse struct {
	ID         int64     `json:"id"`
	BusinessID string    `json:"business_id,omitempty"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
}

func (h *handlers) listNotifications(w http.ResponseWriter, r *http.Request) {
	uid, _ := userID(r)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := h.identity.ListUnreadNotifications(r.Context(), uid, limit)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	out := make([]notificationResponse, 0, len(list))
	for _, n := range list {
		out = append(out, notificationResponse{
			ID: n.ID, BusinessID: n.BusinessID, Message: n.Message, CreatedAt: n.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": out})
}

func (h *handlers) markNotificationRead(w http.ResponseWriter, r *http.Request) {
	uid, _ := userID(r)
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, h.logger, fmt.Errorf("%w: bad notification id", postgres.ErrValidationFailed))
		return
	}
	if err := h.identity.MarkNotificationRead(r.Context(), uid, id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type putCredentialRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *handlers) putCredential(w http.ResponseWriter, r *http.Request) {
	b, err := h.ownedBusiness(r, r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var req putCredentialRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	service := r.PathValue("service")
	if err := h.vault.Upsert(r.Context(), b.BusinessID, service, req.Username, req.Password); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type credentialResponse struct {
	Service    string     `json:"service"`
	Username   string     `json:"username"`
	Status     string     `json:"status"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (h *handlers) listCredentials(w http.ResponseWriter, r *http.Request) {
	b, err := h.ownedBusiness(r, r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	list, err := h.vault.List(r.Context(), b.BusinessID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	out := make([]credentialResponse, 0, len(list))
	for _, c := range list {
		out = append(out, credentialResponse{
			Service: c.Service, Username: c.Username, Status: c.Status,
			LastUsedAt: c.LastUsedAt, UpdatedAt: c.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"credentials": out})
}
