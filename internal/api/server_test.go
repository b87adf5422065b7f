package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/beaconhq/beacon/internal/api"
	"github.com/beaconhq/beacon/internal/identity"
	"github.com/beaconhq/beacon/internal/knowledge"
	"github.com/beaconhq/beacon/internal/log"
	"github.com/beaconhq/beacon/internal/memory"
	"github.com/beaconhq/beacon/internal/testutil"
	"github.com/beaconhq/beacon/internal/vault"
)

const dims = 1536

type testServer struct {
	srv  *httptest.Server
	mock *testutil.MockEmbedder
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	db, dbCleanup := testutil.SetupTestDB(t)

	logger := log.NewNop()
	mock := testutil.NewMockEmbedder(dims)

	ident, err := identity.New(db.Client, time.Hour, logger)
	if err != nil {
		dbCleanup()
		t.Fatalf("identity.New: %v", err)
	}
	know, err := knowledge.New(db.Client, mock, dims, logger)
	if err != nil {
		dbCleanup()
		t.Fatalf("knowledge.New: %v", err)
	}
	mems, err := memory.New(db.Client, mock, dims, logger)
	if err != nil {
		dbCleanup()
		t.Fatalf("memory.New: %v", err)
	}
	sealer, err := vault.NewSealer("test-key")
	if err != nil {
		dbCleanup()
		t.Fatalf("NewSealer: %v", err)
	}
	creds, err := vault.NewStore(db.Client, sealer, logger)
	if err != nil {
		dbCleanup()
		t.Fatalf("vault.NewStore: %v", err)
	}

	apiServer, err := api.NewServer(api.ServerConfig{
		Logger:    logger,
		DB:        db.Client,
		Identity:  ident,
		Knowledge: know,
		Memories:  mems,
		Vault:     creds,
	})
	if err != nil {
		dbCleanup()
		t.Fatalf("api.NewServer: %v", err)
	}

	srv := httptest.NewServer(apiServer.Handler())
	return &testServer{srv: srv, mock: mock}, func() {
		srv.Close()
		dbCleanup()
	}
}

// do issues a JSON request and decodes the response into out when non-nil.
func (ts *testServer) do(t *testing.T, method, path, token string, body, out any) int {
	t.Helper()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, reqBody)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := ts.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (ts *testServer) register(t *testing.T, email, password string) {
	t.Helper()
	status := ts.do(t, http.MethodPost, "/api/v1/register", "", map[string]string{
		"email": email, "password": password,
	}, nil)
	if status != http.StatusCreated {
		t.Fatalf("register returned %d", status)
	}
}

func (ts *testServer) login(t *testing.T, email, password string) string {
	t.Helper()
	var out struct {
		Token string `json:"token"`
	}
	status := ts.do(t, http.MethodPost, "/api/v1/login", "", map[string]string{
		"email": email, "password": password,
	}, &out)
	if status != http.StatusOK || out.Token == "" {
		t.Fatalf("login returned %d, token %q", status, out.Token)
	}
	return out.Token
}

func TestHealth(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ts, cleanup := newTestServer(t)
	defer cleanup()

	var out map[string]string
	if status := ts.do(t, http.MethodGet, "/healthz", "", nil, &out); status != http.StatusOK {
		t.Fatalf("healthz returned %d", status)
	}
	if out["status"] != "ok" {
		t.Errorf("health status = %q", out["status"])
	}
}

func TestAuthRequired(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ts, cleanup := newTestServer(t)
	defer cleanup()

	if status := ts.do(t, http.MethodGet, "/api/v1/businesses", "", nil, nil); status != http.StatusUnauthorized {
		t.Errorf("no token returned %d, want 401", status)
	}
	if status := ts.do(t, http.MethodGet, "/api/v1/businesses", "bogus-token", nil, nil); status != http.StatusUnauthorized {
		t.Errorf("bad token returned %d, want 401", status)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ts, cleanup := newTestServer(t)
	defer cleanup()

	ts.register(t, "alice@example.com", "s3cure-pass")
	status := ts.do(t, http.MethodPost, "/api/v1/login", "", map[string]string{
		"email": "alice@example.com", "password": "wrong",
	}, nil)
	if status != http.StatusUnauthorized {
		t.Errorf("bad login returned %d, want 401", status)
	}
}

// TestEndToEndScenario walks the whole surface: account, business,
// documents, search, memories, credentials, logout.
func TestEndToEndScenario(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ts, cleanup := newTestServer(t)
	defer cleanup()

	ts.register(t, "alice@example.com", "s3cure-pass")
	token := ts.login(t, "alice@example.com", "s3cure-pass")

	// Create a business.
	var biz struct {
		BusinessID string `json:"business_id"`
		Status     string `json:"status"`
	}
	status := ts.do(t, http.MethodPost, "/api/v1/businesses", token,
		map[string]string{"name": "Acme"}, &biz)
	if status != http.StatusCreated || biz.BusinessID == "" {
		t.Fatalf("create business returned %d, %+v", status, biz)
	}
	if biz.Status != "active" {
		t.Errorf("new business status = %q", biz.Status)
	}

	// Store documents; one poisoned item is skipped, not fatal.
	ts.mock.FailSubstr = "POISON"
	var stored struct {
		IDs       []int64 `json:"ids"`
		Requested int     `json:"requested"`
		Stored    int     `json:"stored"`
	}
	status = ts.do(t, http.MethodPost, "/api/v1/documents", token, map[string]any{
		"collection": "acme-rag",
		"documents": []map[string]any{
			{"content": "We open at 9am on weekdays."},
			{"content": "POISON entry"},
			{"content": "Parking is available behind the store."},
		},
	}, &stored)
	if status != http.StatusCreated {
		t.Fatalf("store documents returned %d", status)
	}
	if stored.Requested != 3 || stored.Stored != 2 || len(stored.IDs) != 2 {
		t.Errorf("batch result = %+v, want 2 of 3 stored", stored)
	}
	ts.mock.FailSubstr = ""

	// Search finds the exact-content match first.
	var search struct {
		Results []struct {
			Content    string  `json:"content"`
			Similarity float64 `json:"similarity"`
		} `json:"results"`
	}
	status = ts.do(t, http.MethodPost, "/api/v1/search", token, map[string]any{
		"collection": "acme-rag",
		"query":      "We open at 9am on weekdays.",
		"threshold":  0.9,
	}, &search)
	if status != http.StatusOK {
		t.Fatalf("search returned %d", status)
	}
	if len(search.Results) != 1 {
		t.Fatalf("search returned %d results, want 1 above 0.9", len(search.Results))
	}
	if search.Results[0].Similarity < 0.99 {
		t.Errorf("exact match similarity = %f", search.Results[0].Similarity)
	}

	// Memories.
	var mem struct {
		ID int64 `json:"id"`
	}
	status = ts.do(t, http.MethodPost, "/api/v1/memories", token, map[string]string{
		"business_id": biz.BusinessID,
		"type":        "task",
		"content":     "update opening hours on the website",
	}, &mem)
	if status != http.StatusCreated || mem.ID == 0 {
		t.Fatalf("add memory returned %d, %+v", status, mem)
	}
	var mems struct {
		Memories []struct {
			ID int64 `json:"id"`
		} `json:"memories"`
	}
	status = ts.do(t, http.MethodGet,
		"/api/v1/memories?business_id="+biz.BusinessID+"&type=task", token, nil, &mems)
	if status != http.StatusOK || len(mems.Memories) != 1 {
		t.Fatalf("list memories returned %d, %+v", status, mems)
	}

	// Credentials: stored sealed, listed without passwords.
	credPath := fmt.Sprintf("/api/v1/businesses/%s/credentials/acme-rag", biz.BusinessID)
	status = ts.do(t, http.MethodPut, credPath, token, map[string]string{
		"username": "svc-user", "password": "hunter2",
	}, nil)
	if status != http.StatusNoContent {
		t.Fatalf("put credential returned %d", status)
	}
	var creds struct {
		Credentials []struct {
			Service  string `json:"service"`
			Username string `json:"username"`
			Password string `json:"password"`
		} `json:"credentials"`
	}
	status = ts.do(t, http.MethodGet,
		fmt.Sprintf("/api/v1/businesses/%s/credentials", biz.BusinessID), token, nil, &creds)
	if status != http.StatusOK || len(creds.Credentials) != 1 {
		t.Fatalf("list credentials returned %d, %+v", status, creds)
	}
	if creds.Credentials[0].Password != "" {
		t.Error("credential listing leaked a password")
	}

	// Soft delete hides the business from listings.
	status = ts.do(t, http.MethodDelete, "/api/v1/businesses/"+biz.BusinessID, token, nil, nil)
	if status != http.StatusNoContent {
		t.Fatalf("delete business returned %d", status)
	}
	var list struct {
		Businesses []any `json:"businesses"`
	}
	status = ts.do(t, http.MethodGet, "/api/v1/businesses", token, nil, &list)
	if status != http.StatusOK || len(list.Businesses) != 0 {
		t.Errorf("businesses after delete = %d, %+v", status, list)
	}

	// Logout invalidates the session.
	if status := ts.do(t, http.MethodPost, "/api/v1/logout", token, nil, nil); status != http.StatusNoContent {
		t.Fatalf("logout returned %d", status)
	}
	if status := ts.do(t, http.MethodGet, "/api/v1/businesses", token, nil, nil); status != http.StatusUnauthorized {
		t.Errorf("request after logout returned %d, want 401", status)
	}
}

func TestOwnershipEnforced(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ts, cleanup := newTestServer(t)
	defer cleanup()

	ts.register(t, "alice@example.com", "s3cure-pass")
	ts.register(t, "mallory@example.com", "s3cure-pass")
	alice := ts.login(t, "alice@example.com", "s3cure-pass")
	mallory := ts.login(t, "mallory@example.com", "s3cure-pass")

	var biz struct {
		BusinessID string `json:"business_id"`
	}
	if status := ts.do(t, http.MethodPost, "/api/v1/businesses", alice,
		map[string]string{"name": "Acme"}, &biz); status != http.StatusCreated {
		t.Fatalf("create business returned %d", status)
	}

	// Another user sees a foreign business as missing.
	if status := ts.do(t, http.MethodDelete, "/api/v1/businesses/"+biz.BusinessID, mallory, nil, nil); status != http.StatusNotFound {
		t.Errorf("foreign delete returned %d, want 404", status)
	}
	if status := ts.do(t, http.MethodGet,
		"/api/v1/businesses/"+biz.BusinessID+"/credentials", mallory, nil, nil); status != http.StatusNotFound {
		t.Errorf("foreign credential list returned %d, want 404", status)
	}
	if status := ts.do(t, http.MethodPost, "/api/v1/memories", mallory, map[string]string{
		"business_id": biz.BusinessID, "type": "task", "content": "sabotage",
	}, nil); status != http.StatusNotFound {
		t.Errorf("foreign memory add returned %d, want 404", status)
	}
}

func TestInvalidJSONRejected(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ts, cleanup := newTestServer(t)
	defer cleanup()

	resp, err := http.Post(ts.srv.URL+"/api/v1/register", "application/json",
		bytes.NewBufferString(`{"email": `))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("truncated JSON returned %d, want 400", resp.StatusCode)
	}
}
