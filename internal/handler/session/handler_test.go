package session

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/ragdesk/internal/backend/backendtest"
	"github.com/zhouzirui/ragdesk/internal/config"
	docmodel "github.com/zhouzirui/ragdesk/internal/model/document"
	"github.com/zhouzirui/ragdesk/internal/orchestrator"
	sessionservice "github.com/zhouzirui/ragdesk/internal/service/session"
)

func setupRouter(t *testing.T) (*chi.Mux, *orchestrator.App, *backendtest.Server) {
	t.Helper()
	srv := backendtest.New(t)
	app, err := orchestrator.New(orchestrator.Options{
		Config: &config.Config{Backend: config.BackendConfig{BaseURL: srv.URL}},
	})
	if err != nil {
		t.Fatalf("orchestrator.New err: %v", err)
	}

	r := chi.NewRouter()
	New(app).RegisterRoutes(r)
	return r, app, srv
}

func login(r http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/session", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestLoginLoadsDocuments(t *testing.T) {
	r, app, srv := setupRouter(t)
	srv.SetDocuments(docmodel.Document{Name: "a.pdf", ChunkCount: 3})

	resp := login(r, `{"username":"admin","password":"admin123"}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !app.Session().Authenticated() {
		t.Fatal("expected authenticated session")
	}
	if docs := app.State().Documents; len(docs) != 1 || docs[0].Name != "a.pdf" {
		t.Fatalf("expected initial refresh, got %v", docs)
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	r, app, _ := setupRouter(t)

	resp := login(r, `{"username":"admin","password":"wrong"}`)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}

	var body map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body["error"] != sessionservice.MessageInvalidCredentials {
		t.Fatalf("unexpected error message %q", body["error"])
	}
	if app.Session().Authenticated() {
		t.Fatal("session must stay anonymous")
	}
}

func TestLoginUnreachable(t *testing.T) {
	r, _, srv := setupRouter(t)
	srv.SetFault(backendtest.OpLogin, backendtest.Fault{Drop: true})

	resp := login(r, `{"username":"admin","password":"admin123"}`)
	if resp.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.Code)
	}
}

func TestLoginMissingFields(t *testing.T) {
	r, _, srv := setupRouter(t)

	resp := login(r, `{"username":"admin"}`)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	if srv.Calls(backendtest.OpLogin) != 0 {
		t.Fatal("backend must not be called")
	}
}

func TestLogoutAndState(t *testing.T) {
	r, app, _ := setupRouter(t)
	if resp := login(r, `{"username":"user","password":"user123"}`); resp.Code != http.StatusOK {
		t.Fatalf("login failed: %d", resp.Code)
	}

	req := httptest.NewRequest(http.MethodDelete, "/session", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	if app.Session().Authenticated() {
		t.Fatal("expected anonymous session after logout")
	}

	req = httptest.NewRequest(http.MethodGet, "/state", nil)
	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	var st orchestrator.State
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if st.Session.Authenticated() || st.Session.Username != "" {
		t.Fatalf("unexpected session %+v", st.Session)
	}
}
