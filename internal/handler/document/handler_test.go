package document

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/ragdesk/internal/backend/backendtest"
	"github.com/zhouzirui/ragdesk/internal/config"
	docmodel "github.com/zhouzirui/ragdesk/internal/model/document"
	"github.com/zhouzirui/ragdesk/internal/orchestrator"
)

func setupRouter(t *testing.T, login bool) (*chi.Mux, *orchestrator.App, *backendtest.Server) {
	t.Helper()
	srv := backendtest.New(t)
	app, err := orchestrator.New(orchestrator.Options{
		Config: &config.Config{
			Backend: config.BackendConfig{BaseURL: srv.URL},
			Upload:  config.UploadConfig{Extensions: docmodel.DefaultExtensions},
		},
	})
	if err != nil {
		t.Fatalf("orchestrator.New err: %v", err)
	}
	if login {
		if _, err := app.Login(context.Background(), "admin", "admin123"); err != nil {
			t.Fatalf("Login err: %v", err)
		}
	}

	r := chi.NewRouter()
	New(app, nil).RegisterRoutes(r)
	return r, app, srv
}

func multipartRequest(t *testing.T, files map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		part, err := mw.CreateFormFile("files", name)
		if err != nil {
			t.Fatalf("CreateFormFile err: %v", err)
		}
		part.Write([]byte(content))
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeListing(t *testing.T, resp *httptest.ResponseRecorder) listResponse {
	t.Helper()
	var body listResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	return body
}

func TestUploadFiltersAllowList(t *testing.T) {
	r, _, srv := setupRouter(t, true)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, multipartRequest(t, map[string]string{
		"a.PDF":     "pdf",
		"notes.exe": "binary",
	}))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var body uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if len(body.Accepted) != 1 || body.Accepted[0] != "a.PDF" {
		t.Fatalf("unexpected accepted %v", body.Accepted)
	}
	if len(body.Rejected) != 1 || body.Rejected[0] != "notes.exe" {
		t.Fatalf("unexpected rejected %v", body.Rejected)
	}
	if len(body.Documents) != 1 || body.Uploading {
		t.Fatalf("unexpected listing %+v", body.listResponse)
	}
	if uploads := srv.Uploads(); len(uploads) != 1 || len(uploads[0]) != 1 {
		t.Fatalf("expected a single one-file batch, got %v", uploads)
	}
}

func TestUploadNothingAllowed(t *testing.T) {
	r, _, srv := setupRouter(t, true)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, multipartRequest(t, map[string]string{"run.sh": "#!"}))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	if srv.Calls(backendtest.OpUpload) != 0 {
		t.Fatal("backend must not be called")
	}
}

func TestUploadWhileUploading(t *testing.T) {
	r, app, srv := setupRouter(t, true)
	gate := srv.Hold(backendtest.OpUpload)

	done := make(chan error, 1)
	go func() {
		done <- app.Upload(context.Background(), []docmodel.FileBlob{{Name: "a.pdf", Data: []byte("x")}})
	}()
	<-gate.Entered()

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, multipartRequest(t, map[string]string{"b.txt": "y"}))
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.Code)
	}

	gate.Release()
	if err := <-done; err != nil {
		t.Fatalf("Upload err: %v", err)
	}
}

func TestDocumentsRequireLogin(t *testing.T) {
	r, _, _ := setupRouter(t, false)

	cases := []*http.Request{
		httptest.NewRequest(http.MethodPost, "/documents/refresh", nil),
		httptest.NewRequest(http.MethodDelete, "/documents/a.pdf", nil),
		httptest.NewRequest(http.MethodDelete, "/documents", nil),
		multipartRequest(t, map[string]string{"a.pdf": "x"}),
	}
	for _, req := range cases {
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		if resp.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected 401, got %d", req.Method, req.URL.Path, resp.Code)
		}
	}
}

func TestDeleteAndClear(t *testing.T) {
	r, app, srv := setupRouter(t, false)
	srv.SetDocuments(
		docmodel.Document{Name: "a b.pdf", ChunkCount: 3},
		docmodel.Document{Name: "c.txt", ChunkCount: 1},
	)
	if _, err := app.Login(context.Background(), "admin", "admin123"); err != nil {
		t.Fatalf("Login err: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/documents/a%20b.pdf", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if body := decodeListing(t, resp); len(body.Documents) != 1 || body.Documents[0].Name != "c.txt" {
		t.Fatalf("unexpected listing %+v", body.Documents)
	}
	if deletes := srv.Deletes(); len(deletes) != 1 || deletes[0] != "a b.pdf" {
		t.Fatalf("unexpected deletes %v", deletes)
	}

	req = httptest.NewRequest(http.MethodDelete, "/documents", nil)
	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if body := decodeListing(t, resp); len(body.Documents) != 0 {
		t.Fatalf("expected empty listing, got %+v", body.Documents)
	}
}

func TestRefreshFailure(t *testing.T) {
	r, _, srv := setupRouter(t, true)
	srv.SetFault(backendtest.OpDocuments, backendtest.Fault{Status: http.StatusInternalServerError})

	req := httptest.NewRequest(http.MethodPost, "/documents/refresh", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.Code)
	}
}
