// Package backendtest runs an in-process fake of the RAG backend for tests.
package backendtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/ragdesk/internal/backend"
	"github.com/zhouzirui/ragdesk/internal/model/document"
)

// Operation names accepted by SetFault and Hold.
const (
	OpLogin     = "login"
	OpDocuments = "documents"
	OpUpload    = "upload"
	OpDelete    = "delete"
	OpClear     = "clear"
	OpChat      = "chat"
)

// Fault makes an operation misbehave.
type Fault struct {
	// Status answers with this HTTP status.
	Status int
	// Body replaces the response body (with Status, or 200 when Status is 0).
	Body string
	// Drop closes the connection without a response.
	Drop bool
}

// ChatFunc produces an answer for a chat request.
type ChatFunc func(req backend.ChatRequest) (answer string, sources []string)

// Gate blocks an operation until released.
type Gate struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	relOnce sync.Once
}

// Entered is closed once a request has reached the gate.
func (g *Gate) Entered() <-chan struct{} { return g.entered }

// Release lets held requests continue.
func (g *Gate) Release() { g.relOnce.Do(func() { close(g.release) }) }

// Server is a fake RAG backend with fixed users, fault injection and request capture.
type Server struct {
	*httptest.Server

	mu           sync.Mutex
	users        map[string]string
	docs         []document.Document
	faults       map[string]Fault
	gates        map[string]*Gate
	held         []*Gate
	chatFunc     ChatFunc
	chatRequests []backend.ChatRequest
	uploads      [][]string
	deletes      []string
	clears       int
	calls        map[string]int
	requestIDs   []string
}

// New starts a fake backend that is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		users: map[string]string{
			"admin": "admin123",
			"user":  "user123",
		},
		faults: make(map[string]Fault),
		gates:  make(map[string]*Gate),
		calls:  make(map[string]int),
	}
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(func() {
		s.mu.Lock()
		for _, g := range s.held {
			g.Release()
		}
		s.mu.Unlock()
		s.Server.Close()
	})
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.track)
	r.Post("/login", s.wrap(OpLogin, s.handleLogin))
	r.Get("/documents", s.wrap(OpDocuments, s.handleDocuments))
	r.Post("/upload", s.wrap(OpUpload, s.handleUpload))
	r.Post("/delete", s.wrap(OpDelete, s.handleDelete))
	r.Delete("/clear", s.wrap(OpClear, s.handleClear))
	r.Post("/chat", s.wrap(OpChat, s.handleChat))
	return r
}

func (s *Server) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requestIDs = append(s.requestIDs, r.Header.Get(backend.RequestIDHeader))
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

// wrap applies gates and faults before the real handler.
func (s *Server) wrap(op string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[op]++
		gate := s.gates[op]
		fault, faulty := s.faults[op]
		s.mu.Unlock()

		if gate != nil {
			gate.once.Do(func() { close(gate.entered) })
			select {
			case <-gate.release:
			case <-r.Context().Done():
				return
			}
		}

		if faulty {
			switch {
			case fault.Drop:
				if hj, ok := w.(http.Hijacker); ok {
					if conn, _, err := hj.Hijack(); err == nil {
						conn.Close()
						return
					}
				}
				panic(http.ErrAbortHandler)
			case fault.Status != 0 || fault.Body != "":
				status := fault.Status
				if status == 0 {
					status = http.StatusOK
				}
				body := fault.Body
				if body == "" {
					body = fmt.Sprintf(`{"detail":"injected %s failure"}`, op)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(status)
				_, _ = w.Write([]byte(body))
				return
			}
		}

		h(w, r)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req backend.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond(w, http.StatusUnprocessableEntity, map[string]string{"detail": "invalid body"})
		return
	}

	s.mu.Lock()
	password, ok := s.users[req.Username]
	s.mu.Unlock()
	if !ok || password != req.Password {
		respond(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid username or password"})
		return
	}
	respond(w, http.StatusOK, map[string]any{"success": true, "username": req.Username})
}

func (s *Server) handleDocuments(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, map[string]any{"documents": s.Documents()})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"detail": "invalid multipart form"})
		return
	}

	headers := r.MultipartForm.File["files"]
	names := make([]string, 0, len(headers))
	total := 0

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fh := range headers {
		names = append(names, fh.Filename)
		chunks := int(fh.Size/1000) + 1
		total += chunks
		found := false
		for i := range s.docs {
			if s.docs[i].Name == fh.Filename {
				s.docs[i].ChunkCount += chunks
				found = true
				break
			}
		}
		if !found {
			s.docs = append(s.docs, document.Document{Name: fh.Filename, ChunkCount: chunks})
		}
	}
	s.uploads = append(s.uploads, names)
	respond(w, http.StatusOK, map[string]any{"success": true, "total_chunks": total})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req backend.DeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond(w, http.StatusUnprocessableEntity, map[string]string{"detail": "invalid body"})
		return
	}

	s.mu.Lock()
	s.deletes = append(s.deletes, req.DocName)
	kept := s.docs[:0]
	for _, doc := range s.docs {
		if doc.Name != req.DocName {
			kept = append(kept, doc)
		}
	}
	s.docs = kept
	s.mu.Unlock()
	respond(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleClear(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	s.docs = nil
	s.clears++
	s.mu.Unlock()
	respond(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req backend.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond(w, http.StatusUnprocessableEntity, map[string]string{"detail": "invalid body"})
		return
	}

	s.mu.Lock()
	s.chatRequests = append(s.chatRequests, req)
	fn := s.chatFunc
	docs := len(s.docs)
	s.mu.Unlock()

	var answer string
	var sources []string
	switch {
	case fn != nil:
		answer, sources = fn(req)
	case docs == 0:
		answer, sources = "No documents uploaded yet.", []string{}
	default:
		answer, sources = "Answer to: "+strings.TrimSpace(req.Question), []string{}
	}
	respond(w, http.StatusOK, map[string]any{"answer": answer, "sources": sources})
}

func respond(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// SetDocuments replaces the backend's knowledge base.
func (s *Server) SetDocuments(docs ...document.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = append([]document.Document(nil), docs...)
}

// Documents returns the backend's knowledge base.
func (s *Server) Documents() []document.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]document.Document{}, s.docs...)
}

// SetFault injects a fault for op; a zero Fault clears it.
func (s *Server) SetFault(op string, f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f == (Fault{}) {
		delete(s.faults, op)
		return
	}
	s.faults[op] = f
}

// Hold blocks every request for op until the returned gate is released.
func (s *Server) Hold(op string) *Gate {
	g := &Gate{entered: make(chan struct{}), release: make(chan struct{})}
	s.mu.Lock()
	s.gates[op] = g
	s.held = append(s.held, g)
	s.mu.Unlock()
	return g
}

// Unhold removes the gate for op without releasing already held requests.
func (s *Server) Unhold(op string) {
	s.mu.Lock()
	delete(s.gates, op)
	s.mu.Unlock()
}

// SetChatFunc overrides how chat answers are produced.
func (s *Server) SetChatFunc(fn ChatFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chatFunc = fn
}

// ChatRequests returns every chat request received.
func (s *Server) ChatRequests() []backend.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]backend.ChatRequest(nil), s.chatRequests...)
}

// Uploads returns the file names of every upload batch.
func (s *Server) Uploads() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.uploads...)
}

// Deletes returns the names passed to /delete.
func (s *Server) Deletes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deletes...)
}

// Clears counts /clear calls that reached the handler.
func (s *Server) Clears() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clears
}

// Calls counts requests for op, including faulted ones.
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// RequestIDs returns the X-Request-ID of every request in arrival order.
func (s *Server) RequestIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requestIDs...)
}
