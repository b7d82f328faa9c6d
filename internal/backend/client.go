// Package backend provides an HTTP client for the RAG backend API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/ragdesk/internal/model/chat"
	"github.com/zhouzirui/ragdesk/internal/model/document"
)

// RequestIDHeader carries a per-request identifier to the backend.
const RequestIDHeader = "X-Request-ID"

// Client is an HTTP client for the RAG backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout bounds every request. Zero keeps the transport defaults.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d <= 0 {
			return
		}
		hc := *c.httpClient
		hc.Timeout = d
		c.httpClient = &hc
	}
}

// WithLogger sets the logger used for request tracing.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// NewClient creates a new backend client.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{},
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured backend address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// LoginRequest is the body of POST /login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is the success body of POST /login.
type LoginResponse struct {
	Success  bool   `json:"success"`
	Username string `json:"username"`
}

// ListDocumentsResponse is the body of GET /documents.
type ListDocumentsResponse struct {
	Documents []document.Document `json:"documents"`
}

// DeleteRequest is the body of POST /delete.
type DeleteRequest struct {
	DocName string `json:"doc_name"`
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Question    string              `json:"question"`
	ChatHistory []chat.HistoryEntry `json:"chat_history"`
}

// ChatResponse is the success body of POST /chat.
type ChatResponse struct {
	Answer  *string  `json:"answer"`
	Sources []string `json:"sources"`
}

// errorResponse covers both {"error": ...} and FastAPI's {"detail": ...}.
type errorResponse struct {
	Error  string          `json:"error"`
	Detail json.RawMessage `json:"detail"`
}

// Login calls POST /login.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResponse, error) {
	var resp LoginResponse
	if err := c.doJSON(ctx, "login", http.MethodPost, "/login", &LoginRequest{Username: username, Password: password}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListDocuments calls GET /documents.
func (c *Client) ListDocuments(ctx context.Context) ([]document.Document, error) {
	var resp ListDocumentsResponse
	if err := c.do(ctx, "list documents", http.MethodGet, "/documents", nil, "", &resp); err != nil {
		return nil, err
	}
	if resp.Documents == nil {
		return []document.Document{}, nil
	}
	return resp.Documents, nil
}

// UploadDocuments calls POST /upload with every file in one multipart batch.
func (c *Client) UploadDocuments(ctx context.Context, files []document.FileBlob) error {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for _, file := range files {
		part, err := writer.CreateFormFile("files", file.Name)
		if err != nil {
			return fmt.Errorf("upload documents: create form file %s: %w", file.Name, err)
		}
		if _, err := part.Write(file.Data); err != nil {
			return fmt.Errorf("upload documents: write form file %s: %w", file.Name, err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("upload documents: close multipart writer: %w", err)
	}

	return c.do(ctx, "upload documents", http.MethodPost, "/upload", body, writer.FormDataContentType(), nil)
}

// DeleteDocument calls POST /delete.
func (c *Client) DeleteDocument(ctx context.Context, name string) error {
	return c.doJSON(ctx, "delete document", http.MethodPost, "/delete", &DeleteRequest{DocName: name}, nil)
}

// ClearKnowledgeBase calls DELETE /clear.
func (c *Client) ClearKnowledgeBase(ctx context.Context) error {
	return c.do(ctx, "clear knowledge base", http.MethodDelete, "/clear", nil, "", nil)
}

// Chat calls POST /chat. A 2xx body without an answer is a DecodeError.
func (c *Client) Chat(ctx context.Context, question string, history []chat.HistoryEntry) (*ChatResponse, error) {
	if history == nil {
		history = []chat.HistoryEntry{}
	}

	var resp ChatResponse
	if err := c.doJSON(ctx, "chat", http.MethodPost, "/chat", &ChatRequest{Question: question, ChatHistory: history}, &resp); err != nil {
		return nil, err
	}
	if resp.Answer == nil {
		return nil, &DecodeError{Op: "chat", Err: fmt.Errorf("response has no answer")}
	}
	if resp.Sources == nil {
		resp.Sources = []string{}
	}
	return &resp, nil
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", op, err)
	}
	return c.do(ctx, op, method, path, bytes.NewReader(body), "application/json", out)
}

func (c *Client) do(ctx context.Context, op, method, path string, body io.Reader, contentType string, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	requestID := uuid.NewString()
	httpReq.Header.Set(RequestIDHeader, requestID)

	started := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.log.Debug("backend request failed",
			zap.String("op", op), zap.String("request_id", requestID), zap.Error(err))
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	c.log.Debug("backend request completed",
		zap.String("op", op),
		zap.String("request_id", requestID),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(started)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &DecodeError{Op: op, Err: err}
	}
	return nil
}

func errorMessage(body []byte) string {
	var errResp errorResponse
	if json.Unmarshal(body, &errResp) == nil {
		if errResp.Error != "" {
			return errResp.Error
		}
		if len(errResp.Detail) > 0 {
			var detail string
			if json.Unmarshal(errResp.Detail, &detail) == nil {
				return detail
			}
			return string(errResp.Detail)
		}
	}
	return strings.TrimSpace(string(body))
}
