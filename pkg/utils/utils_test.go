package utils

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSendSSEEvent(t *testing.T) {
	rec := httptest.NewRecorder()
	SetupSSEHeaders(rec)

	if err := SendSSEEvent(rec, rec, "documents", map[string]int{"count": 2}); err != nil {
		t.Fatalf("SendSSEEvent err: %v", err)
	}

	if got := rec.Body.String(); got != "event: documents\ndata: {\"count\":2}\n\n" {
		t.Fatalf("unexpected frame %q", got)
	}
	if rec.Header().Get("Content-Type") != "text/event-stream" {
		t.Fatal("missing event-stream content type")
	}
	if !rec.Flushed {
		t.Fatal("expected flush")
	}
}

func TestSendSSEComment(t *testing.T) {
	rec := httptest.NewRecorder()
	if err := SendSSEComment(rec, rec, "heartbeat"); err != nil {
		t.Fatalf("SendSSEComment err: %v", err)
	}
	if rec.Body.String() != ": heartbeat\n\n" {
		t.Fatalf("unexpected frame %q", rec.Body.String())
	}
}

func TestRespondError(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, http.StatusConflict, "busy")

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"error":"busy"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"question":"q","extra":1}`))
	var out struct {
		Question string `json:"question"`
	}
	if err := DecodeJSON(req, &out); err == nil {
		t.Fatal("expected error for unknown field")
	}
}
