package main

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/ragdesk/internal/backend"
	"github.com/zhouzirui/ragdesk/internal/backend/backendtest"
	"github.com/zhouzirui/ragdesk/internal/config"
	docmodel "github.com/zhouzirui/ragdesk/internal/model/document"
	"github.com/zhouzirui/ragdesk/internal/orchestrator"
	sessionservice "github.com/zhouzirui/ragdesk/internal/service/session"
)

func newTestREPL(t *testing.T, input string) (*REPL, *bytes.Buffer, *orchestrator.App, *backendtest.Server) {
	t.Helper()
	color.NoColor = true

	srv := backendtest.New(t)
	app, err := orchestrator.New(orchestrator.Options{
		Config: &config.Config{
			Backend: config.BackendConfig{BaseURL: srv.URL},
			Upload:  config.UploadConfig{Extensions: docmodel.DefaultExtensions},
		},
	})
	require.NoError(t, err)

	var out bytes.Buffer
	repl := NewREPL(app, strings.NewReader(input), &out)
	repl.readFile = func(path string) ([]byte, error) {
		if strings.Contains(path, "missing") {
			return nil, os.ErrNotExist
		}
		return []byte("content of " + path), nil
	}
	return repl, &out, app, srv
}

func TestSessionScript(t *testing.T) {
	repl, out, app, srv := newTestREPL(t, strings.Join([]string{
		"/login admin wrong",
		"/login admin admin123",
		"/upload docs/a.pdf notes/b.txt run.sh missing.pdf",
		"Summarize",
		"/history",
		"/quit",
		"never reached",
	}, "\n"))
	srv.SetChatFunc(func(backend.ChatRequest) (string, []string) {
		return "X", []string{"a.pdf"}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, repl.Run(ctx))

	text := out.String()
	assert.Contains(t, text, sessionservice.MessageInvalidCredentials)
	assert.Contains(t, text, "Logged in as admin.")
	assert.Contains(t, text, "Try asking:")
	assert.Contains(t, text, "Skipping run.sh: unsupported file type")
	assert.Contains(t, text, "Cannot read missing.pdf")
	assert.Contains(t, text, "a.pdf")
	assert.Contains(t, text, "Sources: a.pdf")
	assert.NotContains(t, text, "never reached")

	assert.Equal(t, [][]string{{"a.pdf", "b.txt"}}, srv.Uploads())
	assert.Len(t, app.State().Turns, 2)
	assert.Len(t, app.State().Documents, 2)
}

func TestQuestionBeforeLogin(t *testing.T) {
	repl, out, _, srv := newTestREPL(t, "")

	repl.Execute(context.Background(), "hello")
	assert.Contains(t, out.String(), "Please /login first.")
	assert.Zero(t, srv.Calls(backendtest.OpChat))
}

func TestFailedAnswerIsShown(t *testing.T) {
	repl, out, _, srv := newTestREPL(t, "")
	ctx := context.Background()
	repl.Execute(ctx, "/login user user123")
	srv.SetFault(backendtest.OpChat, backendtest.Fault{Drop: true})

	repl.Execute(ctx, "hello")
	assert.Contains(t, out.String(), "Connection error. Please try again.")
}

func TestDeleteAndClearCommands(t *testing.T) {
	repl, out, app, srv := newTestREPL(t, "")
	ctx := context.Background()
	srv.SetDocuments(
		docmodel.Document{Name: "my notes.txt", ChunkCount: 2},
		docmodel.Document{Name: "b.pdf", ChunkCount: 1},
	)
	repl.Execute(ctx, "/login admin admin123")

	repl.Execute(ctx, "/delete my notes.txt")
	assert.Equal(t, []string{"my notes.txt"}, srv.Deletes())
	assert.Len(t, app.State().Documents, 1)

	repl.Execute(ctx, "/clear")
	assert.Empty(t, app.State().Documents)
	assert.Contains(t, out.String(), "Knowledge base and conversation cleared.")

	repl.Execute(ctx, "/delete")
	assert.Contains(t, out.String(), "Could not delete")
}

func TestUnknownCommandAndHelp(t *testing.T) {
	repl, out, _, _ := newTestREPL(t, "")
	ctx := context.Background()

	assert.False(t, repl.Execute(ctx, "/bogus"))
	assert.Contains(t, out.String(), "Unknown command /bogus")

	repl.Execute(ctx, "/help")
	assert.Contains(t, out.String(), ".pdf, .txt, .docx")
	assert.True(t, repl.Execute(ctx, "/exit"))
}

func TestRunStopsOnCancel(t *testing.T) {
	color.NoColor = true
	reader, writer, err := os.Pipe()
	require.NoError(t, err)
	defer writer.Close()
	defer reader.Close()

	srv := backendtest.New(t)
	app, err := orchestrator.New(orchestrator.Options{
		Config: &config.Config{Backend: config.BackendConfig{BaseURL: srv.URL}},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, NewREPL(app, reader, &bytes.Buffer{}).Run(ctx))
}

func TestExpiredSessionDuringQuestion(t *testing.T) {
	repl, out, app, srv := newTestREPL(t, "")
	ctx := context.Background()
	repl.Execute(ctx, "/login admin admin123")
	srv.SetFault(backendtest.OpChat, backendtest.Fault{Status: http.StatusUnauthorized})

	repl.Execute(ctx, "hello")
	assert.Contains(t, out.String(), "Please /login first.")
	assert.Empty(t, app.State().Turns)
}
