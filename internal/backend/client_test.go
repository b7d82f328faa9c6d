package backend_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/ragdesk/internal/backend"
	"github.com/zhouzirui/ragdesk/internal/backend/backendtest"
	"github.com/zhouzirui/ragdesk/internal/model/chat"
	"github.com/zhouzirui/ragdesk/internal/model/document"
)

func TestLogin(t *testing.T) {
	srv := backendtest.New(t)
	client := backend.NewClient(srv.URL + "/")
	ctx := context.Background()

	resp, err := client.Login(ctx, "admin", "admin123")
	require.NoError(t, err)
	assert.Equal(t, "admin", resp.Username)

	_, err = client.Login(ctx, "admin", "wrong")
	require.Error(t, err)
	assert.True(t, errors.Is(err, backend.ErrUnauthorized))
	assert.True(t, backend.IsStatus(err))
	assert.Contains(t, err.Error(), "Invalid username or password")
}

func TestListDocumentsEmptyIsNonNil(t *testing.T) {
	srv := backendtest.New(t)
	client := backend.NewClient(srv.URL)

	docs, err := client.ListDocuments(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, docs)
	assert.Empty(t, docs)
}

func TestUploadSendsOneBatch(t *testing.T) {
	srv := backendtest.New(t)
	client := backend.NewClient(srv.URL)
	ctx := context.Background()

	err := client.UploadDocuments(ctx, []document.FileBlob{
		{Name: "a.pdf", Data: []byte("pdf bytes")},
		{Name: "b.txt", Data: []byte("hello")},
	})
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"a.pdf", "b.txt"}}, srv.Uploads())

	docs, err := client.ListDocuments(ctx)
	require.NoError(t, err)
	assert.Equal(t, []document.Document{{Name: "a.pdf", ChunkCount: 1}, {Name: "b.txt", ChunkCount: 1}}, docs)
}

func TestDeleteAndClear(t *testing.T) {
	srv := backendtest.New(t)
	srv.SetDocuments(document.Document{Name: "a.pdf", ChunkCount: 3}, document.Document{Name: "b.txt", ChunkCount: 1})
	client := backend.NewClient(srv.URL)
	ctx := context.Background()

	require.NoError(t, client.DeleteDocument(ctx, "a.pdf"))
	assert.Equal(t, []string{"a.pdf"}, srv.Deletes())
	assert.Equal(t, []document.Document{{Name: "b.txt", ChunkCount: 1}}, srv.Documents())

	require.NoError(t, client.ClearKnowledgeBase(ctx))
	assert.Empty(t, srv.Documents())
	assert.Equal(t, 1, srv.Clears())
}

func TestChatSendsEmptyHistoryAsArray(t *testing.T) {
	srv := backendtest.New(t)
	srv.SetChatFunc(func(req backend.ChatRequest) (string, []string) {
		return "X", []string{"a.pdf"}
	})
	client := backend.NewClient(srv.URL)

	resp, err := client.Chat(context.Background(), "Summarize", nil)
	require.NoError(t, err)
	require.NotNil(t, resp.Answer)
	assert.Equal(t, "X", *resp.Answer)
	assert.Equal(t, []string{"a.pdf"}, resp.Sources)

	reqs := srv.ChatRequests()
	require.Len(t, reqs, 1)
	assert.NotNil(t, reqs[0].ChatHistory)
	assert.Empty(t, reqs[0].ChatHistory)
}

func TestChatForwardsHistory(t *testing.T) {
	srv := backendtest.New(t)
	client := backend.NewClient(srv.URL)
	history := []chat.HistoryEntry{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}}

	_, err := client.Chat(context.Background(), "next", history)
	require.NoError(t, err)
	assert.Equal(t, history, srv.ChatRequests()[0].ChatHistory)
}

func TestChatNullSourcesBecomeEmpty(t *testing.T) {
	srv := backendtest.New(t)
	srv.SetFault(backendtest.OpChat, backendtest.Fault{Body: `{"answer":"ok","sources":null}`})
	client := backend.NewClient(srv.URL)

	resp, err := client.Chat(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.NotNil(t, resp.Sources)
	assert.Empty(t, resp.Sources)
}

func TestChatMalformedResponse(t *testing.T) {
	srv := backendtest.New(t)
	client := backend.NewClient(srv.URL)
	ctx := context.Background()

	srv.SetFault(backendtest.OpChat, backendtest.Fault{Body: `not json`})
	_, err := client.Chat(ctx, "q", nil)
	var decodeErr *backend.DecodeError
	require.ErrorAs(t, err, &decodeErr)

	srv.SetFault(backendtest.OpChat, backendtest.Fault{Body: `{"sources":[]}`})
	_, err = client.Chat(ctx, "q", nil)
	require.ErrorAs(t, err, &decodeErr)
}

func TestStatusErrorCarriesCode(t *testing.T) {
	srv := backendtest.New(t)
	srv.SetFault(backendtest.OpDelete, backendtest.Fault{Status: http.StatusInternalServerError})
	client := backend.NewClient(srv.URL)

	err := client.DeleteDocument(context.Background(), "a.pdf")
	var statusErr *backend.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	assert.Equal(t, "injected delete failure", statusErr.Message)
	assert.False(t, errors.Is(err, backend.ErrUnauthorized))
}

func TestTransportErrors(t *testing.T) {
	srv := backendtest.New(t)
	srv.SetFault(backendtest.OpDocuments, backendtest.Fault{Drop: true})
	client := backend.NewClient(srv.URL)

	_, err := client.ListDocuments(context.Background())
	require.Error(t, err)
	assert.True(t, backend.IsTransport(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = client.Login(ctx, "admin", "admin123")
	assert.True(t, backend.IsTransport(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRequestsCarryRequestID(t *testing.T) {
	srv := backendtest.New(t)
	client := backend.NewClient(srv.URL)
	ctx := context.Background()

	_, _ = client.ListDocuments(ctx)
	_, _ = client.ListDocuments(ctx)

	ids := srv.RequestIDs()
	require.Len(t, ids, 2)
	assert.NotEmpty(t, ids[0])
	assert.NotEqual(t, ids[0], ids[1])
}
