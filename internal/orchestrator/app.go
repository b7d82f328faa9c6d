// Package orchestrator wires the session, document and conversation stores
// around one backend client.
package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/zhouzirui/ragdesk/internal/backend"
	"github.com/zhouzirui/ragdesk/internal/config"
	"github.com/zhouzirui/ragdesk/internal/events"
	chatmodel "github.com/zhouzirui/ragdesk/internal/model/chat"
	docmodel "github.com/zhouzirui/ragdesk/internal/model/document"
	sessionmodel "github.com/zhouzirui/ragdesk/internal/model/session"
	"github.com/zhouzirui/ragdesk/internal/service/chat"
	"github.com/zhouzirui/ragdesk/internal/service/document"
	"github.com/zhouzirui/ragdesk/internal/service/session"
)

// ErrUploadInProgress is returned when a batch is submitted while another
// is still outstanding.
var ErrUploadInProgress = errors.New("an upload is already in progress")

// Options configures New.
type Options struct {
	Config     *config.Config
	Logger     *zap.Logger
	HTTPClient *http.Client
}

// State is a snapshot of everything a UI renders.
type State struct {
	Session     sessionmodel.Session `json:"session"`
	Documents   []docmodel.Document  `json:"documents"`
	Uploading   bool                 `json:"uploading"`
	Turns       []chatmodel.Turn     `json:"turns"`
	Pending     bool                 `json:"pending"`
	Suggestions []string             `json:"suggestions,omitempty"`
}

// App is the composition root of the client.
type App struct {
	cfg      *config.Config
	log      *zap.Logger
	client   *backend.Client
	bus      *events.Bus
	session  *session.Store
	docs     *document.Store
	chat     *chat.Controller
	uploadMu sync.Mutex
}

// New builds the backend client and every store.
func New(opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.Load()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	clientOpts := []backend.Option{
		backend.WithLogger(log.Named("backend")),
	}
	if opts.HTTPClient != nil {
		clientOpts = append(clientOpts, backend.WithHTTPClient(opts.HTTPClient))
	}
	clientOpts = append(clientOpts, backend.WithTimeout(cfg.Backend.Timeout))
	client := backend.NewClient(cfg.Backend.BaseURL, clientOpts...)

	bus := events.NewBus(log.Named("events"))
	sessions := session.NewStore(client, bus, log.Named("session"))
	conversation := chat.NewController(client, sessions, bus, log.Named("chat"))
	docs := document.NewStore(client, sessions, conversation, bus, log.Named("documents"))
	// 401 后清掉上一个用户的文档和对话
	sessions.OnInvalidate(func() {
		docs.Reset()
		conversation.Reset()
	})

	return &App{
		cfg:     cfg,
		log:     log,
		client:  client,
		bus:     bus,
		session: sessions,
		docs:    docs,
		chat:    conversation,
	}, nil
}

// Login authenticates and loads the document list. A failed initial
// refresh is logged; the login itself still succeeded.
func (a *App) Login(ctx context.Context, username, password string) (sessionmodel.Session, error) {
	current, err := a.session.Login(ctx, username, password)
	if err != nil {
		return current, err
	}
	if _, err := a.docs.Refresh(ctx); err != nil {
		a.log.Warn("initial document refresh failed", zap.Error(err))
	}
	return current, nil
}

// Logout drops the session along with documents and conversation.
func (a *App) Logout() {
	a.session.Logout()
	a.docs.Reset()
	a.chat.Reset()
}

func (a *App) Refresh(ctx context.Context) ([]docmodel.Document, error) {
	return a.docs.Refresh(ctx)
}

// Upload sends one batch. Only one batch may be outstanding at a time.
func (a *App) Upload(ctx context.Context, files []docmodel.FileBlob) error {
	if !a.uploadMu.TryLock() {
		return ErrUploadInProgress
	}
	defer a.uploadMu.Unlock()
	return a.docs.Upload(ctx, files)
}

func (a *App) Delete(ctx context.Context, name string) error {
	return a.docs.Delete(ctx, name)
}

func (a *App) ClearAll(ctx context.Context) error {
	return a.docs.ClearAll(ctx)
}

func (a *App) Submit(ctx context.Context, question string) (<-chan chatmodel.Turn, error) {
	return a.chat.Submit(ctx, question)
}

func (a *App) Ask(ctx context.Context, question string) (chatmodel.Turn, error) {
	return a.chat.Ask(ctx, question)
}

// Messages exports the transcript as eino messages.
func (a *App) Messages() []*schema.Message {
	return a.chat.Messages()
}

// Session returns the current session.
func (a *App) Session() sessionmodel.Session {
	return a.session.Current()
}

// State returns a copy of the client state. Documents with the uploading
// flag, and turns with the pending flag, are each read under one lock.
func (a *App) State() State {
	st := State{Session: a.session.Current()}
	st.Documents, st.Uploading = a.docs.Snapshot()
	st.Turns, st.Pending = a.chat.Snapshot()
	if st.Session.Authenticated() && len(st.Turns) == 0 {
		st.Suggestions = append([]string(nil), chatmodel.Suggestions...)
	}
	return st
}

// Events exposes the bus carrying every state change.
func (a *App) Events() *events.Bus {
	return a.bus
}

// AllowedExtensions returns the upload allow-list.
func (a *App) AllowedExtensions() []string {
	return append([]string(nil), a.cfg.Upload.Extensions...)
}

// BackendURL returns the backend address in use.
func (a *App) BackendURL() string {
	return a.client.BaseURL()
}
