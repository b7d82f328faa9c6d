package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhouzirui/ragdesk/internal/handler/chat"
	"github.com/zhouzirui/ragdesk/internal/handler/document"
	"github.com/zhouzirui/ragdesk/internal/handler/session"
	"github.com/zhouzirui/ragdesk/internal/handler/stream"
	middlewarePkg "github.com/zhouzirui/ragdesk/internal/middleware"
	"github.com/zhouzirui/ragdesk/internal/orchestrator"
	"github.com/zhouzirui/ragdesk/pkg/utils"
)

// NewRouter wires the local gateway routes to the client.
func NewRouter(app *orchestrator.App, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.Logger(log.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"backend": app.BackendURL(),
		})
	})

	r.Route("/api", func(api chi.Router) {
		session.New(app).RegisterRoutes(api)
		document.New(app, log.Named("documents")).RegisterRoutes(api)
		chat.New(app).RegisterRoutes(api)
		stream.New(app, log.Named("sse")).RegisterRoutes(api)
	})

	stream.NewWebSocketHandler(app, log.Named("ws")).RegisterWebSocketRoutes(r)

	return r
}
