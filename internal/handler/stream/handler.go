package stream

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/ragdesk/internal/events"
	"github.com/zhouzirui/ragdesk/internal/orchestrator"
	"github.com/zhouzirui/ragdesk/pkg/utils"
)

const (
	defaultHeartbeat = 15 * time.Second
	subscriberBuffer = 64
)

// App is what the event streams read from.
type App interface {
	State() orchestrator.State
	Events() *events.Bus
}

// Handler streams state changes over Server-Sent Events.
type Handler struct {
	app       App
	log       *zap.Logger
	heartbeat time.Duration
}

// New creates a stream handler.
func New(app App, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{app: app, log: log, heartbeat: defaultHeartbeat}
}

// RegisterRoutes mounts GET /events.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/events", h.handleEvents)
}

// handleEvents sends a "state" snapshot, then every event as it happens.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := h.app.Events().Subscribe(subscriberBuffer)
	defer sub.Close()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	h.log.Debug("event stream opened", zap.String("subscriber", sub.ID))
	defer h.log.Debug("event stream closed", zap.String("subscriber", sub.ID))

	if err := utils.SendSSEEvent(w, flusher, "state", h.app.State()); err != nil {
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			if err := utils.SendSSEEvent(w, flusher, string(evt.Type), evt); err != nil {
				return
			}
		case t := <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "heartbeat "+t.UTC().Format(time.RFC3339)); err != nil {
				return
			}
		}
	}
}
