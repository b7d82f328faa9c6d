package chat

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"

	chatmodel "github.com/zhouzirui/ragdesk/internal/model/chat"
	"github.com/zhouzirui/ragdesk/internal/model/session"
	"github.com/zhouzirui/ragdesk/internal/orchestrator"
	chatservice "github.com/zhouzirui/ragdesk/internal/service/chat"
	"github.com/zhouzirui/ragdesk/pkg/utils"
)

// App 对话处理器依赖的客户端能力
type App interface {
	Submit(ctx context.Context, question string) (<-chan chatmodel.Turn, error)
	State() orchestrator.State
	Messages() []*schema.Message
}

// Handler 对话的HTTP处理器
type Handler struct {
	app App
}

// New 创建对话处理器
func New(app App) *Handler {
	return &Handler{app: app}
}

// RegisterRoutes 注册对话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/conversation", h.handleTranscript)
	r.Get("/conversation/messages", h.handleMessages)
	r.Post("/conversation/questions", h.handleAsk)
}

type transcriptResponse struct {
	Turns       []chatmodel.Turn `json:"turns"`
	Pending     bool             `json:"pending"`
	Suggestions []string         `json:"suggestions,omitempty"`
}

// handleTranscript 返回当前对话
func (h *Handler) handleTranscript(w http.ResponseWriter, _ *http.Request) {
	st := h.app.State()
	if !st.Session.Authenticated() {
		utils.RespondError(w, http.StatusUnauthorized, session.ErrNotAuthenticated.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, transcriptResponse{
		Turns:       st.Turns,
		Pending:     st.Pending,
		Suggestions: st.Suggestions,
	})
}

// handleMessages 以 eino 消息格式导出对话
func (h *Handler) handleMessages(w http.ResponseWriter, _ *http.Request) {
	if !h.app.State().Session.Authenticated() {
		utils.RespondError(w, http.StatusUnauthorized, session.ErrNotAuthenticated.Error())
		return
	}
	messages := h.app.Messages()
	if messages == nil {
		messages = []*schema.Message{}
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// handleAsk 提交问题；默认立即返回 202，wait=true 时等待回答
func (h *Handler) handleAsk(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Question string `json:"question"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))

	// 回答在请求结束后才可能到达，不能随请求取消
	reply, err := h.app.Submit(context.WithoutCancel(r.Context()), payload.Question)
	if err != nil {
		switch {
		case errors.Is(err, chatservice.ErrEmptyQuestion):
			utils.RespondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, chatservice.ErrQuestionPending):
			utils.RespondError(w, http.StatusConflict, err.Error())
		case errors.Is(err, session.ErrNotAuthenticated):
			utils.RespondError(w, http.StatusUnauthorized, err.Error())
		default:
			utils.RespondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	if !wait {
		utils.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
		return
	}

	select {
	case turn, ok := <-reply:
		if !ok {
			utils.RespondError(w, http.StatusConflict, chatservice.ErrConversationReset.Error())
			return
		}
		utils.RespondJSON(w, http.StatusOK, turn)
	case <-r.Context().Done():
	}
}
