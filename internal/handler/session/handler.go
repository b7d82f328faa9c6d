package session

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	sessionmodel "github.com/zhouzirui/ragdesk/internal/model/session"
	"github.com/zhouzirui/ragdesk/internal/orchestrator"
	sessionservice "github.com/zhouzirui/ragdesk/internal/service/session"
	"github.com/zhouzirui/ragdesk/pkg/utils"
)

// App 会话处理器依赖的客户端能力
type App interface {
	Login(ctx context.Context, username, password string) (sessionmodel.Session, error)
	Logout()
	State() orchestrator.State
}

// Handler 会话与状态的HTTP处理器
type Handler struct {
	app      App
	validate *validator.Validate
}

// New 创建会话处理器
func New(app App) *Handler {
	return &Handler{
		app:      app,
		validate: validator.New(),
	}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/session", h.handleLogin)
	r.Delete("/session", h.handleLogout)
	r.Get("/state", h.handleState)
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// handleLogin 登录并加载文档列表
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var payload loginRequest
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	current, err := h.app.Login(r.Context(), payload.Username, payload.Password)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, sessionservice.ErrInvalidCredentials) {
			status = http.StatusUnauthorized
		}
		utils.RespondError(w, status, sessionservice.FailureMessage(err))
		return
	}

	utils.RespondJSON(w, http.StatusOK, current)
}

// handleLogout 退出登录
func (h *Handler) handleLogout(w http.ResponseWriter, _ *http.Request) {
	h.app.Logout()
	w.WriteHeader(http.StatusNoContent)
}

// handleState 返回完整状态快照
func (h *Handler) handleState(w http.ResponseWriter, _ *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.app.State())
}
