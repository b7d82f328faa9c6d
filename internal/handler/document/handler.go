package document

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	docmodel "github.com/zhouzirui/ragdesk/internal/model/document"
	"github.com/zhouzirui/ragdesk/internal/model/session"
	"github.com/zhouzirui/ragdesk/internal/orchestrator"
	docservice "github.com/zhouzirui/ragdesk/internal/service/document"
	"github.com/zhouzirui/ragdesk/pkg/utils"
)

const maxUploadMemory = 32 << 20

// App 文档处理器依赖的客户端能力
type App interface {
	Refresh(ctx context.Context) ([]docmodel.Document, error)
	Upload(ctx context.Context, files []docmodel.FileBlob) error
	Delete(ctx context.Context, name string) error
	ClearAll(ctx context.Context) error
	State() orchestrator.State
	AllowedExtensions() []string
}

// Handler 文档库的HTTP处理器
type Handler struct {
	app App
	log *zap.Logger
}

// New 创建文档处理器
func New(app App, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{app: app, log: log}
}

// RegisterRoutes 注册文档相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/documents", func(dr chi.Router) {
		dr.Get("/", h.handleList)
		dr.Post("/", h.handleUpload)
		dr.Delete("/", h.handleClear)
		dr.Post("/refresh", h.handleRefresh)
		dr.Delete("/{name}", h.handleDelete)
	})
}

type listResponse struct {
	Documents []docmodel.Document `json:"documents"`
	Uploading bool                `json:"uploading"`
}

type uploadResponse struct {
	Accepted []string `json:"accepted"`
	Rejected []string `json:"rejected"`
	listResponse
}

// handleList 返回本地镜像的文档列表
func (h *Handler) handleList(w http.ResponseWriter, _ *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.listing())
}

// handleRefresh 从后端重新拉取文档列表
func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	docs, err := h.app.Refresh(r.Context())
	if err != nil {
		if errors.Is(err, session.ErrNotAuthenticated) {
			respondFailure(w, err, "")
			return
		}
		utils.RespondError(w, http.StatusBadGateway, "failed to refresh documents")
		return
	}
	utils.RespondJSON(w, http.StatusOK, listResponse{Documents: docs, Uploading: h.app.State().Uploading})
}

// handleUpload 接收 multipart 的 files 字段并整批上传
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !h.app.State().Session.Authenticated() {
		utils.RespondError(w, http.StatusUnauthorized, session.ErrNotAuthenticated.Error())
		return
	}

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		utils.RespondError(w, http.StatusBadRequest, "no files provided")
		return
	}

	files := make([]docmodel.FileBlob, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			utils.RespondError(w, http.StatusBadRequest, "failed to read upload")
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			utils.RespondError(w, http.StatusBadRequest, "failed to read upload")
			return
		}
		files = append(files, docmodel.FileBlob{Name: fh.Filename, Data: data})
	}

	accepted, rejected := docmodel.FilterAllowed(files, h.app.AllowedExtensions())
	if len(rejected) > 0 {
		h.log.Info("skipping files outside the allow-list", zap.Strings("files", rejected))
	}
	if len(accepted) == 0 {
		utils.RespondError(w, http.StatusBadRequest, "no allowed files provided")
		return
	}

	if err := h.app.Upload(r.Context(), accepted); err != nil {
		respondFailure(w, err, "upload failed")
		return
	}

	names := make([]string, 0, len(accepted))
	for _, f := range accepted {
		names = append(names, f.Name)
	}
	if rejected == nil {
		rejected = []string{}
	}
	utils.RespondJSON(w, http.StatusOK, uploadResponse{
		Accepted:     names,
		Rejected:     rejected,
		listResponse: h.listing(),
	})
}

// handleDelete 删除单个文档
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	// chi 在存在 RawPath 时按转义后的路径匹配
	if r.URL.RawPath != "" {
		unescaped, err := url.PathUnescape(name)
		if err != nil {
			utils.RespondError(w, http.StatusBadRequest, "invalid document name")
			return
		}
		name = unescaped
	}

	if err := h.app.Delete(r.Context(), name); err != nil {
		respondFailure(w, err, "delete failed")
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.listing())
}

// handleClear 清空整个知识库
func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := h.app.ClearAll(r.Context()); err != nil {
		respondFailure(w, err, "clear failed")
		return
	}
	utils.RespondJSON(w, http.StatusOK, h.listing())
}

func (h *Handler) listing() listResponse {
	st := h.app.State()
	return listResponse{Documents: st.Documents, Uploading: st.Uploading}
}

// respondFailure 将客户端错误映射为HTTP状态码
func respondFailure(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, session.ErrNotAuthenticated):
		utils.RespondError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, orchestrator.ErrUploadInProgress):
		utils.RespondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, docservice.ErrEmptyName):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	default:
		utils.RespondError(w, http.StatusInternalServerError, fallback)
	}
}
