package api

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"droppack/internal/files"

	"github.com/go-chi/chi/v5"
)

// FileHandler 按双质量模式对外提供文件内容。
type FileHandler struct {
	service *files.Service
	logger  *log.Logger
}

func NewFileHandler(s *files.Service, logger *log.Logger) *FileHandler {
	return &FileHandler{service: s, logger: logger}
}

func (h *FileHandler) RegisterRoutes(r chi.Router) {
	r.Route("/files", func(r chi.Router) {
		r.Get("/{id}", h.ServeFile)
		r.Get("/{id}/metadata", h.GetMetadata)
	})
}

// ServeFile 流式返回文件内容。mode=preview 取预览件（缺席时回落原件），
// mode=download 或缺省取原件。
func (h *FileHandler) ServeFile(w http.ResponseWriter, r *http.Request) {
	if h == nil {
		writeError(w, http.StatusInternalServerError, "handler not initialized")
		return
	}

	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "file id is required")
		return
	}

	mode := files.ModeDownload
	switch r.URL.Query().Get("mode") {
	case "", "download":
	case "preview":
		mode = files.ModePreview
	default:
		writeError(w, http.StatusBadRequest, "mode must be preview or download")
		return
	}

	content, err := h.service.Read(r.Context(), id, mode)
	if err != nil {
		if errors.Is(err, files.ErrFileNotFound) {
			writeError(w, http.StatusNotFound, "file not found")
			return
		}
		h.logger.Printf("serve file %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to read file")
		return
	}
	defer content.Body.Close()

	w.Header().Set("Content-Type", content.ContentType)
	w.Header().Set("Content-Disposition", content.Disposition)
	if content.ContentLength >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(content.ContentLength, 10))
	}

	if _, err := io.Copy(w, content.Body); err != nil {
		// 客户端可能已断开，无法再写入错误响应
		return
	}
}

// GetMetadata 返回单个文件的元数据。
func (h *FileHandler) GetMetadata(w http.ResponseWriter, r *http.Request) {
	if h == nil {
		writeError(w, http.StatusInternalServerError, "handler not initialized")
		return
	}

	id := chi.URLParam(r, "id")
	record, err := h.service.GetMetadata(r.Context(), id)
	if err != nil {
		if errors.Is(err, files.ErrFileNotFound) {
			writeError(w, http.StatusNotFound, "file not found")
			return
		}
		h.logger.Printf("file metadata %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to load metadata")
		return
	}

	writeJSON(w, http.StatusOK, envelope{Data: record})
}
