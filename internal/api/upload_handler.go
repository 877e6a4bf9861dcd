package api

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"droppack/internal/middleware"
	"droppack/internal/session"
	"droppack/internal/upload"

	"github.com/go-chi/chi/v5"
)

// UploadHandler 提供分块上传相关的 HTTP 端点。
type UploadHandler struct {
	service       *upload.Service
	logger        *log.Logger
	maxChunkBytes int64
}

func NewUploadHandler(s *upload.Service, logger *log.Logger, maxChunkBytes int64) *UploadHandler {
	return &UploadHandler{service: s, logger: logger, maxChunkBytes: maxChunkBytes}
}

func (h *UploadHandler) RegisterRoutes(r chi.Router) {
	r.Route("/uploads", func(r chi.Router) {
		r.Post("/", h.InitSession)
		r.Get("/{sessionID}", h.SessionStatus)
		r.Post("/{sessionID}/complete", h.Complete)
		r.Put("/{sessionID}/files/{fileID}/chunks/{index}", h.UploadChunk)
	})
}

type initSessionRequest struct {
	Files    []initFileRequest  `json:"files"`
	Metadata initMetadataFields `json:"metadata"`
}

type initFileRequest struct {
	FileName    string `json:"file_name"`
	FileSize    int64  `json:"file_size"`
	ContentType string `json:"content_type"`
}

type initMetadataFields struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Template    string     `json:"template"`
	Author      string     `json:"author"`
	Password    string     `json:"password"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

type initSessionResponse struct {
	SessionID   string             `json:"session_id"`
	ProjectSlug string             `json:"project_slug"`
	ChunkSize   int64              `json:"chunk_size"`
	ExpiresAt   time.Time          `json:"expires_at"`
	Files       []initFileResponse `json:"files"`
}

type initFileResponse struct {
	FileID      string `json:"file_id"`
	FileName    string `json:"file_name"`
	TotalChunks int    `json:"total_chunks"`
	UploadURL   string `json:"upload_url"`
}

// InitSession 创建上传会话并返回每个文件的分块上传目标。
func (h *UploadHandler) InitSession(w http.ResponseWriter, r *http.Request) {
	if h == nil {
		writeError(w, http.StatusInternalServerError, "handler not initialized")
		return
	}

	var req initSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	input := upload.InitSessionInput{
		Owner: middleware.GetOwnerID(r.Context()),
		Metadata: session.ProjectMetadata{
			Title:       req.Metadata.Title,
			Description: req.Metadata.Description,
			Template:    req.Metadata.Template,
			Author:      req.Metadata.Author,
			Password:    req.Metadata.Password,
			ExpiresAt:   req.Metadata.ExpiresAt,
		},
	}
	for _, f := range req.Files {
		input.Files = append(input.Files, upload.InitFileInput{
			FileName:    f.FileName,
			FileSize:    f.FileSize,
			ContentType: f.ContentType,
		})
	}

	sess, err := h.service.InitSession(r.Context(), input)
	if err != nil {
		switch {
		case errors.Is(err, upload.ErrLimitExceeded):
			writeError(w, http.StatusTooManyRequests, "upload limit exceeded")
		case errors.Is(err, upload.ErrNoFiles),
			errors.Is(err, upload.ErrTooManyFiles),
			errors.Is(err, upload.ErrFileTooLarge),
			errors.Is(err, upload.ErrInvalidFileSize):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.logger.Printf("init session: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to create session")
		}
		return
	}

	resp := initSessionResponse{
		SessionID:   sess.ID,
		ProjectSlug: sess.ProjectSlug,
		ChunkSize:   sess.Files[0].ChunkSize,
		ExpiresAt:   sess.ExpiresAt,
	}
	for _, f := range sess.Files {
		resp.Files = append(resp.Files, initFileResponse{
			FileID:      f.ID,
			FileName:    f.FileName,
			TotalChunks: f.TotalChunks,
			UploadURL:   fmt.Sprintf("/uploads/%s/files/%s/chunks", sess.ID, f.ID),
		})
	}

	writeJSON(w, http.StatusCreated, envelope{Data: resp})
}

// UploadChunk 接收一个分块的原始字节。
func (h *UploadHandler) UploadChunk(w http.ResponseWriter, r *http.Request) {
	if h == nil {
		writeError(w, http.StatusInternalServerError, "handler not initialized")
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	fileID := chi.URLParam(r, "fileID")
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "chunk index must be an integer")
		return
	}
	isLast := r.URL.Query().Get("last") == "true"

	if r.Body == nil {
		writeError(w, http.StatusBadRequest, "request body is empty")
		return
	}
	body := http.MaxBytesReader(w, r.Body, h.maxChunkBytes)
	defer body.Close()

	result, err := h.service.Ingest(r.Context(), sessionID, fileID, index, body, isLast)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrFileNotFound):
			writeError(w, http.StatusNotFound, "session or file not found")
		case errors.Is(err, upload.ErrInvalidChunkIndex):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			var maxBytesErr *http.MaxBytesError
			if errors.As(err, &maxBytesErr) {
				writeError(w, http.StatusRequestEntityTooLarge, "chunk exceeds size limit")
				return
			}
			// 存储层故障：分块提交幂等，客户端可安全重试同一分块
			h.logger.Printf("ingest chunk %s/%s/%d: %v", sessionID, fileID, index, err)
			writeError(w, http.StatusInternalServerError, "failed to store chunk, retry this chunk")
		}
		return
	}

	writeJSON(w, http.StatusOK, envelope{Data: result})
}

type sessionStatusResponse struct {
	SessionID string               `json:"session_id"`
	Status    session.SessionStatus `json:"status"`
	Progress  float64              `json:"progress"`
	Files     []fileStatusResponse `json:"files"`
}

type fileStatusResponse struct {
	FileID         string             `json:"file_id"`
	FileName       string             `json:"file_name"`
	Status         session.FileStatus `json:"status"`
	UploadedChunks int                `json:"uploaded_chunks"`
	TotalChunks    int                `json:"total_chunks"`
	Progress       float64            `json:"progress"`
}

// SessionStatus 返回会话与各文件的上传进度。
func (h *UploadHandler) SessionStatus(w http.ResponseWriter, r *http.Request) {
	if h == nil {
		writeError(w, http.StatusInternalServerError, "handler not initialized")
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	sess, err := h.service.GetSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		h.logger.Printf("session status %s: %v", sessionID, err)
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	resp := sessionStatusResponse{
		SessionID: sess.ID,
		Status:    sess.Status,
		Progress:  sess.Progress(),
	}
	for i := range sess.Files {
		f := &sess.Files[i]
		resp.Files = append(resp.Files, fileStatusResponse{
			FileID:         f.ID,
			FileName:       f.FileName,
			Status:         f.Status,
			UploadedChunks: f.ReceivedCount(),
			TotalChunks:    f.TotalChunks,
			Progress:       f.Progress(),
		})
	}

	writeJSON(w, http.StatusOK, envelope{Data: resp})
}

// Complete 触发项目发布。重复调用返回既有项目。
func (h *UploadHandler) Complete(w http.ResponseWriter, r *http.Request) {
	if h == nil {
		writeError(w, http.StatusInternalServerError, "handler not initialized")
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	result, err := h.service.Publish(r.Context(), sessionID)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			writeError(w, http.StatusNotFound, "session not found")
		case errors.Is(err, upload.ErrSessionIncomplete):
			writeError(w, http.StatusConflict, "session has files still uploading or failed")
		default:
			h.logger.Printf("publish %s: %v", sessionID, err)
			writeError(w, http.StatusInternalServerError, "failed to publish project")
		}
		return
	}

	writeJSON(w, http.StatusOK, envelope{Data: result})
}
