package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"droppack/internal/repository"

	"github.com/go-chi/chi/v5"
)

// ProjectHandler 提供已发布项目的读取端点。
type ProjectHandler struct {
	projects repository.ProjectRepository
	meta     repository.FileMetadataRepository
	logger   *log.Logger
}

func NewProjectHandler(projects repository.ProjectRepository, meta repository.FileMetadataRepository, logger *log.Logger) *ProjectHandler {
	return &ProjectHandler{projects: projects, meta: meta, logger: logger}
}

func (h *ProjectHandler) RegisterRoutes(r chi.Router) {
	r.Get("/projects/{slug}", h.GetProject)
}

type projectResponse struct {
	Project *repository.ProjectRecord       `json:"project"`
	Files   []repository.FileMetadataRecord `json:"files"`
}

// GetProject 返回项目记录与文件列表，并累加浏览计数。
func (h *ProjectHandler) GetProject(w http.ResponseWriter, r *http.Request) {
	if h == nil {
		writeError(w, http.StatusInternalServerError, "handler not initialized")
		return
	}

	slug := chi.URLParam(r, "slug")
	project, err := h.projects.GetBySlug(r.Context(), slug)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
		h.logger.Printf("get project %s: %v", slug, err)
		writeError(w, http.StatusInternalServerError, "failed to load project")
		return
	}

	if project.ExpiresAt != nil && project.ExpiresAt.Before(time.Now()) {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}

	fileRecords, err := h.meta.ListByProject(r.Context(), slug)
	if err != nil {
		h.logger.Printf("list project files %s: %v", slug, err)
		writeError(w, http.StatusInternalServerError, "failed to load project files")
		return
	}

	// 计数即发即忘
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.projects.IncrementViews(ctx, slug); err != nil {
			h.logger.Printf("increment views %s: %v", slug, err)
		}
	}()

	writeJSON(w, http.StatusOK, envelope{Data: projectResponse{Project: project, Files: fileRecords}})
}
