package repository

import (
	"context"
	"time"
)

// OptimizationStatus 描述预览件生成的结果。
type OptimizationStatus string

const (
	OptimizationPending   OptimizationStatus = "pending"
	OptimizationCompleted OptimizationStatus = "completed"
	OptimizationFailed    OptimizationStatus = "failed"
	OptimizationSkipped   OptimizationStatus = "skipped"
)

// FileMetadataRecord 是装配完成后独立存活的文件元数据，寿命长于会话。
// 本子系统从不删除它，保留策略归别处管。
type FileMetadataRecord struct {
	ID                 string             `json:"id"`
	ProjectSlug        string             `json:"project_slug"`
	FileName           string             `json:"file_name"`
	ContentType        string             `json:"content_type"`
	SizeBytes          int64              `json:"size_bytes"`
	OriginalKey        string             `json:"original_key"`
	PreviewKey         *string            `json:"preview_key,omitempty"`
	HasPreview         bool               `json:"has_preview"`
	OptimizationStatus OptimizationStatus `json:"optimization_status"`
	PreviewContentType *string            `json:"preview_content_type,omitempty"`
	PreviewSizeBytes   *int64             `json:"preview_size_bytes,omitempty"`
	CompressionRatio   *float64           `json:"compression_ratio,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
}

// OptimizationResult 是优化管线写回元数据的一次性变更。
type OptimizationResult struct {
	Status             OptimizationStatus
	HasPreview         bool
	PreviewKey         *string
	PreviewContentType *string
	PreviewSizeBytes   *int64
	CompressionRatio   *float64
}

// FileMetadataRepository 统一文件元数据持久层接口。
type FileMetadataRepository interface {
	Create(ctx context.Context, record *FileMetadataRecord) (*FileMetadataRecord, error)
	GetByID(ctx context.Context, id string) (*FileMetadataRecord, error)
	ListByProject(ctx context.Context, projectSlug string) ([]FileMetadataRecord, error)
	SetOptimization(ctx context.Context, id string, result OptimizationResult) error
}

// ProjectRecord 是发布后的公开项目记录。
type ProjectRecord struct {
	Slug        string     `json:"slug"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Template    string     `json:"template,omitempty"`
	Author      string     `json:"author,omitempty"`
	Password    *string    `json:"-"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	ViewCount   int64      `json:"view_count"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ProjectRepository 统一项目持久层接口。
// Create 以 slug 为幂等键：记录已存在时返回存量记录而非报错。
type ProjectRepository interface {
	Create(ctx context.Context, record *ProjectRecord) (*ProjectRecord, error)
	GetBySlug(ctx context.Context, slug string) (*ProjectRecord, error)
	IncrementViews(ctx context.Context, slug string) error
}
