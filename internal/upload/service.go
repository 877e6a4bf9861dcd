package upload

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"droppack/internal/optimize"
	"droppack/internal/repository"
	"droppack/internal/session"
	"droppack/internal/storage"
	"droppack/internal/usage"

	"github.com/google/uuid"
)

// Optimizer 是装配完成后移交预览任务的出口。
type Optimizer interface {
	Enqueue(job optimize.Job)
}

// Config 是上传管线的运行参数。
type Config struct {
	ChunkSize            int64
	MaxFileSize          int64
	MaxFiles             int
	Progressive          bool
	ProgressiveThreshold float64
	PublicBaseURL        string
}

// Service 驱动完整的分块上传管线：建会话、收分块、装配、发布。
type Service struct {
	sessions  session.Store
	blobs     storage.Storage
	meta      repository.FileMetadataRepository
	projects  repository.ProjectRepository
	optimizer Optimizer
	gate      usage.Gate
	logger    *log.Logger
	cfg       Config
}

func NewService(
	sessions session.Store,
	blobs storage.Storage,
	meta repository.FileMetadataRepository,
	projects repository.ProjectRepository,
	optimizer Optimizer,
	gate usage.Gate,
	logger *log.Logger,
	cfg Config,
) *Service {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 10 * 1024 * 1024
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = 50
	}
	if cfg.ProgressiveThreshold <= 0 || cfg.ProgressiveThreshold > 1 {
		cfg.ProgressiveThreshold = 0.5
	}
	if gate == nil {
		gate = usage.AllowAll{}
	}
	return &Service{
		sessions:  sessions,
		blobs:     blobs,
		meta:      meta,
		projects:  projects,
		optimizer: optimizer,
		gate:      gate,
		logger:    logger,
		cfg:       cfg,
	}
}

// InitFileInput 描述会话创建时申报的单个文件。
type InitFileInput struct {
	FileName    string
	FileSize    int64
	ContentType string
}

// InitSessionInput 描述会话创建请求。
type InitSessionInput struct {
	Owner    string
	Files    []InitFileInput
	Metadata session.ProjectMetadata
}

// InitSession 校验申报、咨询用量闸门，然后落一条带 TTL 的会话记录。
func (s *Service) InitSession(ctx context.Context, input InitSessionInput) (*session.UploadSession, error) {
	if len(input.Files) == 0 {
		return nil, ErrNoFiles
	}
	if len(input.Files) > s.cfg.MaxFiles {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyFiles, len(input.Files), s.cfg.MaxFiles)
	}

	var totalBytes int64
	for _, f := range input.Files {
		if f.FileName == "" {
			return nil, fmt.Errorf("%w: file name is required", ErrNoFiles)
		}
		if f.FileSize <= 0 {
			return nil, fmt.Errorf("%w: %q declared %d bytes", ErrInvalidFileSize, f.FileName, f.FileSize)
		}
		if s.cfg.MaxFileSize > 0 && f.FileSize > s.cfg.MaxFileSize {
			return nil, fmt.Errorf("%w: %q is %d bytes", ErrFileTooLarge, f.FileName, f.FileSize)
		}
		totalBytes += f.FileSize
	}

	allowed, err := s.gate.CheckLimit(ctx, input.Owner, "upload", totalBytes)
	if err != nil {
		return nil, fmt.Errorf("usage gate: %w", err)
	}
	if !allowed {
		return nil, ErrLimitExceeded
	}

	sessionID := uuid.NewString()
	slug := newSlug()

	files := make([]session.FileUpload, 0, len(input.Files))
	for _, f := range input.Files {
		fileID := uuid.NewString()
		contentType := f.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		files = append(files, session.FileUpload{
			ID:          fileID,
			FileName:    f.FileName,
			FileSize:    f.FileSize,
			ContentType: contentType,
			ChunkSize:   s.cfg.ChunkSize,
			TotalChunks: session.TotalChunksFor(f.FileSize, s.cfg.ChunkSize),
			OriginalKey: storage.OriginalKey(slug, fileID),
			PreviewKey:  storage.PreviewKey(slug, fileID),
			Status:      session.FileStatusPending,
		})
	}

	sess := &session.UploadSession{
		ID:          sessionID,
		ProjectSlug: slug,
		Files:       files,
		Metadata:    input.Metadata,
		Status:      session.SessionStatusInitialized,
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	// 过期时间由存储按自身 TTL 计算，返回落库后的快照
	stored, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load created session: %w", err)
	}

	s.logger.Printf("session %s created: %d files, %d bytes, slug=%s", sessionID, len(files), totalBytes, slug)
	return stored, nil
}

// GetSession 返回会话快照，状态端点直接使用。
func (s *Service) GetSession(ctx context.Context, sessionID string) (*session.UploadSession, error) {
	return s.sessions.Get(ctx, sessionID)
}

// ProjectURL 返回项目的公开访问地址。
func (s *Service) ProjectURL(slug string) string {
	base := strings.TrimRight(s.cfg.PublicBaseURL, "/")
	return base + "/projects/" + slug
}

// newSlug 从 UUID 取前 8 个十六进制字符作为短公开标识。
func newSlug() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
