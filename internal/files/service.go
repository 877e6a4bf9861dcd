package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"droppack/internal/analytics"
	"droppack/internal/repository"
	"droppack/internal/storage"
)

// ErrFileNotFound 覆盖两种情况：元数据不存在，或对象在存储里缺失。
// 对调用方都是 404，不是 500。
var ErrFileNotFound = errors.New("files: not found")

// ReadMode 指定取原件还是预览件。
type ReadMode string

const (
	ModePreview  ReadMode = "preview"
	ModeDownload ReadMode = "download"
)

// Content 是一次文件读取的产出，Body 由调用方负责关闭。
type Content struct {
	Body          io.ReadCloser
	ContentType   string
	Disposition   string
	ContentLength int64
	FileName      string
}

// Service 按请求模式在原件与预览件之间二选一提供文件内容。
// 文件一旦装配完成原件即不可变，读路径与写路径无须任何协调。
type Service struct {
	meta      repository.FileMetadataRepository
	blobs     storage.Reader
	analytics analytics.Sink
	logger    *log.Logger
}

func NewService(meta repository.FileMetadataRepository, blobs storage.Reader, sink analytics.Sink, logger *log.Logger) *Service {
	return &Service{meta: meta, blobs: blobs, analytics: sink, logger: logger}
}

// Read 返回文件内容流。preview 模式在预览件缺席时自动回落到原件，
// 所以优化失败的文件照常可看可下。浏览事件即发即忘。
func (s *Service) Read(ctx context.Context, fileID string, mode ReadMode) (*Content, error) {
	record, err := s.meta.GetByID(ctx, fileID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("load metadata: %w", err)
	}

	usePreview := mode == ModePreview && record.HasPreview && record.PreviewKey != nil

	key := record.OriginalKey
	contentType := record.ContentType
	disposition := fmt.Sprintf("attachment; filename=%q", record.FileName)
	length := record.SizeBytes

	if usePreview {
		key = *record.PreviewKey
		disposition = "inline"
		if record.PreviewContentType != nil {
			contentType = *record.PreviewContentType
		}
		length = -1
		if record.PreviewSizeBytes != nil {
			length = *record.PreviewSizeBytes
		}
	}

	body, err := s.blobs.Read(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("read object: %w", err)
	}

	s.recordView(record)

	return &Content{
		Body:          body,
		ContentType:   contentType,
		Disposition:   disposition,
		ContentLength: length,
		FileName:      record.FileName,
	}, nil
}

// GetMetadata 返回文件元数据。
func (s *Service) GetMetadata(ctx context.Context, fileID string) (*repository.FileMetadataRecord, error) {
	record, err := s.meta.GetByID(ctx, fileID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrFileNotFound
		}
		return nil, err
	}
	return record, nil
}

// recordView 把浏览事件丢给分析协作方，失败只记日志。
func (s *Service) recordView(record *repository.FileMetadataRecord) {
	if s.analytics == nil {
		return
	}
	fileID, slug := record.ID, record.ProjectSlug
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.analytics.RecordView(ctx, fileID, slug); err != nil {
			s.logger.Printf("record view %s: %v", fileID, err)
		}
	}()
}
