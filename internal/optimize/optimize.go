package optimize

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"droppack/internal/repository"
	"droppack/internal/session"
	"droppack/internal/storage"
)

// Job 描述一次预览件生成任务。Progressive 任务在分块尚未收齐时
// 就开始处理前缀，终态任务在装配完成后收尾。
type Job struct {
	SessionID   string
	FileID      string
	ProjectSlug string
	ContentType string
	OriginalKey string
	PreviewKey  string
	SizeBytes   int64
	ChunkSize   int64
	TotalChunks int
	Progressive bool
}

// Strategy 是按内容类型族插拔的优化策略。
// 返回的内容类型允许不同于原件（例如图像转更轻的编码）。
type Strategy interface {
	Optimize(ctx context.Context, src io.Reader, contentType string) (io.Reader, string, error)
}

// PassthroughStrategy 原样透传。真实的压缩/转码在这里替换接入。
type PassthroughStrategy struct{}

func (PassthroughStrategy) Optimize(ctx context.Context, src io.Reader, contentType string) (io.Reader, string, error) {
	return src, contentType, nil
}

// IsOptimizable 判断内容类型是否有预览件可做。
func IsOptimizable(contentType string) bool {
	return familyFor(contentType) != ""
}

func familyFor(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	switch {
	case strings.HasPrefix(ct, "image/"):
		return "image"
	case ct == "application/pdf":
		return "pdf"
	case strings.HasPrefix(ct, "video/"):
		return "video"
	default:
		return ""
	}
}

// Pipeline 在后台生成预览件。失败只降级不传播：
// 文件保持 assembled，按原件继续提供下载。
type Pipeline struct {
	blobs      storage.Storage
	meta       repository.FileMetadataRepository
	sessions   session.Store
	strategies map[string]Strategy
	jobs       chan Job
	wg         sync.WaitGroup
	closeOnce  sync.Once
	logger     *log.Logger

	// 单任务处理时限
	jobTimeout time.Duration
}

func New(blobs storage.Storage, meta repository.FileMetadataRepository, sessions session.Store, logger *log.Logger) *Pipeline {
	return &Pipeline{
		blobs:    blobs,
		meta:     meta,
		sessions: sessions,
		strategies: map[string]Strategy{
			"image": PassthroughStrategy{},
			"pdf":   PassthroughStrategy{},
			"video": PassthroughStrategy{},
		},
		jobs:       make(chan Job, 128),
		logger:     logger,
		jobTimeout: 30 * time.Minute,
	}
}

// SetStrategy 替换某个内容类型族的策略。
func (p *Pipeline) SetStrategy(family string, s Strategy) {
	p.strategies[family] = s
}

// Start 启动 workers 个后台工作协程。
func (p *Pipeline) Start(workers int) {
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Enqueue 投递任务。队列满时阻塞投递方（装配方的异步协程），
// 不会阻塞上传请求本身。
func (p *Pipeline) Enqueue(job Job) {
	p.jobs <- job
}

// Close 停止接收新任务并等待队列排空。
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		close(p.jobs)
	})
	p.wg.Wait()
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), p.jobTimeout)
		p.process(ctx, job)
		cancel()
	}
}

// process 执行单个任务。任何失败都就地消化。
func (p *Pipeline) process(ctx context.Context, job Job) {
	family := familyFor(job.ContentType)
	if family == "" {
		if err := p.meta.SetOptimization(ctx, job.FileID, repository.OptimizationResult{
			Status: repository.OptimizationSkipped,
		}); err != nil && err != repository.ErrNotFound {
			p.logger.Printf("optimize: mark skipped %s: %v", job.FileID, err)
		}
		optimizationsTotal.WithLabelValues("skipped").Inc()
		return
	}

	if job.Progressive {
		p.processProgressive(ctx, job, family)
		return
	}

	if err := p.finalize(ctx, job, family); err != nil {
		p.fail(ctx, job, err)
	}
}

// finalize 生成完整预览件并落盘元数据。
func (p *Pipeline) finalize(ctx context.Context, job Job, family string) error {
	// 渐进模式可能留有已处理的片段，先并入
	cursor, err := p.partsCursor(ctx, job)
	if err != nil {
		return err
	}

	_, _ = p.sessions.CompareAndSwapFileStatus(ctx, job.SessionID, job.FileID, session.FileStatusAssembled, session.FileStatusOptimizing)

	src, previewType, err := p.previewSource(ctx, job, family, cursor)
	if err != nil {
		return err
	}
	defer src.Close()

	counted := &countingReader{r: src}
	if _, err := p.blobs.Write(ctx, job.PreviewKey, counted); err != nil {
		return fmt.Errorf("write preview: %w", err)
	}

	previewSize := counted.n
	var ratio float64
	if job.SizeBytes > 0 {
		ratio = float64(previewSize) / float64(job.SizeBytes)
	}

	if err := p.meta.SetOptimization(ctx, job.FileID, repository.OptimizationResult{
		Status:             repository.OptimizationCompleted,
		HasPreview:         true,
		PreviewKey:         &job.PreviewKey,
		PreviewContentType: &previewType,
		PreviewSizeBytes:   &previewSize,
		CompressionRatio:   &ratio,
	}); err != nil {
		return fmt.Errorf("record optimization: %w", err)
	}

	if err := p.sessions.SetFileStatus(ctx, job.SessionID, job.FileID, session.FileStatusOptimized); err != nil && err != session.ErrSessionNotFound {
		p.logger.Printf("optimize: set optimized %s: %v", job.FileID, err)
	}

	p.cleanupParts(ctx, job, cursor)
	optimizationsTotal.WithLabelValues("completed").Inc()
	return nil
}

// fail 落地失败结果。文件回到 assembled，原件照常可下载。
func (p *Pipeline) fail(ctx context.Context, job Job, cause error) {
	p.logger.Printf("optimize: file %s failed: %v", job.FileID, cause)

	if err := p.meta.SetOptimization(ctx, job.FileID, repository.OptimizationResult{
		Status: repository.OptimizationFailed,
	}); err != nil && err != repository.ErrNotFound {
		p.logger.Printf("optimize: mark failed %s: %v", job.FileID, err)
	}
	if err := p.sessions.SetFileStatus(ctx, job.SessionID, job.FileID, session.FileStatusAssembled); err != nil && err != session.ErrSessionNotFound {
		p.logger.Printf("optimize: restore status %s: %v", job.FileID, err)
	}
	optimizationsTotal.WithLabelValues("failed").Inc()
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
