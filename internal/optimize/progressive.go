package optimize

import (
	"context"
	"errors"
	"fmt"
	"io"

	"droppack/internal/session"
	"droppack/internal/storage"
)

// processProgressive 在分块尚未收齐时处理已到达的连续前缀。
// 游标记录最后处理完的分块，折返执行从游标继续，绝不重做已完成区段。
func (p *Pipeline) processProgressive(ctx context.Context, job Job, family string) {
	s, err := p.sessions.Get(ctx, job.SessionID)
	if err != nil {
		p.logger.Printf("optimize: progressive %s: %v", job.FileID, err)
		return
	}
	file := s.FileByID(job.FileID)
	if file == nil {
		return
	}
	// 收齐之后由终态任务统一收尾
	if file.Complete() || file.Status != session.FileStatusReceiving {
		return
	}

	strategy := p.strategies[family]
	prefix := contiguousPrefix(file)

	for index := file.OptimizeCursor; index < prefix; index++ {
		if err := p.optimizeChunk(ctx, job, strategy, index); err != nil {
			// 非致命：下一轮从同一游标重试
			p.logger.Printf("optimize: progressive chunk %s/%d: %v", job.FileID, index, err)
			return
		}
		if err := p.sessions.SetOptimizeCursor(ctx, job.SessionID, job.FileID, index+1); err != nil {
			p.logger.Printf("optimize: advance cursor %s: %v", job.FileID, err)
			return
		}
	}
}

func (p *Pipeline) optimizeChunk(ctx context.Context, job Job, strategy Strategy, index int) error {
	src, err := p.blobs.Read(ctx, storage.ChunkKey(job.OriginalKey, index))
	if err != nil {
		return err
	}
	defer src.Close()

	out, _, err := strategy.Optimize(ctx, src, job.ContentType)
	if err != nil {
		return err
	}

	_, err = p.blobs.Write(ctx, storage.PreviewPartKey(job.PreviewKey, index), out)
	return err
}

// contiguousPrefix 返回从 0 开始连续到达的分块数。
func contiguousPrefix(file *session.FileUpload) int {
	n := 0
	for {
		if _, ok := file.ReceivedChunks[n]; !ok {
			return n
		}
		n++
	}
}

// partsCursor 读取渐进优化留下的游标，会话已不可达时按 0 处理。
func (p *Pipeline) partsCursor(ctx context.Context, job Job) (int, error) {
	if !job.Progressive && job.ChunkSize == 0 {
		return 0, nil
	}
	s, err := p.sessions.Get(ctx, job.SessionID)
	if errors.Is(err, session.ErrSessionNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	file := s.FileByID(job.FileID)
	if file == nil {
		return 0, nil
	}
	return file.OptimizeCursor, nil
}

// previewSource 组装预览内容流：已处理片段按序拼接，
// 剩余区段跳过原件中对应的字节后再经策略处理。
func (p *Pipeline) previewSource(ctx context.Context, job Job, family string, cursor int) (io.ReadCloser, string, error) {
	strategy := p.strategies[family]

	if cursor <= 0 {
		original, err := p.blobs.Read(ctx, job.OriginalKey)
		if err != nil {
			return nil, "", fmt.Errorf("read original: %w", err)
		}
		out, previewType, err := strategy.Optimize(ctx, original, job.ContentType)
		if err != nil {
			original.Close()
			return nil, "", fmt.Errorf("strategy: %w", err)
		}
		return readCloser{Reader: out, closer: original}, previewType, nil
	}

	partKeys := make([]string, 0, cursor)
	for i := 0; i < cursor; i++ {
		partKeys = append(partKeys, storage.PreviewPartKey(job.PreviewKey, i))
	}
	parts := newKeyReader(ctx, p.blobs, partKeys)

	original, err := p.blobs.Read(ctx, job.OriginalKey)
	if err != nil {
		parts.Close()
		return nil, "", fmt.Errorf("read original: %w", err)
	}
	if _, err := io.CopyN(io.Discard, original, int64(cursor)*job.ChunkSize); err != nil && err != io.EOF {
		parts.Close()
		original.Close()
		return nil, "", fmt.Errorf("skip optimized range: %w", err)
	}

	tail, previewType, err := strategy.Optimize(ctx, original, job.ContentType)
	if err != nil {
		parts.Close()
		original.Close()
		return nil, "", fmt.Errorf("strategy: %w", err)
	}

	return readCloser{
		Reader: io.MultiReader(parts, tail),
		closer: multiCloser{parts, original},
	}, previewType, nil
}

// cleanupParts 尽力删除片段暂存对象，失败只记日志。
func (p *Pipeline) cleanupParts(ctx context.Context, job Job, cursor int) {
	for i := 0; i < cursor; i++ {
		key := storage.PreviewPartKey(job.PreviewKey, i)
		if err := p.blobs.Delete(ctx, key); err != nil {
			p.logger.Printf("optimize: cleanup part %s: %v", key, err)
		}
	}
}

// keyReader 按序惰性打开一组对象并串成单一数据流。
type keyReader struct {
	ctx   context.Context
	blobs storage.Reader
	keys  []string
	idx   int
	cur   io.ReadCloser
}

func newKeyReader(ctx context.Context, blobs storage.Reader, keys []string) *keyReader {
	return &keyReader{ctx: ctx, blobs: blobs, keys: keys}
}

func (k *keyReader) Read(p []byte) (int, error) {
	for {
		if k.cur == nil {
			if k.idx >= len(k.keys) {
				return 0, io.EOF
			}
			rc, err := k.blobs.Read(k.ctx, k.keys[k.idx])
			if err != nil {
				return 0, err
			}
			k.cur = rc
		}

		n, err := k.cur.Read(p)
		if err == io.EOF {
			k.cur.Close()
			k.cur = nil
			k.idx++
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (k *keyReader) Close() error {
	if k.cur != nil {
		err := k.cur.Close()
		k.cur = nil
		return err
	}
	return nil
}

type readCloser struct {
	io.Reader
	closer io.Closer
}

func (r readCloser) Close() error { return r.closer.Close() }

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var first error
	for _, c := range m {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
