package upload

import (
	"context"
	"errors"
	"fmt"
	"io"

	"droppack/internal/optimize"
	"droppack/internal/repository"
	"droppack/internal/session"
	"droppack/internal/storage"
)

// Assemble 把一个文件的全部分块按下标顺序拼成原件。
// 入口是一次 receiving→assembling 的 CAS：并发触发者里只有赢家干活，
// 输家立即拿到 ErrAssemblyNotAdmitted 返回。这是整个子系统唯一的
// 互斥点，保证原件至多写一次。
func (s *Service) Assemble(ctx context.Context, sessionID, fileID string) error {
	won, err := s.sessions.CompareAndSwapFileStatus(ctx, sessionID, fileID, session.FileStatusReceiving, session.FileStatusAssembling)
	if err != nil {
		return err
	}
	if !won {
		return ErrAssemblyNotAdmitted
	}

	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	file := sess.FileByID(fileID)
	if file == nil {
		return session.ErrFileNotFound
	}

	// 只有当没有文件还在收分块时，会话整体才算进入装配阶段；
	// 否则状态端点会把仍在上传的会话误报成 assembling
	if allChunksArrived(sess) {
		if err := s.sessions.SetSessionStatus(ctx, sessionID, session.SessionStatusAssembling); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
			s.logger.Printf("session %s status: %v", sessionID, err)
		}
	}

	if err := s.assembleFile(ctx, sess, file); err != nil {
		// 装配失败只废掉这个文件，其余文件照常推进
		assembliesTotal.WithLabelValues("failed").Inc()
		if serr := s.sessions.SetFileStatus(ctx, sessionID, fileID, session.FileStatusFailed); serr != nil && !errors.Is(serr, session.ErrSessionNotFound) {
			s.logger.Printf("mark file %s failed: %v", fileID, serr)
		}
		return err
	}

	assembliesTotal.WithLabelValues("assembled").Inc()
	assembledBytes.Observe(float64(file.FileSize))
	return nil
}

// allChunksArrived 判断会话内所有文件是否都收齐或走得更远。
func allChunksArrived(sess *session.UploadSession) bool {
	for i := range sess.Files {
		f := &sess.Files[i]
		if !f.Complete() && !f.Assembled() {
			return false
		}
	}
	return true
}

func (s *Service) assembleFile(ctx context.Context, sess *session.UploadSession, file *session.FileUpload) error {
	keys := make([]string, file.TotalChunks)
	for i := 0; i < file.TotalChunks; i++ {
		keys[i] = storage.ChunkKey(file.OriginalKey, i)
	}

	// 分块按下标顺序流式拼接，字节序只取决于下标，与到达顺序无关
	body := newChunkConcat(ctx, s.blobs, keys)
	defer body.Close()

	if _, err := s.blobs.Write(ctx, file.OriginalKey, body); err != nil {
		var missing *MissingChunkError
		if errors.As(err, &missing) {
			return fmt.Errorf("assemble %s: %w", file.ID, missing)
		}
		return fmt.Errorf("assemble %s: %w", file.ID, err)
	}

	if _, err := s.meta.Create(ctx, &repository.FileMetadataRecord{
		ID:                 file.ID,
		ProjectSlug:        sess.ProjectSlug,
		FileName:           file.FileName,
		ContentType:        file.ContentType,
		SizeBytes:          file.FileSize,
		OriginalKey:        file.OriginalKey,
		OptimizationStatus: repository.OptimizationPending,
	}); err != nil {
		return fmt.Errorf("record metadata %s: %w", file.ID, err)
	}

	if err := s.sessions.SetFileStatus(ctx, sess.ID, file.ID, session.FileStatusAssembled); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		s.logger.Printf("mark file %s assembled: %v", file.ID, err)
	}

	// 分块清理尽力而为，残留对象随存储的保留策略回收
	for _, key := range keys {
		if err := s.blobs.Delete(ctx, key); err != nil {
			s.logger.Printf("cleanup chunk %s: %v", key, err)
		}
	}

	if s.optimizer != nil {
		s.optimizer.Enqueue(optimize.Job{
			SessionID:   sess.ID,
			FileID:      file.ID,
			ProjectSlug: sess.ProjectSlug,
			ContentType: file.ContentType,
			OriginalKey: file.OriginalKey,
			PreviewKey:  file.PreviewKey,
			SizeBytes:   file.FileSize,
			ChunkSize:   file.ChunkSize,
			TotalChunks: file.TotalChunks,
		})
	}

	return nil
}

// chunkConcat 按下标顺序惰性打开分块并串成单一数据流。
// 读到缺失分块时返回 MissingChunkError，令装配硬失败。
type chunkConcat struct {
	ctx   context.Context
	blobs storage.Reader
	keys  []string
	idx   int
	cur   io.ReadCloser
}

func newChunkConcat(ctx context.Context, blobs storage.Reader, keys []string) *chunkConcat {
	return &chunkConcat{ctx: ctx, blobs: blobs, keys: keys}
}

func (c *chunkConcat) Read(p []byte) (int, error) {
	for {
		if c.cur == nil {
			if c.idx >= len(c.keys) {
				return 0, io.EOF
			}
			rc, err := c.blobs.Read(c.ctx, c.keys[c.idx])
			if err != nil {
				if errors.Is(err, storage.ErrObjectNotFound) {
					return 0, &MissingChunkError{Index: c.idx}
				}
				return 0, err
			}
			c.cur = rc
		}

		n, err := c.cur.Read(p)
		if err == io.EOF {
			c.cur.Close()
			c.cur = nil
			c.idx++
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *chunkConcat) Close() error {
	if c.cur != nil {
		err := c.cur.Close()
		c.cur = nil
		return err
	}
	return nil
}
