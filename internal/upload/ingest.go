package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"droppack/internal/optimize"
	"droppack/internal/session"
	"droppack/internal/storage"
)

// ChunkResult 是单次分块提交的回执。
type ChunkResult struct {
	ChunkIndex     int  `json:"chunk_index"`
	ChunksReceived int  `json:"chunks_received"`
	TotalChunks    int  `json:"total_chunks"`
	FileComplete   bool `json:"file_complete"`
}

// Ingest 接收一个分块：写入分块对象、登记下标、必要时触发装配。
// 分块字节直达存储，进程重启后上传可以续传。
// 重复提交同一下标是幂等的。isLast 只是提示，完成与否由集合基数判定。
func (s *Service) Ingest(ctx context.Context, sessionID, fileID string, index int, body io.Reader, isLast bool) (*ChunkResult, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	file := sess.FileByID(fileID)
	if file == nil {
		return nil, session.ErrFileNotFound
	}

	if index < 0 || index >= file.TotalChunks {
		return nil, fmt.Errorf("%w: %d not in [0,%d)", ErrInvalidChunkIndex, index, file.TotalChunks)
	}

	// 文件已越过接收阶段时迟到的重试不再落盘，
	// 否则分块对象会在装配清理之后复活并永久残留
	switch file.Status {
	case session.FileStatusAssembling, session.FileStatusAssembled,
		session.FileStatusOptimizing, session.FileStatusOptimized:
		return &ChunkResult{
			ChunkIndex:     index,
			ChunksReceived: file.ReceivedCount(),
			TotalChunks:    file.TotalChunks,
			FileComplete:   true,
		}, nil
	}

	chunkKey := storage.ChunkKey(file.OriginalKey, index)
	if _, err := s.blobs.Write(ctx, chunkKey, body); err != nil {
		return nil, fmt.Errorf("store chunk %d: %w", index, err)
	}

	// 下标只有在字节落盘之后才算收到
	received, added, err := s.sessions.AddReceivedChunk(ctx, sessionID, fileID, index)
	if err != nil {
		return nil, err
	}
	chunksIngestedTotal.Inc()

	// 滑动续期，长传不过期
	if err := s.sessions.Touch(ctx, sessionID); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		s.logger.Printf("session %s touch: %v", sessionID, err)
	}

	switch file.Status {
	case session.FileStatusPending:
		_, _ = s.sessions.CompareAndSwapFileStatus(ctx, sessionID, fileID, session.FileStatusPending, session.FileStatusReceiving)
	case session.FileStatusFailed:
		// 装配失败后客户端重传分块即视为重启该文件，
		// 回到 receiving 后装配闸门可以再次放行
		won, cerr := s.sessions.CompareAndSwapFileStatus(ctx, sessionID, fileID, session.FileStatusFailed, session.FileStatusReceiving)
		if cerr == nil && won {
			if serr := s.sessions.SetSessionStatus(ctx, sessionID, session.SessionStatusUploading); serr != nil && !errors.Is(serr, session.ErrSessionNotFound) {
				s.logger.Printf("session %s status: %v", sessionID, serr)
			}
		}
	}
	if sess.Status == session.SessionStatusInitialized {
		if err := s.sessions.SetSessionStatus(ctx, sessionID, session.SessionStatusUploading); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
			s.logger.Printf("session %s status: %v", sessionID, err)
		}
	}

	complete := received == file.TotalChunks
	if complete {
		// 装配不阻塞分块响应；重复触发由装配的 CAS 闸门消化
		go s.assembleAsync(sessionID, fileID)
	} else if added && s.shouldStartProgressive(file, received) {
		s.optimizer.Enqueue(optimize.Job{
			SessionID:   sessionID,
			FileID:      fileID,
			ProjectSlug: sess.ProjectSlug,
			ContentType: file.ContentType,
			OriginalKey: file.OriginalKey,
			PreviewKey:  file.PreviewKey,
			SizeBytes:   file.FileSize,
			ChunkSize:   file.ChunkSize,
			TotalChunks: file.TotalChunks,
			Progressive: true,
		})
	}

	if isLast && !complete {
		s.logger.Printf("session %s file %s: last-chunk hint at %d/%d received", sessionID, fileID, received, file.TotalChunks)
	}

	return &ChunkResult{
		ChunkIndex:     index,
		ChunksReceived: received,
		TotalChunks:    file.TotalChunks,
		FileComplete:   complete,
	}, nil
}

// shouldStartProgressive 在到达比例首次跨过阈值时投递一次渐进任务。
func (s *Service) shouldStartProgressive(file *session.FileUpload, received int) bool {
	if !s.cfg.Progressive || s.optimizer == nil {
		return false
	}
	if !optimize.IsOptimizable(file.ContentType) {
		return false
	}
	trigger := int(float64(file.TotalChunks)*s.cfg.ProgressiveThreshold + 0.999999)
	if trigger < 1 {
		trigger = 1
	}
	return received == trigger
}

// assembleAsync 在独立协程里执行装配，带自己的超时预算。
func (s *Service) assembleAsync(sessionID, fileID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	if err := s.Assemble(ctx, sessionID, fileID); err != nil {
		if errors.Is(err, ErrAssemblyNotAdmitted) {
			return
		}
		s.logger.Printf("assemble session=%s file=%s: %v", sessionID, fileID, err)
	}
}
