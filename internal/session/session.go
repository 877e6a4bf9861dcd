package session

import (
	"time"
)

// SessionStatus 描述一次上传会话的整体生命周期。
type SessionStatus string

const (
	SessionStatusInitialized SessionStatus = "initialized"
	SessionStatusUploading   SessionStatus = "uploading"
	SessionStatusAssembling  SessionStatus = "assembling"
	SessionStatusCompleted   SessionStatus = "completed"
	SessionStatusFailed      SessionStatus = "failed"
)

// FileStatus 描述单个文件在会话内的生命周期。
// 状态只经由 Store 的 CAS 推进越过 assembling，保证装配至多执行一次。
type FileStatus string

const (
	FileStatusPending    FileStatus = "pending"
	FileStatusReceiving  FileStatus = "receiving"
	FileStatusAssembling FileStatus = "assembling"
	FileStatusAssembled  FileStatus = "assembled"
	FileStatusOptimizing FileStatus = "optimizing"
	FileStatusOptimized  FileStatus = "optimized"
	FileStatusFailed     FileStatus = "failed"
)

// ProjectMetadata 承载会话层的项目元信息，发布时落库。
type ProjectMetadata struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Template    string     `json:"template,omitempty"`
	Author      string     `json:"author,omitempty"`
	Password    string     `json:"password,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// FileUpload 是会话独占的单文件上传记录。
// ReceivedChunks 记录的是下标集合而非计数，重复送达同一块是幂等的。
type FileUpload struct {
	ID             string               `json:"id"`
	FileName       string               `json:"file_name"`
	FileSize       int64                `json:"file_size"`
	ContentType    string               `json:"content_type"`
	ChunkSize      int64                `json:"chunk_size"`
	TotalChunks    int                  `json:"total_chunks"`
	ReceivedChunks map[int]struct{}     `json:"received_chunks,omitempty"`
	OriginalKey    string               `json:"original_key"`
	PreviewKey     string               `json:"preview_key"`
	Status         FileStatus           `json:"status"`
	OptimizeCursor int                  `json:"optimize_cursor"`
}

// ReceivedCount 返回已收到的分块数量。
func (f *FileUpload) ReceivedCount() int {
	return len(f.ReceivedChunks)
}

// Complete 判断文件是否收齐全部分块。isLast 提示不参与判定，
// 集合基数是唯一的完成依据。
func (f *FileUpload) Complete() bool {
	return f.TotalChunks > 0 && len(f.ReceivedChunks) == f.TotalChunks
}

// Progress 返回 0~100 的上传进度。
func (f *FileUpload) Progress() float64 {
	if f.TotalChunks == 0 {
		return 0
	}
	return float64(len(f.ReceivedChunks)) / float64(f.TotalChunks) * 100
}

// Assembled 判断文件是否已经走到 assembled 或其后的状态。
func (f *FileUpload) Assembled() bool {
	switch f.Status {
	case FileStatusAssembled, FileStatusOptimizing, FileStatusOptimized:
		return true
	default:
		return false
	}
}

// UploadSession 是一次多文件上传从发起到发布的全程记录，带固定 TTL。
type UploadSession struct {
	ID          string          `json:"id"`
	ProjectSlug string          `json:"project_slug"`
	Files       []FileUpload    `json:"files"`
	Metadata    ProjectMetadata `json:"metadata"`
	Status      SessionStatus   `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// FileByID 返回指定文件的指针，不存在时返回 nil。
func (s *UploadSession) FileByID(fileID string) *FileUpload {
	for i := range s.Files {
		if s.Files[i].ID == fileID {
			return &s.Files[i]
		}
	}
	return nil
}

// AllAssembled 判断所有文件是否都到达 assembled 或其后的状态。
// 这是发布项目的前置条件，优化是否完成不影响发布。
func (s *UploadSession) AllAssembled() bool {
	for i := range s.Files {
		if !s.Files[i].Assembled() {
			return false
		}
	}
	return len(s.Files) > 0
}

// Progress 返回所有文件合计的上传进度百分比。
func (s *UploadSession) Progress() float64 {
	var received, total int
	for i := range s.Files {
		received += s.Files[i].ReceivedCount()
		total += s.Files[i].TotalChunks
	}
	if total == 0 {
		return 0
	}
	return float64(received) / float64(total) * 100
}

// TotalChunksFor 按文件大小和块大小计算所需分块数（向上取整）。
func TotalChunksFor(fileSize, chunkSize int64) int {
	if fileSize <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((fileSize + chunkSize - 1) / chunkSize)
}
