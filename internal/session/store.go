package session

import (
	"context"
	"errors"
)

// ErrSessionNotFound 表示会话不存在或已过期，两种情况对调用方等价。
var ErrSessionNotFound = errors.New("session: not found")

// ErrFileNotFound 表示会话内不存在指定文件。
var ErrFileNotFound = errors.New("session: file not found")

// Store 是上传会话的持久层接口。实现必须把存储中的会话当作唯一事实，
// 单块级别的更新不得基于陈旧读回写整个会话，不同文件的并发写互不覆盖。
type Store interface {
	// Create 写入新会话并施加 TTL。
	Create(ctx context.Context, s *UploadSession) error

	// Get 返回会话快照；过期或不存在返回 ErrSessionNotFound。
	Get(ctx context.Context, id string) (*UploadSession, error)

	// Touch 重置会话 TTL（滑动过期），大文件长传不会中途失效。
	Touch(ctx context.Context, id string) error

	// AddReceivedChunk 把分块下标加入文件的已收集合，返回集合基数
	// 以及该下标是否首次加入。重复加入同一下标不改变基数。
	AddReceivedChunk(ctx context.Context, id, fileID string, index int) (int, bool, error)

	// SetFileStatus 无条件写入文件状态。
	SetFileStatus(ctx context.Context, id, fileID string, status FileStatus) error

	// CompareAndSwapFileStatus 原子地把文件状态从 from 置为 to，
	// 返回是否完成切换。装配的至多一次保证建立在这一个原语之上。
	CompareAndSwapFileStatus(ctx context.Context, id, fileID string, from, to FileStatus) (bool, error)

	// SetSessionStatus 写入会话整体状态。
	SetSessionStatus(ctx context.Context, id string, status SessionStatus) error

	// SetOptimizeCursor 记录渐进优化处理到的分块游标。
	SetOptimizeCursor(ctx context.Context, id, fileID string, cursor int) error

	// Delete 删除会话及其派生键。
	Delete(ctx context.Context, id string) error
}
