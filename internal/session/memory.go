package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore 是进程内的 Store 实现，用于开发环境与测试。
// 所有变更都在锁内直接作用于存量会话，不存在陈旧读回写。
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	ttl     time.Duration

	// 测试可替换时钟
	now func() time.Time
}

type memoryEntry struct {
	session   *UploadSession
	expiresAt time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (m *MemoryStore) Create(ctx context.Context, s *UploadSession) error {
	if s == nil || s.ID == "" {
		return ErrSessionNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	clone := cloneSession(s)
	if clone.ExpiresAt.IsZero() {
		clone.ExpiresAt = now.Add(m.ttl)
	}
	m.entries[s.ID] = &memoryEntry{session: clone, expiresAt: clone.ExpiresAt}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.liveEntryLocked(id)
	if err != nil {
		return nil, err
	}
	return cloneSession(entry.session), nil
}

func (m *MemoryStore) Touch(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.liveEntryLocked(id)
	if err != nil {
		return err
	}
	entry.expiresAt = m.now().Add(m.ttl)
	entry.session.ExpiresAt = entry.expiresAt
	return nil
}

func (m *MemoryStore) AddReceivedChunk(ctx context.Context, id, fileID string, index int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := m.fileLocked(id, fileID)
	if err != nil {
		return 0, false, err
	}
	if file.ReceivedChunks == nil {
		file.ReceivedChunks = make(map[int]struct{})
	}
	_, seen := file.ReceivedChunks[index]
	file.ReceivedChunks[index] = struct{}{}
	return len(file.ReceivedChunks), !seen, nil
}

func (m *MemoryStore) SetFileStatus(ctx context.Context, id, fileID string, status FileStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := m.fileLocked(id, fileID)
	if err != nil {
		return err
	}
	file.Status = status
	return nil
}

func (m *MemoryStore) CompareAndSwapFileStatus(ctx context.Context, id, fileID string, from, to FileStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := m.fileLocked(id, fileID)
	if err != nil {
		return false, err
	}
	if file.Status != from {
		return false, nil
	}
	file.Status = to
	return true, nil
}

func (m *MemoryStore) SetSessionStatus(ctx context.Context, id string, status SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.liveEntryLocked(id)
	if err != nil {
		return err
	}
	entry.session.Status = status
	return nil
}

func (m *MemoryStore) SetOptimizeCursor(ctx context.Context, id, fileID string, cursor int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := m.fileLocked(id, fileID)
	if err != nil {
		return err
	}
	file.OptimizeCursor = cursor
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, id)
	return nil
}

// liveEntryLocked 做惰性过期：过期条目当场删除并按不存在处理。
func (m *MemoryStore) liveEntryLocked(id string) (*memoryEntry, error) {
	entry, ok := m.entries[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if m.now().After(entry.expiresAt) {
		delete(m.entries, id)
		return nil, ErrSessionNotFound
	}
	return entry, nil
}

func (m *MemoryStore) fileLocked(id, fileID string) (*FileUpload, error) {
	entry, err := m.liveEntryLocked(id)
	if err != nil {
		return nil, err
	}
	file := entry.session.FileByID(fileID)
	if file == nil {
		return nil, ErrFileNotFound
	}
	return file, nil
}

func cloneSession(s *UploadSession) *UploadSession {
	clone := *s
	clone.Files = make([]FileUpload, len(s.Files))
	for i := range s.Files {
		clone.Files[i] = s.Files[i]
		if s.Files[i].ReceivedChunks != nil {
			chunks := make(map[int]struct{}, len(s.Files[i].ReceivedChunks))
			for idx := range s.Files[i].ReceivedChunks {
				chunks[idx] = struct{}{}
			}
			clone.Files[i].ReceivedChunks = chunks
		}
	}
	return &clone
}
