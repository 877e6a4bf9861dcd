package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore 是生产环境的 Store 实现。会话被拆成多个键：
// 静态骨架一个 JSON 键，每个文件的分块集合、状态、游标各自独立成键，
// 这样不同文件乃至不同分块的并发更新天然互不覆盖。
// 所有键共享同一套 TTL，滑动续期由 Touch 与 AddReceivedChunk 驱动。
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// casScript 原子比较并切换文件状态，保留键上已有的 TTL。
var casScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('SET', KEYS[1], ARGV[2], 'KEEPTTL')
	return 1
end
return 0
`)

func sessionKey(id string) string { return "droppack:session:" + id }

func sessionStatusKey(id string) string { return "droppack:session:" + id + ":status" }

func chunksKey(id, fileID string) string {
	return "droppack:session:" + id + ":chunks:" + fileID
}

func fileStatusKey(id, fileID string) string {
	return "droppack:session:" + id + ":fstatus:" + fileID
}

func cursorKey(id, fileID string) string {
	return "droppack:session:" + id + ":cursor:" + fileID
}

func (r *RedisStore) Create(ctx context.Context, s *UploadSession) error {
	if s == nil || s.ID == "" {
		return ErrSessionNotFound
	}

	// 骨架里不携带动态字段，动态字段各有专属键
	skeleton := cloneSession(s)
	for i := range skeleton.Files {
		skeleton.Files[i].ReceivedChunks = nil
	}
	if skeleton.ExpiresAt.IsZero() {
		skeleton.ExpiresAt = time.Now().UTC().Add(r.ttl)
	}

	payload, err := json.Marshal(skeleton)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, sessionKey(s.ID), payload, r.ttl)
	pipe.Set(ctx, sessionStatusKey(s.ID), string(s.Status), r.ttl)
	for i := range s.Files {
		pipe.Set(ctx, fileStatusKey(s.ID, s.Files[i].ID), string(s.Files[i].Status), r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*UploadSession, error) {
	payload, err := r.client.Get(ctx, sessionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	var s UploadSession
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}

	if status, err := r.client.Get(ctx, sessionStatusKey(id)).Result(); err == nil {
		s.Status = SessionStatus(status)
	}

	for i := range s.Files {
		fileID := s.Files[i].ID

		members, err := r.client.SMembers(ctx, chunksKey(id, fileID)).Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("get chunk set: %w", err)
		}
		if len(members) > 0 {
			chunks := make(map[int]struct{}, len(members))
			for _, raw := range members {
				idx, convErr := strconv.Atoi(raw)
				if convErr != nil {
					continue
				}
				chunks[idx] = struct{}{}
			}
			s.Files[i].ReceivedChunks = chunks
		}

		if status, err := r.client.Get(ctx, fileStatusKey(id, fileID)).Result(); err == nil {
			s.Files[i].Status = FileStatus(status)
		}
		if cursor, err := r.client.Get(ctx, cursorKey(id, fileID)).Int(); err == nil {
			s.Files[i].OptimizeCursor = cursor
		}
	}

	return &s, nil
}

// Touch 给会话的全部键续期。文件列表从骨架解出，键名据此推导。
func (r *RedisStore) Touch(ctx context.Context, id string) error {
	s, err := r.Get(ctx, id)
	if err != nil {
		return err
	}

	pipe := r.client.Pipeline()
	pipe.Expire(ctx, sessionKey(id), r.ttl)
	pipe.Expire(ctx, sessionStatusKey(id), r.ttl)
	for i := range s.Files {
		fileID := s.Files[i].ID
		pipe.Expire(ctx, chunksKey(id, fileID), r.ttl)
		pipe.Expire(ctx, fileStatusKey(id, fileID), r.ttl)
		pipe.Expire(ctx, cursorKey(id, fileID), r.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) AddReceivedChunk(ctx context.Context, id, fileID string, index int) (int, bool, error) {
	if err := r.ensureLive(ctx, id); err != nil {
		return 0, false, err
	}

	key := chunksKey(id, fileID)
	pipe := r.client.TxPipeline()
	added := pipe.SAdd(ctx, key, index)
	card := pipe.SCard(ctx, key)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, false, fmt.Errorf("add chunk: %w", err)
	}
	return int(card.Val()), added.Val() == 1, nil
}

func (r *RedisStore) SetFileStatus(ctx context.Context, id, fileID string, status FileStatus) error {
	if err := r.ensureLive(ctx, id); err != nil {
		return err
	}
	return r.client.Set(ctx, fileStatusKey(id, fileID), string(status), r.ttl).Err()
}

func (r *RedisStore) CompareAndSwapFileStatus(ctx context.Context, id, fileID string, from, to FileStatus) (bool, error) {
	if err := r.ensureLive(ctx, id); err != nil {
		return false, err
	}

	res, err := casScript.Run(ctx, r.client, []string{fileStatusKey(id, fileID)}, string(from), string(to)).Int()
	if err != nil {
		return false, fmt.Errorf("cas file status: %w", err)
	}
	return res == 1, nil
}

func (r *RedisStore) SetSessionStatus(ctx context.Context, id string, status SessionStatus) error {
	if err := r.ensureLive(ctx, id); err != nil {
		return err
	}
	return r.client.Set(ctx, sessionStatusKey(id), string(status), r.ttl).Err()
}

func (r *RedisStore) SetOptimizeCursor(ctx context.Context, id, fileID string, cursor int) error {
	if err := r.ensureLive(ctx, id); err != nil {
		return err
	}
	return r.client.Set(ctx, cursorKey(id, fileID), cursor, r.ttl).Err()
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	s, err := r.Get(ctx, id)
	if err == ErrSessionNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	keys := []string{sessionKey(id), sessionStatusKey(id)}
	for i := range s.Files {
		fileID := s.Files[i].ID
		keys = append(keys, chunksKey(id, fileID), fileStatusKey(id, fileID), cursorKey(id, fileID))
	}
	return r.client.Del(ctx, keys...).Err()
}

// ensureLive 确认主键仍然存活。主键过期后残留的分块数据视同不存在。
func (r *RedisStore) ensureLive(ctx context.Context, id string) error {
	exists, err := r.client.Exists(ctx, sessionKey(id)).Result()
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if exists == 0 {
		return ErrSessionNotFound
	}
	return nil
}
