package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Gate 是用量/计费侧的协作接口，会话创建前咨询一次。
type Gate interface {
	CheckLimit(ctx context.Context, owner, operation string, size int64) (bool, error)
}

// AllowAll 不做任何限制，未配置 Redis 或限额时使用。
type AllowAll struct{}

func (AllowAll) CheckLimit(ctx context.Context, owner, operation string, size int64) (bool, error) {
	return true, nil
}

// RedisGate 按 owner 做固定窗口的字节计数，窗口随日期翻转。
// 计数放在外部存储里，进程重启与多实例部署下都成立。
type RedisGate struct {
	client   *redis.Client
	maxBytes int64
}

func NewRedisGate(client *redis.Client, maxBytes int64) *RedisGate {
	return &RedisGate{client: client, maxBytes: maxBytes}
}

func (g *RedisGate) CheckLimit(ctx context.Context, owner, operation string, size int64) (bool, error) {
	if g == nil || g.client == nil || g.maxBytes <= 0 {
		return true, nil
	}

	day := time.Now().UTC().Format("2006-01-02")
	key := fmt.Sprintf("droppack:usage:%s:%s:%s", operation, owner, day)

	pipe := g.client.TxPipeline()
	total := pipe.IncrBy(ctx, key, size)
	pipe.Expire(ctx, key, 48*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("usage counter: %w", err)
	}

	if total.Val() > g.maxBytes {
		// 超限时把本次额度退回去，拒绝不应吃掉配额
		g.client.DecrBy(ctx, key, size)
		return false, nil
	}
	return true, nil
}
