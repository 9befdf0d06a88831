package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter 按租户、按 UTC 自然日计数已执行的动作
type Counter interface {
	// Reserve 在未达上限时占用一个名额并返回 true；达到上限时不占用并返回 false。
	// limit <= 0 表示不限制。
	Reserve(ctx context.Context, tenantID string, limit int) (bool, int64, error)
	// Usage 返回当日已占用名额
	Usage(ctx context.Context, tenantID string) (int64, error)
}

func dayKey(now time.Time) string {
	return now.UTC().Format("20060102")
}

// MemoryCounter 进程内计数器，单实例部署或测试使用
type MemoryCounter struct {
	mu     sync.Mutex
	now    func() time.Time
	counts map[string]int64
	day    string
}

// NewMemoryCounter now 为空时使用 time.Now
func NewMemoryCounter(now func() time.Time) *MemoryCounter {
	if now == nil {
		now = time.Now
	}
	return &MemoryCounter{now: now, counts: make(map[string]int64)}
}

// rollover 跨日时清空计数，调用方需持有锁
func (c *MemoryCounter) rollover() {
	if d := dayKey(c.now()); d != c.day {
		c.day = d
		c.counts = make(map[string]int64)
	}
}

func (c *MemoryCounter) Reserve(_ context.Context, tenantID string, limit int) (bool, int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover()

	used := c.counts[tenantID]
	if limit > 0 && used >= int64(limit) {
		return false, used, nil
	}
	used++
	c.counts[tenantID] = used
	return true, used, nil
}

func (c *MemoryCounter) Usage(_ context.Context, tenantID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover()
	return c.counts[tenantID], nil
}

// reserveScript 检查与自增在一次脚本内完成，多实例并发下不会超额
var reserveScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v and tonumber(ARGV[1]) > 0 and tonumber(v) >= tonumber(ARGV[1]) then
  return -tonumber(v) - 1
end
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[2])
end
return n
`)

const keyPrefix = "operative:quota:"

// keyTTL 计数键保留两天，覆盖时区边界附近的读取
const keyTTL = 48 * time.Hour

// RedisCounter 多实例共享的计数器
type RedisCounter struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisCounter now 为空时使用 time.Now
func NewRedisCounter(client redis.UniversalClient, now func() time.Time) *RedisCounter {
	if now == nil {
		now = time.Now
	}
	return &RedisCounter{client: client, now: now}
}

func (c *RedisCounter) key(tenantID string) string {
	return keyPrefix + tenantID + ":" + dayKey(c.now())
}

func (c *RedisCounter) Reserve(ctx context.Context, tenantID string, limit int) (bool, int64, error) {
	n, err := reserveScript.Run(ctx, c.client, []string{c.key(tenantID)}, limit, int64(keyTTL.Seconds())).Int64()
	if err != nil {
		return false, 0, fmt.Errorf("占用每日配额失败: %w", err)
	}
	if n < 0 {
		return false, -n - 1, nil
	}
	return true, n, nil
}

func (c *RedisCounter) Usage(ctx context.Context, tenantID string) (int64, error) {
	n, err := c.client.Get(ctx, c.key(tenantID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("查询每日配额失败: %w", err)
	}
	return n, nil
}
