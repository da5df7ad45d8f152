package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ============================================================================
// 账户级分布式锁
// ============================================================================
//
// 同一账户的所有变更（入账、扣款、调账、退款、提现、过期）必须串行：
//
//   请求1: 获取锁 -> 读取批次/余额 -> 扣 10 -> 提交 -> 释放锁
//   请求2: 获取锁失败，重试... -> 获取锁 -> 读取到请求1提交后的状态 -> 余额不足，拒绝
//
// 加锁：SET key token NX PX ttl
//   - NX 保证互斥
//   - PX 防止持有者崩溃后死锁
//   - token 每次获取唯一，释放时校验，避免误删别人的锁
//
// 释放：Lua 脚本原子地"比较 token + 删除"
//
// 锁只按账户划分，不同账户之间互不阻塞，也就不存在跨账户死锁。
// 数据库事务内还会对账户行 SELECT ... FOR UPDATE，Redis 锁失效时行锁兜底。
//
// ============================================================================

var (
	ErrLockFailed  = errors.New("获取账户锁失败")
	ErrLockNotHeld = errors.New("锁已过期或不属于当前持有者")
)

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// DistributedLock 分布式锁
type DistributedLock struct {
	client     redis.UniversalClient
	key        string        // 锁的 key
	value      string        // 持有者 token
	expiration time.Duration // 锁的过期时间
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client redis.UniversalClient, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// Key 锁的 key
func (l *DistributedLock) Key() string { return l.key }

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock 阻塞式获取锁，最多重试 maxRetries 次
//
// ctx 到期返回 ctx.Err()，重试耗尽返回 ErrLockFailed，两者都不会留下锁。
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
		if success {
			return nil
		}

		timer := time.NewTimer(retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁，只删除自己持有的锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	n, err := unlockScript.Run(ctx, l.client, []string{l.key}, l.value).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// ============================================================================
// 账户锁管理
// ============================================================================

// AccountLockOptions 获取账户锁的参数
type AccountLockOptions struct {
	TTL           time.Duration
	RetryInterval time.Duration
	MaxRetries    int
}

// AccountLocker 按账户维度加锁
type AccountLocker struct {
	client redis.UniversalClient
	opts   AccountLockOptions
}

// NewAccountLocker 创建账户锁管理器
func NewAccountLocker(client redis.UniversalClient, opts AccountLockOptions) *AccountLocker {
	return &AccountLocker{client: client, opts: opts}
}

// AccountLockKey 账户锁的 key
func AccountLockKey(userID int64) string {
	return fmt.Sprintf("ledger:lock:account:%d", userID)
}

// Acquire 获取账户锁，返回的锁由调用方负责 Unlock
func (m *AccountLocker) Acquire(ctx context.Context, userID int64) (*DistributedLock, error) {
	l := NewDistributedLock(m.client, AccountLockKey(userID), uuid.NewString(), m.opts.TTL)
	if err := l.Lock(ctx, m.opts.RetryInterval, m.opts.MaxRetries); err != nil {
		return nil, err
	}
	return l, nil
}
