package checklock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/tablemesh/pos-core/internal/models"
)

const (
	lockKeyPrefix     = "pos:check:lock:"
	guardKeyPrefix    = "pos:check:guard:"
	presenceKeyPrefix = "pos:terminal:alive:"
	auditListKey      = "pos:check:audit"

	guardTTL = 3 * time.Second
)

// RedisLockStore is the shared lock table hosted on the relay (or cloud)
// Redis. Single-key writes rely on SETNX; multi-step transitions are
// serialized behind a short-lived redislock guard per check.
type RedisLockStore struct {
	rdb    *redis.Client
	locker *redislock.Client
}

func NewRedisLockStore(ctx context.Context, addr string) (*RedisLockStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis unreachable at %s: %w", addr, err)
	}
	return &RedisLockStore{
		rdb:    rdb,
		locker: redislock.New(rdb),
	}, nil
}

func (s *RedisLockStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisLockStore) Get(ctx context.Context, checkID string) (*models.CheckLock, error) {
	raw, err := s.rdb.Get(ctx, lockKeyPrefix+checkID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lock key: %w", err)
	}
	var lock models.CheckLock
	if err := json.Unmarshal([]byte(raw), &lock); err != nil {
		return nil, fmt.Errorf("corrupt lock record for check %s: %w", checkID, err)
	}
	return &lock, nil
}

func (s *RedisLockStore) TryAcquire(ctx context.Context, checkID string, lock models.CheckLock) (bool, error) {
	body, err := json.Marshal(lock)
	if err != nil {
		return false, fmt.Errorf("serialize lock: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, lockKeyPrefix+checkID, body, 0).Result()
	if err != nil {
		return false, fmt.Errorf("setnx lock key: %w", err)
	}
	return ok, nil
}

func (s *RedisLockStore) Transfer(ctx context.Context, checkID, expectedHolder string, lock models.CheckLock) (bool, error) {
	guard, err := s.locker.Obtain(ctx, guardKeyPrefix+checkID, guardTTL, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("obtain transfer guard: %w", err)
	}
	defer func() { _ = guard.Release(ctx) }()

	cur, err := s.Get(ctx, checkID)
	if err != nil {
		return false, err
	}
	if cur == nil || cur.HolderID != expectedHolder {
		return false, nil
	}

	body, err := json.Marshal(lock)
	if err != nil {
		return false, fmt.Errorf("serialize lock: %w", err)
	}
	if err := s.rdb.Set(ctx, lockKeyPrefix+checkID, body, 0).Err(); err != nil {
		return false, fmt.Errorf("write transferred lock: %w", err)
	}
	return true, nil
}

func (s *RedisLockStore) Release(ctx context.Context, checkID, holderID string) error {
	guard, err := s.locker.Obtain(ctx, guardKeyPrefix+checkID, guardTTL, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return fmt.Errorf("release guard busy for check %s", checkID)
	}
	if err != nil {
		return fmt.Errorf("obtain release guard: %w", err)
	}
	defer func() { _ = guard.Release(ctx) }()

	cur, err := s.Get(ctx, checkID)
	if err != nil {
		return err
	}
	if cur == nil || cur.HolderID != holderID {
		// Not ours (or already gone): releasing is a no-op, not an error.
		return nil
	}
	if err := s.rdb.Del(ctx, lockKeyPrefix+checkID).Err(); err != nil {
		return fmt.Errorf("delete lock key: %w", err)
	}
	return nil
}

func (s *RedisLockStore) Heartbeat(ctx context.Context, terminalID string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, presenceKeyPrefix+terminalID, "1", ttl).Err(); err != nil {
		return fmt.Errorf("refresh presence: %w", err)
	}
	return nil
}

func (s *RedisLockStore) TerminalAlive(ctx context.Context, terminalID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, presenceKeyPrefix+terminalID).Result()
	if err != nil {
		return false, fmt.Errorf("check presence: %w", err)
	}
	return n > 0, nil
}

func (s *RedisLockStore) AppendAudit(ctx context.Context, entry AuditEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("serialize audit entry: %w", err)
	}
	if err := s.rdb.RPush(ctx, auditListKey, body).Err(); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}
