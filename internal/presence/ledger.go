package presence

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ledger is the cross-process record of live handles. Entries expire unless
// refreshed, so a crashed process stops counting after one TTL.
type Ledger interface {
	Add(ctx context.Context, identity Identity, handleID string) error
	Remove(ctx context.Context, identity Identity, handleID string) error
	Refresh(ctx context.Context, handles []Handle) error
	Count(ctx context.Context, identity Identity) (int, error)
}

// LocalLedger answers from the process registry. Suitable for a single process.
type LocalLedger struct {
	registry *Registry
}

// NewLocalLedger wraps a registry.
func NewLocalLedger(registry *Registry) *LocalLedger {
	return &LocalLedger{registry: registry}
}

func (l *LocalLedger) Add(context.Context, Identity, string) error    { return nil }
func (l *LocalLedger) Remove(context.Context, Identity, string) error { return nil }
func (l *LocalLedger) Refresh(context.Context, []Handle) error        { return nil }

func (l *LocalLedger) Count(_ context.Context, identity Identity) (int, error) {
	return l.registry.Count(identity), nil
}

// RedisLedger keeps one sorted set per identity, members are handle ids scored
// by their last heartbeat in unix milliseconds.
type RedisLedger struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

// NewRedisLedger creates a ledger. ttl is how long a handle counts without a heartbeat.
func NewRedisLedger(client redis.UniversalClient, ttl time.Duration) *RedisLedger {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &RedisLedger{client: client, ttl: ttl, prefix: "livechat:presence:", now: time.Now}
}

func (l *RedisLedger) key(identity Identity) string {
	return l.prefix + identity.Key()
}

func (l *RedisLedger) Add(ctx context.Context, identity Identity, handleID string) error {
	key := l.key(identity)
	pipe := l.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(l.now().UnixMilli()), Member: handleID})
	pipe.Expire(ctx, key, 2*l.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (l *RedisLedger) Remove(ctx context.Context, identity Identity, handleID string) error {
	return l.client.ZRem(ctx, l.key(identity), handleID).Err()
}

func (l *RedisLedger) Refresh(ctx context.Context, handles []Handle) error {
	if len(handles) == 0 {
		return nil
	}
	score := float64(l.now().UnixMilli())
	pipe := l.client.Pipeline()
	for _, h := range handles {
		key := l.key(h.Identity())
		pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: h.ID()})
		pipe.Expire(ctx, key, 2*l.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Count drops expired members before counting.
func (l *RedisLedger) Count(ctx context.Context, identity Identity) (int, error) {
	key := l.key(identity)
	cutoff := l.now().Add(-l.ttl).UnixMilli()

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(card.Val()), nil
}
