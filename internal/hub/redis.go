package hub

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const onlineKey = "chatsync:online"

func typingKeyFor(room string) string {
	return fmt.Sprintf("chatsync:typing:%s", room)
}

// RedisLeases shares leases between relay instances. Each lease set is a sorted set
// scored by expiry in unix millis; expired members are trimmed on read.
type RedisLeases struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisLeases(ctx context.Context, redisURL string) (*RedisLeases, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisLeases{client: client, now: time.Now}, nil
}

// NewRedisLeasesFromClient wraps an existing client.
func NewRedisLeasesFromClient(client *redis.Client) *RedisLeases {
	return &RedisLeases{client: client, now: time.Now}
}

func (r *RedisLeases) Close() error {
	return r.client.Close()
}

func (r *RedisLeases) Heartbeat(ctx context.Context, userID string, ttl time.Duration) error {
	return r.touch(ctx, onlineKey, userID, ttl)
}

func (r *RedisLeases) Drop(ctx context.Context, userID string) error {
	return r.client.ZRem(ctx, onlineKey, userID).Err()
}

func (r *RedisLeases) Online(ctx context.Context) ([]string, error) {
	return r.live(ctx, onlineKey)
}

func (r *RedisLeases) SetTyping(ctx context.Context, room, userID string, ttl time.Duration) error {
	return r.touch(ctx, typingKeyFor(room), userID, ttl)
}

func (r *RedisLeases) ClearTyping(ctx context.Context, room, userID string) error {
	return r.client.ZRem(ctx, typingKeyFor(room), userID).Err()
}

func (r *RedisLeases) Typing(ctx context.Context, room string) ([]string, error) {
	return r.live(ctx, typingKeyFor(room))
}

func (r *RedisLeases) touch(ctx context.Context, key, member string, ttl time.Duration) error {
	expires := r.now().Add(ttl)
	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(expires.UnixMilli()), Member: member})
	// the set itself outlives its newest lease only briefly
	pipe.Expire(ctx, key, ttl+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("lease %s: %w", key, err)
	}
	return nil
}

func (r *RedisLeases) live(ctx context.Context, key string) ([]string, error) {
	now := strconv.FormatInt(r.now().UnixMilli(), 10)
	if err := r.client.ZRemRangeByScore(ctx, key, "-inf", now).Err(); err != nil {
		return nil, fmt.Errorf("trim %s: %w", key, err)
	}
	members, err := r.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "(" + now, Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return members, nil
}
