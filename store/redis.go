package store

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/teranos/relay/errors"
	"github.com/teranos/relay/logger"
)

// Redis is a Store backed by a Redis server. All brokers and workers that
// share one deployment point at the same server; the keyspace is the only
// coordination surface between them.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to the server at url (redis://host:port/db) and
// verifies the connection before returning.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid redis URL %q", url)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Mark(errors.Wrapf(err, "failed to connect to redis at %s", opts.Addr), errors.ErrStoreUnavailable)
	}

	logger.Debugw("Connected to redis", "addr", opts.Addr, "db", opts.DB)
	return &Redis{client: client}, nil
}

// wrapRedisErr translates driver errors into the store contract: redis.Nil
// becomes ErrNotFound, context errors pass through untouched, and anything
// else is treated as the store being unreachable.
func wrapRedisErr(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return errors.ErrNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return errors.Mark(errors.Wrapf(err, "redis %s failed", op), errors.ErrStoreUnavailable)
	}
}

// --- hashes ---

func (r *Redis) HSet(ctx context.Context, key string, fields map[string]any) error {
	return wrapRedisErr(r.client.HSet(ctx, key, fields).Err(), "HSET")
}

func (r *Redis) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := r.client.HGet(ctx, key, field).Result()
	return v, wrapRedisErr(err, "HGET")
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := r.client.HGetAll(ctx, key).Result()
	return v, wrapRedisErr(err, "HGETALL")
}

func (r *Redis) HDel(ctx context.Context, key string, fields ...string) error {
	return wrapRedisErr(r.client.HDel(ctx, key, fields...).Err(), "HDEL")
}

func (r *Redis) HLen(ctx context.Context, key string) (int64, error) {
	n, err := r.client.HLen(ctx, key).Result()
	return n, wrapRedisErr(err, "HLEN")
}

// --- sorted sets ---

func (r *Redis) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return wrapRedisErr(r.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(), "ZADD")
}

func (r *Redis) ZRem(ctx context.Context, key, member string) (bool, error) {
	removed, err := r.client.ZRem(ctx, key, member).Result()
	if err != nil {
		return false, wrapRedisErr(err, "ZREM")
	}
	return removed > 0, nil
}

func (r *Redis) ZRangeDesc(ctx context.Context, key string, start, stop int64) ([]string, error) {
	members, err := r.client.ZRevRange(ctx, key, start, stop).Result()
	return members, wrapRedisErr(err, "ZREVRANGE")
}

func (r *Redis) ZRangeAsc(ctx context.Context, key string, start, stop int64) ([]string, error) {
	members, err := r.client.ZRange(ctx, key, start, stop).Result()
	return members, wrapRedisErr(err, "ZRANGE")
}

func (r *Redis) ZRevRank(ctx context.Context, key, member string) (int64, error) {
	rank, err := r.client.ZRevRank(ctx, key, member).Result()
	return rank, wrapRedisErr(err, "ZREVRANK")
}

func (r *Redis) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := r.client.ZCard(ctx, key).Result()
	return n, wrapRedisErr(err, "ZCARD")
}

func (r *Redis) ZScore(ctx context.Context, key, member string) (float64, error) {
	score, err := r.client.ZScore(ctx, key, member).Result()
	return score, wrapRedisErr(err, "ZSCORE")
}

// --- sets ---

func toAny(members []string) []any {
	out := make([]any, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}

func (r *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	return wrapRedisErr(r.client.SAdd(ctx, key, toAny(members)...).Err(), "SADD")
}

func (r *Redis) SRem(ctx context.Context, key string, members ...string) error {
	return wrapRedisErr(r.client.SRem(ctx, key, toAny(members)...).Err(), "SREM")
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := r.client.SMembers(ctx, key).Result()
	return members, wrapRedisErr(err, "SMEMBERS")
}

func (r *Redis) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, key, member).Result()
	return ok, wrapRedisErr(err, "SISMEMBER")
}

func (r *Redis) SCard(ctx context.Context, key string) (int64, error) {
	n, err := r.client.SCard(ctx, key).Result()
	return n, wrapRedisErr(err, "SCARD")
}

// --- strings ---

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrapRedisErr(r.client.Set(ctx, key, value, ttl).Err(), "SET")
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	return v, wrapRedisErr(err, "GET")
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, wrapRedisErr(err, "EXISTS")
	}
	return n > 0, nil
}

// --- streams ---

func (r *Redis) XAdd(ctx context.Context, key string, values map[string]any) (string, error) {
	id, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: values,
	}).Result()
	return id, wrapRedisErr(err, "XADD")
}

func (r *Redis) XRange(ctx context.Context, key, start, stop string) ([]StreamEntry, error) {
	msgs, err := r.client.XRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, wrapRedisErr(err, "XRANGE")
	}
	entries := make([]StreamEntry, 0, len(msgs))
	for _, msg := range msgs {
		entry := StreamEntry{
			ID:     msg.ID,
			Values: make(map[string]string, len(msg.Values)),
		}
		for field, value := range msg.Values {
			if s, ok := value.(string); ok {
				entry.Values[field] = s
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (r *Redis) XLen(ctx context.Context, key string) (int64, error) {
	n, err := r.client.XLen(ctx, key).Result()
	return n, wrapRedisErr(err, "XLEN")
}

// --- keys ---

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	return wrapRedisErr(r.client.Del(ctx, keys...).Err(), "DEL")
}

func (r *Redis) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := r.client.Keys(ctx, pattern).Result()
	return keys, wrapRedisErr(err, "KEYS")
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrapRedisErr(r.client.Expire(ctx, key, ttl).Err(), "EXPIRE")
}

// --- pub/sub ---

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan Message
	closed chan struct{}
	once   sync.Once
}

func (s *redisSubscription) Messages() <-chan Message { return s.ch }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		err = s.pubsub.Close()
	})
	return err
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	return wrapRedisErr(r.client.Publish(ctx, channel, payload).Err(), "PUBLISH")
}

func (r *Redis) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	pubsub := r.client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, wrapRedisErr(err, "SUBSCRIBE")
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		ch:     make(chan Message, subscriberBuffer),
		closed: make(chan struct{}),
	}

	// Closing the PubSub closes its Channel, which ends this goroutine.
	go func() {
		defer close(sub.ch)
		for msg := range pubsub.Channel() {
			select {
			case sub.ch <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
			default:
				// Subscriber is full - drop rather than block the reader.
			}
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.closed:
		}
	}()

	return sub, nil
}

// --- lifecycle ---

func (r *Redis) Ping(ctx context.Context) error {
	return wrapRedisErr(r.client.Ping(ctx).Err(), "PING")
}

func (r *Redis) Close() error {
	return r.client.Close()
}
