// Package store defines the persistence contract the broker runs on and
// provides two realizations: an in-process memory store for tests and
// single-node deployments, and a Redis-backed store for production.
//
// The contract is deliberately narrow. It exposes only the primitives the
// broker actually uses (hashes, sorted sets, sets, strings with TTL,
// append-only streams, key management, and pub/sub) so that both
// realizations can guarantee identical semantics. In particular ZRem
// reports whether the member was removed, which is the single atomic
// primitive job claiming is built on.
package store

import (
	"context"
	"time"
)

// Store is the persistence surface shared by all broker components.
//
// All operations take a context and honor its cancellation. Lookups that
// find nothing return errors.ErrNotFound; connectivity failures are wrapped
// with errors.ErrStoreUnavailable so callers can distinguish "not there"
// from "cannot ask".
type Store interface {
	// Hash operations back job and worker records.
	HSet(ctx context.Context, key string, fields map[string]any) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error
	HLen(ctx context.Context, key string) (int64, error)

	// Sorted-set operations back the pending queue and the archives.
	// ZRem reports whether the member was present and removed; a false
	// return with nil error means another caller removed it first.
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key, member string) (bool, error)
	ZRangeDesc(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZRangeAsc(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZRevRank(ctx context.Context, key, member string) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)
	ZScore(ctx context.Context, key, member string) (float64, error)

	// Set operations back the active-worker roster.
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SCard(ctx context.Context, key string) (int64, error)

	// String operations back heartbeat keys. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Exists(ctx context.Context, key string) (bool, error)

	// Stream operations back the authoritative progress history.
	XAdd(ctx context.Context, key string, values map[string]any) (string, error)
	XRange(ctx context.Context, key, start, stop string) ([]StreamEntry, error)
	XLen(ctx context.Context, key string) (int64, error)

	// Key management.
	Del(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Pub/sub carries best-effort event notifications. Delivery is not
	// guaranteed; authoritative state lives in the keyspace above.
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// StreamEntry is one record of an append-only stream. IDs are of the form
// "<unix-ms>-<seq>" and order lexicographically within a stream.
type StreamEntry struct {
	ID     string
	Values map[string]string
}

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live pub/sub subscription. Messages is closed after
// Close returns or the subscribing context is cancelled. Slow consumers
// lose messages rather than block publishers.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}
