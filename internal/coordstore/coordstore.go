// Package coordstore abstracts the external coordination store: a key/value
// store with atomic set-if-not-exists + TTL, compare-and-delete, a
// monotonic counter, and publish/subscribe.
//
// The leader-election and broadcast algorithms are written against this
// interface so they are store-agnostic; Redis is the production
// implementation, MemoryStore backs tests and single-node runs.
package coordstore

import (
	"context"
	"time"
)

// Handler receives one published message. It runs on the subscriber's
// delivery goroutine and must not block.
type Handler func(payload []byte)

// Store is the coordination-store client interface.
type Store interface {
	// SetNX atomically sets key to value with a TTL if the key does not
	// exist. Returns true if the key was set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Get returns the value for key, or ok=false if it does not exist.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// CompareAndDelete deletes key only if its current value equals
	// expected. Returns true if the key was deleted.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)

	// CompareAndExtend resets key's TTL only if its current value equals
	// expected. Returns true if the TTL was extended.
	CompareAndExtend(ctx context.Context, key, expected string, ttl time.Duration) (bool, error)

	// Incr atomically increments the counter at key and returns the new
	// value. Counters have no TTL; they are the fencing-token source.
	Incr(ctx context.Context, key string) (int64, error)

	// Publish sends payload to all current subscribers of channel.
	// Delivery is best-effort, at-most-once per subscriber.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe invokes handler for every message published to channel
	// until ctx is cancelled.
	Subscribe(ctx context.Context, channel string, handler Handler) error

	// Close releases client resources.
	Close() error
}
