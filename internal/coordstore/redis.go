package coordstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lua scripts so the compare half and the mutate half execute atomically
// on the server. GET-then-DEL from the client would race a competing
// acquisition between the two commands.
var (
	compareAndDeleteScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`)

	compareAndExtendScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// RedisStore implements Store on a go-redis client. All operations carry
// a per-call timeout so a wedged Redis surfaces as an error instead of
// blocking the caller.
type RedisStore struct {
	rdb       redis.UniversalClient
	opTimeout time.Duration
}

// NewRedisStore wraps an existing Redis client. opTimeout bounds each
// individual store operation; zero means 5s.
func NewRedisStore(rdb redis.UniversalClient, opTimeout time.Duration) *RedisStore {
	if opTimeout <= 0 {
		opTimeout = 5 * time.Second
	}
	return &RedisStore{rdb: rdb, opTimeout: opTimeout}
}

func (s *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("coordstore: setnx %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	val, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("coordstore: get %s: %w", key, err)
	}
	return val, true, nil
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := compareAndDeleteScript.Run(ctx, s.rdb, []string{key}, expected).Int()
	if err != nil {
		return false, fmt.Errorf("coordstore: compare-and-delete %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *RedisStore) CompareAndExtend(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := compareAndExtendScript.Run(ctx, s.rdb, []string{key},
		expected, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("coordstore: compare-and-extend %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("coordstore: incr %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("coordstore: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe delivers messages until ctx is cancelled. Messages arriving
// while the connection is down are lost; consumers reconcile against an
// authoritative snapshot instead of relying on replay.
func (s *RedisStore) Subscribe(ctx context.Context, channel string, handler Handler) error {
	sub := s.rdb.Subscribe(ctx, channel)

	// Confirm the subscription before returning so the caller cannot
	// publish into the void.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("coordstore: subscribe %s: %w", channel, err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					slog.Warn("pubsub channel closed", "channel", channel)
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()

	return nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
