// Package store is the realtime key/value adapter every other component
// goes through to read or write the bus (§4.2). It never interprets
// keys itself — callers build them through keyspace — and it never
// swallows a Redis error silently: every failure is classified into a
// *store.Error the caller can branch on with errors.As.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/voltage-ems/core/telemetry"
)

// Config configures the store adapter's connection and reconnect policy.
type Config struct {
	URL string

	// ReconnectInitial is the first backoff interval after a connection
	// failure. ReconnectMax bounds how large the interval is allowed to
	// grow. Zero values fall back to sensible defaults.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = 100 * time.Millisecond
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	return c
}

// Stats is a snapshot of connection health, shaped like §4.4's transport
// stats so the two surfaces read the same way in diagnostics output.
type Stats struct {
	Attempts   int64
	Successes  int64
	Failures   int64
	Reconnects int64
	LastError  string
}

// Store wraps a go-redis client with the operation set §4.2 requires
// plus reconnect-with-backoff and a stats counter.
type Store struct {
	client *redis.Client
	cfg    Config

	attempts   atomic.Int64
	successes  atomic.Int64
	failures   atomic.Int64
	reconnects atomic.Int64

	mu        sync.Mutex
	lastError string
}

// Open parses cfg.URL and verifies connectivity with a short ping,
// following db/repository/redis.go's ParseURL-then-Ping pattern.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("store: parse url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("store: connect: %w", err)
	}

	return &Store{client: client, cfg: cfg}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Stats returns a snapshot of the connection counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	lastErr := s.lastError
	s.mu.Unlock()
	return Stats{
		Attempts:   s.attempts.Load(),
		Successes:  s.successes.Load(),
		Failures:   s.failures.Load(),
		Reconnects: s.reconnects.Load(),
		LastError:  lastErr,
	}
}

func (s *Store) record(op, key string, err error) {
	s.attempts.Add(1)
	if err == nil {
		s.successes.Add(1)
		return
	}
	s.failures.Add(1)
	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()
	telemetry.Logger.WithFields(map[string]interface{}{
		"op":  op,
		"key": key,
	}).WithError(err).Debug("store operation failed")
}

func classify(err error) Kind {
	if err == nil {
		return Unavailable
	}
	if errors.Is(err, redis.Nil) {
		return NotFound
	}
	return Unavailable
}

// Get returns the string value at key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	s.record("get", key, err)
	if err != nil {
		return "", newError(classify(err), "get", key, err)
	}
	return v, nil
}

// Set writes a string value, optionally with a TTL (ttl <= 0 means no
// expiry — the default for every key this module writes).
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	err := s.client.Set(ctx, key, value, ttl).Err()
	s.record("set", key, err)
	if err != nil {
		return newError(Unavailable, "set", key, err)
	}
	return nil
}

// Del deletes one or more keys. Deleting a key that does not exist is
// not an error.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	err := s.client.Del(ctx, keys...).Err()
	s.record("del", fmt.Sprintf("%v", keys), err)
	if err != nil {
		return newError(Unavailable, "del", fmt.Sprintf("%v", keys), err)
	}
	return nil
}

// HSet writes one or more fields in a hash.
func (s *Store) HSet(ctx context.Context, key string, fields map[string]string) error {
	args := make([]interface{}, 0, len(fields)*2)
	for f, v := range fields {
		args = append(args, f, v)
	}
	err := s.client.HSet(ctx, key, args...).Err()
	s.record("hset", key, err)
	if err != nil {
		return newError(Unavailable, "hset", key, err)
	}
	return nil
}

// HGet returns one field of a hash. Returns a NotFound *Error if either
// the hash or the field is missing.
func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := s.client.HGet(ctx, key, field).Result()
	s.record("hget", key, err)
	if err != nil {
		return "", newError(classify(err), "hget", key+"."+field, err)
	}
	return v, nil
}

// HGetAll returns every field of a hash.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := s.client.HGetAll(ctx, key).Result()
	s.record("hgetall", key, err)
	if err != nil {
		return nil, newError(Unavailable, "hgetall", key, err)
	}
	return v, nil
}

// HDel removes one or more fields from a hash.
func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	err := s.client.HDel(ctx, key, fields...).Err()
	s.record("hdel", key, err)
	if err != nil {
		return newError(Unavailable, "hdel", key, err)
	}
	return nil
}

// ListPushBack appends a value to the tail of a list (RPush), used for
// a channel's TODO and DLQ entries.
func (s *Store) ListPushBack(ctx context.Context, key, value string) error {
	err := s.client.RPush(ctx, key, value).Err()
	s.record("rpush", key, err)
	if err != nil {
		return newError(Unavailable, "rpush", key, err)
	}
	return nil
}

// ListRange returns elements [start, stop] of a list (inclusive, Redis
// semantics; -1 means "to the end").
func (s *Store) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	v, err := s.client.LRange(ctx, key, start, stop).Result()
	s.record("lrange", key, err)
	if err != nil {
		return nil, newError(Unavailable, "lrange", key, err)
	}
	return v, nil
}

// ListTrim trims a list to the given inclusive range, used by the
// moving-average calculator to bound its sample buffer to the window.
func (s *Store) ListTrim(ctx context.Context, key string, start, stop int64) error {
	err := s.client.LTrim(ctx, key, start, stop).Err()
	s.record("ltrim", key, err)
	if err != nil {
		return newError(Unavailable, "ltrim", key, err)
	}
	return nil
}

// ListLen returns the length of a list.
func (s *Store) ListLen(ctx context.Context, key string) (int64, error) {
	v, err := s.client.LLen(ctx, key).Result()
	s.record("llen", key, err)
	if err != nil {
		return 0, newError(Unavailable, "llen", key, err)
	}
	return v, nil
}

// ListPopFrontBlocking pops the head of a list, blocking up to timeout.
// Returns ("", nil) on timeout with nothing available, matching
// queue/redis/queue.go's Dequeue convention of a nil error on timeout.
func (s *Store) ListPopFrontBlocking(ctx context.Context, key string, timeout time.Duration) (string, error) {
	result, err := s.client.BLPop(ctx, timeout, key).Result()
	if errors.Is(err, redis.Nil) {
		s.record("blpop", key, nil)
		return "", nil
	}
	s.record("blpop", key, err)
	if err != nil {
		return "", newError(Unavailable, "blpop", key, err)
	}
	if len(result) < 2 {
		return "", nil
	}
	return result[1], nil
}

// PatternScan returns every key matching a glob pattern, used by the
// cleanup reconciler (§4.11). Cursor-based SCAN is used instead of
// KEYS so a large keyspace never blocks the server.
func (s *Store) PatternScan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 1000).Result()
		s.record("scan", pattern, err)
		if err != nil {
			return nil, newError(Unavailable, "scan", pattern, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// Publish publishes a raw payload to a pub/sub channel.
func (s *Store) Publish(ctx context.Context, channel, payload string) error {
	err := s.client.Publish(ctx, channel, payload).Err()
	s.record("publish", channel, err)
	if err != nil {
		return newError(Unavailable, "publish", channel, err)
	}
	return nil
}

// Subscribe subscribes to one or more channels/patterns and forwards
// payloads on the returned channel until ctx is cancelled.
func (s *Store) Subscribe(ctx context.Context, channels ...string) (<-chan string, error) {
	pubsub := s.client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, newError(Unavailable, "subscribe", fmt.Sprintf("%v", channels), err)
	}

	out := make(chan string)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Pipeline is the subset of redis.Pipeliner the pipeline callback needs,
// kept narrow so callers don't reach past the operations store commits
// atomically.
type Pipeline interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// WithPipeline runs fn against a pipeline and commits every queued
// command as a single atomic unit (INV-3's transactional publish), the
// idiomatic Go replacement for a bare pipeline handle: callers get a
// closure instead of a start/commit pair they could forget to balance.
func (s *Store) WithPipeline(ctx context.Context, fn func(p Pipeline) error) error {
	pipe := s.client.TxPipeline()
	if err := fn(pipe); err != nil {
		return err
	}
	_, err := pipe.Exec(ctx)
	s.record("pipeline", "", err)
	if err != nil {
		return newError(Unavailable, "pipeline", "", err)
	}
	return nil
}

// Reconnect re-establishes the connection with exponential backoff
// bounded by cfg.ReconnectMax, per §4.2's reconnect policy. It is the
// caller's responsibility to invoke this after observing sustained
// Unavailable errors; Store does not reconnect automatically mid-call,
// which would mask the error from the caller that needs to know the
// current op failed.
func (s *Store) Reconnect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.ReconnectInitial
	b.MaxInterval = s.cfg.ReconnectMax
	b.MaxElapsedTime = 0 // retry until ctx is cancelled

	return backoff.Retry(func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		err := s.client.Ping(pingCtx).Err()
		if err != nil {
			return err
		}
		s.reconnects.Add(1)
		return nil
	}, backoff.WithContext(b, ctx))
}
