// Package counterstore provides the gate's only piece of authoritative
// state external to process memory: a Redis-backed key-value store with
// atomic increment, TTL, and prefix scan, used for rate-limit counters,
// the config overlay, verification records, and IP/agent rules.
package counterstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Error codes used by callers to decide degrade-open vs degrade-closed
// behavior without string-matching.
const (
	CodeNotFound      = "not_found"
	CodeUnavailable   = "unavailable"
	CodeMisconfigured = "misconfigured"
	CodeInternal      = "internal"
)

// Error is the typed error returned by every Store method. It wraps the
// underlying cause so errors.Is/errors.As work across package boundaries.
type Error struct {
	Code    string
	Op      string
	Key     string
	cause   error
}

func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("counterstore: %s %s: %s", e.Op, e.Key, e.cause)
	}
	return fmt.Sprintf("counterstore: %s: %s", e.Op, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

func newError(code, op, key string, cause error) *Error {
	return &Error{Code: code, Op: op, Key: key, cause: cause}
}

// ErrNotFound is returned (wrapped) when a key does not exist.
var ErrNotFound = errors.New("counterstore: key not found")

// IsUnavailable reports whether err indicates a transient backend failure
// that callers should consider for degrade-open handling.
func IsUnavailable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == CodeUnavailable
	}
	return false
}

// IsMisconfigured reports whether err indicates the store was never
// usable in the first place (missing address/credentials), which callers
// must treat as refuse-to-serve rather than degrade-open.
func IsMisconfigured(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == CodeMisconfigured
	}
	return false
}

// IsNotFound reports whether err indicates a missing key.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == CodeNotFound
	}
	return errors.Is(err, ErrNotFound)
}

// Store is the contract every component in this module consumes. It is
// intentionally narrow: INCR/EXPIRE pipelined together, GET, DEL, SET with
// optional TTL, EXISTS, TTL, and a prefix scan reserved for administrative
// use (never the hot path).
type Store interface {
	// IncrAndExpire increments key by 1 and, in the same pipeline, sets its
	// TTL to ttl. Returns the post-increment value.
	IncrAndExpire(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Config configures the RedisStore's connection pool.
type Config struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
}

// DefaultConfig returns sane connection-pool defaults.
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		PoolSize:     20,
		MinIdleConns: 5,
		DialTimeout:  5 * time.Second,
	}
}

// RedisStore implements Store against a pooled go-redis client.
type RedisStore struct {
	client *redis.Client
}

// New constructs a RedisStore. It does not ping eagerly; callers should
// call Ping during startup health checks.
func New(cfg Config) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, newError(CodeMisconfigured, "new", "", errors.New("redis addr is empty"))
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
	})
	return &RedisStore{client: client}, nil
}

// NewFromClient wraps an existing go-redis client, useful for tests backed
// by miniredis.
func NewFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func classify(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, redis.Nil) {
		return CodeNotFound
	}
	return CodeUnavailable
}

func (s *RedisStore) IncrAndExpire(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, newError(classify(err), "incr_and_expire", key, err)
	}
	return incr.Val(), nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", newError(CodeNotFound, "get", key, ErrNotFound)
		}
		return "", newError(classify(err), "get", key, err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return newError(classify(err), "set", key, err)
	}
	return nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return newError(classify(err), "del", keys[0], err)
	}
	return nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, newError(classify(err), "exists", key, err)
	}
	return n > 0, nil
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, newError(classify(err), "ttl", key, err)
	}
	return d, nil
}

// ScanPrefix lists all keys beginning with prefix using a non-blocking
// cursor scan. Administrative use only.
func (s *RedisStore) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var cursor uint64
	pattern := prefix + "*"
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return nil, newError(classify(err), "scan_prefix", prefix, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return newError(CodeUnavailable, "ping", "", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Client exposes the underlying go-redis client for components that need
// direct pipeline access not covered by Store (e.g. multi-key deletes with
// mixed operations).
func (s *RedisStore) Client() *redis.Client { return s.client }
