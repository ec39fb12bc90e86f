package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis stores blobs as string values. It suits deployments where workers do
// not share a filesystem and exports are small.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisOptions configures the Redis backend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// TTL expires blobs that were never deleted. Zero keeps them forever.
	TTL time.Duration
}

// NewRedis connects to Redis and checks the connection.
func NewRedis(opts RedisOptions) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("cannot connect to Redis at %s: %w", opts.Addr, err)
	}

	return NewRedisFromClient(rdb, opts.Prefix, opts.TTL), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

// Close closes the underlying client.
func (s *Redis) Close() error {
	return s.client.Close()
}

func (s *Redis) key(location string) (string, error) {
	clean, err := cleanLocation(location)
	if err != nil {
		return "", err
	}
	return s.prefix + clean, nil
}

// Put reads r fully and stores it under the location's key.
func (s *Redis) Put(ctx context.Context, location string, r io.Reader) (int64, error) {
	key, err := s.key(location)
	if err != nil {
		return 0, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("read blob %s: %w", location, err)
	}
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return 0, fmt.Errorf("store blob %s: %w", location, err)
	}
	return int64(len(data)), nil
}

// Get returns the value stored at the location's key.
func (s *Redis) Get(ctx context.Context, location string) (io.ReadCloser, error) {
	key, err := s.key(location)
	if err != nil {
		return nil, err
	}
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, location)
	}
	if err != nil {
		return nil, fmt.Errorf("load blob %s: %w", location, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes the location's key.
func (s *Redis) Delete(ctx context.Context, location string) error {
	key, err := s.key(location)
	if err != nil {
		return err
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete blob %s: %w", location, err)
	}
	return nil
}
