package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nightly-connect/internal/domain"
)

// RedisClient is the subset of Redis the store needs. Get returns an error
// wrapping domain.ErrNotFound for a missing key.
type RedisClient interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, expiration time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Close() error
}

// RedisStore keeps session ids under prefix+appName. A positive ttl expires
// idle entries; each Put refreshes it.
type RedisStore struct {
	client RedisClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore wraps client. prefix defaults to "nconnect:session:".
func NewRedisStore(client RedisClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "nconnect:session:"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(appName string) string { return s.prefix + appName }

func (s *RedisStore) Get(ctx context.Context, appName string) (string, bool, error) {
	id, err := s.client.Get(ctx, s.key(appName))
	if errors.Is(err, domain.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get session %q: %w", appName, err)
	}
	return id, true, nil
}

func (s *RedisStore) Put(ctx context.Context, appName, sessionID string) error {
	if err := validate(appName, sessionID); err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(appName), sessionID, s.ttl); err != nil {
		return fmt.Errorf("put session %q: %w", appName, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, appName string) error {
	if err := s.client.Del(ctx, s.key(appName)); err != nil {
		return fmt.Errorf("delete session %q: %w", appName, err)
	}
	return nil
}

// Close closes the client.
func (s *RedisStore) Close() error { return s.client.Close() }
