// Package store provides SessionStore backends for persistent apps.
package store

import (
	"context"
	"fmt"

	"nightly-connect/internal/adapter/redisclient"
	"nightly-connect/internal/domain"
	"nightly-connect/internal/infra/config"
)

// Store is a SessionStore that holds resources.
type Store interface {
	domain.SessionStore
	Close() error
}

// Open builds the backend selected by cfg.Backend.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(cfg.SQLitePath)
	case "redis":
		rc, err := redisclient.Open(ctx, cfg.RedisURL, cfg.RedisPassword)
		if err != nil {
			return nil, err
		}
		return NewRedisStore(rc, cfg.KeyPrefix, cfg.TTL), nil
	default:
		return nil, fmt.Errorf("%w: unknown store backend %q", domain.ErrInvalidInput, cfg.Backend)
	}
}

func validate(appName, sessionID string) error {
	if appName == "" {
		return domain.NewDomainError("store.Put", domain.ErrInvalidInput, "empty app name")
	}
	if sessionID == "" {
		return domain.NewDomainError("store.Put", domain.ErrInvalidInput, "empty session id")
	}
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*RedisStore)(nil)
)
