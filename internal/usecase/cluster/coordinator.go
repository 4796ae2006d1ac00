// Package cluster coordinates session ownership between relay nodes that
// share a Redis instance.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"nightly-connect/internal/domain"
)

const (
	lockPrefix    = "nconnect:relay:owner:"
	eventsChannel = "nconnect:relay:events"
)

// RedisClient abstracts the Redis operations needed by the Coordinator.
// Get must return an error wrapping domain.ErrNotFound for a missing key.
type RedisClient interface {
	SetNX(ctx context.Context, key, value string, expiration time.Duration) (bool, error)
	Expire(ctx context.Context, key string, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	Publish(ctx context.Context, channel, message string) error
	Close() error
}

// Lifecycle event kinds published for external observers.
const (
	SessionCreated = "session_created"
	SessionResumed = "session_resumed"
	SessionEnded   = "session_ended"
)

// Event is one session lifecycle notification on the events channel.
type Event struct {
	Kind      string    `json:"kind"`
	SessionID string    `json:"sessionId"`
	NodeID    string    `json:"nodeId"`
	At        time.Time `json:"at"`
}

// Config holds configuration for the coordinator.
type Config struct {
	NodeID  string
	LockTTL time.Duration // default: 30s
}

// Coordinator records which relay node serves each session so that a node
// never creates or adopts a session another live node holds.
type Coordinator struct {
	nodeID  string
	client  RedisClient
	logger  *slog.Logger
	lockTTL time.Duration
}

// New creates a coordinator with the given Redis client.
func New(client RedisClient, cfg Config, logger *slog.Logger) *Coordinator {
	lockTTL := cfg.LockTTL
	if lockTTL == 0 {
		lockTTL = 30 * time.Second
	}
	return &Coordinator{
		nodeID:  cfg.NodeID,
		client:  client,
		logger:  logger.With("component", "cluster", "node", cfg.NodeID),
		lockTTL: lockTTL,
	}
}

// NodeID returns this node's identifier.
func (c *Coordinator) NodeID() string { return c.nodeID }

// AcquireSession claims the session for this node. It returns false when
// another node holds it; re-acquiring a session this node owns refreshes it.
func (c *Coordinator) AcquireSession(ctx context.Context, sessionID string) (bool, error) {
	key := lockPrefix + sessionID
	acquired, err := c.client.SetNX(ctx, key, c.nodeID, c.lockTTL)
	if err != nil {
		return false, fmt.Errorf("acquire session lock: %w", err)
	}
	if acquired {
		c.logger.Debug("session lock acquired", "session_id", sessionID)
		return true, nil
	}
	owner, err := c.Owner(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if owner != c.nodeID {
		return false, nil
	}
	return true, c.client.Expire(ctx, key, c.lockTTL)
}

// Owner returns the node serving sessionID, or "" when no node holds it.
func (c *Coordinator) Owner(ctx context.Context, sessionID string) (string, error) {
	owner, err := c.client.Get(ctx, lockPrefix+sessionID)
	if errors.Is(err, domain.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup session owner: %w", err)
	}
	return owner, nil
}

// Refresh extends the locks of sessions this node still serves. Called
// periodically; a lock not refreshed within the TTL frees the session id.
func (c *Coordinator) Refresh(ctx context.Context, sessionIDs []string) error {
	var errs []error
	for _, id := range sessionIDs {
		if err := c.client.Expire(ctx, lockPrefix+id, c.lockTTL); err != nil {
			errs = append(errs, fmt.Errorf("refresh %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// ReleaseSession releases the lock for the given session.
// Only releases if this node holds the lock.
func (c *Coordinator) ReleaseSession(ctx context.Context, sessionID string) error {
	owner, err := c.Owner(ctx, sessionID)
	if err != nil || owner == "" {
		return err
	}
	if owner != c.nodeID {
		c.logger.Debug("skipping lock release (not owner)", "session_id", sessionID, "owner", owner)
		return nil
	}
	if err := c.client.Del(ctx, lockPrefix+sessionID); err != nil {
		return fmt.Errorf("release session lock: %w", err)
	}
	c.logger.Debug("session lock released", "session_id", sessionID)
	return nil
}

// Publish broadcasts a session lifecycle event.
func (c *Coordinator) Publish(ctx context.Context, kind, sessionID string) error {
	data, err := json.Marshal(Event{Kind: kind, SessionID: sessionID, NodeID: c.nodeID, At: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return c.client.Publish(ctx, eventsChannel, string(data))
}

// Stop closes the Redis client.
func (c *Coordinator) Stop() error {
	return c.client.Close()
}
