// Package coord implements the agent coordination layer: a shared
// registry of agent identity and liveness, exclusive task claims, and
// cross-agent messaging, all over a key-value store with conditional
// set, TTL expiry, and publish/subscribe.
package coord

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound indicates a key is absent or its TTL has elapsed.
var ErrKeyNotFound = errors.New("key not found")

// ErrCoordinationUnavailable indicates the shared store cannot be
// reached, either directly or because the breaker guarding it is open.
var ErrCoordinationUnavailable = errors.New("coordination store unavailable")

// ErrClaimConflict indicates a claim operation lost to another agent.
// Losing a claim race is normal control flow, not a failure.
var ErrClaimConflict = errors.New("claim held by another agent")

// Message is one payload delivered through a topic subscription.
type Message struct {
	// Topic is the topic the message arrived on.
	Topic string
	// Payload is the opaque message body.
	Payload []byte
}

// Store is the shared substrate the coordination layer runs on. Any
// backend offering conditional set, TTL expiry, hashes, sets, and
// publish/subscribe satisfies it.
type Store interface {
	// SetNX writes key only if it is absent or expired, returning true
	// when this call won the write. A positive ttl bounds the entry.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Set unconditionally writes key. A positive ttl bounds the entry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get reads key, returning ErrKeyNotFound when absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes the given keys.
	Delete(ctx context.Context, keys ...string) error
	// DeleteIfEquals removes key only while it holds value, returning
	// true if the key was removed.
	DeleteIfEquals(ctx context.Context, key string, value []byte) (bool, error)
	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)
	// HSet writes fields of the hash at key.
	HSet(ctx context.Context, key string, fields map[string]string) error
	// HGetAll reads every field of the hash at key. A missing hash
	// yields an empty map.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// SAdd adds members to the set at key.
	SAdd(ctx context.Context, key string, members ...string) error
	// SRem removes members from the set at key.
	SRem(ctx context.Context, key string, members ...string) error
	// SMembers lists the members of the set at key.
	SMembers(ctx context.Context, key string) ([]string, error)
	// Publish delivers payload to every current subscriber of topic.
	// Delivery is at-least-once, best effort.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe streams messages for topic until ctx is cancelled.
	Subscribe(ctx context.Context, topic string) (<-chan Message, error)
	// Close releases the store connection.
	Close() error
}
