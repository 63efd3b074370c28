// Package presence is the shared backplane for room membership. It maps
// connection ids to members, tracks which connections belong to which
// room, and carries a single broadcast channel that fans relayed events
// out to every gateway process.
package presence

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

var (
	// ErrNoMember is returned when a connection id has no member record.
	ErrNoMember = errors.New("presence: no such member")
)

// Member is the record stored per connection.
type Member struct {
	Username string `json:"username"`
	RoomID   string `json:"roomId"`
}

// Store is the presence backplane. All methods are safe for concurrent
// use. Implementations: Redis for multi-process deployments, memory for
// single-process runs and tests.
type Store interface {
	// SetMember records the member behind a connection id.
	SetMember(ctx context.Context, connID string, m Member) error
	// Member looks up a connection's member record, ErrNoMember if absent.
	Member(ctx context.Context, connID string) (Member, error)
	// RemoveMember drops a connection's member record.
	RemoveMember(ctx context.Context, connID string) error

	// ClaimName atomically reserves a username within a room. It
	// returns false when the name is already held, so two simultaneous
	// joins on different processes cannot both win.
	ClaimName(ctx context.Context, roomID, username string) (bool, error)
	// ReleaseName frees a username reservation.
	ReleaseName(ctx context.Context, roomID, username string) error

	// AddToRoom adds a connection id to a room's set.
	AddToRoom(ctx context.Context, roomID, connID string) error
	// RemoveFromRoom removes a connection id from a room's set.
	RemoveFromRoom(ctx context.Context, roomID, connID string) error
	// RoomConnections returns the connection ids currently in a room.
	RoomConnections(ctx context.Context, roomID string) ([]string, error)

	// Publish broadcasts an opaque payload to every subscriber,
	// including the publisher's own process.
	Publish(ctx context.Context, payload []byte) error
	// Subscribe returns a channel of published payloads. The channel is
	// closed when ctx is cancelled or the store shuts down.
	Subscribe(ctx context.Context) (<-chan []byte, error)

	Close() error
}

// FromURL builds a Store from a connection URL. Supported schemes:
// redis:// and rediss:// for the Redis backend, memory:// (or an empty
// URL) for the in-process backend.
func FromURL(ctx context.Context, rawURL string) (Store, error) {
	if rawURL == "" {
		return NewMemory(), nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("presence: parse url: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem", "inmem":
		return NewMemory(), nil
	case "redis", "rediss":
		return NewRedis(ctx, rawURL)
	default:
		return nil, fmt.Errorf("presence: unsupported scheme %q", u.Scheme)
	}
}
