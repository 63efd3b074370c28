package presence

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Key layout: one hash per connection and one set per room, plus a
// single pub/sub channel shared by every gateway process.
const (
	memberKeyPrefix = "user:"
	roomKeySuffix   = ":users"
	roomKeyPrefix   = "room:"
	nameKeyInfix    = ":name:"
	relayChannel    = "pairfusion:relay"
)

// Redis is the Store used in multi-process deployments.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to rawURL (redis:// or rediss://) and verifies the
// server is reachable.
func NewRedis(ctx context.Context, rawURL string) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("presence: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("presence: ping redis: %w", err)
	}
	return &Redis{client: client}, nil
}

func memberKey(connID string) string { return memberKeyPrefix + connID }
func roomKey(roomID string) string   { return roomKeyPrefix + roomID + roomKeySuffix }

func nameKey(roomID, username string) string {
	return roomKeyPrefix + roomID + nameKeyInfix + username
}

func (s *Redis) SetMember(ctx context.Context, connID string, m Member) error {
	return s.client.HSet(ctx, memberKey(connID), "username", m.Username, "roomId", m.RoomID).Err()
}

func (s *Redis) Member(ctx context.Context, connID string) (Member, error) {
	fields, err := s.client.HGetAll(ctx, memberKey(connID)).Result()
	if err != nil {
		return Member{}, err
	}
	if len(fields) == 0 {
		return Member{}, ErrNoMember
	}
	return Member{Username: fields["username"], RoomID: fields["roomId"]}, nil
}

func (s *Redis) RemoveMember(ctx context.Context, connID string) error {
	return s.client.Del(ctx, memberKey(connID)).Err()
}

func (s *Redis) ClaimName(ctx context.Context, roomID, username string) (bool, error) {
	return s.client.SetNX(ctx, nameKey(roomID, username), 1, 0).Result()
}

func (s *Redis) ReleaseName(ctx context.Context, roomID, username string) error {
	return s.client.Del(ctx, nameKey(roomID, username)).Err()
}

func (s *Redis) AddToRoom(ctx context.Context, roomID, connID string) error {
	return s.client.SAdd(ctx, roomKey(roomID), connID).Err()
}

func (s *Redis) RemoveFromRoom(ctx context.Context, roomID, connID string) error {
	return s.client.SRem(ctx, roomKey(roomID), connID).Err()
}

func (s *Redis) RoomConnections(ctx context.Context, roomID string) ([]string, error) {
	return s.client.SMembers(ctx, roomKey(roomID)).Result()
}

func (s *Redis) Publish(ctx context.Context, payload []byte) error {
	return s.client.Publish(ctx, relayChannel, payload).Err()
}

func (s *Redis) Subscribe(ctx context.Context) (<-chan []byte, error) {
	sub := s.client.Subscribe(ctx, relayChannel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("presence: subscribe: %w", err)
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *Redis) Close() error {
	return s.client.Close()
}
