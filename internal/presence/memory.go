package presence

import (
	"context"
	"sync"
)

// Memory is an in-process Store. Sharing one Memory between several
// gateway instances in a test reproduces the multi-process fan-out
// path without a Redis server.
type Memory struct {
	mu      sync.RWMutex
	members map[string]Member
	rooms   map[string]map[string]struct{}
	names   map[string]map[string]struct{}
	subs    map[chan []byte]struct{}
	closed  bool
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		members: make(map[string]Member),
		rooms:   make(map[string]map[string]struct{}),
		names:   make(map[string]map[string]struct{}),
		subs:    make(map[chan []byte]struct{}),
	}
}

func (s *Memory) SetMember(_ context.Context, connID string, m Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[connID] = m
	return nil
}

func (s *Memory) Member(_ context.Context, connID string) (Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[connID]
	if !ok {
		return Member{}, ErrNoMember
	}
	return m, nil
}

func (s *Memory) RemoveMember(_ context.Context, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, connID)
	return nil
}

func (s *Memory) ClaimName(_ context.Context, roomID, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.names[roomID]
	if !ok {
		room = make(map[string]struct{})
		s.names[roomID] = room
	}
	if _, taken := room[username]; taken {
		return false, nil
	}
	room[username] = struct{}{}
	return true, nil
}

func (s *Memory) ReleaseName(_ context.Context, roomID, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if room, ok := s.names[roomID]; ok {
		delete(room, username)
		if len(room) == 0 {
			delete(s.names, roomID)
		}
	}
	return nil
}

func (s *Memory) AddToRoom(_ context.Context, roomID, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		room = make(map[string]struct{})
		s.rooms[roomID] = room
	}
	room[connID] = struct{}{}
	return nil
}

func (s *Memory) RemoveFromRoom(_ context.Context, roomID, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if room, ok := s.rooms[roomID]; ok {
		delete(room, connID)
		if len(room) == 0 {
			delete(s.rooms, roomID)
		}
	}
	return nil
}

func (s *Memory) RoomConnections(_ context.Context, roomID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room := s.rooms[roomID]
	ids := make([]string, 0, len(room))
	for id := range room {
		ids = append(ids, id)
	}
	return ids, nil
}

// Publish delivers to every subscriber. Non-blocking: payloads are
// dropped for subscribers whose buffer is full.
func (s *Memory) Publish(_ context.Context, payload []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for ch := range s.subs {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (s *Memory) Subscribe(ctx context.Context) (<-chan []byte, error) {
	ch := make(chan []byte, 64)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, nil
	}
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		s.mu.Unlock()
	}()
	return ch, nil
}

func (s *Memory) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for ch := range s.subs {
		delete(s.subs, ch)
		close(ch)
	}
	return nil
}
