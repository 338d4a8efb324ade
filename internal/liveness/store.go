package liveness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrChallengeNotFound is returned for unknown, expired or already used challenges
var ErrChallengeNotFound = errors.New("challenge not found or expired")

// ChallengeStore keeps issued challenges until they are redeemed once
type ChallengeStore interface {
	Put(ctx context.Context, ch Challenge) error
	// Take atomically removes the challenge and returns its kind
	Take(ctx context.Context, id string) (Kind, error)
}

type memoryEntry struct {
	kind    Kind
	expires time.Time
}

// MemoryChallengeStore keeps challenges in process memory
type MemoryChallengeStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryChallengeStore creates an empty store
func NewMemoryChallengeStore() *MemoryChallengeStore {
	return &MemoryChallengeStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Put implements ChallengeStore
func (s *MemoryChallengeStore) Put(_ context.Context, ch Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, e := range s.entries {
		if !now.Before(e.expires) {
			delete(s.entries, id)
		}
	}
	s.entries[ch.ID] = memoryEntry{kind: ch.Kind, expires: now.Add(ch.ExpiresIn)}
	return nil
}

// Take implements ChallengeStore
func (s *MemoryChallengeStore) Take(_ context.Context, id string) (Kind, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return "", ErrChallengeNotFound
	}
	delete(s.entries, id)
	if !s.now().Before(e.expires) {
		return "", ErrChallengeNotFound
	}
	return e.kind, nil
}

// RedisChallengeStore shares challenges between daemon instances
type RedisChallengeStore struct {
	client *redis.Client
	prefix string
}

// NewRedisChallengeStore creates a store on client
func NewRedisChallengeStore(client *redis.Client) *RedisChallengeStore {
	return &RedisChallengeStore{client: client, prefix: "facegate:challenge:"}
}

// Put implements ChallengeStore
func (s *RedisChallengeStore) Put(ctx context.Context, ch Challenge) error {
	if err := s.client.Set(ctx, s.prefix+ch.ID, string(ch.Kind), ch.ExpiresIn).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Take implements ChallengeStore
func (s *RedisChallengeStore) Take(ctx context.Context, id string) (Kind, error) {
	val, err := s.client.GetDel(ctx, s.prefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrChallengeNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis getdel failed: %w", err)
	}
	return Kind(val), nil
}

// Close closes the redis client
func (s *RedisChallengeStore) Close() error {
	return s.client.Close()
}
